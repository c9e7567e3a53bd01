// Package credentials locates and purges the persisted transport session
// material of each connection.
package credentials

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
)

// Credentials describes where a connection's session material lives.
type Credentials struct {
	ConnectionID int64
	// Location is handed to the transport, which reads and writes the
	// session material there itself.
	Location string
	// Present is true when session material already exists, i.e. no
	// challenge should be needed to open a session.
	Present bool
}

// Store is the per-connection credential store.
type Store interface {
	Load(ctx context.Context, connectionID int64) (Credentials, error)
	// Save imports session material produced elsewhere, replacing any
	// existing material. Transports normally write to Location directly.
	Save(ctx context.Context, connectionID int64, data []byte) error
	Purge(ctx context.Context, connectionID int64) error
	List(ctx context.Context) ([]int64, error)
}

var sessionFile = regexp.MustCompile(`^conn_(\d+)\.db$`)

// DirStore keeps one SQLite session database per connection in a directory.
type DirStore struct {
	dir string
}

// NewDirStore creates the directory if needed.
func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &DirStore{dir: dir}, nil
}

func (s *DirStore) path(id int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("conn_%d.db", id))
}

func (s *DirStore) Load(_ context.Context, connectionID int64) (Credentials, error) {
	p := s.path(connectionID)
	info, err := os.Stat(p)
	switch {
	case err == nil:
		return Credentials{ConnectionID: connectionID, Location: p, Present: info.Size() > 0}, nil
	case os.IsNotExist(err):
		return Credentials{ConnectionID: connectionID, Location: p}, nil
	default:
		return Credentials{}, fmt.Errorf("stat session %d: %w", connectionID, err)
	}
}

func (s *DirStore) Save(ctx context.Context, connectionID int64, data []byte) error {
	if err := s.Purge(ctx, connectionID); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, fmt.Sprintf(".conn_%d-*", connectionID))
	if err != nil {
		return fmt.Errorf("save session %d: %w", connectionID, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("save session %d: %w", connectionID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save session %d: %w", connectionID, err)
	}
	if err := os.Rename(tmp.Name(), s.path(connectionID)); err != nil {
		return fmt.Errorf("save session %d: %w", connectionID, err)
	}
	return nil
}

// Purge deletes the session database and its WAL side files. Purging a
// connection without credentials is not an error.
func (s *DirStore) Purge(_ context.Context, connectionID int64) error {
	p := s.path(connectionID)
	for _, f := range []string{p, p + "-wal", p + "-shm", p + "-journal"} {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("purge session %d: %w", connectionID, err)
		}
	}
	return nil
}

// List returns the ids of connections that have session material, ascending.
func (s *DirStore) List(_ context.Context) ([]int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read session dir: %w", err)
	}
	var ids []int64
	for _, e := range entries {
		m := sessionFile.FindStringSubmatch(e.Name())
		if m == nil || e.IsDir() {
			continue
		}
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// MemoryStore is an in-memory Store, used in tests and dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	present map[int64]bool
	purged  map[int64]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{present: make(map[int64]bool), purged: make(map[int64]int)}
}

// Put marks a connection as holding session material.
func (s *MemoryStore) Put(connectionID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.present[connectionID] = true
}

// Has reports whether session material is held for the connection.
func (s *MemoryStore) Has(connectionID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.present[connectionID]
}

// PurgeCount returns how many times the connection was purged.
func (s *MemoryStore) PurgeCount(connectionID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purged[connectionID]
}

func (s *MemoryStore) Load(_ context.Context, connectionID int64) (Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Credentials{
		ConnectionID: connectionID,
		Location:     fmt.Sprintf("memory://%d", connectionID),
		Present:      s.present[connectionID],
	}, nil
}

func (s *MemoryStore) Save(_ context.Context, connectionID int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(data) == 0 {
		delete(s.present, connectionID)
		return nil
	}
	s.present[connectionID] = true
	return nil
}

func (s *MemoryStore) Purge(_ context.Context, connectionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.present, connectionID)
	s.purged[connectionID]++
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.present))
	for id := range s.present {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
