package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/state"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/store"
)

type liveIDs []int64

func (l liveIDs) LiveIDs() []int64 { return l }

func setupTestDB(t *testing.T) *store.SQLiteStore {
	db, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func createConn(t *testing.T, db *store.SQLiteStore, s state.State) *store.Connection {
	ctx := context.Background()
	conn := &store.Connection{OwnerID: "owner-1", DisplayName: "Inbox"}
	require.NoError(t, db.Connections.Create(ctx, conn))
	require.NoError(t, db.Connections.SaveStatus(ctx, conn.ID, s, time.Now()))
	return conn
}

func status(t *testing.T, db *store.SQLiteStore, id int64) state.State {
	conn, err := db.Connections.Get(context.Background(), id)
	require.NoError(t, err)
	return conn.Status
}

func TestReconcile(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	stale := createConn(t, db, state.StateConnected)
	staleConnecting := createConn(t, db, state.StateConnecting)
	live := createConn(t, db, state.StateConnected)
	idle := createConn(t, db, state.StateDisconnected)

	r := New(Config{}, db.Connections, db.Transitions, liveIDs{live.ID}, nil)
	n, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, state.StateDisconnected, status(t, db, stale.ID))
	assert.Equal(t, state.StateDisconnected, status(t, db, staleConnecting.ID))
	assert.Equal(t, state.StateConnected, status(t, db, live.ID))
	assert.Equal(t, state.StateDisconnected, status(t, db, idle.ID))

	history, err := db.Transitions.History(ctx, stale.ID, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, TriggerReconcile, history[0].Trigger)
	assert.Equal(t, state.StateConnected, history[0].FromState)

	n, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPrune(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	conn := createConn(t, db, state.StateDisconnected)
	require.NoError(t, db.Transitions.Log(ctx, conn.ID, state.StateDisconnected, state.StateConnecting, "connect", ""))
	require.NoError(t, db.Transitions.Log(ctx, conn.ID, state.StateConnecting, state.StateDisconnected, "closed", ""))

	r := New(Config{TransitionRetention: time.Hour}, db.Connections, db.Transitions, liveIDs{}, nil)

	n, err := r.Prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	r.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = r.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestStart(t *testing.T) {
	db := setupTestDB(t)
	stale := createConn(t, db, state.StateConnected)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := New(Config{Schedule: "@every 1h"}, db.Connections, db.Transitions, liveIDs{}, nil)
	require.NoError(t, r.Start(ctx))
	defer r.Stop()

	// The first run happens synchronously.
	assert.Equal(t, state.StateDisconnected, status(t, db, stale.ID))
}

func TestStart_InvalidSchedule(t *testing.T) {
	db := setupTestDB(t)
	r := New(Config{Schedule: "every now and then"}, db.Connections, db.Transitions, liveIDs{}, nil)
	assert.Error(t, r.Start(context.Background()))
}

func TestRunOnce_SkipsOverlap(t *testing.T) {
	db := setupTestDB(t)
	stale := createConn(t, db, state.StateConnected)
	r := New(Config{}, db.Connections, db.Transitions, liveIDs{}, nil)

	r.running.Lock()
	r.RunOnce(context.Background())
	assert.Equal(t, state.StateConnected, status(t, db, stale.ID))
	r.running.Unlock()

	r.RunOnce(context.Background())
	assert.Equal(t, state.StateDisconnected, status(t, db, stale.ID))
}
