// Package transporttest provides an in-memory transport for tests.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/credentials"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/transport"
)

// Factory hands out FakeSessions and remembers them per connection.
type Factory struct {
	mu       sync.Mutex
	sessions map[int64][]*FakeSession
	openErr  error
	opened   int
	media    []byte
}

// NewFactory creates a fake transport factory.
func NewFactory() *Factory {
	return &Factory{sessions: make(map[int64][]*FakeSession)}
}

// FailOpen makes subsequent Open calls return err (nil restores success).
func (f *Factory) FailOpen(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

// SetMedia sets the payload returned by FetchMedia on new sessions.
func (f *Factory) SetMedia(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = data
}

// Open implements transport.Factory.
func (f *Factory) Open(_ context.Context, creds credentials.Credentials) (transport.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opened++
	s := &FakeSession{
		Creds:  creds,
		events: make(chan transport.Event, 100),
		done:   make(chan struct{}),
		media:  f.media,
	}
	f.sessions[creds.ConnectionID] = append(f.sessions[creds.ConnectionID], s)
	return s, nil
}

// Opened returns how many sessions were opened in total.
func (f *Factory) Opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

// Sessions returns every session opened for a connection, oldest first.
func (f *Factory) Sessions(connectionID int64) []*FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeSession(nil), f.sessions[connectionID]...)
}

// Last returns the most recent session for a connection, or nil.
func (f *Factory) Last(connectionID int64) *FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.sessions[connectionID]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// Sent is an outbound message recorded by a FakeSession.
type Sent struct {
	To   string
	Text string
	ID   string
}

// FakeSession is a scriptable transport.Session.
type FakeSession struct {
	Creds credentials.Credentials

	mu        sync.Mutex
	events    chan transport.Event
	done      chan struct{}
	closeOnce sync.Once
	sent      []Sent
	sendErr   error
	media     []byte
	logouts   int
	seq       int
}

func (s *FakeSession) Events() <-chan transport.Event {
	return s.events
}

func (s *FakeSession) Done() <-chan struct{} {
	return s.done
}

func (s *FakeSession) emit(t transport.EventType, payload any) {
	select {
	case <-s.done:
	case s.events <- transport.NewEvent(t, payload):
	}
}

// SimulateChallenge emits a pairing challenge.
func (s *FakeSession) SimulateChallenge(code string) {
	s.emit(transport.EventChallenge, transport.ChallengePayload{Code: code})
}

// SimulateOpened emits a successful open.
func (s *FakeSession) SimulateOpened(address, name string) {
	s.emit(transport.EventOpened, transport.OpenedPayload{Address: address, DisplayName: name})
}

// SimulateClosed emits a session close.
func (s *FakeSession) SimulateClosed(reason transport.CloseReason) {
	s.emit(transport.EventClosed, transport.ClosedPayload{Reason: reason})
}

// SimulateMessage emits an inbound message.
func (s *FakeSession) SimulateMessage(msg *transport.InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.emit(transport.EventMessage, msg)
}

// SimulateReceipt emits a delivery/read receipt.
func (s *FakeSession) SimulateReceipt(chat string, status transport.DeliveryStatus, ids ...string) {
	s.emit(transport.EventReceipt, transport.ReceiptPayload{Chat: chat, MessageIDs: ids, Status: status})
}

// FailSend makes Send return err.
func (s *FakeSession) FailSend(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

func (s *FakeSession) Send(_ context.Context, to, text string) (transport.SentMessage, error) {
	select {
	case <-s.done:
		return transport.SentMessage{}, transport.ErrSessionClosed
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return transport.SentMessage{}, s.sendErr
	}
	s.seq++
	id := fmt.Sprintf("FAKE%04d", s.seq)
	s.sent = append(s.sent, Sent{To: to, Text: text, ID: id})
	return transport.SentMessage{ID: id, Timestamp: time.Now()}, nil
}

// SentMessages returns the recorded outbound messages.
func (s *FakeSession) SentMessages() []Sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sent(nil), s.sent...)
}

func (s *FakeSession) FetchMedia(_ context.Context, msg *transport.InboundMessage) ([]byte, error) {
	if msg.Media == nil {
		return nil, transport.ErrNoMedia
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.media == nil {
		return nil, errors.New("media unavailable")
	}
	return s.media, nil
}

func (s *FakeSession) Logout(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logouts++
	return nil
}

// Logouts returns how many times Logout was called.
func (s *FakeSession) Logouts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logouts
}

func (s *FakeSession) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// IsClosed reports whether Close was called.
func (s *FakeSession) IsClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
