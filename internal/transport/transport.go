// Package transport defines the contract between the connection registry and
// a chat transport implementation.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/credentials"
)

// ErrSessionClosed is returned by a Session after Close.
var ErrSessionClosed = errors.New("transport session closed")

// ErrNoMedia is returned by FetchMedia for a message without a payload.
var ErrNoMedia = errors.New("message has no media")

// Factory opens transport sessions.
type Factory interface {
	// Open starts a session for a connection. It returns once the session
	// is initiated; progress (challenge, open, close) arrives as events.
	Open(ctx context.Context, creds credentials.Credentials) (Session, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, creds credentials.Credentials) (Session, error)

func (f FactoryFunc) Open(ctx context.Context, creds credentials.Credentials) (Session, error) {
	return f(ctx, creds)
}

// Session is one live transport session.
type Session interface {
	Events() <-chan Event
	// Done is closed once the session has been closed. Events is never
	// closed; readers select on both.
	Done() <-chan struct{}
	Send(ctx context.Context, to, text string) (SentMessage, error)
	FetchMedia(ctx context.Context, msg *InboundMessage) ([]byte, error)
	// Logout invalidates the credentials on the remote side.
	Logout(ctx context.Context) error
	Close() error
}

// SentMessage is the transport's acknowledgement of an outbound message.
type SentMessage struct {
	ID        string
	Timestamp time.Time
}
