package store

import (
	"context"
	"errors"
	"time"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/state"
)

// ErrNotFound is returned when a requested item is not found.
var ErrNotFound = errors.New("not found")

// ConnectionRepository defines operations for connection slot persistence.
type ConnectionRepository interface {
	Create(ctx context.Context, conn *Connection) error
	Get(ctx context.Context, id int64) (*Connection, error)
	List(ctx context.Context, ownerID string) ([]Connection, error)
	CountByOwner(ctx context.Context, ownerID string) (int, error)
	Rename(ctx context.Context, id int64, name string) error
	SaveStatus(ctx context.Context, id int64, s state.State, at time.Time) error
	SetIdentity(ctx context.Context, id int64, address, displayName string) error
	Delete(ctx context.Context, id int64) error
}

// ChatRepository defines operations for chat persistence.
type ChatRepository interface {
	Get(ctx context.Context, id string) (*Chat, error)
	List(ctx context.Context, connectionID int64, filter ChatFilter) ([]Chat, error)
	SetCategory(ctx context.Context, id string, c Category, operatorID string, at time.Time) error
	MarkRead(ctx context.Context, id string) error
}

// MessageRepository defines operations for message persistence.
type MessageRepository interface {
	Get(ctx context.Context, chatID, transportID string) (*Message, error)
	List(ctx context.Context, chatID string) ([]Message, error)
	LatestAI(ctx context.Context, chatID string) (*Message, error)
	InboundAfter(ctx context.Context, chatID string, after time.Time) ([]Message, error)
	Before(ctx context.Context, chatID string, before time.Time, limit int) ([]Message, error)
	AdvanceStatus(ctx context.Context, chatID string, transportIDs []string, s MessageStatus) (int64, error)
}

// AIConfigRepository defines operations for the automated reply configuration.
type AIConfigRepository interface {
	Get(ctx context.Context) (*AIConfig, error)
	Save(ctx context.Context, cfg *AIConfig) error
}

// TransitionRepository defines operations for the connection transition log.
type TransitionRepository interface {
	Log(ctx context.Context, connectionID int64, from, to state.State, trigger, errMsg string) error
	History(ctx context.Context, connectionID int64, limit int) ([]Transition, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}
