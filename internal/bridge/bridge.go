// Package bridge exposes the inbox operations: connection slots, chats,
// human sends and the automated-reply configuration.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/autoreply"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/fault"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/health"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/pubsub"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/registry"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/state"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/store"
)

// Deps are the components the bridge fronts. Monitor and Publisher are
// optional.
type Deps struct {
	Store     *store.SQLiteStore
	Registry  *registry.Registry
	Engine    *autoreply.Engine
	Outbound  autoreply.Outbound
	Monitor   *health.Monitor
	Publisher pubsub.Publisher
}

// Bridge is the operation surface of the inbox.
type Bridge struct {
	store     *store.SQLiteStore
	registry  *registry.Registry
	engine    *autoreply.Engine
	outbound  autoreply.Outbound
	monitor   *health.Monitor
	publisher pubsub.Publisher
	log       *slog.Logger
}

// New creates the bridge and subscribes it to connection status changes.
func New(deps Deps, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	if deps.Publisher == nil {
		deps.Publisher = pubsub.Nop{}
	}
	b := &Bridge{
		store:     deps.Store,
		registry:  deps.Registry,
		engine:    deps.Engine,
		outbound:  deps.Outbound,
		monitor:   deps.Monitor,
		publisher: deps.Publisher,
		log:       log.With("component", "bridge"),
	}
	b.registry.OnStatusChange(b.onStatusChange)
	return b
}

// CreateConnection creates a connection slot. An empty display name becomes
// "Inbox <n+1>", n being the owner's existing slots.
func (b *Bridge) CreateConnection(ctx context.Context, ownerID, displayName string) (*store.Connection, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, fault.New(fault.InvalidInput, "create connection", "owner id is required")
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		n, err := b.store.Connections.CountByOwner(ctx, ownerID)
		if err != nil {
			return nil, fault.Wrap(fault.PersistenceError, "count connections", err)
		}
		displayName = fmt.Sprintf("Inbox %d", n+1)
	}

	conn := &store.Connection{OwnerID: ownerID, DisplayName: displayName}
	if err := b.store.Connections.Create(ctx, conn); err != nil {
		return nil, fault.Wrap(fault.PersistenceError, "create connection", err)
	}
	b.log.Info("connection created", "connection", conn.ID, "owner", ownerID, "name", displayName)
	return conn, nil
}

// ListConnections lists connection slots, optionally for one owner.
func (b *Bridge) ListConnections(ctx context.Context, ownerID string) ([]store.Connection, error) {
	conns, err := b.store.Connections.List(ctx, strings.TrimSpace(ownerID))
	if err != nil {
		return nil, fault.Wrap(fault.PersistenceError, "list connections", err)
	}
	return conns, nil
}

// RenameConnection changes the display name of a slot.
func (b *Bridge) RenameConnection(ctx context.Context, id int64, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fault.New(fault.InvalidInput, "rename connection", "display name is required")
	}
	return classify("rename connection", b.store.Connections.Rename(ctx, id, name))
}

// Connect starts or resumes a session. The returned challenge is nil when
// the connection is already open or no challenge was issued yet.
func (b *Bridge) Connect(ctx context.Context, id int64) (*registry.Challenge, error) {
	challenge, err := b.registry.Connect(ctx, id)
	if err != nil {
		return nil, classify("connect", err)
	}
	return challenge, nil
}

// Disconnect logs the session out and discards its credentials. Pending
// replies are cancelled first.
func (b *Bridge) Disconnect(ctx context.Context, id int64) error {
	b.engine.CancelConnection(id)
	if err := b.registry.Disconnect(ctx, id); err != nil {
		return classify("disconnect", err)
	}
	return nil
}

// DeleteConnection tears the session down and deletes the slot with its
// chats and messages.
func (b *Bridge) DeleteConnection(ctx context.Context, id int64) error {
	if _, err := b.store.Connections.Get(ctx, id); err != nil {
		return classify("delete connection", err)
	}
	b.engine.CancelConnection(id)
	b.registry.Remove(ctx, id)
	if b.monitor != nil {
		b.monitor.Forget(id)
	}
	if err := b.store.Connections.Delete(ctx, id); err != nil {
		return classify("delete connection", err)
	}
	b.log.Info("connection deleted", "connection", id)
	return nil
}

// Status returns the live status of a connection.
func (b *Bridge) Status(ctx context.Context, id int64) (registry.Status, error) {
	st, err := b.registry.Status(ctx, id)
	if err != nil {
		return registry.Status{}, classify("status", err)
	}
	return st, nil
}

// ConnectionHistory returns the latest logged transitions of a connection,
// newest first.
func (b *Bridge) ConnectionHistory(ctx context.Context, id int64, limit int) ([]store.Transition, error) {
	if _, err := b.store.Connections.Get(ctx, id); err != nil {
		return nil, classify("connection history", err)
	}
	if limit <= 0 {
		limit = 20
	}
	history, err := b.store.Transitions.History(ctx, id, limit)
	if err != nil {
		return nil, classify("connection history", err)
	}
	return history, nil
}

// ChatQuery narrows ListChats.
type ChatQuery struct {
	IncludeGroups bool
	Category      string
	Limit         int
}

// ListChats lists the chats of a connection, most recent first. The chat
// with the connection's own address is left out.
func (b *Bridge) ListChats(ctx context.Context, connectionID int64, q ChatQuery) ([]store.Chat, error) {
	conn, err := b.store.Connections.Get(ctx, connectionID)
	if err != nil {
		return nil, classify("list chats", err)
	}
	filter := store.ChatFilter{
		IncludeGroups:  q.IncludeGroups,
		ExcludeAddress: b.selfAddress(conn),
		Limit:          q.Limit,
	}
	if q.Category != "" {
		c, err := store.ParseCategory(q.Category)
		if err != nil {
			return nil, fault.Wrap(fault.InvalidInput, "list chats", err)
		}
		filter.Category = c
	}
	chats, err := b.store.Chats.List(ctx, connectionID, filter)
	if err != nil {
		return nil, fault.Wrap(fault.PersistenceError, "list chats", err)
	}
	return chats, nil
}

func (b *Bridge) selfAddress(conn *store.Connection) string {
	if addr := b.registry.Address(conn.ID); addr != "" {
		return addr
	}
	return conn.Address
}

// ListMessages returns the messages of a chat, oldest first.
func (b *Bridge) ListMessages(ctx context.Context, chatID string) ([]store.Message, error) {
	if _, err := b.store.Chats.Get(ctx, chatID); err != nil {
		return nil, classify("list messages", err)
	}
	msgs, err := b.store.Messages.List(ctx, chatID)
	if err != nil {
		return nil, fault.Wrap(fault.PersistenceError, "list messages", err)
	}
	return msgs, nil
}

// SendMessage sends an operator's text. The chat is handed to the operator
// before the send, so no automated reply follows it.
func (b *Bridge) SendMessage(ctx context.Context, connectionID int64, chatID, text, operatorID string) (*store.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fault.New(fault.InvalidInput, "send message", "text is required")
	}
	chat, err := b.store.Chats.Get(ctx, chatID)
	if err != nil {
		return nil, classify("send message", err)
	}
	if chat.ConnectionID != connectionID {
		return nil, fault.New(fault.InvalidInput, "send message",
			fmt.Sprintf("chat %s does not belong to connection %d", chatID, connectionID))
	}
	if !b.registry.IsConnected(connectionID) {
		return nil, classify("send message", registry.ErrNotConnected)
	}

	if err := b.engine.TakeOver(ctx, chatID, operatorID); err != nil {
		return nil, err
	}
	if !chat.IsHumanTakeover {
		b.publishCategory(ctx, chatID, store.CategoryHuman)
	}

	sent, err := b.registry.Send(ctx, connectionID, chat.Address, text)
	if err != nil {
		return nil, fault.Wrap(fault.TransientNetwork, "send message", err)
	}
	msg, err := b.outbound.RecordOutbound(ctx, connectionID, chat.Address, sent, text, false)
	if err != nil {
		return nil, err
	}
	b.log.Info("operator message sent", "connection", connectionID, "chat", chatID, "operator", operatorID)
	return msg, nil
}

// SetChatCategory moves a chat to human, closed or open. Open re-enables
// automated replies.
func (b *Bridge) SetChatCategory(ctx context.Context, chatID, category, operatorID string) (*store.Chat, error) {
	c, err := store.ParseCategory(category)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidInput, "set chat category", err)
	}
	if _, err := b.store.Chats.Get(ctx, chatID); err != nil {
		return nil, classify("set chat category", err)
	}

	if err := b.engine.SetCategory(ctx, chatID, c, operatorID); err != nil {
		return nil, err
	}
	b.publishCategory(ctx, chatID, c)

	chat, err := b.store.Chats.Get(ctx, chatID)
	if err != nil {
		return nil, classify("set chat category", err)
	}
	return chat, nil
}

// MarkChatRead resets the unread counter of a chat.
func (b *Bridge) MarkChatRead(ctx context.Context, chatID string) error {
	return classify("mark chat read", b.store.Chats.MarkRead(ctx, chatID))
}

// GetAIConfig returns the automated-reply configuration.
func (b *Bridge) GetAIConfig(ctx context.Context) (*store.AIConfig, error) {
	cfg, err := b.store.AIConfig.Get(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.PersistenceError, "get ai config", err)
	}
	return cfg, nil
}

// AIConfigUpdate changes the fields that are set.
type AIConfigUpdate struct {
	IsActive     *bool    `json:"is_active,omitempty" yaml:"is_active,omitempty"`
	Model        *string  `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens    *int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	SystemPrompt *string  `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	MaxHistory   *int     `json:"max_history,omitempty" yaml:"max_history,omitempty"`
}

// UpdateAIConfig applies a partial update and returns the stored result.
func (b *Bridge) UpdateAIConfig(ctx context.Context, u AIConfigUpdate) (*store.AIConfig, error) {
	cfg, err := b.GetAIConfig(ctx)
	if err != nil {
		return nil, err
	}
	if err := u.apply(cfg); err != nil {
		return nil, err
	}
	cfg.UpdatedAt = time.Now().UTC()
	if err := b.store.AIConfig.Save(ctx, cfg); err != nil {
		return nil, fault.Wrap(fault.PersistenceError, "update ai config", err)
	}
	b.log.Info("ai config updated", "active", cfg.IsActive, "model", cfg.Model)
	return cfg, nil
}

func (u AIConfigUpdate) apply(cfg *store.AIConfig) error {
	const op = "update ai config"
	if u.IsActive != nil {
		cfg.IsActive = *u.IsActive
	}
	if u.Model != nil {
		if strings.TrimSpace(*u.Model) == "" {
			return fault.New(fault.InvalidInput, op, "model must not be empty")
		}
		cfg.Model = strings.TrimSpace(*u.Model)
	}
	if u.Temperature != nil {
		if *u.Temperature < 0 || *u.Temperature > 2 {
			return fault.New(fault.InvalidInput, op, "temperature must be between 0 and 2")
		}
		cfg.Temperature = *u.Temperature
	}
	if u.MaxTokens != nil {
		if *u.MaxTokens <= 0 {
			return fault.New(fault.InvalidInput, op, "max_tokens must be positive")
		}
		cfg.MaxTokens = *u.MaxTokens
	}
	if u.SystemPrompt != nil {
		if strings.TrimSpace(*u.SystemPrompt) == "" {
			return fault.New(fault.InvalidInput, op, "system_prompt must not be empty")
		}
		cfg.SystemPrompt = *u.SystemPrompt
	}
	if u.MaxHistory != nil {
		if *u.MaxHistory < 0 {
			return fault.New(fault.InvalidInput, op, "max_history must not be negative")
		}
		cfg.MaxHistory = *u.MaxHistory
	}
	return nil
}

// Status is the bridge-wide snapshot.
type Status struct {
	Connections int               `json:"connections"`
	Connected   int               `json:"connected"`
	Live        []registry.Status `json:"live"`
	AIActive    bool              `json:"ai_active"`
	Health      *health.Status    `json:"health,omitempty"`
}

// BridgeStatus reports live sessions, stored slots and traffic counters.
func (b *Bridge) BridgeStatus(ctx context.Context) (*Status, error) {
	conns, err := b.store.Connections.List(ctx, "")
	if err != nil {
		return nil, fault.Wrap(fault.PersistenceError, "bridge status", err)
	}
	st := &Status{Connections: len(conns), Live: []registry.Status{}}
	for _, id := range b.registry.LiveIDs() {
		ls, err := b.registry.Status(ctx, id)
		if err != nil {
			continue
		}
		if ls.State == state.StateConnected {
			st.Connected++
		}
		st.Live = append(st.Live, ls)
	}
	if cfg, err := b.store.AIConfig.Get(ctx); err == nil {
		st.AIActive = cfg.IsActive
	}
	if b.monitor != nil {
		hs := b.monitor.GetStatus()
		st.Health = &hs
	}
	return st, nil
}

// Health is the /healthz probe: the store must answer.
func (b *Bridge) Health(ctx context.Context) (any, error) {
	if err := b.store.Ping(ctx); err != nil {
		return nil, fault.Wrap(fault.PersistenceError, "ping store", err)
	}
	return b.BridgeStatus(ctx)
}

// classify maps lower-layer sentinels onto fault kinds. Already classified
// errors pass through.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case fault.KindOf(err) != fault.Unknown:
		return err
	case errors.Is(err, store.ErrNotFound), errors.Is(err, registry.ErrUnknownConnection):
		return fault.Wrap(fault.NotFound, op, err)
	case errors.Is(err, registry.ErrNotConnected):
		return fault.Wrap(fault.TransientNetwork, op, err)
	default:
		return fault.Wrap(fault.PersistenceError, op, err)
	}
}
