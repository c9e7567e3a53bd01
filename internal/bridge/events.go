package bridge

import (
	"context"
	"time"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/metrics"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/pubsub"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/registry"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/state"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/store"
)

// publishTimeout bounds broker calls made from status listeners.
const publishTimeout = 5 * time.Second

// ConnectionEvent is published on every connection status change.
type ConnectionEvent struct {
	ConnectionID int64       `json:"connection_id"`
	OwnerID      string      `json:"owner_id"`
	From         state.State `json:"from"`
	Status       state.State `json:"status"`
	Trigger      string      `json:"trigger"`
	Reason       string      `json:"reason,omitempty"`
	Address      string      `json:"address,omitempty"`
	At           time.Time   `json:"at"`
}

// CategoryEvent is published when a chat changes category.
type CategoryEvent struct {
	ChatID   string         `json:"chat_id"`
	Category store.Category `json:"category"`
}

func (b *Bridge) onStatusChange(c registry.StatusChange) {
	metrics.ConnectionTransitions.WithLabelValues(string(c.From), string(c.To), string(c.Reason)).Inc()
	switch {
	case c.To == state.StateConnected:
		metrics.ConnectionsConnected.Inc()
	case c.From == state.StateConnected:
		metrics.ConnectionsConnected.Dec()
	}

	evt := ConnectionEvent{
		ConnectionID: c.ConnectionID,
		OwnerID:      c.OwnerID,
		From:         c.From,
		Status:       c.To,
		Trigger:      c.Trigger.String(),
		Reason:       string(c.Reason),
		Address:      c.Address,
		At:           c.At,
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.publisher.Publish(ctx, pubsub.KeyConnectionStatus, pubsub.NewEnvelope(pubsub.KeyConnectionStatus, evt)); err != nil {
		b.log.Warn("failed to publish status change", "connection", c.ConnectionID, "error", err)
	}
}

func (b *Bridge) publishCategory(ctx context.Context, chatID string, c store.Category) {
	evt := CategoryEvent{ChatID: chatID, Category: c}
	if err := b.publisher.Publish(ctx, pubsub.KeyChatCategory, pubsub.NewEnvelope(pubsub.KeyChatCategory, evt)); err != nil {
		b.log.Warn("failed to publish category change", "chat", chatID, "error", err)
	}
}
