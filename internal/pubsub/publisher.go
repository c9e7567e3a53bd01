// Package pubsub publishes inbox domain events to a message broker.
package pubsub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// Routing keys.
const (
	KeyConnectionStatus = "connection.status"
	KeyMessageReceived  = "message.received"
	KeyMessageSent      = "message.sent"
	KeyChatCategory     = "chat.category"
)

// Envelope wraps every published event.
type Envelope struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

// NewEnvelope creates an envelope with a fresh id.
func NewEnvelope(eventType string, data any) Envelope {
	return Envelope{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

type Publisher interface {
	Publish(ctx context.Context, key string, msg Envelope) error
	Close() error
}

type rmqClient struct {
	conn     *amqp091.Connection
	exchange string
	log      *slog.Logger
}

// New connects to the broker, declares the topic exchange and returns an
// AMQP publisher. Dialing is retried with backoff.
func New(ctx context.Context, opts ConnectionOptions, exchange string) (Publisher, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	conn, err := DialWithRetry(ctx, opts)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(
		exchange, "topic", true, false, false, false, nil,
	); err != nil {
		conn.Close()
		return nil, err
	}

	return &rmqClient{
		conn:     conn,
		exchange: exchange,
		log:      opts.Logger.With("component", "pubsub"),
	}, nil
}

func (r *rmqClient) Publish(ctx context.Context, key string, msg Envelope) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := ch.Confirm(false); err != nil {
		return err
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(
		ctx, r.exchange, key, false, false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    msg.ID,
			Type:         msg.Type,
			Timestamp:    msg.OccurredAt,
			Body:         body,
		},
	)
	if err != nil {
		return err
	}
	if _, err := confirm.WaitContext(ctx); err != nil {
		return err
	}
	r.log.Debug("published", slog.String("key", key), slog.String("exchange", r.exchange))
	return nil
}

func (r *rmqClient) Close() error {
	return r.conn.Close()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, Envelope) error { return nil }
func (Nop) Close() error                                    { return nil }

// Published is one event captured by Memory.
type Published struct {
	Key      string
	Envelope Envelope
}

// Memory keeps published events in memory. Used by tests and dry runs.
type Memory struct {
	mu     sync.Mutex
	events []Published
}

func (m *Memory) Publish(_ context.Context, key string, msg Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Published{Key: key, Envelope: msg})
	return nil
}

func (m *Memory) Close() error { return nil }

// Events returns the captured events, optionally filtered by routing key.
func (m *Memory) Events(key string) []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Published
	for _, e := range m.events {
		if key == "" || e.Key == key {
			out = append(out, e)
		}
	}
	return out
}
