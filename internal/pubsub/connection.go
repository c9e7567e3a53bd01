package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rabbitmq/amqp091-go"
)

type ConnectionOptions struct {
	URL           string
	RetryAttempts int
	Delay         time.Duration
	Logger        *slog.Logger
}

const maxDelay = 60 * time.Second

// DialWithRetry connects to the broker with exponential backoff and gives up
// after RetryAttempts or when ctx is cancelled.
func DialWithRetry(ctx context.Context, cfg ConnectionOptions) (*amqp091.Connection, error) {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.Delay <= 0 {
		cfg.Delay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Delay
	b.MaxInterval = maxDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.RetryAttempts-1)), ctx)

	var conn *amqp091.Connection
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		c, err := amqp091.Dial(cfg.URL)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, policy, func(err error, sleep time.Duration) {
		cfg.Logger.Warn("rabbit dial failed",
			slog.Int("attempt", attempt),
			slog.Duration("sleep", sleep),
			slog.Any("error", err),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempt, err)
	}
	if attempt > 1 {
		cfg.Logger.Info("rabbit connected", slog.Int("attempt", attempt))
	}
	return conn, nil
}
