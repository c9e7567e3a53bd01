// Package supervisor resumes stored sessions at startup and reconnects
// sessions that drop unexpectedly.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/credentials"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/health"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/metrics"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/registry"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/state"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/store"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/transport"
)

// Registry is the lifecycle manager the supervisor drives.
type Registry interface {
	Connect(ctx context.Context, id int64) (*registry.Challenge, error)
	OnStatusChange(fn func(registry.StatusChange))
}

// Connections looks up durable connection records.
type Connections interface {
	Get(ctx context.Context, id int64) (*store.Connection, error)
}

// Supervisor keeps stored sessions alive.
type Supervisor struct {
	reg     Registry
	conns   Connections
	creds   credentials.Store
	monitor *health.Monitor
	log     *slog.Logger

	mu       sync.Mutex
	retrying map[int64]bool
	stopped  bool
}

// New creates a supervisor and subscribes it to the registry's status
// changes.
func New(reg Registry, conns Connections, creds credentials.Store, monitor *health.Monitor, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		reg:      reg,
		conns:    conns,
		creds:    creds,
		monitor:  monitor,
		log:      log.With("component", "supervisor"),
		retrying: make(map[int64]bool),
	}
	reg.OnStatusChange(s.handle)
	return s
}

// ResumeAll connects every connection that has stored credentials. Failures
// are logged and skipped. Credentials without a connection record are
// purged. It returns the number of connections resumed.
func (s *Supervisor) ResumeAll(ctx context.Context) (int, error) {
	ids, err := s.creds.List(ctx)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return resumed, err
		}
		if _, err := s.conns.Get(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.log.Info("purging orphaned credentials", "connection", id)
				if err := s.creds.Purge(ctx, id); err != nil {
					s.log.Warn("failed to purge orphaned credentials", "connection", id, "error", err)
				}
				continue
			}
			s.log.Error("failed to load connection", "connection", id, "error", err)
			continue
		}
		if _, err := s.reg.Connect(ctx, id); err != nil {
			s.log.Error("failed to resume session", "connection", id, "error", err)
			continue
		}
		resumed++
	}
	s.log.Info("sessions resumed", "resumed", resumed, "stored", len(ids))
	return resumed, nil
}

// Stop makes later status changes no-ops. Scheduled reconnects are owned
// by the monitor and end with it.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (s *Supervisor) handle(c registry.StatusChange) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	retrying := s.retrying[c.ConnectionID]

	switch {
	case c.To == state.StateConnected:
		delete(s.retrying, c.ConnectionID)
		s.mu.Unlock()
		if retrying {
			metrics.Reconnects.WithLabelValues("restored").Inc()
			s.log.Info("connection restored", "connection", c.ConnectionID)
		}
		s.monitor.OnConnectionRestored(c.ConnectionID)
		return

	case c.To != state.StateDisconnected:
		s.mu.Unlock()
		return

	case c.Reason == transport.CloseConnectionLost && (c.From == state.StateConnected || retrying):
		s.retrying[c.ConnectionID] = true
		s.mu.Unlock()
		s.schedule(c.ConnectionID)
		return

	case retrying && c.Trigger == state.TriggerOpenFailed:
		// Connect reports the failure to the reconnect callback.
		s.mu.Unlock()
		return
	}

	delete(s.retrying, c.ConnectionID)
	s.mu.Unlock()
	if c.Reason == transport.CloseRequested || c.Reason == transport.CloseLoggedOut {
		s.monitor.Forget(c.ConnectionID)
	}
}

func (s *Supervisor) schedule(id int64) {
	ok := s.monitor.ScheduleReconnect(id, func(ctx context.Context) { s.reconnect(ctx, id) })
	if ok {
		metrics.Reconnects.WithLabelValues("scheduled").Inc()
		return
	}
	metrics.Reconnects.WithLabelValues("gave_up").Inc()
	s.mu.Lock()
	delete(s.retrying, id)
	s.mu.Unlock()
}

func (s *Supervisor) reconnect(ctx context.Context, id int64) {
	s.mu.Lock()
	active := s.retrying[id] && !s.stopped
	s.mu.Unlock()
	if !active {
		return
	}

	_, err := s.reg.Connect(ctx, id)
	switch {
	case err == nil:
		s.log.Info("reconnecting", "connection", id)
	case errors.Is(err, registry.ErrUnknownConnection):
		s.log.Info("connection removed, not reconnecting", "connection", id)
		s.mu.Lock()
		delete(s.retrying, id)
		s.mu.Unlock()
		s.monitor.Forget(id)
	default:
		metrics.Reconnects.WithLabelValues("failed").Inc()
		s.log.Warn("reconnect failed", "connection", id, "error", err)
		s.schedule(id)
	}
}

// Retrying reports whether a connection is in a reconnect cycle.
func (s *Supervisor) Retrying(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retrying[id]
}
