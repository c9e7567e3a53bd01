// Package health tracks per-connection traffic and reconnection backoff.
package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config holds the reconnection backoff settings.
type Config struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// ConnectionHealth is the snapshot of one connection.
type ConnectionHealth struct {
	ConnectionID     int64     `json:"connection_id"`
	LastMessage      time.Time `json:"last_message,omitempty"`
	ReconnectCount   int       `json:"reconnect_count"`
	PendingRetries   int       `json:"pending_retries"`
	GaveUp           bool      `json:"gave_up"`
	MessagesReceived int64     `json:"messages_received"`
	MessagesSent     int64     `json:"messages_sent"`
	AIReplies        int64     `json:"ai_replies"`
}

// Status is the bridge-wide health snapshot.
type Status struct {
	UptimeSeconds    int64              `json:"uptime_seconds"`
	LastMessage      time.Time          `json:"last_message,omitempty"`
	ReconnectCount   int                `json:"reconnect_count"`
	MessagesReceived int64              `json:"messages_received"`
	MessagesSent     int64              `json:"messages_sent"`
	AIReplies        int64              `json:"ai_replies"`
	Connections      []ConnectionHealth `json:"connections"`
}

type connState struct {
	backoff        *backoff.ExponentialBackOff
	retryCount     int
	reconnectCount int
	gaveUp         bool
	lastMessage    time.Time
	received       int64
	sent           int64
	aiReplies      int64
}

// Monitor tracks per-connection health and schedules reconnects.
type Monitor struct {
	cfg Config
	log *slog.Logger

	startTime time.Time
	received  atomic.Int64
	sent      atomic.Int64
	aiReplies atomic.Int64

	mu    sync.RWMutex
	conns map[int64]*connState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a new health monitor.
func NewMonitor(cfg Config, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		cfg:       cfg,
		log:       log.With("component", "health"),
		startTime: time.Now(),
		conns:     make(map[int64]*connState),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Stop cancels scheduled reconnects and waits for callbacks in flight.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
	m.log.Info("health monitor stopped")
}

// conn returns the state of a connection; m.mu must be held for writing.
func (m *Monitor) conn(id int64) *connState {
	c, ok := m.conns[id]
	if !ok {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = m.cfg.BaseDelay
		bo.MaxInterval = m.cfg.MaxDelay
		bo.MaxElapsedTime = 0 // Never stop based on elapsed time
		bo.Reset()
		c = &connState{backoff: bo}
		m.conns[id] = c
	}
	return c
}

// RecordMessageReceived records an inbound message.
func (m *Monitor) RecordMessageReceived(connectionID int64) {
	m.received.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conn(connectionID)
	c.received++
	c.lastMessage = time.Now()
}

// RecordMessageSent records an outbound message.
func (m *Monitor) RecordMessageSent(connectionID int64, byAI bool) {
	m.sent.Add(1)
	if byAI {
		m.aiReplies.Add(1)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conn(connectionID)
	c.sent++
	if byAI {
		c.aiReplies++
	}
	c.lastMessage = time.Now()
}

// NextReconnectDelay advances the backoff of a connection. ok is false once
// the retry budget is spent.
func (m *Monitor) NextReconnectDelay(connectionID int64) (delay time.Duration, attempt int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conn(connectionID)
	if c.retryCount >= m.cfg.MaxRetries {
		c.gaveUp = true
		return 0, c.retryCount, false
	}
	c.retryCount++
	return c.backoff.NextBackOff(), c.retryCount, true
}

// IsMaxRetriesExceeded reports whether a connection spent its retry budget.
func (m *Monitor) IsMaxRetriesExceeded(connectionID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[connectionID]
	return ok && c.retryCount >= m.cfg.MaxRetries
}

// ScheduleReconnect runs callback after the connection's next backoff
// delay. It returns false when the retry budget is spent.
func (m *Monitor) ScheduleReconnect(connectionID int64, callback func(ctx context.Context)) bool {
	delay, attempt, ok := m.NextReconnectDelay(connectionID)
	if !ok {
		m.log.Error("max reconnection retries exceeded", "connection", connectionID, "retries", attempt)
		return false
	}
	m.log.Info("scheduling reconnect", "connection", connectionID, "delay", delay, "attempt", attempt)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
			m.mu.Lock()
			m.conn(connectionID).reconnectCount++
			m.mu.Unlock()
			callback(m.ctx)
		case <-m.ctx.Done():
		}
	}()
	return true
}

// OnConnectionRestored resets the backoff of a connection.
func (m *Monitor) OnConnectionRestored(connectionID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.conn(connectionID)
	c.backoff.Reset()
	c.retryCount = 0
	c.gaveUp = false
}

// Forget drops everything known about a connection.
func (m *Monitor) Forget(connectionID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.conns, connectionID)
}

// Connection returns the snapshot of one connection.
func (m *Monitor) Connection(connectionID int64) ConnectionHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[connectionID]
	if !ok {
		return ConnectionHealth{ConnectionID: connectionID}
	}
	return c.snapshot(connectionID)
}

func (c *connState) snapshot(id int64) ConnectionHealth {
	return ConnectionHealth{
		ConnectionID:     id,
		LastMessage:      c.lastMessage,
		ReconnectCount:   c.reconnectCount,
		PendingRetries:   c.retryCount,
		GaveUp:           c.gaveUp,
		MessagesReceived: c.received,
		MessagesSent:     c.sent,
		AIReplies:        c.aiReplies,
	}
}

// GetStatus returns the current health snapshot.
func (m *Monitor) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Status{
		UptimeSeconds:    int64(time.Since(m.startTime).Seconds()),
		MessagesReceived: m.received.Load(),
		MessagesSent:     m.sent.Load(),
		AIReplies:        m.aiReplies.Load(),
		Connections:      make([]ConnectionHealth, 0, len(m.conns)),
	}
	for id, c := range m.conns {
		st.ReconnectCount += c.reconnectCount
		if c.lastMessage.After(st.LastMessage) {
			st.LastMessage = c.lastMessage
		}
		st.Connections = append(st.Connections, c.snapshot(id))
	}
	sort.Slice(st.Connections, func(i, j int) bool {
		return st.Connections[i].ConnectionID < st.Connections[j].ConnectionID
	})
	return st
}
