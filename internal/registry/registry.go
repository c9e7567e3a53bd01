// Package registry owns the live connection instances: one state machine,
// one transport session and the lifecycle timers per connection.
package registry

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/credentials"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/fault"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/state"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/store"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/transport"
)

var (
	// ErrUnknownConnection is returned for ids without a connection record.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrNotConnected is returned when an operation needs an open session.
	ErrNotConnected = errors.New("Not connected")
	// ErrTransportUnavailable wraps failures to open a session.
	ErrTransportUnavailable = errors.New("transport unavailable")
)

// ConnectionStore is the persistence the registry mirrors status into.
type ConnectionStore interface {
	Get(ctx context.Context, id int64) (*store.Connection, error)
	SaveStatus(ctx context.Context, id int64, s state.State, at time.Time) error
	SetIdentity(ctx context.Context, id int64, address, displayName string) error
}

// TransitionLog records every lifecycle transition.
type TransitionLog interface {
	Log(ctx context.Context, connectionID int64, from, to state.State, trigger, errMsg string) error
}

// EventHandler receives traffic from live sessions. Calls are made from the
// session's reader goroutine and should return quickly.
type EventHandler interface {
	HandleMessage(ctx context.Context, connectionID int64, msg *transport.InboundMessage)
	HandleReceipt(ctx context.Context, connectionID int64, r transport.ReceiptPayload)
}

// Config holds the lifecycle timeouts.
type Config struct {
	CredentialTimeout time.Duration
	ChallengeExpiry   time.Duration
}

// Challenge is the pairing challenge currently offered for a connection.
type Challenge struct {
	Code     string    `json:"code"`
	Image    string    `json:"image,omitempty"` // PNG data URL
	IssuedAt time.Time `json:"issued_at"`
}

// Status is the live view of one connection.
type Status struct {
	ConnectionID int64       `json:"connection_id"`
	State        state.State `json:"state"`
	Challenge    *Challenge  `json:"challenge,omitempty"`
	Address      string      `json:"address,omitempty"`
	DisplayName  string      `json:"display_name,omitempty"`
}

// StatusChange is delivered to listeners after every transition.
type StatusChange struct {
	ConnectionID int64
	OwnerID      string
	From         state.State
	To           state.State
	Trigger      state.Trigger
	Reason       transport.CloseReason
	Address      string
	At           time.Time
}

// Registry is the connection lifecycle manager.
type Registry struct {
	cfg         Config
	conns       ConnectionStore
	transitions TransitionLog
	creds       credentials.Store
	factory     transport.Factory
	log         *slog.Logger

	mu      sync.Mutex
	entries map[int64]*entry
	handler EventHandler

	listenersMu sync.RWMutex
	listeners   []func(StatusChange)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type entry struct {
	id    int64
	owner string

	mu              sync.Mutex
	machine         *state.Machine
	session         transport.Session
	gen             uint64
	challenge       *Challenge
	challengeIssued bool
	address         string
	displayName     string
	credTimer       *time.Timer
	expiryTimer     *time.Timer
	removed         bool

	// set right before firing a transition, read by the transition callback
	reason transport.CloseReason
	// transitions not yet delivered to listeners
	changes []StatusChange
}

// New creates a registry.
func New(cfg Config, conns ConnectionStore, transitions TransitionLog, creds credentials.Store, factory transport.Factory, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if cfg.CredentialTimeout <= 0 {
		cfg.CredentialTimeout = 10 * time.Second
	}
	if cfg.ChallengeExpiry <= 0 {
		cfg.ChallengeExpiry = 40 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:         cfg,
		conns:       conns,
		transitions: transitions,
		creds:       creds,
		factory:     factory,
		log:         log.With("component", "registry"),
		entries:     make(map[int64]*entry),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetEventHandler installs the receiver for session traffic.
func (r *Registry) SetEventHandler(h EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

// OnStatusChange registers a listener. Listeners run outside registry locks
// but on the goroutine that caused the transition.
func (r *Registry) OnStatusChange(fn func(StatusChange)) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) eventHandler() EventHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handler
}

func (r *Registry) lookup(id int64) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[id]
}

func (r *Registry) getOrCreate(id int64, owner string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e
	}
	e := &entry{id: id, owner: owner, machine: state.NewMachine()}
	e.machine.OnTransition(func(ctx context.Context, from, to state.State, trigger state.Trigger) {
		r.recordTransition(ctx, e, from, to, trigger)
	})
	r.entries[id] = e
	return e
}

func (r *Registry) remove(id int64) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[id]
	delete(r.entries, id)
	return e
}

// locked runs fn under the entry lock, then delivers queued status changes.
func (r *Registry) locked(e *entry, fn func()) {
	e.mu.Lock()
	fn()
	changes := e.changes
	e.changes = nil
	e.mu.Unlock()
	r.notify(changes)
}

func (r *Registry) notify(changes []StatusChange) {
	if len(changes) == 0 {
		return
	}
	r.listenersMu.RLock()
	listeners := make([]func(StatusChange), len(r.listeners))
	copy(listeners, r.listeners)
	r.listenersMu.RUnlock()

	for _, c := range changes {
		for _, fn := range listeners {
			fn(c)
		}
	}
}

// recordTransition runs inside Fire, with e.mu held.
func (r *Registry) recordTransition(ctx context.Context, e *entry, from, to state.State, trigger state.Trigger) {
	if from == to {
		r.log.Debug("state reentry", "connection", e.id, "state", to, "trigger", trigger)
		return
	}
	now := time.Now()
	reason := e.reason
	e.reason = ""

	r.log.Info("state transition", "connection", e.id, "from", from, "to", to, "trigger", trigger, "reason", reason)

	// Persistence failures must not stall the lifecycle.
	if err := r.conns.SaveStatus(ctx, e.id, to, now); err != nil {
		r.log.Error("failed to persist status", "connection", e.id, "error", err)
	}
	if to == state.StateConnected && e.address != "" {
		if err := r.conns.SetIdentity(ctx, e.id, e.address, e.displayName); err != nil {
			r.log.Error("failed to persist address", "connection", e.id, "error", err)
		}
	}
	if r.transitions != nil {
		if err := r.transitions.Log(ctx, e.id, from, to, trigger.String(), string(reason)); err != nil {
			r.log.Warn("failed to log transition", "connection", e.id, "error", err)
		}
	}

	e.changes = append(e.changes, StatusChange{
		ConnectionID: e.id,
		OwnerID:      e.owner,
		From:         from,
		To:           to,
		Trigger:      trigger,
		Reason:       reason,
		Address:      e.address,
		At:           now,
	})
}

func (r *Registry) fire(ctx context.Context, e *entry, trigger state.Trigger, reason transport.CloseReason) {
	e.reason = reason
	if err := e.machine.Fire(ctx, trigger); err != nil {
		r.log.Error("invalid transition", "connection", e.id, "trigger", trigger, "error", err)
	}
	e.reason = ""
}

// teardown detaches the session and stops all timers. Events and timers of
// the detached session become stale. Caller holds e.mu and closes the
// returned session.
func (r *Registry) teardown(e *entry) transport.Session {
	if e.credTimer != nil {
		e.credTimer.Stop()
		e.credTimer = nil
	}
	if e.expiryTimer != nil {
		e.expiryTimer.Stop()
		e.expiryTimer = nil
	}
	e.gen++
	e.challenge = nil
	e.challengeIssued = false
	sess := e.session
	e.session = nil
	return sess
}

func closeSession(sess transport.Session) {
	if sess != nil {
		_ = sess.Close()
	}
}

// Connect starts a session for the connection. It is a no-op when already
// connected and returns the current challenge, if any, while connecting.
func (r *Registry) Connect(ctx context.Context, id int64) (*Challenge, error) {
	conn, err := r.conns.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownConnection, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load connection %d: %w", id, err)
	}

	e := r.getOrCreate(id, conn.OwnerID)

	var (
		challenge *Challenge
		retErr    error
	)
	r.locked(e, func() {
		if e.removed {
			retErr = fmt.Errorf("%w: %d", ErrUnknownConnection, id)
			return
		}
		switch e.machine.MustState() {
		case state.StateConnected:
			return
		case state.StateConnecting:
			challenge = e.challenge.clone()
			return
		}

		creds, err := r.creds.Load(ctx, id)
		if err != nil {
			retErr = fmt.Errorf("load credentials: %w", err)
			return
		}

		r.fire(ctx, e, state.TriggerConnect, "")

		sess, err := r.factory.Open(ctx, creds)
		if err != nil {
			r.fire(ctx, e, state.TriggerOpenFailed, transport.CloseOther)
			retErr = fault.Wrap(fault.TransientNetwork, "open session", fmt.Errorf("%w: %v", ErrTransportUnavailable, err))
			return
		}

		e.gen++
		gen := e.gen
		e.session = sess
		e.challenge = nil
		e.challengeIssued = false
		e.credTimer = time.AfterFunc(r.cfg.CredentialTimeout, func() { r.onCredentialTimeout(e, gen) })

		r.wg.Add(1)
		go r.watch(e, sess, gen)

		r.log.Info("session opening", "connection", id, "stored_credentials", creds.Present)
	})
	return challenge, retErr
}

// Disconnect logs the session out, discards credentials and persists
// Disconnected. The entry leaves the registry before credentials are purged.
func (r *Registry) Disconnect(ctx context.Context, id int64) error {
	if _, err := r.conns.Get(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %d", ErrUnknownConnection, id)
		}
		return err
	}
	r.release(ctx, id, true)
	if err := r.conns.SaveStatus(ctx, id, state.StateDisconnected, time.Now()); err != nil {
		return fmt.Errorf("persist disconnect: %w", err)
	}
	return nil
}

// Remove tears down and forgets a connection ahead of its deletion. The
// caller deletes the durable record afterwards.
func (r *Registry) Remove(ctx context.Context, id int64) {
	r.release(ctx, id, true)
}

// release removes the entry, cancels its timers, closes the session and
// optionally logs out and purges credentials, in that order.
func (r *Registry) release(ctx context.Context, id int64, purge bool) {
	var sess transport.Session
	if e := r.remove(id); e != nil {
		r.locked(e, func() {
			e.removed = true
			sess = r.teardown(e)
			r.fire(ctx, e, state.TriggerClosed, transport.CloseRequested)
		})
	}

	if sess != nil && purge {
		if err := sess.Logout(ctx); err != nil {
			r.log.Warn("logout failed", "connection", id, "error", err)
		}
	}
	closeSession(sess)

	if purge {
		if err := r.creds.Purge(ctx, id); err != nil {
			r.log.Error("failed to purge credentials", "connection", id, "error", err)
		}
	}
}

// Status returns the live view of a connection. Connections without a live
// instance report Disconnected.
func (r *Registry) Status(ctx context.Context, id int64) (Status, error) {
	if _, err := r.conns.Get(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Status{}, fmt.Errorf("%w: %d", ErrUnknownConnection, id)
		}
		return Status{}, err
	}
	st := Status{ConnectionID: id, State: state.StateDisconnected}
	e := r.lookup(id)
	if e == nil {
		return st, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st.State = e.machine.MustState()
	st.Challenge = e.challenge.clone()
	if st.State == state.StateConnected {
		st.Address = e.address
		st.DisplayName = e.displayName
	}
	return st, nil
}

// IsConnected reports whether the connection has an open session.
func (r *Registry) IsConnected(id int64) bool {
	e := r.lookup(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine.IsConnected()
}

// Address returns the resolved address of a connected connection.
func (r *Registry) Address(id int64) string {
	e := r.lookup(id)
	if e == nil {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.machine.IsConnected() {
		return ""
	}
	return e.address
}

// LiveIDs returns the ids of connections that are connecting or connected.
func (r *Registry) LiveIDs() []int64 {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	var ids []int64
	for _, e := range entries {
		e.mu.Lock()
		if e.machine.MustState().IsLive() {
			ids = append(ids, e.id)
		}
		e.mu.Unlock()
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) liveSession(id int64) (transport.Session, bool) {
	e := r.lookup(id)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, false
	}
	return e.session, e.machine.IsConnected()
}

// Send delivers a text message through the connection's open session.
func (r *Registry) Send(ctx context.Context, id int64, to, text string) (transport.SentMessage, error) {
	sess, connected := r.liveSession(id)
	if !connected {
		return transport.SentMessage{}, ErrNotConnected
	}
	sent, err := sess.Send(ctx, to, text)
	if errors.Is(err, transport.ErrSessionClosed) {
		return transport.SentMessage{}, ErrNotConnected
	}
	return sent, err
}

// FetchMedia downloads a message payload through the connection's session.
func (r *Registry) FetchMedia(ctx context.Context, id int64, msg *transport.InboundMessage) ([]byte, error) {
	sess, _ := r.liveSession(id)
	if sess == nil {
		return nil, ErrNotConnected
	}
	return sess.FetchMedia(ctx, msg)
}

// Shutdown closes every session without touching credentials and waits for
// the session readers to exit.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		var sess transport.Session
		r.locked(e, func() {
			sess = r.teardown(e)
			r.fire(ctx, e, state.TriggerClosed, transport.CloseShutdown)
		})
		closeSession(sess)
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.log.Warn("shutdown timed out waiting for session readers")
	}
}

func (c *Challenge) clone() *Challenge {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// renderChallenge encodes a pairing code as a QR PNG data URL.
func renderChallenge(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
