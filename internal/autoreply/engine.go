// Package autoreply sends one coalesced automated reply per burst of contact
// messages, unless a human operator owns the chat.
package autoreply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/ai"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/fault"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/metrics"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/pubsub"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/store"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/transport"
)

// DefaultContactName is used in prompts when a chat has no contact name.
const DefaultContactName = "Customer"

// ErrSkipped is returned by Reply when no reply was due.
var ErrSkipped = errors.New("automated reply skipped")

// Chats is the chat persistence the engine needs.
type Chats interface {
	Get(ctx context.Context, id string) (*store.Chat, error)
	SetCategory(ctx context.Context, id string, c store.Category, operatorID string, at time.Time) error
}

// Messages is the message persistence the engine needs.
type Messages interface {
	LatestAI(ctx context.Context, chatID string) (*store.Message, error)
	InboundAfter(ctx context.Context, chatID string, after time.Time) ([]store.Message, error)
	Before(ctx context.Context, chatID string, before time.Time, limit int) ([]store.Message, error)
}

// AIConfigs loads the persona configuration.
type AIConfigs interface {
	Get(ctx context.Context) (*store.AIConfig, error)
}

// Sender delivers a text through a connection's live session.
type Sender interface {
	Send(ctx context.Context, connectionID int64, to, text string) (transport.SentMessage, error)
}

// Outbound stores a message after it was sent.
type Outbound interface {
	RecordOutbound(ctx context.Context, connectionID int64, address string, sent transport.SentMessage, text string, byAI bool) (*store.Message, error)
}

// Config holds the engine's timing and prompt settings.
type Config struct {
	DebounceWindow time.Duration
	GatherWindow   time.Duration
	DelayMin       time.Duration
	DelayMax       time.Duration
	HistoryLimit   int
	HandoffMarker  string
	Model          string
}

// Deps are the engine's collaborators. Publisher is optional.
type Deps struct {
	Chats     Chats
	Messages  Messages
	AIConfig  AIConfigs
	Completer ai.Completer
	Sender    Sender
	Outbound  Outbound
	Publisher pubsub.Publisher
}

// Engine is the automated-reply engine.
type Engine struct {
	cfg       Config
	deps      Deps
	scheduler *Scheduler
	handoff   *regexp.Regexp
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	guardsMu sync.Mutex
	guards   map[string]*chatGuard

	// replaced in tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an engine with its own debounce scheduler.
func New(cfg Config, deps Deps, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = 10 * time.Second
	}
	if cfg.GatherWindow <= 0 {
		cfg.GatherWindow = 60 * time.Second
	}
	if cfg.DelayMax < cfg.DelayMin {
		cfg.DelayMax = cfg.DelayMin
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	if cfg.HandoffMarker == "" {
		cfg.HandoffMarker = "[HANDOFF]"
	}
	if deps.Publisher == nil {
		deps.Publisher = pubsub.Nop{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:     cfg,
		deps:    deps,
		handoff: regexp.MustCompile(`(?i)^\s*` + regexp.QuoteMeta(cfg.HandoffMarker) + `\s*`),
		log:     log.With("component", "autoreply"),
		ctx:     ctx,
		cancel:  cancel,
		guards:  make(map[string]*chatGuard),
		now:     time.Now,
		sleep:   sleepCtx,
	}
	e.scheduler = NewScheduler(cfg.DebounceWindow, e.fire)
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Schedule arms the debounce window for a chat that currently accepts
// automated replies.
func (e *Engine) Schedule(connectionID int64, chatID string) {
	chat, err := e.deps.Chats.Get(e.ctx, chatID)
	if err != nil {
		e.log.Warn("cannot schedule reply", "chat", chatID, "error", err)
		return
	}
	if !chat.AcceptsAutoReply() {
		e.log.Debug("chat does not accept automated replies", "chat", chatID, "category", chat.Category())
		return
	}
	e.scheduler.Schedule(connectionID, chatID)
	e.log.Debug("reply scheduled", "chat", chatID, "window", e.cfg.DebounceWindow)
}

// Pending reports whether a chat has an armed reply timer.
func (e *Engine) Pending(chatID string) bool {
	return e.scheduler.Pending(chatID)
}

// Cancel drops the pending reply of a chat.
func (e *Engine) Cancel(chatID string) bool {
	return e.scheduler.Cancel(chatID)
}

// CancelConnection drops the pending replies of a connection.
func (e *Engine) CancelConnection(connectionID int64) {
	if n := e.scheduler.CancelConnection(connectionID); n > 0 {
		e.log.Info("cancelled pending replies", "connection", connectionID, "count", n)
	}
}

// Stop aborts replies in flight, cancels pending timers and waits for the
// aborted replies to return.
func (e *Engine) Stop() {
	e.cancel()
	e.scheduler.Stop()
}

func (e *Engine) fire(connectionID int64, chatID string) {
	err := e.Reply(e.ctx, connectionID, chatID)
	switch {
	case err == nil:
	case errors.Is(err, ErrSkipped):
		metrics.AutoReplies.WithLabelValues("skipped").Inc()
		e.log.Debug("reply skipped", "chat", chatID, "reason", err)
	default:
		metrics.AutoReplies.WithLabelValues("failed").Inc()
		metrics.Errors.WithLabelValues(fault.KindOf(err).String()).Inc()
		e.log.Error("automated reply failed", "connection", connectionID, "chat", chatID, "error", err)
	}
}

// chatGuard holds the per-chat locks. cycle admits one reply cycle at a
// time; send orders automated sends against category changes.
type chatGuard struct {
	cycle sync.Mutex
	send  sync.Mutex
	refs  int
}

// guard returns the chat's locks. The entry is dropped once every holder
// has called release.
func (e *Engine) guard(chatID string) (g *chatGuard, release func()) {
	e.guardsMu.Lock()
	g, ok := e.guards[chatID]
	if !ok {
		g = &chatGuard{}
		e.guards[chatID] = g
	}
	g.refs++
	e.guardsMu.Unlock()

	return g, func() {
		e.guardsMu.Lock()
		defer e.guardsMu.Unlock()
		if g.refs--; g.refs == 0 {
			delete(e.guards, chatID)
		}
	}
}

// SetCategory moves a chat to a category under the chat's send lock, so an
// automated send already past its final check completes first and any later
// one observes the change. Human and closed also cancel the pending reply.
func (e *Engine) SetCategory(ctx context.Context, chatID string, c store.Category, operatorID string) error {
	if c != store.CategoryOpen {
		e.scheduler.Cancel(chatID)
	}

	g, release := e.guard(chatID)
	defer release()
	g.send.Lock()
	defer g.send.Unlock()
	if err := e.deps.Chats.SetCategory(ctx, chatID, c, operatorID, e.now()); err != nil {
		return fault.Wrap(fault.PersistenceError, "set chat category", err)
	}
	return nil
}

// TakeOver hands a chat to a human operator.
func (e *Engine) TakeOver(ctx context.Context, chatID, operatorID string) error {
	return e.SetCategory(ctx, chatID, store.CategoryHuman, operatorID)
}

// Reply runs one reply cycle for a chat. Cycles of one chat run one at a
// time, so a later cycle only gathers what the earlier one left unanswered.
// It returns ErrSkipped (wrapped) when the chat is not eligible or nothing
// is left to answer.
func (e *Engine) Reply(ctx context.Context, connectionID int64, chatID string) error {
	g, release := e.guard(chatID)
	defer release()
	g.cycle.Lock()
	defer g.cycle.Unlock()

	cfg, chat, err := e.eligible(ctx, chatID)
	if err != nil {
		return err
	}

	gathered, err := e.gather(ctx, chatID)
	if err != nil {
		return err
	}
	newTurn := joinTexts(gathered)
	if newTurn == "" {
		return fmt.Errorf("%w: no unanswered messages", ErrSkipped)
	}

	limit := cfg.MaxHistory
	if limit <= 0 {
		limit = e.cfg.HistoryLimit
	}
	prior, err := e.deps.Messages.Before(ctx, chatID, gathered[0].Timestamp, limit)
	if err != nil {
		return fault.Wrap(fault.PersistenceError, "load history", err)
	}

	name := contactName(chat)
	model := cfg.Model
	if model == "" {
		model = e.cfg.Model
	}
	prompt := ai.Prompt{
		System:      SystemPrompt(cfg.SystemPrompt, name),
		History:     History(prior),
		NewTurn:     newTurn,
		Model:       model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}

	start := time.Now()
	answer, err := e.deps.Completer.Complete(ctx, prompt)
	metrics.AIRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return fault.Wrap(fault.AIProviderError, "complete", err)
	}

	text, handoff := e.stripHandoff(answer)
	if text == "" && !handoff {
		return fault.Wrap(fault.AIProviderError, "complete", ai.ErrEmptyResponse)
	}

	if err := e.sleep(ctx, e.delay()); err != nil {
		return err
	}

	g.send.Lock()
	defer g.send.Unlock()

	// The delay reopened the race with a human operator.
	if _, _, err := e.eligible(ctx, chatID); err != nil {
		return err
	}

	if text != "" {
		sent, err := e.deps.Sender.Send(ctx, connectionID, chat.Address, text)
		if err != nil {
			return fault.Wrap(fault.TransientNetwork, "send reply", err)
		}
		if _, err := e.deps.Outbound.RecordOutbound(ctx, connectionID, chat.Address, sent, text, true); err != nil {
			return err
		}
	}

	result := "sent"
	if handoff {
		result = "handoff"
		if err := e.deps.Chats.SetCategory(ctx, chatID, store.CategoryHuman, "", e.now()); err != nil {
			return fault.Wrap(fault.PersistenceError, "hand off chat", err)
		}
		e.publishCategory(ctx, chatID, store.CategoryHuman)
	}
	metrics.AutoReplies.WithLabelValues(result).Inc()
	e.log.Info("automated reply sent",
		"connection", connectionID,
		"chat", chatID,
		"messages", len(gathered),
		"handoff", handoff,
	)
	return nil
}

// eligible re-reads the configuration and chat flags.
func (e *Engine) eligible(ctx context.Context, chatID string) (*store.AIConfig, *store.Chat, error) {
	cfg, err := e.deps.AIConfig.Get(ctx)
	if err != nil {
		return nil, nil, fault.Wrap(fault.PersistenceError, "load ai config", err)
	}
	if !cfg.IsActive {
		return nil, nil, fmt.Errorf("%w: %v", ErrSkipped, ai.ErrDisabled)
	}
	chat, err := e.deps.Chats.Get(ctx, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: chat deleted", ErrSkipped)
	}
	if err != nil {
		return nil, nil, fault.Wrap(fault.PersistenceError, "load chat", err)
	}
	if !chat.AcceptsAutoReply() {
		return nil, nil, fmt.Errorf("%w: chat is %s", ErrSkipped, chat.Category())
	}
	return cfg, chat, nil
}

// gather returns the inbound messages newer than both the last automated
// reply and the gather window, oldest first.
func (e *Engine) gather(ctx context.Context, chatID string) ([]store.Message, error) {
	after := e.now().Add(-e.cfg.GatherWindow)
	last, err := e.deps.Messages.LatestAI(ctx, chatID)
	switch {
	case err == nil:
		if last.Timestamp.After(after) {
			after = last.Timestamp
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, fault.Wrap(fault.PersistenceError, "load last reply", err)
	}

	msgs, err := e.deps.Messages.InboundAfter(ctx, chatID, after)
	if err != nil {
		return nil, fault.Wrap(fault.PersistenceError, "gather messages", err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: no unanswered messages", ErrSkipped)
	}
	return msgs, nil
}

func (e *Engine) delay() time.Duration {
	spread := e.cfg.DelayMax - e.cfg.DelayMin
	if spread <= 0 {
		return e.cfg.DelayMin
	}
	return e.cfg.DelayMin + rand.N(spread)
}

// stripHandoff removes a leading handoff marker and reports whether one was
// present.
func (e *Engine) stripHandoff(answer string) (string, bool) {
	loc := e.handoff.FindStringIndex(answer)
	if loc == nil {
		return strings.TrimSpace(answer), false
	}
	return strings.TrimSpace(answer[loc[1]:]), true
}

func (e *Engine) publishCategory(ctx context.Context, chatID string, c store.Category) {
	evt := pubsub.NewEnvelope(pubsub.KeyChatCategory, map[string]string{"chat_id": chatID, "category": string(c)})
	if err := e.deps.Publisher.Publish(ctx, pubsub.KeyChatCategory, evt); err != nil {
		e.log.Warn("failed to publish category change", "chat", chatID, "error", err)
	}
}

func joinTexts(msgs []store.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if t := strings.TrimSpace(m.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

func contactName(chat *store.Chat) string {
	if name := strings.TrimSpace(chat.ContactName); name != "" {
		return name
	}
	return DefaultContactName
}
