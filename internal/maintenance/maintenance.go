// Package maintenance runs periodic housekeeping: it resets status mirrors
// left behind by sessions that no longer exist and prunes the transition log.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/metrics"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/state"
	"github.com/ihiteshgupta/whatsapp-mcp/whatsapp-inbox/internal/store"
)

// TriggerReconcile is logged for statuses reset by reconciliation.
const TriggerReconcile = "reconcile"

// Connections is the connection persistence maintenance touches.
type Connections interface {
	List(ctx context.Context, ownerID string) ([]store.Connection, error)
	SaveStatus(ctx context.Context, id int64, s state.State, at time.Time) error
}

// Transitions is the transition log.
type Transitions interface {
	Log(ctx context.Context, connectionID int64, from, to state.State, trigger, errMsg string) error
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// LiveSet reports which connections currently have a live instance.
type LiveSet interface {
	LiveIDs() []int64
}

// Config holds the schedule and retention.
type Config struct {
	// Schedule is a cron expression or descriptor such as "@every 5m".
	Schedule            string
	TransitionRetention time.Duration
}

// Runner schedules the maintenance jobs.
type Runner struct {
	cfg         Config
	conns       Connections
	transitions Transitions
	live        LiveSet
	log         *slog.Logger

	cron *cron.Cron
	// held while a run is active; a tick that finds it held is skipped
	running sync.Mutex
	now     func() time.Time
}

// New creates a runner.
func New(cfg Config, conns Connections, transitions Transitions, live LiveSet, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 5m"
	}
	if cfg.TransitionRetention <= 0 {
		cfg.TransitionRetention = 7 * 24 * time.Hour
	}
	return &Runner{
		cfg:         cfg,
		conns:       conns,
		transitions: transitions,
		live:        live,
		log:         log.With("component", "maintenance"),
		now:         time.Now,
	}
}

// Start runs the jobs once and then on the configured schedule until ctx is
// cancelled or Stop is called.
func (r *Runner) Start(ctx context.Context) error {
	r.cron = cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := r.cron.AddFunc(r.cfg.Schedule, func() { r.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("invalid maintenance schedule %q: %w", r.cfg.Schedule, err)
	}

	r.RunOnce(ctx)
	r.cron.Start()
	r.log.Info("maintenance scheduled", "schedule", r.cfg.Schedule, "retention", r.cfg.TransitionRetention)

	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

// Stop stops the schedule and waits for a run in progress.
func (r *Runner) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

// RunOnce runs every job. Overlapping runs are skipped.
func (r *Runner) RunOnce(ctx context.Context) {
	if !r.running.TryLock() {
		r.log.Debug("maintenance still running, skipping tick")
		return
	}
	defer r.running.Unlock()

	if n, err := r.Reconcile(ctx); err != nil {
		metrics.MaintenanceRuns.WithLabelValues("reconcile", "failed").Inc()
		r.log.Error("status reconciliation failed", "error", err)
	} else {
		metrics.MaintenanceRuns.WithLabelValues("reconcile", "ok").Inc()
		if n > 0 {
			r.log.Info("reset stale connection statuses", "count", n)
		}
	}

	if n, err := r.Prune(ctx); err != nil {
		metrics.MaintenanceRuns.WithLabelValues("prune", "failed").Inc()
		r.log.Error("transition pruning failed", "error", err)
	} else {
		metrics.MaintenanceRuns.WithLabelValues("prune", "ok").Inc()
		if n > 0 {
			r.log.Info("pruned transition log", "removed", n)
		}
	}
}

// Reconcile resets connections persisted as Connecting or Connected that
// have no live instance, and returns how many were reset.
func (r *Runner) Reconcile(ctx context.Context) (int, error) {
	conns, err := r.conns.List(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list connections: %w", err)
	}
	live := make(map[int64]bool)
	for _, id := range r.live.LiveIDs() {
		live[id] = true
	}

	reset := 0
	for _, c := range conns {
		if !c.Status.IsLive() || live[c.ID] {
			continue
		}
		if err := r.conns.SaveStatus(ctx, c.ID, state.StateDisconnected, r.now()); err != nil {
			return reset, fmt.Errorf("reset connection %d: %w", c.ID, err)
		}
		if err := r.transitions.Log(ctx, c.ID, c.Status, state.StateDisconnected, TriggerReconcile, "no live session"); err != nil {
			r.log.Warn("failed to log transition", "connection", c.ID, "error", err)
		}
		reset++
	}
	return reset, nil
}

// Prune deletes transition records older than the retention.
func (r *Runner) Prune(ctx context.Context) (int64, error) {
	return r.transitions.Prune(ctx, r.now().Add(-r.cfg.TransitionRetention))
}
