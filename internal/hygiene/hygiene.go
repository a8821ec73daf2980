// Package hygiene runs the periodic sweep that closes what conversations
// leave behind: stale sessions, expired focus pointers, abandoned flows and
// old idempotency records.
package hygiene

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/domain"
	"github.com/ashureev/fieldchat/internal/fsm"
	"github.com/ashureev/fieldchat/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// Repository lists what has gone idle.
type Repository interface {
	ListStaleSessions(ctx context.Context, cutoff time.Time) ([]*domain.Session, error)
	ListIdleFlows(ctx context.Context, cutoff time.Time) ([]*domain.FSMContext, error)
}

// SessionEnder closes sessions.
type SessionEnder interface {
	End(ctx context.Context, sessionID, reason string) error
}

// ContextSweeper deletes expired focus pointers.
type ContextSweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// LedgerPurger drops old idempotency records.
type LedgerPurger interface {
	Purge(ctx context.Context, retention time.Duration) (int64, error)
}

// HealthEvaluator judges the session reuse ratio.
type HealthEvaluator interface {
	Evaluate() metrics.Snapshot
}

// Deps are the components the sweep cleans.
type Deps struct {
	Repo     Repository
	Sessions SessionEnder
	Contexts ContextSweeper
	Ledger   LedgerPurger
	Engine   *fsm.Engine
	Health   HealthEvaluator
}

// Config sets the sweep cadence and idle limits.
type Config struct {
	Interval             time.Duration
	StaleSessionAfter    time.Duration
	FlowIdleTimeout      time.Duration
	IdempotencyRetention time.Duration
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		Interval:             5 * time.Minute,
		StaleSessionAfter:    24 * time.Hour,
		FlowIdleTimeout:      6 * time.Hour,
		IdempotencyRetention: 72 * time.Hour,
	}
}

// Report summarizes one sweep.
type Report struct {
	SessionsEnded   int
	ContextsExpired int64
	FlowsAbandoned  int
	LedgerPurged    int64
	Health          metrics.Snapshot
	Err             error
}

// Worker runs sweeps.
type Worker struct {
	deps    Deps
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	running atomic.Bool
}

// New creates a worker. Zero config fields take their defaults.
func New(deps Deps, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.StaleSessionAfter <= 0 {
		cfg.StaleSessionAfter = def.StaleSessionAfter
	}
	if cfg.FlowIdleTimeout <= 0 {
		cfg.FlowIdleTimeout = def.FlowIdleTimeout
	}
	if cfg.IdempotencyRetention <= 0 {
		cfg.IdempotencyRetention = def.IdempotencyRetention
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger, now: time.Now}
}

// Start runs a sweep every interval until ctx is done. The returned channel
// is closed once the worker goroutine has exited.
func (w *Worker) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(w.cfg.Interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		w.logger.Info("hygiene worker started",
			"interval", w.cfg.Interval,
			"stale_session_after", w.cfg.StaleSessionAfter,
			"flow_idle_timeout", w.cfg.FlowIdleTimeout)

		for {
			select {
			case <-ticker.C:
				w.Sweep(ctx)
			case <-ctx.Done():
				w.logger.Info("hygiene worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

// Sweep runs every cleanup once. The cleanups are independent: one failing
// does not stop the others. Overlapping sweeps are skipped.
func (w *Worker) Sweep(ctx context.Context) Report {
	var rep Report
	if !w.running.CompareAndSwap(false, true) {
		w.logger.Warn("hygiene sweep still running; skipping")
		return rep
	}
	defer w.running.Store(false)

	start := w.now()
	var g errgroup.Group
	g.Go(func() error {
		n, err := w.endStaleSessions(ctx, start)
		rep.SessionsEnded = n
		return err
	})
	if w.deps.Contexts != nil {
		g.Go(func() error {
			n, err := w.deps.Contexts.Sweep(ctx)
			rep.ContextsExpired = n
			if err != nil {
				w.logger.Error("hygiene failed to sweep active contexts", "error", err)
			}
			return err
		})
	}
	if w.deps.Engine != nil {
		g.Go(func() error {
			n, err := w.abandonIdleFlows(ctx, start)
			rep.FlowsAbandoned = n
			return err
		})
	}
	if w.deps.Ledger != nil {
		g.Go(func() error {
			n, err := w.deps.Ledger.Purge(ctx, w.cfg.IdempotencyRetention)
			rep.LedgerPurged = n
			if err != nil {
				w.logger.Error("hygiene failed to purge idempotency ledger", "error", err)
			}
			return err
		})
	}
	rep.Err = g.Wait()

	if w.deps.Health != nil {
		rep.Health = w.deps.Health.Evaluate()
	}

	if rep.SessionsEnded+rep.FlowsAbandoned > 0 || rep.ContextsExpired+rep.LedgerPurged > 0 {
		w.logger.Info("hygiene sweep completed",
			"sessions_ended", rep.SessionsEnded,
			"contexts_expired", rep.ContextsExpired,
			"flows_abandoned", rep.FlowsAbandoned,
			"ledger_purged", rep.LedgerPurged,
			"duration_ms", w.now().Sub(start).Milliseconds())
	}
	return rep
}

func (w *Worker) endStaleSessions(ctx context.Context, now time.Time) (int, error) {
	stale, err := w.deps.Repo.ListStaleSessions(ctx, now.Add(-w.cfg.StaleSessionAfter))
	if err != nil {
		w.logger.Error("hygiene failed to list stale sessions", "error", err)
		return 0, err
	}

	var ended int
	var errs []error
	for _, sess := range stale {
		if err := w.deps.Sessions.End(ctx, sess.ID, "stale"); err != nil {
			w.logger.Warn("hygiene failed to end stale session",
				"session_id", sess.ID, "user_id", sess.UserID, "error", err)
			errs = append(errs, err)
			continue
		}
		ended++
	}
	return ended, errors.Join(errs...)
}

func (w *Worker) abandonIdleFlows(ctx context.Context, now time.Time) (int, error) {
	idle, err := w.deps.Repo.ListIdleFlows(ctx, now.Add(-w.cfg.FlowIdleTimeout))
	if err != nil {
		w.logger.Error("hygiene failed to list idle flows", "error", err)
		return 0, err
	}

	var abandoned int
	var errs []error
	for _, fc := range idle {
		res, err := w.deps.Engine.Fire(ctx, fc, fsm.TriggerTimeout, fsm.WithClosureReason("timeout"))
		if err != nil {
			if apperr.Is(err, apperr.KindStateConflict) {
				// The worker answered in the meantime.
				w.logger.Debug("idle flow moved before timeout", "user_id", fc.UserID, "flow", fc.Flow)
				continue
			}
			w.logger.Warn("hygiene failed to abandon idle flow", "user_id", fc.UserID, "flow", fc.Flow, "error", err)
			errs = append(errs, fmt.Errorf("abandon flow of %s: %w", fc.UserID, err))
			continue
		}
		abandoned++
		w.logger.Info("idle flow abandoned",
			"user_id", fc.UserID, "flow", fc.Flow, "state", res.From, "idle_since", fc.LastActivity)

		if _, err := w.deps.Engine.Restart(ctx, res.Context); err != nil {
			w.logger.Warn("hygiene failed to reset abandoned flow", "user_id", fc.UserID, "error", err)
		}
	}
	return abandoned, errors.Join(errs...)
}
