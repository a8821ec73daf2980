package hygiene

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/domain"
	"github.com/ashureev/fieldchat/internal/fsm"
	"github.com/ashureev/fieldchat/internal/metrics"
	"github.com/ashureev/fieldchat/internal/store"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var now = time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)

type fakeRepo struct {
	stale   []*domain.Session
	idle    []*domain.FSMContext
	listErr error

	mu      sync.Mutex
	cutoffs map[string]time.Time
}

func (f *fakeRepo) ListStaleSessions(_ context.Context, cutoff time.Time) ([]*domain.Session, error) {
	f.mu.Lock()
	f.cutoffs["sessions"] = cutoff
	f.mu.Unlock()
	return f.stale, f.listErr
}

func (f *fakeRepo) ListIdleFlows(_ context.Context, cutoff time.Time) ([]*domain.FSMContext, error) {
	f.mu.Lock()
	f.cutoffs["flows"] = cutoff
	f.mu.Unlock()
	return f.idle, nil
}

type fakeSessions struct {
	mu    sync.Mutex
	ended map[string]string
	fail  string
}

func (f *fakeSessions) End(_ context.Context, sessionID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sessionID == f.fail {
		return errors.New("database is locked")
	}
	f.ended[sessionID] = reason
	return nil
}

type countingSweeper struct{ calls atomic.Int32 }

func (c *countingSweeper) Sweep(context.Context) (int64, error) {
	c.calls.Add(1)
	return 3, nil
}

type fakeLedger struct{ retention time.Duration }

func (f *fakeLedger) Purge(_ context.Context, retention time.Duration) (int64, error) {
	f.retention = retention
	return 7, nil
}

// racingPort rejects commits for contexts a concurrent request already moved.
type racingPort struct {
	mu    sync.Mutex
	moved map[string]bool
	log   []domain.TransitionRecord
}

func (p *racingPort) CommitTransition(_ context.Context, _ *domain.FSMContext, rec domain.TransitionRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.moved[rec.ContextID] {
		return apperr.NewStateConflict("state changed", nil)
	}
	p.log = append(p.log, rec)
	return nil
}

type fixture struct {
	repo     *fakeRepo
	sessions *fakeSessions
	sweeper  *countingSweeper
	ledger   *fakeLedger
	port     *racingPort
	collect  *metrics.Collector
	worker   *Worker
}

func newFixture() *fixture {
	f := &fixture{
		repo:     &fakeRepo{cutoffs: map[string]time.Time{}},
		sessions: &fakeSessions{ended: map[string]string{}},
		sweeper:  &countingSweeper{},
		ledger:   &fakeLedger{},
		port:     &racingPort{moved: map[string]bool{}},
		collect:  metrics.NewCollector(metrics.HealthPolicy{AlertBelow: 0.95, MinSamples: 1}, nil),
	}
	f.worker = New(Deps{
		Repo:     f.repo,
		Sessions: f.sessions,
		Contexts: f.sweeper,
		Ledger:   f.ledger,
		Engine:   fsm.NewEngine(fsm.DefaultTable(), f.port, nil),
		Health:   f.collect,
	}, Config{}, nil)
	f.worker.now = func() time.Time { return now }
	return f
}

func TestSweep(t *testing.T) {
	f := newFixture()
	f.repo.stale = []*domain.Session{{ID: "s1", UserID: "u1"}, {ID: "s2", UserID: "u2"}}
	f.repo.idle = []*domain.FSMContext{
		{ID: "c1", UserID: "u1", Flow: domain.FlowIncident, CurrentState: domain.StateAwaitingAction},
		{ID: "c2", UserID: "u2", Flow: domain.FlowProgress, CurrentState: domain.StateTaskSelection},
	}
	f.port.moved["c2"] = true
	f.collect.SessionCreated()

	rep := f.worker.Sweep(context.Background())
	require.NoError(t, rep.Err)

	assert.Equal(t, 2, rep.SessionsEnded)
	assert.Equal(t, map[string]string{"s1": "stale", "s2": "stale"}, f.sessions.ended)
	assert.Equal(t, int64(3), rep.ContextsExpired)
	assert.Equal(t, int64(7), rep.LedgerPurged)
	assert.Equal(t, 72*time.Hour, f.ledger.retention)
	assert.Equal(t, 1, rep.FlowsAbandoned, "c2 was moved concurrently and is left alone")
	assert.False(t, rep.Health.Healthy)

	assert.Equal(t, now.Add(-24*time.Hour), f.repo.cutoffs["sessions"])
	assert.Equal(t, now.Add(-6*time.Hour), f.repo.cutoffs["flows"])

	type step struct {
		From, To domain.State
		Trigger  string
		Reason   string
	}
	var got []step
	for _, rec := range f.port.log {
		got = append(got, step{rec.FromState, rec.ToState, rec.Trigger, rec.ClosureReason})
	}
	want := []step{
		{domain.StateAwaitingAction, domain.StateAbandoned, fsm.TriggerTimeout, "timeout"},
		{domain.StateAbandoned, domain.StateIdle, fsm.TriggerReset, ""},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("transition log mismatch (-want +got):\n%s", diff)
	}
}

func TestSweepContinuesPastFailures(t *testing.T) {
	f := newFixture()
	f.repo.stale = []*domain.Session{{ID: "s1"}, {ID: "s2"}}
	f.sessions.fail = "s1"

	rep := f.worker.Sweep(context.Background())
	require.Error(t, rep.Err)
	assert.Equal(t, 1, rep.SessionsEnded)
	assert.Equal(t, int32(1), f.sweeper.calls.Load(), "other cleanups still ran")
	assert.Equal(t, int64(7), rep.LedgerPurged)
}

func TestStartStopsWithContext(t *testing.T) {
	f := newFixture()
	f.worker.cfg.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := f.worker.Start(ctx)

	assert.Eventually(t, func() bool { return f.sweeper.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

// answeringRepo lists idle flows from the store, then lets the worker answer
// before the sweep gets to fire its timeout.
type answeringRepo struct {
	*store.SQLiteStore
	answer func(ctx context.Context)
}

func (r *answeringRepo) ListIdleFlows(ctx context.Context, cutoff time.Time) ([]*domain.FSMContext, error) {
	idle, err := r.SQLiteStore.ListIdleFlows(ctx, cutoff)
	if err == nil && len(idle) > 0 {
		r.answer(ctx)
	}
	return idle, err
}

func TestSweepSkipsFlowAnsweredDuringSweep(t *testing.T) {
	ctx := context.Background()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "hygiene.db"))
	require.NoError(t, err)
	defer repo.Close()
	engine := fsm.NewEngine(fsm.DefaultTable(), repo, nil)

	fc, err := repo.EnsureFSMContext(ctx, "u1", "s1", now.Add(-7*time.Hour))
	require.NoError(t, err)
	_, err = engine.Fire(ctx, fc, fsm.TriggerStartIncident, fsm.WithUpdate(func(next *domain.FSMContext) {
		next.Flow = domain.FlowIncident
		next.CollectedData["description"] = "pipe burst"
	}))
	require.NoError(t, err)
	// Back-date the flow so it qualifies as idle.
	idle, err := repo.GetFSMContext(ctx, "u1")
	require.NoError(t, err)
	idle.LastActivity = now.Add(-7 * time.Hour)
	require.NoError(t, repo.UpdateFSMContextData(ctx, idle))

	r := &answeringRepo{SQLiteStore: repo, answer: func(ctx context.Context) {
		current, err := repo.GetFSMContext(ctx, "u1")
		if !assert.NoError(t, err) {
			return
		}
		_, err = engine.Fire(ctx, current, fsm.TriggerAddData, fsm.WithUpdate(func(next *domain.FSMContext) {
			next.CollectedData["severity"] = "high"
		}))
		assert.NoError(t, err)
	}}
	w := New(Deps{Repo: r, Sessions: &fakeSessions{ended: map[string]string{}}, Engine: engine}, Config{}, nil)
	w.now = func() time.Time { return now }

	rep := w.Sweep(ctx)
	require.NoError(t, rep.Err)
	assert.Zero(t, rep.FlowsAbandoned)

	got, err := repo.GetFSMContext(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCollectingData, got.CurrentState)
	assert.Equal(t, map[string]any{"description": "pipe burst", "severity": "high"}, got.CollectedData)
}
