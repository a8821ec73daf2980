package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func within(d time.Duration) SessionDecider {
	return func(last, now time.Time) bool { return now.Sub(last) <= d }
}

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestUserRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetUserByChannelID(ctx, "+15550001")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.UpsertUser(ctx, &domain.User{
		UserID: "u1", ChannelID: "+15550001", DisplayName: "Ana", Language: "pt", Active: true,
	}))
	got, err = s.GetUserByChannelID(ctx, "+15550001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "pt", got.Language)
	assert.True(t, got.Active)
}

func TestGetOrCreateSessionConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var (
		ids     [3]string
		created atomic.Int32
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := range ids {
		g.Go(func() error {
			sess, isNew, err := s.GetOrCreateSession(gctx, "user-1", t0, within(time.Hour))
			if err != nil {
				return err
			}
			ids[i] = sess.ID
			if isNew {
				created.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, ids[1], ids[2])

	var active int
	require.NoError(t, s.db.QueryRow(
		`SELECT COUNT(*) FROM sessions WHERE user_id = 'user-1' AND status = 'active'`).Scan(&active))
	assert.Equal(t, 1, active)
}

func TestGetOrCreateSessionBoundary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, created, err := s.GetOrCreateSession(ctx, "u1", t0, within(time.Hour))
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := s.GetOrCreateSession(ctx, "u1", t0.Add(30*time.Minute), within(time.Hour))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	next, created, err := s.GetOrCreateSession(ctx, "u1", t0.Add(3*time.Hour), within(time.Hour))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, next.ID)

	old, err := s.GetSession(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionEnded, old.Status)
	assert.Equal(t, "session_boundary", old.EndedReason)
	require.NotNil(t, old.EndedAt)
}

func TestEndSessionIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, _, err := s.GetOrCreateSession(ctx, "u1", t0, within(time.Hour))
	require.NoError(t, err)

	ended, err := s.EndSession(ctx, sess.ID, domain.SessionEscalated, "escalated", "needs supervisor", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ended)

	ended, err = s.EndSession(ctx, sess.ID, domain.SessionEnded, "manual", "", t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ended)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionEscalated, got.Status)
	assert.Equal(t, "needs supervisor", got.Summary)

	_, err = s.EndSession(ctx, "missing", domain.SessionEnded, "manual", "", t0)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestListStaleSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.GetOrCreateSession(ctx, "old", t0, within(time.Hour))
	require.NoError(t, err)
	_, _, err = s.GetOrCreateSession(ctx, "fresh", t0.Add(10*time.Hour), within(time.Hour))
	require.NoError(t, err)

	stale, err := s.ListStaleSessions(ctx, t0.Add(5*time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].UserID)
}

func TestCommitTransitionCompareAndSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fc, err := s.EnsureFSMContext(ctx, "u1", "s1", t0)
	require.NoError(t, err)
	assert.Equal(t, domain.StateIdle, fc.CurrentState)

	again, err := s.EnsureFSMContext(ctx, "u1", "s2", t0)
	require.NoError(t, err)
	assert.Equal(t, fc.ID, again.ID)
	assert.Equal(t, "s1", again.SessionID)

	next := fc.Clone()
	next.Flow = domain.FlowIncident
	next.CurrentState = domain.StateCollectingData
	next.CollectedData["description"] = "pipe burst"
	next.LastActivity = t0.Add(time.Minute)
	rec := domain.TransitionRecord{
		ContextID: fc.ID, UserID: "u1", FromState: domain.StateIdle,
		ToState: domain.StateCollectingData, Trigger: "start_incident", CreatedAt: next.LastActivity,
	}
	require.NoError(t, s.CommitTransition(ctx, next, rec))

	// A second writer holding the stale IDLE view loses.
	err = s.CommitTransition(ctx, next, rec)
	assert.True(t, apperr.Is(err, apperr.KindStateConflict))

	got, err := s.GetFSMContext(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCollectingData, got.CurrentState)
	assert.Equal(t, "pipe burst", got.StringData("description"))

	log, err := s.ListTransitions(ctx, fc.ID)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, "start_incident", log[0].Trigger)

	idle, err := s.ListIdleFlows(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, "u1", idle[0].UserID)
}

func TestUpdateFSMContextDataGuardsState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fc, err := s.EnsureFSMContext(ctx, "u1", "s1", t0)
	require.NoError(t, err)

	fc.SessionID = "s2"
	fc.IntentHistory = []string{"greeting"}
	require.NoError(t, s.UpdateFSMContextData(ctx, fc))

	fc.CurrentState = domain.StateAwaitingAction
	err = s.UpdateFSMContextData(ctx, fc)
	assert.True(t, apperr.Is(err, apperr.KindStateConflict))

	got, err := s.GetFSMContext(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "s2", got.SessionID)
	assert.Equal(t, []string{"greeting"}, got.IntentHistory)
}

func TestCommitTransitionRejectsStaleSelfLoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fc, err := s.EnsureFSMContext(ctx, "u1", "s1", t0)
	require.NoError(t, err)
	start := fc.Clone()
	start.Flow = domain.FlowIncident
	start.CurrentState = domain.StateCollectingData
	require.NoError(t, s.CommitTransition(ctx, start, domain.TransitionRecord{
		ContextID: fc.ID, UserID: "u1", FromState: domain.StateIdle,
		ToState: domain.StateCollectingData, Trigger: "start_incident", CreatedAt: t0,
	}))

	snapshot, err := s.GetFSMContext(ctx, "u1")
	require.NoError(t, err)
	addData := domain.TransitionRecord{
		ContextID: fc.ID, UserID: "u1", FromState: domain.StateCollectingData,
		ToState: domain.StateCollectingData, Trigger: "add_data", CreatedAt: t0,
	}

	first := snapshot.Clone()
	first.CollectedData["description"] = "A"
	require.NoError(t, s.CommitTransition(ctx, first, addData))
	assert.Equal(t, snapshot.Version+1, first.Version)

	// Same state, older version: the self-loop must not overwrite.
	second := snapshot.Clone()
	second.CollectedData["location"] = "B"
	err = s.CommitTransition(ctx, second, addData)
	assert.True(t, apperr.Is(err, apperr.KindStateConflict))
	assert.Equal(t, snapshot.Version, second.Version)

	got, err := s.GetFSMContext(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, first.Version, got.Version)
	assert.Equal(t, map[string]any{"description": "A"}, got.CollectedData)

	log, err := s.ListTransitions(ctx, fc.ID)
	require.NoError(t, err)
	assert.Len(t, log, 2)
}

func TestUpdateFSMContextDataRejectsStaleVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fc, err := s.EnsureFSMContext(ctx, "u1", "s1", t0)
	require.NoError(t, err)
	stale := fc.Clone()

	fc.IntentHistory = []string{"greeting"}
	require.NoError(t, s.UpdateFSMContextData(ctx, fc))
	assert.Equal(t, stale.Version+1, fc.Version)

	stale.SessionID = "s2"
	err = s.UpdateFSMContextData(ctx, stale)
	assert.True(t, apperr.Is(err, apperr.KindStateConflict))

	got, err := s.GetFSMContext(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, []string{"greeting"}, got.IntentHistory)
}

func TestVersionColumnAddedToOldDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE fsm_contexts (
		id TEXT PRIMARY KEY, user_id TEXT NOT NULL UNIQUE, flow TEXT NOT NULL DEFAULT '',
		current_state TEXT NOT NULL, session_id TEXT NOT NULL, task_id TEXT,
		collected_json TEXT, intent_history_json TEXT, metadata_json TEXT,
		last_activity INTEGER NOT NULL)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO fsm_contexts (id, user_id, current_state, session_id, last_activity)
		VALUES ('c1', 'u1', 'IDLE', 's1', 0)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := NewSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	fc, err := s.GetFSMContext(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, fc)
	assert.Zero(t, fc.Version)
}

func TestActiveContextConditionalOps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ac := &domain.ActiveContext{UserID: "u1", Kind: domain.ContextProject, Ref: "P-1", LastActivity: t0}
	require.NoError(t, s.SetActiveContext(ctx, ac))

	touched, err := s.TouchActiveContext(ctx, "u1", domain.ContextProject, t0.Add(time.Hour), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, touched, "pointer older than notBefore must not be revived")

	touched, err = s.TouchActiveContext(ctx, "u1", domain.ContextProject, t0.Add(time.Hour), t0)
	require.NoError(t, err)
	assert.True(t, touched)

	cleared, err := s.ClearActiveContextIf(ctx, "u1", domain.ContextProject, t0)
	require.NoError(t, err)
	assert.False(t, cleared, "refreshed pointer must survive a stale clear")

	got, err := s.GetActiveContext(ctx, "u1", domain.ContextProject)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, t0.Add(time.Hour).UnixMilli(), got.LastActivity.UnixMilli())

	n, err := s.DeleteExpiredContexts(ctx, domain.ContextProject, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestIdempotencyLedgerRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := domain.IdempotencyKey{UserID: "u1", MessageID: "m1"}

	claimed, existing, err := s.ClaimIdempotencyKey(ctx, key, t0)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Nil(t, existing)

	claimed, existing, err = s.ClaimIdempotencyKey(ctx, key, t0)
	require.NoError(t, err)
	assert.False(t, claimed)
	require.NotNil(t, existing)
	assert.Equal(t, domain.IdempotencyPending, existing.Status)

	require.NoError(t, s.CompleteIdempotencyKey(ctx, key, &domain.Reply{Text: "ok"}, t0.Add(time.Second)))
	rec, err := s.GetIdempotencyRecord(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyCompleted, rec.Status)
	require.NotNil(t, rec.Result)
	assert.Equal(t, "ok", rec.Result.Text)

	// Completed rows are not released.
	require.NoError(t, s.ReleaseIdempotencyKey(ctx, key))
	rec, err = s.GetIdempotencyRecord(ctx, key)
	require.NoError(t, err)
	assert.NotNil(t, rec)

	n, err := s.PurgeIdempotency(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestListRecentMessagesOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, text := range []string{"one", "two", "three"} {
		require.NoError(t, s.AppendMessage(ctx, &domain.Message{
			ID: text, SessionID: "s1", UserID: "u1", Direction: domain.DirectionInbound,
			Text: text, CreatedAt: t0.Add(time.Duration(i) * time.Second),
		}))
	}

	msgs, err := s.ListRecentMessages(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Text)
	assert.Equal(t, "three", msgs[1].Text)

	require.NoError(t, s.RecordIncident(ctx, &domain.Incident{
		ID: "i1", Severity: "critical", Detail: "fallback send failed", CreatedAt: t0,
	}))
}
