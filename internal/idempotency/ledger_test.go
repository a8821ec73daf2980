package idempotency

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/ashureev/fieldchat/internal/domain"
	"github.com/ashureev/fieldchat/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedger(t *testing.T) (*Ledger, *time.Time) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l := New(repo, time.Minute, nil)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestBeginRecordReplay(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	key := domain.IdempotencyKey{UserID: "u1", MessageID: "wamid.1"}

	claim, err := l.Begin(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Claimed, claim.Outcome)

	dup, err := l.Begin(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, InFlight, dup.Outcome)

	require.NoError(t, l.Record(ctx, key, &domain.Reply{Text: "Incident saved"}))

	replay, err := l.Begin(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Replay, replay.Outcome)
	require.NotNil(t, replay.Cached)
	assert.Equal(t, "Incident saved", replay.Cached.Text)

	cached, ok, err := l.Check(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Incident saved", cached.Text)
}

func TestReleaseAllowsRetry(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	key := domain.IdempotencyKey{UserID: "u1", MessageID: "m2"}

	_, err := l.Begin(ctx, key)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, key))

	_, ok, err := l.Check(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	claim, err := l.Begin(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Claimed, claim.Outcome)
}

func TestStaleClaimIsTakenOver(t *testing.T) {
	l, now := newLedger(t)
	ctx := context.Background()
	key := domain.IdempotencyKey{UserID: "u1", MessageID: "m3"}

	_, err := l.Begin(ctx, key)
	require.NoError(t, err)

	*now = now.Add(2 * time.Minute)
	claim, err := l.Begin(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Claimed, claim.Outcome)
}

func TestPurgeAndValidation(t *testing.T) {
	l, now := newLedger(t)
	ctx := context.Background()

	_, err := l.Begin(ctx, domain.IdempotencyKey{UserID: "u1"})
	assert.True(t, apperr.Is(err, apperr.KindValidationFailure))

	key := domain.IdempotencyKey{UserID: "u1", MessageID: "old"}
	_, err = l.Begin(ctx, key)
	require.NoError(t, err)
	require.NoError(t, l.Record(ctx, key, nil))

	*now = now.Add(73 * time.Hour)
	n, err := l.Purge(ctx, 72*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
