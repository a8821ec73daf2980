package shared

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingKeepsNewestEntries(t *testing.T) {
	r := NewRing[string](3)
	assert.Empty(t, r.Items())

	for _, s := range []string{"a", "b", "c", "d", "e"} {
		r.Push(s)
	}
	assert.Equal(t, []string{"c", "d", "e"}, r.Items())
	assert.Equal(t, 3, r.Len())

	last, ok := r.Last()
	require.True(t, ok)
	assert.Equal(t, "e", last)
}

func TestRingFromPartial(t *testing.T) {
	r := RingFrom(5, []int{1, 2})
	assert.Equal(t, []int{1, 2}, r.Items())
	last, ok := r.Last()
	require.True(t, ok)
	assert.Equal(t, 2, last)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	permanent := errors.New("permanent")
	err := Retry(context.Background(), RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}, "op",
		func(err error) bool { return !errors.Is(err, permanent) },
		func(context.Context) error {
			calls++
			return permanent
		})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}, "op",
		IsSQLiteConflictError,
		func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("database is locked (5) (SQLITE_BUSY)")
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Retry(ctx, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}, "op",
		func(error) bool { return true },
		func(context.Context) error {
			calls++
			return errors.New("transient")
		})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestIsUniqueConstraintError(t *testing.T) {
	assert.True(t, IsUniqueConstraintError(errors.New("constraint failed: UNIQUE constraint failed: sessions.user_id (2067)")))
	assert.False(t, IsUniqueConstraintError(nil))
}
