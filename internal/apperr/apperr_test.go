package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"not found", NewNotFound("session", "s1"), KindNotFound},
		{"wrapped conflict", fmt.Errorf("transition: %w", NewStateConflict("illegal", nil)), KindStateConflict},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindTimeout},
		{"plain", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewIntegrationFailure("ticketing", errors.New("503"))))
	assert.True(t, IsRetryable(NewTimeout("translate", context.DeadlineExceeded)))
	assert.False(t, IsRetryable(NewStateConflict("illegal", nil)))
	assert.False(t, IsRetryable(NewValidationFailure("empty message")))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(nil))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewIntegrationFailure("agent", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "INTEGRATION_FAILURE")
}

func TestUserMessageHidesDetails(t *testing.T) {
	err := NewInternal(errors.New("sql: no such table: sessions"))
	msg := UserMessage(err, "fr-FR")
	assert.NotContains(t, msg, "sql")
	assert.Equal(t, userMessages["fr"][""], msg)

	assert.Equal(t, userMessages["en"][KindUnauthorized], UserMessage(NewUnauthorized("unknown"), "de"))
	assert.Equal(t, userMessages["es"][KindTimeout], UserMessage(context.DeadlineExceeded, "es"))
}
