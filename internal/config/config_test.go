package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "DB_PATH", "SESSION_TIMEOUT", "SUPPORTED_LANGUAGES", "ARK_MODEL", "ARK_TEMPERATURE"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "./data/fieldchat.db", cfg.DBPath)
	assert.Equal(t, 2*time.Hour, cfg.Session.Timeout)
	assert.Equal(t, 7, cfg.Session.WorkdayStartHour)
	assert.Equal(t, 19, cfg.Session.WorkdayEndHour)
	assert.Equal(t, 7*time.Hour, cfg.Context.ProjectWindow)
	assert.InDelta(t, 0.7, cfg.Pipeline.ConfidenceThreshold, 1e-9)
	assert.Equal(t, 50*time.Second, cfg.Pipeline.IdempotencyStale)
	assert.Equal(t, []string{"en", "fr", "es", "pt"}, cfg.Language.Supported)
	assert.Nil(t, cfg.AI.Temperature)
	assert.False(t, cfg.AI.Enabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SESSION_TIMEOUT", "90m")
	t.Setenv("SUPPORTED_LANGUAGES", "FR, en ,")
	t.Setenv("INTENT_CONFIDENCE_THRESHOLD", "0.8")
	t.Setenv("ARK_MODEL", "doubao-lite")
	t.Setenv("ARK_API_KEY", "key")
	t.Setenv("ARK_TEMPERATURE", "0.2")
	t.Setenv("TIMEZONE", "Europe/Paris")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, cfg.Session.Timeout)
	assert.Equal(t, []string{"fr", "en"}, cfg.Language.Supported)
	assert.InDelta(t, 0.8, cfg.Pipeline.ConfidenceThreshold, 1e-9)
	assert.True(t, cfg.AI.Enabled())
	require.NotNil(t, cfg.AI.Temperature)
	assert.InDelta(t, 0.2, *cfg.AI.Temperature, 1e-9)

	loc, err := cfg.Session.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Paris", loc.String())
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"SESSION_TIMEOUT":             "two hours",
		"WORKDAY_END_HOUR":            "5",
		"INTENT_CONFIDENCE_THRESHOLD": "1.5",
		"STAGE_TIMEOUT":               "1m",
		"TIMEZONE":                    "Mars/Olympus",
		"RETRY_MAX_ATTEMPTS":          "0",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}
}
