// Package config provides application configuration.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config holds all application configuration.
type Config struct {
	Port          string
	DBPath        string
	WebhookSecret string
	AdminToken    string
	Origins       []string

	Session     SessionConfig
	Context     ContextConfig
	Pipeline    PipelineConfig
	Retry       RetryConfig
	Health      HealthConfig
	Hygiene     HygieneConfig
	Language    LanguageConfig
	RateLimit   RateLimitConfig
	Integration IntegrationConfig
	AI          AIConfig

	ConversationLog ConversationLogConfig
}

// SessionConfig drives the session boundary policy.
type SessionConfig struct {
	Timezone         string
	Timeout          time.Duration
	WorkdayStartHour int
	WorkdayEndHour   int
}

// Location resolves Timezone.
func (c SessionConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// ContextConfig sets the active-context windows.
type ContextConfig struct {
	ProjectWindow time.Duration
	TaskWindow    time.Duration
}

// PipelineConfig bounds message processing.
type PipelineConfig struct {
	ConfidenceThreshold float64
	ResponseTimeout     time.Duration
	StageTimeout        time.Duration
	IdempotencyStale    time.Duration
	HistoryLimit        int
}

// RetryConfig bounds retries of integration calls.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// HealthConfig sets the session reuse alert.
type HealthConfig struct {
	ReuseRatioAlert      float64
	ReuseRatioMinSamples int
}

// HygieneConfig drives the periodic sweep.
type HygieneConfig struct {
	SweepInterval        time.Duration
	StaleSessionAfter    time.Duration
	FlowIdleTimeout      time.Duration
	IdempotencyRetention time.Duration
}

// LanguageConfig lists the languages workers may use.
type LanguageConfig struct {
	Internal  string
	Supported []string
}

// RateLimitConfig throttles webhook deliveries per sender.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// IntegrationConfig locates the external services.
type IntegrationConfig struct {
	AgentAddr        string
	TicketingBaseURL string
	TicketingToken   string
	ChannelSendURL   string
	ChannelToken     string
	TranscribeURL    string
	RequestTimeout   time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// AIConfig describes the Ark chat model used for classification,
// translation and the built-in reasoning engine.
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	MaxTokens   *int
}

// Enabled reports whether credentials and a model were provided.
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel creates the chat model from the configuration.
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, errors.New("ark credentials or model missing: set ARK_API_KEY and ARK_MODEL, or ARK_ACCESS_KEY and ARK_SECRET_KEY")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	cm, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("create ark chat model: %w", err)
	}
	return cm, nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var p parser

	queueSize := p.int("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}
	responseTimeout := p.duration("RESPONSE_TIMEOUT", 25*time.Second)

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		DBPath:        getEnv("DB_PATH", "./data/fieldchat.db"),
		WebhookSecret: getEnv("WEBHOOK_SECRET", ""),
		AdminToken:    getEnv("ADMIN_TOKEN", ""),
		Origins:       getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		Session: SessionConfig{
			Timezone:         getEnv("TIMEZONE", "UTC"),
			Timeout:          p.duration("SESSION_TIMEOUT", 2*time.Hour),
			WorkdayStartHour: p.int("WORKDAY_START_HOUR", 7),
			WorkdayEndHour:   p.int("WORKDAY_END_HOUR", 19),
		},
		Context: ContextConfig{
			ProjectWindow: p.duration("PROJECT_CONTEXT_WINDOW", 7*time.Hour),
			TaskWindow:    p.duration("TASK_CONTEXT_WINDOW", 2*time.Hour),
		},
		Pipeline: PipelineConfig{
			ConfidenceThreshold: p.float("INTENT_CONFIDENCE_THRESHOLD", 0.7),
			ResponseTimeout:     responseTimeout,
			StageTimeout:        p.duration("STAGE_TIMEOUT", 10*time.Second),
			IdempotencyStale:    p.duration("IDEMPOTENCY_STALE_AFTER", 2*responseTimeout),
			HistoryLimit:        p.int("HISTORY_LIMIT", 10),
		},
		Retry: RetryConfig{
			MaxAttempts: p.int("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:   p.duration("RETRY_BASE_DELAY", 200*time.Millisecond),
		},
		Health: HealthConfig{
			ReuseRatioAlert:      p.float("REUSE_RATIO_ALERT", 0.95),
			ReuseRatioMinSamples: p.int("REUSE_RATIO_MIN_SAMPLES", 20),
		},
		Hygiene: HygieneConfig{
			SweepInterval:        p.duration("SWEEP_INTERVAL", 5*time.Minute),
			StaleSessionAfter:    p.duration("STALE_SESSION_AFTER", 24*time.Hour),
			FlowIdleTimeout:      p.duration("FLOW_IDLE_TIMEOUT", 6*time.Hour),
			IdempotencyRetention: p.duration("IDEMPOTENCY_RETENTION", 72*time.Hour),
		},
		Language: LanguageConfig{
			Internal:  strings.ToLower(getEnv("INTERNAL_LANGUAGE", "en")),
			Supported: getEnvList("SUPPORTED_LANGUAGES", []string{"en", "fr", "es", "pt"}),
		},
		RateLimit: RateLimitConfig{
			Requests: p.int("RATE_LIMIT_REQUESTS", 20),
			Window:   p.duration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Integration: IntegrationConfig{
			AgentAddr:        getEnv("AGENT_ADDR", ""),
			TicketingBaseURL: getEnv("TICKETING_BASE_URL", ""),
			TicketingToken:   getEnv("TICKETING_TOKEN", ""),
			ChannelSendURL:   getEnv("CHANNEL_SEND_URL", ""),
			ChannelToken:     getEnv("CHANNEL_TOKEN", ""),
			TranscribeURL:    getEnv("TRANSCRIBE_URL", ""),
			RequestTimeout:   p.duration("INTEGRATION_TIMEOUT", 10*time.Second),
		},
		AI: AIConfig{
			APIKey:      getEnv("ARK_API_KEY", ""),
			AccessKey:   getEnv("ARK_ACCESS_KEY", ""),
			SecretKey:   getEnv("ARK_SECRET_KEY", ""),
			Model:       getEnv("ARK_MODEL", ""),
			BaseURL:     getEnv("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
			Region:      getEnv("ARK_REGION", "cn-beijing"),
			Temperature: p.optionalFloat("ARK_TEMPERATURE"),
			MaxTokens:   p.optionalInt("ARK_MAX_TOKENS"),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set and
// consistent.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Port != "", "PORT cannot be empty")
	check(c.DBPath != "", "DB_PATH cannot be empty")
	if _, err := c.Session.Location(); err != nil {
		errs = append(errs, fmt.Errorf("TIMEZONE %q: %w", c.Session.Timezone, err))
	}
	check(c.Session.Timeout > 0, "SESSION_TIMEOUT must be > 0")
	check(c.Session.WorkdayStartHour >= 0 && c.Session.WorkdayStartHour < 24, "WORKDAY_START_HOUR must be within 0-23")
	check(c.Session.WorkdayEndHour > c.Session.WorkdayStartHour && c.Session.WorkdayEndHour <= 24,
		"WORKDAY_END_HOUR must be after WORKDAY_START_HOUR and at most 24")
	check(c.Context.ProjectWindow > 0 && c.Context.TaskWindow > 0, "context windows must be > 0")
	check(c.Pipeline.ConfidenceThreshold > 0 && c.Pipeline.ConfidenceThreshold <= 1,
		"INTENT_CONFIDENCE_THRESHOLD must be within (0, 1]")
	check(c.Pipeline.ResponseTimeout > 0, "RESPONSE_TIMEOUT must be > 0")
	check(c.Pipeline.StageTimeout > 0 && c.Pipeline.StageTimeout <= c.Pipeline.ResponseTimeout,
		"STAGE_TIMEOUT must be > 0 and not exceed RESPONSE_TIMEOUT")
	check(c.Pipeline.IdempotencyStale >= c.Pipeline.ResponseTimeout,
		"IDEMPOTENCY_STALE_AFTER must not be shorter than RESPONSE_TIMEOUT")
	check(c.Pipeline.HistoryLimit >= 0, "HISTORY_LIMIT must be >= 0")
	check(c.Retry.MaxAttempts >= 1, "RETRY_MAX_ATTEMPTS must be >= 1")
	check(c.Health.ReuseRatioAlert >= 0 && c.Health.ReuseRatioAlert <= 1, "REUSE_RATIO_ALERT must be within [0, 1]")
	check(c.Hygiene.SweepInterval > 0, "SWEEP_INTERVAL must be > 0")
	check(c.Hygiene.StaleSessionAfter >= c.Session.Timeout, "STALE_SESSION_AFTER must not be shorter than SESSION_TIMEOUT")
	check(c.Hygiene.FlowIdleTimeout > 0, "FLOW_IDLE_TIMEOUT must be > 0")
	check(c.Hygiene.IdempotencyRetention > c.Pipeline.IdempotencyStale,
		"IDEMPOTENCY_RETENTION must exceed IDEMPOTENCY_STALE_AFTER")
	check(c.Language.Internal != "", "INTERNAL_LANGUAGE cannot be empty")
	check(len(c.Language.Supported) > 0, "SUPPORTED_LANGUAGES cannot be empty")
	check(c.RateLimit.Window > 0, "RATE_LIMIT_WINDOW must be > 0")
	if c.ConversationLog.Enabled {
		check(c.ConversationLog.Dir != "", "CONVERSATION_LOG_DIR cannot be empty")
		check(!c.ConversationLog.GlobalEnabled || c.ConversationLog.GlobalPath != "",
			"CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	check(c.ConversationLog.QueueSize > 0, "CONVERSATION_LOG_QUEUE_SIZE must be > 0")

	return errors.Join(errs...)
}

// parser collects malformed values instead of silently using defaults.
type parser struct {
	errs []error
}

func (p *parser) int(key string, fallback int) int {
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s value %q: %w", key, value, err))
		return fallback
	}
	return n
}

func (p *parser) float(key string, fallback float64) float64 {
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s value %q: %w", key, value, err))
		return fallback
	}
	return f
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s value %q: %w", key, value, err))
		return fallback
	}
	return d
}

func (p *parser) optionalFloat(key string) *float64 {
	if _, ok := lookup(key); !ok {
		return nil
	}
	f := p.float(key, 0)
	return &f
}

func (p *parser) optionalInt(key string) *int {
	if _, ok := lookup(key); !ok {
		return nil
	}
	n := p.int(key, 0)
	return &n
}

func lookup(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}

func getEnv(key, fallback string) string {
	if value, ok := lookup(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvList(key string, fallback []string) []string {
	value, ok := lookup(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
