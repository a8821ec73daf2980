// Package api provides the HTTP surface of the fieldchat service.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/fieldchat/internal/channel"
	"github.com/ashureev/fieldchat/internal/identity"
	"github.com/ashureev/fieldchat/internal/metrics"
	"github.com/ashureev/fieldchat/internal/middleware"
	"github.com/ashureev/fieldchat/internal/pipeline"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Consumer runs an inbound message to completion, reply included.
type Consumer interface {
	channel.InboundHandler
	Handle(ctx context.Context, in channel.Inbound) pipeline.Result
}

// SessionEnder closes sessions on operator request.
type SessionEnder interface {
	End(ctx context.Context, sessionID, reason string) error
}

// MetricsSource exposes the counters.
type MetricsSource interface {
	Snapshot() metrics.Snapshot
}

// Pinger verifies database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the routes.
type Deps struct {
	Consumer       Consumer
	Hub            *channel.Hub // nil disables /ws/chat
	Sessions       SessionEnder
	Metrics        MetricsSource
	DB             Pinger
	Limiter        *RateLimiter
	WebhookSecret  string
	AdminToken     string // empty closes /api
	AllowedOrigins []string
	HealthTimeout  time.Duration
	Logger         *slog.Logger
}

// Handler provides common handler utilities.
type Handler struct {
	deps   Deps
	logger *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.HealthTimeout <= 0 {
		deps.HealthTimeout = 5 * time.Second
	}
	return &Handler{deps: deps, logger: deps.Logger}
}

// NewRouter builds the full route table.
func NewRouter(deps Deps) http.Handler {
	h := NewHandler(deps)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(deps.AllowedOrigins))

	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers every route on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)

	r.With(identity.SignatureMiddleware(h.deps.WebhookSecret)).
		Post("/webhook/messages", h.Webhook)

	if h.deps.Hub != nil {
		r.Handle("/ws/chat", h.deps.Hub.Handler(h.deps.Consumer))
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.BearerAuth(h.deps.AdminToken))
		r.Get("/metrics", h.Metrics)
		r.Post("/sessions/{id}/end", h.EndSession)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
