package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/fieldchat/internal/channel"
	"github.com/ashureev/fieldchat/internal/identity"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// maxRequestBodySize bounds webhook payloads (1MB).
const maxRequestBodySize = 1 << 20

// Webhook statuses returned to the messaging provider.
const (
	StatusProcessed = "processed"
	StatusDuplicate = "duplicate"
	StatusInFlight  = "in_flight"
	StatusFailed    = "failed"
)

// WebhookResponse is the body returned for an accepted delivery.
type WebhookResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Webhook accepts one inbound message and answers once it was processed
// and its reply handed to the channel. Every processed delivery gets 200,
// failures included: the worker has been told, and a provider retry would
// only notify them twice.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var in channel.Inbound
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	in.MessageID = strings.TrimSpace(in.MessageID)
	in.From = strings.TrimSpace(in.From)
	if in.MessageID == "" || in.From == "" {
		Error(w, http.StatusBadRequest, "id and from are required")
		return
	}
	if in.ReceivedAt.IsZero() {
		in.ReceivedAt = time.Now().UTC()
	}
	if in.Channel == "" {
		in.Channel = "webhook"
	}

	// Rate-limit by sender so retries with fresh message IDs are throttled too.
	if h.deps.Limiter != nil && !h.deps.Limiter.Allow(identity.NormalizeAddress(in.From)) {
		h.logger.Warn("webhook rate limit exceeded", "from", in.From, "ip", identity.IPFromRequest(r))
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	h.logger.Info("webhook message received",
		"message_id", in.MessageID,
		"channel", in.Channel,
		"request_id", chiMiddleware.GetReqID(r.Context()),
		"text_length", len(in.Text),
		"has_media", in.MediaURL != "")

	// Processing continues if the provider hangs up; the pipeline bounds it.
	res := h.deps.Consumer.Handle(context.WithoutCancel(r.Context()), in)

	out := WebhookResponse{Status: StatusProcessed, MessageID: in.MessageID, SessionID: res.SessionID}
	switch {
	case res.Replayed:
		out.Status = StatusDuplicate
	case res.InFlight:
		out.Status = StatusInFlight
	case res.Err != nil:
		out.Status = StatusFailed
		if res.FailedStage != "" {
			out.Error = res.FailedStage
		}
	}
	JSON(w, http.StatusOK, out)
}
