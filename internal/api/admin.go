package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/ashureev/fieldchat/internal/apperr"
	"github.com/go-chi/chi/v5"
)

// endLocks collapses concurrent end requests for the same session.
var endLocks sync.Map

type endSessionRequest struct {
	Reason string `json:"reason"`
}

// EndSession closes a session on operator request. Ending a session that
// is already closed succeeds.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "id"))
	if sessionID == "" {
		Error(w, http.StatusBadRequest, "session id is required")
		return
	}

	req := endSessionRequest{Reason: "operator"}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "operator"
	}

	lock, _ := endLocks.LoadOrStore(sessionID, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		h.logger.Warn("session end already in progress", "session_id", sessionID)
		JSON(w, http.StatusAccepted, map[string]string{"status": "ending", "session_id": sessionID})
		return
	}
	defer func() {
		mutex.Unlock()
		endLocks.Delete(sessionID)
	}()

	if err := h.deps.Sessions.End(r.Context(), sessionID, req.Reason); err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		h.logger.Error("failed to end session", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to end session")
		return
	}

	h.logger.Info("session ended by operator", "session_id", sessionID, "reason", req.Reason)
	JSON(w, http.StatusOK, map[string]string{"status": "ended", "session_id": sessionID})
}

// Metrics returns the counters with the derived reuse ratio.
func (h *Handler) Metrics(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.deps.Metrics.Snapshot())
}

// Health returns the health status of the API and its dependencies.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.deps.HealthTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{"status": "healthy", "checks": checks}
	statusCode := http.StatusOK

	if err := h.deps.DB.Ping(ctx); err != nil {
		h.logger.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.deps.Metrics != nil && !h.deps.Metrics.Snapshot().Healthy {
		status["status"] = "degraded"
		checks["session_reuse"] = "below_threshold"
	}

	JSON(w, statusCode, status)
}
