package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-social-nosql/internal/store"
)

const readyTimeout = 2 * time.Second

// readyKey is never written; reading it exercises a full store round trip.
var readyKey = store.Key{Partition: "health#ready", ID: "ready"}

// HealthHandler answers liveness ("ping") and readiness ("ready") checks.
type HealthHandler struct {
	store store.Reader
}

func NewHealthHandler(s store.Reader) *HealthHandler { return &HealthHandler{store: s} }

func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	switch chi.URLParam(r, "action") {
	case "ping":
		writeJSON(w, http.StatusOK, MessageEnvelope{Message: "pong"})
	case "ready":
		h.ready(w, r)
	default:
		writeError(w, http.StatusBadRequest, "unknown action")
	}
}

func (h *HealthHandler) ready(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if _, err := h.store.Get(ctx, readyKey); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("readiness check failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, MessageEnvelope{Message: "ready"})
}
