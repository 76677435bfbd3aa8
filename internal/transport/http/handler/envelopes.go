package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-social-nosql/internal/domain"
	"github.com/go-social-nosql/internal/transport/http/middleware"
)

// MessageEnvelope is the generic response wrapper.
type MessageEnvelope struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// AuthEnvelope wraps login responses.
type AuthEnvelope struct {
	Bearer  string          `json:"Bearer,omitempty"`
	Session *domain.Session `json:"session,omitempty"`
}

// UserListEnvelope wraps follower and following listings.
type UserListEnvelope struct {
	Data []string `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, MessageEnvelope{Error: msg})
}

// writeServiceError maps a service error to its HTTP status. Coded errors
// are checked before the plain sentinels they may wrap.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrEmailAlreadyRegistered),
		errors.Is(err, domain.ErrHandleAlreadyRegistered),
		errors.Is(err, domain.ErrConcurrencyFailure),
		errors.Is(err, domain.ErrUoWConflict),
		errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrInvalidSession), errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, domain.ErrContentNotFound),
		errors.Is(err, domain.ErrUoWNotFound),
		errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrBadRequest):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeJSON(w, status, MessageEnvelope{Error: "internal error", Code: string(domain.CodeOf(err))})
		return
	}
	writeJSON(w, status, MessageEnvelope{Error: err.Error(), Code: string(domain.CodeOf(err))})
}

// caller returns the authenticated user, writing 401 when there is none.
func caller(w http.ResponseWriter, r *http.Request) (userID, sessionID string, ok bool) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", "", false
	}
	return claims.UserID, claims.SessionID, true
}

func parsePagination(r *http.Request) (cursor string, limit int) {
	cursor = r.URL.Query().Get("cursor")
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	return cursor, limit
}
