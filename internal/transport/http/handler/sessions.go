package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-social-nosql/internal/application/session"
	"github.com/go-social-nosql/internal/domain"
)

// SessionHandler handles session endpoints.
type SessionHandler struct {
	svc session.Service
}

func NewSessionHandler(svc session.Service) *SessionHandler {
	return &SessionHandler{svc: svc}
}

func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := h.svc.Login(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, AuthEnvelope{Bearer: result.Bearer, Session: result.Session})
}

func (h *SessionHandler) GetCurrent(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := caller(w, r)
	if !ok {
		return
	}
	sess, err := h.svc.Get(r.Context(), userID, sessionID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	userID, sessionID, ok := caller(w, r)
	if !ok {
		return
	}
	if err := h.svc.End(r.Context(), userID, sessionID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageEnvelope{Message: "logged out"})
}
