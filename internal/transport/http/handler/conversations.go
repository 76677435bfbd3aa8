package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-social-nosql/internal/application/content"
	"github.com/go-social-nosql/internal/domain"
)

// ConversationHandler handles conversations, comments, reactions and feeds.
type ConversationHandler struct {
	svc content.Service
}

func NewConversationHandler(svc content.Service) *ConversationHandler {
	return &ConversationHandler{svc: svc}
}

func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := caller(w, r)
	if !ok {
		return
	}
	var req domain.CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	v, err := h.svc.Create(r.Context(), userID, req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := caller(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConversationHandler) Comments(w http.ResponseWriter, r *http.Request) {
	cursor, limit := parsePagination(r)
	page, err := h.svc.Comments(r.Context(), chi.URLParam(r, "id"), cursor, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *ConversationHandler) Like(w http.ResponseWriter, r *http.Request) {
	h.react(w, r, h.svc.Like)
}

func (h *ConversationHandler) Unlike(w http.ResponseWriter, r *http.Request) {
	h.react(w, r, h.svc.Unlike)
}

func (h *ConversationHandler) react(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, userID, convID string) error) {
	userID, _, ok := caller(w, r)
	if !ok {
		return
	}
	if err := fn(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ConversationHandler) View(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.View(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Feed lists the caller's feed, newest first.
func (h *ConversationHandler) Feed(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := caller(w, r)
	if !ok {
		return
	}
	cursor, limit := parsePagination(r)
	page, err := h.svc.Feed(r.Context(), userID, cursor, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
