package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-social-nosql/internal/application/follow"
)

// FollowHandler handles the follow graph.
type FollowHandler struct {
	svc follow.Service
}

func NewFollowHandler(svc follow.Service) *FollowHandler { return &FollowHandler{svc: svc} }

// Follow makes the caller follow {id}. Repeating it is harmless.
func (h *FollowHandler) Follow(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := caller(w, r)
	if !ok {
		return
	}
	if err := h.svc.Add(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *FollowHandler) Unfollow(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := caller(w, r)
	if !ok {
		return
	}
	if err := h.svc.Remove(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *FollowHandler) Followers(w http.ResponseWriter, r *http.Request) {
	ids, err := h.svc.Followers(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UserListEnvelope{Data: nonNil(ids)})
}

func (h *FollowHandler) Following(w http.ResponseWriter, r *http.Request) {
	ids, err := h.svc.Following(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UserListEnvelope{Data: nonNil(ids)})
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
