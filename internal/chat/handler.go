package chat

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Vovarama1992/storefront-support/internal/auth"
)

type Handler struct {
	svc Service
}

func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Roles(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	roles, err := h.svc.Roles(r.Context(), caller)
	if err != nil {
		writeError(w, err)
		return
	}
	if roles == nil {
		roles = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": caller.UserID, "roles": roles})
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	sess, err := h.svc.Session(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) Escalate(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	sess, err := h.svc.Escalate(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	sess, err := h.svc.Resolve(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, ErrInvalidInput)
			return
		}
		limit = n
	}

	msgs, err := h.svc.History(r.Context(), caller, chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())

	var payload struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, ErrInvalidInput)
		return
	}

	msg, err := h.svc.PostMessage(r.Context(), caller, chi.URLParam(r, "id"), payload.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) LastMessage(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	msg, err := h.svc.LastMessage(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if msg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	p, err := h.svc.Profile(r.Context(), caller, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) ListEscalated(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.FromContext(r.Context())
	list, err := h.svc.ListEscalated(r.Context(), caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// StatusFor maps store and policy errors onto HTTP codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidTransition):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Printf("[chat] internal error: %v", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
