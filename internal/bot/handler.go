package bot

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/Vovarama1992/storefront-support/internal/ai"
	"github.com/Vovarama1992/storefront-support/internal/auth"
	"github.com/Vovarama1992/storefront-support/internal/chat"
)

type Handler struct {
	svc   Service
	authn *auth.Authenticator
}

func NewHandler(svc Service, authn *auth.Authenticator) *Handler {
	return &Handler{svc: svc, authn: authn}
}

// HandleChat is one customer turn. Every failure still answers with
// needEscalation so the widget can offer a human.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	caller, err := h.authn.Authenticate(r)
	if err != nil {
		log.Printf("[bot] auth: %v", err)
		if status := auth.FailureStatus(err); status != http.StatusUnauthorized {
			writeJSON(w, status, Response{Error: "internal error", NeedEscalation: true})
			return
		}
		writeJSON(w, http.StatusUnauthorized, Response{Error: "Unauthorized", NeedEscalation: true})
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Error: "invalid json", NeedEscalation: true})
		return
	}

	resp, err := h.svc.Respond(r.Context(), caller, req)
	if err != nil {
		status, msg := errorStatus(err)
		writeJSON(w, status, Response{Error: msg, NeedEscalation: true})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, chat.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, ai.ErrThrottled):
		return http.StatusTooManyRequests, ThrottledMessage
	case errors.Is(err, ai.ErrBilling):
		return http.StatusPaymentRequired, BillingMessage
	case errors.Is(err, ai.ErrUpstream):
		return http.StatusInternalServerError, "AI gateway error"
	default:
		log.Printf("[bot] internal error: %v", err)
		return http.StatusInternalServerError, "internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
