package chat

import (
	"github.com/go-chi/chi/v5"

	"github.com/Vovarama1992/storefront-support/internal/auth"
)

// RegisterRoutes expects r to be behind auth.Authenticator.Middleware.
func RegisterRoutes(r chi.Router, h *Handler) {
	r.Get("/me/roles", h.Roles)
	r.Get("/profiles/{id}", h.Profile)

	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Post("/escalate", h.Escalate)
		r.With(auth.RequireStaff).Post("/resolve", h.Resolve)
		r.Get("/messages", h.History)
		r.Post("/messages", h.PostMessage)
		r.Get("/last-message", h.LastMessage)
	})

	r.With(auth.RequireStaff).Get("/console/sessions", h.ListEscalated)
}
