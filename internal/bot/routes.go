package bot

import "github.com/go-chi/chi/v5"

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Post("/functions/v1/chat-bot", h.HandleChat)
	r.Post("/api/chat-bot", h.HandleChat)
}
