package bot

import (
	"context"
	"errors"

	"github.com/Vovarama1992/storefront-support/internal/auth"
)

// Request is the body of POST /functions/v1/chat-bot.
type Request struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
}

// Response carries either a reply or an error; needEscalation is always
// present so the widget can offer a human.
type Response struct {
	Message        string `json:"message,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	NeedEscalation bool   `json:"needEscalation"`
	Error          string `json:"error,omitempty"`
}

// EscalationPolicy decides from the bot reply whether to offer a human.
type EscalationPolicy interface {
	ShouldEscalate(reply string) bool
}

// FallbackPolicy says what happens when the requested session is missing or
// belongs to someone else.
type FallbackPolicy string

const (
	FallbackFail   FallbackPolicy = "fail"
	FallbackCreate FallbackPolicy = "create"
)

var ErrSessionNotFound = errors.New("session not found")

type Service interface {
	Respond(ctx context.Context, caller auth.Identity, req Request) (*Response, error)
}
