package ai

import (
	"context"
	"errors"
)

// AI: внешний интеллект, не знает ни про сессии, ни про БД
type AI interface {
	// GetReply returns "" with a nil error when the backend produced no
	// choices; the caller picks the fallback text.
	GetReply(ctx context.Context, history []Message) (string, error)
}

// Message: универсальный формат диалога для AI
type Message struct {
	Role string // "user" | "assistant" | "system"
	Text string
}

var (
	ErrThrottled = errors.New("completion backend rate limit")    // 429
	ErrBilling   = errors.New("completion backend needs payment") // 402
	ErrUpstream  = errors.New("completion backend error")
)
