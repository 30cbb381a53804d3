package chat

import (
	"context"
	"errors"
	"time"

	"github.com/Vovarama1992/storefront-support/internal/auth"
	"github.com/Vovarama1992/storefront-support/internal/realtime"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusEscalated Status = "escalated"
	StatusResolved  Status = "resolved"
)

// Role is the author kind of a message, stored as-is in chat_messages.role.
type Role string

const (
	RoleCustomer Role = "user"
	RoleBot      Role = "assistant"
	RoleEmployee Role = "employee"
)

// Table names double as realtime channel names.
const (
	TableSessions = "chat_sessions"
	TableMessages = "chat_messages"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Status    Status    `json:"status"`
	Escalated bool      `json:"escalated_to_employee"`
	CreatedAt time.Time `json:"created_at"`
}

type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type Profile struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
}

// SessionSummary is one row of the employee console listing.
type SessionSummary struct {
	Session
	DisplayName string   `json:"display_name"`
	Email       string   `json:"email"`
	LastMessage *Message `json:"last_message,omitempty"`
}

// DefaultDisplayName is shown for owners without a profile name.
const DefaultDisplayName = "Клиент"

// Repo: persistence, no access checks.
type Repo interface {
	CreateSession(ctx context.Context, userID string) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, s *Session) error
	ListEscalated(ctx context.Context) ([]Session, error)

	// SaveMessage assigns ID and CreatedAt when they are empty.
	SaveMessage(ctx context.Context, msg *Message) error
	// GetHistory returns messages ascending by creation time. A positive
	// limit keeps only the most recent ones.
	GetHistory(ctx context.Context, sessionID string, limit int) ([]Message, error)
	// LastMessage returns nil, nil for an empty session.
	LastMessage(ctx context.Context, sessionID string) (*Message, error)

	GetProfile(ctx context.Context, userID string) (*Profile, error)
	GetRoles(ctx context.Context, userID string) ([]string, error)
}

// Service applies the access policy on top of Repo.
type Service interface {
	Session(ctx context.Context, caller auth.Identity, id string) (*Session, error)
	Escalate(ctx context.Context, caller auth.Identity, id string) (*Session, error)
	Resolve(ctx context.Context, caller auth.Identity, id string) (*Session, error)

	PostMessage(ctx context.Context, caller auth.Identity, sessionID, content string) (*Message, error)
	History(ctx context.Context, caller auth.Identity, sessionID string, limit int) ([]Message, error)
	LastMessage(ctx context.Context, caller auth.Identity, sessionID string) (*Message, error)

	Profile(ctx context.Context, caller auth.Identity, userID string) (*Profile, error)
	ListEscalated(ctx context.Context, caller auth.Identity) ([]SessionSummary, error)
	Roles(ctx context.Context, caller auth.Identity) ([]string, error)

	realtime.Authorizer
}

// Alerter is told about every session that becomes escalated.
type Alerter interface {
	SessionEscalated(ctx context.Context, s *Session)
}
