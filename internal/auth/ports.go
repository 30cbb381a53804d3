package auth

import (
	"context"
	"errors"
)

const (
	RoleEmployee = "employee"
	RoleAdmin    = "admin"
)

var ErrUnauthorized = errors.New("unauthorized")

// Identity is the authenticated caller with the roles read from user_roles.
type Identity struct {
	UserID string
	Roles  []string
}

// IsStaff reports whether the caller may act as support staff.
func (i Identity) IsStaff() bool {
	return i.HasRole(RoleEmployee) || i.HasRole(RoleAdmin)
}

func (i Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// RoleSource: таблица user_roles.
type RoleSource interface {
	GetRoles(ctx context.Context, userID string) ([]string, error)
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by the middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
