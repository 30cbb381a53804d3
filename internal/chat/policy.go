package chat

import (
	"context"
	"fmt"

	"github.com/Vovarama1992/storefront-support/internal/auth"
	"github.com/Vovarama1992/storefront-support/internal/realtime"
)

// Row-level policy. The console role gate is advisory; these checks are
// the real boundary for every read, write and subscription.

func canRead(caller auth.Identity, s *Session) bool {
	return s.UserID == caller.UserID || caller.IsStaff()
}

// authorRole decides what role a new message from caller gets. The owner
// always writes as customer; staff may write only once the session has
// been handed over.
func authorRole(caller auth.Identity, s *Session) (Role, error) {
	if s.UserID == caller.UserID {
		return RoleCustomer, nil
	}
	if !caller.IsStaff() {
		return "", ErrForbidden
	}
	if !s.Escalated {
		return "", fmt.Errorf("%w: session %s is not escalated", ErrForbidden, s.ID)
	}
	return RoleEmployee, nil
}

func (s *service) AuthorizeFilter(ctx context.Context, caller auth.Identity, f realtime.Filter) error {
	if caller.IsStaff() {
		return nil
	}

	switch {
	case f.Table == TableMessages && f.Column == "session_id":
	case f.Table == TableSessions && f.Column == "id":
	case f.Table == TableSessions && f.Column == "user_id":
		if f.Value == caller.UserID {
			return nil
		}
		return ErrForbidden
	default:
		return fmt.Errorf("%w: customers may only watch their own session", ErrForbidden)
	}

	sess, err := s.repo.GetSession(ctx, f.Value)
	if err != nil {
		return err
	}
	if sess.UserID != caller.UserID {
		return ErrForbidden
	}
	return nil
}
