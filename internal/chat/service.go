package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/Vovarama1992/storefront-support/internal/auth"
)

type service struct {
	repo    Repo
	alerter Alerter
}

// NewService wires the policy layer. alerter may be nil.
func NewService(repo Repo, alerter Alerter) Service {
	return &service{
		repo:    repo,
		alerter: alerter,
	}
}

func (s *service) Session(ctx context.Context, caller auth.Identity, id string) (*Session, error) {
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canRead(caller, sess) {
		return nil, ErrForbidden
	}
	return sess, nil
}

// Escalate hands the session over to employees. Only the owner escalates;
// a second call is a no-op, a resolved session cannot be reopened.
func (s *service) Escalate(ctx context.Context, caller auth.Identity, id string) (*Session, error) {
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.UserID != caller.UserID {
		return nil, ErrForbidden
	}

	switch sess.Status {
	case StatusEscalated:
		return sess, nil
	case StatusResolved:
		return nil, fmt.Errorf("%w: session %s is resolved", ErrInvalidTransition, id)
	}

	sess.Status = StatusEscalated
	sess.Escalated = true
	if err := s.repo.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	log.Printf("[chat] session %s escalated by %s", sess.ID, caller.UserID)

	if s.alerter != nil {
		s.alerter.SessionEscalated(ctx, sess)
	}
	return sess, nil
}

// Resolve closes an escalated session. The escalated flag stays set.
func (s *service) Resolve(ctx context.Context, caller auth.Identity, id string) (*Session, error) {
	if !caller.IsStaff() {
		return nil, ErrForbidden
	}

	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == StatusResolved {
		return sess, nil
	}
	if !sess.Escalated {
		return nil, fmt.Errorf("%w: session %s was never escalated", ErrInvalidTransition, id)
	}

	sess.Status = StatusResolved
	if err := s.repo.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	log.Printf("[chat] session %s resolved by %s", sess.ID, caller.UserID)
	return sess, nil
}

func (s *service) PostMessage(ctx context.Context, caller auth.Identity, sessionID, content string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidInput)
	}

	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	role, err := authorRole(caller, sess)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		SessionID: sessionID,
		UserID:    caller.UserID,
		Role:      role,
		Content:   content,
	}
	if err := s.repo.SaveMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *service) History(ctx context.Context, caller auth.Identity, sessionID string, limit int) ([]Message, error) {
	if limit < 0 {
		return nil, fmt.Errorf("%w: negative limit", ErrInvalidInput)
	}
	if _, err := s.Session(ctx, caller, sessionID); err != nil {
		return nil, err
	}
	return s.repo.GetHistory(ctx, sessionID, limit)
}

func (s *service) LastMessage(ctx context.Context, caller auth.Identity, sessionID string) (*Message, error) {
	if _, err := s.Session(ctx, caller, sessionID); err != nil {
		return nil, err
	}
	return s.repo.LastMessage(ctx, sessionID)
}

func (s *service) Profile(ctx context.Context, caller auth.Identity, userID string) (*Profile, error) {
	if userID != caller.UserID && !caller.IsStaff() {
		return nil, ErrForbidden
	}
	return s.repo.GetProfile(ctx, userID)
}

// ListEscalated loads the console listing, newest first. Owner profile and
// last message are fetched per session.
func (s *service) ListEscalated(ctx context.Context, caller auth.Identity) ([]SessionSummary, error) {
	if !caller.IsStaff() {
		return nil, ErrForbidden
	}

	sessions, err := s.repo.ListEscalated(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		sum := SessionSummary{Session: sess, DisplayName: DefaultDisplayName}

		p, err := s.repo.GetProfile(ctx, sess.UserID)
		switch {
		case err == nil:
			if p.FullName != "" {
				sum.DisplayName = p.FullName
			}
			sum.Email = p.Email
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}

		last, err := s.repo.LastMessage(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		sum.LastMessage = last

		out = append(out, sum)
	}
	return out, nil
}

func (s *service) Roles(ctx context.Context, caller auth.Identity) ([]string, error) {
	return s.repo.GetRoles(ctx, caller.UserID)
}
