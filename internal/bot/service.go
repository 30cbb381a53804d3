package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/Vovarama1992/storefront-support/internal/ai"
	"github.com/Vovarama1992/storefront-support/internal/auth"
	"github.com/Vovarama1992/storefront-support/internal/chat"
)

type Options struct {
	// HistoryLimit bounds the context sent to the backend, 0 sends all.
	HistoryLimit int
	Fallback     FallbackPolicy
	Escalation   EscalationPolicy
}

// service writes through chat.Repo directly: the responder acts for the
// caller on a session it has already matched to the caller.
type service struct {
	repo chat.Repo
	ai   ai.AI
	opts Options
}

func NewService(repo chat.Repo, aiClient ai.AI, opts Options) Service {
	if opts.Fallback == "" {
		opts.Fallback = FallbackFail
	}
	if opts.Escalation == nil {
		opts.Escalation = NewPhrasePolicy()
	}
	return &service{
		repo: repo,
		ai:   aiClient,
		opts: opts,
	}
}

func (s *service) Respond(ctx context.Context, caller auth.Identity, req Request) (*Response, error) {
	if caller.UserID == "" {
		return nil, auth.ErrUnauthorized
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is empty", chat.ErrInvalidInput)
	}
	log.Printf("[bot] user=%s session=%q text=%q", caller.UserID, req.SessionID, short(req.Message))

	sess, err := s.resolveSession(ctx, caller, req.SessionID)
	if err != nil {
		return nil, err
	}

	history, err := s.repo.GetHistory(ctx, sess.ID, s.opts.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	if err := s.repo.SaveMessage(ctx, &chat.Message{
		SessionID: sess.ID,
		UserID:    caller.UserID,
		Role:      chat.RoleCustomer,
		Content:   req.Message,
	}); err != nil {
		return nil, fmt.Errorf("save customer message: %w", err)
	}

	prompt := make([]ai.Message, 0, len(history)+2)
	prompt = append(prompt, ai.Message{Role: "system", Text: FAQPrompt})
	for _, m := range history {
		prompt = append(prompt, ai.Message{Role: completionRole(m.Role), Text: m.Content})
	}
	prompt = append(prompt, ai.Message{Role: "user", Text: req.Message})

	reply, err := s.ai.GetReply(ctx, prompt)
	if err != nil {
		log.Printf("[bot] session=%s completion failed: %v", sess.ID, err)
		return nil, err
	}
	if reply == "" {
		reply = FallbackReply
	}

	if err := s.repo.SaveMessage(ctx, &chat.Message{
		SessionID: sess.ID,
		UserID:    caller.UserID,
		Role:      chat.RoleBot,
		Content:   reply,
	}); err != nil {
		return nil, fmt.Errorf("save bot message: %w", err)
	}

	return &Response{
		Message:        reply,
		SessionID:      sess.ID,
		NeedEscalation: s.opts.Escalation.ShouldEscalate(reply),
	}, nil
}

func (s *service) resolveSession(ctx context.Context, caller auth.Identity, id string) (*chat.Session, error) {
	if id != "" {
		sess, err := s.repo.GetSession(ctx, id)
		switch {
		case err == nil && sess.UserID == caller.UserID:
			return sess, nil
		case err != nil && !errors.Is(err, chat.ErrNotFound):
			return nil, fmt.Errorf("load session: %w", err)
		}

		if s.opts.Fallback == FallbackFail {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		log.Printf("[bot] session %s unavailable for %s, starting a new one", id, caller.UserID)
	}

	sess, err := s.repo.CreateSession(ctx, caller.UserID)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// completionRole maps stored roles onto chat completion roles; employee
// replies read as assistant turns.
func completionRole(r chat.Role) string {
	if r == chat.RoleCustomer {
		return "user"
	}
	return "assistant"
}

func short(s string) string {
	r := []rune(s)
	if len(r) > 180 {
		return string(r[:180]) + "..."
	}
	return s
}
