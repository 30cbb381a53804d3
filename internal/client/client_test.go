package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Vovarama1992/storefront-support/internal/ai"
	"github.com/Vovarama1992/storefront-support/internal/auth"
	"github.com/Vovarama1992/storefront-support/internal/bot"
	"github.com/Vovarama1992/storefront-support/internal/chat"
	"github.com/Vovarama1992/storefront-support/internal/db"
	"github.com/Vovarama1992/storefront-support/internal/realtime"
)

type cannedAI struct {
	reply string
	err   error
}

func (c cannedAI) GetReply(context.Context, []ai.Message) (string, error) {
	return c.reply, c.err
}

type stack struct {
	srv *httptest.Server
	v   *auth.Verifier
	hub *realtime.Hub
}

func newStack(t *testing.T, model ai.AI) *stack {
	t.Helper()
	conn, err := db.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.Exec(`INSERT INTO user_roles (user_id, role) VALUES ($1, $2)`, "staff-1", auth.RoleEmployee)

	hub := realtime.NewHub(16)
	repo := chat.NewPublishingRepo(chat.NewRepo(conn), hub)
	svc := chat.NewService(repo, nil)
	v := auth.NewVerifier("secret", "", "")
	authn := auth.NewAuthenticator(v, repo)

	r := chi.NewRouter()
	bot.RegisterRoutes(r, bot.NewHandler(bot.NewService(repo, model, bot.Options{}), authn))
	r.Route("/api", func(api chi.Router) {
		api.Use(authn.Middleware)
		chat.RegisterRoutes(api, chat.NewHandler(svc))
	})
	r.Method(http.MethodGet, "/realtime", realtime.NewWSHandler(hub, authn, svc))

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &stack{srv: srv, v: v, hub: hub}
}

func (s *stack) client(t *testing.T, user string) *Client {
	t.Helper()
	token, err := s.v.Issue(user, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return New(s.srv.URL, token)
}

func TestAskEscalateAndReply(t *testing.T) {
	ctx := context.Background()
	st := newStack(t, cannedAI{reply: "Рекомендую связаться с сотрудником."})
	customer := st.client(t, "customer-1")
	staff := st.client(t, "staff-1")

	resp, err := customer.Ask(ctx, bot.Request{Message: "У меня сложный вопрос"})
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if !resp.NeedEscalation || resp.SessionID == "" {
		t.Fatalf("unexpected bot response %#v", resp)
	}

	stream, err := customer.Subscribe(ctx, realtime.Filter{
		Table: chat.TableMessages, Type: realtime.EventInsert, Column: "session_id", Value: resp.SessionID,
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer stream.Close()

	if _, err := customer.Escalate(ctx, resp.SessionID); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	sent, err := staff.PostMessage(ctx, resp.SessionID, "Здравствуйте! Меня зовут Анна.")
	if err != nil {
		t.Fatalf("staff post: %v", err)
	}

	select {
	case ev := <-stream.Events():
		got := chat.MessageFromEvent(ev)
		if got.ID != sent.ID || got.Content != sent.Content || got.Role != chat.RoleEmployee {
			t.Fatalf("event differs from stored message: %#v vs %#v", got, sent)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no realtime event")
	}

	list, err := staff.ListEscalated(ctx)
	if err != nil || len(list) != 1 || list[0].LastMessage == nil || list[0].LastMessage.ID != sent.ID {
		t.Fatalf("unexpected listing %#v, err %v", list, err)
	}

	hist, err := customer.History(ctx, resp.SessionID, 0)
	if err != nil || len(hist) != 3 {
		t.Fatalf("expected 3 messages, got %d, err %v", len(hist), err)
	}
}

func TestAPIErrors(t *testing.T) {
	ctx := context.Background()
	st := newStack(t, cannedAI{err: ai.ErrThrottled})
	customer := st.client(t, "customer-1")

	_, err := customer.Ask(ctx, bot.Request{Message: "hi"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Status != http.StatusTooManyRequests || apiErr.Message != bot.ThrottledMessage || !apiErr.NeedEscalation {
		t.Fatalf("unexpected api error %#v", apiErr)
	}

	if _, err := customer.ListEscalated(ctx); !errors.As(err, &apiErr) || apiErr.Status != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}

	if _, err := customer.Subscribe(ctx, realtime.Filter{Table: chat.TableMessages}); err == nil {
		t.Fatalf("customer must not subscribe unfiltered")
	}
}

func TestSubscriptionCloseIsFinal(t *testing.T) {
	ctx := context.Background()
	st := newStack(t, cannedAI{reply: "ok"})
	staff := st.client(t, "staff-1")

	stream, err := staff.Subscribe(ctx, realtime.Filter{Table: chat.TableSessions})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	stream.Close()
	st.hub.Publish(ctx, realtime.ChangeEvent{Table: chat.TableSessions, Type: realtime.EventInsert})

	select {
	case ev, ok := <-stream.Events():
		if ok {
			t.Fatalf("event after close: %#v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("events channel not closed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for st.hub.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if st.hub.Len() != 0 {
		t.Fatalf("server kept the subscription after client close")
	}
}

func TestSubscribeEndsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	st := newStack(t, cannedAI{reply: "ok"})

	stream, err := st.client(t, "staff-1").Subscribe(ctx, realtime.Filter{Table: chat.TableSessions})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()

	select {
	case _, ok := <-stream.Events():
		if ok {
			t.Fatalf("unexpected event")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stream not closed after cancel")
	}
}
