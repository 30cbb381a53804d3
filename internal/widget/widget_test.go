package widget

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Vovarama1992/storefront-support/internal/bot"
	"github.com/Vovarama1992/storefront-support/internal/chat"
	"github.com/Vovarama1992/storefront-support/internal/realtime"
)

type fakeBot struct {
	mu    sync.Mutex
	reqs  []bot.Request
	reply bot.Response
	err   error
}

func (f *fakeBot) Ask(_ context.Context, req bot.Request) (*bot.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	resp := f.reply
	return &resp, nil
}

type fakeStore struct {
	mu         sync.Mutex
	escalated  []string
	posted     []string
	history    []chat.Message
	session    chat.Session
	onEscalate func()
	err        error
}

func (f *fakeStore) Session(_ context.Context, id string) (*chat.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.session
	s.ID = id
	return &s, nil
}

func (f *fakeStore) Escalate(_ context.Context, id string) (*chat.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.escalated = append(f.escalated, id)
	if f.onEscalate != nil {
		f.onEscalate()
	}
	return &chat.Session{ID: id, Status: chat.StatusEscalated, Escalated: true}, nil
}

func (f *fakeStore) History(_ context.Context, _ string, _ int) ([]chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.Message(nil), f.history...), nil
}

func (f *fakeStore) PostMessage(_ context.Context, id, content string) (*chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.posted = append(f.posted, content)
	return &chat.Message{ID: "m", SessionID: id, Role: chat.RoleCustomer, Content: content}, nil
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newWidget(t *testing.T, b *fakeBot, st *fakeStore, hub *realtime.Hub) *Widget {
	t.Helper()
	w := New(b, st, hub, Options{UserID: "customer-1"})
	t.Cleanup(w.Close)
	return w
}

func publishMessage(hub *realtime.Hub, m *chat.Message) {
	hub.Publish(context.Background(), realtime.ChangeEvent{
		Table: chat.TableMessages, Type: realtime.EventInsert, Record: chat.MessageRecord(m),
	})
}

func publishSession(hub *realtime.Hub, s *chat.Session) {
	hub.Publish(context.Background(), realtime.ChangeEvent{
		Table: chat.TableSessions, Type: realtime.EventUpdate, Record: chat.SessionRecord(s),
	})
}

func TestBotTurnAdoptsSession(t *testing.T) {
	b := &fakeBot{reply: bot.Response{Message: "Заказ в пути", SessionID: "s1"}}
	hub := realtime.NewHub(16)
	w := newWidget(t, b, &fakeStore{}, hub)

	if w.State() != StateCollapsed {
		t.Fatalf("expected collapsed, got %s", w.State())
	}
	if w.CanEscalate() {
		t.Fatalf("escalation offered before any message")
	}

	if err := w.Send(context.Background(), "  Где мой заказ?  "); err != nil {
		t.Fatalf("send: %v", err)
	}
	if w.State() != StateOpenBot || w.SessionID() != "s1" {
		t.Fatalf("unexpected state %s session %q", w.State(), w.SessionID())
	}

	got := w.Transcript()
	if len(got) != 2 || got[0].Content != "Где мой заказ?" || got[0].Role != chat.RoleCustomer || got[1].Role != chat.RoleBot {
		t.Fatalf("unexpected transcript %#v", got)
	}
	if !w.CanEscalate() {
		t.Fatalf("escalation should be offered")
	}
	if hub.Len() != 2 {
		t.Fatalf("expected session and message subscriptions, got %d", hub.Len())
	}

	if err := w.Send(context.Background(), "И ещё вопрос"); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if b.reqs[1].SessionID != "s1" {
		t.Fatalf("second turn must reuse the session, got %q", b.reqs[1].SessionID)
	}
	if err := w.Send(context.Background(), "   "); err != nil || len(b.reqs) != 2 {
		t.Fatalf("blank input must be ignored")
	}
}

func TestEmployeeReplyArrivesUnchanged(t *testing.T) {
	b := &fakeBot{reply: bot.Response{Message: "Соединяю", SessionID: "s1", NeedEscalation: true}}
	st := &fakeStore{}
	hub := realtime.NewHub(16)
	w := newWidget(t, b, st, hub)
	ctx := context.Background()

	if err := w.Send(ctx, "Нужен человек"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !w.OfferHuman() {
		t.Fatalf("bot hint lost")
	}
	if err := w.Escalate(ctx); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if w.State() != StateOpenEscalated || !w.Waiting() {
		t.Fatalf("expected escalated and waiting, got %s waiting=%v", w.State(), w.Waiting())
	}
	if n := w.TakeNotices(); len(n) != 1 || n[0] != noticeEscalated {
		t.Fatalf("unexpected notices %#v", n)
	}
	if err := w.Send(ctx, "Алло?"); !errors.Is(err, ErrInputDisabled) {
		t.Fatalf("input must be disabled while waiting, got %v", err)
	}

	// собственное эхо и сообщения клиента не дублируются
	publishMessage(hub, &chat.Message{ID: "x", SessionID: "s1", UserID: "customer-1", Role: chat.RoleCustomer, Content: "Нужен человек"})

	reply := &chat.Message{
		ID:        "m-42",
		SessionID: "s1",
		UserID:    "staff-1",
		Role:      chat.RoleEmployee,
		Content:   "Здравствуйте! Меня зовут Анна.",
		CreatedAt: time.Date(2025, 3, 1, 12, 0, 0, 123456000, time.UTC),
	}
	publishMessage(hub, reply)

	eventually(t, "employee reply", func() bool { return !w.Waiting() })
	got := w.Transcript()
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %#v", got)
	}
	last := got[2]
	if last.ID != reply.ID || last.Content != reply.Content || last.UserID != reply.UserID ||
		last.Role != reply.Role || !last.CreatedAt.Equal(reply.CreatedAt) {
		t.Fatalf("reply changed on the way: %#v", last)
	}

	if err := w.Send(ctx, "Спасибо"); err != nil {
		t.Fatalf("send after reply: %v", err)
	}
	if len(st.posted) != 1 || st.posted[0] != "Спасибо" || len(b.reqs) != 1 {
		t.Fatalf("escalated messages must bypass the bot, posted %v", st.posted)
	}
}

func TestResolvedNoticeShownOnce(t *testing.T) {
	b := &fakeBot{reply: bot.Response{Message: "ok", SessionID: "s1"}}
	hub := realtime.NewHub(16)
	w := newWidget(t, b, &fakeStore{}, hub)

	if err := w.Send(context.Background(), "вопрос"); err != nil {
		t.Fatalf("send: %v", err)
	}

	// эскалация из другой вкладки
	publishSession(hub, &chat.Session{ID: "s1", Status: chat.StatusEscalated, Escalated: true})
	eventually(t, "escalation", func() bool { return w.State() == StateOpenEscalated })
	if !w.Waiting() {
		t.Fatalf("expected waiting after escalation")
	}

	resolved := &chat.Session{ID: "s1", Status: chat.StatusResolved, Escalated: true}
	publishSession(hub, resolved)
	publishSession(hub, resolved)
	publishSession(hub, &chat.Session{ID: "other", Status: chat.StatusResolved, Escalated: true})

	eventually(t, "resolution", func() bool { return w.State() == StateOpenResolved })
	time.Sleep(50 * time.Millisecond)

	notices := w.TakeNotices()
	if len(notices) != 1 || notices[0] != noticeResolved {
		t.Fatalf("expected a single resolved notice, got %#v", notices)
	}
	if w.Waiting() {
		t.Fatalf("resolved chat is not waiting")
	}
}

func TestSendFailureKeepsMessage(t *testing.T) {
	b := &fakeBot{err: errors.New("")}
	w := newWidget(t, b, &fakeStore{}, realtime.NewHub(4))

	if err := w.Send(context.Background(), "привет"); err == nil {
		t.Fatalf("expected error")
	}
	if got := w.Transcript(); len(got) != 1 || got[0].Content != "привет" {
		t.Fatalf("optimistic message lost: %#v", got)
	}
	n := w.TakeNotices()
	if len(n) != 1 || !n[0].Error || n[0].Body != "Не удалось отправить сообщение" {
		t.Fatalf("unexpected notices %#v", n)
	}
	if err := w.Escalate(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestEscalateFailureNotice(t *testing.T) {
	b := &fakeBot{reply: bot.Response{Message: "ok", SessionID: "s1"}}
	st := &fakeStore{}
	w := newWidget(t, b, st, realtime.NewHub(4))

	if err := w.Send(context.Background(), "вопрос"); err != nil {
		t.Fatalf("send: %v", err)
	}
	st.err = errors.New("boom")
	if err := w.Escalate(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	n := w.TakeNotices()
	if len(n) != 1 || n[0].Body != "Не удалось связаться с сотрудником" {
		t.Fatalf("unexpected notices %#v", n)
	}
	if w.State() != StateOpenBot {
		t.Fatalf("failed escalation must keep the bot mode, got %s", w.State())
	}
}

func TestCloseStopsUpdates(t *testing.T) {
	b := &fakeBot{reply: bot.Response{Message: "ok", SessionID: "s1"}}
	hub := realtime.NewHub(16)
	w := New(b, &fakeStore{}, hub, Options{UserID: "customer-1"})

	ctx := context.Background()
	if err := w.Send(ctx, "вопрос"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := w.Escalate(ctx); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if hub.Len() != 2 {
		t.Fatalf("expected two subscriptions, got %d", hub.Len())
	}

	w.Close()
	w.Close()
	if hub.Len() != 0 {
		t.Fatalf("subscriptions leaked: %d", hub.Len())
	}

	before := len(w.Transcript())
	publishMessage(hub, &chat.Message{ID: "late", SessionID: "s1", UserID: "staff-1", Role: chat.RoleEmployee, Content: "поздно"})
	if len(w.Transcript()) != before {
		t.Fatalf("transcript changed after close")
	}
	if err := w.Send(ctx, "ещё"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestDisableInputOnResolve(t *testing.T) {
	for _, disable := range []bool{false, true} {
		b := &fakeBot{reply: bot.Response{Message: "ok", SessionID: "s1"}}
		st := &fakeStore{}
		hub := realtime.NewHub(16)
		w := New(b, st, hub, Options{UserID: "customer-1", DisableInputOnResolve: disable})
		ctx := context.Background()

		if err := w.Send(ctx, "вопрос"); err != nil {
			t.Fatalf("send: %v", err)
		}
		publishSession(hub, &chat.Session{ID: "s1", Status: chat.StatusResolved, Escalated: true})
		eventually(t, "resolution", func() bool { return w.State() == StateOpenResolved })

		err := w.Send(ctx, "ещё вопрос")
		if disable {
			if !errors.Is(err, ErrInputDisabled) {
				t.Fatalf("expected ErrInputDisabled, got %v", err)
			}
			if len(w.Transcript()) != 2 || len(st.posted) != 0 {
				t.Fatalf("rejected input must not be kept or sent")
			}
		} else if err != nil || len(st.posted) != 1 || len(b.reqs) != 1 {
			t.Fatalf("resolved chat should keep accepting input: err=%v posted=%v", err, st.posted)
		}
		w.Close()
	}
}

func TestEscalatedElsewhere(t *testing.T) {
	b := &fakeBot{reply: bot.Response{Message: "ok", SessionID: "s1", NeedEscalation: true}}
	st := &fakeStore{}
	hub := realtime.NewHub(16)
	w := newWidget(t, b, st, hub)
	ctx := context.Background()

	if err := w.Send(ctx, "вопрос"); err != nil {
		t.Fatalf("send: %v", err)
	}
	publishSession(hub, &chat.Session{ID: "s1", Status: chat.StatusEscalated, Escalated: true})
	eventually(t, "escalation", func() bool { return w.State() == StateOpenEscalated })

	if !w.Waiting() || w.OfferHuman() || w.CanEscalate() {
		t.Fatalf("unexpected flags waiting=%v offer=%v can=%v", w.Waiting(), w.OfferHuman(), w.CanEscalate())
	}
	if err := w.Escalate(ctx); err != nil || len(st.escalated) != 0 {
		t.Fatalf("escalating again must be a no-op: %v %v", err, st.escalated)
	}
	if hub.Len() != 2 {
		t.Fatalf("expected session and message subscriptions, got %d", hub.Len())
	}

	publishMessage(hub, &chat.Message{ID: "m1", SessionID: "s1", UserID: "staff-1", Role: chat.RoleEmployee, Content: "Слушаю вас"})
	eventually(t, "employee reply", func() bool { return !w.Waiting() })

	if err := w.Send(ctx, "Спасибо"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(st.posted) != 1 || len(b.reqs) != 1 {
		t.Fatalf("escalated messages must bypass the bot, posted %v", st.posted)
	}
}

func TestReplyDuringEscalate(t *testing.T) {
	b := &fakeBot{reply: bot.Response{Message: "ok", SessionID: "s1"}}
	st := &fakeStore{}
	hub := realtime.NewHub(16)
	st.onEscalate = func() {
		publishMessage(hub, &chat.Message{ID: "m1", SessionID: "s1", UserID: "staff-1", Role: chat.RoleEmployee, Content: "Уже здесь"})
	}
	w := newWidget(t, b, st, hub)
	ctx := context.Background()

	if err := w.Send(ctx, "вопрос"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := w.Escalate(ctx); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	eventually(t, "employee reply", func() bool { return !w.Waiting() })
	time.Sleep(20 * time.Millisecond)
	if w.Waiting() {
		t.Fatalf("reply that raced the escalation left the chat waiting")
	}
	if err := w.Send(ctx, "Отлично"); err != nil {
		t.Fatalf("send: %v", err)
	}
}

// lossyStream forwards a hub stream until drop, then ends the way a lost
// websocket does: the channel closes without Close being called.
type lossyStream struct {
	inner realtime.Stream
	ch    chan realtime.ChangeEvent
	lost  chan struct{}
	once  sync.Once
}

func newLossyStream(inner realtime.Stream) *lossyStream {
	s := &lossyStream{inner: inner, ch: make(chan realtime.ChangeEvent), lost: make(chan struct{})}
	go func() {
		defer close(s.ch)
		for {
			select {
			case <-s.lost:
				return
			case ev, ok := <-inner.Events():
				if !ok {
					return
				}
				select {
				case s.ch <- ev:
				case <-s.lost:
					return
				}
			}
		}
	}()
	return s
}

func (s *lossyStream) Events() <-chan realtime.ChangeEvent { return s.ch }

func (s *lossyStream) drop() {
	s.once.Do(func() { close(s.lost) })
	s.inner.Close()
}

func (s *lossyStream) Close() error {
	s.drop()
	for range s.ch {
	}
	return nil
}

type lossyHub struct {
	hub    *realtime.Hub
	mu     sync.Mutex
	opened map[string][]*lossyStream
}

func (h *lossyHub) Subscribe(ctx context.Context, f realtime.Filter) (realtime.Stream, error) {
	inner, err := h.hub.Subscribe(ctx, f)
	if err != nil {
		return nil, err
	}
	s := newLossyStream(inner)
	h.mu.Lock()
	if h.opened == nil {
		h.opened = make(map[string][]*lossyStream)
	}
	h.opened[f.Table] = append(h.opened[f.Table], s)
	h.mu.Unlock()
	return s, nil
}

func (h *lossyHub) streams(table string) []*lossyStream {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*lossyStream(nil), h.opened[table]...)
}

func TestMessageStreamLossRecovers(t *testing.T) {
	old := resubscribeDelay
	resubscribeDelay = 10 * time.Millisecond
	t.Cleanup(func() { resubscribeDelay = old })

	missed := chat.Message{ID: "m1", SessionID: "s1", UserID: "staff-1", Role: chat.RoleEmployee, Content: "Здравствуйте, я на связи"}
	b := &fakeBot{reply: bot.Response{Message: "ok", SessionID: "s1"}}
	st := &fakeStore{history: []chat.Message{
		{ID: "c1", SessionID: "s1", UserID: "customer-1", Role: chat.RoleCustomer, Content: "вопрос"},
		missed,
	}}
	hub := realtime.NewHub(16)
	lh := &lossyHub{hub: hub}
	w := New(b, st, lh, Options{UserID: "customer-1"})
	t.Cleanup(w.Close)
	ctx := context.Background()

	if err := w.Send(ctx, "вопрос"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := w.Escalate(ctx); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if !w.Waiting() {
		t.Fatalf("expected waiting after escalation")
	}
	first := lh.streams(chat.TableMessages)
	if len(first) != 1 {
		t.Fatalf("expected one message subscription, got %d", len(first))
	}

	// ответ сотрудника приходит, пока подписки нет
	first[0].drop()

	eventually(t, "resubscribe", func() bool { return len(lh.streams(chat.TableMessages)) == 2 })
	eventually(t, "missed reply from history", func() bool { return !w.Waiting() })

	publishMessage(hub, &missed)
	publishMessage(hub, &chat.Message{ID: "m2", SessionID: "s1", UserID: "staff-1", Role: chat.RoleEmployee, Content: "Чем помочь?"})
	eventually(t, "live reply after resubscribe", func() bool {
		got := w.Transcript()
		return len(got) > 0 && got[len(got)-1].ID == "m2"
	})

	seen := 0
	for _, m := range w.Transcript() {
		if m.ID == "m1" {
			seen++
		}
	}
	if seen != 1 {
		t.Fatalf("expected the missed reply once, got %d", seen)
	}
	if err := w.Send(ctx, "Спасибо"); err != nil {
		t.Fatalf("send after recovery: %v", err)
	}
}
