package console

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"

	"github.com/Vovarama1992/storefront-support/internal/auth"
	"github.com/Vovarama1992/storefront-support/internal/chat"
	"github.com/Vovarama1992/storefront-support/internal/client"
	"github.com/Vovarama1992/storefront-support/internal/realtime"
)

// ErrAccessDenied: the caller holds neither employee nor admin. The server
// checks every call on its own, this only saves a pointless screen.
var (
	ErrAccessDenied = errors.New("access denied")
	ErrNoSelection  = errors.New("no conversation selected")
	ErrClosed       = errors.New("console closed")
)

type API interface {
	Roles(ctx context.Context) ([]string, error)
	ListEscalated(ctx context.Context) ([]chat.SessionSummary, error)
	History(ctx context.Context, sessionID string, limit int) ([]chat.Message, error)
	PostMessage(ctx context.Context, sessionID, content string) (*chat.Message, error)
	Resolve(ctx context.Context, sessionID string) (*chat.Session, error)
	Export(ctx context.Context, sessionID string) (*client.Export, error)
}

type Notice struct {
	Title string
	Body  string
	Error bool
}

func (n Notice) String() string {
	if n.Body == "" {
		return n.Title
	}
	return n.Title + ": " + n.Body
}

func failure(body string) Notice {
	return Notice{Title: "Ошибка", Body: body, Error: true}
}

type Options struct {
	// OnChange is called after the list or the open conversation changed.
	OnChange func()
}

// Console is the employee side: the escalated sessions list, kept fresh by
// session change events, and at most one open conversation.
type Console struct {
	api  API
	rt   realtime.Subscriber
	opts Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// reloads are serialized so an older listing never overwrites a newer one
	reloadMu sync.Mutex

	mu       sync.Mutex
	allowed  bool
	sessions []chat.SessionSummary
	selected string
	messages []chat.Message
	notices  []Notice
	listSub  realtime.Stream
	convSub  realtime.Stream
	closed   bool
}

func New(api API, rt realtime.Subscriber, opts Options) *Console {
	ctx, cancel := context.WithCancel(context.Background())
	return &Console{api: api, rt: rt, opts: opts, ctx: ctx, cancel: cancel}
}

// Gate loads the caller's roles and lets only staff in. On success the list
// is loaded and watched.
func (c *Console) Gate(ctx context.Context) error {
	roles, err := c.api.Roles(ctx)
	if err != nil {
		return err
	}

	id := auth.Identity{Roles: roles}
	if !id.IsStaff() {
		c.notify(Notice{Title: "Доступ запрещен", Body: "У вас нет прав для просмотра этой страницы", Error: true})
		return ErrAccessDenied
	}

	c.mu.Lock()
	c.allowed = true
	c.mu.Unlock()

	if err := c.Reload(ctx); err != nil {
		return err
	}
	c.watchList()
	return nil
}

// Reload replaces the list with a fresh copy from the server.
func (c *Console) Reload(ctx context.Context) error {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	list, err := c.api.ListEscalated(ctx)
	if err != nil {
		log.Printf("[console] reload failed: %v", err)
		c.notify(failure("Не удалось загрузить чаты"))
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.sessions = list
	c.mu.Unlock()
	c.changed()
	return nil
}

// Sessions returns a copy of the current list, newest first.
func (c *Console) Sessions() []chat.SessionSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chat.SessionSummary(nil), c.sessions...)
}

func (c *Console) Selected() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// Messages returns the open conversation in ascending order.
func (c *Console) Messages() []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chat.Message(nil), c.messages...)
}

func (c *Console) TakeNotices() []Notice {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.notices
	c.notices = nil
	return out
}

// Open shows one conversation: its history plus every message inserted
// after it.
func (c *Console) Open(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.allowed {
		c.mu.Unlock()
		return ErrAccessDenied
	}
	c.mu.Unlock()

	c.leave()

	// подписка раньше истории, иначе сообщение между ними потеряется
	stream, err := c.rt.Subscribe(c.ctx, realtime.Filter{
		Table:  chat.TableMessages,
		Type:   realtime.EventInsert,
		Column: "session_id",
		Value:  sessionID,
	})
	if err != nil {
		log.Printf("[console] subscribe %s: %v", sessionID, err)
		c.notify(failure("Не удалось загрузить сообщения"))
		return err
	}

	history, err := c.api.History(ctx, sessionID, 0)
	if err != nil {
		stream.Close()
		c.notify(failure("Не удалось загрузить сообщения"))
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		stream.Close()
		return ErrClosed
	}
	c.selected = sessionID
	c.messages = history
	c.convSub = stream
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		for ev := range stream.Events() {
			c.appendEvent(sessionID, chat.MessageFromEvent(ev))
		}
	}()

	c.changed()
	return nil
}

func (c *Console) appendEvent(sessionID string, m chat.Message) {
	c.mu.Lock()
	if c.closed || c.selected != sessionID {
		c.mu.Unlock()
		return
	}
	for _, have := range c.messages {
		if have.ID == m.ID {
			c.mu.Unlock()
			return
		}
	}
	c.messages = append(c.messages, m)
	c.mu.Unlock()
	c.changed()
}

// Send writes an employee message. Nothing is appended locally, the message
// shows up through the subscription like any other.
func (c *Console) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	sessionID := c.Selected()
	if sessionID == "" {
		return ErrNoSelection
	}
	if _, err := c.api.PostMessage(ctx, sessionID, text); err != nil {
		c.notify(failure("Не удалось отправить сообщение"))
		return err
	}
	return nil
}

// Resolve closes the open conversation and goes back to a reloaded list.
func (c *Console) Resolve(ctx context.Context) error {
	sessionID := c.Selected()
	if sessionID == "" {
		return ErrNoSelection
	}
	if _, err := c.api.Resolve(ctx, sessionID); err != nil {
		c.notify(failure("Не удалось завершить чат"))
		return err
	}

	c.notify(Notice{Title: "Чат завершен", Body: "Обращение успешно закрыто"})
	c.leave()
	c.changed()
	return c.Reload(ctx)
}

// Back leaves the conversation view and reloads the list.
func (c *Console) Back(ctx context.Context) error {
	c.leave()
	c.changed()
	return c.Reload(ctx)
}

// Export fetches the transcript of the open conversation.
func (c *Console) Export(ctx context.Context) (*client.Export, error) {
	sessionID := c.Selected()
	if sessionID == "" {
		return nil, ErrNoSelection
	}
	exp, err := c.api.Export(ctx, sessionID)
	if err != nil {
		c.notify(failure("Не удалось выгрузить переписку"))
		return nil, err
	}
	return exp, nil
}

// Close releases both subscriptions; nothing changes after it returns.
func (c *Console) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	list, conv := c.listSub, c.convSub
	c.listSub, c.convSub = nil, nil
	c.mu.Unlock()

	c.cancel()
	if list != nil {
		list.Close()
	}
	if conv != nil {
		conv.Close()
	}
	c.wg.Wait()
}

func (c *Console) leave() {
	c.mu.Lock()
	conv := c.convSub
	c.convSub = nil
	c.selected = ""
	c.messages = nil
	c.mu.Unlock()

	if conv != nil {
		conv.Close()
	}
}

// watchList reloads the whole list on any insert or update of a session.
func (c *Console) watchList() {
	stream, err := c.rt.Subscribe(c.ctx, realtime.Filter{Table: chat.TableSessions})
	if err != nil {
		log.Printf("[console] subscribe sessions: %v", err)
		return
	}

	c.mu.Lock()
	if c.closed || c.listSub != nil {
		c.mu.Unlock()
		stream.Close()
		return
	}
	c.listSub = stream
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		for range stream.Events() {
			if err := c.Reload(c.ctx); err != nil && !errors.Is(err, ErrClosed) {
				log.Printf("[console] live reload: %v", err)
			}
		}
	}()
}

func (c *Console) notify(n Notice) {
	c.mu.Lock()
	c.notices = append(c.notices, n)
	c.mu.Unlock()
	c.changed()
}

func (c *Console) changed() {
	if c.opts.OnChange != nil {
		c.opts.OnChange()
	}
}
