package widget

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/Vovarama1992/storefront-support/internal/bot"
	"github.com/Vovarama1992/storefront-support/internal/chat"
	"github.com/Vovarama1992/storefront-support/internal/realtime"
)

type State string

const (
	StateCollapsed     State = "collapsed"
	StateOpenBot       State = "open-bot"
	StateOpenEscalated State = "open-escalated"
	StateOpenResolved  State = "open-resolved"
)

var (
	ErrNoSession     = errors.New("no session yet")
	ErrInputDisabled = errors.New("input is disabled")
	ErrClosed        = errors.New("widget closed")
)

type BotAPI interface {
	Ask(ctx context.Context, req bot.Request) (*bot.Response, error)
}

type StoreAPI interface {
	Session(ctx context.Context, sessionID string) (*chat.Session, error)
	Escalate(ctx context.Context, sessionID string) (*chat.Session, error)
	History(ctx context.Context, sessionID string, limit int) ([]chat.Message, error)
	PostMessage(ctx context.Context, sessionID, content string) (*chat.Message, error)
}

// Notice is a toast shown to the customer.
type Notice struct {
	Title string
	Body  string
	Error bool
}

var (
	noticeEscalated = Notice{Title: "Запрос отправлен", Body: "Ожидайте подключения сотрудника"}
	noticeResolved  = Notice{Title: "Чат завершен", Body: "Сотрудник завершил обращение"}
)

// resubscribeDelay is the pause before a lost subscription is reopened.
var resubscribeDelay = 2 * time.Second

type Options struct {
	// UserID is the signed in customer; own rows echoed back are ignored.
	UserID string
	// DisableInputOnResolve blocks Send once the session is resolved.
	DisableInputOnResolve bool
	// OnChange is called after every visible change, outside the lock.
	OnChange func()
}

type phase int

const (
	phaseBot phase = iota
	phaseEscalated
	phaseResolved
)

// Widget is the customer chat: a bot conversation that can be handed over
// to an employee and followed live.
type Widget struct {
	bot   BotAPI
	store StoreAPI
	rt    realtime.Subscriber
	opts  Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu               sync.Mutex
	open             bool
	phase            phase
	sessionID        string
	transcript       []chat.Message
	waiting          bool
	offerHuman       bool
	resolvedNotified bool
	notices          []Notice
	streams          map[string]realtime.Stream
	closed           bool
}

func New(botAPI BotAPI, store StoreAPI, rt realtime.Subscriber, opts Options) *Widget {
	ctx, cancel := context.WithCancel(context.Background())
	return &Widget{
		bot:     botAPI,
		store:   store,
		rt:      rt,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[string]realtime.Stream),
	}
}

func (w *Widget) Open() {
	w.mu.Lock()
	w.open = true
	w.mu.Unlock()
	w.changed()
}

func (w *Widget) Collapse() {
	w.mu.Lock()
	w.open = false
	w.mu.Unlock()
	w.changed()
}

func (w *Widget) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stateLocked()
}

func (w *Widget) stateLocked() State {
	if !w.open {
		return StateCollapsed
	}
	switch w.phase {
	case phaseEscalated:
		return StateOpenEscalated
	case phaseResolved:
		return StateOpenResolved
	default:
		return StateOpenBot
	}
}

func (w *Widget) SessionID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionID
}

// Transcript returns a copy of the local message cache.
func (w *Widget) Transcript() []chat.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]chat.Message(nil), w.transcript...)
}

// Waiting reports whether an employee has not answered yet.
func (w *Widget) Waiting() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.waiting
}

// OfferHuman is the hint raised by a bot reply that suggests an employee.
func (w *Widget) OfferHuman() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offerHuman
}

// CanEscalate mirrors the "contact an employee" button visibility.
func (w *Widget) CanEscalate() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase == phaseBot && len(w.transcript) > 0 && w.sessionID != ""
}

// TakeNotices returns pending notices and clears them.
func (w *Widget) TakeNotices() []Notice {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.notices
	w.notices = nil
	return out
}

// Send appends the customer message right away, then delivers it to the
// bot or, after escalation, straight into the session.
func (w *Widget) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	w.mu.Lock()
	switch {
	case w.closed:
		w.mu.Unlock()
		return ErrClosed
	case w.waiting:
		w.mu.Unlock()
		return ErrInputDisabled
	case w.phase == phaseResolved && w.opts.DisableInputOnResolve:
		w.mu.Unlock()
		return ErrInputDisabled
	}
	w.open = true
	ph, sessionID := w.phase, w.sessionID
	w.transcript = append(w.transcript, chat.Message{
		SessionID: sessionID,
		UserID:    w.opts.UserID,
		Role:      chat.RoleCustomer,
		Content:   text,
		CreatedAt: time.Now().UTC(),
	})
	w.mu.Unlock()
	w.changed()

	if ph != phaseBot {
		if _, err := w.store.PostMessage(ctx, sessionID, text); err != nil {
			w.fail(err)
			return err
		}
		return nil
	}

	resp, err := w.bot.Ask(ctx, bot.Request{Message: text, SessionID: sessionID})
	if err != nil {
		w.fail(err)
		return err
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	newSession := resp.SessionID != "" && resp.SessionID != w.sessionID
	if newSession {
		w.sessionID = resp.SessionID
	}
	if resp.Message != "" {
		w.transcript = append(w.transcript, chat.Message{
			SessionID: w.sessionID,
			Role:      chat.RoleBot,
			Content:   resp.Message,
			CreatedAt: time.Now().UTC(),
		})
	}
	w.offerHuman = resp.NeedEscalation
	w.mu.Unlock()

	if newSession {
		w.watchSession()
		w.watchMessages()
	}
	w.changed()
	return nil
}

// Escalate asks for an employee. Needs a session from at least one bot turn.
func (w *Widget) Escalate(ctx context.Context) error {
	w.mu.Lock()
	sessionID, ph, closed := w.sessionID, w.phase, w.closed
	w.mu.Unlock()

	switch {
	case closed:
		return ErrClosed
	case sessionID == "":
		return ErrNoSession
	case ph != phaseBot:
		return nil
	}

	// подписка раньше эскалации, иначе первый ответ сотрудника можно пропустить
	w.watchMessages()
	if _, err := w.store.Escalate(ctx, sessionID); err != nil {
		w.mu.Lock()
		w.notices = append(w.notices, Notice{Title: "Ошибка", Body: "Не удалось связаться с сотрудником", Error: true})
		w.mu.Unlock()
		w.changed()
		return err
	}

	w.mu.Lock()
	w.enterEscalatedLocked()
	w.notices = append(w.notices, noticeEscalated)
	w.mu.Unlock()

	w.changed()
	return nil
}

func (w *Widget) enterEscalatedLocked() {
	if w.phase != phaseBot {
		return
	}
	w.phase = phaseEscalated
	w.waiting = !w.employeeRepliedLocked()
	w.offerHuman = false
}

func (w *Widget) employeeRepliedLocked() bool {
	for _, m := range w.transcript {
		if m.Role == chat.RoleEmployee {
			return true
		}
	}
	return false
}

// Close releases every subscription. No event is applied after it returns.
func (w *Widget) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	streams := w.streams
	w.streams = make(map[string]realtime.Stream)
	w.mu.Unlock()

	w.cancel()
	for _, s := range streams {
		if s != nil {
			s.Close()
		}
	}
	w.wg.Wait()
}

func (w *Widget) fail(err error) {
	log.Printf("[widget] send failed: %v", err)
	body := err.Error()
	var apiErr interface{ UserMessage() string }
	if errors.As(err, &apiErr) {
		body = apiErr.UserMessage()
	}
	if body == "" {
		body = "Не удалось отправить сообщение"
	}

	w.mu.Lock()
	w.notices = append(w.notices, Notice{Title: "Ошибка", Body: body, Error: true})
	w.mu.Unlock()
	w.changed()
}

func (w *Widget) changed() {
	if w.opts.OnChange != nil {
		w.opts.OnChange()
	}
}

// feed is one live subscription of the widget. resync reloads whatever
// may have been missed while the subscription was down.
type feed struct {
	key    string
	filter realtime.Filter
	apply  func(realtime.ChangeEvent)
	resync func(ctx context.Context) error
}

// watchSession follows updates of the current session; an escalation made
// elsewhere or a resolution shows up here.
func (w *Widget) watchSession() {
	w.watch(feed{
		key: "session",
		filter: realtime.Filter{
			Table:  chat.TableSessions,
			Type:   realtime.EventUpdate,
			Column: "id",
			Value:  w.SessionID(),
		},
		apply:  w.onSessionEvent,
		resync: w.resyncSession,
	})
}

func (w *Widget) watchMessages() {
	w.watch(feed{
		key: "messages",
		filter: realtime.Filter{
			Table:  chat.TableMessages,
			Type:   realtime.EventInsert,
			Column: "session_id",
			Value:  w.SessionID(),
		},
		apply:  w.onMessageEvent,
		resync: w.resyncMessages,
	})
}

// watch subscribes once; a failed attempt is retried in the background.
func (w *Widget) watch(wt feed) {
	err := w.subscribe(wt)
	if err == nil || errors.Is(err, ErrClosed) {
		return
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		w.resubscribe(wt)
	}()
}

// subscribe is a no-op when the key is already subscribed.
func (w *Widget) subscribe(wt feed) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	if _, ok := w.streams[wt.key]; ok {
		w.mu.Unlock()
		return nil
	}
	w.streams[wt.key] = nil // занято, подписка в процессе
	w.mu.Unlock()

	stream, err := w.rt.Subscribe(w.ctx, wt.filter)
	if err != nil {
		log.Printf("[widget] subscribe %s: %v", wt.filter, err)
		w.mu.Lock()
		delete(w.streams, wt.key)
		w.mu.Unlock()
		return err
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		stream.Close()
		return ErrClosed
	}
	w.streams[wt.key] = stream
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		for ev := range stream.Events() {
			wt.apply(ev)
		}
		w.streamEnded(wt, stream)
	}()
	return nil
}

// streamEnded handles a stream that stopped without Close: the websocket
// dropped or the hub cut off a slow reader.
func (w *Widget) streamEnded(wt feed, stream realtime.Stream) {
	w.mu.Lock()
	if w.closed || w.streams[wt.key] != stream {
		w.mu.Unlock()
		return
	}
	delete(w.streams, wt.key)
	w.mu.Unlock()

	stream.Close()
	log.Printf("[widget] %s stream ended, resubscribing", wt.filter)
	w.resubscribe(wt)
}

func (w *Widget) resubscribe(wt feed) {
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-time.After(resubscribeDelay):
		}
		err := w.subscribe(wt)
		if errors.Is(err, ErrClosed) {
			return
		}
		if err == nil {
			break
		}
	}

	for {
		err := wt.resync(w.ctx)
		if err == nil || w.ctx.Err() != nil {
			return
		}
		log.Printf("[widget] resync %s: %v", wt.filter, err)
		select {
		case <-w.ctx.Done():
			return
		case <-time.After(resubscribeDelay):
		}
	}
}

func (w *Widget) resyncMessages(ctx context.Context) error {
	msgs, err := w.store.History(ctx, w.SessionID(), 0)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		w.applyMessage(m)
	}
	return nil
}

func (w *Widget) resyncSession(ctx context.Context) error {
	s, err := w.store.Session(ctx, w.SessionID())
	if err != nil {
		return err
	}
	w.applySession(*s)
	return nil
}

func (w *Widget) onMessageEvent(ev realtime.ChangeEvent) {
	w.applyMessage(chat.MessageFromEvent(ev))
}

// applyMessage adds an employee reply once; rows are matched by id.
func (w *Widget) applyMessage(m chat.Message) {
	if m.Role != chat.RoleEmployee || m.UserID == w.opts.UserID {
		return
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	if m.ID != "" {
		for _, seen := range w.transcript {
			if seen.ID == m.ID {
				w.mu.Unlock()
				return
			}
		}
	}
	w.transcript = append(w.transcript, m)
	w.waiting = false
	w.mu.Unlock()
	w.changed()
}

func (w *Widget) onSessionEvent(ev realtime.ChangeEvent) {
	w.applySession(chat.SessionFromEvent(ev))
}

func (w *Widget) applySession(s chat.Session) {
	w.mu.Lock()
	if w.closed || s.ID != w.sessionID {
		w.mu.Unlock()
		return
	}

	escalatedElsewhere := false
	if s.Escalated && w.phase == phaseBot {
		w.enterEscalatedLocked()
		escalatedElsewhere = true
	}
	if s.Status == chat.StatusResolved && w.phase != phaseResolved {
		w.phase = phaseResolved
		w.waiting = false
		if !w.resolvedNotified {
			w.resolvedNotified = true
			w.notices = append(w.notices, noticeResolved)
		}
	}
	w.mu.Unlock()

	if escalatedElsewhere {
		w.watchMessages()
	}
	w.changed()
}

func (n Notice) String() string {
	if n.Body == "" {
		return n.Title
	}
	return fmt.Sprintf("%s: %s", n.Title, n.Body)
}
