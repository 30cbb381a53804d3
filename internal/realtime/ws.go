package realtime

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Vovarama1992/storefront-support/internal/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Frame is the JSON envelope exchanged over /realtime.
//
//	client: {"type":"subscribe","ref":"1","filter":{...}} | {"type":"unsubscribe","ref":"1"}
//	server: subscribed | event | error | closed, echoing ref
type Frame struct {
	Type   string       `json:"type"`
	Ref    string       `json:"ref,omitempty"`
	Filter *Filter      `json:"filter,omitempty"`
	Event  *ChangeEvent `json:"event,omitempty"`
	Error  string       `json:"error,omitempty"`
}

const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameSubscribed  = "subscribed"
	FrameEvent       = "event"
	FrameError       = "error"
	FrameClosed      = "closed"
)

// Authorizer decides whether caller may receive events matching f. It is
// the row-level read policy applied to subscriptions.
type Authorizer interface {
	AuthorizeFilter(ctx context.Context, caller auth.Identity, f Filter) error
}

type WSHandler struct {
	subs     Subscriber
	authn    *auth.Authenticator
	authz    Authorizer
	upgrader websocket.Upgrader
}

func NewWSHandler(subs Subscriber, authn *auth.Authenticator, authz Authorizer) *WSHandler {
	return &WSHandler{
		subs:  subs,
		authn: authn,
		authz: authz,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// CORS is open for the REST API as well
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := h.authn.Authenticate(r)
	if err != nil {
		log.Printf("[realtime] reject connection: %v", err)
		status := auth.FailureStatus(err)
		http.Error(w, http.StatusText(status), status)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[realtime] upgrade error: %v", err)
		return
	}

	c := &wsConn{
		h:          h,
		conn:       conn,
		caller:     id,
		send:       make(chan Frame, 64),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		streams:    make(map[string]Stream),
	}
	go c.writePump()
	c.readPump()
}

type wsConn struct {
	h      *WSHandler
	conn   *websocket.Conn
	caller auth.Identity

	send       chan Frame
	done       chan struct{}
	writerDone chan struct{}

	mu      sync.Mutex
	streams map[string]Stream
	wg      sync.WaitGroup
}

func (c *wsConn) readPump() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		close(c.done)
		c.closeAll()
		c.wg.Wait()
		close(c.send)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[realtime] read error (user %s): %v", c.caller.UserID, err)
			}
			return
		}

		switch f.Type {
		case FrameSubscribe:
			c.subscribe(ctx, f)
		case FrameUnsubscribe:
			c.unsubscribe(f.Ref)
		default:
			c.push(Frame{Type: FrameError, Ref: f.Ref, Error: "unknown frame type " + f.Type})
		}
	}
}

func (c *wsConn) subscribe(ctx context.Context, f Frame) {
	if f.Ref == "" || f.Filter == nil || f.Filter.Table == "" {
		c.push(Frame{Type: FrameError, Ref: f.Ref, Error: "subscribe needs ref and filter.table"})
		return
	}
	if err := c.h.authz.AuthorizeFilter(ctx, c.caller, *f.Filter); err != nil {
		log.Printf("[realtime] user %s denied %s: %v", c.caller.UserID, f.Filter, err)
		c.push(Frame{Type: FrameError, Ref: f.Ref, Error: err.Error()})
		return
	}

	stream, err := c.h.subs.Subscribe(ctx, *f.Filter)
	if err != nil {
		c.push(Frame{Type: FrameError, Ref: f.Ref, Error: err.Error()})
		return
	}

	c.mu.Lock()
	if old, ok := c.streams[f.Ref]; ok {
		old.Close()
	}
	c.streams[f.Ref] = stream
	c.mu.Unlock()

	c.push(Frame{Type: FrameSubscribed, Ref: f.Ref, Filter: f.Filter})

	c.wg.Add(1)
	go c.forward(f.Ref, stream)
}

func (c *wsConn) forward(ref string, stream Stream) {
	defer c.wg.Done()

	for ev := range stream.Events() {
		select {
		case c.send <- Frame{Type: FrameEvent, Ref: ref, Event: &ev}:
		case <-c.done:
			return
		case <-c.writerDone:
			return
		}
	}

	// the hub dropped us (slow consumer) rather than an unsubscribe
	c.mu.Lock()
	dropped := c.streams[ref] == stream
	if dropped {
		delete(c.streams, ref)
	}
	c.mu.Unlock()
	if dropped {
		c.push(Frame{Type: FrameClosed, Ref: ref})
	}
}

func (c *wsConn) unsubscribe(ref string) {
	c.mu.Lock()
	stream, ok := c.streams[ref]
	delete(c.streams, ref)
	c.mu.Unlock()

	if ok {
		stream.Close()
	}
}

func (c *wsConn) closeAll() {
	c.mu.Lock()
	streams := c.streams
	c.streams = make(map[string]Stream)
	c.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
}

func (c *wsConn) push(f Frame) {
	select {
	case c.send <- f:
	case <-c.done:
	case <-c.writerDone:
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.writerDone)
		c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(f); err != nil {
				log.Printf("[realtime] write error (user %s): %v", c.caller.UserID, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
