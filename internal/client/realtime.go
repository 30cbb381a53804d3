package client

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Vovarama1992/storefront-support/internal/realtime"
)

// Subscribe opens a dedicated /realtime connection for f and waits for the
// server to acknowledge it. The stream ends when ctx is cancelled, on Close,
// or when the server drops the subscription.
func (c *Client) Subscribe(ctx context.Context, f realtime.Filter) (realtime.Stream, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/realtime"

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, &APIError{Status: resp.StatusCode, Message: resp.Status}
		}
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	const ref = "1"
	if err := conn.WriteJSON(realtime.Frame{Type: realtime.FrameSubscribe, Ref: ref, Filter: &f}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send subscribe: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var ack realtime.Frame
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read subscribe ack: %w", err)
	}
	if ack.Type != realtime.FrameSubscribed {
		conn.Close()
		return nil, fmt.Errorf("subscribe %s rejected: %s", f, ack.Error)
	}
	conn.SetReadDeadline(time.Time{})

	s := &wsStream{
		conn:       conn,
		filter:     f,
		ch:         make(chan realtime.ChangeEvent, 64),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	go s.read()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

type wsStream struct {
	conn   *websocket.Conn
	filter realtime.Filter

	ch         chan realtime.ChangeEvent
	done       chan struct{}
	readerDone chan struct{}
	once       sync.Once
}

func (s *wsStream) Events() <-chan realtime.ChangeEvent { return s.ch }

func (s *wsStream) read() {
	defer close(s.readerDone)
	defer close(s.ch)

	for {
		var f realtime.Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			select {
			case <-s.done:
			default:
				log.Printf("[realtime] %s: connection lost: %v", s.filter, err)
			}
			return
		}

		switch f.Type {
		case realtime.FrameEvent:
			if f.Event == nil {
				continue
			}
			select {
			case s.ch <- *f.Event:
			case <-s.done:
				return
			}
		case realtime.FrameClosed, realtime.FrameError:
			log.Printf("[realtime] %s: server ended subscription %s", s.filter, f.Error)
			return
		}
	}
}

// Close is idempotent. Once it returns nothing more is readable from Events.
func (s *wsStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.conn.Close()
	})
	<-s.readerDone
	for range s.ch {
	}
	return nil
}
