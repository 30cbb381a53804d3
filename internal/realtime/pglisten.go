package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
)

// PGChannel is the NOTIFY channel the chat table triggers write to.
const PGChannel = "chat_changes"

// PGRelay listens for row change notifications emitted by the store itself
// (see the notify_chat_change trigger) and forwards them into a Hub.
type PGRelay struct {
	dsn string
	hub *Hub
}

func NewPGRelay(dsn string, hub *Hub) *PGRelay {
	return &PGRelay{dsn: dsn, hub: hub}
}

func (p *PGRelay) Run(ctx context.Context) error {
	listener := pq.NewListener(p.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Printf("[realtime] pq listener event %d: %v", ev, err)
		}
	})
	defer listener.Close()

	if err := listener.Listen(PGChannel); err != nil {
		return fmt.Errorf("listen %s: %w", PGChannel, err)
	}
	log.Printf("[realtime] listening on postgres channel %s", PGChannel)

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			// nil after a reconnect; events in between are lost
			if n == nil {
				continue
			}
			p.relay(ctx, n.Extra)
		case <-time.After(90 * time.Second):
			go listener.Ping()
		}
	}
}

func (p *PGRelay) relay(ctx context.Context, payload string) {
	var ev ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		log.Printf("[realtime] bad notify payload: %v", err)
		return
	}
	_ = p.hub.Publish(ctx, ev)
}
