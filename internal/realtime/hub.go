package realtime

import (
	"context"
	"log"
	"sync"
)

// Hub fans change events out to in-process subscriptions. Subscriptions are
// grouped by table so a publish only walks the listeners that can match.
type Hub struct {
	mu     sync.RWMutex
	tables map[string]map[*Subscription]bool
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		tables: make(map[string]map[*Subscription]bool),
		buffer: buffer,
	}
}

// Subscription is a Hub listener.
type Subscription struct {
	hub    *Hub
	filter Filter
	ch     chan ChangeEvent
	once   sync.Once
}

func (s *Subscription) Events() <-chan ChangeEvent { return s.ch }

func (s *Subscription) Filter() Filter { return s.filter }

// Close unregisters the subscription and discards anything still buffered.
func (s *Subscription) Close() error {
	s.hub.remove(s)
	for range s.ch {
	}
	return nil
}

func (h *Hub) Subscribe(_ context.Context, f Filter) (Stream, error) {
	s := &Subscription{
		hub:    h,
		filter: f,
		ch:     make(chan ChangeEvent, h.buffer),
	}

	h.mu.Lock()
	if h.tables[f.Table] == nil {
		h.tables[f.Table] = make(map[*Subscription]bool)
	}
	h.tables[f.Table][s] = true
	h.mu.Unlock()

	return s, nil
}

// Publish never blocks: a subscription whose buffer is full is dropped and
// its channel closed, the consumer sees the close and may resubscribe.
func (h *Hub) Publish(_ context.Context, ev ChangeEvent) error {
	var slow []*Subscription

	h.mu.RLock()
	for s := range h.tables[ev.Table] {
		if !s.filter.Match(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		log.Printf("[realtime] dropping slow subscriber on %s", s.filter)
		h.remove(s)
	}
	return nil
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, subs := range h.tables {
		n += len(subs)
	}
	return n
}

// remove unregisters s and closes its channel once.
func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.tables[s.filter.Table]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.tables, s.filter.Table)
		}
	}

	s.once.Do(func() { close(s.ch) })
}
