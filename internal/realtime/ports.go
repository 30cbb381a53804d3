package realtime

import (
	"context"
	"fmt"
	"time"
)

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
)

// ChangeEvent is one inserted or updated row. Record carries the row as it
// is after the change, keyed by column name.
type ChangeEvent struct {
	Table           string         `json:"table"`
	Type            EventType      `json:"type"`
	Record          map[string]any `json:"record"`
	CommitTimestamp time.Time      `json:"commit_timestamp"`
}

// String returns the record column as text ("" when absent).
func (e ChangeEvent) String(column string) string {
	v, ok := e.Record[column]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Bool returns the record column as a boolean.
func (e ChangeEvent) Bool(column string) bool {
	switch v := e.Record[column].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "t"
	case float64:
		return v != 0
	case int64:
		return v != 0
	}
	return false
}

// Filter selects events by table, optional event type and an optional
// column equality. Empty Type matches both inserts and updates.
type Filter struct {
	Table  string    `json:"table"`
	Type   EventType `json:"event,omitempty"`
	Column string    `json:"column,omitempty"`
	Value  string    `json:"value,omitempty"`
}

func (f Filter) Match(ev ChangeEvent) bool {
	if f.Table != ev.Table {
		return false
	}
	if f.Type != "" && f.Type != ev.Type {
		return false
	}
	if f.Column == "" {
		return true
	}
	return ev.String(f.Column) == f.Value
}

func (f Filter) String() string {
	s := f.Table
	if f.Type != "" {
		s += ":" + string(f.Type)
	}
	if f.Column != "" {
		s += " " + f.Column + "=eq." + f.Value
	}
	return s
}

type Publisher interface {
	Publish(ctx context.Context, ev ChangeEvent) error
}

// Stream delivers events until Close. After Close returns no further event
// is readable from Events.
type Stream interface {
	Events() <-chan ChangeEvent
	Close() error
}

type Subscriber interface {
	Subscribe(ctx context.Context, f Filter) (Stream, error)
}
