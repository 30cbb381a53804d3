package chat

import (
	"context"
	"log"
	"time"

	"github.com/Vovarama1992/storefront-support/internal/realtime"
)

// PublishingRepo emits a change event after every successful write. It is
// used when the database itself does not notify (sqlite, or NOTIFIER=redis
// and NOTIFIER=memory on postgres).
type PublishingRepo struct {
	Repo
	pub realtime.Publisher
}

func NewPublishingRepo(inner Repo, pub realtime.Publisher) *PublishingRepo {
	return &PublishingRepo{Repo: inner, pub: pub}
}

func (p *PublishingRepo) CreateSession(ctx context.Context, userID string) (*Session, error) {
	s, err := p.Repo.CreateSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	p.publish(ctx, TableSessions, realtime.EventInsert, SessionRecord(s))
	return s, nil
}

func (p *PublishingRepo) UpdateSession(ctx context.Context, s *Session) error {
	if err := p.Repo.UpdateSession(ctx, s); err != nil {
		return err
	}
	p.publish(ctx, TableSessions, realtime.EventUpdate, SessionRecord(s))
	return nil
}

func (p *PublishingRepo) SaveMessage(ctx context.Context, msg *Message) error {
	if err := p.Repo.SaveMessage(ctx, msg); err != nil {
		return err
	}
	p.publish(ctx, TableMessages, realtime.EventInsert, MessageRecord(msg))
	return nil
}

// publish failures are logged only: the row is already committed.
func (p *PublishingRepo) publish(ctx context.Context, table string, typ realtime.EventType, rec map[string]any) {
	ev := realtime.ChangeEvent{
		Table:           table,
		Type:            typ,
		Record:          rec,
		CommitTimestamp: time.Now().UTC(),
	}
	if err := p.pub.Publish(ctx, ev); err != nil {
		log.Printf("[chat] publish %s %s failed: %v", typ, table, err)
	}
}

// SessionRecord renders s the way row_to_json renders a chat_sessions row.
func SessionRecord(s *Session) map[string]any {
	return map[string]any{
		"id":                    s.ID,
		"user_id":               s.UserID,
		"status":                string(s.Status),
		"escalated_to_employee": s.Escalated,
		"created_at":            s.CreatedAt.Format(time.RFC3339Nano),
	}
}

func MessageRecord(m *Message) map[string]any {
	return map[string]any{
		"id":         m.ID,
		"session_id": m.SessionID,
		"user_id":    m.UserID,
		"role":       string(m.Role),
		"content":    m.Content,
		"created_at": m.CreatedAt.Format(time.RFC3339Nano),
	}
}

func SessionFromEvent(ev realtime.ChangeEvent) Session {
	return Session{
		ID:        ev.String("id"),
		UserID:    ev.String("user_id"),
		Status:    Status(ev.String("status")),
		Escalated: ev.Bool("escalated_to_employee"),
		CreatedAt: eventTime(ev, "created_at"),
	}
}

func MessageFromEvent(ev realtime.ChangeEvent) Message {
	return Message{
		ID:        ev.String("id"),
		SessionID: ev.String("session_id"),
		UserID:    ev.String("user_id"),
		Role:      Role(ev.String("role")),
		Content:   ev.String("content"),
		CreatedAt: eventTime(ev, "created_at"),
	}
}

// postgres renders timestamptz without the "T" in some settings.
var eventTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999-07",
}

func eventTime(ev realtime.ChangeEvent, column string) time.Time {
	raw := ev.String(column)
	for _, layout := range eventTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
