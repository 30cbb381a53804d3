package chat

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// repo works on both lib/pq and go-sqlite3: placeholders are $N in order of
// appearance and ids/timestamps come from Go, never from column defaults.
type repo struct {
	db *sql.DB

	mu   sync.Mutex
	last time.Time
}

func NewRepo(db *sql.DB) Repo {
	return &repo{db: db}
}

// now is strictly increasing at microsecond precision (what timestamptz
// keeps) so created_at order is insertion order within this process.
func (r *repo) now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := time.Now().UTC().Truncate(time.Microsecond)
	if !t.After(r.last) {
		t = r.last.Add(time.Microsecond)
	}
	r.last = t
	return t
}

func (r *repo) CreateSession(ctx context.Context, userID string) (*Session, error) {
	s := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    StatusActive,
		CreatedAt: r.now(),
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, user_id, status, escalated_to_employee, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, s.ID, s.UserID, string(s.Status), s.Escalated, s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *repo) GetSession(ctx context.Context, id string) (*Session, error) {
	// postgres rejects malformed uuids with a syntax error
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, status, escalated_to_employee, created_at
		FROM chat_sessions
		WHERE id = $1
	`, id)

	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

func (r *repo) UpdateSession(ctx context.Context, s *Session) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE chat_sessions
		SET status = $1, escalated_to_employee = $2
		WHERE id = $3
	`, string(s.Status), s.Escalated, s.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repo) ListEscalated(ctx context.Context) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, status, escalated_to_employee, created_at
		FROM chat_sessions
		WHERE escalated_to_employee = $1
		ORDER BY created_at DESC
	`, true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *repo) SaveMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, session_id, user_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		msg.ID,
		msg.SessionID,
		msg.UserID,
		string(msg.Role),
		msg.Content,
		msg.CreatedAt,
	)
	return err
}

func (r *repo) GetHistory(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, `
			SELECT id, session_id, user_id, role, content, created_at
			FROM chat_messages
			WHERE session_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		`, sessionID, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT id, session_id, user_id, role, content, created_at
			FROM chat_messages
			WHERE session_id = $1
			ORDER BY created_at ASC
		`, sessionID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if limit > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (r *repo) LastMessage(ctx context.Context, sessionID string) (*Message, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, session_id, user_id, role, content, created_at
		FROM chat_messages
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, sessionID)

	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func (r *repo) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var (
		p              Profile
		fullName, mail sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, full_name, email
		FROM profiles
		WHERE id = $1
	`, userID).Scan(&p.ID, &fullName, &mail)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.FullName = fullName.String
	p.Email = mail.String
	return &p, nil
}

func (r *repo) GetRoles(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT role
		FROM user_roles
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		s      Session
		status string
	)
	if err := row.Scan(&s.ID, &s.UserID, &status, &s.Escalated, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.Status = Status(status)
	s.CreatedAt = s.CreatedAt.UTC()
	return &s, nil
}

func scanMessage(row scanner) (*Message, error) {
	var (
		m    Message
		role string
	)
	if err := row.Scan(&m.ID, &m.SessionID, &m.UserID, &role, &m.Content, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Role = Role(role)
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}
