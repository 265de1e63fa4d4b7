package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/voxdesk/internal/model"
)

const (
	defaultSessionLimit = 100
	maxSessionLimit     = 1000
)

// CreateSession inserts a session. A missing id is generated and a zero
// StartedAt becomes the current time. Returns ErrNotFound when AgentID names
// an agent that does not exist.
func (db *DB) CreateSession(ctx context.Context, s model.Session) (model.Session, error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now().UTC()
	}

	row := db.pool.QueryRow(ctx,
		`INSERT INTO sessions (id, agent_id, user_id, started_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, agent_id, user_id, started_at`,
		s.ID, s.AgentID, s.UserID, s.StartedAt,
	)
	out, err := scanSession(row)
	if err != nil {
		if isForeignKeyViolation(err) {
			return model.Session{}, fmt.Errorf("storage: create session: agent: %w", ErrNotFound)
		}
		if isUniqueViolation(err) {
			return model.Session{}, fmt.Errorf("storage: create session %s: %w", s.ID, ErrConflict)
		}
		return model.Session{}, fmt.Errorf("storage: create session: %w", err)
	}
	return out, nil
}

// GetSession returns the session with the given id.
func (db *DB) GetSession(ctx context.Context, id string) (model.Session, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, agent_id, user_id, started_at FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Session{}, fmt.Errorf("storage: session %s: %w", id, ErrNotFound)
		}
		return model.Session{}, fmt.Errorf("storage: get session: %w", err)
	}
	return s, nil
}

// ListSessions returns sessions newest first, ties broken by id.
// An empty UserID or AgentID in the filter matches every row.
func (db *DB) ListSessions(ctx context.Context, f model.SessionFilter) ([]model.Session, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultSessionLimit
	}
	if limit > maxSessionLimit {
		limit = maxSessionLimit
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, user_id, started_at FROM sessions
		 WHERE ($1::text = '' OR user_id = $1::text)
		   AND ($2::text = '' OR agent_id = $2::text)
		 ORDER BY started_at DESC, id
		 LIMIT $3`,
		f.UserID, f.AgentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []model.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func scanSession(row pgx.Row) (model.Session, error) {
	var s model.Session
	err := row.Scan(&s.ID, &s.AgentID, &s.UserID, &s.StartedAt)
	return s, err
}
