package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/voxdesk/internal/model"
)

// LogEvent appends an event to a session in a single statement. The session
// row is created on first sight, owned by userID when it is non-empty. A
// session owned by a different user is reported as ErrNotFound.
//
// Event ids are caller-supplied, so a retried POST replays the same id. A
// replay whose content matches the stored row succeeds and returns the stored
// event; the same id with different content returns ErrConflict.
func (db *DB) LogEvent(ctx context.Context, userID, sessionID string, in model.EventInput, receivedAt time.Time) (model.Event, error) {
	data, err := model.SerializeEventData(in.EventData)
	if err != nil {
		return model.Event{}, fmt.Errorf("storage: log event: %w", err)
	}
	receivedAt = receivedAt.UTC()

	// The statement snapshot does not see rows written by its own CTEs, so the
	// fresh insert is read back from ins and a replay from events.
	var (
		createdAt *time.Time
		foreign   bool
	)
	err = db.pool.QueryRow(ctx,
		`WITH owner AS (
		   SELECT EXISTS (
		     SELECT 1 FROM sessions
		     WHERE id = $2 AND $7::text <> '' AND user_id IS NOT NULL AND user_id <> $7::text
		   ) AS is_foreign
		 ), s AS (
		   INSERT INTO sessions (id, user_id, started_at)
		   VALUES ($2, NULLIF($7::text, ''), $6)
		   ON CONFLICT (id) DO NOTHING
		 ), ins AS (
		   INSERT INTO events (id, session_id, direction, event_name, event_data, created_at)
		   SELECT $1::text, $2::text, $3::text, $4::text, $5::text, $6::timestamptz FROM owner WHERE NOT owner.is_foreign
		   ON CONFLICT (id) DO NOTHING
		   RETURNING created_at
		 )
		 SELECT COALESCE(
		   (SELECT created_at FROM ins),
		   (SELECT created_at FROM events
		     WHERE id = $1 AND session_id = $2 AND direction = $3
		       AND event_name = $4 AND event_data = $5)
		 ), (SELECT is_foreign FROM owner)`,
		in.ID, sessionID, string(in.Direction), in.EventName, data, receivedAt, userID,
	).Scan(&createdAt, &foreign)
	if err != nil {
		return model.Event{}, fmt.Errorf("storage: log event: %w", err)
	}
	if foreign {
		return model.Event{}, fmt.Errorf("storage: session %s: %w", sessionID, ErrNotFound)
	}
	if createdAt == nil {
		// A concurrent writer of the same id commits after this statement's
		// snapshot; a fresh read tells an identical replay from a conflict.
		createdAt, err = db.matchingEventTime(ctx, sessionID, in, data)
		if err != nil {
			return model.Event{}, err
		}
		if createdAt == nil {
			return model.Event{}, fmt.Errorf("storage: event %s: %w", in.ID, ErrConflict)
		}
	}

	return model.Event{
		ID:        in.ID,
		SessionID: sessionID,
		Direction: in.Direction,
		EventName: in.EventName,
		EventData: data,
		CreatedAt: *createdAt,
	}, nil
}

func (db *DB) matchingEventTime(ctx context.Context, sessionID string, in model.EventInput, data string) (*time.Time, error) {
	var createdAt time.Time
	err := db.pool.QueryRow(ctx,
		`SELECT created_at FROM events
		 WHERE id = $1 AND session_id = $2 AND direction = $3
		   AND event_name = $4 AND event_data = $5`,
		in.ID, sessionID, string(in.Direction), in.EventName, data,
	).Scan(&createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read back event: %w", err)
	}
	return &createdAt, nil
}

// ListSessionEvents returns a session's events in arrival order.
func (db *DB) ListSessionEvents(ctx context.Context, sessionID string) ([]model.Event, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, session_id, direction, event_name, event_data, created_at
		 FROM events WHERE session_id = $1
		 ORDER BY created_at ASC, id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list session events: %w", err)
	}
	defer rows.Close()

	events := []model.Event{}
	for rows.Next() {
		var e model.Event
		var dir string
		if err := rows.Scan(&e.ID, &e.SessionID, &dir, &e.EventName, &e.EventData, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		e.Direction = model.Direction(dir)
		events = append(events, e)
	}
	return events, rows.Err()
}
