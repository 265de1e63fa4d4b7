package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Direction is the flow of an event relative to the user.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionInbound || d == DirectionOutbound
}

const (
	MaxEventIDLen   = 255
	MaxEventNameLen = 200
	MaxEventDataLen = 256 * 1024 // 256 KB
)

// Session is one voice interaction between a user and an agent.
// AgentID is nil when the session was opened implicitly by the events log.
type Session struct {
	ID        string    `json:"id"`
	AgentID   *string   `json:"agent_id,omitempty"`
	UserID    *string   `json:"user_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Event is an append-only record within a session. Never mutated or deleted.
type Event struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Direction Direction `json:"direction"`
	EventName string    `json:"event_name"`
	EventData string    `json:"event_data"`
	CreatedAt time.Time `json:"created_at"`
}

// EventInput is the event portion of POST /api/events/log.
// EventData is any JSON value; it is stored as compact serialized text.
type EventInput struct {
	ID        string          `json:"id"`
	Direction Direction       `json:"direction"`
	EventName string          `json:"eventName"`
	EventData json.RawMessage `json:"eventData,omitempty"`
}

// LogEventRequest is the request body for POST /api/events/log.
type LogEventRequest struct {
	Event     EventInput `json:"event"`
	SessionID string     `json:"sessionId"`
}

// CreateSessionRequest is the request body for POST /api/sessions.
type CreateSessionRequest struct {
	AgentID string `json:"agentId"`
}

// SessionFilter narrows ListSessions. Zero values mean no filter.
type SessionFilter struct {
	UserID  string
	AgentID string
	Limit   int
}

// ValidateLogEventRequest checks presence and size limits on an event log request.
func ValidateLogEventRequest(req LogEventRequest) error {
	if req.SessionID == "" {
		return fmt.Errorf("sessionId is required")
	}
	if len(req.SessionID) > MaxEventIDLen {
		return fmt.Errorf("sessionId exceeds maximum length of %d characters", MaxEventIDLen)
	}
	if req.Event.ID == "" {
		return fmt.Errorf("event.id is required")
	}
	if len(req.Event.ID) > MaxEventIDLen {
		return fmt.Errorf("event.id exceeds maximum length of %d characters", MaxEventIDLen)
	}
	if !req.Event.Direction.Valid() {
		return fmt.Errorf("event.direction must be %q or %q", DirectionInbound, DirectionOutbound)
	}
	if req.Event.EventName == "" {
		return fmt.Errorf("event.eventName is required")
	}
	if len(req.Event.EventName) > MaxEventNameLen {
		return fmt.Errorf("event.eventName exceeds maximum length of %d characters", MaxEventNameLen)
	}
	if len(req.Event.EventData) > MaxEventDataLen {
		return fmt.Errorf("event.eventData exceeds maximum size of %d bytes", MaxEventDataLen)
	}
	return nil
}

// SerializeEventData returns the compact text form of an event payload.
// A missing payload serializes as JSON null.
func SerializeEventData(raw json.RawMessage) (string, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "null", nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", fmt.Errorf("eventData is not valid JSON: %w", err)
	}
	return buf.String(), nil
}
