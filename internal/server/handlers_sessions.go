package server

import (
	"net/http"

	"github.com/ashita-ai/voxdesk/internal/model"
)

// HandleListSessions handles GET /api/sessions. Newest first; an optional
// agentId query parameter narrows to one agent. A missing or non-positive
// limit takes the storage default.
func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.db.ListSessions(r.Context(), model.SessionFilter{
		UserID:  callerID(r),
		AgentID: r.URL.Query().Get("agentId"),
		Limit:   queryInt(r, "limit", 0),
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to list sessions", err)
		return
	}
	writeJSON(w, r, http.StatusOK, sessions)
}

// HandleCreateSession handles POST /api/sessions. The session is opened for
// one of the caller's agents.
func (h *Handlers) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req model.CreateSessionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	agent, ok := h.ownedAgent(w, r, req.AgentID)
	if !ok {
		return
	}

	userID := callerID(r)
	sess, err := h.db.CreateSession(r.Context(), model.Session{
		AgentID:   &agent.ID,
		UserID:    &userID,
		StartedAt: h.now().UTC(),
	})
	if err != nil {
		h.writeStorageError(w, r, "failed to create session", agentNotFound, err)
		return
	}
	writeJSON(w, r, http.StatusOK, sess)
}

// HandleListSessionEvents handles GET /api/sessions/{sessionId}/events.
func (h *Handlers) HandleListSessionEvents(w http.ResponseWriter, r *http.Request) {
	sess, err := h.db.GetSession(r.Context(), r.PathValue("sessionId"))
	if err != nil {
		h.writeStorageError(w, r, "failed to load session", "session not found", err)
		return
	}
	if sess.UserID == nil || *sess.UserID != callerID(r) {
		writeError(w, r, http.StatusNotFound, model.KindNotFound, "session not found")
		return
	}

	events, err := h.db.ListSessionEvents(r.Context(), sess.ID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list events", err)
		return
	}
	writeJSON(w, r, http.StatusOK, events)
}

// HandleLogEvent handles POST /api/events/log. created_at is the server's
// time of receipt. Replaying an identical event succeeds without writing.
func (h *Handlers) HandleLogEvent(w http.ResponseWriter, r *http.Request) {
	var req model.LogEventRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateLogEventRequest(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.KindValidation, err.Error())
		return
	}
	if _, err := model.SerializeEventData(req.Event.EventData); err != nil {
		writeError(w, r, http.StatusBadRequest, model.KindValidation, err.Error())
		return
	}

	ev, err := h.db.LogEvent(r.Context(), callerID(r), req.SessionID, req.Event, h.now())
	if err != nil {
		h.writeStorageError(w, r, "failed to log event", "session not found", err)
		return
	}
	h.metrics.Event(r.Context(), ev.EventName)
	writeSuccess(w, r)
}
