package mcp

import (
	"context"
	"encoding/json"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/voxdesk/internal/model"
)

const (
	defaultToolSessionLimit = 20
	maxToolSessionLimit     = 100
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("voxdesk_list_agents",
			mcplib.WithDescription(`List your voice agents, newest first.

Returns id, name, language, tool names, and a shortened copy of the
instructions. Use voxdesk_get_agent for the full configuration.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleListAgents,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("voxdesk_get_agent",
			mcplib.WithDescription(`Get the full configuration of one voice agent: instructions, first
message, language, tools, tool logic, and downstream agents.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_id",
				mcplib.Description("The agent id"),
				mcplib.Required(),
			),
		),
		s.handleGetAgent,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("voxdesk_list_mcp_servers",
			mcplib.WithDescription(`List the MCP servers configured for an agent.

Environment variable names are returned; their values are secret and
never included.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_id",
				mcplib.Description("The agent id"),
				mcplib.Required(),
			),
		),
		s.handleListMcpServers,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("voxdesk_list_sessions",
			mcplib.WithDescription(`List your voice sessions, most recent first. Optionally filter to one agent.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_id",
				mcplib.Description("Optional: only sessions with this agent"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum sessions to return"),
				mcplib.Min(1),
				mcplib.Max(maxToolSessionLimit),
				mcplib.DefaultNumber(defaultToolSessionLimit),
			),
		),
		s.handleListSessions,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("voxdesk_session_events",
			mcplib.WithDescription(`Read the event log of one session in arrival order.

Large event payloads are shortened.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("session_id",
				mcplib.Description("The session id"),
				mcplib.Required(),
			),
		),
		s.handleSessionEvents,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("voxdesk_log_event",
			mcplib.WithDescription(`Append an event to a session's log. The session is created if it does
not exist yet. Re-sending an identical event is a no-op; reusing an
event id with different content is rejected.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("session_id",
				mcplib.Description("The session id"),
				mcplib.Required(),
			),
			mcplib.WithString("event_id",
				mcplib.Description("Caller-chosen unique event id"),
				mcplib.Required(),
			),
			mcplib.WithString("direction",
				mcplib.Description("inbound (from the user) or outbound (to the user)"),
				mcplib.Enum(string(model.DirectionInbound), string(model.DirectionOutbound)),
				mcplib.Required(),
			),
			mcplib.WithString("event_name",
				mcplib.Description("Event name, e.g. conversation.item.created"),
				mcplib.Required(),
			),
			mcplib.WithString("event_data",
				mcplib.Description("Optional JSON payload, as text"),
			),
		),
		s.handleLogEvent,
	)
}

func (s *Server) handleListAgents(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, err := userFrom(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	agents, err := s.db.ListAgents(ctx, userID)
	if err != nil {
		return s.storageErrorResult("list agents", err), nil
	}
	out := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		out = append(out, compactAgent(a))
	}
	return jsonResult(map[string]any{"agents": out, "total": len(out)})
}

func (s *Server) handleGetAgent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, err := userFrom(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	agentID := request.GetString("agent_id", "")
	if agentID == "" {
		return errorResult("agent_id is required"), nil
	}
	agent, err := s.ownedAgent(ctx, userID, agentID)
	if err != nil {
		return s.storageErrorResult("get agent", err), nil
	}
	return jsonResult(agent)
}

func (s *Server) handleListMcpServers(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, err := userFrom(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	agentID := request.GetString("agent_id", "")
	if agentID == "" {
		return errorResult("agent_id is required"), nil
	}
	if _, err := s.ownedAgent(ctx, userID, agentID); err != nil {
		return s.storageErrorResult("list mcp servers", err), nil
	}
	servers, err := s.db.ListMcpServers(ctx, agentID)
	if err != nil {
		return s.storageErrorResult("list mcp servers", err), nil
	}
	out := make([]map[string]any, 0, len(servers))
	for _, srv := range servers {
		out = append(out, compactMcpServer(srv))
	}
	return jsonResult(map[string]any{"agent_id": agentID, "servers": out})
}

func (s *Server) handleListSessions(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, err := userFrom(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	limit := request.GetInt("limit", defaultToolSessionLimit)
	if limit < 1 {
		limit = 1
	}
	if limit > maxToolSessionLimit {
		limit = maxToolSessionLimit
	}
	sessions, err := s.db.ListSessions(ctx, model.SessionFilter{
		UserID:  userID,
		AgentID: request.GetString("agent_id", ""),
		Limit:   limit,
	})
	if err != nil {
		return s.storageErrorResult("list sessions", err), nil
	}
	return jsonResult(map[string]any{"sessions": sessions, "total": len(sessions)})
}

func (s *Server) handleSessionEvents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, err := userFrom(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	sessionID := request.GetString("session_id", "")
	if sessionID == "" {
		return errorResult("session_id is required"), nil
	}
	sess, err := s.db.GetSession(ctx, sessionID)
	if err != nil {
		return s.storageErrorResult("read session", err), nil
	}
	if sess.UserID == nil || *sess.UserID != userID {
		return errorResult("not found"), nil
	}
	events, err := s.db.ListSessionEvents(ctx, sessionID)
	if err != nil {
		return s.storageErrorResult("read session", err), nil
	}
	out := make([]map[string]any, 0, len(events))
	for _, e := range events {
		out = append(out, compactEvent(e))
	}
	return jsonResult(map[string]any{"session_id": sessionID, "events": out})
}

func (s *Server) handleLogEvent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userID, err := userFrom(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	req := model.LogEventRequest{
		SessionID: request.GetString("session_id", ""),
		Event: model.EventInput{
			ID:        request.GetString("event_id", ""),
			Direction: model.Direction(request.GetString("direction", "")),
			EventName: request.GetString("event_name", ""),
		},
	}
	if data := request.GetString("event_data", ""); data != "" {
		if !json.Valid([]byte(data)) {
			return errorResult("event_data must be valid JSON"), nil
		}
		req.Event.EventData = json.RawMessage(data)
	}
	if err := model.ValidateLogEventRequest(req); err != nil {
		return errorResult(err.Error()), nil
	}

	ev, err := s.db.LogEvent(ctx, userID, req.SessionID, req.Event, time.Now())
	if err != nil {
		return s.storageErrorResult("log event", err), nil
	}
	return jsonResult(map[string]any{
		"status":     "recorded",
		"event_id":   ev.ID,
		"session_id": ev.SessionID,
		"created_at": ev.CreatedAt,
	})
}
