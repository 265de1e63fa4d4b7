package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("review-session",
			mcplib.WithPromptDescription("Summarize a voice session from its event log and flag problems"),
			mcplib.WithArgument("session_id",
				mcplib.ArgumentDescription("The session to review"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleReviewSessionPrompt,
	)

	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("tune-agent",
			mcplib.WithPromptDescription("Review an agent's configuration and suggest improvements to its instructions and tools"),
			mcplib.WithArgument("agent_id",
				mcplib.ArgumentDescription("The agent to review"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("goal",
				mcplib.ArgumentDescription("Optional: what the agent should get better at"),
			),
		),
		s.handleTuneAgentPrompt,
	)
}

func (s *Server) handleReviewSessionPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	sessionID := request.Params.Arguments["session_id"]
	if sessionID == "" {
		return nil, fmt.Errorf("session_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Review voice session %s", sessionID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Review voice session %s.

1. CALL voxdesk_session_events with session_id="%s".

2. READ the events in order. Inbound events come from the caller,
   outbound events from the agent.

3. SUMMARIZE the conversation in a few sentences: what the caller wanted
   and whether they got it.

4. FLAG anything that went wrong: errors, repeated questions, tool calls
   that failed, or long gaps between events.`, sessionID, sessionID),
				},
			},
		},
	}, nil
}

func (s *Server) handleTuneAgentPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	agentID := request.Params.Arguments["agent_id"]
	if agentID == "" {
		return nil, fmt.Errorf("agent_id argument is required")
	}
	goal := request.Params.Arguments["goal"]
	focus := "Look for unclear instructions, missing tools, and tools that are declared but never wired."
	if goal != "" {
		focus = fmt.Sprintf("Focus on this goal: %s", goal)
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Suggest improvements for agent %s", agentID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Help improve voice agent %s.

1. CALL voxdesk_get_agent with agent_id="%s" to read its configuration.

2. CALL voxdesk_list_mcp_servers with agent_id="%s" to see which tool
   servers back it.

3. CALL voxdesk_list_sessions with agent_id="%s" and read one or two
   recent sessions with voxdesk_session_events.

4. SUGGEST concrete edits to the instructions, first message, and tools.
   %s`, agentID, agentID, agentID, agentID, focus),
				},
			},
		},
	}, nil
}
