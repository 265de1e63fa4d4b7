package mcp

import (
	"sort"

	"github.com/ashita-ai/voxdesk/internal/model"
)

const (
	maxCompactInstructions = 500
	maxCompactEventData    = 1000
)

// compactAgent returns a listing-sized view of an agent. Tool parameters,
// tool logic, and the full instructions are left to voxdesk_get_agent.
func compactAgent(a model.Agent) map[string]any {
	m := map[string]any{
		"id":           a.ID,
		"name":         a.Name,
		"instructions": truncate(a.Instructions, maxCompactInstructions),
		"updated_at":   a.UpdatedAt,
	}
	if a.Language != nil {
		m["language"] = *a.Language
	}
	if len(a.Tools) > 0 {
		names := make([]string, 0, len(a.Tools))
		for _, t := range a.Tools {
			names = append(names, t.Name)
		}
		m["tools"] = names
	}
	if len(a.DownstreamAgents) > 0 {
		m["downstream_agents"] = len(a.DownstreamAgents)
	}
	return m
}

// compactMcpServer keeps env variable names and drops their values.
func compactMcpServer(s model.McpServer) map[string]any {
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return map[string]any{
		"name":       s.Name,
		"env_keys":   keys,
		"updated_at": s.UpdatedAt,
	}
}

func compactEvent(e model.Event) map[string]any {
	m := map[string]any{
		"id":         e.ID,
		"direction":  e.Direction,
		"event_name": e.EventName,
		"created_at": e.CreatedAt,
	}
	if e.EventData != "" && e.EventData != "null" {
		m["event_data"] = truncate(e.EventData, maxCompactEventData)
	}
	return m
}

// truncate shortens s to maxLen runes, appending "..." when it cut anything.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
