package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Field length limits for agent configuration. Instructions are a free-text
// behavior script and get the largest allowance.
const (
	MaxAgentNameLen     = 200
	MaxInstructionsLen  = 64 * 1024 // 64 KB
	MaxFirstMessageLen  = 4 * 1024
	MaxLanguageLen      = 35 // BCP 47 upper bound in practice.
	MaxToolsPerAgent    = 64
	MaxDownstreamAgents = 32
)

// Agent is a configured voice-conversation persona.
type Agent struct {
	ID               string               `json:"id"`
	UserID           string               `json:"userId"`
	Name             string               `json:"name"`
	Instructions     string               `json:"instructions"`
	FirstMessage     *string              `json:"firstMessage,omitempty"`
	Language         *string              `json:"language,omitempty"`
	Tools            []Tool               `json:"tools"`
	ToolLogic        map[string]ToolLogic `json:"toolLogic,omitempty"`
	DownstreamAgents []AgentRef           `json:"downstreamAgents,omitempty"`
	CreatedAt        time.Time            `json:"createdAt"`
	UpdatedAt        time.Time            `json:"updatedAt"`
}

// Tool describes a capability the voice runtime may invoke during a session.
type Tool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolLogic describes how a named tool is implemented.
// Kind is one of "http", "mcp", or "client".
type ToolLogic struct {
	Kind     string            `json:"kind"`
	Endpoint string            `json:"endpoint,omitempty"`
	Method   string            `json:"method,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Server   string            `json:"server,omitempty"` // MCP server name when Kind is "mcp".
}

// AgentRef points at another agent the conversation can be handed off to.
type AgentRef struct {
	AgentID     string `json:"agentId"`
	Description string `json:"description,omitempty"`
}

// AgentInput is the request body for POST /api/agents.
type AgentInput struct {
	Name             string               `json:"name"`
	Instructions     string               `json:"instructions"`
	FirstMessage     *string              `json:"firstMessage,omitempty"`
	Language         *string              `json:"language,omitempty"`
	Tools            []Tool               `json:"tools,omitempty"`
	ToolLogic        map[string]ToolLogic `json:"toolLogic,omitempty"`
	DownstreamAgents []AgentRef           `json:"downstreamAgents,omitempty"`
}

// AgentPatch is the request body for PATCH /api/agents/{agentId}.
// Nil fields are left unchanged.
type AgentPatch struct {
	Name             *string               `json:"name,omitempty"`
	Instructions     *string               `json:"instructions,omitempty"`
	FirstMessage     *string               `json:"firstMessage,omitempty"`
	Language         *string               `json:"language,omitempty"`
	Tools            *[]Tool               `json:"tools,omitempty"`
	ToolLogic        *map[string]ToolLogic `json:"toolLogic,omitempty"`
	DownstreamAgents *[]AgentRef           `json:"downstreamAgents,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p AgentPatch) Empty() bool {
	return p.Name == nil && p.Instructions == nil && p.FirstMessage == nil &&
		p.Language == nil && p.Tools == nil && p.ToolLogic == nil && p.DownstreamAgents == nil
}

// ValidateAgentInput checks presence and length limits for a new agent.
func ValidateAgentInput(in AgentInput) error {
	if in.Name == "" {
		return fmt.Errorf("name is required")
	}
	if in.Instructions == "" {
		return fmt.Errorf("instructions is required")
	}
	return validateAgentFields(&in.Name, &in.Instructions, in.FirstMessage, in.Language, in.Tools, in.ToolLogic, in.DownstreamAgents)
}

// ValidateAgentPatch checks a partial update. Required fields may be omitted
// but not cleared.
func ValidateAgentPatch(p AgentPatch) error {
	if p.Empty() {
		return fmt.Errorf("at least one field must be provided")
	}
	if p.Name != nil && *p.Name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if p.Instructions != nil && *p.Instructions == "" {
		return fmt.Errorf("instructions must not be empty")
	}
	var (
		tools      []Tool
		logic      map[string]ToolLogic
		downstream []AgentRef
	)
	if p.Tools != nil {
		tools = *p.Tools
	}
	if p.ToolLogic != nil {
		logic = *p.ToolLogic
	}
	if p.DownstreamAgents != nil {
		downstream = *p.DownstreamAgents
	}
	return validateAgentFields(p.Name, p.Instructions, p.FirstMessage, p.Language, tools, logic, downstream)
}

func validateAgentFields(name, instructions, firstMessage, language *string, tools []Tool, logic map[string]ToolLogic, downstream []AgentRef) error {
	if name != nil && len(*name) > MaxAgentNameLen {
		return fmt.Errorf("name exceeds maximum length of %d characters", MaxAgentNameLen)
	}
	if instructions != nil && len(*instructions) > MaxInstructionsLen {
		return fmt.Errorf("instructions exceeds maximum length of %d bytes", MaxInstructionsLen)
	}
	if firstMessage != nil && len(*firstMessage) > MaxFirstMessageLen {
		return fmt.Errorf("firstMessage exceeds maximum length of %d bytes", MaxFirstMessageLen)
	}
	if language != nil && len(*language) > MaxLanguageLen {
		return fmt.Errorf("language exceeds maximum length of %d characters", MaxLanguageLen)
	}
	if len(tools) > MaxToolsPerAgent {
		return fmt.Errorf("at most %d tools are allowed", MaxToolsPerAgent)
	}
	seen := make(map[string]bool, len(tools))
	for i, t := range tools {
		if t.Name == "" {
			return fmt.Errorf("tools[%d].name is required", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("tools[%d].name %q is duplicated", i, t.Name)
		}
		seen[t.Name] = true
	}
	for name, l := range logic {
		switch l.Kind {
		case "http":
			if l.Endpoint == "" {
				return fmt.Errorf("toolLogic[%s].endpoint is required for http tools", name)
			}
		case "mcp":
			if l.Server == "" {
				return fmt.Errorf("toolLogic[%s].server is required for mcp tools", name)
			}
		case "client":
		default:
			return fmt.Errorf("toolLogic[%s].kind must be one of http, mcp, client", name)
		}
	}
	if len(downstream) > MaxDownstreamAgents {
		return fmt.Errorf("at most %d downstream agents are allowed", MaxDownstreamAgents)
	}
	for i, ref := range downstream {
		if ref.AgentID == "" {
			return fmt.Errorf("downstreamAgents[%d].agentId is required", i)
		}
	}
	return nil
}
