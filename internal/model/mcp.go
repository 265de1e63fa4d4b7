package model

import (
	"fmt"
	"time"
)

const (
	MaxMcpServerNameLen = 128
	MaxMcpEnvVars       = 64
	MaxMcpEnvValueLen   = 8 * 1024
)

// McpServer is a named external tool server configured for one agent.
// Env values are sensitive: they are sealed at rest.
type McpServer struct {
	AgentID   string            `json:"agentId"`
	Name      string            `json:"name"`
	Env       map[string]string `json:"env"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// McpServerInput is the server portion of POST /api/mcp-servers.
type McpServerInput struct {
	Name string            `json:"name"`
	Env  map[string]string `json:"env"`
}

// UpsertMcpServerRequest is the request body for POST /api/mcp-servers.
type UpsertMcpServerRequest struct {
	AgentID string         `json:"agentId"`
	Server  McpServerInput `json:"server"`
}

// ValidateMcpServerInput checks the server name and env map.
func ValidateMcpServerInput(in McpServerInput) error {
	if in.Name == "" {
		return fmt.Errorf("server.name is required")
	}
	if len(in.Name) > MaxMcpServerNameLen {
		return fmt.Errorf("server.name exceeds maximum length of %d characters", MaxMcpServerNameLen)
	}
	if len(in.Env) > MaxMcpEnvVars {
		return fmt.Errorf("server.env has more than %d variables", MaxMcpEnvVars)
	}
	for k, v := range in.Env {
		if k == "" {
			return fmt.Errorf("server.env keys must not be empty")
		}
		if len(v) > MaxMcpEnvValueLen {
			return fmt.Errorf("server.env[%s] exceeds maximum length of %d bytes", k, MaxMcpEnvValueLen)
		}
	}
	return nil
}
