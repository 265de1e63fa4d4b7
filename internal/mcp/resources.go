package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/voxdesk/internal/storage"
)

const (
	agentsURI      = "voxdesk://agents"
	agentURIPrefix = "voxdesk://agents/"
)

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			agentsURI,
			"Voice Agents",
			mcplib.WithResourceDescription("The voice agents owned by the authenticated user"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleAgentsResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			agentURIPrefix+"{id}",
			"Voice Agent",
			mcplib.WithTemplateDescription("Full configuration of one voice agent"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleAgentResource,
	)
}

func (s *Server) handleAgentsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	userID, err := userFrom(ctx)
	if err != nil {
		return nil, err
	}
	agents, err := s.db.ListAgents(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("mcp: list agents: %w", err)
	}
	out := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		out = append(out, compactAgent(a))
	}
	return jsonContents(request.Params.URI, out)
}

func (s *Server) handleAgentResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	userID, err := userFrom(ctx)
	if err != nil {
		return nil, err
	}
	id, err := parseAgentURI(request.Params.URI)
	if err != nil {
		return nil, err
	}
	agent, err := s.ownedAgent(ctx, userID, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("mcp: agent %s not found", id)
		}
		return nil, fmt.Errorf("mcp: get agent: %w", err)
	}
	return jsonContents(request.Params.URI, agent)
}

// parseAgentURI extracts the agent id from voxdesk://agents/{id}.
func parseAgentURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, agentURIPrefix) {
		return "", fmt.Errorf("mcp: invalid agent URI %q", uri)
	}
	id := strings.TrimPrefix(uri, agentURIPrefix)
	if id == "" {
		return "", fmt.Errorf("mcp: empty agent id in %q", uri)
	}
	if strings.Contains(id, "/") {
		return "", fmt.Errorf("mcp: invalid agent URI %q", uri)
	}
	return id, nil
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal resource: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
