// Package mcp implements the Model Context Protocol server for voxdesk.
//
// The MCP server exposes the read and append operations of the HTTP API as
// MCP tools, resources, and prompts, so MCP-compatible assistants can inspect
// a user's voice agents and their session logs. Every call is scoped to the
// user whose token authenticated the /mcp request.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/voxdesk/internal/ctxutil"
	"github.com/ashita-ai/voxdesk/internal/model"
	"github.com/ashita-ai/voxdesk/internal/storage"
)

// Server wraps the mcp-go server with voxdesk's storage layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools, and
// prompts registered.
func New(db *storage.DB, logger *slog.Logger, version string) *Server {
	s := &Server{
		db:     db,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"voxdesk",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithPromptCapabilities(false),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

var errUnauthenticated = errors.New("mcp: no authenticated user")

// userFrom returns the authenticated user id carried by ctx.
func userFrom(ctx context.Context) (string, error) {
	id := ctxutil.UserIDFromContext(ctx)
	if id == "" {
		return "", errUnauthenticated
	}
	return id, nil
}

// ownedAgent loads an agent and hides agents owned by someone else.
func (s *Server) ownedAgent(ctx context.Context, userID, agentID string) (model.Agent, error) {
	agent, err := s.db.GetAgent(ctx, agentID)
	if err != nil {
		return model.Agent{}, err
	}
	if agent.UserID != userID {
		return model.Agent{}, storage.ErrNotFound
	}
	return agent, nil
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result"), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

// storageErrorResult turns a storage error into a tool error without leaking
// internals. Unexpected errors are logged.
func (s *Server) storageErrorResult(op string, err error) *mcplib.CallToolResult {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return errorResult("not found")
	case errors.Is(err, storage.ErrConflict):
		return errorResult("conflicts with an existing record")
	default:
		s.logger.Error("mcp: "+op+" failed", "error", err)
		return errorResult(op + " failed")
	}
}
