package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/voxdesk/internal/model"
)

// ListMcpServers returns an agent's MCP servers ordered by name.
// Env values are returned as stored; callers open sealed values.
func (db *DB) ListMcpServers(ctx context.Context, agentID string) ([]model.McpServer, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT agent_id, name, env, created_at, updated_at
		 FROM mcp_servers WHERE agent_id = $1 ORDER BY name`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list mcp servers: %w", err)
	}
	defer rows.Close()

	servers := []model.McpServer{}
	for rows.Next() {
		s, err := scanMcpServer(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan mcp server: %w", err)
		}
		servers = append(servers, s)
	}
	return servers, rows.Err()
}

// UpsertMcpServer inserts or replaces the server keyed on (agentID, name).
// created_at survives a replace. Returns ErrNotFound when the agent does not
// exist.
func (db *DB) UpsertMcpServer(ctx context.Context, agentID string, s model.McpServer) (model.McpServer, error) {
	env := s.Env
	if env == nil {
		env = map[string]string{}
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return model.McpServer{}, fmt.Errorf("storage: upsert mcp server: encode env: %w", err)
	}

	row := db.pool.QueryRow(ctx,
		`INSERT INTO mcp_servers (agent_id, name, env, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (agent_id, name) DO UPDATE
		   SET env = EXCLUDED.env, updated_at = EXCLUDED.updated_at
		 RETURNING agent_id, name, env, created_at, updated_at`,
		agentID, s.Name, envJSON, time.Now().UTC(),
	)
	out, err := scanMcpServer(row)
	if err != nil {
		if isForeignKeyViolation(err) {
			return model.McpServer{}, fmt.Errorf("storage: agent %s: %w", agentID, ErrNotFound)
		}
		return model.McpServer{}, fmt.Errorf("storage: upsert mcp server: %w", err)
	}
	return out, nil
}

// DeleteMcpServer removes one server by name. Returns ErrNotFound when no
// such server is configured for the agent.
func (db *DB) DeleteMcpServer(ctx context.Context, agentID, name string) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM mcp_servers WHERE agent_id = $1 AND name = $2`, agentID, name)
	if err != nil {
		return fmt.Errorf("storage: delete mcp server: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: mcp server %s/%s: %w", agentID, name, ErrNotFound)
	}
	return nil
}

func scanMcpServer(row pgx.Row) (model.McpServer, error) {
	var (
		s       model.McpServer
		envJSON []byte
	)
	if err := row.Scan(&s.AgentID, &s.Name, &envJSON, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return model.McpServer{}, err
	}
	s.Env = map[string]string{}
	if len(envJSON) > 0 {
		if err := json.Unmarshal(envJSON, &s.Env); err != nil {
			return model.McpServer{}, fmt.Errorf("decode env: %w", err)
		}
	}
	return s, nil
}
