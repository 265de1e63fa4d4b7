package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/voxdesk/internal/model"
)

const agentColumns = `id, user_id, name, instructions, first_message, language,
	tools, tool_logic, downstream_agents, created_at, updated_at`

// CreateAgent inserts a new agent owned by userID with a generated id.
func (db *DB) CreateAgent(ctx context.Context, userID string, in model.AgentInput) (model.Agent, error) {
	tools, logic, downstream, err := marshalAgentJSON(in.Tools, in.ToolLogic, in.DownstreamAgents)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	if tools == nil {
		tools = []byte("[]")
	}

	now := time.Now().UTC()
	row := db.pool.QueryRow(ctx,
		`INSERT INTO agents (id, user_id, name, instructions, first_message, language,
		 tools, tool_logic, downstream_agents, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		 RETURNING `+agentColumns,
		uuid.New().String(), userID, in.Name, in.Instructions, in.FirstMessage, in.Language,
		tools, logic, downstream, now,
	)
	agent, err := scanAgent(row)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return agent, nil
}

// GetAgent returns the agent with the given id regardless of owner.
// Callers enforce ownership.
func (db *DB) GetAgent(ctx context.Context, id string) (model.Agent, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns the user's agents, newest first.
func (db *DB) ListAgents(ctx context.Context, userID string) ([]model.Agent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE user_id = $1 ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	agents := []model.Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgent applies a partial update in a single statement. Nil patch
// fields keep their stored value; an empty firstMessage or language clears
// the column. Returns ErrNotFound when the agent does not exist or belongs to
// another user.
func (db *DB) UpdateAgent(ctx context.Context, id, userID string, p model.AgentPatch) (model.Agent, error) {
	var (
		tools      []model.Tool
		logic      map[string]model.ToolLogic
		downstream []model.AgentRef
	)
	if p.Tools != nil {
		tools = *p.Tools
		if tools == nil {
			tools = []model.Tool{}
		}
	}
	if p.ToolLogic != nil {
		logic = *p.ToolLogic
		if logic == nil {
			logic = map[string]model.ToolLogic{}
		}
	}
	if p.DownstreamAgents != nil {
		downstream = *p.DownstreamAgents
		if downstream == nil {
			downstream = []model.AgentRef{}
		}
	}
	toolsJSON, logicJSON, downstreamJSON, err := marshalAgentJSON(tools, logic, downstream)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: update agent: %w", err)
	}

	row := db.pool.QueryRow(ctx,
		`UPDATE agents SET
		   name = COALESCE($3::text, name),
		   instructions = COALESCE($4::text, instructions),
		   first_message = CASE WHEN $5::text IS NULL THEN first_message ELSE NULLIF($5::text, '') END,
		   language = CASE WHEN $6::text IS NULL THEN language ELSE NULLIF($6::text, '') END,
		   tools = COALESCE($7::jsonb, tools),
		   tool_logic = COALESCE($8::jsonb, tool_logic),
		   downstream_agents = COALESCE($9::jsonb, downstream_agents),
		   updated_at = $10
		 WHERE id = $1 AND user_id = $2
		 RETURNING `+agentColumns,
		id, userID, p.Name, p.Instructions, p.FirstMessage, p.Language,
		toolsJSON, logicJSON, downstreamJSON, time.Now().UTC(),
	)
	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
		}
		return model.Agent{}, fmt.Errorf("storage: update agent: %w", err)
	}
	return agent, nil
}

// DeleteAgent removes an agent owned by userID. The schema cascades the
// delete to its MCP servers and detaches its sessions (agent_id set to NULL);
// events are never deleted.
func (db *DB) DeleteAgent(ctx context.Context, id, userID string) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM agents WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("storage: delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: agent %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanAgent(row pgx.Row) (model.Agent, error) {
	var (
		a                               model.Agent
		toolsJSON, logicJSON, downsJSON []byte
	)
	if err := row.Scan(
		&a.ID, &a.UserID, &a.Name, &a.Instructions, &a.FirstMessage, &a.Language,
		&toolsJSON, &logicJSON, &downsJSON, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return model.Agent{}, err
	}
	a.Tools = []model.Tool{}
	if len(toolsJSON) > 0 {
		if err := json.Unmarshal(toolsJSON, &a.Tools); err != nil {
			return model.Agent{}, fmt.Errorf("decode tools: %w", err)
		}
	}
	if len(logicJSON) > 0 {
		if err := json.Unmarshal(logicJSON, &a.ToolLogic); err != nil {
			return model.Agent{}, fmt.Errorf("decode tool_logic: %w", err)
		}
	}
	if len(downsJSON) > 0 {
		if err := json.Unmarshal(downsJSON, &a.DownstreamAgents); err != nil {
			return model.Agent{}, fmt.Errorf("decode downstream_agents: %w", err)
		}
	}
	return a, nil
}

// marshalAgentJSON encodes the JSONB columns. Nil inputs encode as nil so the
// column is written as SQL NULL (or left unchanged by COALESCE).
func marshalAgentJSON(tools []model.Tool, logic map[string]model.ToolLogic, downstream []model.AgentRef) (toolsJSON, logicJSON, downstreamJSON []byte, err error) {
	if tools != nil {
		if toolsJSON, err = json.Marshal(tools); err != nil {
			return nil, nil, nil, fmt.Errorf("encode tools: %w", err)
		}
	}
	if logic != nil {
		if logicJSON, err = json.Marshal(logic); err != nil {
			return nil, nil, nil, fmt.Errorf("encode tool_logic: %w", err)
		}
	}
	if downstream != nil {
		if downstreamJSON, err = json.Marshal(downstream); err != nil {
			return nil, nil, nil, fmt.Errorf("encode downstream_agents: %w", err)
		}
	}
	return toolsJSON, logicJSON, downstreamJSON, nil
}
