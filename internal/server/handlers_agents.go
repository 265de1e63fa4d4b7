package server

import (
	"net/http"

	"github.com/ashita-ai/voxdesk/internal/model"
)

const agentNotFound = "agent not found"

// ownedAgent loads the agent at {agentId} and checks the caller owns it.
// Someone else's agent is reported as missing. On failure the response has
// been written and ok is false.
func (h *Handlers) ownedAgent(w http.ResponseWriter, r *http.Request, agentID string) (model.Agent, bool) {
	if agentID == "" {
		writeError(w, r, http.StatusBadRequest, model.KindValidation, "agentId is required")
		return model.Agent{}, false
	}
	agent, err := h.db.GetAgent(r.Context(), agentID)
	if err != nil {
		h.writeStorageError(w, r, "failed to load agent", agentNotFound, err)
		return model.Agent{}, false
	}
	if agent.UserID != callerID(r) {
		writeError(w, r, http.StatusNotFound, model.KindNotFound, agentNotFound)
		return model.Agent{}, false
	}
	return agent, true
}

// HandleGetAgent handles GET /api/agents/{agentId}.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.ownedAgent(w, r, r.PathValue("agentId"))
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleListAgents handles GET /api/agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.db.ListAgents(r.Context(), callerID(r))
	if err != nil {
		h.writeInternalError(w, r, "failed to list agents", err)
		return
	}
	writeJSON(w, r, http.StatusOK, agents)
}

// HandleCreateAgent handles POST /api/agents.
func (h *Handlers) HandleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var in model.AgentInput
	if err := decodeJSON(w, r, &in, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateAgentInput(in); err != nil {
		writeError(w, r, http.StatusBadRequest, model.KindValidation, err.Error())
		return
	}

	agent, err := h.db.CreateAgent(r.Context(), callerID(r), in)
	if err != nil {
		h.writeStorageError(w, r, "failed to create agent", agentNotFound, err)
		return
	}
	h.logger.Info("agent created", "agent_id", agent.ID, "user_id", agent.UserID)
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleUpdateAgent handles PATCH /api/agents/{agentId}.
func (h *Handlers) HandleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var patch model.AgentPatch
	if err := decodeJSON(w, r, &patch, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateAgentPatch(patch); err != nil {
		writeError(w, r, http.StatusBadRequest, model.KindValidation, err.Error())
		return
	}

	agent, err := h.db.UpdateAgent(r.Context(), r.PathValue("agentId"), callerID(r), patch)
	if err != nil {
		h.writeStorageError(w, r, "failed to update agent", agentNotFound, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleDeleteAgent handles DELETE /api/agents/{agentId}. The agent's MCP
// servers go with it; its sessions and events are kept, detached.
func (h *Handlers) HandleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentId")
	if err := h.db.DeleteAgent(r.Context(), agentID, callerID(r)); err != nil {
		h.writeStorageError(w, r, "failed to delete agent", agentNotFound, err)
		return
	}
	h.logger.Info("agent deleted", "agent_id", agentID, "user_id", callerID(r))
	writeSuccess(w, r)
}
