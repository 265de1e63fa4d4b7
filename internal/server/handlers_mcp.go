package server

import (
	"net/http"

	"github.com/ashita-ai/voxdesk/internal/model"
)

// HandleListMcpServers handles GET /api/mcp-servers/{agentId}. Env values are
// unsealed for the owning user.
func (h *Handlers) HandleListMcpServers(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.ownedAgent(w, r, r.PathValue("agentId"))
	if !ok {
		return
	}

	servers, err := h.db.ListMcpServers(r.Context(), agent.ID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list mcp servers", err)
		return
	}
	for i := range servers {
		env, err := h.box.OpenMap(servers[i].Env)
		if err != nil {
			h.writeInternalError(w, r, "failed to open mcp server env", err)
			return
		}
		servers[i].Env = env
	}
	writeJSON(w, r, http.StatusOK, servers)
}

// HandleMissingAgentID answers routes whose agent id segment was omitted.
func (h *Handlers) HandleMissingAgentID(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusBadRequest, model.KindValidation, "agentId is required")
}

// HandleUpsertMcpServer handles POST /api/mcp-servers.
func (h *Handlers) HandleUpsertMcpServer(w http.ResponseWriter, r *http.Request) {
	var req model.UpsertMcpServerRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateMcpServerInput(req.Server); err != nil {
		writeError(w, r, http.StatusBadRequest, model.KindValidation, err.Error())
		return
	}
	agent, ok := h.ownedAgent(w, r, req.AgentID)
	if !ok {
		return
	}

	sealed, err := h.box.SealMap(req.Server.Env)
	if err != nil {
		h.writeInternalError(w, r, "failed to seal mcp server env", err)
		return
	}
	saved, err := h.db.UpsertMcpServer(r.Context(), agent.ID, model.McpServer{
		Name: req.Server.Name,
		Env:  sealed,
	})
	if err != nil {
		h.writeStorageError(w, r, "failed to save mcp server", agentNotFound, err)
		return
	}

	saved.Env = req.Server.Env
	if saved.Env == nil {
		saved.Env = map[string]string{}
	}
	writeJSON(w, r, http.StatusOK, saved)
}

// HandleDeleteMcpServer handles DELETE /api/mcp-servers/{agentId}/{serverName}.
func (h *Handlers) HandleDeleteMcpServer(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.ownedAgent(w, r, r.PathValue("agentId"))
	if !ok {
		return
	}
	name := r.PathValue("serverName")
	if err := h.db.DeleteMcpServer(r.Context(), agent.ID, name); err != nil {
		h.writeStorageError(w, r, "failed to delete mcp server", "mcp server not found", err)
		return
	}
	writeSuccess(w, r)
}
