package server

import "net/http"

// HandleSetup handles POST /api/setup. Applies any pending migrations; a
// second call is a no-op.
func (h *Handlers) HandleSetup(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Setup(r.Context()); err != nil {
		h.writeInternalError(w, r, "failed to set up database", err)
		return
	}
	h.logger.Info("database setup complete", "user_id", callerID(r))
	writeSuccess(w, r)
}
