package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/ashita-ai/voxdesk/internal/auth"
	"github.com/ashita-ai/voxdesk/internal/model"
)

// HandleAuthToken handles POST /api/auth/token. The caller presents a user id
// and one of that user's API keys and receives a signed session token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateUserID(req.UserID); err != nil || req.APIKey == "" {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.KindUnauthorized, "invalid credentials")
		return
	}

	creds, err := h.db.ListCredentialsByUser(r.Context(), req.UserID)
	if err != nil {
		h.writeInternalError(w, r, "failed to look up credentials", err)
		return
	}

	prefix, hasPrefix := model.ParseRawKey(req.APIKey)
	var matched *model.Credential
	verified := false
	for i := range creds {
		c := &creds[i]
		// Formatted keys carry their prefix; skip hashes that cannot match.
		if hasPrefix && c.Prefix != "" && c.Prefix != prefix {
			continue
		}
		verified = true
		ok, verr := auth.VerifyAPIKey(req.APIKey, c.KeyHash)
		if verr != nil || !ok {
			continue
		}
		matched = c
		break
	}
	if !verified {
		// Response time must not reveal whether the user exists.
		auth.DummyVerify()
	}
	if matched == nil {
		writeError(w, r, http.StatusUnauthorized, model.KindUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(matched.UserID, &matched.ID)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	if err := h.db.TouchCredential(r.Context(), matched.ID); err != nil {
		h.logger.Warn("failed to record credential use",
			"credential_id", matched.ID, "user_id", matched.UserID, "error", err)
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleCreateKey handles POST /api/auth/keys.
// Mints a new API key for the caller and returns the raw key exactly once.
func (h *Handlers) HandleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req model.CreateCredentialRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateKeyLabel(req.Label); err != nil {
		writeError(w, r, http.StatusBadRequest, model.KindValidation, err.Error())
		return
	}

	rawKey, prefix, err := model.GenerateRawKey()
	if err != nil {
		h.writeInternalError(w, r, "failed to generate api key", err)
		return
	}
	hash, err := auth.HashAPIKey(rawKey)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash api key", err)
		return
	}

	created, err := h.db.CreateCredential(r.Context(), model.Credential{
		UserID:  callerID(r),
		Prefix:  prefix,
		KeyHash: hash,
		Label:   req.Label,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to create api key", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.CredentialWithRawKey{
		Credential: created,
		RawKey:     rawKey,
	})
}

// HandleListKeys handles GET /api/auth/keys. Hashes are never exposed.
func (h *Handlers) HandleListKeys(w http.ResponseWriter, r *http.Request) {
	creds, err := h.db.ListCredentialsByUser(r.Context(), callerID(r))
	if err != nil {
		h.writeInternalError(w, r, "failed to list api keys", err)
		return
	}
	writeJSON(w, r, http.StatusOK, creds)
}

// HandleRevokeKey handles DELETE /api/auth/keys/{keyId}.
func (h *Handlers) HandleRevokeKey(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("keyId"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.KindValidation, "invalid key id")
		return
	}
	if err := h.db.RevokeCredential(r.Context(), id, callerID(r)); err != nil {
		h.writeStorageError(w, r, "failed to revoke api key", "api key not found", err)
		return
	}
	writeSuccess(w, r)
}

// SeedBootstrapCredential stores apiKey as a credential for userID when that
// user has none yet. Either value empty disables seeding.
func (h *Handlers) SeedBootstrapCredential(ctx context.Context, userID, apiKey string) error {
	if userID == "" || apiKey == "" {
		h.logger.Info("no bootstrap credential configured, skipping seed")
		return nil
	}

	existing, err := h.db.ListCredentialsByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("seed bootstrap: list credentials: %w", err)
	}
	if len(existing) > 0 {
		h.logger.Info("bootstrap user already has credentials, skipping seed", "user_id", userID)
		return nil
	}

	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		return fmt.Errorf("seed bootstrap: hash key: %w", err)
	}
	prefix, _ := model.ParseRawKey(apiKey)
	if _, err := h.db.CreateCredential(ctx, model.Credential{
		UserID:  userID,
		Prefix:  prefix,
		KeyHash: hash,
		Label:   "bootstrap",
	}); err != nil {
		return fmt.Errorf("seed bootstrap: create credential: %w", err)
	}

	h.logger.Info("seeded bootstrap credential", "user_id", userID)
	return nil
}
