package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ashita-ai/voxdesk/internal/ctxutil"
	"github.com/ashita-ai/voxdesk/internal/model"
	"github.com/ashita-ai/voxdesk/internal/storage"
)

// writeJSON writes data as the bare response body. Resources are not wrapped
// in an envelope so the wire shape matches what browser clients already parse.
func writeJSON(w http.ResponseWriter, _ *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes the {error, kind} envelope.
func writeError(w http.ResponseWriter, r *http.Request, status int, kind model.ErrorKind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error:     message,
		Kind:      kind,
		RequestID: ctxutil.RequestIDFromContext(r.Context()),
	})
}

func writeSuccess(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, model.SuccessResponse{Success: true})
}

// writeInternalError logs err with the request id and answers with a generic
// storage-kind 500. The client never sees err.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"error", err,
		"request_id", ctxutil.RequestIDFromContext(r.Context()),
		"method", r.Method,
		"path", r.URL.Path,
	)
	writeError(w, r, http.StatusInternalServerError, model.KindStorage, msg)
}

// writeStorageError maps storage sentinels onto the error envelope.
// notFoundMsg is the client-facing message for ErrNotFound.
func (h *Handlers) writeStorageError(w http.ResponseWriter, r *http.Request, msg, notFoundMsg string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.KindNotFound, notFoundMsg)
	case errors.Is(err, storage.ErrConflict):
		writeError(w, r, http.StatusConflict, model.KindConflict, "conflicts with an existing record")
	case errors.Is(err, storage.ErrBudgetExceeded):
		writeError(w, r, http.StatusPaymentRequired, model.KindBudgetExceeded, "usage budget exceeded")
	default:
		h.writeInternalError(w, r, msg, err)
	}
}

// decodeJSON decodes a size-capped JSON body into target. Unknown fields and
// trailing data are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, target any, maxBytes int64) error {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return err
	}
	if decoder.More() {
		return fmt.Errorf("unexpected data after JSON body")
	}
	return nil
}

// handleDecodeError writes 413 for an oversized body and 400 otherwise.
func handleDecodeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		writeError(w, r, http.StatusRequestEntityTooLarge, model.KindValidation,
			fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
	case errors.Is(err, io.EOF):
		writeError(w, r, http.StatusBadRequest, model.KindValidation, "request body is required")
	default:
		writeError(w, r, http.StatusBadRequest, model.KindValidation, "invalid request body: "+err.Error())
	}
}

func requestID(r *http.Request) string {
	return ctxutil.RequestIDFromContext(r.Context())
}
