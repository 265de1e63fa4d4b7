package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/voxdesk/internal/ctxutil"
	"github.com/ashita-ai/voxdesk/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func decodeAPIError(t *testing.T, rec *httptest.ResponseRecorder) model.APIError {
	t.Helper()
	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr), rec.Body.String())
	return apiErr
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = ctxutil.RequestIDFromContext(r.Context())
	}))

	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{name: "generated when absent", incoming: "", keep: false},
		{name: "client id reused", incoming: "req-abc-123", keep: true},
		{name: "too long replaced", incoming: strings.Repeat("a", maxRequestIDLen+1), keep: false},
		{name: "control characters replaced", incoming: "bad\nid", keep: false},
		{name: "spaces replaced", incoming: "has space", keep: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.incoming != "" {
				req.Header.Set("X-Request-ID", tt.incoming)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.NotEmpty(t, seen)
			assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
			if tt.keep {
				assert.Equal(t, tt.incoming, seen)
			} else {
				assert.NotEqual(t, tt.incoming, seen)
			}
		})
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := securityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := requestIDMiddleware(recoveryMiddleware(discardLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
	req.Header.Set("X-Request-ID", "req-panic")
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	apiErr := decodeAPIError(t, rec)
	assert.Equal(t, model.KindStorage, apiErr.Kind)
	assert.Equal(t, "internal error", apiErr.Error)
	assert.Equal(t, "req-panic", apiErr.RequestID)
}

func TestRecoveryMiddleware_RepanicsAbortHandler(t *testing.T) {
	handler := recoveryMiddleware(discardLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestLoggingMiddleware_RecordsUser(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		recordUser(w, "user_42")
		w.WriteHeader(http.StatusTeapot)
	})
	// tracingMiddleware adds a second statusWriter between the logger and
	// the handler; recordUser must reach both.
	handler := loggingMiddleware(logger, tracingMiddleware(nil, inner))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/events/log", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "http request", entry["msg"])
	assert.Equal(t, "user_42", entry["user_id"])
	assert.Equal(t, float64(http.StatusTeapot), entry["status"])
	assert.Equal(t, "WARN", entry["level"])
}

func TestStatusWriter_FirstStatusWins(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	sw.WriteHeader(http.StatusCreated)
	sw.WriteHeader(http.StatusInternalServerError)
	assert.Equal(t, http.StatusCreated, sw.statusCode)

	_, ok := any(sw).(http.Flusher)
	assert.True(t, ok)
	assert.Equal(t, rec, sw.Unwrap())
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Name string `json:"name"`
	}
	tests := []struct {
		name       string
		payload    string
		maxBytes   int64
		wantStatus int
		wantMsg    string
	}{
		{name: "valid", payload: `{"name":"Demo"}`, wantStatus: http.StatusOK},
		{name: "empty", payload: ``, wantStatus: http.StatusBadRequest, wantMsg: "request body is required"},
		{name: "unknown field", payload: `{"name":"Demo","extra":1}`, wantStatus: http.StatusBadRequest, wantMsg: "unknown field"},
		{name: "trailing data", payload: `{"name":"a"}{"name":"b"}`, wantStatus: http.StatusBadRequest, wantMsg: "unexpected data"},
		{name: "too large", payload: `{"name":"` + strings.Repeat("x", 100) + `"}`, maxBytes: 32, wantStatus: http.StatusRequestEntityTooLarge, wantMsg: "exceeds 32 bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var b body
				if err := decodeJSON(w, r, &b, tt.maxBytes); err != nil {
					handleDecodeError(w, r, err)
					return
				}
				writeJSON(w, r, http.StatusOK, b)
			})
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.payload)))

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantMsg != "" {
				apiErr := decodeAPIError(t, rec)
				assert.Equal(t, model.KindValidation, apiErr.Kind)
				assert.Contains(t, apiErr.Error, tt.wantMsg)
			}
		})
	}
}

func TestUnmatchedRoutesUseEnvelope(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/mcp-servers/{agentId}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, []model.McpServer{})
	})
	handler := unmatchedRoutes(mux)

	tests := []struct {
		name   string
		method string
		path   string
		status int
		kind   model.ErrorKind
	}{
		{"empty segment", http.MethodGet, "/api/mcp-servers/", http.StatusNotFound, model.KindNotFound},
		{"unknown path", http.MethodGet, "/api/nope", http.StatusNotFound, model.KindNotFound},
		{"wrong method", http.MethodPut, "/api/mcp-servers/a1", http.StatusMethodNotAllowed, model.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.kind, decodeAPIError(t, rec).Kind)
			if tt.status == http.StatusMethodNotAllowed {
				assert.Contains(t, rec.Header().Get("Allow"), http.MethodGet)
			}
		})
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/mcp-servers/a1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
