package voxdesk

import (
	"context"
	"net/http"
)

// RateLimiter decides whether a request identified by key should be allowed.
// Keys are "user:<id>" for authenticated requests and "ip:<addr>" otherwise.
// An error is treated as fail-open.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Close() error
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Extra routes share the auth gate, rate limiting, and OTEL instrumentation
// with the built-in routes: a path not on the public allow-lists requires a
// bearer token.
type RouteRegistrar func(mux *http.ServeMux)

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
type Middleware func(http.Handler) http.Handler
