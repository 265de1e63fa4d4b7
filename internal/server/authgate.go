package server

import (
	"net/http"
	"strings"

	"github.com/ashita-ai/voxdesk/internal/auth"
	"github.com/ashita-ai/voxdesk/internal/ctxutil"
	"github.com/ashita-ai/voxdesk/internal/model"
)

// TokenValidator verifies a bearer token. *auth.JWTManager satisfies it.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// AuthGateConfig lists the paths reachable without a bearer token.
//
// PublicPages are informational routes (landing, sign-in, health, robots).
// PublicTokenRoutes authenticate the caller themselves, such as the token
// exchange. Entries ending in "*" match by prefix; all others match exactly.
type AuthGateConfig struct {
	PublicPages       []string
	PublicTokenRoutes []string
}

// AuthGate rejects requests to protected paths that lack a valid bearer
// token, before any handler runs.
type AuthGate struct {
	pages       []routePattern
	tokenRoutes []routePattern
	validator   TokenValidator
}

type routePattern struct {
	path   string
	prefix bool
}

func compilePatterns(entries []string) []routePattern {
	out := make([]routePattern, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.HasSuffix(e, "*") {
			out = append(out, routePattern{path: strings.TrimSuffix(e, "*"), prefix: true})
			continue
		}
		out = append(out, routePattern{path: e})
	}
	return out
}

func (p routePattern) match(path string) bool {
	if p.prefix {
		return strings.HasPrefix(path, p.path)
	}
	return path == p.path
}

// NewAuthGate builds a gate from cfg. The config slices are copied.
func NewAuthGate(cfg AuthGateConfig, validator TokenValidator) *AuthGate {
	return &AuthGate{
		pages:       compilePatterns(cfg.PublicPages),
		tokenRoutes: compilePatterns(cfg.PublicTokenRoutes),
		validator:   validator,
	}
}

// IsPublic reports whether path matches either allow-list.
func (g *AuthGate) IsPublic(path string) bool {
	for _, p := range g.pages {
		if p.match(path) {
			return true
		}
	}
	for _, p := range g.tokenRoutes {
		if p.match(path) {
			return true
		}
	}
	return false
}

// Middleware enforces the gate. Valid claims are attached to the request
// context for handlers and the MCP tools.
func (g *AuthGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.IsPublic(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, r, http.StatusUnauthorized, model.KindUnauthorized, "missing authorization header")
			return
		}
		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			writeError(w, r, http.StatusUnauthorized, model.KindUnauthorized, "invalid authorization format")
			return
		}

		claims, err := g.validator.ValidateToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, model.KindUnauthorized, "invalid or expired token")
			return
		}

		recordUser(w, claims.UserID)
		next.ServeHTTP(w, r.WithContext(ctxutil.WithClaims(r.Context(), claims)))
	})
}
