package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/voxdesk/internal/auth"
	"github.com/ashita-ai/voxdesk/internal/billing"
	"github.com/ashita-ai/voxdesk/internal/ctxutil"
	"github.com/ashita-ai/voxdesk/internal/model"
	"github.com/ashita-ai/voxdesk/internal/secrets"
	"github.com/ashita-ai/voxdesk/internal/storage"
	"github.com/ashita-ai/voxdesk/internal/telemetry"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	billing             *billing.Service
	box                 *secrets.Box
	metrics             *telemetry.Instruments
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
	site                model.SiteInfo
	form                formProxy
	now                 func() time.Time
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Metrics, OpenAPISpec, FormClient.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	Billing             *billing.Service
	Box                 *secrets.Box
	Metrics             *telemetry.Instruments
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
	Site                model.SiteInfo

	FormMarker   string
	FormTimeout  time.Duration
	FormMaxBytes int64
	// FormClient overrides the outbound client used by the form proxy.
	FormClient *http.Client
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		billing:             d.Billing,
		box:                 d.Box,
		metrics:             d.Metrics,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
		site:                d.Site,
		form:                newFormProxy(d.FormMarker, d.FormTimeout, d.FormMaxBytes, d.FormClient),
		now:                 time.Now,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:   "healthy",
		Version:  h.version,
		Postgres: "connected",
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	status := http.StatusOK
	if err := h.db.Ping(r.Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Postgres = "disconnected"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// HandleSite handles GET /api/site.
func (h *Handlers) HandleSite(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.site)
}

// HandleRobots handles GET /robots.txt. The app origin is kept out of
// search indexes; the marketing site is crawlable.
func (h *Handlers) HandleRobots(w http.ResponseWriter, r *http.Request) {
	var b strings.Builder
	b.WriteString("User-agent: *\n")
	b.WriteString("Allow: /\n")
	b.WriteString("Disallow: /api/\n")
	b.WriteString("Disallow: /mcp\n")
	fmt.Fprintf(&b, "Sitemap: %s\n", joinURL(h.site.SiteURL, "/sitemap.xml"))

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write([]byte(b.String()))
}

// sitemapPaths are the public marketing pages listed in sitemap.xml.
var sitemapPaths = []string{"/", "/sign-in", "/sign-up"}

// HandleSitemap handles GET /sitemap.xml.
func (h *Handlers) HandleSitemap(w http.ResponseWriter, r *http.Request) {
	lastMod := h.startedAt.UTC().Format("2006-01-02")

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">` + "\n")
	for _, p := range sitemapPaths {
		fmt.Fprintf(&b, "  <url><loc>%s</loc><lastmod>%s</lastmod></url>\n",
			xmlEscape(joinURL(h.site.SiteURL, p)), lastMod)
	}
	b.WriteString("</urlset>\n")

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write([]byte(b.String()))
}

func joinURL(base, path string) string {
	u, err := url.JoinPath(base, path)
	if err != nil {
		return strings.TrimRight(base, "/") + path
	}
	return u
}

var xmlReplacer = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&apos;")

func xmlEscape(s string) string { return xmlReplacer.Replace(s) }

// --- Shared helpers ---

// callerID returns the authenticated user. The auth gate guarantees claims
// on every protected route.
func callerID(r *http.Request) string {
	return ctxutil.UserIDFromContext(r.Context())
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
