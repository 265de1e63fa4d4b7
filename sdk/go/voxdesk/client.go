package voxdesk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/voxdesk/internal/model"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the voxdesk server (e.g. "http://localhost:8080").
	BaseURL string

	// UserID and APIKey are exchanged for a session token.
	UserID string
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests and to fetches shared
	// between stores. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the voxdesk API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
	timeout  time.Duration // bounds fetches shared between stores

	// Shared by every store built from this client so that stores watching
	// the same entity coalesce fetches and serialize mutations.
	flights singleflight.Group
	locks   keyedMutex
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, UserID, or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("voxdesk: BaseURL is required")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("voxdesk: UserID is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("voxdesk: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.UserID, cfg.APIKey, httpClient),
		timeout:  timeout,
	}, nil
}

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

// GetAgent returns one of the caller's agents.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var a Agent
	if err := c.get(ctx, "/api/agents/"+url.PathEscape(agentID), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAgents returns the caller's agents, newest first.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	if err := c.get(ctx, "/api/agents", &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// CreateAgent creates an agent. Name and instructions are required.
func (c *Client) CreateAgent(ctx context.Context, in AgentInput) (*Agent, error) {
	var a Agent
	if err := c.post(ctx, "/api/agents", in, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateAgent applies a partial update. Nil patch fields are left unchanged.
func (c *Client) UpdateAgent(ctx context.Context, agentID string, patch AgentPatch) (*Agent, error) {
	var a Agent
	if err := c.patch(ctx, "/api/agents/"+url.PathEscape(agentID), patch, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// DeleteAgent deletes an agent and its MCP server configuration.
func (c *Client) DeleteAgent(ctx context.Context, agentID string) error {
	return c.doDelete(ctx, "/api/agents/"+url.PathEscape(agentID), nil)
}

// ---------------------------------------------------------------------------
// MCP servers
// ---------------------------------------------------------------------------

// ListMcpServers returns the MCP servers configured for an agent.
func (c *Client) ListMcpServers(ctx context.Context, agentID string) ([]McpServer, error) {
	if agentID == "" {
		return nil, fmt.Errorf("voxdesk: agentID is required")
	}
	var servers []McpServer
	if err := c.get(ctx, "/api/mcp-servers/"+url.PathEscape(agentID), &servers); err != nil {
		return nil, err
	}
	return servers, nil
}

// UpsertMcpServer creates or replaces the named server for an agent.
func (c *Client) UpsertMcpServer(ctx context.Context, agentID string, in McpServerInput) (*McpServer, error) {
	var s McpServer
	body := model.UpsertMcpServerRequest{AgentID: agentID, Server: in}
	if err := c.post(ctx, "/api/mcp-servers", body, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteMcpServer removes the named server from an agent.
func (c *Client) DeleteMcpServer(ctx context.Context, agentID, name string) error {
	return c.doDelete(ctx, "/api/mcp-servers/"+url.PathEscape(agentID)+"/"+url.PathEscape(name), nil)
}

// ---------------------------------------------------------------------------
// Sessions and events
// ---------------------------------------------------------------------------

// ListSessions returns the caller's sessions, most recent first.
func (c *Client) ListSessions(ctx context.Context, opts SessionListOptions) ([]Session, error) {
	params := url.Values{}
	if opts.AgentID != "" {
		params.Set("agentId", opts.AgentID)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := "/api/sessions"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var sessions []Session
	if err := c.get(ctx, path, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// CreateSession opens a session with one of the caller's agents.
func (c *Client) CreateSession(ctx context.Context, agentID string) (*Session, error) {
	var s Session
	if err := c.post(ctx, "/api/sessions", model.CreateSessionRequest{AgentID: agentID}, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessionEvents returns a session's events in arrival order.
func (c *Client) ListSessionEvents(ctx context.Context, sessionID string) ([]Event, error) {
	var events []Event
	if err := c.get(ctx, "/api/sessions/"+url.PathEscape(sessionID)+"/events", &events); err != nil {
		return nil, err
	}
	return events, nil
}

// LogEvent appends an event to a session, creating the session on first
// sight. Resending an identical event succeeds; reusing an id with different
// content returns a conflict.
func (c *Client) LogEvent(ctx context.Context, sessionID string, ev EventInput) error {
	return c.post(ctx, "/api/events/log", model.LogEventRequest{SessionID: sessionID, Event: ev}, nil)
}

// ---------------------------------------------------------------------------
// Budget
// ---------------------------------------------------------------------------

// GetBudget returns the caller's budget, creating the trial budget on first
// access.
func (c *Client) GetBudget(ctx context.Context) (*UserBudget, error) {
	var b UserBudget
	if err := c.get(ctx, "/api/budget", &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// SetPlan switches plans. apiKey is required for PlanBYOK and must be nil
// for PlanFree.
func (c *Client) SetPlan(ctx context.Context, plan PlanType, apiKey *string) (*UserBudget, error) {
	var b UserBudget
	if err := c.put(ctx, "/api/budget/plan", model.SetPlanRequest{PlanType: plan, OpenAIAPIKey: apiKey}, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// RecordUsage reports a cost snapshot. Final snapshots on the free plan are
// charged; IsBudgetExceeded(err) reports a charge that did not fit.
func (c *Client) RecordUsage(ctx context.Context, cost CostData) (*UserBudget, error) {
	var b UserBudget
	if err := c.post(ctx, "/api/budget/usage", cost, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateTopUpCheckout returns the hosted checkout URL for buying budget.
func (c *Client) CreateTopUpCheckout(ctx context.Context, req TopUpRequest) (string, error) {
	var resp model.TopUpResponse
	if err := c.post(ctx, "/api/budget/checkout", req, &resp); err != nil {
		return "", err
	}
	return resp.CheckoutURL, nil
}

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

// CreateAPIKey mints a new key. The raw key is only returned here.
func (c *Client) CreateAPIKey(ctx context.Context, label string) (*CreatedAPIKey, error) {
	var k CreatedAPIKey
	if err := c.post(ctx, "/api/auth/keys", model.CreateCredentialRequest{Label: label}, &k); err != nil {
		return nil, err
	}
	return &k, nil
}

// ListAPIKeys returns the caller's active keys.
func (c *Client) ListAPIKeys(ctx context.Context) ([]Credential, error) {
	var keys []Credential
	if err := c.get(ctx, "/api/auth/keys", &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// RevokeAPIKey revokes one of the caller's keys.
func (c *Client) RevokeAPIKey(ctx context.Context, keyID string) error {
	return c.doDelete(ctx, "/api/auth/keys/"+url.PathEscape(keyID), nil)
}

// ---------------------------------------------------------------------------
// Misc
// ---------------------------------------------------------------------------

// Setup applies pending schema migrations on the server.
func (c *Client) Setup(ctx context.Context) error {
	return c.post(ctx, "/api/setup", struct{}{}, nil)
}

// FetchForm asks the server to fetch a public form page and returns its HTML.
func (c *Client) FetchForm(ctx context.Context, formURL string) (string, error) {
	var resp model.FormResponse
	if err := c.post(ctx, "/api/form", model.FormRequest{URL: formURL}, &resp); err != nil {
		return "", err
	}
	return resp.HTML, nil
}

// Site returns the public site metadata. No authentication is required.
func (c *Client) Site(ctx context.Context) (*SiteInfo, error) {
	var s SiteInfo
	if err := c.getNoAuth(ctx, "/api/site", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Health checks server health. No authentication is required.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var h HealthResponse
	if err := c.getNoAuth(ctx, "/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	return c.send(ctx, http.MethodPost, path, body, dest)
}

func (c *Client) put(ctx context.Context, path string, body any, dest any) error {
	return c.send(ctx, http.MethodPut, path, body, dest)
}

func (c *Client) patch(ctx context.Context, path string, body any, dest any) error {
	return c.send(ctx, http.MethodPatch, path, body, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	return c.send(ctx, http.MethodGet, path, nil, dest)
}

func (c *Client) doDelete(ctx context.Context, path string, dest any) error {
	return c.send(ctx, http.MethodDelete, path, nil, dest)
}

func (c *Client) send(ctx context.Context, method, path string, body any, dest any) error {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("voxdesk: marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("voxdesk: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.doRequest(ctx, req, dest)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("voxdesk: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("voxdesk: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("voxdesk: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// A revoked key or restarted server invalidates the token; the next
	// call exchanges the key again. The failed call is not retried.
	if resp.StatusCode == http.StatusUnauthorized {
		c.tokenMgr.invalidate()
	}
	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("voxdesk: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	if resp.StatusCode == http.StatusNoContent || dest == nil || len(bytes.TrimSpace(bodyBytes)) == 0 {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("voxdesk: decode response: %w", err)
	}
	return nil
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope model.APIError
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != "" {
		apiErr.Kind = string(envelope.Kind)
		apiErr.Message = envelope.Error
		apiErr.RequestID = envelope.RequestID
	} else {
		apiErr.Kind = http.StatusText(statusCode)
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}
