package voxdesk

import "github.com/ashita-ai/voxdesk/internal/model"

// Wire types shared with the server.
type (
	Agent            = model.Agent
	AgentInput       = model.AgentInput
	AgentPatch       = model.AgentPatch
	AgentRef         = model.AgentRef
	Tool             = model.Tool
	ToolLogic        = model.ToolLogic
	McpServer        = model.McpServer
	McpServerInput   = model.McpServerInput
	Session          = model.Session
	Event            = model.Event
	EventInput       = model.EventInput
	Direction        = model.Direction
	Credential       = model.Credential
	CreatedAPIKey    = model.CredentialWithRawKey
	UserBudget       = model.UserBudget
	PlanType         = model.PlanType
	CostData         = model.CostData
	TokenUsage       = model.TokenUsage
	TokenCosts       = model.TokenCosts
	TopUpRequest     = model.TopUpRequest
	SiteInfo         = model.SiteInfo
	HealthResponse   = model.HealthResponse
	SuccessResponse  = model.SuccessResponse
	AuthTokenRequest = model.AuthTokenRequest
	// AuthTokenResponse is the body of a successful token exchange.
	AuthTokenResponse = model.AuthTokenResponse
)

const (
	DirectionInbound  = model.DirectionInbound
	DirectionOutbound = model.DirectionOutbound

	PlanFree = model.PlanFree
	PlanBYOK = model.PlanBYOK
)

// SessionListOptions narrows ListSessions. Zero values use server defaults.
type SessionListOptions struct {
	AgentID string
	Limit   int
}
