package model

import (
	"fmt"
	"time"
)

// PlanType selects how a user's voice usage is paid for.
type PlanType string

const (
	// PlanFree draws from a trial budget that refreshes on a fixed cadence.
	PlanFree PlanType = "free"
	// PlanBYOK runs against the user's own OpenAI key and is not capped.
	PlanBYOK PlanType = "byok"
)

// Valid reports whether p is a known plan.
func (p PlanType) Valid() bool {
	return p == PlanFree || p == PlanBYOK
}

// UserBudget is per-user metering state. UsedAmount never exceeds TotalBudget.
type UserBudget struct {
	UserID          string    `json:"userId"`
	TotalBudget     float64   `json:"totalBudget"`
	UsedAmount      float64   `json:"usedAmount"`
	LastUpdated     time.Time `json:"lastUpdated"`
	NextRefreshDate time.Time `json:"nextRefreshDate"`
	PlanType        PlanType  `json:"planType"`
	OpenAIAPIKey    *string   `json:"openaiApiKey,omitempty"`
}

// Remaining returns the unspent part of the budget, floored at zero.
func (b UserBudget) Remaining() float64 {
	if r := b.TotalBudget - b.UsedAmount; r > 0 {
		return r
	}
	return 0
}

// SetPlanRequest is the request body for PUT /api/budget/plan.
type SetPlanRequest struct {
	PlanType     PlanType `json:"planType"`
	OpenAIAPIKey *string  `json:"openaiApiKey,omitempty"`
}

// TokenCounts splits a token total by how the model billed it.
type TokenCounts struct {
	UncachedInput int64 `json:"uncached_input"`
	CachedInput   int64 `json:"cached_input"`
	Output        int64 `json:"output"`
}

// TokenUsage is token consumption for one session, by modality.
type TokenUsage struct {
	Text  TokenCounts `json:"text"`
	Audio TokenCounts `json:"audio"`
}

// CostBreakdown is the monetary counterpart of TokenCounts, in USD.
type CostBreakdown struct {
	UncachedInput float64 `json:"uncached_input"`
	CachedInput   float64 `json:"cached_input"`
	Output        float64 `json:"output"`
}

func (c CostBreakdown) sum() float64 {
	return c.UncachedInput + c.CachedInput + c.Output
}

// TokenCosts is the cost of TokenUsage, by modality.
type TokenCosts struct {
	Text  CostBreakdown `json:"text"`
	Audio CostBreakdown `json:"audio"`
}

// CostData is a point-in-time snapshot of a session's consumption and cost.
// IsFinal distinguishes the settled figure from a running estimate.
type CostData struct {
	SessionID string     `json:"session_id,omitempty"`
	Usage     TokenUsage `json:"usage"`
	Costs     TokenCosts `json:"costs"`
	TotalCost float64    `json:"total_cost"`
	IsFinal   bool       `json:"is_final"`
	IsPremium bool       `json:"is_premium"`
}

// Total returns TotalCost, falling back to the sum of the breakdown when
// the caller did not fill it in.
func (c CostData) Total() float64 {
	if c.TotalCost > 0 {
		return c.TotalCost
	}
	return c.Costs.Text.sum() + c.Costs.Audio.sum()
}

// ValidateCostData rejects negative counts and costs. A final snapshot must
// name its session, which is the key that makes its charge replay-safe.
func ValidateCostData(c CostData) error {
	if c.IsFinal && c.SessionID == "" {
		return fmt.Errorf("session_id is required for a final cost")
	}
	if len(c.SessionID) > MaxEventIDLen {
		return fmt.Errorf("session_id exceeds maximum length of %d characters", MaxEventIDLen)
	}
	if c.TotalCost < 0 {
		return fmt.Errorf("total_cost must not be negative")
	}
	for label, counts := range map[string]TokenCounts{"text": c.Usage.Text, "audio": c.Usage.Audio} {
		if counts.UncachedInput < 0 || counts.CachedInput < 0 || counts.Output < 0 {
			return fmt.Errorf("usage.%s token counts must not be negative", label)
		}
	}
	for label, costs := range map[string]CostBreakdown{"text": c.Costs.Text, "audio": c.Costs.Audio} {
		if costs.UncachedInput < 0 || costs.CachedInput < 0 || costs.Output < 0 {
			return fmt.Errorf("costs.%s must not be negative", label)
		}
	}
	return nil
}

// MaskSecret keeps the last four characters of a secret for display.
func MaskSecret(s string) string {
	const visible = 4
	if len(s) <= visible {
		return "****"
	}
	return "****" + s[len(s)-visible:]
}
