// Package billing meters voice usage against per-user budgets.
//
// Free-plan users draw from a trial budget that refreshes on a fixed cadence.
// BYOK users run against their own OpenAI key and are never charged. When
// Stripe is configured, users can buy top-ups that raise their total budget.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	stripe "github.com/stripe/stripe-go/v84"

	"github.com/ashita-ai/voxdesk/internal/model"
	"github.com/ashita-ai/voxdesk/internal/secrets"
	"github.com/ashita-ai/voxdesk/internal/storage"
)

// Sentinel errors for input the handlers answer with 400 or 503.
var (
	ErrInvalidPlan     = errors.New("billing: invalid plan")
	ErrInvalidUsage    = errors.New("billing: invalid usage")
	ErrBillingDisabled = errors.New("billing: top-ups not configured")
)

// Store is the slice of storage.DB the service needs.
type Store interface {
	EnsureUserBudget(ctx context.Context, userID string, total float64, nextRefresh time.Time) (model.UserBudget, error)
	ChargeUsage(ctx context.Context, userID, sessionID string, cost float64, now time.Time, refreshEvery time.Duration) (model.UserBudget, error)
	RefreshDueBudgets(ctx context.Context, now time.Time, refreshEvery time.Duration) (int64, error)
	SetUserPlan(ctx context.Context, userID string, plan model.PlanType, sealedKey *string) (model.UserBudget, error)
	CreditTopUp(ctx context.Context, checkoutID, userID string, amount float64) (model.UserBudget, bool, error)
}

// Config holds budget policy and optional Stripe settings.
type Config struct {
	TrialBudget     float64
	RefreshInterval time.Duration
	SweepInterval   time.Duration

	StripeSecretKey     string
	StripeWebhookSecret string
	StripeTopUpPriceID  string
	TopUpUnitAmount     float64 // USD credited per purchased unit.
}

// Service enforces usedAmount <= totalBudget and owns the plan lifecycle.
type Service struct {
	store  Store
	box    *secrets.Box
	cfg    Config
	client *stripe.Client
	logger *slog.Logger
	now    func() time.Time
}

// New creates a billing service. Stripe top-ups are enabled only when a
// secret key is set; the webhook secret and price id are then required.
func New(store Store, box *secrets.Box, cfg Config, logger *slog.Logger) (*Service, error) {
	if cfg.TrialBudget < 0 {
		return nil, fmt.Errorf("billing: trial budget must not be negative")
	}
	if cfg.RefreshInterval <= 0 {
		return nil, fmt.Errorf("billing: refresh interval must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if box == nil {
		box = &secrets.Box{}
	}

	var client *stripe.Client
	if cfg.StripeSecretKey != "" {
		if cfg.StripeWebhookSecret == "" {
			return nil, fmt.Errorf("billing: STRIPE_WEBHOOK_SECRET is required when top-ups are enabled")
		}
		if cfg.StripeTopUpPriceID == "" {
			return nil, fmt.Errorf("billing: STRIPE_TOPUP_PRICE_ID is required when top-ups are enabled")
		}
		if cfg.TopUpUnitAmount <= 0 {
			return nil, fmt.Errorf("billing: top-up unit amount must be positive")
		}
		client = stripe.NewClient(cfg.StripeSecretKey)
	}

	return &Service{
		store:  store,
		box:    box,
		cfg:    cfg,
		client: client,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Ensure returns the user's budget, creating the trial budget on first access.
// The BYOK key is masked.
func (s *Service) Ensure(ctx context.Context, userID string) (model.UserBudget, error) {
	b, err := s.ensure(ctx, userID)
	if err != nil {
		return model.UserBudget{}, err
	}
	return s.mask(b), nil
}

func (s *Service) ensure(ctx context.Context, userID string) (model.UserBudget, error) {
	b, err := s.store.EnsureUserBudget(ctx, userID, s.cfg.TrialBudget, s.now().Add(s.cfg.RefreshInterval))
	if err != nil {
		return model.UserBudget{}, fmt.Errorf("billing: ensure budget: %w", err)
	}
	return b, nil
}

// Charge bills a final CostData snapshot against a free-plan budget. Each
// session is charged at most once; replaying its final cost returns the
// current budget. Running estimates and BYOK usage are accepted without
// charging.
// Returns storage.ErrBudgetExceeded (wrapped) when the charge does not fit.
func (s *Service) Charge(ctx context.Context, userID string, c model.CostData) (model.UserBudget, error) {
	if err := model.ValidateCostData(c); err != nil {
		return model.UserBudget{}, fmt.Errorf("%w: %v", ErrInvalidUsage, err)
	}

	b, err := s.ensure(ctx, userID)
	if err != nil {
		return model.UserBudget{}, err
	}
	cost := c.Total()
	if !c.IsFinal || b.PlanType == model.PlanBYOK || cost == 0 {
		return s.mask(b), nil
	}

	charged, err := s.store.ChargeUsage(ctx, userID, c.SessionID, cost, s.now(), s.cfg.RefreshInterval)
	if err != nil {
		if errors.Is(err, storage.ErrBudgetExceeded) {
			s.logger.Info("billing: charge rejected",
				"user_id", userID, "session_id", c.SessionID, "cost", cost,
				"used", b.UsedAmount, "total", b.TotalBudget)
		}
		return model.UserBudget{}, fmt.Errorf("billing: charge: %w", err)
	}
	return s.mask(charged), nil
}

// SetPlan switches a user's plan. byok requires a non-empty API key, which is
// sealed before it is stored; free must not carry one.
func (s *Service) SetPlan(ctx context.Context, userID string, plan model.PlanType, apiKey *string) (model.UserBudget, error) {
	if !plan.Valid() {
		return model.UserBudget{}, fmt.Errorf("%w: planType must be %q or %q", ErrInvalidPlan, model.PlanFree, model.PlanBYOK)
	}
	hasKey := apiKey != nil && *apiKey != ""

	var sealed *string
	switch plan {
	case model.PlanBYOK:
		if !hasKey {
			return model.UserBudget{}, fmt.Errorf("%w: openaiApiKey is required for the byok plan", ErrInvalidPlan)
		}
		v, err := s.box.Seal(*apiKey)
		if err != nil {
			return model.UserBudget{}, fmt.Errorf("billing: seal api key: %w", err)
		}
		sealed = &v
	case model.PlanFree:
		if hasKey {
			return model.UserBudget{}, fmt.Errorf("%w: openaiApiKey is only accepted for the byok plan", ErrInvalidPlan)
		}
	}

	if _, err := s.ensure(ctx, userID); err != nil {
		return model.UserBudget{}, err
	}
	b, err := s.store.SetUserPlan(ctx, userID, plan, sealed)
	if err != nil {
		return model.UserBudget{}, fmt.Errorf("billing: set plan: %w", err)
	}
	s.logger.Info("billing: plan changed", "user_id", userID, "plan", plan)
	return s.mask(b), nil
}

// RefreshDue resets every budget whose refresh date is at or before now.
func (s *Service) RefreshDue(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := storage.WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		var err error
		n, err = s.store.RefreshDueBudgets(ctx, now, s.cfg.RefreshInterval)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("billing: refresh due: %w", err)
	}
	return n, nil
}

// Run sweeps due refreshes every SweepInterval until ctx is cancelled.
// Charges apply a due refresh on their own, so the sweep only keeps idle
// budgets current for display.
func (s *Service) Run(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.RefreshDue(ctx, s.now())
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("billing: refresh sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("billing: budgets refreshed", "count", n)
			}
		}
	}
}

// mask replaces the stored BYOK key with its masked plaintext form.
func (s *Service) mask(b model.UserBudget) model.UserBudget {
	if b.OpenAIAPIKey == nil {
		return b
	}
	masked := "****"
	if plain, err := s.box.Open(*b.OpenAIAPIKey); err == nil {
		masked = model.MaskSecret(plain)
	} else {
		s.logger.Warn("billing: cannot open stored api key", "user_id", b.UserID, "error", err)
	}
	b.OpenAIAPIKey = &masked
	return b
}
