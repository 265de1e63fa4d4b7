package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	stripe "github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"
)

// HandleWebhook processes a Stripe webhook event. Returns the HTTP status code
// to respond with and any error. Verifies the webhook signature, then dispatches
// on the event type. Unhandled types are acknowledged with 200.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, sigHeader string) (int, error) {
	if !s.TopUpsEnabled() {
		return http.StatusServiceUnavailable, ErrBillingDisabled
	}
	// The dashboard pins the endpoint's API version, so a library upgrade
	// must not start rejecting deliveries.
	event, err := webhook.ConstructEventWithOptions(body, sigHeader, s.cfg.StripeWebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("billing: invalid webhook signature: %w", err)
	}
	return s.dispatch(ctx, event)
}

func (s *Service) dispatch(ctx context.Context, event stripe.Event) (int, error) {
	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		return s.handleCheckoutCompleted(ctx, event)
	case "checkout.session.async_payment_failed":
		s.logger.Warn("billing: top-up payment failed", "event_id", event.ID)
		return http.StatusOK, nil
	default:
		return http.StatusOK, nil
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, event stripe.Event) (int, error) {
	if event.Data == nil {
		return http.StatusBadRequest, fmt.Errorf("billing: checkout event without data")
	}
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return http.StatusBadRequest, fmt.Errorf("billing: unmarshal checkout session: %w", err)
	}

	// Delayed payment methods complete the session before the money arrives;
	// async_payment_succeeded redelivers it once paid.
	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		s.logger.Info("billing: checkout completed but unpaid", "checkout_id", sess.ID, "payment_status", sess.PaymentStatus)
		return http.StatusOK, nil
	}

	userID, ok := sess.Metadata["user_id"]
	if !ok || userID == "" {
		return http.StatusBadRequest, fmt.Errorf("billing: missing user_id in checkout metadata")
	}
	credit, err := strconv.ParseFloat(sess.Metadata["credit_usd"], 64)
	if err != nil || credit <= 0 {
		return http.StatusBadRequest, fmt.Errorf("billing: invalid credit_usd in checkout metadata")
	}

	if _, err := s.ensure(ctx, userID); err != nil {
		return http.StatusInternalServerError, err
	}
	b, applied, err := s.store.CreditTopUp(ctx, sess.ID, userID, credit)
	if err != nil {
		return http.StatusInternalServerError, fmt.Errorf("billing: credit top-up: %w", err)
	}
	if !applied {
		s.logger.Info("billing: duplicate checkout ignored", "checkout_id", sess.ID, "user_id", userID)
		return http.StatusOK, nil
	}

	s.logger.Info("billing: top-up credited",
		"checkout_id", sess.ID,
		"user_id", userID,
		"credit_usd", credit,
		"total_budget", b.TotalBudget,
	)
	return http.StatusOK, nil
}
