package billing

import (
	"context"
	"fmt"
	"strconv"

	stripe "github.com/stripe/stripe-go/v84"

	"github.com/ashita-ai/voxdesk/internal/model"
)

// TopUpsEnabled reports whether Stripe is configured.
func (s *Service) TopUpsEnabled() bool { return s.client != nil }

// CreateTopUpCheckout creates a Stripe Checkout session selling req.Quantity
// units of the configured top-up price. The credited amount is fixed in the
// session metadata so a later change to the unit amount cannot alter a
// purchase in flight.
func (s *Service) CreateTopUpCheckout(ctx context.Context, userID string, req model.TopUpRequest) (string, error) {
	if !s.TopUpsEnabled() {
		return "", ErrBillingDisabled
	}
	credit := float64(req.Quantity) * s.cfg.TopUpUnitAmount

	sess, err := s.client.V1CheckoutSessions.Create(ctx, &stripe.CheckoutSessionCreateParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(userID),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(s.cfg.StripeTopUpPriceID),
				Quantity: stripe.Int64(req.Quantity),
			},
		},
		Metadata: map[string]string{
			"user_id":    userID,
			"credit_usd": strconv.FormatFloat(credit, 'f', 2, 64),
		},
	})
	if err != nil {
		return "", fmt.Errorf("billing: create checkout session: %w", err)
	}
	s.logger.Info("billing: top-up checkout created", "user_id", userID, "quantity", req.Quantity, "credit_usd", credit)
	return sess.URL, nil
}
