package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/ashita-ai/voxdesk/internal/billing"
	"github.com/ashita-ai/voxdesk/internal/model"
	"github.com/ashita-ai/voxdesk/internal/storage"
)

// maxWebhookBytes bounds Stripe webhook payloads independently of the API
// body limit.
const maxWebhookBytes = 1 << 20

// writeBillingError maps billing validation errors to 400 and defers the
// rest to writeStorageError.
func (h *Handlers) writeBillingError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, billing.ErrInvalidPlan), errors.Is(err, billing.ErrInvalidUsage):
		writeError(w, r, http.StatusBadRequest, model.KindValidation, err.Error())
	case errors.Is(err, billing.ErrBillingDisabled):
		writeError(w, r, http.StatusServiceUnavailable, model.KindUnavailable, "billing not configured")
	default:
		h.writeStorageError(w, r, msg, "budget not found", err)
	}
}

// HandleGetBudget handles GET /api/budget. First access creates the trial
// budget.
func (h *Handlers) HandleGetBudget(w http.ResponseWriter, r *http.Request) {
	b, err := h.billing.Ensure(r.Context(), callerID(r))
	if err != nil {
		h.writeBillingError(w, r, "failed to load budget", err)
		return
	}
	writeJSON(w, r, http.StatusOK, b)
}

// HandleSetPlan handles PUT /api/budget/plan.
func (h *Handlers) HandleSetPlan(w http.ResponseWriter, r *http.Request) {
	var req model.SetPlanRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	b, err := h.billing.SetPlan(r.Context(), callerID(r), req.PlanType, req.OpenAIAPIKey)
	if err != nil {
		h.writeBillingError(w, r, "failed to set plan", err)
		return
	}
	writeJSON(w, r, http.StatusOK, b)
}

// HandleRecordUsage handles POST /api/budget/usage. A final cost snapshot is
// charged against a free-plan budget; 402 when it does not fit.
func (h *Handlers) HandleRecordUsage(w http.ResponseWriter, r *http.Request) {
	var cost model.CostData
	if err := decodeJSON(w, r, &cost, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	b, err := h.billing.Charge(r.Context(), callerID(r), cost)
	if err != nil {
		if errors.Is(err, storage.ErrBudgetExceeded) {
			h.metrics.Charge(r.Context(), 0, true)
		}
		h.writeBillingError(w, r, "failed to record usage", err)
		return
	}
	if cost.IsFinal && b.PlanType == model.PlanFree {
		h.metrics.Charge(r.Context(), cost.Total(), false)
	}
	writeJSON(w, r, http.StatusOK, b)
}

// HandleTopUpCheckout handles POST /api/budget/checkout. Returns the hosted
// Stripe Checkout page that credits the budget once paid.
func (h *Handlers) HandleTopUpCheckout(w http.ResponseWriter, r *http.Request) {
	if !h.billing.TopUpsEnabled() {
		writeError(w, r, http.StatusServiceUnavailable, model.KindUnavailable, "billing not configured")
		return
	}

	var req model.TopUpRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateTopUpRequest(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.KindValidation, err.Error())
		return
	}

	checkoutURL, err := h.billing.CreateTopUpCheckout(r.Context(), callerID(r), req)
	if err != nil {
		h.writeBillingError(w, r, "failed to create checkout session", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.TopUpResponse{CheckoutURL: checkoutURL})
}

// HandleBillingWebhook handles POST /api/billing/webhooks.
// This endpoint is not behind the auth gate. Stripe signs the payload with
// the webhook secret and the billing service verifies the signature.
func (h *Handlers) HandleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	if !h.billing.TopUpsEnabled() {
		writeError(w, r, http.StatusServiceUnavailable, model.KindUnavailable, "billing not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.KindValidation, "failed to read body")
		return
	}

	status, whErr := h.billing.HandleWebhook(r.Context(), body, r.Header.Get("Stripe-Signature"))
	if whErr != nil {
		h.logger.Error("billing webhook failed", "error", whErr, "status", status,
			"request_id", requestID(r))
		kind := model.KindValidation
		if status >= 500 {
			kind = model.KindStorage
		}
		writeError(w, r, status, kind, "webhook rejected")
		return
	}
	w.WriteHeader(http.StatusOK)
}
