package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/returnloop/api/internal/platform/httpx"
	"github.com/returnloop/api/internal/services"
)

const maxWebhookBodySize = 256 * 1024

// WebhookHandlers receives PSP callbacks. Stripe refund events close the loop
// on refunds issued at completion time: a succeeded event marks the refund
// issued, a failed event moves it to failed_retrying.
type WebhookHandlers struct {
	settlements   services.SettlementService
	signingSecret string
	logger        func(event string, fields map[string]any)
}

// WebhookOption customises WebhookHandlers construction.
type WebhookOption func(*WebhookHandlers)

// WithWebhookLogger wires structured logging for webhook processing.
func WithWebhookLogger(logger func(event string, fields map[string]any)) WebhookOption {
	return func(h *WebhookHandlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewWebhookHandlers constructs handlers for the /webhooks group.
func NewWebhookHandlers(settlements services.SettlementService, signingSecret string, opts ...WebhookOption) *WebhookHandlers {
	h := &WebhookHandlers{
		settlements:   settlements,
		signingSecret: strings.TrimSpace(signingSecret),
		logger:        func(string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the webhook endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.stripeEvent)
}

func (h *WebhookHandlers) stripeEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.settlements == nil || h.signingSecret == "" {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook processing not configured", http.StatusServiceUnavailable))
		return
	}

	payload, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		status := http.StatusBadRequest
		code := "invalid_request"
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
			code = "payload_too_large"
		}
		httpx.WriteError(ctx, w, httpx.NewError(code, "failed to read webhook payload", status))
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), h.signingSecret)
	if err != nil {
		h.logger("webhooks.stripe.signature.invalid", map[string]any{"error": err.Error()})
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
		return
	}

	switch event.Type {
	case "refund.updated", "refund.created", "refund.failed":
		h.handleRefundEvent(w, r, event)
	default:
		// Unhandled event types are acknowledged so Stripe stops retrying them.
		h.logger("webhooks.stripe.event.ignored", map[string]any{"type": event.Type})
		writeJSONResponse(w, http.StatusOK, map[string]any{"received": true})
	}
}

func (h *WebhookHandlers) handleRefundEvent(w http.ResponseWriter, r *http.Request, event stripe.Event) {
	ctx := r.Context()

	var refund stripe.Refund
	if err := json.Unmarshal(event.Data.Raw, &refund); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "malformed refund event payload", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(refund.ID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "refund event missing id", http.StatusBadRequest))
		return
	}

	var succeeded bool
	var failureNote string
	switch refund.Status {
	case stripe.RefundStatusSucceeded:
		succeeded = true
	case stripe.RefundStatusFailed, stripe.RefundStatusCanceled:
		succeeded = false
		failureNote = string(refund.FailureReason)
		if failureNote == "" {
			failureNote = "refund " + string(refund.Status)
		}
	default:
		// Pending and requires_action states carry no outcome yet.
		h.logger("webhooks.stripe.refund.pending", map[string]any{"refund": refund.ID, "status": refund.Status})
		writeJSONResponse(w, http.StatusOK, map[string]any{"received": true})
		return
	}

	updated, err := h.settlements.MarkRefundOutcome(ctx, services.RefundOutcomeCommand{
		ProviderRef: refund.ID,
		Succeeded:   succeeded,
		FailureNote: failureNote,
	})
	if err != nil {
		if errors.Is(err, services.ErrSettlementNotFound) {
			// Refunds issued outside this system are acknowledged, not errors.
			h.logger("webhooks.stripe.refund.unknown", map[string]any{"refund": refund.ID})
			writeJSONResponse(w, http.StatusOK, map[string]any{"received": true})
			return
		}
		h.logger("webhooks.stripe.refund.failed", map[string]any{"refund": refund.ID, "error": err.Error()})
		httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "failed to apply refund outcome", http.StatusInternalServerError))
		return
	}

	h.logger("webhooks.stripe.refund.applied", map[string]any{
		"refund":   refund.ID,
		"status":   updated.Status,
		"order":    updated.OrderID,
		"internal": updated.ID,
	})
	writeJSONResponse(w, http.StatusOK, map[string]any{"received": true})
}
