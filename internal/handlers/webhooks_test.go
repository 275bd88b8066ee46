package handlers

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	domain "github.com/returnloop/api/internal/domain"
	"github.com/returnloop/api/internal/services"
)

const webhookTestSecret = "whsec_test_secret"

func newWebhookRouter(h *WebhookHandlers) chi.Router {
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func signedStripeRequest(t *testing.T, payload []byte) *http.Request {
	t.Helper()
	now := time.Now()
	signature := webhook.ComputeSignature(now, payload, webhookTestSecret)
	req := httptest.NewRequest(http.MethodPost, "/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(signature)))
	return req
}

func refundEventPayload(eventType, refundID, status, failureReason string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_1",
		"object": "event",
		"api_version": %q,
		"type": %q,
		"data": {"object": {"id": %q, "object": "refund", "status": %q, "failure_reason": %q}}
	}`, stripe.APIVersion, eventType, refundID, status, failureReason))
}

func TestStripeWebhookAppliesSucceededRefund(t *testing.T) {
	var received services.RefundOutcomeCommand
	settlements := &stubSettlementService{
		outcomeFn: func(ctx context.Context, cmd services.RefundOutcomeCommand) (domain.RefundTransaction, error) {
			received = cmd
			refund := sampleRefund()
			refund.Status = domain.RefundStatusIssued
			return refund, nil
		},
	}
	handler := NewWebhookHandlers(settlements, webhookTestSecret)

	payload := refundEventPayload("refund.updated", "re_123", "succeeded", "")
	rr := httptest.NewRecorder()
	newWebhookRouter(handler).ServeHTTP(rr, signedStripeRequest(t, payload))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if received.ProviderRef != "re_123" || !received.Succeeded {
		t.Fatalf("unexpected outcome command %+v", received)
	}
}

func TestStripeWebhookAppliesFailedRefund(t *testing.T) {
	var received services.RefundOutcomeCommand
	settlements := &stubSettlementService{
		outcomeFn: func(ctx context.Context, cmd services.RefundOutcomeCommand) (domain.RefundTransaction, error) {
			received = cmd
			refund := sampleRefund()
			refund.Status = domain.RefundStatusFailedRetrying
			return refund, nil
		},
	}
	handler := NewWebhookHandlers(settlements, webhookTestSecret)

	payload := refundEventPayload("refund.failed", "re_456", "failed", "insufficient_funds")
	rr := httptest.NewRecorder()
	newWebhookRouter(handler).ServeHTTP(rr, signedStripeRequest(t, payload))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if received.Succeeded {
		t.Fatalf("expected failed outcome, got %+v", received)
	}
	if received.FailureNote != "insufficient_funds" {
		t.Fatalf("expected failure note, got %q", received.FailureNote)
	}
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	called := false
	settlements := &stubSettlementService{
		outcomeFn: func(ctx context.Context, cmd services.RefundOutcomeCommand) (domain.RefundTransaction, error) {
			called = true
			return domain.RefundTransaction{}, nil
		},
	}
	handler := NewWebhookHandlers(settlements, webhookTestSecret)

	payload := refundEventPayload("refund.updated", "re_123", "succeeded", "")
	req := httptest.NewRequest(http.MethodPost, "/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rr := httptest.NewRecorder()
	newWebhookRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad signature, got %d", rr.Code)
	}
	if called {
		t.Fatalf("settlement service must not run on invalid signature")
	}
}

func TestStripeWebhookAcknowledgesUnknownRefund(t *testing.T) {
	settlements := &stubSettlementService{
		outcomeFn: func(ctx context.Context, cmd services.RefundOutcomeCommand) (domain.RefundTransaction, error) {
			return domain.RefundTransaction{}, services.ErrSettlementNotFound
		},
	}
	handler := NewWebhookHandlers(settlements, webhookTestSecret)

	payload := refundEventPayload("refund.updated", "re_unknown", "succeeded", "")
	rr := httptest.NewRecorder()
	newWebhookRouter(handler).ServeHTTP(rr, signedStripeRequest(t, payload))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 acknowledgement, got %d", rr.Code)
	}
}

func TestStripeWebhookIgnoresUnrelatedEvents(t *testing.T) {
	called := false
	settlements := &stubSettlementService{
		outcomeFn: func(ctx context.Context, cmd services.RefundOutcomeCommand) (domain.RefundTransaction, error) {
			called = true
			return domain.RefundTransaction{}, nil
		},
	}
	handler := NewWebhookHandlers(settlements, webhookTestSecret)

	payload := []byte(fmt.Sprintf(`{"id": "evt_2", "object": "event", "api_version": %q, "type": "invoice.paid", "data": {"object": {}}}`, stripe.APIVersion))
	rr := httptest.NewRecorder()
	newWebhookRouter(handler).ServeHTTP(rr, signedStripeRequest(t, payload))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if called {
		t.Fatalf("unrelated events must not touch the settlement service")
	}
}
