package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/returnloop/api/internal/domain"
	"github.com/returnloop/api/internal/platform/auth"
	"github.com/returnloop/api/internal/platform/storage"
	"github.com/returnloop/api/internal/services"
)

type stubSettlementService struct {
	completeFn func(ctx context.Context, cmd services.CompleteDeliveryCommand) (services.SettlementResult, error)
	refundFn   func(ctx context.Context, orderID string) (domain.RefundTransaction, error)
	confirmFn  func(ctx context.Context, cmd services.ConfirmGiftCardDeliveryCommand) (domain.GiftCardDelivery, error)
	listFn     func(ctx context.Context, filter services.GiftCardDeliveryListFilter) (domain.CursorPage[domain.GiftCardDelivery], error)
	retryFn    func(ctx context.Context, cmd services.RetryRefundCommand) (domain.RefundTransaction, error)
	outcomeFn  func(ctx context.Context, cmd services.RefundOutcomeCommand) (domain.RefundTransaction, error)
}

func (s *stubSettlementService) Complete(ctx context.Context, cmd services.CompleteDeliveryCommand) (services.SettlementResult, error) {
	return s.completeFn(ctx, cmd)
}

func (s *stubSettlementService) GetRefundForOrder(ctx context.Context, orderID string) (domain.RefundTransaction, error) {
	return s.refundFn(ctx, orderID)
}

func (s *stubSettlementService) ConfirmGiftCardDelivery(ctx context.Context, cmd services.ConfirmGiftCardDeliveryCommand) (domain.GiftCardDelivery, error) {
	return s.confirmFn(ctx, cmd)
}

func (s *stubSettlementService) ListGiftCardDeliveries(ctx context.Context, filter services.GiftCardDeliveryListFilter) (domain.CursorPage[domain.GiftCardDelivery], error) {
	return s.listFn(ctx, filter)
}

func (s *stubSettlementService) RetryRefund(ctx context.Context, cmd services.RetryRefundCommand) (domain.RefundTransaction, error) {
	return s.retryFn(ctx, cmd)
}

func (s *stubSettlementService) MarkRefundOutcome(ctx context.Context, cmd services.RefundOutcomeCommand) (domain.RefundTransaction, error) {
	return s.outcomeFn(ctx, cmd)
}

type stubSigner struct {
	bucket string
	object string
	opts   storage.SignedURLOptions
	result storage.SignedURLResult
	err    error
}

func (s *stubSigner) SignedURL(ctx context.Context, bucket, object string, opts storage.SignedURLOptions) (storage.SignedURLResult, error) {
	s.bucket = bucket
	s.object = object
	s.opts = opts
	return s.result, s.err
}

func newDriverRouter(h *DriverHandlers) chi.Router {
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func sampleRefund() domain.RefundTransaction {
	return domain.RefundTransaction{
		ID:        "ref_1",
		OrderID:   "ord_1",
		Method:    domain.RefundMethodOriginalPayment,
		Amount:    2050,
		Currency:  "USD",
		Reason:    "return_delivered",
		Status:    domain.RefundStatusIssued,
		CreatedAt: time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestCompleteDeliveryMapsPayload(t *testing.T) {
	var received services.CompleteDeliveryCommand
	completed := sampleOrder()
	completed.Status = domain.OrderStatusCompleted
	settlements := &stubSettlementService{
		completeFn: func(ctx context.Context, cmd services.CompleteDeliveryCommand) (services.SettlementResult, error) {
			received = cmd
			return services.SettlementResult{
				Order:  completed,
				Refund: sampleRefund(),
				GiftCard: &domain.GiftCardDelivery{
					ID:          "gcd_1",
					OrderID:     "ord_1",
					DriverID:    "drv_1",
					CardAmount:  4500,
					DeliveryFee: 799,
					Currency:    "USD",
					Status:      domain.GiftCardStatusPending,
				},
			}, nil
		},
	}
	handler := NewDriverHandlers(nil, &stubOrderService{}, settlements)

	custom := int64(1500)
	body := map[string]any{
		"deliveryNotes":       "left with front desk",
		"photoEvidence":       []string{"evidence/orders/ord_1/delivery/upl1/a.jpg"},
		"refundMethod":        "original_payment",
		"customRefundAmount":  custom,
		"hasPhysicalGiftCard": true,
		"giftCardAmount":      4500,
		// A client-supplied fee must never influence the server-side fee.
		"deliveryFee": 1,
	}
	raw, _ := json.Marshal(body)
	req := identityRequest(httptest.NewRequest(http.MethodPost, "/orders/ord_1/complete", bytes.NewReader(raw)), "drv_1", auth.RoleDriver)
	rr := httptest.NewRecorder()

	newDriverRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if received.DriverID != "drv_1" {
		t.Fatalf("expected driver drv_1, got %q", received.DriverID)
	}
	if received.CustomRefundAmount == nil || *received.CustomRefundAmount != custom {
		t.Fatalf("expected custom refund %d, got %v", custom, received.CustomRefundAmount)
	}
	if !received.HasPhysicalGiftCard || received.GiftCardAmount != 4500 {
		t.Fatalf("unexpected gift card fields %+v", received)
	}

	var resp settlementResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.GiftCard == nil || resp.GiftCard.DeliveryFee != 799 {
		t.Fatalf("expected server-side delivery fee 799, got %+v", resp.GiftCard)
	}
}

func TestCompleteDeliveryValidationErrors(t *testing.T) {
	settlements := &stubSettlementService{
		completeFn: func(ctx context.Context, cmd services.CompleteDeliveryCommand) (services.SettlementResult, error) {
			return services.SettlementResult{}, &services.ValidationError{Fields: []services.FieldError{
				{Field: "photoEvidence", Message: "photo is required when a physical gift card is declared"},
			}}
		},
	}
	handler := NewDriverHandlers(nil, &stubOrderService{}, settlements)

	raw, _ := json.Marshal(map[string]any{"deliveryNotes": "ok", "hasPhysicalGiftCard": true, "giftCardAmount": 4500})
	req := identityRequest(httptest.NewRequest(http.MethodPost, "/orders/ord_1/complete", bytes.NewReader(raw)), "drv_1", auth.RoleDriver)
	rr := httptest.NewRecorder()

	newDriverRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	fields, ok := body["fields"].(map[string]any)
	if !ok {
		t.Fatalf("expected field details, got %v", body)
	}
	if _, ok := fields["photoEvidence"]; !ok {
		t.Fatalf("expected photoEvidence detail, got %v", fields)
	}
}

func TestCompleteDeliveryConflict(t *testing.T) {
	settlements := &stubSettlementService{
		completeFn: func(ctx context.Context, cmd services.CompleteDeliveryCommand) (services.SettlementResult, error) {
			return services.SettlementResult{}, services.ErrSettlementConflict
		},
	}
	handler := NewDriverHandlers(nil, &stubOrderService{}, settlements)

	raw, _ := json.Marshal(map[string]any{"deliveryNotes": "done"})
	req := identityRequest(httptest.NewRequest(http.MethodPost, "/orders/ord_1/complete", bytes.NewReader(raw)), "drv_1", auth.RoleDriver)
	rr := httptest.NewRecorder()

	newDriverRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

func TestEvidenceUploadURL(t *testing.T) {
	signer := &stubSigner{
		result: storage.SignedURLResult{
			URL:       "https://storage.example.com/signed",
			Method:    http.MethodPut,
			ExpiresAt: time.Date(2025, 8, 1, 12, 10, 0, 0, time.UTC),
			Headers:   map[string]string{"Content-Type": "image/jpeg"},
		},
	}
	orders := &stubOrderService{
		getFn: func(ctx context.Context, orderID string) (domain.Order, error) {
			return sampleOrder(), nil
		},
	}
	handler := NewDriverHandlers(nil, orders, &stubSettlementService{},
		WithEvidenceStorage(signer, "evidence-bucket"),
		WithUploadIDGenerator(func() string { return "upl123" }),
	)

	raw, _ := json.Marshal(map[string]any{"file_name": "handoff.jpg", "content_type": "image/jpeg", "stage": "delivery"})
	req := identityRequest(httptest.NewRequest(http.MethodPost, "/orders/ord_1/evidence-url", bytes.NewReader(raw)), "drv_1", auth.RoleDriver)
	rr := httptest.NewRecorder()

	newDriverRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if signer.bucket != "evidence-bucket" {
		t.Fatalf("expected bucket evidence-bucket, got %q", signer.bucket)
	}
	expectedObject := "evidence/orders/ord_1/delivery/upl123/handoff.jpg"
	if signer.object != expectedObject {
		t.Fatalf("expected object %s, got %s", expectedObject, signer.object)
	}
	if signer.opts.Upload == nil || signer.opts.Upload.ContentType != "image/jpeg" {
		t.Fatalf("expected upload options with content type, got %+v", signer.opts)
	}

	var resp evidenceURLResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.ObjectPath != expectedObject || resp.UploadURL == "" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestEvidenceUploadURLRejectsForeignDriver(t *testing.T) {
	orders := &stubOrderService{
		getFn: func(ctx context.Context, orderID string) (domain.Order, error) {
			return sampleOrder(), nil
		},
	}
	handler := NewDriverHandlers(nil, orders, &stubSettlementService{},
		WithEvidenceStorage(&stubSigner{}, "evidence-bucket"),
	)

	raw, _ := json.Marshal(map[string]any{"file_name": "handoff.jpg", "content_type": "image/jpeg"})
	req := identityRequest(httptest.NewRequest(http.MethodPost, "/orders/ord_1/evidence-url", bytes.NewReader(raw)), "drv_other", auth.RoleDriver)
	rr := httptest.NewRecorder()

	newDriverRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign driver, got %d", rr.Code)
	}
}

func TestListGiftCardsFiltersStatus(t *testing.T) {
	var received services.GiftCardDeliveryListFilter
	settlements := &stubSettlementService{
		listFn: func(ctx context.Context, filter services.GiftCardDeliveryListFilter) (domain.CursorPage[domain.GiftCardDelivery], error) {
			received = filter
			return domain.CursorPage[domain.GiftCardDelivery]{Items: []domain.GiftCardDelivery{{
				ID:       "gcd_1",
				OrderID:  "ord_1",
				DriverID: "drv_1",
				Status:   domain.GiftCardStatusPending,
			}}}, nil
		},
	}
	handler := NewDriverHandlers(nil, &stubOrderService{}, settlements)

	req := identityRequest(httptest.NewRequest(http.MethodGet, "/gift-cards?status=pending", nil), "drv_1", auth.RoleDriver)
	rr := httptest.NewRecorder()

	newDriverRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if received.DriverID != "drv_1" {
		t.Fatalf("expected driver drv_1, got %q", received.DriverID)
	}
	if received.Status == nil || *received.Status != domain.GiftCardStatusPending {
		t.Fatalf("expected pending status filter, got %v", received.Status)
	}
}

func TestConfirmGiftCardDelivery(t *testing.T) {
	var received services.ConfirmGiftCardDeliveryCommand
	settlements := &stubSettlementService{
		confirmFn: func(ctx context.Context, cmd services.ConfirmGiftCardDeliveryCommand) (domain.GiftCardDelivery, error) {
			received = cmd
			return domain.GiftCardDelivery{
				ID:            cmd.DeliveryID,
				Status:        domain.GiftCardStatusDelivered,
				PhotoEvidence: cmd.PhotoEvidence,
			}, nil
		},
	}
	handler := NewDriverHandlers(nil, &stubOrderService{}, settlements)

	raw, _ := json.Marshal(map[string]any{"photo_evidence": []string{"evidence/gift-cards/gcd_1/card.jpg"}})
	req := identityRequest(httptest.NewRequest(http.MethodPost, "/gift-cards/gcd_1:confirm", bytes.NewReader(raw)), "drv_1", auth.RoleDriver)
	rr := httptest.NewRecorder()

	newDriverRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if received.DeliveryID != "gcd_1" || len(received.PhotoEvidence) != 1 {
		t.Fatalf("unexpected command %+v", received)
	}
}
