package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/returnloop/api/internal/services"
)

type fakeProvider struct {
	lastOp     string
	lastRefund RefundRequest
	refund     RefundDetails
	payment    PaymentDetails
	err        error
}

func (f *fakeProvider) Refund(_ context.Context, req RefundRequest) (RefundDetails, error) {
	f.lastOp = "refund"
	f.lastRefund = req
	return f.refund, f.err
}

func (f *fakeProvider) LookupPayment(context.Context, LookupRequest) (PaymentDetails, error) {
	f.lastOp = "lookup"
	return f.payment, f.err
}

func TestManagerRefundUsesPreferredProvider(t *testing.T) {
	ctx := context.Background()
	stripeFake := &fakeProvider{refund: RefundDetails{RefundID: "re_stripe", Status: StatusSucceeded}}
	adyen := &fakeProvider{refund: RefundDetails{RefundID: "re_adyen", Status: StatusSucceeded}}

	mgr, err := NewManager(map[string]Provider{
		"stripe": stripeFake,
		"adyen":  adyen,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	details, err := mgr.Refund(ctx, PaymentContext{PreferredProvider: "adyen"}, RefundRequest{IntentID: "pi_1"})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if details.RefundID != "re_adyen" {
		t.Fatalf("expected adyen refund, got %q", details.RefundID)
	}
	if stripeFake.lastOp != "" {
		t.Fatalf("expected stripe provider to remain unused")
	}
}

func TestManagerRoutesByCurrency(t *testing.T) {
	ctx := context.Background()
	stripeFake := &fakeProvider{refund: RefundDetails{RefundID: "re_stripe", Status: StatusSucceeded}}
	adyen := &fakeProvider{refund: RefundDetails{RefundID: "re_adyen", Status: StatusSucceeded}}

	mgr, err := NewManager(
		map[string]Provider{"stripe": stripeFake, "adyen": adyen},
		WithCurrencyRoutes(map[string]string{"EUR": "adyen"}),
	)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	details, err := mgr.Refund(ctx, PaymentContext{Currency: "eur"}, RefundRequest{IntentID: "pi_1"})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if details.RefundID != "re_adyen" {
		t.Fatalf("expected currency route to adyen, got %q", details.RefundID)
	}
}

func TestManagerDefaultsToStripe(t *testing.T) {
	stripeFake := &fakeProvider{refund: RefundDetails{RefundID: "re_1", Status: StatusSucceeded}}
	mgr, err := NewManager(map[string]Provider{"stripe": stripeFake})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	details, err := mgr.Refund(context.Background(), PaymentContext{}, RefundRequest{IntentID: "pi_1"})
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if details.Provider != "stripe" {
		t.Fatalf("expected stripe provider tag, got %q", details.Provider)
	}
}

func TestManagerUnknownPreferredFallsBack(t *testing.T) {
	stripeFake := &fakeProvider{refund: RefundDetails{RefundID: "re_1", Status: StatusSucceeded}}
	mgr, err := NewManager(map[string]Provider{"stripe": stripeFake})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	if _, err := mgr.Refund(context.Background(), PaymentContext{PreferredProvider: "square"}, RefundRequest{IntentID: "pi_1"}); err != nil {
		t.Fatalf("expected fallback to default provider, got %v", err)
	}
}

func TestNewManagerValidation(t *testing.T) {
	if _, err := NewManager(nil); err == nil {
		t.Fatalf("expected error for empty provider map")
	}
	if _, err := NewManager(map[string]Provider{" ": &fakeProvider{}}); err == nil {
		t.Fatalf("expected error for blank provider key")
	}
	if _, err := NewManager(map[string]Provider{"stripe": nil}); err == nil {
		t.Fatalf("expected error for nil provider")
	}
}

func TestSettlementRefundsIssueRefund(t *testing.T) {
	provider := &fakeProvider{refund: RefundDetails{RefundID: "re_99", Status: StatusSucceeded}}
	mgr, err := NewManager(map[string]Provider{"stripe": provider})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	issuer, err := NewSettlementRefunds(mgr)
	if err != nil {
		t.Fatalf("new settlement refunds: %v", err)
	}

	result, err := issuer.IssueRefund(context.Background(), services.RefundIssueRequest{
		RefundID:   "ref_1",
		OrderID:    "ord_1",
		PaymentRef: "pi_1",
		Amount:     1_824,
		Currency:   "USD",
		Reason:     "return_delivered",
	})
	if err != nil {
		t.Fatalf("issue refund: %v", err)
	}
	if result.ProviderRef != "re_99" {
		t.Fatalf("expected provider reference, got %q", result.ProviderRef)
	}
	if provider.lastRefund.IdempotencyKey != "ref_1" {
		t.Fatalf("expected refund id as idempotency key, got %q", provider.lastRefund.IdempotencyKey)
	}
	if provider.lastRefund.Amount == nil || *provider.lastRefund.Amount != 1_824 {
		t.Fatalf("expected amount forwarded, got %+v", provider.lastRefund.Amount)
	}
}

func TestSettlementRefundsSurfacesRejection(t *testing.T) {
	provider := &fakeProvider{refund: RefundDetails{RefundID: "re_99", Status: StatusFailed}}
	mgr, err := NewManager(map[string]Provider{"stripe": provider})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	issuer, err := NewSettlementRefunds(mgr)
	if err != nil {
		t.Fatalf("new settlement refunds: %v", err)
	}

	if _, err := issuer.IssueRefund(context.Background(), services.RefundIssueRequest{RefundID: "ref_1", PaymentRef: "pi_1", Amount: 100, Currency: "USD"}); err == nil {
		t.Fatalf("expected error for rejected refund")
	}
}

func TestSettlementRefundsSurfacesProviderError(t *testing.T) {
	provider := &fakeProvider{err: errors.New("psp down")}
	mgr, err := NewManager(map[string]Provider{"stripe": provider})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	issuer, err := NewSettlementRefunds(mgr)
	if err != nil {
		t.Fatalf("new settlement refunds: %v", err)
	}

	if _, err := issuer.IssueRefund(context.Background(), services.RefundIssueRequest{RefundID: "ref_1", PaymentRef: "pi_1", Amount: 100, Currency: "USD"}); err == nil {
		t.Fatalf("expected provider error to surface")
	}
}
