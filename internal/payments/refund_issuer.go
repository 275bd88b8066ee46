package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/returnloop/api/internal/platform/textutil"
	"github.com/returnloop/api/internal/services"
)

// SettlementRefunds adapts the provider Manager to the settlement layer's
// refund issuer contract. The settlement refund id is forwarded as the PSP
// idempotency key so retries of the same refund never double-pay.
type SettlementRefunds struct {
	manager *Manager
}

var _ services.RefundIssuer = (*SettlementRefunds)(nil)

// NewSettlementRefunds wraps a payment manager for use by the settlement service.
func NewSettlementRefunds(manager *Manager) (*SettlementRefunds, error) {
	if manager == nil {
		return nil, errors.New("payments: manager is required")
	}
	return &SettlementRefunds{manager: manager}, nil
}

func (s *SettlementRefunds) IssueRefund(ctx context.Context, req services.RefundIssueRequest) (services.RefundIssueResult, error) {
	amount := req.Amount
	details, err := s.manager.Refund(ctx, PaymentContext{Currency: req.Currency}, RefundRequest{
		IntentID:       req.PaymentRef,
		Amount:         &amount,
		Reason:         req.Reason,
		IdempotencyKey: req.RefundID,
		Metadata: textutil.NormalizeStringMap(map[string]string{
			"orderId":  req.OrderID,
			"refundId": req.RefundID,
		}),
	})
	if err != nil {
		return services.RefundIssueResult{}, err
	}
	if details.Status == StatusFailed {
		return services.RefundIssueResult{}, fmt.Errorf("payments: refund %s rejected by provider", details.RefundID)
	}
	return services.RefundIssueResult{ProviderRef: details.RefundID}, nil
}
