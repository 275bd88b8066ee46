package services

import (
	"context"

	domain "github.com/returnloop/api/internal/domain"
	"github.com/returnloop/api/internal/repositories"
)

// OrderListFilter mirrors the repository filter for service callers.
type OrderListFilter = repositories.OrderListFilter

// CreateOrderCommand carries the customer-declared facts for a new return booking.
type CreateOrderCommand struct {
	CustomerID       string
	RetailerRef      string
	ItemValue        int64
	NumberOfItems    int
	DistanceMiles    float64
	EstimatedMinutes int
	Rush             bool
	Tip              int64
	PickupAddress    *domain.Address
	DropoffAddress   *domain.Address
	PaymentRef       *string
	Metadata         map[string]any
	ActorID          string
}

// AssignDriverCommand attaches a driver to a created order.
type AssignDriverCommand struct {
	OrderID  string
	DriverID string
	ActorID  string
}

// OrderStatusTransitionCommand moves an order along its delivery lifecycle.
type OrderStatusTransitionCommand struct {
	OrderID        string
	TargetStatus   string
	ExpectedStatus *string
	Reason         string
	ActorID        string
	Metadata       map[string]any
}

// CancelOrderCommand abandons an order before completion.
type CancelOrderCommand struct {
	OrderID        string
	Reason         string
	ExpectedStatus *string
	ActorID        string
	Metadata       map[string]any
}

// OrderService coordinates booking and lifecycle of return orders.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	AssignDriver(ctx context.Context, cmd AssignDriverCommand) (domain.Order, error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (domain.Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (domain.Order, error)
}

// CompleteDeliveryCommand is the driver's completion submission. Any
// client-supplied fee amounts are deliberately absent: fees are derived from
// the server-side pricing schedule.
type CompleteDeliveryCommand struct {
	OrderID             string
	DriverID            string
	DeliveryNotes       string
	PhotoEvidence       []string
	HasPhysicalGiftCard bool
	GiftCardAmount      int64
	CustomRefundAmount  *int64
	RefundMethod        *domain.RefundMethod
	ActorID             string
}

// SettlementResult bundles the state written by a successful completion.
type SettlementResult struct {
	Order    domain.Order
	Refund   domain.RefundTransaction
	GiftCard *domain.GiftCardDelivery
}

// ConfirmGiftCardDeliveryCommand closes the second delivery leg for a gift card.
type ConfirmGiftCardDeliveryCommand struct {
	DeliveryID    string
	DriverID      string
	PhotoEvidence []string
	ActorID       string
}

// RetryRefundCommand re-issues a refund stuck in failed_retrying.
type RetryRefundCommand struct {
	RefundID string
	ActorID  string
}

// RefundOutcomeCommand records a provider-reported refund outcome, typically
// applied from a payment webhook.
type RefundOutcomeCommand struct {
	ProviderRef string
	Succeeded   bool
	FailureNote string
}

// GiftCardDeliveryListFilter scopes a driver's pending gift-card legs.
type GiftCardDeliveryListFilter struct {
	DriverID   string
	Status     *domain.GiftCardStatus
	Pagination domain.Pagination
}

// SettlementService resolves what happens when a driver marks a return
// delivered: order completion, the refund decision, and any follow-up
// gift-card delivery leg.
type SettlementService interface {
	Complete(ctx context.Context, cmd CompleteDeliveryCommand) (SettlementResult, error)
	GetRefundForOrder(ctx context.Context, orderID string) (domain.RefundTransaction, error)
	ConfirmGiftCardDelivery(ctx context.Context, cmd ConfirmGiftCardDeliveryCommand) (domain.GiftCardDelivery, error)
	ListGiftCardDeliveries(ctx context.Context, filter GiftCardDeliveryListFilter) (domain.CursorPage[domain.GiftCardDelivery], error)
	RetryRefund(ctx context.Context, cmd RetryRefundCommand) (domain.RefundTransaction, error)
	MarkRefundOutcome(ctx context.Context, cmd RefundOutcomeCommand) (domain.RefundTransaction, error)
}

// SystemService aggregates dependency health for the ops endpoints.
type SystemService interface {
	Health(ctx context.Context) (domain.SystemHealthReport, error)
}
