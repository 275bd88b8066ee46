package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// CursorPage wraps a page of results plus the token for the next page.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderStatus enumerates the lifecycle states of a return order.
type OrderStatus string

const (
	// OrderStatusCreated is the initial state after a customer books a return.
	OrderStatusCreated OrderStatus = "created"
	// OrderStatusAssigned indicates a driver has accepted the job.
	OrderStatusAssigned OrderStatus = "assigned"
	// OrderStatusPickedUp indicates the driver collected the items from the customer.
	OrderStatusPickedUp OrderStatus = "picked_up"
	// OrderStatusInTransit indicates the driver is en route to the retailer.
	OrderStatusInTransit OrderStatus = "in_transit"
	// OrderStatusDelivered indicates the items were handed to the retailer.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCompleted is the terminal state after settlement has run.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled is the terminal state for abandoned orders.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRefunded marks orders refunded outside the normal completion flow.
	OrderStatusRefunded OrderStatus = "refunded"
)

// Address captures a pickup or drop-off location.
type Address struct {
	Line1      string
	Line2      *string
	City       string
	State      *string
	PostalCode string
	Country    string
	Notes      *string
}

// OrderAudit records who created and last mutated an order.
type OrderAudit struct {
	CreatedBy *string
	UpdatedBy *string
}

// Order is a return booking: the customer's declared facts, the fare quoted at
// booking time, and the lifecycle bookkeeping around pickup and delivery.
// All monetary amounts are minor units (cents).
type Order struct {
	ID          string
	OrderNumber string
	CustomerID  string
	DriverID    *string
	RetailerRef string

	ItemValue        int64
	NumberOfItems    int
	DistanceMiles    float64
	EstimatedMinutes int
	Rush             bool
	Tip              int64

	Status   OrderStatus
	Currency string
	Fare     FareBreakdown

	PickupAddress  *Address
	DropoffAddress *Address

	// PaymentRef is the PSP payment reference captured at booking; refunds are
	// issued against it.
	PaymentRef *string

	DeliveryNotes  *string
	DeliveryPhotos []string
	CancelReason   *string
	Metadata       map[string]any
	Audit          OrderAudit

	CreatedAt   time.Time
	UpdatedAt   time.Time
	AssignedAt  *time.Time
	PickedUpAt  *time.Time
	InTransitAt *time.Time
	DeliveredAt *time.Time
	CompletedAt *time.Time
	CancelledAt *time.Time
}

// RefundMethod identifies how a refund is returned to the customer.
type RefundMethod string

const (
	// RefundMethodOriginalPayment refunds onto the instrument used at booking.
	RefundMethodOriginalPayment RefundMethod = "original_payment"
	// RefundMethodStoreCredit issues platform store credit instead of cash.
	RefundMethodStoreCredit RefundMethod = "store_credit"
)

// RefundStatus tracks the settlement state of a refund transaction.
type RefundStatus string

const (
	// RefundStatusPending means the refund has been recorded but not yet sent to the PSP.
	RefundStatusPending RefundStatus = "pending"
	// RefundStatusIssued means the PSP accepted the refund.
	RefundStatusIssued RefundStatus = "issued"
	// RefundStatusFailedRetrying means PSP issuance failed; the delivery stands and
	// the refund will be retried.
	RefundStatusFailedRetrying RefundStatus = "failed_retrying"
)

// RefundTransaction is the single settlement record written when an order
// completes. Amount never exceeds the order's quoted TotalPrice.
type RefundTransaction struct {
	ID           string
	OrderID      string
	Method       RefundMethod
	Amount       int64
	Currency     string
	Reason       string
	CustomAmount bool
	Status       RefundStatus
	ProviderRef  *string
	FailureNote  *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	IssuedAt     *time.Time
}

// GiftCardStatus tracks the second delivery leg created for physical gift cards.
type GiftCardStatus string

const (
	// GiftCardStatusPending means the card still has to be handed to the customer.
	GiftCardStatusPending GiftCardStatus = "pending"
	// GiftCardStatusDelivered means the second hand-off was confirmed.
	GiftCardStatusDelivered GiftCardStatus = "delivered"
)

// GiftCardDelivery is created when a driver declares a retailer-issued physical
// gift card at completion time. DeliveryFee is always server-assigned from the
// active pricing schedule; client-supplied fee values are never trusted.
type GiftCardDelivery struct {
	ID            string
	OrderID       string
	DriverID      string
	CardAmount    int64
	DeliveryFee   int64
	Currency      string
	PhotoEvidence []string
	Status        GiftCardStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeliveredAt   *time.Time
}
