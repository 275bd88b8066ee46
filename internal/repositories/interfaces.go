package repositories

import (
	"context"
	"time"

	domain "github.com/returnloop/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Refunds() RefundRepository
	GiftCardDeliveries() GiftCardDeliveryRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists return orders and provides query helpers for
// customers, drivers, and ops staff.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// RefundRepository stores the refund transaction written when an order settles.
// Insert must fail with a conflict when a refund already exists for the order.
type RefundRepository interface {
	Insert(ctx context.Context, refund domain.RefundTransaction) error
	Update(ctx context.Context, refund domain.RefundTransaction) error
	FindByID(ctx context.Context, refundID string) (domain.RefundTransaction, error)
	FindByOrder(ctx context.Context, orderID string) (domain.RefundTransaction, error)
	FindByProviderRef(ctx context.Context, providerRef string) (domain.RefundTransaction, error)
	ListByStatus(ctx context.Context, status domain.RefundStatus, pager domain.Pagination) (domain.CursorPage[domain.RefundTransaction], error)
}

// GiftCardDeliveryRepository stores the second delivery leg created when a
// driver declares a physical gift card at completion.
type GiftCardDeliveryRepository interface {
	Insert(ctx context.Context, delivery domain.GiftCardDelivery) error
	Update(ctx context.Context, delivery domain.GiftCardDelivery) error
	FindByID(ctx context.Context, deliveryID string) (domain.GiftCardDelivery, error)
	FindByOrder(ctx context.Context, orderID string) (domain.GiftCardDelivery, error)
	ListByDriver(ctx context.Context, driverID string, status *domain.GiftCardStatus, pager domain.Pagination) (domain.CursorPage[domain.GiftCardDelivery], error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type OrderListFilter struct {
	CustomerID string
	DriverID   string
	Status     []string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
