package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/returnloop/api/internal/platform/firestore"
	"github.com/returnloop/api/internal/repositories"
)

// Registry wires the Firestore-backed repositories behind the
// repositories.Registry contract and provides the transactional boundary used
// by the services.
type Registry struct {
	provider    *pfirestore.Provider
	orders      *OrderRepository
	refunds     *RefundRepository
	giftCards   *GiftCardDeliveryRepository
	counters    *CounterRepository
	health      repositories.HealthRepository
	txOptions   []pfirestore.TxOption
	extraChecks []repositories.DependencyCheck
}

// RegistryOption customises registry construction.
type RegistryOption func(*Registry)

// WithTxOptions overrides the transaction settings used by RunInTx.
func WithTxOptions(opts ...pfirestore.TxOption) RegistryOption {
	return func(r *Registry) {
		if len(opts) > 0 {
			r.txOptions = append(r.txOptions, opts...)
		}
	}
}

// WithExtraHealthChecks adds dependency probes beyond the built-in Firestore one.
func WithExtraHealthChecks(checks ...repositories.DependencyCheck) RegistryOption {
	return func(r *Registry) {
		r.extraChecks = append(r.extraChecks, checks...)
	}
}

// NewRegistry constructs the repository registry over a shared provider.
func NewRegistry(provider *pfirestore.Provider, opts ...RegistryOption) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	refunds, err := NewRefundRepository(provider)
	if err != nil {
		return nil, err
	}
	giftCards, err := NewGiftCardDeliveryRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}

	registry := &Registry{
		provider:  provider,
		orders:    orders,
		refunds:   refunds,
		giftCards: giftCards,
		counters:  counters,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}

	checks := append([]repositories.DependencyCheck{
		{Name: "firestore", Check: registry.pingFirestore},
	}, registry.extraChecks...)
	health, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}
	registry.health = health

	return registry, nil
}

// Close releases the shared Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

func (r *Registry) Refunds() repositories.RefundRepository { return r.refunds }

func (r *Registry) GiftCardDeliveries() repositories.GiftCardDeliveryRepository { return r.giftCards }

func (r *Registry) Counters() repositories.CounterRepository { return r.counters }

func (r *Registry) Health() repositories.HealthRepository { return r.health }

// RunInTx executes fn inside a Firestore transaction. The transaction is
// attached to the context so repository calls made within fn join it.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r == nil || r.provider == nil {
		return errors.New("registry not initialised")
	}
	if fn == nil {
		return errors.New("registry: transaction function is nil")
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(pfirestore.ContextWithTx(ctx, tx))
	}, r.txOptions...)
}

func (r *Registry) pingFirestore(ctx context.Context) error {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	_, err = client.Collection(countersCollection).Limit(1).Documents(ctx).GetAll()
	return err
}

// Ensure interface compliance.
var _ repositories.Registry = (*Registry)(nil)
