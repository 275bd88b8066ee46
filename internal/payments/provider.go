package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the normalised payment states shared across providers.
type Status string

const (
	// StatusPending indicates the PSP has accepted the operation but not settled it.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the PSP reports the operation as settled.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the PSP reports a failure and no further action is possible.
	StatusFailed Status = "failed"
	// StatusRefunded indicates the payment has been refunded (partially or fully).
	StatusRefunded Status = "refunded"
)

// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// RefundRequest defines a PSP refund attempt against a captured payment.
type RefundRequest struct {
	IntentID       string
	Amount         *int64
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// RefundDetails normalises the PSP refund record for storage. RefundID is the
// provider-side reference later matched against webhook events.
type RefundDetails struct {
	Provider  string
	RefundID  string
	IntentID  string
	Status    Status
	Amount    int64
	Currency  string
	CreatedAt time.Time
	Raw       map[string]any
}

// LookupRequest returns provider specific payment details for reconciliation.
type LookupRequest struct {
	IntentID string
}

// PaymentDetails normalises PSP specific fields for storage.
type PaymentDetails struct {
	Provider   string
	IntentID   string
	Status     Status
	Amount     int64
	Currency   string
	Captured   bool
	CapturedAt *time.Time
	RefundedAt *time.Time
	Raw        map[string]any
}

// Provider defines the contract for PSP adapters to implement.
type Provider interface {
	Refund(ctx context.Context, req RefundRequest) (RefundDetails, error)
	LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error)
}

// Manager routes operations to a provider by explicit preference, currency
// route, or the configured default, in that order.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider for currencies without
// an explicit route.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) { m.defaultProvider = provider }
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		for currency, provider := range routes {
			if m.currencyRoutes == nil {
				m.currencyRoutes = make(map[string]string, len(routes))
			}
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(currency))] = strings.TrimSpace(provider)
		}
	}
}

// NewManager constructs a Manager over the supplied providers. Stripe becomes
// the default when registered, unless an option says otherwise.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}

	registered := make(map[string]Provider, len(providers))
	for name, provider := range providers {
		key := normaliseProviderKey(name)
		if key == "" || provider == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", name)
		}
		registered[key] = provider
	}

	m := &Manager{providers: registered}
	if _, ok := registered["stripe"]; ok {
		m.defaultProvider = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
	Metadata          map[string]string
}

func (m *Manager) resolveProvider(ctx PaymentContext) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}

	candidates := make([]string, 0, 3)
	if preferred := normaliseProviderKey(ctx.PreferredProvider); preferred != "" {
		candidates = append(candidates, preferred)
	}
	if currency := strings.ToUpper(strings.TrimSpace(ctx.Currency)); currency != "" {
		if routed, ok := m.currencyRoutes[currency]; ok {
			candidates = append(candidates, normaliseProviderKey(routed))
		}
	}
	if def := normaliseProviderKey(m.defaultProvider); def != "" {
		candidates = append(candidates, def)
	}

	for _, key := range candidates {
		if provider, ok := m.providers[key]; ok {
			return key, provider, nil
		}
	}
	if len(m.providers) == 1 {
		for key, provider := range m.providers {
			return key, provider, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// Refund delegates to the resolved provider.
func (m *Manager) Refund(ctx context.Context, paymentCtx PaymentContext, req RefundRequest) (RefundDetails, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return RefundDetails{}, err
	}
	details, err := provider.Refund(ctx, req)
	if err != nil {
		return RefundDetails{}, err
	}
	if details.Provider == "" {
		details.Provider = key
	}
	return details, nil
}

// LookupPayment delegates to the resolved provider.
func (m *Manager) LookupPayment(ctx context.Context, paymentCtx PaymentContext, req LookupRequest) (PaymentDetails, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return PaymentDetails{}, err
	}
	return provider.LookupPayment(ctx, req)
}

func normaliseProviderKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
