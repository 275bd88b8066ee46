package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/returnloop/api/internal/platform/httpx"
	"github.com/returnloop/api/internal/services"
)

const (
	maxQuoteBodySize        = 8 * 1024
	defaultQuoteRateLimit   = 60
	defaultQuoteRateWindow  = time.Minute
	quoteRateLimitedMessage = "too many quote requests, slow down"
)

// QuoteHandlers exposes the public fare quote endpoint used by the booking
// form and the driver job screen. Quotes are stateless: the same calculator
// prices bookings, so a displayed quote always matches the committed fare.
type QuoteHandlers struct {
	fare    services.FareQuoter
	limiter rateLimiter
}

// QuoteOption customises QuoteHandlers construction.
type QuoteOption func(*QuoteHandlers)

// WithQuoteRateLimiter overrides the per-client limiter guarding the endpoint.
func WithQuoteRateLimiter(limiter rateLimiter) QuoteOption {
	return func(h *QuoteHandlers) {
		h.limiter = limiter
	}
}

// WithQuoteRateLimit replaces the default per-client request allowance.
func WithQuoteRateLimit(limit int, window time.Duration) QuoteOption {
	return func(h *QuoteHandlers) {
		h.limiter = newSimpleRateLimiter(limit, window, nil)
	}
}

// NewQuoteHandlers constructs handlers for the public quote endpoint.
func NewQuoteHandlers(fare services.FareQuoter, opts ...QuoteOption) *QuoteHandlers {
	h := &QuoteHandlers{
		fare:    fare,
		limiter: newSimpleRateLimiter(defaultQuoteRateLimit, defaultQuoteRateWindow, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /public quote endpoints.
func (h *QuoteHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/quotes", h.quote)
}

type quoteRequest struct {
	ItemValue        int64   `json:"item_value"`
	NumberOfItems    int     `json:"number_of_items"`
	DistanceMiles    float64 `json:"distance_miles"`
	EstimatedMinutes int     `json:"estimated_minutes"`
	Rush             bool    `json:"rush"`
	Tip              int64   `json:"tip"`
}

type quoteResponse struct {
	Fare farePayload `json:"fare"`
}

func (h *QuoteHandlers) quote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.fare == nil {
		httpx.WriteError(ctx, w, httpx.NewError("quote_unavailable", "fare calculator unavailable", http.StatusServiceUnavailable))
		return
	}

	if h.limiter != nil && !h.limiter.Allow(r.RemoteAddr) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", quoteRateLimitedMessage, http.StatusTooManyRequests))
		return
	}

	var req quoteRequest
	if !decodeJSONBody(ctx, w, r, maxQuoteBodySize, &req) {
		return
	}

	fare, err := h.fare.Quote(services.FareInput{
		ItemValue:        req.ItemValue,
		NumberOfItems:    req.NumberOfItems,
		DistanceMiles:    req.DistanceMiles,
		EstimatedMinutes: req.EstimatedMinutes,
		Rush:             req.Rush,
		Tip:              req.Tip,
	})
	if err != nil {
		if errors.Is(err, services.ErrFareInvalidInput) {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("quote_failed", "failed to compute quote", http.StatusInternalServerError))
		return
	}

	writeJSONResponse(w, http.StatusOK, quoteResponse{Fare: buildFarePayload(fare)})
}
