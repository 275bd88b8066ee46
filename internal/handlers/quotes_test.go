package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/returnloop/api/internal/domain"
	"github.com/returnloop/api/internal/services"
)

func newQuoteRouter(h *QuoteHandlers) chi.Router {
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func newTestCalculator(t *testing.T) *services.FareCalculator {
	t.Helper()
	calc, err := services.NewFareCalculator(domain.DefaultPricingSchedule())
	if err != nil {
		t.Fatalf("NewFareCalculator: %v", err)
	}
	return calc
}

func TestQuoteEndpointReturnsFare(t *testing.T) {
	handler := NewQuoteHandlers(newTestCalculator(t))

	raw, _ := json.Marshal(map[string]any{
		"item_value":        12000,
		"number_of_items":   1,
		"distance_miles":    4,
		"estimated_minutes": 15,
	})
	req := httptest.NewRequest(http.MethodPost, "/quotes", bytes.NewReader(raw))
	rr := httptest.NewRecorder()

	newQuoteRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp quoteResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Fare.TotalPrice <= 0 {
		t.Fatalf("expected positive total, got %d", resp.Fare.TotalPrice)
	}
	if resp.Fare.TierLabel == "" || resp.Fare.ScheduleVersion == "" {
		t.Fatalf("expected tier and schedule version, got %+v", resp.Fare)
	}
	sum := resp.Fare.DriverTotal - resp.Fare.Tip + resp.Fare.CompanyRevenue
	if resp.Fare.TotalPrice != sum {
		t.Fatalf("fare identity violated: total %d != %d", resp.Fare.TotalPrice, sum)
	}
}

func TestQuoteEndpointRejectsNegativeInput(t *testing.T) {
	handler := NewQuoteHandlers(newTestCalculator(t))

	raw, _ := json.Marshal(map[string]any{
		"item_value":        -1,
		"number_of_items":   1,
		"distance_miles":    4,
		"estimated_minutes": 15,
	})
	req := httptest.NewRequest(http.MethodPost, "/quotes", bytes.NewReader(raw))
	rr := httptest.NewRecorder()

	newQuoteRouter(handler).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestQuoteEndpointRateLimits(t *testing.T) {
	handler := NewQuoteHandlers(newTestCalculator(t),
		WithQuoteRateLimiter(newSimpleRateLimiter(1, time.Minute, nil)),
	)
	router := newQuoteRouter(handler)

	raw, _ := json.Marshal(map[string]any{
		"item_value":        100,
		"number_of_items":   1,
		"distance_miles":    1,
		"estimated_minutes": 5,
	})

	first := httptest.NewRequest(http.MethodPost, "/quotes", bytes.NewReader(raw))
	first.RemoteAddr = "203.0.113.9:1234"
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, first)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rr.Code)
	}

	second := httptest.NewRequest(http.MethodPost, "/quotes", bytes.NewReader(raw))
	second.RemoteAddr = "203.0.113.9:1234"
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, second)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on second request, got %d", rr.Code)
	}
}
