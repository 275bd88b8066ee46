package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/returnloop/api/internal/platform/auth"
	"github.com/returnloop/api/internal/platform/httpx"
	"github.com/returnloop/api/internal/services"
)

// SettlementOpsHandlers exposes the staff-facing settlement surface: refund
// lookups, stuck refund retries, and driver assignment.
type SettlementOpsHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	settlements services.SettlementService
}

// NewSettlementOpsHandlers constructs handlers for the /internal group.
func NewSettlementOpsHandlers(authn *auth.Authenticator, orders services.OrderService, settlements services.SettlementService) *SettlementOpsHandlers {
	return &SettlementOpsHandlers{
		authn:       authn,
		orders:      orders,
		settlements: settlements,
	}
}

// Routes registers the /internal endpoints.
func (h *SettlementOpsHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleStaff, auth.RoleAdmin))
	}
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{orderID}/refund", h.getRefund)
	r.Post("/orders/{orderID}:assign", h.assignDriver)
	r.Post("/refunds/{refundID}:retry", h.retryRefund)
}

func (h *SettlementOpsHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireIdentity(ctx, w); !ok {
		return
	}

	filter, ok := parseOrderListQuery(ctx, w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	filter.CustomerID = strings.TrimSpace(query.Get("customer_id"))
	filter.DriverID = strings.TrimSpace(query.Get("driver_id"))

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildOrderListResponse(page))
}

func (h *SettlementOpsHandlers) getRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireIdentity(ctx, w); !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	refund, err := h.settlements.GetRefundForOrder(ctx, orderID)
	if err != nil {
		writeSettlementError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{"refund": buildRefundPayload(refund)})
}

type assignDriverRequest struct {
	DriverID string `json:"driver_id"`
}

func (h *SettlementOpsHandlers) assignDriver(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req assignDriverRequest
	if !decodeJSONBody(ctx, w, r, maxOrderBodySize, &req) {
		return
	}
	if strings.TrimSpace(req.DriverID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "driver_id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.AssignDriver(ctx, services.AssignDriverCommand{
		OrderID:  orderID,
		DriverID: req.DriverID,
		ActorID:  identity.UID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *SettlementOpsHandlers) retryRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	refundID := strings.TrimSpace(chi.URLParam(r, "refundID"))
	if refundID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "refund id is required", http.StatusBadRequest))
		return
	}

	refund, err := h.settlements.RetryRefund(ctx, services.RetryRefundCommand{
		RefundID: refundID,
		ActorID:  identity.UID,
	})
	if err != nil {
		writeSettlementError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{"refund": buildRefundPayload(refund)})
}
