package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/returnloop/api/internal/domain"
	"github.com/returnloop/api/internal/platform/auth"
	"github.com/returnloop/api/internal/platform/httpx"
	"github.com/returnloop/api/internal/platform/storage"
	"github.com/returnloop/api/internal/services"
)

const (
	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
	maxOrderBodySize     = 32 * 1024
)

var errBodyTooLarge = errors.New("handlers: request body too large")

// OrderHandlers exposes the customer-facing booking endpoints.
type OrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	settlements services.SettlementService

	signer         SignedURLIssuer
	evidenceBucket string
}

// OrderOption customises OrderHandlers construction.
type OrderOption func(*OrderHandlers)

// WithOrderEvidenceStorage wires the signed URL issuer used for evidence downloads.
func WithOrderEvidenceStorage(signer SignedURLIssuer, bucket string) OrderOption {
	return func(h *OrderHandlers) {
		h.signer = signer
		h.evidenceBucket = strings.TrimSpace(bucket)
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, settlements services.SettlementService, opts ...OrderOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:       authn,
		orders:      orders,
		settlements: settlements,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Get("/{orderID}/refund", h.getOrderRefund)
	r.Post("/{orderID}/evidence-url", h.evidenceDownloadURL)
	r.Post("/{orderID}:cancel", h.cancelOrder)
}

type createOrderRequest struct {
	RetailerRef      string          `json:"retailer_ref"`
	ItemValue        int64           `json:"item_value"`
	NumberOfItems    int             `json:"number_of_items"`
	DistanceMiles    float64         `json:"distance_miles"`
	EstimatedMinutes int             `json:"estimated_minutes"`
	Rush             bool            `json:"rush"`
	Tip              int64           `json:"tip"`
	PickupAddress    *addressPayload `json:"pickup_address"`
	DropoffAddress   *addressPayload `json:"dropoff_address"`
	PaymentRef       string          `json:"payment_ref"`
	Metadata         map[string]any  `json:"metadata"`
}

type cancelOrderRequest struct {
	Reason         string         `json:"reason"`
	ExpectedStatus string         `json:"expected_status"`
	Metadata       map[string]any `json:"metadata"`
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req createOrderRequest
	if !decodeJSONBody(ctx, w, r, maxOrderBodySize, &req) {
		return
	}

	cmd := services.CreateOrderCommand{
		CustomerID:       identity.UID,
		RetailerRef:      req.RetailerRef,
		ItemValue:        req.ItemValue,
		NumberOfItems:    req.NumberOfItems,
		DistanceMiles:    req.DistanceMiles,
		EstimatedMinutes: req.EstimatedMinutes,
		Rush:             req.Rush,
		Tip:              req.Tip,
		PickupAddress:    addressFromPayload(req.PickupAddress),
		DropoffAddress:   addressFromPayload(req.DropoffAddress),
		Metadata:         req.Metadata,
		ActorID:          identity.UID,
	}
	if ref := strings.TrimSpace(req.PaymentRef); ref != "" {
		cmd.PaymentRef = &ref
	}

	order, err := h.orders.CreateOrder(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	filter, ok := parseOrderListQuery(ctx, w, r)
	if !ok {
		return
	}
	filter.CustomerID = identity.UID

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildOrderListResponse(page))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
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

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	if !canReadOrder(identity, order) {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) getOrderRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	if h.settlements == nil {
		httpx.WriteError(ctx, w, httpx.NewError("settlement_unavailable", "settlement service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	if !canReadOrder(identity, order) {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return
	}

	refund, err := h.settlements.GetRefundForOrder(ctx, orderID)
	if err != nil {
		writeSettlementError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{"refund": buildRefundPayload(refund)})
}

type evidenceDownloadRequest struct {
	ObjectPath string `json:"object_path"`
}

type evidenceDownloadResponse struct {
	DownloadURL string `json:"download_url"`
	Method      string `json:"method"`
	ObjectPath  string `json:"object_path"`
	ExpiresAt   string `json:"expires_at"`
}

const evidenceDownloadExpiry = 10 * time.Minute

// evidenceDownloadURL issues a short-lived read URL for a delivery photo
// already attached to the order. Only paths recorded on the order are
// signable, so a caller cannot mint URLs for arbitrary bucket objects.
func (h *OrderHandlers) evidenceDownloadURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	if h.signer == nil || h.evidenceBucket == "" {
		httpx.WriteError(ctx, w, httpx.NewError("storage_unavailable", "evidence storage not configured", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req evidenceDownloadRequest
	if !decodeJSONBody(ctx, w, r, maxQuoteBodySize, &req) {
		return
	}

	objectPath := strings.TrimSpace(req.ObjectPath)
	if objectPath == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "object path is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	if !canReadOrder(identity, order) {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return
	}

	known := false
	for _, photo := range order.DeliveryPhotos {
		if photo == objectPath {
			known = true
			break
		}
	}
	if !known {
		httpx.WriteError(ctx, w, httpx.NewError("evidence_not_found", "evidence not found on order", http.StatusNotFound))
		return
	}

	result, err := h.signer.SignedURL(ctx, h.evidenceBucket, objectPath, storage.SignedURLOptions{
		Download: &storage.DownloadOptions{
			ExpiresIn:   evidenceDownloadExpiry,
			Disposition: "inline",
			OwnerID:     order.CustomerID,
			Identity:    identity,
		},
	})
	if err != nil {
		if errors.Is(err, storage.ErrPermissionDenied) {
			httpx.WriteError(ctx, w, httpx.NewError("forbidden", "not allowed to view this evidence", http.StatusForbidden))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	writeJSONResponse(w, http.StatusOK, evidenceDownloadResponse{
		DownloadURL: result.URL,
		Method:      result.Method,
		ObjectPath:  objectPath,
		ExpiresAt:   formatTime(result.ExpiresAt),
	})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
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

	var req cancelOrderRequest
	if !decodeJSONBody(ctx, w, r, maxOrderBodySize, &req) {
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	if !canReadOrder(identity, order) {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return
	}

	cmd := services.CancelOrderCommand{
		OrderID:  orderID,
		Reason:   strings.TrimSpace(req.Reason),
		ActorID:  identity.UID,
		Metadata: req.Metadata,
	}
	if expected := strings.TrimSpace(req.ExpectedStatus); expected != "" {
		cmd.ExpectedStatus = &expected
	}

	cancelled, err := h.orders.Cancel(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(cancelled)})
}

func parseOrderListQuery(ctx context.Context, w http.ResponseWriter, r *http.Request) (services.OrderListFilter, bool) {
	query := r.URL.Query()

	filter := services.OrderListFilter{
		Status: parseFilterValues(query["status"]),
	}

	if raw := strings.TrimSpace(query.Get("created_after")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_after must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return services.OrderListFilter{}, false
		}
		filter.DateRange.From = &ts
	}
	if raw := strings.TrimSpace(query.Get("created_before")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_before must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return services.OrderListFilter{}, false
		}
		filter.DateRange.To = &ts
	}

	pageSize := defaultOrderPageSize
	if sizeRaw := strings.TrimSpace(query.Get("page_size")); sizeRaw != "" {
		size, err := strconv.Atoi(sizeRaw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
			return services.OrderListFilter{}, false
		}
		switch {
		case size <= 0:
			pageSize = defaultOrderPageSize
		case size > maxOrderPageSize:
			pageSize = maxOrderPageSize
		default:
			pageSize = size
		}
	}

	filter.Pagination = domain.Pagination{
		PageSize:  pageSize,
		PageToken: strings.TrimSpace(query.Get("page_token")),
	}
	return filter, true
}

func canReadOrder(identity *auth.Identity, order domain.Order) bool {
	if identity.HasAnyRole(auth.RoleStaff, auth.RoleAdmin) {
		return true
	}
	uid := strings.TrimSpace(identity.UID)
	if strings.EqualFold(strings.TrimSpace(order.CustomerID), uid) {
		return true
	}
	if order.DriverID != nil && strings.EqualFold(strings.TrimSpace(*order.DriverID), uid) {
		return true
	}
	return false
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID          string  `json:"id"`
	OrderNumber string  `json:"order_number"`
	Status      string  `json:"status"`
	Currency    string  `json:"currency"`
	RetailerRef string  `json:"retailer_ref"`
	Rush        bool    `json:"rush,omitempty"`
	TotalPrice  int64   `json:"total_price"`
	DriverID    *string `json:"driver_id,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID               string            `json:"id"`
	OrderNumber      string            `json:"order_number"`
	CustomerID       string            `json:"customer_id"`
	DriverID         *string           `json:"driver_id,omitempty"`
	RetailerRef      string            `json:"retailer_ref"`
	ItemValue        int64             `json:"item_value"`
	NumberOfItems    int               `json:"number_of_items"`
	DistanceMiles    float64           `json:"distance_miles"`
	EstimatedMinutes int               `json:"estimated_minutes"`
	Rush             bool              `json:"rush"`
	Tip              int64             `json:"tip"`
	Status           string            `json:"status"`
	Currency         string            `json:"currency"`
	Fare             farePayload       `json:"fare"`
	PickupAddress    *addressPayload   `json:"pickup_address,omitempty"`
	DropoffAddress   *addressPayload   `json:"dropoff_address,omitempty"`
	DeliveryNotes    *string           `json:"delivery_notes,omitempty"`
	DeliveryPhotos   []string          `json:"delivery_photos,omitempty"`
	CancelReason     *string           `json:"cancel_reason,omitempty"`
	Metadata         map[string]any    `json:"metadata,omitempty"`
	Audit            *orderAuditReport `json:"audit,omitempty"`
	CreatedAt        string            `json:"created_at"`
	UpdatedAt        string            `json:"updated_at,omitempty"`
	AssignedAt       string            `json:"assigned_at,omitempty"`
	PickedUpAt       string            `json:"picked_up_at,omitempty"`
	InTransitAt      string            `json:"in_transit_at,omitempty"`
	DeliveredAt      string            `json:"delivered_at,omitempty"`
	CompletedAt      string            `json:"completed_at,omitempty"`
	CancelledAt      string            `json:"cancelled_at,omitempty"`
}

type orderAuditReport struct {
	CreatedBy *string `json:"created_by,omitempty"`
	UpdatedBy *string `json:"updated_by,omitempty"`
}

type farePayload struct {
	DriverDistancePay int64  `json:"driver_distance_pay"`
	DriverTimePay     int64  `json:"driver_time_pay"`
	DriverSizeBonus   int64  `json:"driver_size_bonus"`
	DriverRushBonus   int64  `json:"driver_rush_bonus"`
	Tip               int64  `json:"tip"`
	DriverTotal       int64  `json:"driver_total"`
	CompanyRevenue    int64  `json:"company_revenue"`
	TotalPrice        int64  `json:"total_price"`
	TierLabel         string `json:"tier_label"`
	ScheduleVersion   string `json:"schedule_version"`
	Currency          string `json:"currency"`
}

type addressPayload struct {
	Line1      string  `json:"line1"`
	Line2      *string `json:"line2,omitempty"`
	City       string  `json:"city"`
	State      *string `json:"state,omitempty"`
	PostalCode string  `json:"postal_code"`
	Country    string  `json:"country"`
	Notes      *string `json:"notes,omitempty"`
}

func buildOrderListResponse(page domain.CursorPage[domain.Order]) orderListResponse {
	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}
	return orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	}
}

func buildOrderSummary(order domain.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:          strings.TrimSpace(order.ID),
		OrderNumber: strings.TrimSpace(order.OrderNumber),
		Status:      strings.TrimSpace(string(order.Status)),
		Currency:    strings.ToUpper(strings.TrimSpace(order.Currency)),
		RetailerRef: strings.TrimSpace(order.RetailerRef),
		Rush:        order.Rush,
		TotalPrice:  order.Fare.TotalPrice,
		DriverID:    order.DriverID,
		CreatedAt:   formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order domain.Order) orderPayload {
	payload := orderPayload{
		ID:               strings.TrimSpace(order.ID),
		OrderNumber:      strings.TrimSpace(order.OrderNumber),
		CustomerID:       strings.TrimSpace(order.CustomerID),
		DriverID:         order.DriverID,
		RetailerRef:      strings.TrimSpace(order.RetailerRef),
		ItemValue:        order.ItemValue,
		NumberOfItems:    order.NumberOfItems,
		DistanceMiles:    order.DistanceMiles,
		EstimatedMinutes: order.EstimatedMinutes,
		Rush:             order.Rush,
		Tip:              order.Tip,
		Status:           strings.TrimSpace(string(order.Status)),
		Currency:         strings.ToUpper(strings.TrimSpace(order.Currency)),
		Fare:             buildFarePayload(order.Fare),
		DeliveryNotes:    order.DeliveryNotes,
		DeliveryPhotos:   order.DeliveryPhotos,
		CancelReason:     order.CancelReason,
		Metadata:         cloneMap(order.Metadata),
		CreatedAt:        formatTime(order.CreatedAt),
		UpdatedAt:        formatTime(order.UpdatedAt),
		AssignedAt:       formatTime(pointerTime(order.AssignedAt)),
		PickedUpAt:       formatTime(pointerTime(order.PickedUpAt)),
		InTransitAt:      formatTime(pointerTime(order.InTransitAt)),
		DeliveredAt:      formatTime(pointerTime(order.DeliveredAt)),
		CompletedAt:      formatTime(pointerTime(order.CompletedAt)),
		CancelledAt:      formatTime(pointerTime(order.CancelledAt)),
	}

	if order.PickupAddress != nil {
		addr := buildAddressPayload(*order.PickupAddress)
		payload.PickupAddress = &addr
	}
	if order.DropoffAddress != nil {
		addr := buildAddressPayload(*order.DropoffAddress)
		payload.DropoffAddress = &addr
	}
	if order.Audit.CreatedBy != nil || order.Audit.UpdatedBy != nil {
		payload.Audit = &orderAuditReport{
			CreatedBy: order.Audit.CreatedBy,
			UpdatedBy: order.Audit.UpdatedBy,
		}
	}

	return payload
}

func buildFarePayload(fare domain.FareBreakdown) farePayload {
	return farePayload{
		DriverDistancePay: fare.DriverDistancePay,
		DriverTimePay:     fare.DriverTimePay,
		DriverSizeBonus:   fare.DriverSizeBonus,
		DriverRushBonus:   fare.DriverRushBonus,
		Tip:               fare.Tip,
		DriverTotal:       fare.DriverTotal,
		CompanyRevenue:    fare.CompanyRevenue,
		TotalPrice:        fare.TotalPrice,
		TierLabel:         fare.TierLabel,
		ScheduleVersion:   fare.ScheduleVersion,
		Currency:          strings.ToUpper(strings.TrimSpace(fare.Currency)),
	}
}

func buildAddressPayload(addr domain.Address) addressPayload {
	return addressPayload{
		Line1:      strings.TrimSpace(addr.Line1),
		Line2:      addr.Line2,
		City:       strings.TrimSpace(addr.City),
		State:      addr.State,
		PostalCode: strings.TrimSpace(addr.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(addr.Country)),
		Notes:      addr.Notes,
	}
}

func addressFromPayload(payload *addressPayload) *domain.Address {
	if payload == nil {
		return nil
	}
	return &domain.Address{
		Line1:      strings.TrimSpace(payload.Line1),
		Line2:      payload.Line2,
		City:       strings.TrimSpace(payload.City),
		State:      payload.State,
		PostalCode: strings.TrimSpace(payload.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(payload.Country)),
		Notes:      payload.Notes,
	}
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func decodeJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	body, err := readLimitedBody(r, limit)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer func() {
		_ = r.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	return body, nil
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func parseFilterValues(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if _, exists := seen[part]; exists {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseTimeParam(value string) (time.Time, error) {
	return time.Parse(time.RFC3339, strings.TrimSpace(value))
}

func pointerTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
