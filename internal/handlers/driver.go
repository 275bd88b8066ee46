package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	domain "github.com/returnloop/api/internal/domain"
	"github.com/returnloop/api/internal/platform/auth"
	"github.com/returnloop/api/internal/platform/httpx"
	"github.com/returnloop/api/internal/platform/storage"
	"github.com/returnloop/api/internal/services"
)

const (
	maxCompleteBodySize    = 64 * 1024
	evidenceUploadExpiry   = 10 * time.Minute
	evidenceUploadMaxBytes = 15 * 1024 * 1024
)

var allowedEvidenceContentTypes = []string{"image/jpeg", "image/png", "image/webp"}

// SignedURLIssuer issues signed storage URLs. Satisfied by the platform storage client.
type SignedURLIssuer interface {
	SignedURL(ctx context.Context, bucket, object string, opts storage.SignedURLOptions) (storage.SignedURLResult, error)
}

// DriverHandlers exposes the driver job surface: assigned orders, delivery
// photo uploads, the completion submission, and gift-card hand-off legs.
type DriverHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	settlements services.SettlementService

	signer         SignedURLIssuer
	evidenceBucket string
	newUploadID    func() string
}

// DriverOption customises DriverHandlers construction.
type DriverOption func(*DriverHandlers)

// WithEvidenceStorage wires the signed URL issuer and bucket used for photo evidence.
func WithEvidenceStorage(signer SignedURLIssuer, bucket string) DriverOption {
	return func(h *DriverHandlers) {
		h.signer = signer
		h.evidenceBucket = strings.TrimSpace(bucket)
	}
}

// WithUploadIDGenerator overrides upload id generation (useful for tests).
func WithUploadIDGenerator(gen func() string) DriverOption {
	return func(h *DriverHandlers) {
		if gen != nil {
			h.newUploadID = gen
		}
	}
}

// NewDriverHandlers constructs a new DriverHandlers instance.
func NewDriverHandlers(authn *auth.Authenticator, orders services.OrderService, settlements services.SettlementService, opts ...DriverOption) *DriverHandlers {
	h := &DriverHandlers{
		authn:       authn,
		orders:      orders,
		settlements: settlements,
		newUploadID: func() string {
			return strings.ToLower(ulid.Make().String())
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /driver endpoints.
func (h *DriverHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleDriver, auth.RoleAdmin))
	}
	r.Get("/orders", h.listOrders)
	r.Post("/orders/{orderID}/status", h.updateStatus)
	r.Post("/orders/{orderID}/evidence-url", h.evidenceUploadURL)
	r.Post("/orders/{orderID}/complete", h.complete)
	r.Get("/gift-cards", h.listGiftCards)
	r.Post("/gift-cards/{deliveryID}:confirm", h.confirmGiftCard)
}

func (h *DriverHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	filter, ok := parseOrderListQuery(ctx, w, r)
	if !ok {
		return
	}
	filter.DriverID = identity.UID

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildOrderListResponse(page))
}

type driverStatusRequest struct {
	Status         string `json:"status"`
	ExpectedStatus string `json:"expected_status"`
	Reason         string `json:"reason"`
}

func (h *DriverHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
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

	var req driverStatusRequest
	if !decodeJSONBody(ctx, w, r, maxOrderBodySize, &req) {
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status is required", http.StatusBadRequest))
		return
	}

	if !h.ownsOrder(ctx, w, identity, orderID) {
		return
	}

	cmd := services.OrderStatusTransitionCommand{
		OrderID:      orderID,
		TargetStatus: req.Status,
		Reason:       strings.TrimSpace(req.Reason),
		ActorID:      identity.UID,
	}
	if expected := strings.TrimSpace(req.ExpectedStatus); expected != "" {
		cmd.ExpectedStatus = &expected
	}

	order, err := h.orders.TransitionStatus(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

type evidenceURLRequest struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	ContentMD5  string `json:"content_md5"`
	Stage       string `json:"stage"`
}

type evidenceURLResponse struct {
	UploadURL  string            `json:"upload_url"`
	Method     string            `json:"method"`
	ObjectPath string            `json:"object_path"`
	ExpiresAt  string            `json:"expires_at"`
	Headers    map[string]string `json:"headers,omitempty"`
}

func (h *DriverHandlers) evidenceUploadURL(w http.ResponseWriter, r *http.Request) {
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

	var req evidenceURLRequest
	if !decodeJSONBody(ctx, w, r, maxQuoteBodySize, &req) {
		return
	}

	if !h.ownsOrder(ctx, w, identity, orderID) {
		return
	}

	purpose := storage.PurposeDeliveryEvidence
	if strings.EqualFold(strings.TrimSpace(req.Stage), "pickup") {
		purpose = storage.PurposePickupEvidence
	}

	objectPath, err := storage.BuildObjectPath(purpose, storage.PathParams{
		OrderID:  orderID,
		UploadID: h.newUploadID(),
		FileName: req.FileName,
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	result, err := h.signer.SignedURL(ctx, h.evidenceBucket, objectPath, storage.SignedURLOptions{
		Upload: &storage.UploadOptions{
			ContentType:         req.ContentType,
			ContentMD5:          strings.TrimSpace(req.ContentMD5),
			AllowedContentTypes: allowedEvidenceContentTypes,
			MaxSize:             evidenceUploadMaxBytes,
			ExpiresIn:           evidenceUploadExpiry,
		},
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	writeJSONResponse(w, http.StatusOK, evidenceURLResponse{
		UploadURL:  result.URL,
		Method:     result.Method,
		ObjectPath: objectPath,
		ExpiresAt:  formatTime(result.ExpiresAt),
		Headers:    result.Headers,
	})
}

// completeRequest follows the driver app contract. The server derives the
// gift-card delivery fee itself; a deliveryFee field in the payload is never read.
type completeRequest struct {
	DeliveryNotes       string   `json:"deliveryNotes"`
	PhotosUploaded      bool     `json:"photosUploaded"`
	PhotoEvidence       []string `json:"photoEvidence"`
	RefundMethod        string   `json:"refundMethod"`
	CustomRefundAmount  *int64   `json:"customRefundAmount"`
	RefundReason        string   `json:"refundReason"`
	HasPhysicalGiftCard bool     `json:"hasPhysicalGiftCard"`
	GiftCardAmount      int64    `json:"giftCardAmount"`
}

type settlementResponse struct {
	Order    orderPayload     `json:"order"`
	Refund   refundPayload    `json:"refund"`
	GiftCard *giftCardPayload `json:"gift_card,omitempty"`
}

type refundPayload struct {
	ID           string  `json:"id"`
	OrderID      string  `json:"order_id"`
	Method       string  `json:"method"`
	Amount       int64   `json:"amount"`
	Currency     string  `json:"currency"`
	Reason       string  `json:"reason"`
	CustomAmount bool    `json:"custom_amount,omitempty"`
	Status       string  `json:"status"`
	ProviderRef  *string `json:"provider_ref,omitempty"`
	FailureNote  *string `json:"failure_note,omitempty"`
	CreatedAt    string  `json:"created_at"`
	IssuedAt     string  `json:"issued_at,omitempty"`
}

type giftCardPayload struct {
	ID            string   `json:"id"`
	OrderID       string   `json:"order_id"`
	DriverID      string   `json:"driver_id"`
	CardAmount    int64    `json:"card_amount"`
	DeliveryFee   int64    `json:"delivery_fee"`
	Currency      string   `json:"currency"`
	PhotoEvidence []string `json:"photo_evidence,omitempty"`
	Status        string   `json:"status"`
	CreatedAt     string   `json:"created_at"`
	DeliveredAt   string   `json:"delivered_at,omitempty"`
}

func (h *DriverHandlers) complete(w http.ResponseWriter, r *http.Request) {
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

	var req completeRequest
	if !decodeJSONBody(ctx, w, r, maxCompleteBodySize, &req) {
		return
	}

	cmd := services.CompleteDeliveryCommand{
		OrderID:             orderID,
		DriverID:            identity.UID,
		DeliveryNotes:       req.DeliveryNotes,
		PhotoEvidence:       req.PhotoEvidence,
		HasPhysicalGiftCard: req.HasPhysicalGiftCard,
		GiftCardAmount:      req.GiftCardAmount,
		CustomRefundAmount:  req.CustomRefundAmount,
		ActorID:             identity.UID,
	}
	if method := strings.TrimSpace(req.RefundMethod); method != "" {
		refundMethod := domain.RefundMethod(method)
		cmd.RefundMethod = &refundMethod
	}

	result, err := h.settlements.Complete(ctx, cmd)
	if err != nil {
		writeSettlementError(ctx, w, err)
		return
	}

	payload := settlementResponse{
		Order:  buildOrderPayload(result.Order),
		Refund: buildRefundPayload(result.Refund),
	}
	if result.GiftCard != nil {
		card := buildGiftCardPayload(*result.GiftCard)
		payload.GiftCard = &card
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *DriverHandlers) listGiftCards(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	query := r.URL.Query()
	filter := services.GiftCardDeliveryListFilter{
		DriverID: identity.UID,
		Pagination: domain.Pagination{
			PageSize:  defaultOrderPageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	}
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status := domain.GiftCardStatus(raw)
		if status != domain.GiftCardStatusPending && status != domain.GiftCardStatusDelivered {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be pending or delivered", http.StatusBadRequest))
			return
		}
		filter.Status = &status
	}

	page, err := h.settlements.ListGiftCardDeliveries(ctx, filter)
	if err != nil {
		writeSettlementError(ctx, w, err)
		return
	}

	items := make([]giftCardPayload, 0, len(page.Items))
	for _, delivery := range page.Items {
		items = append(items, buildGiftCardPayload(delivery))
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"items":           items,
		"next_page_token": strings.TrimSpace(page.NextPageToken),
	})
}

type confirmGiftCardRequest struct {
	PhotoEvidence []string `json:"photo_evidence"`
}

func (h *DriverHandlers) confirmGiftCard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	deliveryID := strings.TrimSpace(chi.URLParam(r, "deliveryID"))
	if deliveryID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "delivery id is required", http.StatusBadRequest))
		return
	}

	var req confirmGiftCardRequest
	if !decodeJSONBody(ctx, w, r, maxOrderBodySize, &req) {
		return
	}

	delivery, err := h.settlements.ConfirmGiftCardDelivery(ctx, services.ConfirmGiftCardDeliveryCommand{
		DeliveryID:    deliveryID,
		DriverID:      identity.UID,
		PhotoEvidence: req.PhotoEvidence,
		ActorID:       identity.UID,
	})
	if err != nil {
		writeSettlementError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{"gift_card": buildGiftCardPayload(delivery)})
}

// ownsOrder confirms the order is assigned to the calling driver. Admins pass.
func (h *DriverHandlers) ownsOrder(ctx context.Context, w http.ResponseWriter, identity *auth.Identity, orderID string) bool {
	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return false
	}
	if identity.HasRole(auth.RoleAdmin) {
		return true
	}
	if order.DriverID == nil || !strings.EqualFold(strings.TrimSpace(*order.DriverID), strings.TrimSpace(identity.UID)) {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return false
	}
	return true
}

func buildRefundPayload(refund domain.RefundTransaction) refundPayload {
	return refundPayload{
		ID:           strings.TrimSpace(refund.ID),
		OrderID:      strings.TrimSpace(refund.OrderID),
		Method:       string(refund.Method),
		Amount:       refund.Amount,
		Currency:     strings.ToUpper(strings.TrimSpace(refund.Currency)),
		Reason:       refund.Reason,
		CustomAmount: refund.CustomAmount,
		Status:       string(refund.Status),
		ProviderRef:  refund.ProviderRef,
		FailureNote:  refund.FailureNote,
		CreatedAt:    formatTime(refund.CreatedAt),
		IssuedAt:     formatTime(pointerTime(refund.IssuedAt)),
	}
}

func buildGiftCardPayload(delivery domain.GiftCardDelivery) giftCardPayload {
	return giftCardPayload{
		ID:            strings.TrimSpace(delivery.ID),
		OrderID:       strings.TrimSpace(delivery.OrderID),
		DriverID:      strings.TrimSpace(delivery.DriverID),
		CardAmount:    delivery.CardAmount,
		DeliveryFee:   delivery.DeliveryFee,
		Currency:      strings.ToUpper(strings.TrimSpace(delivery.Currency)),
		PhotoEvidence: delivery.PhotoEvidence,
		Status:        string(delivery.Status),
		CreatedAt:     formatTime(delivery.CreatedAt),
		DeliveredAt:   formatTime(pointerTime(delivery.DeliveredAt)),
	}
}

func writeSettlementError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var validation *services.ValidationError
	switch {
	case errors.As(err, &validation):
		fields := make(map[string]any, len(validation.Fields))
		for _, field := range validation.Fields {
			fields[field.Field] = field.Message
		}
		httpx.WriteError(ctx, w, httpx.NewError("validation_failed", "completion payload is invalid", http.StatusBadRequest).WithDetails(map[string]any{"fields": fields}))
	case errors.Is(err, services.ErrSettlementNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", "resource not found", http.StatusNotFound))
	case errors.Is(err, services.ErrSettlementDriverMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "order is assigned to another driver", http.StatusForbidden))
	case errors.Is(err, services.ErrSettlementConflict):
		httpx.WriteError(ctx, w, httpx.NewError("settlement_conflict", "order already completed", http.StatusConflict))
	case errors.Is(err, services.ErrSettlementInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("settlement_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("settlement_error", "failed to process settlement request", http.StatusInternalServerError))
	}
}
