package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"maps"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/returnloop/api/internal/domain"
	"github.com/returnloop/api/internal/repositories"
)

const (
	settlementEventCompleted         = "settlement.completed"
	settlementEventRefundIssued      = "settlement.refund.issued"
	settlementEventRefundFailed      = "settlement.refund.failed"
	settlementEventGiftCardScheduled = "settlement.giftcard.scheduled"
	settlementEventGiftCardDelivered = "settlement.giftcard.delivered"

	refundIDPrefix       = "ref_"
	giftCardIDPrefix     = "gcd_"
	storeCreditRefPrefix = "credit_"

	refundReasonDelivered = "return_delivered"
)

var (
	// ErrSettlementNotFound indicates the order, refund, or gift-card leg is missing.
	ErrSettlementNotFound = errors.New("settlement: not found")
	// ErrSettlementConflict indicates the order was already settled; the original
	// refund transaction stands untouched.
	ErrSettlementConflict = errors.New("settlement: conflict")
	// ErrSettlementInvalidState indicates the order is not in a completable state.
	ErrSettlementInvalidState = errors.New("settlement: invalid state")
	// ErrSettlementDriverMismatch indicates the caller is not the order's driver.
	ErrSettlementDriverMismatch = errors.New("settlement: driver mismatch")
)

// FieldError pins a validation failure to the offending request field.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError aggregates every field failure of a completion submission.
// Validation is all-or-nothing: nothing is persisted when it fires.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "settlement: validation failed: " + strings.Join(parts, "; ")
}

// RefundIssueRequest asks the payment layer to return money to the customer.
// RefundID doubles as the provider idempotency key so retries never double-pay.
type RefundIssueRequest struct {
	RefundID   string
	OrderID    string
	PaymentRef string
	Amount     int64
	Currency   string
	Reason     string
}

// RefundIssueResult reports the provider-side reference of an accepted refund.
type RefundIssueResult struct {
	ProviderRef string
}

// RefundIssuer sends refunds to the payment service provider.
type RefundIssuer interface {
	IssueRefund(ctx context.Context, req RefundIssueRequest) (RefundIssueResult, error)
}

// SettlementEvent captures metadata for emitted settlement events.
type SettlementEvent struct {
	Type               string
	OrderID            string
	OrderNumber        string
	RefundID           string
	GiftCardDeliveryID string
	Amount             int64
	Currency           string
	ActorID            string
	OccurredAt         time.Time
	Metadata           map[string]any
}

// SettlementEventPublisher publishes settlement events for downstream consumers.
type SettlementEventPublisher interface {
	PublishSettlementEvent(ctx context.Context, event SettlementEvent) error
}

// SettlementServiceDeps bundles collaborators required to construct the settlement service.
type SettlementServiceDeps struct {
	Orders      repositories.OrderRepository
	Refunds     repositories.RefundRepository
	GiftCards   repositories.GiftCardDeliveryRepository
	Payments    RefundIssuer
	Schedule    domain.PricingSchedule
	UnitOfWork  repositories.UnitOfWork
	Clock       func() time.Time
	IDGenerator func() string
	Events      SettlementEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type settlementService struct {
	orders     repositories.OrderRepository
	refunds    repositories.RefundRepository
	giftCards  repositories.GiftCardDeliveryRepository
	payments   RefundIssuer
	schedule   domain.PricingSchedule
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	events     SettlementEventPublisher
	logger     func(context.Context, string, map[string]any)
	sanitizer  *bluemonday.Policy
}

// NewSettlementService wires dependencies into a concrete SettlementService implementation.
func NewSettlementService(deps SettlementServiceDeps) (SettlementService, error) {
	if deps.Orders == nil {
		return nil, errors.New("settlement service: order repository is required")
	}
	if deps.Refunds == nil {
		return nil, errors.New("settlement service: refund repository is required")
	}
	if deps.GiftCards == nil {
		return nil, errors.New("settlement service: gift card repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("settlement service: refund issuer is required")
	}
	if err := deps.Schedule.Validate(); err != nil {
		return nil, fmt.Errorf("settlement service: %w", err)
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &settlementService{
		orders:     deps.Orders,
		refunds:    deps.Refunds,
		giftCards:  deps.GiftCards,
		payments:   deps.Payments,
		schedule:   deps.Schedule,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:     idGen,
		events:    deps.Events,
		logger:    logger,
		sanitizer: bluemonday.StrictPolicy(),
	}, nil
}

// Complete settles a delivered return: it moves the order to completed exactly
// once, writes the single refund transaction, and schedules a gift-card leg
// when the driver declared a physical gift card. A refund issuance failure does
// not undo the completion; the refund is stored failed_retrying instead.
func (s *settlementService) Complete(ctx context.Context, cmd CompleteDeliveryCommand) (SettlementResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return SettlementResult{}, &ValidationError{Fields: []FieldError{{Field: "orderId", Message: "order id is required"}}}
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return SettlementResult{}, s.mapRepositoryError(err)
	}

	if err := s.checkDriver(order.DriverID, cmd.DriverID); err != nil {
		return SettlementResult{}, err
	}

	notes, photos, method, amount, fields := s.validateCompletion(order, cmd)
	if len(fields) > 0 {
		return SettlementResult{}, &ValidationError{Fields: fields}
	}

	if err := completableFrom(order.Status); err != nil {
		return SettlementResult{}, err
	}

	now := s.now()
	actor := strings.TrimSpace(cmd.ActorID)

	refund := domain.RefundTransaction{
		ID:           refundIDPrefix + s.newID(),
		OrderID:      order.ID,
		Method:       method,
		Amount:       amount,
		Currency:     order.Currency,
		Reason:       refundReasonDelivered,
		CustomAmount: cmd.CustomRefundAmount != nil,
		Status:       domain.RefundStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var giftCard *domain.GiftCardDelivery
	if cmd.HasPhysicalGiftCard {
		giftCard = &domain.GiftCardDelivery{
			ID:         giftCardIDPrefix + s.newID(),
			OrderID:    order.ID,
			DriverID:   strings.TrimSpace(cmd.DriverID),
			CardAmount: cmd.GiftCardAmount,
			// The delivery fee comes from the server-side schedule. A fee sent by
			// the client is a display hint at best and is never read.
			DeliveryFee: s.schedule.GiftCardDeliveryFee,
			Currency:    order.Currency,
			Status:      domain.GiftCardStatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.FindByID(txCtx, order.ID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		// Re-check under the transaction so two racing completions cannot both win.
		if err := completableFrom(current.Status); err != nil {
			return err
		}

		current.Status = domain.OrderStatusCompleted
		current.CompletedAt = &now
		current.UpdatedAt = now
		current.DeliveryNotes = &notes
		current.DeliveryPhotos = photos
		if actor != "" {
			current.Audit.UpdatedBy = valuePtr(actor)
		}

		if err := s.orders.Update(txCtx, current); err != nil {
			return s.mapRepositoryError(err)
		}
		if err := s.refunds.Insert(txCtx, refund); err != nil {
			return s.mapRepositoryError(err)
		}
		if giftCard != nil {
			if err := s.giftCards.Insert(txCtx, *giftCard); err != nil {
				return s.mapRepositoryError(err)
			}
		}
		order = current
		return nil
	})
	if err != nil {
		return SettlementResult{}, err
	}

	s.publishEvent(ctx, SettlementEvent{
		Type:        settlementEventCompleted,
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		RefundID:    refund.ID,
		Amount:      refund.Amount,
		Currency:    refund.Currency,
		ActorID:     actor,
		OccurredAt:  now,
	})
	if giftCard != nil {
		s.publishEvent(ctx, SettlementEvent{
			Type:               settlementEventGiftCardScheduled,
			OrderID:            order.ID,
			OrderNumber:        order.OrderNumber,
			GiftCardDeliveryID: giftCard.ID,
			Amount:             giftCard.CardAmount,
			Currency:           giftCard.Currency,
			ActorID:            actor,
			OccurredAt:         now,
			Metadata:           map[string]any{"deliveryFee": giftCard.DeliveryFee},
		})
	}

	refund = s.issueRefund(ctx, order, refund, actor)

	return SettlementResult{Order: order, Refund: refund, GiftCard: giftCard}, nil
}

// validateCompletion checks the whole payload and reports every failing field.
func (s *settlementService) validateCompletion(order domain.Order, cmd CompleteDeliveryCommand) (string, []string, domain.RefundMethod, int64, []FieldError) {
	var fields []FieldError

	if strings.TrimSpace(cmd.DriverID) == "" {
		fields = append(fields, FieldError{Field: "driverId", Message: "driver id is required"})
	}

	notes := s.sanitizeNotes(cmd.DeliveryNotes)
	if notes == "" {
		fields = append(fields, FieldError{Field: "deliveryNotes", Message: "delivery notes are required"})
	}

	photos := cleanPhotoRefs(cmd.PhotoEvidence)
	if cmd.HasPhysicalGiftCard {
		if len(photos) == 0 {
			fields = append(fields, FieldError{Field: "photoEvidence", Message: "photo is required when a physical gift card is declared"})
		}
		if cmd.GiftCardAmount <= 0 {
			fields = append(fields, FieldError{Field: "giftCardAmount", Message: "gift card amount must be greater than zero"})
		}
	}

	method := domain.RefundMethodOriginalPayment
	if cmd.RefundMethod != nil {
		switch *cmd.RefundMethod {
		case domain.RefundMethodOriginalPayment, domain.RefundMethodStoreCredit:
			method = *cmd.RefundMethod
		default:
			fields = append(fields, FieldError{Field: "refundMethod", Message: "unknown refund method"})
		}
	}
	if method == domain.RefundMethodOriginalPayment && order.PaymentRef == nil {
		fields = append(fields, FieldError{Field: "refundMethod", Message: "order has no payment reference; use store_credit"})
	}

	amount := order.Fare.TotalPrice
	if cmd.CustomRefundAmount != nil {
		custom := *cmd.CustomRefundAmount
		if custom <= 0 || custom > order.Fare.TotalPrice {
			fields = append(fields, FieldError{Field: "customRefundAmount", Message: fmt.Sprintf("must be between 1 and %d", order.Fare.TotalPrice)})
		} else {
			amount = custom
		}
	}

	return notes, photos, method, amount, fields
}

func (s *settlementService) GetRefundForOrder(ctx context.Context, orderID string) (domain.RefundTransaction, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.RefundTransaction{}, &ValidationError{Fields: []FieldError{{Field: "orderId", Message: "order id is required"}}}
	}
	refund, err := s.refunds.FindByOrder(ctx, orderID)
	if err != nil {
		return domain.RefundTransaction{}, s.mapRepositoryError(err)
	}
	return refund, nil
}

func (s *settlementService) ConfirmGiftCardDelivery(ctx context.Context, cmd ConfirmGiftCardDeliveryCommand) (domain.GiftCardDelivery, error) {
	deliveryID := strings.TrimSpace(cmd.DeliveryID)
	if deliveryID == "" {
		return domain.GiftCardDelivery{}, &ValidationError{Fields: []FieldError{{Field: "deliveryId", Message: "delivery id is required"}}}
	}
	photos := cleanPhotoRefs(cmd.PhotoEvidence)
	if len(photos) == 0 {
		return domain.GiftCardDelivery{}, &ValidationError{Fields: []FieldError{{Field: "photoEvidence", Message: "photo is required to confirm the hand-off"}}}
	}

	delivery, err := s.giftCards.FindByID(ctx, deliveryID)
	if err != nil {
		return domain.GiftCardDelivery{}, s.mapRepositoryError(err)
	}
	if driver := strings.TrimSpace(cmd.DriverID); driver != "" && driver != delivery.DriverID {
		return domain.GiftCardDelivery{}, fmt.Errorf("%w: delivery belongs to another driver", ErrSettlementDriverMismatch)
	}
	if delivery.Status == domain.GiftCardStatusDelivered {
		return domain.GiftCardDelivery{}, fmt.Errorf("%w: gift card already delivered", ErrSettlementConflict)
	}

	now := s.now()
	delivery.Status = domain.GiftCardStatusDelivered
	delivery.DeliveredAt = &now
	delivery.UpdatedAt = now
	delivery.PhotoEvidence = append(delivery.PhotoEvidence, photos...)

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.giftCards.Update(txCtx, delivery); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return domain.GiftCardDelivery{}, err
	}

	s.publishEvent(ctx, SettlementEvent{
		Type:               settlementEventGiftCardDelivered,
		OrderID:            delivery.OrderID,
		GiftCardDeliveryID: delivery.ID,
		Amount:             delivery.CardAmount,
		Currency:           delivery.Currency,
		ActorID:            cmd.ActorID,
		OccurredAt:         now,
	})

	return delivery, nil
}

func (s *settlementService) ListGiftCardDeliveries(ctx context.Context, filter GiftCardDeliveryListFilter) (domain.CursorPage[domain.GiftCardDelivery], error) {
	driverID := strings.TrimSpace(filter.DriverID)
	if driverID == "" {
		return domain.CursorPage[domain.GiftCardDelivery]{}, &ValidationError{Fields: []FieldError{{Field: "driverId", Message: "driver id is required"}}}
	}
	page, err := s.giftCards.ListByDriver(ctx, driverID, filter.Status, filter.Pagination)
	if err != nil {
		return domain.CursorPage[domain.GiftCardDelivery]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *settlementService) RetryRefund(ctx context.Context, cmd RetryRefundCommand) (domain.RefundTransaction, error) {
	refundID := strings.TrimSpace(cmd.RefundID)
	if refundID == "" {
		return domain.RefundTransaction{}, &ValidationError{Fields: []FieldError{{Field: "refundId", Message: "refund id is required"}}}
	}

	refund, err := s.refunds.FindByID(ctx, refundID)
	if err != nil {
		return domain.RefundTransaction{}, s.mapRepositoryError(err)
	}
	if refund.Status == domain.RefundStatusIssued {
		return domain.RefundTransaction{}, fmt.Errorf("%w: refund already issued", ErrSettlementConflict)
	}

	order, err := s.orders.FindByID(ctx, refund.OrderID)
	if err != nil {
		return domain.RefundTransaction{}, s.mapRepositoryError(err)
	}

	return s.issueRefund(ctx, order, refund, strings.TrimSpace(cmd.ActorID)), nil
}

func (s *settlementService) MarkRefundOutcome(ctx context.Context, cmd RefundOutcomeCommand) (domain.RefundTransaction, error) {
	providerRef := strings.TrimSpace(cmd.ProviderRef)
	if providerRef == "" {
		return domain.RefundTransaction{}, &ValidationError{Fields: []FieldError{{Field: "providerRef", Message: "provider reference is required"}}}
	}

	refund, err := s.refunds.FindByProviderRef(ctx, providerRef)
	if err != nil {
		return domain.RefundTransaction{}, s.mapRepositoryError(err)
	}

	now := s.now()
	if cmd.Succeeded {
		if refund.Status == domain.RefundStatusIssued {
			return refund, nil
		}
		refund.Status = domain.RefundStatusIssued
		refund.IssuedAt = &now
		refund.FailureNote = nil
	} else {
		refund.Status = domain.RefundStatusFailedRetrying
		refund.FailureNote = optionalString(strings.TrimSpace(cmd.FailureNote))
		refund.IssuedAt = nil
	}
	refund.UpdatedAt = now

	err = s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.refunds.Update(txCtx, refund); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return domain.RefundTransaction{}, err
	}

	eventType := settlementEventRefundIssued
	if !cmd.Succeeded {
		eventType = settlementEventRefundFailed
	}
	s.publishEvent(ctx, SettlementEvent{
		Type:       eventType,
		OrderID:    refund.OrderID,
		RefundID:   refund.ID,
		Amount:     refund.Amount,
		Currency:   refund.Currency,
		OccurredAt: now,
	})

	return refund, nil
}

// issueRefund sends the refund to the provider and records the outcome. The
// order's completion is never rolled back here: a failed issuance leaves the
// refund in failed_retrying for a later retry.
func (s *settlementService) issueRefund(ctx context.Context, order domain.Order, refund domain.RefundTransaction, actor string) domain.RefundTransaction {
	now := s.now()

	switch refund.Method {
	case domain.RefundMethodStoreCredit:
		// Store credit settles on-platform; the refund row itself is the ledger entry.
		ref := storeCreditRefPrefix + refund.ID
		refund.Status = domain.RefundStatusIssued
		refund.ProviderRef = &ref
		refund.IssuedAt = &now
		refund.FailureNote = nil
	default:
		paymentRef := ""
		if order.PaymentRef != nil {
			paymentRef = *order.PaymentRef
		}
		result, err := s.payments.IssueRefund(ctx, RefundIssueRequest{
			RefundID:   refund.ID,
			OrderID:    order.ID,
			PaymentRef: paymentRef,
			Amount:     refund.Amount,
			Currency:   refund.Currency,
			Reason:     refund.Reason,
		})
		if err != nil {
			refund.Status = domain.RefundStatusFailedRetrying
			refund.FailureNote = optionalString(err.Error())
			s.logger(ctx, "settlement.refund.issue.failed", map[string]any{
				"order":  order.ID,
				"refund": refund.ID,
				"error":  err.Error(),
			})
		} else {
			refund.Status = domain.RefundStatusIssued
			refund.ProviderRef = optionalString(result.ProviderRef)
			refund.IssuedAt = &now
			refund.FailureNote = nil
		}
	}
	refund.UpdatedAt = now

	if err := s.refunds.Update(ctx, refund); err != nil {
		s.logger(ctx, "settlement.refund.persist.failed", map[string]any{
			"refund": refund.ID,
			"status": string(refund.Status),
			"error":  err.Error(),
		})
	}

	eventType := settlementEventRefundIssued
	if refund.Status != domain.RefundStatusIssued {
		eventType = settlementEventRefundFailed
	}
	s.publishEvent(ctx, SettlementEvent{
		Type:       eventType,
		OrderID:    refund.OrderID,
		RefundID:   refund.ID,
		Amount:     refund.Amount,
		Currency:   refund.Currency,
		ActorID:    actor,
		OccurredAt: now,
	})

	return refund
}

func (s *settlementService) checkDriver(assigned *string, caller string) error {
	caller = strings.TrimSpace(caller)
	if caller == "" {
		return &ValidationError{Fields: []FieldError{{Field: "driverId", Message: "driver id is required"}}}
	}
	if assigned == nil {
		return fmt.Errorf("%w: order has no assigned driver", ErrSettlementInvalidState)
	}
	if *assigned != caller {
		return fmt.Errorf("%w: order is assigned to another driver", ErrSettlementDriverMismatch)
	}
	return nil
}

// sanitizeNotes strips any markup and entity noise so only plain text is stored.
func (s *settlementService) sanitizeNotes(notes string) string {
	return strings.TrimSpace(html.UnescapeString(s.sanitizer.Sanitize(notes)))
}

func cleanPhotoRefs(refs []string) []string {
	cleaned := make([]string, 0, len(refs))
	for _, ref := range refs {
		if trimmed := strings.TrimSpace(ref); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	if len(cleaned) == 0 {
		return nil
	}
	return cleaned
}

func completableFrom(status domain.OrderStatus) error {
	switch status {
	case domain.OrderStatusInTransit, domain.OrderStatusDelivered:
		return nil
	case domain.OrderStatusCompleted:
		return fmt.Errorf("%w: order already completed", ErrSettlementConflict)
	default:
		return fmt.Errorf("%w: order status %q cannot be completed", ErrSettlementInvalidState, status)
	}
}

func (s *settlementService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrSettlementNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrSettlementConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("settlement: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *settlementService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *settlementService) now() time.Time {
	return s.clock()
}

func (s *settlementService) publishEvent(ctx context.Context, event SettlementEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishSettlementEvent(ctx, event); err != nil {
		s.logger(ctx, "settlement.event.publish.failed", map[string]any{
			"type":  event.Type,
			"order": event.OrderID,
			"error": err.Error(),
		})
	}
}
