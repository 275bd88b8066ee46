package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/returnloop/api/internal/domain"
	pfirestore "github.com/returnloop/api/internal/platform/firestore"
	"github.com/returnloop/api/internal/repositories"
)

const ordersCollection = "orders"

type addressDocument struct {
	Line1      string  `firestore:"line1"`
	Line2      *string `firestore:"line2,omitempty"`
	City       string  `firestore:"city"`
	State      *string `firestore:"state,omitempty"`
	PostalCode string  `firestore:"postalCode"`
	Country    string  `firestore:"country"`
	Notes      *string `firestore:"notes,omitempty"`
}

type fareDocument struct {
	DriverDistancePay int64  `firestore:"driverDistancePay"`
	DriverTimePay     int64  `firestore:"driverTimePay"`
	DriverSizeBonus   int64  `firestore:"driverSizeBonus"`
	DriverRushBonus   int64  `firestore:"driverRushBonus"`
	Tip               int64  `firestore:"tip"`
	DriverTotal       int64  `firestore:"driverTotal"`
	CompanyRevenue    int64  `firestore:"companyRevenue"`
	TotalPrice        int64  `firestore:"totalPrice"`
	TierLabel         string `firestore:"tierLabel"`
	ScheduleVersion   string `firestore:"scheduleVersion"`
	Currency          string `firestore:"currency"`
}

type orderDocument struct {
	OrderNumber string  `firestore:"orderNumber"`
	CustomerID  string  `firestore:"customerId"`
	DriverID    *string `firestore:"driverId,omitempty"`
	RetailerRef string  `firestore:"retailerRef"`

	ItemValue        int64   `firestore:"itemValue"`
	NumberOfItems    int     `firestore:"numberOfItems"`
	DistanceMiles    float64 `firestore:"distanceMiles"`
	EstimatedMinutes int     `firestore:"estimatedMinutes"`
	Rush             bool    `firestore:"rush"`
	Tip              int64   `firestore:"tip"`

	Status   string       `firestore:"status"`
	Currency string       `firestore:"currency"`
	Fare     fareDocument `firestore:"fare"`

	PickupAddress  *addressDocument `firestore:"pickupAddress,omitempty"`
	DropoffAddress *addressDocument `firestore:"dropoffAddress,omitempty"`

	PaymentRef *string `firestore:"paymentRef,omitempty"`

	DeliveryNotes  *string        `firestore:"deliveryNotes,omitempty"`
	DeliveryPhotos []string       `firestore:"deliveryPhotos,omitempty"`
	CancelReason   *string        `firestore:"cancelReason,omitempty"`
	Metadata       map[string]any `firestore:"metadata,omitempty"`
	CreatedBy      *string        `firestore:"createdBy,omitempty"`
	UpdatedBy      *string        `firestore:"updatedBy,omitempty"`

	CreatedAt   time.Time  `firestore:"createdAt"`
	UpdatedAt   time.Time  `firestore:"updatedAt"`
	AssignedAt  *time.Time `firestore:"assignedAt,omitempty"`
	PickedUpAt  *time.Time `firestore:"pickedUpAt,omitempty"`
	InTransitAt *time.Time `firestore:"inTransitAt,omitempty"`
	DeliveredAt *time.Time `firestore:"deliveredAt,omitempty"`
	CompletedAt *time.Time `firestore:"completedAt,omitempty"`
	CancelledAt *time.Time `firestore:"cancelledAt,omitempty"`
}

// OrderRepository implements repositories.OrderRepository backed by Firestore.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil)
	return &OrderRepository{
		provider: provider,
		orders:   base,
	}, nil
}

// Insert creates a new order document. It fails with a conflict when the ID is taken.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	ref, err := r.orders.DocumentRef(ctx, order.ID)
	if err != nil {
		return err
	}
	doc := encodeOrder(order)

	if tx, ok := pfirestore.TxFromContext(ctx); ok {
		return pfirestore.WrapError("orders.insert", tx.Create(ref, doc))
	}
	_, err = ref.Create(ctx, doc)
	return pfirestore.WrapError("orders.insert", err)
}

// Update overwrites the order document.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	ref, err := r.orders.DocumentRef(ctx, order.ID)
	if err != nil {
		return err
	}
	doc := encodeOrder(order)

	if tx, ok := pfirestore.TxFromContext(ctx); ok {
		return pfirestore.WrapError("orders.update", tx.Set(ref, doc))
	}
	_, err = ref.Set(ctx, doc)
	return pfirestore.WrapError("orders.update", err)
}

// FindByID fetches the order. Inside a transaction the read joins it so the
// order participates in the transaction's consistency guarantees.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if tx, ok := pfirestore.TxFromContext(ctx); ok {
		ref, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return domain.Order{}, err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return domain.Order{}, pfirestore.WrapError("orders.get", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.Order{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		return decodeOrder(snap.Ref.ID, doc), nil
	}

	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrder(doc.ID, doc.Data), nil
}

// List returns orders matching the filter, most recent first.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	query := coll.Query
	if customer := strings.TrimSpace(filter.CustomerID); customer != "" {
		query = query.Where("customerId", "==", customer)
	}
	if driver := strings.TrimSpace(filter.DriverID); driver != "" {
		query = query.Where("driverId", "==", driver)
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, 0, len(filter.Status))
		for _, s := range filter.Status {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				statuses = append(statuses, trimmed)
			}
		}
		if len(statuses) == 1 {
			query = query.Where("status", "==", statuses[0])
		} else if len(statuses) > 1 {
			query = query.Where("status", "in", statuses)
		}
	}
	if filter.DateRange.From != nil {
		query = query.Where("createdAt", ">=", filter.DateRange.From.UTC())
	}
	if filter.DateRange.To != nil {
		query = query.Where("createdAt", "<=", filter.DateRange.To.UTC())
	}

	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)

	limit := filter.Pagination.PageSize
	if limit < 0 {
		limit = 0
	}
	var fetchLimit int
	if limit > 0 {
		fetchLimit = limit + 1
		query = query.Limit(fetchLimit)
	}

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		tokenTime, tokenID, err := decodePageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("orders.list: invalid page token: %w", err)
		}
		query = query.StartAfter(tokenTime, tokenID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	type orderRow struct {
		data  domain.Order
		docID string
	}

	var rows []orderRow
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		rows = append(rows, orderRow{data: decodeOrder(snap.Ref.ID, doc), docID: snap.Ref.ID})
	}

	nextToken := ""
	if limit > 0 && len(rows) == fetchLimit {
		last := rows[len(rows)-1]
		nextToken = encodePageToken(last.data.CreatedAt, last.docID)
		rows = rows[:len(rows)-1]
	}

	items := make([]domain.Order, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.data)
	}

	return domain.CursorPage[domain.Order]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

func (r *OrderRepository) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("order repository not initialised")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(ordersCollection), nil
}

func encodeOrder(order domain.Order) orderDocument {
	return orderDocument{
		OrderNumber:      order.OrderNumber,
		CustomerID:       order.CustomerID,
		DriverID:         order.DriverID,
		RetailerRef:      order.RetailerRef,
		ItemValue:        order.ItemValue,
		NumberOfItems:    order.NumberOfItems,
		DistanceMiles:    order.DistanceMiles,
		EstimatedMinutes: order.EstimatedMinutes,
		Rush:             order.Rush,
		Tip:              order.Tip,
		Status:           string(order.Status),
		Currency:         order.Currency,
		Fare:             encodeFare(order.Fare),
		PickupAddress:    encodeAddress(order.PickupAddress),
		DropoffAddress:   encodeAddress(order.DropoffAddress),
		PaymentRef:       order.PaymentRef,
		DeliveryNotes:    order.DeliveryNotes,
		DeliveryPhotos:   order.DeliveryPhotos,
		CancelReason:     order.CancelReason,
		Metadata:         order.Metadata,
		CreatedBy:        order.Audit.CreatedBy,
		UpdatedBy:        order.Audit.UpdatedBy,
		CreatedAt:        order.CreatedAt.UTC(),
		UpdatedAt:        order.UpdatedAt.UTC(),
		AssignedAt:       order.AssignedAt,
		PickedUpAt:       order.PickedUpAt,
		InTransitAt:      order.InTransitAt,
		DeliveredAt:      order.DeliveredAt,
		CompletedAt:      order.CompletedAt,
		CancelledAt:      order.CancelledAt,
	}
}

func decodeOrder(id string, doc orderDocument) domain.Order {
	return domain.Order{
		ID:               id,
		OrderNumber:      doc.OrderNumber,
		CustomerID:       doc.CustomerID,
		DriverID:         doc.DriverID,
		RetailerRef:      doc.RetailerRef,
		ItemValue:        doc.ItemValue,
		NumberOfItems:    doc.NumberOfItems,
		DistanceMiles:    doc.DistanceMiles,
		EstimatedMinutes: doc.EstimatedMinutes,
		Rush:             doc.Rush,
		Tip:              doc.Tip,
		Status:           domain.OrderStatus(doc.Status),
		Currency:         doc.Currency,
		Fare:             decodeFare(doc.Fare),
		PickupAddress:    decodeAddress(doc.PickupAddress),
		DropoffAddress:   decodeAddress(doc.DropoffAddress),
		PaymentRef:       doc.PaymentRef,
		DeliveryNotes:    doc.DeliveryNotes,
		DeliveryPhotos:   doc.DeliveryPhotos,
		CancelReason:     doc.CancelReason,
		Metadata:         doc.Metadata,
		Audit: domain.OrderAudit{
			CreatedBy: doc.CreatedBy,
			UpdatedBy: doc.UpdatedBy,
		},
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
		AssignedAt:  doc.AssignedAt,
		PickedUpAt:  doc.PickedUpAt,
		InTransitAt: doc.InTransitAt,
		DeliveredAt: doc.DeliveredAt,
		CompletedAt: doc.CompletedAt,
		CancelledAt: doc.CancelledAt,
	}
}

func encodeFare(fare domain.FareBreakdown) fareDocument {
	return fareDocument{
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
		Currency:          fare.Currency,
	}
}

func decodeFare(doc fareDocument) domain.FareBreakdown {
	return domain.FareBreakdown{
		DriverDistancePay: doc.DriverDistancePay,
		DriverTimePay:     doc.DriverTimePay,
		DriverSizeBonus:   doc.DriverSizeBonus,
		DriverRushBonus:   doc.DriverRushBonus,
		Tip:               doc.Tip,
		DriverTotal:       doc.DriverTotal,
		CompanyRevenue:    doc.CompanyRevenue,
		TotalPrice:        doc.TotalPrice,
		TierLabel:         doc.TierLabel,
		ScheduleVersion:   doc.ScheduleVersion,
		Currency:          doc.Currency,
	}
}

func encodeAddress(addr *domain.Address) *addressDocument {
	if addr == nil {
		return nil
	}
	return &addressDocument{
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
		Notes:      addr.Notes,
	}
}

func decodeAddress(doc *addressDocument) *domain.Address {
	if doc == nil {
		return nil
	}
	return &domain.Address{
		Line1:      doc.Line1,
		Line2:      doc.Line2,
		City:       doc.City,
		State:      doc.State,
		PostalCode: doc.PostalCode,
		Country:    doc.Country,
		Notes:      doc.Notes,
	}
}

// Ensure interface compliance.
var _ repositories.OrderRepository = (*OrderRepository)(nil)
