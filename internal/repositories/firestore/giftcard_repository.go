package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/returnloop/api/internal/domain"
	pfirestore "github.com/returnloop/api/internal/platform/firestore"
	"github.com/returnloop/api/internal/repositories"
)

const giftCardDeliveriesCollection = "gift_card_deliveries"

type giftCardDocument struct {
	OrderID       string     `firestore:"orderId"`
	DriverID      string     `firestore:"driverId"`
	CardAmount    int64      `firestore:"cardAmount"`
	DeliveryFee   int64      `firestore:"deliveryFee"`
	Currency      string     `firestore:"currency"`
	PhotoEvidence []string   `firestore:"photoEvidence,omitempty"`
	Status        string     `firestore:"status"`
	CreatedAt     time.Time  `firestore:"createdAt"`
	UpdatedAt     time.Time  `firestore:"updatedAt"`
	DeliveredAt   *time.Time `firestore:"deliveredAt,omitempty"`
}

// GiftCardDeliveryRepository implements repositories.GiftCardDeliveryRepository backed by Firestore.
type GiftCardDeliveryRepository struct {
	provider   *pfirestore.Provider
	deliveries *pfirestore.BaseRepository[giftCardDocument]
}

// NewGiftCardDeliveryRepository constructs a Firestore-backed gift card delivery repository.
func NewGiftCardDeliveryRepository(provider *pfirestore.Provider) (*GiftCardDeliveryRepository, error) {
	if provider == nil {
		return nil, errors.New("gift card repository requires firestore provider")
	}
	return &GiftCardDeliveryRepository{
		provider:   provider,
		deliveries: pfirestore.NewBaseRepository[giftCardDocument](provider, giftCardDeliveriesCollection, nil),
	}, nil
}

// Insert creates the delivery document. It fails with a conflict when the ID is taken.
func (r *GiftCardDeliveryRepository) Insert(ctx context.Context, delivery domain.GiftCardDelivery) error {
	ref, err := r.deliveries.DocumentRef(ctx, delivery.ID)
	if err != nil {
		return err
	}
	doc := encodeGiftCard(delivery)

	if tx, ok := pfirestore.TxFromContext(ctx); ok {
		return pfirestore.WrapError("giftcards.insert", tx.Create(ref, doc))
	}
	_, err = ref.Create(ctx, doc)
	return pfirestore.WrapError("giftcards.insert", err)
}

// Update overwrites the delivery document.
func (r *GiftCardDeliveryRepository) Update(ctx context.Context, delivery domain.GiftCardDelivery) error {
	ref, err := r.deliveries.DocumentRef(ctx, delivery.ID)
	if err != nil {
		return err
	}
	doc := encodeGiftCard(delivery)

	if tx, ok := pfirestore.TxFromContext(ctx); ok {
		return pfirestore.WrapError("giftcards.update", tx.Set(ref, doc))
	}
	_, err = ref.Set(ctx, doc)
	return pfirestore.WrapError("giftcards.update", err)
}

// FindByID fetches the delivery by its identifier.
func (r *GiftCardDeliveryRepository) FindByID(ctx context.Context, deliveryID string) (domain.GiftCardDelivery, error) {
	doc, err := r.deliveries.Get(ctx, deliveryID)
	if err != nil {
		return domain.GiftCardDelivery{}, err
	}
	return decodeGiftCard(doc.ID, doc.Data), nil
}

// FindByOrder returns the delivery leg scheduled for the order, if any.
func (r *GiftCardDeliveryRepository) FindByOrder(ctx context.Context, orderID string) (domain.GiftCardDelivery, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.GiftCardDelivery{}, errors.New("gift card repository: order id is required")
	}

	docs, err := r.deliveries.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderId", "==", id).Limit(1)
	})
	if err != nil {
		return domain.GiftCardDelivery{}, err
	}
	if len(docs) == 0 {
		return domain.GiftCardDelivery{}, pfirestore.WrapError("giftcards.findByOrder",
			status.Errorf(codes.NotFound, "gift card delivery for order %s not found", id))
	}
	return decodeGiftCard(docs[0].ID, docs[0].Data), nil
}

// ListByDriver returns the driver's delivery legs, optionally narrowed by
// status, most recent first.
func (r *GiftCardDeliveryRepository) ListByDriver(ctx context.Context, driverID string, cardStatus *domain.GiftCardStatus, pager domain.Pagination) (domain.CursorPage[domain.GiftCardDelivery], error) {
	driver := strings.TrimSpace(driverID)
	if driver == "" {
		return domain.CursorPage[domain.GiftCardDelivery]{}, errors.New("gift card repository: driver id is required")
	}

	coll, err := r.collection(ctx)
	if err != nil {
		return domain.CursorPage[domain.GiftCardDelivery]{}, err
	}

	query := coll.Where("driverId", "==", driver)
	if cardStatus != nil {
		query = query.Where("status", "==", string(*cardStatus))
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)

	limit := pager.PageSize
	if limit < 0 {
		limit = 0
	}
	var fetchLimit int
	if limit > 0 {
		fetchLimit = limit + 1
		query = query.Limit(fetchLimit)
	}

	if token := strings.TrimSpace(pager.PageToken); token != "" {
		tokenTime, tokenID, err := decodePageToken(token)
		if err != nil {
			return domain.CursorPage[domain.GiftCardDelivery]{}, fmt.Errorf("giftcards.listByDriver: invalid page token: %w", err)
		}
		query = query.StartAfter(tokenTime, tokenID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	type deliveryRow struct {
		data  domain.GiftCardDelivery
		docID string
	}

	var rows []deliveryRow
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.GiftCardDelivery]{}, pfirestore.WrapError("giftcards.listByDriver", err)
		}
		var doc giftCardDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.GiftCardDelivery]{}, fmt.Errorf("decode gift card delivery %s: %w", snap.Ref.ID, err)
		}
		rows = append(rows, deliveryRow{data: decodeGiftCard(snap.Ref.ID, doc), docID: snap.Ref.ID})
	}

	nextToken := ""
	if limit > 0 && len(rows) == fetchLimit {
		last := rows[len(rows)-1]
		nextToken = encodePageToken(last.data.CreatedAt, last.docID)
		rows = rows[:len(rows)-1]
	}

	items := make([]domain.GiftCardDelivery, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.data)
	}

	return domain.CursorPage[domain.GiftCardDelivery]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

func (r *GiftCardDeliveryRepository) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("gift card repository not initialised")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(giftCardDeliveriesCollection), nil
}

func encodeGiftCard(delivery domain.GiftCardDelivery) giftCardDocument {
	return giftCardDocument{
		OrderID:       delivery.OrderID,
		DriverID:      delivery.DriverID,
		CardAmount:    delivery.CardAmount,
		DeliveryFee:   delivery.DeliveryFee,
		Currency:      delivery.Currency,
		PhotoEvidence: delivery.PhotoEvidence,
		Status:        string(delivery.Status),
		CreatedAt:     delivery.CreatedAt.UTC(),
		UpdatedAt:     delivery.UpdatedAt.UTC(),
		DeliveredAt:   delivery.DeliveredAt,
	}
}

func decodeGiftCard(id string, doc giftCardDocument) domain.GiftCardDelivery {
	return domain.GiftCardDelivery{
		ID:            id,
		OrderID:       doc.OrderID,
		DriverID:      doc.DriverID,
		CardAmount:    doc.CardAmount,
		DeliveryFee:   doc.DeliveryFee,
		Currency:      doc.Currency,
		PhotoEvidence: doc.PhotoEvidence,
		Status:        domain.GiftCardStatus(doc.Status),
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
		DeliveredAt:   doc.DeliveredAt,
	}
}

// Ensure interface compliance.
var _ repositories.GiftCardDeliveryRepository = (*GiftCardDeliveryRepository)(nil)
