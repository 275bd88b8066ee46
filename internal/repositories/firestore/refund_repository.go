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

const (
	refundsCollection = "refunds"
	// orderRefundsCollection holds one guard document per order, keyed by order
	// ID. Creating it alongside the refund enforces the one-refund-per-order
	// invariant without a query read inside the transaction.
	orderRefundsCollection = "order_refunds"
)

type refundDocument struct {
	OrderID      string     `firestore:"orderId"`
	Method       string     `firestore:"method"`
	Amount       int64      `firestore:"amount"`
	Currency     string     `firestore:"currency"`
	Reason       string     `firestore:"reason"`
	CustomAmount bool       `firestore:"customAmount"`
	Status       string     `firestore:"status"`
	ProviderRef  *string    `firestore:"providerRef,omitempty"`
	FailureNote  *string    `firestore:"failureNote,omitempty"`
	CreatedAt    time.Time  `firestore:"createdAt"`
	UpdatedAt    time.Time  `firestore:"updatedAt"`
	IssuedAt     *time.Time `firestore:"issuedAt,omitempty"`
}

type orderRefundGuard struct {
	RefundID  string    `firestore:"refundId"`
	CreatedAt time.Time `firestore:"createdAt"`
}

// RefundRepository implements repositories.RefundRepository backed by Firestore.
type RefundRepository struct {
	provider *pfirestore.Provider
	refunds  *pfirestore.BaseRepository[refundDocument]
	guards   *pfirestore.BaseRepository[orderRefundGuard]
}

// NewRefundRepository constructs a Firestore-backed refund repository.
func NewRefundRepository(provider *pfirestore.Provider) (*RefundRepository, error) {
	if provider == nil {
		return nil, errors.New("refund repository requires firestore provider")
	}
	return &RefundRepository{
		provider: provider,
		refunds:  pfirestore.NewBaseRepository[refundDocument](provider, refundsCollection, nil),
		guards:   pfirestore.NewBaseRepository[orderRefundGuard](provider, orderRefundsCollection, nil),
	}, nil
}

// Insert writes the refund and its per-order guard document. A second refund
// for the same order fails with a conflict.
func (r *RefundRepository) Insert(ctx context.Context, refund domain.RefundTransaction) error {
	if strings.TrimSpace(refund.OrderID) == "" {
		return errors.New("refund repository: order id is required")
	}

	refundRef, err := r.refunds.DocumentRef(ctx, refund.ID)
	if err != nil {
		return err
	}
	guardRef, err := r.guards.DocumentRef(ctx, refund.OrderID)
	if err != nil {
		return err
	}

	doc := encodeRefund(refund)
	guard := orderRefundGuard{RefundID: refund.ID, CreatedAt: refund.CreatedAt.UTC()}

	create := func(tx *firestore.Transaction) error {
		if err := tx.Create(refundRef, doc); err != nil {
			return err
		}
		return tx.Create(guardRef, guard)
	}

	if tx, ok := pfirestore.TxFromContext(ctx); ok {
		return pfirestore.WrapError("refunds.insert", create(tx))
	}
	err = r.provider.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		return create(tx)
	})
	return pfirestore.WrapError("refunds.insert", err)
}

// Update overwrites the refund document.
func (r *RefundRepository) Update(ctx context.Context, refund domain.RefundTransaction) error {
	ref, err := r.refunds.DocumentRef(ctx, refund.ID)
	if err != nil {
		return err
	}
	doc := encodeRefund(refund)

	if tx, ok := pfirestore.TxFromContext(ctx); ok {
		return pfirestore.WrapError("refunds.update", tx.Set(ref, doc))
	}
	_, err = ref.Set(ctx, doc)
	return pfirestore.WrapError("refunds.update", err)
}

// FindByID fetches the refund by its identifier.
func (r *RefundRepository) FindByID(ctx context.Context, refundID string) (domain.RefundTransaction, error) {
	doc, err := r.refunds.Get(ctx, refundID)
	if err != nil {
		return domain.RefundTransaction{}, err
	}
	return decodeRefund(doc.ID, doc.Data), nil
}

// FindByOrder resolves the refund through the per-order guard document.
func (r *RefundRepository) FindByOrder(ctx context.Context, orderID string) (domain.RefundTransaction, error) {
	guard, err := r.guards.Get(ctx, orderID)
	if err != nil {
		return domain.RefundTransaction{}, err
	}
	if strings.TrimSpace(guard.Data.RefundID) == "" {
		return domain.RefundTransaction{}, pfirestore.WrapError("refunds.findByOrder",
			status.Errorf(codes.NotFound, "refund for order %s not found", orderID))
	}
	return r.FindByID(ctx, guard.Data.RefundID)
}

// FindByProviderRef locates the refund matching a PSP-side reference. Used by
// webhook handlers which only know the provider's refund ID.
func (r *RefundRepository) FindByProviderRef(ctx context.Context, providerRef string) (domain.RefundTransaction, error) {
	ref := strings.TrimSpace(providerRef)
	if ref == "" {
		return domain.RefundTransaction{}, errors.New("refund repository: provider ref is required")
	}

	docs, err := r.refunds.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("providerRef", "==", ref).Limit(1)
	})
	if err != nil {
		return domain.RefundTransaction{}, err
	}
	if len(docs) == 0 {
		return domain.RefundTransaction{}, pfirestore.WrapError("refunds.findByProviderRef",
			status.Errorf(codes.NotFound, "refund with provider ref %s not found", ref))
	}
	return decodeRefund(docs[0].ID, docs[0].Data), nil
}

// ListByStatus returns refunds in the given state, most recent first. The retry
// sweep uses it to pick up failed_retrying rows.
func (r *RefundRepository) ListByStatus(ctx context.Context, refundStatus domain.RefundStatus, pager domain.Pagination) (domain.CursorPage[domain.RefundTransaction], error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return domain.CursorPage[domain.RefundTransaction]{}, err
	}

	query := coll.Where("status", "==", string(refundStatus)).
		OrderBy("createdAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Desc)

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
			return domain.CursorPage[domain.RefundTransaction]{}, fmt.Errorf("refunds.listByStatus: invalid page token: %w", err)
		}
		query = query.StartAfter(tokenTime, tokenID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	type refundRow struct {
		data  domain.RefundTransaction
		docID string
	}

	var rows []refundRow
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.RefundTransaction]{}, pfirestore.WrapError("refunds.listByStatus", err)
		}
		var doc refundDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.RefundTransaction]{}, fmt.Errorf("decode refund %s: %w", snap.Ref.ID, err)
		}
		rows = append(rows, refundRow{data: decodeRefund(snap.Ref.ID, doc), docID: snap.Ref.ID})
	}

	nextToken := ""
	if limit > 0 && len(rows) == fetchLimit {
		last := rows[len(rows)-1]
		nextToken = encodePageToken(last.data.CreatedAt, last.docID)
		rows = rows[:len(rows)-1]
	}

	items := make([]domain.RefundTransaction, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.data)
	}

	return domain.CursorPage[domain.RefundTransaction]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

func (r *RefundRepository) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("refund repository not initialised")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(refundsCollection), nil
}

func encodeRefund(refund domain.RefundTransaction) refundDocument {
	return refundDocument{
		OrderID:      refund.OrderID,
		Method:       string(refund.Method),
		Amount:       refund.Amount,
		Currency:     refund.Currency,
		Reason:       refund.Reason,
		CustomAmount: refund.CustomAmount,
		Status:       string(refund.Status),
		ProviderRef:  refund.ProviderRef,
		FailureNote:  refund.FailureNote,
		CreatedAt:    refund.CreatedAt.UTC(),
		UpdatedAt:    refund.UpdatedAt.UTC(),
		IssuedAt:     refund.IssuedAt,
	}
}

func decodeRefund(id string, doc refundDocument) domain.RefundTransaction {
	return domain.RefundTransaction{
		ID:           id,
		OrderID:      doc.OrderID,
		Method:       domain.RefundMethod(doc.Method),
		Amount:       doc.Amount,
		Currency:     doc.Currency,
		Reason:       doc.Reason,
		CustomAmount: doc.CustomAmount,
		Status:       domain.RefundStatus(doc.Status),
		ProviderRef:  doc.ProviderRef,
		FailureNote:  doc.FailureNote,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
		IssuedAt:     doc.IssuedAt,
	}
}

// Ensure interface compliance.
var _ repositories.RefundRepository = (*RefundRepository)(nil)
