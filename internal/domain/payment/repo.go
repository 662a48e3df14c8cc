package payment

import (
	"context"
	"time"

	"github.com/hms/hms/internal/domain/billing"
)

type TransactionRepository interface {
	// Create inserts t; a reused checkout request id yields ErrDuplicateCheckout.
	Create(ctx context.Context, t *Transaction) error
	GetByID(ctx context.Context, id int64) (*Transaction, error)
	// GetByCheckoutIDForUpdate locks the row until the surrounding transaction ends.
	GetByCheckoutIDForUpdate(ctx context.Context, checkoutRequestID string) (*Transaction, error)
	// UpdateSettlement writes status, receipt number, failure reason and settled_at.
	UpdateSettlement(ctx context.Context, t *Transaction) error
	List(ctx context.Context, limit, offset int) ([]*Transaction, int, error)
	ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*Transaction, error)
}

type IntentRepository interface {
	Create(ctx context.Context, in *Intent) error
	Update(ctx context.Context, in *Intent) error
	GetOrphanedForUpdate(ctx context.Context, checkoutRequestID string) (*Intent, error)
	// MarkStaleOrphaned moves intents stuck in submitting since before cutoff to orphaned.
	MarkStaleOrphaned(ctx context.Context, cutoff time.Time) ([]*Intent, error)
}

type CallbackLog interface {
	Record(ctx context.Context, rec *CallbackRecord) error
}

// BillStore is the part of the bill repository the payment flow needs.
type BillStore interface {
	GetByID(ctx context.Context, id int64) (*billing.Bill, error)
	GetByIDForUpdate(ctx context.Context, id int64) (*billing.Bill, error)
	MarkPaid(ctx context.Context, id, transactionID int64) error
}
