package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hms/hms/internal/platform/db"
)

// =========== Transaction Repository ===========

type transactionRepoPG struct{ pool *pgxpool.Pool }

func NewTransactionRepoPG(pool *pgxpool.Pool) TransactionRepository {
	return &transactionRepoPG{pool: pool}
}

func (r *transactionRepoPG) conn(ctx context.Context) db.Querier {
	return db.Pick(ctx, r.pool)
}

const txnCols = `id, checkout_request_id, bill_id, status, amount, paying_phone_number,
	receipt_number, transaction_date, failure_reason, settled_at, created_at`

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var t Transaction
	err := row.Scan(&t.ID, &t.CheckoutRequestID, &t.BillID, &t.Status, &t.Amount, &t.PayingPhoneNumber,
		&t.ReceiptNumber, &t.TransactionDate, &t.FailureReason, &t.SettledAt, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUnknownTransaction
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *transactionRepoPG) Create(ctx context.Context, t *Transaction) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO transactions (checkout_request_id, bill_id, status, amount, paying_phone_number,
			receipt_number, transaction_date, failure_reason, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`,
		t.CheckoutRequestID, t.BillID, t.Status, t.Amount, t.PayingPhoneNumber,
		t.ReceiptNumber, t.TransactionDate, t.FailureReason, t.SettledAt,
	).Scan(&t.ID, &t.CreatedAt)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateCheckout, t.CheckoutRequestID)
	}
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (r *transactionRepoPG) GetByID(ctx context.Context, id int64) (*Transaction, error) {
	return scanTransaction(r.conn(ctx).QueryRow(ctx, `SELECT `+txnCols+` FROM transactions WHERE id = $1`, id))
}

func (r *transactionRepoPG) GetByCheckoutIDForUpdate(ctx context.Context, checkoutRequestID string) (*Transaction, error) {
	return scanTransaction(r.conn(ctx).QueryRow(ctx,
		`SELECT `+txnCols+` FROM transactions WHERE checkout_request_id = $1 FOR UPDATE`, checkoutRequestID))
}

func (r *transactionRepoPG) UpdateSettlement(ctx context.Context, t *Transaction) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE transactions
		SET status = $2, receipt_number = $3, failure_reason = $4, settled_at = $5
		WHERE id = $1`,
		t.ID, t.Status, t.ReceiptNumber, t.FailureReason, t.SettledAt)
	if err != nil {
		return fmt.Errorf("update transaction %d: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUnknownTransaction
	}
	return nil
}

func (r *transactionRepoPG) List(ctx context.Context, limit, offset int) ([]*Transaction, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}
	items, err := r.query(ctx, `SELECT `+txnCols+` FROM transactions ORDER BY id DESC LIMIT $1 OFFSET $2`, limit, offset)
	return items, total, err
}

func (r *transactionRepoPG) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]*Transaction, error) {
	return r.query(ctx, `SELECT `+txnCols+` FROM transactions
		WHERE status = $1 AND failure_reason IS NULL AND created_at < $2
		ORDER BY created_at LIMIT $3`,
		StatusPending, createdBefore, limit)
}

func (r *transactionRepoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*Transaction, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var items []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

// =========== Intent Repository ===========

type intentRepoPG struct{ pool *pgxpool.Pool }

func NewIntentRepoPG(pool *pgxpool.Pool) IntentRepository { return &intentRepoPG{pool: pool} }

func (r *intentRepoPG) conn(ctx context.Context) db.Querier {
	return db.Pick(ctx, r.pool)
}

const intentCols = `id, bill_id, phone_number, amount, description, state,
	checkout_request_id, transaction_id, reason, created_at, updated_at`

func scanIntent(row pgx.Row) (*Intent, error) {
	var in Intent
	err := row.Scan(&in.ID, &in.BillID, &in.PhoneNumber, &in.Amount, &in.Description, &in.State,
		&in.CheckoutRequestID, &in.TransactionID, &in.Reason, &in.CreatedAt, &in.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrIntentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}

func (r *intentRepoPG) Create(ctx context.Context, in *Intent) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO payment_intents (id, bill_id, phone_number, amount, description, state)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		in.ID, in.BillID, in.PhoneNumber, in.Amount, in.Description, in.State,
	).Scan(&in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert payment intent: %w", err)
	}
	return nil
}

func (r *intentRepoPG) Update(ctx context.Context, in *Intent) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE payment_intents
		SET state = $2, checkout_request_id = $3, transaction_id = $4, reason = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		in.ID, in.State, in.CheckoutRequestID, in.TransactionID, in.Reason,
	).Scan(&in.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrIntentNotFound
	}
	if err != nil {
		return fmt.Errorf("update payment intent %s: %w", in.ID, err)
	}
	return nil
}

func (r *intentRepoPG) GetOrphanedForUpdate(ctx context.Context, checkoutRequestID string) (*Intent, error) {
	return scanIntent(r.conn(ctx).QueryRow(ctx, `SELECT `+intentCols+` FROM payment_intents
		WHERE checkout_request_id = $1 AND state = $2
		ORDER BY created_at DESC LIMIT 1 FOR UPDATE`, checkoutRequestID, IntentOrphaned))
}

func (r *intentRepoPG) MarkStaleOrphaned(ctx context.Context, cutoff time.Time) ([]*Intent, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE payment_intents
		SET state = $1, reason = COALESCE(reason, 'no gateway outcome recorded'), updated_at = NOW()
		WHERE state = $2 AND created_at < $3
		RETURNING `+intentCols,
		IntentOrphaned, IntentSubmitting, cutoff)
	if err != nil {
		return nil, fmt.Errorf("orphan stale intents: %w", err)
	}
	defer rows.Close()

	var items []*Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, in)
	}
	return items, rows.Err()
}

// =========== Callback Log ===========

type callbackLogPG struct{ pool *pgxpool.Pool }

func NewCallbackLogPG(pool *pgxpool.Pool) CallbackLog { return &callbackLogPG{pool: pool} }

func (r *callbackLogPG) Record(ctx context.Context, rec *CallbackRecord) error {
	payload := rec.Payload
	if !json.Valid(payload) {
		wrapped, err := json.Marshal(map[string]string{"raw": string(payload)})
		if err != nil {
			return err
		}
		payload = wrapped
	}
	_, err := db.Pick(ctx, r.pool).Exec(ctx, `
		INSERT INTO payment_callbacks (id, checkout_request_id, result_code, payload, outcome, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.CheckoutRequestID, rec.ResultCode, string(payload), rec.Outcome, rec.ReceivedAt)
	if err != nil {
		return fmt.Errorf("insert payment callback: %w", err)
	}
	return nil
}
