package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hms/hms/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Pick(ctx, r.pool)
}

const billCols = `id, patient_id, appointment_id, transaction_id, amount, status, description, creation_date`

func scanBill(row pgx.Row) (*Bill, error) {
	var b Bill
	err := row.Scan(&b.ID, &b.PatientID, &b.AppointmentID, &b.TransactionID,
		&b.Amount, &b.Status, &b.Description, &b.CreationDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *repoPG) Create(ctx context.Context, b *Bill) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO bills (patient_id, appointment_id, amount, status, description)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, creation_date`,
		b.PatientID, b.AppointmentID, b.Amount, b.Status, b.Description,
	).Scan(&b.ID, &b.CreationDate)
	if db.IsForeignKeyViolation(err) {
		return ErrPatientNotFound
	}
	if err != nil {
		return fmt.Errorf("insert bill: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id int64) (*Bill, error) {
	return scanBill(r.conn(ctx).QueryRow(ctx, `SELECT `+billCols+` FROM bills WHERE id = $1`, id))
}

func (r *repoPG) GetByIDForUpdate(ctx context.Context, id int64) (*Bill, error) {
	return scanBill(r.conn(ctx).QueryRow(ctx, `SELECT `+billCols+` FROM bills WHERE id = $1 FOR UPDATE`, id))
}

func (r *repoPG) MarkPaid(ctx context.Context, id, transactionID int64) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE bills SET status = $2, transaction_id = $3 WHERE id = $1`,
		id, StatusPaid, transactionID)
	if err != nil {
		return fmt.Errorf("mark bill %d paid: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID int64) ([]*Bill, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+billCols+` FROM bills WHERE patient_id = $1 ORDER BY creation_date DESC, id DESC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list bills: %w", err)
	}
	defer rows.Close()

	var items []*Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, b)
	}
	return items, rows.Err()
}
