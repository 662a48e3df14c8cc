package billing

import (
	"context"
	"errors"
)

var (
	ErrNotFound        = errors.New("bill not found")
	ErrPatientNotFound = errors.New("patient not found")
	ErrInvalid         = errors.New("invalid bill")
)

type Repository interface {
	Create(ctx context.Context, b *Bill) error
	GetByID(ctx context.Context, id int64) (*Bill, error)
	// GetByIDForUpdate locks the bill row until the surrounding transaction ends.
	GetByIDForUpdate(ctx context.Context, id int64) (*Bill, error)
	// MarkPaid sets the bill to Paid and links the settling transaction.
	MarkPaid(ctx context.Context, id, transactionID int64) error
	// ListByPatient returns the patient's bills, newest first.
	ListByPatient(ctx context.Context, patientID int64) ([]*Bill, error)
}
