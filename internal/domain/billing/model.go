package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Known bill statuses. Status is free-form text; other values are stored as given.
const (
	StatusPending = "Pending"
	StatusPaid    = "Paid"
)

type Bill struct {
	ID            int64           `json:"id"`
	PatientID     int64           `json:"patient_id"`
	AppointmentID *int64          `json:"appointment_id,omitempty"`
	TransactionID *int64          `json:"transaction_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Status        string          `json:"status"`
	Description   string          `json:"description"`
	CreationDate  time.Time       `json:"creation_date"`
}

func (b *Bill) IsPaid() bool {
	return b.Status == StatusPaid
}
