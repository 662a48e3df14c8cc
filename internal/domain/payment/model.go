package payment

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction statuses. Paid and Failed are terminal.
const (
	StatusPending = "Pending"
	StatusPaid    = "Paid"
	StatusFailed  = "Failed"
)

// TransactionDateLayout is the format of Transaction.TransactionDate.
const TransactionDateLayout = "2006-01-02 15:04:05"

// Transaction is one attempt to collect a bill's amount through the gateway.
type Transaction struct {
	ID                int64           `json:"id"`
	CheckoutRequestID string          `json:"checkout_request_id"`
	BillID            int64           `json:"bill_id"`
	Status            string          `json:"status"`
	Amount            decimal.Decimal `json:"amount"`
	PayingPhoneNumber string          `json:"paying_phone_number"`
	ReceiptNumber     *string         `json:"receipt_number"`
	TransactionDate   string          `json:"transaction_date"`
	FailureReason     *string         `json:"failure_reason,omitempty"`
	SettledAt         *time.Time      `json:"settled_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

func (t *Transaction) IsTerminal() bool {
	return t.Status == StatusPaid || t.Status == StatusFailed
}

var transitions = map[string]map[string]bool{
	StatusPending: {StatusPaid: true, StatusFailed: true},
}

// CanTransition reports whether a transaction may move from one status to another.
func CanTransition(from, to string) bool {
	return transitions[from][to]
}

// IntentState tracks a charge request from before the gateway call until
// its transaction row exists.
type IntentState string

const (
	IntentSubmitting IntentState = "submitting"
	IntentSubmitted  IntentState = "submitted"
	IntentRejected   IntentState = "rejected"
	IntentUnknown    IntentState = "unknown"
	IntentOrphaned   IntentState = "orphaned"
)

type Intent struct {
	ID                uuid.UUID       `json:"id"`
	BillID            int64           `json:"bill_id"`
	PhoneNumber       string          `json:"phone_number"`
	Amount            decimal.Decimal `json:"amount"`
	Description       string          `json:"description"`
	State             IntentState     `json:"state"`
	CheckoutRequestID *string         `json:"checkout_request_id,omitempty"`
	TransactionID     *int64          `json:"transaction_id,omitempty"`
	Reason            *string         `json:"reason,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// CallbackRecord is one raw provider delivery kept for audit.
type CallbackRecord struct {
	ID                uuid.UUID
	CheckoutRequestID *string
	ResultCode        *int
	Payload           []byte
	Outcome           string
	ReceivedAt        time.Time
}

// Callback record outcomes.
const (
	OutcomeApplied   = "applied"
	OutcomeDeclined  = "declined"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeUnknown   = "unknown_transaction"
	OutcomeMalformed = "malformed"
	OutcomeMismatch  = "amount_mismatch"
	OutcomeError     = "error"
)

func strPtr(s string) *string { return &s }
