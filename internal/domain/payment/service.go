package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Ledger exposes transactions for administrative reads and raw inserts.
type Ledger struct {
	txns   TransactionRepository
	logger zerolog.Logger
	now    func() time.Time
}

func NewLedger(txns TransactionRepository, logger zerolog.Logger) *Ledger {
	return &Ledger{txns: txns, logger: logger.With().Str("component", "payment_ledger").Logger(), now: time.Now}
}

type CreateTransactionRequest struct {
	CheckoutRequestID string           `json:"checkout_request_id" validate:"required"`
	BillID            int64            `json:"bill_id" validate:"required,gt=0"`
	Status            string           `json:"status" validate:"omitempty,oneof=Pending Paid Failed"`
	Amount            *decimal.Decimal `json:"amount" validate:"required"`
	PayingPhoneNumber string           `json:"paying_phone_number" validate:"required"`
	ReceiptNumber     *string          `json:"receipt_number"`
	TransactionDate   string           `json:"transaction_date"`
}

// CreateTransaction inserts a transaction without contacting the gateway.
func (l *Ledger) CreateTransaction(ctx context.Context, req CreateTransactionRequest) (*Transaction, error) {
	req.CheckoutRequestID = strings.TrimSpace(req.CheckoutRequestID)
	req.PayingPhoneNumber = strings.TrimSpace(req.PayingPhoneNumber)
	req.TransactionDate = strings.TrimSpace(req.TransactionDate)
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be greater than zero", ErrInvalidRequest)
	}

	t := &Transaction{
		CheckoutRequestID: req.CheckoutRequestID,
		BillID:            req.BillID,
		Status:            req.Status,
		PayingPhoneNumber: req.PayingPhoneNumber,
		ReceiptNumber:     req.ReceiptNumber,
		TransactionDate:   req.TransactionDate,
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.ReceiptNumber != nil && strings.TrimSpace(*t.ReceiptNumber) == "" {
		t.ReceiptNumber = nil
	}
	t.Amount = *req.Amount
	now := l.now()
	if t.TransactionDate == "" {
		t.TransactionDate = now.Format(TransactionDateLayout)
	}
	if t.IsTerminal() {
		t.SettledAt = &now
	}

	if err := l.txns.Create(ctx, t); err != nil {
		return nil, err
	}
	l.logger.Info().Int64("transaction_id", t.ID).Int64("bill_id", t.BillID).Str("status", t.Status).
		Msg("transaction recorded manually")
	return t, nil
}

func (l *Ledger) GetTransaction(ctx context.Context, id int64) (*Transaction, error) {
	return l.txns.GetByID(ctx, id)
}

func (l *Ledger) ListTransactions(ctx context.Context, limit, offset int) ([]*Transaction, int, error) {
	return l.txns.List(ctx, limit, offset)
}
