package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/internal/platform/mpesa"
)

// Gateway is the payment provider.
type Gateway interface {
	SubmitCharge(ctx context.Context, req mpesa.ChargeRequest) (*mpesa.ChargeResponse, error)
	QueryCharge(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResponse, error)
}

const defaultDescription = "Payment"

type InitiateRequest struct {
	BillID      int64  `json:"bill_id" validate:"required,gt=0"`
	PhoneNumber string `json:"phone_number" validate:"required"`
	Description string `json:"description" validate:"max=100"`
}

type InitiateResult struct {
	TransactionID     int64  `json:"transaction_id"`
	CheckoutRequestID string `json:"checkout_request_id"`
	CustomerMessage   string `json:"customer_message,omitempty"`
}

// Initiator starts a mobile-money charge for a bill.
type Initiator struct {
	uow     db.UnitOfWork
	bills   BillStore
	txns    TransactionRepository
	intents IntentRepository
	gateway Gateway
	logger  zerolog.Logger
	now     func() time.Time
}

func NewInitiator(uow db.UnitOfWork, bills BillStore, txns TransactionRepository, intents IntentRepository, gateway Gateway, logger zerolog.Logger) *Initiator {
	return &Initiator{
		uow:     uow,
		bills:   bills,
		txns:    txns,
		intents: intents,
		gateway: gateway,
		logger:  logger.With().Str("component", "payment_initiator").Logger(),
		now:     time.Now,
	}
}

// Initiate charges the full bill amount to the given phone. On acceptance
// exactly one Pending transaction is recorded; the bill itself is untouched.
// The amount always comes from the bill.
func (s *Initiator) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	phone, err := NormalizePhone(req.PhoneNumber)
	if err != nil {
		return nil, err
	}
	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		desc = defaultDescription
	}

	bill, err := s.bills.GetByID(ctx, req.BillID)
	if err != nil {
		return nil, err
	}
	if bill.IsPaid() {
		return nil, fmt.Errorf("%w: bill %d", ErrBillSettled, bill.ID)
	}

	intent := &Intent{
		ID:          uuid.New(),
		BillID:      bill.ID,
		PhoneNumber: phone,
		Amount:      bill.Amount,
		Description: desc,
		State:       IntentSubmitting,
	}
	if err := s.intents.Create(ctx, intent); err != nil {
		return nil, fmt.Errorf("record payment intent: %w", err)
	}

	log := s.logger.With().Int64("bill_id", bill.ID).Str("intent_id", intent.ID.String()).Logger()

	resp, err := s.gateway.SubmitCharge(ctx, mpesa.ChargeRequest{
		Phone:       phone,
		Amount:      bill.Amount,
		BillID:      bill.ID,
		Description: desc,
	})
	if err != nil {
		log.Error().Err(err).Msg("charge submission failed")
		s.settleIntent(ctx, intent, IntentUnknown, nil, err.Error())
		return nil, err
	}
	if !resp.Accepted() {
		log.Info().Str("reason", resp.Reason()).Msg("charge rejected by gateway")
		s.settleIntent(ctx, intent, IntentRejected, nil, resp.Reason())
		return nil, &GatewayRejectedError{Reason: resp.Reason()}
	}

	checkoutID := resp.CheckoutRequestID
	txn := &Transaction{
		CheckoutRequestID: checkoutID,
		BillID:            bill.ID,
		Status:            StatusPending,
		Amount:            bill.Amount,
		PayingPhoneNumber: phone,
		TransactionDate:   s.now().Format(TransactionDateLayout),
	}

	err = s.uow.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.txns.Create(ctx, txn); err != nil {
			return err
		}
		submitted := *intent
		submitted.State = IntentSubmitted
		submitted.CheckoutRequestID = &checkoutID
		submitted.TransactionID = &txn.ID
		return s.intents.Update(ctx, &submitted)
	})
	if err != nil {
		// The provider holds a live charge with no local transaction. The
		// orphaned intent lets the callback or the sweeper adopt it.
		log.Error().Err(err).Str("checkout_request_id", checkoutID).
			Msg("charge accepted but transaction not recorded")
		s.settleIntent(ctx, intent, IntentOrphaned, &checkoutID, err.Error())
		return nil, fmt.Errorf("record transaction for checkout %s: %w", checkoutID, err)
	}

	log.Info().Int64("transaction_id", txn.ID).Str("checkout_request_id", checkoutID).
		Str("amount", txn.Amount.StringFixed(2)).Msg("charge initiated")

	return &InitiateResult{
		TransactionID:     txn.ID,
		CheckoutRequestID: checkoutID,
		CustomerMessage:   resp.CustomerMessage,
	}, nil
}

// settleIntent records the intent's final state. Failures are logged only:
// the caller's outcome is already decided.
func (s *Initiator) settleIntent(ctx context.Context, intent *Intent, state IntentState, checkoutID *string, reason string) {
	intent.State = state
	intent.CheckoutRequestID = checkoutID
	intent.TransactionID = nil
	intent.Reason = strPtr(reason)

	// Use a fresh context so a cancelled request still leaves a trace.
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.intents.Update(uctx, intent); err != nil {
		s.logger.Error().Err(err).Str("intent_id", intent.ID.String()).
			Str("state", string(state)).Msg("failed to update payment intent")
	}
}
