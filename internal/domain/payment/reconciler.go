package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hms/hms/internal/domain/billing"
	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/internal/platform/mpesa"
)

// Settlement event types.
const (
	EventPaymentSettled = "payment.settled"
	EventPaymentFailed  = "payment.failed"
)

// EventPublisher delivers settlement events to subscribers. Publish must not block.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, data interface{})
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, interface{}) {}

// Outcome describes how a settlement was handled. Every Outcome is a
// handled result that the provider should not redeliver.
type Outcome struct {
	TransactionID int64  `json:"transaction_id"`
	BillID        int64  `json:"bill_id"`
	Status        string `json:"status"`
	Message       string `json:"message"`
	Applied       bool   `json:"applied"`
	Duplicate     bool   `json:"duplicate"`
	Ignored       bool   `json:"ignored"`
}

type ReconcilerConfig struct {
	// FailOnDecline moves a Pending transaction to Failed on a non-zero result
	// code. When false a decline leaves the transaction untouched.
	FailOnDecline bool
}

// Reconciler applies provider settlements to transactions and bills.
type Reconciler struct {
	uow       db.UnitOfWork
	bills     BillStore
	txns      TransactionRepository
	intents   IntentRepository
	callbacks CallbackLog
	events    EventPublisher
	cfg       ReconcilerConfig
	logger    zerolog.Logger
	now       func() time.Time
}

func NewReconciler(uow db.UnitOfWork, bills BillStore, txns TransactionRepository, intents IntentRepository,
	callbacks CallbackLog, events EventPublisher, cfg ReconcilerConfig, logger zerolog.Logger) *Reconciler {
	if events == nil {
		events = nopPublisher{}
	}
	return &Reconciler{
		uow:       uow,
		bills:     bills,
		txns:      txns,
		intents:   intents,
		callbacks: callbacks,
		events:    events,
		cfg:       cfg,
		logger:    logger.With().Str("component", "payment_reconciler").Logger(),
		now:       time.Now,
	}
}

// HandleCallback parses and applies one raw provider callback. Every
// delivery, malformed or not, is written to the callback log.
func (r *Reconciler) HandleCallback(ctx context.Context, raw []byte) (*Outcome, error) {
	s, err := ParseCallback(raw)
	if err != nil {
		r.logger.Warn().Err(err).Int("size", len(raw)).Msg("malformed callback")
		r.record(ctx, raw, nil, OutcomeMalformed)
		return nil, err
	}

	out, err := r.Reconcile(ctx, *s)
	r.record(ctx, raw, s, outcomeLabel(out, err))
	return out, err
}

// Reconcile applies a final result to the transaction identified by its
// checkout request id. The transaction and bill change in one commit.
// Redelivery of an already applied result is a no-op.
func (r *Reconciler) Reconcile(ctx context.Context, s Settlement) (*Outcome, error) {
	log := r.logger.With().Str("checkout_request_id", s.CheckoutRequestID).Int("result_code", s.ResultCode).Logger()

	var (
		out     *Outcome
		event   string
		settled Transaction
	)
	err := r.uow.RunInTx(ctx, func(ctx context.Context) error {
		out, event = nil, ""

		t, err := r.txns.GetByCheckoutIDForUpdate(ctx, s.CheckoutRequestID)
		if errors.Is(err, ErrUnknownTransaction) {
			t, err = r.adoptOrphan(ctx, s.CheckoutRequestID)
		}
		if err != nil {
			return err
		}

		target := StatusFailed
		if s.Succeeded() {
			target = StatusPaid
		}

		if !CanTransition(t.Status, target) {
			if t.Status == target {
				out = &Outcome{TransactionID: t.ID, BillID: t.BillID, Status: t.Status, Duplicate: true,
					Message: "Callback already processed"}
				return nil
			}
			log.Warn().Int64("transaction_id", t.ID).Str("status", t.Status).Str("reported", target).
				Msg("settlement conflicts with recorded outcome, ignoring")
			out = &Outcome{TransactionID: t.ID, BillID: t.BillID, Status: t.Status, Ignored: true,
				Message: "Callback conflicts with recorded outcome, no updates made"}
			return nil
		}

		if !s.Succeeded() {
			if !r.cfg.FailOnDecline {
				// Status stays Pending. The reason is kept so the sweeper stops querying it.
				if t.FailureReason == nil {
					t.FailureReason = strPtr(s.ResultDesc)
					if err := r.txns.UpdateSettlement(ctx, t); err != nil {
						return err
					}
				}
				out = &Outcome{TransactionID: t.ID, BillID: t.BillID, Status: t.Status,
					Message: "Payment not successful, transaction left pending"}
				return nil
			}
			t.Status = StatusFailed
			t.FailureReason = strPtr(s.ResultDesc)
			now := r.now()
			t.SettledAt = &now
			if err := r.txns.UpdateSettlement(ctx, t); err != nil {
				return err
			}
			out = &Outcome{TransactionID: t.ID, BillID: t.BillID, Status: t.Status, Applied: true,
				Message: "Payment not successful, transaction marked as failed"}
			event, settled = EventPaymentFailed, *t
			return nil
		}

		if s.Amount != nil && !amountMatches(*s.Amount, t.Amount) {
			return fmt.Errorf("%w: reported %s, expected %s", ErrAmountMismatch, s.Amount.String(), t.Amount.StringFixed(2))
		}

		t.Status = StatusPaid
		t.FailureReason = nil
		if s.ReceiptNumber != "" {
			t.ReceiptNumber = strPtr(s.ReceiptNumber)
		}
		now := r.now()
		t.SettledAt = &now
		if err := r.txns.UpdateSettlement(ctx, t); err != nil {
			return err
		}

		if _, err := r.bills.GetByIDForUpdate(ctx, t.BillID); err != nil {
			if !errors.Is(err, billing.ErrNotFound) {
				return err
			}
			log.Warn().Int64("bill_id", t.BillID).Msg("settled transaction references a missing bill")
		} else if err := r.bills.MarkPaid(ctx, t.BillID, t.ID); err != nil {
			return err
		}

		out = &Outcome{TransactionID: t.ID, BillID: t.BillID, Status: t.Status, Applied: true,
			Message: "Transaction and Bill updated successfully"}
		event, settled = EventPaymentSettled, *t
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrUnknownTransaction) || errors.Is(err, ErrAmountMismatch) {
			log.Warn().Err(err).Msg("settlement not applied")
		} else {
			log.Error().Err(err).Msg("settlement failed")
		}
		return nil, err
	}

	if out.Applied {
		log.Info().Int64("transaction_id", out.TransactionID).Int64("bill_id", out.BillID).
			Str("status", out.Status).Msg("settlement applied")
	}
	if event != "" {
		r.events.Publish(ctx, event, newSettlementEvent(&settled))
	}
	return out, nil
}

// adoptOrphan creates the missing transaction for a charge whose local
// commit failed after the provider accepted it. A concurrent delivery may
// adopt the intent while this one waits on its lock; the transaction it
// created is then looked up again.
func (r *Reconciler) adoptOrphan(ctx context.Context, checkoutID string) (*Transaction, error) {
	in, err := r.intents.GetOrphanedForUpdate(ctx, checkoutID)
	if errors.Is(err, ErrIntentNotFound) {
		t, err := r.txns.GetByCheckoutIDForUpdate(ctx, checkoutID)
		if errors.Is(err, ErrUnknownTransaction) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTransaction, checkoutID)
		}
		return t, err
	}
	if err != nil {
		return nil, err
	}

	t := &Transaction{
		CheckoutRequestID: checkoutID,
		BillID:            in.BillID,
		Status:            StatusPending,
		Amount:            in.Amount,
		PayingPhoneNumber: in.PhoneNumber,
		TransactionDate:   in.CreatedAt.Format(TransactionDateLayout),
	}
	if err := r.txns.Create(ctx, t); err != nil {
		return nil, err
	}
	in.State = IntentSubmitted
	in.TransactionID = &t.ID
	if err := r.intents.Update(ctx, in); err != nil {
		return nil, err
	}
	r.logger.Info().Str("intent_id", in.ID.String()).Int64("transaction_id", t.ID).
		Str("checkout_request_id", checkoutID).Msg("adopted orphaned payment intent")
	return t, nil
}

// amountMatches accepts the stored amount or the whole-unit amount that was
// actually charged.
func amountMatches(reported, stored decimal.Decimal) bool {
	return reported.Equal(stored) || reported.Equal(decimal.NewFromInt(mpesa.WholeUnits(stored)))
}

func outcomeLabel(out *Outcome, err error) string {
	switch {
	case errors.Is(err, ErrUnknownTransaction):
		return OutcomeUnknown
	case errors.Is(err, ErrAmountMismatch):
		return OutcomeMismatch
	case err != nil:
		return OutcomeError
	case out.Duplicate:
		return OutcomeDuplicate
	case out.Ignored:
		return OutcomeIgnored
	case out.Applied && out.Status == StatusPaid:
		return OutcomeApplied
	default:
		return OutcomeDeclined
	}
}

// record writes the raw delivery to the callback log. Failures are logged only.
func (r *Reconciler) record(ctx context.Context, raw []byte, s *Settlement, outcome string) {
	rec := &CallbackRecord{
		ID:         uuid.New(),
		Payload:    raw,
		Outcome:    outcome,
		ReceivedAt: r.now(),
	}
	if s != nil {
		rec.CheckoutRequestID = strPtr(s.CheckoutRequestID)
		code := s.ResultCode
		rec.ResultCode = &code
	}
	if err := r.callbacks.Record(context.WithoutCancel(ctx), rec); err != nil {
		r.logger.Error().Err(err).Str("outcome", outcome).Msg("failed to record callback")
	}
}

// SettlementEvent is the payload of payment.settled and payment.failed events.
type SettlementEvent struct {
	TransactionID     int64           `json:"transaction_id"`
	BillID            int64           `json:"bill_id"`
	CheckoutRequestID string          `json:"checkout_request_id"`
	Status            string          `json:"status"`
	Amount            decimal.Decimal `json:"amount"`
	ReceiptNumber     *string         `json:"receipt_number,omitempty"`
	FailureReason     *string         `json:"failure_reason,omitempty"`
	SettledAt         *time.Time      `json:"settled_at,omitempty"`
}

func newSettlementEvent(t *Transaction) SettlementEvent {
	return SettlementEvent{
		TransactionID:     t.ID,
		BillID:            t.BillID,
		CheckoutRequestID: t.CheckoutRequestID,
		Status:            t.Status,
		Amount:            t.Amount,
		ReceiptNumber:     t.ReceiptNumber,
		FailureReason:     t.FailureReason,
		SettledAt:         t.SettledAt,
	}
}
