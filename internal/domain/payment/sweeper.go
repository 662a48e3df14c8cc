package payment

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

type SweeperConfig struct {
	// PendingAfter is how old a Pending transaction must be before its status is queried.
	PendingAfter time.Duration
	// IntentGrace is how long an intent may stay in submitting before it is orphaned.
	IntentGrace time.Duration
	BatchSize   int
}

// SweepReport summarises one sweep.
type SweepReport struct {
	Queried      int
	Settled      int
	StillPending int
	Declined     int
	Errors       int
	Orphaned     int
}

// Sweeper resolves transactions whose callback never arrived and flags
// intents that never reached the gateway outcome.
type Sweeper struct {
	txns       TransactionRepository
	intents    IntentRepository
	gateway    Gateway
	reconciler *Reconciler
	cfg        SweeperConfig
	logger     zerolog.Logger
	now        func() time.Time
}

func NewSweeper(txns TransactionRepository, intents IntentRepository, gateway Gateway, reconciler *Reconciler,
	cfg SweeperConfig, logger zerolog.Logger) *Sweeper {
	if cfg.PendingAfter <= 0 {
		cfg.PendingAfter = 10 * time.Minute
	}
	if cfg.IntentGrace <= 0 {
		cfg.IntentGrace = 2 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		txns:       txns,
		intents:    intents,
		gateway:    gateway,
		reconciler: reconciler,
		cfg:        cfg,
		logger:     logger.With().Str("component", "payment_sweeper").Logger(),
		now:        time.Now,
	}
}

// Run performs one sweep. Items are handled independently; a failure on one
// does not stop the rest.
func (s *Sweeper) Run(ctx context.Context) SweepReport {
	var rep SweepReport
	now := s.now()

	stale, err := s.txns.ListStalePending(ctx, now.Add(-s.cfg.PendingAfter), s.cfg.BatchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("list stale pending transactions")
		rep.Errors++
	}
	for _, t := range stale {
		if ctx.Err() != nil {
			break
		}
		rep.Queried++
		log := s.logger.With().Int64("transaction_id", t.ID).Str("checkout_request_id", t.CheckoutRequestID).Logger()

		q, err := s.gateway.QueryCharge(ctx, t.CheckoutRequestID)
		if err != nil {
			log.Warn().Err(err).Msg("status query failed")
			rep.Errors++
			continue
		}
		if q.Pending() {
			rep.StillPending++
			continue
		}
		code, ok := q.ResultCode.Int()
		if !ok {
			log.Warn().Str("result_code", string(q.ResultCode)).Msg("unparseable result code from status query")
			rep.Errors++
			continue
		}
		out, err := s.reconciler.Reconcile(ctx, Settlement{
			CheckoutRequestID: t.CheckoutRequestID,
			MerchantRequestID: q.MerchantRequestID,
			ResultCode:        code,
			ResultDesc:        q.ResultDesc,
		})
		switch {
		case err != nil:
			rep.Errors++
		case out.Applied || out.Duplicate:
			rep.Settled++
		default:
			// Decline kept Pending; the recorded reason excludes it from later sweeps.
			rep.Declined++
		}
	}

	orphaned, err := s.intents.MarkStaleOrphaned(ctx, now.Add(-s.cfg.IntentGrace))
	if err != nil {
		s.logger.Error().Err(err).Msg("orphan stale payment intents")
		rep.Errors++
	}
	for _, in := range orphaned {
		s.logger.Warn().Str("intent_id", in.ID.String()).Int64("bill_id", in.BillID).
			Str("phone_number", in.PhoneNumber).Msg("payment intent orphaned, needs manual review")
	}
	rep.Orphaned = len(orphaned)

	s.logger.Info().Int("queried", rep.Queried).Int("settled", rep.Settled).Int("still_pending", rep.StillPending).
		Int("declined", rep.Declined).Int("orphaned", rep.Orphaned).Int("errors", rep.Errors).Msg("sweep finished")
	return rep
}

// Schedule registers the sweeper on c. Overlapping runs are skipped.
func (s *Sweeper) Schedule(c *cron.Cron, spec string, timeout time.Duration) (cron.EntryID, error) {
	job := cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		s.Run(ctx)
	})
	return c.AddJob(spec, cron.NewChain(cron.SkipIfStillRunning(cron.PrintfLogger(&s.logger))).Then(job))
}
