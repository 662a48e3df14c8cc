package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

type Service struct {
	bills  Repository
	logger zerolog.Logger
}

func NewService(bills Repository, logger zerolog.Logger) *Service {
	return &Service{bills: bills, logger: logger.With().Str("component", "billing").Logger()}
}

// CreateBill validates and stores a new bill. The amount is fixed from here on.
func (s *Service) CreateBill(ctx context.Context, b *Bill) error {
	if b.PatientID <= 0 {
		return fmt.Errorf("%w: patient_id is required", ErrInvalid)
	}
	if !b.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be greater than zero", ErrInvalid)
	}
	if !b.Amount.Equal(b.Amount.Round(2)) {
		return fmt.Errorf("%w: amount must have at most two decimal places", ErrInvalid)
	}
	b.Status = strings.TrimSpace(b.Status)
	if b.Status == "" {
		b.Status = StatusPending
	}
	b.TransactionID = nil
	if err := s.bills.Create(ctx, b); err != nil {
		return err
	}
	s.logger.Info().Int64("bill_id", b.ID).Int64("patient_id", b.PatientID).
		Str("amount", b.Amount.StringFixed(2)).Msg("bill created")
	return nil
}

func (s *Service) GetBill(ctx context.Context, id int64) (*Bill, error) {
	return s.bills.GetByID(ctx, id)
}

func (s *Service) ListPatientBills(ctx context.Context, patientID int64) ([]*Bill, error) {
	return s.bills.ListByPatient(ctx, patientID)
}
