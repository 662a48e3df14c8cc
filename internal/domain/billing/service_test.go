package billing

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// -- Mock Repository --

type mockBillRepo struct {
	items    map[int64]*Bill
	patients map[int64]bool
	nextID   int64
	clock    time.Time
}

func newMockBillRepo() *mockBillRepo {
	return &mockBillRepo{
		items:    make(map[int64]*Bill),
		patients: map[int64]bool{1: true, 2: true},
		clock:    time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
	}
}

func (m *mockBillRepo) Create(_ context.Context, b *Bill) error {
	if !m.patients[b.PatientID] {
		return ErrPatientNotFound
	}
	m.nextID++
	m.clock = m.clock.Add(time.Minute)
	b.ID = m.nextID
	b.CreationDate = m.clock
	cp := *b
	m.items[b.ID] = &cp
	return nil
}

func (m *mockBillRepo) GetByID(_ context.Context, id int64) (*Bill, error) {
	b, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *mockBillRepo) GetByIDForUpdate(ctx context.Context, id int64) (*Bill, error) {
	return m.GetByID(ctx, id)
}

func (m *mockBillRepo) MarkPaid(_ context.Context, id, transactionID int64) error {
	b, ok := m.items[id]
	if !ok {
		return ErrNotFound
	}
	b.Status = StatusPaid
	b.TransactionID = &transactionID
	return nil
}

func (m *mockBillRepo) ListByPatient(_ context.Context, patientID int64) ([]*Bill, error) {
	var result []*Bill
	for _, b := range m.items {
		if b.PatientID == patientID {
			cp := *b
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreationDate.After(result[j].CreationDate) })
	return result, nil
}

func newTestService() *Service {
	return NewService(newMockBillRepo(), zerolog.Nop())
}

// -- Service Tests --

func TestCreateBill(t *testing.T) {
	svc := newTestService()
	b := &Bill{PatientID: 1, Amount: decimal.RequireFromString("1500.50"), Description: "Consultation"}
	if err := svc.CreateBill(context.Background(), b); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.ID == 0 {
		t.Error("expected ID to be set")
	}
	if b.Status != StatusPending {
		t.Errorf("expected default status Pending, got %s", b.Status)
	}
}

func TestCreateBill_KeepsGivenStatus(t *testing.T) {
	svc := newTestService()
	b := &Bill{PatientID: 1, Amount: decimal.NewFromInt(10), Status: "Waived"}
	if err := svc.CreateBill(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	if b.Status != "Waived" {
		t.Errorf("expected status to be kept, got %s", b.Status)
	}
}

func TestCreateBill_ClearsTransactionLink(t *testing.T) {
	svc := newTestService()
	txID := int64(99)
	b := &Bill{PatientID: 1, Amount: decimal.NewFromInt(10), TransactionID: &txID}
	if err := svc.CreateBill(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	if b.TransactionID != nil {
		t.Error("a new bill must not be linked to a transaction")
	}
}

func TestCreateBill_Invalid(t *testing.T) {
	tests := []struct {
		name string
		bill Bill
	}{
		{"missing patient", Bill{Amount: decimal.NewFromInt(10)}},
		{"zero amount", Bill{PatientID: 1, Amount: decimal.Zero}},
		{"negative amount", Bill{PatientID: 1, Amount: decimal.NewFromInt(-5)}},
		{"sub-cent amount", Bill{PatientID: 1, Amount: decimal.RequireFromString("10.005")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService()
			b := tt.bill
			err := svc.CreateBill(context.Background(), &b)
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestCreateBill_UnknownPatient(t *testing.T) {
	svc := newTestService()
	err := svc.CreateBill(context.Background(), &Bill{PatientID: 404, Amount: decimal.NewFromInt(10)})
	if !errors.Is(err, ErrPatientNotFound) {
		t.Fatalf("expected ErrPatientNotFound, got %v", err)
	}
}

func TestListPatientBills_NewestFirst(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	for _, amt := range []int64{100, 200, 300} {
		if err := svc.CreateBill(ctx, &Bill{PatientID: 1, Amount: decimal.NewFromInt(amt)}); err != nil {
			t.Fatal(err)
		}
	}
	_ = svc.CreateBill(ctx, &Bill{PatientID: 2, Amount: decimal.NewFromInt(5)})

	bills, err := svc.ListPatientBills(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(bills) != 3 {
		t.Fatalf("expected 3 bills, got %d", len(bills))
	}
	if !bills[0].Amount.Equal(decimal.NewFromInt(300)) {
		t.Errorf("expected newest bill first, got amount %s", bills[0].Amount)
	}
}
