package payment

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hms/hms/internal/domain/billing"
	"github.com/hms/hms/internal/platform/mpesa"
)

// memStore is an in-memory ledger. RunInTx serialises units of work and
// restores a snapshot when fn fails, mirroring a database rollback.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	bills     map[int64]*billing.Bill
	txns      map[int64]*Transaction
	intents   map[uuid.UUID]*Intent
	callbacks []*CallbackRecord
	nextTxnID int64

	// failure injection
	failTxnCreate    error
	failTxnUpdate    error
	failMarkPaid     error
	failIntentUpdate func(in *Intent) error
	failCommit       error
}

func newMemStore() *memStore {
	return &memStore{
		bills:   make(map[int64]*billing.Bill),
		txns:    make(map[int64]*Transaction),
		intents: make(map[uuid.UUID]*Intent),
	}
}

type snapshot struct {
	bills     map[int64]billing.Bill
	txns      map[int64]Transaction
	intents   map[uuid.UUID]Intent
	nextTxnID int64
}

func (m *memStore) snapshot() snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := snapshot{
		bills:     make(map[int64]billing.Bill, len(m.bills)),
		txns:      make(map[int64]Transaction, len(m.txns)),
		intents:   make(map[uuid.UUID]Intent, len(m.intents)),
		nextTxnID: m.nextTxnID,
	}
	for k, v := range m.bills {
		s.bills[k] = *v
	}
	for k, v := range m.txns {
		s.txns[k] = *v
	}
	for k, v := range m.intents {
		s.intents[k] = *v
	}
	return s
}

func (m *memStore) restore(s snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bills = make(map[int64]*billing.Bill, len(s.bills))
	for k, v := range s.bills {
		v := v
		m.bills[k] = &v
	}
	m.txns = make(map[int64]*Transaction, len(s.txns))
	for k, v := range s.txns {
		v := v
		m.txns[k] = &v
	}
	m.intents = make(map[uuid.UUID]*Intent, len(s.intents))
	for k, v := range s.intents {
		v := v
		m.intents[k] = &v
	}
	m.nextTxnID = s.nextTxnID
}

func (m *memStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	snap := m.snapshot()
	if err := fn(ctx); err != nil {
		m.restore(snap)
		return err
	}
	if m.failCommit != nil {
		m.restore(snap)
		return m.failCommit
	}
	return nil
}

func (m *memStore) addBill(id int64, amount string, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bills[id] = &billing.Bill{ID: id, PatientID: 1, Amount: decimal.RequireFromString(amount), Status: status}
}

func (m *memStore) bill(id int64) billing.Bill {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.bills[id]
}

func (m *memStore) transactions() []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transaction
	for _, t := range m.txns {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memStore) intentList() []Intent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Intent
	for _, in := range m.intents {
		out = append(out, *in)
	}
	return out
}

func (m *memStore) callbackLog() []CallbackRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CallbackRecord
	for _, r := range m.callbacks {
		out = append(out, *r)
	}
	return out
}

// -- BillStore --

type memBills struct{ *memStore }

func (b memBills) GetByID(_ context.Context, id int64) (*billing.Bill, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bill, ok := b.bills[id]
	if !ok {
		return nil, billing.ErrNotFound
	}
	cp := *bill
	return &cp, nil
}

func (b memBills) GetByIDForUpdate(ctx context.Context, id int64) (*billing.Bill, error) {
	return b.GetByID(ctx, id)
}

func (b memBills) MarkPaid(_ context.Context, id, transactionID int64) error {
	if b.failMarkPaid != nil {
		return b.failMarkPaid
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	bill, ok := b.bills[id]
	if !ok {
		return billing.ErrNotFound
	}
	bill.Status = billing.StatusPaid
	bill.TransactionID = &transactionID
	return nil
}

// -- TransactionRepository --

type memTxns struct{ *memStore }

func (r memTxns) Create(_ context.Context, t *Transaction) error {
	if r.failTxnCreate != nil {
		return r.failTxnCreate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.txns {
		if existing.CheckoutRequestID == t.CheckoutRequestID {
			return ErrDuplicateCheckout
		}
	}
	r.nextTxnID++
	t.ID = r.nextTxnID
	t.CreatedAt = time.Now()
	cp := *t
	r.txns[t.ID] = &cp
	return nil
}

func (r memTxns) GetByID(_ context.Context, id int64) (*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.txns[id]
	if !ok {
		return nil, ErrUnknownTransaction
	}
	cp := *t
	return &cp, nil
}

func (r memTxns) GetByCheckoutIDForUpdate(_ context.Context, checkoutID string) (*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.txns {
		if t.CheckoutRequestID == checkoutID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrUnknownTransaction
}

func (r memTxns) UpdateSettlement(_ context.Context, t *Transaction) error {
	if r.failTxnUpdate != nil {
		return r.failTxnUpdate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.txns[t.ID]; !ok {
		return ErrUnknownTransaction
	}
	cp := *t
	r.txns[t.ID] = &cp
	return nil
}

func (r memTxns) List(_ context.Context, limit, offset int) ([]*Transaction, int, error) {
	all := r.transactions()
	total := len(all)
	var out []*Transaction
	for i := offset; i < total && len(out) < limit; i++ {
		t := all[i]
		out = append(out, &t)
	}
	return out, total, nil
}

func (r memTxns) ListStalePending(_ context.Context, createdBefore time.Time, limit int) ([]*Transaction, error) {
	var out []*Transaction
	for _, t := range r.transactions() {
		if t.Status == StatusPending && t.FailureReason == nil && t.CreatedAt.Before(createdBefore) && len(out) < limit {
			t := t
			out = append(out, &t)
		}
	}
	return out, nil
}

// -- IntentRepository --

type memIntents struct{ *memStore }

func (r memIntents) Create(_ context.Context, in *Intent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	in.CreatedAt = time.Now()
	in.UpdatedAt = in.CreatedAt
	cp := *in
	r.intents[in.ID] = &cp
	return nil
}

func (r memIntents) Update(_ context.Context, in *Intent) error {
	if r.failIntentUpdate != nil {
		if err := r.failIntentUpdate(in); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.intents[in.ID]; !ok {
		return ErrIntentNotFound
	}
	in.UpdatedAt = time.Now()
	cp := *in
	r.intents[in.ID] = &cp
	return nil
}

func (r memIntents) GetOrphanedForUpdate(_ context.Context, checkoutID string) (*Intent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, in := range r.intents {
		if in.State == IntentOrphaned && in.CheckoutRequestID != nil && *in.CheckoutRequestID == checkoutID {
			cp := *in
			return &cp, nil
		}
	}
	return nil, ErrIntentNotFound
}

func (r memIntents) MarkStaleOrphaned(_ context.Context, cutoff time.Time) ([]*Intent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Intent
	for _, in := range r.intents {
		if in.State == IntentSubmitting && in.CreatedAt.Before(cutoff) {
			in.State = IntentOrphaned
			cp := *in
			out = append(out, &cp)
		}
	}
	return out, nil
}

// -- CallbackLog --

type memCallbacks struct{ *memStore }

func (r memCallbacks) Record(_ context.Context, rec *CallbackRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.callbacks = append(r.callbacks, &cp)
	return nil
}

// -- Gateway --

type fakeGateway struct {
	mu       sync.Mutex
	charges  []mpesa.ChargeRequest
	queries  []string
	chargeFn func(req mpesa.ChargeRequest) (*mpesa.ChargeResponse, error)
	queryFn  func(id string) (*mpesa.QueryResponse, error)
}

func acceptingGateway(checkoutID string) *fakeGateway {
	return &fakeGateway{chargeFn: func(mpesa.ChargeRequest) (*mpesa.ChargeResponse, error) {
		return &mpesa.ChargeResponse{CheckoutRequestID: checkoutID, ResponseCode: "0", CustomerMessage: "Success"}, nil
	}}
}

func (g *fakeGateway) SubmitCharge(_ context.Context, req mpesa.ChargeRequest) (*mpesa.ChargeResponse, error) {
	g.mu.Lock()
	g.charges = append(g.charges, req)
	g.mu.Unlock()
	return g.chargeFn(req)
}

func (g *fakeGateway) QueryCharge(_ context.Context, id string) (*mpesa.QueryResponse, error) {
	g.mu.Lock()
	g.queries = append(g.queries, id)
	g.mu.Unlock()
	if g.queryFn == nil {
		return nil, errors.New("no query stub")
	}
	return g.queryFn(id)
}

func (g *fakeGateway) chargeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.charges)
}

// -- EventPublisher --

type recordedEvent struct {
	Type string
	Data interface{}
}

type fakePublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *fakePublisher) Publish(_ context.Context, eventType string, data interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{Type: eventType, Data: data})
}

func (p *fakePublisher) list() []recordedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]recordedEvent(nil), p.events...)
}
