// Package idempotency replays the stored response for a retried write that
// carries the same Idempotency-Key, so a client retrying a deposit after a
// network failure does not trigger a second STK push.
package idempotency

import (
	"context"
	"net/http"
	"sync"
	"time"
)

const DefaultTTL = 24 * time.Hour

// Entry is a captured response.
type Entry struct {
	Method     string      `json:"method"`
	Path       string      `json:"path"`
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers,omitempty"`
	Body       []byte      `json:"body"`
	CreatedAt  time.Time   `json:"created_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
}

// Store persists captured responses. Claim marks a key as in flight and
// reports false if another request already holds it.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Set(ctx context.Context, key string, entry *Entry) error
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// MemoryStore keeps entries in process. Suitable for a single instance and tests.
type MemoryStore struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	inFlight map[string]time.Time
	ttl      time.Duration
	claimTTL time.Duration
	nowFunc  func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		entries:  make(map[string]*Entry),
		inFlight: make(map[string]time.Time),
		ttl:      ttl,
		claimTTL: time.Minute,
		nowFunc:  time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if s.nowFunc().After(entry.ExpiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}
	return cloneEntry(entry), true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := cloneEntry(entry)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.nowFunc()
	}
	if cp.ExpiresAt.IsZero() {
		cp.ExpiresAt = cp.CreatedAt.Add(s.ttl)
	}
	s.entries[key] = cp
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	if until, ok := s.inFlight[key]; ok && now.Before(until) {
		return false, nil
	}
	s.inFlight[key] = now.Add(s.claimTTL)
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, key)
	return nil
}

func cloneEntry(e *Entry) *Entry {
	cp := *e
	if e.Headers != nil {
		cp.Headers = e.Headers.Clone()
	}
	cp.Body = append([]byte(nil), e.Body...)
	return &cp
}
