package idempotency

import (
	"context"
	"sync"
	"time"
)

const sweepEvery = time.Minute

type memRecord struct {
	resp      *Response
	expiresAt time.Time
}

// MemoryStore is a process-local Store used by tests and the memory storage driver.
type MemoryStore struct {
	mu        sync.Mutex
	responses map[string]memRecord
	claims    map[string]time.Time
	now       func() time.Time
	nextSweep time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		responses: make(map[string]memRecord),
		claims:    make(map[string]time.Time),
		now:       now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.responses[key]
	if !ok || !s.now().Before(rec.expiresAt) {
		delete(s.responses, key)
		return nil, nil
	}
	cp := *rec.resp
	return &cp, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, resp Response, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweepLocked(now)
	s.responses[key] = memRecord{resp: &resp, expiresAt: now.Add(ttl)}
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweepLocked(now)
	if exp, ok := s.claims[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.claims[key] = now.Add(ttl)
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, key)
	return nil
}

// sweepLocked drops expired claims and responses, at most once per sweepEvery.
func (s *MemoryStore) sweepLocked(now time.Time) {
	if now.Before(s.nextSweep) {
		return
	}
	s.nextSweep = now.Add(sweepEvery)
	for key, exp := range s.claims {
		if !now.Before(exp) {
			delete(s.claims, key)
		}
	}
	for key, rec := range s.responses {
		if !now.Before(rec.expiresAt) {
			delete(s.responses, key)
		}
	}
}

// Len reports tracked claims and stored responses.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.claims) + len(s.responses)
}
