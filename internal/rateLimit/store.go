package rateLimit

import (
	"context"
	"sync"
	"time"
)

// Window is the state of one key's current rate limit window.
type Window struct {
	Count   int
	Start   time.Time
	ResetAt time.Time
}

// Store keeps counters. Implementations must serialize increments per key:
// a burst of concurrent increments for one key ends with a count that reflects every call.
type Store interface {
	// Get returns the live window for key without changing it. A missing or expired
	// window is reported as a fresh one with a zero count.
	Get(ctx context.Context, key string, window time.Duration, now time.Time) (Window, error)
	// Increment adds one call, starting a new window first if the current one has elapsed.
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (Window, error)
	Reset(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	// Sweep evicts elapsed windows and returns how many keys remain tracked.
	Sweep(ctx context.Context, now time.Time) (int, error)
	// Count reports keys with a live window at now and evicts nothing.
	Count(ctx context.Context, now time.Time) (int, error)
}

type memEntry struct {
	mu      sync.Mutex
	count   int
	start   time.Time
	resetAt time.Time
	dead    bool
}

// MemoryStore is an in-process Store. State does not survive a restart and is not shared
// between replicas.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memEntry)}
}

func (s *MemoryStore) Get(_ context.Context, key string, window time.Duration, now time.Time) (Window, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return Window{Start: now, ResetAt: now.Add(window)}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dead || !now.Before(e.resetAt) {
		return Window{Start: now, ResetAt: now.Add(window)}, nil
	}
	return Window{Count: e.count, Start: e.start, ResetAt: e.resetAt}, nil
}

func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration, now time.Time) (Window, error) {
	for {
		e := s.entry(key)

		e.mu.Lock()
		if e.dead {
			// evicted by a sweep between lookup and lock
			e.mu.Unlock()
			continue
		}
		if e.count == 0 || !now.Before(e.resetAt) {
			e.count = 0
			e.start = now
			e.resetAt = now.Add(window)
		}
		e.count++
		w := Window{Count: e.count, Start: e.start, ResetAt: e.resetAt}
		e.mu.Unlock()
		return w, nil
	}
}

func (s *MemoryStore) entry(key string) *memEntry {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[key]; ok {
		return e
	}
	e = &memEntry{}
	s.entries[key] = e
	return e
}

func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.mu.Lock()
		e.dead = true
		e.mu.Unlock()
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		e.mu.Lock()
		e.dead = true
		e.mu.Unlock()
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		e.mu.Lock()
		if !now.Before(e.resetAt) {
			e.dead = true
			delete(s.entries, key)
		}
		e.mu.Unlock()
	}
	return len(s.entries), nil
}

func (s *MemoryStore) Count(_ context.Context, now time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	live := 0
	for _, e := range s.entries {
		e.mu.Lock()
		if now.Before(e.resetAt) {
			live++
		}
		e.mu.Unlock()
	}
	return live, nil
}

// Len reports tracked keys, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
