package adapter

import (
	"context"
	"sync"
	"time"
)

// Store abstracts the shared key-value store used to arbitrate leases.
//
// Every mutating operation must be atomic on the backend: a lease is granted
// only when no unexpired value exists for key, and release / renew act only
// when the stored value equals token.
type Store interface {
	// Acquire sets key to token with the given ttl if key is absent or
	// expired. It reports whether the lease was granted.
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Release deletes key only if its current value equals token.
	Release(ctx context.Context, key, token string) (bool, error)
	// Renew resets the ttl of key only if its current value equals token.
	Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Exists reports whether an unexpired value is stored for key. It is
	// diagnostic only.
	Exists(ctx context.Context, key string) (bool, error)
}

type memoryLease struct {
	token     string
	expiresAt time.Time
}

// InMemoryStore is a Store backed by a map. It is the reference
// implementation and the backend used by tests.
type InMemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]memoryLease
}

// InMemoryOption configures an InMemoryStore.
type InMemoryOption func(*InMemoryStore)

// WithClock replaces time.Now as the store's notion of time.
func WithClock(now func() time.Time) InMemoryOption {
	return func(s *InMemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore(opts ...InMemoryOption) *InMemoryStore {
	s := &InMemoryStore{now: time.Now, leases: make(map[string]memoryLease)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// live returns the unexpired lease for key, dropping it if expired.
// Callers must hold s.mu.
func (s *InMemoryStore) live(key string) (memoryLease, bool) {
	l, ok := s.leases[key]
	if !ok {
		return memoryLease{}, false
	}
	if !s.now().Before(l.expiresAt) {
		delete(s.leases, key)
		return memoryLease{}, false
	}
	return l, true
}

// Acquire implements Store.Acquire.
func (s *InMemoryStore) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.leases[key] = memoryLease{token: token, expiresAt: s.now().Add(ttl)}
	return true, nil
}

// Release implements Store.Release.
func (s *InMemoryStore) Release(ctx context.Context, key, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.live(key)
	if !ok || l.token != token {
		return false, nil
	}
	delete(s.leases, key)
	return true, nil
}

// Renew implements Store.Renew.
func (s *InMemoryStore) Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.live(key)
	if !ok || l.token != token {
		return false, nil
	}
	l.expiresAt = s.now().Add(ttl)
	s.leases[key] = l
	return true, nil
}

// Exists implements Store.Exists.
func (s *InMemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live(key)
	return ok, nil
}

// Peek returns the token and expiry currently stored for key.
func (s *InMemoryStore) Peek(key string) (string, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.live(key)
	return l.token, l.expiresAt, ok
}

// Expire drops the lease for key as if its ttl had elapsed.
func (s *InMemoryStore) Expire(key string) {
	s.mu.Lock()
	delete(s.leases, key)
	s.mu.Unlock()
}

// Len returns the number of unexpired leases.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.leases {
		if _, ok := s.live(k); ok {
			n++
		}
	}
	return n
}
