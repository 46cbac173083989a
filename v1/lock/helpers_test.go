package lock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mirkobrombin/go-lease/v1/adapter"
)

var errFlaky = errors.New("store unreachable")

// countingStore counts calls and can be told to fail them.
type countingStore struct {
	adapter.Store

	acquires atomic.Int64
	releases atomic.Int64
	renews   atomic.Int64

	failAcquire atomic.Bool
	// failRenews is the number of upcoming renewals to fail, -1 fails all.
	failRenews atomic.Int64
}

func (s *countingStore) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	s.acquires.Add(1)
	if s.failAcquire.Load() {
		return false, errFlaky
	}
	return s.Store.Acquire(ctx, key, token, ttl)
}

func (s *countingStore) Release(ctx context.Context, key, token string) (bool, error) {
	s.releases.Add(1)
	return s.Store.Release(ctx, key, token)
}

func (s *countingStore) Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	s.renews.Add(1)
	for {
		n := s.failRenews.Load()
		if n == 0 {
			break
		}
		if n < 0 {
			return false, errFlaky
		}
		if s.failRenews.CompareAndSwap(n, n-1) {
			return false, errFlaky
		}
	}
	return s.Store.Renew(ctx, key, token, ttl)
}

// slowStore delays every Acquire by delay.
type slowStore struct {
	adapter.Store
	delay time.Duration
}

func (s *slowStore) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	time.Sleep(s.delay)
	return s.Store.Acquire(ctx, key, token, ttl)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	return cfg
}

func newTestManager(t *testing.T, store adapter.Store, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{WithConfig(testConfig()), WithLogger(quietLogger())}, opts...)
	m, err := New(store, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// eventually polls cond until it holds or the timeout elapses.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
