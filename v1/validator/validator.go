package validator

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-lease/v1/adapter"
	"github.com/mirkobrombin/go-lease/v1/lock"
)

// Mode defines validator behaviour.
type Mode int

const (
	// ModeNoop only counts mismatches.
	ModeNoop Mode = iota
	// ModeAlert counts and logs mismatches.
	ModeAlert
)

// LockSource lists the locks a process believes it holds.
type LockSource interface {
	Held() []lock.Info
	StoreKey(key string) string
}

// Validator periodically checks that every lock held locally still exists
// in the store. It is diagnostic only and never changes lock state: the
// watchdog stays the authority on lease loss.
type Validator struct {
	locks      LockSource
	store      adapter.Store
	mode       Mode
	interval   time.Duration
	logger     *slog.Logger
	mismatches atomic.Uint64
	scans      atomic.Uint64
}

// New creates a new Validator. A nil logger selects slog.Default().
func New(locks LockSource, s adapter.Store, mode Mode, interval time.Duration, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{locks: locks, store: s, mode: mode, interval: interval, logger: logger}
}

// Run starts the validation loop.
func (v *Validator) Run(ctx context.Context) {
	if v.store == nil || v.locks == nil || v.interval <= 0 {
		return
	}
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.Scan(ctx)
		}
	}
}

// Scan runs a single pass and returns the keys held locally but missing
// from the store.
func (v *Validator) Scan(ctx context.Context) []string {
	v.scans.Add(1)
	var missing []string
	for _, info := range v.locks.Held() {
		if info.State != "held" {
			continue
		}
		ok, err := v.store.Exists(ctx, v.locks.StoreKey(info.Key))
		if err != nil {
			if ctx.Err() != nil {
				return missing
			}
			continue
		}
		if ok {
			continue
		}
		missing = append(missing, info.Key)
		v.mismatches.Add(1)
		if v.mode == ModeAlert {
			v.logger.Warn("lease: held lock missing from store", "key", info.Key, "owner", info.Owner, "expires_at", info.ExpiresAt)
		}
	}
	return missing
}

// Metrics returns number of mismatches detected.
func (v *Validator) Metrics() uint64 {
	return v.mismatches.Load()
}

// Scans returns the number of completed passes.
func (v *Validator) Scans() uint64 {
	return v.scans.Load()
}
