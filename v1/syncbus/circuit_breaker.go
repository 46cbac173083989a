package syncbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned while the breaker refuses calls to the wrapped
// bus. Lock waiters treat it like any other bus failure and keep polling.
var ErrCircuitOpen = errors.New("syncbus: circuit open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerProbing
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerProbing:
		return "probing"
	}
	return "unknown"
}

// CircuitBreakerBus guards a network Bus. After threshold consecutive
// failed Publish or Subscribe calls it rejects them with ErrCircuitOpen for
// cooldown, then lets one trial call through.
// Unsubscribe is never rejected.
type CircuitBreakerBus struct {
	bus       Bus
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time

	rejected atomic.Uint64
}

// NewCircuitBreaker wraps bus. A threshold below one is raised to one.
func NewCircuitBreaker(bus Bus, threshold int, cooldown time.Duration) *CircuitBreakerBus {
	return &CircuitBreakerBus{
		bus:       bus,
		threshold: max(threshold, 1),
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// IsHealthy reports whether the next call would reach the wrapped bus.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state != breakerOpen || cb.cooledDown()
}

// State returns closed, open or probing.
func (cb *CircuitBreakerBus) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// Rejected returns how many calls failed fast with ErrCircuitOpen.
func (cb *CircuitBreakerBus) Rejected() uint64 {
	return cb.rejected.Load()
}

func (cb *CircuitBreakerBus) cooledDown() bool {
	return cb.now().Sub(cb.openedAt) > cb.cooldown
}

// admit decides whether a call may reach the bus. An open breaker whose
// cooldown elapsed admits exactly one trial call.
func (cb *CircuitBreakerBus) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch {
	case cb.state == breakerClosed:
		return true
	case cb.state == breakerOpen && cb.cooledDown():
		cb.state = breakerProbing
		return true
	}
	cb.rejected.Add(1)
	return false
}

// record updates the breaker with the outcome of an admitted call.
func (cb *CircuitBreakerBus) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.state = breakerClosed
		cb.failures = 0
		return
	}
	cb.failures++
	if cb.state == breakerProbing || cb.failures >= cb.threshold {
		cb.state = breakerOpen
		cb.openedAt = cb.now()
	}
}

func (cb *CircuitBreakerBus) call(fn func() error) error {
	if !cb.admit() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.record(err)
	return err
}

// Publish announces a release through the wrapped bus unless the breaker is
// open.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, topic string) error {
	return cb.call(func() error { return cb.bus.Publish(ctx, topic) })
}

// Subscribe subscribes through the wrapped bus unless the breaker is open.
func (cb *CircuitBreakerBus) Subscribe(ctx context.Context, topic string) (<-chan struct{}, error) {
	var ch <-chan struct{}
	err := cb.call(func() (err error) {
		ch, err = cb.bus.Subscribe(ctx, topic)
		return err
	})
	return ch, err
}

// Unsubscribe always reaches the wrapped bus so that subscriptions taken
// before the breaker opened can be dropped.
func (cb *CircuitBreakerBus) Unsubscribe(ctx context.Context, topic string, ch <-chan struct{}) error {
	return cb.bus.Unsubscribe(ctx, topic, ch)
}
