package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-lease/v1/adapter"
	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
	"github.com/mirkobrombin/go-lease/v1/metrics"
	"github.com/mirkobrombin/go-lease/v1/syncbus"
	"github.com/mirkobrombin/go-lease/v1/watchbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-lease/v1/lock")

// Option configures a Manager.
type Option func(*Manager) error

// WithConfig replaces the default configuration. Zero durations fall back to
// their defaults.
func WithConfig(cfg Config) Option {
	return func(m *Manager) error {
		m.cfg = cfg.withDefaults()
		return nil
	}
}

// WithLogger sets the logger, slog.Default() otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) error {
		if l != nil {
			m.logger = l
		}
		return nil
	}
}

// WithMetrics registers the lock collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(m *Manager) error {
		lm := metrics.NewLockMetrics()
		if err := lm.Register(reg); err != nil {
			return err
		}
		m.metrics = lm
		return nil
	}
}

// WithBus announces releases on bus and lets waiters wake up on foreign
// releases.
func WithBus(bus syncbus.Bus) Option {
	return func(m *Manager) error {
		m.bus = bus
		return nil
	}
}

// WithEvents publishes lifecycle events on bus.
func WithEvents(bus watchbus.WatchBus) Option {
	return func(m *Manager) error {
		m.events = bus
		return nil
	}
}

// WithClock overrides the clock used to stamp acquisition and expiry times.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) error {
		if now != nil {
			m.now = now
		}
		return nil
	}
}

// Manager hands out leases on keys of a shared store. A Manager is safe for
// concurrent use; one per process and store is the common setup.
type Manager struct {
	store   adapter.Store
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.LockMetrics
	bus     syncbus.Bus
	events  watchbus.WatchBus
	now     func() time.Time

	registry *registry

	// lifecycle guards closed against watchdogs being started concurrently
	// with Close.
	lifecycle sync.RWMutex
	closed    bool
	watchdogs sync.WaitGroup
}

// New returns a Manager arbitrating leases through store.
func New(store adapter.Store, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, leaseerrors.Invalid("nil store")
	}
	m := &Manager{
		store:    store,
		cfg:      DefaultConfig(),
		logger:   slog.Default(),
		now:      time.Now,
		registry: newRegistry(),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	if err := m.cfg.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

func (m *Manager) storeKey(key string) string {
	return m.cfg.Prefix + key
}

func (m *Manager) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.OperationTimeout)
}

func startSpan(ctx context.Context, name, owner, key string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("lease.key", key),
		attribute.String("lease.owner", owner),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func validate(owner, key string) error {
	if owner == "" {
		return leaseerrors.Invalid("empty owner")
	}
	if key == "" {
		return leaseerrors.Invalid("empty key")
	}
	return nil
}

// TryAcquire acquires key for owner, polling the store until the lease is won
// or timeout elapses. A zero timeout or leaseTTL selects the configured
// default. If owner already holds key, the hold count is incremented and the
// existing token returned without contacting the store.
//
// Errors: *errors.LockTimeoutError when the timeout or MaxPollRetries is
// exhausted, *errors.StoreUnavailableError when the store fails, and the
// wrapped context error when ctx ends first.
func (m *Manager) TryAcquire(ctx context.Context, owner, key string, timeout, leaseTTL time.Duration) (Token, error) {
	e, err := m.acquire(ctx, owner, key, timeout, leaseTTL)
	if err != nil {
		return "", err
	}
	return Token(e.token), nil
}

func (m *Manager) acquire(ctx context.Context, owner, key string, timeout, leaseTTL time.Duration) (e *entry, err error) {
	ctx, span := startSpan(ctx, "Manager.TryAcquire", owner, key)
	defer func() { endSpan(span, err) }()

	if err := validate(owner, key); err != nil {
		return nil, err
	}
	if timeout < 0 || leaseTTL < 0 {
		return nil, leaseerrors.Invalid(fmt.Sprintf("negative timeout %v or lease ttl %v", timeout, leaseTTL))
	}
	if timeout == 0 {
		timeout = m.cfg.DefaultTimeout
	}
	if leaseTTL == 0 {
		leaseTTL = m.cfg.DefaultLeaseTTL
	}
	if leaseTTL < time.Millisecond {
		return nil, leaseerrors.Invalid(fmt.Sprintf("lease ttl %v below 1ms", leaseTTL))
	}
	if m.isClosed() {
		return nil, leaseerrors.ErrClosed
	}

	if e, ok := m.reenter(owner, key); ok {
		span.SetAttributes(attribute.Bool("lease.reentrant", true))
		return e, nil
	}

	storeKey := m.storeKey(key)
	token := newToken(ctx)
	start := m.now()
	deadline := start.Add(timeout)

	var (
		notify     <-chan struct{}
		subscribed bool
		attempts   int
	)
	for {
		attempts++
		reqStart := m.now()
		opCtx, cancel := m.opContext(ctx)
		ok, err := m.store.Acquire(opCtx, storeKey, token, leaseTTL)
		cancel()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("lease: acquire %q: %w", key, ctxErr)
			}
			m.metrics.IncFailed(metrics.OpAcquire)
			m.logger.Error("lease: acquire failed", "key", key, "owner", owner, "error", err)
			return nil, &leaseerrors.StoreUnavailableError{Op: "acquire", Key: key, Err: err}
		}
		if ok {
			e, err := m.install(ctx, owner, key, storeKey, token, leaseTTL, reqStart)
			if err != nil {
				return nil, err
			}
			m.metrics.ObserveAcquired(m.now().Sub(start))
			span.SetAttributes(attribute.Int("lease.attempts", attempts))
			return e, nil
		}

		// a concurrent call by the same owner may have just won the key
		if e, ok := m.reenter(owner, key); ok {
			span.SetAttributes(attribute.Bool("lease.reentrant", true))
			return e, nil
		}

		remaining := deadline.Sub(m.now())
		if remaining <= 0 || (m.cfg.MaxPollRetries > 0 && attempts >= m.cfg.MaxPollRetries) {
			m.metrics.IncFailed(metrics.OpAcquire)
			return nil, &leaseerrors.LockTimeoutError{Key: key, Elapsed: m.now().Sub(start), Attempts: attempts}
		}
		m.logger.Debug("lease: key busy, waiting", "key", key, "owner", owner, "attempt", attempts)

		if !subscribed && m.bus != nil {
			subscribed = true
			// the subscription must not outlive this call even when ctx does
			subCtx, cancelSub := context.WithCancel(ctx)
			ch, err := m.bus.Subscribe(subCtx, syncbus.ReleaseTopic(storeKey))
			if err != nil {
				cancelSub()
				m.logger.Debug("lease: release notifications unavailable", "key", key, "error", err)
			} else {
				notify = ch
				defer func() {
					_ = m.bus.Unsubscribe(context.Background(), syncbus.ReleaseTopic(storeKey), ch)
					cancelSub()
				}()
			}
		}

		wait := min(m.cfg.PollInterval, remaining)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("lease: acquire %q: %w", key, ctx.Err())
		case <-timer.C:
		case _, ok := <-notify:
			timer.Stop()
			if !ok {
				notify = nil
			}
		}
	}
}

// reenter increments the hold count of a lease owner already holds.
func (m *Manager) reenter(owner, key string) (*entry, bool) {
	e, ok := m.registry.load(key)
	if !ok || e.owner != owner {
		return nil, false
	}
	e.mu.Lock()
	if e.status != statusHeld {
		e.mu.Unlock()
		return nil, false
	}
	e.holdCount++
	holdCount := e.holdCount
	expiresAt := e.expiresAt
	e.mu.Unlock()

	m.metrics.IncReentered()
	m.emit(watchbus.EventReentered, e, holdCount, expiresAt)
	return e, true
}

// install registers a freshly won lease and starts its watchdog.
func (m *Manager) install(ctx context.Context, owner, key, storeKey, token string, ttl time.Duration, reqStart time.Time) (*entry, error) {
	leaseCtx, cancel := context.WithCancelCause(context.Background())
	e := &entry{
		key:        key,
		storeKey:   storeKey,
		owner:      owner,
		token:      token,
		acquiredAt: reqStart,
		ctx:        leaseCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
		status:     statusHeld,
		holdCount:  1,
		expiresAt:  reqStart.Add(ttl),
		ttl:        ttl,
	}

	m.lifecycle.RLock()
	if m.closed {
		m.lifecycle.RUnlock()
		cancel(leaseerrors.ErrClosed)
		opCtx, opCancel := m.opContext(context.WithoutCancel(ctx))
		_, _ = m.store.Release(opCtx, storeKey, token)
		opCancel()
		return nil, leaseerrors.ErrClosed
	}
	displaced := m.registry.install(key, e)
	m.watchdogs.Add(1)
	go m.watch(e)
	m.lifecycle.RUnlock()

	if displaced != nil {
		m.displace(displaced, e)
	}
	m.emit(watchbus.EventAcquired, e, 1, e.expiresAt)
	return e, nil
}

// displace retires an entry whose key was won again by this Manager through
// by. A held entry can only be displaced after its lease silently expired in
// the store.
func (m *Manager) displace(old, by *entry) {
	old.mu.Lock()
	wasHeld := old.status == statusHeld
	if wasHeld {
		old.status = statusLost
	}
	holdCount := old.holdCount
	old.mu.Unlock()
	if !wasHeld {
		return
	}
	old.cancel(leaseerrors.ErrLeaseLost)
	<-old.done
	if old.owner != by.owner {
		m.registry.markLost(old.key, old.owner, m.now())
	}
	m.logger.Warn("lease: lease expired before watchdog noticed, key taken over",
		"key", old.key, "owner", old.owner)
	m.metrics.ObserveLost()
	m.emit(watchbus.EventLost, old, holdCount, time.Time{})
}

// lose marks e lost after the store rejected its token.
func (m *Manager) lose(e *entry, reason string) {
	e.mu.Lock()
	if e.status != statusHeld {
		e.mu.Unlock()
		return
	}
	e.status = statusLost
	holdCount := e.holdCount
	e.mu.Unlock()

	e.cancel(leaseerrors.ErrLeaseLost)
	m.registry.removeIf(e.key, e)
	m.registry.markLost(e.key, e.owner, m.now())
	m.logger.Warn("lease: lease lost", "key", e.key, "owner", e.owner, "reason", reason)
	m.metrics.ObserveLost()
	m.emit(watchbus.EventLost, e, holdCount, time.Time{})
}

// Release drops one hold of key by owner. The last hold stops the watchdog
// and deletes the lease from the store if it still carries our token.
//
// Releasing a key the owner does not hold returns false with an
// *errors.LockOwnershipError. Its Lost flag is set when the owner's lease ran
// out underneath it, including a loss the watchdog already noticed; that
// loss is reported once.
func (m *Manager) Release(ctx context.Context, owner, key string) (released bool, err error) {
	ctx, span := startSpan(ctx, "Manager.Release", owner, key)
	defer func() { endSpan(span, err) }()

	if err := validate(owner, key); err != nil {
		return false, err
	}
	e, ok := m.registry.load(key)
	if !ok || e.owner != owner {
		return false, m.notOwner("release", owner, key, e, m.registry.wasLost(key, owner, m.now(), true))
	}

	e.mu.Lock()
	if e.status != statusHeld {
		lost := e.status == statusLost
		e.mu.Unlock()
		return false, m.notOwner("release", owner, key, e, lost)
	}
	e.holdCount--
	holdCount := e.holdCount
	if holdCount > 0 {
		expiresAt := e.expiresAt
		e.mu.Unlock()
		m.emit(watchbus.EventReleased, e, holdCount, expiresAt)
		return true, nil
	}
	e.status = statusReleasing
	e.mu.Unlock()

	m.stopWatchdog(e, nil)

	opCtx, cancel := m.opContext(ctx)
	ok, err = m.store.Release(opCtx, e.storeKey, e.token)
	cancel()
	m.registry.removeIf(key, e)

	switch {
	case err != nil:
		m.metrics.IncFailed(metrics.OpRelease)
		m.metrics.ObserveDropped()
		m.logger.Error("lease: release failed, lease left to expire", "key", key, "owner", owner, "error", err)
		return false, &leaseerrors.StoreUnavailableError{Op: "release", Key: key, Err: err}
	case !ok:
		m.metrics.ObserveLost()
		m.logger.Warn("lease: lease already gone at release", "key", key, "owner", owner)
		m.emit(watchbus.EventLost, e, 0, time.Time{})
		return false, &leaseerrors.LockOwnershipError{Op: "release", Key: key, Owner: owner, Lost: true}
	}

	m.metrics.ObserveReleased()
	m.emit(watchbus.EventReleased, e, 0, time.Time{})
	if m.bus != nil {
		if err := m.bus.Publish(context.WithoutCancel(ctx), syncbus.ReleaseTopic(e.storeKey)); err != nil {
			m.logger.Debug("lease: release notification failed", "key", key, "error", err)
		}
	}
	return true, nil
}

func (m *Manager) notOwner(op, owner, key string, e *entry, lost bool) error {
	holder := ""
	if e != nil {
		holder = e.owner
	}
	m.logger.Warn("lease: "+op+" by non-owner", "key", key, "owner", owner, "holder", holder, "lost", lost)
	m.metrics.IncFailed(op)
	return &leaseerrors.LockOwnershipError{Op: op, Key: key, Owner: owner, Lost: lost}
}

// Renew extends the lease of key held by owner by extension (the current
// lease TTL when zero). The new TTL is also used by later watchdog renewals.
// A store rejection means the lease is lost.
func (m *Manager) Renew(ctx context.Context, owner, key string, extension time.Duration) (renewed bool, err error) {
	ctx, span := startSpan(ctx, "Manager.Renew", owner, key)
	defer func() { endSpan(span, err) }()

	if err := validate(owner, key); err != nil {
		return false, err
	}
	if extension < 0 || (extension > 0 && extension < time.Millisecond) {
		return false, leaseerrors.Invalid(fmt.Sprintf("extension %v below 1ms", extension))
	}
	e, ok := m.registry.load(key)
	if !ok || e.owner != owner {
		return false, m.notOwner("renew", owner, key, e, m.registry.wasLost(key, owner, m.now(), false))
	}
	e.renewMu.Lock()
	defer e.renewMu.Unlock()
	e.mu.Lock()
	if e.status != statusHeld {
		lost := e.status == statusLost
		e.mu.Unlock()
		return false, m.notOwner("renew", owner, key, e, lost)
	}
	if extension == 0 {
		extension = e.ttl
	}
	e.mu.Unlock()

	reqStart := m.now()
	opCtx, cancel := m.opContext(ctx)
	ok, err = m.store.Renew(opCtx, e.storeKey, e.token, extension)
	cancel()
	if err != nil {
		m.metrics.IncFailed(metrics.OpRenew)
		return false, &leaseerrors.StoreUnavailableError{Op: "renew", Key: key, Err: err}
	}
	if !ok {
		m.lose(e, "store rejected manual renewal")
		return false, &leaseerrors.LockOwnershipError{Op: "renew", Key: key, Owner: owner, Lost: true}
	}
	if expiresAt, holdCount, ok := e.renewed(reqStart, extension); ok {
		m.metrics.IncRenewed()
		m.emit(watchbus.EventRenewed, e, holdCount, expiresAt)
	}
	return true, nil
}

// renewed records a confirmed renewal started at reqStart.
func (e *entry) renewed(reqStart time.Time, ttl time.Duration) (time.Time, int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != statusHeld {
		return time.Time{}, 0, false
	}
	e.expiresAt = reqStart.Add(ttl)
	e.ttl = ttl
	e.renewals++
	return e.expiresAt, e.holdCount, true
}

// IsLocked reports whether any process holds key. The answer is advisory:
// it may be stale by the time the caller acts on it.
func (m *Manager) IsLocked(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, leaseerrors.Invalid("empty key")
	}
	opCtx, cancel := m.opContext(ctx)
	defer cancel()
	ok, err := m.store.Exists(opCtx, m.storeKey(key))
	if err != nil {
		return false, &leaseerrors.StoreUnavailableError{Op: "exists", Key: key, Err: err}
	}
	return ok, nil
}

// LockInfo returns the local state of key if this Manager holds it.
func (m *Manager) LockInfo(key string) (Info, bool) {
	e, ok := m.registry.load(key)
	if !ok {
		return Info{}, false
	}
	return e.info(), true
}

// Held returns the local state of every lock held by this Manager, sorted by
// key.
func (m *Manager) Held() []Info {
	entries := m.registry.snapshot()
	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, e.info())
	}
	return infos
}

// StoreKey returns the store key used for key.
func (m *Manager) StoreKey(key string) string {
	return m.storeKey(key)
}

func (m *Manager) isClosed() bool {
	m.lifecycle.RLock()
	defer m.lifecycle.RUnlock()
	return m.closed
}

// Close stops every watchdog and forgets every held lock. Leases are not
// released, they expire in the store after their TTL. Later acquisitions
// fail with errors.ErrClosed.
func (m *Manager) Close() error {
	m.lifecycle.Lock()
	if m.closed {
		m.lifecycle.Unlock()
		return nil
	}
	m.closed = true
	m.lifecycle.Unlock()

	for _, e := range m.registry.snapshot() {
		e.mu.Lock()
		wasHeld := e.status == statusHeld
		if wasHeld {
			e.status = statusReleasing
		}
		e.mu.Unlock()
		if !wasHeld {
			continue
		}
		m.stopWatchdog(e, leaseerrors.ErrClosed)
		m.registry.removeIf(e.key, e)
		m.metrics.ObserveDropped()
	}
	m.watchdogs.Wait()
	return nil
}

func (m *Manager) emit(typ watchbus.EventType, e *entry, holdCount int, expiresAt time.Time) {
	if m.events == nil {
		return
	}
	ev := watchbus.Event{
		Type:      typ,
		Key:       e.key,
		Owner:     e.owner,
		Token:     e.token,
		HoldCount: holdCount,
		ExpiresAt: expiresAt,
		Time:      m.now(),
	}
	if err := watchbus.PublishEvent(context.Background(), m.events, ev); err != nil {
		m.logger.Debug("lease: event publish failed", "key", e.key, "type", string(typ), "error", err)
	}
}
