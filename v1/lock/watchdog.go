package lock

import (
	"time"

	"github.com/mirkobrombin/go-lease/v1/metrics"
	"github.com/mirkobrombin/go-lease/v1/watchbus"
)

// minWatchdogInterval keeps tiny TTLs from turning the watchdog into a busy
// loop.
const minWatchdogInterval = time.Millisecond

func (m *Manager) watchdogInterval(ttl time.Duration) time.Duration {
	return max(time.Duration(float64(ttl)*m.cfg.WatchdogRatio), minWatchdogInterval)
}

// watch renews e every ttl*WatchdogRatio until e.ctx ends. A renewal the
// store rejects loses the lease. Failed renewals are retried on the next
// tick, unless that tick would land at or after the last confirmed expiry.
func (m *Manager) watch(e *entry) {
	defer m.watchdogs.Done()
	defer close(e.done)

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		e.mu.Lock()
		interval := m.watchdogInterval(e.ttl)
		e.mu.Unlock()

		timer.Reset(interval)
		select {
		case <-e.ctx.Done():
			return
		case <-timer.C:
		}
		if !m.renewTick(e) {
			return
		}
	}
}

// renewTick performs one watchdog renewal and reports whether the watchdog
// keeps running.
func (m *Manager) renewTick(e *entry) bool {
	e.renewMu.Lock()
	defer e.renewMu.Unlock()
	if e.ctx.Err() != nil {
		return false
	}

	// read under renewMu so that a manual Renew finished during the wait
	// sets the TTL of this renewal
	e.mu.Lock()
	ttl := e.ttl
	e.mu.Unlock()

	reqStart := m.now()
	opCtx, cancel := m.opContext(e.ctx)
	ok, err := m.store.Renew(opCtx, e.storeKey, e.token, ttl)
	cancel()
	if e.ctx.Err() != nil {
		// stopped while renewing; whoever stopped us owns the entry now
		return false
	}

	if err != nil {
		m.metrics.IncFailed(metrics.OpRenew)
		e.mu.Lock()
		expiresAt := e.expiresAt
		e.mu.Unlock()
		if !m.now().Add(m.watchdogInterval(ttl)).Before(expiresAt) {
			m.logger.Error("lease: renewal failed, lease about to expire", "key", e.key, "owner", e.owner, "error", err)
			m.lose(e, "renewals failed until expiry")
			return false
		}
		m.logger.Error("lease: renewal failed, will retry", "key", e.key, "owner", e.owner, "error", err)
		return true
	}
	if !ok {
		m.lose(e, "store rejected renewal")
		return false
	}
	if expiresAt, holdCount, ok := e.renewed(reqStart, ttl); ok {
		m.metrics.IncRenewed()
		m.emit(watchbus.EventRenewed, e, holdCount, expiresAt)
	}
	return true
}

// stopWatchdog cancels e's lease context with cause and waits for its
// watchdog to exit. It must not be called from the watchdog itself.
func (m *Manager) stopWatchdog(e *entry, cause error) {
	e.cancel(cause)
	<-e.done
}
