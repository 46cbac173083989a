package lock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type status int

const (
	statusHeld status = iota
	statusReleasing
	statusLost
)

func (s status) String() string {
	switch s {
	case statusHeld:
		return "held"
	case statusReleasing:
		return "releasing"
	case statusLost:
		return "lost"
	}
	return "unknown"
}

// entry is the local state of a lease held by this Manager. Fields above mu
// never change after creation.
type entry struct {
	key        string
	storeKey   string
	owner      string
	token      string
	acquiredAt time.Time

	// ctx is cancelled when the lease ends; the cause is ErrLeaseLost when
	// it was lost.
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	// renewMu serialises store renewals so that a renewal carrying an older
	// TTL can never land after a newer one. It is taken before mu.
	renewMu sync.Mutex

	mu        sync.Mutex
	status    status
	holdCount int
	expiresAt time.Time
	ttl       time.Duration
	renewals  int
}

// Info is a read-only snapshot of a held lock.
type Info struct {
	Key        string
	Owner      string
	Token      Token
	AcquiredAt time.Time
	ExpiresAt  time.Time
	LeaseTTL   time.Duration
	HoldCount  int
	Renewals   int
	State      string
}

func (e *entry) info() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Info{
		Key:        e.key,
		Owner:      e.owner,
		Token:      Token(e.token),
		AcquiredAt: e.acquiredAt,
		ExpiresAt:  e.expiresAt,
		LeaseTTL:   e.ttl,
		HoldCount:  e.holdCount,
		Renewals:   e.renewals,
		State:      e.status.String(),
	}
}

func (e *entry) lost() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status == statusLost
}

// lostRetention is how long a lost lease is remembered for its owner.
const lostRetention = time.Minute

// registry maps keys to the entries of this Manager. Compute gives atomic
// per-key updates. Lock order is bucket, then entry.mu; entry.mu is never
// held while calling into the map.
//
// Entries leave the map as soon as their lease is lost. lost keeps the time
// of each loss per key and owner, so the owner's next Release or Renew can
// still report it.
type registry struct {
	m    *xsync.MapOf[string, *entry]
	lost *xsync.MapOf[string, time.Time]
}

func newRegistry() *registry {
	return &registry{
		m:    xsync.NewMapOf[string, *entry](),
		lost: xsync.NewMapOf[string, time.Time](),
	}
}

func lostID(key, owner string) string {
	return key + "\x00" + owner
}

// markLost records that owner lost key at now and forgets marks older than
// lostRetention.
func (r *registry) markLost(key, owner string, now time.Time) {
	r.lost.Store(lostID(key, owner), now)
	r.lost.Range(func(id string, at time.Time) bool {
		if now.Sub(at) > lostRetention {
			r.lost.Delete(id)
		}
		return true
	})
}

// wasLost reports whether owner lost key within lostRetention. forget drops
// the mark.
func (r *registry) wasLost(key, owner string, now time.Time, forget bool) bool {
	var (
		at time.Time
		ok bool
	)
	if forget {
		at, ok = r.lost.LoadAndDelete(lostID(key, owner))
	} else {
		at, ok = r.lost.Load(lostID(key, owner))
	}
	return ok && now.Sub(at) <= lostRetention
}

func (r *registry) load(key string) (*entry, bool) {
	return r.m.Load(key)
}

// install stores e under key and returns the entry it replaced, if any.
func (r *registry) install(key string, e *entry) (displaced *entry) {
	r.lost.Delete(lostID(key, e.owner))
	r.m.Compute(key, func(old *entry, loaded bool) (*entry, bool) {
		if loaded {
			displaced = old
		}
		return e, false
	})
	return displaced
}

// removeIf deletes key only while it still maps to e.
func (r *registry) removeIf(key string, e *entry) bool {
	removed := false
	r.m.Compute(key, func(old *entry, loaded bool) (*entry, bool) {
		if loaded && old == e {
			removed = true
			return nil, true
		}
		return old, !loaded
	})
	return removed
}

// snapshot returns every entry sorted by key.
func (r *registry) snapshot() []*entry {
	entries := make([]*entry, 0, r.m.Size())
	r.m.Range(func(_ string, e *entry) bool {
		entries = append(entries, e)
		return true
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })
	return entries
}
