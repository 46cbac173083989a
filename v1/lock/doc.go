// Package lock implements a lease-based distributed lock manager.
//
// A Manager arbitrates mutual exclusion across processes through a shared
// adapter.Store: a lock is a store key holding a unique owner token with a
// TTL. Acquisition polls the store until the lease is won or the timeout
// expires, release is a compare-and-delete on the token, and a watchdog
// goroutine renews the lease at a fraction of its TTL for as long as it is
// held. Locks are reentrant per explicit owner identity: acquiring a key the
// same owner already holds only increments a local hold count.
//
// A lease that cannot be renewed is lost. The Manager never re-acquires a
// lost lease on its own; the loss is reported to the holder on release, and
// ExecuteWithLock cancels the context handed to the protected function.
//
// Release notifications can be broadcast over a syncbus.Bus so that waiters
// in other processes retry right away instead of sleeping out their poll
// interval. Lifecycle events can be streamed through a watchbus.WatchBus.
package lock
