package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrLockTimeout classifies acquisitions that did not succeed in time.
	ErrLockTimeout = errors.New("lease: lock acquisition timed out")
	// ErrNotOwner classifies release or renew calls by a caller that does not
	// hold the lease (never acquired, already released or lost).
	ErrNotOwner = errors.New("lease: lock not owned")
	// ErrStoreUnavailable classifies transport failures of the lease store.
	ErrStoreUnavailable = errors.New("lease: store unavailable")
	// ErrLeaseLost is reported when the store no longer holds our token.
	ErrLeaseLost = errors.New("lease: lease lost")
	// ErrClosed is returned by a manager after Close.
	ErrClosed = errors.New("lease: manager closed")
	// ErrInvalidArgument classifies invalid caller arguments.
	ErrInvalidArgument = errors.New("lease: invalid argument")
)

// LockTimeoutError reports an acquisition that exceeded its timeout.
type LockTimeoutError struct {
	Key      string
	Elapsed  time.Duration
	Attempts int
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lease: acquire %q timed out after %s (%d attempts)", e.Key, e.Elapsed, e.Attempts)
}

// Is reports whether target is ErrLockTimeout.
func (e *LockTimeoutError) Is(target error) bool {
	return target == ErrLockTimeout
}

// LockOwnershipError reports an operation attempted on a lease the caller
// does not (or no longer) own.
type LockOwnershipError struct {
	Op    string
	Key   string
	Owner string
	// Lost is set when the lease was held and then lost to expiry or to
	// another holder.
	Lost bool
}

func (e *LockOwnershipError) Error() string {
	if e.Lost {
		return fmt.Sprintf("lease: %s %q by %q: lease lost", e.Op, e.Key, e.Owner)
	}
	return fmt.Sprintf("lease: %s %q by %q: not owner", e.Op, e.Key, e.Owner)
}

// Is matches ErrNotOwner, and ErrLeaseLost when Lost is set.
func (e *LockOwnershipError) Is(target error) bool {
	if target == ErrNotOwner {
		return true
	}
	return e.Lost && target == ErrLeaseLost
}

// StoreUnavailableError wraps a failure of the underlying lease store.
type StoreUnavailableError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("lease: store %s %q: %v", e.Op, e.Key, e.Err)
}

// Is reports whether target is ErrStoreUnavailable.
func (e *StoreUnavailableError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

// Invalid returns an error wrapping ErrInvalidArgument with message.
func Invalid(message string) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, message)
}
