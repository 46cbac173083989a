package lock

import (
	"context"
	"errors"
	"time"

	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
)

// ExecuteWithLock runs fn while owner holds key. fn only runs once the lease
// is confirmed, and the hold is released on every exit path, panics
// included (the panic is re-raised after the release).
//
// The context passed to fn is cancelled when the lease is lost, with
// errors.ErrLeaseLost as its cause. If the lease was lost while fn ran, fn's
// result is still returned together with an *errors.LockOwnershipError.
func ExecuteWithLock[T any](ctx context.Context, m *Manager, owner, key string, timeout, leaseTTL time.Duration, fn func(context.Context) (T, error)) (result T, err error) {
	if fn == nil {
		return result, leaseerrors.Invalid("nil function")
	}
	e, err := m.acquire(ctx, owner, key, timeout, leaseTTL)
	if err != nil {
		return result, err
	}

	fnCtx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(e.ctx, func() { cancel(context.Cause(e.ctx)) })

	defer func() {
		r := recover()
		stop()
		cancel(nil)
		if e.lost() {
			m.registry.wasLost(key, owner, m.now(), true)
			err = errors.Join(err, &leaseerrors.LockOwnershipError{Op: "execute", Key: key, Owner: owner, Lost: true})
		} else if _, relErr := m.Release(context.WithoutCancel(ctx), owner, key); relErr != nil {
			err = errors.Join(err, relErr)
		}
		if r != nil {
			panic(r)
		}
	}()

	return fn(fnCtx)
}

// Do is ExecuteWithLock for functions without a result.
func (m *Manager) Do(ctx context.Context, owner, key string, timeout, leaseTTL time.Duration, fn func(context.Context) error) error {
	if fn == nil {
		return leaseerrors.Invalid("nil function")
	}
	_, err := ExecuteWithLock(ctx, m, owner, key, timeout, leaseTTL, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
