package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/restic"
)

var (
	retrySleepStart = 5 * time.Second
	retrySleepMax   = 60 * time.Second
)

var refreshInterval = 5 * time.Minute

// consider a lock refresh failed a bit before the lock actually becomes stale
// the difference allows to compensate for a small time drift between clients.
var refreshabilityTimeout = restic.StaleLockTimeout - refreshInterval*3/2

// repoLock is a lock held by an operation. The lock is refreshed in the
// background until release is called.
type repoLock struct {
	lock   *restic.Lock
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// lock creates a lock in the repository. The returned context is cancelled
// when the lock could not be refreshed in time, so that no operation
// continues with a stale lock. A nil repoLock is returned if locking is
// disabled.
func (r *Repository) lock(ctx context.Context, exclusive bool) (*repoLock, context.Context, error) {
	if r.opts.NoLock || r.opts.DryRun {
		if exclusive && r.opts.NoLock && !r.opts.DryRun {
			return nil, ctx, errors.Fatal("this operation requires an exclusive lock")
		}
		return nil, ctx, nil
	}

	lockFn := restic.NewLock
	if exclusive {
		lockFn = restic.NewExclusiveLock
	}

	lock, err := lockFn(ctx, r.repo)
	if err != nil && restic.IsAlreadyLocked(err) && r.opts.RetryLock > 0 {
		lock, err = r.retryLock(ctx, lockFn)
	}
	if restic.IsInvalidLock(err) {
		return nil, ctx, errors.Fatalf("%v\n\nthe `unlock --remove-all` command can be used to remove invalid locks. Make sure that no other process is accessing the repository when running the command", err)
	}
	if err != nil {
		return nil, ctx, fmt.Errorf("unable to create lock in backend: %w", err)
	}
	debug.Log("create lock %p (exclusive %v)", lock, exclusive)

	ctx, cancel := context.WithCancel(ctx)
	l := &repoLock{lock: lock, cancel: cancel}
	l.wg.Add(1)
	go r.refreshLock(ctx, l)

	return l, ctx, nil
}

// retryLock tries to create the lock until it succeeds or RetryLock has
// elapsed. RetryLock must be positive.
func (r *Repository) retryLock(ctx context.Context, lockFn func(context.Context, restic.Unpacked) (*restic.Lock, error)) (*restic.Lock, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = min(retrySleepStart, r.opts.RetryLock)
	bo.MaxInterval = retrySleepMax
	bo.MaxElapsedTime = r.opts.RetryLock

	r.printer.V("repo already locked, waiting up to %s for the lock\n", r.opts.RetryLock)
	var lock *restic.Lock
	err := backoff.Retry(func() error {
		var err error
		lock, err = lockFn(ctx, r.repo)
		if err != nil && !restic.IsAlreadyLocked(err) {
			return backoff.Permanent(err)
		}
		if err != nil {
			debug.Log("repo already locked, retrying")
		}
		return err
	}, backoff.WithContext(bo, ctx))
	return lock, err
}

func (r *Repository) refreshLock(ctx context.Context, l *repoLock) {
	defer l.wg.Done()

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	lastRefresh := time.Now()

	for {
		select {
		case <-ctx.Done():
			debug.Log("terminate lock refresh")
			return
		case <-ticker.C:
			if time.Since(lastRefresh) > refreshabilityTimeout {
				r.printer.E("failed to refresh lock in time\n")
				l.cancel()
				return
			}

			debug.Log("refreshing locks")
			if err := l.lock.Refresh(context.WithoutCancel(ctx)); err != nil {
				r.printer.E("unable to refresh lock: %v\n", err)
				continue
			}
			lastRefresh = time.Now()
		}
	}
}

// release stops refreshing and removes the lock.
func (l *repoLock) release() {
	if l == nil {
		return
	}
	l.cancel()
	l.wg.Wait()

	debug.Log("unlocking repository with lock %v", l.lock)
	if err := l.lock.Unlock(context.Background()); err != nil {
		debug.Log("error while unlocking: %v", err)
	}
}

// UnlockOptions configure Unlock.
type UnlockOptions struct {
	// RemoveAll also removes locks which are not stale.
	RemoveAll bool
}

// Unlock removes stale locks, or all locks with RemoveAll. It returns the
// number of removed locks.
func (r *Repository) Unlock(ctx context.Context, opts UnlockOptions) (uint, error) {
	fn := restic.RemoveStaleLocks
	if opts.RemoveAll {
		fn = restic.RemoveAllLocks
	}

	processed, err := fn(ctx, r.repo)
	if err != nil {
		return processed, err
	}
	if processed > 0 {
		r.printer.P("successfully removed %d locks\n", processed)
	}
	return processed, nil
}
