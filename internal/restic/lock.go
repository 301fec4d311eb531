package restic

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"sync"
	"sync/atomic"
	"time"

	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
)

// Lock is an advisory lock record stored as a LockFile. Any number of
// shared locks may coexist, an exclusive lock excludes every other lock.
// Holders must call Refresh regularly, a lock whose timestamp is older than
// StaleLockTimeout is considered abandoned.
type Lock struct {
	mu        sync.Mutex
	Time      time.Time `json:"time"`
	Exclusive bool      `json:"exclusive"`
	Hostname  string    `json:"hostname"`
	Username  string    `json:"username"`
	PID       int       `json:"pid"`
	UID       uint32    `json:"uid,omitempty"`
	GID       uint32    `json:"gid,omitempty"`

	repo Unpacked
	id   *ID
}

// StaleLockTimeout is the age after which a lock that was not refreshed is
// considered stale.
var StaleLockTimeout = 30 * time.Minute

// lockSettleDelay is the pause between storing a new lock and checking for
// conflicts a second time. Two processes which passed the first check
// concurrently then see each other.
var lockSettleDelay = 200 * time.Millisecond

// conflictingLockError reports a lock held by someone else. It is of kind
// errors.ErrConflict.
type conflictingLockError struct {
	other *Lock
}

func (e *conflictingLockError) Error() string {
	mode := ""
	if e.other.Exclusive {
		mode = "exclusively "
	}
	return fmt.Sprintf("repository is already locked %sby %v", mode, e.other)
}

func (e *conflictingLockError) Unwrap() error { return errors.ErrConflict }

// IsAlreadyLocked reports whether err was caused by a conflicting lock.
func IsAlreadyLocked(err error) bool {
	var e *conflictingLockError
	return errors.As(err, &e)
}

// unreadableLockError means a lock file exists but cannot be decrypted or
// decoded. Such a lock may still be valid, only `unlock --remove-all` gets
// rid of it.
type unreadableLockError struct {
	err error
}

func (e *unreadableLockError) Error() string { return "invalid lock file: " + e.err.Error() }
func (e *unreadableLockError) Unwrap() error { return e.err }

// IsInvalidLock reports whether locking failed on an unreadable lock file.
func IsInvalidLock(err error) bool {
	var e *unreadableLockError
	return errors.As(err, &e)
}

// NewLock acquires a shared lock. It fails with an error satisfying
// IsAlreadyLocked while an exclusive lock exists.
func NewLock(ctx context.Context, repo Unpacked) (*Lock, error) {
	return acquireLock(ctx, repo, false)
}

// NewExclusiveLock acquires an exclusive lock. It fails with an error
// satisfying IsAlreadyLocked while any other lock exists.
func NewExclusiveLock(ctx context.Context, repo Unpacked) (*Lock, error) {
	return acquireLock(ctx, repo, true)
}

func acquireLock(ctx context.Context, repo Unpacked, exclusive bool) (*Lock, error) {
	l := &Lock{
		Time:      time.Now(),
		Exclusive: exclusive,
		PID:       os.Getpid(),
		repo:      repo,
	}
	if hn, err := os.Hostname(); err == nil {
		l.Hostname = hn
	}
	if u, err := user.Current(); err == nil {
		l.Username = u.Username
		uid, gid, err := uidGidInt(u)
		if err != nil {
			return nil, err
		}
		l.UID, l.GID = uid, gid
	}

	if err := l.checkConflicts(ctx); err != nil {
		return nil, err
	}

	id, err := SaveJSONUnpacked(ctx, repo, LockFile, l)
	if err != nil {
		return nil, err
	}
	l.id = &id

	select {
	case <-time.After(lockSettleDelay):
	case <-ctx.Done():
		_ = l.Unlock(context.WithoutCancel(ctx))
		return nil, ctx.Err()
	}

	if err := l.checkConflicts(ctx); err != nil {
		_ = l.Unlock(ctx)
		return nil, err
	}
	debug.Log("acquired lock %v (exclusive %v)", id.Str(), exclusive)
	return l, nil
}

// checkConflicts returns an error if another lock forbids taking l. Loading
// the other locks is attempted three times, conflicts are returned at once.
func (l *Lock) checkConflicts(ctx context.Context) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = ForAllLocks(ctx, l.repo, l.id, func(id ID, other *Lock, err error) error {
			if err != nil {
				debug.Log("unable to load lock %v: %v", id.Str(), err)
				return err
			}
			if l.Exclusive || other.Exclusive {
				return &conflictingLockError{other: other}
			}
			return nil
		})
		if err == nil || IsAlreadyLocked(err) {
			return err
		}
	}
	if errors.IsCorrupt(err) {
		return &unreadableLockError{err}
	}
	return err
}

// Unlock removes the lock file. It is a no-op for a nil lock.
func (l *Lock) Unlock(ctx context.Context) error {
	if l == nil || l.id == nil {
		return nil
	}
	return l.repo.RemoveUnpacked(ctx, LockFile, *l.id)
}

// Stale reports whether the lock was abandoned: it is older than
// StaleLockTimeout, or it belongs to a process on this host which no longer
// runs.
func (l *Lock) Stale() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if age := time.Since(l.Time); age > StaleLockTimeout {
		debug.Log("lock %v is stale, last refreshed %v ago", l.id, age)
		return true
	}

	hn, err := os.Hostname()
	if err != nil || hn != l.Hostname {
		// the process of a remote host cannot be checked
		return false
	}
	return !l.processExists()
}

// Refresh stores the lock again with the current time and removes the
// previous lock file.
func (l *Lock) Refresh(ctx context.Context) error {
	l.mu.Lock()
	l.Time = time.Now()
	l.mu.Unlock()

	id, err := SaveJSONUnpacked(ctx, l.repo, LockFile, l)
	if err != nil {
		return err
	}

	l.mu.Lock()
	previous := l.id
	l.id = &id
	l.mu.Unlock()

	debug.Log("refreshed lock %v, now %v", previous.Str(), id.Str())
	return l.repo.RemoveUnpacked(ctx, LockFile, *previous)
}

func (l *Lock) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return fmt.Sprintf("PID %d on %s by %s (UID %d, GID %d)\nlock was created at %s (%s ago)\nstorage ID %v",
		l.PID, l.Hostname, l.Username, l.UID, l.GID,
		l.Time.Format("2006-01-02 15:04:05"), time.Since(l.Time).Round(time.Second), l.id.Str())
}

// LoadLock reads the lock file id.
func LoadLock(ctx context.Context, repo LoaderUnpacked, id ID) (*Lock, error) {
	l := &Lock{id: &id}
	if err := LoadJSONUnpacked(ctx, repo, LockFile, id, l); err != nil {
		return nil, err
	}
	return l, nil
}

// RemoveStaleLocks removes the locks for which Stale is true and returns how
// many were removed. Unreadable locks are kept.
func RemoveStaleLocks(ctx context.Context, repo Unpacked) (uint, error) {
	var removed uint
	err := ForAllLocks(ctx, repo, nil, func(id ID, l *Lock, err error) error {
		if err != nil {
			debug.Log("keeping unreadable lock %v: %v", id.Str(), err)
			return nil
		}
		if !l.Stale() {
			return nil
		}
		if err := repo.RemoveUnpacked(ctx, LockFile, id); err != nil {
			return err
		}
		removed++
		return nil
	})
	return removed, err
}

// RemoveAllLocks removes every lock file, whether it is readable or not.
func RemoveAllLocks(ctx context.Context, repo Unpacked) (uint, error) {
	var removed atomic.Uint32
	err := ParallelList(ctx, repo, LockFile, repo.Connections(), func(ctx context.Context, id ID, _ int64) error {
		if err := repo.RemoveUnpacked(ctx, LockFile, id); err != nil {
			return err
		}
		removed.Add(1)
		return nil
	})
	return uint(removed.Load()), err
}

// ForAllLocks loads all lock files concurrently and calls fn for each of
// them, except for skip. Calls to fn are serialized, an error returned by fn
// stops the iteration. Empty lock files are left out, they are the remains
// of an interrupted upload.
func ForAllLocks(ctx context.Context, repo ListerLoaderUnpacked, skip *ID, fn func(ID, *Lock, error) error) error {
	var mu sync.Mutex
	return ParallelList(ctx, repo, LockFile, repo.Connections(), func(ctx context.Context, id ID, size int64) error {
		if size == 0 || (skip != nil && id.Equal(*skip)) {
			return nil
		}
		l, err := LoadLock(ctx, repo, id)

		mu.Lock()
		defer mu.Unlock()
		return fn(id, l, err)
	})
}
