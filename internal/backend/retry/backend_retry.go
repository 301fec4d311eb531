// Package retry wraps a backend so that transient failures are retried with
// an exponential backoff before they reach the repository.
package retry

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/packvault/packvault/internal/backend"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
)

// Backend retries failed operations of the wrapped backend.
type Backend struct {
	backend.Backend

	// MaxElapsedTime bounds the time spent retrying a single operation.
	MaxElapsedTime time.Duration
	// Report is called for every failed attempt with the delay until the
	// next one, and once more with a delay of -1 when the operation gives up.
	Report func(op string, err error, next time.Duration)
	// Success is called when an operation succeeds after failed attempts.
	Success func(op string, retries int)

	// broken holds the files whose loads recently exhausted all retries
	broken *xsync.MapOf[backend.Handle, time.Time]
}

var _ backend.Backend = &Backend{}

// New wraps be. report and success may be nil.
func New(be backend.Backend, maxElapsedTime time.Duration, report func(string, error, time.Duration), success func(string, int)) *Backend {
	return &Backend{
		Backend:        be,
		MaxElapsedTime: maxElapsedTime,
		Report:         report,
		Success:        success,
		broken:         xsync.NewMapOf[backend.Handle, time.Time](),
	}
}

var fastRetries = false

// TestFastRetries shortens the backoff intervals for the duration of t.
func TestFastRetries(t testing.TB) {
	fastRetries = true
	t.Cleanup(func() {
		fastRetries = false
	})
}

// onceMore grants a retry after the first failure even when the elapsed
// time budget is already used up.
type onceMore struct {
	*backoff.ExponentialBackOff
	tried bool
}

func (b *onceMore) NextBackOff() time.Duration {
	d := b.ExponentialBackOff.NextBackOff()
	if d == backoff.Stop && !b.tried {
		d = b.InitialInterval
	}
	b.tried = true
	return d
}

func (b *onceMore) Reset() {
	b.tried = false
	b.ExponentialBackOff.Reset()
}

func (be *Backend) policy(ctx context.Context) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = time.Second
	exp.Multiplier = 2
	exp.MaxElapsedTime = be.MaxElapsedTime
	if fastRetries {
		exp.InitialInterval = time.Millisecond
		exp.MaxElapsedTime = min(exp.MaxElapsedTime, 200*time.Millisecond)
	}
	return backoff.WithContext(&onceMore{ExponentialBackOff: exp}, ctx)
}

// isPermanent reports errors that another attempt cannot fix.
func (be *Backend) isPermanent(err error) bool {
	var perr *backoff.PermanentError
	switch {
	case errors.As(err, &perr), errors.IsConflict(err):
		return true
	}
	return be.Backend.IsNotExist(err) || be.Backend.IsPermanentError(err)
}

func (be *Backend) retry(ctx context.Context, op string, f func() error) error {
	// a cancelled context must never modify the repository
	if err := ctx.Err(); err != nil {
		return err
	}

	report := func(err error, next time.Duration) {
		if be.Report != nil {
			be.Report(op, err, next)
		}
	}

	failures := 0
	err := backoff.RetryNotify(func() error {
		err := f()
		if err == nil {
			if failures > 0 && be.Success != nil {
				be.Success(op, failures)
			}
			return nil
		}
		failures++
		if be.isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, be.policy(ctx), report)

	if err == nil || ctx.Err() != nil {
		return err
	}
	report(err, -1)
	if !be.isPermanent(err) {
		err = errors.WithKind(err, errors.ErrBackendTransient)
	}
	return err
}

// Save uploads rd to h. A partially written file is removed before the next
// attempt.
func (be *Backend) Save(ctx context.Context, h backend.Handle, rd backend.RewindReader) error {
	return be.retry(ctx, fmt.Sprintf("Save(%v)", h), func() error {
		if err := rd.Rewind(); err != nil {
			return err
		}

		err := be.Backend.Save(ctx, h, rd)
		if err == nil || errors.IsConflict(err) {
			// a conflicting file was written by someone else
			return err
		}

		if rerr := be.Backend.Remove(ctx, h); rerr != nil {
			debug.Log("removing partial %v failed: %v", h, rerr)
		}
		return err
	})
}

// breakerTimeout is how long loads of a file fail fast after it exhausted
// its retries.
var breakerTimeout = time.Hour

func breakerKey(h backend.Handle) backend.Handle {
	return backend.Handle{Type: h.Type, Name: h.Name}
}

// Load passes the requested range of h to consumer.
func (be *Backend) Load(ctx context.Context, h backend.Handle, length int, offset int64, consumer func(rd io.Reader) error) error {
	key := breakerKey(h)
	if since, ok := be.broken.Load(key); ok {
		if time.Since(since) <= breakerTimeout {
			return errors.WithKind(errors.Errorf("circuit breaker open for %v", h), errors.ErrBackendTransient)
		}
		be.broken.Delete(key)
	}

	err := be.retry(ctx, fmt.Sprintf("Load(%v, %v, %v)", h, length, offset), func() error {
		return be.Backend.Load(ctx, h, length, offset, consumer)
	})
	// missing or truncated files are permanent and never trip the breaker
	if errors.Is(err, errors.ErrBackendTransient) {
		be.broken.LoadOrStore(key, time.Now())
	}
	return err
}

// Stat returns information about h. A missing file is not retried.
func (be *Backend) Stat(ctx context.Context, h backend.Handle) (backend.FileInfo, error) {
	var fi backend.FileInfo
	err := be.retry(ctx, fmt.Sprintf("Stat(%v)", h), func() error {
		var err error
		fi, err = be.Backend.Stat(ctx, h)
		return err
	})
	return fi, err
}

func (be *Backend) Remove(ctx context.Context, h backend.Handle) error {
	return be.retry(ctx, fmt.Sprintf("Remove(%v)", h), func() error {
		return be.Backend.Remove(ctx, h)
	})
}

// List calls fn once per file of type t, also across retried listings. An
// error returned by fn aborts the listing and is returned unchanged.
func (be *Backend) List(ctx context.Context, t backend.FileType, fn func(backend.FileInfo) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	seen := make(map[string]struct{})
	var fnErr error
	err := be.retry(ctx, fmt.Sprintf("List(%v)", t), func() error {
		err := be.Backend.List(ctx, t, func(fi backend.FileInfo) error {
			if _, ok := seen[fi.Name]; ok {
				return nil
			}
			seen[fi.Name] = struct{}{}

			if fnErr = fn(fi); fnErr != nil {
				cancel()
			}
			return fnErr
		})
		if fnErr != nil {
			return backoff.Permanent(fnErr)
		}
		return err
	})

	if fnErr != nil {
		return fnErr
	}
	return err
}

func (be *Backend) Unwrap() backend.Backend {
	return be.Backend
}
