package backend

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/packvault/packvault/internal/errors"
)

var errRequestTimeout = errors.WithKind(errors.New("request timeout"), errors.ErrBackendTransient)

// watchdogRoundtripper cancels an http request if the upload or download made
// no progress within timeout. The time between fully sending the request and
// receiving the response header is limited by the same timeout.
//
// Callers must read response bodies continuously; long pauses between reads
// trigger the watchdog.
type watchdogRoundtripper struct {
	rt        http.RoundTripper
	timeout   time.Duration
	chunkSize int
}

var _ http.RoundTripper = &watchdogRoundtripper{}

func newWatchdogRoundtripper(rt http.RoundTripper, timeout time.Duration, chunkSize int) *watchdogRoundtripper {
	return &watchdogRoundtripper{
		rt:        rt,
		timeout:   timeout,
		chunkSize: chunkSize,
	}
}

func (w *watchdogRoundtripper) RoundTrip(req *http.Request) (*http.Response, error) {
	timer := time.NewTimer(w.timeout)
	ctx, cancel := context.WithCancel(req.Context())
	timedOut := &atomic.Bool{}

	go func() {
		defer timer.Stop()
		select {
		case <-timer.C:
			timedOut.Store(true)
			cancel()
		case <-ctx.Done():
		}
	}()

	kick := func() {
		timer.Reset(w.timeout)
	}
	isTimeout := func(err error) bool {
		return timedOut.Load() && errors.Is(err, context.Canceled)
	}

	req = req.Clone(ctx)
	if req.Body != nil {
		req.Body = &watchdogReadCloser{rc: req.Body, chunkSize: w.chunkSize, kick: kick, isTimeout: isTimeout}
	}

	resp, err := w.rt.RoundTrip(req)
	if err != nil {
		if isTimeout(err) {
			err = errRequestTimeout
		}
		return nil, err
	}

	// closing the body cancels the context and stops the timer goroutine
	resp.Body = &watchdogReadCloser{rc: resp.Body, chunkSize: w.chunkSize, kick: kick, close: cancel, isTimeout: isTimeout}
	return resp, nil
}

type watchdogReadCloser struct {
	rc        io.ReadCloser
	chunkSize int
	kick      func()
	close     func()
	isTimeout func(err error) bool
}

var _ io.ReadCloser = &watchdogReadCloser{}

func (w *watchdogReadCloser) Read(p []byte) (n int, err error) {
	w.kick()

	// limit the read size so that slow connections kick the timer often enough
	if len(p) > w.chunkSize {
		p = p[:w.chunkSize]
	}
	n, err = w.rc.Read(p)
	w.kick()

	if err != nil && w.isTimeout(err) {
		err = errRequestTimeout
	}
	return n, err
}

func (w *watchdogReadCloser) Close() error {
	if w.close != nil {
		w.close()
	}
	return w.rc.Close()
}
