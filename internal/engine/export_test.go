package engine

import (
	"testing"
	"time"
)

// SetLockRetrySleep shortens the initial wait between lock attempts.
func SetLockRetrySleep(t testing.TB, d time.Duration) {
	old := retrySleepStart
	retrySleepStart = d
	t.Cleanup(func() {
		retrySleepStart = old
	})
}
