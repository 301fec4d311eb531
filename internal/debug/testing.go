package debug

import (
	"os"
	"testing"

	"go.uber.org/zap/zapcore"
)

// TestLogToStderr echoes every debug message to stderr, unless debug logging
// was configured already. It reports whether it changed anything.
func TestLogToStderr(_ testing.TB) bool {
	if state.enabled {
		return false
	}
	state.stderr = newLogger(zapcore.Lock(os.Stderr))
	state.files = rules{{pattern: "all", enable: true}}
	state.enabled = true
	return true
}

// TestDisableLog turns debug logging off again.
func TestDisableLog(_ testing.TB) {
	state.file, state.stderr = nil, nil
	state.files, state.funcs = nil, nil
	state.enabled = false
}
