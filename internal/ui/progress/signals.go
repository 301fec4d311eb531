package progress

import (
	"os"
	"sync"
)

var signals struct {
	ch   chan os.Signal
	once sync.Once
}

// GetProgressChannel returns a channel with which a single listener
// receives each incoming signal.
func GetProgressChannel() <-chan os.Signal {
	signals.once.Do(func() {
		signals.ch = make(chan os.Signal, 1)
		setupSignals()
	})

	return signals.ch
}
