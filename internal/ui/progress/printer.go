package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// A Printer can can return a new counter or print messages
// at different log levels.
// It must be safe to call its methods from concurrent goroutines.
type Printer interface {
	NewCounter(description string) *Counter

	E(msg string, args ...interface{})
	P(msg string, args ...interface{})
	V(msg string, args ...interface{})
	VV(msg string, args ...interface{})
}

// NoopPrinter discards all messages
type NoopPrinter struct{}

var _ Printer = (*NoopPrinter)(nil)

func (*NoopPrinter) NewCounter(description string) *Counter {
	return nil
}

func (*NoopPrinter) E(msg string, args ...interface{}) {}

func (*NoopPrinter) P(msg string, args ...interface{}) {}

func (*NoopPrinter) V(msg string, args ...interface{}) {}

func (*NoopPrinter) VV(msg string, args ...interface{}) {}

// WriterPrinter prints messages up to the configured verbosity to an
// io.Writer. Errors go to a separate writer.
//
// Verbosity 0 is quiet (errors only), 1 is normal, 2 verbose and 3 shows
// debug-level messages.
type WriterPrinter struct {
	out, errOut io.Writer
	verbosity   uint
	interval    time.Duration

	m sync.Mutex
}

var _ Printer = (*WriterPrinter)(nil)

// NewWriterPrinter returns a Printer writing to out and errOut. A zero
// interval disables periodic counter updates.
func NewWriterPrinter(out, errOut io.Writer, verbosity uint, interval time.Duration) *WriterPrinter {
	return &WriterPrinter{out: out, errOut: errOut, verbosity: verbosity, interval: interval}
}

func (p *WriterPrinter) print(w io.Writer, msg string, args ...interface{}) {
	s := fmt.Sprintf(msg, args...)
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}

	p.m.Lock()
	defer p.m.Unlock()
	_, _ = io.WriteString(w, s)
}

// NewCounter returns a counter printing its progress on normal verbosity.
func (p *WriterPrinter) NewCounter(description string) *Counter {
	if p.verbosity < 1 {
		return nil
	}
	return NewCounter(p.interval, 0, func(value uint64, total uint64, runtime time.Duration, final bool) {
		if !final && p.interval == 0 {
			return
		}
		if total > 0 {
			p.print(p.out, "[%s] %d / %d %s", formatDuration(runtime), value, total, description)
		} else {
			p.print(p.out, "[%s] %d %s", formatDuration(runtime), value, description)
		}
	})
}

func (p *WriterPrinter) E(msg string, args ...interface{}) {
	p.print(p.errOut, msg, args...)
}

func (p *WriterPrinter) P(msg string, args ...interface{}) {
	if p.verbosity >= 1 {
		p.print(p.out, msg, args...)
	}
}

func (p *WriterPrinter) V(msg string, args ...interface{}) {
	if p.verbosity >= 2 {
		p.print(p.out, msg, args...)
	}
}

func (p *WriterPrinter) VV(msg string, args ...interface{}) {
	if p.verbosity >= 3 {
		p.print(p.out, msg, args...)
	}
}

func formatDuration(d time.Duration) string {
	sec := uint64(d / time.Second)
	hours := sec / 3600
	sec -= hours * 3600
	mins := sec / 60
	sec -= mins * 60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, mins, sec)
	}
	return fmt.Sprintf("%d:%02d", mins, sec)
}
