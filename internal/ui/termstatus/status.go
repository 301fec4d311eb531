// Package termstatus serializes terminal output and keeps a block of status
// lines below it that can be redrawn in place.
package termstatus

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/packvault/packvault/internal/terminal"
	"github.com/packvault/packvault/internal/ui"
)

var _ ui.Terminal = &Terminal{}

// Terminal owns stdout and stderr while Run is active. Print, Error and
// SetStatus hand their text to the Run goroutine, so callers may use them
// concurrently.
type Terminal struct {
	in     io.ReadCloser
	out    io.Writer
	errOut io.Writer

	inFd, outFd uintptr
	inTerm      bool
	outTerm     bool

	// interactive is set when status lines are redrawn in place.
	interactive  bool
	clearLine    func(io.Writer, uintptr)
	cursorUp     func(io.Writer, uintptr, int)
	inBackground func() bool
	width        func() int

	events chan event
	done   chan struct{}
	shown  int

	stdout, stderr lazyLineWriter
}

type event struct {
	text     string
	toErr    bool
	isStatus bool
	lines    []string
	ack      chan struct{}
}

type lazyLineWriter struct {
	once sync.Once
	w    *lineWriter
}

func (l *lazyLineWriter) get(print func(string)) *lineWriter {
	l.once.Do(func() { l.w = newLineWriter(print) })
	return l.w
}

func (l *lazyLineWriter) close() {
	if l.w != nil {
		_ = l.w.Close()
	}
}

type fder interface {
	Fd() uintptr
}

// Setup starts a Terminal for the given streams. The returned function
// flushes pending output, removes the status lines and stops the terminal.
func Setup(stdin io.ReadCloser, stdout, stderr io.Writer, quiet bool) (*Terminal, func()) {
	term := New(stdin, stdout, stderr, quiet)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		term.Run(ctx)
	}()

	return term, func() {
		term.stdout.close()
		term.stderr.close()
		term.Flush()
		cancel()
		<-stopped
	}
}

// New returns a Terminal writing to wr and errWriter. Status lines are only
// redrawn in place when wr is a terminal that supports it and disableStatus
// is false; otherwise each status update is printed as plain lines.
func New(rd io.ReadCloser, wr io.Writer, errWriter io.Writer, disableStatus bool) *Terminal {
	t := &Terminal{
		in:           rd,
		out:          wr,
		errOut:       errWriter,
		events:       make(chan event),
		done:         make(chan struct{}),
		inBackground: func() bool { return false },
		width:        func() int { return 0 },
	}
	if disableStatus {
		return t
	}

	if f, ok := rd.(fder); ok && terminal.InputIsTerminal(f.Fd()) {
		t.inFd, t.inTerm = f.Fd(), true
	}

	f, ok := wr.(fder)
	if !ok {
		return t
	}
	fd := f.Fd()
	t.outTerm = terminal.OutputIsTerminal(fd)
	if terminal.CanUpdateStatus(fd) {
		t.interactive = true
		t.outFd = fd
		t.clearLine = terminal.ClearCurrentLine(fd)
		t.cursorUp = terminal.MoveCursorUp(fd)
		t.inBackground = func() bool { return terminal.IsProcessBackground(fd) }
		t.width = func() int {
			if w := terminal.Width(fd); w > 0 {
				return w
			}
			return 80
		}
	}
	return t
}

// InputIsTerminal returns whether the input is a terminal.
func (t *Terminal) InputIsTerminal() bool { return t.inTerm }

// OutputIsTerminal returns whether the output is a terminal.
func (t *Terminal) OutputIsTerminal() bool { return t.outTerm }

// CanUpdateStatus returns whether status lines are redrawn in place.
func (t *Terminal) CanUpdateStatus() bool { return t.interactive }

// ReadPassword prompts on the terminal if possible. Otherwise the first line
// of the input is used as the password.
func (t *Terminal) ReadPassword(ctx context.Context, prompt string) (string, error) {
	in, inFile := t.in.(*os.File)
	out, outFile := t.errOut.(*os.File)
	if t.inTerm && inFile && outFile {
		t.Flush()
		return terminal.ReadPassword(ctx, in, out, prompt)
	}

	if t.outTerm {
		t.Print("reading repository password from stdin")
	}
	sc := bufio.NewScanner(t.in)
	sc.Scan()
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return sc.Text(), nil
}

// OutputWriter returns a writer that passes complete lines to Print.
func (t *Terminal) OutputWriter() io.Writer { return t.stdout.get(t.Print) }

// ErrorWriter returns a writer that passes complete lines to Error.
func (t *Terminal) ErrorWriter() io.Writer { return t.stderr.get(t.Error) }

// OutputRaw flushes pending output and returns the underlying writer. It
// must not be mixed with Print, Error or SetStatus.
func (t *Terminal) OutputRaw() io.Writer {
	t.Flush()
	return t.out
}

// Run writes the submitted output until ctx is cancelled. The status lines
// are removed on exit.
func (t *Terminal) Run(ctx context.Context) {
	defer close(t.done)

	var status []string
	for {
		select {
		case <-ctx.Done():
			if t.interactive && !t.inBackground() {
				t.drawStatus(nil)
			}
			return

		case ev := <-t.events:
			switch {
			case ev.ack != nil:
				close(ev.ack)
			case ev.isStatus:
				status = ev.lines
				t.showStatus(status)
			default:
				t.showLine(ev, status)
			}
		}
	}
}

func (t *Terminal) writeFailed(err error) {
	_, _ = fmt.Fprintf(t.errOut, "write failed: %v\n", err)
}

func (t *Terminal) showLine(ev event, status []string) {
	dst := t.out
	if ev.toErr {
		dst = t.errOut
	}

	if !t.interactive {
		if _, err := io.WriteString(dst, ev.text); err != nil {
			t.writeFailed(err)
		}
		return
	}

	// a process in the background group must not touch the terminal
	if t.inBackground() {
		return
	}
	t.clearLine(t.out, t.outFd)
	if _, err := io.WriteString(dst, ev.text); err != nil {
		t.writeFailed(err)
		return
	}
	t.drawStatus(status)
}

func (t *Terminal) showStatus(lines []string) {
	if !t.interactive {
		for _, line := range lines {
			if _, err := fmt.Fprintln(t.out, strings.TrimRight(line, "\n")); err != nil {
				t.writeFailed(err)
			}
		}
		return
	}
	if !t.inBackground() {
		t.drawStatus(lines)
	}
}

// drawStatus replaces the status block with lines. Rows left over from a
// taller previous block are blanked. The cursor ends on the first row.
func (t *Terminal) drawStatus(lines []string) {
	rows := append([]string(nil), lines...)
	for len(rows) < t.shown {
		rows = append(rows, "")
	}
	t.shown = len(lines)

	for i, row := range rows {
		if i < len(rows)-1 {
			row += "\n"
		}
		t.clearLine(t.out, t.outFd)
		if _, err := io.WriteString(t.out, row); err != nil {
			t.writeFailed(err)
		}
	}
	if len(rows) > 0 {
		t.cursorUp(t.out, t.outFd, len(rows)-1)
	}
}

func (t *Terminal) send(ev event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

// Flush waits until everything submitted before has been written.
func (t *Terminal) Flush() {
	ack := make(chan struct{})
	t.send(event{ack: ack})
	select {
	case <-ack:
	case <-t.done:
	}
}

func (t *Terminal) printLine(line string, toErr bool) {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	t.send(event{text: line, toErr: toErr})
}

// Print writes a line to the output. A missing line break is added.
func (t *Terminal) Print(line string) { t.printLine(line, false) }

// Error writes a line to the error output.
func (t *Terminal) Error(line string) { t.printLine(line, true) }

// fitLines quotes control characters and truncates each line to width
// columns. A width of zero disables truncation.
func fitLines(lines []string, width int) []string {
	fitted := make([]string, len(lines))
	for i, line := range lines {
		line = ui.Quote(line)
		if width > 0 {
			line = ui.Truncate(line, width-2)
		}
		fitted[i] = line
	}
	return fitted
}

// SetStatus replaces the status lines. Lines must not contain line breaks.
// An empty slice removes the status block.
func (t *Terminal) SetStatus(lines []string) {
	t.send(event{isStatus: true, lines: fitLines(lines, t.width())})
}
