package errors

import "fmt"

// The error kinds reported by the repository engine. Errors returned by the
// engine wrap exactly one of these, test for them with Is.
var (
	// ErrAuthenticationFailed means no key record could be decrypted with the
	// given password or key file.
	ErrAuthenticationFailed = New("authentication failed")

	// ErrCorrupt means that data failed an integrity check: a MAC mismatch,
	// an unexpected hash, or a structure that cannot be decoded.
	ErrCorrupt = New("data is corrupt")

	// ErrNotFound means that a blob, pack, snapshot or file does not exist.
	ErrNotFound = New("not found")

	// ErrConflict is returned when a write-once file already exists.
	ErrConflict = New("file already exists")

	// ErrBackendTransient marks errors that may go away when retried.
	ErrBackendTransient = New("transient backend error")
)

// kindError attaches an error kind to an error without changing its message.
type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string {
	return e.err.Error()
}

func (e *kindError) Unwrap() []error {
	return []error{e.err, e.kind}
}

// WithKind returns an error that wraps err and additionally matches kind in
// calls to Is. If err is nil, WithKind returns nil.
func WithKind(err error, kind error) error {
	if err == nil {
		return nil
	}
	if Is(err, kind) {
		return err
	}
	return &kindError{kind: kind, err: err}
}

// Corruptf returns a new error of kind ErrCorrupt.
func Corruptf(format string, args ...interface{}) error {
	return &kindError{kind: ErrCorrupt, err: fmt.Errorf(format, args...)}
}

// NotFoundf returns a new error of kind ErrNotFound.
func NotFoundf(format string, args ...interface{}) error {
	return &kindError{kind: ErrNotFound, err: fmt.Errorf(format, args...)}
}

// IsAuthenticationFailed reports whether err is of kind ErrAuthenticationFailed.
func IsAuthenticationFailed(err error) bool { return Is(err, ErrAuthenticationFailed) }

// IsCorrupt reports whether err is of kind ErrCorrupt.
func IsCorrupt(err error) bool { return Is(err, ErrCorrupt) }

// IsNotFound reports whether err is of kind ErrNotFound.
func IsNotFound(err error) bool { return Is(err, ErrNotFound) }

// IsConflict reports whether err is of kind ErrConflict.
func IsConflict(err error) bool { return Is(err, ErrConflict) }
