// Package engine exposes the repository operations as one facade. Every
// operation takes an explicit options struct, progress and messages go to the
// printer configured for the repository.
package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/packvault/packvault/internal/backend"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/repository"
	"github.com/packvault/packvault/internal/restic"
	"github.com/packvault/packvault/internal/textfile"
	"github.com/packvault/packvault/internal/ui/progress"
)

// PasswordSource provides the password to unlock a repository.
type PasswordSource interface {
	ReadPassword(ctx context.Context) (string, error)
}

// StaticPassword is a password given directly, for example via environment.
type StaticPassword string

func (p StaticPassword) ReadPassword(_ context.Context) (string, error) {
	if p == "" {
		return "", errors.Fatal("an empty password is not allowed")
	}
	return string(p), nil
}

// PasswordFile reads the password from the first line of a text file. A
// byte order mark is removed.
type PasswordFile string

func (f PasswordFile) ReadPassword(_ context.Context) (string, error) {
	buf, err := textfile.Read(string(f))
	if err != nil {
		return "", errors.Fatalf("%s", errors.Wrap(err, "read password file"))
	}
	pw, _, _ := strings.Cut(string(buf), "\n")
	return StaticPassword(strings.TrimSuffix(pw, "\r")).ReadPassword(context.TODO())
}

// PasswordFunc adapts a function, like an interactive prompt, to a
// PasswordSource.
type PasswordFunc func(ctx context.Context) (string, error)

func (fn PasswordFunc) ReadPassword(ctx context.Context) (string, error) {
	return fn(ctx)
}

// Options configure how a repository is opened.
type Options struct {
	// Printer receives all user-facing messages, nil discards them.
	Printer progress.Printer

	// NoLock skips creating lock files, only allowed for read-only operations.
	NoLock bool
	// RetryLock is the time to wait for a conflicting lock to be released.
	RetryLock time.Duration

	// KeyHint is the ID of the key to try first.
	KeyHint string
	// MaxKeys limits the number of keys tried, zero means no limit.
	MaxKeys int

	TreeCacheSize int
	// DryRun discards all writes to the backend.
	DryRun bool
}

// InitOptions configure a new repository.
type InitOptions struct {
	Config restic.ConfigOptions
	Options
}

// Repository is an opened repository.
type Repository struct {
	repo    *repository.Repository
	opts    Options
	printer progress.Printer

	indexOnce sync.Once
	indexErr  error
}

func newRepository(be backend.Backend, opts Options) *Repository {
	printer := opts.Printer
	if printer == nil {
		printer = &progress.NoopPrinter{}
	}
	return &Repository{
		repo: repository.New(be, repository.Options{
			TreeCacheSize: opts.TreeCacheSize,
			DryRun:        opts.DryRun,
		}),
		opts:    opts,
		printer: printer,
	}
}

// Init creates a new repository in be, protected by the password from pw.
func Init(ctx context.Context, be backend.Backend, pw PasswordSource, opts InitOptions) (*Repository, error) {
	password, err := pw.ReadPassword(ctx)
	if err != nil {
		return nil, err
	}

	r := newRepository(be, opts.Options)
	if err := r.repo.Init(ctx, password, opts.Config); err != nil {
		return nil, errors.Wrap(err, "init repository")
	}
	debug.Log("created repository %v", r.repo.Config().ID)
	r.printer.P("created repository %v\n", r.repo.Config().ID)
	return r, nil
}

// Open unlocks the repository in be with the password from pw.
func Open(ctx context.Context, be backend.Backend, pw PasswordSource, opts Options) (*Repository, error) {
	password, err := pw.ReadPassword(ctx)
	if err != nil {
		return nil, err
	}

	r := newRepository(be, opts)
	err = r.repo.SearchKey(ctx, password, opts.MaxKeys, opts.KeyHint)
	if err != nil {
		return nil, err
	}
	keyID := r.repo.KeyID()
	debug.Log("opened repository %v with key %v", r.repo.Config().ID, keyID.Str())
	r.printer.V("repository %v opened successfully\n", r.repo.Config().ID[:8])
	return r, nil
}

// Raw returns the underlying repository.
func (r *Repository) Raw() *repository.Repository {
	return r.repo
}

// Config returns the repository config.
func (r *Repository) Config() restic.Config {
	return r.repo.Config()
}

// Close closes the backend.
func (r *Repository) Close() error {
	return r.repo.Close()
}

// loadIndex loads the index once for all operations of r.
func (r *Repository) loadIndex(ctx context.Context) error {
	r.indexOnce.Do(func() {
		r.printer.V("load index files\n")
		bar := r.printer.NewCounter("index files loaded")
		r.indexErr = r.repo.LoadIndex(ctx, bar)
		bar.Done()
	})
	return r.indexErr
}

// resetIndex forces the next loadIndex to read the index again, for example
// after it was rewritten.
func (r *Repository) resetIndex() {
	r.indexOnce = sync.Once{}
	r.indexErr = nil
}
