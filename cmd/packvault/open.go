package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/packvault/packvault/internal/backend"
	"github.com/packvault/packvault/internal/backend/limiter"
	"github.com/packvault/packvault/internal/backend/location"
	"github.com/packvault/packvault/internal/backend/retry"
	"github.com/packvault/packvault/internal/backend/sema"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/engine"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/options"
	"github.com/packvault/packvault/internal/restic"
	"github.com/packvault/packvault/internal/textfile"
	"github.com/packvault/packvault/internal/ui/progress"
)

// ErrNoRepository reports a location without a repository config.
var ErrNoRepository = errors.New("repository does not exist")

// retryTimeout bounds how long a failing backend request is retried.
const retryTimeout = 15 * time.Minute

// ReadRepo returns the repository location from -r or --repository-file.
func ReadRepo(opts GlobalOptions) (string, error) {
	switch {
	case opts.Repo == "" && opts.RepositoryFile == "":
		return "", errors.Fatal("Please specify repository location (-r or --repository-file)")
	case opts.RepositoryFile == "":
		return opts.Repo, nil
	case opts.Repo != "":
		return "", errors.Fatal("Options -r and --repository-file are mutually exclusive, please specify only one")
	}

	buf, err := textfile.Read(opts.RepositoryFile)
	if errors.Is(err, os.ErrNotExist) {
		return "", errors.Fatalf("%s does not exist", opts.RepositoryFile)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(buf)), nil
}

func (opts GlobalOptions) engineOptions(printer progress.Printer) engine.Options {
	return engine.Options{
		Printer:       printer,
		NoLock:        opts.NoLock,
		RetryLock:     opts.RetryLock,
		KeyHint:       opts.KeyHint,
		MaxKeys:       maxKeys,
		TreeCacheSize: opts.TreeCacheSize,
	}
}

// OpenRepository opens the backend and unlocks the repository with the
// resolved or prompted password.
func OpenRepository(ctx context.Context, gopts GlobalOptions, printer progress.Printer) (*engine.Repository, error) {
	return openRepositoryWith(ctx, gopts, gopts.engineOptions(printer), printer)
}

// passwordAttempts allows retyping a mistyped password at an interactive prompt.
func passwordAttempts(gopts GlobalOptions) int {
	if gopts.password != "" || gopts.InsecureNoPassword {
		return 1
	}
	if gopts.term == nil || !gopts.term.InputIsTerminal() {
		return 1
	}
	return 3
}

func openRepositoryWith(ctx context.Context, gopts GlobalOptions, eopts engine.Options, printer progress.Printer) (*engine.Repository, error) {
	loc, err := ReadRepo(gopts)
	if err != nil {
		return nil, err
	}
	be, err := open(ctx, loc, gopts, gopts.extended, printer)
	if err != nil {
		return nil, err
	}

	pw := passwordSource(gopts, "enter password for repository: ")
	var r *engine.Repository
	for left := passwordAttempts(gopts); left > 0; left-- {
		r, err = engine.Open(ctx, be, pw, eopts)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err == nil {
			break
		}
		if left > 1 {
			printer.E("%s. Try again", err)
		}
	}
	if err != nil {
		_ = be.Close()
		if !errors.IsFatal(err) && !errors.IsAuthenticationFailed(err) {
			err = errors.Fatalf("%s", err)
		}
		return nil, err
	}

	if !gopts.JSON {
		cfg := r.Config()
		printer.V("repository %v opened (version %v, compression %v)", shortID(cfg.ID), cfg.Version, cfg.Compression.String())
	}
	return r, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// backendConfig applies the environment and the -o options for the scheme
// of loc to its parsed config.
func backendConfig(loc location.Location, opts options.Options) (interface{}, error) {
	cfg := loc.Config
	if env, ok := cfg.(backend.ApplyEnvironmenter); ok {
		env.ApplyEnvironment("")
	}
	if err := opts.Extract(loc.Scheme).Apply(loc.Scheme, cfg); err != nil {
		return nil, err
	}
	debug.Log("opening %v repository at %#v", loc.Scheme, cfg)
	return cfg, nil
}

// wrapBackend stacks connection limiting and retries on top of be.
func wrapBackend(be backend.Backend, gopts GlobalOptions, printer progress.Printer) (backend.Backend, error) {
	be = sema.NewBackend(be)
	be = retry.New(be, retryTimeout,
		func(op string, err error, next time.Duration) {
			if next < 0 {
				printer.E("%v failed: %v", op, err)
				return
			}
			printer.E("%v returned error, retrying after %v: %v", op, next, err)
		},
		func(op string, retries int) {
			printer.E("%v operation successful after %d retries", op, retries)
		})

	if gopts.backendTestHook != nil {
		return gopts.backendTestHook(be)
	}
	return be, nil
}

// openBackend parses the location s and opens or creates the backend behind it.
func openBackend(ctx context.Context, s string, gopts GlobalOptions, opts options.Options, create bool, printer progress.Printer) (backend.Backend, error) {
	safe := location.StripPassword(gopts.backends, s)
	debug.Log("parsing location %v", safe)

	loc, err := location.Parse(gopts.backends, s)
	if err != nil {
		return nil, errors.Fatalf("parsing repository location failed: %v", err)
	}
	factory := gopts.backends.Lookup(loc.Scheme)
	if factory == nil {
		return nil, errors.Fatalf("invalid backend: %q", loc.Scheme)
	}
	cfg, err := backendConfig(loc, opts)
	if err != nil {
		return nil, err
	}

	rt, err := backend.Transport(gopts.TransportOptions)
	if err != nil {
		return nil, errors.Fatal(err.Error())
	}
	lim := limiter.NewStaticLimiter(gopts.Limits)
	rt = lim.Transport(rt)

	connect := factory.Open
	if create {
		connect = factory.Create
	}
	be, err := connect(ctx, cfg, rt, lim)
	switch {
	case errors.Is(err, backend.ErrNoRepository):
		//nolint:staticcheck // capitalized error string is intentional
		return nil, fmt.Errorf("Fatal: %w at %v: %v", ErrNoRepository, safe, err)
	case err != nil && create:
		return nil, err
	case err != nil:
		return nil, errors.Fatalf("unable to open repository at %v: %v", safe, err)
	}

	return wrapBackend(be, gopts, printer)
}

// open opens the backend at s and checks that it holds a repository config.
func open(ctx context.Context, s string, gopts GlobalOptions, opts options.Options, printer progress.Printer) (backend.Backend, error) {
	be, err := openBackend(ctx, s, gopts, opts, false, printer)
	if err != nil {
		return nil, err
	}

	fi, err := be.Stat(ctx, backend.Handle{Type: restic.ConfigFile})
	switch {
	case be.IsNotExist(err):
		err = fmt.Errorf("Fatal: %w: unable to open config file: %v\nIs there a repository at the following location?\n%v", //nolint:staticcheck
			ErrNoRepository, err, location.StripPassword(gopts.backends, s))
	case err != nil:
		err = errors.Fatalf("unable to open config file: %v\nIs there a repository at the following location?\n%v",
			err, location.StripPassword(gopts.backends, s))
	case fi.Size == 0:
		err = errors.New("config file has zero size, invalid repository?")
	}
	if err != nil {
		_ = be.Close()
		return nil, err
	}
	return be, nil
}

// create creates the backend at s for a new repository.
func create(ctx context.Context, s string, gopts GlobalOptions, opts options.Options, printer progress.Printer) (backend.Backend, error) {
	return openBackend(ctx, s, gopts, opts, true, printer)
}
