// Package sftp stores a repository on a remote host, reached through the
// sftp subsystem of an ssh process.
package sftp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"hash"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/sftp"

	"github.com/packvault/packvault/internal/backend"
	"github.com/packvault/packvault/internal/backend/layout"
	"github.com/packvault/packvault/internal/backend/limiter"
	"github.com/packvault/packvault/internal/backend/location"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
)

const (
	fileMode os.FileMode = 0600
	dirMode  os.FileMode = 0700

	// uploads are written to name+tempInfix+random and renamed when complete
	tempInfix = ".tmp-"
)

var errTooShort = errors.New("file is too short")

// Backend is a repository directory on an sftp server.
type Backend struct {
	*session
	layout.Layout
	cfg Config
}

var _ backend.Backend = &Backend{}

func NewFactory() location.Factory {
	return location.NewLimitedBackendFactory("sftp", ParseConfig, location.NoPassword, limiter.WrapBackendConstructor(Create), limiter.WrapBackendConstructor(Open))
}

func connect(cfg Config) (*Backend, error) {
	s, err := startSession(cfg)
	if err != nil {
		debug.Log("unable to start program: %v", err)
		return nil, err
	}
	return &Backend{
		session: s,
		Layout:  &layout.DefaultLayout{Path: cfg.Path, Join: path.Join},
		cfg:     cfg,
	}, nil
}

// Open connects to an existing repository.
func Open(_ context.Context, cfg Config) (*Backend, error) {
	debug.Log("open backend with config %#v", cfg)
	return connect(cfg)
}

// Create connects to the server and lays out the directories of a new
// repository. It fails when a config file is already present.
func Create(_ context.Context, cfg Config) (*Backend, error) {
	b, err := connect(cfg)
	if err != nil {
		return nil, err
	}
	if err := b.layoutRepository(); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) layoutRepository() error {
	if _, err := b.c.Lstat(b.Filename(backend.Handle{Type: backend.ConfigFile})); err == nil {
		return errors.New("config file already exists")
	}
	for _, dir := range b.Paths() {
		if err := b.mkdirAll(dir, dirMode); err != nil {
			debug.Log("mkdirAll %v: %v", dir, err)
			return err
		}
	}
	return nil
}

func (b *Backend) Connections() uint { return b.cfg.Connections }

func (b *Backend) Hasher() hash.Hash { return nil }

func (b *Backend) IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

func (b *Backend) IsPermanentError(err error) bool {
	return b.IsNotExist(err) ||
		errors.Is(err, errTooShort) ||
		errors.Is(err, os.ErrPermission) ||
		errors.IsConflict(err)
}

// ReadDir lists dir. The sftp client omits the name from its errors.
func (b *Backend) ReadDir(dir string) ([]os.FileInfo, error) {
	entries, err := b.c.ReadDir(dir)
	return entries, errors.Wrapf(err, "(%v)", dir)
}

func (b *Backend) mkdirAll(dir string, mode os.FileMode) error {
	notDir := errors.Errorf("mkdirAll(%s): entry exists but is not a directory", dir)
	if fi, err := b.c.Lstat(dir); err == nil {
		if fi.IsDir() {
			return nil
		}
		return notDir
	}

	// errors of both calls only matter when the directory is still missing
	parentErr := b.mkdirAll(path.Dir(dir), dirMode)
	mkdirErr := b.c.Mkdir(dir)
	fi, err := b.c.Lstat(dir)
	switch {
	case err != nil:
		return errors.Errorf("mkdirAll(%s): unable to create directories: %v, %v", dir, parentErr, mkdirErr)
	case !fi.IsDir():
		return notDir
	}
	return b.c.Chmod(dir, mode)
}

// Join joins and cleans slash separated paths as sftp expects them.
func Join(parts ...string) string {
	return path.Clean(path.Join(parts...))
}

func randomSuffix() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf[:])
}

func (b *Backend) existsConflict(h backend.Handle) error {
	if _, err := b.c.Lstat(b.Filename(h)); err != nil {
		return nil
	}
	return errors.WithKind(errors.Errorf("save %v: file already exists", h), errors.ErrConflict)
}

// Save uploads rd to a temporary file and renames it to the name of h. An
// existing file is never replaced, a concurrent writer yields ErrConflict.
func (b *Backend) Save(_ context.Context, h backend.Handle, rd backend.RewindReader) error {
	if err := b.alive(); err != nil {
		return err
	}
	if err := h.Valid(); err != nil {
		return backoff.Permanent(err)
	}
	if err := b.existsConflict(h); err != nil {
		return err
	}

	name := b.Filename(h)
	tmp := name + tempInfix + randomSuffix()
	f, err := b.createTemp(tmp, b.Dirname(h))
	if err != nil {
		return err
	}

	err = b.writeTemp(f, tmp, rd)
	if err == nil {
		if err = b.c.Rename(tmp, name); err != nil {
			err = errors.Wrap(err, "Rename")
			if cerr := b.existsConflict(h); cerr != nil {
				err = cerr
			}
		}
	}
	if err != nil {
		if rmErr := b.c.Remove(tmp); rmErr != nil {
			debug.Log("failed to remove broken file %v: %v", tmp, rmErr)
		}
	}
	return err
}

// createTemp creates name exclusively, creating dir on demand.
func (b *Backend) createTemp(name, dir string) (*sftp.File, error) {
	const flags = os.O_CREATE | os.O_EXCL | os.O_WRONLY
	f, err := b.c.OpenFile(name, flags)
	if b.IsNotExist(err) {
		if mkErr := b.mkdirAll(dir, dirMode); mkErr != nil {
			debug.Log("error creating dir %v: %v", dir, mkErr)
		} else {
			f, err = b.c.OpenFile(name, flags)
		}
	}
	return f, errors.Wrap(err, "OpenFile")
}

func (b *Backend) writeTemp(f *sftp.File, name string, rd backend.RewindReader) error {
	// io.Copy would use the slow WriteTo of sftp.File
	n, err := f.ReadFromWithConcurrency(rd, 0)
	if err == nil && n != rd.Length() {
		err = errors.Errorf("wrote %d bytes instead of the expected %d bytes", n, rd.Length())
	}
	if err != nil {
		_ = f.Close()
		return errors.Wrap(err, "Write")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "Close")
	}
	return errors.Wrap(b.c.Chmod(name, fileMode), "Chmod")
}

func (b *Backend) Load(ctx context.Context, h backend.Handle, length int, offset int64, fn func(rd io.Reader) error) error {
	if err := b.alive(); err != nil {
		return err
	}
	return backend.DefaultLoad(ctx, h, length, offset, b.openReader, fn)
}

func (b *Backend) openReader(_ context.Context, h backend.Handle, length int, offset int64) (io.ReadCloser, error) {
	if err := h.Valid(); err != nil {
		return nil, backoff.Permanent(err)
	}
	if offset < 0 {
		return nil, backoff.Permanent(errors.New("offset is negative"))
	}

	f, err := b.c.Open(b.Filename(h))
	if err != nil {
		return nil, err
	}
	fail := func(err error) (io.ReadCloser, error) {
		_ = f.Close()
		return nil, err
	}

	if length > 0 {
		fi, err := f.Stat()
		if err != nil {
			return fail(err)
		}
		if fi.Size() < offset+int64(length) {
			return fail(errTooShort)
		}
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return fail(err)
		}
	}
	if length > 0 {
		return backend.LimitReadCloser(f, int64(length)), nil
	}
	return f, nil
}

func (b *Backend) Stat(_ context.Context, h backend.Handle) (backend.FileInfo, error) {
	if err := b.alive(); err != nil {
		return backend.FileInfo{}, err
	}
	if err := h.Valid(); err != nil {
		return backend.FileInfo{}, backoff.Permanent(err)
	}

	fi, err := b.c.Lstat(b.Filename(h))
	if err != nil {
		return backend.FileInfo{}, errors.Wrap(err, "Lstat")
	}
	return backend.FileInfo{Size: fi.Size(), Name: h.Name}, nil
}

func (b *Backend) Remove(_ context.Context, h backend.Handle) error {
	if err := b.alive(); err != nil {
		return err
	}
	return b.c.Remove(b.Filename(h))
}

// listable reports whether a walked entry is a finished file.
func listable(fi fs.FileInfo) bool {
	return fi.Mode().IsRegular() && !strings.Contains(fi.Name(), tempInfix)
}

// List calls fn for every file of type t. Unfinished uploads are skipped.
func (b *Backend) List(ctx context.Context, t backend.FileType, fn func(backend.FileInfo) error) error {
	if err := b.alive(); err != nil {
		return err
	}

	basedir, subdirs := b.Basedir(t)
	walker := b.c.Walk(basedir)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			if b.IsNotExist(err) {
				debug.Log("ignoring non-existing directory")
				return nil
			}
			return err
		}
		if walker.Path() == basedir {
			continue
		}

		fi := walker.Stat()
		if fi.IsDir() {
			if !subdirs {
				walker.SkipDir()
			}
			continue
		}
		if !listable(fi) {
			continue
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(backend.FileInfo{Name: path.Base(walker.Path()), Size: fi.Size()}); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// Close ends the sftp session and terminates ssh.
func (b *Backend) Close() error {
	if b == nil || b.session == nil {
		return nil
	}
	return b.close()
}

func (b *Backend) removeTree(ctx context.Context, dir string) error {
	entries, err := b.ReadDir(dir)
	if err != nil {
		return errors.Wrap(err, "ReadDir")
	}

	for _, fi := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := Join(dir, fi.Name())
		if !fi.IsDir() {
			if err := b.c.Remove(name); err != nil {
				return errors.Wrap(err, "Remove")
			}
			continue
		}
		if err := b.removeTree(ctx, name); err != nil {
			return err
		}
		if err := b.c.RemoveDirectory(name); err != nil {
			return errors.Wrap(err, "RemoveDirectory")
		}
	}
	return nil
}

// Delete removes all files of the repository.
func (b *Backend) Delete(ctx context.Context) error {
	return b.removeTree(ctx, b.cfg.Path)
}
