// Package local implements a backend that stores the repository in a
// directory of the local file system.
package local

import (
	"context"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/cenkalti/backoff/v4"

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

	// tempMarker is part of the name of every file that is still being
	// written.
	tempMarker = "-tmp-"
)

// Local is a backend in a local directory.
type Local struct {
	Config
	layout.Layout
}

var _ backend.Backend = &Local{}

var errTooShort = errors.New("file is too short")

func NewFactory() location.Factory {
	return location.NewLimitedBackendFactory("local", ParseConfig, location.NoPassword,
		limiter.WrapBackendConstructor(Create), limiter.WrapBackendConstructor(Open))
}

func newLocal(cfg Config) *Local {
	return &Local{
		Config: cfg,
		Layout: &layout.DefaultLayout{Path: cfg.Path, Join: filepath.Join},
	}
}

// Open opens the repository at cfg.Path without touching the file system.
func Open(_ context.Context, cfg Config) (*Local, error) {
	debug.Log("open local repository at %v", cfg.Path)
	return newLocal(cfg), nil
}

// Create lays out the directories of a new repository. It fails if the
// directory already holds a config file.
func Create(_ context.Context, cfg Config) (*Local, error) {
	debug.Log("create local repository at %v", cfg.Path)
	be := newLocal(cfg)

	if _, err := os.Lstat(be.Filename(backend.Handle{Type: backend.ConfigFile})); err == nil {
		return nil, errors.New("config file already exists")
	}
	for _, dir := range be.Paths() {
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return be, nil
}

func (b *Local) Connections() uint { return b.Config.Connections }

// Hasher returns nil, the local file system needs no content hash.
func (b *Local) Hasher() hash.Hash { return nil }

func (b *Local) IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

func (b *Local) IsPermanentError(err error) bool {
	switch {
	case b.IsNotExist(err), errors.IsConflict(err):
		return true
	}
	return errors.Is(err, errTooShort) || errors.Is(err, os.ErrPermission)
}

func conflict(h backend.Handle) error {
	return errors.WithKind(errors.Errorf("save %v: file already exists", h), errors.ErrConflict)
}

// Save writes rd to the file for h. An existing file is never replaced.
func (b *Local) Save(_ context.Context, h backend.Handle, rd backend.RewindReader) error {
	if err := h.Valid(); err != nil {
		return backoff.Permanent(err)
	}
	name := b.Filename(h)
	debug.Log("save %v to %v", h, name)

	if _, err := os.Lstat(name); err == nil {
		return conflict(h)
	}

	err := write(name, rd)
	switch {
	case errors.Is(err, os.ErrExist):
		return conflict(h)
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, os.ErrPermission):
		return backoff.Permanent(err)
	}
	return err
}

// write stores rd in a temporary file next to name and commits it under
// name once the data is on disk.
func write(name string, rd backend.RewindReader) error {
	dir := filepath.Dir(name)
	f, err := createTemp(dir, filepath.Base(name)+tempMarker)
	if err != nil {
		return errors.WithStack(err)
	}
	// after a successful commit the temporary name is only a second link
	defer func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}()

	n, err := io.Copy(f, rd)
	if err != nil {
		return errors.WithStack(err)
	}
	if n != rd.Length() {
		return errors.Errorf("wrote %d bytes, expected %d", n, rd.Length())
	}

	synced := true
	if err := f.Sync(); err != nil {
		if !errors.Is(err, syscall.ENOTSUP) {
			return errors.WithStack(err)
		}
		synced = false
	}
	if err := f.Close(); err != nil {
		return errors.WithStack(err)
	}

	if err := commitFile(f.Name(), name); err != nil {
		return errors.WithStack(err)
	}
	if synced {
		if err := fsyncDir(dir); err != nil {
			return errors.WithStack(err)
		}
	}

	// some file systems refuse chmod
	if err := setFileReadonly(name, fileMode); err != nil && !errors.Is(err, os.ErrPermission) {
		return errors.WithStack(err)
	}
	return nil
}

// createTemp creates a temporary file in dir, creating dir if needed.
func createTemp(dir, pattern string) (*os.File, error) {
	f, err := os.CreateTemp(dir, pattern)
	if !errors.Is(err, os.ErrNotExist) {
		return f, err
	}
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, err
	}
	return os.CreateTemp(dir, pattern)
}

// commitFile gives tmpname the name finalname without ever replacing an
// existing file. A hard link fails atomically with os.ErrExist when the target
// exists. File systems without hard links fall back to a rename after a
// check.
func commitFile(tmpname, finalname string) error {
	err := os.Link(tmpname, finalname)
	if err == nil || errors.Is(err, os.ErrExist) {
		return err
	}

	debug.Log("link %v failed, falling back to rename: %v", finalname, err)
	if _, serr := os.Lstat(finalname); serr == nil {
		return os.ErrExist
	}
	return os.Rename(tmpname, finalname)
}

func (b *Local) Load(ctx context.Context, h backend.Handle, length int, offset int64, fn func(rd io.Reader) error) error {
	return backend.DefaultLoad(ctx, h, length, offset, b.openReader, fn)
}

func (b *Local) openReader(_ context.Context, h backend.Handle, length int, offset int64) (io.ReadCloser, error) {
	if err := h.Valid(); err != nil {
		return nil, backoff.Permanent(err)
	}
	if offset < 0 {
		return nil, errors.New("offset is negative")
	}

	f, err := os.Open(b.Filename(h))
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err == nil && fi.Size() < offset+int64(length) {
		err = errTooShort
	}
	if err == nil && offset > 0 {
		_, err = f.Seek(offset, io.SeekStart)
	}
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	if length > 0 {
		return backend.LimitReadCloser(f, int64(length)), nil
	}
	return f, nil
}

func (b *Local) Stat(_ context.Context, h backend.Handle) (backend.FileInfo, error) {
	if err := h.Valid(); err != nil {
		return backend.FileInfo{}, backoff.Permanent(err)
	}
	fi, err := os.Stat(b.Filename(h))
	if err != nil {
		return backend.FileInfo{}, errors.WithStack(err)
	}
	return backend.FileInfo{Size: fi.Size(), Name: h.Name}, nil
}

func (b *Local) Remove(_ context.Context, h backend.Handle) error {
	name := b.Filename(h)
	debug.Log("remove %v", name)

	// the file was made read-only by Save
	if err := os.Chmod(name, 0666); err != nil && !errors.Is(err, os.ErrPermission) {
		return errors.WithStack(err)
	}
	return os.Remove(name)
}

// List calls fn for every file of type t. Missing directories count as
// empty.
func (b *Local) List(ctx context.Context, t backend.FileType, fn func(backend.FileInfo) error) error {
	dir, nested := b.Basedir(t)
	if !nested {
		return listDir(ctx, dir, fn)
	}

	subdirs, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, sub := range subdirs {
		if !sub.IsDir() {
			continue
		}
		if err := listDir(ctx, filepath.Join(dir, sub.Name()), fn); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func listDir(ctx context.Context, dir string, fn func(backend.FileInfo) error) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		// skip directories and leftovers of interrupted saves
		if e.IsDir() || strings.Contains(e.Name(), tempMarker) {
			continue
		}

		info, err := e.Info()
		if errors.Is(err, os.ErrNotExist) {
			// removed while listing
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(backend.FileInfo{Name: e.Name(), Size: info.Size()}); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes the whole repository directory.
func (b *Local) Delete(_ context.Context) error {
	return os.RemoveAll(b.Path)
}

func (b *Local) Close() error { return nil }
