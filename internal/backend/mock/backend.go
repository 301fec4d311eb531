// Package mock provides a backend for tests whose operations can be
// overridden one at a time. Operations without an override are served from
// an in-memory store.
package mock

import (
	"context"
	"hash"
	"io"
	"sync"

	"github.com/packvault/packvault/internal/backend"
	"github.com/packvault/packvault/internal/backend/mem"
)

// Backend calls the Fn field of an operation if it is set.
type Backend struct {
	CloseFn            func() error
	IsNotExistFn       func(err error) bool
	IsPermanentErrorFn func(err error) bool
	SaveFn             func(ctx context.Context, h backend.Handle, rd backend.RewindReader) error
	OpenReaderFn       func(ctx context.Context, h backend.Handle, length int, offset int64) (io.ReadCloser, error)
	StatFn             func(ctx context.Context, h backend.Handle) (backend.FileInfo, error)
	ListFn             func(ctx context.Context, t backend.FileType, fn func(backend.FileInfo) error) error
	RemoveFn           func(ctx context.Context, h backend.Handle) error
	DeleteFn           func(ctx context.Context) error
	ConnectionsFn      func() uint
	HasherFn           func() hash.Hash

	once  sync.Once
	store *mem.MemoryBackend
}

var _ backend.Backend = &Backend{}

// NewBackend returns a Backend without overrides.
func NewBackend() *Backend {
	return &Backend{}
}

func (m *Backend) mem() *mem.MemoryBackend {
	m.once.Do(func() { m.store = mem.New() })
	return m.store
}

func (m *Backend) Close() error {
	if m.CloseFn != nil {
		return m.CloseFn()
	}
	return nil
}

// Connections defaults to two.
func (m *Backend) Connections() uint {
	if m.ConnectionsFn != nil {
		return m.ConnectionsFn()
	}
	return 2
}

// Hasher defaults to no content hash.
func (m *Backend) Hasher() hash.Hash {
	if m.HasherFn != nil {
		return m.HasherFn()
	}
	return nil
}

func (m *Backend) IsNotExist(err error) bool {
	if m.IsNotExistFn != nil {
		return m.IsNotExistFn(err)
	}
	return m.mem().IsNotExist(err)
}

func (m *Backend) IsPermanentError(err error) bool {
	if m.IsPermanentErrorFn != nil {
		return m.IsPermanentErrorFn(err)
	}
	return m.mem().IsPermanentError(err)
}

func (m *Backend) Save(ctx context.Context, h backend.Handle, rd backend.RewindReader) error {
	if m.SaveFn != nil {
		return m.SaveFn(ctx, h, rd)
	}
	return m.mem().Save(ctx, h, rd)
}

func (m *Backend) Load(ctx context.Context, h backend.Handle, length int, offset int64, fn func(rd io.Reader) error) error {
	if m.OpenReaderFn != nil {
		return backend.DefaultLoad(ctx, h, length, offset, m.OpenReaderFn, fn)
	}
	return m.mem().Load(ctx, h, length, offset, fn)
}

func (m *Backend) Stat(ctx context.Context, h backend.Handle) (backend.FileInfo, error) {
	if m.StatFn != nil {
		return m.StatFn(ctx, h)
	}
	return m.mem().Stat(ctx, h)
}

func (m *Backend) List(ctx context.Context, t backend.FileType, fn func(backend.FileInfo) error) error {
	if m.ListFn != nil {
		return m.ListFn(ctx, t, fn)
	}
	return m.mem().List(ctx, t, fn)
}

func (m *Backend) Remove(ctx context.Context, h backend.Handle) error {
	if m.RemoveFn != nil {
		return m.RemoveFn(ctx, h)
	}
	return m.mem().Remove(ctx, h)
}

func (m *Backend) Delete(ctx context.Context) error {
	if m.DeleteFn != nil {
		return m.DeleteFn(ctx)
	}
	return m.mem().Delete(ctx)
}
