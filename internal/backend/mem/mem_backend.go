// Package mem keeps a repository in memory. It backs the tests and the
// "mem:" location.
package mem

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/packvault/packvault/internal/backend"
	"github.com/packvault/packvault/internal/backend/location"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
)

var (
	errNotFound = errors.NotFoundf("not found")
	errTooSmall = errors.New("access beyond end of file")
)

// MemoryBackend stores every file as a byte slice. Files are immutable once
// saved.
type MemoryBackend struct {
	files *xsync.MapOf[backend.Handle, []byte]
}

var _ backend.Backend = &MemoryBackend{}

func New() *MemoryBackend {
	debug.Log("new memory backend")
	return &MemoryBackend{files: xsync.NewMapOf[backend.Handle, []byte]()}
}

// NewFactory returns a factory whose repositories all share one store, so
// that a repository created under "mem:" can be opened again.
func NewFactory() location.Factory {
	be := New()
	same := func(context.Context, struct{}, http.RoundTripper) (*MemoryBackend, error) {
		return be, nil
	}
	parse := func(string) (*struct{}, error) {
		return &struct{}{}, nil
	}
	return location.NewHTTPBackendFactory("mem", parse, location.NoPassword, same, same)
}

// key drops the parts of h that do not identify a file.
func key(h backend.Handle) backend.Handle {
	k := backend.Handle{Type: h.Type, Name: h.Name}
	if k.Type == backend.ConfigFile {
		k.Name = ""
	}
	return k
}

func (be *MemoryBackend) IsNotExist(err error) bool {
	return errors.Is(err, errNotFound)
}

func (be *MemoryBackend) IsPermanentError(err error) bool {
	return be.IsNotExist(err) || errors.Is(err, errTooSmall) || errors.IsConflict(err)
}

func (be *MemoryBackend) Connections() uint { return 2 }

func (be *MemoryBackend) Hasher() hash.Hash { return xxhash.New() }

func (be *MemoryBackend) Save(ctx context.Context, h backend.Handle, rd backend.RewindReader) error {
	if err := h.Valid(); err != nil {
		return backoff.Permanent(err)
	}

	buf, err := io.ReadAll(rd)
	if err != nil {
		return err
	}
	if int64(len(buf)) != rd.Length() {
		return errors.Errorf("read %d bytes, expected %d", len(buf), rd.Length())
	}
	if want := rd.Hash(); want != nil {
		sum := binary.BigEndian.AppendUint64(nil, xxhash.Sum64(buf))
		if !bytes.Equal(sum, want) {
			return errors.Errorf("content hash mismatch for %v: got %s, want %s", h, hex.EncodeToString(sum), hex.EncodeToString(want))
		}
	}

	if _, loaded := be.files.LoadOrStore(key(h), buf); loaded {
		return errors.WithKind(errors.Errorf("save %v: file exists", h), errors.ErrConflict)
	}
	return ctx.Err()
}

func (be *MemoryBackend) Load(ctx context.Context, h backend.Handle, length int, offset int64, fn func(rd io.Reader) error) error {
	return backend.DefaultLoad(ctx, h, length, offset, be.openReader, fn)
}

func (be *MemoryBackend) openReader(ctx context.Context, h backend.Handle, length int, offset int64) (io.ReadCloser, error) {
	if err := h.Valid(); err != nil {
		return nil, backoff.Permanent(err)
	}
	if offset < 0 || length < 0 {
		return nil, errors.Errorf("invalid range %d+%d", offset, length)
	}

	buf, ok := be.files.Load(key(h))
	if !ok {
		return nil, errNotFound
	}
	end := int64(len(buf))
	if length > 0 {
		end = offset + int64(length)
	}
	if offset > int64(len(buf)) || end > int64(len(buf)) {
		return nil, errTooSmall
	}
	return io.NopCloser(bytes.NewReader(buf[offset:end])), ctx.Err()
}

func (be *MemoryBackend) Stat(ctx context.Context, h backend.Handle) (backend.FileInfo, error) {
	if err := h.Valid(); err != nil {
		return backend.FileInfo{}, backoff.Permanent(err)
	}
	buf, ok := be.files.Load(key(h))
	if !ok {
		return backend.FileInfo{}, errNotFound
	}
	return backend.FileInfo{Name: key(h).Name, Size: int64(len(buf))}, ctx.Err()
}

func (be *MemoryBackend) Remove(ctx context.Context, h backend.Handle) error {
	if _, ok := be.files.LoadAndDelete(key(h)); !ok {
		return errNotFound
	}
	return ctx.Err()
}

// List reports the files of type t ordered by name.
func (be *MemoryBackend) List(ctx context.Context, t backend.FileType, fn func(backend.FileInfo) error) error {
	var entries []backend.FileInfo
	be.files.Range(func(h backend.Handle, buf []byte) bool {
		if h.Type == t {
			entries = append(entries, backend.FileInfo{Name: h.Name, Size: int64(len(buf))})
		}
		return true
	})
	slices.SortFunc(entries, func(a, b backend.FileInfo) int {
		return strings.Compare(a.Name, b.Name)
	})

	for _, fi := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(fi); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (be *MemoryBackend) Delete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	be.files.Clear()
	return nil
}

func (be *MemoryBackend) Close() error { return nil }
