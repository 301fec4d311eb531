// Package b2 implements a backend for Backblaze B2 buckets.
package b2

import (
	"context"
	"hash"
	"io"
	"net/http"
	"path"

	"github.com/Backblaze/blazer/b2"
	"github.com/cenkalti/backoff/v4"

	"github.com/packvault/packvault/internal/backend"
	"github.com/packvault/packvault/internal/backend/layout"
	"github.com/packvault/packvault/internal/backend/location"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
)

const (
	defaultListMaxItems = 10 * 1000

	// maxVersions bounds the hidden versions Remove deletes per call.
	maxVersions = 3
)

// Backend stores a repository below a prefix of a B2 bucket.
type Backend struct {
	layout.Layout
	bucket       *b2.Bucket
	connections  uint
	listMaxItems int
}

var _ backend.Backend = &Backend{}

var errTooShort = errors.New("file is too short")

func NewFactory() location.Factory {
	return location.NewHTTPBackendFactory("b2", ParseConfig, location.NoPassword, Create, Open)
}

func newClient(ctx context.Context, cfg Config, rt http.RoundTripper) (*b2.Client, error) {
	switch {
	case cfg.AccountID == "":
		return nil, errors.Fatal("unable to open B2 backend: Account ID ($B2_ACCOUNT_ID) is empty")
	case cfg.Key.Unwrap() == "":
		return nil, errors.Fatal("unable to open B2 backend: Key ($B2_ACCOUNT_KEY) is empty")
	}

	c, err := b2.NewClient(ctx, cfg.AccountID, cfg.Key.Unwrap(), b2.Transport(rt), b2.UserAgent("packvault"))
	if err != nil {
		return nil, errors.Wrap(err, "b2.NewClient")
	}
	return c, nil
}

func newBackend(cfg Config, bucket *b2.Bucket) *Backend {
	debug.Log("b2 bucket %v, prefix %q", cfg.Bucket, cfg.Prefix)
	return &Backend{
		Layout:       &layout.DefaultLayout{Path: cfg.Prefix, Join: path.Join},
		bucket:       bucket,
		connections:  cfg.Connections,
		listMaxItems: defaultListMaxItems,
	}
}

// Open opens an existing bucket. A missing bucket means there is no
// repository.
func Open(ctx context.Context, cfg Config, rt http.RoundTripper) (backend.Backend, error) {
	client, err := newClient(ctx, cfg, rt)
	if err != nil {
		return nil, err
	}

	bucket, err := client.Bucket(ctx, cfg.Bucket)
	if b2.IsNotExist(err) {
		return nil, backend.ErrNoRepository
	}
	if err != nil {
		return nil, errors.Wrap(err, "Bucket")
	}
	return newBackend(cfg, bucket), nil
}

// Create opens the bucket, creating a private one if needed, and refuses to
// continue when a repository config already exists.
func Create(ctx context.Context, cfg Config, rt http.RoundTripper) (backend.Backend, error) {
	client, err := newClient(ctx, cfg, rt)
	if err != nil {
		return nil, err
	}

	bucket, err := client.NewBucket(ctx, cfg.Bucket, &b2.BucketAttrs{Type: b2.Private})
	if err != nil {
		return nil, errors.Wrap(err, "NewBucket")
	}
	be := newBackend(cfg, bucket)

	_, err = be.Stat(ctx, backend.Handle{Type: backend.ConfigFile})
	switch {
	case err == nil:
		return nil, errors.New("config already exists")
	case !be.IsNotExist(err):
		return nil, err
	}
	return be, nil
}

// SetListMaxItems sets the page size used by List.
func (be *Backend) SetListMaxItems(i int) {
	be.listMaxItems = i
}

func (be *Backend) Connections() uint { return be.connections }

// Hasher returns nil, blazer computes the SHA1 checksums B2 requires.
func (be *Backend) Hasher() hash.Hash { return nil }

// IsNotExist unwraps err first, blazer errors do not support errors.Is.
func (be *Backend) IsNotExist(err error) bool {
	return b2.IsNotExist(errors.Cause(err))
}

func (be *Backend) IsPermanentError(err error) bool {
	return be.IsNotExist(err) || errors.IsConflict(err) || errors.Is(err, errTooShort)
}

func (be *Backend) Load(ctx context.Context, h backend.Handle, length int, offset int64, fn func(rd io.Reader) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	return backend.DefaultLoad(ctx, h, length, offset, be.openReader, fn)
}

func (be *Backend) openReader(ctx context.Context, h backend.Handle, length int, offset int64) (io.ReadCloser, error) {
	if err := h.Valid(); err != nil {
		return nil, backoff.Permanent(err)
	}
	if offset < 0 {
		return nil, backoff.Permanent(errors.New("offset is negative"))
	}

	obj := be.bucket.Object(be.Filename(h))
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return nil, err
	}
	if length > 0 && attrs.Size < offset+int64(length) {
		return nil, errTooShort
	}

	switch {
	case offset == 0 && length == 0:
		return obj.NewReader(ctx), nil
	case length == 0:
		// a negative length reads to the end
		return obj.NewRangeReader(ctx, offset, -1), nil
	}
	return obj.NewRangeReader(ctx, offset, int64(length)), nil
}

// Save uploads rd. B2 has no conditional upload, so an existing file is
// detected by a lookup first.
func (be *Backend) Save(ctx context.Context, h backend.Handle, rd backend.RewindReader) error {
	if err := h.Valid(); err != nil {
		return backoff.Permanent(err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	obj := be.bucket.Object(be.Filename(h))
	_, err := obj.Attrs(ctx)
	switch {
	case err == nil:
		return errors.WithKind(errors.Errorf("save %v: file already exists", h), errors.ErrConflict)
	case !be.IsNotExist(err):
		return errors.Wrap(err, "Attrs")
	}

	w := obj.NewWriter(ctx)
	n, err := io.Copy(w, rd)
	if err != nil {
		_ = w.Close()
		return errors.Wrap(err, "upload")
	}
	if n != rd.Length() {
		_ = w.Close()
		return errors.Errorf("uploaded %d bytes, expected %d", n, rd.Length())
	}
	return errors.Wrap(w.Close(), "upload")
}

func (be *Backend) Stat(ctx context.Context, h backend.Handle) (backend.FileInfo, error) {
	if err := h.Valid(); err != nil {
		return backend.FileInfo{}, backoff.Permanent(err)
	}
	attrs, err := be.bucket.Object(be.Filename(h)).Attrs(ctx)
	if err != nil {
		return backend.FileInfo{}, errors.Wrap(err, "Attrs")
	}
	return backend.FileInfo{Size: attrs.Size, Name: h.Name}, nil
}

// Remove deletes h including older versions of the file. It succeeds once
// B2 reports that no version is left.
func (be *Backend) Remove(ctx context.Context, h backend.Handle) error {
	obj := be.bucket.Object(be.Filename(h))
	for i := 0; i < maxVersions; i++ {
		err := obj.Delete(ctx)
		if b2.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "Delete")
		}
	}
	return errors.Errorf("remove %v: more than %d versions", h, maxVersions)
}

func (be *Backend) List(ctx context.Context, t backend.FileType, fn func(backend.FileInfo) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	prefix, _ := be.Basedir(t)
	iter := be.bucket.List(ctx, b2.ListPrefix(prefix), b2.ListPageSize(be.listMaxItems))
	for iter.Next() {
		obj := iter.Object()
		attrs, err := obj.Attrs(ctx)
		if err != nil {
			return err
		}
		if err := fn(backend.FileInfo{Name: path.Base(obj.Name()), Size: attrs.Size}); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Delete removes the repository files but keeps the bucket.
func (be *Backend) Delete(ctx context.Context) error {
	return backend.DefaultDelete(ctx, be)
}

func (be *Backend) Close() error { return nil }
