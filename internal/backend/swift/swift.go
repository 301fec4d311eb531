// Package swift implements a backend for OpenStack Swift containers.
package swift

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ncw/swift/v2"

	"github.com/packvault/packvault/internal/backend"
	"github.com/packvault/packvault/internal/backend/layout"
	"github.com/packvault/packvault/internal/backend/location"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
)

// Backend stores a repository below a prefix of a Swift container.
type Backend struct {
	layout.Layout
	conn        *swift.Connection
	container   string
	connections uint
}

var _ backend.Backend = &Backend{}

var errTooShort = errors.New("file is too short")

func NewFactory() location.Factory {
	return location.NewHTTPBackendFactory("swift", ParseConfig, location.NoPassword, Open, Open)
}

func connection(cfg Config, rt http.RoundTripper) *swift.Connection {
	return &swift.Connection{
		UserName:                    cfg.UserName,
		UserId:                      cfg.UserID,
		Domain:                      cfg.Domain,
		DomainId:                    cfg.DomainID,
		ApiKey:                      cfg.APIKey,
		AuthUrl:                     cfg.AuthURL,
		Region:                      cfg.Region,
		Tenant:                      cfg.Tenant,
		TenantId:                    cfg.TenantID,
		TenantDomain:                cfg.TenantDomain,
		TenantDomainId:              cfg.TenantDomainID,
		TrustId:                     cfg.TrustID,
		StorageUrl:                  cfg.StorageURL,
		AuthToken:                   cfg.AuthToken.Unwrap(),
		ApplicationCredentialId:     cfg.ApplicationCredentialID,
		ApplicationCredentialName:   cfg.ApplicationCredentialName,
		ApplicationCredentialSecret: cfg.ApplicationCredentialSecret.Unwrap(),
		ConnectTimeout:              time.Minute,
		Timeout:                     time.Minute,
		Transport:                   rt,
	}
}

// Open authenticates and opens the container, creating it with the
// configured storage policy if it does not exist.
func Open(ctx context.Context, cfg Config, rt http.RoundTripper) (backend.Backend, error) {
	be := &Backend{
		Layout:      &layout.DefaultLayout{Path: cfg.Prefix, Join: path.Join},
		conn:        connection(cfg, rt),
		container:   cfg.Container,
		connections: cfg.Connections,
	}
	debug.Log("swift container %v, prefix %q", cfg.Container, cfg.Prefix)

	if !be.conn.Authenticated() {
		if err := be.conn.Authenticate(ctx); err != nil {
			return nil, errors.Wrap(err, "Authenticate")
		}
	}

	_, _, err := be.conn.Container(ctx, be.container)
	if errors.Is(err, swift.ContainerNotFound) {
		var hdr swift.Headers
		if cfg.DefaultContainerPolicy != "" {
			hdr = swift.Headers{"X-Storage-Policy": cfg.DefaultContainerPolicy}
		}
		err = be.conn.ContainerCreate(ctx, be.container, hdr)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "container %v", be.container)
	}
	return be, nil
}

func statusCode(err error) int {
	var e *swift.Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

func (be *Backend) IsNotExist(err error) bool {
	return statusCode(err) == http.StatusNotFound
}

func (be *Backend) IsPermanentError(err error) bool {
	switch statusCode(err) {
	case http.StatusNotFound, http.StatusRequestedRangeNotSatisfiable,
		http.StatusUnauthorized, http.StatusForbidden, http.StatusPreconditionFailed:
		return true
	}
	return errors.IsConflict(err) || errors.Is(err, errTooShort)
}

func (be *Backend) Connections() uint { return be.connections }

// Hasher returns md5, Swift verifies uploads against the ETag.
func (be *Backend) Hasher() hash.Hash { return md5.New() }

func rangeHeader(length int, offset int64) string {
	switch {
	case length > 0:
		return fmt.Sprintf("bytes=%d-%d", offset, offset+int64(length)-1)
	case offset > 0:
		return fmt.Sprintf("bytes=%d-", offset)
	}
	return ""
}

func (be *Backend) Load(ctx context.Context, h backend.Handle, length int, offset int64, fn func(rd io.Reader) error) error {
	return backend.DefaultLoad(ctx, h, length, offset, be.openReader, fn)
}

func (be *Backend) openReader(ctx context.Context, h backend.Handle, length int, offset int64) (io.ReadCloser, error) {
	if err := h.Valid(); err != nil {
		return nil, backoff.Permanent(err)
	}
	if offset < 0 {
		return nil, backoff.Permanent(errors.New("offset is negative"))
	}

	hdr := swift.Headers{}
	if r := rangeHeader(length, offset); r != "" {
		hdr["Range"] = r
	}
	obj, resp, err := be.conn.ObjectOpen(ctx, be.container, be.Filename(h), false, hdr)
	if err != nil {
		return nil, errors.Wrap(err, "ObjectOpen")
	}

	if length > 0 {
		n, err := strconv.ParseInt(resp["Content-Length"], 10, 64)
		if err == nil && n < int64(length) {
			_ = obj.Close()
			return nil, errTooShort
		}
	}
	return obj, nil
}

// Save uploads rd unless an object with the same name exists.
func (be *Backend) Save(ctx context.Context, h backend.Handle, rd backend.RewindReader) error {
	if err := h.Valid(); err != nil {
		return backoff.Permanent(err)
	}
	name := be.Filename(h)

	hdr := swift.Headers{
		"Content-Length": strconv.FormatInt(rd.Length(), 10),
		"If-None-Match":  "*",
	}
	debug.Log("put %v (%d bytes)", name, rd.Length())
	_, err := be.conn.ObjectPut(ctx, be.container, name, rd, true, hex.EncodeToString(rd.Hash()), "binary/octet-stream", hdr)
	if statusCode(err) == http.StatusPreconditionFailed {
		return errors.WithKind(errors.Errorf("save %v: object already exists", h), errors.ErrConflict)
	}
	return errors.Wrap(err, "ObjectPut")
}

func (be *Backend) Stat(ctx context.Context, h backend.Handle) (backend.FileInfo, error) {
	if err := h.Valid(); err != nil {
		return backend.FileInfo{}, backoff.Permanent(err)
	}
	obj, _, err := be.conn.Object(ctx, be.container, be.Filename(h))
	if err != nil {
		return backend.FileInfo{}, errors.Wrap(err, "Object")
	}
	return backend.FileInfo{Size: obj.Bytes, Name: h.Name}, nil
}

// Remove deletes the object for h. A missing object is not an error.
func (be *Backend) Remove(ctx context.Context, h backend.Handle) error {
	err := be.conn.ObjectDelete(ctx, be.container, be.Filename(h))
	if be.IsNotExist(err) {
		return nil
	}
	return errors.Wrap(err, "ObjectDelete")
}

func (be *Backend) List(ctx context.Context, t backend.FileType, fn func(backend.FileInfo) error) error {
	dir, _ := be.Basedir(t)
	prefix := dir + "/"

	err := be.conn.ObjectsWalk(ctx, be.container, &swift.ObjectsOpts{Prefix: prefix},
		func(ctx context.Context, opts *swift.ObjectsOpts) (interface{}, error) {
			page, err := be.conn.Objects(ctx, be.container, opts)
			if err != nil {
				return nil, errors.Wrap(err, "Objects")
			}
			for _, obj := range page {
				name := path.Base(strings.TrimPrefix(obj.Name, prefix))
				if name == "" {
					continue
				}
				if err := fn(backend.FileInfo{Name: name, Size: obj.Bytes}); err != nil {
					return nil, err
				}
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			return page, nil
		})
	if err != nil {
		return err
	}
	return ctx.Err()
}

// Delete removes the repository objects but keeps the container.
func (be *Backend) Delete(ctx context.Context) error {
	return backend.DefaultDelete(ctx, be)
}

func (be *Backend) Close() error { return nil }
