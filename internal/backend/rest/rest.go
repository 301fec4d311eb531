// Package rest stores a repository on an HTTP server speaking the REST
// backend protocol.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/packvault/packvault/internal/backend"
	"github.com/packvault/packvault/internal/backend/layout"
	"github.com/packvault/packvault/internal/backend/location"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"

	"github.com/cenkalti/backoff/v4"
)

// Content types of the two protocol versions. Version 2 lists names and
// sizes in one response, version 1 only lists names.
const (
	ContentTypeV1 = "application/vnd.x.restic.rest.v1"
	ContentTypeV2 = "application/vnd.x.restic.rest.v2"
)

var _ backend.Backend = &Backend{}

// Backend is a repository on a REST server.
type Backend struct {
	layout.Layout
	base        *url.URL
	client      http.Client
	connections uint
}

// NewFactory registers the "rest:" location prefix.
func NewFactory() location.Factory {
	return location.NewHTTPBackendFactory("rest", ParseConfig, StripPassword, Create, Open)
}

// statusError is an unexpected HTTP status. It unwraps to the error kind
// matching the status: not found, conflict or transient.
type statusError struct {
	h      backend.Handle
	code   int
	status string
}

func (e *statusError) Error() string {
	if e.code == http.StatusNotFound && e.h.Type != 0 {
		return fmt.Sprintf("%v does not exist", e.h)
	}
	return fmt.Sprintf("unexpected HTTP response for %v (%v): %v", e.h, e.code, e.status)
}

func (e *statusError) Unwrap() error {
	switch {
	case e.code == http.StatusNotFound:
		return errors.ErrNotFound
	case e.code == http.StatusTooManyRequests || e.code >= 500:
		return errors.ErrBackendTransient
	}
	return nil
}

// Open connects to the repository at cfg.URL.
func Open(_ context.Context, cfg Config, rt http.RoundTripper) (*Backend, error) {
	return &Backend{
		Layout:      &layout.RESTLayout{URL: strings.TrimSuffix(cfg.URL.String(), "/"), Join: path.Join},
		base:        cfg.URL,
		client:      http.Client{Transport: rt},
		connections: cfg.Connections,
	}, nil
}

// Create asks the server to set up a new repository at cfg.URL. It refuses
// to do so if a config file exists already.
func Create(ctx context.Context, cfg Config, rt http.RoundTripper) (*Backend, error) {
	be, err := Open(ctx, cfg, rt)
	if err != nil {
		return nil, err
	}

	if _, err := be.Stat(ctx, backend.Handle{Type: backend.ConfigFile}); err == nil {
		return nil, errors.WithKind(errors.New("config file already exists"), errors.ErrConflict)
	}

	u := *cfg.URL
	q := u.Query()
	q.Set("create", "true")
	u.RawQuery = q.Encode()

	resp, err := be.do(ctx, http.MethodPost, u.String(), strings.NewReader(""), func(req *http.Request) {
		req.Header.Set("Content-Type", "binary/octet-stream")
	})
	if err != nil {
		return nil, err
	}
	if err := expect(resp, backend.Handle{}, http.StatusOK); err != nil {
		return nil, err
	}
	return be, closeBody(resp)
}

// do sends a request announcing protocol version 2.
func (b *Backend) do(ctx context.Context, method, target string, body io.Reader, prepare func(*http.Request)) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	req.Header.Set("Accept", ContentTypeV2)
	if prepare != nil {
		prepare(req)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%v %v", method, target)
	}
	return resp, nil
}

// expect returns a statusError and discards the response unless its status
// is one of codes.
func expect(resp *http.Response, h backend.Handle, codes ...int) error {
	for _, c := range codes {
		if resp.StatusCode == c {
			return nil
		}
	}
	_ = closeBody(resp)
	return &statusError{h: h, code: resp.StatusCode, status: resp.Status}
}

// closeBody reads the rest of the body so that the connection can be reused.
func closeBody(resp *http.Response) error {
	_, err := io.Copy(io.Discard, resp.Body)
	if cerr := resp.Body.Close(); err == nil {
		err = cerr
	}
	return err
}

func (b *Backend) Connections() uint {
	return b.connections
}

// Hasher returns nil, the server does not verify content hashes.
func (b *Backend) Hasher() hash.Hash {
	return nil
}

// Save uploads rd to h. The request carries "If-None-Match: *". Servers
// signal an existing file with 403, 409 or 412, which is reported as a
// conflict after a Stat confirms the file is there.
func (b *Backend) Save(ctx context.Context, h backend.Handle, rd backend.RewindReader) error {
	if err := h.Valid(); err != nil {
		return backoff.Permanent(err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// NopCloser keeps the client from closing rd
	resp, err := b.do(ctx, http.MethodPost, b.Filename(h), io.NopCloser(rd), func(req *http.Request) {
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("If-None-Match", "*")
		req.ContentLength = rd.Length()
	})
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return closeBody(resp)
	case http.StatusForbidden, http.StatusConflict, http.StatusPreconditionFailed:
		_ = closeBody(resp)
		if _, err := b.Stat(ctx, h); err == nil {
			return errors.WithKind(errors.Errorf("save %v: file already exists", h), errors.ErrConflict)
		}
	}
	return expect(resp, h, http.StatusOK)
}

// IsNotExist returns true if the error was caused by a non-existing file.
func (b *Backend) IsNotExist(err error) bool {
	var e *statusError
	return errors.As(err, &e) && e.code == http.StatusNotFound
}

// IsPermanentError reports missing files, conflicts, bad ranges and
// authorization failures, none of which a retry fixes.
func (b *Backend) IsPermanentError(err error) bool {
	if errors.IsConflict(err) {
		return true
	}
	var e *statusError
	if !errors.As(err, &e) {
		return false
	}
	switch e.code {
	case http.StatusNotFound, http.StatusRequestedRangeNotSatisfiable, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

// Load runs fn with a reader for length bytes of h starting at offset. A
// length of zero reads to the end of the file.
func (b *Backend) Load(ctx context.Context, h backend.Handle, length int, offset int64, fn func(rd io.Reader) error) error {
	return backend.DefaultLoad(ctx, h, length, offset, b.openReader, func(rd io.Reader) error {
		if err := fn(rd); err != nil {
			return err
		}
		// read up to EOF, closing an HTTP/2 stream early may reset it
		// before the server finished sending
		var buf [1]byte
		if _, err := rd.Read(buf[:]); err != nil && err != io.EOF {
			return err
		}
		return nil
	})
}

func (b *Backend) openReader(ctx context.Context, h backend.Handle, length int, offset int64) (io.ReadCloser, error) {
	if err := h.Valid(); err != nil {
		return nil, backoff.Permanent(err)
	}
	if offset < 0 {
		return nil, backoff.Permanent(errors.New("offset is negative"))
	}

	byteRange := fmt.Sprintf("bytes=%d-", offset)
	if length > 0 {
		byteRange += fmt.Sprint(offset + int64(length) - 1)
	}
	resp, err := b.do(ctx, http.MethodGet, b.Filename(h), nil, func(req *http.Request) {
		req.Header.Set("Range", byteRange)
	})
	if err != nil {
		return nil, err
	}
	if err := expect(resp, h, http.StatusOK, http.StatusPartialContent); err != nil {
		return nil, err
	}

	if length > 0 && resp.ContentLength != int64(length) {
		_ = closeBody(resp)
		return nil, &statusError{h: h, code: http.StatusRequestedRangeNotSatisfiable, status: "partial out of bounds read"}
	}
	return resp.Body, nil
}

// Stat issues a HEAD request for h.
func (b *Backend) Stat(ctx context.Context, h backend.Handle) (backend.FileInfo, error) {
	if err := h.Valid(); err != nil {
		return backend.FileInfo{}, backoff.Permanent(err)
	}

	resp, err := b.do(ctx, http.MethodHead, b.Filename(h), nil, nil)
	if err != nil {
		return backend.FileInfo{}, err
	}
	if err := expect(resp, h, http.StatusOK); err != nil {
		return backend.FileInfo{}, err
	}
	if err := closeBody(resp); err != nil {
		return backend.FileInfo{}, err
	}

	if resp.ContentLength < 0 {
		return backend.FileInfo{}, errors.Errorf("stat %v: server sent no content length", h)
	}
	return backend.FileInfo{Name: h.Name, Size: resp.ContentLength}, nil
}

// Remove deletes h.
func (b *Backend) Remove(ctx context.Context, h backend.Handle) error {
	resp, err := b.do(ctx, http.MethodDelete, b.Filename(h), nil, nil)
	if err != nil {
		return err
	}
	if err := expect(resp, h, http.StatusOK); err != nil {
		return err
	}
	return closeBody(resp)
}

// List runs fn for each file of type t. A missing directory is an empty
// list.
func (b *Backend) List(ctx context.Context, t backend.FileType, fn func(backend.FileInfo) error) error {
	dir := b.Dirname(backend.Handle{Type: t})
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}

	resp, err := b.do(ctx, http.MethodGet, dir, nil, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		return closeBody(resp)
	}
	if err := expect(resp, backend.Handle{Type: t}, http.StatusOK); err != nil {
		return err
	}

	var entries []backend.FileInfo
	if resp.Header.Get("Content-Type") == ContentTypeV2 {
		entries, err = decodeV2(resp.Body)
	} else {
		entries, err = b.decodeV1(ctx, t, resp.Body)
	}
	if cerr := closeBody(resp); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

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

func decodeV2(rd io.Reader) ([]backend.FileInfo, error) {
	debug.Log("decoding v2 listing")
	var list []struct {
		Name string `json:"name"`
		Size int64  `json:"size"`
	}
	if err := json.NewDecoder(rd).Decode(&list); err != nil {
		return nil, errors.Wrap(err, "decode listing")
	}

	entries := make([]backend.FileInfo, 0, len(list))
	for _, item := range list {
		entries = append(entries, backend.FileInfo{Name: item.Name, Size: item.Size})
	}
	return entries, nil
}

// decodeV1 reads a list of names. The sizes need one HEAD request per file.
func (b *Backend) decodeV1(ctx context.Context, t backend.FileType, rd io.Reader) ([]backend.FileInfo, error) {
	debug.Log("decoding v1 listing")
	var names []string
	if err := json.NewDecoder(rd).Decode(&names); err != nil {
		return nil, errors.Wrap(err, "decode listing")
	}

	entries := make([]backend.FileInfo, 0, len(names))
	for _, name := range names {
		fi, err := b.Stat(ctx, backend.Handle{Type: t, Name: name})
		if err != nil {
			return nil, err
		}
		entries = append(entries, fi)
	}
	return entries, nil
}

// Close is a no-op, requests do not keep state.
func (b *Backend) Close() error {
	return nil
}

// Delete removes all files of the repository.
func (b *Backend) Delete(ctx context.Context) error {
	return backend.DefaultDelete(ctx, b)
}
