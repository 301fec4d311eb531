// Package s3 implements a backend for S3 compatible object stores.
package s3

import (
	"context"
	"hash"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/packvault/packvault/internal/backend"
	"github.com/packvault/packvault/internal/backend/layout"
	"github.com/packvault/packvault/internal/backend/location"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
)

// partSize keeps all but very large pack files in a single request.
const partSize = 200 << 20

// Backend stores a repository below a prefix of an S3 bucket.
type Backend struct {
	layout.Layout
	client *minio.Client
	bucket string
	cfg    Config
}

var _ backend.Backend = &Backend{}

var errTooShort = errors.New("file is too short")

func NewFactory() location.Factory {
	return location.NewHTTPBackendFactory("s3", ParseConfig, location.NoPassword, Create, Open)
}

func bucketLookup(style string) (minio.BucketLookupType, error) {
	switch strings.ToLower(style) {
	case "", "auto":
		return minio.BucketLookupAuto, nil
	case "dns":
		return minio.BucketLookupDNS, nil
	case "path":
		return minio.BucketLookupPath, nil
	}
	return 0, errors.Errorf(`bad bucket-lookup style %q must be "auto", "path" or "dns"`, style)
}

func checkKeys(cfg Config) error {
	switch {
	case cfg.KeyID == "" && cfg.Secret.Unwrap() != "":
		return errors.Fatal("unable to open S3 backend: Key ID ($AWS_ACCESS_KEY_ID) is empty")
	case cfg.KeyID != "" && cfg.Secret.Unwrap() == "":
		return errors.Fatal("unable to open S3 backend: Secret ($AWS_SECRET_ACCESS_KEY) is empty")
	}
	return nil
}

// chainCredentials tries the configured keys first, then the AWS and MinIO
// environment variables and credential files, and finally the instance
// metadata service.
func chainCredentials(cfg Config) (*credentials.Credentials, error) {
	creds := credentials.NewChainCredentials([]credentials.Provider{
		&credentials.Static{Value: credentials.Value{
			AccessKeyID:     cfg.KeyID,
			SecretAccessKey: cfg.Secret.Unwrap(),
			SessionToken:    cfg.SessionToken.Unwrap(),
		}},
		&credentials.EnvAWS{},
		&credentials.EnvMinio{},
		&credentials.FileAWSCredentials{},
		&credentials.FileMinioClient{},
		&credentials.IAM{Client: &http.Client{Transport: http.DefaultTransport}},
	})

	v, err := creds.Get()
	if err != nil {
		return nil, errors.Wrap(err, "get credentials")
	}
	if v.SignerType == credentials.SignatureAnonymous {
		debug.Log("anonymous access to %v", cfg.Endpoint)
	}
	return creds, nil
}

func newBackend(cfg Config, rt http.RoundTripper) (*Backend, error) {
	if err := checkKeys(cfg); err != nil {
		return nil, err
	}
	lookup, err := bucketLookup(cfg.BucketLookup)
	if err != nil {
		return nil, err
	}
	creds, err := chainCredentials(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.MaxRetries > 0 {
		minio.MaxRetry = int(cfg.MaxRetries)
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        creds,
		Secure:       !cfg.UseHTTP,
		Region:       cfg.Region,
		Transport:    rt,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, errors.Wrap(err, "minio.New")
	}

	debug.Log("s3 bucket %v at %v, prefix %q", cfg.Bucket, cfg.Endpoint, cfg.Prefix)
	return &Backend{
		Layout: &layout.DefaultLayout{Path: cfg.Prefix, Join: path.Join},
		client: client,
		bucket: cfg.Bucket,
		cfg:    cfg,
	}, nil
}

func Open(_ context.Context, cfg Config, rt http.RoundTripper) (backend.Backend, error) {
	return newBackend(cfg, rt)
}

// Create opens the bucket and creates it if it does not exist. Credentials
// that may not query the bucket are assumed to write into an existing one.
func Create(ctx context.Context, cfg Config, rt http.RoundTripper) (backend.Backend, error) {
	be, err := newBackend(cfg, rt)
	if err != nil {
		return nil, err
	}

	found, err := be.client.BucketExists(ctx, be.bucket)
	if errorCode(err) == "AccessDenied" {
		return be, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "BucketExists")
	}
	if !found {
		if err := be.client.MakeBucket(ctx, be.bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, errors.Wrap(err, "MakeBucket")
		}
	}
	return be, nil
}

func errorCode(err error) string {
	var e minio.ErrorResponse
	if err == nil || !errors.As(err, &e) {
		return ""
	}
	if e.Code == "" && e.StatusCode == http.StatusPreconditionFailed {
		return "PreconditionFailed"
	}
	return e.Code
}

func (be *Backend) IsNotExist(err error) bool {
	return errorCode(err) == "NoSuchKey"
}

func (be *Backend) IsPermanentError(err error) bool {
	switch errorCode(err) {
	case "NoSuchKey", "InvalidRange", "AccessDenied", "PreconditionFailed":
		return true
	}
	return errors.Is(err, errTooShort) || errors.IsConflict(err)
}

func (be *Backend) Connections() uint { return be.cfg.Connections }

// Hasher returns nil, minio computes the Content-MD5 itself.
func (be *Backend) Hasher() hash.Hash { return nil }

// Save uploads rd unless an object with the same name exists.
func (be *Backend) Save(ctx context.Context, h backend.Handle, rd backend.RewindReader) error {
	if err := h.Valid(); err != nil {
		return backoff.Permanent(err)
	}
	name := be.Filename(h)

	opts := minio.PutObjectOptions{
		StorageClass:   be.cfg.StorageClass,
		ContentType:    "application/octet-stream",
		SendContentMd5: true,
		PartSize:       partSize,
	}
	opts.SetMatchETagExcept("*")

	debug.Log("put %v (%d bytes)", name, rd.Length())
	info, err := be.client.PutObject(ctx, be.bucket, name, io.NopCloser(rd), rd.Length(), opts)
	switch {
	case errorCode(err) == "PreconditionFailed":
		return errors.WithKind(errors.Errorf("save %v: object already exists", h), errors.ErrConflict)
	case err != nil:
		return errors.Wrap(err, "PutObject")
	case info.Size != rd.Length():
		return errors.Errorf("uploaded %d bytes, expected %d", info.Size, rd.Length())
	}
	return nil
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
	if offset < 0 || length < 0 {
		return nil, errors.Errorf("invalid range %d+%d", offset, length)
	}

	var opts minio.GetObjectOptions
	var err error
	switch {
	case length > 0:
		err = opts.SetRange(offset, offset+int64(length)-1)
	case offset > 0:
		err = opts.SetRange(offset, 0)
	}
	if err != nil {
		return nil, errors.Wrap(err, "SetRange")
	}

	core := minio.Core{Client: be.client}
	rd, info, _, err := core.GetObject(ctx, be.bucket, be.Filename(h), opts)
	if err != nil {
		return nil, err
	}
	if length > 0 && info.Size < int64(length) {
		_ = rd.Close()
		return nil, errTooShort
	}
	return rd, nil
}

func (be *Backend) Stat(ctx context.Context, h backend.Handle) (backend.FileInfo, error) {
	if err := h.Valid(); err != nil {
		return backend.FileInfo{}, backoff.Permanent(err)
	}
	info, err := be.client.StatObject(ctx, be.bucket, be.Filename(h), minio.StatObjectOptions{})
	if err != nil {
		return backend.FileInfo{}, errors.Wrap(err, "StatObject")
	}
	return backend.FileInfo{Size: info.Size, Name: h.Name}, nil
}

// Remove deletes the object for h. A missing object is not an error.
func (be *Backend) Remove(ctx context.Context, h backend.Handle) error {
	err := be.client.RemoveObject(ctx, be.bucket, be.Filename(h), minio.RemoveObjectOptions{})
	if be.IsNotExist(err) {
		return nil
	}
	return errors.Wrap(err, "RemoveObject")
}

func (be *Backend) List(ctx context.Context, t backend.FileType, fn func(backend.FileInfo) error) error {
	dir, recursive := be.Basedir(t)
	prefix := strings.TrimSuffix(dir, "/") + "/"

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	objects := be.client.ListObjects(ctx, be.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: recursive,
		UseV1:     be.cfg.ListObjectsV1,
	})
	for obj := range objects {
		if obj.Err != nil {
			return obj.Err
		}
		rel := strings.TrimPrefix(obj.Key, prefix)
		if rel == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(backend.FileInfo{Name: path.Base(rel), Size: obj.Size}); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// Delete removes the repository files but keeps the bucket.
func (be *Backend) Delete(ctx context.Context) error {
	return backend.DefaultDelete(ctx, be)
}

func (be *Backend) Close() error { return nil }
