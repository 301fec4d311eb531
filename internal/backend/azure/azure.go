// Package azure stores a repository in an Azure blob storage container.
package azure

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"hash"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/packvault/packvault/internal/backend"
	"github.com/packvault/packvault/internal/backend/layout"
	"github.com/packvault/packvault/internal/backend/location"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/cenkalti/backoff/v4"
)

// blockSize is the largest block staged in one request. Pack files are far
// smaller, so they are uploaded as a single block.
const blockSize = 100 << 20

const defaultListMaxItems = 5000

var _ backend.Backend = &Backend{}

// Backend is a repository in an Azure container.
type Backend struct {
	layout.Layout
	container    *container.Client
	account      string
	connections  uint
	listMaxItems int32
}

// NewFactory registers the "azure:" location prefix.
func NewFactory() location.Factory {
	return location.NewHTTPBackendFactory("azure", ParseConfig, location.NoPassword, Create, Open)
}

// newClient picks the credential from cfg: an account key, a SAS token, or
// the default Azure credential chain when neither is set.
func newClient(cfg Config, rt http.RoundTripper) (*container.Client, error) {
	suffix := cfg.EndpointSuffix
	if suffix == "" {
		suffix = "core.windows.net"
	}
	url := fmt.Sprintf("https://%s.blob.%s/%s", cfg.AccountName, suffix, cfg.Container)
	opts := &container.ClientOptions{
		ClientOptions: azcore.ClientOptions{Transport: &http.Client{Transport: rt}},
	}

	if key := cfg.AccountKey.Unwrap(); key != "" {
		debug.Log("azure: using account key for %v", cfg.AccountName)
		cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, key)
		if err != nil {
			return nil, errors.Wrap(err, "shared key credential")
		}
		return container.NewClientWithSharedKeyCredential(url, cred, opts)
	}

	if sas := cfg.AccountSAS.Unwrap(); sas != "" {
		debug.Log("azure: using SAS token for %v", cfg.AccountName)
		return container.NewClientWithNoCredential(url+"?"+strings.TrimPrefix(sas, "?"), opts)
	}

	debug.Log("azure: using default credential chain for %v", cfg.AccountName)
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, errors.Wrap(err, "default credential")
	}
	return container.NewClient(url, cred, opts)
}

// Open connects to the container named in cfg.
func Open(_ context.Context, cfg Config, rt http.RoundTripper) (*Backend, error) {
	client, err := newClient(cfg, rt)
	if err != nil {
		return nil, errors.Wrap(err, "azure client")
	}
	return &Backend{
		Layout:       &layout.DefaultLayout{Path: cfg.Prefix, Join: path.Join},
		container:    client,
		account:      cfg.AccountName,
		connections:  cfg.Connections,
		listMaxItems: defaultListMaxItems,
	}, nil
}

// Create connects to the container and creates it if it does not exist.
func Create(ctx context.Context, cfg Config, rt http.RoundTripper) (*Backend, error) {
	be, err := Open(ctx, cfg, rt)
	if err != nil {
		return nil, err
	}

	_, err = be.container.GetProperties(ctx, nil)
	switch {
	case bloberror.HasCode(err, bloberror.ContainerNotFound):
		if _, err := be.container.Create(ctx, nil); err != nil {
			return nil, errors.Wrap(err, "create container")
		}
	case err != nil:
		return nil, errors.Wrap(err, "container properties")
	}
	return be, nil
}

// SetListMaxItems sets the page size for List.
func (be *Backend) SetListMaxItems(i int) {
	be.listMaxItems = int32(i)
}

func statusCode(err error) int {
	var rerr *azcore.ResponseError
	if errors.As(err, &rerr) {
		return rerr.StatusCode
	}
	return 0
}

// classify attaches the matching error kind to an SDK error.
func classify(err error) error {
	switch code := statusCode(err); {
	case err == nil:
		return nil
	case bloberror.HasCode(err, bloberror.BlobNotFound):
		return errors.WithKind(err, errors.ErrNotFound)
	case code == http.StatusTooManyRequests || code >= 500:
		return errors.WithKind(err, errors.ErrBackendTransient)
	}
	return err
}

// IsNotExist returns true if the error is caused by a missing blob.
func (be *Backend) IsNotExist(err error) bool {
	return bloberror.HasCode(err, bloberror.BlobNotFound)
}

// IsPermanentError reports errors a retry cannot fix.
func (be *Backend) IsPermanentError(err error) bool {
	if be.IsNotExist(err) || errors.IsConflict(err) {
		return true
	}
	switch statusCode(err) {
	case http.StatusRequestedRangeNotSatisfiable, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

func (be *Backend) Connections() uint {
	return be.connections
}

// Hasher returns MD5, the checksum the service verifies per block.
func (be *Backend) Hasher() hash.Hash {
	return md5.New()
}

// Save stages rd in blocks and commits the block list only if the blob does
// not exist yet. An existing blob is reported as a conflict.
func (be *Backend) Save(ctx context.Context, h backend.Handle, rd backend.RewindReader) error {
	if err := h.Valid(); err != nil {
		return backoff.Permanent(err)
	}

	name := be.Filename(h)
	client := be.container.NewBlockBlobClient(name)

	blocks, err := stageBlocks(ctx, client, rd)
	if err != nil {
		return classify(err)
	}

	_, err = client.CommitBlockList(ctx, blocks, &blockblob.CommitBlockListOptions{
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)},
		},
	})
	if bloberror.HasCode(err, bloberror.ConditionNotMet, bloberror.BlobAlreadyExists) {
		return errors.WithKind(errors.Errorf("save %v: blob already exists", h), errors.ErrConflict)
	}
	if err != nil {
		return classify(errors.Wrapf(err, "commit %v", name))
	}
	debug.Log("azure: committed %v with %d blocks", name, len(blocks))
	return nil
}

// stageBlocks uploads rd in blocks of at most blockSize bytes, each named
// and verified by its MD5 sum.
func stageBlocks(ctx context.Context, client *blockblob.Client, rd backend.RewindReader) ([]string, error) {
	total := rd.Length()
	buf := make([]byte, min(total, blockSize))

	var ids []string
	for done := int64(0); done < total; {
		n, err := io.ReadFull(rd, buf[:min(int64(len(buf)), total-done)])
		if err != nil {
			return nil, errors.Wrap(err, "read upload")
		}

		sum := md5.Sum(buf[:n])
		id := base64.StdEncoding.EncodeToString(sum[:])
		_, err = client.StageBlock(ctx, id, streaming.NopCloser(bytes.NewReader(buf[:n])), &blockblob.StageBlockOptions{
			TransactionalValidation: blob.TransferValidationTypeMD5(sum[:]),
		})
		if err != nil {
			return nil, errors.Wrap(err, "stage block")
		}

		ids = append(ids, id)
		done += int64(n)
	}
	return ids, nil
}

// Load runs fn with a reader for length bytes of h starting at offset.
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

	resp, err := be.container.NewBlobClient(be.Filename(h)).DownloadStream(ctx, &blob.DownloadStreamOptions{
		Range: azblob.HTTPRange{Offset: offset, Count: int64(length)},
	})
	if err != nil {
		return nil, classify(err)
	}

	if length > 0 && (resp.ContentLength == nil || *resp.ContentLength != int64(length)) {
		_ = resp.Body.Close()
		return nil, &azcore.ResponseError{ErrorCode: "file-too-short", StatusCode: http.StatusRequestedRangeNotSatisfiable}
	}
	return resp.Body, nil
}

// Stat returns the size of h.
func (be *Backend) Stat(ctx context.Context, h backend.Handle) (backend.FileInfo, error) {
	if err := h.Valid(); err != nil {
		return backend.FileInfo{}, backoff.Permanent(err)
	}

	props, err := be.container.NewBlobClient(be.Filename(h)).GetProperties(ctx, nil)
	if err != nil {
		return backend.FileInfo{}, classify(errors.Wrapf(err, "stat %v", h))
	}
	return backend.FileInfo{Name: h.Name, Size: *props.ContentLength}, nil
}

// Remove deletes h. A missing blob is not an error.
func (be *Backend) Remove(ctx context.Context, h backend.Handle) error {
	_, err := be.container.NewBlobClient(be.Filename(h)).Delete(ctx, nil)
	if err == nil || be.IsNotExist(err) {
		return nil
	}
	return classify(errors.Wrapf(err, "remove %v", h))
}

// List runs fn for each blob of type t, one result page at a time.
func (be *Backend) List(ctx context.Context, t backend.FileType, fn func(backend.FileInfo) error) error {
	prefix, _ := be.Basedir(t)
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	pager := be.container.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
		MaxResults: to.Ptr(be.listMaxItems),
		Prefix:     &prefix,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return classify(err)
		}
		debug.Log("azure: listed %d blobs below %v", len(page.Segment.BlobItems), prefix)

		for _, item := range page.Segment.BlobItems {
			name := strings.TrimPrefix(*item.Name, prefix)
			if name == "" {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(backend.FileInfo{Name: path.Base(name), Size: *item.Properties.ContentLength}); err != nil {
				return err
			}
		}
	}
	return ctx.Err()
}

// Delete removes all repository files, the container itself is kept.
func (be *Backend) Delete(ctx context.Context) error {
	return backend.DefaultDelete(ctx, be)
}

// Close is a no-op.
func (be *Backend) Close() error { return nil }
