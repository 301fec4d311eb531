package restic

import (
	"context"

	"github.com/packvault/packvault/internal/crypto"
)

// ErrInvalidData is used to report that a file is corrupted
var ErrInvalidData = crypto.ErrUnauthenticated

// Lister allows listing files in a backend.
type Lister interface {
	List(ctx context.Context, t FileType, fn func(ID, int64) error) error
}

// LoaderUnpacked allows loading a blob not stored in a pack file
type LoaderUnpacked interface {
	// Connections returns the maximum number of concurrent backend operations
	Connections() uint
	LoadUnpacked(ctx context.Context, t FileType, id ID) (data []byte, err error)
}

// SaverUnpacked allows saving a blob not stored in a pack file
type SaverUnpacked interface {
	// Connections returns the maximum number of concurrent backend operations
	Connections() uint
	SaveUnpacked(ctx context.Context, t FileType, buf []byte) (ID, error)
}

// RemoverUnpacked allows removing an unpacked blob
type RemoverUnpacked interface {
	// Connections returns the maximum number of concurrent backend operations
	Connections() uint
	RemoveUnpacked(ctx context.Context, t FileType, id ID) error
}

// ListerLoaderUnpacked combines Lister and LoaderUnpacked.
type ListerLoaderUnpacked interface {
	Lister
	LoaderUnpacked
}

// Unpacked gives full access to the files stored outside of packs.
type Unpacked interface {
	ListerLoaderUnpacked
	SaverUnpacked
	RemoverUnpacked
}

// BlobLoader loads a blob by its type and ID.
type BlobLoader interface {
	LoadBlob(context.Context, BlobType, ID, []byte) ([]byte, error)
}

// BlobSaver stores a blob. When storeDuplicate is false, a blob already
// present in the index is not saved again.
type BlobSaver interface {
	SaveBlob(ctx context.Context, t BlobType, buf []byte, id ID, storeDuplicate bool) (newID ID, known bool, sizeInRepo int, err error)
}

// Loader loads blobs from the repository and knows their sizes.
type Loader interface {
	BlobLoader
	LookupBlobSize(t BlobType, id ID) (size uint, exists bool)
	Connections() uint
}

// Repository is the set of operations shared by all repository
// implementations.
type Repository interface {
	Unpacked
	BlobLoader
	BlobSaver

	Config() Config
	Key() *crypto.Key
	PackSize() uint

	LookupBlob(t BlobType, id ID) []PackedBlob
	LookupBlobSize(t BlobType, id ID) (size uint, exists bool)

	// Flush writes all pending packs and the index to the backend.
	Flush(context.Context) error
	// WithBlobUploader starts the pack uploaders, runs fn and flushes all
	// pending packs afterwards.
	WithBlobUploader(ctx context.Context, fn func(ctx context.Context) error) error
}

// PackBlobs contains the blobs stored in a pack file.
type PackBlobs struct {
	PackID ID
	Blobs  []Blob
}
