// Package repository implements the encrypted, deduplicating object store on
// top of a backend: keys, unpacked files, packed blobs and the index.
package repository

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/packvault/packvault/internal/backend"
	"github.com/packvault/packvault/internal/backend/dryrun"
	"github.com/packvault/packvault/internal/bloblru"
	"github.com/packvault/packvault/internal/crypto"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/repository/index"
	"github.com/packvault/packvault/internal/repository/pack"
	"github.com/packvault/packvault/internal/restic"
	"github.com/packvault/packvault/internal/ui/progress"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultTreeCacheSize bounds the memory used for decrypted tree blobs.
	DefaultTreeCacheSize = 64 * 1024 * 1024

	// version byte prefixed to compressed unpacked files
	compressedUnpackedVersion = 2
)

// Repository is used to access a repository in a backend.
type Repository struct {
	be    backend.Backend
	cfg   restic.Config
	key   *crypto.Key
	keyID restic.ID
	idx   *index.MasterIndex
	opts  Options

	noAutoIndexUpdate bool
	packerCount       int

	packerWg *errgroup.Group
	uploader *packerUploader
	treePM   *packerManager
	dataPM   *packerManager

	treeCache *bloblru.Cache

	allocEnc sync.Once
	allocDec sync.Once
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

// Options configures a Repository.
type Options struct {
	// TreeCacheSize is the number of bytes of decrypted trees kept in memory,
	// zero selects DefaultTreeCacheSize and a negative value disables the cache.
	TreeCacheSize int
	// DryRun discards all modifications of the backend.
	DryRun bool
	// NoAutoIndexUpdate disables writing full indexes while packs are uploaded.
	NoAutoIndexUpdate bool
}

// New returns a new repository with backend be.
func New(be backend.Backend, opts Options) *Repository {
	if opts.DryRun {
		be = dryrun.New(be)
	}

	repo := &Repository{
		be:                be,
		idx:               index.NewMasterIndex(),
		opts:              opts,
		noAutoIndexUpdate: opts.NoAutoIndexUpdate,
		packerCount:       defaultPackerCount,
	}

	size := opts.TreeCacheSize
	if size == 0 {
		size = DefaultTreeCacheSize
	}
	if size > 0 {
		repo.treeCache = bloblru.New(size)
	}

	return repo
}

// Config returns the repository configuration.
func (r *Repository) Config() restic.Config {
	return r.cfg
}

// PackSize return the target size of a pack file when uploading
func (r *Repository) PackSize() uint {
	return r.cfg.PackSize
}

// Backend returns the backend for the repository.
func (r *Repository) Backend() backend.Backend {
	return r.be
}

// Connections returns the maximum number of concurrent backend operations.
func (r *Repository) Connections() uint {
	return r.be.Connections()
}

// Index returns the in-memory index of the repository.
func (r *Repository) Index() *index.MasterIndex {
	return r.idx
}

// Key returns the current master key.
func (r *Repository) Key() *crypto.Key {
	return r.key
}

// KeyID returns the ID of the key record used to unlock the repository.
func (r *Repository) KeyID() restic.ID {
	return r.keyID
}

func handleFor(t restic.FileType, id restic.ID) backend.Handle {
	if t == restic.ConfigFile {
		return backend.Handle{Type: restic.ConfigFile}
	}
	return backend.Handle{Type: t, Name: id.String()}
}

// LoadUnpacked loads and decrypts the file with the given type and ID. The
// config file is stored in plaintext, its ID is ignored.
func (r *Repository) LoadUnpacked(ctx context.Context, t restic.FileType, id restic.ID) ([]byte, error) {
	debug.Log("load %v with id %v", t, id)

	h := handleFor(t, id)
	buf, err := backend.LoadAll(ctx, nil, r.be, h)
	if err != nil {
		if r.be.IsNotExist(err) {
			err = errors.WithKind(err, errors.ErrNotFound)
		}
		return nil, errors.Wrapf(err, "load %v", h)
	}

	if t == restic.ConfigFile {
		return buf, nil
	}

	if !restic.Hash(buf).Equal(id) {
		return nil, errors.Corruptf("load %v: invalid data returned", h)
	}

	if len(buf) < crypto.Extension {
		return nil, errors.Corruptf("load %v: file too short", h)
	}

	nonce, ciphertext := buf[:r.key.NonceSize()], buf[r.key.NonceSize():]
	plaintext, err := r.key.Open(ciphertext[:0], nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "decrypt %v", h)
	}

	plaintext, err = r.decompressUnpacked(plaintext)
	if err != nil {
		return nil, errors.Wrapf(err, "decompress %v", h)
	}
	return plaintext, nil
}

// SaveUnpacked encrypts data and stores it in the backend. Returned is the
// storage hash. The config file is stored in plaintext under its fixed name.
func (r *Repository) SaveUnpacked(ctx context.Context, t restic.FileType, buf []byte) (id restic.ID, err error) {
	if t == restic.PackFile {
		return restic.ID{}, errors.New("packs cannot be saved unpacked")
	}

	var data []byte
	if t == restic.ConfigFile {
		data = buf
	} else {
		p := r.compressUnpacked(buf)
		nonce := crypto.NewRandomNonce()
		data = make([]byte, 0, crypto.CiphertextLength(len(p)))
		data = append(data, nonce...)
		data = r.key.Seal(data, nonce, p, nil)
		id = restic.Hash(data)
	}

	h := handleFor(t, id)
	err = r.be.Save(ctx, h, backend.NewByteReader(data, r.be.Hasher()))
	if err != nil {
		debug.Log("error saving %v: %v", h, err)
		return restic.ID{}, errors.Wrapf(err, "save %v", h)
	}

	debug.Log("saved %v as %v", t, h)
	return id, nil
}

// RemoveUnpacked removes the file with the given type and ID. Packs are
// only removed by prune and repair.
func (r *Repository) RemoveUnpacked(ctx context.Context, t restic.FileType, id restic.ID) error {
	if t == restic.PackFile {
		return errors.New("packs cannot be removed unpacked")
	}
	return r.be.Remove(ctx, handleFor(t, id))
}

// removePacks deletes the given pack files.
func (r *Repository) removePacks(ctx context.Context, packs restic.IDSet, report func(id restic.ID, err error) error, bar *progress.Counter) error {
	return restic.ParallelRemove(ctx, packRemover{r}, packs, restic.PackFile, report, bar)
}

type packRemover struct {
	r *Repository
}

func (p packRemover) Connections() uint {
	return p.r.Connections()
}

func (p packRemover) RemoveUnpacked(ctx context.Context, t restic.FileType, id restic.ID) error {
	return p.r.be.Remove(ctx, backend.Handle{Type: t, Name: id.String()})
}

func (r *Repository) getZstdEncoder() *zstd.Encoder {
	r.allocEnc.Do(func() {
		level := zstd.SpeedDefault
		if r.cfg.Compression == restic.CompressionMax {
			level = zstd.SpeedBestCompression
		}
		if r.cfg.CompressionLevel > 0 {
			level = zstd.EncoderLevelFromZstd(r.cfg.CompressionLevel)
		}

		opts := []zstd.EOption{
			zstd.WithEncoderLevel(level),
			zstd.WithEncoderConcurrency(1),
			// disable crc, the data is already authenticated
			zstd.WithEncoderCRC(false),
			zstd.WithLowerEncoderMem(true),
		}

		enc, err := zstd.NewWriter(nil, opts...)
		if err != nil {
			panic(err)
		}
		r.enc = enc
	})
	return r.enc
}

func (r *Repository) getZstdDecoder() *zstd.Decoder {
	r.allocDec.Do(func() {
		opts := []zstd.DOption{
			// Use all available cores.
			zstd.WithDecoderConcurrency(0),
			// Limit the maximum decompressed memory. Set to a very high,
			// conservative value.
			zstd.WithDecoderMaxMemory(16 * 1024 * 1024 * 1024),
		}

		dec, err := zstd.NewReader(nil, opts...)
		if err != nil {
			panic(err)
		}
		r.dec = dec
	})
	return r.dec
}

func (r *Repository) compressionEnabled() bool {
	return r.cfg.Compression != restic.CompressionOff
}

func (r *Repository) compressUnpacked(p []byte) []byte {
	if !r.compressionEnabled() {
		return p
	}
	out := []byte{compressedUnpackedVersion}
	return r.getZstdEncoder().EncodeAll(p, out)
}

func (r *Repository) decompressUnpacked(p []byte) ([]byte, error) {
	if len(p) == 0 {
		// too short for version header
		return p, nil
	}
	if p[0] == '[' || p[0] == '{' {
		// probably raw JSON
		return p, nil
	}
	// version
	if p[0] != compressedUnpackedVersion {
		return nil, errors.Corruptf("not supported encoding format")
	}

	buf, err := r.getZstdDecoder().DecodeAll(p[1:], nil)
	if err != nil {
		return nil, errors.WithKind(err, errors.ErrCorrupt)
	}
	return buf, nil
}

// LoadBlob loads a blob of type t from the repository.
// It may use all of buf[:cap(buf)] as scratch space.
func (r *Repository) LoadBlob(ctx context.Context, t restic.BlobType, id restic.ID, buf []byte) ([]byte, error) {
	if t == restic.TreeBlob && r.treeCache != nil {
		return r.treeCache.GetOrCompute(id, func() ([]byte, error) {
			return r.loadBlob(ctx, t, id, nil)
		})
	}
	return r.loadBlob(ctx, t, id, buf)
}

func (r *Repository) loadBlob(ctx context.Context, t restic.BlobType, id restic.ID, buf []byte) ([]byte, error) {
	debug.Log("load %v with id %v (buf len %v, cap %d)", t, id, len(buf), cap(buf))

	// lookup packs
	blobs := r.idx.Lookup(restic.BlobHandle{ID: id, Type: t})
	if len(blobs) == 0 {
		debug.Log("id %v not found in index", id)
		return nil, errors.NotFoundf("%v blob %v not found in index", t, id.Str())
	}

	// try each pack holding the blob until one works
	var lastError error
	for _, blob := range blobs {
		debug.Log("blob %v found: %v", id, blob)
		plaintext, err := r.loadBlobFrom(ctx, blob, buf)
		if err != nil {
			debug.Log("error loading blob %v from pack %v: %v", id, blob.PackID.Str(), err)
			lastError = err
			continue
		}
		return plaintext, nil
	}

	return nil, lastError
}

func (r *Repository) loadBlobFrom(ctx context.Context, blob restic.PackedBlob, buf []byte) ([]byte, error) {
	if blob.Type != restic.DataBlob && blob.Type != restic.TreeBlob {
		return nil, errors.Errorf("invalid blob type %v", blob.Type)
	}

	if cap(buf) < int(blob.Length) {
		buf = make([]byte, blob.Length)
	}
	buf = buf[:blob.Length]

	h := backend.Handle{Type: restic.PackFile, Name: blob.PackID.String(), IsMetadata: blob.Type == restic.TreeBlob}
	n, err := backend.ReadAt(ctx, r.be, h, int64(blob.Offset), buf)
	if err != nil {
		if r.be.IsNotExist(err) {
			err = errors.WithKind(err, errors.ErrNotFound)
		}
		return nil, err
	}
	if uint(n) != blob.Length {
		return nil, errors.Corruptf("pack %v: short read of blob %v: %d of %d bytes",
			blob.PackID.Str(), blob.ID.Str(), n, blob.Length)
	}

	return r.decryptBlob(blob.Blob, buf, blob.PackID)
}

// decryptBlob decrypts, decompresses and verifies the ciphertext of a blob.
// It may reuse the memory of ciphertext.
func (r *Repository) decryptBlob(blob restic.Blob, ciphertext []byte, packID restic.ID) ([]byte, error) {
	if len(ciphertext) < crypto.Extension {
		return nil, errors.Corruptf("pack %v: blob %v too short", packID.Str(), blob.ID.Str())
	}

	nonce, ct := ciphertext[:r.key.NonceSize()], ciphertext[r.key.NonceSize():]
	plaintext, err := r.key.Open(ct[:0], nonce, ct, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "pack %v: decrypt blob %v", packID.Str(), blob.ID.Str())
	}

	if blob.IsCompressed() {
		plaintext, err = r.getZstdDecoder().DecodeAll(plaintext, make([]byte, 0, blob.DataLength()))
		if err != nil {
			return nil, errors.WithKind(errors.Wrapf(err, "pack %v: decompress blob %v", packID.Str(), blob.ID.Str()), errors.ErrCorrupt)
		}
	}

	// check hash
	if !restic.Hash(plaintext).Equal(blob.ID) {
		return nil, errors.Corruptf("pack %v: blob %v returned invalid hash", packID.Str(), blob.ID.Str())
	}

	return plaintext, nil
}

// LookupBlob returns all locations of the blob in the index.
func (r *Repository) LookupBlob(t restic.BlobType, id restic.ID) []restic.PackedBlob {
	return r.idx.Lookup(restic.BlobHandle{Type: t, ID: id})
}

// LookupBlobSize returns the size of blob id.
func (r *Repository) LookupBlobSize(t restic.BlobType, id restic.ID) (uint, bool) {
	return r.idx.LookupSize(restic.BlobHandle{Type: t, ID: id})
}

// saveAndEncrypt compresses and encrypts data and stores it to the backend
// as type t. It returns the number of bytes the blob occupies in the pack.
func (r *Repository) saveAndEncrypt(ctx context.Context, t restic.BlobType, data []byte, id restic.ID) (int, error) {
	debug.Log("save id %v (%v, %d bytes)", id, t, len(data))

	uncompressedLength := 0
	if r.compressionEnabled() {
		compressed := r.getZstdEncoder().EncodeAll(data, nil)
		if len(compressed) < len(data) {
			uncompressedLength = len(data)
			data = compressed
		}
	}

	nonce := crypto.NewRandomNonce()
	ciphertext := make([]byte, 0, crypto.CiphertextLength(len(data)))
	ciphertext = append(ciphertext, nonce...)
	ciphertext = r.key.Seal(ciphertext, nonce, data, nil)

	// find suitable packer and add blob
	var pm *packerManager

	switch t {
	case restic.TreeBlob:
		pm = r.treePM
	case restic.DataBlob:
		pm = r.dataPM
	default:
		panic(fmt.Sprintf("invalid type: %v", t))
	}
	if pm == nil {
		return 0, errors.New("pack uploader not started")
	}

	return pm.SaveBlob(ctx, t, id, ciphertext, uncompressedLength)
}

// SaveBlob saves a blob of type t into the repository.
// It takes care that no duplicates are saved; this can be overwritten
// by setting storeDuplicate to true.
// If id is the null id, it will be computed and returned.
// Also returns if the blob was already known before.
// If the blob was not known before, it returns the number of bytes the blob
// occupies in the repo (compressed or not, including encryption overhead).
func (r *Repository) SaveBlob(ctx context.Context, t restic.BlobType, buf []byte, id restic.ID, storeDuplicate bool) (newID restic.ID, known bool, size int, err error) {
	if t != restic.DataBlob && t != restic.TreeBlob {
		return restic.ID{}, false, 0, errors.Errorf("invalid blob type %v", t)
	}

	// compute plaintext hash if not already set
	if id.IsNull() {
		newID = restic.Hash(buf)
	} else {
		newID = id
	}

	// first try to add to pending blobs; if not successful, this blob is already known
	known = !r.idx.AddPending(restic.BlobHandle{ID: newID, Type: t})

	// only save when needed or explicitly told
	if !known || storeDuplicate {
		size, err = r.saveAndEncrypt(ctx, t, buf, newID)
		if err != nil && !known {
			r.idx.RemovePending(restic.BlobHandle{ID: newID, Type: t})
		}
	}

	return newID, known, size, err
}

// StartPackUploader starts the goroutines uploading packs. Flush must be
// called once all blobs are saved; it stops the uploaders.
func (r *Repository) StartPackUploader(ctx context.Context, wg *errgroup.Group) {
	if r.packerWg != nil {
		panic("uploader already started")
	}

	innerWg, ctx := errgroup.WithContext(ctx)
	r.packerWg = innerWg
	r.uploader = newPackerUploader(ctx, innerWg, r, r.be.Connections())
	r.treePM = newPackerManager(r.key, restic.TreeBlob, r.PackSize(), r.packerCount, r.uploader.QueuePacker)
	r.dataPM = newPackerManager(r.key, restic.DataBlob, r.PackSize(), r.packerCount, r.uploader.QueuePacker)

	wg.Go(func() error {
		return innerWg.Wait()
	})
}

// Flush saves all remaining packs and the index
func (r *Repository) Flush(ctx context.Context) error {
	if err := r.flushPacks(ctx); err != nil {
		return err
	}

	return r.idx.SaveIndex(ctx, r)
}

// flushPacks uploads all open packs and waits for the uploads to complete.
func (r *Repository) flushPacks(ctx context.Context) error {
	if r.packerWg == nil {
		return nil
	}

	err := r.treePM.Flush(ctx)
	if err != nil {
		return err
	}
	err = r.dataPM.Flush(ctx)
	if err != nil {
		return err
	}
	r.uploader.TriggerShutdown()
	err = r.packerWg.Wait()

	r.treePM = nil
	r.dataPM = nil
	r.uploader = nil
	r.packerWg = nil

	return err
}

// abortPacks stops the uploaders and drops all packs not yet uploaded.
func (r *Repository) abortPacks() {
	if r.packerWg == nil {
		return
	}
	r.treePM.discard(r.forgetPending)
	r.dataPM.discard(r.forgetPending)
	r.uploader.TriggerShutdown()

	r.treePM = nil
	r.dataPM = nil
	r.uploader = nil
	r.packerWg = nil
}

// WithBlobUploader runs fn with a started pack uploader and flushes all
// packs and the index once fn returns successfully.
func (r *Repository) WithBlobUploader(ctx context.Context, fn func(ctx context.Context) error) error {
	wg, wgCtx := errgroup.WithContext(ctx)
	r.StartPackUploader(wgCtx, wg)
	wg.Go(func() error {
		if err := fn(wgCtx); err != nil {
			r.abortPacks()
			return err
		}
		return r.Flush(wgCtx)
	})
	return wg.Wait()
}

// LoadIndex loads all index files from the backend in parallel and stores them
func (r *Repository) LoadIndex(ctx context.Context, p *progress.Counter) error {
	debug.Log("Loading index")

	// reset in-memory index before loading it from the repository
	r.idx = index.NewMasterIndex()

	err := r.idx.Load(ctx, r, p, nil)
	if err != nil {
		return errors.Wrap(err, "load index")
	}

	return ctx.Err()
}

// SetIndex replaces the in-memory index, used by repair and tests.
func (r *Repository) SetIndex(mi *index.MasterIndex) {
	r.idx = mi
}

// SearchKey finds a key with the supplied password, afterwards the config is
// read and parsed. It tries at most maxKeys key files in the repo.
func (r *Repository) SearchKey(ctx context.Context, password string, maxKeys int, keyHint string) error {
	key, err := SearchKey(ctx, r, password, maxKeys, keyHint)
	if err != nil {
		return err
	}

	r.key = key.master
	r.keyID = key.ID()
	cfg, err := restic.LoadConfig(ctx, r)
	if err != nil {
		return errors.Fatalf("config cannot be loaded: %v", err)
	}

	r.cfg = cfg
	return nil
}

// Init creates a new master key with the supplied password, initializes and
// saves the repository config.
func (r *Repository) Init(ctx context.Context, password string, opts restic.ConfigOptions) error {
	_, err := r.be.Stat(ctx, backend.Handle{Type: restic.ConfigFile})
	if err == nil {
		return errors.WithKind(errors.Fatal("config file already exists"), errors.ErrConflict)
	}
	if !r.be.IsNotExist(err) {
		return errors.Wrap(err, "stat config")
	}

	cfg, err := restic.CreateConfig(opts)
	if err != nil {
		return err
	}

	return r.init(ctx, password, cfg)
}

// init creates a new master key with the supplied password and uses it to save
// the config into the repo.
func (r *Repository) init(ctx context.Context, password string, cfg restic.Config) error {
	key, err := createMasterKey(ctx, r, password)
	if err != nil {
		return err
	}

	r.key = key.master
	r.keyID = key.ID()
	r.cfg = cfg
	return restic.SaveConfig(ctx, r, cfg)
}

// List runs fn for all files of type t in the repo.
func (r *Repository) List(ctx context.Context, t restic.FileType, fn func(restic.ID, int64) error) error {
	return r.be.List(ctx, t, func(fi backend.FileInfo) error {
		id, err := restic.ParseID(fi.Name)
		if err != nil {
			debug.Log("unable to parse %v as an ID", fi.Name)
			return nil
		}
		return fn(id, fi.Size)
	})
}

// ListPack returns the list of blobs saved in the pack id and the length of
// the pack header.
func (r *Repository) ListPack(ctx context.Context, id restic.ID, size int64) ([]restic.Blob, uint32, error) {
	h := backend.Handle{Type: restic.PackFile, Name: id.String()}
	entries, hdrSize, err := pack.List(r.Key(), backend.ReaderAt(ctx, r.be, h), size)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "pack %v", id.Str())
	}
	return entries, hdrSize, nil
}

// LoadPack streams the whole pack file to fn.
func (r *Repository) LoadPack(ctx context.Context, id restic.ID, fn func(rd io.Reader) error) error {
	h := backend.Handle{Type: restic.PackFile, Name: id.String()}
	return r.be.Load(ctx, h, 0, 0, fn)
}

// Delete calls backend.Delete() if implemented, and returns an error
// otherwise.
func (r *Repository) Delete(ctx context.Context) error {
	return r.be.Delete(ctx)
}

// Close closes the repository by closing the backend.
func (r *Repository) Close() error {
	return r.be.Close()
}

// DecryptBlob decrypts a blob read from pack packID.
func (r *Repository) DecryptBlob(blob restic.Blob, ciphertext []byte, packID restic.ID) ([]byte, error) {
	return r.decryptBlob(blob, ciphertext, packID)
}
