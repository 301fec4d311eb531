package checker

import (
	"bufio"
	"bytes"
	"cmp"
	"context"
	"io"
	"slices"

	"github.com/minio/sha256-simd"
	"golang.org/x/sync/errgroup"

	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/repository"
	"github.com/packvault/packvault/internal/repository/pack"
	"github.com/packvault/packvault/internal/restic"
	"github.com/packvault/packvault/internal/ui/progress"
)

// Packs compares the indexed packs with those in the backend. It reports
// indexed packs that are missing or have a different size, and stored packs
// that no index references. errChan is closed when done.
func (c *Checker) Packs(ctx context.Context, errChan chan<- error) {
	defer close(errChan)

	stored := make(map[restic.ID]int64)
	err := c.repo.List(ctx, restic.PackFile, func(id restic.ID, size int64) error {
		stored[id] = size
		return nil
	})
	if err != nil {
		send(ctx, errChan, err)
		return
	}
	debug.Log("%d packs indexed, %d stored", len(c.packs), len(stored))

	for id, size := range c.packs {
		actual, ok := stored[id]
		delete(stored, id)

		var perr *PackError
		switch {
		case !ok:
			perr = &PackError{ID: id, Err: errors.New("does not exist")}
		case actual != size:
			perr = &PackError{ID: id, Truncated: true, Err: errors.Errorf("unexpected file size: got %d, expected %d", actual, size)}
		default:
			continue
		}
		if !send(ctx, errChan, perr) {
			return
		}
	}

	for id := range stored {
		if !send(ctx, errChan, &PackError{ID: id, Orphaned: true, Err: errors.New("not referenced in any index")}) {
			return
		}
	}
}

// contiguous reports whether the blobs, sorted by offset, cover the pack
// from the start without gaps or overlaps.
func contiguous(blobs []restic.Blob) bool {
	var end uint
	for _, b := range blobs {
		if b.Offset != end {
			return false
		}
		end = b.Offset + b.Length
	}
	return true
}

// streamError marks a failure while reading the pack, as opposed to one
// when starting the download.
type streamError struct{ err error }

func (e *streamError) Error() string { return e.err.Error() }

// downloadPack reads the whole pack id and returns its content and hash.
func downloadPack(ctx context.Context, r *repository.Repository, id restic.ID) ([]byte, restic.ID, error) {
	var buf bytes.Buffer
	h := sha256.New()
	err := r.LoadPack(ctx, id, func(rd io.Reader) error {
		buf.Reset()
		h.Reset()
		if _, err := io.Copy(io.MultiWriter(&buf, h), bufio.NewReaderSize(rd, 1<<20)); err != nil {
			return &streamError{err}
		}
		return nil
	})
	if err != nil {
		return nil, restic.ID{}, err
	}
	return buf.Bytes(), restic.IDFromHash(h.Sum(nil)), nil
}

// checkPack downloads a pack and verifies its hash, every indexed blob and
// the header against the index. size is the size the index implies.
func checkPack(ctx context.Context, r *repository.Repository, id restic.ID, blobs []restic.Blob, size int64) error {
	debug.Log("checking pack %v", id)
	if len(blobs) == 0 {
		return &PackError{ID: id, Err: errors.New("pack is empty or not indexed")}
	}

	slices.SortFunc(blobs, func(a, b restic.Blob) int { return cmp.Compare(a.Offset, b.Offset) })
	var errs []error
	if !contiguous(blobs) {
		debug.Log("index for pack %v has gaps: %v", id, blobs)
		errs = append(errs, errors.New("index for pack contains gaps / overlapping blobs"))
	}

	buf, sum, err := downloadPack(ctx, r, id)
	if err != nil {
		var serr *streamError
		switch {
		case errors.As(err, &serr):
			return &PackError{ID: id, Err: errors.Wrap(err, "partial download error")}
		case r.Backend().IsNotExist(err):
			// a missing pack is reported by Packs, it cannot be repaired
			return errors.Wrapf(err, "pack %v", id.Str())
		default:
			return &PackError{ID: id, Err: err}
		}
	}
	if !sum.Equal(id) {
		debug.Log("pack %v has hash %v", id, sum)
		return &PackError{ID: id, Truncated: int64(len(buf)) != size, Err: errors.Errorf("unexpected pack id %v", sum)}
	}

	errs = append(errs, checkBlobs(r, id, buf, blobs)...)
	errs = append(errs, checkHeader(r, buf, blobs, size)...)
	if len(errs) > 0 {
		return &PackError{ID: id, Err: errors.Join(errs...)}
	}
	return nil
}

// checkBlobs decrypts every indexed blob of the pack content buf.
func checkBlobs(r *repository.Repository, id restic.ID, buf []byte, blobs []restic.Blob) (errs []error) {
	for _, b := range blobs {
		end := b.Offset + b.Length
		if int(end) > len(buf) {
			errs = append(errs, errors.Errorf("blob %v: beyond end of pack", b.ID.Str()))
			continue
		}
		// decryption happens in place, buf is still needed for the header
		ciphertext := slices.Clone(buf[b.Offset:end])
		if _, err := r.DecryptBlob(b, ciphertext, id); err != nil {
			debug.Log("blob %v of pack %v: %v", b.ID, id, err)
			errs = append(errs, errors.Errorf("blob %v: %v", b.ID.Str(), err))
		}
	}
	return errs
}

// checkHeader compares the pack header with the index entries.
func checkHeader(r *repository.Repository, buf []byte, blobs []restic.Blob, size int64) (errs []error) {
	listed, hdrSize, err := pack.List(r.Key(), bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return []error{errors.Wrap(err, "list pack header")}
	}

	if int64(len(buf)) != size {
		errs = append(errs, errors.Errorf("unexpected pack size: expected %v bytes, got %v", size, len(buf)))
	}
	if want := pack.CalculateHeaderSize(blobs); int(hdrSize) != want {
		errs = append(errs, errors.Errorf("pack header size does not match, want %v, got %v", want, hdrSize))
	}

	indexed := make(map[restic.BlobHandle]restic.Blob, len(blobs))
	for _, b := range blobs {
		indexed[b.BlobHandle] = b
	}
	for _, b := range listed {
		ib, ok := indexed[b.BlobHandle]
		switch {
		case !ok:
			errs = append(errs, errors.Errorf("blob %v of pack header not in index", b.ID.Str()))
		case ib.Offset != b.Offset || ib.Length != b.Length || ib.UncompressedLength != b.UncompressedLength:
			errs = append(errs, errors.Errorf("blob %v has different position in index and pack header", b.ID.Str()))
		}
	}
	if len(listed) != len(blobs) {
		errs = append(errs, errors.Errorf("pack header lists %d blobs, index %d", len(listed), len(blobs)))
	}
	return errs
}

// ReadData verifies the content of all indexed packs.
func (c *Checker) ReadData(ctx context.Context, errChan chan<- error) {
	c.ReadPacks(ctx, c.packs, nil, errChan)
}

type packTask struct {
	id    restic.ID
	size  int64
	blobs []restic.Blob
}

// ReadPacks verifies the content of packs, which maps pack IDs to their
// expected size. p counts the checked packs. errChan is closed when done.
func (c *Checker) ReadPacks(ctx context.Context, packs map[restic.ID]int64, p *progress.Counter, errChan chan<- error) {
	defer close(errChan)

	g, ctx := errgroup.WithContext(ctx)
	tasks := make(chan packTask)

	// packs are streamed, the backend connections bound the concurrency
	for range c.repo.Connections() {
		g.Go(func() error {
			for task := range tasks {
				err := checkPack(ctx, c.repo, task.id, task.blobs, task.size)
				p.Add(1)
				if err != nil && !send(ctx, errChan, err) {
					return nil
				}
			}
			return nil
		})
	}

	ids := restic.NewIDSet()
	for id := range packs {
		ids.Insert(id)
	}
	err := c.repo.Index().ListPacks(ctx, ids, func(pbs restic.PackBlobs) error {
		select {
		case tasks <- packTask{id: pbs.PackID, size: packs[pbs.PackID], blobs: pbs.Blobs}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil && ctx.Err() == nil {
		send(ctx, errChan, err)
	}
	close(tasks)

	if err := g.Wait(); err != nil {
		send(ctx, errChan, err)
	}
}
