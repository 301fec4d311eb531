package repository

import (
	"bufio"
	"context"
	"io"
	"sort"
	"sync"

	"github.com/packvault/packvault/internal/backend"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/restic"
	"github.com/packvault/packvault/internal/ui/progress"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// blobs separated by less than this many bytes are fetched with one request
const maxUnusedRange = 1 * 1024 * 1024

// Repack takes a list of packs together with a list of blobs contained in
// these packs. Each pack is loaded and the blobs listed in keepBlobs are saved
// into new packs of dstRepo.
//
// The set keepBlobs is modified by Repack, it is used to keep track of which
// blobs have been processed.
func Repack(ctx context.Context, repo *Repository, dstRepo *Repository, packs restic.IDSet, keepBlobs restic.BlobSet, p *progress.Counter) error {
	debug.Log("repacking %d packs while keeping %d blobs", len(packs), len(keepBlobs))

	if repo == dstRepo && dstRepo.Connections() < 2 {
		return errors.Fatal("repack step requires a backend connection limit of at least two")
	}

	return dstRepo.WithBlobUploader(ctx, func(ctx context.Context) error {
		return repack(ctx, repo, dstRepo, packs, keepBlobs, p)
	})
}

func repack(ctx context.Context, repo *Repository, dstRepo *Repository, packs restic.IDSet, keepBlobs restic.BlobSet, p *progress.Counter) error {
	wg, wgCtx := errgroup.WithContext(ctx)

	var keepMutex sync.Mutex
	downloadQueue := make(chan restic.PackBlobs)
	wg.Go(func() error {
		defer close(downloadQueue)
		return repo.idx.ListPacks(wgCtx, packs, func(pbs restic.PackBlobs) error {
			var packBlobs []restic.Blob
			keepMutex.Lock()
			for _, entry := range pbs.Blobs {
				if keepBlobs.Has(entry.BlobHandle) {
					packBlobs = append(packBlobs, entry)
				}
			}
			keepMutex.Unlock()

			select {
			case downloadQueue <- restic.PackBlobs{PackID: pbs.PackID, Blobs: packBlobs}:
			case <-wgCtx.Done():
				return wgCtx.Err()
			}
			return nil
		})
	})

	worker := func() error {
		for t := range downloadQueue {
			err := repo.LoadBlobsFromPack(wgCtx, t.PackID, t.Blobs, func(blob restic.BlobHandle, buf []byte, err error) error {
				if err != nil {
					var ierr error
					// check whether we can get a valid copy somewhere else
					buf, ierr = repo.LoadBlob(wgCtx, blob.Type, blob.ID, nil)
					if ierr != nil {
						return err
					}
				}

				keepMutex.Lock()
				// recheck whether some other worker was faster
				shouldKeep := keepBlobs.Has(blob)
				if shouldKeep {
					keepBlobs.Delete(blob)
				}
				keepMutex.Unlock()

				if !shouldKeep {
					return nil
				}

				// the blob is already indexed, store it again nevertheless
				_, _, _, err = dstRepo.SaveBlob(wgCtx, blob.Type, buf, blob.ID, true)
				if err != nil {
					return err
				}

				debug.Log("  saved blob %v", blob.ID)
				return nil
			})
			if err != nil {
				return err
			}
			p.Add(1)
		}
		return nil
	}

	// reduce by one to ensure that uploading is always possible
	repackWorkerCount := int(repo.Connections() - 1)
	if repo != dstRepo {
		repackWorkerCount = int(repo.Connections())
	}
	for i := 0; i < repackWorkerCount; i++ {
		wg.Go(worker)
	}

	return wg.Wait()
}

// LoadBlobsFromPack loads the listed blobs of pack packID and calls
// handleBlobFn for each of them in offset order. Neighbouring blobs are
// fetched with a single ranged request. A blob that fails to decrypt is
// passed to handleBlobFn together with the error.
func (r *Repository) LoadBlobsFromPack(ctx context.Context, packID restic.ID, blobs []restic.Blob, handleBlobFn func(blob restic.BlobHandle, buf []byte, err error) error) error {
	if len(blobs) == 0 {
		return nil
	}

	sorted := make([]restic.Blob, len(blobs))
	copy(sorted, blobs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Offset < sorted[j].Offset
	})

	for len(sorted) > 0 {
		n := 1
		for n < len(sorted) {
			prev := sorted[n-1]
			if sorted[n].Offset-(prev.Offset+prev.Length) > maxUnusedRange {
				break
			}
			n++
		}
		if err := r.streamPackPart(ctx, packID, sorted[:n], handleBlobFn); err != nil {
			return err
		}
		sorted = sorted[n:]
	}
	return nil
}

func (r *Repository) streamPackPart(ctx context.Context, packID restic.ID, blobs []restic.Blob, handleBlobFn func(blob restic.BlobHandle, buf []byte, err error) error) error {
	start := blobs[0].Offset
	last := blobs[len(blobs)-1]
	length := last.Offset + last.Length - start

	h := backend.Handle{Type: restic.PackFile, Name: packID.String(), IsMetadata: blobs[0].Type == restic.TreeBlob}
	debug.Log("streaming %v, %d blobs, offset %d, length %d", h, len(blobs), start, length)

	// a retried load starts over, blobs already handled are skipped
	handled := 0
	return r.be.Load(ctx, h, int(length), int64(start), func(rd io.Reader) error {
		bufRd := bufio.NewReaderSize(rd, 512*1024)
		cur := start
		for i, blob := range blobs {
			if _, err := bufRd.Discard(int(blob.Offset - cur)); err != nil {
				return err
			}
			buf := make([]byte, blob.Length)
			if _, err := io.ReadFull(bufRd, buf); err != nil {
				return errors.Wrapf(err, "read blob %v", blob.ID.Str())
			}
			cur = blob.Offset + blob.Length

			if i < handled {
				continue
			}

			plaintext, err := r.decryptBlob(blob, buf, packID)
			if err := handleBlobFn(blob.BlobHandle, plaintext, err); err != nil {
				return backoff.Permanent(err)
			}
			handled++
		}
		return nil
	})
}
