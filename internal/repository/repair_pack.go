package repository

import (
	"context"
	"io"

	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/restic"
	"github.com/packvault/packvault/internal/ui/progress"
)

// RepairPacks salvages all readable blobs of the given packs into new packs,
// removes the damaged packs from the index and finally deletes them.
func RepairPacks(ctx context.Context, repo *Repository, ids restic.IDSet, printer progress.Printer) error {
	printer.P("salvaging intact data from specified pack files\n")
	bar := printer.NewCounter("pack files")
	bar.SetMax(uint64(len(ids)))

	err := repo.WithBlobUploader(ctx, func(ctx context.Context) error {
		// examine all data the indexes have for the pack file
		return repo.idx.ListPacks(ctx, ids, func(b restic.PackBlobs) error {
			defer bar.Add(1)
			if len(b.Blobs) == 0 {
				printer.E("no blobs found for pack %v\n", b.PackID)
				return nil
			}

			err := repo.LoadBlobsFromPack(ctx, b.PackID, b.Blobs, func(blob restic.BlobHandle, buf []byte, err error) error {
				if err != nil {
					printer.E("failed to load blob %v: %v\n", blob.ID, err)
					return nil
				}
				id, _, _, err := repo.SaveBlob(ctx, blob.Type, buf, restic.ID{}, true)
				if err != nil {
					return err
				}
				if !id.Equal(blob.ID) {
					panic("blob id mismatch during upload")
				}
				return nil
			})
			// ignore truncated or missing file parts
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !repo.be.IsPermanentError(err) {
				return err
			}
			return nil
		})
	})
	bar.Done()
	if err != nil {
		return err
	}

	// remove salvaged packs from index
	err = rewriteIndexFiles(ctx, repo, ids, nil, printer)
	if err != nil {
		return err
	}

	// if we fail to delete the damaged pack files, then prune will remove them later on
	printer.P("removing salvaged pack files\n")
	return deleteFiles(ctx, true, repo, ids, restic.PackFile, printer)
}
