package repository

import (
	"context"
	"sync"

	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/repository/index"
	"github.com/packvault/packvault/internal/repository/pack"
	"github.com/packvault/packvault/internal/restic"
	"github.com/packvault/packvault/internal/ui/progress"

	"golang.org/x/sync/errgroup"
)

type RepairIndexOptions struct {
	ReadAllPacks bool
}

// RepairIndex rebuilds the index from the pack headers. Without ReadAllPacks
// only packs missing from the index or with a mismatching size are read.
// The old index files are removed once the new ones are saved.
func RepairIndex(ctx context.Context, repo *Repository, opts RepairIndexOptions, printer progress.Printer) error {
	var obsoleteIndexes restic.IDs
	packSizeFromList := make(map[restic.ID]int64)
	packSizeFromIndex := make(map[restic.ID]int64)
	removePacks := restic.NewIDSet()

	mi := index.NewMasterIndex()
	if opts.ReadAllPacks {
		// get list of old index files but start with empty index
		err := repo.List(ctx, restic.IndexFile, func(id restic.ID, _ int64) error {
			obsoleteIndexes = append(obsoleteIndexes, id)
			return nil
		})
		if err != nil {
			return err
		}
	} else {
		printer.P("loading indexes...\n")
		err := mi.Load(ctx, repo, nil, func(id restic.ID, _ *index.Index, err error) error {
			if err != nil {
				printer.E("removing invalid index %v: %v\n", id, err)
				obsoleteIndexes = append(obsoleteIndexes, id)
			}
			return nil
		})
		if err != nil {
			return err
		}

		packSizeFromIndex, err = pack.Size(ctx, mi, false)
		if err != nil {
			return err
		}
	}
	repo.SetIndex(mi)

	printer.P("getting pack files to read...\n")
	err := repo.List(ctx, restic.PackFile, func(id restic.ID, packSize int64) error {
		size, ok := packSizeFromIndex[id]
		if !ok || size != packSize {
			// Pack was not referenced in index or size does not match
			packSizeFromList[id] = packSize
			removePacks.Insert(id)
		}
		if !ok {
			printer.E("adding pack file to index %v\n", id)
		} else if size != packSize {
			printer.E("reindexing pack file %v with unexpected size %v instead of %v\n", id, packSize, size)
		}
		delete(packSizeFromIndex, id)
		return nil
	})
	if err != nil {
		return err
	}
	for id := range packSizeFromIndex {
		// forget pack files that are referenced in the index but do not exist
		removePacks.Insert(id)
		printer.E("removing not found pack file %v\n", id)
	}

	if len(packSizeFromList) > 0 {
		printer.P("reading pack files\n")
		bar := printer.NewCounter("packs")
		bar.SetMax(uint64(len(packSizeFromList)))
		invalidFiles, err := repo.CreateIndexFromPacks(ctx, packSizeFromList, bar)
		bar.Done()
		if err != nil {
			return err
		}

		for _, id := range invalidFiles {
			printer.V("skipped incomplete pack file: %v\n", id)
		}
	}

	return rewriteIndexFiles(ctx, repo, removePacks, obsoleteIndexes, printer)
}

// CreateIndexFromPacks reads the headers of the given packs and adds their
// blobs to the in-memory index. Packs whose header cannot be read are
// returned as invalid.
func (r *Repository) CreateIndexFromPacks(ctx context.Context, packsize map[restic.ID]int64, p *progress.Counter) (invalid restic.IDs, err error) {
	var m sync.Mutex

	debug.Log("Loading index from pack files")

	type fileInfo struct {
		restic.ID
		Size int64
	}
	ch := make(chan fileInfo)

	wg, wgCtx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		defer close(ch)
		for id, size := range packsize {
			select {
			case <-wgCtx.Done():
				return wgCtx.Err()
			case ch <- fileInfo{id, size}:
			}
		}
		return nil
	})

	worker := func() error {
		for fi := range ch {
			entries, _, err := r.ListPack(wgCtx, fi.ID, fi.Size)
			if err != nil {
				debug.Log("unable to list pack file %v: %v", fi.ID.Str(), err)
				m.Lock()
				invalid = append(invalid, fi.ID)
				m.Unlock()
			} else {
				r.idx.StorePack(fi.ID, entries)
			}
			p.Add(1)
		}
		return nil
	}

	for i := 0; i < int(r.Connections()); i++ {
		wg.Go(worker)
	}

	err = wg.Wait()
	if err != nil {
		return invalid, err
	}

	return invalid, nil
}
