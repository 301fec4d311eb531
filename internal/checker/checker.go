// Package checker verifies the internal consistency of a repository: the
// index against the stored packs, the snapshot trees against the index and
// optionally the content of every pack.
package checker

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/repository"
	"github.com/packvault/packvault/internal/repository/index"
	"github.com/packvault/packvault/internal/repository/pack"
	"github.com/packvault/packvault/internal/restic"
	"github.com/packvault/packvault/internal/ui/progress"
)

// Checker runs the checks on a repository, which should be locked
// exclusively meanwhile.
type Checker struct {
	repo        *repository.Repository
	masterIndex *index.MasterIndex
	snapshots   restic.Lister

	// pack sizes computed from the index
	packs map[restic.ID]int64

	trackUnused bool
	referenced  *xsync.MapOf[restic.BlobHandle, struct{}]
}

// New returns a checker for repo. With trackUnused, Structure records every
// referenced blob for UnusedBlobs.
func New(repo *repository.Repository, trackUnused bool) *Checker {
	return &Checker{
		repo:        repo,
		masterIndex: index.NewMasterIndex(),
		packs:       make(map[restic.ID]int64),
		trackUnused: trackUnused,
		referenced:  xsync.NewMapOf[restic.BlobHandle, struct{}](),
	}
}

// send delivers err unless ctx is canceled first, which is reported as false.
func send(ctx context.Context, ch chan<- error, err error) bool {
	select {
	case ch <- err:
		return true
	case <-ctx.Done():
		return false
	}
}

// LoadSnapshots lists the snapshots once, so that all checks see the same set.
func (c *Checker) LoadSnapshots(ctx context.Context) error {
	var err error
	c.snapshots, err = restic.MemorizeList(ctx, c.repo, restic.SnapshotFile)
	return err
}

// LoadIndex loads all index files and installs them in the repository. A
// broken index file is reported in errs and skipped. hints lists packs
// which are indexed more than once or mix tree and data blobs.
func (c *Checker) LoadIndex(ctx context.Context, p *progress.Counter) (hints []error, errs []error) {
	indexesOf := make(map[restic.ID]restic.IDSet)
	err := c.masterIndex.Load(ctx, c.repo, p, func(id restic.ID, idx *index.Index, err error) error {
		if err != nil {
			debug.Log("index %v: %v", id, err)
			errs = append(errs, errors.Wrapf(err, "error loading index %v", id))
			return nil
		}
		return idx.Each(ctx, func(pb restic.PackedBlob) {
			set, ok := indexesOf[pb.PackID]
			if !ok {
				set = restic.NewIDSet()
				indexesOf[pb.PackID] = set
			}
			set.Insert(id)
		})
	})
	if err != nil {
		return hints, append(errs, err)
	}
	c.repo.SetIndex(c.masterIndex)

	if c.packs, err = pack.Size(ctx, c.masterIndex, false); err != nil {
		return hints, append(errs, err)
	}
	mixed, err := mixedPacks(ctx, c.masterIndex)
	if err != nil {
		return hints, append(errs, err)
	}

	for id := range c.packs {
		if len(indexesOf[id]) > 1 {
			hints = append(hints, &ErrDuplicatePacks{PackID: id, Indexes: indexesOf[id]})
		}
		if mixed.Has(id) {
			hints = append(hints, &ErrMixedPack{PackID: id})
		}
	}
	debug.Log("%d packs, %d hints, %d errors", len(c.packs), len(hints), len(errs))
	return hints, errs
}

// mixedPacks returns the packs containing blobs of both types.
func mixedPacks(ctx context.Context, idx *index.MasterIndex) (restic.IDSet, error) {
	first := make(map[restic.ID]restic.BlobType)
	mixed := restic.NewIDSet()
	err := idx.Each(ctx, func(pb restic.PackedBlob) {
		tpe, ok := first[pb.PackID]
		switch {
		case !ok:
			first[pb.PackID] = pb.Type
		case tpe != pb.Type:
			mixed.Insert(pb.PackID)
		}
	})
	return mixed, err
}

// CountPacks returns the number of indexed packs.
func (c *Checker) CountPacks() uint64 {
	return uint64(len(c.packs))
}

// GetPacks returns the indexed packs with their expected size.
func (c *Checker) GetPacks() map[restic.ID]int64 {
	return c.packs
}
