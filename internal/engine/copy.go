package engine

import (
	"context"
	"slices"

	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/repository"
	"github.com/packvault/packvault/internal/restic"
	"github.com/packvault/packvault/internal/ui"
)

// CopyOptions configure Copy.
type CopyOptions struct {
	// Snapshots selects snapshots by ID, empty selects all matching Filter.
	Snapshots []string
	Filter    data.SnapshotFilter
}

// CopyResult maps each copied source snapshot to the new snapshot in the
// destination.
type CopyResult struct {
	Copied  map[restic.ID]restic.ID
	Skipped restic.IDs
}

// similarSnapshots reports whether snb looks like a copy of sna.
func similarSnapshots(sna *data.Snapshot, snb *data.Snapshot) bool {
	if !sna.Time.Equal(snb.Time) || !sna.Tree.Equal(*snb.Tree) || sna.Hostname != snb.Hostname ||
		sna.Username != snb.Username || sna.UID != snb.UID || sna.GID != snb.GID ||
		len(sna.Paths) != len(snb.Paths) || len(sna.Tags) != len(snb.Tags) {
		return false
	}
	if !sna.HasPaths(snb.Paths) || !sna.HasTags(snb.Tags) {
		return false
	}
	return slices.Equal(sna.Excludes, snb.Excludes)
}

// Copy transfers snapshots to dst. Only blobs missing in dst are copied, they
// are encrypted with the key of dst. Snapshots which were copied before are
// skipped.
func (r *Repository) Copy(ctx context.Context, dst *Repository, opts CopyOptions) (*CopyResult, error) {
	if dst == nil {
		return nil, errors.Fatal("no destination repository")
	}
	if dst.repo.Config().ID == r.repo.Config().ID {
		return nil, errors.Fatal("source and destination repository are the same")
	}

	srcLock, ctx, err := r.lock(ctx, false)
	if err != nil {
		return nil, err
	}
	defer srcLock.release()

	dstLock, ctx, err := dst.lock(ctx, false)
	if err != nil {
		return nil, err
	}
	defer dstLock.release()

	debug.Log("Loading source index")
	if err := r.loadIndex(ctx); err != nil {
		return nil, err
	}
	debug.Log("Loading destination index")
	if err := dst.loadIndex(ctx); err != nil {
		return nil, err
	}

	dstSnapshotByOriginal := make(map[restic.ID][]*data.Snapshot)
	err = data.ForAllSnapshots(ctx, dst.repo, dst.repo, nil, func(id restic.ID, sn *data.Snapshot, err error) error {
		if err != nil {
			r.printer.E("unable to load snapshot %v in destination: %v\n", id.Str(), err)
			return nil
		}
		if sn.Original != nil && !sn.Original.IsNull() {
			dstSnapshotByOriginal[*sn.Original] = append(dstSnapshotByOriginal[*sn.Original], sn)
		}
		dstSnapshotByOriginal[id] = append(dstSnapshotByOriginal[id], sn)
		return nil
	})
	if err != nil {
		return nil, err
	}

	srcSnapshotLister, err := restic.MemorizeList(ctx, r.repo, restic.SnapshotFile)
	if err != nil {
		return nil, err
	}

	var snapshots data.Snapshots
	err = opts.Filter.FindAll(ctx, srcSnapshotLister, r.repo, opts.Snapshots, func(s string, sn *data.Snapshot, err error) error {
		if err != nil {
			r.printer.E("Ignoring %q: %v\n", s, err)
			return nil
		}
		snapshots = append(snapshots, sn)
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &CopyResult{Copied: make(map[restic.ID]restic.ID)}
	for _, sn := range snapshots {
		srcID := *sn.ID()
		r.printer.V("\nsnapshot %s of %v at %s)\n", srcID.Str(), sn.Paths, sn.Time)

		srcOriginal := srcID
		if sn.Original != nil {
			srcOriginal = *sn.Original
		}
		isCopy := false
		for _, originalSn := range dstSnapshotByOriginal[srcOriginal] {
			if similarSnapshots(originalSn, sn) {
				r.printer.V("skipping source snapshot %s, was already copied to snapshot %s\n", srcID.Str(), originalSn.ID().Str())
				isCopy = true
				break
			}
		}
		if isCopy {
			result.Skipped = append(result.Skipped, srcID)
			continue
		}
		if sn.Tree == nil {
			r.printer.E("skipping snapshot %s without tree\n", srcID.Str())
			continue
		}

		r.printer.V("  copy started, this may take a while...\n")
		if err := r.copyTree(ctx, dst, *sn.Tree); err != nil {
			return nil, err
		}
		debug.Log("tree copied")

		// the parent does not exist in the destination
		sn.Parent = nil
		if sn.Original == nil {
			sn.Original = &srcID
		}
		newID, err := data.SaveSnapshot(ctx, dst.repo, sn)
		if err != nil {
			return nil, err
		}
		result.Copied[srcID] = newID
		r.printer.V("snapshot %s saved\n", newID.Str())
	}
	return result, nil
}

// copyTree copies all blobs reachable from tree which dst does not have yet.
func (r *Repository) copyTree(ctx context.Context, dst *Repository, tree restic.ID) error {
	usedBlobs := restic.NewBlobSet()
	err := data.FindUsedBlobs(ctx, r.repo, restic.IDs{tree}, usedBlobs, nil)
	if err != nil {
		return err
	}

	copyBlobs := restic.NewBlobSet()
	packList := restic.NewIDSet()
	var size uint64
	for h := range usedBlobs {
		if _, ok := dst.repo.LookupBlobSize(h.Type, h.ID); ok {
			continue
		}
		pb := r.repo.LookupBlob(h.Type, h.ID)
		if len(pb) == 0 {
			return errors.Errorf("blob %v is missing in the source repository", h)
		}
		copyBlobs.Insert(h)
		size += uint64(pb[0].Length)
		for _, p := range pb {
			packList.Insert(p.PackID)
		}
	}
	if len(copyBlobs) == 0 {
		return nil
	}

	r.printer.V("  copy %d blobs with disk size %s in %d packfiles\n", len(copyBlobs), ui.FormatBytes(size), len(packList))
	bar := r.printer.NewCounter("packs copied")
	bar.SetMax(uint64(len(packList)))
	defer bar.Done()
	return repository.Repack(ctx, r.repo, dst.repo, packList, copyBlobs, bar)
}
