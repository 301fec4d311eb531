package engine

import (
	"bytes"
	"context"
	"slices"
	"sort"

	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/restic"
)

// ListTypes are the types understood by List.
var ListTypes = []string{"blobs", "packs", "index", "snapshots", "keys", "locks"}

// ListOptions configure List.
type ListOptions struct {
	Type string
	// Item is called for every listed item, it may be nil.
	Item func(ListItem)
}

// ListItem is a file in the repository, or a blob for type "blobs".
type ListItem struct {
	ID       restic.ID
	BlobType restic.BlobType
}

func (i ListItem) String() string {
	if i.BlobType != restic.InvalidBlob {
		return i.BlobType.String() + " " + i.ID.String()
	}
	return i.ID.String()
}

// List lists the IDs of all files of a type, or all blobs in the index.
func (r *Repository) List(ctx context.Context, opts ListOptions) ([]ListItem, error) {
	var t restic.FileType
	switch opts.Type {
	case "packs":
		t = restic.PackFile
	case "index":
		t = restic.IndexFile
	case "snapshots":
		t = restic.SnapshotFile
	case "keys":
		t = restic.KeyFile
	case "locks":
		t = restic.LockFile
	case "blobs":
	default:
		return nil, errors.Fatalf("invalid type %q", opts.Type)
	}

	// listing locks must not create one
	if opts.Type != "locks" {
		lock, lockCtx, err := r.lock(ctx, false)
		if err != nil {
			return nil, err
		}
		defer lock.release()
		ctx = lockCtx
	}

	var items []ListItem
	emit := func(item ListItem) {
		items = append(items, item)
		if opts.Item != nil {
			opts.Item(item)
		}
	}

	if opts.Type == "blobs" {
		if err := r.loadIndex(ctx); err != nil {
			return nil, err
		}
		var blobs []ListItem
		err := r.repo.Index().Each(ctx, func(pb restic.PackedBlob) {
			blobs = append(blobs, ListItem{ID: pb.ID, BlobType: pb.Type})
		})
		if err != nil {
			return nil, err
		}
		sort.Slice(blobs, func(i, j int) bool {
			if blobs[i].BlobType != blobs[j].BlobType {
				return blobs[i].BlobType < blobs[j].BlobType
			}
			return bytes.Compare(blobs[i].ID[:], blobs[j].ID[:]) < 0
		})
		// a blob may be stored in several packs
		blobs = slices.Compact(blobs)
		for _, b := range blobs {
			emit(b)
		}
		return items, nil
	}

	err := r.repo.List(ctx, t, func(id restic.ID, _ int64) error {
		emit(ListItem{ID: id})
		return nil
	})
	return items, err
}

// SnapshotsOptions configure Snapshots.
type SnapshotsOptions struct {
	// Snapshots selects snapshots by ID, empty selects all matching Filter.
	Snapshots []string
	Filter    data.SnapshotFilter
	// Latest limits the result to the newest n snapshots of each host and
	// path set, zero lists all.
	Latest int
}

// Snapshots returns the matching snapshots sorted by time, oldest first.
func (r *Repository) Snapshots(ctx context.Context, opts SnapshotsOptions) (data.Snapshots, error) {
	lock, ctx, err := r.lock(ctx, false)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	snapshotLister, err := restic.MemorizeList(ctx, r.repo, restic.SnapshotFile)
	if err != nil {
		return nil, err
	}

	var snapshots data.Snapshots
	err = opts.Filter.FindAll(ctx, snapshotLister, r.repo, opts.Snapshots, func(s string, sn *data.Snapshot, err error) error {
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

	if opts.Latest > 0 {
		groups, _, err := data.GroupSnapshots(snapshots, data.SnapshotGroupByOptions{Host: true, Path: true})
		if err != nil {
			return nil, err
		}
		snapshots = nil
		for _, group := range groups {
			group.SortNewestFirst()
			snapshots = append(snapshots, group[:min(opts.Latest, len(group))]...)
		}
	}

	sort.SliceStable(snapshots, func(i, j int) bool {
		return snapshots[i].Time.Before(snapshots[j].Time)
	})
	return snapshots, nil
}
