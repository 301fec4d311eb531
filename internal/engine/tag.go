package engine

import (
	"context"

	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/restic"
)

// TagOptions configure Tag. SetTags replaces all tags and excludes AddTags
// and RemoveTags.
type TagOptions struct {
	// Snapshots selects snapshots by ID, empty selects all matching Filter.
	Snapshots []string
	Filter    data.SnapshotFilter

	SetTags    data.TagLists
	AddTags    data.TagLists
	RemoveTags data.TagLists
}

// TagResult maps each changed snapshot to its replacement.
type TagResult struct {
	Changed map[restic.ID]restic.ID
}

// changeTags saves a modified copy of sn and removes sn. The copy keeps the
// ID of the first snapshot in the chain as its original.
func (r *Repository) changeTags(ctx context.Context, sn *data.Snapshot, setTags, addTags, removeTags []string) (restic.ID, bool, error) {
	var changed bool

	if len(setTags) != 0 {
		// a single empty tag removes all tags
		if len(setTags) == 1 && setTags[0] == "" {
			setTags = nil
		}
		sn.Tags = setTags
		changed = true
	} else {
		changed = sn.AddTags(addTags)
		if sn.RemoveTags(removeTags) {
			changed = true
		}
	}

	if !changed {
		return restic.ID{}, false, nil
	}

	oldID := *sn.ID()
	if sn.Original == nil {
		sn.Original = &oldID
	}

	id, err := data.SaveSnapshot(ctx, r.repo, sn)
	if err != nil {
		return restic.ID{}, false, err
	}
	debug.Log("new snapshot saved as %v", id)

	if err := r.repo.RemoveUnpacked(ctx, restic.SnapshotFile, oldID); err != nil {
		return restic.ID{}, false, err
	}
	debug.Log("old snapshot %v removed", oldID)
	return id, true, nil
}

// Tag changes the tags of snapshots. Every changed snapshot is replaced by a
// new one.
func (r *Repository) Tag(ctx context.Context, opts TagOptions) (*TagResult, error) {
	if len(opts.SetTags) == 0 && len(opts.AddTags) == 0 && len(opts.RemoveTags) == 0 {
		return nil, errors.Fatal("nothing to do!")
	}
	if len(opts.SetTags) != 0 && (len(opts.AddTags) != 0 || len(opts.RemoveTags) != 0) {
		return nil, errors.Fatal("set and add/remove tags cannot be combined")
	}

	lock, ctx, err := r.lock(ctx, true)
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
			r.printer.E("Ignoring %q, it is not a snapshot id\n", s)
			return nil
		}
		snapshots = append(snapshots, sn)
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &TagResult{Changed: make(map[restic.ID]restic.ID)}
	for _, sn := range snapshots {
		oldID := *sn.ID()
		newID, changed, err := r.changeTags(ctx, sn, opts.SetTags.Flatten(), opts.AddTags.Flatten(), opts.RemoveTags.Flatten())
		if err != nil {
			r.printer.E("unable to modify the tags for snapshot ID %q, ignoring: %v\n", oldID, err)
			continue
		}
		if changed {
			result.Changed[oldID] = newID
			r.printer.V("old snapshot ID: %v -> new snapshot ID: %v\n", oldID, newID)
		}
	}

	switch len(result.Changed) {
	case 0:
		r.printer.P("no snapshots were modified\n")
	case 1:
		r.printer.P("modified tags on 1 snapshot\n")
	default:
		r.printer.P("modified tags on %v snapshots\n", len(result.Changed))
	}
	return result, nil
}
