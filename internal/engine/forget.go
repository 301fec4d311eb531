package engine

import (
	"context"
	"encoding/json"

	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/restic"
)

// ForgetOptions configure Forget.
type ForgetOptions struct {
	// Snapshots are removed unconditionally. When empty, Policy is applied
	// to all snapshots matching Filter.
	Snapshots []string
	Filter    data.SnapshotFilter

	Policy data.ExpirePolicy
	// GroupBy selects the groups the policy is applied to separately. The
	// zero value groups by host and paths.
	GroupBy data.SnapshotGroupByOptions

	DryRun bool

	// Prune removes the data which is no longer referenced afterwards.
	Prune        bool
	PruneOptions PruneOptions
}

// ForgetGroup is the outcome of the policy for one group of snapshots.
type ForgetGroup struct {
	Key     data.SnapshotGroupKey
	Keep    data.Snapshots
	Remove  data.Snapshots
	Reasons []data.KeepReason
}

// ForgetResult is the outcome of Forget.
type ForgetResult struct {
	Groups []ForgetGroup
	// Removed lists the snapshots which were removed, or would be removed in
	// a dry run.
	Removed restic.IDs
	Prune   *PruneResult
}

// Forget removes snapshots, either given explicitly or selected by a
// retention policy.
func (r *Repository) Forget(ctx context.Context, opts ForgetOptions) (*ForgetResult, error) {
	if len(opts.Snapshots) > 0 && !opts.Policy.Empty() {
		return nil, errors.Fatal("a policy cannot be combined with explicit snapshot IDs")
	}
	if len(opts.Snapshots) == 0 && opts.Policy.Empty() {
		r.printer.P("no policy was specified, no snapshots will be removed\n")
		return &ForgetResult{}, nil
	}
	if opts.GroupBy == (data.SnapshotGroupByOptions{}) {
		opts.GroupBy = data.SnapshotGroupByOptions{Host: true, Path: true}
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
			r.printer.E("Ignoring %q: %v\n", s, err)
			return nil
		}
		snapshots = append(snapshots, sn)
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &ForgetResult{}
	removeSnIDs := restic.NewIDSet()

	if len(opts.Snapshots) > 0 {
		for _, sn := range snapshots {
			removeSnIDs.Insert(*sn.ID())
		}
	} else {
		groups, _, err := data.GroupSnapshots(snapshots, opts.GroupBy)
		if err != nil {
			return nil, err
		}

		r.printer.P("Applying Policy: %v\n", opts.Policy)
		for k, snapshotGroup := range groups {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			var key data.SnapshotGroupKey
			if err := json.Unmarshal([]byte(k), &key); err != nil {
				return nil, err
			}

			keep, remove, reasons := data.ApplyPolicy(snapshotGroup, opts.Policy)
			debug.Log("group %v: keep %d, remove %d", key.String(), len(keep), len(remove))
			r.printer.V("snapshots for %s: keep %d, remove %d\n", key.String(), len(keep), len(remove))

			result.Groups = append(result.Groups, ForgetGroup{
				Key:     key,
				Keep:    keep,
				Remove:  remove,
				Reasons: reasons,
			})
			for _, sn := range remove {
				removeSnIDs.Insert(*sn.ID())
			}
		}
	}

	if len(removeSnIDs) > 0 {
		if opts.DryRun {
			r.printer.P("Would have removed the following snapshots:\n%v\n\n", removeSnIDs)
			result.Removed = removeSnIDs.List()
		} else {
			r.printer.V("remove %d snapshots\n", len(removeSnIDs))
			err := restic.ParallelRemove(ctx, r.repo, removeSnIDs, restic.SnapshotFile, func(id restic.ID, err error) error {
				if err != nil {
					r.printer.E("unable to remove %v/%v from the repository\n", restic.SnapshotFile, id)
					return err
				}
				result.Removed = append(result.Removed, id)
				r.printer.VV("removed %v/%v\n", restic.SnapshotFile, id)
				return nil
			}, nil)
			if err != nil {
				return nil, err
			}
		}
	}

	if len(removeSnIDs) > 0 && opts.Prune {
		pruneOpts := opts.PruneOptions
		pruneOpts.DryRun = pruneOpts.DryRun || opts.DryRun
		r.printer.P("%d snapshots have been removed, running prune\n", len(removeSnIDs))
		// in a dry run the snapshots still exist and are ignored instead
		result.Prune, err = r.prune(ctx, pruneOpts, removeSnIDs)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}
