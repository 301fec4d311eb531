package engine

import (
	"context"

	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/repository"
	"github.com/packvault/packvault/internal/restic"
	"github.com/packvault/packvault/internal/ui"
	"github.com/packvault/packvault/internal/ui/progress"
)

// PruneOptions configure a prune run.
type PruneOptions struct {
	repository.PruneOptions
}

// PruneResult describes a finished prune run.
type PruneResult struct {
	Stats repository.PruneStats
	// Resumed counts interrupted prune runs which were finished first.
	Resumed int
}

// Prune removes all data not referenced by any snapshot. Interrupted prune
// runs which already committed their index are finished first.
func (r *Repository) Prune(ctx context.Context, opts PruneOptions) (*PruneResult, error) {
	lock, ctx, err := r.lock(ctx, true)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	return r.prune(ctx, opts, nil)
}

// prune expects the caller to hold an exclusive lock. Snapshots in
// ignoreSnapshots are treated as already removed.
func (r *Repository) prune(ctx context.Context, opts PruneOptions, ignoreSnapshots restic.IDSet) (*PruneResult, error) {
	if err := r.loadIndex(ctx); err != nil {
		return nil, err
	}

	result := &PruneResult{}
	if !opts.DryRun {
		resumed, err := repository.ResumePrune(ctx, r.repo, r.printer)
		if err != nil {
			return nil, err
		}
		result.Resumed = resumed
	}

	plan, err := repository.PlanPrune(ctx, opts.PruneOptions, r.repo, func(ctx context.Context, repo restic.Repository, usedBlobs restic.FindBlobSet) error {
		return getUsedBlobs(ctx, repo, ignoreSnapshots, usedBlobs, r.printer)
	}, r.printer)
	if err != nil {
		return nil, err
	}
	result.Stats = plan.Stats()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	printPruneStats(r.printer, result.Stats)

	err = plan.Execute(ctx, r.printer)
	if err != nil {
		return nil, err
	}
	if !opts.DryRun {
		// the index was rewritten
		r.resetIndex()
	}
	return result, nil
}

func printPruneStats(printer progress.Printer, stats repository.PruneStats) {
	printer.V("\nused:         %10d blobs / %s\n", stats.Blobs.Used, ui.FormatBytes(stats.Size.Used))
	if stats.Blobs.Duplicate > 0 {
		printer.V("duplicates:   %10d blobs / %s\n", stats.Blobs.Duplicate, ui.FormatBytes(stats.Size.Duplicate))
	}
	printer.V("unused:       %10d blobs / %s\n", stats.Blobs.Unused, ui.FormatBytes(stats.Size.Unused))
	if stats.Size.Unref > 0 {
		printer.V("unreferenced:                    %s\n", ui.FormatBytes(stats.Size.Unref))
	}
	printer.P("to repack:    %10d blobs / %s\n", stats.Blobs.Repack, ui.FormatBytes(stats.Size.Repack))
	printer.P("this removes: %10d blobs / %s\n", stats.Blobs.Repackrm, ui.FormatBytes(stats.Size.Repackrm))
	printer.P("to delete:    %10d blobs / %s\n", stats.Blobs.Remove, ui.FormatBytes(stats.Size.Remove+stats.Size.Unref))
	printer.P("packs: keep %d, repack %d, remove %d (of which %d unreferenced)\n\n",
		stats.Packs.Keep, stats.Packs.Repack, stats.Packs.Remove, stats.Packs.Unref)
}

// getUsedBlobs adds all blobs reachable from the snapshots to usedBlobs.
func getUsedBlobs(ctx context.Context, repo restic.Repository, ignoreSnapshots restic.IDSet, usedBlobs restic.FindBlobSet, printer progress.Printer) error {
	var snapshotTrees restic.IDs
	printer.P("loading all snapshots...\n")
	err := data.ForAllSnapshots(ctx, repo, repo, ignoreSnapshots,
		func(id restic.ID, sn *data.Snapshot, err error) error {
			if err != nil {
				debug.Log("failed to load snapshot %v (error %v)", id, err)
				return err
			}
			debug.Log("add snapshot %v (tree %v)", id, *sn.Tree)
			snapshotTrees = append(snapshotTrees, *sn.Tree)
			return nil
		})
	if err != nil {
		return errors.Fatalf("failed loading snapshot: %v", err)
	}

	printer.P("finding data that is still in use for %d snapshots\n", len(snapshotTrees))

	bar := printer.NewCounter("snapshots")
	bar.SetMax(uint64(len(snapshotTrees)))
	defer bar.Done()

	return data.FindUsedBlobs(ctx, repo, snapshotTrees, usedBlobs, bar)
}
