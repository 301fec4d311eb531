package engine

import (
	"context"
	"time"

	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/filter"
	"github.com/packvault/packvault/internal/restorer"
	"github.com/packvault/packvault/internal/ui/restore"
)

// RestoreOptions configure a restore.
type RestoreOptions struct {
	// Snapshot is an ID, a unique ID prefix or "latest", optionally followed
	// by ":subfolder".
	Snapshot string
	// Filter selects the snapshot for "latest".
	Filter data.SnapshotFilter

	Target string

	filter.ExcludePatternOptions
	filter.IncludePatternOptions

	Overwrite restorer.OverwriteBehavior
	Sparse    bool
	DryRun    bool
	Verify    bool

	// Progress receives restore progress, it may be nil.
	Progress *restore.Progress
}

// RestoreResult describes a finished restore.
type RestoreResult struct {
	Snapshot      *data.Snapshot
	FilesRestored uint64
	FilesVerified int
}

func selectExcludeFilter(rejects []filter.RejectByNameFunc) func(string, bool) (bool, bool) {
	return func(item string, isDir bool) (selectedForRestore bool, childMayBeSelected bool) {
		matched := false
		for _, rejectFn := range rejects {
			if rejectFn(item) {
				matched = true
				break
			}
		}
		// an excluded dir is not entered, other dirs may contain selected children
		selectedForRestore = !matched
		childMayBeSelected = selectedForRestore && isDir
		return selectedForRestore, childMayBeSelected
	}
}

func selectIncludeFilter(includes []filter.IncludeByNameFunc) func(string, bool) (bool, bool) {
	return func(item string, isDir bool) (selectedForRestore bool, childMayBeSelected bool) {
		for _, includeFn := range includes {
			matched, childMayMatch := includeFn(item)
			selectedForRestore = selectedForRestore || matched
			childMayBeSelected = childMayBeSelected || childMayMatch

			if selectedForRestore && childMayBeSelected {
				break
			}
		}
		childMayBeSelected = childMayBeSelected && isDir
		return selectedForRestore, childMayBeSelected
	}
}

// Restore writes the files of a snapshot to opts.Target.
func (r *Repository) Restore(ctx context.Context, opts RestoreOptions) (*RestoreResult, error) {
	if opts.Target == "" {
		return nil, errors.Fatal("please specify a directory to restore to (--target)")
	}
	if opts.Snapshot == "" {
		return nil, errors.Fatal("no snapshot ID specified")
	}

	warnf := func(msg string, args ...any) {
		r.printer.E(msg, args...)
	}
	excludes, err := opts.ExcludePatternOptions.CollectPatterns()
	if err != nil {
		return nil, err
	}
	includes, err := opts.IncludePatternOptions.CollectPatterns()
	if err != nil {
		return nil, err
	}
	if len(excludes) > 0 && len(includes) > 0 {
		return nil, errors.Fatal("exclude and include patterns are mutually exclusive")
	}

	lock, ctx, err := r.lock(ctx, false)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	sn, subfolder, err := opts.Filter.FindLatest(ctx, r.repo, r.repo, opts.Snapshot)
	if err != nil {
		return nil, errors.Fatalf("failed to find snapshot: %v", err)
	}

	if err := r.loadIndex(ctx); err != nil {
		return nil, err
	}

	sn.Tree, err = data.FindTreeDirectory(ctx, r.repo, sn.Tree, subfolder)
	if err != nil {
		return nil, err
	}

	res := restorer.NewRestorer(r.repo, sn, restorer.Options{
		DryRun:    opts.DryRun,
		Sparse:    opts.Sparse,
		Progress:  opts.Progress,
		Overwrite: opts.Overwrite,
	})

	totalErrors := 0
	res.Error = func(location string, err error) error {
		totalErrors++
		r.printer.E("ignoring error for %s: %s\n", location, err)
		return nil
	}

	switch {
	case len(excludes) > 0:
		res.SelectFilter = selectExcludeFilter([]filter.RejectByNameFunc{filter.RejectByPattern(excludes, warnf)})
	case len(includes) > 0:
		res.SelectFilter = selectIncludeFilter([]filter.IncludeByNameFunc{filter.IncludeByPattern(includes, warnf)})
	}

	r.printer.P("restoring %s to %s\n", sn, opts.Target)
	count, err := res.RestoreTo(ctx, opts.Target)
	if err != nil {
		return nil, err
	}
	opts.Progress.Finish()

	if totalErrors > 0 {
		return nil, errors.Fatalf("There were %d errors\n", totalErrors)
	}

	result := &RestoreResult{Snapshot: sn, FilesRestored: count}
	if opts.Verify && !opts.DryRun {
		r.printer.P("verifying files in %s\n", opts.Target)
		t0 := time.Now()
		result.FilesVerified, err = res.VerifyFiles(ctx, opts.Target, func(location string) {
			r.printer.VV("verified %s\n", location)
		})
		if err != nil {
			return nil, err
		}
		if totalErrors > 0 {
			return nil, errors.Fatalf("There were %d errors\n", totalErrors)
		}
		r.printer.P("finished verifying %d files in %s (took %s)\n", result.FilesVerified, opts.Target,
			time.Since(t0).Round(time.Millisecond))
	}

	return result, nil
}
