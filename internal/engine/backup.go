package engine

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
	"time"

	"github.com/packvault/packvault/internal/archiver"
	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/filter"
	"github.com/packvault/packvault/internal/fs"
	"github.com/packvault/packvault/internal/restic"
)

// BackupOptions configure a backup run.
type BackupOptions struct {
	Targets []string

	filter.ExcludePatternOptions
	// ExcludeIfPresent lists "filename[:header]" specs of tag files which
	// exclude the directory containing them.
	ExcludeIfPresent  []string
	ExcludeCaches     bool
	ExcludeLargerThan int64
	OneFileSystem     bool

	// Parent is the ID of the parent snapshot. If empty, the latest snapshot
	// with the same host and paths is used.
	Parent string
	// Force rereads all files by not using a parent snapshot.
	Force bool

	Host           string
	Tags           data.TagList
	Time           time.Time
	ProgramVersion string

	ReadConcurrency uint
	IgnoreInode     bool
	WithAtime       bool
	DryRun          bool

	// CompleteItem is called for every saved file and directory.
	CompleteItem archiver.CompleteItemFunc
}

// BackupResult describes a finished backup.
type BackupResult struct {
	Snapshot *data.Snapshot
	// ID is null for a dry run.
	ID      restic.ID
	Parent  *data.Snapshot
	Summary *data.SnapshotSummary
	// Errors counts the files and directories which could not be read.
	Errors uint64
}

func (opts BackupOptions) hostname() (string, error) {
	if opts.Host != "" {
		return opts.Host, nil
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "", errors.Wrap(err, "hostname")
	}
	return hostname, nil
}

func (r *Repository) collectRejectFuncs(opts BackupOptions, targets []string) (funcs []archiver.RejectFunc, err error) {
	warnf := func(msg string, args ...any) {
		r.printer.E(msg, args...)
	}

	patterns, err := opts.ExcludePatternOptions.CollectPatterns()
	if err != nil {
		return nil, err
	}
	if len(patterns) > 0 {
		funcs = append(funcs, archiver.RejectByName(filter.RejectByPattern(patterns, warnf)))
	}

	if opts.ExcludeCaches {
		fn, err := archiver.RejectCacheDirs(warnf)
		if err != nil {
			return nil, err
		}
		funcs = append(funcs, fn)
	}

	for _, spec := range opts.ExcludeIfPresent {
		fn, err := archiver.RejectIfPresent(spec, warnf)
		if err != nil {
			return nil, err
		}
		funcs = append(funcs, fn)
	}

	if opts.ExcludeLargerThan > 0 {
		funcs = append(funcs, archiver.RejectBySize(opts.ExcludeLargerThan))
	}

	if opts.OneFileSystem {
		fn, err := archiver.RejectByDevice(targets, fs.Local{})
		if err != nil {
			return nil, err
		}
		funcs = append(funcs, fn)
	}

	return funcs, nil
}

// findParentSnapshot returns the newest snapshot of host which has exactly
// the given paths, or nil.
func (r *Repository) findParentSnapshot(ctx context.Context, opts BackupOptions, host string, targets []string) (*data.Snapshot, error) {
	if opts.Force {
		return nil, nil
	}

	if opts.Parent != "" {
		sn, _, err := data.FindSnapshot(ctx, r.repo, r.repo, opts.Parent)
		if err != nil {
			return nil, errors.Fatalf("unable to load parent snapshot %v: %v", opts.Parent, err)
		}
		return sn, nil
	}

	paths := slices.Clone(targets)
	slices.Sort(paths)

	var parent *data.Snapshot
	err := data.ForAllSnapshots(ctx, r.repo, r.repo, nil, func(id restic.ID, sn *data.Snapshot, err error) error {
		if err != nil {
			r.printer.E("unable to load snapshot %v: %v\n", id.Str(), err)
			return nil
		}
		if sn.Hostname != host {
			return nil
		}
		snPaths := slices.Clone(sn.Paths)
		slices.Sort(snPaths)
		if !slices.Equal(paths, snPaths) {
			return nil
		}
		if parent == nil || sn.Time.After(parent.Time) {
			parent = sn
		}
		return nil
	})
	return parent, err
}

// Backup saves the targets as a new snapshot.
func (r *Repository) Backup(ctx context.Context, opts BackupOptions) (*BackupResult, error) {
	if len(opts.Targets) == 0 {
		return nil, errors.Fatal("nothing to backup, please specify source files/dirs")
	}

	targets := make([]string, 0, len(opts.Targets))
	for _, target := range opts.Targets {
		abs, err := filepath.Abs(target)
		if err != nil {
			return nil, errors.Wrap(err, "Abs")
		}
		targets = append(targets, filepath.Clean(abs))
	}

	host, err := opts.hostname()
	if err != nil {
		return nil, err
	}

	rejects, err := r.collectRejectFuncs(opts, targets)
	if err != nil {
		return nil, err
	}

	lock, ctx, err := r.lock(ctx, false)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	if err := r.loadIndex(ctx); err != nil {
		return nil, err
	}

	parent, err := r.findParentSnapshot(ctx, opts, host, targets)
	if err != nil {
		return nil, err
	}
	if parent != nil {
		r.printer.P("using parent snapshot %v\n", parent.ID().Str())
	} else {
		r.printer.V("no parent snapshot found, will read all files\n")
	}

	arch := archiver.New(r.repo, fs.Local{}, archiver.Options{
		FileReadConcurrency: opts.ReadConcurrency,
		IgnoreInode:         opts.IgnoreInode,
		DryRun:              opts.DryRun,
	})
	arch.Select = archiver.CombineRejects(rejects)
	arch.WithAtime = opts.WithAtime
	arch.Warnf = func(msg string, args ...any) {
		r.printer.E(msg, args...)
	}

	var errCount atomic.Uint64
	arch.Error = func(item string, err error) error {
		debug.Log("error for %v: %v", item, err)
		errCount.Add(1)
		r.printer.E("error: %v\n", err)
		return nil
	}
	if opts.CompleteItem != nil {
		arch.CompleteItem = opts.CompleteItem
	}

	snapshotTime := opts.Time
	if snapshotTime.IsZero() {
		snapshotTime = time.Now()
	}

	excludes, err := opts.ExcludePatternOptions.CollectPatterns()
	if err != nil {
		return nil, err
	}

	sn, id, summary, err := arch.Snapshot(ctx, targets, archiver.SnapshotOptions{
		Tags:           opts.Tags,
		Hostname:       host,
		Excludes:       excludes,
		Time:           snapshotTime,
		ParentSnapshot: parent,
		ProgramVersion: opts.ProgramVersion,
	})
	if err != nil {
		if errors.Is(err, archiver.ErrNoFiles) {
			return nil, errors.Fatalf("unable to save snapshot: %v", err)
		}
		return nil, errors.Wrap(err, "unable to save snapshot")
	}

	if opts.DryRun {
		r.printer.P("would have saved snapshot with %d new, %d changed and %d unmodified files\n",
			summary.FilesNew, summary.FilesChanged, summary.FilesUnmodified)
	} else {
		r.printer.P("snapshot %s saved\n", id.Str())
	}

	return &BackupResult{
		Snapshot: sn,
		ID:       id,
		Parent:   parent,
		Summary:  summary,
		Errors:   errCount.Load(),
	}, nil
}
