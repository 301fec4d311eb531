package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/engine"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/filter"
	"github.com/packvault/packvault/internal/restorer"
	restoreui "github.com/packvault/packvault/internal/ui/restore"
)

func newRestoreCommand() *cobra.Command {
	var opts RestoreOptions

	cmd := &cobra.Command{
		Use:   "restore [flags] snapshotID",
		Short: "Extract the data from a snapshot",
		Long: `
The "restore" command extracts the data from a snapshot from the repository to
a directory.

The special snapshotID "latest" can be used to restore the latest snapshot in the
repository.

To only restore a specific subfolder, you can use the "snapshotID:subfolder"
syntax, where "subfolder" is a path within the snapshot.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
Exit status is 10 if the repository does not exist.
Exit status is 11 if the repository is already locked.
Exit status is 12 if the password is incorrect.
`,
		GroupID:           cmdGroupDefault,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestore(cmd.Context(), opts, globalOptions, args)
		},
	}

	opts.AddFlags(cmd.Flags())
	return cmd
}

// RestoreOptions collects all options for the restore command.
type RestoreOptions struct {
	filter.ExcludePatternOptions
	filter.IncludePatternOptions
	Target string
	data.SnapshotFilter
	DryRun    bool
	Sparse    bool
	Verify    bool
	Overwrite restorer.OverwriteBehavior
}

func (opts *RestoreOptions) AddFlags(f *pflag.FlagSet) {
	f.StringVarP(&opts.Target, "target", "t", "", "directory to extract data to")

	opts.ExcludePatternOptions.Add(f)
	opts.IncludePatternOptions.Add(f)

	initSingleSnapshotFilter(f, &opts.SnapshotFilter)
	f.BoolVar(&opts.DryRun, "dry-run", false, "do not write any data, just show what would be done")
	f.BoolVar(&opts.Sparse, "sparse", false, "restore files as sparse")
	f.BoolVar(&opts.Verify, "verify", false, "verify restored files content")
	f.Var(&opts.Overwrite, "overwrite", "overwrite behavior, one of (always|if-changed|if-newer|never) (default: always)")
}

func runRestore(ctx context.Context, opts RestoreOptions, gopts GlobalOptions, args []string) error {
	switch {
	case len(args) == 0:
		return errors.Fatal("no snapshot ID specified")
	case len(args) > 1:
		return errors.Fatalf("more than one snapshot ID specified: %v", args)
	}
	if opts.DryRun && opts.Verify {
		return errors.Fatal("--dry-run and --verify are mutually exclusive")
	}

	printer := gopts.printer()
	debug.Log("restore %v to %v", args[0], opts.Target)

	r, err := OpenRepository(ctx, gopts, printer)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	var progress *restoreui.Progress
	if gopts.term != nil && !gopts.JSON && !gopts.Quiet {
		interval := time.Duration(0)
		if gopts.term.CanUpdateStatus() {
			interval = time.Second / 6
		}
		progress = restoreui.NewProgress(restoreui.NewTextProgress(gopts.term, printer), interval)
	}

	res, err := r.Restore(ctx, engine.RestoreOptions{
		Snapshot:              args[0],
		Filter:                opts.SnapshotFilter,
		Target:                opts.Target,
		ExcludePatternOptions: opts.ExcludePatternOptions,
		IncludePatternOptions: opts.IncludePatternOptions,
		Overwrite:             opts.Overwrite,
		Sparse:                opts.Sparse,
		DryRun:                opts.DryRun,
		Verify:                opts.Verify,
		Progress:              progress,
	})
	if err != nil {
		return err
	}

	debug.Log("restored %d files from snapshot %v", res.FilesRestored, res.Snapshot.ID().Str())
	return nil
}
