package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/engine"
	"github.com/packvault/packvault/internal/errors"
)

func newRepairCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "repair",
		Short:             "Repair the repository",
		GroupID:           cmdGroupDefault,
		DisableAutoGenTag: true,
	}

	cmd.AddCommand(
		newRepairIndexCommand(),
		newRepairPacksCommand(),
		newRepairSnapshotsCommand(),
	)
	return cmd
}

func newRepairIndexCommand() *cobra.Command {
	var opts RepairIndexOptions

	cmd := &cobra.Command{
		Use:   "index [flags]",
		Short: "Build a new index",
		Long: `
The "repair index" command creates a new index based on the pack files in the
repository.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
Exit status is 10 if the repository does not exist.
Exit status is 11 if the repository is already locked.
Exit status is 12 if the password is incorrect.
`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRepairIndex(cmd.Context(), opts, globalOptions)
		},
	}

	opts.AddFlags(cmd.Flags())
	return cmd
}

// RepairIndexOptions collects all options for the repair index command.
type RepairIndexOptions struct {
	ReadAllPacks bool
}

func (opts *RepairIndexOptions) AddFlags(f *pflag.FlagSet) {
	f.BoolVar(&opts.ReadAllPacks, "read-all-packs", false, "read all pack files to generate new index from scratch")
}

func runRepairIndex(ctx context.Context, opts RepairIndexOptions, gopts GlobalOptions) error {
	printer := gopts.printer()

	r, err := OpenRepository(ctx, gopts, printer)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	return r.RepairIndex(ctx, engine.RepairIndexOptions{ReadAllPacks: opts.ReadAllPacks})
}

func newRepairPacksCommand() *cobra.Command {
	var opts RepairPacksOptions

	cmd := &cobra.Command{
		Use:   "packs [packIDs...]",
		Short: "Salvage damaged pack files",
		Long: `
The "repair packs" command extracts intact blobs from the specified pack files,
rebuilds the index to remove the damaged pack files and removes the pack files
from the repository.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
Exit status is 10 if the repository does not exist.
Exit status is 11 if the repository is already locked.
Exit status is 12 if the password is incorrect.
`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepairPacks(cmd.Context(), opts, globalOptions, args)
		},
	}

	opts.AddFlags(cmd.Flags())
	return cmd
}

// RepairPacksOptions collects all options for the repair packs command.
type RepairPacksOptions struct {
	BackupDir string
}

func (opts *RepairPacksOptions) AddFlags(f *pflag.FlagSet) {
	f.StringVar(&opts.BackupDir, "backup-dir", ".", "save a copy of the damaged packs to `dir` before removing them (use '' to disable)")
}

func runRepairPacks(ctx context.Context, opts RepairPacksOptions, gopts GlobalOptions, args []string) error {
	if len(args) == 0 {
		return errors.Fatal("no ids specified")
	}

	printer := gopts.printer()

	r, err := OpenRepository(ctx, gopts, printer)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	return r.RepairPacks(ctx, engine.RepairPacksOptions{
		IDs:       args,
		BackupDir: opts.BackupDir,
	})
}

func newRepairSnapshotsCommand() *cobra.Command {
	var opts RepairOptions

	cmd := &cobra.Command{
		Use:   "snapshots [flags] [snapshot ID] [...]",
		Short: "Repair snapshots",
		Long: `
The "repair snapshots" command repairs broken snapshots. It scans the given
snapshots and generates new ones with damaged directories and file contents
removed. If the broken snapshots are deleted, a prune run will be able to
clean up the repository.

The command depends on a correct index, thus make sure to run "repair index"
first!

WARNING
=======

Repairing and deleting broken snapshots causes data loss! It will remove broken
directories and modify broken files in the modified snapshots.

If the contents of directories and files are still available, the better option
is to run a backup which in that case is able to heal existing snapshots. Only
use the "repair snapshots" command if you need to recover an old and broken
snapshot!

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
Exit status is 10 if the repository does not exist.
Exit status is 11 if the repository is already locked.
Exit status is 12 if the password is incorrect.
`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepairSnapshots(cmd.Context(), opts, globalOptions, args)
		},
	}

	opts.AddFlags(cmd.Flags())
	return cmd
}

// RepairOptions collects all options for the repair snapshots command.
type RepairOptions struct {
	DryRun bool
	Forget bool

	data.SnapshotFilter
}

func (opts *RepairOptions) AddFlags(f *pflag.FlagSet) {
	f.BoolVarP(&opts.DryRun, "dry-run", "n", false, "do not do anything, just print what would be done")
	f.BoolVarP(&opts.Forget, "forget", "", false, "remove original snapshots after creating new ones")

	initMultiSnapshotFilter(f, &opts.SnapshotFilter, true)
}

type repairSummary struct {
	MessageType string            `json:"message_type"` // "summary"
	Repaired    map[string]string `json:"repaired"`
	Lost        []string          `json:"lost,omitempty"`
	Removed     []string          `json:"removed,omitempty"`
}

func runRepairSnapshots(ctx context.Context, opts RepairOptions, gopts GlobalOptions, args []string) error {
	printer := gopts.printer()

	r, err := OpenRepository(ctx, gopts, printer)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	res, err := r.RepairSnapshots(ctx, engine.RepairSnapshotsOptions{
		Snapshots: args,
		Filter:    opts.SnapshotFilter,
		Forget:    opts.Forget,
		DryRun:    opts.DryRun,
	})
	if err != nil {
		return err
	}

	if gopts.JSON {
		summary := repairSummary{MessageType: "summary", Repaired: make(map[string]string)}
		for orig, repaired := range res.Repaired {
			summary.Repaired[orig.String()] = repaired.String()
		}
		for _, id := range res.Lost {
			summary.Lost = append(summary.Lost, id.String())
		}
		for _, id := range res.Removed {
			summary.Removed = append(summary.Removed, id.String())
		}
		return json.NewEncoder(gopts.out()).Encode(summary)
	}

	switch {
	case len(res.Repaired) == 0 && len(res.Lost) == 0:
		printer.P("no snapshots were modified")
	case opts.DryRun:
		printer.P("would repair %d snapshots, %d snapshots are lost", len(res.Repaired), len(res.Lost))
	default:
		printer.P("repaired %d snapshots, removed %d snapshot files", len(res.Repaired), len(res.Removed))
	}
	return nil
}
