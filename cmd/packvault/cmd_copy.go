package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/engine"
)

func newCopyCommand() *cobra.Command {
	var opts CopyOptions

	cmd := &cobra.Command{
		Use:   "copy [flags] [snapshotID ...]",
		Short: "Copy snapshots from one repository to another",
		Long: `
The "copy" command copies one or more snapshots from one repository to another
repository given with --repo2. Only data missing in the destination is
transferred, it is re-encrypted with the key of the destination. Snapshots
which were copied before are skipped.

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
			return runCopy(cmd.Context(), opts, globalOptions, args)
		},
	}

	opts.AddFlags(cmd.Flags())
	return cmd
}

// CopyOptions bundles all options for the copy command.
type CopyOptions struct {
	secondaryRepoOptions
	data.SnapshotFilter
}

func (opts *CopyOptions) AddFlags(f *pflag.FlagSet) {
	initSecondaryRepoOptions(f, &opts.secondaryRepoOptions, "destination", "to copy snapshots to")
	initMultiSnapshotFilter(f, &opts.SnapshotFilter, true)
}

type copySummary struct {
	MessageType string            `json:"message_type"` // "summary"
	Copied      map[string]string `json:"copied"`
	Skipped     []string          `json:"skipped,omitempty"`
}

func runCopy(ctx context.Context, opts CopyOptions, gopts GlobalOptions, args []string) error {
	dstGopts, err := fillSecondaryGlobalOpts(ctx, opts.secondaryRepoOptions, gopts, "destination")
	if err != nil {
		return err
	}

	printer := gopts.printer()

	srcRepo, err := OpenRepository(ctx, gopts, printer)
	if err != nil {
		return err
	}
	defer func() { _ = srcRepo.Close() }()

	dstRepo, err := OpenRepository(ctx, dstGopts, printer)
	if err != nil {
		return err
	}
	defer func() { _ = dstRepo.Close() }()

	res, err := srcRepo.Copy(ctx, dstRepo, engine.CopyOptions{
		Snapshots: args,
		Filter:    opts.SnapshotFilter,
	})
	if err != nil {
		return err
	}

	if gopts.JSON {
		summary := copySummary{MessageType: "summary", Copied: make(map[string]string)}
		for src, dst := range res.Copied {
			summary.Copied[src.String()] = dst.String()
		}
		for _, id := range res.Skipped {
			summary.Skipped = append(summary.Skipped, id.String())
		}
		return json.NewEncoder(gopts.out()).Encode(summary)
	}

	printer.P("copied %d snapshots, skipped %d snapshots which already exist in the destination", len(res.Copied), len(res.Skipped))
	return nil
}
