package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/packvault/packvault/internal/engine"
	"github.com/packvault/packvault/internal/errors"
)

func newCheckCommand() *cobra.Command {
	var opts CheckOptions

	cmd := &cobra.Command{
		Use:   "check [flags]",
		Short: "Check the repository for errors",
		Long: `
The "check" command tests the repository for errors and reports any errors it
finds. It can also be used to read all data and therefore simulate a restore.

By default, the "check" command will always load all data directly from the
repository and not use a local cache.

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
			return runCheck(cmd.Context(), opts, globalOptions, args)
		},
		PreRunE: func(_ *cobra.Command, _ []string) error {
			return checkFlags(opts)
		},
	}

	opts.AddFlags(cmd.Flags())
	return cmd
}

// CheckOptions bundles all options for the 'check' command.
type CheckOptions struct {
	ReadData       bool
	ReadDataSubset string
	CheckUnused    bool
}

func (opts *CheckOptions) AddFlags(f *pflag.FlagSet) {
	f.BoolVar(&opts.ReadData, "read-data", false, "read all data blobs")
	f.StringVar(&opts.ReadDataSubset, "read-data-subset", "", "read a `subset` of data packs, specified as 'n/t' for specific part, or either 'x%' or 'x.y%' or a size in bytes with suffixes k/K, m/M, g/G, t/T for a random subset")
	f.BoolVar(&opts.CheckUnused, "check-unused", false, "find unused blobs")
}

func checkFlags(opts CheckOptions) error {
	if opts.ReadData && opts.ReadDataSubset != "" {
		return errors.Fatal("check flags --read-data and --read-data-subset cannot be used together")
	}
	return nil
}

type checkSummary struct {
	MessageType  string   `json:"message_type"` // "summary"
	NumErrors    int      `json:"num_errors"`
	NumHints     int      `json:"num_hints"`
	DamagedPacks []string `json:"damaged_packs,omitempty"`
	UnusedBlobs  []string `json:"unused_blobs,omitempty"`
}

func runCheck(ctx context.Context, opts CheckOptions, gopts GlobalOptions, args []string) error {
	if len(args) != 0 {
		return errors.Fatal("the check command expects no arguments, only options - please see `packvault help check` for usage and flags")
	}

	printer := gopts.printer()

	r, err := OpenRepository(ctx, gopts, printer)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	res, checkErr := r.Check(ctx, engine.CheckOptions{
		ReadData:       opts.ReadData,
		ReadDataSubset: opts.ReadDataSubset,
		CheckUnused:    opts.CheckUnused,
	})

	if gopts.JSON && res != nil {
		summary := checkSummary{
			MessageType: "summary",
			NumErrors:   len(res.Errors),
			NumHints:    len(res.Hints),
		}
		for _, id := range res.DamagedPacks {
			summary.DamagedPacks = append(summary.DamagedPacks, id.String())
		}
		for _, h := range res.UnusedBlobs {
			summary.UnusedBlobs = append(summary.UnusedBlobs, h.String())
		}
		if err := json.NewEncoder(gopts.out()).Encode(summary); err != nil {
			return err
		}
	}

	return checkErr
}
