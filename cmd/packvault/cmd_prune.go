package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/packvault/packvault/internal/engine"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/repository"
	"github.com/packvault/packvault/internal/ui"
)

func newPruneCommand() *cobra.Command {
	var opts PruneOptions

	cmd := &cobra.Command{
		Use:   "prune [flags]",
		Short: "Remove unneeded data from the repository",
		Long: `
The "prune" command checks the repository and removes data that is not
referenced and therefore not needed any more. An interrupted prune run is
finished first.

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
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPrune(cmd.Context(), opts, globalOptions)
		},
	}

	opts.AddFlags(cmd.Flags())
	return cmd
}

// PruneOptions collects all options for the prune command.
type PruneOptions struct {
	DryRun         bool
	RepackRatio    float64
	MaxRepackSize  string
	maxRepackBytes uint64

	RepackCacheableOnly bool
	RepackSmall         bool
	RepackUncompressed  bool
}

func (opts *PruneOptions) AddFlags(f *pflag.FlagSet) {
	opts.AddLimitedFlags(f)
	f.BoolVarP(&opts.DryRun, "dry-run", "n", false, "do not modify the repository, just print what would be done")
}

// AddLimitedFlags adds all flags which are shared with forget --prune.
func (opts *PruneOptions) AddLimitedFlags(f *pflag.FlagSet) {
	f.Float64Var(&opts.RepackRatio, "repack-ratio", repository.DefaultRepackRatio, "repack packs which contain less than this `fraction` of used data (0 < fraction <= 1)")
	f.StringVar(&opts.MaxRepackSize, "max-repack-size", "", "stop after repacking this much data in total (allowed suffixes for `size`: k/K, m/M, g/G, t/T)")
	f.BoolVar(&opts.RepackCacheableOnly, "repack-cacheable-only", false, "only repack packs which are cacheable")
	f.BoolVar(&opts.RepackSmall, "repack-small", false, "repack pack files below 80% of target pack size")
	f.BoolVar(&opts.RepackUncompressed, "repack-uncompressed", false, "repack all uncompressed data")
}

func verifyPruneOptions(opts *PruneOptions) error {
	opts.maxRepackBytes = 0
	if len(opts.MaxRepackSize) > 0 {
		size, err := ui.ParseBytes(opts.MaxRepackSize)
		if err != nil {
			return err
		}
		opts.maxRepackBytes = uint64(size)
	}

	if opts.RepackRatio <= 0 || opts.RepackRatio > 1 {
		return errors.Fatalf("invalid --repack-ratio %v, must be in (0, 1]", opts.RepackRatio)
	}
	return nil
}

func (opts PruneOptions) engineOptions() engine.PruneOptions {
	return engine.PruneOptions{PruneOptions: repository.PruneOptions{
		DryRun:              opts.DryRun,
		RepackRatio:         opts.RepackRatio,
		MaxRepackBytes:      opts.maxRepackBytes,
		RepackCacheableOnly: opts.RepackCacheableOnly,
		RepackSmall:         opts.RepackSmall,
		RepackUncompressed:  opts.RepackUncompressed,
	}}
}

func runPrune(ctx context.Context, opts PruneOptions, gopts GlobalOptions) error {
	err := verifyPruneOptions(&opts)
	if err != nil {
		return err
	}

	if gopts.NoLock && !opts.DryRun {
		return errors.Fatal("--no-lock is only applicable in combination with --dry-run for prune command")
	}

	printer := gopts.printer()

	r, err := OpenRepository(ctx, gopts, printer)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	res, err := r.Prune(ctx, opts.engineOptions())
	if err != nil {
		return err
	}

	if res.Resumed > 0 {
		printer.P("finished %d interrupted prune runs", res.Resumed)
	}
	if gopts.JSON {
		return json.NewEncoder(gopts.out()).Encode(newPruneSummary(res))
	}
	return nil
}

type pruneSummary struct {
	MessageType  string `json:"message_type"` // "summary"
	Resumed      int    `json:"resumed"`
	UsedBlobs    uint   `json:"used_blobs"`
	UnusedBlobs  uint   `json:"unused_blobs"`
	RemovedBlobs uint   `json:"removed_blobs"`
	RepackBlobs  uint   `json:"repack_blobs"`
	UsedSize     uint64 `json:"used_size"`
	UnusedSize   uint64 `json:"unused_size"`
	RemovedSize  uint64 `json:"removed_size"`
	RepackedSize uint64 `json:"repacked_size"`
	RemovedPacks uint   `json:"removed_packs"`
	RepackPacks  uint   `json:"repack_packs"`
}

func newPruneSummary(res *engine.PruneResult) pruneSummary {
	s := res.Stats
	return pruneSummary{
		MessageType:  "summary",
		Resumed:      res.Resumed,
		UsedBlobs:    s.Blobs.Used,
		UnusedBlobs:  s.Blobs.Unused,
		RemovedBlobs: s.Blobs.Remove,
		RepackBlobs:  s.Blobs.Repack,
		UsedSize:     s.Size.Used,
		UnusedSize:   s.Size.Unused,
		RemovedSize:  s.Size.Remove,
		RepackedSize: s.Size.Repack,
		RemovedPacks: s.Packs.Remove,
		RepackPacks:  s.Packs.Repack,
	}
}
