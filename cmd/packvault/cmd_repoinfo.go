package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/packvault/packvault/internal/errors"
)

func newRepoinfoCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repoinfo",
		Short: "Show file and blob statistics of the repository",
		Long: `
The "repoinfo" command counts the files and blobs stored in the repository
and reports the compression ratio of the stored data.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
Exit status is 10 if the repository does not exist.
Exit status is 11 if the repository is already locked.
Exit status is 12 if the password is incorrect.
`,
		GroupID:           cmdGroupAdvanced,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepoinfo(cmd.Context(), globalOptions, args)
		},
	}
	return cmd
}

type repoinfoCount struct {
	Count uint64 `json:"count"`
	Size  uint64 `json:"size"`
	// only set for blobs
	UncompressedSize uint64 `json:"uncompressed_size,omitempty"`
}

type repoinfoSummary struct {
	Files            map[string]repoinfoCount `json:"files"`
	Blobs            map[string]repoinfoCount `json:"blobs"`
	CompressionRatio float64                  `json:"compression_ratio"`
	SpaceSaving      float64                  `json:"compression_space_saving"`
}

func runRepoinfo(ctx context.Context, gopts GlobalOptions, args []string) error {
	if len(args) > 0 {
		return errors.Fatal("the repoinfo command expects no arguments")
	}

	printer := gopts.printer()
	r, err := OpenRepository(ctx, gopts, printer)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	stats, err := r.Stats(ctx)
	if err != nil {
		return err
	}

	if !gopts.JSON {
		return nil
	}

	summary := repoinfoSummary{
		Files:            make(map[string]repoinfoCount),
		Blobs:            make(map[string]repoinfoCount),
		CompressionRatio: stats.CompressionRatio,
		SpaceSaving:      stats.SpaceSaving,
	}
	for t, fs := range stats.Files {
		summary.Files[t.String()] = repoinfoCount{Count: fs.Count, Size: fs.Size}
	}
	for t, bs := range stats.Blobs {
		summary.Blobs[t.String()] = repoinfoCount{Count: bs.Count, Size: bs.Size, UncompressedSize: bs.UncompressedSize}
	}
	return json.NewEncoder(gopts.out()).Encode(summary)
}
