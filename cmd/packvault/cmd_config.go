package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/ui"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the repository configuration",
		Long: `
The "config" command prints the parameters the repository was initialized
with. They cannot be changed afterwards.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
Exit status is 10 if the repository does not exist.
Exit status is 12 if the password is incorrect.
`,
		GroupID:           cmdGroupAdvanced,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfig(cmd.Context(), globalOptions, args)
		},
	}
	return cmd
}

func runConfig(ctx context.Context, gopts GlobalOptions, args []string) error {
	if len(args) > 0 {
		return errors.Fatal("the config command expects no arguments")
	}

	// reading the config does not need a lock
	gopts.NoLock = true

	printer := gopts.printer()
	r, err := OpenRepository(ctx, gopts, printer)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	cfg := r.Config()
	out := gopts.out()
	if gopts.JSON {
		return json.NewEncoder(out).Encode(cfg)
	}

	_, err = fmt.Fprintf(out, "Repository ID:      %s\n"+
		"Version:            %d\n"+
		"Compression:        %s\n"+
		"Compression level:  %d\n"+
		"Pack size:          %s\n"+
		"Chunk sizes:        min %s, avg 2^%d bytes, max %s\n",
		cfg.ID, cfg.Version, cfg.Compression.String(), cfg.CompressionLevel,
		ui.FormatBytes(uint64(cfg.PackSize)),
		ui.FormatBytes(uint64(cfg.MinChunkSize)), cfg.AvgChunkSizeBits, ui.FormatBytes(uint64(cfg.MaxChunkSize)))
	return err
}
