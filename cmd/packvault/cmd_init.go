package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/packvault/packvault/internal/backend/location"
	"github.com/packvault/packvault/internal/engine"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/restic"
	"github.com/packvault/packvault/internal/ui"
)

func newInitCommand() *cobra.Command {
	var opts InitOptions

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new repository",
		Long: `
The "init" command initializes a new repository.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
`,
		GroupID:           cmdGroupDefault,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.Context(), opts, globalOptions, args)
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

// InitOptions bundles all options for the init command.
type InitOptions struct {
	Compression      restic.CompressionMode
	CompressionLevel int
	PackSize         string
	MinChunkSize     string
	MaxChunkSize     string
	AvgChunkSizeBits uint
}

func (opts *InitOptions) AddFlags(f *pflag.FlagSet) {
	f.Var(&opts.Compression, "compression", "compression mode of the repository, one of (auto|off|max)")
	f.IntVar(&opts.CompressionLevel, "compression-level", 0, "zstd `level` used for compression (default: depends on the mode)")
	f.StringVar(&opts.PackSize, "pack-size", "", "target pack `size`, for example 16M (default: 16 MiB)")
	f.StringVar(&opts.MinChunkSize, "min-chunk-size", "", "minimum chunk `size`, for example 512K")
	f.StringVar(&opts.MaxChunkSize, "max-chunk-size", "", "maximum chunk `size`, for example 8M")
	f.UintVar(&opts.AvgChunkSizeBits, "avg-chunk-size-bits", 0, "average chunk size as a power of two (default: 20 for 1 MiB)")
}

func parseSizeOption(name, s string) (uint, error) {
	if s == "" {
		return 0, nil
	}
	size, err := ui.ParseBytes(s)
	if err != nil || size <= 0 {
		return 0, errors.Fatalf("invalid value %q for %v", s, name)
	}
	return uint(size), nil
}

func (opts InitOptions) configOptions() (restic.ConfigOptions, error) {
	cfg := restic.ConfigOptions{
		AvgChunkSizeBits: opts.AvgChunkSizeBits,
		Compression:      opts.Compression,
		CompressionLevel: opts.CompressionLevel,
	}

	var err error
	if cfg.PackSize, err = parseSizeOption("--pack-size", opts.PackSize); err != nil {
		return cfg, err
	}
	if cfg.MinChunkSize, err = parseSizeOption("--min-chunk-size", opts.MinChunkSize); err != nil {
		return cfg, err
	}
	if cfg.MaxChunkSize, err = parseSizeOption("--max-chunk-size", opts.MaxChunkSize); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func runInit(ctx context.Context, opts InitOptions, gopts GlobalOptions, args []string) error {
	if len(args) > 0 {
		return errors.Fatal("the init command expects no arguments, only options - please see `packvault help init` for usage and flags")
	}

	printer := gopts.printer()

	cfg, err := opts.configOptions()
	if err != nil {
		return err
	}

	gopts.Repo, err = ReadRepo(gopts)
	if err != nil {
		return err
	}

	if !gopts.InsecureNoPassword {
		gopts.password, err = ReadPasswordTwice(ctx, gopts,
			"enter password for new repository: ",
			"enter password again: ")
		if err != nil {
			return err
		}
	}

	be, err := create(ctx, gopts.Repo, gopts, gopts.extended, printer)
	if err != nil {
		return errors.Fatalf("create repository at %s failed: %v", location.StripPassword(gopts.backends, gopts.Repo), err)
	}

	r, err := engine.Init(ctx, be, passwordSource(gopts, ""), engine.InitOptions{
		Config:  cfg,
		Options: gopts.engineOptions(printer),
	})
	if err != nil {
		_ = be.Close()
		return errors.Fatalf("create key in repository at %s failed: %v", location.StripPassword(gopts.backends, gopts.Repo), err)
	}
	defer func() { _ = r.Close() }()

	if !gopts.JSON {
		printer.P("created packvault repository %v at %s", r.Config().ID[:10], location.StripPassword(gopts.backends, gopts.Repo))
		printer.P("\nPlease note that knowledge of your password is required to access\n" +
			"the repository. Losing your password means that your data is\n" +
			"irrecoverably lost.")
	} else {
		status := initSuccess{
			MessageType: "initialized",
			ID:          r.Config().ID,
			Repository:  location.StripPassword(gopts.backends, gopts.Repo),
		}
		return json.NewEncoder(gopts.out()).Encode(status)
	}

	return nil
}

type initSuccess struct {
	MessageType string `json:"message_type"` // "initialized"
	ID          string `json:"id"`
	Repository  string `json:"repository"`
}
