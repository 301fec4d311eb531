package main

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/packvault/packvault/internal/engine"
	"github.com/packvault/packvault/internal/errors"
)

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list [flags] [blobs|packs|index|snapshots|keys|locks]",
		Short: "List objects in the repository",
		Long: `
The "list" command allows listing objects in the repository based on type.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
Exit status is 10 if the repository does not exist.
Exit status is 11 if the repository is already locked.
Exit status is 12 if the password is incorrect.
`,
		DisableAutoGenTag: true,
		GroupID:           cmdGroupAdvanced,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), globalOptions, args)
		},
		ValidArgs: engine.ListTypes,
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	}
	return cmd
}

func runList(ctx context.Context, gopts GlobalOptions, args []string) error {
	if len(args) != 1 {
		return errors.Fatal("type not specified")
	}
	if !slices.Contains(engine.ListTypes, args[0]) {
		return errors.Fatalf("invalid type %q, must be one of [%s]", args[0], strings.Join(engine.ListTypes, "|"))
	}

	printer := gopts.printer()

	// a lock would show up in the listing
	if args[0] == "locks" {
		gopts.NoLock = true
	}

	r, err := OpenRepository(ctx, gopts, printer)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	out := gopts.out()
	var writeErr error
	_, err = r.List(ctx, engine.ListOptions{
		Type: args[0],
		Item: func(item engine.ListItem) {
			if writeErr == nil {
				_, writeErr = fmt.Fprintln(out, item)
			}
		},
	})
	if err != nil {
		return err
	}
	return writeErr
}
