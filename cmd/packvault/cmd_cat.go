package main

import (
	"context"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/packvault/packvault/internal/engine"
	"github.com/packvault/packvault/internal/errors"
)

func newCatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cat [flags] [masterkey|config|pack ID|blob ID|snapshot ID|index ID|key ID|lock ID|tree snapshot:subfolder]",
		Short: "Print internal objects to stdout",
		Long: `
The "cat" command is used to print internal objects to stdout.

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
			return runCat(cmd.Context(), globalOptions, args)
		},
		ValidArgs: engine.CatTypes,
	}
	return cmd
}

func validateCatArgs(args []string) error {
	if len(args) < 1 {
		return errors.Fatal("type not specified")
	}

	validType := slices.Contains(engine.CatTypes, args[0])
	if !validType {
		return errors.Fatalf("invalid type %q, must be one of [%s]", args[0], strings.Join(engine.CatTypes, "|"))
	}

	if args[0] != "masterkey" && args[0] != "config" && len(args) != 2 {
		return errors.Fatal("ID not specified")
	}

	return nil
}

func runCat(ctx context.Context, gopts GlobalOptions, args []string) error {
	if err := validateCatArgs(args); err != nil {
		return err
	}

	printer := gopts.printer()

	r, err := OpenRepository(ctx, gopts, printer)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	opts := engine.CatOptions{Type: args[0]}
	if len(args) > 1 {
		opts.ID = args[1]
	}

	buf, err := r.Cat(ctx, opts)
	if err != nil {
		return err
	}

	out := gopts.rawOut()
	if opts.Type != "blob" {
		buf = append(buf, '\n')
	}
	_, err = out.Write(buf)
	return err
}
