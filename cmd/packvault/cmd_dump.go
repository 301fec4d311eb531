package main

import (
	"bufio"
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/engine"
	"github.com/packvault/packvault/internal/errors"
)

func newDumpCommand() *cobra.Command {
	var opts DumpOptions

	cmd := &cobra.Command{
		Use:   "dump [flags] snapshotID file",
		Short: "Print a backed-up file to stdout",
		Long: `
The "dump" command extracts files from a snapshot from the repository. If a
single file is selected, it prints its contents to stdout. Folders are output
as a tar (default) or zip file containing the contents of the specified folder.
Pass "/" as file name to dump the whole snapshot as an archive file.

The special snapshotID "latest" can be used to use the latest snapshot in the
repository.

To include the folder content at the root of the archive, you can use the
"snapshotID:subfolder" syntax, where "subfolder" is a path within the
snapshot.

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
			return runDump(cmd.Context(), opts, globalOptions, args)
		},
	}

	opts.AddFlags(cmd.Flags())
	return cmd
}

// DumpOptions collects all options for the dump command.
type DumpOptions struct {
	data.SnapshotFilter
	Archive string
	Target  string
}

func (opts *DumpOptions) AddFlags(f *pflag.FlagSet) {
	initSingleSnapshotFilter(f, &opts.SnapshotFilter)
	f.StringVarP(&opts.Archive, "archive", "a", "tar", "set archive `format` as \"tar\" or \"zip\"")
	f.StringVarP(&opts.Target, "target", "t", "", "write the output to target `path`")
}

func runDump(ctx context.Context, opts DumpOptions, gopts GlobalOptions, args []string) error {
	if len(args) != 2 {
		return errors.Fatal("no file and no snapshot ID specified")
	}

	switch opts.Archive {
	case "tar", "zip":
	default:
		return errors.Fatalf("unknown archive format %q", opts.Archive)
	}

	snapshotIDString := args[0]
	pathToPrint := args[1]

	debug.Log("dump file %q from %q", pathToPrint, snapshotIDString)

	printer := gopts.printer()

	var out io.Writer = gopts.rawOut()
	if opts.Target != "" {
		file, err := os.Create(opts.Target)
		if err != nil {
			return errors.Fatalf("cannot dump to file: %v", err)
		}
		defer func() {
			_ = file.Close()
		}()
		out = file
	} else if gopts.term != nil && gopts.term.OutputIsTerminal() && pathToPrint == "/" {
		return errors.Fatal("stdout is the terminal, please redirect output")
	}

	r, err := OpenRepository(ctx, gopts, printer)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	bw := bufio.NewWriter(out)
	err = r.Dump(ctx, engine.DumpOptions{
		Snapshot: snapshotIDString,
		Filter:   opts.SnapshotFilter,
		Path:     pathToPrint,
		Archive:  opts.Archive,
		Output:   bw,
	})
	if err != nil {
		return err
	}
	return bw.Flush()
}
