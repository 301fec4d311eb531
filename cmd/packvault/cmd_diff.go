package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/packvault/packvault/internal/engine"
	"github.com/packvault/packvault/internal/errors"
)

func newDiffCommand() *cobra.Command {
	var opts DiffOptions

	cmd := &cobra.Command{
		Use:   "diff [flags] snapshotID snapshotID",
		Short: "Show differences between two snapshots",
		Long: `
The "diff" command shows differences from the first to the second snapshot. The
first characters in each line display what has happened to a particular file or
directory:

* +  The item was added
* -  The item was removed
* U  The metadata (access mode, timestamps, ...) for the item was updated
* M  The file's content was modified
* T  The type was changed, e.g. a file was made a symlink

To only compare files in specific subfolders, you can use the
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
			return runDiff(cmd.Context(), opts, globalOptions, args)
		},
	}

	opts.AddFlags(cmd.Flags())
	return cmd
}

// DiffOptions collects all options for the diff command.
type DiffOptions struct {
	ShowMetadata bool
}

func (opts *DiffOptions) AddFlags(f *pflag.FlagSet) {
	f.BoolVar(&opts.ShowMetadata, "metadata", false, "print changes in metadata")
}

type diffChange struct {
	MessageType string `json:"message_type"` // "change"
	Path        string `json:"path"`
	Modifier    string `json:"modifier"`
}

type diffStat struct {
	Files     int    `json:"files"`
	Dirs      int    `json:"dirs"`
	Others    int    `json:"others"`
	DataBlobs int    `json:"data_blobs"`
	TreeBlobs int    `json:"tree_blobs"`
	Bytes     uint64 `json:"bytes"`
}

type diffStatistics struct {
	MessageType    string   `json:"message_type"` // "statistics"
	SourceSnapshot string   `json:"source_snapshot"`
	TargetSnapshot string   `json:"target_snapshot"`
	ChangedFiles   int      `json:"changed_files"`
	Added          diffStat `json:"added"`
	Removed        diffStat `json:"removed"`
}

func newDiffStat(s engine.DiffStat) diffStat {
	return diffStat{
		Files:     s.Files,
		Dirs:      s.Dirs,
		Others:    s.Others,
		DataBlobs: s.DataBlobs,
		TreeBlobs: s.TreeBlobs,
		Bytes:     s.Bytes,
	}
}

func runDiff(ctx context.Context, opts DiffOptions, gopts GlobalOptions, args []string) error {
	if len(args) != 2 {
		return errors.Fatalf("specify two snapshot IDs")
	}

	printer := gopts.printer()

	r, err := OpenRepository(ctx, gopts, printer)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	out := gopts.out()
	enc := json.NewEncoder(out)
	var printErr error
	res, err := r.Diff(ctx, engine.DiffOptions{
		Snapshot1:    args[0],
		Snapshot2:    args[1],
		ShowMetadata: opts.ShowMetadata,
		Change: func(c engine.DiffChange) {
			if printErr != nil {
				return
			}
			if gopts.JSON {
				printErr = enc.Encode(diffChange{MessageType: "change", Path: c.Path, Modifier: c.Modifier})
				return
			}
			_, printErr = fmt.Fprintf(out, "%-5s%v\n", c.Modifier, c.Path)
		},
	})
	if err != nil {
		return err
	}
	if printErr != nil {
		return printErr
	}

	if gopts.JSON {
		return enc.Encode(diffStatistics{
			MessageType:    "statistics",
			SourceSnapshot: res.Snapshot1.ID().String(),
			TargetSnapshot: res.Snapshot2.ID().String(),
			ChangedFiles:   res.Stats.ChangedFiles,
			Added:          newDiffStat(res.Stats.Added),
			Removed:        newDiffStat(res.Stats.Removed),
		})
	}
	return nil
}
