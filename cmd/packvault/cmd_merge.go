package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/engine"
	"github.com/packvault/packvault/internal/errors"
)

func newMergeCommand() *cobra.Command {
	var opts MergeOptions

	cmd := &cobra.Command{
		Use:   "merge [flags] snapshotID snapshotID [snapshotID ...]",
		Short: "Combine snapshots into a new snapshot",
		Long: `
The "merge" command creates a new snapshot which contains the files of all
given snapshots. If a file exists in several snapshots, the version from the
snapshot given last is used. The merged snapshots are kept.

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
			return runMerge(cmd.Context(), opts, globalOptions, args)
		},
	}

	opts.AddFlags(cmd.Flags())
	return cmd
}

// MergeOptions collects all options for the merge command.
type MergeOptions struct {
	Host      string
	Tags      data.TagLists
	TimeStamp string
}

func (opts *MergeOptions) AddFlags(f *pflag.FlagSet) {
	f.StringVarP(&opts.Host, "host", "H", "", "set the `hostname` of the new snapshot (default: host of the merged snapshots if they agree)")
	f.Var(&opts.Tags, "tag", "add `tags` for the new snapshot in the format `tag[,tag,...]` (can be specified multiple times)")
	f.StringVar(&opts.TimeStamp, "time", "", "`time` of the new snapshot (ex. '2012-11-01 22:08:41') (default: now)")
}

func runMerge(ctx context.Context, opts MergeOptions, gopts GlobalOptions, args []string) error {
	if len(args) < 2 {
		return errors.Fatal("at least two snapshot IDs are required")
	}

	var ts time.Time
	if opts.TimeStamp != "" {
		var err error
		ts, err = time.ParseInLocation(TimeFormat, opts.TimeStamp, time.Local)
		if err != nil {
			return errors.Fatalf("error in time option: %v", err)
		}
	}

	printer := gopts.printer()

	r, err := OpenRepository(ctx, gopts, printer)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	res, err := r.Merge(ctx, engine.MergeOptions{
		Snapshots: args,
		Host:      opts.Host,
		Tags:      opts.Tags.Flatten(),
		Time:      ts,
	})
	if err != nil {
		return err
	}

	if gopts.JSON {
		return json.NewEncoder(gopts.out()).Encode(Snapshot{
			Snapshot: res.Snapshot,
			ID:       &res.ID,
			ShortID:  res.ID.Str(),
		})
	}
	printer.P("merged %d snapshots into snapshot %v", len(args), res.ID.Str())
	return nil
}
