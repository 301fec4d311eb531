package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/engine"
	"github.com/packvault/packvault/internal/restic"
	"github.com/packvault/packvault/internal/ui"
	"github.com/packvault/packvault/internal/ui/table"
)

func newSnapshotsCommand() *cobra.Command {
	var opts SnapshotOptions

	cmd := &cobra.Command{
		Use:   "snapshots [flags] [snapshotID ...]",
		Short: "List all snapshots",
		Long: `
The "snapshots" command lists all snapshots stored in the repository.

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
			return runSnapshots(cmd.Context(), opts, globalOptions, args)
		},
	}

	opts.AddFlags(cmd.Flags())
	return cmd
}

// SnapshotOptions bundles all options for the snapshots command.
type SnapshotOptions struct {
	data.SnapshotFilter
	Compact bool
	Latest  int
}

func (opts *SnapshotOptions) AddFlags(f *pflag.FlagSet) {
	initMultiSnapshotFilter(f, &opts.SnapshotFilter, true)
	f.BoolVarP(&opts.Compact, "compact", "c", false, "use compact output format")
	f.IntVar(&opts.Latest, "latest", 0, "only show the last `n` snapshots for each host and path")
}

func runSnapshots(ctx context.Context, opts SnapshotOptions, gopts GlobalOptions, args []string) error {
	printer := gopts.printer()

	r, err := OpenRepository(ctx, gopts, printer)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	snapshots, err := r.Snapshots(ctx, engine.SnapshotsOptions{
		Snapshots: args,
		Filter:    opts.SnapshotFilter,
		Latest:    opts.Latest,
	})
	if err != nil {
		return err
	}

	if gopts.JSON {
		return printSnapshotsJSON(gopts.out(), snapshots)
	}
	return printSnapshots(gopts.out(), snapshots, opts.Compact)
}

type snapshotRow struct {
	ID   string
	Time string
	Host string
	Tags string
	Tree string
	Path string
	Size string
}

// printSnapshots prints a text table of the snapshots in list to stdout.
func printSnapshots(stdout io.Writer, list data.Snapshots, compact bool) error {
	tab := table.New()
	tab.AddColumn("ID", "{{ .ID }}")
	tab.AddColumn("Time", "{{ .Time }}")
	tab.AddColumn("Host", "{{ .Host }}")
	tab.AddColumn("Tags  ", "{{ .Tags }}")
	if !compact {
		tab.AddColumn("Paths", "{{ .Tree }}{{ .Path }}")
		tab.AddColumn("Size", "{{ .Size }}")
	}

	for _, sn := range list {
		size := ""
		if sn.Summary != nil {
			size = ui.FormatBytes(sn.Summary.TotalBytesProcessed)
		}

		if compact {
			tab.AddRow(snapshotRow{
				ID:   sn.ID().Str(),
				Time: sn.Time.Format(TimeFormat),
				Host: sn.Hostname,
				Tags: strings.Join(sn.Tags, ","),
			})
			continue
		}

		rows := max(len(sn.Paths), len(sn.Tags), 1)
		for i := 0; i < rows; i++ {
			row := snapshotRow{}
			if i == 0 {
				row.ID = sn.ID().Str()
				row.Time = sn.Time.Format(TimeFormat)
				row.Host = sn.Hostname
				row.Size = size
			}
			if i < len(sn.Paths) {
				row.Path = sn.Paths[i]
			}
			if i < len(sn.Tags) {
				row.Tags = sn.Tags[i]
			}
			switch {
			case rows == 1:
			case i == 0:
				row.Tree = "┌── "
			case i == rows-1:
				row.Tree = "└── "
			default:
				row.Tree = "│   "
			}
			tab.AddRow(row)
		}
	}

	tab.AddFooter(fmt.Sprintf("%d snapshots", len(list)))
	return tab.Write(stdout)
}

// Snapshot helps to print Snapshots as JSON with their ID included.
type Snapshot struct {
	*data.Snapshot

	ID      *restic.ID `json:"id"`
	ShortID string     `json:"short_id"`
}

// printSnapshotsJSON writes the JSON representation of list to stdout.
func printSnapshotsJSON(stdout io.Writer, list data.Snapshots) error {
	snapshots := make([]Snapshot, 0, len(list))
	for _, sn := range list {
		snapshots = append(snapshots, Snapshot{
			Snapshot: sn,
			ID:       sn.ID(),
			ShortID:  sn.ID().Str(),
		})
	}

	return json.NewEncoder(stdout).Encode(snapshots)
}
