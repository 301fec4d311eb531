package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/engine"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/restic"
)

func newLsCommand() *cobra.Command {
	var opts LsOptions

	cmd := &cobra.Command{
		Use:   "ls [flags] snapshotID [dir]",
		Short: "List files in a snapshot",
		Long: `
The "ls" command lists files and directories in a snapshot.

The special snapshot ID "latest" can be used to list files and
directories of the latest snapshot in the repository. The
--host flag can be used in conjunction to select the latest
snapshot originating from a certain host only.

File listings can optionally be filtered by a directory. If the
directory is given, only its content is shown, use --recursive to
list all files below it.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
Exit status is 10 if the repository does not exist.
Exit status is 11 if the repository is already locked.
Exit status is 12 if the password is incorrect.
`,
		DisableAutoGenTag: true,
		GroupID:           cmdGroupDefault,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLs(cmd.Context(), opts, globalOptions, args)
		},
	}

	opts.AddFlags(cmd.Flags())
	return cmd
}

// LsOptions collects all options for the ls command.
type LsOptions struct {
	ListLong      bool
	HumanReadable bool
	data.SnapshotFilter
	Recursive bool
}

func (opts *LsOptions) AddFlags(f *pflag.FlagSet) {
	initSingleSnapshotFilter(f, &opts.SnapshotFilter)
	f.BoolVarP(&opts.ListLong, "long", "l", false, "use a long listing format showing size and mode")
	f.BoolVar(&opts.HumanReadable, "human-readable", false, "print sizes in human readable format")
	f.BoolVar(&opts.Recursive, "recursive", false, "include files in subfolders of the listed directories")
}

type lsPrinter interface {
	Snapshot(sn *data.Snapshot) error
	Node(path string, node *data.Node) error
}

type jsonLsPrinter struct {
	enc *json.Encoder
}

func (p *jsonLsPrinter) Snapshot(sn *data.Snapshot) error {
	type lsSnapshot struct {
		*data.Snapshot
		ID          *restic.ID `json:"id"`
		ShortID     string     `json:"short_id"`
		MessageType string     `json:"message_type"` // "snapshot"
		StructType  string     `json:"struct_type"`  // "snapshot", deprecated
	}

	return p.enc.Encode(lsSnapshot{
		Snapshot:    sn,
		ID:          sn.ID(),
		ShortID:     sn.ID().Str(),
		MessageType: "snapshot",
		StructType:  "snapshot",
	})
}

// Node formats node in our custom JSON format, followed by a newline.
func (p *jsonLsPrinter) Node(path string, node *data.Node) error {
	n := &struct {
		Name        string    `json:"name"`
		Type        string    `json:"type"`
		Path        string    `json:"path"`
		UID         uint32    `json:"uid"`
		GID         uint32    `json:"gid"`
		Size        *uint64   `json:"size,omitempty"`
		Permissions string    `json:"permissions,omitempty"`
		ModTime     time.Time `json:"mtime,omitempty"`
		AccessTime  time.Time `json:"atime,omitempty"`
		ChangeTime  time.Time `json:"ctime,omitempty"`
		MessageType string    `json:"message_type"` // "node"
		StructType  string    `json:"struct_type"`  // "node", deprecated
	}{
		Name:        node.Name,
		Type:        string(node.Type),
		Path:        path,
		UID:         node.UID,
		GID:         node.GID,
		Permissions: node.FileMode().String(),
		ModTime:     node.ModTime,
		AccessTime:  node.AccessTime,
		ChangeTime:  node.ChangeTime,
		MessageType: "node",
		StructType:  "node",
	}
	// Always print size for regular files, even when empty,
	// but never for other types.
	if node.Type == data.NodeTypeFile {
		n.Size = &node.Size
	}

	return p.enc.Encode(n)
}

type textLsPrinter struct {
	out           io.Writer
	ListLong      bool
	HumanReadable bool
}

func (p *textLsPrinter) Snapshot(sn *data.Snapshot) error {
	_, err := fmt.Fprintf(p.out, "snapshot %s of %v at %s:\n", sn.ID().Str(), sn.Paths, sn.Time.Local().Format(TimeFormat))
	return err
}

func (p *textLsPrinter) Node(path string, node *data.Node) error {
	_, err := fmt.Fprintln(p.out, formatNode(path, node, p.ListLong, p.HumanReadable))
	return err
}

func runLs(ctx context.Context, opts LsOptions, gopts GlobalOptions, args []string) error {
	if len(args) == 0 {
		return errors.Fatal("no snapshot ID specified, specify snapshot ID or use special ID 'latest'")
	}
	if len(args) > 2 {
		return errors.Fatal("only a snapshot ID and one directory can be given")
	}

	dir := "/"
	if len(args) == 2 {
		dir = args[1]
		if !strings.HasPrefix(dir, "/") {
			return errors.Fatalf("directory %q must be an absolute path within the snapshot", dir)
		}
	}

	printer := gopts.printer()

	r, err := OpenRepository(ctx, gopts, printer)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	var p lsPrinter
	if gopts.JSON {
		p = &jsonLsPrinter{enc: json.NewEncoder(gopts.out())}
	} else {
		p = &textLsPrinter{
			out:           gopts.out(),
			ListLong:      opts.ListLong,
			HumanReadable: opts.HumanReadable,
		}
	}

	res, err := r.Ls(ctx, engine.LsOptions{
		Snapshot:  args[0],
		Filter:    opts.SnapshotFilter,
		Path:      dir,
		Recursive: opts.Recursive,
	})
	if err != nil {
		return err
	}

	if err := p.Snapshot(res.Snapshot); err != nil {
		return err
	}
	for _, n := range res.Nodes {
		if err := p.Node(n.Path, n.Node); err != nil {
			return err
		}
	}
	return nil
}
