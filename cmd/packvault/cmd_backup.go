package main

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/packvault/packvault/internal/archiver"
	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/engine"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/filter"
	"github.com/packvault/packvault/internal/ui"
	"github.com/packvault/packvault/internal/ui/progress"
)

func newBackupCommand() *cobra.Command {
	var opts BackupOptions

	cmd := &cobra.Command{
		Use:   "backup [flags] FILE/DIR [FILE/DIR] ...",
		Short: "Create a new backup of files and/or directories",
		Long: `
The "backup" command creates a new snapshot and saves the files and directories
given as the arguments.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was a fatal error (no snapshot created).
Exit status is 3 if some source data could not be read (incomplete snapshot created).
Exit status is 10 if the repository does not exist.
Exit status is 11 if the repository is already locked.
Exit status is 12 if the password is incorrect.
`,
		GroupID:           cmdGroupDefault,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackup(cmd.Context(), opts, globalOptions, args)
		},
	}

	opts.AddFlags(cmd.Flags())
	return cmd
}

// BackupOptions bundles all options for the backup command.
type BackupOptions struct {
	filter.ExcludePatternOptions

	Parent            string
	Force             bool
	ExcludeOtherFS    bool
	ExcludeIfPresent  []string
	ExcludeCaches     bool
	ExcludeLargerThan string
	Tags              data.TagLists
	Host              string
	TimeStamp         string
	WithAtime         bool
	IgnoreInode       bool
	DryRun            bool
	ReadConcurrency   uint
}

func (opts *BackupOptions) AddFlags(f *pflag.FlagSet) {
	f.StringVar(&opts.Parent, "parent", "", "use this parent `snapshot` (default: latest snapshot with the same host and paths)")
	f.BoolVarP(&opts.Force, "force", "f", false, `force re-reading the source files/directories (overrides the "parent" flag)`)

	opts.ExcludePatternOptions.Add(f)

	f.BoolVarP(&opts.ExcludeOtherFS, "one-file-system", "x", false, "exclude other file systems, don't cross filesystem boundaries and subvolumes")
	f.StringArrayVar(&opts.ExcludeIfPresent, "exclude-if-present", nil, "takes `filename[:header]`, exclude contents of directories containing filename (except filename itself) if header of that file is as provided (can be specified multiple times)")
	f.BoolVar(&opts.ExcludeCaches, "exclude-caches", false, `excludes cache directories that are marked with a CACHEDIR.TAG file. See https://bford.info/cachedir/ for the Cache Directory Tagging Standard`)
	f.StringVar(&opts.ExcludeLargerThan, "exclude-larger-than", "", "max `size` of the files to be backed up (allowed suffixes: k/K, m/M, g/G, t/T)")
	f.Var(&opts.Tags, "tag", "add `tags` for the new snapshot in the format `tag[,tag,...]` (can be specified multiple times)")
	f.UintVar(&opts.ReadConcurrency, "read-concurrency", 0, "read `n` files concurrently (default: $PACKVAULT_READ_CONCURRENCY or 2)")
	f.StringVarP(&opts.Host, "host", "H", "", "set the `hostname` for the snapshot manually (default: $PACKVAULT_HOST)")
	f.StringVar(&opts.TimeStamp, "time", "", "`time` of the backup (ex. '2012-11-01 22:08:41') (default: now)")
	f.BoolVar(&opts.WithAtime, "with-atime", false, "store the atime for all files and directories")
	f.BoolVar(&opts.IgnoreInode, "ignore-inode", false, "ignore inode number and ctime changes when checking for modified files")
	f.BoolVarP(&opts.DryRun, "dry-run", "n", false, "do not upload or write any data, just show what would be done")

	// parse read concurrency from env, on error the default value will be used
	readConcurrency, _ := strconv.ParseUint(os.Getenv("PACKVAULT_READ_CONCURRENCY"), 10, 32)
	opts.ReadConcurrency = uint(readConcurrency)

	// parse host from env, if not exists or empty the default value will be used
	if host := os.Getenv("PACKVAULT_HOST"); host != "" {
		opts.Host = host
	}
}

func (opts BackupOptions) engineOptions(targets []string) (engine.BackupOptions, error) {
	eopts := engine.BackupOptions{
		Targets:               targets,
		ExcludePatternOptions: opts.ExcludePatternOptions,
		ExcludeIfPresent:      opts.ExcludeIfPresent,
		ExcludeCaches:         opts.ExcludeCaches,
		OneFileSystem:         opts.ExcludeOtherFS,
		Parent:                opts.Parent,
		Force:                 opts.Force,
		Host:                  opts.Host,
		Tags:                  opts.Tags.Flatten(),
		ProgramVersion:        "packvault " + version,
		ReadConcurrency:       opts.ReadConcurrency,
		IgnoreInode:           opts.IgnoreInode,
		WithAtime:             opts.WithAtime,
		DryRun:                opts.DryRun,
	}

	if opts.ExcludeLargerThan != "" {
		size, err := ui.ParseBytes(opts.ExcludeLargerThan)
		if err != nil {
			return eopts, errors.Fatalf("invalid value for --exclude-larger-than: %v", err)
		}
		eopts.ExcludeLargerThan = size
	}

	eopts.Time = time.Now()
	if opts.TimeStamp != "" {
		t, err := time.ParseInLocation(TimeFormat, opts.TimeStamp, time.Local)
		if err != nil {
			return eopts, errors.Fatalf("error in time option: %v", err)
		}
		eopts.Time = t
	}
	return eopts, nil
}

// reportItem returns a callback which lists every saved item at the highest
// verbosity level.
func reportItem(printer progress.Printer) archiver.CompleteItemFunc {
	return func(item string, previous, current *data.Node, s archiver.ItemStats, d time.Duration) {
		if current == nil {
			return
		}
		switch {
		case previous == nil:
			printer.VV("new       %v, saved in %.3fs (%v added)", item, d.Seconds(), ui.FormatBytes(s.DataSize+s.TreeSize))
		case previous.Equals(*current):
			printer.VV("unchanged %v", item)
		default:
			printer.VV("modified  %v, saved in %.3fs (%v added)", item, d.Seconds(), ui.FormatBytes(s.DataSize+s.TreeSize))
		}
	}
}

func runBackup(ctx context.Context, opts BackupOptions, gopts GlobalOptions, args []string) error {
	if len(args) == 0 {
		return errors.Fatal("nothing to backup, please specify source files/dirs")
	}

	printer := gopts.printer()

	eopts, err := opts.engineOptions(args)
	if err != nil {
		return err
	}
	eopts.CompleteItem = reportItem(printer)

	r, err := OpenRepository(ctx, gopts, printer)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	res, err := r.Backup(ctx, eopts)
	if err != nil {
		return err
	}

	if gopts.JSON {
		err = json.NewEncoder(gopts.out()).Encode(newBackupSummary(res, opts.DryRun))
		if err != nil {
			return err
		}
	} else {
		printBackupSummary(printer, res, opts.DryRun)
	}

	if res.Errors > 0 {
		return ErrInvalidSourceData
	}
	return nil
}

type backupSummary struct {
	MessageType string `json:"message_type"` // "summary"
	DryRun      bool   `json:"dry_run,omitempty"`
	*data.SnapshotSummary
	ParentSnapshotID string `json:"parent_snapshot_id,omitempty"`
	SnapshotID       string `json:"snapshot_id,omitempty"`
	ErrorCount       uint64 `json:"error_count"`
}

func newBackupSummary(res *engine.BackupResult, dryRun bool) backupSummary {
	s := backupSummary{
		MessageType:     "summary",
		DryRun:          dryRun,
		SnapshotSummary: res.Summary,
		ErrorCount:      res.Errors,
	}
	if res.Parent != nil {
		s.ParentSnapshotID = res.Parent.ID().String()
	}
	if !res.ID.IsNull() {
		s.SnapshotID = res.ID.String()
	}
	return s
}

func printBackupSummary(printer progress.Printer, res *engine.BackupResult, dryRun bool) {
	if res.Parent != nil {
		printer.V("using parent snapshot %v", res.Parent.ID().Str())
	}

	summary := res.Summary
	if summary == nil {
		summary = &data.SnapshotSummary{}
	}

	printer.V("")
	printer.P("Files:       %5d new, %5d changed, %5d unmodified", summary.FilesNew, summary.FilesChanged, summary.FilesUnmodified)
	printer.P("Dirs:        %5d new, %5d changed, %5d unmodified", summary.DirsNew, summary.DirsChanged, summary.DirsUnmodified)
	printer.V("Data Blobs:  %5d new", summary.DataBlobs)
	printer.V("Tree Blobs:  %5d new", summary.TreeBlobs)
	verb := "Added"
	if dryRun {
		verb = "Would add"
	}
	printer.P("%s to the repository: %-5s (%-5s stored)", verb,
		ui.FormatBytes(summary.DataAdded), ui.FormatBytes(summary.DataAddedPacked))
	printer.P("")
	printer.P("processed %v files, %v in %s",
		summary.TotalFilesProcessed,
		ui.FormatBytes(summary.TotalBytesProcessed),
		ui.FormatDuration(summary.BackupEnd.Sub(summary.BackupStart)),
	)

	if res.Errors > 0 {
		printer.E("%d files or directories could not be read", res.Errors)
	}
	if !dryRun && !res.ID.IsNull() {
		printer.P("snapshot %s saved", res.ID.Str())
	}
}
