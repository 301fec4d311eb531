package main

import (
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/packvault/packvault/internal/data"
)

// initMultiSnapshotFilter is used for commands that work on multiple snapshots
// MUST be combined with SnapshotFilter.FindAll
func initMultiSnapshotFilter(flags *pflag.FlagSet, filt *data.SnapshotFilter, addHostShorthand bool) {
	hostShorthand := "H"
	if !addHostShorthand {
		hostShorthand = ""
	}
	flags.StringArrayVarP(&filt.Hosts, "host", hostShorthand, nil, "only consider snapshots for this `host` (can be specified multiple times) (default: $PACKVAULT_HOST)")
	flags.Var(&filt.Tags, "tag", "only consider snapshots including `tag[,tag,...]` (can be specified multiple times)")
	flags.StringArrayVar(&filt.Paths, "path", nil, "only consider snapshots including this (absolute) `path` (can be specified multiple times, snapshots must include all specified paths)")

	// set default based on env if set
	if host := os.Getenv("PACKVAULT_HOST"); host != "" {
		filt.Hosts = []string{host}
	}
}

// initSingleSnapshotFilter is used for commands that work on a single snapshot
// MUST be combined with SnapshotFilter.FindLatest
func initSingleSnapshotFilter(flags *pflag.FlagSet, filt *data.SnapshotFilter) {
	flags.StringArrayVarP(&filt.Hosts, "host", "H", nil, "only consider snapshots for this `host`, when snapshot ID \"latest\" is given (can be specified multiple times) (default: $PACKVAULT_HOST)")
	flags.Var(&filt.Tags, "tag", "only consider snapshots including `tag[,tag,...]`, when snapshot ID \"latest\" is given (can be specified multiple times)")
	flags.StringArrayVar(&filt.Paths, "path", nil, "only consider snapshots including this (absolute) `path`, when snapshot ID \"latest\" is given (can be specified multiple times, snapshots must include all specified paths)")

	// set default based on env if set
	if host := os.Getenv("PACKVAULT_HOST"); host != "" {
		filt.Hosts = []string{host}
	}
}

// out returns the writer for command output.
func (opts GlobalOptions) out() io.Writer {
	if opts.term != nil {
		return opts.term.OutputWriter()
	}
	return opts.stdout
}

// rawOut returns the writer for binary output like file contents.
func (opts GlobalOptions) rawOut() io.Writer {
	if opts.term != nil {
		return opts.term.OutputRaw()
	}
	return opts.stdout
}
