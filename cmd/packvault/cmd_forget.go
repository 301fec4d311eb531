package main

import (
	"context"
	"encoding/json"
	"io"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/engine"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/ui/progress"
)

func newForgetCommand() *cobra.Command {
	var opts ForgetOptions
	var pruneOpts PruneOptions

	cmd := &cobra.Command{
		Use:   "forget [flags] [snapshot ID] [...]",
		Short: "Remove snapshots from the repository",
		Long: `
The "forget" command removes snapshots according to a policy. All snapshots are
first divided into groups according to "--group-by", and after that the policy
specified by the "--keep-*" options is applied to each group individually.
If there are not enough snapshots to keep one for each duration related
"--keep-{within-,}*" option, the oldest snapshot in the group is kept
additionally.

Please note that this command really only deletes the snapshot object in the
repository, which is a reference to data stored there. In order to remove the
unreferenced data after "forget" was run successfully, see the "prune" command.

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
			return runForget(cmd.Context(), opts, pruneOpts, globalOptions, args)
		},
	}

	opts.AddFlags(cmd.Flags())
	pruneOpts.AddLimitedFlags(cmd.Flags())
	return cmd
}

type ForgetPolicyCount int

var ErrNegativePolicyCount = errors.New("negative values not allowed, use 'unlimited' instead")

func (c *ForgetPolicyCount) Set(s string) error {
	switch s {
	case "unlimited":
		*c = -1
	default:
		val, err := strconv.ParseInt(s, 10, 0)
		if err != nil {
			return err
		}
		if val < 0 {
			return ErrNegativePolicyCount
		}
		*c = ForgetPolicyCount(val)
	}

	return nil
}

func (c *ForgetPolicyCount) String() string {
	switch *c {
	case -1:
		return "unlimited"
	default:
		return strconv.FormatInt(int64(*c), 10)
	}
}

func (c *ForgetPolicyCount) Type() string {
	return "n"
}

// ForgetOptions collects all options for the forget command.
type ForgetOptions struct {
	Last     ForgetPolicyCount
	Hourly   ForgetPolicyCount
	Daily    ForgetPolicyCount
	Weekly   ForgetPolicyCount
	Monthly  ForgetPolicyCount
	Yearly   ForgetPolicyCount
	KeepTags data.TagLists

	data.SnapshotFilter
	Compact bool

	// Grouping
	GroupBy data.SnapshotGroupByOptions
	DryRun  bool
	Prune   bool
}

func (opts *ForgetOptions) AddFlags(f *pflag.FlagSet) {
	f.VarP(&opts.Last, "keep-last", "l", "keep the last `n` snapshots (use 'unlimited' to keep all snapshots)")
	f.VarP(&opts.Hourly, "keep-hourly", "H", "keep the last `n` hourly snapshots (use 'unlimited' to keep all hourly snapshots)")
	f.VarP(&opts.Daily, "keep-daily", "d", "keep the last `n` daily snapshots (use 'unlimited' to keep all daily snapshots)")
	f.VarP(&opts.Weekly, "keep-weekly", "w", "keep the last `n` weekly snapshots (use 'unlimited' to keep all weekly snapshots)")
	f.VarP(&opts.Monthly, "keep-monthly", "m", "keep the last `n` monthly snapshots (use 'unlimited' to keep all monthly snapshots)")
	f.VarP(&opts.Yearly, "keep-yearly", "y", "keep the last `n` yearly snapshots (use 'unlimited' to keep all yearly snapshots)")
	f.Var(&opts.KeepTags, "keep-tag", "keep snapshots with this `taglist` (can be specified multiple times)")

	initMultiSnapshotFilter(f, &opts.SnapshotFilter, false)

	f.BoolVarP(&opts.Compact, "compact", "c", false, "use compact output format")
	opts.GroupBy = data.SnapshotGroupByOptions{Host: true, Path: true}
	f.VarP(&opts.GroupBy, "group-by", "g", "`group` snapshots by host, paths and/or tags, separated by comma (disable grouping with '')")
	f.BoolVarP(&opts.DryRun, "dry-run", "n", false, "do not delete anything, just print what would be done")
	f.BoolVar(&opts.Prune, "prune", false, "automatically run the 'prune' command if snapshots have been removed")

	f.SortFlags = false
}

func (opts ForgetOptions) policy() data.ExpirePolicy {
	return data.ExpirePolicy{
		Last:    int(opts.Last),
		Hourly:  int(opts.Hourly),
		Daily:   int(opts.Daily),
		Weekly:  int(opts.Weekly),
		Monthly: int(opts.Monthly),
		Yearly:  int(opts.Yearly),
		Tags:    opts.KeepTags,
	}
}

func runForget(ctx context.Context, opts ForgetOptions, pruneOptions PruneOptions, gopts GlobalOptions, args []string) error {
	err := verifyPruneOptions(&pruneOptions)
	if err != nil {
		return err
	}

	if gopts.NoLock && !opts.DryRun {
		return errors.Fatal("--no-lock is only applicable in combination with --dry-run for forget command")
	}

	printer := gopts.printer()

	r, err := OpenRepository(ctx, gopts, printer)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	pruneOptions.DryRun = opts.DryRun
	res, err := r.Forget(ctx, engine.ForgetOptions{
		Snapshots:    args,
		Filter:       opts.SnapshotFilter,
		Policy:       opts.policy(),
		GroupBy:      opts.GroupBy,
		DryRun:       opts.DryRun,
		Prune:        opts.Prune,
		PruneOptions: pruneOptions.engineOptions(),
	})
	if err != nil {
		return err
	}

	if gopts.JSON {
		return printJSONForget(gopts.out(), res)
	}
	return printForgetResult(gopts.out(), printer, res, opts.Compact, opts.DryRun)
}

func printForgetResult(stdout io.Writer, printer progress.Printer, res *engine.ForgetResult, compact, dryRun bool) error {
	for _, g := range res.Groups {
		printer.P("snapshots for %v:\n", g.Key.String())
		if len(g.Keep) != 0 {
			printer.P("keep %d snapshots:\n", len(g.Keep))
			if err := printSnapshots(stdout, g.Keep, compact); err != nil {
				return err
			}
			printer.P("\n")
		}
		if len(g.Remove) != 0 {
			printer.P("remove %d snapshots:\n", len(g.Remove))
			if err := printSnapshots(stdout, g.Remove, compact); err != nil {
				return err
			}
			printer.P("\n")
		}
	}

	if len(res.Removed) > 0 {
		if dryRun {
			printer.P("Would have removed the following snapshots:\n%v\n\n", res.Removed)
		} else {
			printer.P("removed %d snapshots\n", len(res.Removed))
		}
	}
	return nil
}

// ForgetGroup helps to print what is forgotten in JSON.
type ForgetGroup struct {
	Tags    []string     `json:"tags"`
	Host    string       `json:"host"`
	Paths   []string     `json:"paths"`
	Keep    []Snapshot   `json:"keep"`
	Remove  []Snapshot   `json:"remove"`
	Reasons []KeepReason `json:"reasons"`
}

func asJSONSnapshots(list data.Snapshots) []Snapshot {
	var resultList []Snapshot
	for _, sn := range list {
		k := Snapshot{
			Snapshot: sn,
			ID:       sn.ID(),
			ShortID:  sn.ID().Str(),
		}
		resultList = append(resultList, k)
	}
	return resultList
}

// KeepReason helps to print KeepReasons as JSON with Snapshots with their ID included.
type KeepReason struct {
	Snapshot Snapshot `json:"snapshot"`
	Matches  []string `json:"matches"`
}

func asJSONKeeps(list []data.KeepReason) []KeepReason {
	var resultList []KeepReason
	for _, keep := range list {
		k := KeepReason{
			Snapshot: Snapshot{
				Snapshot: keep.Snapshot,
				ID:       keep.Snapshot.ID(),
				ShortID:  keep.Snapshot.ID().Str(),
			},
			Matches: keep.Matches,
		}
		resultList = append(resultList, k)
	}
	return resultList
}

func printJSONForget(stdout io.Writer, res *engine.ForgetResult) error {
	groups := make([]ForgetGroup, 0, len(res.Groups))
	for _, g := range res.Groups {
		groups = append(groups, ForgetGroup{
			Tags:    g.Key.Tags,
			Host:    g.Key.Hostname,
			Paths:   g.Key.Paths,
			Keep:    asJSONSnapshots(g.Keep),
			Remove:  asJSONSnapshots(g.Remove),
			Reasons: asJSONKeeps(g.Reasons),
		})
	}
	return json.NewEncoder(stdout).Encode(groups)
}
