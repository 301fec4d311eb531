package data_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/packvault/packvault/internal/data"
	rtest "github.com/packvault/packvault/internal/test"

	"github.com/google/go-cmp/cmp"
)

func parseTimeUTC(s string) time.Time {
	t, err := time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		panic(err)
	}

	return t.UTC()
}

func testSnapshots() data.Snapshots {
	var list data.Snapshots
	for _, ts := range []string{
		"2014-11-15 10:20:30",
		"2014-11-15 11:20:30",
		"2014-11-16 10:20:30",
		"2014-11-22 10:20:30",
		"2014-12-01 10:20:30",
		"2015-01-01 10:20:30",
		"2015-09-22 10:20:30",
		"2016-01-01 01:02:03",
		"2016-01-01 07:08:03",
		"2016-01-03 07:02:03",
	} {
		list = append(list, &data.Snapshot{Time: parseTimeUTC(ts), Hostname: "foo"})
	}
	list[2].Tags = []string{"important"}
	return list
}

func snapshotTimes(list data.Snapshots) []string {
	var times []string
	for _, sn := range list {
		times = append(times, sn.Time.Format("2006-01-02 15:04:05"))
	}
	return times
}

func TestApplyPolicy(t *testing.T) {
	var tests = []struct {
		policy data.ExpirePolicy
		keep   []string
	}{
		{
			data.ExpirePolicy{Last: 2},
			[]string{"2016-01-03 07:02:03", "2016-01-01 07:08:03"},
		},
		{
			data.ExpirePolicy{Daily: 3},
			[]string{"2016-01-03 07:02:03", "2016-01-01 07:08:03", "2015-09-22 10:20:30"},
		},
		{
			data.ExpirePolicy{Monthly: 2},
			[]string{"2016-01-03 07:02:03", "2015-09-22 10:20:30"},
		},
		{
			data.ExpirePolicy{Yearly: 10},
			[]string{"2016-01-03 07:02:03", "2015-09-22 10:20:30", "2014-12-01 10:20:30", "2014-11-15 10:20:30"},
		},
		{
			data.ExpirePolicy{Last: 1, Tags: []data.TagList{{"important"}}},
			[]string{"2016-01-03 07:02:03", "2014-11-16 10:20:30"},
		},
		{
			data.ExpirePolicy{Yearly: -1},
			[]string{"2016-01-03 07:02:03", "2015-09-22 10:20:30", "2014-12-01 10:20:30", "2014-11-15 10:20:30"},
		},
	}

	for i, test := range tests {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			list := testSnapshots()
			keep, remove, reasons := data.ApplyPolicy(list, test.policy)

			if !cmp.Equal(test.keep, snapshotTimes(keep)) {
				t.Error(cmp.Diff(test.keep, snapshotTimes(keep)))
			}
			rtest.Equals(t, len(list), len(keep)+len(remove))
			rtest.Equals(t, len(keep), len(reasons))
			for j, reason := range reasons {
				rtest.Assert(t, reason.Snapshot == keep[j], "reason %d refers to wrong snapshot", j)
				rtest.Assert(t, len(reason.Matches) > 0, "reason %d is empty", j)
			}
		})
	}
}

func TestApplyPolicyEmpty(t *testing.T) {
	list := testSnapshots()
	keep, remove, _ := data.ApplyPolicy(list, data.ExpirePolicy{})
	rtest.Equals(t, len(list), len(keep))
	rtest.Equals(t, 0, len(remove))
}

func TestExpirePolicyString(t *testing.T) {
	p := data.ExpirePolicy{Last: 3, Daily: -1, Tags: []data.TagList{{"a", "b"}}}
	rtest.Equals(t, "keep 3 latest, all daily snapshots and all snapshots with tags [a, b]", p.String())
	rtest.Assert(t, data.ExpirePolicy{}.Empty(), "zero policy is not empty")
}

func TestGroupSnapshots(t *testing.T) {
	list := testSnapshots()
	list[0].Hostname = "bar"

	groups, grouped, err := data.GroupSnapshots(list, data.SnapshotGroupByOptions{Host: true})
	rtest.OK(t, err)
	rtest.Assert(t, grouped, "snapshots were not grouped")
	rtest.Equals(t, 2, len(groups))

	groups, grouped, err = data.GroupSnapshots(list, data.SnapshotGroupByOptions{})
	rtest.OK(t, err)
	rtest.Assert(t, !grouped, "snapshots were grouped")
	rtest.Equals(t, 1, len(groups))
}
