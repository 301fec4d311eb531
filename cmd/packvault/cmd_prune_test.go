package main

import (
	"testing"

	"github.com/packvault/packvault/internal/repository"
	rtest "github.com/packvault/packvault/internal/test"
)

func TestVerifyPruneOptions(t *testing.T) {
	for _, test := range []struct {
		opts     PruneOptions
		maxBytes uint64
		fail     bool
	}{
		{PruneOptions{RepackRatio: repository.DefaultRepackRatio}, 0, false},
		{PruneOptions{RepackRatio: 1}, 0, false},
		{PruneOptions{RepackRatio: 0.5, MaxRepackSize: "10M"}, 10 * 1024 * 1024, false},
		{PruneOptions{RepackRatio: 0.5, MaxRepackSize: "2g"}, 2 * 1024 * 1024 * 1024, false},
		{PruneOptions{RepackRatio: 0}, 0, true},
		{PruneOptions{RepackRatio: 1.5}, 0, true},
		{PruneOptions{RepackRatio: 0.5, MaxRepackSize: "nope"}, 0, true},
	} {
		opts := test.opts
		err := verifyPruneOptions(&opts)
		if test.fail {
			rtest.Assert(t, err != nil, "expected error for %+v", test.opts)
			continue
		}
		rtest.OK(t, err)
		rtest.Equals(t, test.maxBytes, opts.maxRepackBytes)

		eopts := opts.engineOptions()
		rtest.Equals(t, test.maxBytes, eopts.MaxRepackBytes)
		rtest.Equals(t, test.opts.RepackRatio, eopts.RepackRatio)
	}
}
