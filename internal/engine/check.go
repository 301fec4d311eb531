package engine

import (
	"context"
	"math/rand"
	"strconv"
	"strings"
	"sync"

	"github.com/packvault/packvault/internal/checker"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/restic"
	"github.com/packvault/packvault/internal/ui"
)

// CheckOptions configure a repository check.
type CheckOptions struct {
	// ReadData reads and verifies every pack.
	ReadData bool
	// ReadDataSubset selects packs to read: "n/t" for group n of t,
	// "x%" for a random percentage or a size like "500M".
	ReadDataSubset string
	// CheckUnused reports blobs not referenced by any snapshot as errors.
	CheckUnused bool
}

// CheckResult collects everything a check found.
type CheckResult struct {
	// Errors are problems that need a repair.
	Errors []error
	// Hints are non-critical findings like orphaned or mixed packs.
	Hints []error
	// DamagedPacks lists packs which failed to read, see RepairPacks.
	DamagedPacks restic.IDs
	UnusedBlobs  restic.BlobHandles
}

const totalBucketsMax = 256

type dataSubset struct {
	bucket, totalBuckets uint
	percentage           float64
	size                 int64
}

func parseDataSubset(s string) (dataSubset, error) {
	argumentError := errors.Fatalf("invalid read data subset %q", s)

	if before, after, ok := strings.Cut(s, "/"); ok {
		bucket, err := strconv.ParseUint(before, 10, 0)
		if err != nil {
			return dataSubset{}, argumentError
		}
		total, err := strconv.ParseUint(after, 10, 0)
		if err != nil {
			return dataSubset{}, argumentError
		}
		if bucket == 0 || total == 0 || bucket > total {
			return dataSubset{}, errors.Fatal("read data subset n/t values must be positive integers, and n <= t, e.g. 1/2")
		}
		if total > totalBucketsMax {
			return dataSubset{}, errors.Fatalf("read data subset n/t: t must be at most %d", totalBucketsMax)
		}
		return dataSubset{bucket: uint(bucket), totalBuckets: uint(total)}, nil
	}

	if p, ok := strings.CutSuffix(s, "%"); ok {
		percentage, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return dataSubset{}, argumentError
		}
		if percentage <= 0.0 || percentage > 100.0 {
			return dataSubset{}, errors.Fatal("read data subset x%: x must be above 0.0% and at most 100.0%")
		}
		return dataSubset{percentage: percentage}, nil
	}

	size, err := ui.ParseBytes(s)
	if err != nil {
		return dataSubset{}, argumentError
	}
	if size <= 0 {
		return dataSubset{}, errors.Fatal("read data subset size must be above 0")
	}
	return dataSubset{size: size}, nil
}

// selectPacksByBucket selects packs by the first byte of their ID.
func selectPacksByBucket(allPacks map[restic.ID]int64, bucket, totalBuckets uint) map[restic.ID]int64 {
	packs := make(map[restic.ID]int64)
	for pack, size := range allPacks {
		if (uint(pack[0]) % totalBuckets) == (bucket - 1) {
			packs[pack] = size
		}
	}
	return packs
}

func shuffledPacks(allPacks map[restic.ID]int64) restic.IDs {
	keys := make(restic.IDs, 0, len(allPacks))
	for k := range allPacks {
		keys = append(keys, k)
	}
	rand.Shuffle(len(keys), func(i, j int) {
		keys[i], keys[j] = keys[j], keys[i]
	})
	return keys
}

// selectRandomPacksByPercentage selects at least one pack if any exists.
func selectRandomPacksByPercentage(allPacks map[restic.ID]int64, percentage float64) map[restic.ID]int64 {
	packsToCheck := int(float64(len(allPacks)) * (percentage / 100.0))
	if len(allPacks) > 0 && packsToCheck < 1 {
		packsToCheck = 1
	}

	packs := make(map[restic.ID]int64)
	for _, id := range shuffledPacks(allPacks)[:packsToCheck] {
		packs[id] = allPacks[id]
	}
	return packs
}

func selectRandomPacksByFileSize(allPacks map[restic.ID]int64, subsetSize int64) map[restic.ID]int64 {
	packs := make(map[restic.ID]int64)
	var selected int64
	for _, id := range shuffledPacks(allPacks) {
		if selected >= subsetSize {
			break
		}
		packs[id] = allPacks[id]
		selected += allPacks[id]
	}
	return packs
}

func (opts CheckOptions) selectPacks(allPacks map[restic.ID]int64) (map[restic.ID]int64, error) {
	if opts.ReadData {
		return allPacks, nil
	}

	subset, err := parseDataSubset(opts.ReadDataSubset)
	if err != nil {
		return nil, err
	}
	switch {
	case subset.totalBuckets > 0:
		return selectPacksByBucket(allPacks, subset.bucket, subset.totalBuckets), nil
	case subset.percentage > 0:
		return selectRandomPacksByPercentage(allPacks, subset.percentage), nil
	default:
		return selectRandomPacksByFileSize(allPacks, subset.size), nil
	}
}

// Check verifies the repository structure and optionally the pack contents.
// A non-nil result is returned together with a fatal error if problems were
// found.
func (r *Repository) Check(ctx context.Context, opts CheckOptions) (*CheckResult, error) {
	if opts.ReadData && opts.ReadDataSubset != "" {
		return nil, errors.Fatal("read all data and a read data subset cannot be used together")
	}
	if opts.ReadDataSubset != "" {
		if _, err := parseDataSubset(opts.ReadDataSubset); err != nil {
			return nil, err
		}
	}

	lock, ctx, err := r.lock(ctx, false)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	result := &CheckResult{}
	chkr := checker.New(r.repo, opts.CheckUnused)
	if err := chkr.LoadSnapshots(ctx); err != nil {
		return nil, err
	}

	r.printer.P("load indexes\n")
	bar := r.printer.NewCounter("index files loaded")
	hints, errs := chkr.LoadIndex(ctx, bar)
	bar.Done()
	// the checker installed a fresh index in the repository
	r.indexOnce.Do(func() {})

	for _, hint := range hints {
		switch hint.(type) {
		case *checker.ErrDuplicatePacks:
			r.printer.P("%v\n", hint)
			result.Hints = append(result.Hints, hint)
		case *checker.ErrMixedPack:
			r.printer.P("%v\n", hint)
			result.Hints = append(result.Hints, hint)
		default:
			r.printer.E("error: %v\n", hint)
			result.Errors = append(result.Errors, hint)
		}
	}
	if len(errs) > 0 {
		for _, err := range errs {
			r.printer.E("error: %v\n", err)
		}
		result.Errors = append(result.Errors, errs...)
		return result, errors.Fatal("LoadIndex returned errors")
	}

	r.printer.P("check all packs\n")
	orphanedPacks := 0
	errChan := make(chan error)
	go chkr.Packs(ctx, errChan)
	for err := range errChan {
		if checker.IsOrphanedPack(err) {
			orphanedPacks++
			r.printer.V("%v\n", err)
			result.Hints = append(result.Hints, err)
			continue
		}
		r.printer.E("%v\n", err)
		result.Errors = append(result.Errors, err)
	}
	if orphanedPacks > 0 {
		r.printer.V("%d additional files were found in the repo, which likely contain duplicate data.\nThis is non-critical, you can run `prune` to correct this.\n", orphanedPacks)
	}

	r.printer.P("check snapshots, trees and blobs\n")
	errChan = make(chan error)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		bar := r.printer.NewCounter("snapshots")
		defer bar.Done()
		chkr.Structure(ctx, bar, errChan)
	}()
	for err := range errChan {
		result.Errors = append(result.Errors, err)
		var treeErr *checker.TreeError
		if errors.As(err, &treeErr) {
			r.printer.E("error for tree %v:\n", treeErr.ID.Str())
			for _, e := range treeErr.Errors {
				r.printer.E("  %v\n", e)
			}
		} else {
			r.printer.E("error: %v\n", err)
		}
	}
	// the progress bar must finish before printing more
	wg.Wait()

	if opts.CheckUnused {
		unused, err := chkr.UnusedBlobs(ctx)
		if err != nil {
			return nil, err
		}
		for _, h := range unused {
			r.printer.V("unused blob %v\n", h)
			result.Errors = append(result.Errors, errors.Errorf("unused blob %v", h))
		}
		result.UnusedBlobs = unused
	}

	if opts.ReadData || opts.ReadDataSubset != "" {
		packs, err := opts.selectPacks(chkr.GetPacks())
		if err != nil {
			return nil, err
		}
		r.printer.P("read %d of %d data packs\n", len(packs), chkr.CountPacks())

		bar := r.printer.NewCounter("packs")
		bar.SetMax(uint64(len(packs)))
		errChan := make(chan error)
		go chkr.ReadPacks(ctx, packs, bar, errChan)
		for err := range errChan {
			result.Errors = append(result.Errors, err)
			r.printer.E("%v\n", err)

			var packErr *checker.PackError
			if errors.As(err, &packErr) && !packErr.Orphaned {
				result.DamagedPacks = append(result.DamagedPacks, packErr.ID)
			}
		}
		bar.Done()

		if len(result.DamagedPacks) > 0 {
			r.printer.E("\nThe repository contains damaged pack files. These damaged files must be removed to repair the repository.\n")
			r.printer.E("Run `repair packs %v` to salvage the readable blobs.\n", result.DamagedPacks)
		}
	}

	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	if len(result.Errors) > 0 {
		return result, errors.Fatal("repository contains errors")
	}
	r.printer.P("no errors were found\n")
	return result, nil
}
