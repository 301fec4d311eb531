package engine

import (
	"testing"

	"github.com/packvault/packvault/internal/restic"
	rtest "github.com/packvault/packvault/internal/test"
)

func TestParseDataSubset(t *testing.T) {
	for _, test := range []struct {
		in   string
		want dataSubset
	}{
		{"1/2", dataSubset{bucket: 1, totalBuckets: 2}},
		{"3/3", dataSubset{bucket: 3, totalBuckets: 3}},
		{"10%", dataSubset{percentage: 10}},
		{"0.5%", dataSubset{percentage: 0.5}},
		{"100%", dataSubset{percentage: 100}},
		{"1K", dataSubset{size: 1024}},
		{"3M", dataSubset{size: 3 * 1024 * 1024}},
	} {
		t.Run(test.in, func(t *testing.T) {
			subset, err := parseDataSubset(test.in)
			rtest.OK(t, err)
			rtest.Equals(t, test.want, subset)
		})
	}

	for _, in := range []string{"", "0/2", "3/2", "1/0", "1/257", "a/b", "0%", "101%", "x%", "-5", "0"} {
		t.Run("invalid "+in, func(t *testing.T) {
			_, err := parseDataSubset(in)
			rtest.Assert(t, err != nil, "expected an error for %q", in)
		})
	}
}

func testPacks(n int) map[restic.ID]int64 {
	packs := make(map[restic.ID]int64)
	for i := 0; i < n; i++ {
		packs[restic.NewRandomID()] = int64(i + 1)
	}
	return packs
}

func TestSelectPacksByBucket(t *testing.T) {
	allPacks := testPacks(100)

	selected := make(map[restic.ID]int)
	var total int
	for bucket := uint(1); bucket <= 5; bucket++ {
		packs := selectPacksByBucket(allPacks, bucket, 5)
		total += len(packs)
		for id := range packs {
			selected[id]++
		}
	}

	// every pack is in exactly one bucket
	rtest.Equals(t, len(allPacks), total)
	for id, n := range selected {
		rtest.Equals(t, 1, n)
		_, ok := allPacks[id]
		rtest.Assert(t, ok, "unknown pack %v selected", id)
	}

	rtest.Equals(t, len(allPacks), len(selectPacksByBucket(allPacks, 1, 1)))
}

func TestSelectRandomPacksByPercentage(t *testing.T) {
	allPacks := testPacks(10)

	rtest.Equals(t, 5, len(selectRandomPacksByPercentage(allPacks, 50)))
	rtest.Equals(t, 10, len(selectRandomPacksByPercentage(allPacks, 100)))
	// a small percentage still checks one pack
	rtest.Equals(t, 1, len(selectRandomPacksByPercentage(allPacks, 0.1)))
	rtest.Equals(t, 0, len(selectRandomPacksByPercentage(map[restic.ID]int64{}, 10)))
}

func TestSelectRandomPacksByFileSize(t *testing.T) {
	allPacks := testPacks(10)

	packs := selectRandomPacksByFileSize(allPacks, 1)
	rtest.Equals(t, 1, len(packs))

	var size int64
	for _, s := range selectRandomPacksByFileSize(allPacks, 20) {
		size += s
	}
	rtest.Assert(t, size >= 20, "selected only %d bytes", size)

	rtest.Equals(t, 10, len(selectRandomPacksByFileSize(allPacks, 1000)))
}

func TestSelectPacksReadData(t *testing.T) {
	allPacks := testPacks(3)
	packs, err := CheckOptions{ReadData: true}.selectPacks(allPacks)
	rtest.OK(t, err)
	rtest.Equals(t, allPacks, packs)
}
