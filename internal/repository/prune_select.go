package repository

import (
	"cmp"
	"context"
	"math"
	"slices"

	"github.com/packvault/packvault/internal/repository/index"
	"github.com/packvault/packvault/internal/repository/pack"
	"github.com/packvault/packvault/internal/restic"
	"github.com/packvault/packvault/internal/ui/progress"
)

// minSmallPacks is the number of undersized packs below which they are
// left alone. It stops a single small pack from being repacked forever.
const minSmallPacks = 10

// usedBlobSet counts how often each used blob occurs in the index. Zero means
// the blob was found in a tree but is missing from the index.
type usedBlobSet map[restic.BlobHandle]uint8

func (s usedBlobSet) Has(bh restic.BlobHandle) bool {
	_, ok := s[bh]
	return ok
}

func (s usedBlobSet) Insert(bh restic.BlobHandle) {
	if _, ok := s[bh]; !ok {
		s[bh] = 0
	}
}

// packUsage describes how much of a pack is still referenced.
type packUsage struct {
	usedBlobs, unusedBlobs, duplicateBlobs uint
	usedSize, unusedSize                   uint64

	// tpe is NumBlobTypes before the first blob and InvalidBlob for packs
	// with mixed blob types.
	tpe          restic.BlobType
	uncompressed bool
}

func (u packUsage) size() uint64 { return u.usedSize + u.unusedSize }

func (u *packUsage) markUsed(size uint64) {
	u.usedSize += size
	u.usedBlobs++
}

func (u *packUsage) markUnused(size uint64) {
	u.unusedSize += size
	u.unusedBlobs++
}

type repackCandidate struct {
	id restic.ID
	packUsage
	mustCompress bool
}

// countCopies records in used how many copies of each used blob the index
// holds, saturating at 255.
func countCopies(ctx context.Context, idx *index.MasterIndex, used usedBlobSet) error {
	return idx.Each(ctx, func(pb restic.PackedBlob) {
		if n, ok := used[pb.BlobHandle]; ok && n < math.MaxUint8 {
			used[pb.BlobHandle] = n + 1
		}
	})
}

// measurePacks computes the usage of every indexed pack. Afterwards every
// used blob has exactly one copy counted as used, all other copies are
// counted as unused.
func measurePacks(ctx context.Context, idx *index.MasterIndex, used usedBlobSet, stats *PruneStats, printer progress.Printer) (map[restic.ID]packUsage, error) {
	if err := countCopies(ctx, idx, used); err != nil {
		return nil, err
	}

	missing := restic.NewBlobSet()
	for bh, n := range used {
		if n == 0 {
			missing.Insert(bh)
		}
	}
	if len(missing) > 0 {
		printer.E("%v not found in the index\n\n"+
			"Integrity check failed: Data seems to be missing.\n"+
			"Will not start prune to prevent (additional) data loss!\n"+
			"Run 'packvault repair index' and 'packvault check'.\n", missing)
		return nil, ErrIndexIncomplete
	}

	headers, err := pack.Size(ctx, idx, true)
	if err != nil {
		return nil, err
	}
	usage := make(map[restic.ID]packUsage, len(headers))
	for id, hdr := range headers {
		usage[id] = packUsage{tpe: restic.NumBlobTypes, usedSize: uint64(hdr)}
	}

	duplicates := false
	err = idx.Each(ctx, func(pb restic.PackedBlob) {
		u := usage[pb.PackID]
		switch u.tpe {
		case restic.NumBlobTypes:
			u.tpe = pb.Type
		case pb.Type:
		default:
			u.tpe = restic.InvalidBlob
		}
		if !pb.IsCompressed() {
			u.uncompressed = true
		}

		size := uint64(pb.Length)
		switch n := used[pb.BlobHandle]; {
		case n >= 2:
			// one copy is picked by pickCopies
			duplicates = true
			u.markUnused(size)
			u.duplicateBlobs++
			stats.Size.Duplicate += size
			stats.Blobs.Duplicate++
		case n == 1:
			u.markUsed(size)
			stats.Size.Used += size
			stats.Blobs.Used++
		default:
			u.markUnused(size)
			stats.Size.Unused += size
			stats.Blobs.Unused++
		}
		usage[pb.PackID] = u
	})
	if err != nil {
		return nil, err
	}

	if duplicates {
		if err := pickCopies(ctx, idx, used, usage, stats); err != nil {
			return nil, err
		}
	}

	for _, n := range used {
		if n != 1 {
			panic("internal error during blob selection")
		}
	}
	return usage, nil
}

// pickCopies keeps exactly one copy of each duplicate blob. It prefers packs
// which hold other used blobs, then packs made only of duplicates, which are
// typically left by an interrupted prune, and otherwise the last copy.
func pickCopies(ctx context.Context, idx *index.MasterIndex, used usedBlobSet, usage map[restic.ID]packUsage, stats *PruneStats) error {
	return idx.Each(ctx, func(pb restic.PackedBlob) {
		n, ok := used[pb.BlobHandle]
		// 1 means a copy was already picked
		if !ok || n == 1 {
			return
		}

		u := usage[pb.PackID]
		// 0 marks the last remaining copy
		if u.usedBlobs == 0 && u.duplicateBlobs != u.unusedBlobs && n != 0 {
			n--
			if n == 1 {
				n = 0
			}
			used[pb.BlobHandle] = n
			return
		}

		size := uint64(pb.Length)
		u.markUsed(size)
		u.unusedSize -= size
		u.unusedBlobs--
		usage[pb.PackID] = u
		stats.Size.Used += size
		stats.Blobs.Used++
		stats.Size.Duplicate -= size
		stats.Blobs.Duplicate--
		used[pb.BlobHandle] = 1
	})
}

// repackOrder sorts tree and mixed packs first, then undersized packs, then
// packs by descending share of unused data.
func repackOrder(target uint64) func(a, b repackCandidate) int {
	first := func(x, y bool) int {
		if x {
			return -1
		}
		return 1
	}
	return func(a, b repackCandidate) int {
		if ad, bd := a.tpe == restic.DataBlob, b.tpe == restic.DataBlob; ad != bd {
			return first(bd, ad)
		}
		if as, bs := a.size() < target, b.size() < target; as != bs {
			return first(as, bs)
		}
		// a.unused/a.size > b.unused/b.size without the division
		return cmp.Compare(b.unusedSize*a.usedSize, a.unusedSize*b.usedSize)
	}
}

// targetPackSize is the size below which a pack counts as undersized.
func (plan *PrunePlan) targetPackSize() uint64 {
	if plan.opts.RepackSmall {
		return uint64(plan.repo.PackSize()) / 5 * 4
	}
	return uint64(plan.repo.PackSize()) / 25
}

// classifyPacks decides for every pack in the repository whether it is kept,
// removed or repacked. usage is emptied in the process.
func (plan *PrunePlan) classifyPacks(ctx context.Context, usage map[restic.ID]packUsage, packSizes map[restic.ID]int64, stats *PruneStats, printer progress.Printer) error {
	opts := plan.opts
	compression := plan.repo.compressionEnabled()
	target := plan.targetPackSize()

	plan.removePacksFirst = restic.NewIDSet()
	plan.removePacks = restic.NewIDSet()
	plan.repackPacks = restic.NewIDSet()

	var candidates, small []repackCandidate

	bar := printer.NewCounter("packs processed")
	bar.SetMax(uint64(len(packSizes)))
	defer bar.Done()

	for id, packSize := range packSizes {
		if err := ctx.Err(); err != nil {
			return err
		}
		bar.Add(1)

		u, ok := usage[id]
		if !ok {
			printer.V("will remove pack %v as it is unused and not indexed\n", id.Str())
			plan.removePacksFirst.Insert(id)
			stats.Size.Unref += uint64(packSize)
			continue
		}
		delete(usage, id)

		// an unused pack is removed anyway
		if u.size() != uint64(packSize) && u.usedBlobs != 0 {
			printer.E("pack %s: calculated size %d does not match real size %d\nRun 'packvault repair index'.\n",
				id.Str(), u.size(), packSize)
			return ErrSizeNotMatching
		}

		switch {
		case u.usedBlobs == 0:
			stats.Packs.Unused++
		case u.unusedBlobs == 0:
			stats.Packs.Used++
		default:
			stats.Packs.PartlyUsed++
		}
		if u.uncompressed {
			stats.Size.Uncompressed += u.size()
		}
		mustCompress := compression && u.uncompressed && (u.tpe == restic.TreeBlob || opts.RepackUncompressed)

		switch {
		case u.usedBlobs == 0:
			plan.removePacks.Insert(id)
			stats.Blobs.Remove += u.unusedBlobs
			stats.Size.Remove += u.unusedSize
		case opts.RepackCacheableOnly && u.tpe == restic.DataBlob:
			stats.Packs.Keep++
		case u.unusedBlobs == 0 && u.tpe != restic.InvalidBlob && !mustCompress:
			if uint64(packSize) >= target {
				stats.Packs.Keep++
			} else {
				small = append(small, repackCandidate{id: id, packUsage: u})
			}
		default:
			candidates = append(candidates, repackCandidate{id: id, packUsage: u, mustCompress: mustCompress})
		}
	}

	if err := plan.forgetMissing(usage, stats, printer); err != nil {
		return err
	}

	if len(small) < minSmallPacks {
		stats.Packs.Keep += uint(len(small))
	} else {
		candidates = append(candidates, small...)
	}
	slices.SortFunc(candidates, repackOrder(target))
	plan.selectRepack(candidates, target, stats)

	stats.Packs.Unref = uint(len(plan.removePacksFirst))
	stats.Packs.Repack = uint(len(plan.repackPacks))
	stats.Packs.Remove = uint(len(plan.removePacks))
	if !compression {
		stats.Size.Uncompressed = 0
	}
	return nil
}

// forgetMissing handles the indexed packs missing from the backend. Packs
// without used blobs are dropped from the index, any other missing pack
// fails the prune.
func (plan *PrunePlan) forgetMissing(missing map[restic.ID]packUsage, stats *PruneStats, printer progress.Printer) error {
	plan.ignorePacks = restic.NewIDSet()
	needed := restic.NewIDSet()
	for id, u := range missing {
		if u.usedBlobs > 0 {
			needed.Insert(id)
			continue
		}
		plan.ignorePacks.Insert(id)
		stats.Blobs.Remove += u.unusedBlobs
		stats.Size.Remove += u.unusedSize
	}

	if len(needed) > 0 {
		printer.E("The index references %d needed pack files which are missing from the repository:\n", len(needed))
		for id := range needed {
			printer.E("  %v\n", id)
		}
		return ErrPacksMissing
	}
	if len(plan.ignorePacks) > 0 {
		printer.E("Missing but unneeded pack files are referenced in the index, will be repaired\n")
		for id := range plan.ignorePacks {
			printer.E("will forget missing pack file %v\n", id)
		}
	}
	return nil
}

// selectRepack walks the sorted candidates and marks packs for repacking
// until MaxRepackBytes is reached.
func (plan *PrunePlan) selectRepack(candidates []repackCandidate, target uint64, stats *PruneStats) {
	ratio := plan.opts.repackRatio()
	limit := plan.opts.maxRepackBytes()

	for _, c := range candidates {
		total := c.size()
		switch {
		case stats.Size.Repack+total > limit:
			stats.Packs.Keep++
			continue
		case c.tpe == restic.DataBlob && !c.mustCompress &&
			float64(c.usedSize) >= ratio*float64(total) && total >= target:
			stats.Packs.Keep++
			continue
		}

		plan.repackPacks.Insert(c.id)
		stats.Blobs.Repack += c.unusedBlobs + c.usedBlobs
		stats.Size.Repack += total
		stats.Blobs.Repackrm += c.unusedBlobs
		stats.Size.Repackrm += c.unusedSize
		if c.uncompressed {
			stats.Size.Uncompressed -= total
		}
	}
}
