package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/repository/index"
	"github.com/packvault/packvault/internal/restic"
	"github.com/packvault/packvault/internal/ui/progress"
)

var ErrIndexIncomplete = errors.Fatal("index is not complete")
var ErrPacksMissing = errors.Fatal("packs from index missing in repo")
var ErrSizeNotMatching = errors.Fatal("pack size does not match calculated size from index")

// DefaultRepackRatio is the fraction of used bytes below which a pack is
// repacked.
const DefaultRepackRatio = 0.8

// Phase is a step of a prune run. Phases are traversed in order.
type Phase uint8

const (
	PhaseScanning Phase = iota
	PhaseComputingReachability
	PhasePlanning
	PhaseRepacking
	PhaseDeleting
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseScanning:
		return "scanning"
	case PhaseComputingReachability:
		return "computing reachability"
	case PhasePlanning:
		return "planning"
	case PhaseRepacking:
		return "repacking"
	case PhaseDeleting:
		return "deleting"
	case PhaseDone:
		return "done"
	}
	return fmt.Sprintf("<phase %d>", uint8(p))
}

// PruneOptions collects all options for the cleanup command.
type PruneOptions struct {
	DryRun bool

	// RepackRatio is the minimal fraction of used bytes a pack must contain
	// to be kept, zero selects DefaultRepackRatio.
	RepackRatio float64
	// MaxRepackBytes limits the amount of data repacked, zero means no limit.
	MaxRepackBytes uint64

	RepackCacheableOnly bool
	RepackSmall         bool
	RepackUncompressed  bool
}

func (opts PruneOptions) repackRatio() float64 {
	if opts.RepackRatio <= 0 || opts.RepackRatio > 1 {
		return DefaultRepackRatio
	}
	return opts.RepackRatio
}

func (opts PruneOptions) maxRepackBytes() uint64 {
	if opts.MaxRepackBytes == 0 {
		return math.MaxUint64
	}
	return opts.MaxRepackBytes
}

type PruneStats struct {
	Blobs struct {
		Used      uint
		Duplicate uint
		Unused    uint
		Remove    uint
		Repack    uint
		Repackrm  uint
	}
	Size struct {
		Used         uint64
		Duplicate    uint64
		Unused       uint64
		Remove       uint64
		Repack       uint64
		Repackrm     uint64
		Unref        uint64
		Uncompressed uint64
	}
	Packs struct {
		Used       uint
		Unused     uint
		PartlyUsed uint
		Unref      uint
		Keep       uint
		Repack     uint
		Remove     uint
	}
}

type PrunePlan struct {
	removePacksFirst restic.IDSet   // packs to remove first (unreferenced packs)
	repackPacks      restic.IDSet   // packs to repack
	keepBlobs        restic.BlobSet // blobs to keep during repacking
	removePacks      restic.IDSet   // packs to remove
	ignorePacks      restic.IDSet   // packs to ignore when rebuilding the index

	repo  *Repository
	phase Phase
	stats PruneStats
	opts  PruneOptions
}

// planRecord is the persisted form of a prune plan, stored as PlanFile.
type planRecord struct {
	Phase        Phase      `json:"phase"`
	Created      time.Time  `json:"created"`
	Unreferenced restic.IDs `json:"unreferenced,omitempty"`
	Repack       restic.IDs `json:"repack,omitempty"`
	Remove       restic.IDs `json:"remove,omitempty"`
}

// PlanPrune lists the packs, computes the used blobs with getUsedBlobs and
// decides which packs are deleted and which are repacked.
func PlanPrune(ctx context.Context, opts PruneOptions, repo *Repository, getUsedBlobs func(ctx context.Context, repo restic.Repository, usedBlobs restic.FindBlobSet) error, printer progress.Printer) (*PrunePlan, error) {
	if repo.Connections() < 2 {
		return nil, errors.Fatal("prune requires a backend connection limit of at least two")
	}
	plan := &PrunePlan{repo: repo, opts: opts, phase: PhaseScanning}

	printer.P("listing pack files\n")
	packSizes := make(map[restic.ID]int64)
	err := repo.List(ctx, restic.PackFile, func(id restic.ID, size int64) error {
		packSizes[id] = size
		return nil
	})
	if err != nil {
		return nil, err
	}

	plan.phase = PhaseComputingReachability
	used := make(usedBlobSet)
	if err := getUsedBlobs(ctx, repo, used); err != nil {
		return nil, err
	}

	plan.phase = PhasePlanning
	var stats PruneStats
	printer.P("searching used packs...\n")
	usage, err := measurePacks(ctx, repo.idx, used, &stats, printer)
	if err != nil {
		return nil, err
	}

	printer.P("collecting packs for deletion and repacking\n")
	if err := plan.classifyPacks(ctx, usage, packSizes, &stats, printer); err != nil {
		return nil, err
	}

	if len(plan.repackPacks) > 0 {
		plan.keepBlobs, err = plan.blobsToCopy(ctx, used)
		if err != nil {
			return nil, err
		}
	}
	plan.stats = stats
	return plan, nil
}

// blobsToCopy returns the used blobs which are not stored in a kept pack.
func (plan *PrunePlan) blobsToCopy(ctx context.Context, used usedBlobSet) (restic.BlobSet, error) {
	keep := restic.NewBlobSet()
	for bh := range used {
		keep.Insert(bh)
	}
	err := plan.repo.idx.Each(ctx, func(pb restic.PackedBlob) {
		if !plan.removePacks.Has(pb.PackID) && !plan.repackPacks.Has(pb.PackID) {
			keep.Delete(pb.BlobHandle)
		}
	})
	return keep, err
}

func (plan *PrunePlan) Stats() PruneStats {
	return plan.stats
}

// Phase returns the phase the plan has reached.
func (plan *PrunePlan) Phase() Phase {
	return plan.phase
}

// RemovePacks returns all packs the plan deletes, including repacked ones.
func (plan *PrunePlan) RemovePacks() restic.IDSet {
	ids := restic.NewIDSet()
	ids.Merge(plan.removePacksFirst)
	ids.Merge(plan.removePacks)
	ids.Merge(plan.repackPacks)
	return ids
}

// RepackPacks returns the packs whose used blobs are copied.
func (plan *PrunePlan) RepackPacks() restic.IDSet {
	return plan.repackPacks.Clone()
}

func (plan *PrunePlan) record(phase Phase) planRecord {
	return planRecord{
		Phase:        phase,
		Created:      time.Now(),
		Unreferenced: plan.removePacksFirst.List(),
		Repack:       plan.repackPacks.List(),
		Remove:       plan.removePacks.List(),
	}
}

func savePlan(ctx context.Context, repo *Repository, rec planRecord) (restic.ID, error) {
	id, err := restic.SaveJSONUnpacked(ctx, repo, restic.PlanFile, rec)
	if err != nil {
		return restic.ID{}, errors.Wrap(err, "save prune plan")
	}
	debug.Log("saved prune plan %v in phase %v", id.Str(), rec.Phase)
	return id, nil
}

func (plan *PrunePlan) reportDryRun(printer progress.Printer) {
	printer.V("Repeated prune dry-runs can report slightly different amounts of data to keep or repack. This is expected behavior.\n\n")
	if len(plan.removePacksFirst) > 0 {
		printer.V("Would have removed the following unreferenced packs:\n%v\n\n", plan.removePacksFirst)
	}
	printer.V("Would have repacked and removed the following packs:\n%v\n\n", plan.repackPacks)
	printer.V("Would have removed the following no longer used packs:\n%v\n\n", plan.removePacks)
}

// repack copies the blobs still needed out of the packs selected for
// repacking. Afterwards those packs are removed together with the unused ones.
func (plan *PrunePlan) repack(ctx context.Context, repo *Repository, printer progress.Printer) error {
	plan.phase = PhaseRepacking
	if len(plan.repackPacks) == 0 {
		return nil
	}

	printer.P("repacking packs\n")
	bar := printer.NewCounter("packs repacked")
	bar.SetMax(uint64(len(plan.repackPacks)))
	err := Repack(ctx, repo, repo, plan.repackPacks, plan.keepBlobs, bar)
	bar.Done()
	if err != nil {
		return errors.Fatal(err.Error())
	}

	plan.removePacks.Merge(plan.repackPacks)
	plan.repackPacks = nil
	if plan.keepBlobs.Len() > 0 {
		printer.E("%v was not repacked\n\nIntegrity check failed.\n", plan.keepBlobs)
		return errors.Fatal("internal error: blobs were not repacked")
	}
	plan.keepBlobs = nil
	return nil
}

// Execute runs the plan. The plan is persisted before anything is touched and
// again once the rewritten index no longer references the packs to delete, so
// ResumePrune can finish an interrupted run. A plan can only be executed once.
func (plan *PrunePlan) Execute(ctx context.Context, printer progress.Printer) error {
	if plan.opts.DryRun {
		plan.reportDryRun(printer)
		return nil
	}

	repo := plan.repo
	if repo == nil {
		return errors.New("prune plan was already executed")
	}
	plan.repo = nil

	planID, err := savePlan(ctx, repo, plan.record(PhaseRepacking))
	if err != nil {
		return err
	}

	// nothing references these packs
	if len(plan.removePacksFirst) > 0 {
		printer.P("deleting unreferenced packs\n")
		_ = deleteFiles(ctx, true, repo, plan.removePacksFirst, restic.PackFile, printer)
		plan.removePacksFirst = nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := plan.repack(ctx, repo, printer); err != nil {
		return err
	}

	forget := plan.removePacks.Clone()
	forget.Merge(plan.ignorePacks)
	if len(forget) > 0 {
		if err := rewriteIndexFiles(ctx, repo, forget, nil, printer); err != nil {
			return errors.Fatalf("%s", err)
		}
	}

	plan.phase = PhaseDeleting
	deletingID, err := savePlan(ctx, repo, plan.record(PhaseDeleting))
	if err != nil {
		return err
	}
	if err := repo.RemoveUnpacked(ctx, restic.PlanFile, planID); err != nil {
		debug.Log("unable to remove prune plan %v: %v", planID.Str(), err)
	}

	if len(plan.removePacks) > 0 {
		printer.P("removing %d old packs\n", len(plan.removePacks))
		_ = deleteFiles(ctx, true, repo, plan.removePacks, restic.PackFile, printer)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := repo.RemoveUnpacked(ctx, restic.PlanFile, deletingID); err != nil {
		return errors.Wrap(err, "remove prune plan")
	}
	plan.phase = PhaseDone
	printer.P("done\n")
	return nil
}

// finishPlan deletes the packs of a plan which reached PhaseDeleting. Packs the
// loaded index still references are kept.
func finishPlan(ctx context.Context, repo *Repository, rec planRecord, printer progress.Printer) error {
	referenced := repo.idx.Packs(restic.NewIDSet())
	remove := restic.NewIDSet()
	for _, ids := range []restic.IDs{rec.Unreferenced, rec.Repack, rec.Remove} {
		for _, id := range ids {
			if referenced.Has(id) {
				printer.E("pack %v from prune plan is still referenced, keeping it\n", id.Str())
				continue
			}
			remove.Insert(id)
		}
	}

	return repo.removePacks(ctx, remove, func(id restic.ID, err error) error {
		if err != nil && !repo.be.IsNotExist(err) {
			printer.E("unable to remove pack %v: %v\n", id.Str(), err)
		}
		return nil
	}, nil)
}

// ResumePrune handles the plans left by interrupted prune runs. A plan which
// reached PhaseDeleting is finished, any other plan is discarded as its index
// was never committed. The index must be loaded. It returns the number of
// finished plans.
func ResumePrune(ctx context.Context, repo *Repository, printer progress.Printer) (int, error) {
	var ids restic.IDs
	err := repo.List(ctx, restic.PlanFile, func(id restic.ID, _ int64) error {
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, id := range ids {
		buf, err := repo.LoadUnpacked(ctx, restic.PlanFile, id)
		if err != nil {
			printer.E("unable to load prune plan %v: %v\n", id.Str(), err)
			continue
		}

		var rec planRecord
		err = json.Unmarshal(buf, &rec)
		switch {
		case err != nil:
			printer.E("prune plan %v is damaged, discarding it: %v\n", id.Str(), err)
		case rec.Phase != PhaseDeleting:
			printer.V("discarding prune plan %v interrupted while %v\n", id.Str(), rec.Phase)
		default:
			printer.P("resuming interrupted prune %v from %v\n", id.Str(), rec.Created.Format(time.DateTime))
			if err := finishPlan(ctx, repo, rec, printer); err != nil {
				return resumed, err
			}
			resumed++
		}

		if err := repo.RemoveUnpacked(ctx, restic.PlanFile, id); err != nil {
			return resumed, errors.Wrap(err, "remove prune plan")
		}
	}
	return resumed, nil
}

// rewriteIndexFiles saves a new index without the packs in ignorePacks and
// deletes the old index files afterwards.
func rewriteIndexFiles(ctx context.Context, repo *Repository, ignorePacks restic.IDSet, extraObsolete restic.IDs, printer progress.Printer) error {
	printer.P("rebuilding index\n")

	bar := printer.NewCounter("indexes processed")
	defer bar.Done()
	return repo.idx.Save(ctx, repo, ignorePacks, extraObsolete, index.SaveOpts{
		SaveProgress: bar,
		DeleteProgress: func() *progress.Counter {
			return printer.NewCounter("old indexes deleted")
		},
		DeleteReport: func(id restic.ID, err error) {
			if err != nil {
				printer.E("unable to remove index %v: %v\n", id.Str(), err)
			}
			printer.VV("removed index %v\n", id.String())
		},
	})
}

// deleteFiles deletes the given fileList of fileType in parallel
// if ignoreError=true, it will print a warning if there was an error, else it will abort.
func deleteFiles(ctx context.Context, ignoreError bool, repo *Repository, fileList restic.IDSet, fileType restic.FileType, printer progress.Printer) error {
	bar := printer.NewCounter("files deleted")
	defer bar.Done()

	report := func(id restic.ID, err error) error {
		if err != nil {
			printer.E("unable to remove %v/%v from the repository\n", fileType, id)
			if !ignoreError {
				return err
			}
		}
		printer.VV("removed %v/%v\n", fileType, id)
		return nil
	}

	if fileType == restic.PackFile {
		return repo.removePacks(ctx, fileList, report, bar)
	}
	return restic.ParallelRemove(ctx, repo, fileList, fileType, report, bar)
}
