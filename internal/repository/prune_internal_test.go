package repository

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/packvault/packvault/internal/restic"
	rtest "github.com/packvault/packvault/internal/test"
	"github.com/packvault/packvault/internal/ui/progress"
)

// TestPruneDuplicateSelection checks that exactly one copy of each duplicate
// blob survives.
//
// Create a repository containing blobs a to d that are stored in packs as follows:
// - a, d
// - b, d
// - c, d
// All blobs should be kept during prune, but the duplicates should be gone afterwards.
// Each pack contains a used, non-duplicate blob, so no pack consists of
// duplicates only.
func TestPruneDuplicateSelection(t *testing.T) {
	seed := time.Now().UnixNano()
	random := rand.New(rand.NewSource(seed))
	t.Logf("rand initialized with seed %d", seed)

	repo, _ := TestRepositoryWithBackend(t, nil, restic.ConfigOptions{Compression: restic.CompressionOff})
	// ensure blobs are assembled into packs as expected
	repo.packerCount = 1
	// large blobs to prevent repacking due to too small packsize
	const blobSize = 1024 * 1024

	bufs := [][]byte{}
	for i := 0; i < 4; i++ {
		buf := make([]byte, blobSize)
		random.Read(buf)
		bufs = append(bufs, buf)
	}
	keep := restic.NewBlobSet()

	for _, blobs := range [][][]byte{
		{bufs[0], bufs[3]},
		{bufs[1], bufs[3]},
		{bufs[2], bufs[3]},
	} {
		rtest.OK(t, repo.WithBlobUploader(context.TODO(), func(ctx context.Context) error {
			for _, blob := range blobs {
				id, _, _, err := repo.SaveBlob(ctx, restic.DataBlob, blob, restic.ID{}, true)
				if err != nil {
					return err
				}
				keep.Insert(restic.BlobHandle{Type: restic.DataBlob, ID: id})
			}
			return nil
		}))
	}

	// a pack with one of two blobs unused is below the ratio
	opts := PruneOptions{RepackRatio: 0.6}

	plan, err := PlanPrune(context.TODO(), opts, repo, func(ctx context.Context, repo restic.Repository, usedBlobs restic.FindBlobSet) error {
		for blob := range keep {
			usedBlobs.Insert(blob)
		}
		return nil
	}, &progress.NoopPrinter{})
	rtest.OK(t, err)

	rtest.OK(t, plan.Execute(context.TODO(), &progress.NoopPrinter{}))

	rsize := plan.Stats().Size
	// divide by blobSize to ignore pack file overhead
	rtest.Equals(t, rsize.Used/blobSize, uint64(4))
	rtest.Equals(t, rsize.Duplicate/blobSize, uint64(2))
	rtest.Equals(t, rsize.Unused, uint64(0))
	rtest.Equals(t, rsize.Remove, uint64(0))
	rtest.Equals(t, rsize.Repack/blobSize, uint64(4))
	rtest.Equals(t, rsize.Repackrm/blobSize, uint64(2))
	rtest.Equals(t, rsize.Unref, uint64(0))
	rtest.Equals(t, rsize.Uncompressed, uint64(0))

	for blob := range keep {
		rtest.Equals(t, 1, len(repo.LookupBlob(blob.Type, blob.ID)))
	}
}

func TestPhaseOrder(t *testing.T) {
	phases := []Phase{PhaseScanning, PhaseComputingReachability, PhasePlanning, PhaseRepacking, PhaseDeleting, PhaseDone}
	for i := 1; i < len(phases); i++ {
		rtest.Assert(t, phases[i-1] < phases[i], "phase %v not before %v", phases[i-1], phases[i])
	}
	rtest.Equals(t, "deleting", PhaseDeleting.String())
}

func TestResumePruneDiscardsEarlyPlans(t *testing.T) {
	repo, _ := TestRepositoryWithBackend(t, nil, restic.ConfigOptions{})
	packID := restic.NewRandomID()

	for _, phase := range []Phase{PhasePlanning, PhaseRepacking} {
		_, err := savePlan(context.TODO(), repo, planRecord{Phase: phase, Created: time.Now(), Remove: restic.IDs{packID}})
		rtest.OK(t, err)
	}

	n, err := ResumePrune(context.TODO(), repo, &progress.NoopPrinter{})
	rtest.OK(t, err)
	rtest.Equals(t, 0, n)

	remaining := 0
	rtest.OK(t, repo.List(context.TODO(), restic.PlanFile, func(restic.ID, int64) error {
		remaining++
		return nil
	}))
	rtest.Equals(t, 0, remaining)
}

func TestResumePruneKeepsReferencedPacks(t *testing.T) {
	repo, _ := TestRepositoryWithBackend(t, nil, restic.ConfigOptions{})

	var id restic.ID
	rtest.OK(t, repo.WithBlobUploader(context.TODO(), func(ctx context.Context) error {
		var err error
		id, _, _, err = repo.SaveBlob(ctx, restic.DataBlob, []byte("still referenced"), restic.ID{}, false)
		return err
	}))
	packs := repo.idx.Packs(restic.NewIDSet())
	rtest.Equals(t, 1, len(packs))

	_, err := savePlan(context.TODO(), repo, planRecord{Phase: PhaseDeleting, Created: time.Now(), Remove: packs.List()})
	rtest.OK(t, err)

	n, err := ResumePrune(context.TODO(), repo, &progress.NoopPrinter{})
	rtest.OK(t, err)
	rtest.Equals(t, 1, n)

	buf, err := repo.LoadBlob(context.TODO(), restic.DataBlob, id, nil)
	rtest.OK(t, err)
	rtest.Equals(t, "still referenced", string(buf))
}
