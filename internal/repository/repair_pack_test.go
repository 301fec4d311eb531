package repository_test

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/packvault/packvault/internal/backend"
	"github.com/packvault/packvault/internal/repository"
	"github.com/packvault/packvault/internal/restic"
	rtest "github.com/packvault/packvault/internal/test"
	"github.com/packvault/packvault/internal/ui/progress"
)

func blobsOfPack(t *testing.T, repo *repository.Repository, id restic.ID) []restic.Blob {
	var blobs []restic.Blob
	rtest.OK(t, repo.Index().ListPacks(context.TODO(), restic.NewIDSet(id), func(pbs restic.PackBlobs) error {
		blobs = append(blobs, pbs.Blobs...)
		return nil
	}))
	return blobs
}

func TestRepairBrokenPack(t *testing.T) {
	tests := []struct {
		name   string
		damage func(t *testing.T, random *rand.Rand, repo *repository.Repository, be backend.Backend, packsBefore restic.IDSet) (restic.IDSet, restic.BlobSet)
	}{
		{
			"valid pack",
			func(t *testing.T, random *rand.Rand, repo *repository.Repository, be backend.Backend, packsBefore restic.IDSet) (restic.IDSet, restic.BlobSet) {
				return packsBefore, restic.NewBlobSet()
			},
		},
		{
			"broken pack",
			func(t *testing.T, random *rand.Rand, repo *repository.Repository, be backend.Backend, packsBefore restic.IDSet) (restic.IDSet, restic.BlobSet) {
				wrongBlob := createRandomWrongBlob(t, random, repo)
				damagedPacks := findPacksForBlobs(t, repo, restic.NewBlobSet(wrongBlob))
				return damagedPacks, restic.NewBlobSet(wrongBlob)
			},
		},
		{
			"partially broken pack",
			func(t *testing.T, random *rand.Rand, repo *repository.Repository, be backend.Backend, packsBefore restic.IDSet) (restic.IDSet, restic.BlobSet) {
				damagedID := packsBefore.List()[0]
				replaceFile(t, be, backend.Handle{Type: restic.PackFile, Name: damagedID.String()},
					func(buf []byte) []byte {
						buf[0] ^= 0xff
						return buf
					})

				// only the blob at offset 0 is damaged
				var damagedBlob restic.BlobHandle
				for _, blob := range blobsOfPack(t, repo, damagedID) {
					if blob.Offset == 0 {
						damagedBlob = blob.BlobHandle
					}
				}
				return restic.NewIDSet(damagedID), restic.NewBlobSet(damagedBlob)
			},
		},
		{
			"truncated pack",
			func(t *testing.T, random *rand.Rand, repo *repository.Repository, be backend.Backend, packsBefore restic.IDSet) (restic.IDSet, restic.BlobSet) {
				damagedID := packsBefore.List()[0]
				replaceFile(t, be, backend.Handle{Type: restic.PackFile, Name: damagedID.String()},
					func(buf []byte) []byte {
						return buf[0:10]
					})

				damagedBlobs := restic.NewBlobSet()
				for _, blob := range blobsOfPack(t, repo, damagedID) {
					damagedBlobs.Insert(blob.BlobHandle)
				}
				return restic.NewIDSet(damagedID), damagedBlobs
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			repo, be := repository.TestRepositoryWithBackend(t, nil, restic.ConfigOptions{})

			seed := time.Now().UnixNano()
			random := rand.New(rand.NewSource(seed))
			t.Logf("rand seed is %v", seed)

			createRandomBlobs(t, random, repo, 5, 0.7)
			packsBefore := listPacks(t, repo)
			blobsBefore := listBlobs(t, repo)

			toRepair, damagedBlobs := test.damage(t, random, repo, be, packsBefore)

			rtest.OK(t, repository.RepairPacks(context.TODO(), repo, toRepair, &progress.NoopPrinter{}))
			rtest.OK(t, repo.LoadIndex(context.TODO(), nil))

			packsAfter := listPacks(t, repo)
			blobsAfter := listBlobs(t, repo)

			rtest.Assert(t, len(packsAfter.Intersect(toRepair)) == 0, "some damaged packs were not removed")
			rtest.Assert(t, len(packsBefore.Sub(toRepair).Sub(packsAfter)) == 0, "not-damaged packs were removed")
			rtest.Assert(t, blobsBefore.Sub(damagedBlobs).Equals(blobsAfter), "diverging blob lists")
		})
	}
}
