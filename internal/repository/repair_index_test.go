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

func replaceFile(t *testing.T, be backend.Backend, h backend.Handle, damage func([]byte) []byte) {
	buf, err := backend.LoadAll(context.TODO(), nil, be, h)
	rtest.OK(t, err)
	buf = damage(buf)
	rtest.OK(t, be.Remove(context.TODO(), h))
	rtest.OK(t, be.Save(context.TODO(), h, backend.NewByteReader(buf, be.Hasher())))
}

func testRebuildIndex(t *testing.T, readAllPacks bool, damage func(t *testing.T, repo *repository.Repository, be backend.Backend) restic.BlobSet) {
	seed := time.Now().UnixNano()
	random := rand.New(rand.NewSource(seed))
	t.Logf("rand initialized with seed %d", seed)

	repo, be := repository.TestRepositoryWithBackend(t, nil, restic.ConfigOptions{})
	createRandomBlobs(t, random, repo, 4, 0.5)
	createRandomBlobs(t, random, repo, 5, 0.5)
	indexes := listFiles(t, repo, restic.IndexFile)
	blobsBefore := listBlobs(t, repo)
	t.Logf("old indexes %v", indexes)

	lost := damage(t, repo, be)

	repo = repository.TestOpenBackendRaw(t, be)
	rtest.OK(t, repository.RepairIndex(context.TODO(), repo, repository.RepairIndexOptions{
		ReadAllPacks: readAllPacks,
	}, &progress.NoopPrinter{}))

	repo = repository.TestOpenBackend(t, be)
	checkRepoBlobs(t, repo)
	rtest.Assert(t, listBlobs(t, repo).Equals(blobsBefore.Sub(lost)), "blobs differ after index rebuild")
	rtest.Equals(t, 0, len(listFiles(t, repo, restic.IndexFile).Intersect(indexes)))
}

func TestRebuildIndex(t *testing.T) {
	for _, test := range []struct {
		name   string
		damage func(t *testing.T, repo *repository.Repository, be backend.Backend) restic.BlobSet
	}{
		{
			"valid index",
			func(t *testing.T, repo *repository.Repository, be backend.Backend) restic.BlobSet {
				return restic.NewBlobSet()
			},
		},
		{
			"damaged index",
			func(t *testing.T, repo *repository.Repository, be backend.Backend) restic.BlobSet {
				index := listFiles(t, repo, restic.IndexFile).List()[0]
				replaceFile(t, be, backend.Handle{Type: restic.IndexFile, Name: index.String()}, func(b []byte) []byte {
					b[0] ^= 0xff
					return b
				})
				return restic.NewBlobSet()
			},
		},
		{
			"missing index",
			func(t *testing.T, repo *repository.Repository, be backend.Backend) restic.BlobSet {
				index := listFiles(t, repo, restic.IndexFile).List()[0]
				rtest.OK(t, be.Remove(context.TODO(), backend.Handle{Type: restic.IndexFile, Name: index.String()}))
				return restic.NewBlobSet()
			},
		},
		{
			"missing pack",
			func(t *testing.T, repo *repository.Repository, be backend.Backend) restic.BlobSet {
				pack := listPacks(t, repo).List()[0]
				lost := restic.NewBlobSet()
				rtest.OK(t, repo.Index().ListPacks(context.TODO(), restic.NewIDSet(pack), func(pbs restic.PackBlobs) error {
					for _, blob := range pbs.Blobs {
						lost.Insert(blob.BlobHandle)
					}
					return nil
				}))
				rtest.OK(t, be.Remove(context.TODO(), backend.Handle{Type: restic.PackFile, Name: pack.String()}))
				return lost
			},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			testRebuildIndex(t, false, test.damage)
			testRebuildIndex(t, true, test.damage)
		})
	}
}
