package checker_test

import (
	"context"
	"testing"
	"time"

	"github.com/packvault/packvault/internal/backend"
	"github.com/packvault/packvault/internal/checker"
	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/repository"
	"github.com/packvault/packvault/internal/restic"
	rtest "github.com/packvault/packvault/internal/test"
)

func collectErrors(ctx context.Context, f func(context.Context, chan<- error)) (errs []error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error)

	go f(ctx, errChan)

	for err := range errChan {
		errs = append(errs, err)
	}

	return errs
}

func checkPacks(chkr *checker.Checker) []error {
	return collectErrors(context.TODO(), chkr.Packs)
}

func checkStruct(chkr *checker.Checker) []error {
	err := chkr.LoadSnapshots(context.TODO())
	if err != nil {
		return []error{err}
	}
	return collectErrors(context.TODO(), func(ctx context.Context, errChan chan<- error) {
		chkr.Structure(ctx, nil, errChan)
	})
}

func checkData(chkr *checker.Checker) []error {
	return collectErrors(
		context.TODO(),
		func(ctx context.Context, errCh chan<- error) {
			chkr.ReadData(ctx, errCh)
		},
	)
}

// testSnapshotRepo returns a repository containing two snapshots and its
// backend.
func testSnapshotRepo(t *testing.T) (*repository.Repository, backend.Backend, data.Snapshots) {
	repo, be := repository.TestRepositoryWithBackend(t, nil, restic.ConfigOptions{})
	var snapshots data.Snapshots
	for i := 0; i < 2; i++ {
		sn := data.TestCreateSnapshot(t, repo, time.Unix(1700000000+int64(i)*3600, 0), 3)
		snapshots = append(snapshots, sn)
	}
	return repository.TestOpenBackendRaw(t, be), be, snapshots
}

func loadIndex(t *testing.T, chkr *checker.Checker) {
	hints, errs := chkr.LoadIndex(context.TODO(), nil)
	rtest.Assert(t, len(errs) == 0, "expected no errors, got %v", errs)
	rtest.Assert(t, len(hints) == 0, "expected no hints, got %v", hints)
}

func replaceFile(t *testing.T, be backend.Backend, h backend.Handle, damage func([]byte) []byte) {
	buf, err := backend.LoadAll(context.TODO(), nil, be, h)
	rtest.OK(t, err)
	buf = damage(buf)
	rtest.OK(t, be.Remove(context.TODO(), h))
	rtest.OK(t, be.Save(context.TODO(), h, backend.NewByteReader(buf, be.Hasher())))
}

func firstPack(t *testing.T, chkr *checker.Checker) restic.ID {
	for id := range chkr.GetPacks() {
		return id
	}
	t.Fatal("repository contains no packs")
	return restic.ID{}
}

func TestCheckRepo(t *testing.T) {
	repo, _, _ := testSnapshotRepo(t)
	checker.TestCheckRepo(t, repo, false)
}

func TestMissingPack(t *testing.T) {
	repo, be, _ := testSnapshotRepo(t)

	chkr := checker.New(repo, false)
	loadIndex(t, chkr)

	packID := firstPack(t, chkr)
	rtest.OK(t, be.Remove(context.TODO(), backend.Handle{Type: restic.PackFile, Name: packID.String()}))

	errs := checkPacks(chkr)
	rtest.Assert(t, len(errs) == 1, "expected exactly one error, got %v", len(errs))

	var perr *checker.PackError
	rtest.Assert(t, errors.As(errs[0], &perr), "expected PackError, got %v", errs[0])
	rtest.Equals(t, packID, perr.ID)
	rtest.Assert(t, !perr.Orphaned, "missing pack must not be reported as orphaned")

	// a missing pack is not a damaged pack
	errs = checkData(chkr)
	rtest.Assert(t, len(errs) == 1, "expected exactly one error, got %v", errs)
	rtest.Assert(t, !errors.As(errs[0], &perr), "expected plain error for missing pack, got %v", errs[0])
}

func TestUnreferencedPack(t *testing.T) {
	repo, be, _ := testSnapshotRepo(t)

	err := repo.List(context.TODO(), restic.IndexFile, func(id restic.ID, _ int64) error {
		return be.Remove(context.TODO(), backend.Handle{Type: restic.IndexFile, Name: id.String()})
	})
	rtest.OK(t, err)

	chkr := checker.New(repo, false)
	loadIndex(t, chkr)
	rtest.Equals(t, uint64(0), chkr.CountPacks())

	errs := checkPacks(chkr)
	rtest.Assert(t, len(errs) > 0, "expected orphaned packs")
	for _, err := range errs {
		rtest.Assert(t, checker.IsOrphanedPack(err), "expected orphaned pack error, got %v", err)
	}
}

func TestUnreferencedBlobs(t *testing.T) {
	repo, be, snapshots := testSnapshotRepo(t)

	// drop the newest snapshot, its blobs which are not shared become unused
	removed := snapshots[1]
	rtest.OK(t, be.Remove(context.TODO(), backend.Handle{Type: restic.SnapshotFile, Name: removed.ID().String()}))

	chkr := checker.New(repo, true)
	loadIndex(t, chkr)

	errs := checkStruct(chkr)
	rtest.Assert(t, len(errs) == 0, "expected no structure errors, got %v", errs)

	blobs, err := chkr.UnusedBlobs(context.TODO())
	rtest.OK(t, err)
	rtest.Assert(t, len(blobs) > 0, "expected unused blobs")

	// the root tree of the removed snapshot is among them
	found := false
	for _, h := range blobs {
		if h == (restic.BlobHandle{ID: *removed.Tree, Type: restic.TreeBlob}) {
			found = true
		}
	}
	rtest.Assert(t, found, "tree %v of removed snapshot not reported as unused", removed.Tree.Str())
}

func TestUnusedBlobsRequiresTracking(t *testing.T) {
	repo, _, _ := testSnapshotRepo(t)
	chkr := checker.New(repo, false)
	loadIndex(t, chkr)

	_, err := chkr.UnusedBlobs(context.TODO())
	rtest.Assert(t, err != nil, "expected error without tracking of unused blobs")
}

func TestDuplicatePacksInIndex(t *testing.T) {
	repo, _, _ := testSnapshotRepo(t)

	// store a copy of an index, the new file receives a different ID
	var indexID restic.ID
	rtest.OK(t, repo.List(context.TODO(), restic.IndexFile, func(id restic.ID, _ int64) error {
		indexID = id
		return nil
	}))
	buf, err := repo.LoadUnpacked(context.TODO(), restic.IndexFile, indexID)
	rtest.OK(t, err)
	_, err = repo.SaveUnpacked(context.TODO(), restic.IndexFile, buf)
	rtest.OK(t, err)

	chkr := checker.New(repo, false)
	hints, errs := chkr.LoadIndex(context.TODO(), nil)
	rtest.Assert(t, len(errs) == 0, "expected no errors, got %v", errs)
	rtest.Assert(t, len(hints) > 0, "expected duplicate pack hints")

	for _, hint := range hints {
		var dup *checker.ErrDuplicatePacks
		rtest.Assert(t, errors.As(hint, &dup), "unexpected hint %v", hint)
		rtest.Equals(t, 2, len(dup.Indexes))
	}
}

func TestDamagedIndex(t *testing.T) {
	repo, be, _ := testSnapshotRepo(t)

	var indexID restic.ID
	rtest.OK(t, repo.List(context.TODO(), restic.IndexFile, func(id restic.ID, _ int64) error {
		indexID = id
		return nil
	}))
	replaceFile(t, be, backend.Handle{Type: restic.IndexFile, Name: indexID.String()}, func(buf []byte) []byte {
		buf[len(buf)-1] ^= 0xff
		return buf
	})

	chkr := checker.New(repo, false)
	_, errs := chkr.LoadIndex(context.TODO(), nil)
	rtest.Equals(t, 1, len(errs))
}

func TestCheckerModifiedData(t *testing.T) {
	repo, be, _ := testSnapshotRepo(t)

	chkr := checker.New(repo, false)
	loadIndex(t, chkr)

	packID := firstPack(t, chkr)
	replaceFile(t, be, backend.Handle{Type: restic.PackFile, Name: packID.String()}, func(buf []byte) []byte {
		buf[0] ^= 0xff
		return buf
	})

	errs := checkPacks(chkr)
	rtest.Assert(t, len(errs) == 0, "expected no pack errors, got %v", errs)

	errs = checkData(chkr)
	rtest.Assert(t, len(errs) == 1, "expected exactly one error, got %v", errs)

	var perr *checker.PackError
	rtest.Assert(t, errors.As(errs[0], &perr), "expected PackError, got %v", errs[0])
	rtest.Equals(t, packID, perr.ID)
}

func TestCheckerTruncatedPack(t *testing.T) {
	repo, be, _ := testSnapshotRepo(t)

	chkr := checker.New(repo, false)
	loadIndex(t, chkr)

	packID := firstPack(t, chkr)
	replaceFile(t, be, backend.Handle{Type: restic.PackFile, Name: packID.String()}, func(buf []byte) []byte {
		return buf[:len(buf)/2]
	})

	errs := checkPacks(chkr)
	rtest.Assert(t, len(errs) == 1, "expected exactly one error, got %v", errs)
	rtest.Assert(t, checker.IsTruncatedPack(errs[0]), "expected truncated pack, got %v", errs[0])
}

func TestCheckerMissingTree(t *testing.T) {
	repo, _, _ := testSnapshotRepo(t)

	missing := restic.NewRandomID()
	sn, err := data.NewSnapshot([]string{"/missing"}, nil, "foo", time.Unix(1800000000, 0))
	rtest.OK(t, err)
	sn.Tree = &missing
	_, err = data.SaveSnapshot(context.TODO(), repo, sn)
	rtest.OK(t, err)

	chkr := checker.New(repo, false)
	loadIndex(t, chkr)

	errs := checkStruct(chkr)
	rtest.Equals(t, 1, len(errs))

	var terr *checker.TreeError
	rtest.Assert(t, errors.As(errs[0], &terr), "expected TreeError, got %v", errs[0])
	rtest.Equals(t, missing, terr.ID)
}

func TestCheckerMissingDataBlob(t *testing.T) {
	repo, _, _ := testSnapshotRepo(t)

	var treeID restic.ID
	rtest.OK(t, repo.WithBlobUploader(context.TODO(), func(ctx context.Context) error {
		treeID = data.TestSaveNodes(t, ctx, repo, []*data.Node{
			{
				Name:    "file",
				Type:    data.NodeTypeFile,
				Mode:    0644,
				Size:    42,
				Content: restic.IDs{restic.NewRandomID()},
			},
			{
				Name: "dir",
				Type: data.NodeTypeDir,
				Mode: 0755,
			},
		})
		return nil
	}))

	sn, err := data.NewSnapshot([]string{"/broken"}, nil, "foo", time.Unix(1800000000, 0))
	rtest.OK(t, err)
	sn.Tree = &treeID
	_, err = data.SaveSnapshot(context.TODO(), repo, sn)
	rtest.OK(t, err)

	chkr := checker.New(repo, false)
	loadIndex(t, chkr)

	errs := checkStruct(chkr)
	rtest.Equals(t, 1, len(errs))

	var terr *checker.TreeError
	rtest.Assert(t, errors.As(errs[0], &terr), "expected TreeError, got %v", errs[0])
	rtest.Equals(t, treeID, terr.ID)
	// missing content blob and missing subtree
	rtest.Equals(t, 2, len(terr.Errors))
}

func TestReadPacksSubset(t *testing.T) {
	repo, _, _ := testSnapshotRepo(t)

	chkr := checker.New(repo, false)
	loadIndex(t, chkr)

	packID := firstPack(t, chkr)
	subset := map[restic.ID]int64{packID: chkr.GetPacks()[packID]}

	errs := collectErrors(context.TODO(), func(ctx context.Context, errChan chan<- error) {
		chkr.ReadPacks(ctx, subset, nil, errChan)
	})
	rtest.Assert(t, len(errs) == 0, "expected no errors, got %v", errs)
}

func BenchmarkChecker(b *testing.B) {
	repo, be := repository.TestRepositoryWithBackend(b, nil, restic.ConfigOptions{})
	for i := 0; i < 5; i++ {
		data.TestCreateSnapshot(b, repo, time.Unix(1700000000+int64(i)*3600, 0), 4)
	}
	repo = repository.TestOpenBackendRaw(b, be)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		chkr := checker.New(repo, false)
		hints, errs := chkr.LoadIndex(context.TODO(), nil)
		if len(hints)+len(errs) > 0 {
			b.Fatalf("unexpected hints %v or errors %v", hints, errs)
		}
		for _, err := range collectErrors(context.TODO(), func(ctx context.Context, errChan chan<- error) {
			chkr.Structure(ctx, nil, errChan)
		}) {
			b.Error(err)
		}
	}
}
