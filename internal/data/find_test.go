package data_test

import (
	"context"
	"testing"
	"time"

	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/repository"
	"github.com/packvault/packvault/internal/restic"
	rtest "github.com/packvault/packvault/internal/test"
	"github.com/packvault/packvault/internal/ui/progress"
)

// walkBlobs collects all blobs below tree id with a simple recursive walk.
func walkBlobs(t *testing.T, repo restic.BlobLoader, id restic.ID, blobs restic.BlobSet) {
	blobs.Insert(restic.BlobHandle{ID: id, Type: restic.TreeBlob})
	tree, err := data.LoadTree(context.TODO(), repo, id)
	rtest.OK(t, err)
	for _, node := range tree.Nodes {
		switch node.Type {
		case data.NodeTypeFile:
			for _, blob := range node.Content {
				blobs.Insert(restic.BlobHandle{ID: blob, Type: restic.DataBlob})
			}
		case data.NodeTypeDir:
			walkBlobs(t, repo, *node.Subtree, blobs)
		}
	}
}

func TestFindUsedBlobs(t *testing.T) {
	repo := repository.TestRepository(t)

	var snapshots []*data.Snapshot
	for i := 0; i < 3; i++ {
		sn := data.TestCreateSnapshot(t, repo, time.Unix(1500000000+int64(i)*86400, 0), 3)
		snapshots = append(snapshots, sn)
	}

	p := progress.NewCounter(time.Second, uint64(len(snapshots)), func(uint64, uint64, time.Duration, bool) {})
	defer p.Done()

	usedBlobs := restic.NewBlobSet()
	expected := restic.NewBlobSet()
	var roots restic.IDs
	for _, sn := range snapshots {
		roots = append(roots, *sn.Tree)
		walkBlobs(t, repo, *sn.Tree, expected)
	}

	rtest.OK(t, data.FindUsedBlobs(context.TODO(), repo, roots, usedBlobs, p))
	rtest.Assert(t, usedBlobs.Equals(expected), "used blobs differ: want %d, got %d", len(expected), len(usedBlobs))

	v, _ := p.Get()
	rtest.Equals(t, uint64(len(snapshots)), v)

	// all blobs of the repository are referenced by the snapshots
	all := restic.NewBlobSet()
	rtest.OK(t, repo.Index().Each(context.TODO(), func(pb restic.PackedBlob) {
		all.Insert(pb.BlobHandle)
	}))
	rtest.Assert(t, all.Equals(usedBlobs), "repository contains unreferenced blobs")
}

func TestFindUsedBlobsSkipsKnownTrees(t *testing.T) {
	repo := repository.TestRepository(t)
	sn := data.TestCreateSnapshot(t, repo, time.Unix(1500000000, 0), 2)

	// a tree already in the set is not loaded again
	usedBlobs := restic.NewBlobSet(restic.BlobHandle{ID: *sn.Tree, Type: restic.TreeBlob})
	rtest.OK(t, data.FindUsedBlobs(context.TODO(), repo, restic.IDs{*sn.Tree}, usedBlobs, nil))
	rtest.Equals(t, 1, len(usedBlobs))
}

func TestFindUsedBlobsMissingTree(t *testing.T) {
	repo := repository.TestRepository(t)
	err := data.FindUsedBlobs(context.TODO(), repo, restic.IDs{restic.NewRandomID()}, restic.NewBlobSet(), nil)
	rtest.Assert(t, err != nil, "missing tree was not reported")
}
