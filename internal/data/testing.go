package data

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/packvault/packvault/internal/chunker"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/restic"
	rtest "github.com/packvault/packvault/internal/test"
)

// Shape of the generated snapshots. File contents only depend on one of
// fakeSeeds seeds, so snapshots share most of their data blobs.
const (
	fakeSeeds       = 32
	fakeMaxFileSize = 20000
	fakeMaxEntries  = 15
)

// fakeTreeWriter stores pseudo-random directory trees in a repository.
type fakeTreeWriter struct {
	t       testing.TB
	repo    restic.Repository
	chunker *chunker.Chunker
}

func (w *fakeTreeWriter) content(ctx context.Context, seed int64) (restic.IDs, uint64) {
	size := seed * (fakeMaxFileSize / fakeSeeds)
	rd := io.LimitReader(rand.New(rand.NewSource(seed)), size)

	if w.chunker == nil {
		w.chunker = chunker.New(rd, chunker.ParamsFromConfig(w.repo.Config()))
	}
	ids := restic.IDs{}
	err := w.chunker.Split(rd, func(c chunker.Chunk) error {
		id, _, _, err := w.repo.SaveBlob(ctx, restic.DataBlob, c.Data, restic.ID{}, false)
		ids = append(ids, id)
		return err
	})
	if err != nil {
		w.t.Fatalf("unable to save file: %v", err)
	}
	return ids, uint64(size)
}

// tree writes a directory with up to fakeMaxEntries entries. Below depth one
// only files are created, otherwise about a quarter of the entries are
// subdirectories.
func (w *fakeTreeWriter) tree(ctx context.Context, seed int64, depth int) restic.ID {
	rnd := rand.New(rand.NewSource(seed))
	entries := int(rnd.Int63() % fakeMaxEntries)

	nodes := make([]*Node, 0, entries)
	for i := range entries {
		if depth > 1 && rnd.Int63()%4 == 0 {
			sub := w.tree(ctx, rnd.Int63()%fakeSeeds, depth-1)
			nodes = append(nodes, &Node{
				Name:    fmt.Sprintf("dir-%v", i),
				Type:    NodeTypeDir,
				Mode:    0755,
				Subtree: &sub,
			})
			continue
		}

		content, size := w.content(ctx, rnd.Int63()%fakeSeeds)
		nodes = append(nodes, &Node{
			Name:    fmt.Sprintf("file-%v", i),
			Type:    NodeTypeFile,
			Mode:    0644,
			Size:    size,
			Content: content,
		})
	}
	return TestSaveNodes(w.t, ctx, w.repo, nodes)
}

// TestSaveNodes sorts the nodes and saves them as a tree.
//
//nolint:revive // as this is a test helper, t should go first
func TestSaveNodes(t testing.TB, ctx context.Context, saver restic.BlobSaver, nodes []*Node) restic.ID {
	tree := &Tree{Nodes: nodes}
	tree.Sort()
	id, err := SaveTree(ctx, saver, tree)
	rtest.OK(t, err)
	return id
}

// TestCreateSnapshot saves a snapshot of a generated tree with the given
// depth. The tree only depends on at, which is also the snapshot time.
func TestCreateSnapshot(t testing.TB, repo restic.Repository, at time.Time, depth int) *Snapshot {
	ctx := context.TODO()
	sn, err := NewSnapshot([]string{"fakedir-at-" + at.Format(time.DateTime)}, []string{"test"}, "foo", at)
	rtest.OK(t, err)

	w := &fakeTreeWriter{t: t, repo: repo}
	var root restic.ID
	rtest.OK(t, repo.WithBlobUploader(ctx, func(ctx context.Context) error {
		root = w.tree(ctx, at.Unix(), depth)
		return nil
	}))
	sn.Tree = &root

	id, err := SaveSnapshot(ctx, repo, sn)
	rtest.OK(t, err)
	t.Logf("saved fake snapshot %v at %v", id.Str(), at)
	return sn
}

// TestLoadAllSnapshots returns all snapshots except those in excludeIDs.
func TestLoadAllSnapshots(ctx context.Context, repo restic.ListerLoaderUnpacked, excludeIDs restic.IDSet) (Snapshots, error) {
	var all Snapshots
	err := ForAllSnapshots(ctx, repo, repo, excludeIDs, func(_ restic.ID, sn *Snapshot, err error) error {
		if err == nil {
			all = append(all, sn)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}

// TestTreeMap serves encoded trees from memory.
type TestTreeMap map[restic.ID][]byte

func (m TestTreeMap) LoadBlob(_ context.Context, tpe restic.BlobType, id restic.ID, _ []byte) ([]byte, error) {
	if tpe != restic.TreeBlob {
		return nil, errors.New("can only load trees")
	}
	if buf, ok := m[id]; ok {
		return buf, nil
	}
	return nil, errors.NotFoundf("tree %v not found", id.Str())
}

func (m TestTreeMap) LookupBlobSize(tpe restic.BlobType, id restic.ID) (uint, bool) {
	buf, ok := m[id]
	if tpe != restic.TreeBlob || !ok {
		return 0, false
	}
	return uint(len(buf)), true
}

func (m TestTreeMap) Connections() uint { return 2 }

// TestWritableTreeMap additionally stores saved trees.
type TestWritableTreeMap struct {
	TestTreeMap
}

func (m TestWritableTreeMap) SaveBlob(_ context.Context, tpe restic.BlobType, buf []byte, id restic.ID, _ bool) (restic.ID, bool, int, error) {
	if tpe != restic.TreeBlob {
		return restic.ID{}, false, 0, errors.New("can only save trees")
	}
	if id.IsNull() {
		id = restic.Hash(buf)
	}
	if _, ok := m.TestTreeMap[id]; ok {
		return id, true, 0, nil
	}
	m.TestTreeMap[id] = append([]byte(nil), buf...)
	return id, false, len(buf), nil
}
