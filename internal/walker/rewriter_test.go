package walker

import (
	"context"
	"strings"
	"testing"

	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/restic"
	rtest "github.com/packvault/packvault/internal/test"
)

func collectPaths(t *testing.T, repo restic.BlobLoader, root restic.ID) []string {
	var paths []string
	rtest.OK(t, Walk(context.TODO(), repo, root, WalkVisitor{
		ProcessNode: func(_ restic.ID, path string, _ *data.Node, err error) error {
			rtest.OK(t, err)
			paths = append(paths, path)
			return nil
		},
	}))
	return paths
}

func TestRewriterUnchanged(t *testing.T) {
	tm, root := BuildTreeMap(testTree)
	repo := data.TestWritableTreeMap{TestTreeMap: tm}

	rw := NewTreeRewriter(RewriteOpts{})
	newRoot, err := rw.RewriteTree(context.TODO(), repo, repo, "/", root)
	rtest.OK(t, err)
	rtest.Equals(t, root, newRoot)
}

func TestRewriterDropNodes(t *testing.T) {
	tm, root := BuildTreeMap(testTree)
	repo := data.TestWritableTreeMap{TestTreeMap: tm}

	rw := NewTreeRewriter(RewriteOpts{
		RewriteNode: func(node *data.Node, path string) *data.Node {
			if strings.HasPrefix(path, "/subdir/subsubdir") || path == "/zzz" {
				return nil
			}
			return node
		},
	})
	newRoot, err := rw.RewriteTree(context.TODO(), repo, repo, "/", root)
	rtest.OK(t, err)

	rtest.Equals(t, []string{"/", "/foo", "/subdir", "/subdir/subfile"}, collectPaths(t, repo, newRoot))
	// a second call uses the cached result
	cached, err := rw.RewriteTree(context.TODO(), repo, repo, "/", root)
	rtest.OK(t, err)
	rtest.Equals(t, newRoot, cached)
}

func TestRewriterFailedTree(t *testing.T) {
	tm, root := BuildTreeMap(testTree)
	repo := data.TestWritableTreeMap{TestTreeMap: tm}

	tree, err := data.LoadTree(context.TODO(), repo, root)
	rtest.OK(t, err)
	delete(tm, *tree.Find("subdir").Subtree)

	// without handler the load error is returned
	_, err = NewTreeRewriter(RewriteOpts{}).RewriteTree(context.TODO(), repo, repo, "/", root)
	rtest.Assert(t, err != nil, "missing error for damaged tree")

	emptyID, err := data.SaveTree(context.TODO(), repo, data.NewTree(0))
	rtest.OK(t, err)

	var failed []string
	rw := NewTreeRewriter(RewriteOpts{
		RewriteFailedTree: func(_ restic.ID, path string, err error) (restic.ID, error) {
			failed = append(failed, path)
			if path == "/subdir" {
				return emptyID, nil
			}
			return restic.ID{}, errors.New("unexpected")
		},
	})
	newRoot, err := rw.RewriteTree(context.TODO(), repo, repo, "/", root)
	rtest.OK(t, err)
	rtest.Equals(t, []string{"/subdir"}, failed)
	rtest.Equals(t, []string{"/", "/foo", "/subdir", "/zzz"}, collectPaths(t, repo, newRoot))
}

func TestSnapshotSizeQuery(t *testing.T) {
	tm, root := BuildTreeMap(TestTree{
		"foo": TestFile{Size: 21},
		"bar": TestFile{Size: 21},
		"subdir": TestTree{
			"subfile": TestFile{Size: 21},
		},
	})
	repo := data.TestWritableTreeMap{TestTreeMap: tm}

	rw, query := NewSnapshotSizeRewriter(func(node *data.Node, path string) *data.Node {
		if path == "/bar" {
			return nil
		}
		if path == "/subdir/subfile" {
			node.Size += 21
		}
		return node
	})
	_, err := rw.RewriteTree(context.TODO(), repo, repo, "/", root)
	rtest.OK(t, err)

	ss := query()
	rtest.Equals(t, uint(2), ss.FileCount)
	rtest.Equals(t, uint64(21+42), ss.FileSize)
}
