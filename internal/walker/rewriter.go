package walker

import (
	"context"
	"path"
	"slices"
	"strings"

	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/restic"
)

// NodeRewriteFunc returns the replacement for node, or nil to drop it.
type NodeRewriteFunc func(node *data.Node, path string) *data.Node

// FailedTreeRewriteFunc is called when the tree nodeID could not be loaded.
// It returns the ID of a replacement tree or an error.
type FailedTreeRewriteFunc func(nodeID restic.ID, path string, err error) (restic.ID, error)

// QueryRewrittenSizeFunc reports the size of the tree returned by the last
// call to RewriteTree.
type QueryRewrittenSizeFunc func() SnapshotSize

type SnapshotSize struct {
	FileCount uint
	FileSize  uint64
}

type RewriteOpts struct {
	// return nil to remove the node
	RewriteNode NodeRewriteFunc
	// decide what to do with a tree that could not be loaded. If nil, loading
	// errors are returned
	RewriteFailedTree FailedTreeRewriteFunc
	// disables the cache of already rewritten trees
	DisableNodeCache bool
}

type idMap map[restic.ID]restic.ID

// TreeRewriter rewrites trees bottom up. Subtrees that occur several times
// are only rewritten once.
type TreeRewriter struct {
	opts RewriteOpts

	replaces idMap
}

func NewTreeRewriter(opts RewriteOpts) *TreeRewriter {
	rw := &TreeRewriter{
		opts: opts,
	}
	if !opts.DisableNodeCache {
		rw.replaces = make(idMap)
	}
	// setup default implementations
	if rw.opts.RewriteNode == nil {
		rw.opts.RewriteNode = func(node *data.Node, _ string) *data.Node {
			return node
		}
	}
	if rw.opts.RewriteFailedTree == nil {
		rw.opts.RewriteFailedTree = func(_ restic.ID, _ string, err error) (restic.ID, error) {
			return restic.ID{}, err
		}
	}
	return rw
}

// NewSnapshotSizeRewriter returns a rewriter that also counts the files and
// their total size in the rewritten tree.
func NewSnapshotSizeRewriter(rewriteNode NodeRewriteFunc) (*TreeRewriter, QueryRewrittenSizeFunc) {
	var count uint
	var size uint64

	t := NewTreeRewriter(RewriteOpts{
		RewriteNode: func(node *data.Node, path string) *data.Node {
			node = rewriteNode(node, path)
			if node != nil && node.Type == data.NodeTypeFile {
				count++
				size += node.Size
			}
			return node
		},
		DisableNodeCache: true,
	})

	ss := func() SnapshotSize {
		return SnapshotSize{count, size}
	}

	return t, ss
}

// RewriteTree rewrites the tree nodeID located at nodepath and returns the ID
// of the rewritten tree.
func (t *TreeRewriter) RewriteTree(ctx context.Context, repo restic.BlobLoader, saver restic.BlobSaver, nodepath string, nodeID restic.ID) (newNodeID restic.ID, err error) {
	// check if tree was already changed
	newID, ok := t.replaces[nodeID]
	if ok {
		return newID, nil
	}

	// a nil nodeID will lead to a load error
	curTree, err := data.LoadTree(ctx, repo, nodeID)
	if err != nil {
		replacement, err := t.opts.RewriteFailedTree(nodeID, nodepath, err)
		if err != nil {
			return restic.ID{}, err
		}
		if t.replaces != nil {
			t.replaces[nodeID] = replacement
		}
		return replacement, nil
	}

	debug.Log("filterTree: %s, nodeId: %s\n", nodepath, nodeID.Str())

	// a rewritten node may carry a new name, so the order is restored before
	// the tree is encoded
	nodes := make([]*data.Node, 0, len(curTree.Nodes))
	for _, node := range curTree.Nodes {
		if ctx.Err() != nil {
			return restic.ID{}, ctx.Err()
		}

		path := path.Join(nodepath, node.Name)
		node = t.opts.RewriteNode(node, path)
		if node == nil {
			continue
		}

		if node.Type != data.NodeTypeDir {
			nodes = append(nodes, node)
			continue
		}
		// treat nil as null id
		var subtree restic.ID
		if node.Subtree != nil {
			subtree = *node.Subtree
		}
		newID, err := t.RewriteTree(ctx, repo, saver, path, subtree)
		if err != nil {
			return restic.ID{}, err
		}
		node.Subtree = &newID
		nodes = append(nodes, node)
	}
	slices.SortStableFunc(nodes, func(a, b *data.Node) int {
		return strings.Compare(a.Name, b.Name)
	})

	tb := data.NewTreeJSONBuilder()
	for _, node := range nodes {
		if err := tb.AddNode(node); err != nil {
			return restic.ID{}, err
		}
	}

	tree, err := tb.Finalize()
	if err != nil {
		return restic.ID{}, err
	}

	// Save new tree
	newTreeID, _, _, err := saver.SaveBlob(ctx, restic.TreeBlob, tree, restic.ID{}, false)
	if err != nil {
		return restic.ID{}, errors.Wrapf(err, "save tree %s", nodepath)
	}
	if t.replaces != nil {
		t.replaces[nodeID] = newTreeID
	}
	if !newTreeID.Equal(nodeID) {
		debug.Log("filterTree: save new tree for %s as %v\n", nodepath, newTreeID)
	}
	return newTreeID, nil
}
