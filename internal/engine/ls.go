package engine

import (
	"context"
	"path"
	"strings"

	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/restic"
	"github.com/packvault/packvault/internal/walker"
)

// LsOptions configure Ls.
type LsOptions struct {
	// Snapshot is an ID, a unique ID prefix or "latest", optionally followed
	// by ":subfolder".
	Snapshot string
	Filter   data.SnapshotFilter

	// Path limits the listing to a file or directory, relative to the root of
	// the snapshot.
	Path string
	// Recursive lists all nodes below Path instead of only its children.
	Recursive bool

	// Node is called for every listed node, it may be nil.
	Node func(LsNode)
}

// LsNode is a node with its absolute path in the snapshot.
type LsNode struct {
	Path string
	Node *data.Node
}

// LsResult is the outcome of Ls.
type LsResult struct {
	Snapshot *data.Snapshot
	Nodes    []LsNode
}

func isUnder(p, dir string) bool {
	return dir == "/" || p == dir || strings.HasPrefix(p, dir+"/")
}

// Ls lists the nodes of a snapshot.
func (r *Repository) Ls(ctx context.Context, opts LsOptions) (*LsResult, error) {
	if opts.Snapshot == "" {
		return nil, errors.Fatal("no snapshot ID specified")
	}
	target := path.Clean("/" + opts.Path)

	lock, ctx, err := r.lock(ctx, false)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	sn, subfolder, err := opts.Filter.FindLatest(ctx, r.repo, r.repo, opts.Snapshot)
	if err != nil {
		return nil, errors.Fatalf("failed to find snapshot: %v", err)
	}

	if err := r.loadIndex(ctx); err != nil {
		return nil, err
	}

	sn.Tree, err = data.FindTreeDirectory(ctx, r.repo, sn.Tree, subfolder)
	if err != nil {
		return nil, err
	}

	res := &LsResult{Snapshot: sn}
	emit := func(p string, node *data.Node) {
		item := LsNode{Path: p, Node: node}
		res.Nodes = append(res.Nodes, item)
		if opts.Node != nil {
			opts.Node(item)
		}
	}

	found := target == "/"
	err = walker.Walk(ctx, r.repo, *sn.Tree, walker.WalkVisitor{
		ProcessNode: func(_ restic.ID, nodepath string, node *data.Node, err error) error {
			if err != nil {
				return err
			}
			if node == nil {
				return nil
			}
			isDir := node.Type == data.NodeTypeDir

			switch {
			case nodepath == target:
				found = true
				emit(nodepath, node)
				return nil
			case isUnder(nodepath, target):
				emit(nodepath, node)
				if isDir && !opts.Recursive {
					return walker.ErrSkipNode
				}
				return nil
			case isDir && isUnder(target, nodepath):
				// on the way to target
				return nil
			case isDir:
				return walker.ErrSkipNode
			default:
				return nil
			}
		},
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Fatalf("path %q not found in snapshot %v", target, sn.ID().Str())
	}
	return res, nil
}
