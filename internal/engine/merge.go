package engine

import (
	"context"
	"os"
	"slices"
	"time"

	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/restic"
)

// MergeOptions configure Merge.
type MergeOptions struct {
	// Snapshots lists at least two snapshot IDs. Later snapshots win when the
	// same file exists in several of them.
	Snapshots []string

	// Host defaults to the host of the merged snapshots if they agree, and
	// to the local hostname otherwise.
	Host string
	// Tags are added to the union of the tags of all merged snapshots.
	Tags data.TagList
	// Time defaults to the current time.
	Time time.Time
}

// MergeResult is the outcome of Merge.
type MergeResult struct {
	Snapshot *data.Snapshot
	ID       restic.ID
}

type treeMerger struct {
	repo  restic.BlobLoader
	saver restic.BlobSaver
	cache map[string]restic.ID
}

func mergeKey(ids restic.IDs) string {
	key := make([]byte, 0, len(ids)*len(restic.ID{}))
	for _, id := range ids {
		key = append(key, id[:]...)
	}
	return string(key)
}

// merge returns the ID of a tree containing the union of all nodes of trees.
// Directories present in several trees are merged recursively, for any other
// name the node of the last tree wins.
func (m *treeMerger) merge(ctx context.Context, trees restic.IDs) (restic.ID, error) {
	if len(trees) == 1 {
		return trees[0], nil
	}
	key := mergeKey(trees)
	if id, ok := m.cache[key]; ok {
		return id, nil
	}

	type entry struct {
		nodes    []*data.Node
		subtrees restic.IDs
	}
	entries := make(map[string]*entry)
	var names []string

	for _, id := range trees {
		tree, err := data.LoadTree(ctx, m.repo, id)
		if err != nil {
			return restic.ID{}, err
		}
		for _, node := range tree.Nodes {
			e, ok := entries[node.Name]
			if !ok {
				e = &entry{}
				entries[node.Name] = e
				names = append(names, node.Name)
			}
			e.nodes = append(e.nodes, node)
		}
	}
	slices.Sort(names)

	tb := data.NewTreeJSONBuilder()
	for _, name := range names {
		if ctx.Err() != nil {
			return restic.ID{}, ctx.Err()
		}

		e := entries[name]
		last := e.nodes[len(e.nodes)-1]
		if last.Type == data.NodeTypeDir {
			// merge with all directly preceding directories of the same name
			var subtrees restic.IDs
			for _, node := range e.nodes {
				if node.Type != data.NodeTypeDir || node.Subtree == nil {
					subtrees = subtrees[:0]
					continue
				}
				if !slices.Contains(subtrees, *node.Subtree) {
					subtrees = append(subtrees, *node.Subtree)
				}
			}
			if len(subtrees) > 1 {
				id, err := m.merge(ctx, subtrees)
				if err != nil {
					return restic.ID{}, err
				}
				merged := *last
				merged.Subtree = &id
				last = &merged
			}
		}
		if err := tb.AddNode(last); err != nil {
			return restic.ID{}, err
		}
	}

	buf, err := tb.Finalize()
	if err != nil {
		return restic.ID{}, err
	}
	id, _, _, err := m.saver.SaveBlob(ctx, restic.TreeBlob, buf, restic.ID{}, false)
	if err != nil {
		return restic.ID{}, err
	}
	m.cache[key] = id
	return id, nil
}

// Merge combines several snapshots into a new snapshot whose tree is the
// union of their trees.
func (r *Repository) Merge(ctx context.Context, opts MergeOptions) (*MergeResult, error) {
	if len(opts.Snapshots) < 2 {
		return nil, errors.Fatal("at least two snapshots are required for a merge")
	}

	lock, ctx, err := r.lock(ctx, false)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	var snapshots data.Snapshots
	for _, s := range opts.Snapshots {
		sn, subfolder, err := data.FindSnapshot(ctx, r.repo, r.repo, s)
		if err != nil {
			return nil, errors.Fatalf("failed to find snapshot %q: %v", s, err)
		}
		if subfolder != "" {
			return nil, errors.Fatalf("snapshot %q: merging subfolders is not supported", s)
		}
		if sn.Tree == nil {
			return nil, errors.Fatalf("snapshot %v has no tree", sn.ID().Str())
		}
		snapshots = append(snapshots, sn)
	}

	if err := r.loadIndex(ctx); err != nil {
		return nil, err
	}

	host := opts.Host
	var paths, tags []string
	for _, sn := range snapshots {
		if opts.Host == "" {
			if host == "" {
				host = sn.Hostname
			} else if host != sn.Hostname {
				host = ""
				break
			}
		}
	}
	if host == "" {
		if host, err = os.Hostname(); err != nil {
			return nil, errors.Wrap(err, "hostname")
		}
	}
	var trees restic.IDs
	for _, sn := range snapshots {
		paths = append(paths, sn.Paths...)
		tags = append(tags, sn.Tags...)
		trees = append(trees, *sn.Tree)
	}
	tags = append(tags, opts.Tags...)
	slices.Sort(paths)
	paths = slices.Compact(paths)
	slices.Sort(tags)
	tags = slices.Compact(tags)

	snapshotTime := opts.Time
	if snapshotTime.IsZero() {
		snapshotTime = time.Now()
	}

	sn, err := data.NewSnapshot(paths, tags, host, snapshotTime)
	if err != nil {
		return nil, err
	}

	m := &treeMerger{repo: r.repo, saver: r.repo, cache: make(map[string]restic.ID)}
	err = r.repo.WithBlobUploader(ctx, func(ctx context.Context) error {
		id, err := m.merge(ctx, trees)
		if err != nil {
			return err
		}
		sn.Tree = &id
		return nil
	})
	if err != nil {
		return nil, err
	}

	id, err := data.SaveSnapshot(ctx, r.repo, sn)
	if err != nil {
		return nil, err
	}
	debug.Log("merged %d snapshots into %v", len(snapshots), id)
	r.printer.P("merged %d snapshots into snapshot %v\n", len(snapshots), id.Str())

	return &MergeResult{Snapshot: sn, ID: id}, nil
}
