package engine

import (
	"context"
	"path"
	"slices"

	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/restic"
	"github.com/packvault/packvault/internal/ui"
)

// DiffOptions configure Diff.
type DiffOptions struct {
	// Snapshot1 and Snapshot2 are snapshot IDs, optionally followed by
	// ":subfolder".
	Snapshot1, Snapshot2 string
	// ShowMetadata also reports nodes whose metadata changed.
	ShowMetadata bool
	// Change is called for every change in path order, it may be nil.
	Change func(DiffChange)
}

// Change modifiers reported by Diff.
const (
	DiffAdded    = "+"
	DiffRemoved  = "-"
	DiffModified = "M"
	DiffType     = "T"
	DiffMetadata = "U"
)

// DiffChange is a single difference. Modifier combines the Diff* constants,
// directories have a trailing slash in Path.
type DiffChange struct {
	Modifier string
	Path     string
}

// DiffStat counts items of one side of the comparison.
type DiffStat struct {
	Files, Dirs, Others int
	DataBlobs, TreeBlobs int
	Bytes                uint64
}

// DiffStats summarize a comparison.
type DiffStats struct {
	ChangedFiles int
	Added        DiffStat
	Removed      DiffStat

	blobsBefore, blobsAfter restic.BlobSet
}

// DiffResult is the outcome of Diff.
type DiffResult struct {
	Snapshot1, Snapshot2 *data.Snapshot
	Changes              []DiffChange
	Stats                DiffStats
}

type comparer struct {
	repo restic.BlobLoader
	opts DiffOptions
	res  *DiffResult
}

func (c *comparer) report(mod, name string) {
	change := DiffChange{Modifier: mod, Path: name}
	c.res.Changes = append(c.res.Changes, change)
	if c.opts.Change != nil {
		c.opts.Change(change)
	}
}

func updateBlobs(node *data.Node, blobs restic.BlobSet) {
	switch node.Type {
	case data.NodeTypeFile:
		for _, id := range node.Content {
			blobs.Insert(restic.BlobHandle{ID: id, Type: restic.DataBlob})
		}
	case data.NodeTypeDir:
		if node.Subtree != nil {
			blobs.Insert(restic.BlobHandle{ID: *node.Subtree, Type: restic.TreeBlob})
		}
	}
}

func (s *DiffStat) add(node *data.Node) {
	switch node.Type {
	case data.NodeTypeFile:
		s.Files++
	case data.NodeTypeDir:
		s.Dirs++
	default:
		s.Others++
	}
}

// collectDir reports every item below a directory which exists only on one
// side.
func (c *comparer) collectDir(ctx context.Context, stat *DiffStat, blobs restic.BlobSet, mod, prefix string, id restic.ID) error {
	tree, err := data.LoadTree(ctx, c.repo, id)
	if err != nil {
		return err
	}

	for _, node := range tree.Nodes {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := path.Join(prefix, node.Name)
		if node.Type == data.NodeTypeDir {
			name += "/"
		}
		c.report(mod, name)
		stat.add(node)
		updateBlobs(node, blobs)

		if node.Type == data.NodeTypeDir && node.Subtree != nil {
			if err := c.collectDir(ctx, stat, blobs, mod, name, *node.Subtree); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *comparer) diffTree(ctx context.Context, prefix string, id1, id2 restic.ID) error {
	debug.Log("diffing %v to %v", id1, id2)
	stats := &c.res.Stats

	tree1, err := data.LoadTree(ctx, c.repo, id1)
	if err != nil {
		return err
	}
	tree2, err := data.LoadTree(ctx, c.repo, id2)
	if err != nil {
		return err
	}

	for dt := range data.DualTreeIterator(tree1, tree2) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		node1, node2 := dt.Tree1, dt.Tree2

		switch {
		case node1 != nil && node2 != nil:
			name := path.Join(prefix, node2.Name)
			if node2.Type == data.NodeTypeDir {
				name += "/"
			}

			updateBlobs(node1, stats.blobsBefore)
			updateBlobs(node2, stats.blobsAfter)

			mod := ""
			if node1.Type != node2.Type {
				mod += DiffType
				stats.Removed.add(node1)
				stats.Added.add(node2)
			}

			if node1.Type == data.NodeTypeFile && node2.Type == data.NodeTypeFile &&
				!slices.Equal(node1.Content, node2.Content) {
				mod += DiffModified
				stats.ChangedFiles++
			}
			if c.opts.ShowMetadata && !node1.Equals(*node2) && mod == "" {
				mod += DiffMetadata
			}
			if mod != "" {
				c.report(mod, name)
			}

			switch {
			case node1.Type == data.NodeTypeDir && node2.Type == data.NodeTypeDir:
				var id1, id2 restic.ID
				if node1.Subtree != nil {
					id1 = *node1.Subtree
				}
				if node2.Subtree != nil {
					id2 = *node2.Subtree
				}
				if id1.Equal(id2) {
					continue
				}
				if err := c.diffTree(ctx, name, id1, id2); err != nil {
					return err
				}
			case node1.Type == data.NodeTypeDir && node1.Subtree != nil:
				if err := c.collectDir(ctx, &stats.Removed, stats.blobsBefore, DiffRemoved, name, *node1.Subtree); err != nil {
					return err
				}
			case node2.Type == data.NodeTypeDir && node2.Subtree != nil:
				if err := c.collectDir(ctx, &stats.Added, stats.blobsAfter, DiffAdded, name, *node2.Subtree); err != nil {
					return err
				}
			}

		case node1 != nil:
			name := path.Join(prefix, node1.Name)
			if node1.Type == data.NodeTypeDir {
				name += "/"
			}
			c.report(DiffRemoved, name)
			stats.Removed.add(node1)
			updateBlobs(node1, stats.blobsBefore)
			if node1.Type == data.NodeTypeDir && node1.Subtree != nil {
				if err := c.collectDir(ctx, &stats.Removed, stats.blobsBefore, DiffRemoved, name, *node1.Subtree); err != nil {
					return err
				}
			}

		case node2 != nil:
			name := path.Join(prefix, node2.Name)
			if node2.Type == data.NodeTypeDir {
				name += "/"
			}
			c.report(DiffAdded, name)
			stats.Added.add(node2)
			updateBlobs(node2, stats.blobsAfter)
			if node2.Type == data.NodeTypeDir && node2.Subtree != nil {
				if err := c.collectDir(ctx, &stats.Added, stats.blobsAfter, DiffAdded, name, *node2.Subtree); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// countBlobs counts blobs referenced only on one side. Blobs referenced by
// both snapshots are neither added nor removed.
func (s *DiffStats) countBlobs(repo restic.Loader) {
	both := s.blobsBefore.Intersect(s.blobsAfter)
	count := func(stat *DiffStat, blobs restic.BlobSet) {
		for h := range blobs.Sub(both) {
			switch h.Type {
			case restic.DataBlob:
				stat.DataBlobs++
			case restic.TreeBlob:
				stat.TreeBlobs++
			}
			if size, ok := repo.LookupBlobSize(h.Type, h.ID); ok {
				stat.Bytes += uint64(size)
			}
		}
	}
	count(&s.Removed, s.blobsBefore)
	count(&s.Added, s.blobsAfter)
}

// Diff lists the differences between two snapshots.
func (r *Repository) Diff(ctx context.Context, opts DiffOptions) (*DiffResult, error) {
	if opts.Snapshot1 == "" || opts.Snapshot2 == "" {
		return nil, errors.Fatal("specify two snapshot IDs")
	}

	lock, ctx, err := r.lock(ctx, false)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	sn1, subfolder1, err := data.FindSnapshot(ctx, r.repo, r.repo, opts.Snapshot1)
	if err != nil {
		return nil, errors.Fatalf("%s", err)
	}
	sn2, subfolder2, err := data.FindSnapshot(ctx, r.repo, r.repo, opts.Snapshot2)
	if err != nil {
		return nil, errors.Fatalf("%s", err)
	}

	if err := r.loadIndex(ctx); err != nil {
		return nil, err
	}

	r.printer.V("comparing snapshot %v to %v:\n\n", sn1.ID().Str(), sn2.ID().Str())

	if sn1.Tree == nil {
		return nil, errors.Errorf("snapshot %v has nil tree", sn1.ID().Str())
	}
	if sn2.Tree == nil {
		return nil, errors.Errorf("snapshot %v has nil tree", sn2.ID().Str())
	}

	tree1, err := data.FindTreeDirectory(ctx, r.repo, sn1.Tree, subfolder1)
	if err != nil {
		return nil, err
	}
	tree2, err := data.FindTreeDirectory(ctx, r.repo, sn2.Tree, subfolder2)
	if err != nil {
		return nil, err
	}

	res := &DiffResult{
		Snapshot1: sn1,
		Snapshot2: sn2,
		Stats: DiffStats{
			blobsBefore: restic.NewBlobSet(),
			blobsAfter:  restic.NewBlobSet(),
		},
	}
	c := &comparer{repo: r.repo, opts: opts, res: res}
	if err := c.diffTree(ctx, "/", *tree1, *tree2); err != nil {
		return nil, err
	}
	res.Stats.countBlobs(r.repo)

	stats := res.Stats
	r.printer.P("\nFiles:       %5d new, %5d removed, %5d changed\n", stats.Added.Files, stats.Removed.Files, stats.ChangedFiles)
	r.printer.P("Dirs:        %5d new, %5d removed\n", stats.Added.Dirs, stats.Removed.Dirs)
	r.printer.P("Others:      %5d new, %5d removed\n", stats.Added.Others, stats.Removed.Others)
	r.printer.P("Data Blobs:  %5d new, %5d removed\n", stats.Added.DataBlobs, stats.Removed.DataBlobs)
	r.printer.P("Tree Blobs:  %5d new, %5d removed\n", stats.Added.TreeBlobs, stats.Removed.TreeBlobs)
	r.printer.P("  Added:   %-5s\n", ui.FormatBytes(stats.Added.Bytes))
	r.printer.P("  Removed: %-5s\n", ui.FormatBytes(stats.Removed.Bytes))

	return res, nil
}
