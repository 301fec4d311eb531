package checker

import (
	"context"
	"runtime"
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/restic"
	"github.com/packvault/packvault/internal/ui/progress"
)

func snapshotTrees(ctx context.Context, lister restic.Lister, repo restic.LoaderUnpacked) (roots restic.IDs, errs []error) {
	err := data.ForAllSnapshots(ctx, lister, repo, nil, func(id restic.ID, sn *data.Snapshot, err error) error {
		switch {
		case err != nil:
			errs = append(errs, err)
		case sn.Tree == nil:
			errs = append(errs, &Error{Err: errors.Errorf("snapshot %v has no tree", id.Str())})
		default:
			roots = append(roots, *sn.Tree)
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	return roots, errs
}

// Structure walks the trees of all snapshots and reports trees that cannot
// be loaded and nodes referencing blobs missing from the index. Every tree
// is checked once however many snapshots share it. p counts the snapshot
// roots. errChan is closed when done.
func (c *Checker) Structure(ctx context.Context, p *progress.Counter, errChan chan<- error) {
	defer close(errChan)

	if c.snapshots == nil {
		if err := c.LoadSnapshots(ctx); err != nil {
			send(ctx, errChan, err)
			return
		}
	}

	roots, errs := snapshotTrees(ctx, c.snapshots, c.repo)
	p.SetMax(uint64(len(roots)))
	debug.Log("checking %d snapshot trees, %d snapshot errors", len(roots), len(errs))
	for _, err := range errs {
		if !send(ctx, errChan, err) {
			return
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	queue := make(chan restic.ID)
	seen := xsync.NewMapOf[restic.ID, struct{}]()
	var pending sync.WaitGroup

	enqueue := func(ids restic.IDs) {
		for _, id := range ids {
			if _, dup := seen.LoadOrStore(id, struct{}{}); dup {
				continue
			}
			pending.Add(1)
			// workers enqueue subtrees themselves, so never block them
			go func() {
				select {
				case queue <- id:
				case <-ctx.Done():
					pending.Done()
				}
			}()
		}
	}

	workers := int(c.repo.Connections()) + runtime.GOMAXPROCS(0)
	for range workers {
		g.Go(func() error {
			for id := range queue {
				tree, err := data.LoadTree(ctx, c.repo, id)
				var problems []error
				if err != nil {
					problems = []error{err}
				} else {
					problems = c.checkTree(id, tree)
					enqueue(tree.Subtrees())
				}
				if len(problems) > 0 {
					send(ctx, errChan, &TreeError{ID: id, Errors: problems})
				}
				pending.Done()
			}
			return nil
		})
	}

	for _, root := range roots {
		if ctx.Err() != nil {
			break
		}
		enqueue(restic.IDs{root})
		p.Add(1)
	}
	go func() {
		pending.Wait()
		close(queue)
	}()
	_ = g.Wait()
}

func (c *Checker) reference(t restic.BlobType, ids ...restic.ID) {
	if !c.trackUnused {
		return
	}
	for _, id := range ids {
		c.referenced.Store(restic.BlobHandle{ID: id, Type: t}, struct{}{})
	}
}

// checkFile reports content blobs that are null or not indexed. The sum of
// the blob sizes is not compared with the file size, files changing during
// the backup legitimately differ.
func (c *Checker) checkFile(node *data.Node) (errs []error) {
	if node.Content == nil {
		errs = append(errs, errors.Errorf("file %q has nil blob list", node.Name))
	}
	for i, id := range node.Content {
		if id.IsNull() {
			errs = append(errs, errors.Errorf("file %q blob %d has null ID", node.Name, i))
			continue
		}
		if _, ok := c.repo.LookupBlobSize(restic.DataBlob, id); !ok {
			errs = append(errs, errors.Errorf("file %q blob %v not found in index", node.Name, id))
		}
	}
	c.reference(restic.DataBlob, node.Content...)
	return errs
}

func checkNode(node *data.Node) error {
	switch node.Type {
	case data.NodeTypeDir:
		if node.Subtree == nil {
			return errors.Errorf("dir node %q has no subtree", node.Name)
		}
		if node.Subtree.IsNull() {
			return errors.Errorf("dir node %q subtree id is null", node.Name)
		}
	case data.NodeTypeFile, data.NodeTypeSymlink, data.NodeTypeSocket, data.NodeTypeCharDev,
		data.NodeTypeDev, data.NodeTypeFifo, data.NodeTypeIrregular:
	default:
		return errors.Errorf("node %q with invalid type %q", node.Name, node.Type)
	}
	return nil
}

func (c *Checker) checkTree(id restic.ID, tree *data.Tree) []error {
	debug.Log("checking tree %v", id)

	var problems []error
	for _, node := range tree.Nodes {
		if err := checkNode(node); err != nil {
			problems = append(problems, err)
		} else if node.Type == data.NodeTypeFile {
			problems = append(problems, c.checkFile(node)...)
		}
		if node.Name == "" {
			problems = append(problems, errors.New("node with empty name"))
		}
	}

	c.reference(restic.TreeBlob, id)
	c.reference(restic.TreeBlob, tree.Subtrees()...)

	errs := make([]error, len(problems))
	for i, err := range problems {
		errs[i] = &Error{TreeID: id, Err: err}
	}
	return errs
}

// UnusedBlobs returns the indexed blobs Structure found no reference to,
// sorted by handle.
func (c *Checker) UnusedBlobs(ctx context.Context) (restic.BlobHandles, error) {
	if !c.trackUnused {
		return nil, errors.New("refusing to check for unused blobs as trackUnused is disabled")
	}
	debug.Log("checking %d referenced blobs", c.referenced.Size())

	var unused restic.BlobHandles
	err := c.repo.Index().Each(ctx, func(pb restic.PackedBlob) {
		if _, ok := c.referenced.Load(pb.BlobHandle); !ok {
			debug.Log("blob %v not referenced", pb.BlobHandle)
			unused = append(unused, pb.BlobHandle)
		}
	})
	sort.Sort(unused)
	return unused, err
}
