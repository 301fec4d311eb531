package data

import (
	"context"
	"sync"

	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/restic"
	"github.com/packvault/packvault/internal/ui/progress"

	"golang.org/x/sync/errgroup"
)

// FindUsedBlobs traverses the trees with the given IDs and adds all seen
// blobs (trees and data blobs) to the set blobs. Trees already contained in
// blobs are not traversed again. The counter p is increased once per root
// tree that was fully processed.
func FindUsedBlobs(ctx context.Context, repo restic.Loader, treeIDs restic.IDs, blobs restic.FindBlobSet, p *progress.Counter) error {
	var lock sync.Mutex

	// insert returns true if the tree was not seen before
	insert := func(id restic.ID) bool {
		h := restic.BlobHandle{ID: id, Type: restic.TreeBlob}
		lock.Lock()
		defer lock.Unlock()
		if blobs.Has(h) {
			return false
		}
		blobs.Insert(h)
		return true
	}

	for _, root := range treeIDs {
		level := restic.IDs{}
		if insert(root) {
			level = append(level, root)
		}

		for len(level) > 0 {
			var next restic.IDs
			wg, wgCtx := errgroup.WithContext(ctx)
			wg.SetLimit(int(repo.Connections()))

			for _, id := range level {
				wg.Go(func() error {
					tree, err := LoadTree(wgCtx, repo, id)
					if err != nil {
						return errors.Wrapf(err, "LoadTree(%v)", id.Str())
					}

					var subtrees restic.IDs
					lock.Lock()
					for _, node := range tree.Nodes {
						if node.Type == NodeTypeFile {
							for _, blob := range node.Content {
								blobs.Insert(restic.BlobHandle{ID: blob, Type: restic.DataBlob})
							}
						}
					}
					lock.Unlock()

					for _, subtree := range tree.Subtrees() {
						if insert(subtree) {
							subtrees = append(subtrees, subtree)
						}
					}

					lock.Lock()
					next = append(next, subtrees...)
					lock.Unlock()
					return nil
				})
			}

			if err := wg.Wait(); err != nil {
				return err
			}
			level = next
		}

		debug.Log("processed tree %v", root.Str())
		p.Add(1)
	}

	return nil
}
