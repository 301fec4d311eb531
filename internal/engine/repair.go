package engine

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/packvault/packvault/internal/archiver"
	"github.com/packvault/packvault/internal/backend"
	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/repository"
	"github.com/packvault/packvault/internal/restic"
	"github.com/packvault/packvault/internal/walker"
)

// RepairIndexOptions configure RepairIndex.
type RepairIndexOptions struct {
	// ReadAllPacks reads every pack header instead of trusting the index for
	// packs with a matching size.
	ReadAllPacks bool
}

// RepairIndex rebuilds the index from the pack files.
func (r *Repository) RepairIndex(ctx context.Context, opts RepairIndexOptions) error {
	lock, ctx, err := r.lock(ctx, true)
	if err != nil {
		return err
	}
	defer lock.release()

	err = repository.RepairIndex(ctx, r.repo, repository.RepairIndexOptions{
		ReadAllPacks: opts.ReadAllPacks,
	}, r.printer)
	r.resetIndex()
	if err != nil {
		return err
	}
	r.printer.P("done\n")
	return nil
}

// RepairPacksOptions configure RepairPacks.
type RepairPacksOptions struct {
	// IDs are the full IDs of the damaged packs.
	IDs []string
	// BackupDir receives a copy of every damaged pack before it is removed.
	// Empty disables the copies.
	BackupDir string
}

// RepairPacks salvages the readable blobs of damaged packs and deletes the
// packs afterwards.
func (r *Repository) RepairPacks(ctx context.Context, opts RepairPacksOptions) error {
	ids := restic.NewIDSet()
	for _, arg := range opts.IDs {
		id, err := restic.ParseID(arg)
		if err != nil {
			return errors.Fatalf("invalid pack ID %q: %v", arg, err)
		}
		ids.Insert(id)
	}
	if len(ids) == 0 {
		return errors.Fatal("no ids specified")
	}

	lock, ctx, err := r.lock(ctx, true)
	if err != nil {
		return err
	}
	defer lock.release()

	if err := r.loadIndex(ctx); err != nil {
		return err
	}

	if opts.BackupDir != "" {
		r.printer.P("saving backup copies of pack files to %v\n", opts.BackupDir)
		for id := range ids {
			if err := r.savePackCopy(ctx, id, opts.BackupDir); err != nil {
				return err
			}
		}
	}

	err = repository.RepairPacks(ctx, r.repo, ids, r.printer)
	r.resetIndex()
	if err != nil {
		return errors.Fatalf("%s", err)
	}

	r.printer.E("\nUse `repair snapshots --forget` to remove the corrupted data blobs from all snapshots\n")
	return nil
}

func (r *Repository) savePackCopy(ctx context.Context, id restic.ID, dir string) error {
	f, err := os.OpenFile(filepath.Join(dir, id.String()), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return errors.Wrap(err, "OpenFile")
	}

	err = r.repo.Backend().Load(ctx, backend.Handle{Type: restic.PackFile, Name: id.String()}, 0, 0, func(rd io.Reader) error {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		if err := f.Truncate(0); err != nil {
			return err
		}
		_, err := io.Copy(f, rd)
		return err
	})
	if err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// RepairSnapshotsOptions configure RepairSnapshots.
type RepairSnapshotsOptions struct {
	// Snapshots selects snapshots by ID, empty selects all matching Filter.
	Snapshots []string
	Filter    data.SnapshotFilter

	// Forget removes the original snapshots after saving the repaired ones,
	// and removes snapshots whose root tree is lost.
	Forget bool
	DryRun bool
}

// RepairSnapshotsResult describes a finished snapshot repair.
type RepairSnapshotsResult struct {
	// Repaired maps the ID of each damaged snapshot to its replacement. The
	// replacement is null in a dry run.
	Repaired map[restic.ID]restic.ID
	// Lost lists snapshots whose root tree could not be loaded.
	Lost restic.IDs
	// Removed lists the snapshot files which were deleted.
	Removed restic.IDs
}

const repairedSuffix = ".repaired"

// RepairSnapshots rewrites snapshots which reference missing blobs. Files
// with missing content keep their readable blobs and get a ".repaired"
// suffix, unreadable subtrees are replaced with an empty tree.
func (r *Repository) RepairSnapshots(ctx context.Context, opts RepairSnapshotsOptions) (*RepairSnapshotsResult, error) {
	lock, ctx, err := r.lock(ctx, true)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	if err := r.loadIndex(ctx); err != nil {
		return nil, err
	}

	snapshotLister, err := restic.MemorizeList(ctx, r.repo, restic.SnapshotFile)
	if err != nil {
		return nil, err
	}

	var snapshots data.Snapshots
	err = opts.Filter.FindAll(ctx, snapshotLister, r.repo, opts.Snapshots, func(id string, sn *data.Snapshot, err error) error {
		if err != nil {
			r.printer.E("Ignoring %q: %v\n", id, err)
			return nil
		}
		snapshots = append(snapshots, sn)
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &RepairSnapshotsResult{Repaired: make(map[restic.ID]restic.ID)}
	if err := r.repairSnapshots(ctx, opts, snapshots, result); err != nil {
		return nil, err
	}

	if !opts.Forget {
		return result, nil
	}

	remove := restic.NewIDSet()
	for id := range result.Repaired {
		remove.Insert(id)
	}
	for _, id := range result.Lost {
		remove.Insert(id)
	}
	if len(remove) == 0 {
		return result, nil
	}

	if opts.DryRun {
		r.printer.P("would remove %d snapshots\n", len(remove))
		return result, nil
	}

	r.printer.V("remove %d snapshots\n", len(remove))
	err = restic.ParallelRemove(ctx, r.repo, remove, restic.SnapshotFile, func(id restic.ID, err error) error {
		if err != nil {
			r.printer.E("unable to remove %v/%v from the repository\n", restic.SnapshotFile, id)
			return err
		}
		result.Removed = append(result.Removed, id)
		r.printer.VV("removed %v/%v\n", restic.SnapshotFile, id)
		return nil
	}, nil)
	return result, err
}

func (r *Repository) repairSnapshots(ctx context.Context, opts RepairSnapshotsOptions, snapshots data.Snapshots, result *RepairSnapshotsResult) error {
	r.printer.V("check and repair %d snapshots\n", len(snapshots))
	bar := r.printer.NewCounter("snapshots")
	bar.SetMax(uint64(len(snapshots)))
	defer bar.Done()

	run := r.repo.WithBlobUploader
	var saver restic.BlobSaver = r.repo
	if opts.DryRun {
		run = func(ctx context.Context, fn func(ctx context.Context) error) error {
			return fn(ctx)
		}
		saver = archiver.NewDryRunSaver(r.repo)
	}

	return run(ctx, func(ctx context.Context) error {
		emptyTree, err := data.SaveTree(ctx, saver, data.NewTree(0))
		if err != nil {
			return err
		}

		rewriter := walker.NewTreeRewriter(walker.RewriteOpts{
			RewriteNode: func(node *data.Node, path string) *data.Node {
				if node.Type != data.NodeTypeFile {
					return node
				}
				return r.repairFileNode(node, path)
			},
			// a missing subtree ID ends up here as well
			RewriteFailedTree: func(_ restic.ID, path string, _ error) (restic.ID, error) {
				if path == "/" {
					// the root is damaged, the snapshot is lost
					return restic.ID{}, errRootTreeDamaged
				}
				r.printer.P("  dir %q: replaced with empty directory\n", path)
				return emptyTree, nil
			},
		})

		for _, sn := range snapshots {
			debug.Log("process snapshot %v", sn.ID())
			r.printer.P("%v:\n", sn)

			if sn.Tree == nil {
				r.printer.P("the snapshot has no tree -> delete snapshot\n")
				result.Lost = append(result.Lost, *sn.ID())
				bar.Add(1)
				continue
			}
			newTree, err := rewriter.RewriteTree(ctx, r.repo, saver, "/", *sn.Tree)
			switch {
			case errors.Is(err, errRootTreeDamaged):
				r.printer.P("the root tree is damaged -> delete snapshot\n")
				result.Lost = append(result.Lost, *sn.ID())
			case err != nil:
				return err
			case !newTree.Equal(*sn.Tree):
				oldID := *sn.ID()
				newID, err := r.saveRepairedSnapshot(ctx, opts.DryRun, sn, newTree)
				if err != nil {
					return err
				}
				result.Repaired[oldID] = newID
			default:
				r.printer.P("snapshot is ok\n")
			}
			bar.Add(1)
		}
		return nil
	})
}

var errRootTreeDamaged = errors.New("root tree is damaged")

// repairFileNode drops the missing blobs of a file and renames it. The size is
// corrected to the sum of the remaining blobs.
func (r *Repository) repairFileNode(node *data.Node, path string) *data.Node {
	ok := true
	var newContent = restic.IDs{}
	var newSize uint64
	for _, id := range node.Content {
		size, found := r.repo.LookupBlobSize(restic.DataBlob, id)
		if !found {
			ok = false
			continue
		}
		newContent = append(newContent, id)
		newSize += uint64(size)
	}
	if !ok {
		r.printer.P("  file %q: removed missing content\n", path)
		node.Name = node.Name + repairedSuffix
		node.Content = newContent
	}
	if node.Size != newSize {
		r.printer.P("  file %q: fixed incorrect size\n", path)
		node.Size = newSize
	}
	return node
}

// saveRepairedSnapshot stores a copy of sn pointing to tree. The copy keeps
// the ID of the damaged snapshot as its original.
func (r *Repository) saveRepairedSnapshot(ctx context.Context, dryRun bool, sn *data.Snapshot, tree restic.ID) (restic.ID, error) {
	oldID := *sn.ID()
	sn.AddTags([]string{"repaired"})
	sn.Original = &oldID
	sn.Tree = &tree

	if dryRun {
		r.printer.P("would have repaired snapshot %v\n", oldID.Str())
		return restic.ID{}, nil
	}

	newID, err := data.SaveSnapshot(ctx, r.repo, sn)
	if err != nil {
		return restic.ID{}, err
	}
	r.printer.P("snapshot repaired -> %v created\n", newID.Str())
	return newID, nil
}
