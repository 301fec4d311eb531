package restorer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/fs"
	"github.com/packvault/packvault/internal/restic"
	"github.com/packvault/packvault/internal/ui/restore"
)

// Repository is the part of the repository used to restore a snapshot.
type Repository interface {
	restic.BlobLoader
	LookupBlob(t restic.BlobType, id restic.ID) []restic.PackedBlob
	LoadBlobsFromPack(ctx context.Context, packID restic.ID, blobs []restic.Blob, handleBlobFn func(blob restic.BlobHandle, buf []byte, err error) error) error
	Connections() uint
}

// rootLocation is the location of the snapshot root.
const rootLocation = string(filepath.Separator)

// Restorer writes the content of a snapshot to a directory.
type Restorer struct {
	repo Repository
	sn   *data.Snapshot
	opts Options

	mu sync.Mutex
	// location of each regular file handled by RestoreTo, true when only its
	// metadata was restored
	files map[string]bool

	// Error decides whether an error aborts the restore. Returning nil skips
	// the item.
	Error func(location string, err error) error
	// SelectFilter decides whether the item at location is restored and
	// whether the children of a directory need to be looked at.
	SelectFilter func(location string, isDir bool) (selected bool, childMayBeSelected bool)
}

// Options configure a restore.
type Options struct {
	DryRun    bool
	Sparse    bool
	Progress  *restore.Progress
	Overwrite OverwriteBehavior
}

// NewRestorer returns a restorer for sn which selects everything and aborts
// on the first error.
func NewRestorer(repo Repository, sn *data.Snapshot, opts Options) *Restorer {
	return &Restorer{
		repo:         repo,
		sn:           sn,
		opts:         opts,
		files:        make(map[string]bool),
		Error:        restorerAbortOnAllErrors,
		SelectFilter: func(string, bool) (bool, bool) { return true, true },
	}
}

// visitor holds the callbacks of walk. target is the path in the file
// system, location the path within the snapshot.
type visitor struct {
	enterDir func(node *data.Node, target, location string) error
	node     func(node *data.Node, target, location string) error
	leaveDir func(node *data.Node, target, location string) error
}

// hasPathPrefix reports whether p is base or lies below it.
func hasPathPrefix(base, p string) bool {
	rel, err := filepath.Rel(base, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// validName rejects names which would escape the directory of their tree.
func validName(name string) bool {
	clean := filepath.Base(filepath.Join(string(filepath.Separator), name))
	return clean == name && clean != "." && clean != ".." && !strings.ContainsRune(name, '/')
}

// walk visits the tree treeID below target. It returns whether any item was
// selected for restore, so that the caller restores the metadata of the
// directory containing it.
func (res *Restorer) walk(ctx context.Context, target, location string, treeID restic.ID, v visitor) (bool, error) {
	debug.Log("%v %v %v", target, location, treeID)
	tree, err := data.LoadTree(ctx, res.repo, treeID)
	if err != nil {
		debug.Log("error loading tree %v: %v", treeID, err)
		return false, res.Error(location, err)
	}

	restored := false
	for _, node := range tree.Nodes {
		if ctx.Err() != nil {
			return restored, ctx.Err()
		}

		if !validName(node.Name) {
			debug.Log("node has invalid name %q", node.Name)
			if err := res.Error(location, errors.Errorf("invalid child node name %s", node.Name)); err != nil {
				return restored, err
			}
			continue
		}
		nodeTarget := filepath.Join(target, node.Name)
		nodeLocation := filepath.Join(location, node.Name)
		if nodeTarget == target || !hasPathPrefix(target, nodeTarget) {
			debug.Log("node %q has invalid target path %q below %q", node.Name, nodeTarget, target)
			if err := res.Error(nodeLocation, errors.New("node has invalid path")); err != nil {
				return restored, err
			}
			continue
		}

		if node.Type == data.NodeTypeSocket {
			continue
		}

		selected, descend := res.SelectFilter(nodeLocation, node.Type == data.NodeTypeDir)
		debug.Log("SelectFilter returned %v %v for %q", selected, descend, nodeLocation)
		restored = restored || selected

		if node.Type == data.NodeTypeDir {
			childRestored, err := res.walkDir(ctx, node, nodeTarget, nodeLocation, treeID, selected, descend, v)
			if err != nil {
				return restored, err
			}
			restored = restored || childRestored
			continue
		}

		if selected {
			if err := res.sanitizeError(nodeLocation, v.node(node, nodeTarget, nodeLocation)); err != nil {
				return restored, err
			}
		}
	}
	return restored, nil
}

// walkDir visits the directory node. Its metadata is restored on leaving
// when it was selected itself or any item below it was restored.
func (res *Restorer) walkDir(ctx context.Context, node *data.Node, target, location string, parent restic.ID, selected, descend bool, v visitor) (bool, error) {
	if node.Subtree == nil {
		return false, errors.Errorf("Dir without subtree in tree %v", parent.Str())
	}

	if selected && v.enterDir != nil {
		if err := res.sanitizeError(location, v.enterDir(node, target, location)); err != nil {
			return false, err
		}
	}

	childRestored := false
	if descend {
		var err error
		childRestored, err = res.walk(ctx, target, location, *node.Subtree, v)
		if err != nil {
			return childRestored, err
		}
	}

	if (selected || childRestored) && v.leaveDir != nil {
		if err := res.sanitizeError(location, v.leaveDir(node, target, location)); err != nil {
			return childRestored, err
		}
	}
	return childRestored, nil
}

// sanitizeError passes err to res.Error. Cancellation always aborts.
func (res *Restorer) sanitizeError(location string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return res.Error(location, err)
}

func (res *Restorer) restoreNodeTo(node *data.Node, target, location string) error {
	if !res.opts.DryRun {
		debug.Log("restoreNode %v %v %v", node.Name, target, location)
		if err := fs.RemoveIfExists(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errors.Wrap(err, "RemoveNode")
		}
		if err := fs.NodeCreateAt(node, target); err != nil {
			debug.Log("node.CreateAt(%s) error %v", target, err)
			return err
		}
	}

	res.opts.Progress.ReportItem(location, restore.ActionOtherRestored)
	return res.restoreNodeMetadataTo(node, target, location)
}

func (res *Restorer) restoreNodeMetadataTo(node *data.Node, target, location string) error {
	if res.opts.DryRun {
		return nil
	}
	debug.Log("restoreNodeMetadata %v %v %v", node.Name, target, location)
	err := fs.NodeRestoreMetadata(node, target)
	if err != nil {
		debug.Log("node.RestoreMetadata(%s) error %v", target, err)
	}
	return err
}

// restoreHardlinkAt links path to the already restored file at target.
func (res *Restorer) restoreHardlinkAt(node *data.Node, target, path, location string) error {
	if !res.opts.DryRun {
		if err := fs.RemoveIfExists(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errors.Wrap(err, "RemoveCreateHardlink")
		}
		if err := os.Link(target, path); err != nil {
			return errors.WithStack(err)
		}
	}

	res.opts.Progress.ReportItem(location, restore.ActionOtherRestored)
	return res.restoreNodeMetadataTo(node, path, location)
}

// ensureDir creates the directory target with private permissions,
// replacing a file of the same name. The final permissions are set when the
// directory is left in the second pass.
func (res *Restorer) ensureDir(target string) error {
	if res.opts.DryRun {
		return nil
	}

	fi, err := os.Lstat(target)
	switch {
	case err == nil && !fi.IsDir():
		if err := os.Remove(target); err != nil {
			return errors.Wrap(err, "failed to remove stale item")
		}
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return errors.Wrap(err, "failed to check for directory")
	}
	return os.MkdirAll(target, 0700)
}

func createEmptyFile(target string) error {
	f, err := createFile(target, 0, false)
	if err != nil {
		return err
	}
	return errors.WithStack(f.Close())
}

// restorePass holds the state shared by both passes of RestoreTo.
type restorePass struct {
	*Restorer
	links    *HardlinkIndex[string]
	writer   *fileRestorer
	restored uint64
}

// RestoreTo writes the selected items of the snapshot below dst and returns
// the number of files whose content was written.
//
// The first pass creates the directories and collects the files, whose
// content is then downloaded pack by pack. The second pass creates all other
// items and hardlinks and restores the metadata, for directories after their
// children.
func (res *Restorer) RestoreTo(ctx context.Context, dst string) (uint64, error) {
	dst, err := filepath.Abs(dst)
	if err != nil {
		return 0, errors.Wrap(err, "Abs")
	}
	if !res.opts.DryRun {
		// ensureDir would remove a file at dst
		if err := os.MkdirAll(dst, 0700); err != nil {
			return 0, errors.Wrap(err, "cannot create target directory")
		}
	}

	p := &restorePass{
		Restorer: res,
		links:    NewHardlinkIndex[string](),
		writer:   newFileRestorer(dst, res.repo.LoadBlobsFromPack, res.repo.LookupBlob, res.repo.Connections(), res.opts.Sparse, res.opts.Progress),
	}
	p.writer.Error = res.Error

	debug.Log("first pass for %q", dst)
	_, err = res.walk(ctx, dst, rootLocation, *res.sn.Tree, visitor{
		enterDir: func(_ *data.Node, target, location string) error {
			if location != rootLocation {
				res.opts.Progress.AddFile(0)
			}
			return res.ensureDir(target)
		},
		node: func(node *data.Node, target, location string) error {
			return p.collect(ctx, node, target, location)
		},
	})
	if err != nil {
		return 0, err
	}

	if !res.opts.DryRun {
		if err := p.writer.restoreFiles(ctx); err != nil {
			return 0, err
		}
	}

	debug.Log("second pass for %q", dst)
	_, err = res.walk(ctx, dst, rootLocation, *res.sn.Tree, visitor{
		node: func(node *data.Node, target, location string) error {
			return p.finish(ctx, node, target, location)
		},
		leaveDir: func(node *data.Node, target, location string) error {
			err := res.restoreNodeMetadataTo(node, target, location)
			if err == nil && location != rootLocation {
				res.opts.Progress.ReportItem(location, restore.ActionDirRestored)
			}
			return err
		},
	})
	return p.restored, err
}

// collect creates the parent directory of a non-directory item and queues
// the content of regular files. Only the first name of a hardlinked file is
// queued.
func (p *restorePass) collect(ctx context.Context, node *data.Node, target, location string) error {
	if err := p.ensureDir(filepath.Dir(target)); err != nil {
		return err
	}
	if node.Type != data.NodeTypeFile {
		p.opts.Progress.AddFile(0)
		return nil
	}
	if node.Links > 1 {
		if p.links.Has(node.Inode, node.DeviceID) {
			p.opts.Progress.AddFile(0)
			return nil
		}
		p.links.Add(node.Inode, node.DeviceID, location)
	}

	return p.withOverwriteCheck(ctx, node, target, location, false, func(metadataOnly bool, matches *fileState) error {
		p.trackFile(location, metadataOnly)
		if metadataOnly {
			p.opts.Progress.AddSkippedFile(location, node.Size)
			return nil
		}

		p.restored++
		p.opts.Progress.AddFile(node.Size)
		switch {
		case p.opts.DryRun:
			action := restore.ActionFileUpdated
			if matches == nil {
				action = restore.ActionFileRestored
			}
			p.opts.Progress.AddProgress(location, action, node.Size, node.Size)
		case len(node.Content) == 0:
			if err := createEmptyFile(target); err != nil {
				return err
			}
			p.opts.Progress.AddProgress(location, restore.ActionFileRestored, 0, 0)
		default:
			if matches != nil {
				p.reportMatchingBlobs(location, node, matches)
			}
			p.writer.addFile(location, node.Content, int64(node.Size), matches)
		}
		return nil
	})
}

// finish creates the items collect skipped and restores file metadata.
// Files which were not written are left untouched.
func (p *restorePass) finish(ctx context.Context, node *data.Node, target, location string) error {
	if node.Type != data.NodeTypeFile {
		return p.withOverwriteCheck(ctx, node, target, location, false, func(bool, *fileState) error {
			return p.restoreNodeTo(node, target, location)
		})
	}

	if p.links.Has(node.Inode, node.DeviceID) {
		if first := p.links.Value(node.Inode, node.DeviceID); first != location {
			return p.withOverwriteCheck(ctx, node, target, location, true, func(bool, *fileState) error {
				return p.restoreHardlinkAt(node, p.writer.targetPath(first), target, location)
			})
		}
	}

	if _, ok := p.hasRestoredFile(location); ok {
		return p.restoreNodeMetadataTo(node, target, location)
	}
	return nil
}

// reportMatchingBlobs counts the blobs an existing file already has as
// written.
func (res *Restorer) reportMatchingBlobs(location string, node *data.Node, matches *fileState) {
	var matched uint64
	for i, id := range node.Content {
		if matches.HasMatchingBlob(i) {
			size, _ := res.lookupBlobSize(id)
			matched += uint64(size)
		}
	}
	if matched > 0 {
		res.opts.Progress.AddProgress(location, restore.ActionFileUpdated, matched, node.Size)
	}
}

func (res *Restorer) trackFile(location string, metadataOnly bool) {
	res.mu.Lock()
	defer res.mu.Unlock()
	res.files[location] = metadataOnly
}

func (res *Restorer) hasRestoredFile(location string) (metadataOnly bool, ok bool) {
	res.mu.Lock()
	defer res.mu.Unlock()
	metadataOnly, ok = res.files[location]
	return metadataOnly, ok
}
