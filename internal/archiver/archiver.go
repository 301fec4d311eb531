package archiver

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/packvault/packvault/internal/chunker"
	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/fs"
	"github.com/packvault/packvault/internal/restic"

	"golang.org/x/sync/errgroup"
)

// SelectFunc returns true for all items that should be included (files and
// dirs). If false is returned, files are ignored and dirs are not even walked.
type SelectFunc func(item string, fi *fs.ExtendedFileInfo, fs fs.FS) bool

// ErrorFunc is called when an error during archiving occurs. When nil is
// returned, the archiver continues, otherwise it aborts and passes the error
// up the call stack.
type ErrorFunc func(file string, err error) error

// CompleteItemFunc is called after an item has been saved. previous is the
// node of the parent snapshot, if any. It may be called concurrently.
type CompleteItemFunc func(item string, previous, current *data.Node, s ItemStats, d time.Duration)

// ErrNoFiles is returned when none of the targets contained anything to save.
var ErrNoFiles = errors.New("snapshot is empty")

// ItemStats collects some statistics about a particular file or directory.
type ItemStats struct {
	DataBlobs      int    // number of new data blobs added for this item
	DataSize       uint64 // sum of the sizes of all new data blobs
	DataSizeInRepo uint64 // sum of the bytes added to the repository (after compression)
	TreeBlobs      int    // number of new tree blobs added for this item
	TreeSize       uint64 // sum of the sizes of all new tree blobs
	TreeSizeInRepo uint64 // sum of the bytes added to the repository (after compression)
}

// Add adds other to the current ItemStats.
func (s *ItemStats) Add(other ItemStats) {
	s.DataBlobs += other.DataBlobs
	s.DataSize += other.DataSize
	s.DataSizeInRepo += other.DataSizeInRepo
	s.TreeBlobs += other.TreeBlobs
	s.TreeSize += other.TreeSize
	s.TreeSizeInRepo += other.TreeSizeInRepo
}

// Options is used to configure the archiver.
type Options struct {
	// FileReadConcurrency sets how many files are read in concurrently. If
	// it's set to zero, at most two files are read in concurrently.
	FileReadConcurrency uint

	// IgnoreInode skips the inode comparison when deciding whether a file
	// changed since the parent snapshot.
	IgnoreInode bool

	// DryRun reads and chunks all files but does not write anything to the
	// repository.
	DryRun bool
}

// ApplyDefaults returns a copy of o with the default options set for all unset
// fields.
func (o Options) ApplyDefaults() Options {
	if o.FileReadConcurrency == 0 {
		o.FileReadConcurrency = 2
	}
	return o
}

// Archiver saves a directory structure to the repo.
type Archiver struct {
	Repo    restic.Repository
	Select  SelectFunc
	FS      fs.FS
	Options Options

	// Error is called for all errors that occur during backup.
	Error ErrorFunc

	// CompleteItem is called for all files and dirs once they have been
	// processed successfully.
	CompleteItem CompleteItemFunc

	// WithAtime configures if the access time for files and directories should
	// be saved. Enabling it may result in much metadata, so it's off by
	// default.
	WithAtime bool

	// Warnf is used for warnings about metadata which could not be read.
	Warnf func(format string, args ...any)

	saver    restic.BlobSaver
	fileSem  chan struct{}
	chunkers sync.Pool
	summary  *summaryCounter
}

// New initializes a new archiver.
func New(repo restic.Repository, filesystem fs.FS, opts Options) *Archiver {
	return &Archiver{
		Repo:    repo,
		Select:  func(string, *fs.ExtendedFileInfo, fs.FS) bool { return true },
		FS:      filesystem,
		Options: opts.ApplyDefaults(),

		CompleteItem: func(string, *data.Node, *data.Node, ItemStats, time.Duration) {},
	}
}

// error calls arch.Error if it is set and the error is different from
// context.Canceled.
func (arch *Archiver) error(item string, err error) error {
	if arch.Error == nil || err == nil {
		return err
	}

	if err == context.Canceled {
		return err
	}

	errf := arch.Error(item, err)
	if err != errf {
		debug.Log("item %v: error was filtered by handler, before: %q, after: %v", item, err, errf)
	}
	return errf
}

func (arch *Archiver) warnf(format string, args ...any) {
	if arch.Warnf != nil {
		arch.Warnf(format, args...)
	}
}

// nodeFromFileInfo returns the node for the item at filename.
func (arch *Archiver) nodeFromFileInfo(snPath, filename string, fi *fs.ExtendedFileInfo, ignoreXattrListError bool) (*data.Node, error) {
	node, err := fs.NodeFromFileInfo(arch.FS, filename, fi, ignoreXattrListError, arch.warnf)
	if !arch.WithAtime {
		node.AccessTime = node.ModTime
	}
	// overwrite name to match that within the snapshot
	node.Name = path.Base(snPath)
	return node, errors.WithStack(err)
}

// loadSubtree tries to load the subtree referenced by node. In case of an
// error, nil is returned and the item is saved from scratch.
func (arch *Archiver) loadSubtree(ctx context.Context, node *data.Node) *data.Tree {
	if node == nil || node.Type != data.NodeTypeDir || node.Subtree == nil {
		return nil
	}

	tree, err := data.LoadTree(ctx, arch.Repo, *node.Subtree)
	if err != nil {
		debug.Log("unable to load tree %v: %v", node.Subtree.Str(), err)
		return nil
	}

	return tree
}

// saveTree stores the tree and returns its ID together with statistics about
// the new data.
func (arch *Archiver) saveTree(ctx context.Context, t *data.Tree) (restic.ID, ItemStats, error) {
	var s ItemStats
	tb := data.NewTreeJSONBuilder()
	for _, node := range t.Nodes {
		if err := tb.AddNode(node); err != nil {
			return restic.ID{}, s, err
		}
	}
	buf, err := tb.Finalize()
	if err != nil {
		return restic.ID{}, s, err
	}

	id, known, size, err := arch.saver.SaveBlob(ctx, restic.TreeBlob, buf, restic.ID{}, false)
	if err != nil {
		return restic.ID{}, s, err
	}
	if !known {
		s.TreeBlobs++
		s.TreeSize += uint64(len(buf))
		s.TreeSizeInRepo += uint64(size)
	}
	arch.summary.addTree(s)
	return id, s, nil
}

// saveDir stores the directory dir and returns the node for it. The
// directory tree is saved depth first, files are read concurrently.
func (arch *Archiver) saveDir(ctx context.Context, snPath, dir string, fi *fs.ExtendedFileInfo, previous *data.Node) (*data.Node, error) {
	debug.Log("%v %v", snPath, dir)
	start := time.Now()

	node, err := arch.nodeFromFileInfo(snPath, dir, fi, false)
	if err != nil {
		return nil, arch.error(dir, err)
	}

	tree, err := arch.saveDirContents(ctx, snPath, dir, arch.loadSubtree(ctx, previous))
	if err != nil {
		return nil, err
	}

	id, stats, err := arch.saveTree(ctx, tree)
	if err != nil {
		return nil, err
	}
	node.Subtree = &id

	arch.completeDir(snPath, previous, node, stats, time.Since(start))
	return node, nil
}

func (arch *Archiver) completeDir(snPath string, previous, current *data.Node, s ItemStats, d time.Duration) {
	switch {
	case previous == nil || previous.Type != data.NodeTypeDir || previous.Subtree == nil:
		arch.summary.dirNew()
	case previous.Subtree.Equal(*current.Subtree):
		arch.summary.dirUnmodified()
	default:
		arch.summary.dirChanged()
	}
	arch.CompleteItem(snPath, previous, current, s, d)
}

// saveDirContents reads all entries of dir and returns the tree. The tree is
// not saved yet.
func (arch *Archiver) saveDirContents(ctx context.Context, snPath, dir string, previous *data.Tree) (*data.Tree, error) {
	names, err := fs.ReadDirNames(arch.FS, dir)
	if err != nil {
		debug.Log("ReadDirNames(%v) returned error: %v", dir, err)
		if err := arch.error(dir, err); err != nil {
			return nil, err
		}
		names = nil
	}
	sort.Strings(names)

	nodes := make([]*data.Node, len(names))
	wg, wgCtx := errgroup.WithContext(ctx)
	for i, name := range names {
		if wgCtx.Err() != nil {
			break
		}

		pathname := arch.FS.Join(dir, name)
		node, err := arch.save(wgCtx, wg, path.Join(snPath, name), pathname, previous.Find(name))
		if err != nil {
			_ = wg.Wait()
			return nil, err
		}
		nodes[i] = node
	}

	if err := wg.Wait(); err != nil {
		return nil, err
	}
	// a cancelled context is only reported by the errgroup if a file was read
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tree := data.NewTree(len(nodes))
	for _, node := range nodes {
		if node == nil {
			continue
		}
		// names are sorted and unique
		tree.Nodes = append(tree.Nodes, node)
	}
	return tree, nil
}

// save saves a target. Regular files are read within wg, the returned node is
// complete once wg has finished. When the item is excluded, nil is returned.
func (arch *Archiver) save(ctx context.Context, wg *errgroup.Group, snPath, target string, previous *data.Node) (*data.Node, error) {
	start := time.Now()

	fi, err := arch.FS.Lstat(target)
	if err != nil {
		debug.Log("lstat() for %v returned error: %v", target, err)
		return nil, arch.error(target, err)
	}

	if !arch.Select(target, fi, arch.FS) {
		debug.Log("%v is excluded", target)
		return nil, nil
	}

	switch {
	case fi.IsRegular():
		node, err := arch.nodeFromFileInfo(snPath, target, fi, false)
		if err != nil {
			return nil, arch.error(target, err)
		}

		if !arch.fileChanged(fi, previous) {
			debug.Log("%v hasn't changed, using old list of blobs", target)
			node.Content = previous.Content
			arch.summary.fileUnmodified(node.Size)
			arch.CompleteItem(snPath, previous, node, ItemStats{}, time.Since(start))
			return node, nil
		}

		wg.Go(func() error {
			select {
			case arch.fileSem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}
			defer func() { <-arch.fileSem }()

			stats, err := arch.saveFile(ctx, target, node)
			if err != nil {
				err = arch.error(target, err)
				if err == nil {
					// the item is skipped, keep an empty file in the tree
					node.Content = restic.IDs{}
					node.Size = 0
				}
				return err
			}

			if previous == nil {
				arch.summary.fileNew(node.Size)
			} else {
				arch.summary.fileChanged(node.Size)
			}
			arch.CompleteItem(snPath, previous, node, stats, time.Since(start))
			return nil
		})
		return node, nil

	case fi.IsDir():
		return arch.saveDir(ctx, snPath, target, fi, previous)

	default:
		// everything else (symlinks, devices, fifos, sockets) only has metadata
		node, err := arch.nodeFromFileInfo(snPath, target, fi, false)
		if err != nil {
			return nil, arch.error(target, err)
		}
		arch.CompleteItem(snPath, previous, node, ItemStats{}, time.Since(start))
		return node, nil
	}
}

// fileChanged returns true if the file has changed since the previous
// snapshot or if its content cannot be reused.
func (arch *Archiver) fileChanged(fi *fs.ExtendedFileInfo, previous *data.Node) bool {
	if previous == nil || previous.Type != data.NodeTypeFile {
		return true
	}

	if !fi.ModTime.Equal(previous.ModTime) {
		return true
	}

	if uint64(fi.Size) != previous.Size {
		return true
	}

	if !arch.Options.IgnoreInode && fi.Inode != previous.Inode {
		return true
	}

	// the blobs may have been removed by a prune in the meantime
	for _, id := range previous.Content {
		if _, ok := arch.Repo.LookupBlobSize(restic.DataBlob, id); !ok {
			debug.Log("blob %v of %v is missing in the index", id.Str(), previous.Name)
			return true
		}
	}

	return false
}

// saveTargetTree saves the part of the snapshot described by atree.
func (arch *Archiver) saveTargetTree(ctx context.Context, snPath string, atree *targetTree, previous *data.Tree) (*data.Tree, error) {
	if atree.Path != "" {
		// the root directory itself is a target
		return arch.saveDirContents(ctx, snPath, atree.Path, previous)
	}

	tree := data.NewTree(len(atree.Nodes))
	wg, wgCtx := errgroup.WithContext(ctx)
	for _, name := range atree.NodeNames() {
		subatree := atree.Nodes[name]
		itemPath := path.Join(snPath, name)

		if subatree.Path != "" {
			node, err := arch.save(wgCtx, wg, itemPath, subatree.Path, previous.Find(name))
			if err != nil {
				_ = wg.Wait()
				return nil, err
			}
			if node != nil {
				tree.Nodes = append(tree.Nodes, node)
			}
			continue
		}

		// intermediate directory, only its metadata is saved
		start := time.Now()
		prevNode := previous.Find(name)
		subtree, err := arch.saveTargetTree(wgCtx, itemPath, subatree, arch.loadSubtree(ctx, prevNode))
		if err != nil {
			_ = wg.Wait()
			return nil, err
		}

		fi, err := arch.FS.Lstat(subatree.FileInfoPath)
		if err != nil {
			_ = wg.Wait()
			return nil, errors.Wrapf(err, "lstat %v", subatree.FileInfoPath)
		}
		node, err := arch.nodeFromFileInfo(itemPath, subatree.FileInfoPath, fi, false)
		if err != nil {
			_ = wg.Wait()
			return nil, err
		}

		id, stats, err := arch.saveTree(wgCtx, subtree)
		if err != nil {
			_ = wg.Wait()
			return nil, err
		}
		node.Subtree = &id
		tree.Nodes = append(tree.Nodes, node)
		arch.completeDir(itemPath, prevNode, node, stats, time.Since(start))
	}

	if err := wg.Wait(); err != nil {
		return nil, err
	}
	return tree, ctx.Err()
}

// SnapshotOptions collect attributes for a new snapshot.
type SnapshotOptions struct {
	Tags           data.TagList
	Hostname       string
	Excludes       []string
	Time           time.Time
	ParentSnapshot *data.Snapshot
	ProgramVersion string
}

// loadParentTree loads a tree referenced by snapshot id. If id is null, nil is returned.
func (arch *Archiver) loadParentTree(ctx context.Context, sn *data.Snapshot) *data.Tree {
	if sn == nil || sn.Tree == nil {
		return nil
	}

	debug.Log("load parent tree %v", *sn.Tree)
	tree, err := data.LoadTree(ctx, arch.Repo, *sn.Tree)
	if err != nil {
		debug.Log("unable to load tree %v: %v", *sn.Tree, err)
		return nil
	}
	return tree
}

// runWorkers starts the pack uploader unless this is a dry run.
func (arch *Archiver) runWorkers(ctx context.Context, fn func(ctx context.Context) error) error {
	arch.fileSem = make(chan struct{}, arch.Options.FileReadConcurrency)
	arch.chunkers = sync.Pool{
		New: func() any {
			return chunker.New(nil, chunker.ParamsFromConfig(arch.Repo.Config()))
		},
	}

	if arch.Options.DryRun {
		arch.saver = NewDryRunSaver(arch.Repo)
		return fn(ctx)
	}

	arch.saver = arch.Repo
	return arch.Repo.WithBlobUploader(ctx, fn)
}

// Snapshot saves several targets and returns a snapshot. In a dry run nothing
// is written to the repository and the returned ID is null.
func (arch *Archiver) Snapshot(ctx context.Context, targets []string, opts SnapshotOptions) (*data.Snapshot, restic.ID, *data.SnapshotSummary, error) {
	cleanTargets, err := resolveTargets(arch.FS, targets)
	if err != nil {
		return nil, restic.ID{}, nil, err
	}

	atree, err := newTargetTree(arch.FS, cleanTargets)
	if err != nil {
		return nil, restic.ID{}, nil, err
	}

	arch.summary = &summaryCounter{}
	start := time.Now()

	var rootTreeID restic.ID
	err = arch.runWorkers(ctx, func(ctx context.Context) error {
		debug.Log("starting snapshot")
		tree, err := arch.saveTargetTree(ctx, "/", atree, arch.loadParentTree(ctx, opts.ParentSnapshot))
		if err != nil {
			return err
		}

		if len(tree.Nodes) == 0 {
			return ErrNoFiles
		}

		rootTreeID, _, err = arch.saveTree(ctx, tree)
		return err
	})
	if err != nil {
		return nil, restic.ID{}, nil, err
	}
	debug.Log("saved tree %v, flushed index", rootTreeID.Str())

	sn, err := data.NewSnapshot(targets, opts.Tags, opts.Hostname, opts.Time)
	if err != nil {
		return nil, restic.ID{}, nil, err
	}

	sn.ProgramVersion = opts.ProgramVersion
	sn.Excludes = opts.Excludes
	if opts.ParentSnapshot != nil {
		sn.Parent = opts.ParentSnapshot.ID()
	}
	sn.Tree = &rootTreeID
	sn.Summary = arch.summary.snapshotSummary(start, time.Now())

	if arch.Options.DryRun {
		return sn, restic.ID{}, sn.Summary, nil
	}

	id, err := data.SaveSnapshot(ctx, arch.Repo, sn)
	if err != nil {
		return nil, restic.ID{}, nil, err
	}

	return sn, id, sn.Summary, nil
}

// summaryCounter aggregates the statistics of a snapshot. It is safe for
// concurrent use.
type summaryCounter struct {
	m sync.Mutex
	s data.SnapshotSummary
}

func (c *summaryCounter) update(fn func(s *data.SnapshotSummary)) {
	c.m.Lock()
	fn(&c.s)
	c.m.Unlock()
}

func (c *summaryCounter) fileNew(size uint64) {
	c.update(func(s *data.SnapshotSummary) {
		s.FilesNew++
		s.TotalFilesProcessed++
		s.TotalBytesProcessed += size
	})
}

func (c *summaryCounter) fileChanged(size uint64) {
	c.update(func(s *data.SnapshotSummary) {
		s.FilesChanged++
		s.TotalFilesProcessed++
		s.TotalBytesProcessed += size
	})
}

func (c *summaryCounter) fileUnmodified(size uint64) {
	c.update(func(s *data.SnapshotSummary) {
		s.FilesUnmodified++
		s.TotalFilesProcessed++
		s.TotalBytesProcessed += size
	})
}

func (c *summaryCounter) dirNew()        { c.update(func(s *data.SnapshotSummary) { s.DirsNew++ }) }
func (c *summaryCounter) dirChanged()    { c.update(func(s *data.SnapshotSummary) { s.DirsChanged++ }) }
func (c *summaryCounter) dirUnmodified() { c.update(func(s *data.SnapshotSummary) { s.DirsUnmodified++ }) }

func (c *summaryCounter) addData(st ItemStats) {
	c.update(func(s *data.SnapshotSummary) {
		s.DataBlobs += st.DataBlobs
		s.DataAdded += st.DataSize
		s.DataAddedPacked += st.DataSizeInRepo
	})
}

func (c *summaryCounter) addTree(st ItemStats) {
	c.update(func(s *data.SnapshotSummary) {
		s.TreeBlobs += st.TreeBlobs
		s.DataAdded += st.TreeSize
		s.DataAddedPacked += st.TreeSizeInRepo
	})
}

func (c *summaryCounter) snapshotSummary(start, end time.Time) *data.SnapshotSummary {
	c.m.Lock()
	defer c.m.Unlock()
	s := c.s
	s.BackupStart = start
	s.BackupEnd = end
	return &s
}
