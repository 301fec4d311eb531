package engine

import (
	"context"
	"io"
	"path"

	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/dump"
	"github.com/packvault/packvault/internal/errors"
)

// DumpOptions configure Dump.
type DumpOptions struct {
	// Snapshot is an ID, a unique ID prefix or "latest", optionally followed
	// by ":subfolder".
	Snapshot string
	Filter   data.SnapshotFilter

	// Path is the file or directory to write, "/" dumps the whole snapshot.
	Path string
	// Archive is the format used for directories, "tar" (default) or "zip".
	Archive string

	Output io.Writer
}

// Dump writes the content of a file to opts.Output. A directory is written
// as an archive.
func (r *Repository) Dump(ctx context.Context, opts DumpOptions) error {
	if opts.Snapshot == "" {
		return errors.Fatal("no snapshot ID specified")
	}
	if opts.Output == nil {
		return errors.Fatal("no output specified")
	}
	if opts.Archive == "" {
		opts.Archive = "tar"
	}

	d, err := dump.New(opts.Archive, r.repo, opts.Output)
	if err != nil {
		return errors.Fatalf("%s", err)
	}

	lock, ctx, err := r.lock(ctx, false)
	if err != nil {
		return err
	}
	defer lock.release()

	sn, subfolder, err := opts.Filter.FindLatest(ctx, r.repo, r.repo, opts.Snapshot)
	if err != nil {
		return errors.Fatalf("failed to find snapshot: %v", err)
	}

	if err := r.loadIndex(ctx); err != nil {
		return err
	}

	root, err := data.FindTreeDirectory(ctx, r.repo, sn.Tree, subfolder)
	if err != nil {
		return err
	}

	target := path.Clean("/" + opts.Path)
	debug.Log("dump %q from snapshot %v", target, sn.ID().Str())

	if target == "/" {
		tree, err := data.LoadTree(ctx, r.repo, *root)
		if err != nil {
			return err
		}
		return d.DumpTree(ctx, tree, "/")
	}

	dir, name := path.Split(target)
	parent, err := data.FindTreeDirectory(ctx, r.repo, root, dir)
	if err != nil {
		return errors.Fatalf("cannot dump %q: %v", target, err)
	}
	tree, err := data.LoadTree(ctx, r.repo, *parent)
	if err != nil {
		return err
	}
	node := tree.Find(name)
	if node == nil {
		return errors.Fatalf("cannot dump %q: no such file or directory", target)
	}

	switch {
	case dump.IsFile(node):
		return d.WriteNode(ctx, node)
	case dump.IsDir(node) && node.Subtree != nil:
		subtree, err := data.LoadTree(ctx, r.repo, *node.Subtree)
		if err != nil {
			return errors.Wrapf(err, "cannot load subtree for %q", target)
		}
		return d.DumpTree(ctx, subtree, target)
	default:
		return errors.Fatalf("cannot dump %q: unsupported node type %q", target, node.Type)
	}
}
