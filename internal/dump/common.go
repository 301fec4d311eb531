package dump

import (
	"context"
	"io"
	"path"

	"github.com/packvault/packvault/internal/bloblru"
	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/restic"
	"github.com/packvault/packvault/internal/walker"

	"golang.org/x/sync/errgroup"
)

// number of blobs of a single file which are loaded ahead of the writer
const readAhead = 4

// ErrUnknownFormat is returned for an archive format other than tar or zip.
var ErrUnknownFormat = errors.New("unknown archive format")

// A Dumper writes trees and files from a repository to a Writer
// in an archive format.
type Dumper struct {
	cache  *bloblru.Cache
	format string
	repo   restic.BlobLoader
	w      io.Writer
}

// New returns a Dumper for format, which is either "tar" or "zip".
func New(format string, repo restic.BlobLoader, w io.Writer) (*Dumper, error) {
	switch format {
	case "tar", "zip":
	default:
		return nil, errors.Wrapf(ErrUnknownFormat, "%q", format)
	}
	return &Dumper{
		cache:  bloblru.New(64 << 20),
		format: format,
		repo:   repo,
		w:      w,
	}, nil
}

// DumpTree writes all nodes of tree and their children as an archive. The
// names in the archive are relative to rootPath.
func (d *Dumper) DumpTree(ctx context.Context, tree *data.Tree, rootPath string) error {
	wg, ctx := errgroup.WithContext(ctx)

	// ch is buffered to deal with variable download/write speeds.
	ch := make(chan *data.Node, 10)
	wg.Go(func() error {
		return sendTrees(ctx, d.repo, tree, rootPath, ch)
	})

	wg.Go(func() error {
		switch d.format {
		case "tar":
			return d.dumpTar(ctx, ch)
		default:
			return d.dumpZip(ctx, ch)
		}
	})
	return wg.Wait()
}

func sendTrees(ctx context.Context, repo restic.BlobLoader, tree *data.Tree, rootPath string, ch chan<- *data.Node) error {
	defer close(ch)

	for _, root := range tree.Nodes {
		root.Path = path.Join(rootPath, root.Name)
		if err := sendNodes(ctx, repo, root, ch); err != nil {
			return err
		}
	}
	return nil
}

func sendNodes(ctx context.Context, repo restic.BlobLoader, root *data.Node, ch chan<- *data.Node) error {
	select {
	case ch <- root:
	case <-ctx.Done():
		return ctx.Err()
	}

	if root.Type != data.NodeTypeDir {
		return nil
	}

	return walker.Walk(ctx, repo, *root.Subtree, walker.WalkVisitor{ProcessNode: func(_ restic.ID, nodepath string, node *data.Node, err error) error {
		if err != nil {
			return err
		}
		if node == nil {
			return nil
		}

		node.Path = path.Join(root.Path, nodepath)

		if !IsFile(node) && !IsDir(node) && !IsLink(node) {
			return nil
		}

		select {
		case ch <- node:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}})
}

// WriteNode writes the content of a file node to the Writer of d, without
// any archive framing.
func (d *Dumper) WriteNode(ctx context.Context, node *data.Node) error {
	if !IsFile(node) {
		return errors.Errorf("%q is not a regular file", node.Name)
	}
	return d.writeNode(ctx, d.w, node)
}

// writeNode loads the blobs of node concurrently and writes them in order.
func (d *Dumper) writeNode(ctx context.Context, w io.Writer, node *data.Node) error {
	type loadTask struct {
		id  restic.ID
		out chan []byte
	}

	wg, ctx := errgroup.WithContext(ctx)
	tasks := make(chan loadTask, readAhead)
	results := make(chan chan []byte, readAhead)

	wg.Go(func() error {
		defer close(tasks)
		defer close(results)

		for _, id := range node.Content {
			task := loadTask{id: id, out: make(chan []byte, 1)}
			select {
			case tasks <- task:
			case <-ctx.Done():
				return ctx.Err()
			}
			select {
			case results <- task.out:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	for i := 0; i < readAhead; i++ {
		wg.Go(func() error {
			for task := range tasks {
				blob, err := d.cache.GetOrCompute(task.id, func() ([]byte, error) {
					return d.repo.LoadBlob(ctx, restic.DataBlob, task.id, nil)
				})
				if err != nil {
					return err
				}
				task.out <- blob
			}
			return nil
		})
	}

	wg.Go(func() error {
		for result := range results {
			var blob []byte
			select {
			case blob = <-result:
			case <-ctx.Done():
				return ctx.Err()
			}
			if _, err := w.Write(blob); err != nil {
				return errors.Wrap(err, "Write")
			}
		}
		return nil
	})

	return wg.Wait()
}

// IsDir checks if the given node is a directory.
func IsDir(node *data.Node) bool {
	return node.Type == data.NodeTypeDir
}

// IsLink checks if the given node as a link.
func IsLink(node *data.Node) bool {
	return node.Type == data.NodeTypeSymlink
}

// IsFile checks if the given node is a file.
func IsFile(node *data.Node) bool {
	return node.Type == data.NodeTypeFile
}
