package restorer

import (
	"context"
	"io"
	"os"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/restic"
)

func (res *Restorer) lookupBlobSize(id restic.ID) (uint, bool) {
	pbs := res.repo.LookupBlob(restic.DataBlob, id)
	if len(pbs) == 0 {
		return 0, false
	}
	return pbs[0].DataLength(), true
}

// verifyFile compares the file at target with the content of node and
// returns which blobs match. With failFast the first difference is an error.
// With trustMtime a file of the same size and mtime counts as unchanged.
//
// A nil state without error means the file has to be written from scratch:
// its size differs or it is a hardlink whose other names must stay intact.
func (res *Restorer) verifyFile(ctx context.Context, target string, node *data.Node, failFast bool, trustMtime bool, buf []byte) (*fileState, []byte, error) {
	f, err := os.OpenFile(target, os.O_RDONLY|oNoFollow, 0)
	if err != nil {
		return nil, buf, err
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return nil, buf, err
	}
	if !fi.Mode().IsRegular() {
		return nil, buf, errors.Errorf("Expected %s to be a regular file", target)
	}

	sameSize := int64(node.Size) == fi.Size()
	switch {
	case !sameSize && failFast:
		return nil, buf, errors.Errorf("Invalid file size for %s: expected %d, got %d", target, node.Size, fi.Size())
	case sameSize && !failFast && linkCount(fi) > 1:
		return nil, buf, nil
	}

	matches := make([]bool, len(node.Content))
	if trustMtime && sameSize && node.ModTime.Equal(fi.ModTime()) {
		for i := range matches {
			matches[i] = true
		}
		return &fileState{blobMatches: matches}, buf, nil
	}

	var offset int64
	for i, id := range node.Content {
		if ctx.Err() != nil {
			return nil, buf, ctx.Err()
		}
		length, ok := res.lookupBlobSize(id)
		if !ok {
			return nil, buf, errors.Errorf("Unable to fetch blob %s", id)
		}
		if length > uint(cap(buf)) {
			buf = make([]byte, 2*length)
		}
		buf = buf[:length]

		_, err := f.ReadAt(buf, offset)
		if err == io.EOF && !failFast {
			// file is shorter than expected
			return nil, buf, nil
		}
		if err != nil {
			return nil, buf, err
		}

		matches[i] = id.Equal(restic.Hash(buf))
		if failFast && !matches[i] {
			return nil, buf, errors.Errorf("Unexpected content in %s, starting at offset %d", target, offset)
		}
		offset += int64(length)
	}

	if !sameSize {
		return nil, buf, nil
	}
	return &fileState{blobMatches: matches}, buf, nil
}

type verifyJob struct {
	node *data.Node
	path string
}

// VerifyFiles checks that every file whose content was written by RestoreTo
// has the content recorded in the snapshot. It stops at the first error and
// returns the number of files verified until then. p is called for each
// verified file.
func (res *Restorer) VerifyFiles(ctx context.Context, dst string, p func(location string)) (int, error) {
	workers := int(res.repo.Connections())
	jobs := make(chan verifyJob, 2*workers)
	var verified atomic.Uint64

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		_, err := res.walk(ctx, dst, rootLocation, *res.sn.Tree, visitor{
			node: func(node *data.Node, target, location string) error {
				if node.Type != data.NodeTypeFile {
					return nil
				}
				if metadataOnly, ok := res.hasRestoredFile(location); !ok || metadataOnly {
					return nil
				}
				select {
				case jobs <- verifyJob{node: node, path: target}:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		})
		return err
	})

	for range workers {
		g.Go(func() error {
			var buf []byte
			for job := range jobs {
				var err error
				_, buf, err = res.verifyFile(ctx, job.path, job.node, true, false, buf)
				if err = res.sanitizeError(job.path, err); err != nil {
					return err
				}
				if ctx.Err() != nil {
					return nil
				}
				if p != nil {
					p(job.path)
				}
				verified.Add(1)
			}
			return nil
		})
	}

	err := g.Wait()
	return int(verified.Load()), err
}
