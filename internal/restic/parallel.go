package restic

import (
	"context"

	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/ui/progress"

	"golang.org/x/sync/errgroup"
)

// ParallelList lists all files of type t and calls fn for each of them on
// parallelism worker goroutines.
func ParallelList(ctx context.Context, r Lister, t FileType, parallelism uint, fn func(context.Context, ID, int64) error) error {
	type fileInfo struct {
		ID
		Size int64
	}

	// track spawned goroutines using wg, create a new context which is
	// cancelled as soon as an error occurs.
	wg, ctx := errgroup.WithContext(ctx)

	ch := make(chan fileInfo)
	wg.Go(func() error {
		defer close(ch)
		return r.List(ctx, t, func(id ID, size int64) error {
			select {
			case <-ctx.Done():
				return nil
			case ch <- fileInfo{id, size}:
			}
			return nil
		})
	})

	worker := func() error {
		for fi := range ch {
			debug.Log("worker got file %v/%v", t, fi.ID.Str())
			err := fn(ctx, fi.ID, fi.Size)
			if err != nil {
				return err
			}
		}
		return nil
	}

	for i := uint(0); i < parallelism; i++ {
		wg.Go(worker)
	}

	return wg.Wait()
}

// ParallelRemove deletes the given fileList of fileType in parallel.
// If report returns an error, it aborts.
func ParallelRemove(ctx context.Context, repo RemoverUnpacked, fileList IDSet, fileType FileType, report func(id ID, err error) error, bar *progress.Counter) error {
	wg, ctx := errgroup.WithContext(ctx)
	wg.SetLimit(int(repo.Connections())) // deleting files is IO-bound

	bar.SetMax(uint64(len(fileList)))

loop:
	for id := range fileList {
		select {
		case <-ctx.Done():
			break loop
		default:
		}

		wg.Go(func() error {
			err := repo.RemoveUnpacked(ctx, fileType, id)
			if err == nil {
				bar.Add(1)
			}
			if report != nil {
				err = report(id, err)
			}
			return err
		})
	}
	return wg.Wait()
}

type memorizedLister struct {
	files []fileEntry
	tpe   FileType
}

type fileEntry struct {
	id   ID
	size int64
}

func (m *memorizedLister) List(ctx context.Context, t FileType, fn func(ID, int64) error) error {
	if t != m.tpe {
		return errors.Errorf("filetype mismatch, expected %s got %s", m.tpe, t)
	}
	for _, f := range m.files {
		if ctx.Err() != nil {
			break
		}
		if err := fn(f.id, f.size); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// MemorizeList lists all files of type t once and returns a Lister that
// replays the result for that type.
func MemorizeList(ctx context.Context, r Lister, t FileType) (Lister, error) {
	if m, ok := r.(*memorizedLister); ok && m.tpe == t {
		return r, nil
	}

	var files []fileEntry
	err := r.List(ctx, t, func(id ID, size int64) error {
		files = append(files, fileEntry{id, size})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &memorizedLister{files: files, tpe: t}, nil
}
