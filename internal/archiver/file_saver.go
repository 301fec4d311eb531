package archiver

import (
	"context"
	"sync"

	"github.com/packvault/packvault/internal/chunker"
	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/restic"
)

// saveFile reads the file at target, splits it into chunks and saves them as
// data blobs. node.Content and node.Size are updated with the result.
func (arch *Archiver) saveFile(ctx context.Context, target string, node *data.Node) (ItemStats, error) {
	var stats ItemStats

	f, err := arch.FS.Open(target)
	if err != nil {
		return stats, errors.WithStack(err)
	}
	defer func() {
		_ = f.Close()
	}()

	chnkr := arch.chunkers.Get().(*chunker.Chunker)
	defer arch.chunkers.Put(chnkr)

	var size uint64
	content := restic.IDs{}
	err = chnkr.Split(f, func(chunk chunker.Chunk) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		id, known, sizeInRepo, err := arch.saver.SaveBlob(ctx, restic.DataBlob, chunk.Data, restic.ID{}, false)
		if err != nil {
			return err
		}

		if !known {
			stats.DataBlobs++
			stats.DataSize += uint64(len(chunk.Data))
			stats.DataSizeInRepo += uint64(sizeInRepo)
		}
		size += uint64(len(chunk.Data))
		content = append(content, id)
		return nil
	})
	if err != nil {
		return ItemStats{}, err
	}

	if size != node.Size {
		debug.Log("file %v changed size while reading: %d != %d", target, node.Size, size)
	}

	node.Content = content
	node.Size = size
	arch.summary.addData(stats)
	return stats, nil
}

// DryRunSaver computes the IDs of all blobs but does not store them. Blobs
// which are neither in the repository index nor were seen before count as new.
type DryRunSaver struct {
	repo restic.Repository

	m    sync.Mutex
	seen restic.BlobSet
}

func NewDryRunSaver(repo restic.Repository) *DryRunSaver {
	return &DryRunSaver{
		repo: repo,
		seen: restic.NewBlobSet(),
	}
}

func (s *DryRunSaver) SaveBlob(_ context.Context, t restic.BlobType, buf []byte, id restic.ID, _ bool) (restic.ID, bool, int, error) {
	if id.IsNull() {
		id = restic.Hash(buf)
	}

	if _, ok := s.repo.LookupBlobSize(t, id); ok {
		return id, true, 0, nil
	}

	h := restic.BlobHandle{ID: id, Type: t}
	s.m.Lock()
	defer s.m.Unlock()
	if s.seen.Has(h) {
		return id, true, 0, nil
	}
	s.seen.Insert(h)
	return id, false, len(buf), nil
}
