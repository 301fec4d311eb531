package engine

import (
	"context"

	"github.com/packvault/packvault/internal/backend"
	"github.com/packvault/packvault/internal/crypto"
	"github.com/packvault/packvault/internal/restic"
	"github.com/packvault/packvault/internal/ui"
)

// FileStats counts the files of one type.
type FileStats struct {
	Count uint64
	Size  uint64
}

// BlobStats counts the blobs of one type. Duplicates are counted once.
type BlobStats struct {
	Count uint64
	// Size is the stored size including encryption overhead.
	Size uint64
	// UncompressedSize is the plaintext size.
	UncompressedSize uint64
}

// Stats describes the contents of a repository.
type Stats struct {
	Files map[restic.FileType]FileStats
	Blobs map[restic.BlobType]BlobStats
	// CompressionRatio is the plaintext size of all blobs divided by their
	// stored size.
	CompressionRatio float64
	// SpaceSaving is the percentage of stored bytes saved by compression.
	SpaceSaving float64
}

var statsFileTypes = []restic.FileType{
	restic.ConfigFile, restic.KeyFile, restic.LockFile, restic.SnapshotFile,
	restic.IndexFile, restic.PackFile, restic.PlanFile,
}

// Stats counts the files and blobs in the repository.
func (r *Repository) Stats(ctx context.Context) (*Stats, error) {
	lock, ctx, err := r.lock(ctx, false)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	if err := r.loadIndex(ctx); err != nil {
		return nil, err
	}

	stats := &Stats{
		Files: make(map[restic.FileType]FileStats),
		Blobs: make(map[restic.BlobType]BlobStats),
	}

	for _, t := range statsFileTypes {
		var fs FileStats
		if t == restic.ConfigFile {
			// the config is not listed like the other types
			fi, err := r.repo.Backend().Stat(ctx, backend.Handle{Type: restic.ConfigFile})
			if err == nil {
				fs = FileStats{Count: 1, Size: uint64(fi.Size)}
			}
			stats.Files[t] = fs
			continue
		}
		err := r.repo.List(ctx, t, func(_ restic.ID, size int64) error {
			fs.Count++
			fs.Size += uint64(size)
			return nil
		})
		if err != nil {
			return nil, err
		}
		stats.Files[t] = fs
	}

	seen := restic.NewBlobSet()
	err = r.repo.Index().Each(ctx, func(pb restic.PackedBlob) {
		if seen.Has(pb.BlobHandle) {
			return
		}
		seen.Insert(pb.BlobHandle)

		bs := stats.Blobs[pb.Type]
		bs.Count++
		bs.Size += uint64(pb.Length)
		if pb.IsCompressed() {
			bs.UncompressedSize += uint64(pb.UncompressedLength)
		} else {
			bs.UncompressedSize += uint64(crypto.PlaintextLength(int(pb.Length)))
		}
		stats.Blobs[pb.Type] = bs
	})
	if err != nil {
		return nil, err
	}

	var stored, plain uint64
	for _, bs := range stats.Blobs {
		stored += bs.Size
		plain += bs.UncompressedSize
	}
	if stored > 0 {
		stats.CompressionRatio = float64(plain) / float64(stored)
	}
	if plain > 0 {
		stats.SpaceSaving = (1 - float64(stored)/float64(plain)) * 100
	}

	for _, t := range statsFileTypes {
		fs := stats.Files[t]
		r.printer.P("%-10v %8d files %12s\n", t, fs.Count, ui.FormatBytes(fs.Size))
	}
	for t, bs := range stats.Blobs {
		r.printer.P("%-10v %8d blobs %12s (%s uncompressed)\n", t, bs.Count, ui.FormatBytes(bs.Size), ui.FormatBytes(bs.UncompressedSize))
	}
	r.printer.P("compression ratio: %s\n", ui.FormatRatio(plain, stored))
	return stats, nil
}
