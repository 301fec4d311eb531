package engine

import (
	"context"
	"encoding/json"

	"github.com/packvault/packvault/internal/backend"
	"github.com/packvault/packvault/internal/data"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/repository"
	"github.com/packvault/packvault/internal/restic"
)

// CatTypes lists the object types understood by Cat.
var CatTypes = []string{"config", "index", "snapshot", "key", "masterkey", "lock", "pack", "blob", "tree"}

// CatOptions select the object printed by Cat.
type CatOptions struct {
	Type string
	// ID is the ID or a unique prefix of the object. It is ignored for config
	// and masterkey, "latest" is accepted for snapshots.
	ID string
}

// Cat returns the decrypted content of a repository object. Structured
// objects are returned as indented JSON, blobs as stored.
func (r *Repository) Cat(ctx context.Context, opts CatOptions) ([]byte, error) {
	switch opts.Type {
	case "config", "masterkey":
		if opts.ID != "" {
			return nil, errors.Fatalf("type %q does not take an ID", opts.Type)
		}
	case "index", "snapshot", "key", "lock", "pack", "blob", "tree":
		if opts.ID == "" {
			return nil, errors.Fatalf("type %q requires an ID", opts.Type)
		}
	default:
		return nil, errors.Fatalf("invalid type %q", opts.Type)
	}

	lock, ctx, err := r.lock(ctx, false)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	switch opts.Type {
	case "config":
		return json.MarshalIndent(r.repo.Config(), "", "  ")

	case "masterkey":
		return json.MarshalIndent(r.repo.Key(), "", "  ")

	case "index":
		id, err := restic.Find(ctx, r.repo, restic.IndexFile, opts.ID)
		if err != nil {
			return nil, errors.Fatalf("could not find index: %v", err)
		}
		buf, err := r.repo.LoadUnpacked(ctx, restic.IndexFile, id)
		if err != nil {
			return nil, err
		}
		return indentJSON(buf)

	case "snapshot":
		sn, _, err := (&data.SnapshotFilter{}).FindLatest(ctx, r.repo, r.repo, opts.ID)
		if err != nil {
			return nil, errors.Fatalf("could not find snapshot: %v", err)
		}
		return json.MarshalIndent(sn, "", "  ")

	case "key":
		id, err := restic.Find(ctx, r.repo, restic.KeyFile, opts.ID)
		if err != nil {
			return nil, errors.Fatalf("could not find key: %v", err)
		}
		key, err := repository.LoadKey(ctx, r.repo, id)
		if err != nil {
			return nil, err
		}
		return json.MarshalIndent(key, "", "  ")

	case "lock":
		id, err := restic.Find(ctx, r.repo, restic.LockFile, opts.ID)
		if err != nil {
			return nil, errors.Fatalf("could not find lock: %v", err)
		}
		l, err := restic.LoadLock(ctx, r.repo, id)
		if err != nil {
			return nil, err
		}
		return json.MarshalIndent(l, "", "  ")

	case "pack":
		id, err := restic.Find(ctx, r.repo, restic.PackFile, opts.ID)
		if err != nil {
			return nil, errors.Fatalf("could not find pack: %v", err)
		}
		fi, err := r.repo.Backend().Stat(ctx, backend.Handle{Type: restic.PackFile, Name: id.String()})
		if err != nil {
			return nil, err
		}
		blobs, _, err := r.repo.ListPack(ctx, id, fi.Size)
		if err != nil {
			return nil, err
		}
		return json.MarshalIndent(blobs, "", "  ")

	default:
		return r.catBlob(ctx, opts)
	}
}

func (r *Repository) catBlob(ctx context.Context, opts CatOptions) ([]byte, error) {
	id, err := restic.ParseID(opts.ID)
	if err != nil {
		return nil, errors.Fatalf("%s", err)
	}

	if err := r.loadIndex(ctx); err != nil {
		return nil, err
	}

	types := []restic.BlobType{restic.TreeBlob}
	if opts.Type == "blob" {
		types = []restic.BlobType{restic.DataBlob, restic.TreeBlob}
	}
	for _, t := range types {
		if _, ok := r.repo.LookupBlobSize(t, id); !ok {
			continue
		}
		return r.repo.LoadBlob(ctx, t, id, nil)
	}
	return nil, errors.NotFoundf("blob %v not found", id.Str())
}

func indentJSON(buf []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(buf, &v); err != nil {
		return nil, errors.Wrap(err, "Unmarshal")
	}
	return json.MarshalIndent(v, "", "  ")
}
