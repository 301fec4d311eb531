package engine

import (
	"context"
	"time"

	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/repository"
	"github.com/packvault/packvault/internal/restic"
)

// AddKeyOptions configure AddKey.
type AddKeyOptions struct {
	// Password provides the password for the new key.
	Password PasswordSource
	// Username and Hostname are stored with the key, they default to the
	// current user and host.
	Username, Hostname string
}

// KeyInfo describes a key file.
type KeyInfo struct {
	ID       restic.ID
	Current  bool
	Username string
	Hostname string
	Created  time.Time
}

// AddKey adds a key for the master key of the repository.
func (r *Repository) AddKey(ctx context.Context, opts AddKeyOptions) (restic.ID, error) {
	if opts.Password == nil {
		return restic.ID{}, errors.Fatal("no password source for the new key")
	}
	pw, err := opts.Password.ReadPassword(ctx)
	if err != nil {
		return restic.ID{}, err
	}

	lock, ctx, err := r.lock(ctx, false)
	if err != nil {
		return restic.ID{}, err
	}
	defer lock.release()

	id, err := r.addKey(ctx, pw, opts)
	if err != nil {
		return restic.ID{}, err
	}
	r.printer.P("saved new key with ID %s\n", id)
	return id, nil
}

func (r *Repository) addKey(ctx context.Context, pw string, opts AddKeyOptions) (restic.ID, error) {
	key, err := repository.AddKey(ctx, r.repo, pw, opts.Username, opts.Hostname, r.repo.Key())
	if err != nil {
		return restic.ID{}, errors.Fatalf("creating new key failed: %v", err)
	}
	return key.ID(), nil
}

// ChangePassword replaces the current key with a new one protected by a new
// password. It returns the ID of the new key.
func (r *Repository) ChangePassword(ctx context.Context, opts AddKeyOptions) (restic.ID, error) {
	if opts.Password == nil {
		return restic.ID{}, errors.Fatal("no password source for the new key")
	}
	pw, err := opts.Password.ReadPassword(ctx)
	if err != nil {
		return restic.ID{}, err
	}

	lock, ctx, err := r.lock(ctx, true)
	if err != nil {
		return restic.ID{}, err
	}
	defer lock.release()

	oldID := r.repo.KeyID()
	id, err := r.addKey(ctx, pw, opts)
	if err != nil {
		return restic.ID{}, err
	}

	// switch to the new key so that the old one is no longer in use
	if err := r.repo.SearchKey(ctx, pw, 0, id.String()); err != nil {
		return restic.ID{}, err
	}
	if err := repository.RemoveKey(ctx, r.repo, oldID); err != nil {
		return restic.ID{}, err
	}

	r.printer.P("saved new key as %s\n", id)
	return id, nil
}

// RemoveKey removes the key with the given ID or unique ID prefix. The key
// used to open the repository cannot be removed.
func (r *Repository) RemoveKey(ctx context.Context, keyID string) error {
	lock, ctx, err := r.lock(ctx, true)
	if err != nil {
		return err
	}
	defer lock.release()

	id, err := restic.Find(ctx, r.repo, restic.KeyFile, keyID)
	if err != nil {
		return errors.Fatalf("key %q: %v", keyID, err)
	}
	if err := repository.RemoveKey(ctx, r.repo, id); err != nil {
		return err
	}
	r.printer.P("removed key %v\n", id)
	return nil
}

// ListKeys returns all keys sorted by creation time.
func (r *Repository) ListKeys(ctx context.Context) ([]KeyInfo, error) {
	lock, ctx, err := r.lock(ctx, false)
	if err != nil {
		return nil, err
	}
	defer lock.release()

	keys, err := repository.ListKeys(ctx, r.repo, func(id restic.ID, err error) {
		r.printer.E("LoadKey() failed for %v: %v\n", id.Str(), err)
	})
	if err != nil {
		return nil, err
	}

	infos := make([]KeyInfo, 0, len(keys))
	for _, k := range keys {
		infos = append(infos, KeyInfo{
			ID:       k.ID(),
			Current:  k.ID() == r.repo.KeyID(),
			Username: k.Username,
			Hostname: k.Hostname,
			Created:  k.Created,
		})
	}
	return infos, nil
}
