package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"slices"
	"time"

	"github.com/packvault/packvault/internal/backend"
	"github.com/packvault/packvault/internal/crypto"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/restic"
)

var (
	// ErrNoKeyFound is returned when no key for the repository could be decrypted.
	ErrNoKeyFound = errors.WithKind(errors.Fatal("wrong password or no key found"), errors.ErrAuthenticationFailed)

	// ErrMaxKeysReached is returned when the maximum number of keys was checked and no key could be found.
	ErrMaxKeysReached = errors.WithKind(errors.Fatal("maximum number of keys reached"), errors.ErrAuthenticationFailed)
)

// Key represents an encrypted master key for a repository.
type Key struct {
	Created  time.Time `json:"created"`
	Username string    `json:"username"`
	Hostname string    `json:"hostname"`

	KDF  string `json:"kdf"`
	N    int    `json:"N"`
	R    int    `json:"r"`
	P    int    `json:"p"`
	Salt []byte `json:"salt"`
	Data []byte `json:"data"`

	user   *crypto.Key
	master *crypto.Key

	id restic.ID
}

// params are the scrypt parameters for new keys. They are calibrated when
// the first key is added.
var params *crypto.Params

const (
	// KDFTimeout is the runtime the scrypt calibration aims for.
	KDFTimeout = 500 * time.Millisecond

	// KDFMemory is the memory limit in MiB for the calibration.
	KDFMemory = 60

	kdfScrypt = "scrypt"
)

func createMasterKey(ctx context.Context, s *Repository, password string) (*Key, error) {
	return AddKey(ctx, s, password, "", "", nil)
}

// unlock derives the user key from password and decrypts the master key.
// A wrong password yields crypto.ErrUnauthenticated.
func (k *Key) unlock(password string) error {
	if k.KDF != kdfScrypt {
		return errors.New("only supported KDF is scrypt()")
	}

	userKey, err := crypto.KDF(crypto.Params{N: k.N, R: k.R, P: k.P}, k.Salt, password)
	if err != nil {
		return errors.Wrap(err, "crypto.KDF")
	}
	if len(k.Data) < userKey.NonceSize()+userKey.Overhead() {
		return errors.Corruptf("key %v: data too short", k.id.Str())
	}

	nonce, ciphertext := k.Data[:userKey.NonceSize()], k.Data[userKey.NonceSize():]
	plain, err := userKey.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return err
	}

	master := &crypto.Key{}
	if err := json.Unmarshal(plain, master); err != nil {
		debug.Log("Unmarshal() returned error %v", err)
		return errors.WithKind(errors.Wrap(err, "Unmarshal"), errors.ErrCorrupt)
	}
	k.user, k.master = userKey, master
	if !k.Valid() {
		return errors.Corruptf("invalid key for repository")
	}
	return nil
}

// OpenKey loads the key file id and unlocks it with password.
func OpenKey(ctx context.Context, s *Repository, id restic.ID, password string) (*Key, error) {
	k, err := LoadKey(ctx, s, id)
	if err != nil {
		debug.Log("LoadKey(%v) returned error %v", id.Str(), err)
		return nil, err
	}
	if err := k.unlock(password); err != nil {
		return nil, err
	}
	return k, nil
}

// openHinted tries the key matching the id prefix hint.
func openHinted(ctx context.Context, s *Repository, password, hint string) *Key {
	id, err := restic.Find(ctx, s, restic.KeyFile, hint)
	if err != nil {
		debug.Log("could not find hinted key %v: %v", hint, err)
		return nil
	}
	k, err := OpenKey(ctx, s, id, password)
	if err != nil {
		debug.Log("could not open hinted key %v: %v", id.Str(), err)
		return nil
	}
	return k
}

// SearchKey returns the first key that password unlocks. The key named by
// keyHint is tried first. At most maxKeys keys are tried, zero means no
// limit. ErrMaxKeysReached is returned once the limit is hit and
// ErrNoKeyFound when no key matches.
func SearchKey(ctx context.Context, s *Repository, password string, maxKeys int, keyHint string) (*Key, error) {
	if keyHint != "" {
		if k := openHinted(ctx, s, password, keyHint); k != nil {
			return k, nil
		}
	}

	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var found *Key
	tried := 0
	err := s.List(listCtx, restic.KeyFile, func(id restic.ID, _ int64) error {
		tried++
		if maxKeys > 0 && tried > maxKeys {
			return ErrMaxKeysReached
		}

		k, err := OpenKey(ctx, s, id, password)
		switch {
		case errors.Is(err, crypto.ErrUnauthenticated):
			debug.Log("password does not match key %v", id.Str())
			return nil
		case err != nil:
			return err
		}
		debug.Log("opened key %v", id.Str())
		found = k
		cancel()
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return nil, err
	}
	if found == nil {
		// a canceled parent context is not a wrong password
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrNoKeyFound
	}
	return found, nil
}

// LoadKey reads the key file id without unlocking it.
func LoadKey(ctx context.Context, s *Repository, id restic.ID) (*Key, error) {
	buf, err := backend.LoadAll(ctx, nil, s.be, backend.Handle{Type: restic.KeyFile, Name: id.String()})
	if err != nil {
		return nil, errors.Wrapf(err, "load key %v", id.Str())
	}

	k := &Key{id: id}
	if err := json.Unmarshal(buf, k); err != nil {
		return nil, errors.WithKind(errors.Wrap(err, "Unmarshal"), errors.ErrCorrupt)
	}
	return k, nil
}

func kdfParams() (crypto.Params, error) {
	if params == nil {
		p, err := crypto.Calibrate(KDFTimeout, KDFMemory)
		if err != nil {
			return crypto.Params{}, errors.Wrap(err, "Calibrate")
		}
		debug.Log("calibrated KDF parameters are %v", p)
		params = &p
	}
	return *params, nil
}

// owner fills in the current user and host for empty values.
func owner(username, hostname string) (string, string) {
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	if username == "" {
		if u, err := user.Current(); err == nil {
			username = u.Username
		}
	}
	return username, hostname
}

// AddKey stores a new key file protecting master with password. A nil
// master creates a new random master key, as done for a new repository.
func AddKey(ctx context.Context, s *Repository, password, username, hostname string, master *crypto.Key) (*Key, error) {
	p, err := kdfParams()
	if err != nil {
		return nil, err
	}
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, errors.Wrap(err, "NewSalt")
	}
	userKey, err := crypto.KDF(p, salt, password)
	if err != nil {
		return nil, err
	}
	if master == nil {
		master = crypto.NewRandomKey()
	}

	k := &Key{
		Created: time.Now(),
		KDF:     kdfScrypt,
		N:       p.N,
		R:       p.R,
		P:       p.P,
		Salt:    salt,
		user:    userKey,
		master:  master,
	}
	k.Username, k.Hostname = owner(username, hostname)

	plain, err := json.Marshal(master)
	if err != nil {
		return nil, errors.Wrap(err, "Marshal")
	}
	nonce := crypto.NewRandomNonce()
	k.Data = userKey.Seal(append(make([]byte, 0, crypto.CiphertextLength(len(plain))), nonce...), nonce, plain, nil)

	buf, err := json.Marshal(k)
	if err != nil {
		return nil, errors.Wrap(err, "Marshal")
	}
	k.id = restic.Hash(buf)

	h := backend.Handle{Type: restic.KeyFile, Name: k.id.String()}
	if err := s.be.Save(ctx, h, backend.NewByteReader(buf, s.be.Hasher())); err != nil {
		return nil, err
	}
	return k, nil
}

// RemoveKey deletes the key file id. The key the repository was opened with
// cannot be removed.
func RemoveKey(ctx context.Context, repo *Repository, id restic.ID) error {
	if id == repo.KeyID() {
		return errors.Fatal("refusing to remove key currently used to access repository")
	}
	return repo.be.Remove(ctx, backend.Handle{Type: restic.KeyFile, Name: id.String()})
}

// ListKeys loads all key files sorted by creation time. Unreadable keys are
// passed to onError and skipped.
func ListKeys(ctx context.Context, repo *Repository, onError func(id restic.ID, err error)) ([]*Key, error) {
	var keys []*Key
	err := repo.List(ctx, restic.KeyFile, func(id restic.ID, _ int64) error {
		k, err := LoadKey(ctx, repo, id)
		switch {
		case err == nil:
			keys = append(keys, k)
		case onError != nil:
			onError(id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(keys, func(a, b *Key) int { return a.Created.Compare(b.Created) })
	return keys, nil
}

func (k *Key) String() string {
	if k == nil {
		return "<Key nil>"
	}
	return fmt.Sprintf("<Key of %s@%s, created on %s>", k.Username, k.Hostname, k.Created)
}

// ID returns the storage ID of the key file.
func (k Key) ID() restic.ID {
	return k.id
}

// Valid reports whether both the user and the master key are usable.
func (k *Key) Valid() bool {
	return k.user.Valid() && k.master.Valid()
}
