package repository

import (
	"bytes"
	"context"
	"math/rand/v2"
	"sync"

	"github.com/minio/sha256-simd"

	"github.com/packvault/packvault/internal/backend"
	"github.com/packvault/packvault/internal/crypto"
	"github.com/packvault/packvault/internal/debug"
	"github.com/packvault/packvault/internal/errors"
	"github.com/packvault/packvault/internal/repository/hashing"
	"github.com/packvault/packvault/internal/repository/pack"
	"github.com/packvault/packvault/internal/restic"
)

const defaultPackerCount = 2

// packer is a pack file being assembled in memory. The hashing writer
// computes the pack ID while the blobs are appended.
type packer struct {
	*pack.Packer
	buf *bytes.Buffer
	hw  *hashing.Writer
}

func newPacker(key *crypto.Key, capacity uint) *packer {
	buf := bytes.NewBuffer(make([]byte, 0, capacity))
	hw := hashing.NewWriter(buf, sha256.New())
	return &packer{Packer: pack.NewPacker(key, hw), buf: buf, hw: hw}
}

// absorb appends all blobs of other to p.
func (p *packer) absorb(other *packer) error {
	raw := other.buf.Bytes()
	for _, b := range other.Blobs() {
		if _, err := p.Add(b.Type, b.ID, raw[b.Offset:b.Offset+b.Length], int(b.UncompressedLength)); err != nil {
			return err
		}
	}
	return nil
}

type queueFunc func(ctx context.Context, t restic.BlobType, p *packer) error

// packerManager spreads the blobs of one type over a few open packs and
// hands full packs to queue.
type packerManager struct {
	tpe      restic.BlobType
	key      *crypto.Key
	packSize uint
	queue    queueFunc

	mu   sync.Mutex
	open []*packer
}

func newPackerManager(key *crypto.Key, tpe restic.BlobType, packSize uint, packerCount int, queue queueFunc) *packerManager {
	return &packerManager{
		tpe:      tpe,
		key:      key,
		packSize: packSize,
		queue:    queue,
		open:     make([]*packer, packerCount),
	}
}

// slot returns the open packer a blob of length n goes into. Blobs are
// spread randomly so the pack boundaries do not reveal where a file was
// chunked. A blob of at least packSize bytes gets a pack of its own, which
// is returned with slot -1.
func (m *packerManager) slot(n int) (*packer, int) {
	if n >= int(m.packSize) {
		return newPacker(m.key, m.packSize/4), -1
	}
	i := rand.IntN(len(m.open))
	if m.open[i] == nil {
		debug.Log("create new pack")
		m.open[i] = newPacker(m.key, m.packSize/4)
	}
	return m.open[i], i
}

// SaveBlob adds the encrypted blob to an open pack and queues the pack once it
// is full. The returned size includes the pack header when a pack was queued.
func (m *packerManager) SaveBlob(ctx context.Context, t restic.BlobType, id restic.ID, ciphertext []byte, uncompressedLength int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, i := m.slot(len(ciphertext))
	size, err := p.Add(t, id, ciphertext, uncompressedLength)
	if err != nil {
		return 0, err
	}
	if p.Size() < m.packSize && !p.HeaderFull() {
		return size, nil
	}

	if i >= 0 {
		m.open[i] = nil
	}
	// queue while holding the lock so busy uploaders throttle new packs
	if err := m.queue(ctx, t, p); err != nil {
		return 0, err
	}
	return size + pack.CalculateHeaderSize(p.Blobs()), nil
}

// takeOpen removes all open packers. Small packers are combined as long as
// the result stays below packSize, so a small file is not spread over
// several tiny packs.
func (m *packerManager) takeOpen() ([]*packer, error) {
	var done []*packer
	var cur *packer
	for i, p := range m.open {
		if p == nil {
			continue
		}
		m.open[i] = nil

		switch {
		case cur == nil:
			cur = p
		case cur.Size()+p.Size() < m.packSize:
			if err := cur.absorb(p); err != nil {
				return nil, err
			}
		default:
			done = append(done, cur)
			cur = p
		}
	}
	if cur != nil {
		done = append(done, cur)
	}
	return done, nil
}

// Flush queues all open packs.
func (m *packerManager) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, err := m.takeOpen()
	if err != nil {
		return err
	}
	for _, p := range pending {
		debug.Log("flushing pending %v pack with %d blobs", m.tpe, p.Count())
		if err := m.queue(ctx, m.tpe, p); err != nil {
			return err
		}
	}
	return nil
}

// discard drops all open packs and passes their blobs to forget.
func (m *packerManager) discard(forget func([]restic.Blob)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.open {
		if p != nil {
			forget(p.Blobs())
			m.open[i] = nil
		}
	}
}

// savePacker uploads p. Its blobs only enter the index once the upload
// succeeded, on failure they are dropped from the pending set.
func (r *Repository) savePacker(ctx context.Context, t restic.BlobType, p *packer) error {
	debug.Log("save %v pack with %d blobs (%d bytes)", t, p.Count(), p.Size())
	if err := p.Finalize(); err != nil {
		r.forgetPending(p.Blobs())
		return err
	}

	id := restic.IDFromHash(p.hw.Sum(nil))
	h := backend.Handle{Type: restic.PackFile, Name: id.String(), IsMetadata: t == restic.TreeBlob}
	if err := r.be.Save(ctx, h, backend.NewByteReader(p.buf.Bytes(), r.be.Hasher())); err != nil {
		debug.Log("Save(%v) error: %v", h, err)
		r.forgetPending(p.Blobs())
		return errors.Wrapf(err, "save pack %v", id.Str())
	}

	r.idx.StorePack(id, p.Blobs())
	if r.noAutoIndexUpdate {
		return nil
	}
	return r.idx.SaveFullIndex(ctx, r)
}

func (r *Repository) forgetPending(blobs []restic.Blob) {
	for _, b := range blobs {
		r.idx.RemovePending(b.BlobHandle)
	}
}
