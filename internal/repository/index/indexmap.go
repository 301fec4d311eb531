package index

import (
	"hash/maphash"

	"github.com/packvault/packvault/internal/restic"
)

// An indexMap is a chained hash table that maps blob IDs to indexEntries.
// It allows storing multiple entries with the same key and does not support
// deletions.
//
// Buckets only hold positions in an append-only block list, so growing the
// table reallocates a slice of integers instead of all entries.
type indexMap struct {
	// The number of buckets is always a power of two and never zero.
	buckets    []uint
	numentries uint

	seed maphash.Seed

	blocks blockList
}

const (
	maxLoad = 4 // Max. number of entries per bucket.
)

type indexEntry struct {
	id                 restic.ID
	next               uint // position of the next entry in the chain, zero ends it
	packIndex          int  // Position in containing Index's packs field.
	offset             uint32
	length             uint32
	uncompressedLength uint32
}

// add inserts an indexEntry for the given arguments into the map,
// using id as the key.
func (m *indexMap) add(id restic.ID, packIdx int, offset, length uint32, uncompressedLength uint32) {
	m.grow(m.numentries + 1)

	h := m.hash(id)
	e, pos := m.blocks.alloc()
	e.id = id
	e.next = m.buckets[h] // Prepend to existing chain.
	e.packIndex = packIdx
	e.offset = offset
	e.length = length
	e.uncompressedLength = uncompressedLength

	m.buckets[h] = pos
	m.numentries++
}

// foreach calls fn for all entries in the map, until fn returns false.
func (m *indexMap) foreach(fn func(*indexEntry) bool) {
	for i := uint(1); i < m.blocks.size; i++ {
		if !fn(m.blocks.ref(i)) {
			return
		}
	}
}

// foreachWithID calls fn for all entries with the given id, until fn
// returns false.
func (m *indexMap) foreachWithID(id restic.ID, fn func(*indexEntry)) {
	if len(m.buckets) == 0 {
		return
	}

	for pos := m.buckets[m.hash(id)]; pos != 0; {
		e := m.blocks.ref(pos)
		pos = e.next
		if e.id == id {
			fn(e)
		}
	}
}

// get returns the first entry for the given id.
func (m *indexMap) get(id restic.ID) *indexEntry {
	if len(m.buckets) == 0 {
		return nil
	}

	for pos := m.buckets[m.hash(id)]; pos != 0; {
		e := m.blocks.ref(pos)
		if e.id == id {
			return e
		}
		pos = e.next
	}
	return nil
}

func (m *indexMap) grow(numEntries uint) {
	if len(m.buckets) == 0 {
		m.init()
	}

	newSize := uint(len(m.buckets))
	for newSize < (numEntries+maxLoad-1)/maxLoad {
		newSize *= 2
	}
	if newSize == uint(len(m.buckets)) {
		return
	}

	// rehash all entries into the larger bucket array
	m.buckets = make([]uint, newSize)
	for i := uint(1); i < m.blocks.size; i++ {
		e := m.blocks.ref(i)
		h := m.hash(e.id)
		e.next = m.buckets[h]
		m.buckets[h] = i
	}
}

func (m *indexMap) hash(id restic.ID) uint {
	// maphash with a random seed keeps crafted IDs from degrading the
	// table, only a few bits of the hash select the bucket.
	h := uint(maphash.Bytes(m.seed, id[:]))
	return h & uint(len(m.buckets)-1)
}

func (m *indexMap) init() {
	const initialBuckets = 64
	m.buckets = make([]uint, initialBuckets)
	m.seed = maphash.MakeSeed()
	// position zero terminates chains
	m.blocks.alloc()
}

func (m *indexMap) len() uint { return m.numentries }

// blockList is an append-only list of entries stored in fixed size blocks,
// so entries never move once allocated.
type blockList struct {
	blocks [][]indexEntry
	size   uint
}

const blockSize = 1024

func (b *blockList) alloc() (*indexEntry, uint) {
	pos := b.size
	if pos%blockSize == 0 {
		b.blocks = append(b.blocks, make([]indexEntry, blockSize))
	}
	b.size++
	return &b.blocks[pos/blockSize][pos%blockSize], pos
}

func (b *blockList) ref(pos uint) *indexEntry {
	if pos >= b.size {
		panic("index entry out of bounds")
	}
	return &b.blocks[pos/blockSize][pos%blockSize]
}
