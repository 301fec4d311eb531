package restorer

import (
	"sync"
)

// HardlinkKey identifies an inode on a specific device.
type HardlinkKey struct {
	Inode, Device uint64
}

// HardlinkIndex maps the inodes of restored files to a value, usually the
// location of the first restored link. It is safe for concurrent use.
type HardlinkIndex[T any] struct {
	m     sync.Mutex
	Index map[HardlinkKey]T
}

// NewHardlinkIndex returns an empty index.
func NewHardlinkIndex[T any]() *HardlinkIndex[T] {
	return &HardlinkIndex[T]{
		Index: make(map[HardlinkKey]T),
	}
}

// Has checks whether the inode is already part of the index.
func (idx *HardlinkIndex[T]) Has(inode uint64, device uint64) bool {
	idx.m.Lock()
	defer idx.m.Unlock()
	_, ok := idx.Index[HardlinkKey{inode, device}]
	return ok
}

// Add records value for the inode, an existing entry is kept.
func (idx *HardlinkIndex[T]) Add(inode uint64, device uint64, value T) {
	idx.m.Lock()
	defer idx.m.Unlock()
	key := HardlinkKey{inode, device}
	if _, ok := idx.Index[key]; !ok {
		idx.Index[key] = value
	}
}

// Value returns the value for the inode, or the zero value.
func (idx *HardlinkIndex[T]) Value(inode uint64, device uint64) T {
	idx.m.Lock()
	defer idx.m.Unlock()
	return idx.Index[HardlinkKey{inode, device}]
}
