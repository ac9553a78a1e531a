package iftable

import (
	"fmt"
	"sync"
	"sync/atomic"

	"k8s.io/apimachinery/pkg/util/sets"
)

// MemTable is an in-process Table. Readers load an immutable snapshot and never block; writers are
// serialized and publish a new snapshot on every mutation, so a lookup racing a write observes either
// the old or the new state.
type MemTable struct {
	capacity int
	mu       sync.Mutex
	snapshot atomic.Pointer[sets.Set[uint32]]
}

// NewMemTable returns an empty table holding at most capacity keys.
func NewMemTable(capacity int) (*MemTable, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("invalid table capacity %d", capacity)
	}
	t := &MemTable{capacity: capacity}
	empty := sets.New[uint32]()
	t.snapshot.Store(&empty)
	return t, nil
}

func (t *MemTable) load() sets.Set[uint32] {
	return *t.snapshot.Load()
}

// Contains implements Reader.
func (t *MemTable) Contains(ifindex uint32) bool {
	return t.load().Has(ifindex)
}

// Insert implements Writer.
func (t *MemTable) Insert(ifindex uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.load()
	if cur.Has(ifindex) {
		return nil
	}
	if cur.Len() >= t.capacity {
		return fmt.Errorf("inserting interface index %d: %w", ifindex, ErrTableFull)
	}
	next := cur.Clone().Insert(ifindex)
	t.snapshot.Store(&next)
	return nil
}

// Remove implements Writer.
func (t *MemTable) Remove(ifindex uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.load()
	if !cur.Has(ifindex) {
		return nil
	}
	next := cur.Clone().Delete(ifindex)
	t.snapshot.Store(&next)
	return nil
}

// Clear implements Writer.
func (t *MemTable) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	empty := sets.New[uint32]()
	t.snapshot.Store(&empty)
	return nil
}

// Len returns the number of keys in the current snapshot.
func (t *MemTable) Len() (int, error) {
	return t.load().Len(), nil
}

// List returns the keys of the current snapshot in ascending order.
func (t *MemTable) List() ([]uint32, error) {
	return sortIndices(t.load().UnsortedList()), nil
}

// Capacity returns the maximum number of keys.
func (t *MemTable) Capacity() int {
	return t.capacity
}
