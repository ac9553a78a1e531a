package iftable

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"
	apierrors "k8s.io/apimachinery/pkg/util/errors"
)

// BPFTable is a Table backed by a kernel BPF_MAP_TYPE_HASH map with u32 keys and u8 values. The kernel
// map provides lock-free lookups for the attached programs while userspace mutates it.
type BPFTable struct {
	m *ebpf.Map
}

// NewBPFTable wraps an already created or pinned hash map.
func NewBPFTable(m *ebpf.Map) (*BPFTable, error) {
	if m == nil {
		return nil, fmt.Errorf("nil interface map")
	}
	if m.Type() != ebpf.Hash {
		return nil, fmt.Errorf("interface map %s has type %s, expected %s", m, m.Type(), ebpf.Hash)
	}
	if m.KeySize() != 4 || m.ValueSize() != 1 {
		return nil, fmt.Errorf("interface map %s has key/value size %d/%d, expected 4/1", m, m.KeySize(), m.ValueSize())
	}
	return &BPFTable{m: m}, nil
}

// Contains implements Reader.
func (t *BPFTable) Contains(ifindex uint32) bool {
	var marker uint8
	return t.m.Lookup(ifindex, &marker) == nil
}

// Insert implements Writer. A full kernel map answers E2BIG, which is reported as ErrTableFull.
func (t *BPFTable) Insert(ifindex uint32) error {
	err := t.m.Update(ifindex, presenceMarker, ebpf.UpdateNoExist)
	switch {
	case err == nil, errors.Is(err, ebpf.ErrKeyExist):
		return nil
	case errors.Is(err, unix.E2BIG):
		return fmt.Errorf("inserting interface index %d: %w", ifindex, ErrTableFull)
	default:
		return fmt.Errorf("inserting interface index %d into eBPF map: %w", ifindex, err)
	}
}

// Remove implements Writer.
func (t *BPFTable) Remove(ifindex uint32) error {
	if err := t.m.Delete(ifindex); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return fmt.Errorf("deleting interface index %d from eBPF map: %w", ifindex, err)
	}
	return nil
}

// Clear implements Writer. Keys are collected first since deleting while iterating a hash map may
// restart the iteration.
func (t *BPFTable) Clear() error {
	keys, err := t.List()
	if err != nil {
		return err
	}
	var errs []error
	for _, key := range keys {
		if err := t.Remove(key); err != nil {
			errs = append(errs, err)
		}
	}
	return apierrors.NewAggregate(errs)
}

// Len implements Table.
func (t *BPFTable) Len() (int, error) {
	keys, err := t.List()
	return len(keys), err
}

// List implements Table.
func (t *BPFTable) List() ([]uint32, error) {
	var (
		key    uint32
		marker uint8
		keys   []uint32
	)
	iter := t.m.Iterate()
	for iter.Next(&key, &marker) {
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("iterating eBPF map: %w", err)
	}
	return sortIndices(keys), nil
}

// Capacity implements Table.
func (t *BPFTable) Capacity() int {
	return int(t.m.MaxEntries())
}
