// Package iftable holds the membership table consulted by the interface filter. The table maps
// interface indices to a presence marker; only the presence of a key carries meaning.
package iftable

import (
	"errors"
	"sort"
)

const (
	// MaxEntries is the default capacity of a membership table.
	MaxEntries = 4096
	// presenceMarker is the value stored for every key. It is never read back.
	presenceMarker uint8 = 0
)

// ErrTableFull is returned by Insert when the table already holds Capacity distinct keys.
var ErrTableFull = errors.New("interface table is full")

// Reader is the read side of the table as seen by the packet path. Contains never fails: anything that
// prevents a lookup from finding the key is reported as absence.
type Reader interface {
	Contains(ifindex uint32) bool
}

// Writer is the mutation side of the table. It is only used by the controller, never by the filter.
type Writer interface {
	// Insert adds ifindex. Inserting a key that is already present is a no-op.
	Insert(ifindex uint32) error
	// Remove deletes ifindex. Removing an absent key is a no-op.
	Remove(ifindex uint32) error
	// Clear removes every key.
	Clear() error
}

// Table combines both sides with some introspection used by the daemon, the CLI and the metrics.
type Table interface {
	Reader
	Writer
	Len() (int, error)
	List() ([]uint32, error)
	Capacity() int
}

func sortIndices(indices []uint32) []uint32 {
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	return indices
}
