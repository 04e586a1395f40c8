package fdtable

import (
	"maps"
	"strconv"

	"github.com/kubescape/provenance-agent/pkg/provenance/artifact"
)

// Mode records how a descriptor was opened.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeRead
	ModeWrite
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	}
	return "unknown"
}

// Descriptor is one entry of a descriptor table. It is copied by value, so
// duplicated descriptors evolve independently.
type Descriptor struct {
	ID   artifact.Identifier
	Mode Mode
}

// Table maps descriptor numbers to descriptors for one process (or one
// thread group sharing its files).
type Table struct {
	entries map[int64]Descriptor
}

func New() *Table {
	return &Table{entries: make(map[int64]Descriptor)}
}

func (t *Table) Set(fd int64, d Descriptor) {
	t.entries[fd] = d
}

func (t *Table) Get(fd int64) (Descriptor, bool) {
	d, ok := t.entries[fd]
	return d, ok
}

func (t *Table) Remove(fd int64) (Descriptor, bool) {
	d, ok := t.entries[fd]
	if ok {
		delete(t.entries, fd)
	}
	return d, ok
}

// SetMode changes the open mode of an existing descriptor.
func (t *Table) SetMode(fd int64, mode Mode) bool {
	d, ok := t.entries[fd]
	if !ok {
		return false
	}
	d.Mode = mode
	t.entries[fd] = d
	return true
}

// Clone returns an independent copy of the table.
func (t *Table) Clone() *Table {
	return &Table{entries: maps.Clone(t.entries)}
}

func (t *Table) Clear() {
	clear(t.entries)
}

func (t *Table) Len() int {
	return len(t.entries)
}

// Equal compares two tables by value.
func (t *Table) Equal(other *Table) bool {
	return maps.Equal(t.entries, other.entries)
}

// FormatFD renders a descriptor number for annotations and identifiers.
func FormatFD(fd int64) string {
	return strconv.FormatInt(fd, 10)
}
