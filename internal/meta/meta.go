// Package meta implements the table registry: a dense array mapping
// `tid` to a TableHandle carrying schema, active memtable, and frozen
// memtable.
package meta

import (
	"errors"
	"sync"

	"github.com/aalhour/tsdbengine/internal/arena"
	"github.com/aalhour/tsdbengine/internal/memtable"
	"github.com/aalhour/tsdbengine/internal/schema"
)

// TableType distinguishes the two table variants. Both share the same
// memtable path; only the tag differs, modeled as a tagged sum rather
// than an inheritance hierarchy.
type TableType uint8

const (
	// Normal is a standalone table.
	Normal TableType = iota
	// Child is a table logically grouped under a parent (e.g. a
	// sub-metric of a composite sensor); it carries no behavioral
	// difference in this engine's core, only registry metadata.
	Child
)

func (t TableType) String() string {
	switch t {
	case Normal:
		return "NORMAL"
	case Child:
		return "CHILD"
	default:
		return "UNKNOWN"
	}
}

// Sentinel errors for this layer's failure modes.
var (
	ErrTableUnknown     = errors.New("meta: table unknown")
	ErrTableUIDMismatch = errors.New("meta: table uid mismatch")
	ErrTableExists      = errors.New("meta: table already exists at tid")
	ErrOutOfBounds      = errors.New("meta: tid out of bounds")
)

// Config describes a table to be created.
type Config struct {
	UID    uint64
	TID    int32
	Type   TableType
	Schema *schema.Schema
}

// TableHandle is the registry entry for one table: its identity,
// schema, and the active/frozen memtable pair that the write path and
// commit pipeline operate on.
type TableHandle struct {
	UID    uint64
	TID    int32
	Type   TableType
	Schema *schema.Schema

	mu   sync.Mutex
	mem  *memtable.MemTable // active; always non-nil while the slot is occupied
	imem *memtable.MemTable // frozen; nil unless a commit is in flight
}

// Mem returns the table's active memtable, lazily creating a fresh one
// if the previous active generation was frozen and not yet replaced:
// while imem is non-nil, a new mem is created on the next insert.
func (h *TableHandle) Mem(a *arena.Arena) *memtable.MemTable {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mem == nil {
		h.mem = memtable.New(a)
	}
	return h.mem
}

// Freeze swaps mem into imem and clears mem, so the next Mem() call
// lazily creates a fresh active memtable. REQUIRES: called under the
// repository mutex.
func (h *TableHandle) Freeze() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.imem = h.mem
	h.mem = nil
}

// Imem returns the frozen memtable, or nil if none is pending commit.
func (h *TableHandle) Imem() *memtable.MemTable {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.imem
}

// ClearImem drops the reference to the frozen memtable after a
// successful commit publishes its results.
func (h *TableHandle) ClearImem() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.imem = nil
}

// Meta is the sparse `tables[0..maxTables)` registry.
type Meta struct {
	mu        sync.RWMutex
	maxTables int32
	tables    []*TableHandle // dense array, index == tid; nil == unoccupied
}

// New creates an empty registry sized for maxTables.
func New(maxTables int32) *Meta {
	return &Meta{maxTables: maxTables, tables: make([]*TableHandle, maxTables)}
}

// Create validates the table type and tid range, binds schema, and
// installs the handle at tid. Returns ErrOutOfBounds if tid is outside
// [0, maxTables), ErrTableExists if the slot is already occupied.
func (m *Meta) Create(cfg Config) (*TableHandle, error) {
	if cfg.TID < 0 || cfg.TID >= m.maxTables {
		return nil, ErrOutOfBounds
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tables[cfg.TID] != nil {
		return nil, ErrTableExists
	}
	h := &TableHandle{UID: cfg.UID, TID: cfg.TID, Type: cfg.Type, Schema: cfg.Schema}
	m.tables[cfg.TID] = h
	return h, nil
}

// Drop frees the handle and tombstones the slot.
func (m *Meta) Drop(tid int32) error {
	if tid < 0 || tid >= m.maxTables {
		return ErrOutOfBounds
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tables[tid] == nil {
		return ErrTableUnknown
	}
	m.tables[tid] = nil
	return nil
}

// ValidateForInsert returns the handle iff tid is in range, the slot is
// occupied, and uid matches.
func (m *Meta) ValidateForInsert(uid uint64, tid int32) (*TableHandle, error) {
	if tid < 0 || tid >= m.maxTables {
		return nil, ErrOutOfBounds
	}
	m.mu.RLock()
	h := m.tables[tid]
	m.mu.RUnlock()
	if h == nil {
		return nil, ErrTableUnknown
	}
	if h.UID != uid {
		return nil, ErrTableUIDMismatch
	}
	return h, nil
}

// Get returns the handle at tid without validating uid, or nil if the
// slot is unoccupied. Used by the AlterTable and GetMeta callers that
// already know the tid.
func (m *Meta) Get(tid int32) *TableHandle {
	if tid < 0 || tid >= m.maxTables {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tables[tid]
}

// ForEach calls fn for every occupied slot, tid ascending. Used by the
// commit pipeline's per-table partition loop.
func (m *Meta) ForEach(fn func(*TableHandle)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, h := range m.tables {
		if h != nil {
			fn(h)
		}
	}
}

// MaxTables returns the configured dense tid space width.
func (m *Meta) MaxTables() int32 { return m.maxTables }

// Count returns the number of occupied slots.
func (m *Meta) Count() int32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int32
	for _, h := range m.tables {
		if h != nil {
			n++
		}
	}
	return n
}
