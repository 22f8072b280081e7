// Package memtable implements the per-table in-memory ordered structure
// that buffers incoming rows before they are committed to disk.
//
// The SkipList in skiplist.go is agnostic to what a "key" is: it works
// over opaque []byte with a pluggable Comparator. MemTable supplies a
// comparator over an 8-byte big-endian TSKEY prefix and stores a single
// row payload per key, since last-writer-wins semantics need no
// multi-version trailer at all.
package memtable

import (
	"encoding/binary"
	"sync"

	"github.com/aalhour/tsdbengine/internal/arena"
)

// entry is what's actually stored in the skiplist: an 8-byte big-endian
// timestamp prefix (so byte comparison orders by TSKEY) followed by the
// row payload produced by schema.Encode (which itself starts with the
// same timestamp, little-endian, for the row decoder's benefit).
//
// Keeping the ordering prefix separate from the payload's own encoding
// avoids coupling the skiplist's comparator to the row codec.
const keyPrefixLen = 8

// tskeySignBit is XORed into the timestamp before it is written as the
// big-endian prefix, and XORed back out on read. TSKEY is signed;
// flipping the sign bit maps int64 order onto unsigned byte-lexicographic
// order, so negative timestamps sort before non-negative ones under
// compareEntries instead of after them.
const tskeySignBit = uint64(1) << 63

// Comparator orders entries by their big-endian TSKEY prefix.
func compareEntries(a, b []byte) int {
	ka := a[:keyPrefixLen]
	kb := b[:keyPrefixLen]
	switch {
	case string(ka) < string(kb):
		return -1
	case string(ka) > string(kb):
		return 1
	default:
		return 0
	}
}

// MemTable is the per-table ordered set of rows pending commit.
// Contains rows for exactly one (uid, tid). Duplicate timestamps replace
// the prior value (last-writer-wins at insert).
type MemTable struct {
	mu sync.Mutex

	list  *SkipList
	arena *arena.Arena

	keyFirst    int64
	keyLast     int64
	numOfPoints int64
	hasData     bool
}

// New creates an empty MemTable backed by the given arena.
func New(a *arena.Arena) *MemTable {
	return &MemTable{
		list:  NewSkipList(compareEntries),
		arena: a,
	}
}

// Insert adds or overwrites the row at the given timestamp. payload is
// the schema-encoded row body (schema.Encode's output); Insert copies it
// into arena-backed memory so the caller's buffer can be reused.
//
// Tie-break: an existing entry with the same timestamp is replaced in
// place — this is an update, never a duplicate insert.
func (mt *MemTable) Insert(ts int64, payload []byte) error {
	entry, err := mt.arena.Allocate(keyPrefixLen + len(payload))
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint64(entry[:keyPrefixLen], uint64(ts)^tskeySignBit)
	copy(entry[keyPrefixLen:], payload)

	mt.mu.Lock()
	defer mt.mu.Unlock()

	mt.list.InsertOrReplace(entry)

	if !mt.hasData {
		mt.keyFirst, mt.keyLast = ts, ts
		mt.hasData = true
		mt.numOfPoints = 1
		return nil
	}
	if ts < mt.keyFirst {
		mt.keyFirst = ts
	}
	if ts > mt.keyLast {
		mt.keyLast = ts
	}
	// numOfPoints only grows on a true insert, not on an overwrite;
	// SkipList.InsertOrReplace reports which one happened.
	if mt.list.lastInsertWasNew {
		mt.numOfPoints++
	}
	return nil
}

// KeyFirst, KeyLast and NumOfPoints report the memtable's tracked bounds.
func (mt *MemTable) KeyFirst() int64 {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.keyFirst
}

func (mt *MemTable) KeyLast() int64 {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.keyLast
}

func (mt *MemTable) NumOfPoints() int64 {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.numOfPoints
}

func (mt *MemTable) IsEmpty() bool {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return !mt.hasData
}

// Cursor is a forward-only ordered iterator over the memtable's rows,
// positioned by timestamp. It is safe to use without holding mt.mu:
// once frozen, a memtable is never mutated again, so concurrent
// unsynchronized reads are sound exactly as the underlying SkipList's
// doc comment promises.
type Cursor struct {
	it *Iterator
}

// NewCursor returns a cursor positioned before the first row.
func (mt *MemTable) NewCursor() *Cursor {
	return &Cursor{it: mt.list.NewIterator()}
}

// SeekToFirst positions the cursor at the first row.
func (c *Cursor) SeekToFirst() { c.it.SeekToFirst() }

// Seek positions the cursor at the first row with timestamp >= ts.
func (c *Cursor) Seek(ts int64) {
	var key [keyPrefixLen]byte
	binary.BigEndian.PutUint64(key[:], uint64(ts)^tskeySignBit)
	c.it.Seek(key[:])
}

// Valid reports whether the cursor is positioned at a row.
func (c *Cursor) Valid() bool { return c.it.Valid() }

// Next advances the cursor.
func (c *Cursor) Next() { c.it.Next() }

// Timestamp returns the current row's timestamp.
func (c *Cursor) Timestamp() int64 {
	return int64(binary.BigEndian.Uint64(c.it.Key()[:keyPrefixLen]) ^ tskeySignBit)
}

// Payload returns the current row's schema-encoded body.
func (c *Cursor) Payload() []byte {
	return c.it.Key()[keyPrefixLen:]
}
