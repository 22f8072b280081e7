// Package arena implements the process-wide memory pool that backs every
// table's memtable skiplist nodes.
//
// Unlike a conventional bump allocator, an Arena here carries two logical
// generations at once: an active one that serves new allocations and, once
// frozen, a read-only one that the commit pipeline drains without locking.
// This mirrors the buffer-bucket design of internal/mempool, extended with
// the freeze/reclaim lifecycle that RocksDB's memory/arena.h describes but
// that a key/value store — whose entries are short-lived individually —
// never needed to implement itself.
package arena

import (
	"errors"
	"sync"
)

// ErrCacheFull is returned when an allocation would exceed the arena's
// configured capacity.
var ErrCacheFull = errors.New("arena: cache full")

// DefaultBlockSize is the size of each backing block.
const DefaultBlockSize = 1 << 20 // 1 MiB

// generation is one logical set of backing blocks. It is never mutated
// concurrently: at any instant it is owned either by allocators (as the
// active generation) or by the committer (as the frozen generation).
type generation struct {
	blocks   [][]byte
	cur      []byte // current block, sliced down as it fills
	used     int64  // bytes handed out, across all blocks
	capacity int64  // blocks allocated so far, in bytes
}

// Arena is the shared memory pool backing every table's memtable.
type Arena struct {
	mu sync.Mutex

	blockSize int
	maxSize   int64

	active *generation
	frozen *generation // nil unless a freeze is outstanding

	freePool sync.Pool // recycled [][]byte block lists, keyed by blockSize
}

// New creates an Arena capped at maxSize bytes, using blockSize-sized
// backing blocks (DefaultBlockSize if blockSize <= 0).
func New(maxSize int64, blockSize int) *Arena {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	a := &Arena{
		blockSize: blockSize,
		maxSize:   maxSize,
		active:    &generation{},
	}
	a.freePool.New = func() any {
		return make([][]byte, 0, 4)
	}
	return a
}

// Allocate returns a contiguous, zeroed region of n bytes from the active
// generation. The returned slice is valid for the lifetime of the
// generation that served it (i.e. until Reclaim runs on whichever
// generation it ends up frozen into).
func (a *Arena) Allocate(n int) ([]byte, error) {
	if n < 0 {
		n = 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	g := a.active
	if g.used+int64(n) > a.maxSize {
		return nil, ErrCacheFull
	}
	if len(g.cur) < n {
		blockSize := a.blockSize
		if n > blockSize {
			blockSize = n
		}
		if g.capacity+int64(blockSize) > a.maxSize && g.used+int64(n) > a.maxSize {
			return nil, ErrCacheFull
		}
		block := a.newBlock(blockSize)
		g.blocks = append(g.blocks, block)
		g.cur = block
		g.capacity += int64(blockSize)
	}
	out := g.cur[:n:n]
	g.cur = g.cur[n:]
	g.used += int64(n)
	return out, nil
}

// newBlock returns a block from the free pool if one is large enough,
// otherwise allocates fresh.
func (a *Arena) newBlock(size int) []byte {
	if recycled, ok := a.freePool.Get().([][]byte); ok && len(recycled) > 0 {
		last := recycled[len(recycled)-1]
		if cap(last) >= size {
			a.freePool.Put(recycled[:len(recycled)-1])
			block := last[:size]
			clear(block)
			return block
		}
		a.freePool.Put(recycled)
	}
	return make([]byte, size)
}

// Freeze seals the active generation as frozen and starts a fresh active
// generation. O(1): it only swaps pointers. Freeze must not be called
// while a prior frozen generation is still outstanding (the caller — the
// repository — enforces this with its own mutex and commit flag).
func (a *Arena) Freeze() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frozen = a.active
	a.active = &generation{}
}

// HasFrozen reports whether a frozen generation is outstanding.
func (a *Arena) HasFrozen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frozen != nil
}

// Reclaim returns the frozen generation's blocks to the free pool (not to
// the OS, so warm capacity is preserved) and clears the frozen pointer.
// Called by the commit pipeline after a successful publish.
func (a *Arena) Reclaim() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frozen == nil {
		return
	}
	blocks := a.frozen.blocks
	a.frozen = nil
	if len(blocks) == 0 {
		return
	}
	for i := range blocks {
		blocks[i] = blocks[i][:0]
	}
	a.freePool.Put(blocks)
}

// ActiveUsage returns the bytes handed out by the active generation.
func (a *Arena) ActiveUsage() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active.used
}

// MaxSize returns the configured capacity.
func (a *Arena) MaxSize() int64 {
	return a.maxSize
}
