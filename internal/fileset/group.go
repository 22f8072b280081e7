package fileset

import (
	"fmt"

	"github.com/aalhour/tsdbengine/internal/compression"
	"github.com/aalhour/tsdbengine/internal/encoding"
	"github.com/aalhour/tsdbengine/internal/vfs"
)

// Group is one time partition's on-disk file triple: head (index +
// info regions), data (immutable blocks written once per commit), and
// last (the mutable tail block rewritten by every commit that appends
// to an already-committed table).
type Group struct {
	fs  vfs.FS
	dir string
	fid int64

	maxTables int
	idx       []SCompIdx // dense, len == maxTables
}

func headName(dir string, fid int64) string { return fmt.Sprintf("%s/%020d.head", dir, fid) }
func dataName(dir string, fid int64) string { return fmt.Sprintf("%s/%020d.data", dir, fid) }
func lastName(dir string, fid int64) string { return fmt.Sprintf("%s/%020d.last", dir, fid) }

// Create initializes a brand-new, empty file group for partition fid.
// maxTables fixes the width of the SCompIdx array for this group's
// lifetime.
func Create(fs vfs.FS, dir string, fid int64, maxTables int) (*Group, error) {
	g := &Group{fs: fs, dir: dir, fid: fid, maxTables: maxTables, idx: make([]SCompIdx, maxTables)}

	head, err := fs.CreateEditable(headName(dir, fid))
	if err != nil {
		return nil, err
	}
	defer head.Close()

	header := make([]byte, TSDBFileHeadSize)
	encoding.EncodeFixed32(header[0:4], fileFormatVersion)
	if _, err := head.Append(header); err != nil {
		return nil, err
	}
	if _, err := head.Append(make([]byte, maxTables*SCompIdxSize)); err != nil {
		return nil, err
	}
	if err := head.Sync(); err != nil {
		return nil, err
	}

	data, err := fs.Create(dataName(dir, fid))
	if err != nil {
		return nil, err
	}
	if err := data.Close(); err != nil {
		return nil, err
	}

	last, err := fs.Create(lastName(dir, fid))
	if err != nil {
		return nil, err
	}
	return g, last.Close()
}

// Open loads an existing file group's index from its .head file.
func Open(fs vfs.FS, dir string, fid int64, maxTables int) (*Group, error) {
	head, err := fs.OpenEditable(headName(dir, fid))
	if err != nil {
		return nil, err
	}
	defer head.Close()

	size, err := head.Size()
	if err != nil {
		return nil, err
	}
	want := int64(TSDBFileHeadSize + maxTables*SCompIdxSize)
	if size < want {
		return nil, ErrCorruptOnDisk
	}

	buf := make([]byte, maxTables*SCompIdxSize)
	if _, err := head.ReadAt(buf, TSDBFileHeadSize); err != nil {
		return nil, err
	}

	g := &Group{fs: fs, dir: dir, fid: fid, maxTables: maxTables, idx: make([]SCompIdx, maxTables)}
	for i := 0; i < maxTables; i++ {
		g.idx[i] = decodeSCompIdx(buf[i*SCompIdxSize : (i+1)*SCompIdxSize])
	}
	return g, nil
}

// IndexFor returns table tid's SCompIdx entry. The zero value means the
// table has no data in this partition.
func (g *Group) IndexFor(tid int) SCompIdx {
	return g.idx[tid]
}

// LoadInfo reads and validates table tid's SCompInfo region from .head.
func (g *Group) LoadInfo(tid int) (*SCompInfo, error) {
	entry := g.idx[tid]
	if entry.Len == 0 {
		return &SCompInfo{}, nil
	}
	head, err := g.fs.OpenEditable(headName(g.dir, g.fid))
	if err != nil {
		return nil, err
	}
	defer head.Close()

	buf := make([]byte, entry.Len)
	if _, err := head.ReadAt(buf, int64(entry.Offset)); err != nil {
		return nil, err
	}
	if InfoChecksum(buf) != entry.Checksum {
		return nil, ErrCorruptOnDisk
	}
	return DecodeSCompInfo(buf)
}

// LoadBlock reads and decodes one physical block's columns from the
// .data or .last file, as indicated by its SCompBlock.Last flag.
func (g *Group) LoadBlock(b SCompBlock) (uid uint64, cols [][]byte, err error) {
	name := dataName(g.dir, g.fid)
	if b.Last {
		name = lastName(g.dir, g.fid)
	}
	f, err := g.fs.OpenRandomAccess(name)
	if err != nil {
		return 0, nil, err
	}
	defer f.Close()

	buf := make([]byte, b.Len)
	if _, err := f.ReadAt(buf, int64(b.Offset)); err != nil {
		return 0, nil, err
	}
	return DecodeBlock(buf)
}

// WriteResult carries back where a freshly written block or info
// region landed, so the caller can assemble the updated SCompIdx entry.
type WriteResult struct {
	Offset uint64
	Len    uint32
}

// AppendDataBlock compresses and appends one block of columns to the
// immutable .data file, returning its physical location.
func (g *Group) AppendDataBlock(uid uint64, cols [][]byte, algo compression.Type) (WriteResult, error) {
	return g.appendBlockTo(dataName(g.dir, g.fid), uid, cols, algo)
}

// RewriteLastBlock appends a table's fresh tail block to the shared
// .last file. .last holds at most one tail block per table, so this
// logically replaces that table's previous tail — its SCompIdx entry
// is repointed at the new block by the caller's Rewrite.WriteInfo call — but
// physically appends rather than truncating, since .last is shared
// across every table in the file group: other tables' already-committed
// tail blocks live earlier in the same file and must survive. The old
// bytes become unreferenced garbage, exactly like a superseded .data
// block; a size-triggered rollover onto a fresh .last file is not
// implemented here (see DESIGN.md).
func (g *Group) RewriteLastBlock(uid uint64, cols [][]byte, algo compression.Type) (WriteResult, error) {
	return g.appendBlockTo(lastName(g.dir, g.fid), uid, cols, algo)
}

func (g *Group) appendBlockTo(name string, uid uint64, cols [][]byte, algo compression.Type) (WriteResult, error) {
	f, err := g.fs.OpenEditable(name)
	if err != nil {
		return WriteResult{}, err
	}
	defer f.Close()

	block, err := EncodeBlock(uid, cols, algo)
	if err != nil {
		return WriteResult{}, err
	}
	off, err := f.Append(block)
	if err != nil {
		return WriteResult{}, err
	}
	if err := f.Sync(); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{Offset: uint64(off), Len: uint32(len(block))}, nil
}

// FID returns the partition identifier this group covers.
func (g *Group) FID() int64 { return g.fid }
