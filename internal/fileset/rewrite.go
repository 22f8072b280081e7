package fileset

import (
	"github.com/aalhour/tsdbengine/internal/encoding"
	"github.com/aalhour/tsdbengine/internal/vfs"
)

// headTmpName is the staging name a head rewrite writes into before
// being published by a single rename, mirroring the repository's own
// CONFIG rewrite discipline (see config.go's writeConfig).
func headTmpName(dir string, fid int64) string { return headName(dir, fid) + ".new" }

// Rewrite drives one partition's .head rewrite: every table's entry is
// either carried forward bytewise from the live .head or replaced with
// freshly written data, all landing in a temp file that is rename'd
// over the live .head only once, as the final step of Commit. A crash
// at any point before that rename leaves the live .head — and
// therefore every table in the partition, not just the ones a given
// commit happened to touch first — exactly as it was before the
// commit started.
type Rewrite struct {
	g       *Group
	oldHead vfs.EditableFile
	newHead vfs.EditableFile
	tmpPath string
	idx     []SCompIdx
	touched []bool
	pending map[int]*SCompInfo
}

// BeginRewrite opens the group's current .head for carry-forward reads
// and creates a fresh temp .head, pre-zeroed exactly like Create's
// initial layout, to receive every table's entry for this commit.
func (g *Group) BeginRewrite() (*Rewrite, error) {
	oldHead, err := g.fs.OpenEditable(headName(g.dir, g.fid))
	if err != nil {
		return nil, err
	}

	tmpPath := headTmpName(g.dir, g.fid)
	newHead, err := g.fs.CreateEditable(tmpPath)
	if err != nil {
		_ = oldHead.Close()
		return nil, err
	}

	header := make([]byte, TSDBFileHeadSize)
	encoding.EncodeFixed32(header[0:4], fileFormatVersion)
	if _, err := newHead.Append(header); err != nil {
		_ = oldHead.Close()
		_ = newHead.Close()
		return nil, err
	}
	if _, err := newHead.Append(make([]byte, g.maxTables*SCompIdxSize)); err != nil {
		_ = oldHead.Close()
		_ = newHead.Close()
		return nil, err
	}

	idx := make([]SCompIdx, g.maxTables)
	copy(idx, g.idx)

	return &Rewrite{
		g:       g,
		oldHead: oldHead,
		newHead: newHead,
		tmpPath: tmpPath,
		idx:     idx,
		touched: make([]bool, g.maxTables),
	}, nil
}

// IndexFor returns table tid's SCompIdx entry as of this rewrite,
// reflecting any CarryForward/WriteInfo call already made for it.
func (r *Rewrite) IndexFor(tid int) SCompIdx { return r.idx[tid] }

// LoadInfo reads table tid's current SCompInfo: the in-memory region
// already staged by an earlier WriteInfo call this same commit, or
// (the common case) the region as it stands in the still-untouched
// live .head.
func (r *Rewrite) LoadInfo(tid int) (*SCompInfo, error) {
	if info, ok := r.pending[tid]; ok {
		return info, nil
	}
	entry := r.idx[tid]
	if entry.Len == 0 {
		return &SCompInfo{}, nil
	}
	buf := make([]byte, entry.Len)
	if _, err := r.oldHead.ReadAt(buf, int64(entry.Offset)); err != nil {
		return nil, err
	}
	if InfoChecksum(buf) != entry.Checksum {
		return nil, ErrCorruptOnDisk
	}
	return DecodeSCompInfo(buf)
}

// CarryForward copies table tid's existing info region, bytewise, from
// the live .head into the new one: the content (and therefore its
// checksum) is untouched, only its offset moves. vfs.CopyFile's chunked
// read+write stands in for a sendfile fast path; the contract is
// identical output bytes either way. A no-op once already touched.
func (r *Rewrite) CarryForward(tid int) error {
	if r.touched[tid] {
		return nil
	}
	entry := r.idx[tid]
	if entry.Len == 0 {
		r.touched[tid] = true
		return nil
	}
	off, err := r.newHead.Size()
	if err != nil {
		return err
	}
	if err := vfs.CopyFile(r.newHead, r.oldHead, int64(entry.Offset), int64(entry.Len)); err != nil {
		return err
	}
	entry.Offset = uint64(off)
	r.idx[tid] = entry
	r.touched[tid] = true
	return nil
}

// WriteInfo appends tid's freshly computed SCompInfo region to the new
// .head and records its SCompIdx entry. The info is kept in memory
// (rather than re-read from the not-yet-durable new file) so a
// subsequent LoadInfo call within the same commit — a table whose
// frozen memtable spans more than one block for this partition — sees
// the up-to-date region.
func (r *Rewrite) WriteInfo(tid int, info *SCompInfo, hasLast bool, maxKey int64) error {
	buf := info.Encode()
	off, err := r.newHead.Append(buf)
	if err != nil {
		return err
	}
	r.idx[tid] = SCompIdx{
		Offset:           uint64(off),
		Len:              uint32(len(buf)),
		HasLast:          hasLast,
		MaxKey:           maxKey,
		NumOfSuperBlocks: uint32(len(info.SuperBlocks)),
		Checksum:         InfoChecksum(buf),
	}
	r.touched[tid] = true
	if r.pending == nil {
		r.pending = make(map[int]*SCompInfo)
	}
	r.pending[tid] = info
	return nil
}

// Commit finalizes the rewrite: any table this commit never touched
// (no data in this partition's window at all, or no frozen memtable)
// but that still has data in the live .head is carried forward so
// nothing is lost, then the full index array is written into the new
// .head, fsynced, and rename'd over the live .head in one step —
// the single atomic publish for every table in this partition at once.
func (r *Rewrite) Commit() error {
	for tid := range r.idx {
		if !r.touched[tid] && r.idx[tid].Len > 0 {
			if err := r.CarryForward(tid); err != nil {
				_ = r.Abort()
				return err
			}
		}
	}

	buf := make([]byte, len(r.idx)*SCompIdxSize)
	for i, e := range r.idx {
		e.encode(buf[i*SCompIdxSize : (i+1)*SCompIdxSize])
	}
	if err := r.newHead.WriteAt(buf, TSDBFileHeadSize); err != nil {
		_ = r.Abort()
		return err
	}
	if err := r.newHead.Sync(); err != nil {
		_ = r.Abort()
		return err
	}
	_ = r.newHead.Close()
	_ = r.oldHead.Close()

	if err := r.g.fs.Rename(r.tmpPath, headName(r.g.dir, r.g.fid)); err != nil {
		return err
	}
	if err := r.g.fs.SyncDir(r.g.dir); err != nil {
		return err
	}
	r.g.idx = r.idx
	return nil
}

// Abort discards the rewrite: both file handles are closed and the
// temp file removed, leaving the live .head untouched. Used when a
// partition's commit fails partway through.
func (r *Rewrite) Abort() error {
	_ = r.oldHead.Close()
	_ = r.newHead.Close()
	return r.g.fs.Remove(r.tmpPath)
}
