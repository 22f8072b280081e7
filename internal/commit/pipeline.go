// Package commit implements the background commit pipeline: it drains
// every table's frozen memtable, partitions the rows by file id, and
// writes/merges them into file groups.
//
// A commit has both a flush's character ("drain a frozen memtable")
// and a compaction's character ("merge overlapping key ranges across
// blocks"). Phase 1 picks the affected partition range; Phase 2's
// per-table overlap/tie-break decision is the per-key merge step; Phase
// 3 (left to the caller, since it needs the repository mutex and the
// cache arena) publishes the result.
package commit

import (
	"sort"

	"github.com/aalhour/tsdbengine/internal/compression"
	"github.com/aalhour/tsdbengine/internal/encoding"
	"github.com/aalhour/tsdbengine/internal/fileset"
	"github.com/aalhour/tsdbengine/internal/logging"
	"github.com/aalhour/tsdbengine/internal/memtable"
	"github.com/aalhour/tsdbengine/internal/meta"
	"github.com/aalhour/tsdbengine/internal/schema"
	"github.com/aalhour/tsdbengine/internal/tsunit"
)

// Config carries the subset of repository configuration the pipeline
// needs to partition and size blocks.
type Config struct {
	Precision           tsunit.Precision
	DaysPerFile         int32
	MinRowsPerFileBlock int32
	MaxRowsPerFileBlock int32
	DataBlockAlgorithm  compression.Type // written to .data (ZstdCompression by default)
	LastBlockAlgorithm  compression.Type // written to .last (LZ4Compression by default)
}

// Directory is the subset of *fileset.Directory the pipeline needs,
// narrowed to an interface so tests can substitute a fake if ever
// required without pulling in the whole fileset package.
type Directory interface {
	Find(fid int64) *fileset.Group
	CreateGroup(fid int64) (*fileset.Group, error)
}

// Pipeline runs one commit over every table's currently frozen
// memtable. It holds no long-lived state: a fresh Pipeline (or the
// same one, reused) is driven once per triggerCommit.
type Pipeline struct {
	dir    Directory
	meta   *meta.Meta
	cfg    Config
	logger logging.Logger
}

// New creates a commit pipeline over the given file directory and
// table registry.
func New(dir Directory, m *meta.Meta, cfg Config, logger logging.Logger) *Pipeline {
	return &Pipeline{dir: dir, meta: m, cfg: cfg, logger: logging.OrDefault(logger)}
}

type tableCursor struct {
	handle *meta.TableHandle
	cursor *memtable.Cursor
}

// Run executes Phases 1 and 2 against every table's frozen memtable
// (TableHandle.Imem()). Tables with no frozen memtable are skipped
// entirely — this is what makes an empty-frozen-state commit a true
// no-op. Publishing (Phase 3: clearing imem and reclaiming the cache
// arena) is the caller's responsibility, since it requires the
// repository mutex the pipeline itself does not hold.
func (p *Pipeline) Run() error {
	var tables []*tableCursor
	var sfid, efid int64
	haveRange := false

	p.meta.ForEach(func(h *meta.TableHandle) {
		imem := h.Imem()
		if imem == nil || imem.IsEmpty() {
			return
		}
		c := imem.NewCursor()
		c.SeekToFirst()
		tables = append(tables, &tableCursor{handle: h, cursor: c})

		sf, _ := tsunit.FID(imem.KeyFirst(), p.cfg.DaysPerFile, p.cfg.Precision)
		ef, _ := tsunit.FID(imem.KeyLast(), p.cfg.DaysPerFile, p.cfg.Precision)
		if !haveRange {
			sfid, efid, haveRange = sf, ef, true
			return
		}
		if sf < sfid {
			sfid = sf
		}
		if ef > efid {
			efid = ef
		}
	})

	if !haveRange {
		p.logger.Debugf("%scommit on empty frozen state, no-op", logging.NSCommit)
		return nil
	}

	for fid := sfid; fid <= efid; fid++ {
		if err := p.commitPartition(fid, tables); err != nil {
			return err
		}
	}
	return nil
}

// commitPartition runs Phase 2 for one file id: skip if no table has
// data in the window, otherwise visit every table in tid order and
// carry-forward or merge/append its rows.
func (p *Pipeline) commitPartition(fid int64, tables []*tableCursor) error {
	minKey, maxKey, err := tsunit.Window(fid, p.cfg.DaysPerFile, p.cfg.Precision)
	if err != nil {
		return err
	}

	anyInWindow := false
	for _, tc := range tables {
		if tc.cursor.Valid() && tc.cursor.Timestamp() <= maxKey {
			anyInWindow = true
			break
		}
	}
	if !anyInWindow {
		return nil
	}

	group := p.dir.Find(fid)
	if group == nil {
		group, err = p.dir.CreateGroup(fid)
		if err != nil {
			return err
		}
	}

	sort.Slice(tables, func(i, j int) bool { return tables[i].handle.TID < tables[j].handle.TID })

	rewrite, err := group.BeginRewrite()
	if err != nil {
		return err
	}
	for _, tc := range tables {
		if err := p.commitTable(group, rewrite, tc, minKey, maxKey); err != nil {
			_ = rewrite.Abort()
			return err
		}
	}
	return rewrite.Commit()
}

// commitTable handles one table within one partition. It loops, one
// block per iteration, until the cursor is exhausted or leaves the
// window, so a frozen memtable holding more than MaxRowsPerFileBlock
// rows for this partition is fully drained in one commit, not just its
// first block's worth. idx is re-read from rewrite every iteration
// because WriteInfo updates it in place, which is also what lets the
// overlap/merge decision stay correct across iterations: a batch that
// lands in .last becomes the next batch's merge target.
func (p *Pipeline) commitTable(group *fileset.Group, rewrite *fileset.Rewrite, tc *tableCursor, minKey, maxKey int64) error {
	tid := int(tc.handle.TID)
	sc := tc.handle.Schema

	for {
		idx := rewrite.IndexFor(tid)
		rows := p.collectWindow(tc, maxKey)
		if len(rows) == 0 {
			// No more new data in this window: prior committed data (if
			// any) needs no change, so carry it forward untouched.
			return rewrite.CarryForward(tid)
		}

		buf := schema.NewColumnBuffer(sc)
		for _, r := range rows {
			buf.Append(r)
		}

		hasOverlap := idx.Len > 0 && (idx.HasLast || rows[0].Timestamp <= idx.MaxKey)
		var err error
		if hasOverlap {
			err = p.mergeAndWrite(group, rewrite, tid, tc.handle.UID, sc, buf, idx, maxKey)
		} else {
			err = p.appendAndWrite(group, rewrite, tid, tc.handle.UID, sc, buf, idx, maxKey)
		}
		if err != nil {
			return err
		}
	}
}

// collectWindow drains up to maxRowsPerFileBlock*4/5 rows from the
// cursor whose timestamp falls within this fid's window, decoding each
// via the table's schema (the row codec is an external black-box
// collaborator to this package). The 4/5 cap, rather than a full
// MaxRowsPerFileBlock, leaves headroom for a merge against an existing
// tail block to still fit a single physical block in the common case;
// when it doesn't, mergeAndWrite splits the result into multiple
// sub-blocks rather than overrunning MaxRowsPerFileBlock.
func (p *Pipeline) collectWindow(tc *tableCursor, maxKey int64) []*schema.Row {
	var rows []*schema.Row
	limit := int(p.cfg.MaxRowsPerFileBlock) * 4 / 5
	for tc.cursor.Valid() && tc.cursor.Timestamp() <= maxKey && len(rows) < limit {
		row, err := schema.Decode(tc.handle.Schema, tc.cursor.Payload())
		if err != nil {
			p.logger.Errorf("%sdecode row tid=%d ts=%d: %v", logging.NSCommit, tc.handle.TID, tc.cursor.Timestamp(), err)
			tc.cursor.Next()
			continue
		}
		rows = append(rows, row)
		tc.cursor.Next()
	}
	return rows
}

// appendAndWrite handles the append path: no overlap with existing
// data and no tail to merge. A full block goes to .data; an
// under-full one goes to .last. collectWindow's 4/5 cap keeps buf.Rows
// within MaxRowsPerFileBlock, so a single physical block always
// suffices here; no splitting is needed on the append path.
func (p *Pipeline) appendAndWrite(group *fileset.Group, rewrite *fileset.Rewrite, tid int, uid uint64, sc *schema.Schema, buf *schema.ColumnBuffer, idx fileset.SCompIdx, maxKey int64) error {
	info, err := rewrite.LoadInfo(tid)
	if err != nil {
		return err
	}

	if buf.Rows >= int(p.cfg.MinRowsPerFileBlock) {
		wr, err := group.AppendDataBlock(uid, buf.Cols, p.cfg.DataBlockAlgorithm)
		if err != nil {
			return err
		}
		info.SuperBlocks = append(info.SuperBlocks, fileset.SCompBlock{
			Offset: wr.Offset, Len: wr.Len,
			KeyFirst: buf.TimestampAt(0), KeyLast: buf.TimestampAt(buf.Rows - 1),
			NumOfPoints: uint32(buf.Rows), NumOfCols: uint16(len(sc.Columns)),
			NumOfSubBlocks: 1, Algorithm: p.cfg.DataBlockAlgorithm, SVersion: sc.SVersion,
		})
		newMax := maxInt64(idx.MaxKey, buf.TimestampAt(buf.Rows-1))
		return rewrite.WriteInfo(tid, info, idx.HasLast, newMax)
	}

	wr, err := group.RewriteLastBlock(uid, buf.Cols, p.cfg.LastBlockAlgorithm)
	if err != nil {
		return err
	}
	info.SuperBlocks = append(info.SuperBlocks, fileset.SCompBlock{
		Offset: wr.Offset, Len: wr.Len,
		KeyFirst: buf.TimestampAt(0), KeyLast: buf.TimestampAt(buf.Rows - 1),
		NumOfPoints: uint32(buf.Rows), NumOfCols: uint16(len(sc.Columns)),
		NumOfSubBlocks: 1, Last: true, Algorithm: p.cfg.LastBlockAlgorithm, SVersion: sc.SVersion,
	})
	newMax := maxInt64(idx.MaxKey, buf.TimestampAt(buf.Rows-1))
	return rewrite.WriteInfo(tid, info, true, newMax)
}

// mergeAndWrite handles the merge path: the new rows overlap the
// table's existing last super-block's range, or an existing tail
// block must be folded in. Old rows are read back, merged by
// timestamp with the new cursor rows (new wins on tie). Since the old
// tail block can itself hold up to MaxRowsPerFileBlock rows, the
// merged result can exceed MaxRowsPerFileBlock even though the new
// batch alone never does (see collectWindow); when it does, the
// result is split across multiple physical sub-blocks under one
// logical super-block (NumOfSubBlocks>1), the same layout
// loadPhysicalBlockCols already knows how to read back.
func (p *Pipeline) mergeAndWrite(group *fileset.Group, rewrite *fileset.Rewrite, tid int, uid uint64, sc *schema.Schema, newBuf *schema.ColumnBuffer, idx fileset.SCompIdx, maxKey int64) error {
	info, err := rewrite.LoadInfo(tid)
	if err != nil {
		return err
	}

	// hasOverlap (checked by the caller before choosing this path) means
	// either idx.HasLast is set, or the last super-block's keyLast falls
	// at/after the new rows' start. Since only the final super-block may
	// overlap the tail, that last
	// super-block (whether tagged last=1 or not) is always the one
	// folded into the merge; every earlier super-block is untouched.
	var oldRows []*schema.Row
	var keptSuperBlocks []fileset.SCompBlock
	if len(info.SuperBlocks) > 0 {
		last := info.SuperBlocks[len(info.SuperBlocks)-1]
		cols, err := loadPhysicalBlockCols(group, info, len(info.SuperBlocks)-1, last)
		if err != nil {
			return err
		}
		oldRows, err = decodeColumns(sc, cols, int(last.NumOfPoints))
		if err != nil {
			return err
		}
		keptSuperBlocks = info.SuperBlocks[:len(info.SuperBlocks)-1]
	}

	newRows := make([]*schema.Row, newBuf.Rows)
	for i := 0; i < newBuf.Rows; i++ {
		newRows[i] = rowFromColumnBuffer(newBuf, i)
	}

	merged := mergeByTimestamp(oldRows, newRows)

	maxRows := int(p.cfg.MaxRowsPerFileBlock)
	needsSplit := len(merged) > maxRows

	var superBlock fileset.SCompBlock
	var subBlocks []fileset.SCompBlock
	var hasLast bool
	if len(merged) < int(p.cfg.MinRowsPerFileBlock) {
		// Under-full: a single .last block, exactly as before splitting
		// was a concern.
		mergedBuf := schema.NewColumnBuffer(sc)
		for _, r := range merged {
			mergedBuf.Append(r)
		}
		wr, err := group.RewriteLastBlock(uid, mergedBuf.Cols, p.cfg.LastBlockAlgorithm)
		if err != nil {
			return err
		}
		superBlock = fileset.SCompBlock{
			Offset: wr.Offset, Len: wr.Len,
			KeyFirst: mergedBuf.TimestampAt(0), KeyLast: mergedBuf.TimestampAt(mergedBuf.Rows - 1),
			NumOfPoints: uint32(mergedBuf.Rows), NumOfCols: uint16(len(sc.Columns)),
			NumOfSubBlocks: 1, Last: true, Algorithm: p.cfg.LastBlockAlgorithm, SVersion: sc.SVersion,
		}
		hasLast = true
	} else if !needsSplit {
		// Full but fits in one physical block: a single .data block.
		mergedBuf := schema.NewColumnBuffer(sc)
		for _, r := range merged {
			mergedBuf.Append(r)
		}
		wr, err := group.AppendDataBlock(uid, mergedBuf.Cols, p.cfg.DataBlockAlgorithm)
		if err != nil {
			return err
		}
		superBlock = fileset.SCompBlock{
			Offset: wr.Offset, Len: wr.Len,
			KeyFirst: mergedBuf.TimestampAt(0), KeyLast: mergedBuf.TimestampAt(mergedBuf.Rows - 1),
			NumOfPoints: uint32(mergedBuf.Rows), NumOfCols: uint16(len(sc.Columns)),
			NumOfSubBlocks: 1, Algorithm: p.cfg.DataBlockAlgorithm, SVersion: sc.SVersion,
		}
	} else {
		// Exceeds MaxRowsPerFileBlock: split into balanced chunks, each
		// its own physical block, recorded as a multi-sub-block
		// super-block per spec.
		superBlock, subBlocks, err = p.writeChunks(group, sc, uid, merged, maxRows)
		if err != nil {
			return err
		}
	}

	info.SuperBlocks = append(append([]fileset.SCompBlock{}, keptSuperBlocks...), superBlock)
	if len(subBlocks) > 0 {
		info.SuperBlocks[len(info.SuperBlocks)-1].Offset = uint64(len(info.SubBlocks))
		info.SubBlocks = append(info.SubBlocks, subBlocks...)
	}

	newMax := maxInt64(idx.MaxKey, merged[len(merged)-1].Timestamp)
	return rewrite.WriteInfo(tid, info, hasLast, newMax)
}

// writeChunks splits rows into balanced runs of at most maxRows each,
// writes each run as its own physical .data block, and returns the
// aggregate multi-sub-block super-block entry (Offset left unset; the
// caller fills it in once it knows SubBlocks' final length) alongside
// the physical sub-block entries themselves.
func (p *Pipeline) writeChunks(group *fileset.Group, sc *schema.Schema, uid uint64, rows []*schema.Row, maxRows int) (fileset.SCompBlock, []fileset.SCompBlock, error) {
	numChunks := (len(rows) + maxRows - 1) / maxRows
	chunkSize := (len(rows) + numChunks - 1) / numChunks

	var subBlocks []fileset.SCompBlock
	for start := 0; start < len(rows); start += chunkSize {
		end := start + chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunkBuf := schema.NewColumnBuffer(sc)
		for _, r := range rows[start:end] {
			chunkBuf.Append(r)
		}
		wr, err := group.AppendDataBlock(uid, chunkBuf.Cols, p.cfg.DataBlockAlgorithm)
		if err != nil {
			return fileset.SCompBlock{}, nil, err
		}
		subBlocks = append(subBlocks, fileset.SCompBlock{
			Offset: wr.Offset, Len: wr.Len,
			KeyFirst: chunkBuf.TimestampAt(0), KeyLast: chunkBuf.TimestampAt(chunkBuf.Rows - 1),
			NumOfPoints: uint32(chunkBuf.Rows), NumOfCols: uint16(len(sc.Columns)),
			NumOfSubBlocks: 1, Algorithm: p.cfg.DataBlockAlgorithm, SVersion: sc.SVersion,
		})
	}

	superBlock := fileset.SCompBlock{
		KeyFirst: rows[0].Timestamp, KeyLast: rows[len(rows)-1].Timestamp,
		NumOfPoints: uint32(len(rows)), NumOfCols: uint16(len(sc.Columns)),
		NumOfSubBlocks: uint16(len(subBlocks)), Algorithm: p.cfg.DataBlockAlgorithm, SVersion: sc.SVersion,
	}
	return superBlock, subBlocks, nil
}

// loadPhysicalBlockCols reads super-block i's columns, concatenating
// across its physical sub-blocks when NumOfSubBlocks>1.
func loadPhysicalBlockCols(group *fileset.Group, info *fileset.SCompInfo, i int, sb fileset.SCompBlock) ([][]byte, error) {
	if sb.NumOfSubBlocks <= 1 {
		_, cols, err := group.LoadBlock(sb)
		return cols, err
	}
	phys := info.PhysicalBlocks(i)
	var merged [][]byte
	for _, b := range phys {
		_, cols, err := group.LoadBlock(b)
		if err != nil {
			return nil, err
		}
		if merged == nil {
			merged = make([][]byte, len(cols))
		}
		for c := range cols {
			merged[c] = append(merged[c], cols[c]...)
		}
	}
	return merged, nil
}

func decodeColumns(sc *schema.Schema, cols [][]byte, numRows int) ([]*schema.Row, error) {
	buf := &schema.ColumnBuffer{Schema: sc, Cols: cols, Rows: numRows}
	rows := make([]*schema.Row, numRows)
	for i := 0; i < numRows; i++ {
		rows[i] = rowFromColumnBuffer(buf, i)
	}
	return rows, nil
}

// rowFromColumnBuffer reconstructs row i from a columnar buffer by
// re-slicing each column's byte run at the fixed or varint-delimited
// offset for that row index.
func rowFromColumnBuffer(buf *schema.ColumnBuffer, i int) *schema.Row {
	ts := buf.TimestampAt(i)
	values := make([][]byte, len(buf.Schema.Columns)-1)
	for c, col := range buf.Schema.Columns[1:] {
		w := col.Type.Width()
		if w > 0 {
			values[c] = buf.Cols[c+1][i*w : (i+1)*w]
		} else {
			values[c] = variableColumnAt(buf.Cols[c+1], i)
		}
	}
	return &schema.Row{Timestamp: ts, Values: values}
}

// variableColumnAt walks a varint-length-prefixed column run to the
// i-th entry. Used only on the merge path's small per-block row
// counts, so the linear walk is not a hot path.
func variableColumnAt(col []byte, i int) []byte {
	off := 0
	for n := 0; ; n++ {
		v, read, err := decodeLengthPrefixedAt(col[off:])
		if err != nil {
			return nil
		}
		if n == i {
			return v
		}
		off += read
	}
}

func decodeLengthPrefixedAt(buf []byte) ([]byte, int, error) {
	return encoding.DecodeLengthPrefixedSlice(buf)
}

func mergeByTimestamp(old, new_ []*schema.Row) []*schema.Row {
	merged := make([]*schema.Row, 0, len(old)+len(new_))
	i, j := 0, 0
	for i < len(old) && j < len(new_) {
		switch {
		case old[i].Timestamp < new_[j].Timestamp:
			merged = append(merged, old[i])
			i++
		case old[i].Timestamp > new_[j].Timestamp:
			merged = append(merged, new_[j])
			j++
		default:
			// Equal timestamps: the cursor-sourced (newer) row wins.
			merged = append(merged, new_[j])
			i++
			j++
		}
	}
	merged = append(merged, old[i:]...)
	merged = append(merged, new_[j:]...)
	return merged
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
