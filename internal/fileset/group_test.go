package fileset

import (
	"bytes"
	"testing"

	"github.com/aalhour/tsdbengine/internal/compression"
	"github.com/aalhour/tsdbengine/internal/vfs"
)

func TestCreateAndOpenGroup(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()

	g, err := Create(fs, dir, 1, 4)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if idx := g.IndexFor(0); idx.Len != 0 {
		t.Fatalf("new group table 0 should be empty, got %+v", idx)
	}

	g2, err := Open(fs, dir, 1, 4)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if g2.FID() != 1 {
		t.Fatalf("FID = %d, want 1", g2.FID())
	}
}

func TestAppendDataBlockAndRewriteInfoRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()

	g, err := Create(fs, dir, 5, 2)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	cols := [][]byte{[]byte("col-a-payload"), []byte("col-b-payload")}
	wr, err := g.AppendDataBlock(101, cols, compression.ZstdCompression)
	if err != nil {
		t.Fatalf("AppendDataBlock: %v", err)
	}

	info := &SCompInfo{
		UID: 101,
		SuperBlocks: []SCompBlock{
			{Offset: wr.Offset, Len: wr.Len, KeyFirst: 1, KeyLast: 100, NumOfPoints: 10, NumOfCols: 2, NumOfSubBlocks: 1, Algorithm: compression.ZstdCompression},
		},
	}
	rw, err := g.BeginRewrite()
	if err != nil {
		t.Fatalf("BeginRewrite: %v", err)
	}
	if err := rw.WriteInfo(0, info, false, 100); err != nil {
		t.Fatalf("WriteInfo: %v", err)
	}
	if err := rw.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// Re-open to force a fresh read of the persisted index.
	g2, err := Open(fs, dir, 5, 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	idx := g2.IndexFor(0)
	if idx.Len == 0 {
		t.Fatal("committed table's SCompIdx entry is still empty")
	}
	if idx.MaxKey != 100 || idx.NumOfSuperBlocks != 1 {
		t.Fatalf("idx = %+v", idx)
	}

	loaded, err := g2.LoadInfo(0)
	if err != nil {
		t.Fatalf("LoadInfo: %v", err)
	}
	if len(loaded.SuperBlocks) != 1 {
		t.Fatalf("loaded.SuperBlocks = %+v", loaded.SuperBlocks)
	}

	uid, outCols, err := g2.LoadBlock(loaded.SuperBlocks[0])
	if err != nil {
		t.Fatalf("LoadBlock: %v", err)
	}
	if uid != 101 || !bytes.Equal(outCols[0], cols[0]) || !bytes.Equal(outCols[1], cols[1]) {
		t.Fatalf("round-tripped block mismatch: uid=%d cols=%v", uid, outCols)
	}
}

func TestLoadInfoDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()

	g, err := Create(fs, dir, 9, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	info := &SCompInfo{UID: 1}
	rw, err := g.BeginRewrite()
	if err != nil {
		t.Fatalf("BeginRewrite: %v", err)
	}
	if err := rw.WriteInfo(0, info, false, 0); err != nil {
		t.Fatalf("WriteInfo: %v", err)
	}
	if err := rw.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	// Corrupt the in-memory checksum so LoadInfo's verification fails.
	g.idx[0].Checksum ^= 0xFFFFFFFF

	if _, err := g.LoadInfo(0); err != ErrCorruptOnDisk {
		t.Fatalf("err = %v, want ErrCorruptOnDisk", err)
	}
}

// A rewrite that touches only one table carries every other table's
// info region forward bytewise: same content, same checksum, still
// loadable after the new .head is published.
func TestRewriteCarriesForwardUntouchedTables(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()

	g, err := Create(fs, dir, 3, 2)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	cols := [][]byte{[]byte("table-zero-payload")}
	wr, err := g.RewriteLastBlock(55, cols, compression.SnappyCompression)
	if err != nil {
		t.Fatalf("RewriteLastBlock: %v", err)
	}
	info0 := &SCompInfo{
		UID: 55,
		SuperBlocks: []SCompBlock{
			{Offset: wr.Offset, Len: wr.Len, KeyFirst: 1, KeyLast: 5, NumOfPoints: 5, NumOfCols: 1, NumOfSubBlocks: 1, Last: true, Algorithm: compression.SnappyCompression},
		},
	}
	rw, err := g.BeginRewrite()
	if err != nil {
		t.Fatalf("BeginRewrite: %v", err)
	}
	if err := rw.WriteInfo(0, info0, true, 5); err != nil {
		t.Fatalf("WriteInfo: %v", err)
	}
	if err := rw.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	checksumBefore := g.IndexFor(0).Checksum

	// Second rewrite touches only table 1; table 0 must ride along.
	rw2, err := g.BeginRewrite()
	if err != nil {
		t.Fatalf("second BeginRewrite: %v", err)
	}
	if err := rw2.WriteInfo(1, &SCompInfo{UID: 66}, false, 0); err != nil {
		t.Fatalf("WriteInfo: %v", err)
	}
	if err := rw2.Commit(); err != nil {
		t.Fatalf("second Commit: %v", err)
	}

	g2, err := Open(fs, dir, 3, 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	idx := g2.IndexFor(0)
	if idx.Checksum != checksumBefore {
		t.Fatal("carried-forward info region's checksum changed")
	}
	loaded, err := g2.LoadInfo(0)
	if err != nil {
		t.Fatalf("LoadInfo after carry-forward: %v", err)
	}
	if len(loaded.SuperBlocks) != 1 || loaded.SuperBlocks[0].NumOfPoints != 5 {
		t.Fatalf("loaded = %+v", loaded.SuperBlocks)
	}
	uid, outCols, err := g2.LoadBlock(loaded.SuperBlocks[0])
	if err != nil {
		t.Fatalf("LoadBlock: %v", err)
	}
	if uid != 55 || !bytes.Equal(outCols[0], cols[0]) {
		t.Fatalf("uid=%d cols=%v", uid, outCols)
	}
}
