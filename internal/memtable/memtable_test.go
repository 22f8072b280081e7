package memtable

import (
	"bytes"
	"testing"

	"github.com/aalhour/tsdbengine/internal/arena"
)

func newTestMemTable(t *testing.T) *MemTable {
	t.Helper()
	return New(arena.New(1<<20, 4096))
}

func TestInsertTracksBounds(t *testing.T) {
	mt := newTestMemTable(t)
	if !mt.IsEmpty() {
		t.Fatal("new memtable should be empty")
	}
	for _, ts := range []int64{5, 1, 3} {
		if err := mt.Insert(ts, []byte("v")); err != nil {
			t.Fatalf("Insert(%d): %v", ts, err)
		}
	}
	if mt.KeyFirst() != 1 || mt.KeyLast() != 5 {
		t.Fatalf("bounds = [%d,%d], want [1,5]", mt.KeyFirst(), mt.KeyLast())
	}
	if mt.NumOfPoints() != 3 {
		t.Fatalf("NumOfPoints = %d, want 3", mt.NumOfPoints())
	}
}

func TestInsertDuplicateTimestampOverwrites(t *testing.T) {
	mt := newTestMemTable(t)
	if err := mt.Insert(10, []byte("old")); err != nil {
		t.Fatal(err)
	}
	if err := mt.Insert(10, []byte("new-value")); err != nil {
		t.Fatal(err)
	}
	if mt.NumOfPoints() != 1 {
		t.Fatalf("NumOfPoints = %d, want 1 (overwrite, not insert)", mt.NumOfPoints())
	}

	c := mt.NewCursor()
	c.SeekToFirst()
	if !c.Valid() {
		t.Fatal("cursor invalid")
	}
	if !bytes.Equal(c.Payload(), []byte("new-value")) {
		t.Fatalf("payload = %q, want %q (later insert wins)", c.Payload(), "new-value")
	}
	c.Next()
	if c.Valid() {
		t.Fatal("expected exactly one row")
	}
}

func TestCursorOrdersByTimestamp(t *testing.T) {
	mt := newTestMemTable(t)
	timestamps := []int64{100, -5, 42, 0, 7}
	for _, ts := range timestamps {
		if err := mt.Insert(ts, []byte{byte(ts)}); err != nil {
			t.Fatal(err)
		}
	}

	c := mt.NewCursor()
	var got []int64
	for c.SeekToFirst(); c.Valid(); c.Next() {
		got = append(got, c.Timestamp())
	}
	want := []int64{-5, 0, 7, 42, 100}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestCursorSeek(t *testing.T) {
	mt := newTestMemTable(t)
	for _, ts := range []int64{10, 20, 30, 40} {
		mt.Insert(ts, []byte{byte(ts)})
	}
	c := mt.NewCursor()
	c.Seek(25)
	if !c.Valid() || c.Timestamp() != 30 {
		t.Fatalf("Seek(25) landed on %d, want 30", c.Timestamp())
	}
}

func TestInsertCacheFullPropagates(t *testing.T) {
	mt := New(arena.New(16, 16))
	err := mt.Insert(1, make([]byte, 64))
	if err != arena.ErrCacheFull {
		t.Fatalf("err = %v, want ErrCacheFull", err)
	}
}
