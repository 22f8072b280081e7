package arena

import "testing"

func TestAllocateWithinCapacity(t *testing.T) {
	a := New(4096, 1024)
	buf, err := a.Allocate(100)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(buf) != 100 {
		t.Fatalf("len = %d, want 100", len(buf))
	}
	if a.ActiveUsage() != 100 {
		t.Fatalf("ActiveUsage = %d, want 100", a.ActiveUsage())
	}
}

func TestAllocateAcrossBlocks(t *testing.T) {
	a := New(1<<20, 64)
	for i := 0; i < 10; i++ {
		if _, err := a.Allocate(50); err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
	}
	if a.ActiveUsage() != 500 {
		t.Fatalf("ActiveUsage = %d, want 500", a.ActiveUsage())
	}
}

func TestAllocateCacheFull(t *testing.T) {
	a := New(128, 64)
	if _, err := a.Allocate(200); err != ErrCacheFull {
		t.Fatalf("err = %v, want ErrCacheFull", err)
	}
}

func TestFreezeIsolatesGenerations(t *testing.T) {
	a := New(1<<20, 1024)
	buf1, _ := a.Allocate(10)
	buf1[0] = 0xAA

	a.Freeze()
	if !a.HasFrozen() {
		t.Fatal("HasFrozen() = false after Freeze")
	}

	buf2, err := a.Allocate(10)
	if err != nil {
		t.Fatalf("Allocate after freeze: %v", err)
	}
	buf2[0] = 0xBB

	// The frozen generation's data must still be intact: freeze swaps
	// generations, it doesn't mutate the old one.
	if buf1[0] != 0xAA {
		t.Fatalf("frozen data corrupted: got %x", buf1[0])
	}
	if a.ActiveUsage() != 10 {
		t.Fatalf("new active generation usage = %d, want 10", a.ActiveUsage())
	}
}

func TestReclaimClearsFrozen(t *testing.T) {
	a := New(1<<20, 1024)
	a.Allocate(10)
	a.Freeze()
	a.Reclaim()
	if a.HasFrozen() {
		t.Fatal("HasFrozen() = true after Reclaim")
	}
	// Reclaim is idempotent.
	a.Reclaim()
}

func TestAllocateNeverOverlapsWithinGeneration(t *testing.T) {
	a := New(1<<20, 256)
	bufs := make([][]byte, 20)
	for i := range bufs {
		b, err := a.Allocate(16)
		if err != nil {
			t.Fatalf("Allocate #%d: %v", i, err)
		}
		for j := range b {
			b[j] = byte(i)
		}
		bufs[i] = b
	}
	for i, b := range bufs {
		for _, v := range b {
			if v != byte(i) {
				t.Fatalf("buffer %d corrupted: got %x", i, v)
			}
		}
	}
}
