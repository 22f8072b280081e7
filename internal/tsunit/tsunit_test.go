package tsunit

import "testing"

func TestFIDMonotonic(t *testing.T) {
	fid0, err := FID(0, 1, Milli)
	if err != nil {
		t.Fatal(err)
	}
	fid1, err := FID(86400*1000, 1, Milli)
	if err != nil {
		t.Fatal(err)
	}
	if fid1 != fid0+1 {
		t.Fatalf("fid1 = %d, want %d", fid1, fid0+1)
	}
}

func TestFIDNegativeTimestamp(t *testing.T) {
	fid, err := FID(-1, 1, Milli)
	if err != nil {
		t.Fatal(err)
	}
	if fid != -1 {
		t.Fatalf("FID(-1) = %d, want -1 (floor division)", fid)
	}
}

func TestWindowRoundTrip(t *testing.T) {
	min, max, err := Window(5, 1, Milli)
	if err != nil {
		t.Fatal(err)
	}
	for _, ts := range []int64{min, min + 1, max} {
		fid, err := FID(ts, 1, Milli)
		if err != nil {
			t.Fatal(err)
		}
		if fid != 5 {
			t.Fatalf("FID(%d) = %d, want 5 (within [%d,%d])", ts, fid, min, max)
		}
	}
	fid, err := FID(max+1, 1, Milli)
	if err != nil {
		t.Fatal(err)
	}
	if fid != 6 {
		t.Fatalf("FID(max+1) = %d, want 6", fid)
	}
}

func TestUnknownPrecision(t *testing.T) {
	if _, err := FID(0, 1, Precision(99)); err != ErrUnknownPrecision {
		t.Fatalf("err = %v, want ErrUnknownPrecision", err)
	}
}
