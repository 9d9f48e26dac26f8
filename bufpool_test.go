package gridlink

import "testing"

func TestBufPoolSizeClasses(t *testing.T) {
	bp := newBufPool([]int{64, 1024})

	b := bp.get(10)
	if len(b) != 0 || cap(b) < 10 {
		t.Fatalf("get(10): len=%d cap=%d", len(b), cap(b))
	}
	if cap(b) != 64 {
		t.Errorf("small request served from cap %d, want the 64-byte class", cap(b))
	}

	b = bp.get(65)
	if cap(b) != 1024 {
		t.Errorf("65-byte request served from cap %d, want the 1KB class", cap(b))
	}

	// Past the largest class: exact one-off allocation.
	b = bp.get(4096)
	if cap(b) != 4096 {
		t.Errorf("oversized request got cap %d, want exactly 4096", cap(b))
	}
}

func TestBufPoolPutResetsLength(t *testing.T) {
	bp := newBufPool([]int{64})
	b := bp.get(64)
	b = append(b, "dirty data"...)
	bp.put(b)

	got := bp.get(64)
	if len(got) != 0 {
		t.Fatalf("recycled buffer has len %d, want 0", len(got))
	}
	if cap(got) != 64 {
		t.Fatalf("recycled buffer has cap %d, want 64", cap(got))
	}
}

func TestBufPoolDropsForeignCapacities(t *testing.T) {
	bp := newBufPool([]int{64})
	// Must not panic or poison the bucket.
	bp.put(make([]byte, 0, 100))
	if b := bp.get(64); cap(b) != 64 {
		t.Fatalf("bucket poisoned: cap %d", cap(b))
	}
}
