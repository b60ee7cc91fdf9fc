package extkey

import "testing"

func TestGetPutRoundTrip(t *testing.T) {
	c := New()
	c.Put(42, []byte("overflow-bytes"))

	got, ok := c.Get(42)
	if !ok {
		t.Fatalf("expected hit for rid 42")
	}
	if string(got) != "overflow-bytes" {
		t.Fatalf("expected overflow-bytes, got %q", got)
	}

	if _, ok := c.Get(999); ok {
		t.Fatalf("expected miss for unknown rid")
	}
}

func TestChainLengthCap(t *testing.T) {
	c := New()
	// All of these collide in the same bucket by construction.
	for i := 0; i < MaxChainLength+3; i++ {
		rid := uint64(i)*numBuckets + 1
		c.Put(rid, []byte{byte(i)})
	}
	if c.Len() > MaxChainLength {
		t.Fatalf("expected chain capped at %d, got %d", MaxChainLength, c.Len())
	}
}

func TestAgingPurge(t *testing.T) {
	c := New()
	c.Put(1, []byte("a"))
	for i := 0; i < MaxAge+2; i++ {
		c.Tick()
	}
	c.Purge()
	if _, ok := c.Get(1); ok {
		t.Fatalf("expected entry to have aged out")
	}
}
