package blob

import (
	"bytes"
	"errors"
	"testing"

	"github.com/hamsterdb/hamsterdb/common"
)

// fakeStore is a flat byte buffer standing in for the device+freelist
// composition Store narrows down to; it grows on demand and never
// actually reclaims freed ranges, which is fine for these tests since
// none of them depend on reuse.
type freedRange struct {
	rid  uint64
	size int
}

type fakeStore struct {
	buf  []byte
	free []freedRange
}

func (s *fakeStore) Alloc(size int, dam common.DataAccessMode) (uint64, int, error) {
	rid := uint64(len(s.buf))
	s.buf = append(s.buf, make([]byte, size)...)
	return rid, size, nil
}

func (s *fakeStore) Free(rid uint64, size int) error {
	s.free = append(s.free, freedRange{rid, size})
	return nil
}

func (s *fakeStore) ReadAt(rid uint64, out []byte) error {
	copy(out, s.buf[rid:rid+uint64(len(out))])
	return nil
}

func (s *fakeStore) WriteAt(rid uint64, data []byte) error {
	copy(s.buf[rid:rid+uint64(len(data))], data)
	return nil
}

func TestAllocateAndRead(t *testing.T) {
	s := &fakeStore{}
	rid, err := Allocate(s, common.DAMRandomWrite, []byte("hello blob"))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	got, err := Read(s, rid)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, []byte("hello blob")) {
		t.Fatalf("expected %q, got %q", "hello blob", got)
	}
}

func TestReadPartialClampsToPayload(t *testing.T) {
	s := &fakeStore{}
	rid, err := Allocate(s, common.DAMRandomWrite, []byte("0123456789"))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	got, err := ReadPartial(s, rid, 4, 100)
	if err != nil {
		t.Fatalf("ReadPartial: %v", err)
	}
	if string(got) != "456789" {
		t.Fatalf("expected clamped tail 456789, got %q", got)
	}
}

func TestOverwriteInPlaceWhenItFits(t *testing.T) {
	s := &fakeStore{}
	rid, err := Allocate(s, common.DAMRandomWrite, make([]byte, 64))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	newRID, err := Overwrite(s, common.DAMRandomWrite, rid, []byte("short"))
	if err != nil {
		t.Fatalf("Overwrite: %v", err)
	}
	if newRID != rid {
		t.Fatalf("expected in-place overwrite to keep rid %d, got %d", rid, newRID)
	}
	got, err := Read(s, rid)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "short" {
		t.Fatalf("expected short, got %q", got)
	}
}

func TestOverwriteGrowsIntoNewBlobWhenTooBig(t *testing.T) {
	s := &fakeStore{}
	rid, err := Allocate(s, common.DAMRandomWrite, []byte("tiny"))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	big := bytes.Repeat([]byte("x"), 4096)
	newRID, err := Overwrite(s, common.DAMRandomWrite, rid, big)
	if err != nil {
		t.Fatalf("Overwrite: %v", err)
	}
	if newRID == rid {
		t.Fatalf("expected a new allocation once the payload outgrows the original")
	}
	got, err := Read(s, newRID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, big) {
		t.Fatalf("payload mismatch after grow-overwrite")
	}
	if len(s.free) == 0 {
		t.Fatalf("expected the original allocation to be freed")
	}
}

func TestOverwritePartialPreservesSurroundingBytes(t *testing.T) {
	s := &fakeStore{}
	rid, err := Allocate(s, common.DAMRandomWrite, []byte("0123456789"))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	newRID, err := OverwritePartial(s, common.DAMRandomWrite, rid, 3, []byte("XYZ"), 10)
	if err != nil {
		t.Fatalf("OverwritePartial: %v", err)
	}
	got, err := Read(s, newRID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "012XYZ6789" {
		t.Fatalf("expected 012XYZ6789, got %q", got)
	}
}

func TestOverwritePartialGrowsPastOldLength(t *testing.T) {
	s := &fakeStore{}
	rid, err := Allocate(s, common.DAMRandomWrite, []byte("ab"))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	newRID, err := OverwritePartial(s, common.DAMRandomWrite, rid, 5, []byte("Z"), 6)
	if err != nil {
		t.Fatalf("OverwritePartial: %v", err)
	}
	got, err := Read(s, newRID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := []byte{'a', 'b', 0, 0, 0, 'Z'}
	if !bytes.Equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestFreeThenReadFails(t *testing.T) {
	s := &fakeStore{}
	rid, err := Allocate(s, common.DAMRandomWrite, []byte("gone soon"))
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := Free(s, rid); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if len(s.free) != 1 || s.free[0].rid != rid {
		t.Fatalf("expected Free to release the blob's full allocation, got %v", s.free)
	}
	if _, err := Read(s, rid); !errors.Is(err, common.ErrBlobNotFound) {
		t.Fatalf("expected ErrBlobNotFound reading a freed blob, got %v", err)
	}
}

func TestInlineEncodingRoundTrips(t *testing.T) {
	cases := [][]byte{
		{},
		[]byte("a"),
		[]byte("abcdefg"),
		[]byte("12345678"),
	}
	for _, payload := range cases {
		flag, field, ok := EncodeInline(payload)
		if !ok {
			t.Fatalf("EncodeInline(%q): expected ok", payload)
		}
		got := DecodeInline(flag, field)
		if !bytes.Equal(got, payload) {
			t.Fatalf("round trip mismatch for %q: got %q", payload, got)
		}
	}
}

func TestInlineEncodingRejectsLargePayload(t *testing.T) {
	_, _, ok := EncodeInline(make([]byte, 9))
	if ok {
		t.Fatalf("expected EncodeInline to refuse a 9-byte payload")
	}
}
