package freelist

import (
	"testing"

	"github.com/hamsterdb/hamsterdb/common"
)

const testPageSize = 4096

func TestAllocPageDoesNotReuseLiveAllocation(t *testing.T) {
	f := New(DefaultChunkSizeForTest, testPageSize)
	a, err := f.AllocPage(testPageSize, common.DAMSequentialInsert)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	b, err := f.AllocPage(testPageSize, common.DAMSequentialInsert)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct rids, got %d twice", a)
	}
}

func TestMarkFreeAllowsReuse(t *testing.T) {
	f := New(DefaultChunkSizeForTest, testPageSize)
	a, err := f.AllocPage(testPageSize, common.DAMSequentialInsert)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if err := f.MarkFree(a, testPageSize, true); err != nil {
		t.Fatalf("MarkFree: %v", err)
	}
	b, err := f.AllocPage(testPageSize, common.DAMSequentialInsert)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if a != b {
		t.Fatalf("expected the freed rid %d to be reused, got %d", a, b)
	}
}

func TestEncodeDecodeRoundTripsAllocationState(t *testing.T) {
	f := New(DefaultChunkSizeForTest, testPageSize)
	allocated := make(map[uint64]bool)
	for i := 0; i < 20; i++ {
		rid, err := f.AllocPage(testPageSize, common.DAMSequentialInsert)
		if err != nil {
			t.Fatalf("AllocPage %d: %v", i, err)
		}
		allocated[rid] = true
	}

	encoded, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	restored, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	// A reopened freelist must refuse to hand out any rid the original
	// had already allocated -- this is the reopen-corruption bug the
	// reserved on-disk freelist area exists to prevent.
	for i := 0; i < 20; i++ {
		rid, err := restored.AllocPage(testPageSize, common.DAMSequentialInsert)
		if err != nil {
			t.Fatalf("AllocPage after decode %d: %v", i, err)
		}
		if allocated[rid] {
			t.Fatalf("decoded freelist handed out already-allocated rid %d", rid)
		}
	}
}

func TestCheckAreaIsAllocatedGrowsTrackedRange(t *testing.T) {
	f := New(DefaultChunkSizeForTest, testPageSize)
	wasAllocated, err := f.CheckAreaIsAllocated(testPageSize, testPageSize*4)
	if err != nil {
		t.Fatalf("CheckAreaIsAllocated: %v", err)
	}
	if wasAllocated {
		t.Fatalf("expected a brand-new freelist's range to be reported free")
	}
	if err := f.MarkFree(testPageSize, testPageSize*4, true); err != nil {
		t.Fatalf("MarkFree: %v", err)
	}
	rid, err := f.AllocPage(testPageSize, common.DAMSequentialInsert)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if rid < testPageSize || rid >= testPageSize+testPageSize*4 {
		t.Fatalf("expected the allocation to land inside the grown range, got rid %d", rid)
	}
}

// DefaultChunkSizeForTest mirrors env.go's DefaultChunkSize without
// importing the root package (which would create an import cycle).
const DefaultChunkSizeForTest = 32
