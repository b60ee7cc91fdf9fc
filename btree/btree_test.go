package btree

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/hamsterdb/hamsterdb/blob"
	"github.com/hamsterdb/hamsterdb/common"
	"github.com/hamsterdb/hamsterdb/spage"
)

// memPageStore is a minimal in-memory PageStore for exercising Tree
// without a real device/cache/freelist stack.
type memPageStore struct {
	pages  map[uint64]*spage.Page
	nextID uint64
	size   int
}

func newMemPageStore(size int) *memPageStore {
	return &memPageStore{pages: make(map[uint64]*spage.Page), nextID: 1000, size: size}
}

func (m *memPageStore) Alloc(typ spage.Type) (*spage.Page, error) {
	rid := m.nextID
	m.nextID += uint64(m.size)
	p := spage.New(rid, m.size, typ)
	m.pages[rid] = p
	return p, nil
}

func (m *memPageStore) Fetch(rid uint64) (*spage.Page, error) {
	p, ok := m.pages[rid]
	if !ok {
		return nil, fmt.Errorf("no such page %d", rid)
	}
	return p, nil
}

func (m *memPageStore) Free(rid uint64) error {
	delete(m.pages, rid)
	return nil
}

func (m *memPageStore) Touch(p *spage.Page) error {
	p.SetDirty(true)
	return nil
}

// memBlobStore is a bump-allocated byte arena; it never reclaims freed
// space, which is fine for exercising blob/duplicate-table plumbing in
// isolation from the real freelist.
type memBlobStore struct {
	buf  []byte
	next uint64
}

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{buf: make([]byte, 0, 1<<16), next: 1}
}

func (m *memBlobStore) Alloc(size int, _ common.DataAccessMode) (uint64, int, error) {
	rid := m.next
	m.next += uint64(size)
	if int(rid)+size > len(m.buf) {
		grown := make([]byte, rid+uint64(size))
		copy(grown, m.buf)
		m.buf = grown
	}
	return rid, size, nil
}

func (m *memBlobStore) Free(uint64, int) error { return nil }

func (m *memBlobStore) ReadAt(rid uint64, buf []byte) error {
	copy(buf, m.buf[rid:int(rid)+len(buf)])
	return nil
}

func (m *memBlobStore) WriteAt(rid uint64, buf []byte) error {
	need := int(rid) + len(buf)
	if need > len(m.buf) {
		grown := make([]byte, need)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[rid:], buf)
	return nil
}

type memExtKeyCache struct{ m map[uint64][]byte }

func newMemExtKeyCache() *memExtKeyCache { return &memExtKeyCache{m: make(map[uint64][]byte)} }
func (c *memExtKeyCache) Get(rid uint64) ([]byte, bool) { v, ok := c.m[rid]; return v, ok }
func (c *memExtKeyCache) Put(rid uint64, key []byte)    { c.m[rid] = append([]byte(nil), key...) }

type noopCursorHost struct{}

func (noopCursorHost) UncoupleAll(uint64) error { return nil }

func newTestTree(t *testing.T, cfg Config) *Tree {
	t.Helper()
	if cfg.PageSize == 0 {
		cfg.PageSize = 512
	}
	if cfg.KeySize == 0 {
		cfg.KeySize = 8
	}
	tree, err := Create(newMemPageStore(cfg.PageSize), newMemBlobStore(), newMemExtKeyCache(), noopCursorHost{}, cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tree
}

func TestInsertAndGet(t *testing.T) {
	tree := newTestTree(t, Config{})

	if err := tree.Insert([]byte("key1"), []byte("value1"), 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	res, err := tree.Get([]byte("key1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got, err := tree.readRecord(res.Entry)
	if err != nil {
		t.Fatalf("readRecord: %v", err)
	}
	if string(got) != "value1" {
		t.Fatalf("expected value1, got %q", got)
	}

	if _, err := tree.Get([]byte("nope")); err != common.ErrKeyNotFound {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestInsertDuplicateKeyRejected(t *testing.T) {
	tree := newTestTree(t, Config{})
	if err := tree.Insert([]byte("a"), []byte("1"), 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tree.Insert([]byte("a"), []byte("2"), 0); err != common.ErrDuplicateKey {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestOverwrite(t *testing.T) {
	tree := newTestTree(t, Config{})
	if err := tree.Insert([]byte("a"), []byte("1"), 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tree.Insert([]byte("a"), []byte("two"), common.FlagOverwrite); err != nil {
		t.Fatalf("Overwrite insert: %v", err)
	}
	res, err := tree.Get([]byte("a"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got, err := tree.readRecord(res.Entry)
	if err != nil {
		t.Fatalf("readRecord: %v", err)
	}
	if string(got) != "two" {
		t.Fatalf("expected two, got %q", got)
	}
}

func TestSplitAcrossManyInserts(t *testing.T) {
	tree := newTestTree(t, Config{PageSize: 512, KeySize: 8})

	const n = 500
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%05d", i))
		val := []byte(fmt.Sprintf("v%05d", i))
		if err := tree.Insert(key, val, 0); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}
	if err := tree.CheckIntegrity(); err != nil {
		t.Fatalf("CheckIntegrity: %v", err)
	}
	count, err := tree.KeyCount()
	if err != nil {
		t.Fatalf("KeyCount: %v", err)
	}
	if count != n {
		t.Fatalf("expected %d keys, got %d", n, count)
	}

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%05d", i))
		want := []byte(fmt.Sprintf("v%05d", i))
		res, err := tree.Get(key)
		if err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
		got, err := tree.readRecord(res.Entry)
		if err != nil {
			t.Fatalf("readRecord %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("key %d: expected %q, got %q", i, want, got)
		}
	}
}

func TestExtendedKey(t *testing.T) {
	tree := newTestTree(t, Config{PageSize: 512, KeySize: 8})
	longKey := bytes.Repeat([]byte("x"), 200)

	if err := tree.Insert(longKey, []byte("payload"), 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	res, err := tree.Get(longKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Entry.flags&EntryExtended == 0 {
		t.Fatalf("expected extended-key entry")
	}
	got, err := tree.readRecord(res.Entry)
	if err != nil {
		t.Fatalf("readRecord: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("expected payload, got %q", got)
	}
}

func TestApproximateMatch(t *testing.T) {
	tree := newTestTree(t, Config{})
	for _, k := range []string{"b", "d", "f"} {
		if err := tree.Insert([]byte(k), []byte(k), 0); err != nil {
			t.Fatalf("Insert %s: %v", k, err)
		}
	}

	res, err := tree.Find([]byte("c"), common.FlagFindLTMatch)
	if err != nil {
		t.Fatalf("LT match: %v", err)
	}
	if string(res.Key) != "b" {
		t.Fatalf("expected LT match b, got %q", res.Key)
	}

	res, err = tree.Find([]byte("c"), common.FlagFindGTMatch)
	if err != nil {
		t.Fatalf("GT match: %v", err)
	}
	if string(res.Key) != "d" {
		t.Fatalf("expected GT match d, got %q", res.Key)
	}
}

func TestDuplicateInsertAndOrder(t *testing.T) {
	tree := newTestTree(t, Config{})
	if err := tree.Insert([]byte("k"), []byte("r1"), 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tree.Insert([]byte("k"), []byte("r2"), common.FlagDuplicate); err != nil {
		t.Fatalf("dup insert: %v", err)
	}
	if err := tree.Insert([]byte("k"), []byte("r0"), common.FlagDuplicateInsertFirst); err != nil {
		t.Fatalf("dup insert first: %v", err)
	}

	res, err := tree.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Entry.flags&EntryHasDupes == 0 {
		t.Fatalf("expected duplicate table entry")
	}
	dt, err := blob.LoadDupTable(tree.blobs, res.Entry.payloadRID)
	if err != nil {
		t.Fatalf("LoadDupTable: %v", err)
	}
	if len(dt.Entries) != 3 {
		t.Fatalf("expected 3 duplicates, got %d", len(dt.Entries))
	}
	first, err := dt.Entries[0].Read(tree.blobs)
	if err != nil {
		t.Fatalf("read first dup: %v", err)
	}
	if string(first) != "r0" {
		t.Fatalf("expected r0 first, got %q", first)
	}
}

func TestEraseSimple(t *testing.T) {
	tree := newTestTree(t, Config{})
	if err := tree.Insert([]byte("a"), []byte("1"), 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tree.Erase([]byte("a"), 0); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if _, err := tree.Get([]byte("a")); err != common.ErrKeyNotFound {
		t.Fatalf("expected ErrKeyNotFound after erase, got %v", err)
	}
	if err := tree.Erase([]byte("a"), 0); err != common.ErrKeyNotFound {
		t.Fatalf("expected ErrKeyNotFound on double erase, got %v", err)
	}
}

func TestEraseAfterManySplitsKeepsIntegrity(t *testing.T) {
	tree := newTestTree(t, Config{PageSize: 512, KeySize: 8})

	const n = 300
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("k%05d", i))
		if err := tree.Insert(key, []byte("v"), 0); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}

	for i := 0; i < n; i += 2 {
		key := []byte(fmt.Sprintf("k%05d", i))
		if err := tree.Erase(key, 0); err != nil {
			t.Fatalf("Erase %d: %v", i, err)
		}
	}
	if err := tree.CheckIntegrity(); err != nil {
		t.Fatalf("CheckIntegrity: %v", err)
	}
	count, err := tree.KeyCount()
	if err != nil {
		t.Fatalf("KeyCount: %v", err)
	}
	if count != n/2 {
		t.Fatalf("expected %d remaining keys, got %d", n/2, count)
	}

	for i := 1; i < n; i += 2 {
		key := []byte(fmt.Sprintf("k%05d", i))
		if _, err := tree.Get(key); err != nil {
			t.Fatalf("Get %d (should survive): %v", i, err)
		}
	}
	for i := 0; i < n; i += 2 {
		key := []byte(fmt.Sprintf("k%05d", i))
		if _, err := tree.Get(key); err != common.ErrKeyNotFound {
			t.Fatalf("key %d should have been erased, got %v", i, err)
		}
	}
}
