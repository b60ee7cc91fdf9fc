package cursor

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/hamsterdb/hamsterdb/btree"
	"github.com/hamsterdb/hamsterdb/common"
	"github.com/hamsterdb/hamsterdb/spage"
)

// The fakes below mirror btree's test doubles; cursor needs its own copy
// since btree's are unexported to that package's _test.go files.

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

func (m *memPageStore) Free(rid uint64) error { delete(m.pages, rid); return nil }
func (m *memPageStore) Touch(p *spage.Page) error {
	p.SetDirty(true)
	return nil
}

type memBlobStore struct {
	buf  []byte
	next uint64
}

func newMemBlobStore() *memBlobStore { return &memBlobStore{buf: make([]byte, 0, 1<<16), next: 1} }

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

func newTestSetup(t *testing.T) (*btree.Tree, *Manager) {
	t.Helper()
	store := newMemPageStore(512)
	blobs := newMemBlobStore()
	extkeys := newMemExtKeyCache()

	var mgr *Manager
	hostProxy := cursorHostFunc(func(rid uint64) error { return mgr.UncoupleAll(rid) })

	tree, err := btree.Create(store, blobs, extkeys, hostProxy, btree.Config{PageSize: 512, KeySize: 8})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	mgr = NewManager(tree)
	return tree, mgr
}

type cursorHostFunc func(rid uint64) error

func (f cursorHostFunc) UncoupleAll(rid uint64) error { return f(rid) }

func TestMoveFirstLastNext(t *testing.T) {
	tree, mgr := newTestSetup(t)
	for _, k := range []string{"a", "b", "c"} {
		if err := tree.Insert([]byte(k), []byte(k), 0); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	c := mgr.New(nil)
	defer c.Close()

	if err := c.Move(common.FlagCursorFirst); err != nil {
		t.Fatalf("Move FIRST: %v", err)
	}
	key, err := c.Key()
	if err != nil || string(key) != "a" {
		t.Fatalf("expected a, got %q err %v", key, err)
	}

	if err := c.Move(common.FlagCursorNext); err != nil {
		t.Fatalf("Move NEXT: %v", err)
	}
	if key, _ = c.Key(); string(key) != "b" {
		t.Fatalf("expected b, got %q", key)
	}

	if err := c.Move(common.FlagCursorLast); err != nil {
		t.Fatalf("Move LAST: %v", err)
	}
	if key, _ = c.Key(); string(key) != "c" {
		t.Fatalf("expected c, got %q", key)
	}
}

func TestCursorFindAndOverwrite(t *testing.T) {
	tree, mgr := newTestSetup(t)
	if err := tree.Insert([]byte("k"), []byte("v1"), 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	c := mgr.New(nil)
	defer c.Close()

	if err := c.Find([]byte("k"), common.FlagFindExactMatch); err != nil {
		t.Fatalf("Find: %v", err)
	}
	if err := c.Overwrite([]byte("v2")); err != nil {
		t.Fatalf("Overwrite: %v", err)
	}
	rec, err := c.Record()
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if string(rec) != "v2" {
		t.Fatalf("expected v2, got %q", rec)
	}
}

func TestCursorEraseSingle(t *testing.T) {
	tree, mgr := newTestSetup(t)
	if err := tree.Insert([]byte("k"), []byte("v"), 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	c := mgr.New(nil)
	defer c.Close()

	if err := c.Find([]byte("k"), common.FlagFindExactMatch); err != nil {
		t.Fatalf("Find: %v", err)
	}
	if err := c.Erase(0); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if _, err := tree.Get([]byte("k")); err != common.ErrKeyNotFound {
		t.Fatalf("expected key gone, got %v", err)
	}
	if _, err := c.Key(); err != common.ErrCursorIsNil {
		t.Fatalf("expected cursor invalidated, got %v", err)
	}
}

func TestCursorDuplicateStepping(t *testing.T) {
	tree, mgr := newTestSetup(t)
	if err := tree.Insert([]byte("k"), []byte("r1"), 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tree.Insert([]byte("k"), []byte("r2"), common.FlagDuplicate); err != nil {
		t.Fatalf("dup insert: %v", err)
	}
	if err := tree.Insert([]byte("k"), []byte("r3"), common.FlagDuplicate); err != nil {
		t.Fatalf("dup insert: %v", err)
	}

	c := mgr.New(nil)
	defer c.Close()
	if err := c.Find([]byte("k"), common.FlagFindExactMatch); err != nil {
		t.Fatalf("Find: %v", err)
	}
	count, err := c.GetDuplicateCount()
	if err != nil {
		t.Fatalf("GetDuplicateCount: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 duplicates, got %d", count)
	}

	rec, _ := c.Record()
	if string(rec) != "r1" {
		t.Fatalf("expected r1 first, got %q", rec)
	}
	if err := c.Move(common.FlagCursorNext); err != nil {
		t.Fatalf("Move NEXT within dupes: %v", err)
	}
	rec, _ = c.Record()
	if string(rec) != "r2" {
		t.Fatalf("expected r2 second, got %q", rec)
	}
}

func TestCursorCloneIndependence(t *testing.T) {
	tree, mgr := newTestSetup(t)
	if err := tree.Insert([]byte("a"), []byte("1"), 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tree.Insert([]byte("b"), []byte("2"), 0); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	c := mgr.New(nil)
	defer c.Close()
	if err := c.Find([]byte("a"), common.FlagFindExactMatch); err != nil {
		t.Fatalf("Find: %v", err)
	}
	clone := c.Clone()
	defer clone.Close()

	if err := c.Move(common.FlagCursorNext); err != nil {
		t.Fatalf("Move NEXT: %v", err)
	}
	k1, _ := c.Key()
	k2, _ := clone.Key()
	if bytes.Equal(k1, k2) {
		t.Fatalf("expected clone to stay put, both read %q", k1)
	}
}
