package btree

import (
	"bytes"
	"fmt"

	"github.com/hamsterdb/hamsterdb/blob"
	"github.com/hamsterdb/hamsterdb/common"
	"github.com/hamsterdb/hamsterdb/spage"
)

// Comparator orders two keys the way §3's "database's configured
// comparator" does: negative if a < b, zero if equal, positive if a > b.
type Comparator func(a, b []byte) int

// DefaultComparator is plain byte-lexicographic order.
func DefaultComparator(a, b []byte) int { return bytes.Compare(a, b) }

// PageStore is the page-allocation surface the B-tree backend needs from
// its owning Environment/Database (§4.7 operates on pages fetched
// through the Cache and allocated through the Freelist+Device; this
// interface is deliberately narrow so Tree can be exercised without
// either). Touch marks a fetched page dirty and performs whatever
// before-image logging the environment's write path requires (§4.5
// "append PREWRITE if first write of the page in this txn") before the
// caller mutates it.
type PageStore interface {
	Alloc(typ spage.Type) (*spage.Page, error)
	Fetch(rid uint64) (*spage.Page, error)
	Free(rid uint64) error
	Touch(p *spage.Page) error
}

// CursorHost lets the cursor package hear about structural changes that
// must uncouple any cursor coupled to a page before it is split, merged
// or otherwise invalidated (§4.7 "Cursors on the b-tree"). A Tree
// used without cursors (tests, the duplicate-table helpers) may leave
// this nil.
type CursorHost interface {
	UncoupleAll(pageRID uint64) error
}

// Config describes how a single database's B-tree backend is laid out
// (§4.7 "Key capacity").
type Config struct {
	PageSize      int
	KeySize       int // inline prefix capacity per key record
	Comparator    Comparator
	DupComparator Comparator // nil defers to Comparator (see DESIGN.md)
	DAM           common.DataAccessMode
	SortDuplicates bool
}

// Tree is one database's B-tree backend (§4.7). RootRID is owned by
// the environment's index-data slot for this database; callers persist
// it back there whenever it changes (root split, first insert into an
// empty database).
type Tree struct {
	store    PageStore
	blobs    blob.Store
	extkeys  ExtKeyCache
	cursors  CursorHost
	cmp      Comparator
	dupCmp   Comparator
	capacity  int
	maxKeys   int
	dam       common.DataAccessMode
	sortDupes bool
	RootRID   uint64

	hint struct {
		have     bool
		leafRID  uint64
		low      []byte
		haveLow  bool
		high     []byte
		haveHigh bool
	}
}

// ExtKeyCache is the per-database overflow-key cache (§4.8),
// narrowed to what Tree needs.
type ExtKeyCache interface {
	Get(rid uint64) ([]byte, bool)
	Put(rid uint64, key []byte)
}

func validateConfig(cfg Config) (Config, int, error) {
	if cfg.PageSize < 512 {
		return cfg, 0, fmt.Errorf("%w: pagesize must be >= 512", common.ErrInvalidPagesize)
	}
	if cfg.KeySize <= 0 {
		return cfg, 0, fmt.Errorf("%w: keysize must be > 0", common.ErrInvalidKeysize)
	}
	if cfg.Comparator == nil {
		cfg.Comparator = DefaultComparator
	}
	if cfg.DupComparator == nil {
		cfg.DupComparator = cfg.Comparator
	}
	maxKeys, err := MaxKeys(cfg.PageSize, cfg.KeySize)
	if err != nil {
		return cfg, 0, err
	}
	return cfg, maxKeys, nil
}

// Create allocates a fresh root leaf page and returns a new, empty Tree.
func Create(store PageStore, blobs blob.Store, extkeys ExtKeyCache, cursors CursorHost, cfg Config) (*Tree, error) {
	cfg, maxKeys, err := validateConfig(cfg)
	if err != nil {
		return nil, err
	}
	root, err := store.Alloc(spage.TypeBTreeRoot)
	if err != nil {
		return nil, err
	}
	InitNode(root, cfg.KeySize, true)

	return &Tree{
		store:    store,
		blobs:    blobs,
		extkeys:  extkeys,
		cursors:  cursors,
		cmp:      cfg.Comparator,
		dupCmp:   cfg.DupComparator,
		capacity:  cfg.KeySize,
		maxKeys:   maxKeys,
		dam:       cfg.DAM,
		sortDupes: cfg.SortDuplicates,
		RootRID:   root.RID(),
	}, nil
}

// Open wraps an existing root page rid as a Tree (§4.10 "Open":
// the root rid comes from the environment's index-data slot).
func Open(store PageStore, blobs blob.Store, extkeys ExtKeyCache, cursors CursorHost, cfg Config, rootRID uint64) (*Tree, error) {
	cfg, maxKeys, err := validateConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &Tree{
		store:    store,
		blobs:    blobs,
		extkeys:  extkeys,
		cursors:  cursors,
		cmp:      cfg.Comparator,
		dupCmp:   cfg.DupComparator,
		capacity:  cfg.KeySize,
		maxKeys:   maxKeys,
		dam:       cfg.DAM,
		sortDupes: cfg.SortDuplicates,
		RootRID:   rootRID,
	}, nil
}

// SetCursorHost installs the cursor manager after construction, for the
// circular dependency between a Tree and the cursor.Manager that takes
// it as an argument (same late-binding shape as pcache.Cache.SetFlusher).
func (t *Tree) SetCursorHost(h CursorHost) { t.cursors = h }

// MaxKeys reports the leaf capacity computed from this tree's page and
// key size, stored in the header's index-data slot for diagnostics.
func (t *Tree) MaxKeys() int { return t.maxKeys }

func (t *Tree) fetchNode(rid uint64) (*Node, error) {
	p, err := t.store.Fetch(rid)
	if err != nil {
		return nil, err
	}
	return WrapNode(p, t.capacity), nil
}

// fullKey reconstructs the complete key for entry e, resolving the
// extended-key blob through the per-database cache on overflow (spec
// §4.8).
func (t *Tree) fullKey(e entry) ([]byte, error) {
	if e.flags&EntryExtended == 0 {
		return e.inlineKey[:e.keyLen], nil
	}
	var suffix []byte
	if cached, ok := t.extkeys.Get(e.extRID); ok {
		suffix = cached
	} else {
		var err error
		suffix, err = blob.Read(t.blobs, e.extRID)
		if err != nil {
			return nil, err
		}
		t.extkeys.Put(e.extRID, suffix)
	}
	full := make([]byte, 0, int(e.keyLen))
	full = append(full, e.inlineKey[:t.capacity]...)
	full = append(full, suffix...)
	return full[:e.keyLen], nil
}

// makeEntry builds a key record for key carrying payloadRID, allocating
// an extended-key blob for the overflow when key exceeds the inline
// capacity (§4.7 "Key capacity").
func (t *Tree) makeEntry(key []byte, payloadRID uint64, extraFlags uint8) (entry, error) {
	e := entry{keyLen: uint16(len(key)), payloadRID: payloadRID, flags: extraFlags}
	e.inlineKey = make([]byte, t.capacity)
	if len(key) <= t.capacity {
		copy(e.inlineKey, key)
		return e, nil
	}
	copy(e.inlineKey, key[:t.capacity])
	suffix := key[t.capacity:]
	rid, err := blob.Allocate(t.blobs, t.dam, suffix)
	if err != nil {
		return entry{}, err
	}
	e.extRID = rid
	e.flags |= EntryExtended
	t.extkeys.Put(rid, suffix)
	return e, nil
}

// freeEntryKey releases an entry's extended-key blob, if any, when the
// entry is being removed from the tree for good.
func (t *Tree) freeEntryKey(e entry) error {
	if e.flags&EntryExtended == 0 {
		return nil
	}
	return blob.Free(t.blobs, e.extRID)
}

// pathStep records one hop of a root-to-leaf descent so Insert/Erase can
// propagate a split or merge back up without needing live parent
// pointers (§4.7 "Splits propagate; a new root is created when the
// root itself splits").
type pathStep struct {
	rid   uint64
	index int // index of the child pointer followed at this node
}

// descend walks from the root to the leaf that should contain key,
// recording the path taken. Internal node entries store the child rid
// in payloadRID, keyed by the smallest key in that child's subtree
// (§4.7 "(key, child-rid) pairs").
func (t *Tree) descend(key []byte) ([]pathStep, *Node, error) {
	var path []pathStep
	rid := t.RootRID
	for {
		n, err := t.fetchNode(rid)
		if err != nil {
			return nil, nil, err
		}
		if n.Leaf() {
			return path, n, nil
		}
		entries := n.Entries()
		idx := t.childIndex(entries, key)
		path = append(path, pathStep{rid: rid, index: idx})
		rid = entries[idx].payloadRID
	}
}

// childIndex finds the last entry whose key is <= target, i.e. the
// child subtree that must contain it (entries[0].inlineKey is a
// sentinel low bound of "everything", so index 0 always matches when
// nothing else does).
func (t *Tree) childIndex(entries []entry, key []byte) int {
	idx := 0
	for i, e := range entries {
		k, err := t.fullKey(e)
		if err != nil {
			continue
		}
		if t.cmp(key, k) >= 0 {
			idx = i
		} else {
			break
		}
	}
	return idx
}

// searchLeaf returns the index of key in the leaf's entries (exact
// match) or the negative insertion point `-(pos)-1`, mirroring the
// searchCell convention of an earlier btree/page.go.
func (t *Tree) searchLeaf(n *Node, key []byte) (int, []entry, error) {
	entries := n.Entries()
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		k, err := t.fullKey(entries[mid])
		if err != nil {
			return 0, nil, err
		}
		c := t.cmp(key, k)
		switch {
		case c == 0:
			return mid, entries, nil
		case c < 0:
			hi = mid
		default:
			lo = mid + 1
		}
	}
	return -lo - 1, entries, nil
}

// useHint reports whether key falls strictly inside the last
// successfully used leaf's bounds, letting Find skip the root-to-leaf
// descent (§4.7 "Find ... fast-track lookup directly in a
// recently-used leaf").
func (t *Tree) useHint(key []byte) (uint64, bool) {
	if !t.hint.have || !t.hint.haveLow || !t.hint.haveHigh {
		return 0, false
	}
	if t.cmp(key, t.hint.low) <= 0 || t.cmp(key, t.hint.high) >= 0 {
		return 0, false
	}
	return t.hint.leafRID, true
}

func (t *Tree) setHint(rid uint64, entries []entry) {
	t.hint.have = true
	t.hint.leafRID = rid
	if len(entries) == 0 {
		t.hint.haveLow, t.hint.haveHigh = false, false
		return
	}
	low, err := t.fullKey(entries[0])
	if err == nil {
		t.hint.low, t.hint.haveLow = low, true
	}
	high, err := t.fullKey(entries[len(entries)-1])
	if err == nil {
		t.hint.high, t.hint.haveHigh = high, true
	}
}

// Result is what Find returns: the matched entry, its containing leaf
// and slot index, and the exact key bytes matched (which may differ
// from the query key under LT/GT approximate matching).
type Result struct {
	Entry   entry
	LeafRID uint64
	Index   int
	Key     []byte
	Approx  bool
}

// Find locates key using the flags in §4.7: exact match by
// default, or the nearest key on the requested side under
// FlagFindLTMatch/FlagFindGTMatch. An approximate match that falls off
// the edge of its leaf follows the sibling pointer exactly one step
// (spec's open question on looping is resolved as "no, one hop only").
func (t *Tree) Find(key []byte, flags common.Flags) (Result, error) {
	leafRID, ok := t.useHint(key)
	var n *Node
	var err error
	if ok {
		n, err = t.fetchNode(leafRID)
		if err != nil {
			return Result{}, err
		}
	} else {
		_, n, err = t.descend(key)
		if err != nil {
			return Result{}, err
		}
	}

	idx, entries, err := t.searchLeaf(n, key)
	if err != nil {
		return Result{}, err
	}
	if idx < 0 && ok {
		// The hinted leaf may have split or merged since its bounds were
		// recorded, so a miss there is retried with a full descent.
		if _, n, err = t.descend(key); err != nil {
			return Result{}, err
		}
		if idx, entries, err = t.searchLeaf(n, key); err != nil {
			return Result{}, err
		}
	}
	t.setHint(n.Page.RID(), entries)

	if idx >= 0 {
		return Result{Entry: entries[idx], LeafRID: n.Page.RID(), Index: idx, Key: key}, nil
	}

	insertAt := -idx - 1
	switch {
	case flags.Has(common.FlagFindLTMatch):
		if insertAt > 0 {
			k, err := t.fullKey(entries[insertAt-1])
			if err != nil {
				return Result{}, err
			}
			return Result{Entry: entries[insertAt-1], LeafRID: n.Page.RID(), Index: insertAt - 1, Key: k, Approx: true}, nil
		}
		return t.findOnSibling(n.Left(), key, false)
	case flags.Has(common.FlagFindGTMatch):
		if insertAt < len(entries) {
			k, err := t.fullKey(entries[insertAt])
			if err != nil {
				return Result{}, err
			}
			return Result{Entry: entries[insertAt], LeafRID: n.Page.RID(), Index: insertAt, Key: k, Approx: true}, nil
		}
		return t.findOnSibling(n.Right(), key, true)
	default:
		return Result{}, common.ErrKeyNotFound
	}
}

// findOnSibling is the "one hop across the page boundary" fallback for
// an approximate match that ran off the edge of its leaf.
func (t *Tree) findOnSibling(siblingRID uint64, key []byte, wantFirst bool) (Result, error) {
	if siblingRID == 0 {
		return Result{}, common.ErrKeyNotFound
	}
	n, err := t.fetchNode(siblingRID)
	if err != nil {
		return Result{}, err
	}
	entries := n.Entries()
	if len(entries) == 0 {
		return Result{}, common.ErrKeyNotFound
	}
	idx := len(entries) - 1
	if wantFirst {
		idx = 0
	}
	k, err := t.fullKey(entries[idx])
	if err != nil {
		return Result{}, err
	}
	return Result{Entry: entries[idx], LeafRID: siblingRID, Index: idx, Key: k, Approx: true}, nil
}

// Get is the exact-match convenience path used by non-duplicate-aware
// callers (§8 scenario 1).
func (t *Tree) Get(key []byte) (Result, error) {
	return t.Find(key, common.FlagFindExactMatch)
}

// Enumerate visits every leaf entry in ascending key order by chasing
// right-sibling pointers from the leftmost leaf (§4.7
// "Enumeration"). visit returning false stops the walk early.
func (t *Tree) Enumerate(visit func(key []byte, e entry) (bool, error)) error {
	rid := t.RootRID
	for {
		n, err := t.fetchNode(rid)
		if err != nil {
			return err
		}
		if n.Leaf() {
			break
		}
		entries := n.Entries()
		if len(entries) == 0 {
			return nil
		}
		rid = entries[0].payloadRID
	}

	for rid != 0 {
		n, err := t.fetchNode(rid)
		if err != nil {
			return err
		}
		for _, e := range n.Entries() {
			k, err := t.fullKey(e)
			if err != nil {
				return err
			}
			cont, err := visit(k, e)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		rid = n.Right()
	}
	return nil
}

// KeyCount sums 1 + (duplicates_count-1) across every key (§8
// "A full key-count enumeration equals ... get_key_count").
func (t *Tree) KeyCount() (int64, error) {
	var total int64
	err := t.Enumerate(func(_ []byte, e entry) (bool, error) {
		if e.flags&EntryHasDupes != 0 {
			dt, err := blob.LoadDupTable(t.blobs, e.payloadRID)
			if err != nil {
				return false, err
			}
			total += int64(len(dt.Entries))
		} else {
			total++
		}
		return true, nil
	})
	return total, err
}

// CheckIntegrity walks every leaf and verifies strict key ordering
// (§8 "∀ B-tree leaf L ... compare(kᵢ, kᵢ₊₁) < 0").
func (t *Tree) CheckIntegrity() error {
	var prev []byte
	havePrev := false
	return t.Enumerate(func(k []byte, _ entry) (bool, error) {
		if havePrev && t.cmp(prev, k) >= 0 {
			return false, fmt.Errorf("%w: btree keys out of order", common.ErrIntegrityViolated)
		}
		prev, havePrev = k, true
		return true, nil
	})
}
