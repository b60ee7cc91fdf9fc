// Package cursor implements the coupled/uncoupled positional iterator
// from §4.9, grounded in btree/iterator.go's approach (root page
// lookup, leftmost-leaf seek, right-sibling chasing) but reworked around
// btree.Tree's Record handle instead of iterator.go's direct *Page
// access, and extended with duplicate-table stepping, insert/overwrite/
// erase at the current position, and structural-change uncoupling.
package cursor

import (
	"sync"
	"sync/atomic"

	"github.com/hamsterdb/hamsterdb/btree"
	"github.com/hamsterdb/hamsterdb/common"
)

// TxnOwner is the slice of txn.Transaction a cursor needs: bump and drop
// its live-cursor refcount so the transaction can refuse to commit or
// abort while cursors remain open (§4.9, §4.11).
type TxnOwner interface {
	AddCursor()
	DropCursor()
}

type state int

const (
	stateNil state = iota
	stateCoupled
	stateUncoupled
)

// Cursor is one of nil, coupled(leaf-rid, index[, dupIndex]), or
// uncoupled(key-bytes) (§4.9). It carries no internal lock: the
// engine's Non-goals exclude multi-writer concurrency, and a single
// cursor is never driven from two goroutines at once.
type Cursor struct {
	mgr  *Manager
	id   uint64
	tree *btree.Tree
	txn  TxnOwner

	st       state
	leafRID  uint64
	index    int
	dupIndex int // -1 when the current entry has no duplicate table
	key      []byte
	closed   bool
}

// Manager tracks every live cursor for one Tree, keyed by the leaf page
// it is currently coupled to, and implements btree.CursorHost so the
// B-tree backend can uncouple them ahead of a split, merge, or erase
// that would otherwise shift slot indices out from under them (spec
// §4.7 "Cursors on the b-tree").
type Manager struct {
	tree   *btree.Tree
	mu     sync.Mutex
	nextID uint64
	byPage map[uint64]map[uint64]*Cursor
}

// NewManager returns a cursor manager for tree. Pass it as tree's
// CursorHost when constructing the Tree.
func NewManager(tree *btree.Tree) *Manager {
	return &Manager{tree: tree, byPage: make(map[uint64]map[uint64]*Cursor)}
}

// UncoupleAll implements btree.CursorHost: every cursor coupled to
// pageRID saves its current key and drops to the uncoupled state.
func (m *Manager) UncoupleAll(pageRID uint64) error {
	m.mu.Lock()
	set := m.byPage[pageRID]
	delete(m.byPage, pageRID)
	m.mu.Unlock()

	for _, c := range set {
		c.st = stateUncoupled
	}
	return nil
}

func (m *Manager) register(pageRID uint64, c *Cursor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.byPage[pageRID]
	if set == nil {
		set = make(map[uint64]*Cursor)
		m.byPage[pageRID] = set
	}
	set[c.id] = c
}

func (m *Manager) unregister(pageRID uint64, c *Cursor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set := m.byPage[pageRID]; set != nil {
		delete(set, c.id)
		if len(set) == 0 {
			delete(m.byPage, pageRID)
		}
	}
}

// New opens a cursor positioned at nil. owner may be nil (e.g. a
// transactionless database); when given, its refcount is bumped now and
// dropped on Close.
func (m *Manager) New(owner TxnOwner) *Cursor {
	id := atomic.AddUint64(&m.nextID, 1)
	c := &Cursor{mgr: m, id: id, tree: m.tree, txn: owner, dupIndex: -1}
	if owner != nil {
		owner.AddCursor()
	}
	return c
}

func (c *Cursor) couple(rec btree.Record, dupIndex int) {
	if c.st == stateCoupled {
		c.mgr.unregister(c.leafRID, c)
	}
	c.st = stateCoupled
	c.leafRID = rec.LeafRID
	c.index = rec.Index
	c.key = rec.Key
	c.dupIndex = dupIndex
	c.mgr.register(c.leafRID, c)
}

// record re-resolves the cursor's current position: if coupled, refetch
// directly; if uncoupled, relocate by key (§4.9 "a later operation
// may re-couple by lookup").
func (c *Cursor) record() (btree.Record, error) {
	switch c.st {
	case stateCoupled:
		return c.tree.RecordAt(c.leafRID, c.index)
	case stateUncoupled:
		rec, err := c.tree.FindRecord(c.key, common.FlagFindExactMatch)
		if err != nil {
			return btree.Record{}, err
		}
		c.couple(rec, c.clampDupIndex(rec))
		return rec, nil
	default:
		return btree.Record{}, common.ErrCursorIsNil
	}
}

func (c *Cursor) clampDupIndex(rec btree.Record) int {
	if !rec.HasDuplicates() {
		return -1
	}
	if c.dupIndex < 0 {
		return 0
	}
	return c.dupIndex
}
