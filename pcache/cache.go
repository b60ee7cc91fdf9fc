// Package pcache implements the bounded, associative page cache described
// in §4.3. It generalizes the map+container/list LRU that
// btree/pager.go used to keep inline: the hash table and the
// youngest-first list are the same idea, just pulled out so Device,
// Freelist and the B-tree backend can all share one cache of spage.Page
// values keyed by rid instead of each gluing its own.
package pcache

import (
	"container/list"
	"sync"

	"github.com/hamsterdb/hamsterdb/common"
	"github.com/hamsterdb/hamsterdb/spage"
)

// GetFlags tunes Cache.Get.
type GetFlags uint8

const (
	// NoRemove: leave the page at its current LRU position on Get
	// instead of promoting it to the head (§4.3).
	NoRemove GetFlags = 1 << iota
)

// Mode selects the eviction policy (§4.3 "Eviction policy").
type Mode int

const (
	// ModePermissive purges up to 10% of the overage, capped at 20 pages
	// per round, and tolerates staying over budget.
	ModePermissive Mode = iota
	// ModeStrict purges until the cache fits or returns "cache full".
	ModeStrict
	// ModeUnlimited never evicts for size, only to curb mmap pressure (one
	// page per purge round).
	ModeUnlimited
)

// Flusher writes a dirty page through the log before it is evicted (spec
// §4.3 "Every eviction writes back dirty pages via the Log path"). The
// cache doesn't know about the WAL directly; it calls back into whatever
// owns the write-ahead-log-then-device path.
type Flusher interface {
	FlushPage(p *spage.Page) error
}

type entry struct {
	page *spage.Page
	elem *list.Element // position in lru, youngest-first
}

// Cache is a bounded associative store mapping rid to *spage.Page.
type Cache struct {
	mu       sync.Mutex
	capacity int
	mode     Mode
	flusher  Flusher

	byRID map[uint64]*entry
	lru   *list.List // front = youngest, back = eviction candidate

	// changeset holds rids the cache must never evict mid-transaction
	// (§5 "must never evict pages belonging to the in-flight
	// changeset").
	changeset map[uint64]bool
}

// New creates a cache with the given capacity (page count) and eviction
// mode.
func New(capacity int, mode Mode, flusher Flusher) *Cache {
	return &Cache{
		capacity:  capacity,
		mode:      mode,
		flusher:   flusher,
		byRID:     make(map[uint64]*entry),
		lru:       list.New(),
		changeset: make(map[uint64]bool),
	}
}

// SetFlusher installs (or replaces) the flush-on-evict callback. Used
// when the cache must be constructed before its flusher exists yet
// (the flusher itself needs a reference to the cache) -- see
// hamsterdb.newEnvironment's cache/pager wiring.
func (c *Cache) SetFlusher(f Flusher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flusher = f
}

// Len returns the number of resident pages.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// TooBig reports whether the cache holds more pages than its capacity.
func (c *Cache) TooBig() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tooBigLocked()
}

func (c *Cache) tooBigLocked() bool {
	if c.mode == ModeUnlimited {
		return false
	}
	return c.lru.Len() > c.capacity
}

// Put inserts a page at the head of the LRU list. No-op if already
// present.
func (c *Cache) Put(p *spage.Page) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(p)
}

func (c *Cache) putLocked(p *spage.Page) {
	if _, ok := c.byRID[p.RID()]; ok {
		return
	}
	elem := c.lru.PushFront(p.RID())
	c.byRID[p.RID()] = &entry{page: p, elem: elem}
}

// Get returns the page for rid, promoting it to the head of the LRU list
// unless NoRemove is set (in which case it stays where it is but is still
// returned).
func (c *Cache) Get(rid uint64, flags GetFlags) (*spage.Page, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byRID[rid]
	if !ok {
		return nil, false
	}
	if flags&NoRemove == 0 {
		c.lru.MoveToFront(e.elem)
	}
	return e.page, true
}

// Remove detaches a page from both the hash table and the LRU list. The
// caller is responsible for re-inserting it with Put if it intends to
// return ownership to the cache.
func (c *Cache) Remove(rid uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(rid)
}

func (c *Cache) removeLocked(rid uint64) {
	e, ok := c.byRID[rid]
	if !ok {
		return
	}
	c.lru.Remove(e.elem)
	delete(c.byRID, rid)
}

// MarkChangeset marks rid as belonging to the in-flight transaction's
// changeset, exempting it from eviction until UnmarkChangeset is called.
func (c *Cache) MarkChangeset(rid uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changeset[rid] = true
}

// ClearChangeset empties the changeset exemption set (called on commit,
// abort, or checkpoint).
func (c *Cache) ClearChangeset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changeset = make(map[uint64]bool)
}

// GetUnused returns the oldest unpinned page that isn't in the in-flight
// changeset. When fast is true, only a small window at the tail is
// checked before giving up (§4.3 "get_unused_page").
func (c *Cache) GetUnused(fast bool) (*spage.Page, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	limit := c.lru.Len()
	if fast && limit > 8 {
		limit = 8
	}

	elem := c.lru.Back()
	for i := 0; elem != nil && i < limit; i, elem = i+1, elem.Prev() {
		rid := elem.Value.(uint64)
		if c.changeset[rid] {
			continue
		}
		e := c.byRID[rid]
		if e.page.Pinned() {
			continue
		}
		return e.page, true
	}
	return nil, false
}

// Purge evicts pages to bring the cache back under budget, per the policy
// in §4.3. target, when > 0, overrides the permissive 10%/20-page cap
// with a deeper sweep (used when a device alloc/fetch hit an address-space
// limit and needs more headroom).
func (c *Cache) Purge(target int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.mode {
	case ModeStrict:
		for c.tooBigLocked() {
			if !c.evictOneLocked() {
				return common.ErrCacheFull
			}
		}
		return nil

	case ModeUnlimited:
		// Never evict for size; still purge one page per round to curb
		// mmap pressure, the same opportunistic evictLRU call a pager
		// makes outside of pressure-driven eviction.
		c.evictOneLocked()
		return nil

	default: // ModePermissive
		overage := c.lru.Len() - c.capacity
		if overage <= 0 && target <= 0 {
			return nil
		}
		n := target
		if n <= 0 {
			n = overage / 10
			if n > 20 {
				n = 20
			}
			if n == 0 && overage > 0 {
				n = 1
			}
		}
		for i := 0; i < n; i++ {
			if !c.evictOneLocked() {
				break
			}
		}
		return nil
	}
}

// evictOneLocked evicts the single oldest unpinned, non-changeset page,
// flushing it first if dirty. Returns false if nothing could be evicted.
func (c *Cache) evictOneLocked() bool {
	elem := c.lru.Back()
	for elem != nil {
		rid := elem.Value.(uint64)
		prev := elem.Prev()
		if !c.changeset[rid] {
			e := c.byRID[rid]
			if !e.page.Pinned() {
				if e.page.Dirty() && c.flusher != nil {
					if err := c.flusher.FlushPage(e.page); err != nil {
						return false
					}
					e.page.SetDirty(false)
				}
				c.lru.Remove(elem)
				delete(c.byRID, rid)
				return true
			}
		}
		elem = prev
	}
	return false
}

// CheckIntegrity walks both the hash table and the LRU list and verifies
// cross-linkage and counts match (§4.3 "check_integrity").
func (c *Cache) CheckIntegrity() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lru.Len() != len(c.byRID) {
		return common.ErrIntegrityViolated
	}
	seen := make(map[uint64]bool, c.lru.Len())
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		rid := elem.Value.(uint64)
		if seen[rid] {
			return common.ErrIntegrityViolated
		}
		seen[rid] = true
		e, ok := c.byRID[rid]
		if !ok || e.elem != elem {
			return common.ErrIntegrityViolated
		}
	}
	return nil
}
