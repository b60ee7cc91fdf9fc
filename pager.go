package hamsterdb

import (
	"sync"

	"github.com/hamsterdb/hamsterdb/common"
	"github.com/hamsterdb/hamsterdb/device"
	"github.com/hamsterdb/hamsterdb/freelist"
	"github.com/hamsterdb/hamsterdb/pcache"
	"github.com/hamsterdb/hamsterdb/spage"
	"github.com/hamsterdb/hamsterdb/walog"
)

// activeTxn is the narrow slice of *txn.Transaction the pager needs: its
// id, so log records can be tagged, without the pager importing the txn
// package's lifecycle surface.
type activeTxn interface {
	ID() uint64
}

// txnSource lets the pager ask the environment which transaction, if
// any, is currently open (§5 "Ordering": every write belongs to the
// active transaction or to none).
type txnSource interface {
	activeTxnID() uint64
}

// pager is the Environment's page-allocation engine: it composes Device,
// pcache.Cache and freelist.Freelist into the btree.PageStore and
// blob.Store interfaces those packages expect, and implements the
// write path ordering from §4.5/§5: PREWRITE before the first mutation
// of a page in an epoch, the page write itself on eviction/flush, then
// FLUSH_PAGE. It is the one place in the repo where Device, Cache,
// Freelist and the WAL meet, matching §2's "all page mutations traverse
// Log before device write."
type pager struct {
	mu       sync.Mutex
	dev      device.Device
	cache    *pcache.Cache
	free     *freelist.Freelist
	log      *walog.Log
	pagesize int
	txns     txnSource

	// snapshots holds each page's bytes as they were the moment it
	// entered the current epoch (first Fetch/Alloc since the last
	// commit/abort/checkpoint) -- the "before-image" §4.5 PREWRITE
	// records need, captured before any mutation rather than
	// reconstructed after the fact.
	snapshots map[uint64][]byte
	// prewritten marks pages whose before-image has already been logged
	// this epoch (§4.5 "before-image captured is per-page per-checkpoint").
	prewritten map[uint64]bool
}

func newPager(dev device.Device, cache *pcache.Cache, free *freelist.Freelist, log *walog.Log, pagesize int, txns txnSource) *pager {
	return &pager{
		dev:        dev,
		cache:      cache,
		free:       free,
		log:        log,
		pagesize:   pagesize,
		txns:       txns,
		snapshots:  make(map[uint64][]byte),
		prewritten: make(map[uint64]bool),
	}
}

func (p *pager) ensureDeviceSize(want int64) error {
	size, err := p.dev.FileSize()
	if err != nil {
		return err
	}
	if size >= want {
		return nil
	}
	return p.dev.Truncate(want)
}

func snapshot(data []byte) []byte {
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp
}

// Alloc implements btree.PageStore: allocate a fresh page-aligned rid
// from the freelist, grow the device to cover it if needed, and seed a
// pristine page of the given type into the cache (§4.2 "created on
// demand by allocator (fresh)").
func (p *pager) Alloc(typ spage.Type) (*spage.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rid, err := p.free.AllocPage(p.pagesize, common.DAMDefault)
	if err != nil {
		return nil, err
	}
	if err := p.ensureDeviceSize(int64(rid) + int64(p.pagesize)); err != nil {
		return nil, err
	}
	pg := spage.New(rid, p.pagesize, typ)
	p.cache.Put(pg)
	if _, ok := p.snapshots[rid]; !ok {
		p.snapshots[rid] = snapshot(pg.Data())
	}
	return pg, nil
}

// Fetch implements btree.PageStore: return the page for rid from the
// cache, loading it from the device on a miss, purging the cache first
// when it is over budget (§5 "cache-purge routine is invoked at the
// start of each alloc_page/fetch_page").
func (p *pager) Fetch(rid uint64) (*spage.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetchLocked(rid)
}

func (p *pager) fetchLocked(rid uint64) (*spage.Page, error) {
	if pg, ok := p.cache.Get(rid, 0); ok {
		return pg, nil
	}
	if p.cache.TooBig() {
		if err := p.cache.Purge(0); err != nil {
			return nil, err
		}
	}
	buf := make([]byte, p.pagesize)
	if err := p.dev.ReadPage(rid, buf); err != nil {
		if err == common.ErrLimitsReached {
			// §4.1: an mmap LIMITS_REACHED drives a deeper cache purge
			// and one retry.
			if perr := p.cache.Purge(p.cache.Len() / 5); perr != nil {
				return nil, perr
			}
			if err := p.dev.ReadPage(rid, buf); err != nil {
				return nil, err
			}
		} else {
			return nil, err
		}
	}
	pg := spage.Load(rid, buf, false)
	p.cache.Put(pg)
	if _, ok := p.snapshots[rid]; !ok {
		p.snapshots[rid] = snapshot(pg.Data())
	}
	return pg, nil
}

// Free implements btree.PageStore: drop rid from the cache and return
// its chunk range to the freelist.
func (p *pager) Free(rid uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Remove(rid)
	delete(p.snapshots, rid)
	delete(p.prewritten, rid)
	return p.free.MarkFree(rid, p.pagesize, false)
}

// Touch implements btree.PageStore: mark a page dirty, fold it into the
// in-flight transaction's changeset, and log its before-image the first
// time it is touched this epoch (§4.5, §5 ordering step 1).
func (p *pager) Touch(pg *spage.Page) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pg.SetDirty(true)
	rid := pg.RID()
	txnID := p.txns.activeTxnID()
	if txnID != 0 {
		p.cache.MarkChangeset(rid)
	}
	if p.prewritten[rid] || p.log == nil {
		return nil
	}
	before := p.snapshots[rid]
	if _, err := p.log.Prewrite(txnID, rid, 0, before); err != nil {
		return err
	}
	p.prewritten[rid] = true
	return nil
}

// FlushPage implements pcache.Flusher: the §4.5 write path for a dirty
// page -- log its after-image (WRITE, for redo), write it to the
// device, then log FLUSH_PAGE. A nil log (IN_MEMORY_DB, §6) skips
// straight to the device write.
func (p *pager) FlushPage(pg *spage.Page) error {
	if p.log != nil {
		txnID := p.txns.activeTxnID()
		if _, err := p.log.Write(txnID, pg.RID(), 0, snapshot(pg.Data())); err != nil {
			return err
		}
	}
	if err := p.dev.WritePage(pg.RID(), pg.Data()); err != nil {
		return err
	}
	if p.log == nil {
		return nil
	}
	_, err := p.log.FlushPage(pg.RID())
	return err
}

// Flush writes back every dirty resident page (§4.10 "Close: flush
// dirty pages via the log").
func (p *pager) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		pg, ok := p.cache.GetUnused(false)
		if !ok {
			break
		}
		if pg.Dirty() {
			if err := p.FlushPage(pg); err != nil {
				return err
			}
			pg.SetDirty(false)
		}
		p.cache.Remove(rid(pg))
	}
	return nil
}

func rid(pg *spage.Page) uint64 { return pg.RID() }

// beginEpoch clears the per-epoch bookkeeping at a transaction boundary
// (commit, abort or checkpoint): §4.5's "before-image captured" state
// is scoped per-checkpoint, and the in-flight changeset exemption in
// the cache is scoped to one transaction.
func (p *pager) beginEpoch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots = make(map[uint64][]byte)
	p.prewritten = make(map[uint64]bool)
	p.cache.ClearChangeset()
}

// undo reverts every page touched since the epoch began to its
// before-image, both on the device (in case an over-budget cache
// eviction already flushed it) and in the cache (dropping the
// in-memory copy so the next Fetch re-reads the reverted bytes) -- the
// live-process half of §4.11 "abort ... triggers undo via PREWRITE
// images; the in-memory changeset is cleared and pages may be
// re-fetched fresh on next access."
func (p *pager) undo(uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for rid, before := range p.snapshots {
		if err := p.dev.WritePage(rid, before); err != nil {
			return err
		}
		p.cache.Remove(rid)
	}
	return nil
}
