// Package spage implements the in-memory descriptor for a single disk page
// (§3 "Page", §4.2). It is deliberately dumb: spage.Page owns nothing
// but its identity, its payload bytes and the bookkeeping every owner
// (cache, changeset, per-database list, cursor list) needs to keep that
// page in O(1)-maintained lists without reference cycles — see §9's
// note on doubly-linked membership, modeled here as a stable rid plus
// small index-based slices rather than embedded prev/next pointers.
package spage

import "encoding/binary"

// Type tags a page's persistent role (§3 "Page").
type Type byte

const (
	TypeUnknown Type = iota
	TypeHeader
	TypeBTreeRoot
	TypeBTreeNode
	TypeBlob
	TypeFreelist
	TypeDupeTable
)

// Header layout shared by every page except blob pages (which set
// FlagNoHeader and use the full page for payload, §3 "Page"):
//
//	[selfRID:8][flags:1][type:1]
const (
	HeaderSize       = 10
	offsetSelfRID    = 0
	offsetFlags      = 8
	offsetType       = 9
)

// Flag bits stored at offsetFlags.
const (
	FlagDirty     byte = 1 << 0
	FlagNoHeader  byte = 1 << 1 // blob page: payload starts at byte 0
	FlagMalloced  byte = 1 << 2 // payload buffer is heap-allocated, not mmap-backed
)

// Page is the in-memory descriptor for one page-sized block.
//
// Membership in the cache's total list, a hash bucket, the in-flight
// changeset, a per-database list and a per-transaction list is tracked by
// the owners of those lists (§9): Page itself only exposes RID(),
// Dirty() and the attached-cursor bookkeeping so any list can test and
// maintain membership in O(1) without Page needing to know about all of
// them.
type Page struct {
	rid     uint64
	data    []byte
	dirty   bool
	noHdr   bool
	malloc  bool
	typ     Type
	pinCnt  int32

	// cursors is the head of the list of coupled cursors referencing this
	// page (§4.2 "Cursor uncoupling"). Cursor IDs, not pointers: the
	// cursor package owns the actual cursor objects and looks them up by
	// ID, so a page never holds a cycle back to a cursor.
	cursors []uint64
}

// New allocates a fresh page of the given size with a zeroed body. Callers
// that want a "no persistent header" blob page should call SetNoHeader
// before writing any payload.
func New(rid uint64, size int, typ Type) *Page {
	p := &Page{
		rid:   rid,
		data:  make([]byte, size),
		dirty: true,
		typ:   typ,
	}
	p.writeHeader()
	return p
}

// Load wraps raw bytes read from the device as a Page, decoding the
// standard header unless the page was written with FlagNoHeader (blob
// pages are identified by the caller, not by self-description, because a
// blob page's first bytes are payload).
func Load(rid uint64, data []byte, noHeader bool) *Page {
	p := &Page{rid: rid, data: data, noHdr: noHeader}
	if !noHeader && len(data) >= HeaderSize {
		p.typ = Type(data[offsetType])
		p.malloc = data[offsetFlags]&FlagMalloced != 0
	}
	return p
}

func (p *Page) writeHeader() {
	if p.noHdr || len(p.data) < HeaderSize {
		return
	}
	binary.BigEndian.PutUint64(p.data[offsetSelfRID:], p.rid)
	flags := byte(0)
	if p.malloc {
		flags |= FlagMalloced
	}
	p.data[offsetFlags] = flags
	p.data[offsetType] = byte(p.typ)
}

// RID returns the page's persistent identity.
func (p *Page) RID() uint64 { return p.rid }

// Size returns the page's payload size in bytes.
func (p *Page) Size() int { return len(p.data) }

// Type returns the page's type tag.
func (p *Page) Type() Type { return p.typ }

// SetType updates the type tag and, unless this is a no-header page,
// persists it into the page header bytes.
func (p *Page) SetType(t Type) {
	p.typ = t
	p.writeHeader()
}

// SetNoHeader marks the page as header-less (blob payload starts at byte 0,
// §3). Must be called before any payload write that would otherwise
// collide with the header bytes.
func (p *Page) SetNoHeader() { p.noHdr = true }

// NoHeader reports whether this page omits the standard header.
func (p *Page) NoHeader() bool { return p.noHdr }

// Dirty reports whether the page has unwritten in-memory modifications.
func (p *Page) Dirty() bool { return p.dirty }

// SetDirty marks or clears the dirty flag.
func (p *Page) SetDirty(dirty bool) {
	p.dirty = dirty
	if !p.noHdr && len(p.data) > offsetFlags {
		if dirty {
			p.data[offsetFlags] |= FlagDirty
		} else {
			p.data[offsetFlags] &^= FlagDirty
		}
	}
}

// Malloced reports whether the payload buffer is a heap allocation rather
// than a view into a memory-mapped region (§4.1 "malloc flag").
func (p *Page) Malloced() bool { return p.malloc }

// SetMalloced records how the payload buffer was obtained.
func (p *Page) SetMalloced(m bool) { p.malloc = m }

// Data returns the full payload buffer, header bytes included.
func (p *Page) Data() []byte { return p.data }

// Payload returns the usable region after the header (or the whole buffer
// for no-header pages).
func (p *Page) Payload() []byte {
	if p.noHdr {
		return p.data
	}
	if len(p.data) < HeaderSize {
		return nil
	}
	return p.data[HeaderSize:]
}

// Pin increments the pin (refcount). A pinned page cannot be evicted
// (§5 "Pinning").
func (p *Page) Pin() { p.pinCnt++ }

// Unpin decrements the pin count. Panics-free: unbalanced Unpin calls clamp
// at zero rather than going negative, since a bug here must never corrupt
// the page itself.
func (p *Page) Unpin() {
	if p.pinCnt > 0 {
		p.pinCnt--
	}
}

// Pinned reports whether the page currently has outstanding pins.
func (p *Page) Pinned() bool { return p.pinCnt > 0 }

// AttachCursor registers a cursor ID as coupled to this page.
func (p *Page) AttachCursor(id uint64) {
	for _, existing := range p.cursors {
		if existing == id {
			return
		}
	}
	p.cursors = append(p.cursors, id)
}

// DetachCursor removes a cursor ID from this page's coupled list.
func (p *Page) DetachCursor(id uint64) {
	for i, existing := range p.cursors {
		if existing == id {
			p.cursors = append(p.cursors[:i], p.cursors[i+1:]...)
			return
		}
	}
}

// CoupledCursors returns the IDs of cursors currently coupled to this page.
// The caller must uncouple all of them (§3 invariant) before the page
// is evicted or destroyed.
func (p *Page) CoupledCursors() []uint64 {
	return p.cursors
}

// Clone makes an independent copy of the page, used by split/merge code
// that needs to stage a new layout before committing it.
func (p *Page) Clone() *Page {
	data := make([]byte, len(p.data))
	copy(data, p.data)
	return &Page{
		rid:    p.rid,
		data:   data,
		dirty:  p.dirty,
		noHdr:  p.noHdr,
		malloc: p.malloc,
		typ:    p.typ,
	}
}
