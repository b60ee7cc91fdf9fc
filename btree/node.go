package btree

import (
	"encoding/binary"

	"github.com/hamsterdb/hamsterdb/spage"
)

// nodeHeaderSize is the fixed B-tree node header (§6): flags(4),
// count(2), leaf(2), left_rid(8), right_rid(8), parent_rid(8).
const nodeHeaderSize = 32

const (
	offFlags  = 0
	offCount  = 4
	offLeaf   = 6
	offLeft   = 8
	offRight  = 16
	offParent = 24
)

// Node wraps a spage.Page tagged btree-root or btree-node and exposes
// the header fields and key-record slots from §3/§4.7. Capacity is
// the inline key prefix length the owning Tree was configured with.
type Node struct {
	Page     *spage.Page
	Capacity int
}

func newNodeHeader(buf []byte, leaf bool, left, right, parent uint64) {
	binary.BigEndian.PutUint32(buf[offFlags:], 0)
	binary.BigEndian.PutUint16(buf[offCount:], 0)
	leafVal := uint16(0)
	if leaf {
		leafVal = 1
	}
	binary.BigEndian.PutUint16(buf[offLeaf:], leafVal)
	binary.BigEndian.PutUint64(buf[offLeft:], left)
	binary.BigEndian.PutUint64(buf[offRight:], right)
	binary.BigEndian.PutUint64(buf[offParent:], parent)
}

// WrapNode adapts an already-fetched page as a Node view.
func WrapNode(p *spage.Page, capacity int) *Node {
	return &Node{Page: p, Capacity: capacity}
}

// InitNode formats a freshly allocated page as an empty leaf or internal
// node. The page's type tag (root vs. node) is the caller's concern.
func InitNode(p *spage.Page, capacity int, leaf bool) *Node {
	payload := p.Payload()
	newNodeHeader(payload, leaf, 0, 0, 0)
	p.SetDirty(true)
	return &Node{Page: p, Capacity: capacity}
}

func (n *Node) header() []byte { return n.Page.Payload()[:nodeHeaderSize] }

func (n *Node) Leaf() bool {
	return binary.BigEndian.Uint16(n.header()[offLeaf:]) != 0
}

func (n *Node) SetLeaf(leaf bool) {
	v := uint16(0)
	if leaf {
		v = 1
	}
	binary.BigEndian.PutUint16(n.header()[offLeaf:], v)
}

func (n *Node) Count() int {
	return int(binary.BigEndian.Uint16(n.header()[offCount:]))
}

func (n *Node) setCount(c int) {
	binary.BigEndian.PutUint16(n.header()[offCount:], uint16(c))
}

func (n *Node) Left() uint64  { return binary.BigEndian.Uint64(n.header()[offLeft:]) }
func (n *Node) Right() uint64 { return binary.BigEndian.Uint64(n.header()[offRight:]) }
func (n *Node) Parent() uint64 {
	return binary.BigEndian.Uint64(n.header()[offParent:])
}

func (n *Node) SetLeft(rid uint64)   { binary.BigEndian.PutUint64(n.header()[offLeft:], rid) }
func (n *Node) SetRight(rid uint64)  { binary.BigEndian.PutUint64(n.header()[offRight:], rid) }
func (n *Node) SetParent(rid uint64) { binary.BigEndian.PutUint64(n.header()[offParent:], rid) }

// recordAt returns the byte slice of the i'th key record.
func (n *Node) recordAt(i int) []byte {
	rs := recordSize(n.Capacity)
	start := nodeHeaderSize + i*rs
	return n.Page.Payload()[start : start+rs]
}

// Entries decodes every key record currently stored in the node.
func (n *Node) Entries() []entry {
	count := n.Count()
	out := make([]entry, count)
	for i := 0; i < count; i++ {
		out[i] = decodeEntry(n.recordAt(i), n.Capacity)
	}
	return out
}

// SetEntries re-encodes the node's key records from scratch and marks
// the page dirty. The caller is responsible for keeping entries sorted
// by key (§3 invariant).
func (n *Node) SetEntries(entries []entry) {
	for i, e := range entries {
		encodeEntry(n.recordAt(i), n.Capacity, e)
	}
	n.setCount(len(entries))
	n.Page.SetDirty(true)
}

// Full reports whether the node has no room for one more key record.
func (n *Node) Full(maxKeys int) bool {
	return n.Count() >= maxKeys
}
