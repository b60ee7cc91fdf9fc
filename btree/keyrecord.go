// Package btree implements the ordered paged index described in
// §4.7: splits/merges, extended keys, duplicate-key tables and
// approximate-match queries over spage.Page-backed nodes. The node
// layout is new (an earlier btree/page.go inlined variable-length
// cells directly into a slotted page; this one instead fixes each key
// record's inline prefix to a configured capacity per §3 "B-tree node"),
// but the "collect into a plain slice, mutate, re-encode" shape of
// Insert/split/merge below is lifted straight from an earlier
// split.go and merge.go, which never manipulated the slotted byte layout
// in place either.
package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/hamsterdb/hamsterdb/common"
	"github.com/hamsterdb/hamsterdb/spage"
)

// Entry flag bits (§3 "internal flags (tiny/small/empty/
// duplicates/extended/approx)"). Approx is never persisted; it is a
// transient annotation Find attaches to its result.
const (
	EntryEmpty      uint8 = 1 << iota // payload is a zero-length record, nothing stored
	EntryTiny                         // payload (1-7 bytes) inlined in payloadRID
	EntrySmall                        // payload (exactly 8 bytes) inlined in payloadRID
	EntryHasDupes                     // payloadRID points at a duplicate table blob, not a record
	EntryExtended                     // key overflowed the inline prefix; extRID holds the overflow blob
)

// entry is the in-memory decoding of one key record (§3, §6
// "B-tree node header ... followed by key records"). Internal nodes
// store child page rids in payloadRID; leaves store record/dup-table
// rids or an inline payload encoded with Entry{Empty,Tiny,Small}.
type entry struct {
	flags      uint8
	keyLen     uint16
	inlineKey  []byte // first keyLen bytes are significant when !Extended
	extRID     uint64 // overflow key blob, valid when Extended is set
	payloadRID uint64
}

// recordSize returns the fixed on-disk size of one key record for the
// given inline key capacity (§6: flags, keysize, the inline prefix,
// the extended-rid trailer, the payload rid).
func recordSize(capacity int) int {
	return 1 + 2 + capacity + 8 + 8
}

func encodeEntry(buf []byte, capacity int, e entry) {
	buf[0] = e.flags
	binary.BigEndian.PutUint16(buf[1:], e.keyLen)
	copy(buf[3:3+capacity], e.inlineKey)
	binary.BigEndian.PutUint64(buf[3+capacity:], e.extRID)
	binary.BigEndian.PutUint64(buf[3+capacity+8:], e.payloadRID)
}

func decodeEntry(buf []byte, capacity int) entry {
	e := entry{
		flags:      buf[0],
		keyLen:     binary.BigEndian.Uint16(buf[1:]),
		inlineKey:  append([]byte(nil), buf[3:3+capacity]...),
		extRID:     binary.BigEndian.Uint64(buf[3+capacity:]),
		payloadRID: binary.BigEndian.Uint64(buf[3+capacity+8:]),
	}
	return e
}

// MaxKeys returns the largest key count a node of pageSize bytes can
// hold with the given inline key capacity, honoring §4.7's "rejects
// configurations requiring maxkeys > 65535 or zero".
func MaxKeys(pageSize, capacity int) (int, error) {
	usable := pageSize - spage.HeaderSize - nodeHeaderSize
	rs := recordSize(capacity)
	if usable < rs {
		return 0, fmt.Errorf("%w: pagesize %d too small for keysize %d", common.ErrInvalidKeysize, pageSize, capacity)
	}
	n := usable / rs
	if n == 0 {
		return 0, fmt.Errorf("%w: keysize %d leaves no room for any key", common.ErrInvalidKeysize, capacity)
	}
	if n > 65535 {
		return 0, fmt.Errorf("%w: pagesize %d needs %d keys per node, over the 65535 limit", common.ErrInvalidKeysize, pageSize, n)
	}
	return n, nil
}
