package blob

import (
	"encoding/binary"
	"fmt"

	"github.com/hamsterdb/hamsterdb/common"
)

// DupEntryFlag marks what an entry's 8-byte field holds.
type DupEntryFlag uint32

const (
	DupEntryRID DupEntryFlag = iota // field is a record blob rid
	DupEntryEmpty
	DupEntryTiny
	DupEntrySmall
)

// DupEntry is one row of a duplicate table (§6: "[flags:4][rid_or_inline:8]").
type DupEntry struct {
	Flags DupEntryFlag
	Field [8]byte
}

func (e DupEntry) RID() uint64 { return binary.BigEndian.Uint64(e.Field[:]) }

func dupEntryForRID(rid uint64) DupEntry {
	var e DupEntry
	e.Flags = DupEntryRID
	binary.BigEndian.PutUint64(e.Field[:], rid)
	return e
}

// dupEntrySize is [flags:4][field:8].
const dupEntrySize = 12

// dupTableHeaderSize is [capacity:4][count:4].
const dupTableHeaderSize = 8

// DupTable is an in-memory view of a duplicate table blob's payload
// (§4.6 "Duplicate tables").
type DupTable struct {
	Capacity uint32
	Entries  []DupEntry
}

// InsertAt is where a new entry should land relative to an existing
// position, used by §4.6's FIRST/LAST/BEFORE/AFTER/explicit-position
// insert modes.
type InsertAt int

const (
	InsertPosition InsertAt = iota // explicit numeric index
	InsertFirst
	InsertLast
	InsertBefore
	InsertAfter
)

// growCapacity implements "+8 (small) or +33% (large)" from §4.6.
func growCapacity(cur uint32) uint32 {
	if cur < 16 {
		return cur + 8
	}
	return cur + cur/3 + 1
}

// NewDupTable creates a table whose first entry is the value previously
// stored directly in the key record (a non-duplicate insert being
// converted into the first of a duplicate set).
func NewDupTable(first DupEntry) *DupTable {
	t := &DupTable{Capacity: 8}
	t.Entries = make([]DupEntry, 1, t.Capacity)
	t.Entries[0] = first
	return t
}

// Insert adds entry at the position described by at/ref (ref is the
// reference index for InsertBefore/InsertAfter/InsertPosition).
func (t *DupTable) Insert(entry DupEntry, at InsertAt, ref int) error {
	pos, err := t.resolvePosition(at, ref)
	if err != nil {
		return err
	}
	if uint32(len(t.Entries)+1) > t.Capacity {
		t.Capacity = growCapacity(t.Capacity)
	}
	t.Entries = append(t.Entries, DupEntry{})
	copy(t.Entries[pos+1:], t.Entries[pos:])
	t.Entries[pos] = entry
	return nil
}

// InsertSorted performs the SORT_DUPLICATES ordered insert, starting the
// binary search from hint (the "current cursor position" in §4.6)
// when hint is within range, otherwise from the midpoint.
func (t *DupTable) InsertSorted(entry DupEntry, hint int, cmp func(a, b DupEntry) int) {
	lo, hi := 0, len(t.Entries)
	if hint >= 0 && hint <= len(t.Entries) {
		// Narrow the search outward from the hint instead of a blind
		// midpoint restart, favoring the common sequential-insert case.
		lo, hi = clampSearchWindow(t.Entries, hint, entry, cmp)
	}
	pos := lo
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(t.Entries[mid], entry) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
		pos = lo
	}
	if uint32(len(t.Entries)+1) > t.Capacity {
		t.Capacity = growCapacity(t.Capacity)
	}
	t.Entries = append(t.Entries, DupEntry{})
	copy(t.Entries[pos+1:], t.Entries[pos:])
	t.Entries[pos] = entry
}

// clampSearchWindow walks outward from hint while entries keep agreeing
// with entry's ordering, giving InsertSorted a narrower [lo, hi) to
// binary search when the hint is already close to the insertion point.
func clampSearchWindow(entries []DupEntry, hint int, entry DupEntry, cmp func(a, b DupEntry) int) (int, int) {
	lo, hi := hint, hint
	for lo > 0 && cmp(entries[lo-1], entry) > 0 {
		lo--
	}
	for hi < len(entries) && cmp(entries[hi], entry) < 0 {
		hi++
	}
	return lo, hi
}

func (t *DupTable) resolvePosition(at InsertAt, ref int) (int, error) {
	switch at {
	case InsertFirst:
		return 0, nil
	case InsertLast:
		return len(t.Entries), nil
	case InsertBefore:
		if ref < 0 || ref > len(t.Entries) {
			return 0, fmt.Errorf("%w: duplicate insert-before index out of range", common.ErrInvalidParameter)
		}
		return ref, nil
	case InsertAfter:
		if ref < 0 || ref > len(t.Entries) {
			return 0, fmt.Errorf("%w: duplicate insert-after index out of range", common.ErrInvalidParameter)
		}
		return ref + 1, nil
	case InsertPosition:
		if ref < 0 || ref > len(t.Entries) {
			return 0, fmt.Errorf("%w: duplicate insert position out of range", common.ErrInvalidParameter)
		}
		return ref, nil
	default:
		return 0, fmt.Errorf("%w: unknown duplicate insert mode", common.ErrInvalidParameter)
	}
}

// Erase removes the entry at index. The caller is responsible for also
// freeing the entry's record blob first when FreeRecord applies.
func (t *DupTable) Erase(index int) error {
	if index < 0 || index >= len(t.Entries) {
		return fmt.Errorf("%w: duplicate index out of range", common.ErrInvalidParameter)
	}
	t.Entries = append(t.Entries[:index], t.Entries[index+1:]...)
	return nil
}

func (t *DupTable) Encode() []byte {
	buf := make([]byte, dupTableHeaderSize+len(t.Entries)*dupEntrySize)
	binary.BigEndian.PutUint32(buf[0:], t.Capacity)
	binary.BigEndian.PutUint32(buf[4:], uint32(len(t.Entries)))
	off := dupTableHeaderSize
	for _, e := range t.Entries {
		binary.BigEndian.PutUint32(buf[off:], uint32(e.Flags))
		copy(buf[off+4:], e.Field[:])
		off += dupEntrySize
	}
	return buf
}

func DecodeDupTable(buf []byte) (*DupTable, error) {
	if len(buf) < dupTableHeaderSize {
		return nil, fmt.Errorf("%w: duplicate table truncated", common.ErrIntegrityViolated)
	}
	cap := binary.BigEndian.Uint32(buf[0:])
	count := binary.BigEndian.Uint32(buf[4:])
	if len(buf) < dupTableHeaderSize+int(count)*dupEntrySize {
		return nil, fmt.Errorf("%w: duplicate table entries truncated", common.ErrIntegrityViolated)
	}
	t := &DupTable{Capacity: cap, Entries: make([]DupEntry, count)}
	off := dupTableHeaderSize
	for i := range t.Entries {
		t.Entries[i].Flags = DupEntryFlag(binary.BigEndian.Uint32(buf[off:]))
		copy(t.Entries[i].Field[:], buf[off+4:off+dupEntrySize])
		off += dupEntrySize
	}
	return t, nil
}

// AllocateDupTable writes a fresh duplicate table blob seeded with
// first, returning its rid.
func AllocateDupTable(store Store, dam common.DataAccessMode, first DupEntry) (uint64, error) {
	t := NewDupTable(first)
	return Allocate(store, dam, t.Encode())
}

// LoadDupTable reads and decodes the duplicate table blob at rid.
func LoadDupTable(store Store, rid uint64) (*DupTable, error) {
	payload, err := Read(store, rid)
	if err != nil {
		return nil, err
	}
	return DecodeDupTable(payload)
}

// SaveDupTable writes t back to rid, possibly relocating it (its payload
// size may have grown past the current allocation).
func SaveDupTable(store Store, dam common.DataAccessMode, rid uint64, t *DupTable) (uint64, error) {
	return Overwrite(store, dam, rid, t.Encode())
}

// FreeDupTable frees the table blob and, when freeAll is set (spec
// §4.6 FREE_ALL_DUPES / "when empty"), every record blob it references.
func FreeDupTable(store Store, rid uint64, freeAll bool) error {
	if freeAll {
		t, err := LoadDupTable(store, rid)
		if err != nil {
			return err
		}
		for _, e := range t.Entries {
			if e.Flags == DupEntryRID {
				if err := Free(store, e.RID()); err != nil {
					return err
				}
			}
		}
	}
	return Free(store, rid)
}

func dupEntryForInline(flag uint8, field [8]byte) DupEntry {
	var f DupEntryFlag
	switch {
	case flag&InlineEmpty != 0:
		f = DupEntryEmpty
	case flag&InlineTiny != 0:
		f = DupEntryTiny
	case flag&InlineSmall != 0:
		f = DupEntrySmall
	}
	return DupEntry{Flags: f, Field: field}
}

// NewRecordEntry builds a DupEntry for a record, inlining tiny/small/empty
// payloads and otherwise allocating a record blob (§4.6).
func NewRecordEntry(store Store, dam common.DataAccessMode, payload []byte) (DupEntry, error) {
	if flag, field, ok := EncodeInline(payload); ok {
		return dupEntryForInline(flag, field), nil
	}
	rid, err := Allocate(store, dam, payload)
	if err != nil {
		return DupEntry{}, err
	}
	return dupEntryForRID(rid), nil
}

// Read returns the payload an entry refers to, whether inline or blob.
func (e DupEntry) Read(store Store) ([]byte, error) {
	switch e.Flags {
	case DupEntryEmpty, DupEntryTiny, DupEntrySmall:
		flag := map[DupEntryFlag]uint8{DupEntryEmpty: InlineEmpty, DupEntryTiny: InlineTiny, DupEntrySmall: InlineSmall}[e.Flags]
		return DecodeInline(flag, e.Field), nil
	default:
		return Read(store, e.RID())
	}
}
