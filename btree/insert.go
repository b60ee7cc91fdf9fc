package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/hamsterdb/hamsterdb/blob"
	"github.com/hamsterdb/hamsterdb/common"
)

// SetSortDuplicates toggles whether duplicate tables stay ordered by the
// duplicate comparator (§4.6 SORT_DUPLICATES). The initial setting comes
// from Config.SortDuplicates when the Tree is created or opened.
func (t *Tree) SetSortDuplicates(sort bool) { t.sortDupes = sort }

func inlineFlagFor(f uint8) uint8 {
	switch {
	case f&blob.InlineEmpty != 0:
		return EntryEmpty
	case f&blob.InlineTiny != 0:
		return EntryTiny
	case f&blob.InlineSmall != 0:
		return EntrySmall
	default:
		return 0
	}
}

func inlineFlagToBlob(f uint8) uint8 {
	switch {
	case f&EntryEmpty != 0:
		return blob.InlineEmpty
	case f&EntryTiny != 0:
		return blob.InlineTiny
	case f&EntrySmall != 0:
		return blob.InlineSmall
	default:
		return 0
	}
}

// storeRecord persists payload as either an inline pointer-field
// encoding or a real blob allocation (§4.6 "Tiny/small/empty
// payloads").
func (t *Tree) storeRecord(payload []byte) (rid uint64, flags uint8, err error) {
	if flag, field, ok := blob.EncodeInline(payload); ok {
		return binary.BigEndian.Uint64(field[:]), inlineFlagFor(flag), nil
	}
	rid, err = blob.Allocate(t.blobs, t.dam, payload)
	return rid, 0, err
}

// readRecord returns the payload bytes for a plain (non-duplicate)
// entry.
func (t *Tree) readRecord(e entry) ([]byte, error) {
	if inline := inlineFlagToBlob(e.flags); inline != 0 {
		var field [8]byte
		binary.BigEndian.PutUint64(field[:], e.payloadRID)
		return blob.DecodeInline(inline, field), nil
	}
	return blob.Read(t.blobs, e.payloadRID)
}

func (t *Tree) recordEntryFor(e entry) blob.DupEntry {
	if inline := inlineFlagToBlob(e.flags); inline != 0 {
		var field [8]byte
		binary.BigEndian.PutUint64(field[:], e.payloadRID)
		var df blob.DupEntryFlag
		switch inline {
		case blob.InlineEmpty:
			df = blob.DupEntryEmpty
		case blob.InlineTiny:
			df = blob.DupEntryTiny
		case blob.InlineSmall:
			df = blob.DupEntrySmall
		}
		return blob.DupEntry{Flags: df, Field: field}
	}
	var field [8]byte
	binary.BigEndian.PutUint64(field[:], e.payloadRID)
	return blob.DupEntry{Flags: blob.DupEntryRID, Field: field}
}

// Insert adds key/record to the tree, honoring FlagOverwrite and the
// FlagDuplicate* family (§4.7 "Insert", §4.6 "Duplicate tables").
func (t *Tree) Insert(key, record []byte, flags common.Flags) error {
	path, leaf, err := t.descend(key)
	if err != nil {
		return err
	}
	idx, entries, err := t.searchLeaf(leaf, key)
	if err != nil {
		return err
	}

	if idx >= 0 {
		switch {
		case flags.Has(common.FlagOverwrite):
			return t.overwriteAt(leaf, idx, entries, record)
		case isDuplicateInsert(flags):
			return t.insertDuplicate(leaf, idx, entries, record, flags)
		default:
			return common.ErrDuplicateKey
		}
	}

	insertAt := -idx - 1
	rid, recFlags, err := t.storeRecord(record)
	if err != nil {
		return err
	}
	newEntry, err := t.makeEntry(key, rid, recFlags)
	if err != nil {
		return err
	}

	entries = append(entries, entry{})
	copy(entries[insertAt+1:], entries[insertAt:])
	entries[insertAt] = newEntry

	if len(entries) <= t.maxKeys {
		leaf.SetEntries(entries)
		return t.store.Touch(leaf.Page)
	}
	return t.insertWithSplit(path, leaf, entries)
}

func isDuplicateInsert(flags common.Flags) bool {
	return flags.Has(common.FlagDuplicate) ||
		flags.Has(common.FlagDuplicateInsertBefore) ||
		flags.Has(common.FlagDuplicateInsertAfter) ||
		flags.Has(common.FlagDuplicateInsertFirst) ||
		flags.Has(common.FlagDuplicateInsertLast)
}

// overwriteAt replaces the record pointer of an exact match in place
// (§4.7 "HAM_OVERWRITE replaces the record pointer of an exact
// match"); it does not apply to keys already holding a duplicate table.
func (t *Tree) overwriteAt(leaf *Node, idx int, entries []entry, record []byte) error {
	e := entries[idx]
	if e.flags&EntryHasDupes != 0 {
		return fmt.Errorf("%w: overwrite on a duplicate key requires a cursor", common.ErrInvalidParameter)
	}

	var newRID uint64
	var newFlags uint8
	var err error
	switch {
	case inlineFlagToBlob(e.flags) != 0:
		// Old value was inline: either re-inline or allocate fresh.
		newRID, newFlags, err = t.storeRecord(record)
	default:
		if flag, field, ok := blob.EncodeInline(record); ok {
			if err := blob.Free(t.blobs, e.payloadRID); err != nil {
				return err
			}
			newRID, newFlags = binary.BigEndian.Uint64(field[:]), inlineFlagFor(flag)
		} else {
			newRID, err = blob.Overwrite(t.blobs, t.dam, e.payloadRID, record)
		}
	}
	if err != nil {
		return err
	}

	entries[idx] = entry{
		flags:      newFlags,
		keyLen:     e.keyLen,
		inlineKey:  e.inlineKey,
		extRID:     e.extRID,
		payloadRID: newRID,
	}
	if e.flags&EntryExtended != 0 {
		entries[idx].flags |= EntryExtended
	}
	leaf.SetEntries(entries)
	return t.store.Touch(leaf.Page)
}

// insertDuplicate attaches record to key's duplicate table, converting
// a plain entry into one on first use (§4.6).
func (t *Tree) insertDuplicate(leaf *Node, idx int, entries []entry, record []byte, flags common.Flags) error {
	e := entries[idx]
	newDup, err := blob.NewRecordEntry(t.blobs, t.dam, record)
	if err != nil {
		return err
	}

	var tableRID uint64
	if e.flags&EntryHasDupes == 0 {
		tableRID, err = blob.AllocateDupTable(t.blobs, t.dam, t.recordEntryFor(e))
		if err != nil {
			return err
		}
	} else {
		tableRID = e.payloadRID
	}

	dt, err := blob.LoadDupTable(t.blobs, tableRID)
	if err != nil {
		return err
	}

	if t.sortDupes {
		dt.InsertSorted(newDup, len(dt.Entries), t.dupEntryCompare)
	} else {
		at, ref := duplicateInsertMode(flags, len(dt.Entries))
		if err := dt.Insert(newDup, at, ref); err != nil {
			return err
		}
	}

	newTableRID, err := blob.SaveDupTable(t.blobs, t.dam, tableRID, dt)
	if err != nil {
		return err
	}

	entries[idx] = entry{
		flags:      EntryHasDupes,
		keyLen:     e.keyLen,
		inlineKey:  e.inlineKey,
		extRID:     e.extRID,
		payloadRID: newTableRID,
	}
	if e.flags&EntryExtended != 0 {
		entries[idx].flags |= EntryExtended
	}
	leaf.SetEntries(entries)
	return t.store.Touch(leaf.Page)
}

func duplicateInsertMode(flags common.Flags, count int) (blob.InsertAt, int) {
	switch {
	case flags.Has(common.FlagDuplicateInsertFirst):
		return blob.InsertFirst, 0
	case flags.Has(common.FlagDuplicateInsertBefore):
		return blob.InsertBefore, 0
	case flags.Has(common.FlagDuplicateInsertAfter):
		return blob.InsertAfter, count - 1
	default: // FlagDuplicateInsertLast, plain FlagDuplicate
		return blob.InsertLast, count
	}
}

// dupEntryCompare orders two duplicate entries by their record payload
// bytes, using the duplicate comparator (spec's open question: defaults
// to the primary comparator when no separate one was configured).
func (t *Tree) dupEntryCompare(a, b blob.DupEntry) int {
	ab, aerr := a.Read(t.blobs)
	bb, berr := b.Read(t.blobs)
	if aerr != nil || berr != nil {
		return 0
	}
	return t.dupCmp(ab, bb)
}
