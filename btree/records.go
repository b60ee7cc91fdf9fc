package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/hamsterdb/hamsterdb/blob"
	"github.com/hamsterdb/hamsterdb/common"
)

// Record names one leaf slot for the cursor package (§4.9): the
// leaf it lives in, its index within that leaf, and its resolved key.
// Its entry field is unexported; cursor holds a Record opaquely and
// passes it back into the Tree methods below rather than decoding it
// itself, the same narrowing applied to PageStore/CursorHost.
type Record struct {
	LeafRID uint64
	Index   int
	Key     []byte
	e       entry
}

// HasDuplicates reports whether Record's entry carries a duplicate
// table rather than a single record.
func (r Record) HasDuplicates() bool { return r.e.flags&EntryHasDupes != 0 }

func (t *Tree) recordAtIndex(n *Node, leafRID uint64, idx int) (Record, error) {
	entries := n.Entries()
	if idx < 0 || idx >= len(entries) {
		return Record{}, common.ErrKeyNotFound
	}
	k, err := t.fullKey(entries[idx])
	if err != nil {
		return Record{}, err
	}
	return Record{LeafRID: leafRID, Index: idx, Key: k, e: entries[idx]}, nil
}

func (t *Tree) firstLeaf() (*Node, uint64, error) {
	rid := t.RootRID
	for {
		n, err := t.fetchNode(rid)
		if err != nil {
			return nil, 0, err
		}
		if n.Leaf() {
			return n, rid, nil
		}
		entries := n.Entries()
		if len(entries) == 0 {
			return n, rid, nil
		}
		rid = entries[0].payloadRID
	}
}

func (t *Tree) lastLeaf() (*Node, uint64, error) {
	rid := t.RootRID
	for {
		n, err := t.fetchNode(rid)
		if err != nil {
			return nil, 0, err
		}
		if n.Leaf() {
			return n, rid, nil
		}
		entries := n.Entries()
		if len(entries) == 0 {
			return n, rid, nil
		}
		rid = entries[len(entries)-1].payloadRID
	}
}

// First returns the leftmost entry in the tree (§4.9 "move ...
// FIRST").
func (t *Tree) First() (Record, error) {
	n, rid, err := t.firstLeaf()
	if err != nil {
		return Record{}, err
	}
	if n.Count() == 0 {
		return Record{}, common.ErrKeyNotFound
	}
	return t.recordAtIndex(n, rid, 0)
}

// Last returns the rightmost entry in the tree (§4.9 "move ...
// LAST").
func (t *Tree) Last() (Record, error) {
	n, rid, err := t.lastLeaf()
	if err != nil {
		return Record{}, err
	}
	c := n.Count()
	if c == 0 {
		return Record{}, common.ErrKeyNotFound
	}
	return t.recordAtIndex(n, rid, c-1)
}

// RecordAt re-derives the Record at a known (leaf, index) position,
// used when a cursor re-couples after a lookup.
func (t *Tree) RecordAt(leafRID uint64, index int) (Record, error) {
	n, err := t.fetchNode(leafRID)
	if err != nil {
		return Record{}, err
	}
	return t.recordAtIndex(n, leafRID, index)
}

// Next returns the entry immediately after rec in key order, crossing
// into the right sibling leaf when rec is the last slot of its leaf
// (§4.9 "move ... NEXT").
func (t *Tree) Next(rec Record) (Record, error) {
	n, err := t.fetchNode(rec.LeafRID)
	if err != nil {
		return Record{}, err
	}
	if rec.Index+1 < n.Count() {
		return t.recordAtIndex(n, rec.LeafRID, rec.Index+1)
	}
	rightRID := n.Right()
	for rightRID != 0 {
		rn, err := t.fetchNode(rightRID)
		if err != nil {
			return Record{}, err
		}
		if rn.Count() > 0 {
			return t.recordAtIndex(rn, rightRID, 0)
		}
		rightRID = rn.Right()
	}
	return Record{}, common.ErrKeyNotFound
}

// Prev is the mirror of Next (§4.9 "move ... PREVIOUS").
func (t *Tree) Prev(rec Record) (Record, error) {
	n, err := t.fetchNode(rec.LeafRID)
	if err != nil {
		return Record{}, err
	}
	if rec.Index > 0 {
		return t.recordAtIndex(n, rec.LeafRID, rec.Index-1)
	}
	leftRID := n.Left()
	for leftRID != 0 {
		ln, err := t.fetchNode(leftRID)
		if err != nil {
			return Record{}, err
		}
		c := ln.Count()
		if c > 0 {
			return t.recordAtIndex(ln, leftRID, c-1)
		}
		leftRID = ln.Left()
	}
	return Record{}, common.ErrKeyNotFound
}

// FindRecord is Find, wrapped as a Record for cursor positioning.
func (t *Tree) FindRecord(key []byte, flags common.Flags) (Record, error) {
	res, err := t.Find(key, flags)
	if err != nil {
		return Record{}, err
	}
	return Record{LeafRID: res.LeafRID, Index: res.Index, Key: res.Key, e: res.Entry}, nil
}

// DuplicateCount returns how many records rec's key carries: 1 for a
// plain entry, or the duplicate table's length.
func (t *Tree) DuplicateCount(rec Record) (int, error) {
	if rec.e.flags&EntryHasDupes == 0 {
		return 1, nil
	}
	dt, err := blob.LoadDupTable(t.blobs, rec.e.payloadRID)
	if err != nil {
		return 0, err
	}
	return len(dt.Entries), nil
}

// ReadAt returns the payload bytes at rec, or at dupIndex within rec's
// duplicate table when it has one.
func (t *Tree) ReadAt(rec Record, dupIndex int) ([]byte, error) {
	if rec.e.flags&EntryHasDupes == 0 {
		return t.readRecord(rec.e)
	}
	dt, err := blob.LoadDupTable(t.blobs, rec.e.payloadRID)
	if err != nil {
		return nil, err
	}
	if dupIndex < 0 || dupIndex >= len(dt.Entries) {
		return nil, common.ErrKeyNotFound
	}
	return dt.Entries[dupIndex].Read(t.blobs)
}

// ReadPartialAt returns [offset, offset+size) of the payload at rec (or
// at dupIndex within its duplicate table), clamped to the payload's
// actual bounds (§4.6 HAM_PARTIAL read semantics).
func (t *Tree) ReadPartialAt(rec Record, dupIndex, offset, size int) ([]byte, error) {
	if rec.e.flags&EntryHasDupes == 0 {
		if inlineFlagToBlob(rec.e.flags) != 0 {
			full, err := t.readRecord(rec.e)
			if err != nil {
				return nil, err
			}
			return clampPartial(full, offset, size), nil
		}
		return blob.ReadPartial(t.blobs, rec.e.payloadRID, offset, size)
	}
	dt, err := blob.LoadDupTable(t.blobs, rec.e.payloadRID)
	if err != nil {
		return nil, err
	}
	if dupIndex < 0 || dupIndex >= len(dt.Entries) {
		return nil, common.ErrKeyNotFound
	}
	de := dt.Entries[dupIndex]
	if de.Flags == blob.DupEntryRID {
		return blob.ReadPartial(t.blobs, de.RID(), offset, size)
	}
	full, err := de.Read(t.blobs)
	if err != nil {
		return nil, err
	}
	return clampPartial(full, offset, size), nil
}

func clampPartial(full []byte, offset, size int) []byte {
	if offset > len(full) {
		offset = len(full)
	}
	end := offset + size
	if end > len(full) {
		end = len(full)
	}
	return full[offset:end]
}

func patchPartial(old []byte, offset int, partial []byte) []byte {
	full := make([]byte, len(old))
	copy(full, old)
	if offset+len(partial) > len(full) {
		grown := make([]byte, offset+len(partial))
		copy(grown, full)
		full = grown
	}
	copy(full[offset:], partial)
	return full
}

// OverwriteAt replaces the record at rec (or at dupIndex within its
// duplicate table) without touching the key (§4.9 "overwrite").
func (t *Tree) OverwriteAt(rec Record, dupIndex int, record []byte) error {
	n, err := t.fetchNode(rec.LeafRID)
	if err != nil {
		return err
	}
	entries := n.Entries()
	if rec.Index < 0 || rec.Index >= len(entries) {
		return common.ErrKeyNotFound
	}
	e := entries[rec.Index]
	if e.flags&EntryHasDupes == 0 {
		return t.overwriteAt(n, rec.Index, entries, record)
	}

	dt, err := blob.LoadDupTable(t.blobs, e.payloadRID)
	if err != nil {
		return err
	}
	if dupIndex < 0 || dupIndex >= len(dt.Entries) {
		return common.ErrKeyNotFound
	}
	newDup, err := blob.NewRecordEntry(t.blobs, t.dam, record)
	if err != nil {
		return err
	}
	old := dt.Entries[dupIndex]
	if old.Flags == blob.DupEntryRID {
		if err := blob.Free(t.blobs, old.RID()); err != nil {
			return err
		}
	}
	dt.Entries[dupIndex] = newDup
	newTableRID, err := blob.SaveDupTable(t.blobs, t.dam, e.payloadRID, dt)
	if err != nil {
		return err
	}
	entries[rec.Index].payloadRID = newTableRID
	n.SetEntries(entries)
	return t.store.Touch(n.Page)
}

// OverwritePartialAt replaces [offset, offset+len(partial)) of the
// record at rec (or at dupIndex within its duplicate table), preserving
// the rest of the old payload or zero-filling any gap before offset when
// the write grows past the record's current length (§4.6 HAM_PARTIAL
// write semantics, common.FlagPartial).
func (t *Tree) OverwritePartialAt(rec Record, dupIndex int, offset int, partial []byte) error {
	n, err := t.fetchNode(rec.LeafRID)
	if err != nil {
		return err
	}
	entries := n.Entries()
	if rec.Index < 0 || rec.Index >= len(entries) {
		return common.ErrKeyNotFound
	}
	e := entries[rec.Index]

	if e.flags&EntryHasDupes == 0 {
		old, err := t.readRecord(e)
		if err != nil {
			return err
		}
		if inlineFlagToBlob(e.flags) != 0 {
			return t.overwriteAt(n, rec.Index, entries, patchPartial(old, offset, partial))
		}
		finalSize := len(old)
		if offset+len(partial) > finalSize {
			finalSize = offset + len(partial)
		}
		newRID, err := blob.OverwritePartial(t.blobs, t.dam, e.payloadRID, offset, partial, finalSize)
		if err != nil {
			return err
		}
		entries[rec.Index].payloadRID = newRID
		n.SetEntries(entries)
		return t.store.Touch(n.Page)
	}

	dt, err := blob.LoadDupTable(t.blobs, e.payloadRID)
	if err != nil {
		return err
	}
	if dupIndex < 0 || dupIndex >= len(dt.Entries) {
		return common.ErrKeyNotFound
	}
	old := dt.Entries[dupIndex]
	oldBytes, err := old.Read(t.blobs)
	if err != nil {
		return err
	}

	var newDup blob.DupEntry
	if old.Flags == blob.DupEntryRID {
		finalSize := len(oldBytes)
		if offset+len(partial) > finalSize {
			finalSize = offset + len(partial)
		}
		newRID, err := blob.OverwritePartial(t.blobs, t.dam, old.RID(), offset, partial, finalSize)
		if err != nil {
			return err
		}
		newDup = blob.DupEntry{Flags: blob.DupEntryRID}
		binary.BigEndian.PutUint64(newDup.Field[:], newRID)
	} else {
		newDup, err = blob.NewRecordEntry(t.blobs, t.dam, patchPartial(oldBytes, offset, partial))
		if err != nil {
			return err
		}
	}

	dt.Entries[dupIndex] = newDup
	newTableRID, err := blob.SaveDupTable(t.blobs, t.dam, e.payloadRID, dt)
	if err != nil {
		return err
	}
	entries[rec.Index].payloadRID = newTableRID
	n.SetEntries(entries)
	return t.store.Touch(n.Page)
}

// EraseDuplicateAt removes one entry from rec's duplicate table,
// collapsing the table back to a plain entry when exactly one survives,
// or removing the key entirely when none do. It returns the (possibly
// shifted) Record for the same key and true so the cursor can restate its
// position, or a zero Record, false and a nil error when the whole key
// is gone.
func (t *Tree) EraseDuplicateAt(rec Record, dupIndex int) (Record, bool, error) {
	if rec.e.flags&EntryHasDupes == 0 {
		return Record{}, false, fmt.Errorf("%w: not a duplicate entry", common.ErrInvalidParameter)
	}
	n, err := t.fetchNode(rec.LeafRID)
	if err != nil {
		return Record{}, false, err
	}
	entries := n.Entries()
	e := entries[rec.Index]

	dt, err := blob.LoadDupTable(t.blobs, e.payloadRID)
	if err != nil {
		return Record{}, false, err
	}
	if dupIndex < 0 || dupIndex >= len(dt.Entries) {
		return Record{}, false, common.ErrKeyNotFound
	}
	removed := dt.Entries[dupIndex]
	if removed.Flags == blob.DupEntryRID {
		if err := blob.Free(t.blobs, removed.RID()); err != nil {
			return Record{}, false, err
		}
	}
	if err := dt.Erase(dupIndex); err != nil {
		return Record{}, false, err
	}

	switch len(dt.Entries) {
	case 0:
		if err := blob.FreeDupTable(t.blobs, e.payloadRID, false); err != nil {
			return Record{}, false, err
		}
		if err := t.freeEntryKey(e); err != nil {
			return Record{}, false, err
		}
		entries = append(entries[:rec.Index], entries[rec.Index+1:]...)
		n.SetEntries(entries)
		if err := t.store.Touch(n.Page); err != nil {
			return Record{}, false, err
		}
		t.hint.have = false
		return Record{}, false, nil

	case 1:
		sole := dt.Entries[0]
		if err := blob.FreeDupTable(t.blobs, e.payloadRID, false); err != nil {
			return Record{}, false, err
		}
		newFlags := inlineFlagFor(blobDupInlineFlag(sole.Flags))
		entries[rec.Index] = entry{
			flags:      newFlags | (e.flags & EntryExtended),
			keyLen:     e.keyLen,
			inlineKey:  e.inlineKey,
			extRID:     e.extRID,
			payloadRID: binary.BigEndian.Uint64(sole.Field[:]),
		}
		n.SetEntries(entries)
		if err := t.store.Touch(n.Page); err != nil {
			return Record{}, false, err
		}
		out, err := t.recordAtIndex(n, rec.LeafRID, rec.Index)
		return out, true, err

	default:
		newTableRID, err := blob.SaveDupTable(t.blobs, t.dam, e.payloadRID, dt)
		if err != nil {
			return Record{}, false, err
		}
		entries[rec.Index].payloadRID = newTableRID
		n.SetEntries(entries)
		if err := t.store.Touch(n.Page); err != nil {
			return Record{}, false, err
		}
		out, err := t.recordAtIndex(n, rec.LeafRID, rec.Index)
		return out, true, err
	}
}

func blobDupInlineFlag(f blob.DupEntryFlag) uint8 {
	switch f {
	case blob.DupEntryEmpty:
		return blob.InlineEmpty
	case blob.DupEntryTiny:
		return blob.InlineTiny
	case blob.DupEntrySmall:
		return blob.InlineSmall
	default:
		return 0
	}
}

// EraseEntry removes the whole key rec names (every duplicate it may
// carry), rebalancing the leaf afterward. Used by the cursor when asked
// to erase with HAM_FREE_ALL_DUPES or a non-duplicate key.
func (t *Tree) EraseEntry(rec Record) error {
	n, err := t.fetchNode(rec.LeafRID)
	if err != nil {
		return err
	}
	entries := n.Entries()
	if rec.Index < 0 || rec.Index >= len(entries) {
		return common.ErrKeyNotFound
	}
	e := entries[rec.Index]

	if e.flags&EntryHasDupes != 0 {
		if err := blob.FreeDupTable(t.blobs, e.payloadRID, true); err != nil {
			return err
		}
	} else if err := t.freePayload(e); err != nil {
		return err
	}
	if err := t.freeEntryKey(e); err != nil {
		return err
	}

	if t.cursors != nil {
		if err := t.cursors.UncoupleAll(n.Page.RID()); err != nil {
			return err
		}
	}

	entries = append(entries[:rec.Index], entries[rec.Index+1:]...)
	n.SetEntries(entries)
	if err := t.store.Touch(n.Page); err != nil {
		return err
	}
	t.hint.have = false

	if n.Page.RID() == t.RootRID {
		return nil
	}

	path, err := t.pathTo(rec.Key, n.Page.RID())
	if err != nil {
		return err
	}
	return t.rebalance(path, n)
}

// pathTo re-descends to find the path leading to a known leaf rid,
// used by EraseEntry (which starts from a cursor-supplied Record rather
// than a fresh descend()) to drive rebalance.
func (t *Tree) pathTo(key []byte, leafRID uint64) ([]pathStep, error) {
	path, leaf, err := t.descend(key)
	if err != nil {
		return nil, err
	}
	if leaf.Page.RID() != leafRID {
		// The key no longer resolves to the same leaf (shouldn't happen
		// within a single-writer tree, but fall back to no rebalance
		// rather than risk operating on the wrong node).
		return nil, nil
	}
	return path, nil
}
