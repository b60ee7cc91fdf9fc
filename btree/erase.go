package btree

import (
	"github.com/hamsterdb/hamsterdb/blob"
	"github.com/hamsterdb/hamsterdb/common"
)

// freePayload releases whatever storage backs a plain (non-duplicate)
// entry's record. Inline-encoded records live entirely in the key
// record itself and need no freeing.
func (t *Tree) freePayload(e entry) error {
	if inlineFlagToBlob(e.flags) != 0 {
		return nil
	}
	return blob.Free(t.blobs, e.payloadRID)
}

// Erase removes key and its entire record (including every duplicate,
// should the key have any) from the tree, rebalancing the leaf it was
// found in afterward (§4.7 "Erase ... Rebalance").
func (t *Tree) Erase(key []byte, flags common.Flags) error {
	path, leaf, err := t.descend(key)
	if err != nil {
		return err
	}
	idx, entries, err := t.searchLeaf(leaf, key)
	if err != nil {
		return err
	}
	if idx < 0 {
		return common.ErrKeyNotFound
	}

	e := entries[idx]
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
		if err := t.cursors.UncoupleAll(leaf.Page.RID()); err != nil {
			return err
		}
	}

	entries = append(entries[:idx], entries[idx+1:]...)
	leaf.SetEntries(entries)
	if err := t.store.Touch(leaf.Page); err != nil {
		return err
	}
	t.hint.have = false

	if leaf.Page.RID() == t.RootRID {
		return nil
	}
	return t.rebalance(path, leaf)
}
