package cursor

import (
	"github.com/hamsterdb/hamsterdb/common"
)

// Insert inserts key/record via the cursor (§4.9 "insert(key,
// record, flags)"). Tree.Insert's duplicate-anchor flags key off the
// table's own ends (first/last) rather than the cursor's duplicate
// index, which the narrow Insert signature has no room to carry;
// BEFORE/AFTER therefore degrade to FIRST/LAST (documented
// simplification — see DESIGN.md).
func (c *Cursor) Insert(key, record []byte, flags common.Flags) error {
	if err := c.tree.Insert(key, record, flags); err != nil {
		return err
	}
	rec, err := c.tree.FindRecord(key, common.FlagFindExactMatch)
	if err != nil {
		return err
	}
	c.couple(rec, c.startDupIndex(rec, 0))
	return nil
}

// Overwrite updates only the record at the cursor's current position;
// the key is unchanged (§4.9 "overwrite(record)").
func (c *Cursor) Overwrite(record []byte) error {
	rec, err := c.record()
	if err != nil {
		return err
	}
	return c.tree.OverwriteAt(rec, c.dupIndex, record)
}

// OverwritePartial updates only [offset, offset+len(partial)) of the
// record at the cursor's current position, preserving the rest of the
// old payload or zero-filling any gap before offset when the write
// grows past the record's current length (§4.6 HAM_PARTIAL write
// semantics, common.FlagPartial).
func (c *Cursor) OverwritePartial(offset int, partial []byte) error {
	rec, err := c.record()
	if err != nil {
		return err
	}
	return c.tree.OverwritePartialAt(rec, c.dupIndex, offset, partial)
}

// Erase removes the entry at the cursor's current position and leaves
// the cursor either on the next valid position or invalidated (spec
// §4.9 "erase(flags)"). FlagFreeAllDupes forces removal of the whole
// key even when positioned within a duplicate table.
func (c *Cursor) Erase(flags common.Flags) error {
	rec, err := c.record()
	if err != nil {
		return err
	}

	if !rec.HasDuplicates() || flags.Has(common.FlagFreeAllDupes) {
		if err := c.tree.EraseEntry(rec); err != nil {
			return err
		}
		c.invalidate()
		return nil
	}

	next, stillHasKey, err := c.tree.EraseDuplicateAt(rec, c.dupIndex)
	if err != nil {
		return err
	}
	if !stillHasKey {
		c.invalidate()
		return nil
	}
	idx := c.clampDupIndex(next)
	if idx >= 0 {
		count, err := c.tree.DuplicateCount(next)
		if err != nil {
			return err
		}
		if idx >= count {
			// The erased duplicate was the last one of the key.
			c.invalidate()
			return nil
		}
	}
	c.couple(next, idx)
	return nil
}

func (c *Cursor) invalidate() {
	if c.st == stateCoupled {
		c.mgr.unregister(c.leafRID, c)
	}
	c.st = stateNil
	c.key = nil
	c.dupIndex = -1
}

// Clone returns an independent cursor positioned identically to c (spec
// §4.9 "clone").
func (c *Cursor) Clone() *Cursor {
	clone := c.mgr.New(c.txn)
	clone.st = c.st
	clone.leafRID = c.leafRID
	clone.index = c.index
	clone.dupIndex = c.dupIndex
	clone.key = append([]byte(nil), c.key...)
	if clone.st == stateCoupled {
		clone.mgr.register(clone.leafRID, clone)
	}
	return clone
}

// Close releases the cursor, dropping it from its transaction's
// refcount (§4.9 "close"; §4.11 "a transaction cannot commit/abort
// with live cursors").
func (c *Cursor) Close() error {
	if c.closed {
		return nil
	}
	if c.st == stateCoupled {
		c.mgr.unregister(c.leafRID, c)
	}
	c.st = stateNil
	c.closed = true
	if c.txn != nil {
		c.txn.DropCursor()
	}
	return nil
}
