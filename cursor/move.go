package cursor

import (
	"github.com/hamsterdb/hamsterdb/btree"
	"github.com/hamsterdb/hamsterdb/common"
)

// Move repositions the cursor per §4.9: FIRST/LAST/NEXT/PREVIOUS,
// optionally skipping over duplicates of the same key rather than
// stepping through them one at a time.
func (c *Cursor) Move(flags common.Flags) error {
	switch {
	case flags.Has(common.FlagCursorFirst):
		rec, err := c.tree.First()
		if err != nil {
			return err
		}
		c.couple(rec, c.startDupIndex(rec, flags))
		return nil
	case flags.Has(common.FlagCursorLast):
		rec, err := c.tree.Last()
		if err != nil {
			return err
		}
		c.couple(rec, c.endDupIndex(rec, flags))
		return nil
	case flags.Has(common.FlagCursorNext):
		return c.stepNext(flags)
	case flags.Has(common.FlagCursorPrevious):
		return c.stepPrevious(flags)
	default:
		return nil // re-affirm the current position without moving
	}
}

func (c *Cursor) startDupIndex(rec btree.Record, flags common.Flags) int {
	if !rec.HasDuplicates() || flags.Has(common.FlagSkipDuplicates) {
		return -1
	}
	return 0
}

func (c *Cursor) endDupIndex(rec btree.Record, flags common.Flags) int {
	if !rec.HasDuplicates() || flags.Has(common.FlagSkipDuplicates) {
		return -1
	}
	count, err := c.tree.DuplicateCount(rec)
	if err != nil || count == 0 {
		return -1
	}
	return count - 1
}

func (c *Cursor) stepNext(flags common.Flags) error {
	rec, err := c.record()
	if err != nil {
		return err
	}

	if !flags.Has(common.FlagSkipDuplicates) && rec.HasDuplicates() {
		count, err := c.tree.DuplicateCount(rec)
		if err != nil {
			return err
		}
		if c.dupIndex+1 < count {
			c.couple(rec, c.dupIndex+1)
			return nil
		}
	}

	next, err := c.tree.Next(rec)
	if err != nil {
		return err
	}
	c.couple(next, c.startDupIndex(next, flags))
	return nil
}

func (c *Cursor) stepPrevious(flags common.Flags) error {
	rec, err := c.record()
	if err != nil {
		return err
	}

	if !flags.Has(common.FlagSkipDuplicates) && rec.HasDuplicates() && c.dupIndex > 0 {
		c.couple(rec, c.dupIndex-1)
		return nil
	}

	prev, err := c.tree.Prev(rec)
	if err != nil {
		return err
	}
	c.couple(prev, c.endDupIndex(prev, flags))
	return nil
}

// Find positions the cursor on key via the B-tree find path (§4.9
// "find"). See btree.Tree.Find for the flag semantics.
func (c *Cursor) Find(key []byte, flags common.Flags) error {
	rec, err := c.tree.FindRecord(key, flags)
	if err != nil {
		return err
	}
	c.couple(rec, c.startDupIndex(rec, flags))
	return nil
}

// Key returns the key bytes at the cursor's current position.
func (c *Cursor) Key() ([]byte, error) {
	rec, err := c.record()
	if err != nil {
		return nil, err
	}
	return rec.Key, nil
}

// Record returns the payload bytes at the cursor's current position
// (the specific duplicate if positioned within one).
func (c *Cursor) Record() ([]byte, error) {
	rec, err := c.record()
	if err != nil {
		return nil, err
	}
	return c.tree.ReadAt(rec, c.dupIndex)
}

// RecordPartial returns [offset, offset+size) of the payload at the
// cursor's current position, clamped to the payload's actual bounds
// (§4.6 HAM_PARTIAL read semantics, common.FlagPartial).
func (c *Cursor) RecordPartial(offset, size int) ([]byte, error) {
	rec, err := c.record()
	if err != nil {
		return nil, err
	}
	return c.tree.ReadPartialAt(rec, c.dupIndex, offset, size)
}

// GetDuplicateCount reports how many records the cursor's current key
// carries (§4.9 "get_duplicate_count").
func (c *Cursor) GetDuplicateCount() (int, error) {
	rec, err := c.record()
	if err != nil {
		return 0, err
	}
	return c.tree.DuplicateCount(rec)
}
