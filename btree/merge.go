package btree

// rebalance restores the occupancy invariant (§4.7 "if the leaf's
// occupancy drops below a threshold (default 1/3 of capacity), merge
// with a sibling or redistribute") after node (reached via path) lost an
// entry. The root is exempt: it may sit below threshold indefinitely.
func (t *Tree) rebalance(path []pathStep, node *Node) error {
	if len(path) == 0 {
		return nil
	}
	threshold := t.maxKeys / 3
	if node.Count() >= threshold {
		return nil
	}

	step := path[len(path)-1]
	parent, err := t.fetchNode(step.rid)
	if err != nil {
		return err
	}
	parentEntries := parent.Entries()
	parentPath := path[:len(path)-1]

	if step.index+1 < len(parentEntries) {
		right, err := t.fetchNode(parentEntries[step.index+1].payloadRID)
		if err != nil {
			return err
		}
		return t.mergeOrRedistribute(parent, parentEntries, step.index, node, right, parentPath)
	}
	if step.index > 0 {
		left, err := t.fetchNode(parentEntries[step.index-1].payloadRID)
		if err != nil {
			return err
		}
		return t.mergeOrRedistribute(parent, parentEntries, step.index-1, left, node, parentPath)
	}
	// Only child of its parent: nothing to merge or redistribute with.
	return nil
}

// mergeOrRedistribute merges right into left when the combined entry
// count still fits one node, otherwise moves a single entry across to
// even the two out (§4.7 "merge with a sibling or redistribute").
// leftIdx is left's position in parentEntries; right occupies leftIdx+1.
func (t *Tree) mergeOrRedistribute(parent *Node, parentEntries []entry, leftIdx int, left, right *Node, parentPath []pathStep) error {
	if t.cursors != nil {
		if err := t.cursors.UncoupleAll(left.Page.RID()); err != nil {
			return err
		}
		if err := t.cursors.UncoupleAll(right.Page.RID()); err != nil {
			return err
		}
	}

	if left.Count()+right.Count() <= t.maxKeys {
		return t.mergeSiblings(parent, parentEntries, leftIdx, left, right, parentPath)
	}
	return t.redistribute(parent, parentEntries, leftIdx, left, right)
}

func (t *Tree) mergeSiblings(parent *Node, parentEntries []entry, leftIdx int, left, right *Node, parentPath []pathStep) error {
	merged := append(left.Entries(), right.Entries()...)
	left.SetEntries(merged)

	if left.Leaf() {
		oldRight := right.Right()
		left.SetRight(oldRight)
		if oldRight != 0 {
			n, err := t.fetchNode(oldRight)
			if err != nil {
				return err
			}
			n.SetLeft(left.Page.RID())
			if err := t.store.Touch(n.Page); err != nil {
				return err
			}
		}
	}
	if err := t.store.Touch(left.Page); err != nil {
		return err
	}

	// Freeing the separator's extended-key blob, if any: the key that
	// pointed at the now-removed right child is gone for good.
	if err := t.freeEntryKey(parentEntries[leftIdx+1]); err != nil {
		return err
	}
	if err := t.store.Free(right.Page.RID()); err != nil {
		return err
	}

	parentEntries = append(parentEntries[:leftIdx+1], parentEntries[leftIdx+2:]...)

	if parent.Page.RID() == t.RootRID && len(parentEntries) == 1 {
		// Root collapses: its one remaining child becomes the new root.
		t.RootRID = parentEntries[0].payloadRID
		t.hint.have = false
		return t.store.Free(parent.Page.RID())
	}

	parent.SetEntries(parentEntries)
	if err := t.store.Touch(parent.Page); err != nil {
		return err
	}
	return t.rebalance(parentPath, parent)
}

func (t *Tree) redistribute(parent *Node, parentEntries []entry, leftIdx int, left, right *Node) error {
	leftEntries := left.Entries()
	rightEntries := right.Entries()

	if len(leftEntries) > len(rightEntries) {
		moved := leftEntries[len(leftEntries)-1]
		left.SetEntries(leftEntries[:len(leftEntries)-1])
		rightEntries = append([]entry{moved}, rightEntries...)
		right.SetEntries(rightEntries)
	} else {
		moved := rightEntries[0]
		right.SetEntries(rightEntries[1:])
		leftEntries = append(leftEntries, moved)
		left.SetEntries(leftEntries)
	}
	if err := t.store.Touch(left.Page); err != nil {
		return err
	}
	if err := t.store.Touch(right.Page); err != nil {
		return err
	}

	newSep, err := t.fullKey(right.Entries()[0])
	if err != nil {
		return err
	}
	if err := t.freeEntryKey(parentEntries[leftIdx+1]); err != nil {
		return err
	}
	newEntry, err := t.makeEntry(newSep, parentEntries[leftIdx+1].payloadRID, 0)
	if err != nil {
		return err
	}
	parentEntries[leftIdx+1] = newEntry
	parent.SetEntries(parentEntries)
	return t.store.Touch(parent.Page)
}
