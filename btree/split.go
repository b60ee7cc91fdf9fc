package btree

import (
	"github.com/hamsterdb/hamsterdb/common"
	"github.com/hamsterdb/hamsterdb/spage"
)

// splitPoint picks where to divide count entries between the original
// (left) and new (right) node, biased toward SEQUENTIAL_INSERT
// (right-heavy: the original page keeps all but the last entry and the
// new sibling starts with only that one, so later ascending inserts land
// in the sibling while the original page stays full) or the median for
// everything else (§4.7 "Insert").
func splitPoint(count int, dam common.DataAccessMode) int {
	if dam == common.DAMSequentialInsert && count > 1 {
		return count - 1
	}
	return count / 2
}

// splitNode divides entries (which already includes the newly inserted
// key and therefore overflows node's capacity) between node and a
// freshly allocated sibling, re-linking leaf sibling pointers. It
// returns the separator key to promote to the parent and the new
// sibling's rid.
func (t *Tree) splitNode(node *Node, entries []entry) ([]byte, uint64, error) {
	if t.cursors != nil {
		if err := t.cursors.UncoupleAll(node.Page.RID()); err != nil {
			return nil, 0, err
		}
	}

	sp := splitPoint(len(entries), t.dam)
	if sp == 0 {
		sp = 1
	}
	left := entries[:sp]
	right := entries[sp:]

	typ := spage.TypeBTreeNode
	newPage, err := t.store.Alloc(typ)
	if err != nil {
		return nil, 0, err
	}
	newNode := InitNode(newPage, t.capacity, node.Leaf())

	if node.Leaf() {
		oldRight := node.Right()
		node.SetRight(newPage.RID())
		newNode.SetLeft(node.Page.RID())
		newNode.SetRight(oldRight)
		if oldRight != 0 {
			rightNode, err := t.fetchNode(oldRight)
			if err != nil {
				return nil, 0, err
			}
			rightNode.SetLeft(newPage.RID())
			if err := t.store.Touch(rightNode.Page); err != nil {
				return nil, 0, err
			}
		}
	}

	node.SetEntries(left)
	newNode.SetEntries(right)
	if err := t.store.Touch(node.Page); err != nil {
		return nil, 0, err
	}
	if err := t.store.Touch(newPage); err != nil {
		return nil, 0, err
	}

	sepKey, err := t.fullKey(right[0])
	if err != nil {
		return nil, 0, err
	}
	return sepKey, newPage.RID(), nil
}

// insertWithSplit splits leaf (whose entries already overflow capacity)
// and propagates the separator up the descent path, creating a new
// root if the split reaches the top (§4.7 "retry up to the root").
func (t *Tree) insertWithSplit(path []pathStep, leaf *Node, entries []entry) error {
	sepKey, newRID, err := t.splitNode(leaf, entries)
	if err != nil {
		return err
	}
	return t.propagateSplit(path, leaf.Page.RID(), sepKey, newRID)
}

// propagateSplit inserts a new (sepKey, newChildRID) separator into the
// parent named by the tail of path, splitting that parent in turn if it
// overflows, and creating a new root when path is exhausted.
func (t *Tree) propagateSplit(path []pathStep, leftChildRID uint64, sepKey []byte, newChildRID uint64) error {
	if len(path) == 0 {
		return t.createNewRoot(leftChildRID, sepKey, newChildRID)
	}

	step := path[len(path)-1]
	parent, err := t.fetchNode(step.rid)
	if err != nil {
		return err
	}
	entries := parent.Entries()

	newEntry, err := t.makeEntry(sepKey, newChildRID, 0)
	if err != nil {
		return err
	}
	at := step.index + 1
	entries = append(entries, entry{})
	copy(entries[at+1:], entries[at:])
	entries[at] = newEntry

	if len(entries) <= t.maxKeys {
		parent.SetEntries(entries)
		return t.store.Touch(parent.Page)
	}
	return t.insertWithSplit(path[:len(path)-1], parent, entries)
}

// createNewRoot builds a fresh root page with two children: the
// original root (now split in two) and its new right sibling.
func (t *Tree) createNewRoot(leftChildRID uint64, sepKey []byte, rightChildRID uint64) error {
	lowestKey, err := t.leftmostKey(leftChildRID)
	if err != nil {
		return err
	}

	newRoot, err := t.store.Alloc(spage.TypeBTreeRoot)
	if err != nil {
		return err
	}
	node := InitNode(newRoot, t.capacity, false)

	leftEntry, err := t.makeEntry(lowestKey, leftChildRID, 0)
	if err != nil {
		return err
	}
	rightEntry, err := t.makeEntry(sepKey, rightChildRID, 0)
	if err != nil {
		return err
	}
	node.SetEntries([]entry{leftEntry, rightEntry})
	if err := t.store.Touch(newRoot); err != nil {
		return err
	}

	t.RootRID = newRoot.RID()
	t.hint.have = false
	return nil
}

// leftmostKey returns the smallest key reachable under the subtree
// rooted at rid, used to seed the sentinel separator for a new root's
// left child (§4.7 "inner nodes bracket their children's key
// ranges").
func (t *Tree) leftmostKey(rid uint64) ([]byte, error) {
	for {
		n, err := t.fetchNode(rid)
		if err != nil {
			return nil, err
		}
		entries := n.Entries()
		if len(entries) == 0 {
			return nil, nil
		}
		if n.Leaf() {
			return t.fullKey(entries[0])
		}
		rid = entries[0].payloadRID
	}
}
