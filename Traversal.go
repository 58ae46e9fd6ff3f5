package bztree

import "bytes"

// This file is traversal (C5, §4.4): root-to-leaf descent through
// immutable inner nodes, reconstructing each child pointer from the
// parent's routing entry. Descent evaluates no SMO triggers: the public
// operations in Bztree.go run an SMO only when the leaf protocol returns
// opNeedsSMO, or after an erase pushes delete_size past MaxDeletedSpace.

// pathEntry is one inner node visited on the way down, plus which of its
// routing slots led to the next node -- enough for an SMO to swap that
// slot's child offset via PMwCAS without re-deriving the index.
type pathEntry struct {
	nodeOff  uint64
	childIdx uint16
}

// descendResult is everything a leaf operation or SMO needs: the leaf
// itself, the full ancestor chain (root-most first), and the tree-meta
// snapshot the descent was performed against.
type descendResult struct {
	leafOff   uint64
	ancestors []pathEntry
	metaOff   uint64
	meta      treeMeta
}

// parent returns the leaf's immediate parent, or ok=false if the leaf is
// the root (height 1).
func (d descendResult) parent() (pathEntry, bool) {
	if len(d.ancestors) == 0 {
		return pathEntry{}, false
	}

	return d.ancestors[len(d.ancestors)-1], true
}

// grandparent returns the parent's parent, or ok=false if the parent is
// the root.
func (d descendResult) grandparent() (pathEntry, bool) {
	if len(d.ancestors) < 2 {
		return pathEntry{}, false
	}

	return d.ancestors[len(d.ancestors)-2], true
}

// findChildSlot implements the routing-key rule from §4.4: the first slot
// whose key is >= the search key, or the last slot if none qualify (the
// last slot is the node's de facto +inf routing entry).
func findChildSlot(mm MMap, nodeOff uint64, key []byte) (uint16, recordMeta) {
	count := uint16(readStatusWord(mm, nodeOff).recordCount)

	for i := uint16(0); i < count; i++ {
		m := readRecordMeta(mm, nodeOff, i)
		if i == count-1 {
			return i, m
		}

		if bytes.Compare(readRecordKey(mm, nodeOff, m), key) >= 0 {
			return i, m
		}
	}

	return 0, recordMeta{}
}

// descend walks from the current root to the leaf that must contain key,
// per §4.4. It always re-reads the tree metadata, so a caller retrying
// after an SMO automatically picks up the new root/height.
func (t *Tree) descend(key []byte) descendResult {
	meta, metaOff, mm := t.loadTreeMeta()

	if meta.height == 1 {
		return descendResult{leafOff: meta.rootOffset, metaOff: metaOff, meta: meta}
	}

	ancestors := make([]pathEntry, 0, meta.height-1)
	curOff := meta.rootOffset

	for level := uint64(1); level < meta.height; level++ {
		idx, rm := findChildSlot(mm, curOff, key)
		ancestors = append(ancestors, pathEntry{nodeOff: curOff, childIdx: idx})
		curOff = childOffsetField(mm, curOff, rm)
	}

	return descendResult{leafOff: curOff, ancestors: ancestors, metaOff: metaOff, meta: meta}
}
