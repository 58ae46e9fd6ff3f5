package bztree

import (
	"bytes"
	"sort"
	"sync/atomic"
)

// This file is the SMO engine (C6, §4.5): compact, split, and merge, all
// copy-on-write build-then-swap, guarded by the frozen bit as a one-shot
// latch. Root-level SMOs are special-cased (§4.6) because the root pointer
// lives in the tree-metadata object, not in an inner node's child slot.

// freezeNode attempts the one-shot mutable->frozen transition (§4.3 "State
// machine per leaf"). It is a plain single-word PMwCAS: the frozen bit is
// part of every writer's CAS comparison, so once this succeeds no other
// writer can publish against the node again.
func (t *Tree) freezeNode(mm MMap, nodeOff uint64) (statusWord, bool) {
	sw := readStatusWord(mm, nodeOff)
	if sw.frozen {
		return sw, false
	}

	frozen := sw.withFrozen(true)

	desc := t.pmwcas.allocateDescriptor()
	desc.addWord(wordAddr(mm, statusWordOffset(nodeOff)), sw.encode(), frozen.encode())

	if !t.pmwcas.commit(desc) {
		return sw, false
	}

	return frozen, true
}

// unfreezeNode rolls back a node this thread just froze, after the SMO
// that owns the freeze failed to publish its replacement. Per §4.3/§9 this
// is the one legal path back from Frozen, restricted to the thread that
// set the bit and only before a replacement has been published -- so it
// is a plain CAS, not a PMwCAS, since no other writer can be racing a
// frozen node's status word.
func unfreezeNode(mm MMap, nodeOff uint64, frozen statusWord) {
	mutable := frozen.withFrozen(false)
	atomic.CompareAndSwapUint64(wordAddr(mm, statusWordOffset(nodeOff)), frozen.encode(), mutable.encode())
}

// bulkScanLeaf enumerates every visible record of a leaf, sorted by key.
// It backs compaction/split (which must rebuild a leaf in key order) and
// the debug/property-test bulk-scan helper (SPEC_FULL.md §D).
func bulkScanLeaf(mm MMap, leafOff uint64) []KeyValuePair {
	sw := readStatusWord(mm, leafOff)

	out := make([]KeyValuePair, 0, sw.recordCount)
	for i := uint16(0); i < uint16(sw.recordCount); i++ {
		rm := readRecordMeta(mm, leafOff, i)
		if !rm.visible {
			continue
		}

		key := append([]byte(nil), readRecordKey(mm, leafOff, rm)...)
		val := append([]byte(nil), readRecordValue(mm, leafOff, rm)...)
		out = append(out, KeyValuePair{Key: key, Value: val})
	}

	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })
	return out
}

// liveHeapBytes sums the heap bytes and count of a node's visible records
// only. It deliberately does not compute block_size - delete_size:
// delete_size is charged total_len *plus* sizeof(metadata) per erased
// record (§4.3 "Erase"), but that metadata charge was never added to
// block_size in the first place, so that subtraction underflows as soon
// as any record has been erased. Scanning visible metadata directly
// avoids the mismatch.
func liveHeapBytes(mm MMap, nodeOff uint64) (heapBytes uint32, count uint32) {
	sw := readStatusWord(mm, nodeOff)

	for i := uint16(0); i < uint16(sw.recordCount); i++ {
		rm := readRecordMeta(mm, nodeOff, i)
		if !rm.visible {
			continue
		}

		heapBytes += uint32(rm.totalLen)
		count++
	}

	return heapBytes, count
}

// buildSortedLeaf writes kvs (already sorted) into a zeroed scratch buffer
// as a leaf with sorted_count == record_count (§4.5 "Compact").
func buildSortedLeaf(scratch MMap, kvs []KeyValuePair) error {
	initNode(scratch, 0, false)

	var sw statusWord

	for i, kv := range kvs {
		keyLen, totalLen, err := recordEncodedLen(kv.Key, kv.Value)
		if err != nil {
			return err
		}

		sw.blockSize += uint32(totalLen)
		sw.recordCount++

		offset := uint32(NodeSize) - sw.blockSize
		writeRecordPayload(scratch, 0, offset, kv.Key, kv.Value)
		writeRecordMetaInitial(scratch, 0, uint16(i), recordMeta{visible: true, offset: offset, keyLen: keyLen, totalLen: totalLen})
	}

	setSortedCount(scratch, 0, uint32(len(kvs)))
	writeStatusWordInitial(scratch, 0, sw)

	return nil
}

// runCompact implements §4.5 "Compact": freeze, rebuild sorted-and-dense,
// swap at the parent (or root). Returns true if a replacement was
// published; false means the caller should simply retry traversal (someone
// else already compacted, or the swap lost a race and was rolled back).
func (t *Tree) runCompact(d descendResult) (bool, error) {
	mm := t.data.Load().(MMap)

	frozenSW, ok := t.freezeNode(mm, d.leafOff)
	if !ok {
		return false, nil
	}

	kvs := bulkScanLeaf(mm, d.leafOff)

	scratch := t.pool.get()
	defer t.pool.put(scratch)

	if err := buildSortedLeaf(MMap(*scratch), kvs); err != nil {
		unfreezeNode(mm, d.leafOff, frozenSW)
		return false, err
	}

	newOff, allocErr := t.allocateNode(false)
	if allocErr != nil {
		unfreezeNode(mm, d.leafOff, frozenSW)
		return false, allocErr
	}

	mm = t.data.Load().(MMap)
	copy(mm[newOff:newOff+NodeSize], *scratch)

	swapped, swapErr := t.swapChild(mm, d, newOff)
	if swapErr != nil {
		unfreezeNode(mm, d.leafOff, frozenSW)
		return false, swapErr
	}

	if !swapped {
		unfreezeNode(mm, d.leafOff, frozenSW)
		return false, nil
	}

	t.retireNode(d.leafOff)
	t.epochs.bumpEpoch()

	return true, nil
}

// swapChild installs newChildOff as the child at d's leaf position,
// either by PMwCASing the parent's routing entry (asserting the parent is
// unfrozen) or, if the leaf is the root, by publishing a fresh TreeMeta
// (§4.6 "Root descriptor").
func (t *Tree) swapChild(mm MMap, d descendResult, newChildOff uint64) (bool, error) {
	parent, hasParent := d.parent()
	if !hasParent {
		newMeta := treeMeta{rootOffset: newChildOff, height: d.meta.height, globalEpoch: d.meta.globalEpoch}
		return t.publishTreeMeta(d.metaOff, newMeta)
	}

	parentSW := readStatusWord(mm, parent.nodeOff)
	if parentSW.frozen {
		return false, nil
	}

	rm := readRecordMeta(mm, parent.nodeOff, parent.childIdx)
	oldChildOff := childOffsetField(mm, parent.nodeOff, rm)

	desc := t.pmwcas.allocateDescriptor()
	desc.addWord(wordAddr(mm, statusWordOffset(parent.nodeOff)), parentSW.encode(), parentSW.encode())
	desc.addWord(childOffsetAddr(mm, parent.nodeOff, rm), oldChildOff, newChildOff)

	return t.pmwcas.commit(desc), nil
}

// buildInnerNode writes a fully sorted, immutable routing node from a
// parallel (keys, children) slice. Under findChildSlot's "first routing
// key >= search key, else last slot" rule (§4.4), every slot's key is an
// inclusive upper bound on its subtree; the caller is responsible for
// passing each child's true upper bound (its half's maximum key). The
// final entry's key is the conceptual +inf routing sentinel (§3 "Inner
// node") and callers pass an empty []byte for it by convention -- its
// actual contents never matter, since findChildSlot always selects the
// last slot regardless of comparison.
func buildInnerNode(scratch MMap, keys [][]byte, children []uint64) error {
	initNode(scratch, 0, true)

	var sw statusWord

	for i := range keys {
		key := keys[i]

		keyLen, totalLen, err := childEncodedLen(key)
		if err != nil {
			return err
		}

		sw.blockSize += uint32(totalLen)
		sw.recordCount++

		offset := uint32(NodeSize) - sw.blockSize
		writeChildPayload(scratch, 0, offset, key, children[i])
		writeRecordMetaInitial(scratch, 0, uint16(i), recordMeta{visible: true, offset: offset, keyLen: keyLen, totalLen: totalLen})
	}

	setSortedCount(scratch, 0, uint32(len(keys)))
	writeStatusWordInitial(scratch, 0, sw)

	return nil
}

// runSplit implements §4.5 "Split": freeze leaf and parent together,
// rebuild as two leaves plus a wider (or brand new, at the root) parent,
// and swap at the grandparent (or root).
func (t *Tree) runSplit(d descendResult) (bool, error) {
	mm := t.data.Load().(MMap)

	leafFrozen, ok := t.freezeNode(mm, d.leafOff)
	if !ok {
		return false, nil
	}

	parent, hasParent := d.parent()

	var parentFrozen statusWord
	if hasParent {
		parentFrozen, ok = t.freezeNode(mm, parent.nodeOff)
		if !ok {
			unfreezeNode(mm, d.leafOff, leafFrozen)
			return false, nil
		}
	}

	rollback := func() {
		unfreezeNode(mm, d.leafOff, leafFrozen)
		if hasParent {
			unfreezeNode(mm, parent.nodeOff, parentFrozen)
		}
	}

	kvs := bulkScanLeaf(mm, d.leafOff)
	if len(kvs) < 2 {
		// Nothing sensible to split; bail out as a no-op so the caller
		// falls back to reporting capacity exhaustion.
		rollback()
		return false, nil
	}

	mid := splitByByteMidpoint(kvs)

	leftScratch := t.pool.get()
	rightScratch := t.pool.get()
	defer t.pool.put(leftScratch)
	defer t.pool.put(rightScratch)

	if err := buildSortedLeaf(MMap(*leftScratch), kvs[:mid]); err != nil {
		rollback()
		return false, err
	}

	if err := buildSortedLeaf(MMap(*rightScratch), kvs[mid:]); err != nil {
		rollback()
		return false, err
	}

	leftOff, leftErr := t.allocateNode(false)
	if leftErr != nil {
		rollback()
		return false, leftErr
	}

	rightOff, rightErr := t.allocateNode(false)
	if rightErr != nil {
		rollback()
		return false, rightErr
	}

	mm = t.data.Load().(MMap)
	copy(mm[leftOff:leftOff+NodeSize], *leftScratch)
	copy(mm[rightOff:rightOff+NodeSize], *rightScratch)

	// separator is the left child's inclusive upper bound -- the maximum
	// key of kvs[:mid] -- not kvs[mid].Key (the right half's minimum):
	// under findChildSlot's ">=" routing, using the right half's minimum
	// here would route a lookup for that exact key into the left child,
	// where it no longer lives.
	separator := kvs[mid-1].Key

	var newParentKeys [][]byte
	var newParentChildren []uint64

	if hasParent {
		oldKeys, oldChildren := readInnerNodeEntries(mm, parent.nodeOff)
		newParentKeys = make([][]byte, 0, len(oldKeys)+1)
		newParentChildren = make([]uint64, 0, len(oldChildren)+1)

		for i := range oldKeys {
			if uint16(i) == parent.childIdx {
				// The right half inherits the old entry's upper bound
				// (its routing key is unchanged); the new left half's
				// upper bound is the separator.
				newParentKeys = append(newParentKeys, separator, oldKeys[i])
				newParentChildren = append(newParentChildren, leftOff, rightOff)
				continue
			}

			newParentKeys = append(newParentKeys, oldKeys[i])
			newParentChildren = append(newParentChildren, oldChildren[i])
		}
	} else {
		newParentKeys = [][]byte{separator, nil}
		newParentChildren = []uint64{leftOff, rightOff}
	}

	parentScratch := t.pool.get()
	defer t.pool.put(parentScratch)

	if err := buildInnerNode(MMap(*parentScratch), newParentKeys, newParentChildren); err != nil {
		rollback()
		return false, err
	}

	newParentOff, parentAllocErr := t.allocateNode(true)
	if parentAllocErr != nil {
		rollback()
		return false, parentAllocErr
	}

	mm = t.data.Load().(MMap)
	copy(mm[newParentOff:newParentOff+NodeSize], *parentScratch)

	var swapped bool
	var swapErr error

	if !hasParent {
		newMeta := treeMeta{rootOffset: newParentOff, height: d.meta.height + 1, globalEpoch: d.meta.globalEpoch}
		swapped, swapErr = t.publishTreeMeta(d.metaOff, newMeta)
	} else {
		grandparentDescend := descendResult{leafOff: parent.nodeOff, ancestors: d.ancestors[:len(d.ancestors)-1], metaOff: d.metaOff, meta: d.meta}
		swapped, swapErr = t.swapChild(mm, grandparentDescend, newParentOff)
	}

	if swapErr != nil {
		rollback()
		return false, swapErr
	}

	if !swapped {
		rollback()
		return false, nil
	}

	t.retireNode(d.leafOff)
	if hasParent {
		t.retireNode(parent.nodeOff)
	}
	t.epochs.bumpEpoch()

	return true, nil
}

// splitByByteMidpoint picks a separator that balances total key+value
// bytes between the two halves rather than record counts (§4.5 "choose a
// separator at the key-length midpoint").
func splitByByteMidpoint(kvs []KeyValuePair) int {
	var total int
	for _, kv := range kvs {
		total += len(kv.Key) + len(kv.Value)
	}

	half := total / 2

	running := 0
	for i, kv := range kvs {
		running += len(kv.Key) + len(kv.Value)
		if running >= half {
			if i == 0 {
				return 1
			}

			return i
		}
	}

	return len(kvs) / 2
}

// readInnerNodeEntries extracts an inner node's routing keys and child
// offsets in slot order, used when rebuilding a parent during split/merge.
func readInnerNodeEntries(mm MMap, nodeOff uint64) ([][]byte, []uint64) {
	sw := readStatusWord(mm, nodeOff)

	keys := make([][]byte, sw.recordCount)
	children := make([]uint64, sw.recordCount)

	for i := uint16(0); i < uint16(sw.recordCount); i++ {
		rm := readRecordMeta(mm, nodeOff, i)
		keys[i] = append([]byte(nil), readRecordKey(mm, nodeOff, rm)...)
		children[i] = childOffsetField(mm, nodeOff, rm)
	}

	return keys, children
}

// runMerge implements §4.5 "Merge": prefer the left neighbor whose
// combined free space still satisfies MinFreeSpace, freeze both siblings
// and the parent, build one combined leaf and a parent with one fewer
// routing entry, and swap at the grandparent. A root whose single routing
// entry survives the merge collapses height by one (SPEC_FULL.md §C,
// resolving §9's open question on root-level merge).
func (t *Tree) runMerge(d descendResult) (bool, error) {
	parent, hasParent := d.parent()
	if !hasParent {
		return false, nil
	}

	mm := t.data.Load().(MMap)

	neighborIdx, isLeft, ok := t.pickMergeNeighbor(mm, parent, d.leafOff)
	if !ok {
		return false, nil
	}

	neighborRM := readRecordMeta(mm, parent.nodeOff, neighborIdx)
	neighborOff := childOffsetField(mm, parent.nodeOff, neighborRM)

	leafFrozen, ok := t.freezeNode(mm, d.leafOff)
	if !ok {
		return false, nil
	}

	neighborFrozen, ok := t.freezeNode(mm, neighborOff)
	if !ok {
		unfreezeNode(mm, d.leafOff, leafFrozen)
		return false, nil
	}

	parentFrozen, ok := t.freezeNode(mm, parent.nodeOff)
	if !ok {
		unfreezeNode(mm, d.leafOff, leafFrozen)
		unfreezeNode(mm, neighborOff, neighborFrozen)
		return false, nil
	}

	rollback := func() {
		unfreezeNode(mm, d.leafOff, leafFrozen)
		unfreezeNode(mm, neighborOff, neighborFrozen)
		unfreezeNode(mm, parent.nodeOff, parentFrozen)
	}

	var combined []KeyValuePair
	if isLeft {
		combined = append(bulkScanLeaf(mm, neighborOff), bulkScanLeaf(mm, d.leafOff)...)
	} else {
		combined = append(bulkScanLeaf(mm, d.leafOff), bulkScanLeaf(mm, neighborOff)...)
	}
	sort.Slice(combined, func(i, j int) bool { return bytes.Compare(combined[i].Key, combined[j].Key) < 0 })

	scratch := t.pool.get()
	defer t.pool.put(scratch)

	if err := buildSortedLeaf(MMap(*scratch), combined); err != nil {
		rollback()
		return false, err
	}

	mergedOff, allocErr := t.allocateNode(false)
	if allocErr != nil {
		rollback()
		return false, allocErr
	}

	mm = t.data.Load().(MMap)
	copy(mm[mergedOff:mergedOff+NodeSize], *scratch)

	oldKeys, oldChildren := readInnerNodeEntries(mm, parent.nodeOff)

	lo, hi := parent.childIdx, neighborIdx
	if lo > hi {
		lo, hi = hi, lo
	}

	newKeys := make([][]byte, 0, len(oldKeys)-1)
	newChildren := make([]uint64, 0, len(oldChildren)-1)

	for i := range oldKeys {
		switch uint16(i) {
		case lo:
			newKeys = append(newKeys, oldKeys[hi])
			newChildren = append(newChildren, mergedOff)
		case hi:
			continue
		default:
			newKeys = append(newKeys, oldKeys[i])
			newChildren = append(newChildren, oldChildren[i])
		}
	}

	if len(newKeys) == 1 && hasGrandparentRoot(d) {
		newMeta := treeMeta{rootOffset: newChildren[0], height: d.meta.height - 1, globalEpoch: d.meta.globalEpoch}
		swapped, err := t.publishTreeMeta(d.metaOff, newMeta)
		if err != nil {
			rollback()
			return false, err
		}
		if !swapped {
			rollback()
			return false, nil
		}

		t.retireMergeSources(d, neighborOff, parent.nodeOff)
		return true, nil
	}

	parentScratch := t.pool.get()
	defer t.pool.put(parentScratch)

	if err := buildInnerNode(MMap(*parentScratch), newKeys, newChildren); err != nil {
		rollback()
		return false, err
	}

	newParentOff, parentAllocErr := t.allocateNode(true)
	if parentAllocErr != nil {
		rollback()
		return false, parentAllocErr
	}

	mm = t.data.Load().(MMap)
	copy(mm[newParentOff:newParentOff+NodeSize], *parentScratch)

	var swapped bool
	var swapErr error

	if _, hasGP := d.grandparent(); !hasGP {
		newMeta := treeMeta{rootOffset: newParentOff, height: d.meta.height, globalEpoch: d.meta.globalEpoch}
		swapped, swapErr = t.publishTreeMeta(d.metaOff, newMeta)
	} else {
		gpDescend := descendResult{leafOff: parent.nodeOff, ancestors: d.ancestors[:len(d.ancestors)-1], metaOff: d.metaOff, meta: d.meta}
		swapped, swapErr = t.swapChild(mm, gpDescend, newParentOff)
	}

	if swapErr != nil {
		rollback()
		return false, swapErr
	}

	if !swapped {
		rollback()
		return false, nil
	}

	t.retireMergeSources(d, neighborOff, parent.nodeOff)
	return true, nil
}

func (t *Tree) retireMergeSources(d descendResult, neighborOff, parentOff uint64) {
	t.retireNode(d.leafOff)
	t.retireNode(neighborOff)
	t.retireNode(parentOff)
	t.epochs.bumpEpoch()
}

// retireNode defers an arena region for epoch-safe reclamation and counts
// it against the vacuum trigger threshold (SPEC_FULL.md §C).
func (t *Tree) retireNode(offset uint64) {
	t.epochs.deferDestroy(offset, NodeSize)
	atomic.AddUint64(&t.retiredBytes, NodeSize)
}

// hasGrandparentRoot reports whether the parent being merged away is
// itself the root (i.e. the leaf's grandparent slot is absent).
func hasGrandparentRoot(d descendResult) bool {
	_, hasGP := d.grandparent()
	return !hasGP
}

// pickMergeNeighbor prefers the left sibling, falling back to the right,
// as long as the combined node would still satisfy MinFreeSpace (§4.5
// "Merge: choose the neighbor... whose combined free space still
// satisfies MIN_FREE_SPACE").
func (t *Tree) pickMergeNeighbor(mm MMap, parent pathEntry, leafOff uint64) (idx uint16, isLeft bool, ok bool) {
	parentSW := readStatusWord(mm, parent.nodeOff)
	count := uint16(parentSW.recordCount)

	fits := func(candidateOff uint64) bool {
		candLive, candCount := liveHeapBytes(mm, candidateOff)
		leafLive, leafCount := liveHeapBytes(mm, leafOff)

		used := uint32(HeaderSize) + (candCount+leafCount)*uint32(RecordMetaSize) + candLive + leafLive
		return used+t.cfg.MinFreeSpace <= NodeSize
	}

	if parent.childIdx > 0 {
		leftRM := readRecordMeta(mm, parent.nodeOff, parent.childIdx-1)
		leftOff := childOffsetField(mm, parent.nodeOff, leftRM)
		if fits(leftOff) {
			return parent.childIdx - 1, true, true
		}
	}

	if parent.childIdx+1 < count {
		rightRM := readRecordMeta(mm, parent.nodeOff, parent.childIdx+1)
		rightOff := childOffsetField(mm, parent.nodeOff, rightRM)
		if fits(rightOff) {
			return parent.childIdx + 1, false, true
		}
	}

	return 0, false, false
}
