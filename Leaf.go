package bztree

import "bytes"

// This file is the leaf protocol (C4, §4.3): insert/update/lookup/erase on
// a single leaf via two-phase PMwCAS. Every mutating helper here returns an
// opOutcome (committed; duplicate, not found or too large; needs an SMO;
// retry from the root) rather than a bare bool, per the source's
// "self-restarting operations" strategy that §9 asks implementers to make
// explicit instead of relying on pseudo-tail-calls.
type opOutcome int

const (
	opCommitted opOutcome = iota
	opDuplicate
	opNotFound
	opTooLarge
	opNeedsSMO
	opRetry
)

// leafLookup linearly scans visible metadata for key, returning a copy of
// the matching value (never a slice into mmap memory, which may be
// remapped or reclaimed once the caller's epoch guard is released).
func leafLookup(mm MMap, leafOff uint64, key []byte) ([]byte, bool) {
	sw := readStatusWord(mm, leafOff)

	for i := uint16(0); i < uint16(sw.recordCount); i++ {
		rm := readRecordMeta(mm, leafOff, i)
		if !rm.visible {
			continue
		}

		if bytes.Equal(readRecordKey(mm, leafOff, rm), key) {
			v := readRecordValue(mm, leafOff, rm)
			out := make([]byte, len(v))
			copy(out, v)
			return out, true
		}
	}

	return nil, false
}

// leafInsert implements §4.3 "Insert": opportunistic dup-check, reserve,
// write payload, publish, then a second dup-check that resolves the
// recheck race the source leaves unconsumed (§9). The tie-break adopted
// here: the lowest record index wins; a losing publish tombstones itself.
func (t *Tree) leafInsert(mm MMap, leafOff uint64, key, value []byte, epoch uint64) (opOutcome, error) {
	sw := readStatusWord(mm, leafOff)
	if sw.frozen {
		return opRetry, nil
	}

	for i := uint16(0); i < uint16(sw.recordCount); i++ {
		rm := readRecordMeta(mm, leafOff, i)
		if rm.visible && bytes.Equal(readRecordKey(mm, leafOff, rm), key) {
			return opDuplicate, nil
		}
	}

	keyLen, totalLen, sizeErr := recordEncodedLen(key, value)
	if sizeErr != nil {
		return opTooLarge, sizeErr
	}

	required := uint32(RecordMetaSize) + uint32(totalLen)
	if uint32(HeaderSize)+uint32(RecordMetaSize)+uint32(totalLen) > NodeSize {
		// Too large for even a freshly emptied node -- a capacity failure
		// distinct from "this particular leaf needs an SMO first" (§4.7,
		// §7 "value too large for any node").
		return opTooLarge, nil
	}

	if sw.freeBytes() < required {
		return opNeedsSMO, nil
	}

	newIdx := sw.recordCount
	reservedSW := sw
	reservedSW.blockSize += uint32(totalLen)
	reservedSW.recordCount++

	reservedRM := recordMeta{visible: false, offset: reservedOffset(epoch), keyLen: keyLen, totalLen: totalLen}

	desc := t.pmwcas.allocateDescriptor()
	desc.addWord(wordAddr(mm, statusWordOffset(leafOff)), sw.encode(), reservedSW.encode())
	desc.addWord(wordAddr(mm, recordMetaOffset(leafOff, newIdx)), emptyRecordMeta.encode(), reservedRM.encode())

	if !t.pmwcas.commit(desc) {
		return opRetry, nil
	}

	heapOffset := uint32(NodeSize) - reservedSW.blockSize
	writeRecordPayload(mm, leafOff, heapOffset, key, value)

	publishedRM := recordMeta{visible: true, offset: heapOffset, keyLen: keyLen, totalLen: totalLen}

	publishDesc := t.pmwcas.allocateDescriptor()
	publishDesc.addWord(wordAddr(mm, statusWordOffset(leafOff)), reservedSW.encode(), reservedSW.encode())
	publishDesc.addWord(wordAddr(mm, recordMetaOffset(leafOff, newIdx)), reservedRM.encode(), publishedRM.encode())

	if !t.pmwcas.commit(publishDesc) {
		return opRetry, nil
	}

	return t.resolveInsertRace(mm, leafOff, key, newIdx, publishedRM)
}

// resolveInsertRace is the "second dup-check" §4.3 flags as incomplete in
// the source: after publishing, check for another visible record with the
// same key at a lower index, and if found, tombstone our own publish.
func (t *Tree) resolveInsertRace(mm MMap, leafOff uint64, key []byte, ourIdx uint16, ourRM recordMeta) (opOutcome, error) {
	sw := readStatusWord(mm, leafOff)

	for i := uint16(0); i < ourIdx; i++ {
		rm := readRecordMeta(mm, leafOff, i)
		if rm.visible && bytes.Equal(readRecordKey(mm, leafOff, rm), key) {
			tombstoned := recordMeta{visible: false, offset: 0, keyLen: ourRM.keyLen, totalLen: ourRM.totalLen}

			newSW := sw
			newSW.deleteSize += uint32(ourRM.totalLen) + uint32(RecordMetaSize)

			desc := t.pmwcas.allocateDescriptor()
			desc.addWord(wordAddr(mm, statusWordOffset(leafOff)), sw.encode(), newSW.encode())
			desc.addWord(wordAddr(mm, recordMetaOffset(leafOff, ourIdx)), ourRM.encode(), tombstoned.encode())

			t.pmwcas.commit(desc) // best-effort; either outcome still leaves the lower index visible

			return opDuplicate, nil
		}
	}

	return opCommitted, nil
}

// leafUpdate implements §4.3 "Update": the record is replaced by
// appending a new copy rather than overwriting in place, so no reader
// ever observes a torn value.
func (t *Tree) leafUpdate(mm MMap, leafOff uint64, key, value []byte) (opOutcome, error) {
	sw := readStatusWord(mm, leafOff)
	if sw.frozen {
		return opRetry, nil
	}

	var idx uint16 = 0
	var oldRM recordMeta
	found := false

	for i := uint16(0); i < uint16(sw.recordCount); i++ {
		rm := readRecordMeta(mm, leafOff, i)
		if rm.visible && bytes.Equal(readRecordKey(mm, leafOff, rm), key) {
			idx, oldRM, found = i, rm, true
			break
		}
	}

	if !found {
		return opNotFound, nil
	}

	keyLen, totalLen, sizeErr := recordEncodedLen(key, value)
	if sizeErr != nil {
		return opTooLarge, sizeErr
	}

	if sw.freeBytes() < uint32(totalLen) {
		return opNeedsSMO, nil
	}

	reservedSW := sw
	reservedSW.blockSize += uint32(totalLen)
	reservedSW.deleteSize += uint32(oldRM.totalLen)

	reserveDesc := t.pmwcas.allocateDescriptor()
	reserveDesc.addWord(wordAddr(mm, statusWordOffset(leafOff)), sw.encode(), reservedSW.encode())

	if !t.pmwcas.commit(reserveDesc) {
		return opRetry, nil
	}

	heapOffset := uint32(NodeSize) - reservedSW.blockSize
	writeRecordPayload(mm, leafOff, heapOffset, key, value)

	newRM := recordMeta{visible: true, offset: heapOffset, keyLen: keyLen, totalLen: totalLen}

	publishDesc := t.pmwcas.allocateDescriptor()
	publishDesc.addWord(wordAddr(mm, statusWordOffset(leafOff)), reservedSW.encode(), reservedSW.encode())
	publishDesc.addWord(wordAddr(mm, recordMetaOffset(leafOff, idx)), oldRM.encode(), newRM.encode())

	if !t.pmwcas.commit(publishDesc) {
		return opRetry, nil
	}

	return opCommitted, nil
}

// leafErase implements §4.3 "Erase": one 2-word PMwCAS tombstones the
// metadata entry and charges its bytes to delete_size. Heap bytes stay
// put until compaction.
func (t *Tree) leafErase(mm MMap, leafOff uint64, key []byte) (opOutcome, error) {
	sw := readStatusWord(mm, leafOff)
	if sw.frozen {
		return opRetry, nil
	}

	var idx uint16
	var rm recordMeta
	found := false

	for i := uint16(0); i < uint16(sw.recordCount); i++ {
		candidate := readRecordMeta(mm, leafOff, i)
		if candidate.visible && bytes.Equal(readRecordKey(mm, leafOff, candidate), key) {
			idx, rm, found = i, candidate, true
			break
		}
	}

	if !found {
		return opNotFound, nil
	}

	newSW := sw
	newSW.deleteSize += uint32(rm.totalLen) + uint32(RecordMetaSize)

	tombstoned := recordMeta{visible: false, offset: 0, keyLen: rm.keyLen, totalLen: rm.totalLen}

	desc := t.pmwcas.allocateDescriptor()
	desc.addWord(wordAddr(mm, statusWordOffset(leafOff)), sw.encode(), newSW.encode())
	desc.addWord(wordAddr(mm, recordMetaOffset(leafOff, idx)), rm.encode(), tombstoned.encode())

	if !t.pmwcas.commit(desc) {
		return opRetry, nil
	}

	return opCommitted, nil
}
