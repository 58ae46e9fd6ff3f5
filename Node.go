package bztree

import (
	"encoding/binary"
	"errors"
	"unsafe"
)

// This file is the node layout (C1, §3): fixed 256-byte blocks with a
// 16-byte header, a metadata array growing forward from the header, and a
// record heap growing backward from the end of the block. Every accessor
// here takes raw mmap bytes and an absolute byte offset; nothing above this
// file is allowed to touch node bytes directly.
//
// node_size is "informational" per §3, so its 32 bits are split: the low
// 16 bits always hold NodeSize, and bit 16 flags an inner node. That still
// satisfies the invariant (a reader ignoring the flag bit still sees
// NodeSize) while giving traversal a place to learn the node's kind.

const nodeKindInnerBit = uint32(1) << 16

// sentinel record byte appended after every raw key and raw value.
const recordSentinel = byte(0x00)

// reservedOffsetSentinelBit marks a record-metadata offset field as "still
// reserving": the remaining 27 bits are the global epoch at reservation
// time (§3 metadata array, §9 "asserts it fits in 27 bits").
const reservedOffsetSentinelBit = uint32(1) << 27
const reservedEpochMask = reservedOffsetSentinelBit - 1

func wordAddr(mm MMap, offset uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(&mm[offset]))
}

func dwordAddr(mm MMap, offset uint64) *uint32 {
	return (*uint32)(unsafe.Pointer(&mm[offset]))
}

func statusWordOffset(nodeOff uint64) uint64      { return nodeOff + 8 }
func recordMetaOffset(nodeOff uint64, idx uint16) uint64 {
	return nodeOff + uint64(HeaderSize) + uint64(idx)*uint64(RecordMetaSize)
}

// initNode zero-fills a freshly allocated node block and writes its header.
func initNode(mm MMap, nodeOff uint64, inner bool) {
	for i := uint64(0); i < NodeSize; i++ {
		mm[nodeOff+i] = 0
	}

	sizeWord := uint32(NodeSize)
	if inner {
		sizeWord |= nodeKindInnerBit
	}

	binary.LittleEndian.PutUint32(mm[nodeOff:nodeOff+4], sizeWord)
	// sorted_count defaults to 0; status word defaults to all-zero (unfrozen, empty).
}

func isInnerNode(mm MMap, nodeOff uint64) bool {
	sizeWord := binary.LittleEndian.Uint32(mm[nodeOff : nodeOff+4])
	return sizeWord&nodeKindInnerBit != 0
}

func readSortedCount(mm MMap, nodeOff uint64) uint32 {
	return binary.LittleEndian.Uint32(mm[nodeOff+4 : nodeOff+8])
}

// setSortedCount is only ever called once, by the SMO that builds the node
// (§3 "sorted_count... immutable once set"); it is never CAS'd.
func setSortedCount(mm MMap, nodeOff uint64, count uint32) {
	binary.LittleEndian.PutUint32(mm[nodeOff+4:nodeOff+8], count)
}

func readStatusWord(mm MMap, nodeOff uint64) statusWord {
	return decodeStatusWord(*wordAddr(mm, statusWordOffset(nodeOff)))
}

// writeStatusWordInitial is used only while a node is still unpublished
// (being built by an SMO); regular mutation must go through PMwCAS.
func writeStatusWordInitial(mm MMap, nodeOff uint64, sw statusWord) {
	*wordAddr(mm, statusWordOffset(nodeOff)) = sw.encode()
}

func readRecordMeta(mm MMap, nodeOff uint64, idx uint16) recordMeta {
	return decodeRecordMeta(*wordAddr(mm, recordMetaOffset(nodeOff, idx)))
}

// writeRecordMetaInitial is used only while a node is still unpublished.
func writeRecordMetaInitial(mm MMap, nodeOff uint64, idx uint16, rm recordMeta) {
	*wordAddr(mm, recordMetaOffset(nodeOff, idx)) = rm.encode()
}

// isReserved reports whether a metadata entry is mid-insert-reservation,
// and if so the epoch it was reserved at (§3, §4.3 step 1).
func isReserved(rm recordMeta) (reserved bool, epoch uint32) {
	if rm.visible {
		return false, 0
	}

	if rm.offset&reservedOffsetSentinelBit != 0 {
		return true, rm.offset & reservedEpochMask
	}

	return false, 0
}

func reservedOffset(epoch uint64) uint32 {
	return reservedOffsetSentinelBit | (uint32(epoch) & reservedEpochMask)
}

// readRecordKey returns the raw key bytes (sentinel stripped) for a
// published record.
func readRecordKey(mm MMap, nodeOff uint64, rm recordMeta) []byte {
	start := nodeOff + uint64(rm.offset)
	if rm.keyLen == 0 {
		return nil
	}

	return mm[start : start+uint64(rm.keyLen)-1]
}

// readRecordValue returns the raw value bytes (sentinel stripped) for a
// published record.
func readRecordValue(mm MMap, nodeOff uint64, rm recordMeta) []byte {
	valLen := rm.valueLen()
	if valLen == 0 {
		return nil
	}

	start := nodeOff + uint64(rm.offset) + uint64(rm.keyLen)
	return mm[start : start+uint64(valLen)-1]
}

// writeRecordPayload copies key+sentinel, value+sentinel into the heap at
// the given node-relative offset. Called only after the reservation PMwCAS
// has fixed the offset (§4.3 step 3 "write payload").
func writeRecordPayload(mm MMap, nodeOff uint64, offset uint32, key, value []byte) {
	start := nodeOff + uint64(offset)

	n := copy(mm[start:], key)
	mm[start+uint64(n)] = recordSentinel

	vStart := start + uint64(n) + 1
	n2 := copy(mm[vStart:], value)
	mm[vStart+uint64(n2)] = recordSentinel
}

// alignUp8 rounds n up to the next multiple of 8. Inner-node records pad
// their key area to a multiple of 8 bytes so the trailing 8-byte child
// pointer -- a PMwCAS target in its own right during a compact/split/merge
// swap (§4.5) -- always lands on a naturally aligned address (§4.1
// "words used as PMwCAS targets must be naturally 8-byte aligned").
func alignUp8(n uint64) uint64 {
	return (n + 7) &^ 7
}

// childOffsetField reads the 8-byte inner-node child value for a record
// (spec §3 "Inner node"): the value bytes are a raw pool-relative uint64
// offset rather than a length-prefixed record payload.
func childOffsetField(mm MMap, nodeOff uint64, rm recordMeta) uint64 {
	start := nodeOff + uint64(rm.offset) + alignUp8(uint64(rm.keyLen))
	return binary.LittleEndian.Uint64(mm[start : start+8])
}

// childOffsetAddr is childOffsetField's address form, the PMwCAS target
// used when an SMO swaps a single routing entry's child pointer in place.
func childOffsetAddr(mm MMap, nodeOff uint64, rm recordMeta) *uint64 {
	start := nodeOff + uint64(rm.offset) + alignUp8(uint64(rm.keyLen))
	return wordAddr(mm, start)
}

// recordEncodedLen is the number of heap bytes a key/value pair with
// sentinels occupies; used both to size a reservation and to validate
// capacity before attempting one. A pair that could not fit even in an
// empty node is rejected with ErrKeyTooLarge.
func recordEncodedLen(key, value []byte) (keyLen, totalLen uint16, err error) {
	kl := len(key) + 1
	vl := len(value) + 1
	tl := kl + vl

	if kl > int(maxRecordTotalLen) || tl > int(maxRecordTotalLen) || HeaderSize+RecordMetaSize+tl > NodeSize {
		return 0, 0, ErrKeyTooLarge
	}

	return uint16(kl), uint16(tl), nil
}

// childEncodedLen mirrors recordEncodedLen for inner-node routing entries,
// whose "value" is always exactly ChildPtrSize bytes (§3 "Inner node").
// The key area is padded to a multiple of 8 bytes (alignUp8) so the child
// pointer that follows it is a valid PMwCAS target.
func childEncodedLen(key []byte) (keyLen, totalLen uint16, err error) {
	kl := len(key) + 1
	tl := alignUp8(uint64(kl)) + ChildPtrSize

	if kl > int(maxRecordTotalLen) || tl > uint64(maxRecordTotalLen) {
		return 0, 0, ErrKeyTooLarge
	}

	return uint16(kl), uint16(tl), nil
}

// writeChildPayload is writeRecordPayload's inner-node counterpart: key
// bytes plus sentinel, zero-padded out to the next 8-byte boundary, then a
// raw 8-byte child offset (no value sentinel, since the "value" is a
// fixed-width pointer, not a byte string).
func writeChildPayload(mm MMap, nodeOff uint64, offset uint32, key []byte, child uint64) {
	start := nodeOff + uint64(offset)

	n := copy(mm[start:], key)
	mm[start+uint64(n)] = recordSentinel

	vStart := start + alignUp8(uint64(len(key)+1))
	binary.LittleEndian.PutUint64(mm[vStart:vStart+8], child)
}

// recoverNodeAccess converts an out-of-range mmap access panic into an
// error, in the teacher's Meta.go/Node.go recover() style. None of the
// accessors in this package defers it; an out-of-range access in them
// panics.
func recoverNodeAccess(err *error) {
	if r := recover(); r != nil {
		*err = errors.New("bztree: out-of-range node access")
	}
}
