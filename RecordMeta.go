package bztree

// recordMeta is the logical view of a single 64-bit packed per-record
// metadata entry (spec §3). Every entry in a node's metadata array is one
// of these, written once at append time and thereafter only flipped
// between visible and not-visible (erase) or reused after a freeze-free
// in-place update via a fresh PMwCAS on the same word.
//
// Bit layout, high to low: control(3) | visible(1) | offset(28) | keyLen(16) | totalLen(16).
type recordMeta struct {
	control  uint8
	visible  bool
	offset   uint32
	keyLen   uint16
	totalLen uint16
}

const (
	rmControlBits  = 3
	rmVisibleBits  = 1
	rmOffsetBits   = 28
	rmKeyLenBits   = 16
	rmTotalLenBits = 16

	rmTotalLenShift = 0
	rmKeyLenShift   = rmTotalLenShift + rmTotalLenBits
	rmOffsetShift   = rmKeyLenShift + rmKeyLenBits
	rmVisibleShift  = rmOffsetShift + rmOffsetBits
	rmControlShift  = rmVisibleShift + rmVisibleBits

	rmControlMask  = uint64(1)<<rmControlBits - 1
	rmVisibleMask  = uint64(1)<<rmVisibleBits - 1
	rmOffsetMask   = uint64(1)<<rmOffsetBits - 1
	rmKeyLenMask   = uint64(1)<<rmKeyLenBits - 1
	rmTotalLenMask = uint64(1)<<rmTotalLenBits - 1
)

// maxRecordOffset and maxRecordTotalLen bound what the packed fields can address; any
// allocation request wider than these cannot fit in any node no matter how
// empty it is and must fail with ErrKeyTooLarge rather than be attempted.
const (
	maxRecordOffset   = uint32(rmOffsetMask)
	maxRecordTotalLen = uint16(rmTotalLenMask)
)

// encode packs the logical record metadata into its CAS-able uint64 form.
func (rm recordMeta) encode() uint64 {
	var visibleBit uint64
	if rm.visible {
		visibleBit = 1
	}

	return (uint64(rm.control)&rmControlMask)<<rmControlShift |
		visibleBit<<rmVisibleShift |
		(uint64(rm.offset)&rmOffsetMask)<<rmOffsetShift |
		(uint64(rm.keyLen)&rmKeyLenMask)<<rmKeyLenShift |
		(uint64(rm.totalLen)&rmTotalLenMask)<<rmTotalLenShift
}

// decodeRecordMeta unpacks a raw 64-bit record metadata entry.
func decodeRecordMeta(raw uint64) recordMeta {
	return recordMeta{
		control:  uint8((raw >> rmControlShift) & rmControlMask),
		visible:  (raw>>rmVisibleShift)&rmVisibleMask != 0,
		offset:   uint32((raw >> rmOffsetShift) & rmOffsetMask),
		keyLen:   uint16((raw >> rmKeyLenShift) & rmKeyLenMask),
		totalLen: uint16((raw >> rmTotalLenShift) & rmTotalLenMask),
	}
}

// valueLen is the length of the value portion of the record, derived from
// totalLen and keyLen (both lengths include their trailing sentinel byte,
// spec §3 "Sentinel-terminated byte strings").
func (rm recordMeta) valueLen() uint16 {
	if rm.totalLen < rm.keyLen {
		return 0
	}

	return rm.totalLen - rm.keyLen
}

// withVisible returns a copy with visible set, without mutating the
// reader's copy. Nothing in the package calls it; the erase and tombstone
// paths build their recordMeta values directly.
func (rm recordMeta) withVisible(visible bool) recordMeta {
	rm.visible = visible
	return rm
}

// emptyRecordMeta is the all-zero entry every metadata slot at or past
// recordCount holds; leafInsert's reserve PMwCAS expects it in the slot it
// claims.
var emptyRecordMeta = recordMeta{}
