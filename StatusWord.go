package bztree

// statusWord is the logical view of a node's packed 64-bit status word
// (spec §3). It is the primary coordination point for a node: every leaf
// mutation and every SMO freeze is a PMwCAS on this single word (plus, for
// SMOs, the sibling/parent words it must freeze in lock-step).
//
// Bit layout, high to low: control(3) | frozen(1) | recordCount(16) | blockSize(22) | deleteSize(22).
// The packed form is never exposed past this file (§9 "Packed bit-field
// status word and metadata").
type statusWord struct {
	control     uint8
	frozen      bool
	recordCount uint16
	blockSize   uint32
	deleteSize  uint32
}

const (
	swControlBits     = 3
	swFrozenBits      = 1
	swRecordCountBits = 16
	swBlockSizeBits   = 22
	swDeleteSizeBits  = 22

	swDeleteSizeShift  = 0
	swBlockSizeShift   = swDeleteSizeShift + swDeleteSizeBits
	swRecordCountShift = swBlockSizeShift + swBlockSizeBits
	swFrozenShift      = swRecordCountShift + swRecordCountBits
	swControlShift     = swFrozenShift + swFrozenBits

	swControlMask     = uint64(1)<<swControlBits - 1
	swFrozenMask      = uint64(1)<<swFrozenBits - 1
	swRecordCountMask = uint64(1)<<swRecordCountBits - 1
	swBlockSizeMask   = uint64(1)<<swBlockSizeBits - 1
	swDeleteSizeMask  = uint64(1)<<swDeleteSizeBits - 1
)

// encode packs the logical status word into its CAS-able uint64 form.
func (sw statusWord) encode() uint64 {
	var frozenBit uint64
	if sw.frozen {
		frozenBit = 1
	}

	return (uint64(sw.control)&swControlMask)<<swControlShift |
		frozenBit<<swFrozenShift |
		(uint64(sw.recordCount)&swRecordCountMask)<<swRecordCountShift |
		(uint64(sw.blockSize)&swBlockSizeMask)<<swBlockSizeShift |
		(uint64(sw.deleteSize)&swDeleteSizeMask)<<swDeleteSizeShift
}

// decodeStatusWord unpacks a raw 64-bit status word into its logical view.
func decodeStatusWord(raw uint64) statusWord {
	return statusWord{
		control:     uint8((raw >> swControlShift) & swControlMask),
		frozen:      (raw>>swFrozenShift)&swFrozenMask != 0,
		recordCount: uint16((raw >> swRecordCountShift) & swRecordCountMask),
		blockSize:   uint32((raw >> swBlockSizeShift) & swBlockSizeMask),
		deleteSize:  uint32((raw >> swDeleteSizeShift) & swDeleteSizeMask),
	}
}

// usedBytes is the portion of the node already spoken for: header, the
// metadata array up to recordCount, and the live+dead record heap.
func (sw statusWord) usedBytes() uint32 {
	return uint32(HeaderSize) + uint32(sw.recordCount)*uint32(RecordMetaSize) + sw.blockSize
}

// freeBytes is the contiguous space still available for a new metadata
// entry plus its record heap payload.
func (sw statusWord) freeBytes() uint32 {
	used := sw.usedBytes()
	if used >= NodeSize {
		return 0
	}

	return NodeSize - used
}

// withFrozen returns a copy with frozen set, used to build the desired value
// of a freeze PMwCAS without mutating the reader's original copy.
func (sw statusWord) withFrozen(frozen bool) statusWord {
	sw.frozen = frozen
	return sw
}
