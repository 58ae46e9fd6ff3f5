package bztree

import (
	"testing"
	"unsafe"
)

func TestStatusWordRoundTrip(t *testing.T) {
	cases := []statusWord{
		{},
		{control: 0x5, frozen: true, recordCount: 42, blockSize: 1000, deleteSize: 17},
		{recordCount: uint16(swRecordCountMask), blockSize: uint32(swBlockSizeMask), deleteSize: uint32(swDeleteSizeMask)},
	}

	for _, sw := range cases {
		got := decodeStatusWord(sw.encode())
		if got != sw {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, sw)
		}
	}
}

func TestStatusWordFrozenIsPartOfEncoding(t *testing.T) {
	sw := statusWord{recordCount: 3, blockSize: 10}

	frozen := sw.withFrozen(true)
	if frozen.encode() == sw.encode() {
		t.Errorf("freezing a status word must change its encoded form")
	}

	if !decodeStatusWord(frozen.encode()).frozen {
		t.Errorf("decoded frozen bit should be set")
	}
}

func TestStatusWordUsedAndFreeBytes(t *testing.T) {
	sw := statusWord{recordCount: 2, blockSize: 20}

	used := sw.usedBytes()
	want := uint32(HeaderSize) + 2*uint32(RecordMetaSize) + 20
	if used != want {
		t.Errorf("usedBytes = %d, want %d", used, want)
	}

	if sw.freeBytes() != NodeSize-used {
		t.Errorf("freeBytes = %d, want %d", sw.freeBytes(), NodeSize-used)
	}
}

func TestStatusWordFreeBytesSaturatesAtZero(t *testing.T) {
	sw := statusWord{recordCount: 1000, blockSize: NodeSize}
	if sw.freeBytes() != 0 {
		t.Errorf("freeBytes should saturate at 0 when the node is over capacity, got %d", sw.freeBytes())
	}
}

func TestRecordMetaRoundTrip(t *testing.T) {
	cases := []recordMeta{
		{},
		{control: 0x3, visible: true, offset: 200, keyLen: 8, totalLen: 16},
		{visible: false, offset: reservedOffset(12345)},
	}

	for _, rm := range cases {
		got := decodeRecordMeta(rm.encode())
		if got != rm {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, rm)
		}
	}
}

func TestRecordMetaValueLen(t *testing.T) {
	rm := recordMeta{keyLen: 5, totalLen: 12}
	if rm.valueLen() != 7 {
		t.Errorf("valueLen = %d, want 7", rm.valueLen())
	}
}

func TestIsReservedDetectsSentinelBit(t *testing.T) {
	rm := recordMeta{visible: false, offset: reservedOffset(7)}

	reserved, epoch := isReserved(rm)
	if !reserved || epoch != 7 {
		t.Errorf("isReserved = %v, %d; want true, 7", reserved, epoch)
	}

	published := recordMeta{visible: true, offset: 40}
	if reserved, _ := isReserved(published); reserved {
		t.Errorf("a visible record must never report as reserved")
	}

	tombstoned := recordMeta{visible: false, offset: 0}
	if reserved, _ := isReserved(tombstoned); reserved {
		t.Errorf("a tombstoned record (offset 0) must not report as reserved")
	}
}

func TestNodeInitAndRecordRoundTrip(t *testing.T) {
	mm := make(MMap, NodeSize)
	initNode(mm, 0, false)

	if isInnerNode(mm, 0) {
		t.Errorf("fresh leaf node reported as inner")
	}

	key := []byte("hello")
	value := []byte("world")

	keyLen, totalLen, err := recordEncodedLen(key, value)
	if err != nil {
		t.Fatalf("recordEncodedLen: %s", err)
	}

	offset := uint32(NodeSize) - uint32(totalLen)
	writeRecordPayload(mm, 0, offset, key, value)

	rm := recordMeta{visible: true, offset: offset, keyLen: keyLen, totalLen: totalLen}
	writeRecordMetaInitial(mm, 0, 0, rm)

	got := readRecordMeta(mm, 0, 0)
	if got != rm {
		t.Errorf("readRecordMeta = %+v, want %+v", got, rm)
	}

	if string(readRecordKey(mm, 0, got)) != "hello" {
		t.Errorf("readRecordKey = %q, want hello", readRecordKey(mm, 0, got))
	}

	if string(readRecordValue(mm, 0, got)) != "world" {
		t.Errorf("readRecordValue = %q, want world", readRecordValue(mm, 0, got))
	}
}

func TestChildPayloadRoundTripAndAlignment(t *testing.T) {
	mm := make(MMap, NodeSize)
	initNode(mm, 0, true)

	if !isInnerNode(mm, 0) {
		t.Errorf("node initialized as inner reported as leaf")
	}

	key := []byte("routing-key")
	keyLen, totalLen, err := childEncodedLen(key)
	if err != nil {
		t.Fatalf("childEncodedLen: %s", err)
	}

	offset := uint32(NodeSize) - uint32(totalLen)
	writeChildPayload(mm, 0, offset, key, 0xDEADBEEF)

	rm := recordMeta{visible: true, offset: offset, keyLen: keyLen, totalLen: totalLen}

	if got := childOffsetField(mm, 0, rm); got != 0xDEADBEEF {
		t.Errorf("childOffsetField = %#x, want 0xDEADBEEF", got)
	}

	addr := childOffsetAddr(mm, 0, rm)
	if uintptr(unsafe.Pointer(addr))%8 != 0 {
		t.Errorf("child pointer PMwCAS target must be 8-byte aligned")
	}
}

func TestRecordEncodedLenRejectsOversized(t *testing.T) {
	oversizedKey := make([]byte, NodeSize*2)

	_, _, err := recordEncodedLen(oversizedKey, nil)
	if err != ErrKeyTooLarge {
		t.Errorf("recordEncodedLen with oversized key: got %v, want ErrKeyTooLarge", err)
	}
}
