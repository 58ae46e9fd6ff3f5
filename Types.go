package bztree

import "os"
import "sync"
import "sync/atomic"

// MMap is the byte-array representation of the memory mapped file.
// Kept as the teacher's exact shape so mmap_unix.go/mmap_windows.go can stay
// drop-in compatible with the edsrzf/mmap-go Map/Flush/Unmap contract.
type MMap []byte

// KeyValuePair is one visible record: the unit bulkScanLeaf returns and the
// vacuum and test walkers accumulate when enumerating visible records.
type KeyValuePair struct {
	Key   []byte
	Value []byte
}

// Tree is a single memory-mapped BzTree index. Every exported operation
// (Insert, Update, Lookup, Erase) establishes epoch protection for its
// duration and is safe to call from many goroutines concurrently.
type Tree struct {
	filepath string
	file     *os.File

	opened atomic.Bool

	// data is the live memory map, swapped wholesale on resize/vacuum.
	data atomic.Value // MMap

	isResizing   uint32
	signalResize chan bool
	signalFlush  chan bool
	signalVacuum chan bool
	rwResizeLock sync.RWMutex

	cfg Config

	pmwcas *pmwcasEngine
	epochs *epochManager
	pool   *scratchPool

	// retiredBytes tracks bytes made unreachable by SMOs since the last vacuum,
	// driving the automatic vacuum trigger (§C in SPEC_FULL.md).
	retiredBytes uint64
}

// DefaultPageSize is the default page size reported by the OS. Used to
// round mmap growth to whole pages, exactly as the teacher does.
var DefaultPageSize = os.Getpagesize()

// Node layout constants (spec §3, §6).
const (
	// NodeSize is the compile-time fixed node size. Changing it invalidates
	// persisted state, exactly as spec §6 warns.
	NodeSize = 256

	// HeaderSize is the 16-byte node header: node_size(4) + sorted_count(4) + status word(8).
	HeaderSize = 16

	// RecordMetaSize is the 8-byte packed per-record metadata entry.
	RecordMetaSize = 8

	// ChildPtrSize is the width of an inner-node child value: an 8-byte
	// pool-relative offset (§3 "Inner node").
	ChildPtrSize = 8

	// OffsetWidth is the width in bytes of a raw uint64 on-disk offset.
	OffsetWidth = 8
)

// Persistent layout constants for the root region preceding the node arena
// (§4.6, §6 "On-disk / on-device layout").
const (
	// rootDescriptorOffset is where the single 8-byte root-descriptor word
	// (the current tree-metadata object's offset) lives.
	rootDescriptorOffset = 0

	// allocatorCursorOffset is a dedicated 8-byte bump-allocator cursor,
	// fetch-added for every new node/metadata-object allocation. Keeping it
	// outside the tree-metadata object means an ordinary node allocation
	// never needs a full metadata-object PMwCAS swap.
	allocatorCursorOffset = 8

	// arenaStart is the first byte available to the bump allocator. The
	// gap between the two header words and arenaStart keeps every node
	// allocation aligned to NodeSize.
	arenaStart = NodeSize

	// treeMetaSize is the serialized size of a TreeMeta object: RootOffset,
	// Height, GlobalEpoch (§3 "Tree metadata object").
	treeMetaSize = 24
)

// Default SMO thresholds (§4.5), overridable via Config/Options.
const (
	DefaultMaxDeletedSpace = 100
	DefaultMinFreeSpace    = 40
	DefaultMaxFreeSpace    = 128
)

// MaxResize caps the per-step mmap growth at 1GB, same as the teacher.
const MaxResize = 1000000000

// mmap protection/flag constants, kept identical to the teacher's (and to
// edsrzf/mmap-go's) so mmap_unix.go/mmap_windows.go stay a drop-in shape.
const (
	RDONLY = 0
	RDWR   = 1 << iota
	COPY
	EXEC
)

const (
	ANON = 1 << iota
)
