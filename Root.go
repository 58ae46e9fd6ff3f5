package bztree

import (
	"encoding/binary"
	"sync/atomic"
)

// This file is the root descriptor (C7, §4.6) and the bump allocator that
// backs every node and tree-metadata allocation. The persistent root
// object is deliberately the single word at rootDescriptorOffset: a
// pool-relative offset to the current TreeMeta. Replacing that word via
// PMwCAS atomically changes root and height together, which is why root
// splits/merges/compactions are handled specially rather than recursively
// (§4.6).

// treeMeta is the in-memory view of the persistent tree-metadata object
// (§3 "Tree metadata object"): root_node, height, global_epoch.
type treeMeta struct {
	rootOffset  uint64
	height      uint64
	globalEpoch uint64
}

// maxGlobalEpoch is the 27-bit ceiling §9 asserts the source relies on.
const maxGlobalEpoch = uint64(1)<<27 - 1

func (tm treeMeta) encode() []byte {
	buf := make([]byte, treeMetaSize)
	binary.LittleEndian.PutUint64(buf[0:8], tm.rootOffset)
	binary.LittleEndian.PutUint64(buf[8:16], tm.height)
	binary.LittleEndian.PutUint64(buf[16:24], tm.globalEpoch)
	return buf
}

func decodeTreeMeta(b []byte) treeMeta {
	return treeMeta{
		rootOffset:  binary.LittleEndian.Uint64(b[0:8]),
		height:      binary.LittleEndian.Uint64(b[8:16]),
		globalEpoch: binary.LittleEndian.Uint64(b[16:24]),
	}
}

// rootDescriptorAddr is the single PMwCAS-able word holding the current
// metadata object's offset.
func rootDescriptorAddr(mm MMap) *uint64 {
	return wordAddr(mm, rootDescriptorOffset)
}

// loadTreeMeta reads the currently-published TreeMeta and the offset it
// lives at (the latter needed by callers that swap it out via PMwCAS).
func (t *Tree) loadTreeMeta() (treeMeta, uint64, MMap) {
	mm := t.data.Load().(MMap)
	metaOff := atomic.LoadUint64(rootDescriptorAddr(mm)) & pmwValueMask
	return decodeTreeMeta(mm[metaOff : metaOff+treeMetaSize]), metaOff, mm
}

// publishTreeMeta atomically swaps the root descriptor from oldMetaOff to
// a freshly allocated object holding newMeta, via the same PMwCAS engine
// every other structural swap uses. Used by root-level SMOs (split,
// compact, merge with height collapse) and by mount's epoch bump.
func (t *Tree) publishTreeMeta(oldMetaOff uint64, newMeta treeMeta) (bool, error) {
	newOff, allocErr := t.allocate(treeMetaSize, 8)
	if allocErr != nil {
		return false, allocErr
	}

	mm := t.data.Load().(MMap)
	copy(mm[newOff:newOff+treeMetaSize], newMeta.encode())

	desc := t.pmwcas.allocateDescriptor()
	desc.addWord(rootDescriptorAddr(mm), oldMetaOff, newOff)

	return t.pmwcas.commit(desc), nil
}

// allocate bump-allocates size bytes from the arena, aligned to alignTo,
// growing the mmap first if needed. Readers take the resize RLock so a
// concurrent resize (which takes the write lock) never observes a torn
// cursor read across a remap.
func (t *Tree) allocate(size uint32, alignTo uint32) (uint64, error) {
	for {
		t.rwResizeLock.RLock()
		mm := t.data.Load().(MMap)
		cursorPtr := wordAddr(mm, allocatorCursorOffset)
		cur := atomic.LoadUint64(cursorPtr)

		aligned := cur
		if alignTo > 1 {
			if rem := cur % uint64(alignTo); rem != 0 {
				aligned = cur + uint64(alignTo) - rem
			}
		}

		next := aligned + uint64(size)

		if next > uint64(len(mm)) {
			t.rwResizeLock.RUnlock()

			if err := t.ensureCapacity(next); err != nil {
				return 0, err
			}

			continue
		}

		ok := atomic.CompareAndSwapUint64(cursorPtr, cur, next)
		t.rwResizeLock.RUnlock()

		if ok {
			return aligned, nil
		}
	}
}

// allocateNode allocates and zero-initializes one fixed-size node block.
func (t *Tree) allocateNode(inner bool) (uint64, error) {
	off, err := t.allocate(NodeSize, NodeSize)
	if err != nil {
		return 0, err
	}

	mm := t.data.Load().(MMap)
	initNode(mm, off, inner)

	return off, nil
}

// initFreshTree lays out the root region and a single empty root leaf for
// a brand-new (zero-length-at-open) file.
func (t *Tree) initFreshTree() error {
	mm := t.data.Load().(MMap)

	*wordAddr(mm, allocatorCursorOffset) = arenaStart

	rootLeafOff, allocErr := t.allocateNode(false)
	if allocErr != nil {
		return allocErr
	}

	meta := treeMeta{rootOffset: rootLeafOff, height: 1, globalEpoch: 0}

	metaOff, allocMetaErr := t.allocate(treeMetaSize, 8)
	if allocMetaErr != nil {
		return allocMetaErr
	}

	mm = t.data.Load().(MMap)
	copy(mm[metaOff:metaOff+treeMetaSize], meta.encode())
	*rootDescriptorAddr(mm) = metaOff

	return nil
}

// mountExistingTree implements §9's resolved open question: on mount,
// read the persisted global epoch, increment it, and durably publish the
// result before any operation runs; reject the mount outright if that
// would overflow the 27-bit field.
func (t *Tree) mountExistingTree() error {
	meta, metaOff, _ := t.loadTreeMeta()

	if meta.globalEpoch >= maxGlobalEpoch {
		return ErrEpochOverflow
	}

	bumped := treeMeta{
		rootOffset:  meta.rootOffset,
		height:      meta.height,
		globalEpoch: meta.globalEpoch + 1,
	}

	ok, err := t.publishTreeMeta(metaOff, bumped)
	if err != nil {
		return err
	}

	if !ok {
		return ErrCorrupt
	}

	return nil
}
