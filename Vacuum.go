package bztree

import (
	"os"
	"runtime"
	"sync/atomic"
)

// This file is online whole-arena compaction (SPEC_FULL.md §C), adapted
// from the teacher's Compact.go/CompactUtils.go: build a fresh copy of the
// live tree in a temporary file, skipping every byte range an SMO has
// already retired, then swap it in for the original. Where the teacher's
// compaction walks a HAMT and re-serializes every version, this walk is a
// plain recursive rebuild of the current root, since a BzTree carries only
// one live version at a time.

// vacuumBuilder is the temp-file counterpart to Tree during a rebuild: a
// second mmap with its own bump cursor, discarded if the rebuild fails
// before the swap.
type vacuumBuilder struct {
	file   *os.File
	data   MMap
	cursor uint64
}

func newVacuumBuilder(path string) (*vacuumBuilder, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}

	vb := &vacuumBuilder{file: f, cursor: arenaStart}

	if err := vb.grow(arenaStart + NodeSize); err != nil {
		f.Close()
		return nil, err
	}

	return vb, nil
}

func (vb *vacuumBuilder) grow(minSize uint64) error {
	if uint64(len(vb.data)) >= minSize {
		return nil
	}

	newSize := int64(len(vb.data))
	if newSize == 0 {
		newSize = int64(DefaultPageSize) * 16
	}

	for uint64(newSize) < minSize {
		newSize *= 2
	}

	if len(vb.data) > 0 {
		if err := vb.data.Unmap(); err != nil {
			return err
		}
	}

	if err := vb.file.Truncate(newSize); err != nil {
		return err
	}

	mm, err := Map(vb.file, RDWR, 0)
	if err != nil {
		return err
	}

	vb.data = mm
	return nil
}

// allocate bump-allocates size bytes aligned to alignTo from the temp
// arena, growing the backing file as needed. Single-threaded: runVacuum
// is the only caller for the lifetime of a vacuumBuilder.
func (vb *vacuumBuilder) allocate(size, alignTo uint64) (uint64, error) {
	aligned := vb.cursor
	if alignTo > 1 {
		if rem := aligned % alignTo; rem != 0 {
			aligned += alignTo - rem
		}
	}

	next := aligned + size
	if err := vb.grow(next); err != nil {
		return 0, err
	}

	vb.cursor = next
	return aligned, nil
}

func (vb *vacuumBuilder) allocateNode(inner bool) (uint64, error) {
	off, err := vb.allocate(NodeSize, NodeSize)
	if err != nil {
		return 0, err
	}

	initNode(vb.data, off, inner)
	return off, nil
}

func (vb *vacuumBuilder) close() {
	vb.data.Unmap()
	vb.file.Close()
}

// rebuildNode copies one subtree from the live tree into vb, skipping
// tombstoned records and any garbage an SMO already retired (retired
// nodes are simply never visited, since nothing in the live tree still
// points at them). Returns the rebuilt subtree's offset in vb.
func rebuildNode(vb *vacuumBuilder, oldMM MMap, oldOff uint64, level, height uint64) (uint64, error) {
	if level == height {
		kvs := bulkScanLeaf(oldMM, oldOff)

		scratch := make([]byte, NodeSize)
		if err := buildSortedLeaf(MMap(scratch), kvs); err != nil {
			return 0, err
		}

		newOff, err := vb.allocateNode(false)
		if err != nil {
			return 0, err
		}

		copy(vb.data[newOff:newOff+NodeSize], scratch)
		return newOff, nil
	}

	keys, oldChildren := readInnerNodeEntries(oldMM, oldOff)

	newChildren := make([]uint64, len(oldChildren))
	for i, childOff := range oldChildren {
		rebuilt, err := rebuildNode(vb, oldMM, childOff, level+1, height)
		if err != nil {
			return 0, err
		}

		newChildren[i] = rebuilt
	}

	scratch := make([]byte, NodeSize)
	if err := buildInnerNode(MMap(scratch), keys, newChildren); err != nil {
		return 0, err
	}

	newOff, err := vb.allocateNode(true)
	if err != nil {
		return 0, err
	}

	copy(vb.data[newOff:newOff+NodeSize], scratch)
	return newOff, nil
}

// runVacuum rebuilds the whole tree into a fresh file and swaps it in for
// the tree's current backing file. It takes the same write-exclusive path
// IOUtils.go's resize uses, since a vacuum swap and a concurrent grow-map
// must never interleave.
func (t *Tree) runVacuum() error {
	for !atomic.CompareAndSwapUint32(&t.isResizing, 0, 1) {
		runtime.Gosched()
	}
	defer atomic.StoreUint32(&t.isResizing, 0)

	t.rwResizeLock.Lock()
	defer t.rwResizeLock.Unlock()

	meta, _, mm := t.loadTreeMeta()

	tempPath := t.filepath + ".vacuum"
	vb, err := newVacuumBuilder(tempPath)
	if err != nil {
		return err
	}

	newRoot, rebuildErr := rebuildNode(vb, mm, meta.rootOffset, 1, meta.height)
	if rebuildErr != nil {
		vb.close()
		os.Remove(tempPath)
		return rebuildErr
	}

	newMeta := treeMeta{rootOffset: newRoot, height: meta.height, globalEpoch: meta.globalEpoch}
	metaOff, metaErr := vb.allocate(treeMetaSize, 8)
	if metaErr != nil {
		vb.close()
		os.Remove(tempPath)
		return metaErr
	}

	copy(vb.data[metaOff:metaOff+treeMetaSize], newMeta.encode())
	*wordAddr(vb.data, allocatorCursorOffset) = vb.cursor
	*wordAddr(vb.data, rootDescriptorOffset) = metaOff

	if syncErr := vb.file.Sync(); syncErr != nil {
		vb.close()
		os.Remove(tempPath)
		return syncErr
	}

	return t.swapInVacuumedFile(vb, tempPath)
}

// swapInVacuumedFile closes the tree's current file/mapping and replaces
// it with the rebuilt one, matching the teacher's swapTempFileWithMari
// rename-swap sequence.
func (t *Tree) swapInVacuumedFile(vb *vacuumBuilder, tempPath string) error {
	currentPath := t.filepath
	swapPath := currentPath + ".swap"

	if err := t.munmap(); err != nil {
		vb.close()
		os.Remove(tempPath)
		return err
	}

	if err := t.file.Close(); err != nil {
		vb.close()
		os.Remove(tempPath)
		return err
	}

	if err := vb.data.Unmap(); err != nil {
		vb.file.Close()
		os.Remove(tempPath)
		return err
	}

	if err := vb.file.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}

	if err := os.Rename(currentPath, swapPath); err != nil {
		return err
	}

	if err := os.Rename(tempPath, currentPath); err != nil {
		os.Rename(swapPath, currentPath)
		return err
	}

	os.Remove(swapPath)

	f, openErr := os.OpenFile(currentPath, os.O_RDWR, 0644)
	if openErr != nil {
		return openErr
	}

	t.file = f
	atomic.StoreUint64(&t.retiredBytes, 0)

	return t.mMap()
}
