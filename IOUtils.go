package bztree

import (
	"runtime"
	"sync/atomic"
)

// This file is the mmap lifecycle: mapping/unmapping, the optimistic
// background flush/resize/vacuum goroutines, and region flushing. The
// shape -- buffered signal channels, a non-blocking send, a dedicated
// goroutine per concern, an RWMutex reserved only for resize coordination
// -- is the teacher's IOUtils.go idiom, generalized from the HAMT's single
// exclusiveWriteMmap path to this tree's allocator-driven writes.

// mMap maps the tree's backing file into memory and stores it.
func (t *Tree) mMap() error {
	mm, err := Map(t.file, RDWR, 0)
	if err != nil {
		return err
	}

	t.data.Store(mm)
	return nil
}

// munmap unmaps the current memory map.
func (t *Tree) munmap() error {
	mm := t.data.Load().(MMap)
	if err := mm.Unmap(); err != nil {
		return err
	}

	t.data.Store(MMap{})
	return nil
}

// ensureCapacity grows the backing file and remaps if offset end is not
// yet addressable, doubling (capped at MaxResize growth per step) like the
// teacher's resizeMmap.
func (t *Tree) ensureCapacity(end uint64) error {
	t.rwResizeLock.Lock()
	defer t.rwResizeLock.Unlock()

	mm := t.data.Load().(MMap)
	if end <= uint64(len(mm)) {
		return nil
	}

	newSize := int64(len(mm))

	grow := func() int64 {
		switch {
		case newSize == 0:
			return int64(DefaultPageSize) * 16 * 1000
		case newSize >= MaxResize:
			return newSize + MaxResize
		default:
			return newSize * 2
		}
	}

	for uint64(newSize) < end {
		newSize = grow()
	}

	if len(mm) > 0 {
		if err := t.file.Sync(); err != nil {
			return err
		}

		if err := t.munmap(); err != nil {
			return err
		}
	}

	if err := t.file.Truncate(newSize); err != nil {
		return err
	}

	return t.mMap()
}

// determineIfResize signals the background resize goroutine when an
// access is about to outgrow the current map; returns true if the caller
// should back off and retry rather than proceed this iteration.
func (t *Tree) determineIfResize(offset uint64) bool {
	mm := t.data.Load().(MMap)

	switch {
	case offset > 0 && offset < uint64(len(mm)):
		return false
	case len(mm) == 0 || !atomic.CompareAndSwapUint32(&t.isResizing, 0, 1):
		return true
	default:
		t.signalResize <- true
		return true
	}
}

// flushRegionToDisk flushes only the pages touched by [startOffset,
// endOffset) instead of the entire map.
func (t *Tree) flushRegionToDisk(startOffset, endOffset uint64) error {
	startOfPage := startOffset & ^(uint64(DefaultPageSize) - 1)

	mm := t.data.Load().(MMap)
	if len(mm) == 0 {
		return nil
	}

	return mm[startOfPage:endOffset].Flush()
}

// handleFlush is the "optimistic" flush goroutine: writers signal it
// rather than flushing synchronously on every operation.
func (t *Tree) handleFlush() {
	for range t.signalFlush {
		func() {
			for atomic.LoadUint32(&t.isResizing) == 1 {
				runtime.Gosched()
			}

			t.rwResizeLock.RLock()
			defer t.rwResizeLock.RUnlock()

			_ = t.file.Sync()
		}()
	}
}

// signalFlushAsync is called by every publishing write to opportunistically
// wake the flush goroutine without blocking the caller.
func (t *Tree) signalFlushAsync() {
	select {
	case t.signalFlush <- true:
	default:
	}
}

// handleResize drains resize signals and grows the map.
func (t *Tree) handleResize() {
	for range t.signalResize {
		mm := t.data.Load().(MMap)
		_ = t.ensureCapacity(uint64(len(mm)) + 1)
		atomic.StoreUint32(&t.isResizing, 0)
	}
}

// handleVacuum drains vacuum signals raised when retiredBytes crosses the
// configured threshold and runs an online compaction pass (Vacuum.go).
func (t *Tree) handleVacuum() {
	for range t.signalVacuum {
		_ = t.runVacuum()
	}
}

// signalVacuumAsync opportunistically wakes the vacuum goroutine.
func (t *Tree) signalVacuumAsync() {
	select {
	case t.signalVacuum <- true:
	default:
	}
}

// Close unmaps the tree and closes its backing file. Safe to call once;
// subsequent operations return ErrClosed.
func (t *Tree) Close() error {
	if !t.opened.CompareAndSwap(true, false) {
		return ErrClosed
	}

	close(t.signalFlush)
	close(t.signalResize)
	close(t.signalVacuum)

	if err := t.file.Sync(); err != nil {
		return err
	}

	if err := t.munmap(); err != nil {
		return err
	}

	return t.file.Close()
}
