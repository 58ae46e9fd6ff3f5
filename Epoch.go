package bztree

import (
	"sync"
	"sync/atomic"
)

// epochManager is the garbage manager (C3). It tracks a monotonic global
// epoch and a set of active reader guards, and defers reclamation of
// retired node offsets until every guard that could have observed them has
// advanced past their retirement epoch.
//
// A reclaimed entry only leaves the garbage list: no byte range is handed
// back to the bump allocator. Space held by retired nodes is recovered only
// when Vacuum.go rebuilds the whole file from the live tree.
type epochManager struct {
	global uint64

	mu     sync.Mutex
	guards map[*epochGuard]struct{}

	garbageMu sync.Mutex
	garbage   []garbageEntry
}

// epochGuard is returned by protect and must be released via unprotect.
// Every protect call registers its own guard, so guards may nest or
// overlap; each one pins garbage until its own unprotect.
type epochGuard struct {
	mgr   *epochManager
	epoch uint64
}

// garbageEntry is a node's arena region retired during an SMO, waiting for
// every guard active at retirement time to unprotect.
type garbageEntry struct {
	retiredAt uint64
	offset    uint64
	size      uint32
}

func newEpochManager() *epochManager {
	return &epochManager{
		guards: make(map[*epochGuard]struct{}),
	}
}

// protect enters a new execution context at the current global epoch. The
// caller must defer unprotect.
func (m *epochManager) protect() *epochGuard {
	g := &epochGuard{mgr: m, epoch: atomic.LoadUint64(&m.global)}

	m.mu.Lock()
	m.guards[g] = struct{}{}
	m.mu.Unlock()

	return g
}

// unprotect releases the execution context, then opportunistically advances
// the garbage list.
func (g *epochGuard) unprotect() {
	g.mgr.mu.Lock()
	delete(g.mgr.guards, g)
	g.mgr.mu.Unlock()

	g.mgr.collect()
}

// currentEpoch returns the current global epoch, used when stamping a
// fresh record reservation (§3, §4.3 step 1).
func (m *epochManager) currentEpoch() uint64 {
	return atomic.LoadUint64(&m.global)
}

// bumpEpoch advances the global epoch, called by writers after a
// structural modification so readers starting afterward see a
// strictly later epoch than anything just retired.
func (m *epochManager) bumpEpoch() uint64 {
	return atomic.AddUint64(&m.global, 1)
}

// deferDestroy records an arena region retired at the current global epoch.
// It is not reclaimed until collect observes no guard still protected at or
// before that epoch.
func (m *epochManager) deferDestroy(offset uint64, size uint32) {
	entry := garbageEntry{
		retiredAt: atomic.LoadUint64(&m.global),
		offset:    offset,
		size:      size,
	}

	m.garbageMu.Lock()
	m.garbage = append(m.garbage, entry)
	m.garbageMu.Unlock()
}

// minProtectedEpoch returns the oldest epoch any active guard is protected
// at, or the current global epoch if nothing is active.
func (m *epochManager) minProtectedEpoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	min := atomic.LoadUint64(&m.global)
	for g := range m.guards {
		if g.epoch < min {
			min = g.epoch
		}
	}

	return min
}

// collect drains garbage entries retired strictly before the oldest
// protected epoch and returns them; unprotect calls it and discards the
// result. Safe to call opportunistically from any unprotect.
func (m *epochManager) collect() []garbageEntry {
	safeBefore := m.minProtectedEpoch()

	m.garbageMu.Lock()
	defer m.garbageMu.Unlock()

	var reclaimed []garbageEntry
	var kept []garbageEntry

	for _, e := range m.garbage {
		if e.retiredAt < safeBefore {
			reclaimed = append(reclaimed, e)
		} else {
			kept = append(kept, e)
		}
	}

	m.garbage = kept
	return reclaimed
}
