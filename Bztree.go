package bztree

import (
	"os"
	"sync/atomic"
)

// This file is the public API (C8, §4.7): Open, Insert, Update, Lookup,
// Erase. Every mutating call establishes epoch protection for its
// duration, descends to the owning leaf, and runs the matching leaf
// protocol in a bounded retry loop, triggering a structural modification
// whenever the leaf protocol reports it cannot proceed without one.

// Open mounts (or creates) a BzTree backed by opts.Filepath. A zero-length
// file is treated as brand new and laid out with a single empty root leaf
// (§4.6); an existing file is mounted per §9's epoch-overflow-checked
// mount sequence.
func Open(opts Options) (*Tree, error) {
	cfg := opts.Config
	if opts.ConfigPath != "" {
		loaded, err := LoadConfig(opts.ConfigPath)
		if err != nil {
			return nil, err
		}

		cfg = loaded
	}

	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}

	f, err := os.OpenFile(opts.Filepath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	info, statErr := f.Stat()
	if statErr != nil {
		f.Close()
		return nil, statErr
	}

	t := &Tree{
		filepath:     opts.Filepath,
		file:         f,
		cfg:          cfg,
		pmwcas:       newPMwCASEngine(),
		epochs:       newEpochManager(),
		pool:         newScratchPool(cfg.PoolSize),
		signalResize: make(chan bool, 1),
		signalFlush:  make(chan bool, 1),
		signalVacuum: make(chan bool, 1),
	}

	fresh := info.Size() == 0
	t.data.Store(MMap{})

	if fresh {
		if err := t.ensureCapacity(arenaStart + NodeSize + treeMetaSize); err != nil {
			f.Close()
			return nil, err
		}
	} else if err := t.mMap(); err != nil {
		f.Close()
		return nil, err
	}

	if fresh {
		if err := t.initFreshTree(); err != nil {
			t.munmap()
			f.Close()
			return nil, err
		}
	} else {
		if err := t.mountExistingTree(); err != nil {
			t.munmap()
			f.Close()
			return nil, err
		}
	}

	t.opened.Store(true)

	for i := 0; i < cfg.PoolThreads; i++ {
		go t.handleFlush()
	}

	go t.handleResize()
	go t.handleVacuum()

	return t, nil
}

// withEpoch runs fn under epoch protection, releasing the guard (and
// opportunistically advancing garbage collection) on return.
func (t *Tree) withEpoch(fn func() error) error {
	if !t.opened.Load() {
		return ErrClosed
	}

	g := t.epochs.protect()
	defer g.unprotect()

	return fn()
}

// Insert adds key/value if key is not already present. It reports
// ErrKeyExists if it is.
func (t *Tree) Insert(key, value []byte) error {
	return t.withEpoch(func() error {
		for attempt := 0; attempt < t.cfg.MaxRetries; attempt++ {
			d := t.descend(key)
			mm := t.data.Load().(MMap)

			outcome, err := t.leafInsert(mm, d.leafOff, key, value, t.epochs.currentEpoch())
			if err != nil {
				return err
			}

			switch outcome {
			case opCommitted:
				t.signalFlushAsync()
				return nil
			case opDuplicate:
				return ErrKeyExists
			case opTooLarge:
				return ErrKeyTooLarge
			case opNeedsSMO:
				if err := t.runSMOFor(d); err != nil {
					return err
				}
			case opRetry:
				// fall through and retry from root
			}
		}

		return ErrTooManyRetries
	})
}

// Update replaces the value stored for key. It reports ErrKeyNotFound if
// key is absent.
func (t *Tree) Update(key, value []byte) error {
	return t.withEpoch(func() error {
		for attempt := 0; attempt < t.cfg.MaxRetries; attempt++ {
			d := t.descend(key)
			mm := t.data.Load().(MMap)

			outcome, err := t.leafUpdate(mm, d.leafOff, key, value)
			if err != nil {
				return err
			}

			switch outcome {
			case opCommitted:
				t.signalFlushAsync()
				return nil
			case opNotFound:
				return ErrKeyNotFound
			case opTooLarge:
				return ErrKeyTooLarge
			case opNeedsSMO:
				if err := t.runSMOFor(d); err != nil {
					return err
				}
			case opRetry:
				// fall through and retry from root
			}
		}

		return ErrTooManyRetries
	})
}

// Lookup returns a copy of the value stored for key, if present.
func (t *Tree) Lookup(key []byte) ([]byte, bool, error) {
	var value []byte
	var found bool

	err := t.withEpoch(func() error {
		d := t.descend(key)
		mm := t.data.Load().(MMap)

		value, found = leafLookup(mm, d.leafOff, key)
		return nil
	})

	return value, found, err
}

// Erase removes key. It reports ErrKeyNotFound if key is absent.
func (t *Tree) Erase(key []byte) error {
	return t.withEpoch(func() error {
		for attempt := 0; attempt < t.cfg.MaxRetries; attempt++ {
			d := t.descend(key)
			mm := t.data.Load().(MMap)

			outcome, err := t.leafErase(mm, d.leafOff, key)
			if err != nil {
				return err
			}

			switch outcome {
			case opCommitted:
				t.signalFlushAsync()

				sw := readStatusWord(mm, d.leafOff)
				if sw.deleteSize > t.cfg.MaxDeletedSpace {
					t.runSMOFor(d)
				}

				return nil
			case opNotFound:
				return ErrKeyNotFound
			case opRetry:
				// fall through and retry from root
			}
		}

		return ErrTooManyRetries
	})
}

// runSMOFor picks and runs the structural modification appropriate to the
// leaf's current condition (§4.5): compact if reclaiming tombstoned space
// alone would free enough room, split if the leaf is simply full, merge if
// the leaf has shrunk below the configured minimum occupancy. A false
// return from any of these (lost race, someone else already acted) is not
// an error -- the caller's retry loop will re-descend and reassess.
func (t *Tree) runSMOFor(d descendResult) error {
	mm := t.data.Load().(MMap)
	sw := readStatusWord(mm, d.leafOff)

	if sw.deleteSize >= t.cfg.MaxDeletedSpace && sw.freeBytes()+sw.deleteSize >= t.cfg.MinFreeSpace {
		if _, err := t.runCompact(d); err != nil {
			return err
		}

		return nil
	}

	if sw.usedBytes() <= uint32(HeaderSize)+t.cfg.MinFreeSpace {
		if _, err := t.runMerge(d); err != nil {
			return err
		}

		return nil
	}

	if _, err := t.runSplit(d); err != nil {
		return err
	}

	if atomic.LoadUint64(&t.retiredBytes) >= t.cfg.VacuumRetiredBytes {
		t.signalVacuumAsync()
	}

	return nil
}
