package bztree

import (
	"sync"
	"sync/atomic"
)

// scratchPool recycles the staging buffers an SMO builds a replacement
// node into before it is bulk-copied to its final mmap offset. This is
// the teacher's NodePool.go idiom (recycle instead of letting GC churn on
// short-lived allocations under concurrent load) adapted from pooling
// whole *MariINode/*MariLNode structs to pooling the fixed NodeSize byte
// buffers this tree's copy-on-write SMOs actually need.
type scratchPool struct {
	pool    sync.Pool
	maxSize int64
	size    int64
}

func newScratchPool(maxSize int64) *scratchPool {
	if maxSize <= 0 {
		maxSize = DefaultConfig().PoolSize
	}

	sp := &scratchPool{maxSize: maxSize}
	sp.pool.New = func() interface{} {
		buf := make([]byte, NodeSize)
		return &buf
	}

	for i := int64(0); i < maxSize; i++ {
		buf := make([]byte, NodeSize)
		sp.pool.Put(&buf)
		atomic.AddInt64(&sp.size, 1)
	}

	return sp
}

// get returns a zeroed NodeSize scratch buffer.
func (sp *scratchPool) get() *[]byte {
	buf := sp.pool.Get().(*[]byte)
	if atomic.LoadInt64(&sp.size) > 0 {
		atomic.AddInt64(&sp.size, -1)
	}

	for i := range *buf {
		(*buf)[i] = 0
	}

	return buf
}

// put returns a scratch buffer to the pool once its contents have been
// copied into the mmap (or discarded after a failed SMO swap).
func (sp *scratchPool) put(buf *[]byte) {
	if atomic.LoadInt64(&sp.size) < sp.maxSize {
		sp.pool.Put(buf)
		atomic.AddInt64(&sp.size, 1)
	}
}
