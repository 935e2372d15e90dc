package filedata

import (
	"sync"
	"sync/atomic"
)

// Allocator recycles page buffers through per-size-class pools, bounding
// allocation churn under heavy read traffic. Buffers come back zeroed so
// recycled pages never leak stale content into sparse reads.
type Allocator struct {
	mu    sync.Mutex
	pools map[int]*sync.Pool

	gets     atomic.Int64
	puts     atomic.Int64
	fresh    atomic.Int64
	recycled atomic.Int64
}

// NewAllocator creates an empty allocator.
func NewAllocator() *Allocator {
	return &Allocator{pools: make(map[int]*sync.Pool)}
}

func (a *Allocator) pool(class int) *sync.Pool {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pools[class]
	if !ok {
		p = &sync.Pool{}
		a.pools[class] = p
	}
	return p
}

// Get returns a zeroed buffer of the given logical size with capacity for
// the full size class.
func (a *Allocator) Get(class, size int) []byte {
	a.gets.Add(1)
	if v := a.pool(class).Get(); v != nil {
		a.recycled.Add(1)
		buf := v.([]byte)[:class]
		clear(buf)
		return buf[:size]
	}
	a.fresh.Add(1)
	return make([]byte, size, class)
}

// Put returns a buffer to its size-class pool.
func (a *Allocator) Put(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	a.puts.Add(1)
	a.pool(cap(buf)).Put(buf[:cap(buf)])
}

// AllocStats is a point-in-time view of allocator activity.
type AllocStats struct {
	Gets     int64
	Puts     int64
	Fresh    int64
	Recycled int64
}

// Stats returns current allocator counters.
func (a *Allocator) Stats() AllocStats {
	return AllocStats{
		Gets:     a.gets.Load(),
		Puts:     a.puts.Load(),
		Fresh:    a.fresh.Load(),
		Recycled: a.recycled.Load(),
	}
}
