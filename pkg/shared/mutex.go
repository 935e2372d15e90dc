// Package shared provides the read/write lock primitives used by the item
// tree and the page cache.
//
// Mutex is a shared/exclusive lock like sync.RWMutex but with one addition:
// priority read locks. A plain read lock defers to waiting writers (so
// writers cannot starve), while a priority read lock only waits for an
// active writer. The cache manager's flush worker takes priority read locks
// so that flushing never queues behind a writer that is itself waiting on
// cache capacity.
package shared

import "sync"

// Mutex is a shared/exclusive lock with priority readers. The zero value is
// ready to use. It must not be copied after first use.
type Mutex struct {
	mu      sync.Mutex
	cond    *sync.Cond
	readers int  // active shared holders
	writer  bool // active exclusive holder
	waiting int  // writers queued
}

func (m *Mutex) init() {
	if m.cond == nil {
		m.cond = sync.NewCond(&m.mu)
	}
}

// RLock acquires a shared lock, deferring to queued writers.
func (m *Mutex) RLock() {
	m.mu.Lock()
	m.init()
	for m.writer || m.waiting > 0 {
		m.cond.Wait()
	}
	m.readers++
	m.mu.Unlock()
}

// RLockPriority acquires a shared lock without deferring to queued writers.
func (m *Mutex) RLockPriority() {
	m.mu.Lock()
	m.init()
	for m.writer {
		m.cond.Wait()
	}
	m.readers++
	m.mu.Unlock()
}

// RUnlock releases a shared lock taken by RLock or RLockPriority.
func (m *Mutex) RUnlock() {
	m.mu.Lock()
	m.readers--
	if m.readers == 0 {
		m.cond.Broadcast()
	}
	m.mu.Unlock()
}

// Lock acquires the exclusive lock.
func (m *Mutex) Lock() {
	m.mu.Lock()
	m.init()
	m.waiting++
	for m.writer || m.readers > 0 {
		m.cond.Wait()
	}
	m.waiting--
	m.writer = true
	m.mu.Unlock()
}

// TryLock acquires the exclusive lock without blocking, reporting success.
func (m *Mutex) TryLock() bool {
	m.mu.Lock()
	m.init()
	if m.writer || m.readers > 0 {
		m.mu.Unlock()
		return false
	}
	m.writer = true
	m.mu.Unlock()
	return true
}

// Unlock releases the exclusive lock.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	m.writer = false
	m.cond.Broadcast()
	m.mu.Unlock()
}
