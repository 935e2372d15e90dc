package filedata

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cirrusfs/cirrusfs/pkg/errors"
)

// minDirtyLimit floors the bandwidth-adaptive dirty limit.
const minDirtyLimit = 64 * 1024

// evictRetryDelay throttles retries after a failed evict or flush so a dead
// backend does not spin the workers.
const evictRetryDelay = 100 * time.Millisecond

// CacheOptions configures the process-wide cache manager.
type CacheOptions struct {
	// MemoryLimit is the ceiling on total resident page bytes.
	MemoryLimit int64

	// MarginFrac sets the eviction hysteresis: once over the limit, the
	// evict worker frees down to MemoryLimit - MemoryLimit/MarginFrac.
	MarginFrac int64

	// MaxDirtyTime bounds how long a page may sit dirty, and is the target
	// duration for the bandwidth-adaptive dirty limit.
	MaxDirtyTime time.Duration

	Log *slog.Logger
}

func (o *CacheOptions) setDefaults() {
	if o.MemoryLimit == 0 {
		o.MemoryLimit = 256 * 1024 * 1024
	}
	if o.MarginFrac == 0 {
		o.MarginFrac = 16
	}
	if o.MaxDirtyTime == 0 {
		o.MaxDirtyTime = time.Second
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
}

type pageKey struct {
	mgr   *PageManager
	index int64
}

type cacheEntry struct {
	mgr     *PageManager
	index   int64
	page    *Page
	size    int64
	dirtied time.Time // set when the entry joins the dirty queue
}

// CacheManager tracks every resident page across all open files. Pages sit
// in an LRU queue for eviction and, while dirty, in a FIFO queue for
// flushing. Two background workers enforce the memory limit and the dirty
// limit; callers over a limit wait for capacity unless a worker is
// servicing their own manager, which would deadlock against the locks the
// caller holds.
type CacheManager struct {
	opt CacheOptions
	log *slog.Logger

	mu         sync.Mutex
	pageQueue  *list.List // *cacheEntry, front = least recently used
	pageIndex  map[pageKey]*list.Element
	dirtyQueue *list.List // *cacheEntry, front = oldest dirty
	dirtyIndex map[pageKey]*list.Element

	currentMemory int64
	currentDirty  int64
	dirtyLimit    int64

	evictCond *sync.Cond // wakes the evict worker
	flushCond *sync.Cond // wakes the flush worker
	waitCond  *sync.Cond // wakes callers waiting for capacity

	// skip hints name the manager a worker is currently servicing; callers
	// from that manager must not wait, they hold locks the worker needs.
	skipEvictWait *PageManager
	skipFlushWait *PageManager

	// captured worker failures, surfaced as ErrMemory to waiting callers
	// and cleared by the next successful cycle.
	evictFailure error
	flushFailure error

	flushBW *bandwidthMeasure

	evictions atomic.Int64
	flushes   atomic.Int64

	stopped bool
	wg      sync.WaitGroup
}

// NewCacheManager creates a cache manager and starts its workers.
func NewCacheManager(opt CacheOptions) *CacheManager {
	opt.setDefaults()
	cm := &CacheManager{
		opt:        opt,
		log:        opt.Log,
		pageQueue:  list.New(),
		pageIndex:  make(map[pageKey]*list.Element),
		dirtyQueue: list.New(),
		dirtyIndex: make(map[pageKey]*list.Element),
		dirtyLimit: opt.MemoryLimit / 2,
		flushBW:    newBandwidthMeasure(opt.MaxDirtyTime),
	}
	cm.evictCond = sync.NewCond(&cm.mu)
	cm.flushCond = sync.NewCond(&cm.mu)
	cm.waitCond = sync.NewCond(&cm.mu)

	cm.wg.Add(2)
	go cm.evictWorker()
	go cm.flushWorker()
	return cm
}

// Shutdown stops and joins both workers. Page managers must be closed
// first; remaining entries are abandoned, not flushed.
func (cm *CacheManager) Shutdown() {
	cm.mu.Lock()
	cm.stopped = true
	cm.evictCond.Broadcast()
	cm.flushCond.Broadcast()
	cm.waitCond.Broadcast()
	cm.mu.Unlock()
	cm.wg.Wait()
}

// CurrentMemory returns the total resident page bytes.
func (cm *CacheManager) CurrentMemory() int64 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.currentMemory
}

// CurrentDirty returns the total dirty page bytes.
func (cm *CacheManager) CurrentDirty() int64 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.currentDirty
}

// DirtyLimit returns the current bandwidth-adaptive dirty limit.
func (cm *CacheManager) DirtyLimit() int64 {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.dirtyLimit
}

// Evictions returns the count of successful background evictions.
func (cm *CacheManager) Evictions() int64 { return cm.evictions.Load() }

// Flushes returns the count of successful background flushes.
func (cm *CacheManager) Flushes() int64 { return cm.flushes.Load() }

// InformPage records a page access or mutation: the page moves to the hot
// end of the LRU and, if dirty, joins the dirty queue. mgrLocked must be
// true when the caller holds its manager's exclusive data lock; if that
// manager also owns the cold end of the LRU, the worker cannot evict it,
// so the eviction happens synchronously here. canWait lets the caller
// block until usage is back under the limits.
func (cm *CacheManager) InformPage(ctx context.Context, mgr *PageManager, index int64, page *Page, canWait, mgrLocked bool) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	key := pageKey{mgr, index}
	size := page.Size()

	if el, ok := cm.pageIndex[key]; ok {
		e := el.Value.(*cacheEntry)
		cm.currentMemory += size - e.size
		e.size = size
		e.page = page
		cm.pageQueue.MoveToBack(el)
	} else {
		e := &cacheEntry{mgr: mgr, index: index, page: page, size: size}
		cm.pageIndex[key] = cm.pageQueue.PushBack(e)
		cm.currentMemory += size
	}

	if page.dirty {
		if el, ok := cm.dirtyIndex[key]; ok {
			e := el.Value.(*cacheEntry)
			cm.currentDirty += size - e.size
			e.size = size
		} else {
			e := &cacheEntry{mgr: mgr, index: index, page: page, size: size, dirtied: time.Now()}
			cm.dirtyIndex[key] = cm.dirtyQueue.PushBack(e)
			cm.currentDirty += size
		}
		cm.flushCond.Signal()
	}

	if mgrLocked {
		if err := cm.evictFrontLocked(ctx, mgr, index); err != nil {
			return err
		}
	}
	if cm.currentMemory > cm.opt.MemoryLimit {
		cm.evictCond.Signal()
	}
	if cm.currentDirty > cm.dirtyLimit {
		cm.flushCond.Signal()
	}

	if canWait {
		return cm.waitForCapacityLocked(mgr)
	}
	return nil
}

// evictFrontLocked evicts cold pages owned by mgr while over the limit.
// The worker cannot touch them: mgr's exclusive data lock is held by our
// caller, who therefore evicts on the worker's behalf.
func (cm *CacheManager) evictFrontLocked(ctx context.Context, mgr *PageManager, index int64) error {
	for cm.currentMemory > cm.opt.MemoryLimit {
		el := cm.pageQueue.Front()
		if el == nil {
			break
		}
		e := el.Value.(*cacheEntry)
		if e.mgr != mgr || e.index == index {
			break
		}

		cm.mu.Unlock()
		err := mgr.evictPageOwned(ctx, e.index)
		cm.mu.Lock()
		if err != nil {
			return err
		}
		cm.evictions.Add(1)
	}
	return nil
}

func (cm *CacheManager) waitForCapacityLocked(mgr *PageManager) error {
	for !cm.stopped {
		if cm.currentMemory > cm.opt.MemoryLimit && cm.skipEvictWait != mgr {
			if cm.evictFailure != nil {
				return fmt.Errorf("%v: %w", cm.evictFailure, errors.ErrMemory)
			}
			cm.waitCond.Wait()
			continue
		}
		if cm.currentDirty > cm.dirtyLimit && cm.skipFlushWait != mgr {
			if cm.flushFailure != nil {
				return fmt.Errorf("%v: %w", cm.flushFailure, errors.ErrMemory)
			}
			cm.waitCond.Wait()
			continue
		}
		break
	}
	return nil
}

// ResizePage adjusts the accounted size of a cached page before its buffer
// is grown or shrunk. Waits for capacity like InformPage; on failure the
// accounting is rolled back and the caller must not resize the buffer.
func (cm *CacheManager) ResizePage(ctx context.Context, mgr *PageManager, index, newSize int64, canWait, mgrLocked bool) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	key := pageKey{mgr, index}
	el, ok := cm.pageIndex[key]
	if !ok {
		return nil
	}
	e := el.Value.(*cacheEntry)
	oldSize := e.size
	cm.currentMemory += newSize - oldSize
	e.size = newSize

	var oldDirty int64
	if del, ok := cm.dirtyIndex[key]; ok {
		de := del.Value.(*cacheEntry)
		oldDirty = de.size
		cm.currentDirty += newSize - de.size
		de.size = newSize
	}

	rollback := func() {
		if el, ok := cm.pageIndex[key]; ok {
			e := el.Value.(*cacheEntry)
			cm.currentMemory += oldSize - e.size
			e.size = oldSize
		}
		if del, ok := cm.dirtyIndex[key]; ok {
			de := del.Value.(*cacheEntry)
			cm.currentDirty += oldDirty - de.size
			de.size = oldDirty
		}
	}

	if mgrLocked {
		if err := cm.evictFrontLocked(ctx, mgr, index); err != nil {
			rollback()
			return err
		}
	}
	if cm.currentMemory > cm.opt.MemoryLimit {
		cm.evictCond.Signal()
	}

	if canWait {
		if err := cm.waitForCapacityLocked(mgr); err != nil {
			rollback()
			return err
		}
	}
	return nil
}

// RemovePage forgets a page entirely, from both queues.
func (cm *CacheManager) RemovePage(mgr *PageManager, index int64) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.removePageLocked(mgr, index)
	cm.removeDirtyLocked(mgr, index)
	cm.waitCond.Broadcast()
}

// RemoveDirty drops a page from the dirty queue after a flush cleaned it.
func (cm *CacheManager) RemoveDirty(mgr *PageManager, index int64) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.removeDirtyLocked(mgr, index)
	cm.waitCond.Broadcast()
}

func (cm *CacheManager) removePageLocked(mgr *PageManager, index int64) {
	key := pageKey{mgr, index}
	if el, ok := cm.pageIndex[key]; ok {
		cm.currentMemory -= el.Value.(*cacheEntry).size
		cm.pageQueue.Remove(el)
		delete(cm.pageIndex, key)
	}
}

func (cm *CacheManager) removeDirtyLocked(mgr *PageManager, index int64) {
	key := pageKey{mgr, index}
	if el, ok := cm.dirtyIndex[key]; ok {
		cm.currentDirty -= el.Value.(*cacheEntry).size
		cm.dirtyQueue.Remove(el)
		delete(cm.dirtyIndex, key)
	}
}

func (cm *CacheManager) updateDirtyLimitLocked(bytes int64, elapsed time.Duration) {
	limit := cm.flushBW.update(bytes, elapsed)
	if limit < minDirtyLimit {
		limit = minDirtyLimit
	}
	cm.dirtyLimit = limit
}

func (cm *CacheManager) evictWorker() {
	defer cm.wg.Done()
	ctx := context.Background()

	cm.mu.Lock()
	for {
		for !cm.stopped && cm.currentMemory <= cm.opt.MemoryLimit {
			cm.evictCond.Wait()
		}
		if cm.stopped {
			cm.mu.Unlock()
			return
		}

		target := cm.opt.MemoryLimit - cm.opt.MemoryLimit/cm.opt.MarginFrac
		for !cm.stopped && cm.currentMemory > target {
			el := cm.pageQueue.Front()
			if el == nil {
				break
			}
			e := el.Value.(*cacheEntry)

			cm.skipEvictWait = e.mgr
			cm.waitCond.Broadcast()
			cm.mu.Unlock()

			if !e.mgr.scopeMu.TryRLock() {
				// The manager is tearing down and purges its own entries.
				cm.mu.Lock()
				cm.skipEvictWait = nil
				cm.removePageLocked(e.mgr, e.index)
				cm.removeDirtyLocked(e.mgr, e.index)
				cm.waitCond.Broadcast()
				continue
			}
			err := e.mgr.evictForCache(ctx, e.index)
			e.mgr.scopeMu.RUnlock()

			cm.mu.Lock()
			cm.skipEvictWait = nil
			if err != nil {
				cm.evictFailure = err
				cm.waitCond.Broadcast()
				cm.log.Warn("page evict failed", "err", err)
				cm.mu.Unlock()
				time.Sleep(evictRetryDelay)
				cm.mu.Lock()
			} else {
				cm.evictFailure = nil
				cm.evictions.Add(1)
				cm.waitCond.Broadcast()
			}
		}
	}
}

func (cm *CacheManager) flushWorker() {
	defer cm.wg.Done()
	ctx := context.Background()

	cm.mu.Lock()
	for {
		if cm.stopped {
			cm.mu.Unlock()
			return
		}
		el := cm.dirtyQueue.Front()
		if el == nil {
			cm.flushCond.Wait()
			continue
		}
		e := el.Value.(*cacheEntry)

		if age := time.Since(e.dirtied); cm.currentDirty <= cm.dirtyLimit && age < cm.opt.MaxDirtyTime {
			// Under both limits: wait until the front entry ages out, or a
			// signal arrives first (new dirty page, shutdown).
			timer := time.AfterFunc(cm.opt.MaxDirtyTime-age, func() {
				cm.mu.Lock()
				cm.flushCond.Broadcast()
				cm.mu.Unlock()
			})
			cm.flushCond.Wait()
			timer.Stop()
			continue
		}

		cm.skipFlushWait = e.mgr
		cm.waitCond.Broadcast()
		cm.mu.Unlock()

		if !e.mgr.scopeMu.TryRLock() {
			cm.mu.Lock()
			cm.skipFlushWait = nil
			cm.removeDirtyLocked(e.mgr, e.index)
			cm.waitCond.Broadcast()
			continue
		}
		begin := time.Now()
		flushed, err := e.mgr.flushForCache(ctx, e.index)
		elapsed := time.Since(begin)
		e.mgr.scopeMu.RUnlock()

		cm.mu.Lock()
		cm.skipFlushWait = nil
		if err != nil {
			cm.flushFailure = err
			cm.waitCond.Broadcast()
			cm.log.Warn("page flush failed", "err", err)
			cm.mu.Unlock()
			time.Sleep(evictRetryDelay)
			cm.mu.Lock()
		} else {
			cm.flushFailure = nil
			if flushed > 0 {
				cm.flushes.Add(1)
				cm.updateDirtyLimitLocked(flushed, elapsed)
			} else {
				// Stale entry, the page was cleaned by another path.
				cm.removeDirtyLocked(e.mgr, e.index)
			}
			cm.waitCond.Broadcast()
		}
	}
}
