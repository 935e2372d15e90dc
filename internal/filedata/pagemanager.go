package filedata

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cirrusfs/cirrusfs/pkg/errors"
	"github.com/cirrusfs/cirrusfs/pkg/shared"
)

// errStaleFetch aborts a background fetch whose results were invalidated
// by a truncate or remote change while it was in flight.
var errStaleFetch = errors.New("stale fetch")

type pendingFetch struct {
	start, count int64
}

// PageManagerOptions configures a PageManager.
type PageManagerOptions struct {
	PageSize int64

	// Size is the currently known file size.
	Size int64

	// ReadAheadTime is the target duration one read-ahead window should
	// take to download; the window adapts to measured bandwidth.
	ReadAheadTime time.Duration

	// MaxFetchBytes caps a single fetch; 0 means no cap.
	MaxFetchBytes int64

	Log *slog.Logger
}

// PageManager holds the cached pages of one file. Reads fetch pages from
// the PageBackend with bandwidth-adaptive read-ahead; writes dirty pages in
// place and are persisted by flushes, either explicit or driven by the
// CacheManager's workers.
//
// Lock order is dataMu, then flushMu, then pagesMu; cache-manager calls are
// never made while holding pagesMu. The scope lock is held shared for the
// duration of every operation and exclusively only during Close, which is
// how the cache workers detect a manager mid-teardown.
type PageManager struct {
	pb    *PageBackend
	cache *CacheManager
	alloc *Allocator
	log   *slog.Logger

	pageSize      int64
	maxFetchPages int64
	readBW        *bandwidthMeasure

	scopeMu sync.RWMutex

	// dataMu guards size and page content. The flush worker acquires it
	// with priority so queued writers cannot starve it.
	dataMu  shared.Mutex
	flushMu sync.Mutex

	pagesMu   sync.Mutex
	pagesCond *sync.Cond
	pages     map[int64]*Page
	pending   []*pendingFetch
	failures  map[int64]error
	epoch     int64

	size int64 // guarded by dataMu
}

// NewPageManager creates a page manager over the given page backend.
func NewPageManager(pb *PageBackend, cache *CacheManager, alloc *Allocator, opt PageManagerOptions) *PageManager {
	if opt.ReadAheadTime == 0 {
		opt.ReadAheadTime = time.Second
	}
	if opt.Log == nil {
		opt.Log = slog.Default()
	}
	pm := &PageManager{
		pb:       pb,
		cache:    cache,
		alloc:    alloc,
		log:      opt.Log,
		pageSize: opt.PageSize,
		readBW:   newBandwidthMeasure(opt.ReadAheadTime),
		pages:    make(map[int64]*Page),
		failures: make(map[int64]error),
		size:     opt.Size,
	}
	if opt.MaxFetchBytes > 0 {
		pm.maxFetchPages = opt.MaxFetchBytes / opt.PageSize
		if pm.maxFetchPages < 1 {
			pm.maxFetchPages = 1
		}
	}
	pm.pagesCond = sync.NewCond(&pm.pagesMu)
	return pm
}

// Backend returns the page backend, for deferred-create bookkeeping.
func (pm *PageManager) Backend() *PageBackend { return pm.pb }

// PageSize returns the fixed page size.
func (pm *PageManager) PageSize() int64 { return pm.pageSize }

// Size returns the current logical file size.
func (pm *PageManager) Size() int64 {
	pm.dataMu.RLock()
	defer pm.dataMu.RUnlock()
	return pm.size
}

// ReadAt copies file content at offset into buf, fetching missing pages.
// Returns the bytes copied, short only at end of file.
func (pm *PageManager) ReadAt(ctx context.Context, buf []byte, offset int64) (int, error) {
	pm.scopeMu.RLock()
	defer pm.scopeMu.RUnlock()
	pm.dataMu.RLock()
	defer pm.dataMu.RUnlock()

	if offset >= pm.size {
		return 0, nil
	}
	if max := pm.size - offset; int64(len(buf)) > max {
		buf = buf[:max]
	}

	var done int
	for done < len(buf) {
		pos := offset + int64(done)
		index := pos / pm.pageSize
		pageOff := pos % pm.pageSize

		p, err := pm.readPage(ctx, index, false)
		if err != nil {
			return done, err
		}
		if pageOff >= p.Size() {
			break
		}
		done += copy(buf[done:], p.data[pageOff:])
	}
	return done, nil
}

// WriteAt writes data at offset, zero-filling any hole between the current
// end of file and the write start.
func (pm *PageManager) WriteAt(ctx context.Context, data []byte, offset int64) (int, error) {
	pm.scopeMu.RLock()
	defer pm.scopeMu.RUnlock()
	pm.dataMu.Lock()
	defer pm.dataMu.Unlock()

	if offset > pm.size {
		if err := pm.fillHoleLocked(ctx, pm.size, offset); err != nil {
			return 0, err
		}
	}

	var done int
	for done < len(data) {
		pos := offset + int64(done)
		index := pos / pm.pageSize
		pageOff := pos % pm.pageSize
		n := pm.pageSize - pageOff
		if rem := int64(len(data) - done); n > rem {
			n = rem
		}

		if err := pm.writePage(ctx, index, pageOff, data[done:done+int(n)]); err != nil {
			return done, err
		}
		done += int(n)
		if end := pos + n; end > pm.size {
			pm.size = end
		}
	}
	return done, nil
}

// fillHoleLocked writes zeros over [from, to) so the hole left by a write
// past end of file reaches the server as real zero bytes.
func (pm *PageManager) fillHoleLocked(ctx context.Context, from, to int64) error {
	zeros := make([]byte, pm.pageSize)
	for cur := from; cur < to; {
		index := cur / pm.pageSize
		off := cur % pm.pageSize
		n := pm.pageSize - off
		if cur+n > to {
			n = to - cur
		}
		if err := pm.writePage(ctx, index, off, zeros[:n]); err != nil {
			return err
		}
		cur += n
		pm.size = cur
	}
	return nil
}

// Truncate sets the file size, dropping pages past the new end and
// resizing the new last page. The server-side truncate is deferred for
// files that do not exist remotely yet.
func (pm *PageManager) Truncate(ctx context.Context, newSize int64) error {
	pm.scopeMu.RLock()
	defer pm.scopeMu.RUnlock()
	pm.dataMu.Lock()
	defer pm.dataMu.Unlock()
	return pm.truncateLocked(ctx, newSize)
}

func (pm *PageManager) truncateLocked(ctx context.Context, newSize int64) error {
	if newSize == pm.size {
		return nil
	}

	if newSize < pm.size {
		var dropIdx []int64
		var dropPages []*Page
		var last *Page
		var lastIdx int64 = -1

		pm.pagesMu.Lock()
		pm.epoch++
		for idx, p := range pm.pages {
			if idx*pm.pageSize >= newSize {
				dropIdx = append(dropIdx, idx)
				dropPages = append(dropPages, p)
				delete(pm.pages, idx)
			}
		}
		if newSize > 0 {
			lastIdx = (newSize - 1) / pm.pageSize
			last = pm.pages[lastIdx]
		}
		pm.pagesMu.Unlock()

		for i, idx := range dropIdx {
			pm.cache.RemovePage(pm, idx)
			pm.alloc.Put(dropPages[i].data)
		}
		if last != nil {
			logical := newSize - lastIdx*pm.pageSize
			if last.Size() > logical {
				if err := pm.cache.ResizePage(ctx, pm, lastIdx, logical, false, true); err != nil {
					return err
				}
				last.data = last.data[:logical]
			}
		}
	} else if pm.size > 0 {
		// Growing: extend the cached last page with zeros so reads inside
		// it see the new length.
		lastIdx := (pm.size - 1) / pm.pageSize
		pm.pagesMu.Lock()
		last := pm.pages[lastIdx]
		pm.pagesMu.Unlock()

		if last != nil {
			logical := pm.pageSize
			if rem := newSize - lastIdx*pm.pageSize; rem < logical {
				logical = rem
			}
			if logical > last.Size() {
				old := last.Size()
				if err := pm.cache.ResizePage(ctx, pm, lastIdx, logical, true, true); err != nil {
					return err
				}
				last.data = last.data[:logical]
				clear(last.data[old:])
			}
		}
	}

	pm.size = newSize
	return pm.pb.Truncate(ctx, newSize)
}

// Flush persists every dirty page and performs the deferred create for
// files the server does not know yet.
func (pm *PageManager) Flush(ctx context.Context) error {
	pm.scopeMu.RLock()
	defer pm.scopeMu.RUnlock()
	pm.dataMu.RLock()
	defer pm.dataMu.RUnlock()
	return pm.flushAllLocked(ctx)
}

func (pm *PageManager) flushAllLocked(ctx context.Context) error {
	pm.flushMu.Lock()
	defer pm.flushMu.Unlock()

	for {
		pm.pagesMu.Lock()
		var idx int64
		found := false
		for i, p := range pm.pages {
			if p.dirty && (!found || i < idx) {
				idx, found = i, true
			}
		}
		pm.pagesMu.Unlock()
		if !found {
			break
		}
		if _, err := pm.flushRun(ctx, idx); err != nil {
			return err
		}
	}

	if !pm.pb.ExistsOnBackend() {
		if _, err := pm.pb.WritePages(ctx, 0, nil); err != nil {
			return err
		}
		if pm.size > 0 {
			if err := pm.pb.Truncate(ctx, pm.size); err != nil {
				return err
			}
		}
	}
	return nil
}

// RemoteChanged adapts to a size change observed on the server: clean
// pages past the new end are invalid and dropped, dirty local state wins.
func (pm *PageManager) RemoteChanged(newSize int64) {
	pm.scopeMu.RLock()
	defer pm.scopeMu.RUnlock()
	pm.dataMu.Lock()
	defer pm.dataMu.Unlock()

	var dropIdx []int64
	var dropPages []*Page
	var maxDirtyEnd int64

	pm.pagesMu.Lock()
	pm.epoch++
	for idx, p := range pm.pages {
		pageStart := idx * pm.pageSize
		if pageStart >= newSize && !p.dirty {
			dropIdx = append(dropIdx, idx)
			dropPages = append(dropPages, p)
			delete(pm.pages, idx)
			continue
		}
		if p.dirty {
			if end := pageStart + p.Size(); end > maxDirtyEnd {
				maxDirtyEnd = end
			}
		}
	}
	pm.pagesMu.Unlock()

	for i, idx := range dropIdx {
		pm.cache.RemovePage(pm, idx)
		pm.alloc.Put(dropPages[i].data)
	}

	pm.pb.SetBackendSize(newSize)
	pm.size = newSize
	if maxDirtyEnd > pm.size {
		pm.size = maxDirtyEnd
	}
}

// Close flushes, then tears the manager down under the exclusive scope
// lock so the cache workers stop touching it, and purges every page.
func (pm *PageManager) Close(ctx context.Context) error {
	flushErr := pm.Flush(ctx)
	pm.Discard()
	return flushErr
}

// Discard tears the manager down without flushing. Used after a delete,
// where writing the pages back would resurrect the file.
func (pm *PageManager) Discard() {
	pm.scopeMu.Lock()
	defer pm.scopeMu.Unlock()
	pm.dataMu.Lock()
	defer pm.dataMu.Unlock()

	pm.pagesMu.Lock()
	pages := pm.pages
	pm.pages = make(map[int64]*Page)
	pm.epoch++
	pm.pagesMu.Unlock()

	for idx, p := range pages {
		pm.cache.RemovePage(pm, idx)
		pm.alloc.Put(p.data)
	}
}

// readPage returns the page at index, waiting on or starting a fetch as
// needed. Requires dataMu held; mgrLocked says it is held exclusively.
func (pm *PageManager) readPage(ctx context.Context, index int64, mgrLocked bool) (*Page, error) {
	pm.pagesMu.Lock()
	for {
		if p, ok := pm.pages[index]; ok {
			pm.pagesMu.Unlock()
			if err := pm.cache.InformPage(ctx, pm, index, p, true, mgrLocked); err != nil {
				return nil, err
			}
			return p, nil
		}
		if err, ok := pm.failures[index]; ok {
			delete(pm.failures, index)
			pm.pagesMu.Unlock()
			return nil, err
		}
		if pm.fetchPendingLocked(index) {
			pm.pagesCond.Wait()
			continue
		}

		if index*pm.pageSize >= pm.pb.BackendSize() {
			// Hole or past the server end: synthesize zeros, no I/O.
			logical := pm.pageSize
			if rem := pm.size - index*pm.pageSize; rem < logical {
				logical = rem
			}
			if logical <= 0 {
				pm.pagesMu.Unlock()
				return nil, errors.ErrReadBounds
			}
			p := newPage(pm.alloc.Get(int(pm.pageSize), int(logical)))
			pm.pages[index] = p
			pm.pagesMu.Unlock()
			if err := pm.cache.InformPage(ctx, pm, index, p, true, mgrLocked); err != nil {
				return nil, err
			}
			return p, nil
		}

		pf := &pendingFetch{start: index, count: pm.fetchCountLocked(index)}
		pm.pending = append(pm.pending, pf)
		go pm.fetchPages(pf)
		// Loop back and wait for the fetch to land.
	}
}

func (pm *PageManager) fetchPendingLocked(index int64) bool {
	for _, pf := range pm.pending {
		if index >= pf.start && index < pf.start+pf.count {
			return true
		}
	}
	return false
}

// fetchCountLocked sizes a fetch starting at index: the bandwidth-derived
// read-ahead window, capped by the fetch limit, the server end of file,
// and the first page already cached or in flight.
func (pm *PageManager) fetchCountLocked(index int64) int64 {
	max := int64(1)
	if est := pm.readBW.estimate(); est > 0 {
		if max = est / pm.pageSize; max < 1 {
			max = 1
		}
	}
	if pm.maxFetchPages > 0 && max > pm.maxFetchPages {
		max = pm.maxFetchPages
	}
	backendPages := (pm.pb.BackendSize() + pm.pageSize - 1) / pm.pageSize
	if rem := backendPages - index; max > rem {
		max = rem
	}

	count := int64(1)
	for count < max {
		next := index + count
		if _, ok := pm.pages[next]; ok {
			break
		}
		if pm.fetchPendingLocked(next) {
			break
		}
		count++
	}
	return count
}

// fetchPages downloads one pending range in the background and lands each
// page as it completes. Waiting readers are woken per page, so the first
// page unblocks its reader while the rest of the window streams in.
func (pm *PageManager) fetchPages(pf *pendingFetch) {
	ctx := context.Background()

	pm.pagesMu.Lock()
	epoch := pm.epoch
	pm.pagesMu.Unlock()

	begin := time.Now()
	var fetched int64
	err := pm.pb.ReadPages(ctx, pf.start, pf.count, func(index int64, data []byte) error {
		buf := pm.alloc.Get(int(pm.pageSize), len(data))
		copy(buf, data)
		p := newPage(buf)

		pm.pagesMu.Lock()
		if pm.epoch != epoch {
			pm.pagesMu.Unlock()
			pm.alloc.Put(buf)
			return errStaleFetch
		}
		pm.pages[index] = p
		pf.start++
		pf.count--
		fetched += int64(len(data))
		pm.pagesCond.Broadcast()
		pm.pagesMu.Unlock()

		return pm.cache.InformPage(ctx, pm, index, p, true, false)
	})

	pm.readBW.update(fetched, time.Since(begin))

	pm.pagesMu.Lock()
	defer pm.pagesMu.Unlock()
	if err != nil && !errors.Is(err, errStaleFetch) {
		pm.log.Warn("page fetch failed", "start", pf.start, "count", pf.count, "err", err)
		for i := pf.start; i < pf.start+pf.count; i++ {
			if _, ok := pm.pages[i]; !ok {
				pm.failures[i] = err
			}
		}
	}
	for i, cur := range pm.pending {
		if cur == pf {
			pm.pending = append(pm.pending[:i], pm.pending[i+1:]...)
			break
		}
	}
	pm.pagesCond.Broadcast()
}

// writePage applies one write within a page. Requires dataMu exclusive.
// A partial write into uncached server content fetches the page first; a
// write past the server end starts from zeros without I/O.
func (pm *PageManager) writePage(ctx context.Context, index, off int64, data []byte) error {
	pageStart := index * pm.pageSize
	writeEnd := off + int64(len(data))

	pm.pagesMu.Lock()
	p := pm.pages[index]
	pm.pagesMu.Unlock()

	if p == nil {
		backendEnd := pm.pb.BackendSize() - pageStart
		if backendEnd > pm.pageSize {
			backendEnd = pm.pageSize
		}
		if backendEnd > 0 && !(off == 0 && writeEnd >= backendEnd) {
			var err error
			if p, err = pm.readPage(ctx, index, true); err != nil {
				return err
			}
		}
	}

	if p == nil {
		logical := writeEnd
		if within := pm.size - pageStart; within > logical {
			logical = within
		}
		if logical > pm.pageSize {
			logical = pm.pageSize
		}
		p = newPage(pm.alloc.Get(int(pm.pageSize), int(logical)))
		pm.pagesMu.Lock()
		pm.pages[index] = p
		pm.pagesMu.Unlock()
	}

	if writeEnd > p.Size() {
		old := p.Size()
		if err := pm.cache.ResizePage(ctx, pm, index, writeEnd, true, true); err != nil {
			return err
		}
		p.data = p.data[:writeEnd]
		clear(p.data[old:])
	}

	copy(p.data[off:], data)
	p.dirty = true
	return pm.cache.InformPage(ctx, pm, index, p, true, true)
}

// evictForCache is the evict worker's entry point.
func (pm *PageManager) evictForCache(ctx context.Context, index int64) error {
	pm.dataMu.Lock()
	defer pm.dataMu.Unlock()
	return pm.evictPageOwned(ctx, index)
}

// evictPageOwned evicts one page, flushing it first if dirty. The caller
// holds the exclusive data lock.
func (pm *PageManager) evictPageOwned(ctx context.Context, index int64) error {
	pm.pagesMu.Lock()
	p, ok := pm.pages[index]
	pm.pagesMu.Unlock()
	if !ok {
		// Stale cache entry.
		pm.cache.RemovePage(pm, index)
		return nil
	}

	for {
		pm.pagesMu.Lock()
		dirty := p.dirty
		pm.pagesMu.Unlock()
		if !dirty {
			break
		}
		pm.flushMu.Lock()
		n, err := pm.flushRun(ctx, index)
		pm.flushMu.Unlock()
		if err != nil {
			return err
		}
		if n == 0 {
			return errors.New("dirty page did not flush")
		}
	}

	pm.pagesMu.Lock()
	delete(pm.pages, index)
	pm.pagesMu.Unlock()
	pm.cache.RemovePage(pm, index)
	pm.alloc.Put(p.data)
	return nil
}

// flushForCache is the flush worker's entry point. The priority read lock
// lets the flush proceed ahead of queued writers.
func (pm *PageManager) flushForCache(ctx context.Context, index int64) (int64, error) {
	pm.dataMu.RLockPriority()
	defer pm.dataMu.RUnlock()
	pm.flushMu.Lock()
	defer pm.flushMu.Unlock()
	return pm.flushRun(ctx, index)
}

// flushRun uploads the contiguous dirty run containing index, bounded by
// the write budget, in one backend call. Pages go clean all or nothing:
// only after the upload succeeds. A file with no server id is created by
// its first flushed run, wherever that run starts; a deferred larger
// size is asserted afterwards. Requires dataMu (any mode) and flushMu
// held.
func (pm *PageManager) flushRun(ctx context.Context, index int64) (int64, error) {
	pm.pagesMu.Lock()
	start := index
	for start > 0 {
		p, ok := pm.pages[start-1]
		if !ok || !p.dirty {
			break
		}
		start--
	}

	budget := pm.pb.WriteBudget()
	var bufs [][]byte
	var run []*Page
	var total int64
	for i := start; ; i++ {
		p, ok := pm.pages[i]
		if !ok || !p.dirty {
			break
		}
		if budget > 0 && total+p.Size() > budget && len(bufs) > 0 {
			break
		}
		bufs = append(bufs, p.data)
		run = append(run, p)
		total += p.Size()
	}
	pm.pagesMu.Unlock()

	if len(bufs) == 0 {
		return 0, nil
	}

	newSize, err := pm.pb.WritePages(ctx, start, bufs)
	if err != nil {
		return 0, err
	}

	pm.pagesMu.Lock()
	for _, p := range run {
		p.dirty = false
	}
	pm.pagesMu.Unlock()
	for i := range run {
		pm.cache.RemoveDirty(pm, start+int64(i))
	}

	if pm.size > newSize {
		if err := pm.pb.Truncate(ctx, pm.size); err != nil {
			return total, err
		}
	}
	return total, nil
}
