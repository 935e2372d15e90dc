package filedata

import (
	"sync"
	"time"
)

// bandwidthSamples is how many transfers the rolling estimate remembers.
const bandwidthSamples = 4

// bandwidthMeasure estimates how many bytes can move in a target duration,
// from a rolling window of observed transfers. The page manager feeds it
// read timings to size the read-ahead window; the cache manager feeds it
// flush timings to size the dirty limit.
type bandwidthMeasure struct {
	mu         sync.Mutex
	targetTime time.Duration
	samples    [bandwidthSamples]int64
	count      int
	next       int
}

func newBandwidthMeasure(targetTime time.Duration) *bandwidthMeasure {
	return &bandwidthMeasure{targetTime: targetTime}
}

// update records a transfer and returns the new estimate: the mean of the
// recorded samples, each scaled to the target duration. Zero-length or
// instantaneous transfers leave the estimate unchanged.
func (b *bandwidthMeasure) update(bytes int64, elapsed time.Duration) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bytes > 0 && elapsed > 0 {
		scaled := int64(float64(bytes) * float64(b.targetTime) / float64(elapsed))
		b.samples[b.next] = scaled
		b.next = (b.next + 1) % bandwidthSamples
		if b.count < bandwidthSamples {
			b.count++
		}
	}
	return b.estimateLocked()
}

// estimate returns the current estimate without recording a sample.
func (b *bandwidthMeasure) estimate() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.estimateLocked()
}

func (b *bandwidthMeasure) estimateLocked() int64 {
	if b.count == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < b.count; i++ {
		sum += b.samples[i]
	}
	return sum / int64(b.count)
}
