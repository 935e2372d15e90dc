package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/cirrusfs/cirrusfs/internal/filedata"
)

type fakeCache struct {
	memory, dirty, limit, evictions, flushes int64
}

func (f *fakeCache) CurrentMemory() int64 { return f.memory }
func (f *fakeCache) CurrentDirty() int64  { return f.dirty }
func (f *fakeCache) DirtyLimit() int64    { return f.limit }
func (f *fakeCache) Evictions() int64     { return f.evictions }
func (f *fakeCache) Flushes() int64       { return f.flushes }

type fakeAlloc struct{ stats filedata.AllocStats }

func (f *fakeAlloc) Stats() filedata.AllocStats { return f.stats }

type fakeBackend struct{ requests int64 }

func (f *fakeBackend) RequestCount() int64 { return f.requests }

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func gatherValue(t *testing.T, c *Collector, name string) float64 {
	t.Helper()
	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		m := mf.GetMetric()[0]
		if mf.GetType() == dto.MetricType_GAUGE {
			return m.GetGauge().GetValue()
		}
		return m.GetCounter().GetValue()
	}
	t.Fatalf("metric %q not found", name)
	return 0
}

func TestCollectorSamplesSources(t *testing.T) {
	cache := &fakeCache{memory: 4096, dirty: 1024, limit: 1 << 20, evictions: 7, flushes: 3}
	alloc := &fakeAlloc{stats: filedata.AllocStats{Gets: 10, Puts: 8, Fresh: 4, Recycled: 6}}
	be := &fakeBackend{requests: 42}

	c, err := NewCollector(nil, cache, alloc, be, testLog())
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	if got := gatherValue(t, c, "cirrusfs_cache_memory_bytes"); got != 4096 {
		t.Errorf("cache_memory_bytes = %v, want 4096", got)
	}
	if got := gatherValue(t, c, "cirrusfs_cache_dirty_bytes"); got != 1024 {
		t.Errorf("cache_dirty_bytes = %v, want 1024", got)
	}
	if got := gatherValue(t, c, "cirrusfs_cache_evictions_total"); got != 7 {
		t.Errorf("cache_evictions_total = %v, want 7", got)
	}
	if got := gatherValue(t, c, "cirrusfs_alloc_recycled_total"); got != 6 {
		t.Errorf("alloc_recycled_total = %v, want 6", got)
	}
	if got := gatherValue(t, c, "cirrusfs_backend_requests_total"); got != 42 {
		t.Errorf("backend_requests_total = %v, want 42", got)
	}

	// Sampling is live: a later scrape sees new values without any
	// recording calls in between.
	cache.memory = 8192
	if got := gatherValue(t, c, "cirrusfs_cache_memory_bytes"); got != 8192 {
		t.Errorf("cache_memory_bytes after update = %v, want 8192", got)
	}
}

func TestCollectorNilSources(t *testing.T) {
	c, err := NewCollector(nil, nil, nil, nil, testLog())
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) != 0 {
		t.Errorf("expected no series, got %d families", len(families))
	}
}

func TestCollectorHTTPEndpoints(t *testing.T) {
	cache := &fakeCache{memory: 100}
	c, err := NewCollector(&Config{Path: "/metrics"}, cache, nil, nil, testLog())
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}

	// Exercise the handler directly rather than binding a port.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.Registry(), promhttp.HandlerOpts{}))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) == 0 {
		t.Error("empty metrics body")
	}
}
