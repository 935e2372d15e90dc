package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cirrusfs/cirrusfs/internal/filedata"
)

// CacheStats is the view of the page cache the collector samples.
type CacheStats interface {
	CurrentMemory() int64
	CurrentDirty() int64
	DirtyLimit() int64
	Evictions() int64
	Flushes() int64
}

// AllocStats is the view of the buffer allocator the collector samples.
type AllocStats interface {
	Stats() filedata.AllocStats
}

// RequestCounter is the view of the backend the collector samples.
type RequestCounter interface {
	RequestCount() int64
}

// Config holds metrics exposition settings.
type Config struct {
	// Addr is the listen address for the exposition server; empty
	// disables the server (metrics can still be gathered in-process).
	Addr      string `yaml:"addr"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// Collector exports cache, allocator and backend state as Prometheus
// metrics. All series are sampled at scrape time; nothing in the hot
// paths ever touches the collector.
type Collector struct {
	config   *Config
	log      *slog.Logger
	registry *prometheus.Registry
	server   *http.Server
}

// NewCollector builds a collector over the given sources. Nil sources
// are allowed and simply export no series.
func NewCollector(config *Config, cache CacheStats, alloc AllocStats, backend RequestCounter, log *slog.Logger) (*Collector, error) {
	if config == nil {
		config = &Config{Path: "/metrics", Namespace: "cirrusfs"}
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if config.Namespace == "" {
		config.Namespace = "cirrusfs"
	}

	c := &Collector{
		config:   config,
		log:      log,
		registry: prometheus.NewRegistry(),
	}
	if err := c.register(cache, alloc, backend); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return c, nil
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) register(cache CacheStats, alloc AllocStats, backend RequestCounter) error {
	ns := c.config.Namespace
	var collectors []prometheus.Collector

	gauge := func(name, help string, fn func() float64) {
		collectors = append(collectors, prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: ns, Name: name, Help: help}, fn))
	}
	counter := func(name, help string, fn func() float64) {
		collectors = append(collectors, prometheus.NewCounterFunc(
			prometheus.CounterOpts{Namespace: ns, Name: name, Help: help}, fn))
	}

	if cache != nil {
		gauge("cache_memory_bytes", "Bytes of file data currently cached",
			func() float64 { return float64(cache.CurrentMemory()) })
		gauge("cache_dirty_bytes", "Bytes of cached data awaiting write-back",
			func() float64 { return float64(cache.CurrentDirty()) })
		gauge("cache_dirty_limit_bytes", "Current bandwidth-derived dirty data limit",
			func() float64 { return float64(cache.DirtyLimit()) })
		counter("cache_evictions_total", "Pages evicted to stay under the memory limit",
			func() float64 { return float64(cache.Evictions()) })
		counter("cache_flushes_total", "Dirty page runs written back to the server",
			func() float64 { return float64(cache.Flushes()) })
	}

	if alloc != nil {
		counter("alloc_gets_total", "Page buffers handed out by the allocator",
			func() float64 { return float64(alloc.Stats().Gets) })
		counter("alloc_fresh_total", "Page buffers newly allocated",
			func() float64 { return float64(alloc.Stats().Fresh) })
		counter("alloc_recycled_total", "Page buffers reused from the pool",
			func() float64 { return float64(alloc.Stats().Recycled) })
	}

	if backend != nil {
		counter("backend_requests_total", "API requests sent to the server",
			func() float64 { return float64(backend.RequestCount()) })
	}

	for _, col := range collectors {
		if err := c.registry.Register(col); err != nil {
			return err
		}
	}
	return nil
}

// Start serves the exposition endpoint. A no-op when no address is
// configured.
func (c *Collector) Start() error {
	if c.config.Addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy","service":"cirrusfs"}`))
	})

	c.server = &http.Server{
		Addr:              c.config.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.log.Error("metrics server failed", "addr", c.config.Addr, "error", err)
		}
	}()

	c.log.Info("metrics server listening", "addr", c.config.Addr, "path", c.config.Path)
	return nil
}

// Stop shuts the exposition server down.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}
