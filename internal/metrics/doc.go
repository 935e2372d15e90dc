/*
Package metrics exports CirrusFS runtime state as Prometheus metrics.

The collector samples its sources at scrape time through GaugeFunc and
CounterFunc, so the page cache, allocator and backend pay nothing for
metrics until something scrapes the endpoint. Exported series cover
cached and dirty byte counts, the bandwidth-derived dirty limit,
eviction and flush counts, allocator churn, and the total number of
API requests sent to the server.

The exposition server is optional. With an address configured it
serves the registry on /metrics (OpenMetrics enabled) and a trivial
health check on /health:

	collector, err := metrics.NewCollector(&metrics.Config{
		Addr: ":9090",
	}, cache, alloc, backend, log)
	if err != nil {
		return err
	}
	if err := collector.Start(); err != nil {
		return err
	}
	defer collector.Stop(ctx)
*/
package metrics
