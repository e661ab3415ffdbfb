package monitoring

import (
	"context"
	"fmt"
	"runtime"

	"go.opentelemetry.io/otel/metric"

	"github.com/openclaw/gateway/engine/tenant"
)

const bytesPerMB = 1024 * 1024

// RegisterTenantMetrics exposes manager statistics and process memory
// on the meter through a single observable callback, sampled on every
// scrape.
func RegisterTenantMetrics(meter metric.Meter, stats func() tenant.Stats) (metric.Registration, error) {
	activeInstances, err := meter.Int64ObservableGauge(
		"openclaw_tenant_active_instances",
		metric.WithDescription("Tenant instances currently cached in memory"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active instances gauge: %w", err)
	}
	tokensIndexed, err := meter.Int64ObservableGauge(
		"openclaw_tenant_tokens_indexed",
		metric.WithDescription("Gateway tokens known to the local index"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens indexed gauge: %w", err)
	}
	pendingRequests, err := meter.Int64ObservableGauge(
		"openclaw_tenant_pending_requests",
		metric.WithDescription("Requests currently in flight across all tenants"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pending requests gauge: %w", err)
	}
	cacheHits, err := meter.Int64ObservableCounter(
		"openclaw_tenant_cache_hits_total",
		metric.WithDescription("Token and instance lookups answered locally"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache hits counter: %w", err)
	}
	cacheMisses, err := meter.Int64ObservableCounter(
		"openclaw_tenant_cache_misses_total",
		metric.WithDescription("Lookups that required disk or backend resolution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache misses counter: %w", err)
	}
	evictions, err := meter.Int64ObservableCounter(
		"openclaw_tenant_evictions_total",
		metric.WithDescription("Instances removed from the cache"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create evictions counter: %w", err)
	}
	syncFailures, err := meter.Int64ObservableGauge(
		"openclaw_sync_consecutive_failures",
		metric.WithDescription("Consecutive config sync failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync failures gauge: %w", err)
	}
	heapAlloc, err := meter.Float64ObservableGauge(
		"openclaw_process_heap_alloc_mb",
		metric.WithDescription("Heap bytes allocated and in use, in MB"),
		metric.WithUnit("MBy"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create heap gauge: %w", err)
	}

	registration, err := meter.RegisterCallback(
		func(_ context.Context, observer metric.Observer) error {
			s := stats()
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			observer.ObserveInt64(activeInstances, int64(s.ActiveInstances))
			observer.ObserveInt64(tokensIndexed, int64(s.TokensIndexed))
			observer.ObserveInt64(pendingRequests, int64(s.PendingRequests))
			observer.ObserveInt64(cacheHits, s.CacheHits)
			observer.ObserveInt64(cacheMisses, s.CacheMisses)
			observer.ObserveInt64(evictions, s.Evictions)
			observer.ObserveInt64(syncFailures, int64(s.SyncFailures))
			observer.ObserveFloat64(heapAlloc, float64(mem.HeapAlloc)/bytesPerMB)
			return nil
		},
		activeInstances, tokensIndexed, pendingRequests,
		cacheHits, cacheMisses, evictions, syncFailures, heapAlloc,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register tenant metrics callback: %w", err)
	}
	return registration, nil
}
