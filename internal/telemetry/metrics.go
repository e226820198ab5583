package telemetry

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/orgforest/orgforest"
)

// Metrics holds all the OpenTelemetry metric instruments
type Metrics struct {
	// Store operation metrics
	OrganizationsCreatedTotal metric.Int64Counter
	OrganizationsDeletedTotal metric.Int64Counter
	StoreOperationDuration    metric.Float64Histogram

	// Cache metrics
	CacheHitsTotal      metric.Int64Counter
	CacheMissesTotal    metric.Int64Counter
	CacheEvictionsTotal metric.Int64Counter
	CacheInstances      metric.Int64UpDownCounter
}

var (
	once    sync.Once
	metrics *Metrics
)

// GetMetrics returns the singleton Metrics instance, initializing it if necessary
func GetMetrics() *Metrics {
	once.Do(func() {
		metrics = initMetrics()
	})
	return metrics
}

// initMetrics creates and registers all metric instruments
func initMetrics() *Metrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &Metrics{}

	m.OrganizationsCreatedTotal, _ = meter.Int64Counter(
		"orgforest.organizations.created.total",
		metric.WithDescription("Total number of organizations created"),
		metric.WithUnit("{organization}"),
	)

	m.OrganizationsDeletedTotal, _ = meter.Int64Counter(
		"orgforest.organizations.deleted.total",
		metric.WithDescription("Total number of organizations deleted"),
		metric.WithUnit("{organization}"),
	)

	m.StoreOperationDuration, _ = meter.Float64Histogram(
		"orgforest.store.operation.duration",
		metric.WithDescription("Duration of organization store operations"),
		metric.WithUnit("ms"),
	)

	m.CacheHitsTotal, _ = meter.Int64Counter(
		"orgforest.cache.hits.total",
		metric.WithDescription("Total number of cache hits"),
		metric.WithUnit("{hit}"),
	)

	m.CacheMissesTotal, _ = meter.Int64Counter(
		"orgforest.cache.misses.total",
		metric.WithDescription("Total number of cache misses"),
		metric.WithUnit("{miss}"),
	)

	m.CacheEvictionsTotal, _ = meter.Int64Counter(
		"orgforest.cache.evictions.total",
		metric.WithDescription("Total number of cache entry evictions"),
		metric.WithUnit("{eviction}"),
	)

	m.CacheInstances, _ = meter.Int64UpDownCounter(
		"orgforest.cache.instances",
		metric.WithDescription("Number of live tenant cache instances"),
		metric.WithUnit("{instance}"),
	)

	return m
}
