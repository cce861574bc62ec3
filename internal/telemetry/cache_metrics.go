package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Lookup outcomes recorded on foliocache.lookup.total.
const (
	OutcomeHit        = "hit"
	OutcomeMiss       = "miss"
	OutcomeCreated    = "created"
	OutcomeRaceLost   = "race_lost"
	OutcomeWouldBlock = "would_block"
	OutcomeAllocFail  = "alloc_failure"
	OutcomeError      = "error"
)

// CacheMetrics holds the metric instruments of the page cache. A nil
// *CacheMetrics records nothing, so components can run without telemetry.
type CacheMetrics struct {
	LookupCounter      metric.Int64Counter
	WritebackCounter   metric.Int64Counter
	WritebackDuration  metric.Int64Histogram
	EvictedCounter     metric.Int64Counter
	RefaultCounter     metric.Int64Counter
	IsolateFailCounter metric.Int64Counter
}

// NewCacheMetrics creates and registers all the metrics for the page cache.
func NewCacheMetrics(meter metric.Meter) (*CacheMetrics, error) {
	lookupCounter, err := meter.Int64Counter(
		"foliocache.lookup.total",
		metric.WithDescription("Folio lookups by outcome."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	writebackCounter, err := meter.Int64Counter(
		"foliocache.writeback.total",
		metric.WithDescription("Folio writebacks by result."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	writebackDuration, err := meter.Int64Histogram(
		"foliocache.writeback.duration",
		metric.WithDescription("Latency of persisting one folio."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}

	evictedCounter, err := meter.Int64Counter(
		"foliocache.reclaim.evicted_total",
		metric.WithDescription("Pages evicted by reclaim."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	refaultCounter, err := meter.Int64Counter(
		"foliocache.refault.total",
		metric.WithDescription("Folios recreated within the working set distance after eviction."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	isolateFailCounter, err := meter.Int64Counter(
		"foliocache.reclaim.isolate_failed_total",
		metric.WithDescription("Isolation attempts rejected because the folio was busy."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &CacheMetrics{
		LookupCounter:      lookupCounter,
		WritebackCounter:   writebackCounter,
		WritebackDuration:  writebackDuration,
		EvictedCounter:     evictedCounter,
		RefaultCounter:     refaultCounter,
		IsolateFailCounter: isolateFailCounter,
	}, nil
}

// RegisterDirtyGauge exposes the number of dirty folios, computed at
// collection time by count.
func RegisterDirtyGauge(meter metric.Meter, count func() int64) error {
	_, err := meter.Int64ObservableGauge(
		"foliocache.dirty.units",
		metric.WithDescription("Dirty folios across all containers."),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(count())
			return nil
		}),
	)
	return err
}

func (m *CacheMetrics) Lookup(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.LookupCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *CacheMetrics) Writeback(ctx context.Context, took time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.WritebackCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	m.WritebackDuration.Record(ctx, took.Microseconds())
}

func (m *CacheMetrics) Evicted(ctx context.Context, pages int) {
	if m == nil {
		return
	}
	m.EvictedCounter.Add(ctx, int64(pages))
}

func (m *CacheMetrics) Refault(ctx context.Context) {
	if m == nil {
		return
	}
	m.RefaultCounter.Add(ctx, 1)
}

func (m *CacheMetrics) IsolateFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.IsolateFailCounter.Add(ctx, 1)
}
