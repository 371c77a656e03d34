package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// meterOrNoop lets components run without a configured meter provider.
func meterOrNoop(meter metric.Meter) metric.Meter {
	if meter == nil {
		return noop.NewMeterProvider().Meter("")
	}
	return meter
}

// BufferPoolMetrics holds all the metric instruments for the buffer pool.
type BufferPoolMetrics struct {
	HitCounter               metric.Int64Counter
	MissCounter              metric.Int64Counter
	EvictionCounter          metric.Int64Counter
	FlushCounter             metric.Int64Counter
	CachedPagesUpDownCounter metric.Int64UpDownCounter
	CommitLatencyHistogram   metric.Int64Histogram
}

// NewBufferPoolMetrics creates and registers all the metrics for the buffer pool.
func NewBufferPoolMetrics(meter metric.Meter) (*BufferPoolMetrics, error) {
	meter = meterOrNoop(meter)

	hitCounter, err := meter.Int64Counter(
		"gojostore.bufferpool.hits_total",
		metric.WithDescription("Page fetches served from the cache."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	missCounter, err := meter.Int64Counter(
		"gojostore.bufferpool.misses_total",
		metric.WithDescription("Page fetches that had to read the page store."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	evictionCounter, err := meter.Int64Counter(
		"gojostore.bufferpool.evictions_total",
		metric.WithDescription("Clean pages evicted to make room."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	flushCounter, err := meter.Int64Counter(
		"gojostore.bufferpool.flushes_total",
		metric.WithDescription("Dirty pages written to the page store."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	cachedPages, err := meter.Int64UpDownCounter(
		"gojostore.bufferpool.cached_pages",
		metric.WithDescription("Number of pages currently cached."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	commitLatency, err := meter.Int64Histogram(
		"gojostore.bufferpool.commit.duration",
		metric.WithDescription("Time spent flushing a transaction's pages at commit."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &BufferPoolMetrics{
		HitCounter:               hitCounter,
		MissCounter:              missCounter,
		EvictionCounter:          evictionCounter,
		FlushCounter:             flushCounter,
		CachedPagesUpDownCounter: cachedPages,
		CommitLatencyHistogram:   commitLatency,
	}, nil
}

// LockMetrics holds the metric instruments for the page lock table.
type LockMetrics struct {
	GrantedCounter       metric.Int64Counter
	WaitCounter          metric.Int64Counter
	DeadlockCounter      metric.Int64Counter
	TimeoutCounter       metric.Int64Counter
	WaitLatencyHistogram metric.Int64Histogram
}

// NewLockMetrics creates and registers the lock table metrics.
func NewLockMetrics(meter metric.Meter) (*LockMetrics, error) {
	meter = meterOrNoop(meter)

	granted, err := meter.Int64Counter(
		"gojostore.lock.granted_total",
		metric.WithDescription("Page locks granted."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	waits, err := meter.Int64Counter(
		"gojostore.lock.waits_total",
		metric.WithDescription("Lock requests that had to wait for another transaction."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	deadlocks, err := meter.Int64Counter(
		"gojostore.lock.deadlocks_total",
		metric.WithDescription("Lock requests refused because they would close a wait-for cycle."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	timeouts, err := meter.Int64Counter(
		"gojostore.lock.timeouts_total",
		metric.WithDescription("Lock requests that gave up after the configured wait timeout."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	waitLatency, err := meter.Int64Histogram(
		"gojostore.lock.wait.duration",
		metric.WithDescription("Time spent blocked waiting for a page lock."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &LockMetrics{
		GrantedCounter:       granted,
		WaitCounter:          waits,
		DeadlockCounter:      deadlocks,
		TimeoutCounter:       timeouts,
		WaitLatencyHistogram: waitLatency,
	}, nil
}
