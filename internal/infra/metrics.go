package infra

import (
	"sync/atomic"
	"time"

	"collswap/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides lightweight observability for the hot paths.
// Uses atomic operations for thread-safety; Register exposes the same
// counters to Prometheus without a second source of truth.
type Metrics struct {
	// Fill path
	fillRequests      atomic.Uint64
	settlementsOK     atomic.Uint64
	settlementsFailed atomic.Uint64
	conflicts         atomic.Uint64
	discrepancies     atomic.Uint64

	// Chain mirror
	syncApplied   atomic.Uint64
	syncDuplicate atomic.Uint64
	syncParked    atomic.Uint64
	syncDeferred  atomic.Uint64
	syncSkipped   atomic.Uint64
	lastSequence  atomic.Uint64

	// Settlement latency
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	feedConnections atomic.Int32
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordFillRequest counts an incoming fill request.
func (m *Metrics) RecordFillRequest() {
	m.fillRequests.Add(1)
}

// RecordSettlement records a settlement outcome with its latency.
func (m *Metrics) RecordSettlement(ok bool, latency time.Duration) {
	if ok {
		m.settlementsOK.Add(1)
	} else {
		m.settlementsFailed.Add(1)
	}
	m.latencySumNs.Add(latency.Nanoseconds())
	m.latencyCount.Add(1)
}

// RecordConflict counts a lost compare-and-swap.
func (m *Metrics) RecordConflict() {
	m.conflicts.Add(1)
}

// RecordDiscrepancies counts legs where settlement and matching disagreed.
func (m *Metrics) RecordDiscrepancies(n int) {
	if n > 0 {
		m.discrepancies.Add(uint64(n))
	}
}

// RecordSyncOutcome counts a chain event by what the store did with it.
func (m *Metrics) RecordSyncOutcome(outcome domain.ApplyOutcome, seq uint64) {
	switch outcome {
	case domain.OutcomeApplied:
		m.syncApplied.Add(1)
	case domain.OutcomeDuplicate:
		m.syncDuplicate.Add(1)
	case domain.OutcomeParked:
		m.syncParked.Add(1)
	case domain.OutcomeDeferred:
		m.syncDeferred.Add(1)
	}
	for {
		cur := m.lastSequence.Load()
		if seq <= cur || m.lastSequence.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// RecordSyncSkipped counts a malformed or unknown chain event.
func (m *Metrics) RecordSyncSkipped() {
	m.syncSkipped.Add(1)
}

// IncrementConnections increments active feed connections by 1.
func (m *Metrics) IncrementConnections() {
	m.feedConnections.Add(1)
}

// DecrementConnections decrements active feed connections by 1.
func (m *Metrics) DecrementConnections() {
	m.feedConnections.Add(-1)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	FillRequests      uint64
	SettlementsOK     uint64
	SettlementsFailed uint64
	Conflicts         uint64
	Discrepancies     uint64
	SyncApplied       uint64
	SyncDuplicate     uint64
	SyncParked        uint64
	SyncDeferred      uint64
	SyncSkipped       uint64
	LastSequence      uint64
	AvgSettlementNs   int64
	FeedConnections   int32
	Timestamp         time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		FillRequests:      m.fillRequests.Load(),
		SettlementsOK:     m.settlementsOK.Load(),
		SettlementsFailed: m.settlementsFailed.Load(),
		Conflicts:         m.conflicts.Load(),
		Discrepancies:     m.discrepancies.Load(),
		SyncApplied:       m.syncApplied.Load(),
		SyncDuplicate:     m.syncDuplicate.Load(),
		SyncParked:        m.syncParked.Load(),
		SyncDeferred:      m.syncDeferred.Load(),
		SyncSkipped:       m.syncSkipped.Load(),
		LastSequence:      m.lastSequence.Load(),
		AvgSettlementNs:   avgLatency,
		FeedConnections:   m.feedConnections.Load(),
		Timestamp:         time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.fillRequests.Store(0)
	m.settlementsOK.Store(0)
	m.settlementsFailed.Store(0)
	m.conflicts.Store(0)
	m.discrepancies.Store(0)
	m.syncApplied.Store(0)
	m.syncDuplicate.Store(0)
	m.syncParked.Store(0)
	m.syncDeferred.Store(0)
	m.syncSkipped.Store(0)
	m.lastSequence.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
	m.feedConnections.Store(0)
}

// Register exposes the counters on reg as collectors that read the atomics
// at scrape time.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	counter := func(name, help string, v *atomic.Uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "collswap",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}
	syncCounter := func(outcome string, v *atomic.Uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   "collswap",
			Name:        "sync_events_total",
			Help:        "Chain events consumed, by outcome",
			ConstLabels: prometheus.Labels{"outcome": outcome},
		}, func() float64 { return float64(v.Load()) })
	}

	collectors := []prometheus.Collector{
		counter("fill_requests_total", "Fill requests received", &m.fillRequests),
		counter("settlements_ok_total", "Settlements committed", &m.settlementsOK),
		counter("settlements_failed_total", "Settlements rolled back", &m.settlementsFailed),
		counter("conflicts_total", "Compare-and-swap conflicts", &m.conflicts),
		counter("settlement_discrepancies_total", "Legs where the settled amount differed from the match", &m.discrepancies),
		syncCounter("applied", &m.syncApplied),
		syncCounter("duplicate", &m.syncDuplicate),
		syncCounter("parked", &m.syncParked),
		syncCounter("deferred", &m.syncDeferred),
		syncCounter("skipped", &m.syncSkipped),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "collswap",
			Name:      "sync_last_sequence",
			Help:      "Highest chain sequence consumed",
		}, func() float64 { return float64(m.lastSequence.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "collswap",
			Name:      "settlement_latency_avg_seconds",
			Help:      "Average settlement round trip",
		}, func() float64 {
			count := m.latencyCount.Load()
			if count == 0 {
				return 0
			}
			return float64(m.latencySumNs.Load()) / float64(count) / 1e9
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "collswap",
			Name:      "feed_connections",
			Help:      "Open chain feed connections",
		}, func() float64 { return float64(m.feedConnections.Load()) }),
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
