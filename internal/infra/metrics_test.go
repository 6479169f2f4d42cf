package infra

import (
	"testing"
	"time"

	"collswap/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetrics_RecordSettlement(t *testing.T) {
	m := &Metrics{}

	m.RecordSettlement(true, 1000*time.Nanosecond)
	m.RecordSettlement(true, 2000*time.Nanosecond)
	m.RecordSettlement(false, 3000*time.Nanosecond)

	snap := m.Snapshot()

	if snap.SettlementsOK != 2 || snap.SettlementsFailed != 1 {
		t.Errorf("Expected 2 ok / 1 failed, got %d / %d", snap.SettlementsOK, snap.SettlementsFailed)
	}

	// Average latency: (1000 + 2000 + 3000) / 3 = 2000
	if snap.AvgSettlementNs != 2000 {
		t.Errorf("Expected avg latency 2000, got %d", snap.AvgSettlementNs)
	}
}

func TestMetrics_SyncOutcomes(t *testing.T) {
	m := &Metrics{}

	m.RecordSyncOutcome(domain.OutcomeApplied, 3)
	m.RecordSyncOutcome(domain.OutcomeDuplicate, 3)
	m.RecordSyncOutcome(domain.OutcomeParked, 7)
	m.RecordSyncOutcome(domain.OutcomeDeferred, 5)
	m.RecordSyncSkipped()

	snap := m.Snapshot()
	if snap.SyncApplied != 1 || snap.SyncDuplicate != 1 || snap.SyncParked != 1 || snap.SyncDeferred != 1 {
		t.Errorf("Unexpected outcome counts: %+v", snap)
	}
	if snap.SyncSkipped != 1 {
		t.Errorf("Expected 1 skipped, got %d", snap.SyncSkipped)
	}
	// Last sequence never moves backwards
	if snap.LastSequence != 7 {
		t.Errorf("Expected last sequence 7, got %d", snap.LastSequence)
	}
}

func TestMetrics_Connections(t *testing.T) {
	m := &Metrics{}

	m.IncrementConnections()
	m.IncrementConnections()
	m.IncrementConnections()

	snap := m.Snapshot()
	if snap.FeedConnections != 3 {
		t.Errorf("Expected 3 connections, got %d", snap.FeedConnections)
	}

	m.DecrementConnections()
	snap = m.Snapshot()
	if snap.FeedConnections != 2 {
		t.Errorf("Expected 2 connections, got %d", snap.FeedConnections)
	}
}

func TestMetrics_Reset(t *testing.T) {
	m := &Metrics{}

	m.RecordFillRequest()
	m.RecordConflict()
	m.RecordDiscrepancies(2)
	m.IncrementConnections()

	m.Reset()
	snap := m.Snapshot()

	if snap.FillRequests != 0 {
		t.Error("Expected 0 fill requests after reset")
	}
	if snap.Conflicts != 0 || snap.Discrepancies != 0 {
		t.Error("Expected 0 conflicts and discrepancies after reset")
	}
	if snap.FeedConnections != 0 {
		t.Error("Expected 0 connections after reset")
	}
}

func TestMetrics_Register(t *testing.T) {
	m := &Metrics{}
	reg := prometheus.NewRegistry()

	if err := m.Register(reg); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	m.RecordFillRequest()
	m.RecordFillRequest()
	m.RecordSyncOutcome(domain.OutcomeApplied, 11)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	values := make(map[string]float64)
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[f.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[f.GetName()] += metric.GetGauge().GetValue()
			}
		}
	}

	if values["collswap_fill_requests_total"] != 2 {
		t.Errorf("Expected 2 fill requests, got %v", values["collswap_fill_requests_total"])
	}
	if values["collswap_sync_events_total"] != 1 {
		t.Errorf("Expected 1 sync event, got %v", values["collswap_sync_events_total"])
	}
	if values["collswap_sync_last_sequence"] != 11 {
		t.Errorf("Expected last sequence 11, got %v", values["collswap_sync_last_sequence"])
	}

	// A second registration on the same registry is rejected
	if err := m.Register(reg); err == nil {
		t.Error("Expected duplicate registration to fail")
	}
}
