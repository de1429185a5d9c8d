package metrics

import (
	"math"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderObserveCache(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveCache(CacheOperationGet, CacheHit, 10*time.Millisecond)
	rec.ObserveCache(CacheOperationPut, CacheStored, 5*time.Millisecond)

	families := gather(t, rec, "resilcache_cache_operations_total", "resilcache_cache_operation_duration_seconds")

	getMetric := findMetric(t, families["resilcache_cache_operations_total"], map[string]string{
		"operation": string(CacheOperationGet),
		"result":    string(CacheHit),
	})
	if got := getMetric.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected get counter 1, got %v", got)
	}

	latencyMetric := findMetric(t, families["resilcache_cache_operation_duration_seconds"], map[string]string{
		"operation": string(CacheOperationPut),
	})
	hist := latencyMetric.GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for cache put latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	want := 0.005
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}
}

func TestRecorderUsageAndEvictions(t *testing.T) {
	rec := NewRecorder(nil)
	rec.SetCacheUsage(3, 4096)
	rec.SetDegraded(true)
	rec.ObserveEviction(EvictionLRU, 2)
	rec.ObserveEviction(EvictionTTL, 0)

	families := gather(t, rec, "resilcache_cache_entries", "resilcache_cache_bytes", "resilcache_cache_degraded", "resilcache_cache_evictions_total")
	if got := families["resilcache_cache_entries"][0].GetGauge().GetValue(); got != 3 {
		t.Fatalf("expected 3 entries, got %v", got)
	}
	if got := families["resilcache_cache_bytes"][0].GetGauge().GetValue(); got != 4096 {
		t.Fatalf("expected 4096 bytes, got %v", got)
	}
	if got := families["resilcache_cache_degraded"][0].GetGauge().GetValue(); got != 1 {
		t.Fatalf("expected degraded flag, got %v", got)
	}
	lru := findMetric(t, families["resilcache_cache_evictions_total"], map[string]string{"reason": "lru"})
	if got := lru.GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected 2 lru evictions, got %v", got)
	}
	if len(families["resilcache_cache_evictions_total"]) != 1 {
		t.Fatalf("expected zero-count eviction to be skipped")
	}
}

func TestRecorderQueueMetrics(t *testing.T) {
	rec := NewRecorder(nil)
	rec.SetQueueDepth(4)
	rec.ObserveDelivery("origin", false, 20*time.Millisecond)
	rec.ObserveDelivery("origin", true, 10*time.Millisecond)
	rec.ObserveQueueDrop("Stale")

	families := gather(t, rec, "resilcache_queue_depth", "resilcache_queue_deliveries_total", "resilcache_queue_dropped_total")
	if got := families["resilcache_queue_depth"][0].GetGauge().GetValue(); got != 4 {
		t.Fatalf("expected depth 4, got %v", got)
	}
	retry := findMetric(t, families["resilcache_queue_deliveries_total"], map[string]string{"destination": "origin", "result": "retry"})
	if got := retry.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected one retry, got %v", got)
	}
	stale := findMetric(t, families["resilcache_queue_dropped_total"], map[string]string{"reason": "Stale"})
	if got := stale.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected one stale drop, got %v", got)
	}
}

func TestRecorderRecoveryState(t *testing.T) {
	rec := NewRecorder(nil)
	rec.SetRecoveryState("recovering")
	rec.ObserveRecovery("healthy", 150*time.Millisecond, 2)
	rec.ObserveConflict("auto_resolved", 0.91)

	families := gather(t, rec, "resilcache_recovery_state", "resilcache_recovery_runs_total", "resilcache_recovery_lost_keys", "resilcache_conflict_resolutions_total")
	recovering := findMetric(t, families["resilcache_recovery_state"], map[string]string{"state": "recovering"})
	if recovering.GetGauge().GetValue() != 1 {
		t.Fatalf("expected recovering state flagged")
	}
	healthy := findMetric(t, families["resilcache_recovery_state"], map[string]string{"state": "healthy"})
	if healthy.GetGauge().GetValue() != 0 {
		t.Fatalf("expected healthy state cleared")
	}
	if got := families["resilcache_recovery_lost_keys"][0].GetGauge().GetValue(); got != 2 {
		t.Fatalf("expected lost keys 2, got %v", got)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveCache(CacheOperationGet, CacheMiss, time.Millisecond)
	rec.SetCacheUsage(1, 1)
	rec.SetQueueDepth(1)
	rec.ObserveRecovery("failed", time.Second, 0)
	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 503 {
		t.Fatalf("expected 503 from nil recorder, got %d", rr.Code)
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	rec.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200 response, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected response body")
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
