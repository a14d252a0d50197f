package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistryExposesMetrics(t *testing.T) {
	m := New()
	m.ConnectionsActive.Set(3)
	m.ConnectionsTotal.Inc()
	m.RecordFanout(FanoutExact, 5)
	m.RecordRetentionDeleted("orders.new", 2)
	m.RecordDispatch("subscribe", 0.002)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"jrow_connections_active 3",
		"jrow_connections_total 1",
		`jrow_publish_fanout_total{kind="exact"} 5`,
		`jrow_retention_deleted_total{topic="orders.new"} 2`,
		`jrow_dispatch_duration_seconds_count{method="subscribe"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestRecordFanoutIgnoresNonPositive(t *testing.T) {
	m := New()
	m.RecordFanout(FanoutPattern, 0)
	m.RecordFanout(FanoutPattern, -1)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if strings.Contains(rec.Body.String(), `jrow_publish_fanout_total{kind="pattern"}`) {
		t.Error("non-positive fanout should not create a series")
	}
}
