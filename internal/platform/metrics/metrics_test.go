package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Transition("given")
	m.GateBlocked("major_interaction")
	m.SafetyCheck("clear")
	m.Shortfall(3)
	m.StockCommit("ok")
	m.RecallInitiated()
	m.RecallTraced(1, 2)
	m.Notification("sent")
	m.EventPublished("recall.initiated", "ok")
	m.BreakerState("allergy", 2)
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Transition("given")
	m.Transition("given")
	m.Transition("held")
	m.Shortfall(5)
	m.Shortfall(0)

	if got := testutil.ToFloat64(m.MARTransitions.WithLabelValues("given")); got != 2 {
		t.Errorf("expected 2 given transitions, got %v", got)
	}
	if got := testutil.ToFloat64(m.AllocationShortfall); got != 5 {
		t.Errorf("expected shortfall 5, got %v", got)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RecallInitiated()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "recalls_initiated_total 1") {
		t.Errorf("expected recalls_initiated_total in output:\n%s", body)
	}
}
