package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestServeRegistersMetrics(t *testing.T) {
	srv := Serve("127.0.0.1:0")
	defer srv.Close()

	DecisionsTotal.WithLabelValues("EUR_USD", "long").Inc()

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "fxbot_decisions_total" {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("fxbot_decisions_total metric not found")
	}
}

func TestSetHalted(t *testing.T) {
	SetHalted(true)
	if v := testutil.ToFloat64(TradingHalted); v != 1 {
		t.Errorf("Expected 1, got %f", v)
	}
	SetHalted(false)
	if v := testutil.ToFloat64(TradingHalted); v != 0 {
		t.Errorf("Expected 0, got %f", v)
	}
}

func TestAdmissionsCounter(t *testing.T) {
	before := testutil.ToFloat64(AdmissionsTotal.WithLabelValues("denied", "spread too wide"))
	AdmissionsTotal.WithLabelValues("denied", "spread too wide").Inc()
	if got := testutil.ToFloat64(AdmissionsTotal.WithLabelValues("denied", "spread too wide")); got != before+1 {
		t.Errorf("Expected %f, got %f", before+1, got)
	}
}
