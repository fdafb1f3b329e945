package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNew_RecordsObservations(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RequestLatency.WithLabelValues("gpt-4o").Observe(120)
	m.ActiveHTTPCalls.Inc()
	m.RatelimitedRequests.WithLabelValues("gpt-4o").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gathering metrics: %v", err)
	}

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"archgw_request_latency_ms",
		"archgw_active_http_calls",
		"archgw_ratelimited_requests_total",
	} {
		if !names[want] {
			t.Errorf("missing metric family %q in %v", want, names)
		}
	}
}

func TestActiveHTTPCalls_IncDec(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ActiveHTTPCalls.Inc()
	m.ActiveHTTPCalls.Inc()
	m.ActiveHTTPCalls.Dec()

	var out dto.Metric
	if err := m.ActiveHTTPCalls.Write(&out); err != nil {
		t.Fatalf("writing gauge: %v", err)
	}
	if got := out.GetGauge().GetValue(); got != 1 {
		t.Errorf("active_http_calls = %v, want 1", got)
	}
}
