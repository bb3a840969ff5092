package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestPromBridge_ExposesSnapshot(t *testing.T) {
	snap := Snapshot{
		WorkersCreated:    3,
		WorkersRetired:    1,
		TotalRequests:     42,
		ActiveWorkers:     2,
		AvgResponseTimeMs: 12.5,
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(NewPromBridge(func() Snapshot { return snap }))

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	values := make(map[string]float64, len(families))
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[mf.GetName()] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}

	checks := map[string]float64{
		"buntime_workers_created_total": 3,
		"buntime_workers_retired_total": 1,
		"buntime_requests_total":        42,
		"buntime_active_workers":        2,
		"buntime_avg_response_time_ms":  12.5,
	}
	for name, want := range checks {
		got, ok := values[name]
		if !ok {
			t.Errorf("metric %s missing from exposition", name)
			continue
		}
		if got != want {
			t.Errorf("%s = %v, want %v", name, got, want)
		}
	}
}
