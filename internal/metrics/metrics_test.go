package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestProviderCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(ProviderRequestsTotal.WithLabelValues("openai", "default", "success"))
	ProviderRequestsTotal.WithLabelValues("openai", "default", "success").Inc()
	after := testutil.ToFloat64(ProviderRequestsTotal.WithLabelValues("openai", "default", "success"))

	if after != before+1 {
		t.Errorf("expected counter to increase by 1, went from %v to %v", before, after)
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	ActiveSessions.Set(0)
	ActiveSessions.Inc()
	ActiveSessions.Inc()
	ActiveSessions.Dec()

	if got := testutil.ToFloat64(ActiveSessions); got != 1 {
		t.Errorf("expected gauge value 1, got %v", got)
	}
}
