package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusBridgeExposesSnapshot(t *testing.T) {
	clk := newFakeClock()
	c := NewCollector(Config{Clock: clk.now})
	c.FlowStarted()
	c.Record(KPIStageOutcome, 1)
	c.Record(KPIStageOutcome, 1)
	c.Record(KPIStageOutcome, 0)

	bridge := NewPrometheusBridge(c)
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(bridge); err != nil {
		t.Fatalf("register bridge: %v", err)
	}

	if got := testutil.CollectAndCount(bridge); got != 13 {
		t.Fatalf("bridge exposed %d metrics, want 13", got)
	}
	expected := strings.NewReader(`
# HELP galley_active_flows Flows currently executing.
# TYPE galley_active_flows gauge
galley_active_flows 1
`)
	if err := testutil.GatherAndCompare(reg, expected, "galley_active_flows"); err != nil {
		t.Fatalf("queue gauge mismatch: %v", err)
	}
}
