package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusBridge exposes the collector's KPI snapshot as a
// prometheus.Collector. It never samples on its own: every scrape reads the
// cached snapshot (forcing recomputation only when the TTL lapsed).
type PrometheusBridge struct {
	src *Collector

	cpu         *prometheus.Desc
	memory      *prometheus.Desc
	avgExec     *prometheus.Desc
	p95Exec     *prometheus.Desc
	p99Exec     *prometheus.Desc
	successRate *prometheus.Desc
	completion  *prometheus.Desc
	errorRate   *prometheus.Desc
	throughput  *prometheus.Desc
	queueSize   *prometheus.Desc
	flowEff     *prometheus.Desc
	resourceEff *prometheus.Desc
	avgStage    *prometheus.Desc
}

func NewPrometheusBridge(src *Collector) *PrometheusBridge {
	d := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("galley_"+name, help, nil, nil)
	}
	return &PrometheusBridge{
		src:         src,
		cpu:         d("cpu_percent", "Process CPU usage percent."),
		memory:      d("memory_mb", "Process resident memory in MB."),
		avgExec:     d("execution_time_avg_seconds", "Mean flow execution time over the moving window."),
		p95Exec:     d("execution_time_p95_seconds", "P95 flow execution time over the moving window."),
		p99Exec:     d("execution_time_p99_seconds", "P99 flow execution time over the moving window."),
		successRate: d("stage_success_rate", "Fraction of stage executions that succeeded."),
		completion:  d("flow_completion_rate", "Fraction of flows that completed successfully."),
		errorRate:   d("stage_error_rate", "Fraction of stage executions that failed."),
		throughput:  d("flow_throughput_per_second", "Completed flows per second over the observed span."),
		queueSize:   d("active_flows", "Flows currently executing."),
		flowEff:     d("flow_efficiency", "Successful stages over total stages."),
		resourceEff: d("resource_efficiency", "Throughput per unit of normalized CPU+memory."),
		avgStage:    d("stage_duration_avg_seconds", "Mean stage duration over the moving window."),
	}
}

func (b *PrometheusBridge) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range b.descs() {
		ch <- d
	}
}

func (b *PrometheusBridge) Collect(ch chan<- prometheus.Metric) {
	snap := b.src.CurrentKPIs(false)
	g := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	g(b.cpu, snap.CPUPercent)
	g(b.memory, snap.MemoryMB)
	g(b.avgExec, snap.AvgExecutionTimeS)
	g(b.p95Exec, snap.P95ExecutionTimeS)
	g(b.p99Exec, snap.P99ExecutionTimeS)
	g(b.successRate, snap.SuccessRate)
	g(b.completion, snap.CompletionRate)
	g(b.errorRate, snap.ErrorRate)
	g(b.throughput, snap.ThroughputPerS)
	g(b.queueSize, float64(snap.QueueSize))
	g(b.flowEff, snap.FlowEfficiency)
	g(b.resourceEff, snap.ResourceEfficiency)
	g(b.avgStage, snap.AvgStageDurationS)
}

func (b *PrometheusBridge) descs() []*prometheus.Desc {
	return []*prometheus.Desc{
		b.cpu, b.memory, b.avgExec, b.p95Exec, b.p99Exec, b.successRate,
		b.completion, b.errorRate, b.throughput, b.queueSize, b.flowEff,
		b.resourceEff, b.avgStage,
	}
}
