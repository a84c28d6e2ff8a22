// Package metrics is the engine's KPI fabric: a thread-safe collector with
// bounded per-KPI histories, a snapshot calculator, durable sample storage
// and an optional Prometheus bridge.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// Canonical KPI names. The collector accepts arbitrary names; these are the
// ones the engine records and the snapshot derives from.
const (
	KPICPUUsage      = "cpu_usage"
	KPIMemoryUsage   = "memory_usage_mb"
	KPIExecutionTime = "execution_time_s"
	KPIStageDuration = "stage_duration_s"
	KPIStageOutcome  = "stage_outcome"  // 1 success, 0 failure
	KPIFlowOutcome   = "flow_outcome"   // 1 success, 0 failure
	KPIRetryCount    = "retry_count"
	KPIReviewElapsed = "review_elapsed_s"
)

const (
	// DefaultHistory bounds each KPI ring buffer.
	DefaultHistory = 1000
	// DefaultWindow is the moving window for rate KPIs.
	DefaultWindow = 300 * time.Second
	// DefaultSnapshotTTL caches CurrentKPIs between recomputations.
	DefaultSnapshotTTL = time.Second
)

// Sample is one recorded observation.
type Sample struct {
	KPI    string    `json:"kpi"`
	Value  float64   `json:"value"`
	Stage  string    `json:"stage,omitempty"`
	FlowID string    `json:"flow_id,omitempty"`
	TS     time.Time `json:"ts"`
}

// RecordOption attaches context to a sample.
type RecordOption func(*Sample)

func WithStage(stage string) RecordOption {
	return func(s *Sample) { s.Stage = stage }
}

func WithFlow(flowID string) RecordOption {
	return func(s *Sample) { s.FlowID = flowID }
}

func WithTimestamp(ts time.Time) RecordOption {
	return func(s *Sample) { s.TS = ts }
}

// ring is a fixed-capacity sample history.
type ring struct {
	buf  []Sample
	next int
	full bool
}

func newRing(n int) *ring { return &ring{buf: make([]Sample, n)} }

func (r *ring) add(s Sample) {
	r.buf[r.next] = s
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// chronological returns samples oldest-first.
func (r *ring) chronological() []Sample {
	if !r.full {
		return append([]Sample(nil), r.buf[:r.next]...)
	}
	out := make([]Sample, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// KPISnapshot is the computed view over the KPI histories.
type KPISnapshot struct {
	Timestamp          time.Time `json:"timestamp"`
	CPUPercent         float64   `json:"cpu_percent"`
	MemoryMB           float64   `json:"memory_mb"`
	AvgExecutionTimeS  float64   `json:"avg_execution_time_s"`
	P95ExecutionTimeS  float64   `json:"p95_execution_time_s"`
	P99ExecutionTimeS  float64   `json:"p99_execution_time_s"`
	SuccessRate        float64   `json:"success_rate"`
	CompletionRate     float64   `json:"completion_rate"`
	ErrorRate          float64   `json:"error_rate"`
	ThroughputPerS     float64   `json:"throughput_per_s"`
	QueueSize          int       `json:"queue_size"`
	FlowEfficiency     float64   `json:"flow_efficiency"`
	ResourceEfficiency float64   `json:"resource_efficiency"`
	AvgStageDurationS  float64   `json:"avg_stage_duration_s"`
}

// Config tunes a Collector. Zero values take defaults.
type Config struct {
	History     int
	Window      time.Duration
	SnapshotTTL time.Duration
	Clock       func() time.Time
	// Sink receives every sample after buffering, typically a Store.
	Sink func(Sample)
	// OnRecord fires synchronously on each record; the alert manager hooks
	// in here. Must be fast and must not call back into the collector.
	OnRecord func(Sample)
}

// Collector is the KPI sink. All methods are safe for concurrent use.
type Collector struct {
	history     int
	window      time.Duration
	snapshotTTL time.Duration
	now         func() time.Time
	sink        func(Sample)
	onRecord    func(Sample)

	mu          sync.Mutex
	rings       map[string]*ring
	activeFlows int
	firstStart  time.Time
	lastEnd     time.Time

	snapMu    sync.Mutex
	lastSnap  KPISnapshot
	snapTaken time.Time

	sys systemSampler
}

func NewCollector(cfg Config) *Collector {
	c := &Collector{
		history:     DefaultHistory,
		window:      DefaultWindow,
		snapshotTTL: DefaultSnapshotTTL,
		now:         func() time.Time { return time.Now().UTC() },
		rings:       make(map[string]*ring),
	}
	if cfg.History > 0 {
		c.history = cfg.History
	}
	if cfg.Window > 0 {
		c.window = cfg.Window
	}
	if cfg.SnapshotTTL > 0 {
		c.snapshotTTL = cfg.SnapshotTTL
	}
	if cfg.Clock != nil {
		c.now = cfg.Clock
	}
	c.sink = cfg.Sink
	c.onRecord = cfg.OnRecord
	return c
}

// Record stores one observation.
func (c *Collector) Record(kpi string, value float64, opts ...RecordOption) {
	s := Sample{KPI: kpi, Value: value, TS: c.now()}
	for _, opt := range opts {
		opt(&s)
	}
	c.mu.Lock()
	r, ok := c.rings[kpi]
	if !ok {
		r = newRing(c.history)
		c.rings[kpi] = r
	}
	r.add(s)
	c.mu.Unlock()

	if c.onRecord != nil {
		c.onRecord(s)
	}
	if c.sink != nil {
		c.sink(s)
	}
}

// RecordBatch stores many observations with one lock acquisition per sample
// group; sink and hooks still fire per sample.
func (c *Collector) RecordBatch(samples []Sample) {
	now := c.now()
	c.mu.Lock()
	for i := range samples {
		if samples[i].TS.IsZero() {
			samples[i].TS = now
		}
		r, ok := c.rings[samples[i].KPI]
		if !ok {
			r = newRing(c.history)
			c.rings[samples[i].KPI] = r
		}
		r.add(samples[i])
	}
	c.mu.Unlock()

	for _, s := range samples {
		if c.onRecord != nil {
			c.onRecord(s)
		}
		if c.sink != nil {
			c.sink(s)
		}
	}
}

// FlowStarted marks a run active; the queue size gauge and the wall-clock
// throughput span derive from these marks.
func (c *Collector) FlowStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeFlows++
	if c.firstStart.IsZero() {
		c.firstStart = c.now()
	}
}

// FlowEnded marks a run finished.
func (c *Collector) FlowEnded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeFlows > 0 {
		c.activeFlows--
	}
	c.lastEnd = c.now()
}

// ActiveFlows reports the current queue size.
func (c *Collector) ActiveFlows() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeFlows
}

// History returns a copy of the KPI's retained samples, oldest first.
func (c *Collector) History(kpi string) []Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rings[kpi]
	if !ok {
		return nil
	}
	return r.chronological()
}

// CurrentKPIs computes the snapshot. Unless force is set, a snapshot younger
// than the TTL is served from cache.
func (c *Collector) CurrentKPIs(force bool) KPISnapshot {
	now := c.now()
	c.snapMu.Lock()
	if !force && !c.snapTaken.IsZero() && now.Sub(c.snapTaken) < c.snapshotTTL {
		snap := c.lastSnap
		c.snapMu.Unlock()
		return snap
	}
	c.snapMu.Unlock()

	snap := c.computeSnapshot(now)

	c.snapMu.Lock()
	c.lastSnap = snap
	c.snapTaken = now
	c.snapMu.Unlock()
	return snap
}

func (c *Collector) computeSnapshot(now time.Time) KPISnapshot {
	c.mu.Lock()
	windowFrom := now.Add(-c.window)
	exec := c.windowValuesLocked(KPIExecutionTime, windowFrom)
	stageDur := c.windowValuesLocked(KPIStageDuration, windowFrom)
	stageOut := c.windowValuesLocked(KPIStageOutcome, windowFrom)
	flowOut := c.windowSamplesLocked(KPIFlowOutcome, windowFrom)
	cpu := c.latestLocked(KPICPUUsage)
	mem := c.latestLocked(KPIMemoryUsage)
	active := c.activeFlows
	firstStart, lastEnd := c.firstStart, c.lastEnd
	c.mu.Unlock()

	snap := KPISnapshot{Timestamp: now, CPUPercent: cpu, MemoryMB: mem, QueueSize: active}

	snap.AvgExecutionTimeS = mean(exec)
	snap.P95ExecutionTimeS = percentile(exec, 0.95)
	snap.P99ExecutionTimeS = percentile(exec, 0.99)
	snap.AvgStageDurationS = mean(stageDur)

	if len(stageOut) > 0 {
		ok := 0.0
		for _, v := range stageOut {
			if v > 0 {
				ok++
			}
		}
		snap.SuccessRate = ok / float64(len(stageOut))
		snap.ErrorRate = 1 - snap.SuccessRate
		snap.FlowEfficiency = snap.SuccessRate
	}
	if len(flowOut) > 0 {
		ok := 0.0
		for _, s := range flowOut {
			if s.Value > 0 {
				ok++
			}
		}
		snap.CompletionRate = ok / float64(len(flowOut))
	}

	// Throughput denominator precedence: wall-clock span from the flow
	// lifecycle marks, else the observed sample span, else the window.
	if n := len(flowOut); n > 0 {
		span := 0.0
		switch {
		case !firstStart.IsZero() && !lastEnd.IsZero() && lastEnd.After(firstStart):
			span = lastEnd.Sub(firstStart).Seconds()
		case n >= 2:
			span = flowOut[n-1].TS.Sub(flowOut[0].TS).Seconds()
		}
		if span <= 0 {
			span = c.window.Seconds()
		}
		snap.ThroughputPerS = float64(n) / span
	}

	if denom := (snap.CPUPercent/100 + snap.MemoryMB/1024) / 2; denom > 0 {
		snap.ResourceEfficiency = snap.ThroughputPerS / denom
	}
	return snap
}

func (c *Collector) windowSamplesLocked(kpi string, from time.Time) []Sample {
	r, ok := c.rings[kpi]
	if !ok {
		return nil
	}
	all := r.chronological()
	i := 0
	for i < len(all) && all[i].TS.Before(from) {
		i++
	}
	return all[i:]
}

func (c *Collector) windowValuesLocked(kpi string, from time.Time) []float64 {
	samples := c.windowSamplesLocked(kpi, from)
	if len(samples) == 0 {
		return nil
	}
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Value
	}
	return out
}

func (c *Collector) latestLocked(kpi string) float64 {
	r, ok := c.rings[kpi]
	if !ok {
		return 0
	}
	all := r.chronological()
	if len(all) == 0 {
		return 0
	}
	return all[len(all)-1].Value
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// percentile uses the nearest-rank method on a sorted copy.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	rank := int(float64(len(sorted))*p+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
