package loopguard

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jshapland/galley/internal/flow/stage"
)

// Defaults for the execution guards.
const (
	DefaultMethodCap    = 50
	DefaultStageCap     = 10
	DefaultRunCap       = 30 * time.Minute
	DefaultLogWindow    = 60 * time.Minute
	DefaultDetectWindow = 5 * time.Minute
	DefaultDetectEvery  = 30 * time.Second

	DefaultRepetitionThreshold = 20
	DefaultRepetitionHigh      = 50
	DefaultOscillationHigh     = 10
	DefaultOscillationCritical = 20
)

// ErrLoopPrevention matches every guard refusal via errors.Is.
var ErrLoopPrevention = errors.New("loop prevention")

// Violation kinds.
const (
	KindEmergencyStop = "emergency_stop"
	KindRunTimeCap    = "run_time_cap"
	KindMethodCap     = "method_cap"
	KindStageCap      = "stage_cap"
	KindBlockedMethod = "blocked_method"
	KindBlockedStage  = "blocked_stage"
)

// ViolationError reports why an invocation was refused.
type ViolationError struct {
	Kind   string
	Method string
	Stage  stage.Stage
	Count  int
	Limit  int
	Reason string
}

func (e *ViolationError) Error() string {
	switch e.Kind {
	case KindEmergencyStop:
		return fmt.Sprintf("loop prevention: emergency stop active: %s", e.Reason)
	case KindRunTimeCap:
		return fmt.Sprintf("loop prevention: run exceeded time cap (%s)", e.Reason)
	case KindMethodCap:
		return fmt.Sprintf("loop prevention: method %s invoked %d times (limit %d)", e.Method, e.Count, e.Limit)
	case KindStageCap:
		return fmt.Sprintf("loop prevention: stage %s entered %d times in window (limit %d)", e.Stage, e.Count, e.Limit)
	case KindBlockedMethod:
		return fmt.Sprintf("loop prevention: method %s is block-listed", e.Method)
	case KindBlockedStage:
		return fmt.Sprintf("loop prevention: stage %s is block-listed", e.Stage)
	default:
		return fmt.Sprintf("loop prevention: %s", e.Reason)
	}
}

func (e *ViolationError) Is(target error) bool { return target == ErrLoopPrevention }

// Pattern types and severities.
type PatternType string

const (
	PatternRepetition  PatternType = "repetition"
	PatternCycle       PatternType = "cycle"
	PatternOscillation PatternType = "stage_oscillation"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// Pattern is one detection result.
type Pattern struct {
	Type       PatternType `json:"type"`
	Severity   Severity    `json:"severity"`
	Method     string      `json:"method,omitempty"`
	Stage      stage.Stage `json:"stage,omitempty"`
	Count      int         `json:"count"`
	Window     string      `json:"window"`
	DetectedAt time.Time   `json:"detected_at"`
}

func (p Pattern) String() string {
	subject := p.Method
	if subject == "" {
		subject = string(p.Stage)
	}
	return fmt.Sprintf("%s(%s) x%d severity=%s", p.Type, subject, p.Count, p.Severity)
}

// Stats is the execution_guards block surfaced in status output.
type Stats struct {
	TotalInvocations int      `json:"total_invocations"`
	LoopViolations   int      `json:"loop_violation"`
	EmergencyStops   int      `json:"emergency_stops"`
	PatternsDetected int      `json:"patterns_detected"`
	BlockedMethods   []string `json:"blocked_methods,omitempty"`
	BlockedStages    []string `json:"blocked_stages,omitempty"`
	RunElapsedS      float64  `json:"run_elapsed_s"`
}

type record struct {
	ts     time.Time
	method string
	stage  stage.Stage
}

// Config tunes a Guard. Zero values take defaults.
type Config struct {
	MethodCap    int
	StageCap     int
	RunCap       time.Duration
	LogWindow    time.Duration
	DetectWindow time.Duration
	DetectEvery  time.Duration

	RepetitionThreshold int
	RepetitionHigh      int
	OscillationHigh     int
	OscillationCritical int

	Clock     func() time.Time
	OnPattern func(Pattern)
	// OnEmergencyStop fires once per stop with the reason.
	OnEmergencyStop func(reason string)
}

// Guard is the per-run loop prevention system: hard invocation counters as
// the gate, plus a periodic pattern monitor feeding block-lists. All methods
// are safe for concurrent use.
type Guard struct {
	methodCap    int
	stageCap     int
	runCap       time.Duration
	logWindow    time.Duration
	detectWindow time.Duration
	detectEvery  time.Duration

	repThreshold int
	repHigh      int
	oscHigh      int
	oscCritical  int

	now       func() time.Time
	onPattern func(Pattern)
	onStop    func(string)

	mu             sync.Mutex
	startedAt      time.Time
	records        []record
	blockedMethods map[string]bool
	blockedStages  map[stage.Stage]bool
	stopped        bool
	stopReason     string
	stats          Stats
}

func New(cfg Config) *Guard {
	g := &Guard{
		methodCap:      DefaultMethodCap,
		stageCap:       DefaultStageCap,
		runCap:         DefaultRunCap,
		logWindow:      DefaultLogWindow,
		detectWindow:   DefaultDetectWindow,
		detectEvery:    DefaultDetectEvery,
		repThreshold:   DefaultRepetitionThreshold,
		repHigh:        DefaultRepetitionHigh,
		oscHigh:        DefaultOscillationHigh,
		oscCritical:    DefaultOscillationCritical,
		now:            func() time.Time { return time.Now().UTC() },
		blockedMethods: make(map[string]bool),
		blockedStages:  make(map[stage.Stage]bool),
	}
	if cfg.MethodCap > 0 {
		g.methodCap = cfg.MethodCap
	}
	if cfg.StageCap > 0 {
		g.stageCap = cfg.StageCap
	}
	if cfg.RunCap > 0 {
		g.runCap = cfg.RunCap
	}
	if cfg.LogWindow > 0 {
		g.logWindow = cfg.LogWindow
	}
	if cfg.DetectWindow > 0 {
		g.detectWindow = cfg.DetectWindow
	}
	if cfg.DetectEvery > 0 {
		g.detectEvery = cfg.DetectEvery
	}
	if cfg.RepetitionThreshold > 0 {
		g.repThreshold = cfg.RepetitionThreshold
	}
	if cfg.RepetitionHigh > 0 {
		g.repHigh = cfg.RepetitionHigh
	}
	if cfg.OscillationHigh > 0 {
		g.oscHigh = cfg.OscillationHigh
	}
	if cfg.OscillationCritical > 0 {
		g.oscCritical = cfg.OscillationCritical
	}
	if cfg.Clock != nil {
		g.now = cfg.Clock
	}
	g.onPattern = cfg.OnPattern
	g.onStop = cfg.OnEmergencyStop
	g.startedAt = g.now()
	return g
}

// Track is the gate: it must be called before every stage-handler invocation.
// A non-nil return means the invocation must not run and the engine should
// force the flow to a failed state.
func (g *Guard) Track(method string, st stage.Stage) error {
	g.mu.Lock()
	now := g.now()

	if g.stopped {
		reason := g.stopReason
		g.stats.LoopViolations++
		g.mu.Unlock()
		return &ViolationError{Kind: KindEmergencyStop, Method: method, Stage: st, Reason: reason}
	}
	if elapsed := now.Sub(g.startedAt); elapsed > g.runCap {
		g.stats.LoopViolations++
		reason := fmt.Sprintf("%s elapsed, cap %s", elapsed.Round(time.Second), g.runCap)
		stopFn := g.stopLocked(reason)
		g.mu.Unlock()
		if stopFn != nil {
			stopFn()
		}
		return &ViolationError{Kind: KindRunTimeCap, Method: method, Stage: st, Reason: reason}
	}
	if g.blockedMethods[method] {
		g.stats.LoopViolations++
		g.mu.Unlock()
		return &ViolationError{Kind: KindBlockedMethod, Method: method, Stage: st}
	}
	if g.blockedStages[st] {
		g.stats.LoopViolations++
		g.mu.Unlock()
		return &ViolationError{Kind: KindBlockedStage, Method: method, Stage: st}
	}

	g.trimLocked(now)
	g.records = append(g.records, record{ts: now, method: method, stage: st})
	g.stats.TotalInvocations++

	methodCount := 0
	stageCount := 0
	detectFrom := now.Add(-g.detectWindow)
	for _, r := range g.records {
		if r.method == method {
			methodCount++
		}
		if r.stage == st && !r.ts.Before(detectFrom) {
			stageCount++
		}
	}
	if methodCount > g.methodCap {
		g.stats.LoopViolations++
		g.mu.Unlock()
		return &ViolationError{Kind: KindMethodCap, Method: method, Stage: st, Count: methodCount, Limit: g.methodCap}
	}
	if stageCount > g.stageCap {
		g.stats.LoopViolations++
		g.mu.Unlock()
		return &ViolationError{Kind: KindStageCap, Method: method, Stage: st, Count: stageCount, Limit: g.stageCap}
	}
	g.mu.Unlock()
	return nil
}

// Detect scans the detection window for repetition, A-B-A cycles and stage
// oscillation. Critical patterns feed the block-lists so subsequent Track
// calls refuse the offender.
func (g *Guard) Detect() []Pattern {
	g.mu.Lock()
	now := g.now()
	g.trimLocked(now)
	from := now.Add(-g.detectWindow)

	methodCounts := make(map[string]int)
	stageCounts := make(map[stage.Stage]int)
	var windowed []record
	for _, r := range g.records {
		if r.ts.Before(from) {
			continue
		}
		windowed = append(windowed, r)
		methodCounts[r.method]++
		stageCounts[r.stage]++
	}

	var patterns []Pattern
	for _, method := range sortedKeys(methodCounts) {
		count := methodCounts[method]
		if count <= g.repThreshold {
			continue
		}
		sev := SeverityMedium
		if count > g.repHigh {
			sev = SeverityHigh
		}
		patterns = append(patterns, Pattern{
			Type: PatternRepetition, Severity: sev, Method: method,
			Count: count, Window: g.detectWindow.String(), DetectedAt: now,
		})
	}
	if n := len(windowed); n >= 3 {
		a, b, c := windowed[n-3], windowed[n-2], windowed[n-1]
		if a.method == c.method && a.method != b.method {
			patterns = append(patterns, Pattern{
				Type: PatternCycle, Severity: SeverityMedium, Method: a.method,
				Count: 3, Window: g.detectWindow.String(), DetectedAt: now,
			})
		}
	}
	for _, st := range stage.All() {
		count := stageCounts[st]
		if count <= g.oscHigh {
			continue
		}
		sev := SeverityHigh
		if count > g.oscCritical {
			sev = SeverityCritical
		}
		patterns = append(patterns, Pattern{
			Type: PatternOscillation, Severity: sev, Stage: st,
			Count: count, Window: g.detectWindow.String(), DetectedAt: now,
		})
	}

	g.stats.PatternsDetected += len(patterns)
	for _, p := range patterns {
		if p.Severity != SeverityCritical {
			continue
		}
		if p.Method != "" && !g.blockedMethods[p.Method] {
			g.blockedMethods[p.Method] = true
			g.stats.BlockedMethods = append(g.stats.BlockedMethods, p.Method)
		}
		if p.Stage != "" && !g.blockedStages[p.Stage] {
			g.blockedStages[p.Stage] = true
			g.stats.BlockedStages = append(g.stats.BlockedStages, string(p.Stage))
		}
	}
	cb := g.onPattern
	g.mu.Unlock()

	if cb != nil {
		for _, p := range patterns {
			cb(p)
		}
	}
	return patterns
}

// Run drives periodic detection until ctx is done. The engine starts this in
// its own goroutine; Track stays the synchronous gate.
func (g *Guard) Run(ctx context.Context) {
	ticker := time.NewTicker(g.detectEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Detect()
		}
	}
}

// EmergencyStop halts all tracked execution until Reset.
func (g *Guard) EmergencyStop(reason string) {
	g.mu.Lock()
	stopFn := g.stopLocked(reason)
	g.mu.Unlock()
	if stopFn != nil {
		stopFn()
	}
}

// stopLocked marks the stop and returns the callback to fire after unlock,
// or nil if already stopped.
func (g *Guard) stopLocked(reason string) func() {
	if g.stopped {
		return nil
	}
	g.stopped = true
	g.stopReason = reason
	g.stats.EmergencyStops++
	if g.onStop == nil {
		return nil
	}
	cb := g.onStop
	return func() { cb(reason) }
}

// Stopped reports whether the emergency stop is active and why.
func (g *Guard) Stopped() (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopped, g.stopReason
}

// Reset clears the emergency stop and the block-lists. Counters and the
// invocation log survive so a reset does not forgive an abusive run.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = false
	g.stopReason = ""
	g.blockedMethods = make(map[string]bool)
	g.blockedStages = make(map[stage.Stage]bool)
	g.stats.BlockedMethods = nil
	g.stats.BlockedStages = nil
}

// Stats returns a copy of the execution_guards block.
func (g *Guard) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.stats
	out.BlockedMethods = append([]string(nil), g.stats.BlockedMethods...)
	out.BlockedStages = append([]string(nil), g.stats.BlockedStages...)
	out.RunElapsedS = g.now().Sub(g.startedAt).Seconds()
	return out
}

// trimLocked drops records older than the log window.
func (g *Guard) trimLocked(now time.Time) {
	cutoff := now.Add(-g.logWindow)
	drop := 0
	for drop < len(g.records) && g.records[drop].ts.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		g.records = append([]record(nil), g.records[drop:]...)
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
