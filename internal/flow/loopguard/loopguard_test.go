package loopguard

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jshapland/galley/internal/flow/stage"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestMethodCapRefusesInvocation(t *testing.T) {
	clk := newFakeClock()
	g := New(Config{MethodCap: 5, Clock: clk.now})

	stages := stage.All()
	for i := 0; i < 5; i++ {
		clk.advance(time.Second)
		if err := g.Track("GenerateDraft", stages[i%len(stages)]); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	clk.advance(time.Second)
	err := g.Track("GenerateDraft", stage.Finalized)
	var ve *ViolationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want *ViolationError", err)
	}
	if ve.Kind != KindMethodCap || ve.Count != 6 || ve.Limit != 5 {
		t.Fatalf("violation = %+v, want method cap 6/5", ve)
	}
	if !errors.Is(err, ErrLoopPrevention) {
		t.Fatalf("violation does not match ErrLoopPrevention: %v", err)
	}
}

func TestStageCapAndOscillationDetection(t *testing.T) {
	clk := newFakeClock()
	g := New(Config{Clock: clk.now})

	// Eleven draft entries inside the detection window trip the cap of 10.
	var err error
	for i := 0; i < 11; i++ {
		clk.advance(time.Second)
		err = g.Track("GenerateDraft", stage.DraftGeneration)
		if i < 10 && err != nil {
			t.Fatalf("entry %d: %v", i, err)
		}
	}
	var ve *ViolationError
	if !errors.As(err, &ve) || ve.Kind != KindStageCap {
		t.Fatalf("err = %v, want stage cap violation", err)
	}
	if ve.Count != 11 || ve.Limit != 10 {
		t.Fatalf("violation = %+v, want 11/10", ve)
	}
	if got := g.Stats().LoopViolations; got != 1 {
		t.Fatalf("loop violations = %d, want 1", got)
	}

	patterns := g.Detect()
	var osc *Pattern
	for i := range patterns {
		if patterns[i].Type == PatternOscillation && patterns[i].Stage == stage.DraftGeneration {
			osc = &patterns[i]
		}
	}
	if osc == nil {
		t.Fatalf("patterns = %v, want stage_oscillation for draft_generation", patterns)
	}
	if !osc.Severity.AtLeast(SeverityHigh) {
		t.Fatalf("oscillation severity = %s, want at least high", osc.Severity)
	}
	if osc.Count != 11 {
		t.Fatalf("oscillation count = %d, want 11", osc.Count)
	}
}

func TestStageCapCountsOnlyTheWindow(t *testing.T) {
	clk := newFakeClock()
	g := New(Config{Clock: clk.now})

	for i := 0; i < 10; i++ {
		clk.advance(time.Second)
		if err := g.Track("GenerateDraft", stage.DraftGeneration); err != nil {
			t.Fatalf("entry %d: %v", i, err)
		}
	}
	// Push the earlier entries out of the 5 minute detection window.
	clk.advance(6 * time.Minute)
	if err := g.Track("GenerateDraft", stage.DraftGeneration); err != nil {
		t.Fatalf("entry after window: %v", err)
	}
}

func TestRunTimeCapTriggersEmergencyStop(t *testing.T) {
	clk := newFakeClock()
	var stops []string
	g := New(Config{
		RunCap:          10 * time.Minute,
		Clock:           clk.now,
		OnEmergencyStop: func(reason string) { stops = append(stops, reason) },
	})

	if err := g.Track("ValidateInput", stage.InputValidation); err != nil {
		t.Fatalf("first call: %v", err)
	}
	clk.advance(11 * time.Minute)
	err := g.Track("GenerateDraft", stage.DraftGeneration)
	var ve *ViolationError
	if !errors.As(err, &ve) || ve.Kind != KindRunTimeCap {
		t.Fatalf("err = %v, want run time cap violation", err)
	}
	if len(stops) != 1 {
		t.Fatalf("stop callbacks = %d, want 1", len(stops))
	}

	// The stop is sticky: later calls fail with emergency_stop until Reset.
	err = g.Track("ValidateStyle", stage.StyleValidation)
	if !errors.As(err, &ve) || ve.Kind != KindEmergencyStop {
		t.Fatalf("err = %v, want emergency stop violation", err)
	}
	stopped, reason := g.Stopped()
	if !stopped || reason == "" {
		t.Fatalf("Stopped() = (%v, %q), want active with reason", stopped, reason)
	}

	g.Reset()
	if err := g.Track("ValidateStyle", stage.StyleValidation); err != nil {
		t.Fatalf("post-reset call: %v", err)
	}
}

func TestDetectRepetitionSeverity(t *testing.T) {
	clk := newFakeClock()
	g := New(Config{MethodCap: 100, Clock: clk.now})

	stages := stage.All()
	for i := 0; i < 21; i++ {
		clk.advance(time.Second)
		if err := g.Track("FetchSources", stages[i%len(stages)]); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	patterns := g.Detect()
	rep := findPattern(patterns, PatternRepetition, "FetchSources")
	if rep == nil {
		t.Fatalf("patterns = %v, want repetition for FetchSources", patterns)
	}
	if rep.Severity != SeverityMedium {
		t.Fatalf("severity at 21 calls = %s, want medium", rep.Severity)
	}

	for i := 0; i < 30; i++ {
		clk.advance(time.Second)
		if err := g.Track("FetchSources", stages[i%len(stages)]); err != nil {
			t.Fatalf("call %d: %v", 21+i, err)
		}
	}
	patterns = g.Detect()
	rep = findPattern(patterns, PatternRepetition, "FetchSources")
	if rep == nil || rep.Severity != SeverityHigh {
		t.Fatalf("severity at 51 calls = %v, want high", rep)
	}
}

func TestDetectCycleABA(t *testing.T) {
	clk := newFakeClock()
	g := New(Config{Clock: clk.now})

	clk.advance(time.Second)
	g.Track("GenerateDraft", stage.DraftGeneration)
	clk.advance(time.Second)
	g.Track("ValidateStyle", stage.StyleValidation)
	clk.advance(time.Second)
	g.Track("GenerateDraft", stage.DraftGeneration)

	patterns := g.Detect()
	cyc := findPattern(patterns, PatternCycle, "GenerateDraft")
	if cyc == nil {
		t.Fatalf("patterns = %v, want cycle for GenerateDraft", patterns)
	}
	if cyc.Severity != SeverityMedium {
		t.Fatalf("cycle severity = %s, want medium", cyc.Severity)
	}
}

func TestCriticalOscillationBlocksStage(t *testing.T) {
	clk := newFakeClock()
	var seen []Pattern
	g := New(Config{
		StageCap:  100,
		MethodCap: 100,
		Clock:     clk.now,
		OnPattern: func(p Pattern) { seen = append(seen, p) },
	})

	for i := 0; i < 21; i++ {
		clk.advance(time.Second)
		if err := g.Track("GenerateDraft", stage.DraftGeneration); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	patterns := g.Detect()
	osc := findPatternStage(patterns, PatternOscillation, stage.DraftGeneration)
	if osc == nil || osc.Severity != SeverityCritical {
		t.Fatalf("patterns = %v, want critical oscillation", patterns)
	}
	if len(seen) == 0 {
		t.Fatal("OnPattern was not called")
	}

	// The stage is now block-listed.
	err := g.Track("GenerateDraft", stage.DraftGeneration)
	var ve *ViolationError
	if !errors.As(err, &ve) || ve.Kind != KindBlockedStage {
		t.Fatalf("err = %v, want blocked stage violation", err)
	}
	stats := g.Stats()
	if len(stats.BlockedStages) != 1 || stats.BlockedStages[0] != "draft_generation" {
		t.Fatalf("blocked stages = %v, want [draft_generation]", stats.BlockedStages)
	}
	if stopped, _ := g.Stopped(); stopped {
		t.Fatal("block-listing should not trip the emergency stop")
	}
}

func TestStatsCountsInvocations(t *testing.T) {
	clk := newFakeClock()
	g := New(Config{Clock: clk.now})

	clk.advance(time.Second)
	g.Track("ValidateInput", stage.InputValidation)
	clk.advance(time.Second)
	g.Track("AlignAudience", stage.AudienceAlign)
	clk.advance(time.Minute)

	stats := g.Stats()
	if stats.TotalInvocations != 2 {
		t.Fatalf("total invocations = %d, want 2", stats.TotalInvocations)
	}
	if stats.RunElapsedS < 62 || stats.RunElapsedS > 63 {
		t.Fatalf("run elapsed = %v, want about 62s", stats.RunElapsedS)
	}
}

func findPattern(patterns []Pattern, pt PatternType, method string) *Pattern {
	for i := range patterns {
		if patterns[i].Type == pt && patterns[i].Method == method {
			return &patterns[i]
		}
	}
	return nil
}

func findPatternStage(patterns []Pattern, pt PatternType, st stage.Stage) *Pattern {
	for i := range patterns {
		if patterns[i].Type == pt && patterns[i].Stage == st {
			return &patterns[i]
		}
	}
	return nil
}
