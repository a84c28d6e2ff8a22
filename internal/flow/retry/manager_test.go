package retry

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jshapland/galley/internal/flow/breaker"
	"github.com/jshapland/galley/internal/flow/stage"
)

func TestShouldRetryConsumesBudget(t *testing.T) {
	m := NewManager(Config{})

	// Draft generation has a budget of 3 retries. Vary the wording so each
	// failure carries a distinct signature and only the budget binds.
	words := []string{"alpha", "beta", "gamma", "delta"}
	for attempt := 0; attempt < 3; attempt++ {
		err := errors.New("draft body is a placeholder " + words[attempt])
		d := m.ShouldRetry(stage.DraftGeneration, err, attempt)
		if !d.Retry {
			t.Fatalf("attempt %d: refused (%s), want retry", attempt, d.Reason)
		}
		if d.Class != ClassContentQuality {
			t.Fatalf("attempt %d: class = %q, want %q", attempt, d.Class, ClassContentQuality)
		}
	}
	err := errors.New("draft body is a placeholder " + words[3])
	d := m.ShouldRetry(stage.DraftGeneration, err, 3)
	if d.Retry {
		t.Fatal("attempt 3 retried, want budget refusal")
	}
	if !strings.Contains(d.Reason, "budget") {
		t.Fatalf("refusal reason = %q, want budget mention", d.Reason)
	}
}

func TestStyleBudgetBindsAtTwoRetries(t *testing.T) {
	m := NewManager(Config{})
	fail := errors.New("style violation: sentence 12 uses banned phrase 0xdeadbeef11")

	d1 := m.ShouldRetry(stage.StyleValidation, fail, 0)
	if !d1.Retry || d1.Repeats != 1 {
		t.Fatalf("first failure: retry=%v repeats=%d (%s)", d1.Retry, d1.Repeats, d1.Reason)
	}
	d2 := m.ShouldRetry(stage.StyleValidation, fail, 1)
	if !d2.Retry || d2.Repeats != 2 {
		t.Fatalf("second failure: retry=%v repeats=%d (%s)", d2.Retry, d2.Repeats, d2.Reason)
	}
	d3 := m.ShouldRetry(stage.StyleValidation, fail, 2)
	if d3.Retry {
		t.Fatal("third failure retried, want refusal at the style budget of 2")
	}
	if !strings.Contains(d3.Reason, "budget") {
		t.Fatalf("refusal reason = %q, want budget mention", d3.Reason)
	}
}

func TestSignatureCollapsesVolatileTokens(t *testing.T) {
	m := NewManager(Config{})
	a := errors.New("quality score 0.42 below floor for run f00dfeedbead01")
	b := errors.New("quality score   0.57 below floor for run aa12bb34cc56dd")

	sigA := m.Signature(stage.QualityCheck, ClassQualityError, a)
	sigB := m.Signature(stage.QualityCheck, ClassQualityError, b)
	if sigA != sigB {
		t.Fatalf("signatures differ:\n  %s\n  %s", sigA, sigB)
	}
	if !strings.Contains(sigA, "<n>") || !strings.Contains(sigA, "<hex>") {
		t.Fatalf("signature did not mask volatile tokens: %s", sigA)
	}

	d1 := m.ShouldRetry(stage.QualityCheck, a, 0)
	if !d1.Retry {
		t.Fatalf("first quality failure refused: %s", d1.Reason)
	}
	d2 := m.ShouldRetry(stage.QualityCheck, b, 1)
	if !d2.Retry {
		t.Fatalf("second quality failure refused: %s", d2.Reason)
	}
	if d2.Repeats != 2 {
		t.Fatalf("differently-worded failures did not share a signature: repeats = %d, want 2", d2.Repeats)
	}
}

func TestRepeatLimitRefusesBeforeBudget(t *testing.T) {
	m := NewManager(Config{MaxRetries: map[stage.Stage]int{stage.DraftGeneration: 10}})
	fail := errors.New("draft body is a placeholder")

	for attempt := 0; attempt < 2; attempt++ {
		if d := m.ShouldRetry(stage.DraftGeneration, fail, attempt); !d.Retry {
			t.Fatalf("attempt %d refused early: %s", attempt, d.Reason)
		}
	}
	d := m.ShouldRetry(stage.DraftGeneration, fail, 2)
	if d.Retry {
		t.Fatal("third identical failure retried, want repeat refusal")
	}
	if !strings.Contains(d.Reason, "repeated") {
		t.Fatalf("refusal reason = %q, want repeat mention", d.Reason)
	}
	if d.Repeats != 3 {
		t.Fatalf("repeats = %d, want 3", d.Repeats)
	}
}

func TestCircuitRejectionNeverRetried(t *testing.T) {
	m := NewManager(Config{AllowAny: map[stage.Stage]bool{stage.DraftGeneration: true}})
	err := fmt.Errorf("dispatch: %w", &breaker.OpenError{Name: "draft_generation", RetryAfter: time.Minute})

	d := m.ShouldRetry(stage.DraftGeneration, err, 0)
	if d.Retry {
		t.Fatal("breaker rejection retried, want refusal")
	}
	if d.Class != ClassCircuitOpen {
		t.Fatalf("class = %q, want %q", d.Class, ClassCircuitOpen)
	}
}

func TestUnknownClassNeedsAllowAny(t *testing.T) {
	strict := NewManager(Config{})
	loose := NewManager(Config{AllowAny: map[stage.Stage]bool{stage.DraftGeneration: true}})
	err := errors.New("some novel failure")

	if d := strict.ShouldRetry(stage.DraftGeneration, err, 0); d.Retry {
		t.Fatal("unknown class retried without allow-any")
	}
	if d := loose.ShouldRetry(stage.DraftGeneration, err, 0); !d.Retry {
		t.Fatalf("unknown class refused with allow-any: %s", d.Reason)
	}
}

func TestDelaySchedule(t *testing.T) {
	m := NewManager(Config{})

	cases := []struct {
		st      stage.Stage
		attempt int
		want    time.Duration
	}{
		{stage.Research, 1, 500 * time.Millisecond},
		{stage.Research, 2, time.Second},
		{stage.Research, 3, 2 * time.Second},
		{stage.Research, 7, 30 * time.Second}, // 32s capped at the global max
		{stage.DraftGeneration, 1, 500 * time.Millisecond},
		{stage.DraftGeneration, 5, 8 * time.Second},
		{stage.DraftGeneration, 6, 10 * time.Second}, // 16s capped at the draft max
	}
	for _, tc := range cases {
		got := m.Delay(tc.st, "seed", tc.attempt)
		if got != tc.want {
			t.Errorf("Delay(%s, attempt=%d) = %s, want %s", tc.st, tc.attempt, got, tc.want)
		}
	}
}

func TestJitterIsDeterministicAndBounded(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: time.Second, Factor: 2.0, MaxDelay: 30 * time.Second, Jitter: true}

	first := DelayForAttempt(1, cfg, "flow-123:draft_generation:1")
	second := DelayForAttempt(1, cfg, "flow-123:draft_generation:1")
	if first != second {
		t.Fatalf("same seed produced %s then %s", first, second)
	}
	if first < 500*time.Millisecond || first > 1500*time.Millisecond {
		t.Fatalf("jittered delay %s outside [0.5s, 1.5s]", first)
	}
	other := DelayForAttempt(1, cfg, "flow-456:draft_generation:1")
	if other < 500*time.Millisecond || other > 1500*time.Millisecond {
		t.Fatalf("jittered delay %s outside [0.5s, 1.5s]", other)
	}
}

func TestClearStageResetsSignatures(t *testing.T) {
	m := NewManager(Config{MaxRetries: map[stage.Stage]int{stage.DraftGeneration: 10}})
	fail := errors.New("draft body is a placeholder")

	m.ShouldRetry(stage.DraftGeneration, fail, 0)
	m.ShouldRetry(stage.DraftGeneration, fail, 1)
	m.ClearStage(stage.DraftGeneration)

	d := m.ShouldRetry(stage.DraftGeneration, fail, 2)
	if !d.Retry {
		t.Fatalf("post-clear failure refused: %s", d.Reason)
	}
	if d.Repeats != 1 {
		t.Fatalf("post-clear repeats = %d, want 1", d.Repeats)
	}
}

func TestSignatureCheckpointRoundTrip(t *testing.T) {
	m := NewManager(Config{})
	fail := errors.New("style violation: stray heading")
	m.ShouldRetry(stage.StyleValidation, fail, 0)

	saved := m.Signatures()
	if len(saved) != 1 {
		t.Fatalf("saved %d signatures, want 1", len(saved))
	}

	restored := NewManager(Config{MaxRetries: map[stage.Stage]int{stage.StyleValidation: 10}})
	restored.RestoreSignatures(saved)
	d := restored.ShouldRetry(stage.StyleValidation, fail, 0)
	if !d.Retry {
		t.Fatalf("restored manager refused second occurrence: %s", d.Reason)
	}
	if d.Repeats != 2 {
		t.Fatalf("restored repeats = %d, want 2", d.Repeats)
	}
}
