package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jshapland/galley/internal/flow/breaker"
	"github.com/jshapland/galley/internal/flow/events"
	"github.com/jshapland/galley/internal/flow/loopguard"
	"github.com/jshapland/galley/internal/flow/retry"
	"github.com/jshapland/galley/internal/flow/review"
	"github.com/jshapland/galley/internal/flow/runtime"
	"github.com/jshapland/galley/internal/flow/search"
	"github.com/jshapland/galley/internal/flow/stage"
)

// eventRecorder captures the run's event stream for assertions. Sinks run on
// the bus goroutine; the bus is drained before Run returns.
type eventRecorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *eventRecorder) Emit(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func (r *eventRecorder) byType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.evs {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *eventRecorder) count(t events.Type) int { return len(r.byType(t)) }

type scriptReviewer struct {
	fn func(review.Request) review.Response
}

func (r scriptReviewer) Ask(ctx context.Context, req review.Request) (review.Response, error) {
	return r.fn(req), nil
}
func (scriptReviewer) Inform(string, string) {}

// stuckReviewer never answers; the gate timeout has to resolve it.
type stuckReviewer struct{}

func (stuckReviewer) Ask(ctx context.Context, req review.Request) (review.Response, error) {
	<-ctx.Done()
	return review.Response{}, ctx.Err()
}
func (stuckReviewer) Inform(string, string) {}

func passFunc() HandlerFunc {
	return func(ctx context.Context, in StageInput) (runtime.Outcome, error) {
		return runtime.Outcome{Status: runtime.StatusSuccess, Output: map[string]any{"ok": true}}, nil
	}
}

var agentNames = map[stage.Stage]string{
	stage.InputValidation: "validator",
	stage.Research:        "researcher",
	stage.AudienceAlign:   "audience_aligner",
	stage.DraftGeneration: "draft_writer",
	stage.StyleValidation: "style_checker",
	stage.QualityCheck:    "quality_scorer",
}

// scriptedRegistry registers instant pass handlers for every stage, with
// per-stage overrides.
func scriptedRegistry(overrides map[stage.Stage]Handler) *Registry {
	r := NewRegistry()
	for st, name := range agentNames {
		if h, ok := overrides[st]; ok {
			r.Register(st, name, h)
		} else {
			r.Register(st, name, passFunc())
		}
	}
	return r
}

func testConfig(ownership string) *FlowConfig {
	return &FlowConfig{
		Flow: FlowSection{
			Topic:     "Kubernetes cost tuning",
			Platform:  "blog",
			Ownership: ownership,
		},
	}
}

// runFlow builds and runs an engine with fast defaults: instant backoff
// sleeps and a scripted registry unless the options bring their own.
func runFlow(t *testing.T, cfg *FlowConfig, opts Options) (*Engine, *runtime.FinalOutcome, error, *eventRecorder) {
	t.Helper()
	rec := &eventRecorder{}
	if opts.LogsRoot == "" {
		opts.LogsRoot = t.TempDir()
	}
	if opts.Sleep == nil {
		opts.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	}
	if opts.Registry == nil {
		opts.Registry = scriptedRegistry(nil)
	}
	opts.Sinks = append(opts.Sinks, rec)
	e, err := New(cfg, opts)
	require.NoError(t, err)
	fo, runErr := e.Run(context.Background())
	return e, fo, runErr, rec
}

func TestOriginalContentSkipsResearch(t *testing.T) {
	invoked := false
	reg := scriptedRegistry(map[stage.Stage]Handler{
		stage.Research: HandlerFunc(func(ctx context.Context, in StageInput) (runtime.Outcome, error) {
			invoked = true
			return runtime.Outcome{Status: runtime.StatusSuccess}, nil
		}),
	})

	e, fo, err, rec := runFlow(t, testConfig("ORIGINAL"), Options{Registry: reg})
	require.NoError(t, err)
	assert.Equal(t, runtime.FinalSuccess, fo.Status)
	assert.Equal(t, stage.Finalized, fo.FinalStage)
	assert.False(t, invoked, "research must not run for original content")
	assert.NotContains(t, fo.CompletedStages, stage.Research)

	var sawSkip bool
	for _, ev := range rec.byType(events.StageCompleted) {
		if ev.Stage == stage.Research && ev.Fields["status"] == string(runtime.StatusSkipped) {
			sawSkip = true
		}
	}
	assert.True(t, sawSkip, "research skip must be recorded on the event stream")
	assert.Equal(t, 1, rec.count(events.FlowCompleted))

	loaded, err := runtime.LoadFinalOutcome(filepath.Join(e.RunDir(), "final.json"))
	require.NoError(t, err)
	assert.Equal(t, fo.FlowID, loaded.FlowID)
	_, err = os.Stat(filepath.Join(e.RunDir(), "events.ndjson"))
	assert.NoError(t, err)
}

func TestExternalContentRunsResearch(t *testing.T) {
	svc := &search.StaticService{Items: []search.Item{
		{Title: "FinOps on K8s", Score: 0.9},
		{Title: "Rightsizing requests", Score: 0.8},
	}}

	// Real handlers end to end: the default registry builds the draft from
	// the research summary and the quality scorer passes it.
	e, fo, err, rec := runFlow(t, testConfig("EXTERNAL"), Options{
		Search:   svc,
		Registry: DefaultRegistry(svc),
	})
	require.NoError(t, err)
	assert.Equal(t, runtime.FinalSuccess, fo.Status)
	assert.Contains(t, fo.CompletedStages, stage.Research)

	var researched bool
	for _, ev := range rec.byType(events.StageCompleted) {
		if ev.Stage == stage.Research && ev.Fields["status"] == string(runtime.StatusSuccess) {
			researched = true
		}
	}
	assert.True(t, researched)
	assert.Len(t, e.Gate().Records(), 4, "all four gates auto-approve")
}

func TestRetryThenSucceed(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	reg := scriptedRegistry(map[stage.Stage]Handler{
		stage.DraftGeneration: HandlerFunc(func(ctx context.Context, in StageInput) (runtime.Outcome, error) {
			mu.Lock()
			calls++
			first := calls == 1
			mu.Unlock()
			if first {
				return runtime.Outcome{}, retry.Classified(in.Stage, retry.ClassContentQuality,
					errors.New("draft too thin"))
			}
			return runtime.Outcome{Status: runtime.StatusSuccess, Output: map[string]any{"ok": true}}, nil
		}),
	})

	e, fo, err, rec := runFlow(t, testConfig("ORIGINAL"), Options{Registry: reg})
	require.NoError(t, err)
	assert.Equal(t, runtime.FinalSuccess, fo.Status)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, e.State().RetryCount(stage.DraftGeneration))
	assert.Equal(t, 1, rec.count(events.RetryScheduled))
	assert.Equal(t, breaker.Closed, e.Breaker(stage.DraftGeneration).State(),
		"one failure must not open the breaker")

	var selfEdge bool
	for _, tr := range e.State().History() {
		if tr.From == stage.DraftGeneration && tr.To == stage.DraftGeneration {
			selfEdge = true
		}
	}
	assert.True(t, selfEdge, "retry records a self-transition")
}

// failingStyleHandler fails every invocation with a fresh failure signature,
// so the signature limit never interferes with the breaker threshold.
type failingStyleHandler struct {
	mu    sync.Mutex
	calls int
}

var styleFailures = []string{
	"style backend unreachable",
	"style backend refused the draft",
	"style backend overloaded",
}

func (h *failingStyleHandler) Handle(ctx context.Context, in StageInput) (runtime.Outcome, error) {
	h.mu.Lock()
	i := h.calls
	h.calls++
	h.mu.Unlock()
	return runtime.Outcome{}, retry.Classified(in.Stage, retry.ClassValidationError,
		errors.New(styleFailures[i%len(styleFailures)]))
}

func (h *failingStyleHandler) Fallback(in StageInput) (map[string]any, bool) {
	return map[string]any{"compliant": true, "unchecked": true}, true
}

func TestBreakerOpensThenFallback(t *testing.T) {
	// Default tuning throughout: retry budget 2 for style, breaker threshold
	// 3. The third consecutive failure exhausts the budget and opens the
	// breaker in the same pass; the run must degrade, not fail.
	style := &failingStyleHandler{}
	reg := scriptedRegistry(map[stage.Stage]Handler{stage.StyleValidation: style})

	e, fo, err, rec := runFlow(t, testConfig("ORIGINAL"), Options{Registry: reg})
	require.NoError(t, err)
	assert.Equal(t, runtime.FinalSuccess, fo.Status)
	assert.Equal(t, 3, style.calls, "the open breaker stops further invocations")
	assert.Equal(t, 2, e.State().RetryCount(stage.StyleValidation))
	assert.Equal(t, 1, rec.count(events.CircuitOpened), "the breaker opens exactly once")
	assert.Equal(t, breaker.Open, e.Breaker(stage.StyleValidation).State())
	assert.True(t, e.FallbackUsed(stage.StyleValidation))

	res, ok := e.State().StageResult(stage.StyleValidation)
	require.True(t, ok)
	assert.Equal(t, "style_checker_fallback", res.Agent)
	assert.Equal(t, true, res.Output["compliant"])
	assert.Contains(t, fo.CompletedStages, stage.QualityCheck,
		"the run continues past the degraded stage")
}

func TestStageOscillationTripsLoopGuard(t *testing.T) {
	cfg := testConfig("ORIGINAL")
	cfg.LoopGuard.StageCap = 5

	reg := scriptedRegistry(map[stage.Stage]Handler{
		stage.StyleValidation: HandlerFunc(func(ctx context.Context, in StageInput) (runtime.Outcome, error) {
			return runtime.Outcome{
				Status:         runtime.StatusSuccess,
				ContextUpdates: map[string]any{"next_stage": string(stage.DraftGeneration)},
			}, nil
		}),
	})

	e, fo, err, _ := runFlow(t, cfg, Options{Registry: reg})
	require.Error(t, err)
	assert.ErrorIs(t, err, loopguard.ErrLoopPrevention)
	assert.Equal(t, runtime.FinalFail, fo.Status)
	assert.Equal(t, stage.Failed, fo.FinalStage)
	assert.Equal(t, 1, e.Guard().Stats().LoopViolations)
}

func TestReviewTimeoutAppliesDefault(t *testing.T) {
	off := false
	cfg := testConfig("ORIGINAL")
	cfg.Review = map[string]GateSection{
		"draft_completion": {Timeout: Duration(100 * time.Millisecond)},
		"topic_viability":  {Enabled: &off},
		"routing_override": {Enabled: &off},
		"quality_gate":     {Enabled: &off},
	}

	e, fo, err, rec := runFlow(t, cfg, Options{Reviewer: stuckReviewer{}})
	require.NoError(t, err)
	assert.Equal(t, runtime.FinalSuccess, fo.Status)
	assert.Equal(t, 1, e.Gate().TimeoutCount())

	decided := rec.byType(events.ReviewDecided)
	require.Len(t, decided, 1)
	assert.Equal(t, string(review.Approve), decided[0].Fields["decision"])
	assert.Equal(t, true, decided[0].Fields["timed_out"])

	var draftToStyle bool
	for _, tr := range e.State().History() {
		if tr.From == stage.DraftGeneration && tr.To == stage.StyleValidation {
			draftToStyle = true
		}
	}
	assert.True(t, draftToStyle, "the default approval lets the chain continue")
}

func TestRecoveryBackEdge(t *testing.T) {
	var mu sync.Mutex
	validations, researches := 0, 0
	reg := scriptedRegistry(map[stage.Stage]Handler{
		stage.InputValidation: HandlerFunc(func(ctx context.Context, in StageInput) (runtime.Outcome, error) {
			mu.Lock()
			validations++
			mu.Unlock()
			return runtime.Outcome{Status: runtime.StatusSuccess}, nil
		}),
		stage.Research: HandlerFunc(func(ctx context.Context, in StageInput) (runtime.Outcome, error) {
			mu.Lock()
			researches++
			mu.Unlock()
			return runtime.Outcome{
				Status:         runtime.StatusSuccess,
				Output:         map[string]any{"source_count": 0},
				ContextUpdates: map[string]any{"needs_revalidation": true},
			}, nil
		}),
	})

	e, fo, err, _ := runFlow(t, testConfig("EXTERNAL"), Options{Registry: reg})
	require.NoError(t, err)
	assert.Equal(t, runtime.FinalSuccess, fo.Status)
	assert.Equal(t, 2, validations, "research sent the run back through validation")
	assert.Equal(t, 1, researches, "the completed research replays instead of re-running")

	var backEdge bool
	for _, tr := range e.State().History() {
		if tr.From == stage.Research && tr.To == stage.InputValidation {
			backEdge = true
		}
	}
	assert.True(t, backEdge)
}

func TestAmbiguousRouteFailsRun(t *testing.T) {
	reviewer := scriptReviewer{fn: func(req review.Request) review.Response {
		if req.Point == review.PointDraftCompletion {
			return review.Response{Decision: review.Revise, FeedbackType: review.FeedbackMinor, Reviewer: "test"}
		}
		return review.Response{Decision: review.Approve, Reviewer: "test"}
	}}
	reg := scriptedRegistry(map[stage.Stage]Handler{
		stage.DraftGeneration: HandlerFunc(func(ctx context.Context, in StageInput) (runtime.Outcome, error) {
			return runtime.Outcome{
				Status:         runtime.StatusSuccess,
				ContextUpdates: map[string]any{"next_stage": string(stage.Research)},
			}, nil
		}),
	})

	_, fo, err, _ := runFlow(t, testConfig("EXTERNAL"), Options{Registry: reg, Reviewer: reviewer})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAmbiguousRoute)
	assert.Equal(t, runtime.FinalFail, fo.Status)
	assert.Equal(t, stage.Failed, fo.FinalStage)
}

func TestStageTimeoutFailsWithoutBudget(t *testing.T) {
	cfg := testConfig("ORIGINAL")
	cfg.Timeouts = map[string]Duration{"draft_generation": Duration(50 * time.Millisecond)}
	cfg.Retries.Max = map[string]int{"draft_generation": 0}

	reg := scriptedRegistry(map[stage.Stage]Handler{
		stage.DraftGeneration: HandlerFunc(func(ctx context.Context, in StageInput) (runtime.Outcome, error) {
			<-ctx.Done()
			return runtime.Outcome{}, ctx.Err()
		}),
	})

	e, fo, err, _ := runFlow(t, cfg, Options{Registry: reg})
	require.Error(t, err)
	assert.Equal(t, runtime.FinalFail, fo.Status)

	res, ok := e.State().StageResult(stage.DraftGeneration)
	require.True(t, ok)
	assert.Equal(t, runtime.StatusTimeout, res.Status)
}

func TestHandlerPanicIsContained(t *testing.T) {
	cfg := testConfig("ORIGINAL")
	cfg.Retries.Max = map[string]int{"draft_generation": 0}
	reg := scriptedRegistry(map[stage.Stage]Handler{
		stage.DraftGeneration: HandlerFunc(func(ctx context.Context, in StageInput) (runtime.Outcome, error) {
			panic("boom")
		}),
	})

	_, fo, err, _ := runFlow(t, cfg, Options{Registry: reg})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler panic")
	assert.Equal(t, runtime.FinalFail, fo.Status)
	assert.Equal(t, stage.Failed, fo.FinalStage)
}

func TestStrictKBBlocksResearchFallback(t *testing.T) {
	cfg := testConfig("EXTERNAL")
	cfg.Flow.StrictKB = true
	// Research defaults to a single retry; give it enough budget to reach
	// the breaker threshold.
	cfg.Retries.Max = map[string]int{"research": 2}

	research := &failingResearchHandler{}
	reg := scriptedRegistry(map[stage.Stage]Handler{stage.Research: research})

	e, fo, err, rec := runFlow(t, cfg, Options{Registry: reg})
	require.Error(t, err)
	assert.ErrorIs(t, err, breaker.ErrOpen)
	assert.Equal(t, 3, research.calls, "the run fails as soon as the breaker opens")
	assert.Equal(t, runtime.FinalFail, fo.Status)
	assert.False(t, e.FallbackUsed(stage.Research), "strict mode forbids the research fallback")
	assert.Equal(t, 1, rec.count(events.CircuitOpened))
}

// failingResearchHandler fails with rotating signatures and offers the usual
// degraded payload, which strict mode must refuse.
type failingResearchHandler struct {
	mu    sync.Mutex
	calls int
}

var researchFailures = []string{
	"knowledge base unreachable",
	"knowledge base handshake rejected",
	"knowledge base gateway error",
}

func (h *failingResearchHandler) Handle(ctx context.Context, in StageInput) (runtime.Outcome, error) {
	h.mu.Lock()
	i := h.calls
	h.calls++
	h.mu.Unlock()
	return runtime.Outcome{}, retry.Classified(in.Stage, retry.ClassConnectionError,
		errors.New(researchFailures[i%len(researchFailures)]))
}

func (h *failingResearchHandler) Fallback(in StageInput) (map[string]any, bool) {
	return map[string]any{"source_count": 0, "note": "skipped"}, true
}
