package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jshapland/galley/internal/flow/retry"
	"github.com/jshapland/galley/internal/flow/runtime"
	"github.com/jshapland/galley/internal/flow/search"
	"github.com/jshapland/galley/internal/flow/stage"
	"github.com/jshapland/galley/internal/flow/validate"
)

// StageInput is what the engine hands a handler for one invocation.
type StageInput struct {
	FlowID  string
	Stage   stage.Stage
	Attempt int
	Request runtime.FlowRequest
	Context *runtime.Context
}

// Handler executes one stage. Failures are reported either as a non-nil
// error (classified via the retry package where the condition is retryable)
// or as an outcome with a failure status and reason; both are treated the
// same. Handlers must honor ctx cancellation.
type Handler interface {
	Handle(ctx context.Context, in StageInput) (runtime.Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, in StageInput) (runtime.Outcome, error)

func (f HandlerFunc) Handle(ctx context.Context, in StageInput) (runtime.Outcome, error) {
	return f(ctx, in)
}

// SingleShot marks handlers that must never be re-invoked for the same
// entry; the engine skips retries for them regardless of error class.
type SingleShot interface {
	SkipRetry() bool
}

// Fallbacker supplies a synthetic output used when the stage breaker is open
// and strict mode is off. The bool reports whether a fallback exists for
// this input.
type Fallbacker interface {
	Fallback(in StageInput) (map[string]any, bool)
}

// Registry maps stages to handlers. The registered name doubles as the agent
// name on stage results.
type Registry struct {
	mu       sync.RWMutex
	handlers map[stage.Stage]Handler
	names    map[stage.Stage]string
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[stage.Stage]Handler),
		names:    make(map[stage.Stage]string),
	}
}

// DefaultRegistry wires the built-in handlers. svc backs the research stage;
// nil gets a canned static service.
func DefaultRegistry(svc search.Service) *Registry {
	if svc == nil {
		svc = &search.StaticService{}
	}
	r := NewRegistry()
	r.Register(stage.InputValidation, "validator", &validationHandler{})
	r.Register(stage.Research, "researcher", &researchHandler{svc: svc})
	r.Register(stage.AudienceAlign, "audience_aligner", &audienceHandler{})
	r.Register(stage.DraftGeneration, "draft_writer", &draftHandler{})
	r.Register(stage.StyleValidation, "style_checker", &styleHandler{})
	r.Register(stage.QualityCheck, "quality_scorer", &qualityHandler{})
	return r
}

func (r *Registry) Register(s stage.Stage, name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[s] = h
	r.names[s] = name
}

// HandlerFor returns the handler and agent name for s, or nil when the
// stage has no registration.
func (r *Registry) HandlerFor(s stage.Stage) (Handler, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[s], r.names[s]
}

// validationHandler re-checks the request at stage level and seeds the run
// context. The run-start validation already rejected malformed requests, so
// a failure here means the request mutated or the schema tightened.
type validationHandler struct{}

func (h *validationHandler) Handle(ctx context.Context, in StageInput) (runtime.Outcome, error) {
	if err := validate.Request(in.Request); err != nil {
		return runtime.Outcome{}, retry.Classified(in.Stage, retry.ClassValidationError, err)
	}
	return runtime.Outcome{
		Status: runtime.StatusSuccess,
		Output: map[string]any{
			"valid":     true,
			"platform":  in.Request.Platform,
			"ownership": in.Request.Ownership,
		},
		ContextUpdates: map[string]any{
			"topic":    in.Request.Topic,
			"platform": in.Request.Platform,
		},
	}, nil
}

func (h *validationHandler) SkipRetry() bool { return true }

// researchHandler gathers source material through the search service.
type researchHandler struct {
	svc search.Service
}

func (h *researchHandler) Handle(ctx context.Context, in StageInput) (runtime.Outcome, error) {
	strategy := search.Hybrid
	if in.Request.StrictKB {
		strategy = search.KBOnly
	}
	res, err := h.svc.Search(ctx, search.Query{
		Text:           in.Request.Topic,
		Limit:          5,
		ScoreThreshold: 0.4,
		Strategy:       strategy,
	})
	if err != nil {
		return runtime.Outcome{}, retry.Classified(in.Stage, retry.ClassAPIError, err)
	}
	summary := make([]string, 0, len(res.Items))
	for _, item := range res.Items {
		summary = append(summary, item.Title)
	}
	return runtime.Outcome{
		Status: runtime.StatusSuccess,
		Output: map[string]any{
			"source_count":  len(res.Items),
			"kb_available":  res.KBAvailable,
			"strategy_used": string(res.StrategyUsed),
		},
		ContextUpdates: map[string]any{
			"research_summary": strings.Join(summary, "; "),
			"source_count":     len(res.Items),
		},
	}, nil
}

// Fallback ships an empty research payload so the run can proceed on the
// author's own material when the knowledge base is unreachable.
func (h *researchHandler) Fallback(in StageInput) (map[string]any, bool) {
	return map[string]any{"source_count": 0, "sources": []any{}, "note": "skipped"}, true
}

// audienceHandler derives the audience profile from the platform and notes.
type audienceHandler struct{}

func (h *audienceHandler) Handle(ctx context.Context, in StageInput) (runtime.Outcome, error) {
	profile := fmt.Sprintf("%s readers", strings.ToLower(in.Request.Platform))
	if notes := strings.TrimSpace(in.Request.AudienceNotes); notes != "" {
		profile += ": " + notes
	}
	return runtime.Outcome{
		Status:         runtime.StatusSuccess,
		Output:         map[string]any{"audience_profile": profile},
		ContextUpdates: map[string]any{"audience_profile": profile},
	}, nil
}

// draftHandler assembles the draft scaffold from the accumulated context.
type draftHandler struct{}

func (h *draftHandler) Handle(ctx context.Context, in StageInput) (runtime.Outcome, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", in.Request.Topic)
	if profile := in.Context.GetString("audience_profile", ""); profile != "" {
		fmt.Fprintf(&b, "Audience: %s\n\n", profile)
	}
	if summary := in.Context.GetString("research_summary", ""); summary != "" {
		fmt.Fprintf(&b, "Sources: %s\n\n", summary)
	}
	b.WriteString("Draft body pending expansion.\n")
	draft := b.String()
	words := len(strings.Fields(draft))
	return runtime.Outcome{
		Status:         runtime.StatusSuccess,
		Output:         map[string]any{"draft": draft, "word_count": words},
		ContextUpdates: map[string]any{"draft": draft, "word_count": words},
	}, nil
}

// Fallback scaffolds a placeholder draft when the draft breaker is open.
func (h *draftHandler) Fallback(in StageInput) (map[string]any, bool) {
	draft := fmt.Sprintf("# %s\n\n[placeholder draft: generation unavailable]\n", in.Request.Topic)
	return map[string]any{"draft": draft, "word_count": len(strings.Fields(draft)), "placeholder": true}, true
}

// styleHandler checks the draft against the style guide.
type styleHandler struct{}

func (h *styleHandler) Handle(ctx context.Context, in StageInput) (runtime.Outcome, error) {
	draft := in.Context.GetString("draft", "")
	var violations []string
	if strings.TrimSpace(draft) == "" {
		violations = append(violations, "empty draft")
	}
	if guide := strings.TrimSpace(in.Request.StyleGuide); guide != "" && !strings.Contains(draft, "#") {
		violations = append(violations, "missing heading required by style guide")
	}
	compliant := len(violations) == 0
	out := runtime.Outcome{
		Status: runtime.StatusSuccess,
		Output: map[string]any{"compliant": compliant, "violations": violations},
		ContextUpdates: map[string]any{
			"compliant": compliant,
		},
	}
	if !compliant {
		return runtime.Outcome{}, retry.Classified(in.Stage, retry.ClassValidationError,
			fmt.Errorf("style violations: %s", strings.Join(violations, "; ")))
	}
	return out, nil
}

// Fallback lets the run progress unchecked when style validation is down.
func (h *styleHandler) Fallback(in StageInput) (map[string]any, bool) {
	return map[string]any{"compliant": true, "violations": []any{}, "unchecked": true}, true
}

// qualityThreshold is the pass bar for the quality score (0-10 scale).
const qualityThreshold = 7.0

// qualityHandler scores the draft. The default scorer is a deterministic
// heuristic; production deployments register their own.
type qualityHandler struct{}

func (h *qualityHandler) Handle(ctx context.Context, in StageInput) (runtime.Outcome, error) {
	draft := in.Context.GetString("draft", "")
	score := 8.0
	if len(strings.Fields(draft)) < 5 {
		score = 4.0
	}
	if score < qualityThreshold {
		return runtime.Outcome{}, retry.Classified(in.Stage, retry.ClassQualityError,
			fmt.Errorf("quality score %.1f below threshold %.1f", score, qualityThreshold))
	}
	return runtime.Outcome{
		Status:         runtime.StatusSuccess,
		Output:         map[string]any{"quality_score": score},
		ContextUpdates: map[string]any{"quality_score": score},
	}, nil
}

// Fallback scores at mid-threshold and flags the run for manual review.
func (h *qualityHandler) Fallback(in StageInput) (map[string]any, bool) {
	return map[string]any{
		"quality_score":             qualityThreshold / 2,
		"manual_review_recommended": true,
	}, true
}
