// Package engine runs the content pipeline: a fixed chain of stage handlers
// guarded by the run state machine, per-stage circuit breakers, the retry
// policy, loop prevention, and human review gates. Each run owns a directory
// under the logs root with its event stream, checkpoints and final record.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jshapland/galley/internal/flow/alert"
	"github.com/jshapland/galley/internal/flow/breaker"
	"github.com/jshapland/galley/internal/flow/cond"
	"github.com/jshapland/galley/internal/flow/events"
	"github.com/jshapland/galley/internal/flow/loopguard"
	"github.com/jshapland/galley/internal/flow/metrics"
	"github.com/jshapland/galley/internal/flow/persist"
	"github.com/jshapland/galley/internal/flow/retry"
	"github.com/jshapland/galley/internal/flow/review"
	"github.com/jshapland/galley/internal/flow/runtime"
	"github.com/jshapland/galley/internal/flow/search"
	"github.com/jshapland/galley/internal/flow/stage"
	"github.com/jshapland/galley/internal/flow/state"
	"github.com/jshapland/galley/internal/flow/validate"
)

var (
	// ErrStalled is the cancellation cause set by the stall watchdog.
	ErrStalled = errors.New("run stalled")
	// ErrReviewRejected means a reviewer ended the run.
	ErrReviewRejected = errors.New("review rejected")
	// ErrChainInvalid means the chain table failed its lint.
	ErrChainInvalid = errors.New("invalid chain")
)

// Options wires the engine's collaborators. Every field is optional; zero
// values take the built-in defaults.
type Options struct {
	// LogsRoot is the parent of per-run directories. Default "logs".
	LogsRoot string
	// FlowID overrides the generated run ID (tests, resume).
	FlowID string

	Reviewer review.Reviewer
	Search   search.Service
	Registry *Registry
	// Chain overrides the default execution sequence.
	Chain []ChainStep

	// Collector receives run KPIs; the engine builds its own when nil.
	Collector *metrics.Collector
	// Sinks receive events in addition to the run's events.ndjson.
	Sinks []events.Sink

	Clock func() time.Time
	// Sleep is the backoff sleep; injectable so retry tests run fast.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Engine executes one flow. It is not reusable: one Engine, one run.
type Engine struct {
	cfg    *FlowConfig
	req    runtime.FlowRequest
	flowID string
	runDir string

	fcs      *state.FlowControlState
	breakers map[stage.Stage]*breaker.Breaker
	retries  *retry.Manager
	guard    *loopguard.Guard
	gate     *review.Gate
	bus      *events.Bus
	fileSink *events.FileSink
	ckpts    *persist.Manager

	collector    *metrics.Collector
	ownCollector bool
	alerts       *alert.Manager
	mstore       *metrics.FileStore

	registry *Registry
	searcher search.Service
	chain    []ChainStep
	rctx     *runtime.Context

	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	mu        sync.Mutex
	reentered map[stage.Stage]bool
	fallbacks map[stage.Stage]bool
	resumed   bool
}

// New validates the request and assembles a run. A validation failure means
// the run never starts: no run directory, no state.
func New(cfg *FlowConfig, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("engine: config is required")
	}
	req := cfg.Flow.Request()
	if err := validate.Request(req); err != nil {
		return nil, err
	}
	chain := opts.Chain
	if chain == nil {
		chain = DefaultChain()
	}
	if diags := validate.Chain(validationSteps(chain)); validate.HasErrors(diags) {
		return nil, fmt.Errorf("%w:\n%s", ErrChainInvalid, validate.FormatDiagnostics(diags))
	}

	now := opts.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	flowID := opts.FlowID
	if flowID == "" {
		flowID = ulid.Make().String()
	}
	logsRoot := opts.LogsRoot
	if logsRoot == "" {
		logsRoot = "logs"
	}
	runDir := filepath.Join(logsRoot, flowID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		cfg:       cfg,
		req:       req,
		flowID:    flowID,
		runDir:    runDir,
		chain:     chain,
		now:       now,
		sleep:     sleep,
		reentered: make(map[stage.Stage]bool),
		fallbacks: make(map[stage.Stage]bool),
	}

	stateCfg, err := cfg.StateConfig(flowID, now)
	if err != nil {
		return nil, err
	}
	e.fcs = state.New(stateCfg)

	e.retries, err = cfg.Retries.Manager()
	if err != nil {
		return nil, err
	}

	threshold := cfg.Breakers.FailureThreshold
	if threshold <= 0 {
		threshold = breaker.StageFailureThreshold
	}
	recovery := cfg.Breakers.RecoveryTimeout.Std()
	e.breakers = make(map[stage.Stage]*breaker.Breaker, len(stage.NonTerminal()))
	for _, s := range stage.NonTerminal() {
		e.breakers[s] = breaker.New(string(s), breaker.Config{
			FailureThreshold: threshold,
			RecoveryTimeout:  recovery,
			Mirror:           engineMirror{e},
			OnStateChange:    e.onBreakerChange,
			Clock:            now,
		})
	}

	e.guard = loopguard.New(loopguard.Config{
		MethodCap:    cfg.LoopGuard.MethodCap,
		StageCap:     cfg.LoopGuard.StageCap,
		RunCap:       cfg.LoopGuard.RunCap.Std(),
		DetectWindow: cfg.LoopGuard.DetectWindow.Std(),
		DetectEvery:  cfg.LoopGuard.DetectEvery.Std(),
		Clock:        now,
		OnPattern: func(p loopguard.Pattern) {
			e.emit(events.Warning, "", map[string]any{
				"warning":  "loop pattern detected",
				"pattern":  p.String(),
				"severity": string(p.Severity),
			})
		},
		OnEmergencyStop: func(reason string) {
			e.fcs.ActivateKillSwitch(reason)
			e.emit(events.Warning, "", map[string]any{"warning": "emergency stop", "reason": reason})
		},
	})

	gateConfigs, err := cfg.GateConfigs()
	if err != nil {
		return nil, err
	}
	e.gate = review.NewGate(opts.Reviewer, gateConfigs, review.WithClock(now))

	e.searcher = opts.Search
	if e.searcher == nil {
		e.searcher = &search.StaticService{Clock: now}
	}
	e.registry = opts.Registry
	if e.registry == nil {
		e.registry = DefaultRegistry(e.searcher)
	}

	e.fileSink, err = events.NewFileSink(filepath.Join(runDir, "events.ndjson"))
	if err != nil {
		return nil, err
	}
	sinks := append([]events.Sink{e.fileSink}, opts.Sinks...)
	e.bus = events.NewBus(sinks...)

	store, err := e.buildStore(runDir)
	if err != nil {
		return nil, err
	}
	e.ckpts = persist.NewManager(store, persist.WithClock(now))

	e.alerts, err = cfg.Alerts.Manager()
	if err != nil {
		return nil, err
	}
	e.collector = opts.Collector
	if e.collector == nil {
		e.ownCollector = true
		var onRecord func(metrics.Sample)
		if e.alerts != nil {
			onRecord = e.alerts.Hook()
		}
		var sink func(metrics.Sample)
		if cfg.Metrics.Dir != "" {
			e.mstore, err = metrics.NewFileStore(metrics.StoreConfig{
				Dir:       cfg.Metrics.Dir,
				Retention: cfg.Metrics.Retention.Std(),
				Clock:     now,
			})
			if err != nil {
				return nil, err
			}
			sink = e.mstore.Append
		}
		e.collector = metrics.NewCollector(metrics.Config{
			History:  cfg.Metrics.History,
			Window:   cfg.Metrics.Window.Std(),
			Clock:    now,
			Sink:     sink,
			OnRecord: onRecord,
		})
	}

	return e, nil
}

func (e *Engine) buildStore(runDir string) (persist.Store, error) {
	p := e.cfg.Persistence
	if p.Backend == "redis" {
		return persist.NewRedisStore(persist.RedisConfig{
			Addr:     p.Addr,
			Password: p.Password,
			DB:       p.DB,
			TTL:      p.TTL.Std(),
		})
	}
	dir := p.Dir
	if dir == "" {
		dir = runDir
	}
	return persist.NewFileStore(dir)
}

// FlowID returns the run identifier.
func (e *Engine) FlowID() string { return e.flowID }

// RunDir returns the per-run directory.
func (e *Engine) RunDir() string { return e.runDir }

// Gate exposes the review gate, mostly for status surfaces and tests.
func (e *Engine) Gate() *review.Gate { return e.gate }

// Guard exposes the loop prevention stats.
func (e *Engine) Guard() *loopguard.Guard { return e.guard }

// Breaker returns the stage breaker, or nil for terminal stages.
func (e *Engine) Breaker(s stage.Stage) *breaker.Breaker { return e.breakers[s] }

// State exposes the run state.
func (e *Engine) State() *state.FlowControlState { return e.fcs }

// Collector exposes the KPI collector.
func (e *Engine) Collector() *metrics.Collector { return e.collector }

// Run executes the chain to a terminal stage and always returns a final
// outcome once the run has started; the error mirrors a failed outcome.
func (e *Engine) Run(ctx context.Context) (*runtime.FinalOutcome, error) {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if st := e.cfg.StallTimeout.Std(); st > 0 {
		go e.stallWatchdog(runCtx, cancel, st)
	}
	go e.guard.Run(runCtx)
	if e.mstore != nil {
		go e.mstore.Run(runCtx)
	}

	start := e.now()
	e.collector.FlowStarted()
	e.collector.RecordSystemMetrics()
	fields := map[string]any{"topic": e.req.Topic, "platform": e.req.Platform, "ownership": e.req.Ownership}
	if e.resumed {
		fields["resumed"] = true
	}
	e.emit(events.FlowStarted, e.fcs.CurrentStage(), fields)
	e.writeLive("running")

	if e.rctx == nil {
		e.rctx = runtime.NewContext()
	}
	e.rctx.Set("conduct_research", ShouldConductResearch(e.req))

	runErr := e.runChain(runCtx)
	return e.finalize(start, runErr)
}

func (e *Engine) runChain(ctx context.Context) error {
	for {
		cur := e.fcs.CurrentStage()
		if cur == stage.Failed {
			return fmt.Errorf("run failed at %s", lastReason(e.fcs))
		}
		if cur == stage.Finalized {
			return nil
		}
		if err := context.Cause(ctx); err != nil && ctx.Err() != nil {
			e.fcs.ForceTransitionToFailed(err.Error())
			return err
		}

		var out runtime.Outcome
		if e.fcs.IsCompleted(cur) && !e.isReentered(cur) {
			// Resume path: the stage finished in a previous process.
			if res, ok := e.fcs.StageResult(cur); ok {
				out = runtime.Outcome{Status: runtime.StatusSuccess, Output: res.Output}
			}
		} else {
			var err error
			out, err = e.executeStage(ctx, cur)
			if err != nil {
				e.failRun(cur, err)
				return err
			}
			e.clearReentered(cur)
		}

		next, reason, err := e.routeNext(ctx, cur, out)
		if err != nil {
			e.failRun(cur, err)
			return err
		}
		if err := e.fcs.AddTransition(next, reason); err != nil {
			e.failRun(cur, err)
			return err
		}
		e.emit(events.TransitionRecorded, next, map[string]any{"from": string(cur), "reason": reason})
		e.checkpoint(next)
		e.writeLive("running")
	}
}

// routeNext picks the successor after cur completed with out. Candidate
// routes (a reviewer's revise, a handler-directed next_stage, the research
// recovery back-edge) are collected first; two distinct candidates are an
// ambiguity and fail the run. With no candidate the next chain step whose
// condition passes wins, skipped conditional steps recording a skip.
func (e *Engine) routeNext(ctx context.Context, cur stage.Stage, out runtime.Outcome) (stage.Stage, string, error) {
	type route struct {
		to     stage.Stage
		reason string
	}
	var candidates []route

	if point, ok := gateForStage(cur); ok {
		resp, err := e.runGate(ctx, point, cur, out)
		if err != nil {
			return "", "", err
		}
		switch resp.Decision {
		case review.Reject:
			return "", "", fmt.Errorf("%w at %s", ErrReviewRejected, point)
		case review.Revise:
			// Early gates can ask for revisions the machine cannot reach
			// yet (topic viability precedes every revision target); those
			// decisions carry feedback forward without rerouting.
			to := NextAfterFeedback(resp.FeedbackType, e.req.Ownership)
			if stage.CanTransition(cur, to) {
				candidates = append(candidates, route{to, fmt.Sprintf("review revise (%s)", orUnknown(resp.FeedbackType))})
			}
		}
	}

	if raw, ok := out.ContextUpdates["next_stage"]; ok {
		if to, err := stage.Parse(fmt.Sprint(raw)); err == nil {
			candidates = append(candidates, route{to, "handler-directed route"})
		}
	}

	if cur == stage.Research && truthy(out.ContextUpdates["needs_revalidation"]) {
		candidates = append(candidates, route{stage.InputValidation, "research invalidated inputs"})
	}

	if len(candidates) > 0 {
		first := candidates[0]
		for _, c := range candidates[1:] {
			if c.to != first.to {
				return "", "", fmt.Errorf("%w from %s: %s vs %s", ErrAmbiguousRoute, cur, first.to, c.to)
			}
		}
		e.markReentered(first.to)
		return first.to, first.reason, nil
	}

	idx := stepIndex(e.chain, cur)
	for i := idx + 1; i < len(e.chain); i++ {
		step := e.chain[i]
		if step.When != "" {
			ok, err := cond.Evaluate(step.When, out, string(cur), e.rctx)
			if err != nil {
				return "", "", fmt.Errorf("chain condition for %s: %w", step.Stage, err)
			}
			if !ok {
				e.fcs.MarkStageSkipped(step.Stage, step.SkipReason)
				e.emit(events.StageCompleted, step.Stage, map[string]any{
					"status": string(runtime.StatusSkipped),
					"reason": step.SkipReason,
				})
				continue
			}
		}
		return step.Stage, "chain order", nil
	}
	return stage.Finalized, "chain complete", nil
}

// executeStage runs one stage to success, fallback, or a fatal error.
// Retries happen inside this call: each failed attempt records a
// self-transition and sleeps the backoff before re-invoking.
func (e *Engine) executeStage(ctx context.Context, s stage.Stage) (runtime.Outcome, error) {
	handler, agent := e.registry.HandlerFor(s)
	if handler == nil {
		return runtime.Outcome{}, fmt.Errorf("no handler registered for stage %s", s)
	}
	br := e.breakers[s]

	for {
		if err := e.guard.Track("execute_stage", s); err != nil {
			return runtime.Outcome{}, err
		}
		attempt := e.fcs.RetryCount(s)
		e.emit(events.StageStarted, s, map[string]any{"attempt": attempt, "agent": agent})

		exec := runtime.NewStageExecution(s, e.flowID, attempt, e.now())
		callCtx := ctx
		cancel := func() {}
		if timeout := e.fcs.StageTimeout(s); timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, timeout)
		}

		in := StageInput{FlowID: e.flowID, Stage: s, Attempt: attempt, Request: e.req, Context: e.rctx}
		var out runtime.Outcome
		callErr := br.Call(callCtx, func(c context.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("handler panic: %v", r)
				}
			}()
			o, herr := handler.Handle(c, in)
			if herr != nil {
				return herr
			}
			o, herr = o.Canonicalize()
			if herr != nil {
				return fmt.Errorf("handler outcome: %w", herr)
			}
			if o.Status.Failure() {
				reason := o.FailureReason
				if reason == "" {
					reason = "handler reported failure"
				}
				return errors.New(reason)
			}
			out = o
			return nil
		})
		timedOut := callErr != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()
		now := e.now()

		if callErr == nil {
			e.fcs.UpdateCircuitBreaker(s, true)
			res := exec.Complete(runtime.StatusSuccess, out.Output, nil, agent, now)
			e.fcs.MarkStageComplete(s, res)
			e.retries.ClearStage(s)
			e.rctx.ApplyUpdates(out.ContextUpdates)
			e.recordStage(s, res.DurationS, true)
			e.emit(events.StageCompleted, s, map[string]any{
				"status":     string(runtime.StatusSuccess),
				"duration_s": res.DurationS,
				"attempt":    attempt,
			})
			e.fcs.Touch()
			return out, nil
		}

		var openErr *breaker.OpenError
		if errors.As(callErr, &openErr) {
			return e.applyFallback(s, handler, agent, in, openErr)
		}

		status := runtime.StatusFailed
		if timedOut {
			status = runtime.StatusTimeout
			callErr = retry.Classified(s, retry.ClassConnectionError,
				fmt.Errorf("stage %s timed out after %s", s, e.fcs.StageTimeout(s)))
		}
		e.fcs.UpdateCircuitBreaker(s, false)
		res := exec.Complete(status, nil, callErr, agent, now)
		e.fcs.MarkStageComplete(s, res)
		e.recordStage(s, res.DurationS, false)
		e.emit(events.StageCompleted, s, map[string]any{
			"status":  string(status),
			"error":   callErr.Error(),
			"attempt": attempt,
		})

		// A failure that trips the breaker resolves the stage here: every
		// further attempt would be rejected at the door, so degrade now
		// rather than burn the remaining retry budget on rejections.
		if rej := br.Rejection(); rej != nil {
			return e.applyFallback(s, handler, agent, in, rej)
		}

		if ss, ok := handler.(SingleShot); ok && ss.SkipRetry() {
			return runtime.Outcome{}, callErr
		}
		decision := e.retries.ShouldRetry(s, callErr, attempt)
		if !decision.Retry || !e.fcs.CanRetry(s) {
			return runtime.Outcome{}, callErr
		}
		if err := e.fcs.AddTransition(s, fmt.Sprintf("retry %d: %s", attempt+1, decision.Class)); err != nil {
			return runtime.Outcome{}, fmt.Errorf("retry refused: %w", err)
		}
		count := e.fcs.IncrementRetry(s)
		e.collector.Record(metrics.KPIRetryCount, float64(count),
			metrics.WithStage(string(s)), metrics.WithFlow(e.flowID))
		e.emit(events.RetryScheduled, s, map[string]any{
			"attempt":  count,
			"class":    decision.Class,
			"delay_ms": decision.Delay.Milliseconds(),
		})
		if err := e.sleep(ctx, decision.Delay); err != nil {
			return runtime.Outcome{}, err
		}
	}
}

// applyFallback resolves an open-breaker rejection. Strict knowledge-base
// mode forbids the research fallback; everything else degrades to the
// handler's synthetic output when one exists.
func (e *Engine) applyFallback(s stage.Stage, handler Handler, agent string, in StageInput, openErr *breaker.OpenError) (runtime.Outcome, error) {
	strict := e.req.StrictKB && s == stage.Research
	fb, ok := handler.(Fallbacker)
	if !ok || strict {
		return runtime.Outcome{}, openErr
	}
	output, ok := fb.Fallback(in)
	if !ok {
		return runtime.Outcome{}, openErr
	}
	now := e.now()
	res := runtime.StageResult{
		Status:    runtime.StatusSuccess,
		Output:    output,
		Agent:     agent + "_fallback",
		Timestamp: now,
	}
	e.fcs.MarkStageComplete(s, res)
	e.setFallback(s)
	e.rctx.Set(string(s)+"_fallback", true)
	e.rctx.ApplyUpdates(output)
	e.recordStage(s, 0, true)
	e.emit(events.StageCompleted, s, map[string]any{
		"status":   string(runtime.StatusSuccess),
		"fallback": true,
		"reason":   openErr.Error(),
	})
	e.fcs.Touch()
	return runtime.Outcome{Status: runtime.StatusSuccess, Output: output}, nil
}

// runGate pauses the run at a review point. The run is checkpointed before
// the request goes out so a crash while waiting loses nothing.
func (e *Engine) runGate(ctx context.Context, point review.Point, s stage.Stage, out runtime.Outcome) (review.Response, error) {
	cfg, ok := e.gate.Config(point)
	if !ok || !cfg.Enabled {
		return review.Response{Decision: review.Approve}, nil
	}
	e.checkpoint(s)
	content := e.rctx.GetString("draft", out.Notes)
	e.emit(events.ReviewRequested, s, map[string]any{
		"point":     string(point),
		"timeout_s": cfg.Timeout.Seconds(),
	})
	resp, err := e.gate.RequestReview(ctx, e.flowID, point, s, content, map[string]any{
		"topic":         e.req.Topic,
		"platform":      e.req.Platform,
		"quality_score": e.rctx.GetString("quality_score", ""),
	})
	if err != nil {
		return review.Response{}, err
	}
	if recs := e.gate.Records(); len(recs) > 0 {
		e.collector.Record(metrics.KPIReviewElapsed, recs[len(recs)-1].ElapsedS,
			metrics.WithStage(string(s)), metrics.WithFlow(e.flowID))
	}
	e.emit(events.ReviewDecided, s, map[string]any{
		"point":         string(point),
		"decision":      string(resp.Decision),
		"feedback_type": resp.FeedbackType,
		"timed_out":     resp.TimedOut,
	})
	return resp, nil
}

// failRun records the failure on the state machine. Transition errors and
// loop violations arrive here as well as handler failures.
func (e *Engine) failRun(s stage.Stage, err error) {
	var verr *loopguard.ViolationError
	if errors.As(err, &verr) {
		e.fcs.ForceTransitionToFailed(verr.Error())
		return
	}
	e.fcs.ForceTransitionToFailed(fmt.Sprintf("stage %s: %v", s, err))
}

func (e *Engine) finalize(start time.Time, runErr error) (*runtime.FinalOutcome, error) {
	now := e.now()
	if runErr != nil && e.fcs.CurrentStage() != stage.Failed {
		e.fcs.ForceTransitionToFailed(runErr.Error())
	}

	elapsed := now.Sub(start).Seconds()
	e.collector.Record(metrics.KPIExecutionTime, elapsed, metrics.WithFlow(e.flowID))
	e.collector.RecordSystemMetrics()
	e.collector.FlowEnded()

	snap := e.fcs.Snapshot()
	digest, _ := snap.Digest()
	fo := &runtime.FinalOutcome{
		Timestamp:       now,
		FlowID:          e.flowID,
		FinalStage:      e.fcs.CurrentStage(),
		CompletedStages: e.fcs.CompletedStages(),
		StateDigest:     digest,
	}

	// Archival and the final record must land even when the run context is
	// already canceled.
	bg := context.Background()
	if runErr == nil && e.fcs.CurrentStage() == stage.Finalized {
		fo.Status = runtime.FinalSuccess
		results := map[string]any{
			"context":      e.rctx.Values(),
			"search_stats": e.searcher.Stats(),
			"elapsed_s":    elapsed,
		}
		if err := e.ckpts.SaveCompleted(bg, e.flowID, snap, results); err != nil {
			e.emit(events.Warning, "", map[string]any{"warning": "archive failed", "error": err.Error()})
		}
		e.collector.Record(metrics.KPIFlowOutcome, 1, metrics.WithFlow(e.flowID))
		e.emit(events.FlowCompleted, stage.Finalized, map[string]any{"elapsed_s": elapsed})
	} else {
		fo.Status = runtime.FinalFail
		if runErr != nil {
			fo.FailureReason = runErr.Error()
		} else {
			fo.FailureReason = lastReason(e.fcs)
		}
		if err := e.ckpts.SaveFailed(bg, e.flowID, snap, runErr, e.fcs.CurrentStage()); err != nil {
			e.emit(events.Warning, "", map[string]any{"warning": "archive failed", "error": err.Error()})
		}
		e.collector.Record(metrics.KPIFlowOutcome, 0, metrics.WithFlow(e.flowID))
		e.emit(events.FlowFailed, e.fcs.CurrentStage(), map[string]any{
			"reason":    fo.FailureReason,
			"elapsed_s": elapsed,
		})
	}

	if err := fo.Save(filepath.Join(e.runDir, "final.json")); err != nil {
		e.emit(events.Warning, "", map[string]any{"warning": "final record failed", "error": err.Error()})
	}
	e.writeLive(string(fo.Status))
	e.bus.Close()
	_ = e.fileSink.Close()
	if e.mstore != nil {
		_ = e.mstore.Close()
	}
	if e.alerts != nil {
		e.alerts.Close()
	}
	return fo, runErr
}

// checkpoint snapshots the run at a stage boundary. Checkpoint I/O failures
// are warnings: the run carries on without durability rather than dying.
func (e *Engine) checkpoint(s stage.Stage) {
	snap := e.fcs.Snapshot()
	meta := map[string]any{"retry_signatures": e.retries.Signatures()}
	if err := e.ckpts.SaveCheckpoint(context.Background(), e.flowID, snap, s, meta); err != nil {
		e.emit(events.Warning, s, map[string]any{"warning": "checkpoint failed", "error": err.Error()})
	}
}

// stallWatchdog cancels the run when no event lands within the window.
func (e *Engine) stallWatchdog(ctx context.Context, cancel context.CancelCauseFunc, stallTimeout time.Duration) {
	checkEvery := stallTimeout / 4
	if checkEvery <= 0 || checkEvery > 5*time.Second {
		checkEvery = 5 * time.Second
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := e.bus.LastEventAt()
			if activity := e.fcs.LastActivity(); activity.After(last) {
				last = activity
			}
			if last.IsZero() {
				continue
			}
			if idle := time.Since(last); idle >= stallTimeout {
				cancel(fmt.Errorf("%w: no progress for %s", ErrStalled, idle.Round(time.Second)))
				return
			}
		}
	}
}

func (e *Engine) onBreakerChange(name string, from, to breaker.State) {
	st, err := stage.Parse(name)
	if err != nil {
		return
	}
	switch to {
	case breaker.Open:
		e.emit(events.CircuitOpened, st, map[string]any{"from": from.String()})
	case breaker.Closed:
		if from != breaker.Closed {
			e.emit(events.CircuitClosed, st, map[string]any{"from": from.String()})
		}
	}
}

func (e *Engine) emit(t events.Type, s stage.Stage, fields map[string]any) {
	e.bus.Publish(events.Event{TS: e.now(), Type: t, FlowID: e.flowID, Stage: s, Fields: fields})
}

func (e *Engine) recordStage(s stage.Stage, durationS float64, success bool) {
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	e.collector.Record(metrics.KPIStageDuration, durationS,
		metrics.WithStage(string(s)), metrics.WithFlow(e.flowID))
	e.collector.Record(metrics.KPIStageOutcome, outcome,
		metrics.WithStage(string(s)), metrics.WithFlow(e.flowID))
}

// liveStatus is the heartbeat snapshot status tooling reads while a run is
// in flight.
type liveStatus struct {
	FlowID      string      `json:"flow_id"`
	PID         int         `json:"pid"`
	State       string      `json:"state"`
	Stage       stage.Stage `json:"stage"`
	Transitions int         `json:"transitions"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func (e *Engine) writeLive(stateName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	live := liveStatus{
		FlowID:      e.flowID,
		PID:         os.Getpid(),
		State:       stateName,
		Stage:       e.fcs.CurrentStage(),
		Transitions: e.fcs.HistoryLen(),
		UpdatedAt:   e.now(),
	}
	b, err := json.MarshalIndent(live, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(e.runDir, "live.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}

func (e *Engine) markReentered(s stage.Stage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reentered[s] = true
}

func (e *Engine) clearReentered(s stage.Stage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.reentered, s)
}

func (e *Engine) isReentered(s stage.Stage) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reentered[s]
}

func (e *Engine) setFallback(s stage.Stage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fallbacks[s] = true
}

// FallbackUsed reports whether the stage completed via its breaker fallback.
func (e *Engine) FallbackUsed(s stage.Stage) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fallbacks[s]
}

// engineMirror adapts breaker state pushes onto the run state, which keys
// mirrors by stage. Breakers are named after their stage.
type engineMirror struct{ e *Engine }

func (m engineMirror) MirrorBreaker(name string, st breaker.State, failures int, lastFailure time.Time) {
	sg, err := stage.Parse(name)
	if err != nil {
		return
	}
	m.e.fcs.MirrorBreaker(sg, mirrorState(st), failures, lastFailure)
}

func mirrorState(st breaker.State) state.BreakerState {
	switch st {
	case breaker.Open:
		return state.BreakerOpen
	case breaker.HalfOpen:
		return state.BreakerHalfOpen
	default:
		return state.BreakerClosed
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func lastReason(fcs *state.FlowControlState) string {
	hist := fcs.History()
	if len(hist) == 0 {
		return "unknown"
	}
	return hist[len(hist)-1].Reason
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "1" || t == "yes"
	default:
		return false
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "minor"
	}
	return s
}
