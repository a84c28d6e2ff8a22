// Package review implements the human review gates: fixed points in the
// chain where a run pauses for a decision, with a timeout that applies the
// gate's default so unattended runs always make progress.
package review

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jshapland/galley/internal/flow/stage"
)

// Decision is a reviewer verdict.
type Decision string

const (
	Approve Decision = "APPROVE"
	Revise  Decision = "REVISE"
	Reject  Decision = "REJECT"
)

// ParseDecision folds console and wire spellings onto the enum.
func ParseDecision(raw string) (Decision, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "APPROVE", "A", "YES", "OK":
		return Approve, nil
	case "REVISE", "R":
		return Revise, nil
	case "REJECT", "X", "NO":
		return Reject, nil
	default:
		return "", fmt.Errorf("unknown review decision %q", raw)
	}
}

// Feedback types attached to REVISE decisions; they drive routing.
const (
	FeedbackMinor = "minor"
	FeedbackMajor = "major"
	FeedbackPivot = "pivot"
)

// NormalizeFeedbackType returns the canonical feedback type or empty for
// anything unknown (unknown routes like minor).
func NormalizeFeedbackType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case FeedbackMinor, FeedbackMajor, FeedbackPivot:
		return strings.ToLower(strings.TrimSpace(raw))
	default:
		return ""
	}
}

// Point names a review gate. The chain has four fixed points.
type Point string

const (
	PointDraftCompletion Point = "draft_completion"
	PointQualityGate     Point = "quality_gate"
	PointTopicViability  Point = "topic_viability"
	PointRoutingOverride Point = "routing_override"
)

// Points lists the fixed gates in chain order.
func Points() []Point {
	return []Point{PointTopicViability, PointDraftCompletion, PointQualityGate, PointRoutingOverride}
}

// GateConfig is one gate's policy.
type GateConfig struct {
	Enabled          bool          `json:"enabled" yaml:"enabled"`
	AllowedDecisions []Decision    `json:"allowed_decisions" yaml:"allowed_decisions"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
	DefaultDecision  Decision      `json:"default_decision" yaml:"default_decision"`
}

// DefaultGateConfigs enables every gate with a 300s window and approve as
// the unattended outcome.
func DefaultGateConfigs() map[Point]GateConfig {
	cfg := make(map[Point]GateConfig, 4)
	for _, p := range Points() {
		cfg[p] = GateConfig{
			Enabled:          true,
			AllowedDecisions: []Decision{Approve, Revise, Reject},
			Timeout:          300 * time.Second,
			DefaultDecision:  Approve,
		}
	}
	return cfg
}

// Request is one review put to a Reviewer.
type Request struct {
	ID               string         `json:"id"`
	FlowID           string         `json:"flow_id"`
	Point            Point          `json:"point"`
	Stage            stage.Stage    `json:"stage"`
	Content          string         `json:"content"`
	Context          map[string]any `json:"context,omitempty"`
	AllowedDecisions []Decision     `json:"allowed_decisions"`
	DefaultDecision  Decision       `json:"default_decision"`
	Timeout          time.Duration  `json:"timeout"`
	AskedAt          time.Time      `json:"asked_at"`
}

// Response is a reviewer's verdict.
type Response struct {
	Decision     Decision `json:"decision"`
	Feedback     string   `json:"feedback,omitempty"`
	FeedbackType string   `json:"feedback_type,omitempty"`
	Reviewer     string   `json:"reviewer,omitempty"`
	TimedOut     bool     `json:"timed_out"`
}

// Reviewer supplies decisions. Ask blocks until it has one or ctx ends; the
// gate enforces the configured timeout around it. Inform is fire-and-forget.
type Reviewer interface {
	Ask(ctx context.Context, req Request) (Response, error)
	Inform(flowID, message string)
}

// Record is one decision-log entry.
type Record struct {
	ID           string      `json:"id"`
	FlowID       string      `json:"flow_id"`
	Point        Point       `json:"point"`
	Stage        stage.Stage `json:"stage"`
	Decision     Decision    `json:"decision"`
	Feedback     string      `json:"feedback,omitempty"`
	FeedbackType string      `json:"feedback_type,omitempty"`
	ElapsedS     float64     `json:"elapsed_s"`
	TimedOut     bool        `json:"timed_out"`
	DecidedAt    time.Time   `json:"decided_at"`
}

// Gate runs review points against a Reviewer and keeps the decision log.
type Gate struct {
	reviewer Reviewer
	configs  map[Point]GateConfig
	now      func() time.Time
	newID    func() string

	mu           sync.Mutex
	records      []Record
	timeoutCount int
}

// GateOption tweaks a Gate at construction.
type GateOption func(*Gate)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// WithIDs injects the review ID generator.
func WithIDs(newID func() string) GateOption {
	return func(g *Gate) { g.newID = newID }
}

func NewGate(reviewer Reviewer, configs map[Point]GateConfig, opts ...GateOption) *Gate {
	if reviewer == nil {
		reviewer = &AutoReviewer{}
	}
	if configs == nil {
		configs = DefaultGateConfigs()
	}
	g := &Gate{
		reviewer: reviewer,
		configs:  configs,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type askResult struct {
	res Response
	err error
}

// RequestReview runs the gate at point. It blocks up to the gate timeout;
// on timeout the default decision is applied and counted. Disabled gates
// return their default immediately without a log record.
func (g *Gate) RequestReview(ctx context.Context, flowID string, point Point, st stage.Stage, content string, rctx map[string]any) (Response, error) {
	cfg, ok := g.configs[point]
	if !ok {
		cfg = GateConfig{Enabled: false, DefaultDecision: Approve}
	}
	if !cfg.Enabled {
		return Response{Decision: cfg.DefaultDecision, Reviewer: "disabled"}, nil
	}

	req := Request{
		ID:               g.newID(),
		FlowID:           flowID,
		Point:            point,
		Stage:            st,
		Content:          content,
		Context:          rctx,
		AllowedDecisions: cfg.AllowedDecisions,
		DefaultDecision:  cfg.DefaultDecision,
		Timeout:          cfg.Timeout,
		AskedAt:          g.now(),
	}

	askCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch := make(chan askResult, 1)
	go func() {
		res, err := g.reviewer.Ask(askCtx, req)
		ch <- askResult{res: res, err: err}
	}()

	var timeoutCh <-chan time.Time
	if cfg.Timeout > 0 {
		timer := time.NewTimer(cfg.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var res Response
	select {
	case out := <-ch:
		if out.err != nil {
			// A reviewer error is treated like silence: the default applies.
			res = Response{Decision: cfg.DefaultDecision, Reviewer: "default", TimedOut: false}
		} else {
			res = out.res
		}
	case <-timeoutCh:
		res = Response{Decision: cfg.DefaultDecision, Reviewer: "default", TimedOut: true}
		g.mu.Lock()
		g.timeoutCount++
		g.mu.Unlock()
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}

	if !decisionAllowed(res.Decision, cfg.AllowedDecisions) {
		res.Decision = cfg.DefaultDecision
		res.Feedback = strings.TrimSpace(res.Feedback + " (decision outside gate policy, default applied)")
	}
	res.FeedbackType = NormalizeFeedbackType(res.FeedbackType)

	rec := Record{
		ID:           req.ID,
		FlowID:       flowID,
		Point:        point,
		Stage:        st,
		Decision:     res.Decision,
		Feedback:     res.Feedback,
		FeedbackType: res.FeedbackType,
		ElapsedS:     g.now().Sub(req.AskedAt).Seconds(),
		TimedOut:     res.TimedOut,
		DecidedAt:    g.now(),
	}
	g.mu.Lock()
	g.records = append(g.records, rec)
	g.mu.Unlock()
	return res, nil
}

// Records returns a copy of the decision log in decision order.
func (g *Gate) Records() []Record {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Record(nil), g.records...)
}

// TimeoutCount reports how many gates resolved by timeout.
func (g *Gate) TimeoutCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.timeoutCount
}

// Config returns the policy for point.
func (g *Gate) Config(point Point) (GateConfig, bool) {
	cfg, ok := g.configs[point]
	return cfg, ok
}

func decisionAllowed(d Decision, allowed []Decision) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == d {
			return true
		}
	}
	return false
}
