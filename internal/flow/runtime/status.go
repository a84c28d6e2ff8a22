package runtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jshapland/galley/internal/flow/stage"
)

// Status is the terminal disposition of one stage execution.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
	StatusSkipped Status = "skipped"
)

func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success", "ok":
		return StatusSuccess, nil
	case "failed", "fail", "failure", "error":
		return StatusFailed, nil
	case "timeout", "timed_out", "deadline":
		return StatusTimeout, nil
	case "skipped", "skip":
		return StatusSkipped, nil
	default:
		return "", fmt.Errorf("invalid stage status %q", s)
	}
}

func (s Status) Valid() bool {
	_, err := ParseStatus(string(s))
	return err == nil
}

// Failure reports whether the status counts as a failure for the breaker and
// retry policies. Timeouts count; skips do not.
func (s Status) Failure() bool {
	return s == StatusFailed || s == StatusTimeout
}

// Outcome is what a stage handler returns. Output feeds the StageResult;
// ContextUpdates merge into the run context where routing predicates read
// them (feedback_type, compliant, quality_score and friends).
type Outcome struct {
	Status         Status         `json:"status"`
	Output         map[string]any `json:"output,omitempty"`
	ContextUpdates map[string]any `json:"context_updates,omitempty"`
	Notes          string         `json:"notes,omitempty"`
	FailureReason  string         `json:"failure_reason,omitempty"`
	// Optional: handler-specific metadata (not used for routing).
	Meta map[string]any `json:"meta,omitempty"`
}

func (o Outcome) Canonicalize() (Outcome, error) {
	st, err := ParseStatus(string(o.Status))
	if err != nil {
		return Outcome{}, err
	}
	o.Status = st
	if o.Output == nil {
		o.Output = map[string]any{}
	}
	if o.ContextUpdates == nil {
		o.ContextUpdates = map[string]any{}
	}
	if o.Meta == nil {
		o.Meta = map[string]any{}
	}
	return o, nil
}

func (o Outcome) Validate() error {
	co, err := o.Canonicalize()
	if err != nil {
		return err
	}
	if co.Status.Failure() && strings.TrimSpace(co.FailureReason) == "" {
		return fmt.Errorf("failure_reason must be non-empty when status=%q", co.Status)
	}
	return nil
}

func DecodeOutcomeJSON(b []byte) (Outcome, error) {
	var o Outcome
	if err := json.Unmarshal(b, &o); err != nil {
		return Outcome{}, err
	}
	if o.Status == "" {
		return Outcome{}, fmt.Errorf("outcome JSON missing status")
	}
	return o.Canonicalize()
}

// StageResult is the durable record of one stage, kept in FlowControlState
// and in checkpoints.
type StageResult struct {
	Status     Status         `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	DurationS  float64        `json:"duration_s"`
	RetryCount int            `json:"retry_count"`
	Error      string         `json:"error,omitempty"`
	Agent      string         `json:"agent,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// StageExecution wraps one in-flight handler invocation. It is short-lived:
// the engine creates it when a stage starts and completes it into a
// StageResult.
type StageExecution struct {
	Stage        stage.Stage
	StartTime    time.Time
	EndTime      time.Time
	Success      bool
	Result       map[string]any
	Err          error
	RetryAttempt int
	ExecutionID  string
}

func NewStageExecution(s stage.Stage, executionID string, attempt int, now time.Time) *StageExecution {
	return &StageExecution{Stage: s, ExecutionID: executionID, RetryAttempt: attempt, StartTime: now}
}

// Complete closes the execution with the given disposition and returns the
// StageResult to record. agent names the handler that ran.
func (e *StageExecution) Complete(status Status, output map[string]any, err error, agent string, now time.Time) StageResult {
	e.EndTime = now
	e.Success = status == StatusSuccess
	e.Result = output
	e.Err = err
	res := StageResult{
		Status:     status,
		Output:     output,
		DurationS:  now.Sub(e.StartTime).Seconds(),
		RetryCount: e.RetryAttempt,
		Agent:      agent,
		Timestamp:  now,
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}
