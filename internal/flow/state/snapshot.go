package state

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"github.com/jshapland/galley/internal/flow/runtime"
	"github.com/jshapland/galley/internal/flow/stage"
)

// Snapshot is the stable serialized view of a FlowControlState. It is what
// checkpoints store and what recovery reads back. Context is filled by the
// engine (the run context lives outside this package).
type Snapshot struct {
	ExecutionID        string                              `json:"execution_id"`
	CurrentStage       stage.Stage                         `json:"current_stage"`
	CompletedStages    []stage.Stage                       `json:"completed_stages"`
	StartTime          time.Time                           `json:"start_time"`
	LastActivity       time.Time                           `json:"last_activity"`
	RetryCount         map[stage.Stage]int                 `json:"retry_count"`
	MaxRetries         map[stage.Stage]int                 `json:"max_retries"`
	TransitionHistory  []Transition                        `json:"transition_history"`
	StageResults       map[stage.Stage]runtime.StageResult `json:"stage_results"`
	BreakerState       map[stage.Stage]BreakerState        `json:"per_stage_cb_state"`
	BreakerFailures    map[stage.Stage]int                 `json:"per_stage_failures"`
	BreakerLastFailure map[stage.Stage]time.Time           `json:"per_stage_last_failure"`
	KillSwitch         KillSwitch                          `json:"kill_switch"`
	StageTimeoutsS     map[stage.Stage]int                 `json:"stage_timeouts"`
	EntryCounts        map[stage.Stage]int                 `json:"entry_counts"`
	HistoryLimit       int                                 `json:"history_limit"`
	FailureThreshold   int                                 `json:"failure_threshold"`
	RecoveryWindowS    int                                 `json:"recovery_window_s"`
	TotalResults       int                                 `json:"total_results"`
	SuccessfulResults  int                                 `json:"successful_results"`
	Context            map[string]any                      `json:"context,omitempty"`
}

// Snapshot returns a deep copy of the current state.
func (s *FlowControlState) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	completed := make([]stage.Stage, 0, len(s.completedStages))
	for _, st := range stage.All() {
		if s.completedStages[st] {
			completed = append(completed, st)
		}
	}
	history := make([]Transition, len(s.history))
	copy(history, s.history)

	results := make(map[stage.Stage]runtime.StageResult, len(s.stageResults))
	for k, v := range s.stageResults {
		if v.Output != nil {
			out := make(map[string]any, len(v.Output))
			for ok, ov := range v.Output {
				out[ok] = ov
			}
			v.Output = out
		}
		results[k] = v
	}
	timeouts := make(map[stage.Stage]int, len(s.stageTimeouts))
	for k, v := range s.stageTimeouts {
		timeouts[k] = int(v / time.Second)
	}
	cbState := make(map[stage.Stage]BreakerState, len(s.cbState))
	for k, v := range s.cbState {
		cbState[k] = v
	}
	cbLast := make(map[stage.Stage]time.Time, len(s.cbLastFailure))
	for k, v := range s.cbLastFailure {
		cbLast[k] = v
	}
	return Snapshot{
		ExecutionID:        s.executionID,
		CurrentStage:       s.currentStage,
		CompletedStages:    completed,
		StartTime:          s.startTime,
		LastActivity:       s.lastActivity,
		RetryCount:         copyIntMap(s.retryCount),
		MaxRetries:         copyIntMap(s.maxRetries),
		TransitionHistory:  history,
		StageResults:       results,
		BreakerState:       cbState,
		BreakerFailures:    copyIntMap(s.cbFailures),
		BreakerLastFailure: cbLast,
		KillSwitch:         s.killSwitch,
		StageTimeoutsS:     timeouts,
		EntryCounts:        copyIntMap(s.entryCounts),
		HistoryLimit:       s.historyLimit,
		FailureThreshold:   s.failureThreshold,
		RecoveryWindowS:    int(s.recoveryWindow / time.Second),
		TotalResults:       s.totalResults,
		SuccessfulResults:  s.successTotal,
	}
}

// FromSnapshot reconstructs a FlowControlState. The round trip preserves
// current stage, completed stages, retry counters, and transition history.
func FromSnapshot(snap Snapshot) (*FlowControlState, error) {
	if snap.ExecutionID == "" {
		return nil, fmt.Errorf("snapshot missing execution_id")
	}
	if !stage.Known(snap.CurrentStage) {
		return nil, fmt.Errorf("snapshot has unknown current_stage %q", string(snap.CurrentStage))
	}
	timeouts := make(map[stage.Stage]time.Duration, len(snap.StageTimeoutsS))
	for k, v := range snap.StageTimeoutsS {
		timeouts[k] = time.Duration(v) * time.Second
	}
	s := New(Config{
		ExecutionID:      snap.ExecutionID,
		MaxRetries:       snap.MaxRetries,
		StageTimeouts:    timeouts,
		HistoryLimit:     snap.HistoryLimit,
		FailureThreshold: snap.FailureThreshold,
		RecoveryWindow:   time.Duration(snap.RecoveryWindowS) * time.Second,
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentStage = snap.CurrentStage
	if !snap.StartTime.IsZero() {
		s.startTime = snap.StartTime
	}
	if !snap.LastActivity.IsZero() {
		s.lastActivity = snap.LastActivity
	}
	s.completedStages = map[stage.Stage]bool{}
	for _, st := range snap.CompletedStages {
		s.completedStages[st] = true
	}
	s.retryCount = copyIntMap(snap.RetryCount)
	if s.retryCount == nil {
		s.retryCount = map[stage.Stage]int{}
	}
	s.history = make([]Transition, len(snap.TransitionHistory))
	copy(s.history, snap.TransitionHistory)
	s.stageResults = make(map[stage.Stage]runtime.StageResult, len(snap.StageResults))
	for k, v := range snap.StageResults {
		s.stageResults[k] = v
	}
	s.cbState = make(map[stage.Stage]BreakerState, len(snap.BreakerState))
	for k, v := range snap.BreakerState {
		s.cbState[k] = v
	}
	s.cbFailures = copyIntMap(snap.BreakerFailures)
	if s.cbFailures == nil {
		s.cbFailures = map[stage.Stage]int{}
	}
	s.cbLastFailure = make(map[stage.Stage]time.Time, len(snap.BreakerLastFailure))
	for k, v := range snap.BreakerLastFailure {
		s.cbLastFailure[k] = v
	}
	s.killSwitch = snap.KillSwitch
	s.entryCounts = copyIntMap(snap.EntryCounts)
	if s.entryCounts == nil {
		s.entryCounts = map[stage.Stage]int{}
	}
	s.totalResults = snap.TotalResults
	s.successTotal = snap.SuccessfulResults
	if n := len(s.history); n > 0 {
		s.lastEntered = s.history[n-1].To
		s.consecutiveCount = 1
		for i := n - 2; i >= 0; i-- {
			if s.history[i].To != s.lastEntered {
				break
			}
			s.consecutiveCount++
		}
	}
	return s, nil
}

// Digest returns the BLAKE3 hex digest of the snapshot's canonical JSON.
// Checkpoints carry it so recovery can detect truncated or edited files.
func (snap Snapshot) Digest() (string, error) {
	b, err := json.Marshal(snap)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
