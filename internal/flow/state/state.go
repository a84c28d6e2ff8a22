package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jshapland/galley/internal/flow/runtime"
	"github.com/jshapland/galley/internal/flow/stage"
)

const (
	DefaultHistoryLimit          = 1000
	DefaultFailureThreshold      = 5
	DefaultRecoveryWindow        = 300 * time.Second
	DefaultMaxStageEntries       = 10
	DefaultMaxConsecutiveEntries = 3
)

// DefaultMaxRetries is the per-stage retry budget. Stages not listed get 0.
func DefaultMaxRetries() map[stage.Stage]int {
	return map[stage.Stage]int{
		stage.DraftGeneration: 3,
		stage.StyleValidation: 2,
		stage.QualityCheck:    2,
		stage.Research:        1,
	}
}

// DefaultStageTimeouts is the per-stage wall-clock budget.
func DefaultStageTimeouts() map[stage.Stage]time.Duration {
	return map[stage.Stage]time.Duration{
		stage.InputValidation: 30 * time.Second,
		stage.Research:        120 * time.Second,
		stage.AudienceAlign:   60 * time.Second,
		stage.DraftGeneration: 180 * time.Second,
		stage.StyleValidation: 90 * time.Second,
		stage.QualityCheck:    90 * time.Second,
	}
}

var (
	ErrTransitionRejected = errors.New("transition rejected")
	ErrKillSwitchActive   = errors.New("kill switch active")
	ErrTerminalStage      = errors.New("terminal stage admits no further work")
	ErrIllegalTransition  = errors.New("illegal transition")
	ErrStageCapExceeded   = errors.New("stage execution cap exceeded")
)

// TransitionError reports a rejected transition. errors.Is matches both
// ErrTransitionRejected and the specific cause.
type TransitionError struct {
	From  stage.Stage
	To    stage.Stage
	Cause error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transition %s -> %s rejected: %v", e.From, e.To, e.Cause)
}

func (e *TransitionError) Unwrap() error { return e.Cause }

func (e *TransitionError) Is(target error) bool { return target == ErrTransitionRejected }

// Transition is one accepted move, recorded immutably in history.
type Transition struct {
	ID     string      `json:"id"`
	From   stage.Stage `json:"from"`
	To     stage.Stage `json:"to"`
	TS     time.Time   `json:"ts"`
	Reason string      `json:"reason,omitempty"`
}

// BreakerState mirrors the per-stage circuit breaker into the run state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// KillSwitch is the global transition gate. While active, only
// ForceTransitionToFailed may move the run.
type KillSwitch struct {
	Active      bool      `json:"active"`
	Reason      string    `json:"reason,omitempty"`
	ActivatedAt time.Time `json:"activated_at,omitempty"`
}

// Config tunes a new FlowControlState. Zero values take the defaults above.
type Config struct {
	ExecutionID           string
	MaxRetries            map[stage.Stage]int
	StageTimeouts         map[stage.Stage]time.Duration
	HistoryLimit          int
	FailureThreshold      int
	RecoveryWindow        time.Duration
	MaxStageEntries       int
	MaxConsecutiveEntries int
	Clock                 func() time.Time
}

// FlowControlState is the authoritative per-run aggregate: current stage,
// transition history, retry counters, breaker mirrors, and the global kill
// switch. All mutations go through its methods under one lock; getters
// return copies.
type FlowControlState struct {
	mu sync.Mutex

	executionID     string
	currentStage    stage.Stage
	completedStages map[stage.Stage]bool
	startTime       time.Time
	lastActivity    time.Time

	retryCount map[stage.Stage]int
	maxRetries map[stage.Stage]int

	history      []Transition
	historyLimit int

	stageResults map[stage.Stage]runtime.StageResult
	totalResults int
	successTotal int

	cbState          map[stage.Stage]BreakerState
	cbFailures       map[stage.Stage]int
	cbLastFailure    map[stage.Stage]time.Time
	failureThreshold int
	recoveryWindow   time.Duration

	killSwitch KillSwitch

	stageTimeouts map[stage.Stage]time.Duration

	entryCounts      map[stage.Stage]int
	lastEntered      stage.Stage
	consecutiveCount int
	maxStageEntries  int
	maxConsecutive   int

	now func() time.Time
}

func New(cfg Config) *FlowControlState {
	now := cfg.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	id := cfg.ExecutionID
	if id == "" {
		id = ulid.Make().String()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == nil {
		maxRetries = DefaultMaxRetries()
	}
	timeouts := cfg.StageTimeouts
	if timeouts == nil {
		timeouts = DefaultStageTimeouts()
	}
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	window := cfg.RecoveryWindow
	if window <= 0 {
		window = DefaultRecoveryWindow
	}
	maxEntries := cfg.MaxStageEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxStageEntries
	}
	maxConsec := cfg.MaxConsecutiveEntries
	if maxConsec <= 0 {
		maxConsec = DefaultMaxConsecutiveEntries
	}
	s := &FlowControlState{
		executionID:      id,
		currentStage:     stage.InputValidation,
		completedStages:  map[stage.Stage]bool{},
		startTime:        now(),
		retryCount:       map[stage.Stage]int{},
		maxRetries:       copyIntMap(maxRetries),
		historyLimit:     limit,
		stageResults:     map[stage.Stage]runtime.StageResult{},
		cbState:          map[stage.Stage]BreakerState{},
		cbFailures:       map[stage.Stage]int{},
		cbLastFailure:    map[stage.Stage]time.Time{},
		failureThreshold: threshold,
		recoveryWindow:   window,
		stageTimeouts:    copyDurationMap(timeouts),
		entryCounts:      map[stage.Stage]int{},
		maxStageEntries:  maxEntries,
		maxConsecutive:   maxConsec,
		now:              now,
	}
	s.lastActivity = s.startTime
	s.lastEntered = s.currentStage
	s.entryCounts[s.currentStage] = 1
	s.consecutiveCount = 1
	return s
}

func (s *FlowControlState) ExecutionID() string { s.mu.Lock(); defer s.mu.Unlock(); return s.executionID }

func (s *FlowControlState) CurrentStage() stage.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentStage
}

func (s *FlowControlState) StartTime() time.Time { s.mu.Lock(); defer s.mu.Unlock(); return s.startTime }

// AddTransition validates and records a move to the given stage. Rejections
// come back as *TransitionError wrapping the specific cause.
func (s *FlowControlState) AddTransition(to stage.Stage, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.currentStage
	if s.killSwitch.Active {
		return &TransitionError{From: from, To: to, Cause: ErrKillSwitchActive}
	}
	if from.Terminal() && to != stage.Failed {
		return &TransitionError{From: from, To: to, Cause: ErrTerminalStage}
	}
	if from == stage.Failed {
		// A failed run stays failed; even repeat failure stamps are refused.
		return &TransitionError{From: from, To: to, Cause: ErrTerminalStage}
	}
	if !stage.CanTransition(from, to) {
		return &TransitionError{From: from, To: to, Cause: ErrIllegalTransition}
	}
	if !to.Terminal() {
		if s.entryCounts[to]+1 > s.maxStageEntries {
			return &TransitionError{From: from, To: to, Cause: fmt.Errorf("%w: %s entered %d times (max %d)", ErrStageCapExceeded, to, s.entryCounts[to], s.maxStageEntries)}
		}
		if to == s.lastEntered && s.consecutiveCount+1 > s.maxConsecutive {
			return &TransitionError{From: from, To: to, Cause: fmt.Errorf("%w: %s entered %d times consecutively (max %d)", ErrStageCapExceeded, to, s.consecutiveCount, s.maxConsecutive)}
		}
	}
	s.appendTransitionLocked(from, to, reason)
	return nil
}

// ForceTransitionToFailed always succeeds, bypassing the kill switch and the
// transition table. It stamps history unless the run is already failed.
func (s *FlowControlState) ForceTransitionToFailed(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentStage == stage.Failed {
		return
	}
	s.appendTransitionLocked(s.currentStage, stage.Failed, reason)
}

func (s *FlowControlState) appendTransitionLocked(from, to stage.Stage, reason string) {
	ts := s.now()
	s.history = append(s.history, Transition{
		ID:     ulid.Make().String(),
		From:   from,
		To:     to,
		TS:     ts,
		Reason: reason,
	})
	if len(s.history) > s.historyLimit {
		// Trim to half, keeping the newest entries.
		keep := s.historyLimit / 2
		trimmed := make([]Transition, keep)
		copy(trimmed, s.history[len(s.history)-keep:])
		s.history = trimmed
	}
	s.currentStage = to
	s.lastActivity = ts
	if to == s.lastEntered {
		s.consecutiveCount++
	} else {
		s.lastEntered = to
		s.consecutiveCount = 1
	}
	s.entryCounts[to]++
}

// MarkStageComplete records the stage result. Only a success adds the stage
// to the completed set; failures and timeouts keep it re-enterable.
func (s *FlowControlState) MarkStageComplete(st stage.Stage, result runtime.StageResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stageResults[st] = result
	s.totalResults++
	if result.Status == runtime.StatusSuccess {
		s.successTotal++
		s.completedStages[st] = true
	}
	s.lastActivity = s.now()
}

// MarkStageSkipped records a skipped result (research predicate, breaker
// fallbacks that bypass a stage).
func (s *FlowControlState) MarkStageSkipped(st stage.Stage, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stageResults[st] = runtime.StageResult{
		Status:    runtime.StatusSkipped,
		Output:    map[string]any{"note": reason},
		Timestamp: s.now(),
	}
	s.totalResults++
	s.lastActivity = s.now()
}

func (s *FlowControlState) IncrementRetry(st stage.Stage) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryCount[st]++
	return s.retryCount[st]
}

func (s *FlowControlState) CanRetry(st stage.Stage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount[st] < s.maxRetries[st]
}

func (s *FlowControlState) RetryCount(st stage.Stage) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount[st]
}

func (s *FlowControlState) MaxRetries(st stage.Stage) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxRetries[st]
}

// UpdateCircuitBreaker is the state-level breaker bookkeeping: success
// closes and clears, failure counts toward the threshold and opens at it.
func (s *FlowControlState) UpdateCircuitBreaker(st stage.Stage, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if success {
		s.cbFailures[st] = 0
		s.cbState[st] = BreakerClosed
		return
	}
	s.cbFailures[st]++
	s.cbLastFailure[st] = s.now()
	if s.cbFailures[st] >= s.failureThreshold {
		s.cbState[st] = BreakerOpen
	}
}

// ShouldAttemptCircuitRecovery reports whether the stage breaker is open and
// its recovery window has elapsed.
func (s *FlowControlState) ShouldAttemptCircuitRecovery(st stage.Stage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cbState[st] != BreakerOpen {
		return false
	}
	last, ok := s.cbLastFailure[st]
	if !ok {
		return true
	}
	return s.now().Sub(last) > s.recoveryWindow
}

// MirrorBreaker is the C3 attachment point: the per-stage breaker pushes its
// state changes here so checkpoints see them.
func (s *FlowControlState) MirrorBreaker(st stage.Stage, bs BreakerState, failures int, lastFailure time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cbState[st] = bs
	s.cbFailures[st] = failures
	if !lastFailure.IsZero() {
		s.cbLastFailure[st] = lastFailure
	}
}

func (s *FlowControlState) BreakerState(st stage.Stage) BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bs, ok := s.cbState[st]; ok {
		return bs
	}
	return BreakerClosed
}

func (s *FlowControlState) ActivateKillSwitch(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.killSwitch.Active {
		return
	}
	s.killSwitch = KillSwitch{Active: true, Reason: reason, ActivatedAt: s.now()}
}

func (s *FlowControlState) DeactivateKillSwitch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killSwitch = KillSwitch{}
}

func (s *FlowControlState) KillSwitch() KillSwitch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killSwitch
}

func (s *FlowControlState) StageTimeout(st stage.Stage) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stageTimeouts[st]
}

func (s *FlowControlState) SetStageTimeout(st stage.Stage, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.stageTimeouts[st] = d
	}
}

// Touch refreshes the activity timestamp read by the stall watchdog.
func (s *FlowControlState) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = s.now()
}

func (s *FlowControlState) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *FlowControlState) History() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transition, len(s.history))
	copy(out, s.history)
	return out
}

func (s *FlowControlState) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// CompletedStages returns the successful stages in declaration order.
func (s *FlowControlState) CompletedStages() []stage.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stage.Stage, 0, len(s.completedStages))
	for _, st := range stage.All() {
		if s.completedStages[st] {
			out = append(out, st)
		}
	}
	return out
}

func (s *FlowControlState) IsCompleted(st stage.Stage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completedStages[st]
}

func (s *FlowControlState) StageResult(st stage.Stage) (runtime.StageResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.stageResults[st]
	return r, ok
}

// Totals reports recorded results and how many succeeded (flow efficiency).
func (s *FlowControlState) Totals() (total, successful int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalResults, s.successTotal
}

func (s *FlowControlState) EntryCount(st stage.Stage) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entryCounts[st]
}

func copyIntMap(in map[stage.Stage]int) map[stage.Stage]int {
	out := make(map[stage.Stage]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyDurationMap(in map[stage.Stage]time.Duration) map[stage.Stage]time.Duration {
	out := make(map[stage.Stage]time.Duration, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
