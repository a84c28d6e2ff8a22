package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the breaker position. Closed passes calls through, Open rejects
// them, HalfOpen admits a single probe.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	// DefaultFailureThreshold applies to general-purpose breakers.
	DefaultFailureThreshold = 5
	// StageFailureThreshold applies to per-stage breakers in the engine.
	StageFailureThreshold = 3

	DefaultRecoveryTimeout = 300 * time.Second
)

// ErrOpen matches any rejection from an open breaker via errors.Is.
var ErrOpen = errors.New("circuit breaker open")

// OpenError is the fail-fast rejection. RetryAfter is how long until the
// recovery window permits a probe; zero for manually opened breakers, which
// only Reset releases.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
	Manual     bool
}

func (e *OpenError) Error() string {
	if e.Manual {
		return fmt.Sprintf("circuit breaker %q manually open", e.Name)
	}
	return fmt.Sprintf("circuit breaker %q open, retry after %s", e.Name, e.RetryAfter.Round(time.Millisecond))
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// StateMirror receives state pushes so the run state can checkpoint breaker
// positions. Implementations must not call back into the breaker.
type StateMirror interface {
	MirrorBreaker(name string, st State, failures int, lastFailure time.Time)
}

// Metrics receives breaker telemetry. The zero value of Config wires a
// no-op implementation.
type Metrics interface {
	RecordSuccess(name string, d time.Duration)
	RecordFailure(name string, d time.Duration)
	RecordStateChange(name string, from, to State)
	RecordRejection(name string)
}

type noopMetrics struct{}

func (noopMetrics) RecordSuccess(string, time.Duration) {}
func (noopMetrics) RecordFailure(string, time.Duration) {}
func (noopMetrics) RecordStateChange(string, State, State) {}
func (noopMetrics) RecordRejection(string)                 {}

// Config tunes a breaker. Zero values take defaults.
type Config struct {
	// FailureThreshold is how many consecutive expected failures open the
	// breaker. Default 5; the engine passes 3 for stage breakers.
	FailureThreshold int
	// RecoveryTimeout is how long an open breaker waits before admitting a
	// half-open probe. Default 300s.
	RecoveryTimeout time.Duration
	// ExpectedErr classifies failures that count toward the threshold.
	// Unexpected errors propagate with no state change. The default counts
	// every error except context cancellation.
	ExpectedErr func(error) bool
	// OnStateChange fires after a transition, outside the breaker lock.
	OnStateChange func(name string, from, to State)
	Mirror        StateMirror
	Metrics       Metrics
	Clock         func() time.Time
}

// Status is the observability block.
type Status struct {
	State             State     `json:"state"`
	Failures          int       `json:"failures"`
	LastFailure       time.Time `json:"last_failure,omitempty"`
	LastSuccess       time.Time `json:"last_success,omitempty"`
	TotalCalls        int64     `json:"total_calls"`
	Successes         int64     `json:"successes"`
	TotalFailures     int64     `json:"total_failures"`
	SuccessRate       float64   `json:"success_rate"`
	TimeSinceFailureS float64   `json:"time_since_failure_s"`
	// ManuallyOpened marks a ForceOpen breaker. When its recovery window has
	// elapsed, State reads half_open even though calls stay rejected until
	// Reset; the promotion is a read-side display, not a permit.
	ManuallyOpened bool `json:"manually_opened,omitempty"`
}

// Breaker is a per-stage three-state circuit breaker. The lock is never
// held across the guarded call.
type Breaker struct {
	name      string
	threshold int
	recovery  time.Duration
	expected  func(error) bool
	onChange  func(string, State, State)
	mirror    StateMirror
	metrics   Metrics
	now       func() time.Time

	mu            sync.Mutex
	state         State
	manual        bool
	openedAt      time.Time
	probeInFlight bool
	failures      int
	lastFailure   time.Time
	lastSuccess   time.Time
	totalCalls    int64
	successes     int64
	totalFailures int64
}

func New(name string, cfg Config) *Breaker {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	recovery := cfg.RecoveryTimeout
	if recovery <= 0 {
		recovery = DefaultRecoveryTimeout
	}
	expected := cfg.ExpectedErr
	if expected == nil {
		expected = func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	now := cfg.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		recovery:  recovery,
		expected:  expected,
		onChange:  cfg.OnStateChange,
		mirror:    cfg.Mirror,
		metrics:   metrics,
		now:       now,
		state:     Closed,
	}
}

func (b *Breaker) Name() string { return b.name }

// Call runs fn through the breaker. Rejections return *OpenError; fn's own
// error passes through unchanged so callers can classify it.
func (b *Breaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := b.acquire(); err != nil {
		b.metrics.RecordRejection(b.name)
		return err
	}
	start := b.now()
	err := fn(ctx)
	b.record(err, b.now().Sub(start))
	return err
}

// acquire decides whether a call may proceed, performing the open ->
// half_open promotion when the recovery window has elapsed.
func (b *Breaker) acquire() error {
	b.mu.Lock()
	var change *stateChange
	defer func() {
		b.mu.Unlock()
		b.notify(change)
	}()

	switch b.state {
	case Closed:
		b.totalCalls++
		return nil
	case Open:
		if b.manual {
			return &OpenError{Name: b.name, Manual: true}
		}
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.recovery {
			return &OpenError{Name: b.name, RetryAfter: b.recovery - elapsed}
		}
		change = b.transitionLocked(HalfOpen)
		b.probeInFlight = true
		b.totalCalls++
		return nil
	case HalfOpen:
		if b.probeInFlight {
			return &OpenError{Name: b.name, RetryAfter: b.recovery}
		}
		b.probeInFlight = true
		b.totalCalls++
		return nil
	default:
		return fmt.Errorf("circuit breaker %q in unknown state %d", b.name, int(b.state))
	}
}

func (b *Breaker) record(err error, elapsed time.Duration) {
	b.mu.Lock()
	var change *stateChange
	now := b.now()

	if err == nil {
		b.successes++
		b.lastSuccess = now
		b.failures = 0
		if b.state == HalfOpen {
			b.probeInFlight = false
			change = b.transitionLocked(Closed)
		}
		b.mu.Unlock()
		b.notify(change)
		b.metrics.RecordSuccess(b.name, elapsed)
		return
	}

	if !b.expected(err) {
		// Unexpected errors propagate without touching breaker state, but a
		// half-open probe slot must be released.
		if b.state == HalfOpen {
			b.probeInFlight = false
		}
		b.mu.Unlock()
		return
	}

	b.failures++
	b.totalFailures++
	b.lastFailure = now
	switch b.state {
	case HalfOpen:
		b.probeInFlight = false
		b.openedAt = now
		change = b.transitionLocked(Open)
	case Closed:
		if b.failures >= b.threshold {
			b.openedAt = now
			change = b.transitionLocked(Open)
		}
	}
	b.mu.Unlock()
	b.notify(change)
	b.metrics.RecordFailure(b.name, elapsed)
}

// Reset closes the breaker and clears counters toward the threshold.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.failures = 0
	b.manual = false
	b.probeInFlight = false
	var change *stateChange
	if b.state != Closed {
		change = b.transitionLocked(Closed)
	}
	b.mu.Unlock()
	b.notify(change)
}

// ForceOpen opens the breaker until Reset. Status reads promote the display
// to half_open once the recovery window elapses, but no call is admitted.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	b.manual = true
	b.openedAt = b.now()
	var change *stateChange
	if b.state != Open {
		change = b.transitionLocked(Open)
	}
	b.mu.Unlock()
	b.notify(change)
}

// Rejection returns the error a call would be rejected with right now, or
// nil when a call would be admitted. It never mutates state: an open breaker
// whose recovery window has elapsed reads as admissible, and the promotion
// happens on the next Call.
func (b *Breaker) Rejection() *OpenError {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		if b.manual {
			return &OpenError{Name: b.name, Manual: true}
		}
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.recovery {
			return &OpenError{Name: b.name, RetryAfter: b.recovery - elapsed}
		}
		return nil
	case HalfOpen:
		if b.probeInFlight {
			return &OpenError{Name: b.name, RetryAfter: b.recovery}
		}
		return nil
	default:
		return nil
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.state
	if b.manual && b.state == Open && b.now().Sub(b.openedAt) >= b.recovery {
		st = HalfOpen
	}
	var rate float64
	if b.totalCalls > 0 {
		rate = float64(b.successes) / float64(b.totalCalls)
	}
	var sinceFailure float64
	if !b.lastFailure.IsZero() {
		sinceFailure = b.now().Sub(b.lastFailure).Seconds()
	}
	return Status{
		State:             st,
		Failures:          b.failures,
		LastFailure:       b.lastFailure,
		LastSuccess:       b.lastSuccess,
		TotalCalls:        b.totalCalls,
		Successes:         b.successes,
		TotalFailures:     b.totalFailures,
		SuccessRate:       rate,
		TimeSinceFailureS: sinceFailure,
		ManuallyOpened:    b.manual,
	}
}

type stateChange struct{ from, to State }

// transitionLocked flips state and returns the change for post-unlock
// notification. Callers hold b.mu.
func (b *Breaker) transitionLocked(to State) *stateChange {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	return &stateChange{from: from, to: to}
}

// notify fires mirror, metrics and the state-change hook outside the lock.
func (b *Breaker) notify(change *stateChange) {
	if change == nil {
		return
	}
	b.mu.Lock()
	failures := b.failures
	lastFailure := b.lastFailure
	b.mu.Unlock()
	if b.mirror != nil {
		b.mirror.MirrorBreaker(b.name, change.to, failures, lastFailure)
	}
	b.metrics.RecordStateChange(b.name, change.from, change.to)
	if b.onChange != nil {
		b.onChange(b.name, change.from, change.to)
	}
}
