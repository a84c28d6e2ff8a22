package retry

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jshapland/galley/internal/flow/stage"
	"github.com/jshapland/galley/internal/flow/state"
)

// DefaultSignatureLimit is how many times the same normalized failure may
// occur before retries are refused regardless of remaining budget.
const DefaultSignatureLimit = 3

var (
	signatureWhitespaceRE = regexp.MustCompile(`\s+`)
	signatureHexRE        = regexp.MustCompile(`\b[0-9a-f]{7,64}\b`)
	signatureDigitsRE     = regexp.MustCompile(`\b\d+\b`)
)

// Config tunes a Manager. Zero values take defaults.
type Config struct {
	// MaxRetries caps attempts per stage; defaults to the run-state budget.
	MaxRetries map[stage.Stage]int
	// AllowAny lists stages whose unclassified failures may still retry.
	AllowAny map[stage.Stage]bool
	// SignatureLimit refuses retries once the same failure signature has
	// been seen this many times. Default 3.
	SignatureLimit int
	Backoff        BackoffConfig
	StageMaxDelay  map[stage.Stage]time.Duration
}

// Decision is the outcome of a retry consultation.
type Decision struct {
	Retry     bool
	Class     string
	Delay     time.Duration
	Signature string
	Repeats   int
	// Reason explains a refusal; empty when Retry is true.
	Reason string
}

// Manager owns retry policy: error classification, per-stage budgets,
// exponential backoff and deterministic-failure refusal. Attempt counters
// themselves live in the run state; the manager only decides.
type Manager struct {
	maxRetries     map[stage.Stage]int
	allowAny       map[stage.Stage]bool
	signatureLimit int
	backoff        BackoffConfig
	stageMaxDelay  map[stage.Stage]time.Duration

	mu         sync.Mutex
	signatures map[string]int
}

func NewManager(cfg Config) *Manager {
	maxRetries := cfg.MaxRetries
	if maxRetries == nil {
		maxRetries = state.DefaultMaxRetries()
	}
	limit := cfg.SignatureLimit
	if limit < 1 {
		limit = DefaultSignatureLimit
	}
	backoff := cfg.Backoff
	if backoff.InitialDelay == 0 && backoff.Factor == 0 && backoff.MaxDelay == 0 {
		backoff = DefaultBackoff()
	}
	stageMax := cfg.StageMaxDelay
	if stageMax == nil {
		stageMax = DefaultStageMaxDelay()
	}
	return &Manager{
		maxRetries:     maxRetries,
		allowAny:       cfg.AllowAny,
		signatureLimit: limit,
		backoff:        backoff,
		stageMaxDelay:  stageMax,
		signatures:     make(map[string]int),
	}
}

// ShouldRetry records the failure and decides whether attempt (the number of
// retries already consumed for st) may grow by one. A refusal names its
// reason so the engine can log it on the transition.
func (m *Manager) ShouldRetry(st stage.Stage, err error, attempt int) Decision {
	if err == nil {
		return Decision{Reason: "no error"}
	}
	class := ClassOf(err)
	sig := m.Signature(st, class, err)
	repeats := m.recordSignature(sig)
	d := Decision{Class: class, Signature: sig, Repeats: repeats}

	switch class {
	case ClassCircuitOpen:
		d.Reason = "circuit breaker rejections are not retried"
		return d
	case ClassCanceled:
		d.Reason = "canceled calls are not retried"
		return d
	}
	if !RetryableFor(st, class, m.allowAny[st]) {
		d.Reason = fmt.Sprintf("class %s is not retryable for %s", class, st)
		return d
	}
	if budget, ok := m.maxRetries[st]; !ok || attempt >= budget {
		d.Reason = fmt.Sprintf("retry budget exhausted for %s (%d used)", st, attempt)
		return d
	}
	if repeats >= m.signatureLimit {
		d.Reason = fmt.Sprintf("identical failure repeated %d times", repeats)
		return d
	}

	d.Retry = true
	d.Delay = m.delayFor(st, sig, attempt+1)
	return d
}

// Delay exposes the backoff schedule without recording a failure. attempt is
// 1-indexed like DelayForAttempt.
func (m *Manager) Delay(st stage.Stage, seed string, attempt int) time.Duration {
	return m.delayFor(st, seed, attempt)
}

func (m *Manager) delayFor(st stage.Stage, seed string, attempt int) time.Duration {
	cfg := m.backoff
	if limit, ok := m.stageMaxDelay[st]; ok && (cfg.MaxDelay <= 0 || limit < cfg.MaxDelay) {
		cfg.MaxDelay = limit
	}
	return DelayForAttempt(attempt, cfg, seed+":"+strconv.Itoa(attempt))
}

// Signature renders a stable identity for a failure: stage, class and the
// normalized reason with volatile tokens masked.
func (m *Manager) Signature(st stage.Stage, class string, err error) string {
	reason := normalizeFailureReason(err.Error())
	if reason == "" {
		reason = "class=" + class
	}
	return string(st) + "|" + class + "|" + reason
}

// SeenCount reports how many times sig has been recorded.
func (m *Manager) SeenCount(sig string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signatures[sig]
}

// ClearStage drops recorded signatures for st, typically after the stage
// finally succeeds so a later re-entry starts clean.
func (m *Manager) ClearStage(st stage.Stage) {
	prefix := string(st) + "|"
	m.mu.Lock()
	defer m.mu.Unlock()
	for sig := range m.signatures {
		if strings.HasPrefix(sig, prefix) {
			delete(m.signatures, sig)
		}
	}
}

// Signatures returns a copy of the signature counts for checkpointing.
func (m *Manager) Signatures() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.signatures))
	for k, v := range m.signatures {
		out[k] = v
	}
	return out
}

// RestoreSignatures reloads signature counts from a checkpoint.
func (m *Manager) RestoreSignatures(sigs map[string]int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signatures = make(map[string]int, len(sigs))
	for k, v := range sigs {
		if v > 0 {
			m.signatures[k] = v
		}
	}
}

func (m *Manager) recordSignature(sig string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signatures[sig]++
	return m.signatures[sig]
}

// normalizeFailureReason lowercases the reason and masks hashes, ids and
// counters so equivalent failures collapse onto one signature.
func normalizeFailureReason(reason string) string {
	reason = strings.ToLower(strings.TrimSpace(reason))
	if reason == "" {
		return ""
	}
	reason = signatureHexRE.ReplaceAllString(reason, "<hex>")
	reason = signatureDigitsRE.ReplaceAllString(reason, "<n>")
	reason = signatureWhitespaceRE.ReplaceAllString(reason, " ")
	reason = strings.TrimSpace(reason)
	if len(reason) > 240 {
		reason = reason[:240]
	}
	return reason
}
