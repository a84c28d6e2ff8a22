package retry

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/zeebo/blake3"

	"github.com/jshapland/galley/internal/flow/stage"
)

// BackoffConfig shapes retry delays: delay = InitialDelay * Factor^(attempt-1),
// capped at MaxDelay, optionally jittered.
type BackoffConfig struct {
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
	Jitter       bool
}

// DefaultBackoff keeps jitter off so retry timing stays deterministic;
// deployments that fan many flows onto one upstream enable it.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 500 * time.Millisecond,
		Factor:       2.0,
		MaxDelay:     30 * time.Second,
		Jitter:       false,
	}
}

// DefaultStageMaxDelay returns the per-stage delay caps. Draft generation is
// the longest stage, so its retries are capped tighter to keep total run time
// inside the loop-prevention budget.
func DefaultStageMaxDelay() map[stage.Stage]time.Duration {
	return map[stage.Stage]time.Duration{
		stage.DraftGeneration: 10 * time.Second,
	}
}

// DelayForAttempt computes the backoff delay for a 1-indexed attempt: the
// first retry is attempt=1. The jitter multiplier is in [0.5, 1.5] and is
// derived from seed so re-running the same failure yields the same schedule.
func DelayForAttempt(attempt int, cfg BackoffConfig, seed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	factor := cfg.Factor
	if factor <= 0 {
		factor = 1.0
	}

	ms := float64(cfg.InitialDelay.Milliseconds()) * math.Pow(factor, float64(attempt-1))
	if cfg.MaxDelay > 0 {
		ms = math.Min(ms, float64(cfg.MaxDelay.Milliseconds()))
	}
	if cfg.Jitter {
		ms *= 0.5 + jitterUnit(seed)
	}
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms * float64(time.Millisecond))
}

// jitterUnit maps seed onto [0, 1].
func jitterUnit(seed string) float64 {
	sum := blake3.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}
