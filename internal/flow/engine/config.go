package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jshapland/galley/internal/flow/alert"
	"github.com/jshapland/galley/internal/flow/retry"
	"github.com/jshapland/galley/internal/flow/review"
	"github.com/jshapland/galley/internal/flow/runtime"
	"github.com/jshapland/galley/internal/flow/stage"
	"github.com/jshapland/galley/internal/flow/state"
)

// Duration decodes from config as either a bare number (seconds, fractions
// allowed) or a Go duration string ("90s", "2m30s").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) set(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	dd, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("duration %q: want seconds or a duration string", raw)
	}
	*d = Duration(dd)
	return nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration: want a scalar, got %v", value.Kind)
	}
	return d.set(value.Value)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.set(s)
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("duration: want seconds or a duration string, got %s", string(b))
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// FlowSection is the request the run executes.
type FlowSection struct {
	Topic         string         `json:"topic" yaml:"topic"`
	Platform      string         `json:"platform" yaml:"platform"`
	Ownership     string         `json:"ownership" yaml:"ownership"`
	SkipResearch  bool           `json:"skip_research,omitempty" yaml:"skip_research,omitempty"`
	StrictKB      bool           `json:"strict_kb,omitempty" yaml:"strict_kb,omitempty"`
	AudienceNotes string         `json:"audience_notes,omitempty" yaml:"audience_notes,omitempty"`
	StyleGuide    string         `json:"style_guide,omitempty" yaml:"style_guide,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Request converts the section into the normalized run request.
func (s FlowSection) Request() runtime.FlowRequest {
	return runtime.FlowRequest{
		Topic:         s.Topic,
		Platform:      s.Platform,
		Ownership:     s.Ownership,
		SkipResearch:  s.SkipResearch,
		StrictKB:      s.StrictKB,
		AudienceNotes: s.AudienceNotes,
		StyleGuide:    s.StyleGuide,
		Metadata:      s.Metadata,
	}.Normalize()
}

// RetrySection tunes the retry manager. Stage keys use wire names.
type RetrySection struct {
	Max            map[string]int      `json:"max,omitempty" yaml:"max,omitempty"`
	AllowAny       []string            `json:"allow_any,omitempty" yaml:"allow_any,omitempty"`
	SignatureLimit int                 `json:"signature_limit,omitempty" yaml:"signature_limit,omitempty"`
	InitialDelay   Duration            `json:"initial_delay,omitempty" yaml:"initial_delay,omitempty"`
	Factor         float64             `json:"factor,omitempty" yaml:"factor,omitempty"`
	MaxDelay       Duration            `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	Jitter         bool                `json:"jitter,omitempty" yaml:"jitter,omitempty"`
	StageMaxDelay  map[string]Duration `json:"stage_max_delay,omitempty" yaml:"stage_max_delay,omitempty"`
}

// Manager builds the retry manager from the section; zero values fall back
// to package defaults.
func (s RetrySection) Manager() (*retry.Manager, error) {
	maxRetries, err := stageIntMap(s.Max)
	if err != nil {
		return nil, fmt.Errorf("retries.max: %w", err)
	}
	var allowAny map[stage.Stage]bool
	if len(s.AllowAny) > 0 {
		allowAny = make(map[stage.Stage]bool, len(s.AllowAny))
		for _, name := range s.AllowAny {
			st, err := stage.Parse(name)
			if err != nil {
				return nil, fmt.Errorf("retries.allow_any: %w", err)
			}
			allowAny[st] = true
		}
	}
	backoff := retry.DefaultBackoff()
	if s.InitialDelay > 0 {
		backoff.InitialDelay = s.InitialDelay.Std()
	}
	if s.Factor > 0 {
		backoff.Factor = s.Factor
	}
	if s.MaxDelay > 0 {
		backoff.MaxDelay = s.MaxDelay.Std()
	}
	backoff.Jitter = s.Jitter
	stageMax, err := stageDurationMap(s.StageMaxDelay)
	if err != nil {
		return nil, fmt.Errorf("retries.stage_max_delay: %w", err)
	}
	return retry.NewManager(retry.Config{
		MaxRetries:     maxRetries,
		AllowAny:       allowAny,
		SignatureLimit: s.SignatureLimit,
		Backoff:        backoff,
		StageMaxDelay:  stageMax,
	}), nil
}

// BreakerSection tunes the per-stage circuit breakers.
type BreakerSection struct {
	FailureThreshold int      `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	RecoveryTimeout  Duration `json:"recovery_timeout,omitempty" yaml:"recovery_timeout,omitempty"`
}

// LoopGuardSection tunes the loop prevention counters. The stage entry caps
// at the bottom belong to the run state; the guard is the monitor, the state
// caps are the gate.
type LoopGuardSection struct {
	MethodCap    int      `json:"method_cap,omitempty" yaml:"method_cap,omitempty"`
	StageCap     int      `json:"stage_cap,omitempty" yaml:"stage_cap,omitempty"`
	RunCap       Duration `json:"run_cap,omitempty" yaml:"run_cap,omitempty"`
	DetectWindow Duration `json:"detect_window,omitempty" yaml:"detect_window,omitempty"`
	DetectEvery  Duration `json:"detect_every,omitempty" yaml:"detect_every,omitempty"`

	MaxStageEntries       int `json:"max_stage_entries,omitempty" yaml:"max_stage_entries,omitempty"`
	MaxConsecutiveEntries int `json:"max_consecutive_entries,omitempty" yaml:"max_consecutive_entries,omitempty"`
}

// GateSection configures one review gate.
type GateSection struct {
	Enabled          *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	AllowedDecisions []string `json:"allowed_decisions,omitempty" yaml:"allowed_decisions,omitempty"`
	Timeout          Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	DefaultDecision  string   `json:"default_decision,omitempty" yaml:"default_decision,omitempty"`
}

// Gate merges the section onto a base gate policy.
func (s GateSection) Gate(base review.GateConfig) (review.GateConfig, error) {
	if s.Enabled != nil {
		base.Enabled = *s.Enabled
	}
	if len(s.AllowedDecisions) > 0 {
		decisions := make([]review.Decision, 0, len(s.AllowedDecisions))
		for _, raw := range s.AllowedDecisions {
			d, err := review.ParseDecision(raw)
			if err != nil {
				return base, err
			}
			decisions = append(decisions, d)
		}
		base.AllowedDecisions = decisions
	}
	if s.Timeout > 0 {
		base.Timeout = s.Timeout.Std()
	}
	if s.DefaultDecision != "" {
		d, err := review.ParseDecision(s.DefaultDecision)
		if err != nil {
			return base, err
		}
		base.DefaultDecision = d
	}
	return base, nil
}

// MetricsSection tunes the KPI collector and the optional file storage.
type MetricsSection struct {
	Enabled   *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Dir       string   `json:"dir,omitempty" yaml:"dir,omitempty"`
	History   int      `json:"history,omitempty" yaml:"history,omitempty"`
	Window    Duration `json:"window,omitempty" yaml:"window,omitempty"`
	Retention Duration `json:"retention,omitempty" yaml:"retention,omitempty"`
}

// AlertRuleSection is one threshold rule.
type AlertRuleSection struct {
	ID                  string   `json:"id" yaml:"id"`
	KPI                 string   `json:"kpi" yaml:"kpi"`
	Threshold           float64  `json:"threshold" yaml:"threshold"`
	Comparison          string   `json:"comparison" yaml:"comparison"`
	Severity            string   `json:"severity,omitempty" yaml:"severity,omitempty"`
	Cooldown            Duration `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
	EscalationThreshold int      `json:"escalation_threshold,omitempty" yaml:"escalation_threshold,omitempty"`
	AutoResolve         *bool    `json:"auto_resolve,omitempty" yaml:"auto_resolve,omitempty"`
}

// AlertsSection lists the rules and the channels they notify.
type AlertsSection struct {
	Rules   []AlertRuleSection `json:"rules,omitempty" yaml:"rules,omitempty"`
	Console bool               `json:"console,omitempty" yaml:"console,omitempty"`
	Webhook string             `json:"webhook,omitempty" yaml:"webhook,omitempty"`
	Email   EmailSection       `json:"email,omitempty" yaml:"email,omitempty"`
}

// EmailSection configures the SMTP channel.
type EmailSection struct {
	Addr string   `json:"addr,omitempty" yaml:"addr,omitempty"`
	From string   `json:"from,omitempty" yaml:"from,omitempty"`
	To   []string `json:"to,omitempty" yaml:"to,omitempty"`
}

// Manager builds the alert manager, or nil when no rules are configured.
func (s AlertsSection) Manager() (*alert.Manager, error) {
	if len(s.Rules) == 0 {
		return nil, nil
	}
	rules := make([]alert.Rule, 0, len(s.Rules))
	for _, raw := range s.Rules {
		cmp, err := alert.ParseComparison(raw.Comparison)
		if err != nil {
			return nil, fmt.Errorf("alert rule %q: %w", raw.ID, err)
		}
		rule := alert.Rule{
			ID:                  raw.ID,
			KPI:                 raw.KPI,
			Threshold:           raw.Threshold,
			Comparison:          cmp,
			Severity:            alert.Severity(raw.Severity),
			Cooldown:            raw.Cooldown.Std(),
			EscalationThreshold: raw.EscalationThreshold,
			AutoResolve:         true,
		}
		if raw.AutoResolve != nil {
			rule.AutoResolve = *raw.AutoResolve
		}
		rules = append(rules, rule)
	}
	var notifiers []alert.Notifier
	if s.Console {
		notifiers = append(notifiers, &alert.ConsoleNotifier{Out: os.Stderr})
	}
	if s.Webhook != "" {
		notifiers = append(notifiers, &alert.WebhookNotifier{URL: s.Webhook})
	}
	if s.Email.Addr != "" {
		notifiers = append(notifiers, &alert.EmailNotifier{Addr: s.Email.Addr, From: s.Email.From, To: s.Email.To})
	}
	return alert.NewManager(alert.Config{Rules: rules, Notifiers: notifiers}), nil
}

// PersistenceSection picks and tunes the checkpoint backend.
type PersistenceSection struct {
	Backend   string   `json:"backend,omitempty" yaml:"backend,omitempty"`
	Dir       string   `json:"dir,omitempty" yaml:"dir,omitempty"`
	Addr      string   `json:"addr,omitempty" yaml:"addr,omitempty"`
	Password  string   `json:"password,omitempty" yaml:"password,omitempty"`
	DB        int      `json:"db,omitempty" yaml:"db,omitempty"`
	TTL       Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
	Retention Duration `json:"retention,omitempty" yaml:"retention,omitempty"`
}

// FlowConfig is the full flow definition file.
type FlowConfig struct {
	Flow         FlowSection            `json:"flow" yaml:"flow"`
	Retries      RetrySection           `json:"retries,omitempty" yaml:"retries,omitempty"`
	Timeouts     map[string]Duration    `json:"timeouts,omitempty" yaml:"timeouts,omitempty"`
	Breakers     BreakerSection         `json:"breakers,omitempty" yaml:"breakers,omitempty"`
	LoopGuard    LoopGuardSection       `json:"loop_guard,omitempty" yaml:"loop_guard,omitempty"`
	Review       map[string]GateSection `json:"review,omitempty" yaml:"review,omitempty"`
	Metrics      MetricsSection         `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Alerts       AlertsSection          `json:"alerts,omitempty" yaml:"alerts,omitempty"`
	Persistence  PersistenceSection     `json:"persistence,omitempty" yaml:"persistence,omitempty"`
	StallTimeout Duration               `json:"stall_timeout,omitempty" yaml:"stall_timeout,omitempty"`
}

// LoadFlowConfig reads a flow definition from path. The extension picks the
// codec (.json is JSON, anything else is YAML); both decode strictly so a
// misspelled key fails loudly instead of silently taking a default.
func LoadFlowConfig(path string) (*FlowConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseFlowConfig(b, strings.ToLower(filepath.Ext(path)))
}

// ParseFlowConfig decodes, defaults and validates a flow definition.
func ParseFlowConfig(b []byte, ext string) (*FlowConfig, error) {
	var cfg FlowConfig
	switch ext {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *FlowConfig) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *FlowConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func (c *FlowConfig) validate() error {
	if _, err := stageDurationMap(c.Timeouts); err != nil {
		return fmt.Errorf("timeouts: %w", err)
	}
	for name := range c.Review {
		if !knownPoint(name) {
			return fmt.Errorf("review: unknown gate point %q", name)
		}
	}
	switch c.Persistence.Backend {
	case "", "file", "redis":
	default:
		return fmt.Errorf("persistence.backend: want file or redis, got %q", c.Persistence.Backend)
	}
	if c.Persistence.Backend == "redis" && c.Persistence.Addr == "" {
		return fmt.Errorf("persistence.addr is required for the redis backend")
	}
	for _, rule := range c.Alerts.Rules {
		if rule.ID == "" || rule.KPI == "" {
			return fmt.Errorf("alert rules need id and kpi")
		}
		if _, err := alert.ParseComparison(rule.Comparison); err != nil {
			return fmt.Errorf("alert rule %q: %w", rule.ID, err)
		}
	}
	if _, err := c.Retries.Manager(); err != nil {
		return err
	}
	return nil
}

// GateConfigs merges the review section onto the default gate policies.
func (c *FlowConfig) GateConfigs() (map[review.Point]review.GateConfig, error) {
	configs := review.DefaultGateConfigs()
	for name, section := range c.Review {
		point := review.Point(name)
		merged, err := section.Gate(configs[point])
		if err != nil {
			return nil, fmt.Errorf("review.%s: %w", name, err)
		}
		configs[point] = merged
	}
	return configs, nil
}

// StateConfig builds the run-state tuning for a flow ID.
func (c *FlowConfig) StateConfig(flowID string, clock func() time.Time) (state.Config, error) {
	timeouts, err := stageDurationMap(c.Timeouts)
	if err != nil {
		return state.Config{}, err
	}
	maxRetries, err := stageIntMap(c.Retries.Max)
	if err != nil {
		return state.Config{}, err
	}
	return state.Config{
		ExecutionID:           flowID,
		MaxRetries:            maxRetries,
		StageTimeouts:         timeouts,
		FailureThreshold:      c.Breakers.FailureThreshold,
		RecoveryWindow:        c.Breakers.RecoveryTimeout.Std(),
		MaxStageEntries:       c.LoopGuard.MaxStageEntries,
		MaxConsecutiveEntries: c.LoopGuard.MaxConsecutiveEntries,
		Clock:                 clock,
	}, nil
}

func knownPoint(name string) bool {
	for _, p := range review.Points() {
		if string(p) == name {
			return true
		}
	}
	return false
}

func stageIntMap(in map[string]int) (map[stage.Stage]int, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[stage.Stage]int, len(in))
	for name, v := range in {
		st, err := stage.Parse(name)
		if err != nil {
			return nil, err
		}
		out[st] = v
	}
	return out, nil
}

func stageDurationMap(in map[string]Duration) (map[stage.Stage]time.Duration, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[stage.Stage]time.Duration, len(in))
	for name, v := range in {
		st, err := stage.Parse(name)
		if err != nil {
			return nil, err
		}
		out[st] = v.Std()
	}
	return out, nil
}
