// Package alert evaluates KPI threshold rules on every recorded sample and
// manages the resulting alert lifecycle: active, escalated, suppressed,
// resolved. Notification dispatch runs on a worker so the metrics recording
// path never blocks on a channel.
package alert

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jshapland/galley/internal/flow/metrics"
)

// Severity orders alerts for display and escalation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Status is the alert lifecycle position.
type Status string

const (
	StatusActive     Status = "active"
	StatusResolved   Status = "resolved"
	StatusSuppressed Status = "suppressed"
	StatusEscalated  Status = "escalated"
)

// Comparison is the rule operator applied as value <op> threshold.
type Comparison string

const (
	Above Comparison = ">"
	Below Comparison = "<"
	Equal Comparison = "="
)

func ParseComparison(raw string) (Comparison, error) {
	switch strings.TrimSpace(raw) {
	case ">", "gt", "above":
		return Above, nil
	case "<", "lt", "below":
		return Below, nil
	case "=", "==", "eq":
		return Equal, nil
	default:
		return "", fmt.Errorf("unknown comparison %q", raw)
	}
}

const (
	DefaultCooldown            = 15 * time.Minute
	DefaultEscalationThreshold = 3
)

var ErrUnknownAlert = errors.New("unknown alert")

// Rule is one threshold check against a KPI.
type Rule struct {
	ID                  string        `json:"id" yaml:"id"`
	KPI                 string        `json:"kpi" yaml:"kpi"`
	Threshold           float64       `json:"threshold" yaml:"threshold"`
	Comparison          Comparison    `json:"comparison" yaml:"comparison"`
	Severity            Severity      `json:"severity" yaml:"severity"`
	Cooldown            time.Duration `json:"cooldown" yaml:"cooldown"`
	EscalationThreshold int           `json:"escalation_threshold" yaml:"escalation_threshold"`
	AutoResolve         bool          `json:"auto_resolve" yaml:"auto_resolve"`
}

func (r Rule) withDefaults() Rule {
	if r.Cooldown <= 0 {
		r.Cooldown = DefaultCooldown
	}
	if r.EscalationThreshold <= 0 {
		r.EscalationThreshold = DefaultEscalationThreshold
	}
	if r.Severity == "" {
		r.Severity = SeverityMedium
	}
	return r
}

// breached evaluates the rule condition against a value.
func (r Rule) breached(value float64) bool {
	switch r.Comparison {
	case Above:
		return value > r.Threshold
	case Below:
		return value < r.Threshold
	case Equal:
		return value == r.Threshold
	default:
		return false
	}
}

// Alert is one rule breach being tracked. A rule has at most one alert that
// is not resolved at any time.
type Alert struct {
	ID              string    `json:"id"`
	RuleID          string    `json:"rule_id"`
	KPI             string    `json:"kpi"`
	Severity        Severity  `json:"severity"`
	Status          Status    `json:"status"`
	Value           float64   `json:"value"`
	Threshold       float64   `json:"threshold"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	ResolvedAt      time.Time `json:"resolved_at,omitempty"`
	SuppressedUntil time.Time `json:"suppressed_until,omitempty"`
	EscalationCount int       `json:"escalation_count"`
	Message         string    `json:"message,omitempty"`
}

// Stats counts manager activity, including dispatch failures, which never
// affect the run.
type Stats struct {
	Evaluations        int `json:"evaluations"`
	AlertsCreated      int `json:"alerts_created"`
	AlertsResolved     int `json:"alerts_resolved"`
	AlertsEscalated    int `json:"alerts_escalated"`
	NotificationsSent  int `json:"notifications_sent"`
	NotificationErrors int `json:"notification_errors"`
}

// Config tunes a Manager.
type Config struct {
	Rules []Rule
	// Notifiers receive dispatches from the worker goroutine.
	Notifiers []Notifier
	// QueueSize bounds the dispatch queue; further notifications are counted
	// as errors rather than blocking. Default 256.
	QueueSize int
	Clock     func() time.Time
}

// Manager is the alert fabric. Evaluate hooks into the metrics collector's
// OnRecord and must stay fast: rule checks are in-memory and notifications
// queue to the worker.
type Manager struct {
	now   func() time.Time
	queue chan notification

	mu      sync.Mutex
	rules   map[string]Rule
	active  map[string]*Alert // keyed by rule ID
	history []Alert
	stats   Stats

	notifiers []Notifier
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type notification struct {
	alert Alert
	event string
}

func NewManager(cfg Config) *Manager {
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	m := &Manager{
		now:       func() time.Time { return time.Now().UTC() },
		queue:     make(chan notification, size),
		rules:     make(map[string]Rule),
		active:    make(map[string]*Alert),
		notifiers: append([]Notifier(nil), cfg.Notifiers...),
		done:      make(chan struct{}),
	}
	if cfg.Clock != nil {
		m.now = cfg.Clock
	}
	for _, r := range cfg.Rules {
		m.rules[r.ID] = r.withDefaults()
	}
	m.wg.Add(1)
	go m.dispatchLoop()
	return m
}

// AddRule registers or replaces a rule.
func (m *Manager) AddRule(r Rule) {
	m.mu.Lock()
	m.rules[r.ID] = r.withDefaults()
	m.mu.Unlock()
}

// Hook adapts the manager to the collector's OnRecord callback.
func (m *Manager) Hook() func(metrics.Sample) {
	return func(s metrics.Sample) { m.Evaluate(s.KPI, s.Value) }
}

// Evaluate runs every rule for the KPI against the value. First breach
// creates the alert; repeated breaches escalate even during cooldown, with
// only value updates and notification dispatch suppressed by it.
func (m *Manager) Evaluate(kpi string, value float64) {
	now := m.now()
	m.mu.Lock()
	m.stats.Evaluations++
	var out []notification
	for id, rule := range m.rules {
		if rule.KPI != kpi {
			continue
		}
		a := m.active[id]
		if a != nil && a.Status == StatusSuppressed {
			if now.Before(a.SuppressedUntil) {
				continue
			}
			a.Status = StatusActive
			a.SuppressedUntil = time.Time{}
		}
		if !rule.breached(value) {
			if a != nil && rule.AutoResolve {
				out = append(out, m.resolveLocked(a, now, "auto-resolved"))
			}
			continue
		}
		if a == nil {
			a = &Alert{
				ID:        ulid.Make().String(),
				RuleID:    id,
				KPI:       kpi,
				Severity:  rule.Severity,
				Status:    StatusActive,
				Value:     value,
				Threshold: rule.Threshold,
				CreatedAt: now,
				UpdatedAt: now,
				Message:   fmt.Sprintf("%s %s %g (observed %g)", kpi, rule.Comparison, rule.Threshold, value),
			}
			m.active[id] = a
			m.stats.AlertsCreated++
			out = append(out, notification{alert: *a, event: "created"})
			continue
		}
		// Escalation counting is never suppressed by cooldown.
		a.EscalationCount++
		escalated := false
		if a.Status != StatusEscalated && a.EscalationCount >= rule.EscalationThreshold {
			a.Status = StatusEscalated
			a.Severity = SeverityCritical
			m.stats.AlertsEscalated++
			escalated = true
		}
		inCooldown := now.Sub(a.UpdatedAt) < rule.Cooldown
		if !inCooldown {
			a.Value = value
			a.UpdatedAt = now
		}
		switch {
		case escalated:
			out = append(out, notification{alert: *a, event: "escalated"})
		case !inCooldown:
			out = append(out, notification{alert: *a, event: "re-breached"})
		}
	}
	m.mu.Unlock()
	for _, n := range out {
		m.enqueue(n)
	}
}

// AutoResolve resolves active alerts for the KPI whose rule condition no
// longer holds at the current value.
func (m *Manager) AutoResolve(kpi string, value float64) {
	now := m.now()
	m.mu.Lock()
	var out []notification
	for id, a := range m.active {
		rule, ok := m.rules[id]
		if !ok || rule.KPI != kpi || rule.breached(value) {
			continue
		}
		out = append(out, m.resolveLocked(a, now, "auto-resolved"))
	}
	m.mu.Unlock()
	for _, n := range out {
		m.enqueue(n)
	}
}

// Resolve manually resolves the alert with the given alert ID.
func (m *Manager) Resolve(alertID string) error {
	now := m.now()
	m.mu.Lock()
	var found *Alert
	for _, a := range m.active {
		if a.ID == alertID {
			found = a
			break
		}
	}
	if found == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAlert, alertID)
	}
	n := m.resolveLocked(found, now, "manually resolved")
	m.mu.Unlock()
	m.enqueue(n)
	return nil
}

// resolveLocked moves the alert to history. Callers hold m.mu.
func (m *Manager) resolveLocked(a *Alert, now time.Time, why string) notification {
	a.Status = StatusResolved
	a.ResolvedAt = now
	a.UpdatedAt = now
	a.Message = why
	m.stats.AlertsResolved++
	m.history = append(m.history, *a)
	delete(m.active, a.RuleID)
	return notification{alert: *a, event: "resolved"}
}

// Suppress marks the alert inactive for the duration. Breaches during
// suppression neither update nor notify.
func (m *Manager) Suppress(alertID string, d time.Duration) error {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.active {
		if a.ID == alertID {
			a.Status = StatusSuppressed
			a.SuppressedUntil = now.Add(d)
			a.UpdatedAt = now
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownAlert, alertID)
}

// Active returns the unresolved alerts, including suppressed and escalated
// ones.
func (m *Manager) Active() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, *a)
	}
	return out
}

// History returns resolved alerts oldest-first.
func (m *Manager) History() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.history...)
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Manager) enqueue(n notification) {
	if len(m.notifiers) == 0 {
		return
	}
	select {
	case m.queue <- n:
	default:
		m.mu.Lock()
		m.stats.NotificationErrors++
		m.mu.Unlock()
	}
}

func (m *Manager) dispatchLoop() {
	defer m.wg.Done()
	for {
		select {
		case n := <-m.queue:
			m.dispatch(n)
		case <-m.done:
			// Drain what is already queued, then stop.
			for {
				select {
				case n := <-m.queue:
					m.dispatch(n)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) dispatch(n notification) {
	for _, notifier := range m.notifiers {
		err := notifier.Notify(n.alert, n.event)
		m.mu.Lock()
		if err != nil {
			m.stats.NotificationErrors++
		} else {
			m.stats.NotificationsSent++
		}
		m.mu.Unlock()
	}
}

// Close stops the dispatch worker after draining queued notifications.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
	})
}
