package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

// Bucket is one closed aggregation window for one KPI. Every sample assigned
// to it satisfies Start <= ts < Start+interval.
type Bucket struct {
	KPI   string    `json:"kpi"`
	Start time.Time `json:"start"`
	Count int       `json:"count"`
	Sum   float64   `json:"sum"`
	Min   float64   `json:"min"`
	Max   float64   `json:"max"`
	Avg   float64   `json:"avg"`
}

// Aggregator rolls samples into fixed-width buckets anchored to the earliest
// observed sample, not wall-clock boundaries. On resume it continues from the
// bucket after the last one it closed; samples landing in or before that
// bucket are dropped rather than double-counted.
type Aggregator struct {
	mu       sync.Mutex
	interval time.Duration
	anchor   time.Time
	// lastClosed is the start of the newest closed bucket; zero when none.
	lastClosed time.Time
	open       map[string]*Bucket
	closed     []Bucket
}

func NewAggregator(interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = DefaultAggInterval
	}
	return &Aggregator{interval: interval, open: make(map[string]*Bucket)}
}

type aggregateFile struct {
	Anchor     time.Time `json:"anchor,omitempty"`
	IntervalS  int       `json:"interval_s"`
	LastClosed time.Time `json:"last_closed,omitempty"`
	Buckets    []Bucket  `json:"buckets"`
	SavedAt    time.Time `json:"saved_at"`
}

// resumeAggregator loads previously-closed buckets so aggregation picks up
// where the last process stopped. A missing file starts fresh.
func resumeAggregator(path string, interval time.Duration) (*Aggregator, error) {
	a := NewAggregator(interval)
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return a, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read aggregates: %w", err)
	}
	var f aggregateFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse aggregates: %w", err)
	}
	a.anchor = f.Anchor
	a.lastClosed = f.LastClosed
	a.closed = f.Buckets
	if f.IntervalS > 0 {
		a.interval = time.Duration(f.IntervalS) * time.Second
	}
	return a, nil
}

// Observe assigns the samples to buckets and closes every bucket older than
// the newest sample's bucket.
func (a *Aggregator) Observe(samples []Sample) {
	if len(samples) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var newest time.Time
	for _, s := range samples {
		ts := s.TS.UTC()
		if a.anchor.IsZero() {
			a.anchor = ts
		}
		if ts.Before(a.anchor) {
			continue
		}
		start := a.bucketStart(ts)
		if !a.lastClosed.IsZero() && !start.After(a.lastClosed) {
			continue
		}
		key := s.KPI + "|" + start.Format(time.RFC3339Nano)
		b, ok := a.open[key]
		if !ok {
			b = &Bucket{KPI: s.KPI, Start: start, Min: s.Value, Max: s.Value}
			a.open[key] = b
		}
		b.Count++
		b.Sum += s.Value
		if s.Value < b.Min {
			b.Min = s.Value
		}
		if s.Value > b.Max {
			b.Max = s.Value
		}
		if ts.After(newest) {
			newest = ts
		}
	}
	if newest.IsZero() {
		return
	}
	a.closeBefore(a.bucketStart(newest))
}

func (a *Aggregator) bucketStart(ts time.Time) time.Time {
	k := ts.Sub(a.anchor) / a.interval
	return a.anchor.Add(k * a.interval)
}

// closeBefore finalizes every open bucket starting before the given bucket
// start. Callers hold a.mu.
func (a *Aggregator) closeBefore(frontier time.Time) {
	var closing []Bucket
	for key, b := range a.open {
		if b.Start.Before(frontier) {
			b.Avg = b.Sum / float64(b.Count)
			closing = append(closing, *b)
			delete(a.open, key)
		}
	}
	if len(closing) == 0 {
		return
	}
	sort.Slice(closing, func(i, j int) bool {
		if closing[i].Start.Equal(closing[j].Start) {
			return closing[i].KPI < closing[j].KPI
		}
		return closing[i].Start.Before(closing[j].Start)
	})
	a.closed = append(a.closed, closing...)
	last := closing[len(closing)-1].Start
	if last.After(a.lastClosed) {
		a.lastClosed = last
	}
}

// FlushOpen closes every open bucket regardless of the frontier, typically
// on shutdown.
func (a *Aggregator) FlushOpen() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeBefore(a.anchor.Add(1<<62 - 1))
}

// Buckets returns the closed buckets oldest-first.
func (a *Aggregator) Buckets() []Bucket {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Bucket(nil), a.closed...)
}

// DropBefore removes closed buckets from days before cutoff (YYYY-MM-DD).
func (a *Aggregator) DropBefore(cutoffDay string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.closed[:0]
	for _, b := range a.closed {
		if b.Start.Format(dayLayout) >= cutoffDay {
			kept = append(kept, b)
		}
	}
	a.closed = kept
}

// Save persists the closed buckets and resume cursor.
func (a *Aggregator) Save(path string, now time.Time) error {
	a.mu.Lock()
	f := aggregateFile{
		Anchor:     a.anchor,
		IntervalS:  int(a.interval / time.Second),
		LastClosed: a.lastClosed,
		Buckets:    append([]Bucket(nil), a.closed...),
		SavedAt:    now,
	}
	a.mu.Unlock()
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
