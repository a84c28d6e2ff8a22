package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Strategy selects how a query consults the knowledge base and file corpus.
type Strategy string

const (
	KBFirst   Strategy = "kb_first"
	FileFirst Strategy = "file_first"
	Hybrid    Strategy = "hybrid"
	KBOnly    Strategy = "kb_only"
)

// ErrKBUnavailable is returned for kb_only queries when the knowledge base
// cannot serve.
var ErrKBUnavailable = errors.New("knowledge base unavailable")

// ParseStrategy folds wire names onto the canonical constants.
func ParseStrategy(raw string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "kb_first", "kb-first":
		return KBFirst, nil
	case "file_first", "file-first":
		return FileFirst, nil
	case "hybrid":
		return Hybrid, nil
	case "kb_only", "kb-only":
		return KBOnly, nil
	default:
		return "", fmt.Errorf("unknown search strategy %q", raw)
	}
}

// Query is one research lookup.
type Query struct {
	Text           string
	Limit          int
	ScoreThreshold float64
	Strategy       Strategy
}

// Item is one scored knowledge base hit.
type Item struct {
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
	Source  string  `json:"source"`
}

// Result is the research payload handed to the draft stage.
type Result struct {
	Items          []Item   `json:"items"`
	FileContent    string   `json:"file_content,omitempty"`
	KBAvailable    bool     `json:"kb_available"`
	StrategyUsed   Strategy `json:"strategy_used"`
	ResponseTimeMS float64  `json:"response_time_ms"`
}

// Stats is the search telemetry block surfaced into flow metadata.
type Stats struct {
	TotalQueries      int     `json:"total_queries"`
	KBSuccesses       int     `json:"kb_successes"`
	KBErrors          int     `json:"kb_errors"`
	FileSearches      int     `json:"file_searches"`
	KBAvailability    float64 `json:"kb_availability"`
	AvgResponseTimeMS float64 `json:"avg_response_time_ms"`
}

// Service is the research capability. Implementations must be safe for
// concurrent use; the engine calls Search through the research breaker.
type Service interface {
	Search(ctx context.Context, q Query) (Result, error)
	Stats() Stats
}

// StaticService serves canned content. It is the default backend for the
// research handler and the fake used in engine tests.
type StaticService struct {
	// Items are returned for every query, filtered by score and limit.
	Items []Item
	// FileContent backs file_first/hybrid lookups.
	FileContent string
	// KBDown simulates knowledge base loss: kb_only queries error, others
	// fall back to file content.
	KBDown bool
	// Err, when set, fails every query after recording stats.
	Err error
	// Clock is injectable for deterministic response times.
	Clock func() time.Time

	mu           sync.Mutex
	totalQueries int
	kbSuccesses  int
	kbErrors     int
	fileSearches int
	totalMS      float64
}

func (s *StaticService) Search(ctx context.Context, q Query) (Result, error) {
	now := s.Clock
	if now == nil {
		now = time.Now
	}
	start := now()
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	strategy := q.Strategy
	if strategy == "" {
		strategy = KBFirst
	}

	s.mu.Lock()
	s.totalQueries++
	s.mu.Unlock()

	if s.Err != nil {
		s.mu.Lock()
		s.kbErrors++
		s.mu.Unlock()
		return Result{}, s.Err
	}

	res := Result{KBAvailable: !s.KBDown, StrategyUsed: strategy}
	useKB := !s.KBDown
	useFile := false
	switch strategy {
	case KBOnly:
		if s.KBDown {
			s.mu.Lock()
			s.kbErrors++
			s.mu.Unlock()
			return Result{}, ErrKBUnavailable
		}
	case FileFirst:
		useFile = true
		useKB = false
	case Hybrid:
		useFile = true
	case KBFirst:
		if s.KBDown {
			useFile = true
		}
	}

	if useKB {
		for _, item := range s.Items {
			if q.ScoreThreshold > 0 && item.Score < q.ScoreThreshold {
				continue
			}
			res.Items = append(res.Items, item)
			if q.Limit > 0 && len(res.Items) >= q.Limit {
				break
			}
		}
		s.mu.Lock()
		s.kbSuccesses++
		s.mu.Unlock()
	}
	if useFile {
		res.FileContent = s.FileContent
		s.mu.Lock()
		s.fileSearches++
		s.mu.Unlock()
	}

	elapsed := now().Sub(start)
	res.ResponseTimeMS = float64(elapsed.Microseconds()) / 1000.0
	s.mu.Lock()
	s.totalMS += res.ResponseTimeMS
	s.mu.Unlock()
	return res, nil
}

func (s *StaticService) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		TotalQueries: s.totalQueries,
		KBSuccesses:  s.kbSuccesses,
		KBErrors:     s.kbErrors,
		FileSearches: s.fileSearches,
	}
	if attempts := s.kbSuccesses + s.kbErrors; attempts > 0 {
		st.KBAvailability = float64(s.kbSuccesses) / float64(attempts)
	}
	if s.totalQueries > 0 {
		st.AvgResponseTimeMS = s.totalMS / float64(s.totalQueries)
	}
	return st
}
