package server

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/jshapland/galley/internal/flow/review"
)

// HTTPReviewer satisfies review.Reviewer by parking requests until an HTTP
// client posts a decision. The engine goroutine blocks inside Ask until
// Decide delivers a response; the gate's own timeout resolves abandoned
// requests, so Ask never needs a timer of its own.
//
// Multiple requests can be pending at once when several flows share one
// server instance.
type HTTPReviewer struct {
	mu       sync.Mutex
	pending  map[string]*pendingReview
	cancelCh chan struct{}
	logger   *log.Logger
}

type pendingReview struct {
	req review.Request
	ch  chan review.Response
}

// NewHTTPReviewer creates an empty reviewer queue. logger may be nil.
func NewHTTPReviewer(logger *log.Logger) *HTTPReviewer {
	return &HTTPReviewer{
		pending:  make(map[string]*pendingReview),
		cancelCh: make(chan struct{}),
		logger:   logger,
	}
}

// Ask implements review.Reviewer. It blocks until a decision is posted, the
// caller's context ends, or the reviewer is canceled. The gate assigns
// request IDs, which double as the HTTP review IDs.
func (hr *HTTPReviewer) Ask(ctx context.Context, req review.Request) (review.Response, error) {
	ch := make(chan review.Response, 1)
	hr.mu.Lock()
	hr.pending[req.ID] = &pendingReview{req: req, ch: ch}
	hr.mu.Unlock()

	defer func() {
		hr.mu.Lock()
		delete(hr.pending, req.ID)
		hr.mu.Unlock()
	}()

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return review.Response{}, ctx.Err()
	case <-hr.cancelCh:
		return review.Response{}, fmt.Errorf("reviewer shut down")
	}
}

// Inform implements review.Reviewer.
func (hr *HTTPReviewer) Inform(flowID, message string) {
	if hr.logger != nil {
		hr.logger.Printf("[%s] %s", flowID, message)
	}
}

// Pending lists parked requests, oldest first.
func (hr *HTTPReviewer) Pending() []PendingReview {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	out := make([]PendingReview, 0, len(hr.pending))
	for _, p := range hr.pending {
		allowed := make([]string, len(p.req.AllowedDecisions))
		for i, d := range p.req.AllowedDecisions {
			allowed[i] = string(d)
		}
		out = append(out, PendingReview{
			ReviewID:         p.req.ID,
			FlowID:           p.req.FlowID,
			Point:            string(p.req.Point),
			Stage:            string(p.req.Stage),
			Content:          p.req.Content,
			Context:          p.req.Context,
			AllowedDecisions: allowed,
			DefaultDecision:  string(p.req.DefaultDecision),
			TimeoutS:         p.req.Timeout.Seconds(),
			AskedAt:          p.req.AskedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AskedAt.Before(out[j].AskedAt) })
	return out
}

// Decide delivers a decision to a pending request. Returns false when the id
// matches nothing, which also covers requests already decided or expired.
func (hr *HTTPReviewer) Decide(id string, res review.Response) bool {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	p, ok := hr.pending[id]
	if !ok {
		return false
	}
	select {
	case p.ch <- res:
		delete(hr.pending, id)
		return true
	default:
		return false
	}
}

// Cancel unblocks every in-flight Ask with an error, so the gates fall back
// to their default decisions. Safe to call more than once.
func (hr *HTTPReviewer) Cancel() {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	select {
	case <-hr.cancelCh:
	default:
		close(hr.cancelCh)
	}
}

// WaitPending blocks until at least one request is parked or the deadline
// passes. Test helper for racing the engine goroutine.
func (hr *HTTPReviewer) WaitPending(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		hr.mu.Lock()
		n := len(hr.pending)
		hr.mu.Unlock()
		if n > 0 {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}
