package review

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// AutoReviewer answers every request with the gate default immediately.
// It is the production default when no human is attached.
type AutoReviewer struct {
	// Decision, when set, overrides the request default.
	Decision Decision
	// Feedback and FeedbackType are attached to every answer.
	Feedback     string
	FeedbackType string
}

func (r *AutoReviewer) Ask(ctx context.Context, req Request) (Response, error) {
	d := req.DefaultDecision
	if r.Decision != "" {
		d = r.Decision
	}
	if d == "" {
		d = Approve
	}
	return Response{
		Decision:     d,
		Feedback:     r.Feedback,
		FeedbackType: r.FeedbackType,
		Reviewer:     "auto",
	}, nil
}

func (r *AutoReviewer) Inform(flowID, message string) {}

// ConsoleReviewer prompts on a terminal. The first line is the decision
// (approve/revise/reject, or a/r/x); a REVISE asks for one feedback line
// whose first word may be a feedback type (minor/major/pivot).
type ConsoleReviewer struct {
	In  io.Reader
	Out io.Writer

	mu     sync.Mutex
	reader *bufio.Reader
}

func (r *ConsoleReviewer) Ask(ctx context.Context, req Request) (Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reader == nil {
		r.reader = bufio.NewReader(r.In)
	}

	fmt.Fprintf(r.Out, "\n=== review: %s (flow %s, stage %s) ===\n", req.Point, req.FlowID, req.Stage)
	if req.Content != "" {
		fmt.Fprintf(r.Out, "%s\n", req.Content)
	}
	fmt.Fprintf(r.Out, "decision %v [default %s]: ", req.AllowedDecisions, req.DefaultDecision)

	line, err := r.reader.ReadString('\n')
	if err != nil && strings.TrimSpace(line) == "" {
		return Response{}, fmt.Errorf("read decision: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	raw := strings.TrimSpace(line)
	if raw == "" {
		return Response{Decision: req.DefaultDecision, Reviewer: "console"}, nil
	}
	decision, perr := ParseDecision(raw)
	if perr != nil {
		fmt.Fprintf(r.Out, "unrecognized decision %q, applying default %s\n", raw, req.DefaultDecision)
		return Response{Decision: req.DefaultDecision, Reviewer: "console"}, nil
	}

	res := Response{Decision: decision, Reviewer: "console"}
	if decision == Revise {
		fmt.Fprint(r.Out, "feedback (optionally starting minor/major/pivot): ")
		fb, _ := r.reader.ReadString('\n')
		fb = strings.TrimSpace(fb)
		if fb != "" {
			first, rest, _ := strings.Cut(fb, " ")
			if ft := NormalizeFeedbackType(first); ft != "" {
				res.FeedbackType = ft
				res.Feedback = strings.TrimSpace(rest)
			} else {
				res.Feedback = fb
			}
		}
	}
	return res, nil
}

func (r *ConsoleReviewer) Inform(flowID, message string) {
	fmt.Fprintf(r.Out, "[flow %s] %s\n", flowID, message)
}
