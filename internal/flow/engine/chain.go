package engine

import (
	"errors"
	"strings"

	"github.com/jshapland/galley/internal/flow/review"
	"github.com/jshapland/galley/internal/flow/runtime"
	"github.com/jshapland/galley/internal/flow/stage"
	"github.com/jshapland/galley/internal/flow/validate"
)

// ErrAmbiguousRoute means two routing sources claimed different successors
// for the same stage completion. The run fails rather than guess.
var ErrAmbiguousRoute = errors.New("ambiguous route")

// ChainStep is one entry in the fixed execution sequence. When guards
// optional steps against the previous stage's outcome and the run context;
// an empty condition always runs.
type ChainStep struct {
	Stage      stage.Stage
	When       string
	SkipReason string
}

// DefaultChain is the canonical content pipeline. Research is conditional on
// the ownership predicate, which the engine publishes into the run context
// as conduct_research before the chain starts.
func DefaultChain() []ChainStep {
	return []ChainStep{
		{Stage: stage.InputValidation},
		{
			Stage:      stage.Research,
			When:       "context.conduct_research = true",
			SkipReason: "original content or research skipped by request",
		},
		{Stage: stage.AudienceAlign},
		{Stage: stage.DraftGeneration},
		{Stage: stage.StyleValidation},
		{Stage: stage.QualityCheck},
	}
}

// ShouldConductResearch is the research predicate: original content and
// explicit skips bypass the research stage.
func ShouldConductResearch(req runtime.FlowRequest) bool {
	return !(req.OriginalContent() || req.SkipResearch)
}

// NextAfterFeedback maps a revise decision's feedback type onto the stage to
// re-enter. A pivot restarts research unless the content is original, in
// which case there is nothing to research and alignment restarts instead.
// Absent or unknown feedback routes like minor.
func NextAfterFeedback(feedbackType, ownership string) stage.Stage {
	switch review.NormalizeFeedbackType(feedbackType) {
	case review.FeedbackMajor:
		return stage.AudienceAlign
	case review.FeedbackPivot:
		if strings.EqualFold(strings.TrimSpace(ownership), runtime.OwnershipOriginal) {
			return stage.AudienceAlign
		}
		return stage.Research
	default:
		return stage.StyleValidation
	}
}

// gateForStage places the four review points on the chain.
func gateForStage(s stage.Stage) (review.Point, bool) {
	switch s {
	case stage.InputValidation:
		return review.PointTopicViability, true
	case stage.DraftGeneration:
		return review.PointDraftCompletion, true
	case stage.StyleValidation:
		return review.PointRoutingOverride, true
	case stage.QualityCheck:
		return review.PointQualityGate, true
	default:
		return "", false
	}
}

// validationSteps renders the chain for the chain linter: each step lists
// its plausible canonical successors (the next step, plus the step after it
// when the next is conditional), and the last step routes to finalized.
func validationSteps(chain []ChainStep) []validate.ChainStep {
	steps := make([]validate.ChainStep, 0, len(chain))
	for i, step := range chain {
		var next []stage.Stage
		for j := i + 1; j < len(chain); j++ {
			next = append(next, chain[j].Stage)
			if chain[j].When == "" {
				break
			}
		}
		if len(next) == 0 || chain[len(chain)-1].Stage == step.Stage {
			next = append(next, stage.Finalized)
		}
		steps = append(steps, validate.ChainStep{Stage: step.Stage, Next: next})
	}
	return steps
}

// stepIndex locates s in the chain, or -1.
func stepIndex(chain []ChainStep, s stage.Stage) int {
	for i, step := range chain {
		if step.Stage == s {
			return i
		}
	}
	return -1
}
