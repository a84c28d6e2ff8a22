package stage

import (
	"fmt"
	"strings"
)

// Stage is one node in the content-generation state machine.
type Stage string

const (
	InputValidation Stage = "input_validation"
	Research        Stage = "research"
	AudienceAlign   Stage = "audience_align"
	DraftGeneration Stage = "draft_generation"
	StyleValidation Stage = "style_validation"
	QualityCheck    Stage = "quality_check"
	Finalized       Stage = "finalized"
	Failed          Stage = "failed"
)

// all lists every stage in declaration order. Declaration order is load-bearing:
// when two successors are otherwise equally preferred, the earlier one wins.
var all = []Stage{
	InputValidation,
	Research,
	AudienceAlign,
	DraftGeneration,
	StyleValidation,
	QualityCheck,
	Finalized,
	Failed,
}

// transitions is the allowed-transition table. Entries are ordered; the order
// is the tie-break when routing is ambiguous. Two families of edges are
// implicit and not listed here: ANY -> Failed (always permitted) and
// same-stage self-transitions on non-terminal stages (retry semantics).
//
// Revision edges (draft_generation -> audience_align etc.) exist because
// review feedback can send a run backwards: "minor" re-enters style
// validation, "major" re-enters audience alignment, "pivot" restarts
// research when the content is not original.
var transitions = map[Stage][]Stage{
	InputValidation: {Research, AudienceAlign},
	// research -> input_validation is the recovery back-edge: a research pass
	// that invalidates its inputs may send the run back to validation. Kept
	// deliberately; see TestRecoveryBackEdge.
	Research:        {AudienceAlign, InputValidation},
	AudienceAlign:   {DraftGeneration},
	DraftGeneration: {StyleValidation, AudienceAlign, Research},
	StyleValidation: {QualityCheck, DraftGeneration},
	QualityCheck:    {Finalized, StyleValidation, AudienceAlign, Research},
	Finalized:       {},
	Failed:          {},
}

// All returns every stage in declaration order.
func All() []Stage {
	out := make([]Stage, len(all))
	copy(out, all)
	return out
}

// NonTerminal returns the working stages in declaration order.
func NonTerminal() []Stage {
	out := make([]Stage, 0, len(all)-2)
	for _, s := range all {
		if !s.Terminal() {
			out = append(out, s)
		}
	}
	return out
}

// Known reports whether s is one of the eight declared stages.
func Known(s Stage) bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether the stage ends a run.
func (s Stage) Terminal() bool {
	return s == Finalized || s == Failed
}

// IsTerminal reports whether the stage ends a run.
func IsTerminal(s Stage) bool { return s.Terminal() }

// AllowedNext returns the successors of s in tie-break order. The implicit
// edges (self-transition, -> Failed) are included so callers see the full
// picture; Failed is always last.
func AllowedNext(s Stage) []Stage {
	base, ok := transitions[s]
	if !ok {
		return nil
	}
	out := make([]Stage, 0, len(base)+2)
	out = append(out, base...)
	if !s.Terminal() && !contains(out, s) {
		out = append(out, s)
	}
	if s != Failed && !contains(out, Failed) {
		out = append(out, Failed)
	}
	return out
}

// CanTransition reports whether a -> b is an accepted move. Any stage may
// fail; a non-terminal stage may re-enter itself; everything else consults
// the table. Terminal stages admit no edges other than -> Failed.
func CanTransition(a, b Stage) bool {
	if !Known(a) || !Known(b) {
		return false
	}
	if b == Failed {
		return true
	}
	if a.Terminal() {
		return false
	}
	if a == b {
		return true
	}
	return contains(transitions[a], b)
}

// Parse converts a wire name into a Stage. Both the lower-case wire form and
// the upper-case historical form (INPUT_VALIDATION) are accepted.
func Parse(s string) (Stage, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	st := Stage(normalized)
	if !Known(st) {
		return "", fmt.Errorf("unknown stage %q", s)
	}
	return st, nil
}

// MustParse is Parse for init-time wiring; it panics on unknown names.
func MustParse(s string) Stage {
	st, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return st
}

func (s Stage) String() string { return string(s) }

func (s Stage) MarshalText() ([]byte, error) {
	if !Known(s) {
		return nil, fmt.Errorf("unknown stage %q", string(s))
	}
	return []byte(s), nil
}

func (s *Stage) UnmarshalText(b []byte) error {
	st, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

func contains(list []Stage, s Stage) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
