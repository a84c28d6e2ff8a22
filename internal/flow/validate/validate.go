// Package validate rejects bad flow requests and malformed chain tables
// before a run starts. Request checking is schema-driven; chain checking is
// a set of lint rules mirroring the stage transition table.
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jshapland/galley/internal/flow/runtime"
	"github.com/jshapland/galley/internal/flow/stage"
)

// ErrValidation matches every validation refusal via errors.Is.
var ErrValidation = errors.New("validation failed")

// RequestError carries the schema violations for a rejected request.
type RequestError struct {
	Violations []string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("flow request rejected: %s", strings.Join(e.Violations, "; "))
}

func (e *RequestError) Is(target error) bool { return target == ErrValidation }

const requestSchema = `{
  "type": "object",
  "required": ["topic", "platform", "ownership"],
  "additionalProperties": false,
  "properties": {
    "topic":          {"type": "string", "minLength": 1, "maxLength": 500},
    "platform":       {"type": "string", "minLength": 2, "maxLength": 64},
    "ownership":      {"type": "string", "enum": ["ORIGINAL", "EXTERNAL"]},
    "skip_research":  {"type": "boolean"},
    "strict_kb":      {"type": "boolean"},
    "audience_notes": {"type": "string", "maxLength": 2000},
    "style_guide":    {"type": "string", "maxLength": 5000},
    "metadata":       {"type": "object"}
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("flow_request.json", strings.NewReader(requestSchema)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("flow_request.json")
	})
	return schema, schemaErr
}

// Request validates req against the embedded schema. The request should be
// normalized first so ownership casing does not produce spurious failures.
func Request(req runtime.FlowRequest) error {
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile flow request schema: %w", err)
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode flow request: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode flow request: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return &RequestError{Violations: flattenViolations(ve)}
		}
		return &RequestError{Violations: []string{err.Error()}}
	}
	return nil
}

// flattenViolations walks the cause tree to leaf messages.
func flattenViolations(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{fmt.Sprintf("%s: %s", loc, ve.Message)}
	}
	var out []string
	for _, cause := range ve.Causes {
		out = append(out, flattenViolations(cause)...)
	}
	return out
}

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Stage    string   `json:"stage,omitempty"`
	EdgeFrom string   `json:"edge_from,omitempty"`
	EdgeTo   string   `json:"edge_to,omitempty"`
	Fix      string   `json:"fix,omitempty"`
}

// ChainStep is the engine's chain table as seen by the linter: one entry per
// stage with its candidate successors (canonical next plus predicate routes).
type ChainStep struct {
	Stage stage.Stage
	Next  []stage.Stage
}

// Chain lints the chain table: stages known and unique, successors present
// and legal, a path to FINALIZED, nothing unreachable.
func Chain(steps []ChainStep) []Diagnostic {
	var diags []Diagnostic
	if len(steps) == 0 {
		return []Diagnostic{{Rule: "chain_empty", Severity: SeverityError, Message: "chain has no steps"}}
	}

	index := make(map[stage.Stage]int, len(steps))
	for i, step := range steps {
		if !stage.Known(step.Stage) {
			diags = append(diags, Diagnostic{
				Rule: "stage_unknown", Severity: SeverityError,
				Message: fmt.Sprintf("step %d names unknown stage %q", i, step.Stage),
				Stage:   string(step.Stage),
			})
			continue
		}
		if prev, dup := index[step.Stage]; dup {
			diags = append(diags, Diagnostic{
				Rule: "stage_duplicate", Severity: SeverityError,
				Message: fmt.Sprintf("stage %s appears at steps %d and %d", step.Stage, prev, i),
				Stage:   string(step.Stage),
			})
			continue
		}
		index[step.Stage] = i
	}

	reachesFinal := false
	for _, step := range steps {
		if !stage.Known(step.Stage) {
			continue
		}
		if step.Stage.Terminal() && len(step.Next) > 0 {
			diags = append(diags, Diagnostic{
				Rule: "terminal_outgoing", Severity: SeverityError,
				Message: fmt.Sprintf("terminal stage %s lists successors", step.Stage),
				Stage:   string(step.Stage),
				Fix:     "terminal steps must have no successors",
			})
		}
		for _, next := range step.Next {
			if next == stage.Finalized {
				reachesFinal = true
			}
			if !stage.Known(next) {
				diags = append(diags, Diagnostic{
					Rule: "successor_unknown", Severity: SeverityError,
					Message:  fmt.Sprintf("stage %s lists unknown successor %q", step.Stage, next),
					EdgeFrom: string(step.Stage), EdgeTo: string(next),
				})
				continue
			}
			if !stage.CanTransition(step.Stage, next) {
				diags = append(diags, Diagnostic{
					Rule: "successor_illegal", Severity: SeverityError,
					Message:  fmt.Sprintf("transition %s -> %s is not in the stage table", step.Stage, next),
					EdgeFrom: string(step.Stage), EdgeTo: string(next),
				})
			}
			if _, ok := index[next]; !ok && !next.Terminal() {
				diags = append(diags, Diagnostic{
					Rule: "successor_missing_step", Severity: SeverityError,
					Message:  fmt.Sprintf("successor %s of %s has no chain step", next, step.Stage),
					EdgeFrom: string(step.Stage), EdgeTo: string(next),
					Fix:      "add a chain step for the successor or drop the route",
				})
			}
		}
	}
	if !reachesFinal {
		diags = append(diags, Diagnostic{
			Rule: "terminal_missing", Severity: SeverityError,
			Message: "no step routes to " + string(stage.Finalized),
		})
	}

	diags = append(diags, lintReachability(steps, index)...)
	return diags
}

// lintReachability walks successor edges from the first step and flags steps
// no route reaches.
func lintReachability(steps []ChainStep, index map[stage.Stage]int) []Diagnostic {
	if len(steps) == 0 {
		return nil
	}
	seen := map[stage.Stage]bool{steps[0].Stage: true}
	queue := []stage.Stage{steps[0].Stage}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		i, ok := index[cur]
		if !ok {
			continue
		}
		for _, next := range steps[i].Next {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	var diags []Diagnostic
	for _, step := range steps[1:] {
		if stage.Known(step.Stage) && !seen[step.Stage] {
			diags = append(diags, Diagnostic{
				Rule: "stage_unreachable", Severity: SeverityWarning,
				Message: fmt.Sprintf("no route reaches stage %s", step.Stage),
				Stage:   string(step.Stage),
			})
		}
	}
	return diags
}

// HasErrors reports whether any diagnostic is an error.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// FormatDiagnostics renders one diagnostic per line for CLI output.
func FormatDiagnostics(diags []Diagnostic) string {
	var b strings.Builder
	for _, d := range diags {
		fmt.Fprintf(&b, "%s [%s] %s", d.Severity, d.Rule, d.Message)
		if d.Fix != "" {
			fmt.Fprintf(&b, " (fix: %s)", d.Fix)
		}
		b.WriteString("\n")
	}
	return b.String()
}
