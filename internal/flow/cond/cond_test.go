package cond

import (
	"testing"

	"github.com/jshapland/galley/internal/flow/runtime"
)

func TestEvaluate(t *testing.T) {
	ctx := runtime.NewContext()
	ctx.Set("compliant", true)
	ctx.Set("context.feedback_type", "minor")

	out := runtime.Outcome{Status: runtime.StatusSuccess}

	cases := []struct {
		cond string
		want bool
	}{
		{"", true},
		{"outcome=success", true},
		{"outcome!=failed", true},
		{"stage=draft_generation", true},
		{"context.compliant=true", true},
		{"context.feedback_type!=major", true},
		{"outcome=failed", false},
		{"stage=research", false},
		{"context.missing=foo", false},
	}
	for _, tc := range cases {
		got, err := Evaluate(tc.cond, out, "draft_generation", ctx)
		if err != nil {
			t.Fatalf("Evaluate(%q) error: %v", tc.cond, err)
		}
		if got != tc.want {
			t.Fatalf("Evaluate(%q)=%v, want %v", tc.cond, got, tc.want)
		}
	}
}

func TestEvaluate_BareKeyTruthiness(t *testing.T) {
	ctx := runtime.NewContext()
	ctx.Set("skip_research", false)
	ctx.Set("topic", "distributed tracing")

	out := runtime.Outcome{Status: runtime.StatusSuccess}

	cases := []struct {
		cond string
		want bool
	}{
		{"topic", true},
		{"skip_research", false},
		{"unset_key", false},
	}
	for _, tc := range cases {
		got, err := Evaluate(tc.cond, out, "research", ctx)
		if err != nil {
			t.Fatalf("Evaluate(%q) error: %v", tc.cond, err)
		}
		if got != tc.want {
			t.Fatalf("Evaluate(%q)=%v, want %v", tc.cond, got, tc.want)
		}
	}
}

func TestEvaluate_OutcomeAliasesMatch(t *testing.T) {
	// Guard conditions using aliases (e.g. outcome=fail) must match the
	// canonical form produced by ParseStatus (e.g. "failed").
	ctx := runtime.NewContext()

	cases := []struct {
		name   string
		status runtime.Status
		cond   string
		want   bool
	}{
		{"fail_alias_eq", runtime.StatusFailed, "outcome=fail", true},
		{"fail_alias_canonical", runtime.StatusFailed, "outcome=failed", true},
		{"fail_alias_neq", runtime.StatusFailed, "outcome!=fail", false},
		{"error_alias_eq", runtime.StatusFailed, "outcome=error", true},
		{"skip_alias_eq", runtime.StatusSkipped, "outcome=skip", true},
		{"ok_alias_eq", runtime.StatusSuccess, "outcome=ok", true},
		{"timeout_alias_eq", runtime.StatusTimeout, "outcome=timed_out", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := runtime.Outcome{Status: tc.status}
			got, err := Evaluate(tc.cond, out, "quality_check", ctx)
			if err != nil {
				t.Fatalf("Evaluate(%q) error: %v", tc.cond, err)
			}
			if got != tc.want {
				t.Fatalf("Evaluate(%q) with status=%q: got %v, want %v", tc.cond, tc.status, got, tc.want)
			}
		})
	}
}

func TestEvaluate_AndChains(t *testing.T) {
	ctx := runtime.NewContext()
	ctx.Set("ownership", "EXTERNAL")
	out := runtime.Outcome{Status: runtime.StatusSuccess}

	ok, err := Evaluate("outcome=success && context.ownership!=ORIGINAL", out, "quality_check", ctx)
	if err != nil {
		t.Fatalf("Evaluate error: %v", err)
	}
	if !ok {
		t.Fatal("conjunction should hold")
	}
	ok, err = Evaluate("outcome=success && context.ownership=ORIGINAL", out, "quality_check", ctx)
	if err != nil {
		t.Fatalf("Evaluate error: %v", err)
	}
	if ok {
		t.Fatal("conjunction should fail on second clause")
	}
}
