package stage

import (
	"encoding/json"
	"testing"
)

func TestCanTransitionTable(t *testing.T) {
	cases := []struct {
		from, to Stage
		want     bool
	}{
		{InputValidation, Research, true},
		{InputValidation, AudienceAlign, true},
		{InputValidation, DraftGeneration, false},
		{Research, AudienceAlign, true},
		{AudienceAlign, DraftGeneration, true},
		{AudienceAlign, StyleValidation, false},
		{DraftGeneration, StyleValidation, true},
		{DraftGeneration, AudienceAlign, true},
		{DraftGeneration, Research, true},
		{StyleValidation, QualityCheck, true},
		{StyleValidation, DraftGeneration, true},
		{StyleValidation, AudienceAlign, false},
		{QualityCheck, Finalized, true},
		{QualityCheck, StyleValidation, true},
		{QualityCheck, AudienceAlign, true},
		{QualityCheck, Research, true},
		{QualityCheck, InputValidation, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestAnyStageMayFail(t *testing.T) {
	for _, s := range All() {
		if !CanTransition(s, Failed) {
			t.Errorf("CanTransition(%s, failed) = false, want true", s)
		}
	}
}

func TestSelfTransitionRetrySemantics(t *testing.T) {
	for _, s := range NonTerminal() {
		if !CanTransition(s, s) {
			t.Errorf("CanTransition(%s, %s) = false, want true (retry)", s, s)
		}
	}
	if CanTransition(Finalized, Finalized) {
		t.Error("finalized must not self-transition")
	}
}

func TestTerminalAdmitsOnlyFailed(t *testing.T) {
	for _, to := range All() {
		got := CanTransition(Finalized, to)
		want := to == Failed
		if got != want {
			t.Errorf("CanTransition(finalized, %s) = %v, want %v", to, got, want)
		}
	}
}

func TestRecoveryBackEdge(t *testing.T) {
	// research -> input_validation is intentionally permitted.
	if !CanTransition(Research, InputValidation) {
		t.Fatal("recovery back-edge research -> input_validation not permitted")
	}
	// It must not generalize: no other stage may return to input_validation.
	for _, s := range All() {
		if s == Research || s == InputValidation {
			continue
		}
		if CanTransition(s, InputValidation) {
			t.Errorf("unexpected edge %s -> input_validation", s)
		}
	}
}

func TestAllowedNextOrderIsTieBreakOrder(t *testing.T) {
	next := AllowedNext(QualityCheck)
	want := []Stage{Finalized, StyleValidation, AudienceAlign, Research, QualityCheck, Failed}
	if len(next) != len(want) {
		t.Fatalf("AllowedNext(quality_check) = %v, want %v", next, want)
	}
	for i := range want {
		if next[i] != want[i] {
			t.Fatalf("AllowedNext(quality_check)[%d] = %s, want %s", i, next[i], want[i])
		}
	}
}

func TestParse(t *testing.T) {
	cases := []struct {
		in      string
		want    Stage
		wantErr bool
	}{
		{"draft_generation", DraftGeneration, false},
		{"DRAFT_GENERATION", DraftGeneration, false},
		{" quality_check ", QualityCheck, false},
		{"drafting", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := Parse(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("Parse(%q) error = nil, want error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q) error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Parse(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestJSONRoundTrip(t *testing.T) {
	b, err := json.Marshal(StyleValidation)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `"style_validation"` {
		t.Fatalf("marshal = %s, want %q", b, "style_validation")
	}
	var s Stage
	if err := json.Unmarshal(b, &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s != StyleValidation {
		t.Fatalf("round trip = %s, want %s", s, StyleValidation)
	}
	var bad Stage
	if err := json.Unmarshal([]byte(`"drafting"`), &bad); err == nil {
		t.Fatal("unmarshal of unknown stage succeeded, want error")
	}
}
