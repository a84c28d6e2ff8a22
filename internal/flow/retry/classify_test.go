package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jshapland/galley/internal/flow/breaker"
	"github.com/jshapland/galley/internal/flow/stage"
)

func TestClassOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"deadline", context.DeadlineExceeded, ClassConnectionError},
		{"wrapped deadline", fmt.Errorf("stage handler: %w", context.DeadlineExceeded), ClassConnectionError},
		{"canceled", context.Canceled, ClassCanceled},
		{"breaker rejection", &breaker.OpenError{Name: "style_validation"}, ClassCircuitOpen},
		{"explicit class", Classified(stage.DraftGeneration, "content_quality", errors.New("empty body")), ClassContentQuality},
		{"explicit class wrapped", fmt.Errorf("dispatch: %w", Classified(stage.QualityCheck, "quality", nil)), ClassQualityError},
		{"connection hint", errors.New("dial tcp 10.0.0.1:443: connection refused"), ClassConnectionError},
		{"api hint", errors.New("upstream returned 503 service unavailable"), ClassAPIError},
		{"rate limit hint", errors.New("rate limit exceeded, slow down"), ClassAPIError},
		{"validation hint", errors.New("style violation: passive voice over budget"), ClassValidationError},
		{"quality hint", errors.New("quality score 0.42 below floor"), ClassQualityError},
		{"content hint", errors.New("draft body is a placeholder"), ClassContentQuality},
		{"length hint", errors.New("word count under platform minimum"), ClassLengthIssues},
		{"unclassified", errors.New("something odd happened"), ClassUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassOf(tc.err); got != tc.want {
				t.Fatalf("ClassOf(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestRetryableFor(t *testing.T) {
	cases := []struct {
		st       stage.Stage
		class    string
		allowAny bool
		want     bool
	}{
		{stage.Research, ClassConnectionError, false, true},
		{stage.Research, ClassAPIError, false, true},
		{stage.Research, ClassValidationError, false, false},
		{stage.StyleValidation, ClassValidationError, false, true},
		{stage.StyleValidation, ClassQualityError, false, false},
		{stage.QualityCheck, ClassQualityError, false, true},
		{stage.DraftGeneration, ClassContentQuality, false, true},
		{stage.DraftGeneration, ClassLengthIssues, false, true},
		{stage.DraftGeneration, ClassConnectionError, false, false},
		{stage.DraftGeneration, ClassUnknown, false, false},
		{stage.DraftGeneration, ClassUnknown, true, true},
		{stage.DraftGeneration, ClassCircuitOpen, true, false},
		{stage.DraftGeneration, ClassCanceled, true, false},
		{stage.AudienceAlign, ClassAPIError, false, false},
	}
	for _, tc := range cases {
		got := RetryableFor(tc.st, tc.class, tc.allowAny)
		if got != tc.want {
			t.Errorf("RetryableFor(%s, %s, allowAny=%v) = %v, want %v",
				tc.st, tc.class, tc.allowAny, got, tc.want)
		}
	}
}

func TestNormalizeClassAliases(t *testing.T) {
	if got := NormalizeClass("Rate-Limit"); got != ClassAPIError {
		t.Fatalf("NormalizeClass(Rate-Limit) = %q, want %q", got, ClassAPIError)
	}
	if got := NormalizeClass("network"); got != ClassConnectionError {
		t.Fatalf("NormalizeClass(network) = %q, want %q", got, ClassConnectionError)
	}
	if got := NormalizeClass("nonsense"); got != ClassUnknown {
		t.Fatalf("NormalizeClass(nonsense) = %q, want %q", got, ClassUnknown)
	}
}
