package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jshapland/galley/internal/flow/breaker"
	"github.com/jshapland/galley/internal/flow/stage"
)

// Error classes. Retryability is keyed by (stage, class); see retryableClasses.
const (
	ClassConnectionError = "connection_error"
	ClassAPIError        = "api_error"
	ClassValidationError = "validation_error"
	ClassQualityError    = "quality_error"
	ClassContentQuality  = "content_quality"
	ClassLengthIssues    = "length_issues"
	ClassCanceled        = "canceled"
	ClassCircuitOpen     = "circuit_open"
	ClassUnknown         = "unknown"
)

// ClassifiedError carries an explicit class assigned by a stage handler.
// Classification by hint scan only runs when no explicit class is attached.
type ClassifiedError struct {
	Class string
	Stage stage.Stage
	Err   error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s failure", e.Stage, e.Class)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classified wraps err with an explicit class.
func Classified(st stage.Stage, class string, err error) *ClassifiedError {
	return &ClassifiedError{Class: NormalizeClass(class), Stage: st, Err: err}
}

var (
	connectionReasonHints = []string{
		"timeout",
		"timed out",
		"context deadline exceeded",
		"connection refused",
		"connection reset",
		"broken pipe",
		"tls handshake timeout",
		"i/o timeout",
		"no route to host",
		"dial tcp",
		"transport is closing",
		"econnrefused",
		"econnreset",
	}
	apiReasonHints = []string{
		"rate limit",
		"too many requests",
		"service unavailable",
		"gateway timeout",
		"temporarily unavailable",
		"try again",
		"overloaded",
		"api error",
		"429",
		"500",
		"502",
		"503",
		"504",
	}
	validationReasonHints = []string{
		"style violation",
		"tone mismatch",
		"banned phrase",
		"formatting rule",
		"validation failed",
		"style check failed",
	}
	qualityReasonHints = []string{
		"quality below",
		"quality score",
		"readability",
		"coherence",
		"factual",
	}
	contentQualityReasonHints = []string{
		"placeholder",
		"empty draft",
		"truncated",
		"low content",
		"incomplete draft",
	}
	lengthReasonHints = []string{
		"word count",
		"too short",
		"too long",
		"length limit",
		"character limit",
	}
)

// ClassOf resolves the error class. Explicit classification wins over the
// reason-hint scan; breaker rejections and cancellations are recognized
// before anything else so they are never retried.
func ClassOf(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, breaker.ErrOpen) {
		return ClassCircuitOpen
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		if cls := NormalizeClass(ce.Class); cls != ClassUnknown {
			return cls
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassConnectionError
	}

	reason := strings.ToLower(strings.TrimSpace(err.Error()))
	if reason == "" {
		return ClassUnknown
	}
	if strings.Contains(reason, "canceled") || strings.Contains(reason, "cancelled") {
		return ClassCanceled
	}
	for _, hint := range connectionReasonHints {
		if strings.Contains(reason, hint) {
			return ClassConnectionError
		}
	}
	for _, hint := range apiReasonHints {
		if strings.Contains(reason, hint) {
			return ClassAPIError
		}
	}
	for _, hint := range validationReasonHints {
		if strings.Contains(reason, hint) {
			return ClassValidationError
		}
	}
	for _, hint := range qualityReasonHints {
		if strings.Contains(reason, hint) {
			return ClassQualityError
		}
	}
	for _, hint := range contentQualityReasonHints {
		if strings.Contains(reason, hint) {
			return ClassContentQuality
		}
	}
	for _, hint := range lengthReasonHints {
		if strings.Contains(reason, hint) {
			return ClassLengthIssues
		}
	}
	return ClassUnknown
}

// NormalizeClass folds class aliases onto the canonical constants.
func NormalizeClass(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "connection_error", "connection-error", "connection", "network", "network_error", "timeout":
		return ClassConnectionError
	case "api_error", "api-error", "api", "rate_limit", "rate-limit":
		return ClassAPIError
	case "validation_error", "validation-error", "validation", "style_error":
		return ClassValidationError
	case "quality_error", "quality-error", "quality":
		return ClassQualityError
	case "content_quality", "content-quality", "content":
		return ClassContentQuality
	case "length_issues", "length-issues", "length", "length_issue":
		return ClassLengthIssues
	case "canceled", "cancelled":
		return ClassCanceled
	case "circuit_open", "circuit-open", "circuit_breaker", "breaker_open":
		return ClassCircuitOpen
	default:
		return ClassUnknown
	}
}

// retryableClasses maps each stage to the classes its failures may retry on.
var retryableClasses = map[stage.Stage]map[string]bool{
	stage.Research: {
		ClassConnectionError: true,
		ClassAPIError:        true,
	},
	stage.StyleValidation: {
		ClassValidationError: true,
	},
	stage.QualityCheck: {
		ClassQualityError: true,
	},
	stage.DraftGeneration: {
		ClassContentQuality: true,
		ClassLengthIssues:   true,
	},
}

// RetryableFor reports whether class is retryable at st. Circuit rejections
// and cancellations never retry; unknown classes retry only when the stage
// allows any class.
func RetryableFor(st stage.Stage, class string, allowAny bool) bool {
	switch class {
	case "", ClassCircuitOpen, ClassCanceled:
		return false
	}
	if allowed, ok := retryableClasses[st]; ok && allowed[class] {
		return true
	}
	return allowAny && class != ClassCircuitOpen && class != ClassCanceled
}
