package server

import "time"

// PendingReview is one parked review request, as returned by GET /reviews.
type PendingReview struct {
	ReviewID         string         `json:"review_id"`
	FlowID           string         `json:"flow_id"`
	Point            string         `json:"point"`
	Stage            string         `json:"stage"`
	Content          string         `json:"content,omitempty"`
	Context          map[string]any `json:"context,omitempty"`
	AllowedDecisions []string       `json:"allowed_decisions,omitempty"`
	DefaultDecision  string         `json:"default_decision"`
	TimeoutS         float64        `json:"timeout_s,omitempty"`
	AskedAt          time.Time      `json:"asked_at"`
}

// DecisionRequest is the POST /reviews/{id}/decision body.
type DecisionRequest struct {
	Decision     string `json:"decision"`
	Feedback     string `json:"feedback,omitempty"`
	FeedbackType string `json:"feedback_type,omitempty"`
	Reviewer     string `json:"reviewer,omitempty"`
}

// ErrorResponse is a standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
