package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jshapland/galley/internal/flow/review"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"pending": len(s.Reviewer.Pending()),
	})
}

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Reviewer.Pending())
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "review id is required")
		return
	}

	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	decision, err := review.ParseDecision(req.Decision)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reviewer := req.Reviewer
	if reviewer == "" {
		reviewer = "http"
	}

	res := review.Response{
		Decision:     decision,
		Feedback:     req.Feedback,
		FeedbackType: review.NormalizeFeedbackType(req.FeedbackType),
		Reviewer:     reviewer,
	}
	if !s.Reviewer.Decide(id, res) {
		writeError(w, http.StatusNotFound, "review not found or already decided")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "decided"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	WriteSSE(w, r, s.Broadcaster)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
