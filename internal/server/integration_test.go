package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jshapland/galley/internal/flow/engine"
	"github.com/jshapland/galley/internal/flow/events"
	"github.com/jshapland/galley/internal/flow/review"
	"github.com/jshapland/galley/internal/flow/runtime"
	"github.com/jshapland/galley/internal/flow/stage"
)

func passRegistry() *engine.Registry {
	r := engine.NewRegistry()
	stages := map[stage.Stage]string{
		stage.InputValidation: "validator",
		stage.Research:        "researcher",
		stage.AudienceAlign:   "audience_aligner",
		stage.DraftGeneration: "draft_writer",
		stage.StyleValidation: "style_checker",
		stage.QualityCheck:    "quality_scorer",
	}
	for st, name := range stages {
		r.Register(st, name, engine.HandlerFunc(func(ctx context.Context, in engine.StageInput) (runtime.Outcome, error) {
			return runtime.Outcome{Status: runtime.StatusSuccess, Output: map[string]any{"ok": true}}, nil
		}))
	}
	return r
}

// gateConfig enables exactly one gate with a generous timeout so the HTTP
// decision, not the default, resolves it.
func gateConfig(point string) map[string]engine.GateSection {
	off := false
	cfg := make(map[string]engine.GateSection, 4)
	for _, p := range review.Points() {
		if string(p) == point {
			cfg[string(p)] = engine.GateSection{Timeout: engine.Duration(30 * time.Second)}
		} else {
			cfg[string(p)] = engine.GateSection{Enabled: &off}
		}
	}
	return cfg
}

func flowConfig(point string) *engine.FlowConfig {
	return &engine.FlowConfig{
		Flow: engine.FlowSection{
			Topic:     "Kubernetes cost tuning",
			Platform:  "blog",
			Ownership: "ORIGINAL",
		},
		Review: gateConfig(point),
	}
}

func startFlow(t *testing.T, srv *Server, cfg *engine.FlowConfig) chan *runtime.FinalOutcome {
	t.Helper()
	e, err := engine.New(cfg, engine.Options{
		LogsRoot: t.TempDir(),
		Reviewer: srv.Reviewer,
		Registry: passRegistry(),
		Sinks:    []events.Sink{srv.Broadcaster},
		Sleep:    func(ctx context.Context, d time.Duration) error { return nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan *runtime.FinalOutcome, 1)
	go func() {
		fo, _ := e.Run(context.Background())
		srv.Broadcaster.Close()
		done <- fo
	}()
	return done
}

func TestDecisionOverHTTPResolvesGate(t *testing.T) {
	srv := New(Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	done := startFlow(t, srv, flowConfig("draft_completion"))

	if !srv.Reviewer.WaitPending(5 * time.Second) {
		t.Fatal("no review arrived")
	}

	resp, err := http.Get(ts.URL + "/reviews")
	if err != nil {
		t.Fatal(err)
	}
	var pending []PendingReview
	if err := json.NewDecoder(resp.Body).Decode(&pending); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if pending[0].Point != "draft_completion" || pending[0].Stage != string(stage.DraftGeneration) {
		t.Fatalf("pending = %+v", pending[0])
	}

	body, _ := json.Marshal(DecisionRequest{Decision: "approve", Reviewer: "alice"})
	resp, err = http.Post(ts.URL+"/reviews/"+pending[0].ReviewID+"/decision", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("decision status = %d", resp.StatusCode)
	}

	select {
	case fo := <-done:
		if fo.Status != runtime.FinalSuccess {
			t.Fatalf("final status = %s (%s)", fo.Status, fo.FailureReason)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("flow did not finish after the decision")
	}
}

func TestRejectDecisionFailsFlow(t *testing.T) {
	srv := New(Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	done := startFlow(t, srv, flowConfig("quality_gate"))

	if !srv.Reviewer.WaitPending(5 * time.Second) {
		t.Fatal("no review arrived")
	}
	pending := srv.Reviewer.Pending()
	body, _ := json.Marshal(DecisionRequest{Decision: "reject", Feedback: "off brief"})
	resp, err := http.Post(ts.URL+"/reviews/"+pending[0].ReviewID+"/decision", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	select {
	case fo := <-done:
		if fo.Status != runtime.FinalFail {
			t.Fatalf("final status = %s, want fail", fo.Status)
		}
		if !strings.Contains(fo.FailureReason, "review rejected") {
			t.Fatalf("failure reason = %q", fo.FailureReason)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("flow did not finish after the rejection")
	}
}

func TestDecisionValidation(t *testing.T) {
	srv := New(Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(DecisionRequest{Decision: "approve"})
	resp, err := http.Post(ts.URL+"/reviews/ghost/decision", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown id status = %d, want 404", resp.StatusCode)
	}

	body, _ = json.Marshal(DecisionRequest{Decision: "maybe"})
	resp, err = http.Post(ts.URL+"/reviews/ghost/decision", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad decision status = %d, want 400", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	srv := New(Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health["status"] != "ok" {
		t.Fatalf("health = %+v", health)
	}
}

func TestEventsStreamOverHTTP(t *testing.T) {
	srv := New(Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	cfg := flowConfig("") // every gate disabled
	done := startFlow(t, srv, cfg)

	select {
	case fo := <-done:
		if fo.Status != runtime.FinalSuccess {
			t.Fatalf("final status = %s", fo.Status)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("flow did not finish")
	}

	// The broadcaster is closed, so the stream replays and terminates.
	resp, err := http.Get(ts.URL + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var types []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") || line == "data: {}" {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad SSE payload %q: %v", line, err)
		}
		if s, ok := ev["event"].(string); ok {
			types = append(types, s)
		}
	}
	joined := fmt.Sprint(types)
	for _, want := range []string{"flow_started", "stage_completed", "flow_completed"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("event stream missing %s: %v", want, types)
		}
	}
}

func TestCrossOriginPostBlocked(t *testing.T) {
	srv := New(Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, _ := http.NewRequest("POST", ts.URL+"/reviews/x/decision", strings.NewReader("{}"))
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}
