package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jshapland/galley/internal/flow/stage"
)

type FinalStatus string

const (
	FinalSuccess FinalStatus = "success"
	FinalFail    FinalStatus = "fail"
)

// FinalOutcome is the terminal record of a run, written to final.json in the
// run directory. Its presence marks the run as finished for status tooling.
type FinalOutcome struct {
	Timestamp time.Time   `json:"timestamp"`
	Status    FinalStatus `json:"status"`

	FlowID string `json:"flow_id"`

	FinalStage    stage.Stage `json:"final_stage"`
	FailureReason string      `json:"failure_reason,omitempty"`

	CompletedStages []stage.Stage `json:"completed_stages,omitempty"`
	StateDigest     string        `json:"state_digest,omitempty"`
}

func (fo *FinalOutcome) Save(path string) error {
	if fo == nil {
		return fmt.Errorf("final outcome is nil")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(fo, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func LoadFinalOutcome(path string) (*FinalOutcome, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fo FinalOutcome
	if err := json.Unmarshal(b, &fo); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &fo, nil
}
