// Package persist checkpoints flow runs and recovers them. Two backends
// implement the same Store contract: a file store laying checkpoints out as
// JSON under the run directory, and a redis store for deployments where runs
// migrate between processes. Completed and failed runs are archived in
// separate compartments and their active checkpoints removed.
package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jshapland/galley/internal/flow/stage"
	"github.com/jshapland/galley/internal/flow/state"
)

var (
	// ErrNoCheckpoint means the flow has no active checkpoint to recover.
	ErrNoCheckpoint = errors.New("no checkpoint")
	// ErrDigestMismatch means a checkpoint failed its integrity check.
	ErrDigestMismatch = errors.New("checkpoint digest mismatch")
)

// stateClass tags the serialized payload so readers of old archives can tell
// what they are looking at.
const stateClass = "FlowControlState"

const stampLayout = "20060102_150405"

// Checkpoint is one durable snapshot of a run at a stage boundary.
type Checkpoint struct {
	FlowID     string         `json:"flow_id" msgpack:"flow_id"`
	Stage      stage.Stage    `json:"stage" msgpack:"stage"`
	Timestamp  time.Time      `json:"timestamp" msgpack:"timestamp"`
	State      state.Snapshot `json:"state" msgpack:"state"`
	StateClass string         `json:"state_class" msgpack:"state_class"`
	Metadata   map[string]any `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
}

// CompletedRecord archives a successful run.
type CompletedRecord struct {
	Checkpoint
	Results        map[string]any `json:"results,omitempty" msgpack:"results,omitempty"`
	CompletionTime time.Time      `json:"completion_time" msgpack:"completion_time"`
}

// FailureDetail is the archived error.
type FailureDetail struct {
	Type    string `json:"type" msgpack:"type"`
	Message string `json:"message" msgpack:"message"`
}

// FailedRecord archives a failed run.
type FailedRecord struct {
	Checkpoint
	Error       FailureDetail `json:"error" msgpack:"error"`
	FailureTime time.Time     `json:"failure_time" msgpack:"failure_time"`
}

// Info is checkpoint metadata for listings, newest first.
type Info struct {
	FlowID    string      `json:"flow_id"`
	Stage     stage.Stage `json:"stage"`
	Timestamp time.Time   `json:"timestamp"`
	// Ref locates the checkpoint: a file path or a redis key.
	Ref    string `json:"ref"`
	Digest string `json:"digest,omitempty"`
}

// Store is the backend contract. Archival (SaveCompleted/SaveFailed) removes
// the flow's active checkpoints.
type Store interface {
	SaveCheckpoint(ctx context.Context, ckpt Checkpoint) error
	LoadLatestCheckpoint(ctx context.Context, flowID string) (Checkpoint, error)
	ListCheckpoints(ctx context.Context, flowID string) ([]Info, error)
	SaveCompleted(ctx context.Context, rec CompletedRecord) error
	SaveFailed(ctx context.Context, rec FailedRecord) error
}

// Manager wraps a Store with snapshot digests and recovery.
type Manager struct {
	store Store
	now   func() time.Time
}

// ManagerOption tweaks a Manager at construction.
type ManagerOption func(*Manager)

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{store: store, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SaveCheckpoint snapshots the run at a stage boundary. The digest metadata
// key carries the BLAKE3 of the canonical state JSON so recovery can reject
// edited or truncated checkpoints.
func (m *Manager) SaveCheckpoint(ctx context.Context, flowID string, snap state.Snapshot, st stage.Stage, meta map[string]any) error {
	digest, err := snap.Digest()
	if err != nil {
		return fmt.Errorf("digest state: %w", err)
	}
	md := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		md[k] = v
	}
	md["digest"] = digest
	return m.store.SaveCheckpoint(ctx, Checkpoint{
		FlowID:     flowID,
		Stage:      st,
		Timestamp:  m.now(),
		State:      snap,
		StateClass: stateClass,
		Metadata:   md,
	})
}

// LoadLatestCheckpoint returns the newest active checkpoint for the flow.
func (m *Manager) LoadLatestCheckpoint(ctx context.Context, flowID string) (Checkpoint, error) {
	return m.store.LoadLatestCheckpoint(ctx, flowID)
}

// ListCheckpoints returns checkpoint metadata newest-first.
func (m *Manager) ListCheckpoints(ctx context.Context, flowID string) ([]Info, error) {
	return m.store.ListCheckpoints(ctx, flowID)
}

// RecoverFlow reconstructs a FlowControlState from the latest checkpoint,
// verifying the digest when one was recorded.
func (m *Manager) RecoverFlow(ctx context.Context, flowID string) (*state.FlowControlState, stage.Stage, error) {
	ckpt, err := m.store.LoadLatestCheckpoint(ctx, flowID)
	if err != nil {
		return nil, "", err
	}
	if want, ok := ckpt.Metadata["digest"].(string); ok && want != "" {
		got, err := ckpt.State.Digest()
		if err != nil {
			return nil, "", fmt.Errorf("digest state: %w", err)
		}
		if got != want {
			return nil, "", fmt.Errorf("%w: flow %s at %s", ErrDigestMismatch, flowID, ckpt.Stage)
		}
	}
	st, err := state.FromSnapshot(ckpt.State)
	if err != nil {
		return nil, "", fmt.Errorf("rebuild state: %w", err)
	}
	return st, ckpt.Stage, nil
}

// SaveCompleted archives a successful run and removes its checkpoints.
func (m *Manager) SaveCompleted(ctx context.Context, flowID string, snap state.Snapshot, results map[string]any) error {
	now := m.now()
	return m.store.SaveCompleted(ctx, CompletedRecord{
		Checkpoint: Checkpoint{
			FlowID:     flowID,
			Stage:      snap.CurrentStage,
			Timestamp:  now,
			State:      snap,
			StateClass: stateClass,
		},
		Results:        results,
		CompletionTime: now,
	})
}

// SaveFailed archives a failed run and removes its checkpoints.
func (m *Manager) SaveFailed(ctx context.Context, flowID string, snap state.Snapshot, runErr error, st stage.Stage) error {
	now := m.now()
	detail := FailureDetail{Type: "unknown"}
	if runErr != nil {
		detail = FailureDetail{Type: fmt.Sprintf("%T", runErr), Message: runErr.Error()}
	}
	return m.store.SaveFailed(ctx, FailedRecord{
		Checkpoint: Checkpoint{
			FlowID:     flowID,
			Stage:      st,
			Timestamp:  now,
			State:      snap,
			StateClass: stateClass,
		},
		Error:       detail,
		FailureTime: now,
	})
}
