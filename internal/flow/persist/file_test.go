package persist

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jshapland/galley/internal/flow/runtime"
	"github.com/jshapland/galley/internal/flow/stage"
	"github.com/jshapland/galley/internal/flow/state"
)

func testSnapshot(t *testing.T, flowID string) state.Snapshot {
	t.Helper()
	fcs := state.New(state.Config{ExecutionID: flowID})
	require.NoError(t, fcs.AddTransition(stage.AudienceAlign, "validated"))
	fcs.MarkStageComplete(stage.InputValidation, runtime.StageResult{
		Status: runtime.StatusSuccess, DurationS: 0.4, Agent: "validator", Timestamp: time.Now().UTC(),
	})
	fcs.IncrementRetry(stage.DraftGeneration)
	return fcs.Snapshot()
}

func newFileManager(t *testing.T) (*Manager, *FileStore) {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return NewManager(store), store
}

func TestCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	m, _ := newFileManager(t)
	snap := testSnapshot(t, "flow-rt")

	require.NoError(t, m.SaveCheckpoint(ctx, "flow-rt", snap, stage.AudienceAlign, map[string]any{"note": "after validation"}))

	fcs, st, err := m.RecoverFlow(ctx, "flow-rt")
	require.NoError(t, err)
	assert.Equal(t, stage.AudienceAlign, st)
	assert.Equal(t, snap.CurrentStage, fcs.CurrentStage())
	assert.Equal(t, snap.CompletedStages, fcs.CompletedStages())
	assert.Equal(t, 1, fcs.RetryCount(stage.DraftGeneration))

	gotHistory := fcs.History()
	require.Len(t, gotHistory, len(snap.TransitionHistory))
	for i, tr := range snap.TransitionHistory {
		assert.Equal(t, tr.From, gotHistory[i].From)
		assert.Equal(t, tr.To, gotHistory[i].To)
		assert.Equal(t, tr.Reason, gotHistory[i].Reason)
	}
}

func TestRecoverWithoutCheckpoint(t *testing.T) {
	m, _ := newFileManager(t)
	_, _, err := m.RecoverFlow(context.Background(), "never-saved")
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestRecoverRejectsTamperedCheckpoint(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	m := NewManager(store)
	snap := testSnapshot(t, "flow-tamper")
	require.NoError(t, m.SaveCheckpoint(ctx, "flow-tamper", snap, stage.AudienceAlign, nil))

	infos, err := m.ListCheckpoints(ctx, "flow-tamper")
	require.Len(t, infos, 1)
	require.NoError(t, err)
	b, err := os.ReadFile(infos[0].Ref)
	require.NoError(t, err)
	tampered := strings.Replace(string(b), `"current_stage": "audience_align"`, `"current_stage": "finalized"`, 1)
	require.NoError(t, os.WriteFile(infos[0].Ref, []byte(tampered), 0o644))

	_, _, err = m.RecoverFlow(ctx, "flow-tamper")
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestListCheckpointsNewestFirst(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	m := NewManager(store, WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
	snap := testSnapshot(t, "flow-list")

	require.NoError(t, m.SaveCheckpoint(ctx, "flow-list", snap, stage.InputValidation, nil))
	require.NoError(t, m.SaveCheckpoint(ctx, "flow-list", snap, stage.AudienceAlign, nil))
	require.NoError(t, m.SaveCheckpoint(ctx, "flow-list", snap, stage.DraftGeneration, nil))

	infos, err := m.ListCheckpoints(ctx, "flow-list")
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, stage.DraftGeneration, infos[0].Stage)
	assert.Equal(t, stage.InputValidation, infos[2].Stage)
	assert.True(t, infos[0].Timestamp.After(infos[1].Timestamp))
	assert.NotEmpty(t, infos[0].Digest)
}

func TestCheckpointFileNaming(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	fixed := time.Date(2025, 6, 1, 13, 45, 9, 0, time.UTC)
	m := NewManager(store, WithClock(func() time.Time { return fixed }))
	snap := testSnapshot(t, "01JXFLOW")

	require.NoError(t, m.SaveCheckpoint(ctx, "01JXFLOW", snap, stage.DraftGeneration, nil))
	want := filepath.Join(dir, "checkpoints", "01JXFLOW_draft_generation_20250601_134509.json")
	_, statErr := os.Stat(want)
	assert.NoError(t, statErr, "checkpoint file name must be <flow_id>_<stage>_<YYYYMMDD_HHMMSS>.json")
}

func TestArchivalRemovesActiveCheckpoints(t *testing.T) {
	ctx := context.Background()
	m, _ := newFileManager(t)
	snap := testSnapshot(t, "flow-done")

	require.NoError(t, m.SaveCheckpoint(ctx, "flow-done", snap, stage.AudienceAlign, nil))
	require.NoError(t, m.SaveCompleted(ctx, "flow-done", snap, map[string]any{"words": 420}))

	infos, err := m.ListCheckpoints(ctx, "flow-done")
	require.NoError(t, err)
	assert.Empty(t, infos, "completion archives away active checkpoints")

	_, _, err = m.RecoverFlow(ctx, "flow-done")
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestFailureArchiveCarriesError(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	m := NewManager(store)
	snap := testSnapshot(t, "flow-bad")

	require.NoError(t, m.SaveCheckpoint(ctx, "flow-bad", snap, stage.DraftGeneration, nil))
	require.NoError(t, m.SaveFailed(ctx, "flow-bad", snap, errors.New("draft handler exploded"), stage.DraftGeneration))

	matches, err := filepath.Glob(filepath.Join(dir, "failed", "flow-bad_*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	b, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(b), `"message": "draft handler exploded"`)
	assert.Contains(t, string(b), `"failure_time"`)

	infos, err := m.ListCheckpoints(ctx, "flow-bad")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestCleanupRespectsRetentionAndExcludes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	old := time.Now().UTC().Add(-100 * 24 * time.Hour)
	m := NewManager(store, WithClock(func() time.Time { return old }))
	snap := testSnapshot(t, "flow-old")
	require.NoError(t, m.SaveCompleted(ctx, "flow-old", snap, nil))

	keeper := NewManager(store)
	snap2 := testSnapshot(t, "flow-new")
	require.NoError(t, keeper.SaveCompleted(ctx, "flow-new", snap2, nil))

	require.NoError(t, store.Cleanup(90*24*time.Hour))
	oldMatches, _ := filepath.Glob(filepath.Join(dir, "completed", "flow-old_*.json"))
	newMatches, _ := filepath.Glob(filepath.Join(dir, "completed", "flow-new_*.json"))
	assert.Empty(t, oldMatches, "expired archive removed")
	assert.Len(t, newMatches, 1, "recent archive kept")
}
