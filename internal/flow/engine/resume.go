package engine

import (
	"context"
	"fmt"

	"github.com/jshapland/galley/internal/flow/runtime"
)

// Resume rebuilds a run from its latest checkpoint and continues it.
// Completed stages replay from the recovered state instead of re-executing;
// retry signature counts carry over so a crash cannot reset a stage's
// same-error budget.
func Resume(ctx context.Context, cfg *FlowConfig, flowID string, opts Options) (*runtime.FinalOutcome, error) {
	if flowID == "" {
		return nil, fmt.Errorf("engine: resume requires a flow id")
	}
	opts.FlowID = flowID
	e, err := New(cfg, opts)
	if err != nil {
		return nil, err
	}

	fcs, _, err := e.ckpts.RecoverFlow(ctx, flowID)
	if err != nil {
		return nil, fmt.Errorf("engine: resume %s: %w", flowID, err)
	}
	// The mirror adapter reaches the state through the engine, so swapping
	// the pointer is enough to redirect breaker pushes.
	e.fcs = fcs
	e.resumed = true

	ckpt, err := e.ckpts.LoadLatestCheckpoint(ctx, flowID)
	if err == nil && ckpt.Metadata != nil {
		if raw, ok := ckpt.Metadata["retry_signatures"]; ok {
			e.retries.RestoreSignatures(signatureCounts(raw))
		}
	}

	e.rctx = runtime.NewContext()
	for _, st := range fcs.CompletedStages() {
		if res, ok := fcs.StageResult(st); ok {
			e.rctx.ApplyUpdates(res.Output)
		}
	}

	return e.Run(ctx)
}

// signatureCounts decodes the checkpoint's signature map. JSON round-trips
// the counts as float64; msgpack may keep integer types.
func signatureCounts(raw any) map[string]int {
	out := make(map[string]int)
	switch m := raw.(type) {
	case map[string]int:
		return m
	case map[string]any:
		for k, v := range m {
			switch n := v.(type) {
			case float64:
				out[k] = int(n)
			case int:
				out[k] = n
			case int64:
				out[k] = int(n)
			case int8:
				out[k] = int(n)
			case int16:
				out[k] = int(n)
			case int32:
				out[k] = int(n)
			case uint64:
				out[k] = int(n)
			}
		}
	}
	return out
}
