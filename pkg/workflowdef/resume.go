package workflowdef

import (
	"context"
	"errors"
	"fmt"

	"github.com/pythonworkflow/python-workflow-definition/pkg/workflowdef/checkpoint"
)

// Resume continues a checkpointed run. Top-level steps that already have a
// checkpoint are not invoked again; their stored results are used in their
// place and the remaining steps run as in Run, saving further checkpoints
// to the same store.
//
// The checkpoints must come from a run of the same workflow started with
// the same input values: a digest, input or node mismatch returns
// ErrCheckpointMismatch before any stored result is decoded.
//
// Example:
//
//	// The first run failed at node 2 after checkpointing nodes 0 and 1.
//	res, err := plan.Resume(ctx, collab, store, "run-123")
func (p *Plan) Resume(ctx context.Context, collab Collaborator, store checkpoint.Store, runID string, opts ...RunOption) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if store == nil {
		return nil, errors.New("checkpoint store cannot be nil")
	}
	if runID == "" {
		return nil, ErrRunIDRequired
	}

	cfg := defaultRunConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	infos, err := store.List(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoCheckpoints, runID)
	}
	inputs := p.inputsDigest(cfg.inputs)
	for _, info := range infos {
		if err := p.matchCheckpoint(info, inputs); err != nil {
			return nil, err
		}
	}

	cps, err := store.LoadRun(ctx, runID)
	if err != nil {
		return nil, &CheckpointError{NodeID: infos[0].NodeID, Op: "load", Err: err}
	}
	restored := make(map[int]any, len(cps))
	iterations := make(map[int]int)
	sequence := 0
	for _, cp := range cps {
		value, err := UnmarshalValue(cp.Result)
		if err != nil {
			return nil, &CheckpointError{NodeID: cp.NodeID, Op: "decode", Err: err}
		}
		restored[cp.NodeID] = value
		if cp.Iterations > 0 {
			iterations[cp.NodeID] = cp.Iterations
		}
		sequence = max(sequence, cp.Sequence)
	}

	cfg.runID = runID
	if cfg.checkpointStore == nil {
		cfg.checkpointStore = store
	}
	cfg.sequence = sequence

	res, err := p.run(ctx, collab, &cfg, restored)
	if res != nil {
		for id, n := range iterations {
			if _, ok := res.Iterations[id]; !ok {
				res.Iterations[id] = n
			}
		}
	}
	return res, err
}

// matchCheckpoint checks a checkpoint's metadata against this plan and
// the digest of the inputs the resumed run starts with.
func (p *Plan) matchCheckpoint(info checkpoint.Info, inputs string) error {
	if _, ok := p.index[info.NodeID]; !ok {
		return fmt.Errorf("%w: node %d is not a step of this plan", ErrCheckpointMismatch, info.NodeID)
	}
	if info.Version != checkpoint.Version {
		return fmt.Errorf("%w: checkpoint version %d, expected %d",
			ErrCheckpointMismatch, info.Version, checkpoint.Version)
	}
	if p.digest != "" && info.Digest != p.digest {
		return fmt.Errorf("%w: digest %q, expected %q", ErrCheckpointMismatch, info.Digest, p.digest)
	}
	if info.Inputs != inputs {
		return fmt.Errorf("%w: node %d was checkpointed with different input values", ErrCheckpointMismatch, info.NodeID)
	}
	return nil
}

// Runs returns the ids of the runs in store that hold checkpoints of this
// plan's workflow, sorted.
func (p *Plan) Runs(ctx context.Context, store checkpoint.Store) ([]string, error) {
	if store == nil {
		return nil, errors.New("checkpoint store cannot be nil")
	}
	return store.Runs(ctx, p.digest)
}
