// Package checkpoint persists per-step results of a workflow run so an
// interrupted run can be resumed without re-invoking finished steps.
//
// A checkpoint records which workflow and which input values produced a
// result, so a store can tell a resumable run apart from one that belongs
// to a different document without reading any result.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

// Store persists checkpoints keyed by run and node id.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save stores cp, replacing any checkpoint of the same run and node.
	Save(ctx context.Context, cp *Checkpoint) error

	// Load returns the checkpoint of one step, or ErrNotFound.
	Load(ctx context.Context, runID string, nodeID int) (*Checkpoint, error)

	// LoadRun returns every checkpoint of a run ordered by sequence.
	LoadRun(ctx context.Context, runID string) ([]*Checkpoint, error)

	// List returns the metadata of a run's checkpoints ordered by sequence.
	// A run without checkpoints yields an empty slice.
	List(ctx context.Context, runID string) ([]Info, error)

	// Runs returns the ids of the runs holding checkpoints of the workflow
	// with the given digest, sorted. An empty digest matches every run.
	Runs(ctx context.Context, digest string) ([]string, error)

	// Delete removes one checkpoint. Deleting a missing checkpoint is not
	// an error.
	Delete(ctx context.Context, runID string, nodeID int) error

	// DeleteRun removes all checkpoints of a run.
	DeleteRun(ctx context.Context, runID string) error

	// Close releases any resources (connections, files).
	Close() error
}

// Info describes a checkpoint without its result.
type Info struct {
	RunID      string
	NodeID     int
	Kind       string
	Sequence   int
	Version    int
	Digest     string
	Inputs     string
	Iterations int
	Created    time.Time
	Size       int64
}

// Sentinel errors for checkpoint operations.
var (
	// ErrNotFound indicates a checkpoint doesn't exist.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("checkpoint store closed")

	// ErrInvalid indicates a nil checkpoint or one without a run id.
	ErrInvalid = errors.New("invalid checkpoint")
)
