package checkpoint

import (
	"cmp"
	"slices"
	"time"
)

// Version is the current checkpoint format version.
// Increment when making breaking changes to checkpoint structure.
const Version = 1

// Checkpoint is the persisted result of one executed top-level step.
type Checkpoint struct {
	Version  int
	RunID    string
	NodeID   int
	Kind     string
	Sequence int
	Created  time.Time

	// Digest identifies the workflow document the run was started from.
	Digest string
	// Inputs identifies the input values the run was started with.
	Inputs string

	// Iterations is set for while steps.
	Iterations int

	// Result is the step result encoded as a portable JSON value.
	Result []byte
}

// New creates a checkpoint for the step nodeID of a run. result must
// already be encoded.
func New(runID string, nodeID int, kind string, sequence int, result []byte) *Checkpoint {
	return &Checkpoint{
		Version:  Version,
		RunID:    runID,
		NodeID:   nodeID,
		Kind:     kind,
		Sequence: sequence,
		Created:  time.Now().UTC(),
		Result:   result,
	}
}

// Info returns the metadata of c.
func (c *Checkpoint) Info() Info {
	return Info{
		RunID:      c.RunID,
		NodeID:     c.NodeID,
		Kind:       c.Kind,
		Sequence:   c.Sequence,
		Version:    c.Version,
		Digest:     c.Digest,
		Inputs:     c.Inputs,
		Iterations: c.Iterations,
		Created:    c.Created,
		Size:       int64(len(c.Result)),
	}
}

func (c *Checkpoint) clone() *Checkpoint {
	out := *c
	out.Result = slices.Clone(c.Result)
	return &out
}

func (c *Checkpoint) validate() error {
	switch {
	case c == nil:
		return ErrInvalid
	case c.RunID == "":
		return ErrInvalid
	}
	return nil
}

// bySequence orders the checkpoints of a run as they were written.
func bySequence(a, b *Checkpoint) int {
	return cmp.Or(cmp.Compare(a.Sequence, b.Sequence), cmp.Compare(a.NodeID, b.NodeID))
}
