package checkpoint

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// MemoryStore keeps checkpoints in process memory. It lets a run survive
// a failed step but not a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]map[int]*Checkpoint
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]map[int]*Checkpoint)}
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, cp *Checkpoint) error {
	if err := cp.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}

	run, ok := m.runs[cp.RunID]
	if !ok {
		run = make(map[int]*Checkpoint)
		m.runs[cp.RunID] = run
	}
	run[cp.NodeID] = cp.clone()
	return nil
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, runID string, nodeID int) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	cp, ok := m.runs[runID][nodeID]
	if !ok {
		return nil, ErrNotFound
	}
	return cp.clone(), nil
}

// LoadRun implements Store.
func (m *MemoryStore) LoadRun(_ context.Context, runID string) ([]*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	return m.sorted(runID), nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, runID string) ([]Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	cps := m.sorted(runID)
	infos := make([]Info, len(cps))
	for i, cp := range cps {
		infos[i] = cp.Info()
	}
	return infos, nil
}

// sorted returns copies of a run's checkpoints. Callers hold m.mu.
func (m *MemoryStore) sorted(runID string) []*Checkpoint {
	run := m.runs[runID]
	out := make([]*Checkpoint, 0, len(run))
	for _, cp := range run {
		out = append(out, cp.clone())
	}
	slices.SortFunc(out, bySequence)
	return out
}

// Runs implements Store.
func (m *MemoryStore) Runs(_ context.Context, digest string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	runs := []string{}
	for _, runID := range slices.Sorted(maps.Keys(m.runs)) {
		for _, cp := range m.runs[runID] {
			if digest == "" || cp.Digest == digest {
				runs = append(runs, runID)
				break
			}
		}
	}
	return runs, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, runID string, nodeID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}

	if run, ok := m.runs[runID]; ok {
		delete(run, nodeID)
		if len(run) == 0 {
			delete(m.runs, runID)
		}
	}
	return nil
}

// DeleteRun implements Store.
func (m *MemoryStore) DeleteRun(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	delete(m.runs, runID)
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.runs = nil
	return nil
}

// Len returns the number of checkpoints across all runs.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, run := range m.runs {
		n += len(run)
	}
	return n
}
