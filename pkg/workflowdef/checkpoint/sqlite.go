package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// schema creates the checkpoint table. The workflow digest and input
// digest are columns so runs can be matched without reading results.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS workflow_checkpoints (
		run_id     TEXT    NOT NULL,
		node_id    INTEGER NOT NULL,
		kind       TEXT    NOT NULL,
		sequence   INTEGER NOT NULL,
		version    INTEGER NOT NULL,
		digest     TEXT    NOT NULL DEFAULT '',
		inputs     TEXT    NOT NULL DEFAULT '',
		iterations INTEGER NOT NULL DEFAULT 0,
		created_ns INTEGER NOT NULL,
		result     BLOB    NOT NULL,
		PRIMARY KEY (run_id, node_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_checkpoints_digest
		ON workflow_checkpoints(digest, run_id)`,
}

const checkpointColumns = `run_id, node_id, kind, sequence, version, digest, inputs, iterations, created_ns`

// SQLiteStore persists checkpoints to a SQLite database, so a run can be
// resumed by another process.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

// NewSQLiteStore opens or creates the database at path. Use ":memory:"
// for a store that lives as long as the value.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// conn returns the database, or ErrStoreClosed. Callers hold s.mu.
func (s *SQLiteStore) conn() (*sql.DB, error) {
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.db, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := cp.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.conn()
	if err != nil {
		return err
	}

	result := cp.Result
	if result == nil {
		result = []byte{}
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO workflow_checkpoints (`+checkpointColumns+`, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, node_id) DO UPDATE SET
			kind = excluded.kind,
			sequence = excluded.sequence,
			version = excluded.version,
			digest = excluded.digest,
			inputs = excluded.inputs,
			iterations = excluded.iterations,
			created_ns = excluded.created_ns,
			result = excluded.result
	`, cp.RunID, cp.NodeID, cp.Kind, cp.Sequence, cp.Version, cp.Digest, cp.Inputs,
		cp.Iterations, cp.Created.UnixNano(), result)
	if err != nil {
		return fmt.Errorf("save checkpoint %s/%d: %w", cp.RunID, cp.NodeID, err)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanInfo reads the checkpointColumns of a row followed by extra.
func scanInfo(row rowScanner, extra ...any) (Info, error) {
	var info Info
	var created int64
	dest := append([]any{
		&info.RunID, &info.NodeID, &info.Kind, &info.Sequence, &info.Version,
		&info.Digest, &info.Inputs, &info.Iterations, &created,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return Info{}, err
	}
	info.Created = time.Unix(0, created).UTC()
	return info, nil
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var result []byte
	info, err := scanInfo(row, &result)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{
		Version:    info.Version,
		RunID:      info.RunID,
		NodeID:     info.NodeID,
		Kind:       info.Kind,
		Sequence:   info.Sequence,
		Created:    info.Created,
		Digest:     info.Digest,
		Inputs:     info.Inputs,
		Iterations: info.Iterations,
		Result:     result,
	}, nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, runID string, nodeID int) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	cp, err := scanCheckpoint(db.QueryRowContext(ctx, `
		SELECT `+checkpointColumns+`, result FROM workflow_checkpoints
		WHERE run_id = ? AND node_id = ?
	`, runID, nodeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s/%d: %w", runID, nodeID, err)
	}
	return cp, nil
}

// LoadRun implements Store.
func (s *SQLiteStore) LoadRun(ctx context.Context, runID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT `+checkpointColumns+`, result FROM workflow_checkpoints
		WHERE run_id = ?
		ORDER BY sequence, node_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	defer rows.Close()

	cps := []*Checkpoint{}
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, runID string) ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT `+checkpointColumns+`, LENGTH(result) FROM workflow_checkpoints
		WHERE run_id = ?
		ORDER BY sequence, node_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints %s: %w", runID, err)
	}
	defer rows.Close()

	infos := []Info{}
	for rows.Next() {
		var size int64
		info, err := scanInfo(rows, &size)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint info: %w", err)
		}
		info.Size = size
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// Runs implements Store.
func (s *SQLiteStore) Runs(ctx context.Context, digest string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT DISTINCT run_id FROM workflow_checkpoints
		WHERE ? = '' OR digest = ?
		ORDER BY run_id
	`, digest, digest)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []string{}
	for rows.Next() {
		var runID string
		if err := rows.Scan(&runID); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		runs = append(runs, runID)
	}
	return runs, rows.Err()
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, runID string, nodeID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.conn()
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx,
		`DELETE FROM workflow_checkpoints WHERE run_id = ? AND node_id = ?`, runID, nodeID); err != nil {
		return fmt.Errorf("delete checkpoint %s/%d: %w", runID, nodeID, err)
	}
	return nil
}

// DeleteRun implements Store.
func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, err := s.conn()
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM workflow_checkpoints WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("delete run %s: %w", runID, err)
	}
	return nil
}

// Close implements Store. Closing twice is a no-op.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
