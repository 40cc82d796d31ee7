package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for cursors, the dispatch ledger and job results.
type Store struct {
	db *sql.DB
}

// Open initializes a SQLite database and runs minimal schema setup.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return s.db.PingContext(ctx)
}

func configure(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	schema := `
CREATE TABLE IF NOT EXISTS cursors (
  source_id   TEXT PRIMARY KEY,
  height      INTEGER NOT NULL,
  hash        TEXT NOT NULL,
  updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS dispatches (
  key         TEXT PRIMARY KEY,
  admitted_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS job_results (
  binding_id    TEXT NOT NULL,
  job_id        INTEGER NOT NULL,
  tx_hash       TEXT NOT NULL,
  log_index     INTEGER NOT NULL,
  block_number  INTEGER NOT NULL,
  status        TEXT NOT NULL,
  output_json   TEXT,
  error         TEXT,
  created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY(binding_id, tx_hash, log_index)
);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// UpsertCursor records the latest processed height/hash for a source.
func (s *Store) UpsertCursor(ctx context.Context, sourceID string, height uint64, hash string) error {
	if sourceID == "" {
		return errors.New("sourceID required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO cursors (source_id, height, hash, updated_at)
VALUES (?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(source_id) DO UPDATE SET
  height=excluded.height,
  hash=excluded.hash,
  updated_at=CURRENT_TIMESTAMP;
`, sourceID, height, hash)
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}

// GetCursor retrieves the cursor for a source.
func (s *Store) GetCursor(ctx context.Context, sourceID string) (height uint64, hash string, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
SELECT height, hash FROM cursors WHERE source_id = ?;
`, sourceID)
	switch err = row.Scan(&height, &hash); err {
	case nil:
		return height, hash, true, nil
	case sql.ErrNoRows:
		return 0, "", false, nil
	default:
		return 0, "", false, fmt.Errorf("get cursor: %w", err)
	}
}

// Cursor is a persisted source position.
type Cursor struct {
	SourceID  string
	Height    uint64
	Hash      string
	UpdatedAt time.Time
}

// ListCursors returns every cursor ordered by source id.
func (s *Store) ListCursors(ctx context.Context) ([]Cursor, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT source_id, height, hash, updated_at FROM cursors ORDER BY source_id;
`)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer rows.Close()

	var out []Cursor
	for rows.Next() {
		var c Cursor
		if err := rows.Scan(&c.SourceID, &c.Height, &c.Hash, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Admit records a dispatch key. It returns false when the key was already admitted; the primary
// key enforces exactly-once admission.
func (s *Store) Admit(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, errors.New("key required")
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO dispatches (key) VALUES (?)
ON CONFLICT(key) DO NOTHING;
`, key)
	if err != nil {
		return false, fmt.Errorf("admit dispatch: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("admit dispatch: %w", err)
	}
	return n == 1, nil
}

// JobResult is the stored outcome of one handler invocation.
type JobResult struct {
	BindingID   string
	JobID       uint64
	TxHash      string
	LogIndex    uint
	BlockNumber uint64
	Status      string
	OutputJSON  string
	Error       string
	CreatedAt   time.Time
}

// InsertResult stores a job result; primary key enforces one result per binding/log.
func (s *Store) InsertResult(ctx context.Context, r JobResult) error {
	if r.BindingID == "" || r.TxHash == "" || r.Status == "" {
		return errors.New("binding_id, tx_hash and status are required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO job_results (binding_id, job_id, tx_hash, log_index, block_number, status, output_json, error, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP));
`, r.BindingID, r.JobID, r.TxHash, r.LogIndex, r.BlockNumber, r.Status, r.OutputJSON, r.Error, nullTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// ListResults returns stored job results in insertion order, optionally limited to one binding.
func (s *Store) ListResults(ctx context.Context, bindingID string) ([]JobResult, error) {
	query := `
SELECT binding_id, job_id, tx_hash, log_index, block_number, status, COALESCE(output_json, ''), COALESCE(error, ''), created_at
FROM job_results`
	var args []any
	if bindingID != "" {
		query += ` WHERE binding_id = ?`
		args = append(args, bindingID)
	}
	query += ` ORDER BY rowid;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []JobResult
	for rows.Next() {
		var r JobResult
		if err := rows.Scan(&r.BindingID, &r.JobID, &r.TxHash, &r.LogIndex, &r.BlockNumber, &r.Status, &r.OutputJSON, &r.Error, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
