package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store persists ledger entries. One writer at a time per run; the scheduler
// serializes transitions, the store only has to keep them durable.
type Store interface {
	// Append persists one entry. It fails only with ErrPersistenceUnavailable.
	Append(ctx context.Context, e Entry) error

	// Entries returns all entries for a run ordered by sequence.
	Entries(ctx context.Context, runID string) ([]Entry, error)

	// Runs returns the IDs of every run with at least one entry.
	Runs(ctx context.Context) ([]string, error)

	// Close releases the underlying storage.
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed store at the given path. Creates
// parent directories if needed. Enables WAL mode and a busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewMemoryStore creates an in-memory SQLite store for testing.
// Uses a shared cache so multiple connections see the same database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the ledger table if it doesn't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS ledger_entries (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		item_id TEXT NOT NULL DEFAULT '',
		prior TEXT NOT NULL DEFAULT '',
		next TEXT NOT NULL DEFAULT '',
		gate TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		at DATETIME NOT NULL,
		PRIMARY KEY (run_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_entries_run ON ledger_entries(run_id, seq);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Append persists one entry. The (run_id, seq) primary key makes a repeated
// append of the same entry a caller bug surfaced as an error rather than a
// silently forked history.
func (s *SQLiteStore) Append(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (run_id, seq, item_id, prior, next, gate, reason, outcome, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.RunID, e.Seq, e.ItemID, e.Prior, e.Next, e.Gate, e.Reason, string(e.Outcome), e.At.UTC())
	if err != nil {
		return fmt.Errorf("%w: append entry %d for run %s: %v", ErrPersistenceUnavailable, e.Seq, e.RunID, err)
	}
	return nil
}

// Entries returns all entries for a run ordered by sequence.
func (s *SQLiteStore) Entries(ctx context.Context, runID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, item_id, prior, next, gate, reason, outcome, at
		FROM ledger_entries
		WHERE run_id = ?
		ORDER BY seq
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("%w: query entries for run %s: %v", ErrPersistenceUnavailable, runID, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var outcome string
		if err := rows.Scan(&e.RunID, &e.Seq, &e.ItemID, &e.Prior, &e.Next, &e.Gate, &e.Reason, &outcome, &e.At); err != nil {
			return nil, fmt.Errorf("%w: scan entry: %v", ErrPersistenceUnavailable, err)
		}
		e.Outcome = Outcome(outcome)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate entries: %v", ErrPersistenceUnavailable, err)
	}

	return entries, nil
}

// Runs returns the IDs of every run with at least one entry.
func (s *SQLiteStore) Runs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT run_id FROM ledger_entries ORDER BY run_id
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: query runs: %v", ErrPersistenceUnavailable, err)
	}
	defer rows.Close()

	var runs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan run id: %v", ErrPersistenceUnavailable, err)
		}
		runs = append(runs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate runs: %v", ErrPersistenceUnavailable, err)
	}

	return runs, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
