// Package history persists run outcomes and lock lifecycle events in a
// local SQLite database. The database is an audit trail, not a source of
// truth: lock files on disk decide ownership, this store only records
// what happened.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "ai-v1-2026-07-02-run-history"

	// Schema v2: adds runs.pr_url and lock_events.worker_id.
	schemaVersionV2  = 2
	schemaChecksumV2 = "ai-v2-2026-08-05-pr-url-worker"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

// Run outcomes recorded for each agent invocation.
const (
	OutcomeCompleted = "completed"
	OutcomeBlocked   = "blocked"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Run is one agent invocation against one issue.
type Run struct {
	ID         int64     `json:"id"`
	Issue      int       `json:"issue"`
	SessionID  string    `json:"session_id"`
	Outcome    string    `json:"outcome"`
	Summary    string    `json:"summary"`
	PRURL      string    `json:"pr_url,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// LockEvent is one lock lifecycle transition.
type LockEvent struct {
	ID        int64     `json:"id"`
	Issue     int       `json:"issue"`
	SessionID string    `json:"session_id"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	WorkerID  int       `json:"worker_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Lock event types.
const (
	LockEventAcquired   = "acquired"
	LockEventRefreshed  = "refreshed"
	LockEventReleased   = "released"
	LockEventConflict   = "conflict"
	LockEventForceClaim = "force_claim"
	LockEventStaleSwept = "stale_swept"
)

type Store struct {
	db *sql.DB
}

// DBPath returns the history database path within the state directory.
func DBPath(stateDir string) string {
	return filepath.Join(stateDir, "history.db")
}

// Open opens (or creates) the history database and applies migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	if maxVersion == schemaVersionV1 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionV1).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumV1 {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionV1, existingChecksum, schemaChecksumV1)
		}
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			issue INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			outcome TEXT NOT NULL CHECK(outcome IN ('completed', 'blocked', 'skipped', 'failed')),
			summary TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS lock_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			issue INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			event TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// v2 columns on legacy databases. Idempotent: duplicate column errors
	// mean the column is already there.
	alterStatements := []string{
		`ALTER TABLE runs ADD COLUMN pr_url TEXT NOT NULL DEFAULT '';`,
		`ALTER TABLE lock_events ADD COLUMN worker_id INTEGER NOT NULL DEFAULT 0;`,
	}
	for _, stmt := range alterStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			return fmt.Errorf("exec migration alter: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_runs_issue ON runs(issue, id);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at);`,
		`CREATE INDEX IF NOT EXISTS idx_lock_events_issue ON lock_events(issue, id);`,
		`CREATE INDEX IF NOT EXISTS idx_lock_events_created ON lock_events(created_at);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	return tx.Commit()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.Intn(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

// RecordRun appends one run outcome and returns its id.
func (s *Store) RecordRun(ctx context.Context, run Run) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO runs (issue, session_id, outcome, summary, pr_url, error, duration_ms, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, run.Issue, run.SessionID, run.Outcome, run.Summary, run.PRURL, run.Error,
			run.DurationMS, run.StartedAt.UTC(), run.FinishedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		id, _ = res.LastInsertId()
		return nil
	})
	return id, err
}

// ListRuns returns the most recent runs, newest first. issue <= 0 lists
// across all issues.
func (s *Store) ListRuns(ctx context.Context, issue, limit int) ([]Run, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if issue > 0 {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, issue, session_id, outcome, summary, pr_url, error, duration_ms, started_at, finished_at
			FROM runs
			WHERE issue = ?
			ORDER BY id DESC
			LIMIT ?;
		`, issue, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, issue, session_id, outcome, summary, pr_url, error, duration_ms, started_at, finished_at
			FROM runs
			ORDER BY id DESC
			LIMIT ?;
		`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Issue, &r.SessionID, &r.Outcome, &r.Summary,
			&r.PRURL, &r.Error, &r.DurationMS, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run rows: %w", err)
	}
	return out, nil
}

// RecordLockEvent appends one lock lifecycle event.
func (s *Store) RecordLockEvent(ctx context.Context, ev LockEvent) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO lock_events (issue, session_id, event, detail, worker_id)
			VALUES (?, ?, ?, ?, ?);
		`, ev.Issue, ev.SessionID, ev.Event, ev.Detail, ev.WorkerID)
		if err != nil {
			return fmt.Errorf("insert lock event: %w", err)
		}
		return nil
	})
}

// ListLockEvents returns the most recent lock events for an issue,
// newest first. issue <= 0 lists across all issues.
func (s *Store) ListLockEvents(ctx context.Context, issue, limit int) ([]LockEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if issue > 0 {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, issue, session_id, event, detail, worker_id, created_at
			FROM lock_events
			WHERE issue = ?
			ORDER BY id DESC
			LIMIT ?;
		`, issue, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, issue, session_id, event, detail, worker_id, created_at
			FROM lock_events
			ORDER BY id DESC
			LIMIT ?;
		`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query lock events: %w", err)
	}
	defer rows.Close()

	var out []LockEvent
	for rows.Next() {
		var ev LockEvent
		if err := rows.Scan(&ev.ID, &ev.Issue, &ev.SessionID, &ev.Event, &ev.Detail, &ev.WorkerID, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan lock event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lock event rows: %w", err)
	}
	return out, nil
}

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedRuns       int64 `json:"purged_runs"`
	PurgedLockEvents int64 `json:"purged_lock_events"`
}

// RunRetention deletes records older than the retention window. The job
// is idempotent; days <= 0 keeps everything.
func (s *Store) RunRetention(ctx context.Context, days int) (RetentionResult, error) {
	var result RetentionResult
	if days <= 0 {
		return result, nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE finished_at < ?;`, cutoff)
	if err != nil {
		return result, fmt.Errorf("purge runs: %w", err)
	}
	result.PurgedRuns, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM lock_events WHERE created_at < ?;`, cutoff)
	if err != nil {
		return result, fmt.Errorf("purge lock_events: %w", err)
	}
	result.PurgedLockEvents, _ = res.RowsAffected()

	return result, nil
}
