// Package history implements a SQLite-backed operation audit log, the
// supplemented feature described in SPEC_FULL.md §5. The manager writes
// one aggregate row per completed cycle that transferred files and one per
// cycle that evicted files, each with an empty original_path and the
// CycleSummary as detail; retention restores, reactive caching and
// reconcile results are not recorded, although their operation types are
// defined below.
// Grounded on the teacher's internal/store/sqlite.go (schema-versioned
// migrations, WAL-mode pragma, INSERT OR REPLACE persistence pattern) and
// on original_source/src/core/command_history.py's CommandHistoryEntry
// (one row per operation with a UUID, an operation type, a result
// payload, and a status).
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS operations (
	id TEXT PRIMARY KEY,
	operation_type TEXT NOT NULL,
	original_path TEXT NOT NULL,
	source TEXT,
	status TEXT NOT NULL,
	detail TEXT,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	occurred_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL,
	applied_at TEXT DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_operations_occurred_at ON operations(occurred_at);
CREATE INDEX IF NOT EXISTS idx_operations_path ON operations(original_path);
`

// OperationType enumerates the cache-coordinator actions the history
// records. Mirrors the set of state-changing steps spec.md's cycle,
// monitor, and reconciler perform.
type OperationType string

const (
	OpCacheTransfer   OperationType = "cache_transfer"
	OpRetentionRestore OperationType = "retention_restore"
	OpEviction         OperationType = "eviction"
	OpReactiveCache    OperationType = "reactive_cache"
	OpReconcileOrphan  OperationType = "reconcile_orphan"
)

// Status mirrors command_history.py's CommandStatus.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Entry is one audit-log row.
type Entry struct {
	ID            string
	OperationType OperationType
	OriginalPath  string
	Source        string
	Status        Status
	Detail        string
	SizeBytes     int64
	OccurredAt    time.Time
}

// Store is the SQLite-backed audit log. Safe for concurrent use.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates (or opens) the audit log database at dbPath, creating its
// containing directory and running schema migrations if needed.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("history: create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create schema: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// migrate applies numbered schema migrations, following the teacher's
// store/sqlite.go pattern. There is only one version today; the ladder is
// kept so a future column addition follows the same `if version < N`
// shape instead of introducing a new migration mechanism.
func migrate(db *sql.DB) error {
	var version int
	err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		_, err = db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion)
		return err
	}
	if err != nil {
		return fmt.Errorf("history: check schema version: %w", err)
	}
	if version < schemaVersion {
		_, err = db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion)
		return err
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends an audit entry. detail is a freeform JSON-serializable
// payload (e.g. an error string, or victim counts for an eviction pass) —
// stored as a JSON text column, same role as command_history.py's
// execution_result.
func (s *Store) Record(opType OperationType, originalPath, source string, status Status, sizeBytes int64, detail any, occurredAt time.Time) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var detailJSON string
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err != nil {
			return Entry{}, fmt.Errorf("history: marshal detail: %w", err)
		}
		detailJSON = string(raw)
	}

	entry := Entry{
		ID:            uuid.NewString(),
		OperationType: opType,
		OriginalPath:  originalPath,
		Source:        source,
		Status:        status,
		Detail:        detailJSON,
		SizeBytes:     sizeBytes,
		OccurredAt:    occurredAt.UTC(),
	}

	_, err := s.db.Exec(`
		INSERT INTO operations (id, operation_type, original_path, source, status, detail, size_bytes, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, string(entry.OperationType), entry.OriginalPath, entry.Source, string(entry.Status), entry.Detail, entry.SizeBytes, entry.OccurredAt.Format(time.RFC3339))
	if err != nil {
		return Entry{}, fmt.Errorf("history: insert: %w", err)
	}
	return entry, nil
}

// Recent returns the most recent n audit entries, newest first.
func (s *Store) Recent(n int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, operation_type, original_path, source, status, detail, size_bytes, occurred_at
		FROM operations ORDER BY occurred_at DESC LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var opType, status, occurredAt string
		var source, detail sql.NullString
		if err := rows.Scan(&e.ID, &opType, &e.OriginalPath, &source, &status, &detail, &e.SizeBytes, &occurredAt); err != nil {
			return nil, fmt.Errorf("history: scan row: %w", err)
		}
		e.OperationType = OperationType(opType)
		e.Status = Status(status)
		e.Source = source.String
		e.Detail = detail.String
		parsed, err := time.Parse(time.RFC3339, occurredAt)
		if err == nil {
			e.OccurredAt = parsed
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ForPath returns every audit entry recorded for originalPath, newest
// first — used to show a file's full cache/evict history.
func (s *Store) ForPath(originalPath string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, operation_type, original_path, source, status, detail, size_bytes, occurred_at
		FROM operations WHERE original_path = ? ORDER BY occurred_at DESC
	`, originalPath)
	if err != nil {
		return nil, fmt.Errorf("history: query for path: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var opType, status, occurredAt string
		var source, detail sql.NullString
		if err := rows.Scan(&e.ID, &opType, &e.OriginalPath, &source, &status, &detail, &e.SizeBytes, &occurredAt); err != nil {
			return nil, fmt.Errorf("history: scan row: %w", err)
		}
		e.OperationType = OperationType(opType)
		e.Status = Status(status)
		e.Source = source.String
		e.Detail = detail.String
		parsed, err := time.Parse(time.RFC3339, occurredAt)
		if err == nil {
			e.OccurredAt = parsed
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
