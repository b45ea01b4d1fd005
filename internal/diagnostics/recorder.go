// Package diagnostics provides an optional, best-effort event log for the
// region store's cache and worker lifecycle (dispatch, insert, cancel,
// empty-result), grounded on the teacher's batched-write, WAL-tuned
// SQLite writer but repurposed from tile blobs to lifecycle rows — the
// store's own correctness never depends on this package being wired up.
package diagnostics

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // SQLite driver
)

// EventKind classifies a recorded Event.
type EventKind string

const (
	EventDispatch  EventKind = "dispatch"
	EventInsert    EventKind = "insert"
	EventCancelled EventKind = "cancelled"
	EventEmpty     EventKind = "empty"
)

// Event is one store lifecycle occurrence.
type Event struct {
	Kind    EventKind
	Request string
}

// Recorder accepts lifecycle events. Implementations must not block the
// caller meaningfully; Store.workerComplete calls Record synchronously.
type Recorder interface {
	Record(e Event)
}

// NoopRecorder discards every event. It is the Store's default.
type NoopRecorder struct{}

func (NoopRecorder) Record(Event) {}

// DefaultBatchSize is the number of events buffered before an automatic
// flush to the database.
const DefaultBatchSize = 200

// SQLiteRecorder batches lifecycle events into a SQLite database, the
// same WAL-tuned, batch-then-transaction shape as the teacher's mbtiles
// writer, with tile blobs replaced by small event rows meant for offline
// inspection of cache/worker behavior rather than persisted imagery
// (an explicit non-goal of the store itself).
type SQLiteRecorder struct {
	db        *sql.DB
	batch     []Event
	batchSize int
	mu        sync.Mutex
}

// NewSQLiteRecorder opens (creating if necessary) a SQLite database at
// path and prepares its event-log schema.
func NewSQLiteRecorder(path string) (*SQLiteRecorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("diagnostics: set pragma %q: %w", pragma, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS events (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			kind    TEXT NOT NULL,
			request TEXT NOT NULL,
			logged_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("diagnostics: create schema: %w", err)
	}

	return &SQLiteRecorder{db: db, batchSize: DefaultBatchSize}, nil
}

// Record buffers e, flushing automatically once the batch fills.
// Errors flushing are swallowed: a diagnostics outage must never
// propagate into the store's cache/worker hot path.
func (r *SQLiteRecorder) Record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.batch = append(r.batch, e)
	if len(r.batch) >= r.batchSize {
		_ = r.flushLocked()
	}
}

// Flush writes any buffered events to the database immediately.
func (r *SQLiteRecorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked()
}

func (r *SQLiteRecorder) flushLocked() error {
	if len(r.batch) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("diagnostics: begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare("INSERT INTO events (kind, request) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("diagnostics: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range r.batch {
		if _, err := stmt.Exec(string(e.Kind), e.Request); err != nil {
			return fmt.Errorf("diagnostics: insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("diagnostics: commit transaction: %w", err)
	}

	r.batch = r.batch[:0]
	return nil
}

// Close flushes any remaining events and closes the database.
func (r *SQLiteRecorder) Close() error {
	if err := r.Flush(); err != nil {
		r.db.Close()
		return err
	}
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("diagnostics: close database: %w", err)
	}
	return nil
}
