// Package journal provides a WAL-mode SQLite-backed change journal for
// vigild. It implements the monitor.Journal interface and adds a Recent
// query used by the HTTP API to serve change history.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that concurrent
// readers and a single writer can proceed without blocking each other. This
// is important because the monitor's event-processing goroutine calls Append
// while API request handlers call Recent.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/vigilfs/vigil/internal/fsobject"
	"github.com/vigilfs/vigil/internal/monitor"
)

// Journal is a WAL-mode SQLite-backed implementation of monitor.Journal.
// It is safe for concurrent use.
type Journal struct {
	db   *sql.DB
	size atomic.Int64
}

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. If path is ":memory:", an in-memory database
// is used; this is suitable for tests but loses all data when closed.
//
// Open seeds the internal size counter from the number of rows currently in
// the journal, so Size() is accurate immediately after a restart.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time. Limiting the pool to a single
	// connection avoids "database is locked" errors when Append and Recent
	// run concurrently; each call serialises through this connection.
	db.SetMaxOpenConns(1)

	// Enable WAL mode: readers and the single writer proceed concurrently.
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set WAL mode: %w", err)
	}

	// NORMAL synchronous: durable across application crashes; not OS crashes.
	// This gives a significant write-throughput improvement over FULL while
	// still guaranteeing that a committed transaction survives a process exit.
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set synchronous = NORMAL: %w", err)
	}

	// Apply the schema (idempotent: CREATE TABLE IF NOT EXISTS).
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}

	j := &Journal{db: db}

	// Seed the size counter from existing rows so that Size() reflects the
	// correct value immediately after a restart.
	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM change_journal`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: count rows: %w", err)
	}
	j.size.Store(count)

	return j, nil
}

// ddl is the schema DDL, kept here to keep the package self-contained.
const ddl = `
CREATE TABLE IF NOT EXISTS change_journal (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    record_id   TEXT    NOT NULL,
    path        TEXT    NOT NULL,
    kind        TEXT    NOT NULL,
    ts          TEXT    NOT NULL,
    object      TEXT,
    appended_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_change_journal_path
    ON change_journal (path, id);
`

// Append persists rec to the SQLite database. It implements monitor.Journal.
func (j *Journal) Append(ctx context.Context, rec monitor.ChangeRecord) error {
	var object any
	if rec.Object != nil {
		data, err := json.Marshal(rec.Object)
		if err != nil {
			return fmt.Errorf("journal: marshal object: %w", err)
		}
		object = string(data)
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO change_journal (record_id, path, kind, ts, object)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Path,
		rec.Kind,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		object,
	)
	if err != nil {
		return fmt.Errorf("journal: append: %w", err)
	}

	j.size.Add(1)
	return nil
}

// Recent returns up to n change records, newest first. If path is non-empty,
// only records for that path are returned. If n ≤ 0, Recent returns nil
// without querying the database.
func (j *Journal) Recent(ctx context.Context, path string, n int) ([]monitor.ChangeRecord, error) {
	if n <= 0 {
		return nil, nil
	}

	query := `SELECT record_id, path, kind, ts, object
	          FROM   change_journal`
	args := []any{}
	if path != "" {
		query += ` WHERE path = ?`
		args = append(args, path)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, n)

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: recent query: %w", err)
	}
	defer rows.Close()

	var recs []monitor.ChangeRecord
	for rows.Next() {
		var (
			rec       monitor.ChangeRecord
			tsStr     string
			objectStr sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Path, &rec.Kind, &tsStr, &objectStr); err != nil {
			return nil, fmt.Errorf("journal: recent scan: %w", err)
		}

		// Parse the stored RFC3339Nano timestamp; fall back to RFC3339.
		rec.Timestamp, err = time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			rec.Timestamp, _ = time.Parse(time.RFC3339, tsStr)
		}

		// Unmarshal the object JSON; a malformed value produces a nil
		// snapshot rather than an error so that one bad row does not
		// block the query.
		if objectStr.Valid {
			var info fsobject.Info
			if err := json.Unmarshal([]byte(objectStr.String), &info); err == nil {
				rec.Object = &info
			}
		}

		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: recent rows: %w", err)
	}
	return recs, nil
}

// Size returns the number of records in the journal. It reads from an atomic
// counter that is updated by Append, so it never blocks. It implements
// monitor.Journal.
func (j *Journal) Size() int64 {
	return j.size.Load()
}

// Close closes the underlying database connection. It implements
// monitor.Journal. Callers must not use the journal after Close returns.
func (j *Journal) Close() error {
	return j.db.Close()
}
