package sqlite

import (
	"database/sql"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	_ "modernc.org/sqlite"
)

// Open creates a new SQLite database connection configured for a single
// flow node.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=10000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "set pragma", j.MKV{"pragma": pragma})
		}
	}

	// SQLite allows a single writer. Serialising on one connection keeps
	// commits from failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return db, nil
}

// InitSchema creates all tables used by the record and timer stores.
func InitSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS flow_records (
    run_id       TEXT NOT NULL PRIMARY KEY,
    flow_class   TEXT NOT NULL,
    status       INTEGER NOT NULL,
    invocation   BLOB,
    args         BLOB,
    checkpoint   BLOB,
    archived     BLOB,
    result       BLOB,
    last_error   TEXT NOT NULL DEFAULT '',
    retry_count  INTEGER NOT NULL DEFAULT 0,
    wake_at      INTEGER NOT NULL DEFAULT 0,
    version      INTEGER NOT NULL DEFAULT 0,
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_flow_records_status
    ON flow_records (status);

CREATE TABLE IF NOT EXISTS flow_sessions (
    session_id TEXT NOT NULL PRIMARY KEY,
    run_id     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_flow_sessions_run_id
    ON flow_sessions (run_id);

CREATE TABLE IF NOT EXISTS flow_outbox (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    id         TEXT NOT NULL UNIQUE,
    run_id     TEXT NOT NULL,
    data       BLOB,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS flow_timers (
    run_id TEXT NOT NULL PRIMARY KEY,
    at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_flow_timers_at
    ON flow_timers (at);`

	if _, err := db.Exec(schema); err != nil {
		return errors.Wrap(err, "init schema")
	}

	return nil
}

// Times are stored as Unix nanoseconds with 0 for the zero time so that
// they round-trip exactly.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}

	return time.Unix(0, n).UTC()
}
