package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/luno/flow"
)

const defaultListLimit = 25

const recordCols = "run_id, flow_class, status, invocation, args, checkpoint, archived, result, last_error, retry_count, wake_at, version, created_at, updated_at"

type RecordStore struct {
	db *sql.DB
}

func NewRecordStore(db *sql.DB) *RecordStore {
	return &RecordStore{db: db}
}

var _ flow.RecordStore = (*RecordStore)(nil)

func (s *RecordStore) Store(ctx context.Context, r *flow.Record, outbound []flow.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	inv, err := r.Invocation.MarshalBinary()
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO flow_records (`+recordCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			flow_class = excluded.flow_class,
			status = excluded.status,
			invocation = excluded.invocation,
			args = excluded.args,
			checkpoint = excluded.checkpoint,
			archived = excluded.archived,
			result = excluded.result,
			last_error = excluded.last_error,
			retry_count = excluded.retry_count,
			wake_at = excluded.wake_at,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		r.RunID, r.FlowClass, int(r.Status), inv, r.Args, r.Checkpoint, r.Archived, r.Result,
		r.LastError, r.RetryCount, toNanos(r.WakeAt), r.Version, toNanos(r.CreatedAt), toNanos(r.UpdatedAt),
	)
	if err != nil {
		return errors.Wrap(err, "upsert record", j.MKV{"run_id": r.RunID})
	}

	for _, id := range r.SessionIDs {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO flow_sessions (session_id, run_id) VALUES (?, ?) ON CONFLICT (session_id) DO NOTHING",
			string(id), r.RunID)
		if err != nil {
			return errors.Wrap(err, "insert session", j.MKV{"session_id": string(id)})
		}
	}

	for _, entry := range flow.MakeOutboxEntries(r.RunID, outbound, time.Now()) {
		_, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO flow_outbox (id, run_id, data, created_at) VALUES (?, ?, ?, ?)",
			entry.ID, entry.RunID, entry.Data, toNanos(entry.CreatedAt))
		if err != nil {
			return errors.Wrap(err, "insert outbox entry", j.MKV{"id": entry.ID})
		}
	}

	return tx.Commit()
}

func (s *RecordStore) Lookup(ctx context.Context, runID string) (*flow.Record, error) {
	r, err := s.lookupWhere(ctx, "run_id = ?", runID)
	if err != nil {
		return nil, err
	}

	return r, nil
}

func (s *RecordStore) LookupSession(ctx context.Context, sessionID flow.SessionID) (string, error) {
	var runID string
	err := s.db.QueryRowContext(ctx, "SELECT run_id FROM flow_sessions WHERE session_id = ?", string(sessionID)).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", flow.ErrRecordNotFound
	} else if err != nil {
		return "", errors.Wrap(err, "lookup session")
	}

	return runID, nil
}

func (s *RecordStore) List(ctx context.Context, offset int64, limit int, statuses ...flow.Status) ([]flow.Record, error) {
	if limit == 0 {
		limit = defaultListLimit
	}

	where := "1 = 1"
	var args []any
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, int(st))
		}
		where = "status IN (" + strings.Join(placeholders, ", ") + ")"
	}

	where += " ORDER BY rowid LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	return s.listWhere(ctx, where, args...)
}

func (s *RecordStore) ListOutbox(ctx context.Context, limit int64) ([]flow.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, run_id, data, created_at FROM flow_outbox ORDER BY seq LIMIT ?", limit)
	if err != nil {
		return nil, errors.Wrap(err, "query outbox")
	}
	defer rows.Close()

	var res []flow.OutboxEntry
	for rows.Next() {
		var (
			e         flow.OutboxEntry
			createdAt int64
		)
		err := rows.Scan(&e.ID, &e.RunID, &e.Data, &createdAt)
		if err != nil {
			return nil, errors.Wrap(err, "scan outbox")
		}

		e.CreatedAt = fromNanos(createdAt)
		res = append(res, e)
	}

	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows error")
	}

	return res, nil
}

func (s *RecordStore) DeleteOutbox(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM flow_outbox WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(err, "delete outbox entry", j.MKV{"id": id})
	}

	return nil
}

func (s *RecordStore) lookupWhere(ctx context.Context, where string, args ...any) (*flow.Record, error) {
	query := "SELECT " + recordCols + " FROM flow_records WHERE " + where
	r, err := recordScan(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, err
	}

	err = s.loadSessions(ctx, r)
	if err != nil {
		return nil, err
	}

	return r, nil
}

func (s *RecordStore) listWhere(ctx context.Context, where string, args ...any) ([]flow.Record, error) {
	query := "SELECT " + recordCols + " FROM flow_records WHERE " + where
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query records")
	}

	var res []flow.Record
	for rows.Next() {
		r, err := recordScan(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, *r)
	}

	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, errors.Wrap(err, "rows error")
	}

	// Sessions are loaded after the rows are closed since the store uses a
	// single connection.
	for i := range res {
		err := s.loadSessions(ctx, &res[i])
		if err != nil {
			return nil, err
		}
	}

	return res, nil
}

func (s *RecordStore) loadSessions(ctx context.Context, r *flow.Record) error {
	rows, err := s.db.QueryContext(ctx, "SELECT session_id FROM flow_sessions WHERE run_id = ? ORDER BY session_id", r.RunID)
	if err != nil {
		return errors.Wrap(err, "query sessions")
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		err := rows.Scan(&id)
		if err != nil {
			return errors.Wrap(err, "scan session")
		}

		r.SessionIDs = append(r.SessionIDs, flow.SessionID(id))
	}

	return rows.Err()
}

func recordScan(row scannable) (*flow.Record, error) {
	var (
		r                            flow.Record
		status                       int
		inv                          []byte
		wakeAt, createdAt, updatedAt int64
	)
	err := row.Scan(
		&r.RunID,
		&r.FlowClass,
		&status,
		&inv,
		&r.Args,
		&r.Checkpoint,
		&r.Archived,
		&r.Result,
		&r.LastError,
		&r.RetryCount,
		&wakeAt,
		&r.Version,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, flow.ErrRecordNotFound
	} else if err != nil {
		return nil, errors.Wrap(err, "scan record")
	}

	err = r.Invocation.UnmarshalBinary(inv)
	if err != nil {
		return nil, err
	}

	r.Status = flow.Status(status)
	r.WakeAt = fromNanos(wakeAt)
	r.CreatedAt = fromNanos(createdAt)
	r.UpdatedAt = fromNanos(updatedAt)
	return &r, nil
}

type scannable interface {
	Scan(dest ...any) error
}
