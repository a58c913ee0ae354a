package sqlstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/luno/flow"
)

const defaultListLimit = 25

// Connect opens a MySQL connection pool for dsn. parseTime is not required
// since all times are stored as Unix nanoseconds.
func Connect(dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse dsn")
	}

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "new connector")
	}

	return sql.OpenDB(connector), nil
}

type SQLStore struct {
	writer *sql.DB
	reader *sql.DB

	recordTableName    string
	sessionTableName   string
	outboxTableName    string
	recordSelectPrefix string
	outboxSelectPrefix string
}

// New returns a record store over the given tables. Lookups that must see
// the latest commit always read from the writer.
func New(writer *sql.DB, reader *sql.DB, recordTableName, sessionTableName, outboxTableName string) *SQLStore {
	s := &SQLStore{
		writer:           writer,
		reader:           reader,
		recordTableName:  recordTableName,
		sessionTableName: sessionTableName,
		outboxTableName:  outboxTableName,
	}

	s.recordSelectPrefix = " select " + recordCols + " from " + s.recordTableName + " where "
	s.outboxSelectPrefix = " select `id`, `run_id`, `data`, `created_at` from " + s.outboxTableName + " where "

	return s
}

const recordCols = " `run_id`, `flow_class`, `status`, `invocation`, `args`, `checkpoint`, `archived`, `result`, `last_error`, `retry_count`, `wake_at`, `version`, `created_at`, `updated_at` "

var _ flow.RecordStore = (*SQLStore)(nil)

func (s *SQLStore) Store(ctx context.Context, r *flow.Record, outbound []flow.Message) error {
	tx, err := s.writer.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = s.upsert(ctx, tx, r)
	if err != nil {
		return err
	}

	for _, id := range r.SessionIDs {
		_, err := tx.ExecContext(ctx, "insert ignore into "+s.sessionTableName+" set session_id=?, run_id=?", string(id), r.RunID)
		if err != nil {
			return errors.Wrap(err, "failed to index session", j.MKV{"run_id": r.RunID, "session_id": string(id)})
		}
	}

	for _, entry := range flow.MakeOutboxEntries(r.RunID, outbound, time.Now()) {
		_, err := tx.ExecContext(ctx, "insert ignore into "+s.outboxTableName+" set id=?, run_id=?, data=?, created_at=?",
			entry.ID, entry.RunID, entry.Data, toNanos(entry.CreatedAt))
		if err != nil {
			return errors.Wrap(err, "failed to create outbox entry", j.MKV{"run_id": r.RunID, "id": entry.ID})
		}
	}

	return tx.Commit()
}

func (s *SQLStore) upsert(ctx context.Context, tx *sql.Tx, r *flow.Record) error {
	inv, err := r.Invocation.MarshalBinary()
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, "insert into "+s.recordTableName+" set "+
		" run_id=?, flow_class=?, status=?, invocation=?, args=?, checkpoint=?, archived=?, result=?, "+
		" last_error=?, retry_count=?, wake_at=?, version=?, created_at=?, updated_at=? "+
		" on duplicate key update "+
		" flow_class=values(flow_class), status=values(status), invocation=values(invocation), args=values(args), "+
		" checkpoint=values(checkpoint), archived=values(archived), result=values(result), last_error=values(last_error), "+
		" retry_count=values(retry_count), wake_at=values(wake_at), version=values(version), updated_at=values(updated_at)",
		r.RunID,
		r.FlowClass,
		int(r.Status),
		inv,
		r.Args,
		r.Checkpoint,
		r.Archived,
		r.Result,
		r.LastError,
		r.RetryCount,
		toNanos(r.WakeAt),
		r.Version,
		toNanos(r.CreatedAt),
		toNanos(r.UpdatedAt),
	)
	if err != nil {
		return errors.Wrap(err, "failed to store record", j.MKV{
			"run_id": r.RunID,
			"status": r.Status.String(),
		})
	}

	return nil
}

func (s *SQLStore) Lookup(ctx context.Context, runID string) (*flow.Record, error) {
	r, err := recordScan(s.writer.QueryRowContext(ctx, s.recordSelectPrefix+"run_id=?", runID))
	if err != nil {
		return nil, err
	}

	err = s.loadSessions(ctx, s.writer, r)
	if err != nil {
		return nil, err
	}

	return r, nil
}

func (s *SQLStore) LookupSession(ctx context.Context, sessionID flow.SessionID) (string, error) {
	var runID string
	err := s.writer.QueryRowContext(ctx, "select run_id from "+s.sessionTableName+" where session_id=?", string(sessionID)).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.Wrap(flow.ErrRecordNotFound, "")
	} else if err != nil {
		return "", errors.Wrap(err, "lookup session")
	}

	return runID, nil
}

func (s *SQLStore) List(ctx context.Context, offset int64, limit int, statuses ...flow.Status) ([]flow.Record, error) {
	if limit == 0 {
		limit = defaultListLimit
	}

	where := "true"
	var args []any
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, int(st))
		}
		where = "status in (" + strings.Join(placeholders, ", ") + ")"
	}

	args = append(args, limit, offset)
	rows, err := s.reader.QueryContext(ctx, s.recordSelectPrefix+where+" order by seq limit ? offset ?", args...)
	if err != nil {
		return nil, errors.Wrap(err, "list records")
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
		return nil, errors.Wrap(err, "rows")
	}

	for i := range res {
		err := s.loadSessions(ctx, s.reader, &res[i])
		if err != nil {
			return nil, err
		}
	}

	return res, nil
}

func (s *SQLStore) ListOutbox(ctx context.Context, limit int64) ([]flow.OutboxEntry, error) {
	rows, err := s.writer.QueryContext(ctx, s.outboxSelectPrefix+"true order by seq limit ?", limit)
	if err != nil {
		return nil, errors.Wrap(err, "list outbox")
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
			return nil, errors.Wrap(err, "outboxScan")
		}

		e.CreatedAt = fromNanos(createdAt)
		res = append(res, e)
	}

	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	return res, nil
}

func (s *SQLStore) DeleteOutbox(ctx context.Context, id string) error {
	_, err := s.writer.ExecContext(ctx, "delete from "+s.outboxTableName+" where id=?", id)
	if err != nil {
		return errors.Wrap(err, "delete outbox entry", j.MKV{"id": id})
	}

	return nil
}

func (s *SQLStore) loadSessions(ctx context.Context, dbc *sql.DB, r *flow.Record) error {
	rows, err := dbc.QueryContext(ctx, "select session_id from "+s.sessionTableName+" where run_id=? order by session_id", r.RunID)
	if err != nil {
		return errors.Wrap(err, "load sessions")
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

func recordScan(row row) (*flow.Record, error) {
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
		return nil, errors.Wrap(flow.ErrRecordNotFound, "")
	} else if err != nil {
		return nil, errors.Wrap(err, "recordScan")
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

// row is a common interface for *sql.Rows and *sql.Row.
type row interface {
	Scan(dest ...any) error
}

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
