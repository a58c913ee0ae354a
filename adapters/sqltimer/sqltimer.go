package sqltimer

import (
	"context"
	"database/sql"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/luno/flow"
)

// Migrations create the timer table under its default name.
var Migrations = []string{`
	create table flow_timers (
		run_id  varchar(255) not null,
		at      bigint not null,

		primary key(run_id),
		index by_at (at)
	)`,
}

func New(writer *sql.DB, reader *sql.DB, name string) *Store {
	return &Store{
		writer: writer,
		reader: reader,
		name:   name,
	}
}

var _ flow.TimerStore = (*Store)(nil)

type Store struct {
	writer *sql.DB
	reader *sql.DB
	name   string
}

func (s *Store) Set(ctx context.Context, runID string, at time.Time) error {
	_, err := s.writer.ExecContext(ctx, "insert into "+s.name+" set run_id=?, at=? on duplicate key update at=values(at)",
		runID, at.UnixNano())
	if err != nil {
		return errors.Wrap(err, "set timer", j.MKV{"run_id": runID})
	}

	return nil
}

// Delete removes the timer only when it still fires at the given time so
// that a concurrent Set is not lost.
func (s *Store) Delete(ctx context.Context, runID string, at time.Time) error {
	_, err := s.writer.ExecContext(ctx, "delete from "+s.name+" where run_id=? and at=?", runID, at.UnixNano())
	if err != nil {
		return errors.Wrap(err, "delete timer", j.MKV{"run_id": runID})
	}

	return nil
}

func (s *Store) Cancel(ctx context.Context, runID string) error {
	_, err := s.writer.ExecContext(ctx, "delete from "+s.name+" where run_id=?", runID)
	if err != nil {
		return errors.Wrap(err, "cancel timer", j.MKV{"run_id": runID})
	}

	return nil
}

func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]flow.TimerEntry, error) {
	rows, err := s.reader.QueryContext(ctx, "select run_id, at from "+s.name+" where at<=? order by at, run_id limit ?",
		now.UnixNano(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "list due timers")
	}
	defer rows.Close()

	var res []flow.TimerEntry
	for rows.Next() {
		var (
			e  flow.TimerEntry
			at int64
		)
		err := rows.Scan(&e.RunID, &at)
		if err != nil {
			return nil, errors.Wrap(err, "scan timer")
		}

		e.At = time.Unix(0, at).UTC()
		res = append(res, e)
	}

	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	return res, nil
}
