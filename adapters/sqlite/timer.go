package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/luno/flow"
)

type TimerStore struct {
	db *sql.DB
}

func NewTimerStore(db *sql.DB) *TimerStore {
	return &TimerStore{db: db}
}

var _ flow.TimerStore = (*TimerStore)(nil)

func (s *TimerStore) Set(ctx context.Context, runID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flow_timers (run_id, at) VALUES (?, ?)
		ON CONFLICT (run_id) DO UPDATE SET at = excluded.at`,
		runID, toNanos(at),
	)
	if err != nil {
		return errors.Wrap(err, "set timer", j.MKV{"run_id": runID})
	}

	return nil
}

func (s *TimerStore) Delete(ctx context.Context, runID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM flow_timers WHERE run_id = ? AND at = ?", runID, toNanos(at))
	if err != nil {
		return errors.Wrap(err, "delete timer", j.MKV{"run_id": runID})
	}

	return nil
}

func (s *TimerStore) Cancel(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM flow_timers WHERE run_id = ?", runID)
	if err != nil {
		return errors.Wrap(err, "cancel timer", j.MKV{"run_id": runID})
	}

	return nil
}

func (s *TimerStore) ListDue(ctx context.Context, now time.Time, limit int) ([]flow.TimerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT run_id, at FROM flow_timers WHERE at <= ? ORDER BY at, run_id LIMIT ?",
		toNanos(now), limit)
	if err != nil {
		return nil, errors.Wrap(err, "list timers")
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

		e.At = fromNanos(at)
		res = append(res, e)
	}

	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows error")
	}

	return res, nil
}
