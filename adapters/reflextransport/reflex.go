package reflextransport

import (
	"context"
	"database/sql"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/luno/reflex"
	"github.com/luno/reflex/rsql"

	"github.com/luno/flow"
)

// New returns a transport for parties that share a MySQL database. Every
// message is inserted into one events table keyed by the receiving party and
// each party streams that table with its own cursor.
func New(writer, reader *sql.DB, table *rsql.EventsTable, cursorStore reflex.CursorStore) *Transport {
	return &Transport{
		writer:        writer,
		reader:        reader,
		table:         table,
		cursorStore:   cursorStore,
		retryInterval: time.Second,
	}
}

var _ flow.Transport = (*Transport)(nil)

type Transport struct {
	writer        *sql.DB
	reader        *sql.DB
	table         *rsql.EventsTable
	cursorStore   reflex.CursorStore
	retryInterval time.Duration
}

// EventType is the reflex type of an event and mirrors flow.MessageKind.
type EventType int

func (ev EventType) ReflexType() int {
	return int(ev)
}

func (t *Transport) Send(ctx context.Context, m flow.Message) error {
	tx, err := t.writer.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	notify, err := t.table.InsertWithMetadata(ctx, tx, string(m.To), EventType(m.Kind), flow.MarshalMessage(m))
	if err != nil {
		return errors.Wrap(err, "insert event", j.MKV{"id": m.ID, "to": string(m.To)})
	}

	err = tx.Commit()
	if err != nil {
		return err
	}

	notify()
	return nil
}

func cursorName(party flow.Party) string {
	return "flow_transport_" + string(party)
}

// Listen streams the events addressed to party and hands them to r. The
// cursor only moves past an event once r has accepted it; a rejected event
// restarts the stream from the last cursor after a back-off.
func (t *Transport) Listen(ctx context.Context, party flow.Party, r flow.Receiver) error {
	spec := reflex.NewSpec(
		t.table.ToStream(t.reader),
		t.cursorStore,
		reflex.NewConsumer(cursorName(party), consumeFunc(party, r)),
	)

	for ctx.Err() == nil {
		err := reflex.Run(ctx, spec)
		if ctx.Err() != nil {
			return ctx.Err()
		} else if err != nil {
			timer := time.NewTimer(t.retryInterval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	return ctx.Err()
}

func consumeFunc(party flow.Party, r flow.Receiver) func(ctx context.Context, e *reflex.Event) error {
	return func(ctx context.Context, e *reflex.Event) error {
		if e.ForeignID != string(party) {
			return nil
		}

		m, err := flow.UnmarshalMessage(e.MetaData)
		if err != nil {
			// NoReturnErr: A malformed event can never be delivered.
			return nil
		}

		return r.Deliver(ctx, m)
	}
}
