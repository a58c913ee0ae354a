package flow

import (
	"context"
	"time"
)

// RecordStore implementations should all be tested with adaptertest.RunRecordStoreTest. Store is the commit
// primitive of the engine: the record and its staged outbound messages must be persisted atomically.
type RecordStore interface {
	// Store creates or replaces the record keyed by RunID and, in the same transaction, appends outbound to the
	// outbox keyed by Message.ID. Re-inserting an outbox entry with an existing ID must be a no-op so that a
	// message is never queued twice. Store must also maintain the session index used by LookupSession.
	Store(ctx context.Context, r *Record, outbound []Message) error

	// Lookup returns ErrRecordNotFound when no record exists for runID.
	Lookup(ctx context.Context, runID string) (*Record, error)

	// LookupSession returns the ID of the run on this node that owns the session or ErrRecordNotFound.
	LookupSession(ctx context.Context, sessionID SessionID) (string, error)

	// List returns records in creation order after skipping offset records. When statuses are provided only
	// records in one of those statuses are returned.
	List(ctx context.Context, offset int64, limit int, statuses ...Status) ([]Record, error)

	// ListOutbox returns the oldest entries of the outbox.
	ListOutbox(ctx context.Context, limit int64) ([]OutboxEntry, error)

	// DeleteOutbox removes an entry once it has been handed to the transport.
	DeleteOutbox(ctx context.Context, id string) error
}

// OutboxEntry is a committed outbound message waiting to be sent. Data is
// the message encoded with MarshalMessage.
type OutboxEntry struct {
	ID        string
	RunID     string
	Data      []byte
	CreatedAt time.Time
}

// MakeOutboxEntries encodes staged messages for storage in the outbox.
func MakeOutboxEntries(runID string, outbound []Message, now time.Time) []OutboxEntry {
	entries := make([]OutboxEntry, 0, len(outbound))
	for _, m := range outbound {
		entries = append(entries, OutboxEntry{
			ID:        m.ID,
			RunID:     runID,
			Data:      MarshalMessage(m),
			CreatedAt: now,
		})
	}

	return entries
}

// TimerStore implementations should all be tested with adaptertest.RunTimerStoreTest. A run has at most one
// timer.
type TimerStore interface {
	// Set creates or replaces the timer of a run.
	Set(ctx context.Context, runID string, at time.Time) error
	// Delete removes the timer of a run only if it is still set for at.
	Delete(ctx context.Context, runID string, at time.Time) error
	// Cancel removes the timer of a run.
	Cancel(ctx context.Context, runID string) error
	// ListDue returns timers set at or before now, earliest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]TimerEntry, error)
}

type TimerEntry struct {
	RunID string
	At    time.Time
}

// Transport hands messages to other parties. Send must return an error
// unless the message has been accepted for delivery; the outbox retries
// failed sends. Delivery may duplicate and reorder messages.
type Transport interface {
	Send(ctx context.Context, m Message) error
}

// Receiver is implemented by Engine. Transports call Deliver for every
// inbound message and may acknowledge it once Deliver returns nil.
type Receiver interface {
	Deliver(ctx context.Context, m Message) error
}
