package adaptertest

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/luno/flow"
)

// RunRecordStoreTest runs the behaviour every flow.RecordStore must have.
// factory must return an empty store on every call.
func RunRecordStoreTest(t *testing.T, factory func() flow.RecordStore) {
	tests := []func(t *testing.T, store flow.RecordStore){
		testLookup,
		testStoreReplaces,
		testLookupSession,
		testOutbox,
		testOutboxIdempotent,
		testList,
	}

	for _, test := range tests {
		test(t, factory())
	}
}

func makeRecord(status flow.Status) *flow.Record {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &flow.Record{
		RunID:     uuid.New().String(),
		FlowClass: "transfer",
		Status:    status,
		Invocation: flow.Invocation{
			Origin:    flow.OriginPeer,
			Actor:     "ops",
			Party:     "bank-b",
			Reference: "run-1",
		},
		Args:       []byte(`{"amount":10}`),
		Checkpoint: []byte{0x08, 0x01},
		RetryCount: 2,
		LastError:  "connection reset",
		WakeAt:     now.Add(time.Hour),
		SessionIDs: []flow.SessionID{"s-1", "s-2"},
		Version:    3,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func recordIsEqual(t *testing.T, expected, actual flow.Record) {
	t.Helper()

	require.Equal(t, expected.RunID, actual.RunID)
	require.Equal(t, expected.FlowClass, actual.FlowClass)
	require.Equal(t, expected.Status, actual.Status)
	require.Equal(t, expected.Invocation, actual.Invocation)
	require.True(t, bytes.Equal(expected.Args, actual.Args), "args")
	require.True(t, bytes.Equal(expected.Checkpoint, actual.Checkpoint), "checkpoint")
	require.True(t, bytes.Equal(expected.Archived, actual.Archived), "archived")
	require.True(t, bytes.Equal(expected.Result, actual.Result), "result")
	require.Equal(t, expected.LastError, actual.LastError)
	require.Equal(t, expected.RetryCount, actual.RetryCount)
	require.ElementsMatch(t, expected.SessionIDs, actual.SessionIDs)
	require.Equal(t, expected.Version, actual.Version)
	require.True(t, expected.WakeAt.Equal(actual.WakeAt), "wake at: %v != %v", expected.WakeAt, actual.WakeAt)
	require.True(t, expected.CreatedAt.Equal(actual.CreatedAt), "created at: %v != %v", expected.CreatedAt, actual.CreatedAt)
	require.True(t, expected.UpdatedAt.Equal(actual.UpdatedAt), "updated at: %v != %v", expected.UpdatedAt, actual.UpdatedAt)
}

func testLookup(t *testing.T, store flow.RecordStore) {
	t.Run("Lookup", func(t *testing.T) {
		ctx := context.Background()

		_, err := store.Lookup(ctx, "missing")
		jtest.Require(t, flow.ErrRecordNotFound, err)

		r := makeRecord(flow.StatusSuspended)
		err = store.Store(ctx, r, nil)
		jtest.RequireNil(t, err)

		actual, err := store.Lookup(ctx, r.RunID)
		jtest.RequireNil(t, err)
		recordIsEqual(t, *r, *actual)
	})
}

func testStoreReplaces(t *testing.T, store flow.RecordStore) {
	t.Run("Store replaces the record of a run", func(t *testing.T) {
		ctx := context.Background()

		r := makeRecord(flow.StatusSuspended)
		err := store.Store(ctx, r, nil)
		jtest.RequireNil(t, err)

		r.Status = flow.StatusCompleted
		r.Checkpoint = nil
		r.Archived = []byte{0x08, 0x02}
		r.Result = []byte(`"done"`)
		r.WakeAt = time.Time{}
		r.Version++
		r.UpdatedAt = r.UpdatedAt.Add(time.Minute)
		err = store.Store(ctx, r, nil)
		jtest.RequireNil(t, err)

		actual, err := store.Lookup(ctx, r.RunID)
		jtest.RequireNil(t, err)
		recordIsEqual(t, *r, *actual)
	})
}

func testLookupSession(t *testing.T, store flow.RecordStore) {
	t.Run("LookupSession", func(t *testing.T) {
		ctx := context.Background()

		_, err := store.LookupSession(ctx, "unknown")
		jtest.Require(t, flow.ErrRecordNotFound, err)

		r := makeRecord(flow.StatusSuspended)
		err = store.Store(ctx, r, nil)
		jtest.RequireNil(t, err)

		for _, id := range r.SessionIDs {
			runID, err := store.LookupSession(ctx, id)
			jtest.RequireNil(t, err)
			require.Equal(t, r.RunID, runID)
		}
	})
}

func makeMessage(runID string, seq int64) flow.Message {
	return flow.Message{
		ID:         fmt.Sprintf("%s/bank-a/%d", runID, seq),
		Kind:       flow.MessageKindData,
		From:       "bank-a",
		To:         "bank-b",
		SessionID:  "s-1",
		Seq:        seq,
		FromRunID:  runID,
		ToRunID:    "peer",
		Payload:    []byte(`{"ok":true}`),
		HasPayload: true,
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}
}

func testOutbox(t *testing.T, store flow.RecordStore) {
	t.Run("Outbox entries are listed oldest first and can be deleted", func(t *testing.T) {
		ctx := context.Background()

		r := makeRecord(flow.StatusSuspended)
		msgs := []flow.Message{makeMessage(r.RunID, 0), makeMessage(r.RunID, 1), makeMessage(r.RunID, 2)}
		err := store.Store(ctx, r, msgs)
		jtest.RequireNil(t, err)

		entries, err := store.ListOutbox(ctx, 10)
		jtest.RequireNil(t, err)
		require.Len(t, entries, 3)

		for i, entry := range entries {
			require.Equal(t, msgs[i].ID, entry.ID)
			require.Equal(t, r.RunID, entry.RunID)

			m, err := flow.UnmarshalMessage(entry.Data)
			jtest.RequireNil(t, err)
			require.Equal(t, msgs[i].Seq, m.Seq)
			require.Equal(t, msgs[i].Payload, m.Payload)
		}

		limited, err := store.ListOutbox(ctx, 2)
		jtest.RequireNil(t, err)
		require.Len(t, limited, 2)

		err = store.DeleteOutbox(ctx, msgs[1].ID)
		jtest.RequireNil(t, err)

		entries, err = store.ListOutbox(ctx, 10)
		jtest.RequireNil(t, err)
		require.Len(t, entries, 2)
		require.Equal(t, msgs[0].ID, entries[0].ID)
		require.Equal(t, msgs[2].ID, entries[1].ID)
	})
}

func testOutboxIdempotent(t *testing.T, store flow.RecordStore) {
	t.Run("Outbox ignores entries that were already inserted", func(t *testing.T) {
		ctx := context.Background()

		r := makeRecord(flow.StatusSuspended)
		m := makeMessage(r.RunID, 0)

		err := store.Store(ctx, r, []flow.Message{m})
		jtest.RequireNil(t, err)

		r.Version++
		err = store.Store(ctx, r, []flow.Message{m})
		jtest.RequireNil(t, err)

		entries, err := store.ListOutbox(ctx, 10)
		jtest.RequireNil(t, err)
		require.Len(t, entries, 1)
	})
}

func testList(t *testing.T, store flow.RecordStore) {
	t.Run("List filters by status and pages in creation order", func(t *testing.T) {
		ctx := context.Background()

		statuses := []flow.Status{
			flow.StatusRunnable,
			flow.StatusSuspended,
			flow.StatusCompleted,
			flow.StatusSuspended,
			flow.StatusPaused,
			flow.StatusKilled,
		}

		var runIDs []string
		for i, status := range statuses {
			r := makeRecord(status)
			r.CreatedAt = r.CreatedAt.Add(time.Duration(i) * time.Second)
			err := store.Store(ctx, r, nil)
			jtest.RequireNil(t, err)
			runIDs = append(runIDs, r.RunID)
		}

		all, err := store.List(ctx, 0, 100)
		jtest.RequireNil(t, err)
		require.Len(t, all, len(statuses))
		for i, r := range all {
			require.Equal(t, runIDs[i], r.RunID)
		}

		unfinished, err := store.List(ctx, 0, 100, flow.StatusRunnable, flow.StatusSuspended, flow.StatusPaused)
		jtest.RequireNil(t, err)
		require.Len(t, unfinished, 4)
		require.Equal(t, runIDs[0], unfinished[0].RunID)
		require.Equal(t, runIDs[4], unfinished[3].RunID)

		page, err := store.List(ctx, 1, 2, flow.StatusRunnable, flow.StatusSuspended, flow.StatusPaused)
		jtest.RequireNil(t, err)
		require.Len(t, page, 2)
		require.Equal(t, runIDs[1], page[0].RunID)
		require.Equal(t, runIDs[3], page[1].RunID)
	})
}
