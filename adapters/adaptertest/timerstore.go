package adaptertest

import (
	"context"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/luno/flow"
)

// RunTimerStoreTest runs the behaviour every flow.TimerStore must have.
func RunTimerStoreTest(t *testing.T, factory func() flow.TimerStore) {
	tests := []func(t *testing.T, store flow.TimerStore){
		testListDue,
		testSetReplaces,
		testDeleteIfUnchanged,
		testCancel,
	}

	for _, test := range tests {
		test(t, factory())
	}
}

func testListDue(t *testing.T, store flow.TimerStore) {
	t.Run("ListDue returns due timers earliest first", func(t *testing.T) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		jtest.RequireNil(t, store.Set(ctx, "b", now.Add(-time.Minute)))
		jtest.RequireNil(t, store.Set(ctx, "a", now.Add(-time.Hour)))
		jtest.RequireNil(t, store.Set(ctx, "c", now))
		jtest.RequireNil(t, store.Set(ctx, "d", now.Add(time.Hour)))

		due, err := store.ListDue(ctx, now, 10)
		jtest.RequireNil(t, err)
		require.Len(t, due, 3)
		require.Equal(t, "a", due[0].RunID)
		require.Equal(t, "b", due[1].RunID)
		require.Equal(t, "c", due[2].RunID)
		require.True(t, now.Add(-time.Hour).Equal(due[0].At))

		limited, err := store.ListDue(ctx, now, 2)
		jtest.RequireNil(t, err)
		require.Len(t, limited, 2)
	})
}

func testSetReplaces(t *testing.T, store flow.TimerStore) {
	t.Run("A run has at most one timer", func(t *testing.T) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		jtest.RequireNil(t, store.Set(ctx, "a", now.Add(-time.Hour)))
		jtest.RequireNil(t, store.Set(ctx, "a", now.Add(time.Hour)))

		due, err := store.ListDue(ctx, now, 10)
		jtest.RequireNil(t, err)
		require.Empty(t, due)

		due, err = store.ListDue(ctx, now.Add(2*time.Hour), 10)
		jtest.RequireNil(t, err)
		require.Len(t, due, 1)
		require.True(t, now.Add(time.Hour).Equal(due[0].At))
	})
}

func testDeleteIfUnchanged(t *testing.T, store flow.TimerStore) {
	t.Run("Delete leaves a timer that was set again", func(t *testing.T) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		jtest.RequireNil(t, store.Set(ctx, "a", now.Add(-time.Hour)))
		jtest.RequireNil(t, store.Set(ctx, "a", now.Add(-time.Minute)))

		err := store.Delete(ctx, "a", now.Add(-time.Hour))
		jtest.RequireNil(t, err)

		due, err := store.ListDue(ctx, now, 10)
		jtest.RequireNil(t, err)
		require.Len(t, due, 1)

		err = store.Delete(ctx, "a", now.Add(-time.Minute))
		jtest.RequireNil(t, err)

		due, err = store.ListDue(ctx, now, 10)
		jtest.RequireNil(t, err)
		require.Empty(t, due)
	})
}

func testCancel(t *testing.T, store flow.TimerStore) {
	t.Run("Cancel removes the timer of a run", func(t *testing.T) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		jtest.RequireNil(t, store.Set(ctx, "a", now.Add(-time.Hour)))
		jtest.RequireNil(t, store.Set(ctx, "b", now.Add(-time.Hour)))

		err := store.Cancel(ctx, "a")
		jtest.RequireNil(t, err)

		err = store.Cancel(ctx, "unknown")
		jtest.RequireNil(t, err)

		due, err := store.ListDue(ctx, now, 10)
		jtest.RequireNil(t, err)
		require.Len(t, due, 1)
		require.Equal(t, "b", due[0].RunID)
	})
}
