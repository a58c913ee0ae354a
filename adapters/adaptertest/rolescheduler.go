package adaptertest

import (
	"context"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/luno/flow"
)

type ctxKey string

// RunRoleSchedulerTest runs the behaviour every flow.RoleScheduler must have.
// factory is called once per sub test.
func RunRoleSchedulerTest(t *testing.T, factory func() flow.RoleScheduler) {
	tests := []struct {
		name string
		fn   func(t *testing.T, rs flow.RoleScheduler)
	}{
		{name: "granted context inherits from caller", fn: testGrantedContext},
		{name: "role has a single holder", fn: testSingleHolder},
		{name: "distinct roles are independent", fn: testDistinctRoles},
		{name: "cancel hands role to next caller", fn: testHandover},
		{name: "waiting caller gives up with its context", fn: testAbandonedWait},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			test.fn(t, factory())
		})
	}
}

func testGrantedContext(t *testing.T, rs flow.RoleScheduler) {
	parent := context.WithValue(context.Background(), ctxKey("party"), "bank-a")

	ctx, cancel, err := rs.Await(parent, "bank-a-timer-poller")
	jtest.RequireNil(t, err)
	t.Cleanup(cancel)

	require.Equal(t, "bank-a", ctx.Value(ctxKey("party")))

	cancel()
	require.Eventually(t, func() bool {
		return ctx.Err() != nil
	}, time.Second, 10*time.Millisecond)
}

func testSingleHolder(t *testing.T, rs flow.RoleScheduler) {
	_, cancel, err := rs.Await(context.Background(), "bank-a-outbox-purger")
	jtest.RequireNil(t, err)
	t.Cleanup(cancel)

	granted := awaitAsync(t, rs, context.Background(), "bank-a-outbox-purger")

	select {
	case <-granted:
		t.Fatal("role granted to a second holder")
	case <-time.After(time.Second):
	}
}

func testDistinctRoles(t *testing.T, rs flow.RoleScheduler) {
	_, cancel, err := rs.Await(context.Background(), "bank-a-recovery")
	jtest.RequireNil(t, err)
	t.Cleanup(cancel)

	granted := awaitAsync(t, rs, context.Background(), "bank-b-recovery")

	select {
	case <-granted:
	case <-time.After(3 * time.Second):
		t.Fatal("unrelated role was blocked")
	}
}

func testHandover(t *testing.T, rs flow.RoleScheduler) {
	_, cancel, err := rs.Await(context.Background(), "bank-a-timer-poller")
	jtest.RequireNil(t, err)
	t.Cleanup(cancel)

	granted := awaitAsync(t, rs, context.Background(), "bank-a-timer-poller")
	cancel()

	select {
	case <-granted:
	case <-time.After(3 * time.Second):
		t.Fatal("role not handed over after cancel")
	}
}

func testAbandonedWait(t *testing.T, rs flow.RoleScheduler) {
	_, cancel, err := rs.Await(context.Background(), "bank-a-recovery")
	jtest.RequireNil(t, err)
	t.Cleanup(cancel)

	ctx, stop := context.WithTimeout(context.Background(), 100*time.Millisecond)
	t.Cleanup(stop)

	_, _, err = rs.Await(ctx, "bank-a-recovery")
	require.Error(t, err)
}

// awaitAsync requests role in the background. The returned channel is
// closed once the role is granted. The role is released when the test ends.
func awaitAsync(t *testing.T, rs flow.RoleScheduler, ctx context.Context, role string) <-chan struct{} {
	ctx, stop := context.WithCancel(ctx)
	t.Cleanup(stop)

	granted := make(chan struct{})
	go func() {
		_, _, err := rs.Await(ctx, role)
		if err != nil {
			return
		}
		close(granted)
	}()

	return granted
}
