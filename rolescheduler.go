package flow

import (
	"context"
	"strings"
)

// RoleScheduler grants named roles to at most one holder across every
// engine instance of a party. The engine's background processes (timer
// poller, outbox purger, recovery and schedules) each run under a role so
// that a party with several replicas polls and sends from one of them only.
//
// Implementations should pass adaptertest.RunRoleSchedulerTest.
type RoleScheduler interface {
	// Await blocks until role is granted or ctx is done. The returned
	// context is a child of ctx and the role is held until the returned
	// cancel func is called or ctx is cancelled.
	Await(ctx context.Context, role string) (context.Context, context.CancelFunc, error)
}

// makeRole joins the parts of a role name, lower cased with spaces replaced,
// e.g. makeRole("bank-a", "timer", "poller") == "bank-a-timer-poller".
func makeRole(parts ...string) string {
	role := strings.ToLower(strings.Join(parts, "-"))
	return strings.ReplaceAll(role, " ", "_")
}
