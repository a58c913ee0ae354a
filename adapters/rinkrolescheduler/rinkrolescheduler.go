package rinkrolescheduler

import (
	"context"

	"github.com/luno/rink/v2"

	"github.com/luno/flow"
)

// New returns a RoleScheduler that elects the holder of each engine role
// across the rink cluster, so that only one node of a party runs its outbox
// purger, timer poller and recovery at a time. The caller runs r.
func New(r *rink.Rink) *RoleScheduler {
	return &RoleScheduler{
		rink: r,
	}
}

var _ flow.RoleScheduler = (*RoleScheduler)(nil)

type RoleScheduler struct {
	rink *rink.Rink
}

func (r *RoleScheduler) Await(ctx context.Context, role string) (context.Context, context.CancelFunc, error) {
	return r.rink.Roles.AwaitRoleContext(ctx, role)
}

func (r *RoleScheduler) Close() error {
	r.rink.Shutdown(context.Background())
	return nil
}
