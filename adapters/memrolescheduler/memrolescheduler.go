package memrolescheduler

import (
	"context"
	"sync"

	"github.com/luno/flow"
)

// RoleScheduler grants each role to one caller at a time within a single
// process.
type RoleScheduler struct {
	mu    sync.Mutex
	roles map[string]chan struct{}
}

var _ flow.RoleScheduler = (*RoleScheduler)(nil)

// Await blocks until role is free or ctx is done. The role is held until the
// returned context is cancelled.
func (r *RoleScheduler) Await(ctx context.Context, role string) (context.Context, context.CancelFunc, error) {
	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}

	r.mu.Lock()
	sem, ok := r.roles[role]
	if !ok {
		sem = make(chan struct{}, 1)
		r.roles[role] = sem
	}
	r.mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-ctx.Done()
		<-sem
	}()

	return ctx, cancel, nil
}

func New() *RoleScheduler {
	return &RoleScheduler{
		roles: make(map[string]chan struct{}),
	}
}
