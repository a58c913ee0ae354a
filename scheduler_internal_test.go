package flow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"
)

func timerEvent(runID string, i int) Timer {
	return Timer{RunID: runID, FiringTime: time.Unix(int64(i), 0)}
}

func TestSchedulerSerialisesRuns(t *testing.T) {
	ctx := context.Background()

	var (
		mu     sync.Mutex
		seen   = make(map[string][]int64)
		active = make(map[string]*int32)
	)
	for _, id := range []string{"a", "b", "c"} {
		active[id] = new(int32)
	}

	s := newScheduler("test", 4, 1000, func(ctx context.Context, ev Event) result {
		tm := ev.(Timer)
		n := atomic.AddInt32(active[tm.RunID], 1)
		defer atomic.AddInt32(active[tm.RunID], -1)
		if n != 1 {
			return result{err: ErrInvalidTransition}
		}

		mu.Lock()
		seen[tm.RunID] = append(seen[tm.RunID], tm.FiringTime.Unix())
		mu.Unlock()

		time.Sleep(time.Millisecond)
		return result{changed: true}
	})
	s.start(ctx)
	t.Cleanup(s.stop)

	var dones []chan result
	for i := 0; i < 20; i++ {
		for _, id := range []string{"a", "b", "c"} {
			done := make(chan result, 1)
			jtest.RequireNil(t, s.submit(ctx, timerEvent(id, i), done))
			dones = append(dones, done)
		}
	}

	for _, done := range dones {
		res := <-done
		jtest.RequireNil(t, res.err)
		require.True(t, res.changed)
	}

	for _, id := range []string{"a", "b", "c"} {
		require.Len(t, seen[id], 20)
		for i, v := range seen[id] {
			require.Equal(t, int64(i), v)
		}
	}
}

// blockingHandler records the events it handles and blocks on the first one
// until released.
type blockingHandler struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once

	mu     sync.Mutex
	events []Event
}

func newBlockingHandler() *blockingHandler {
	return &blockingHandler{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (h *blockingHandler) handle(ctx context.Context, ev Event) result {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()

	first := false
	h.once.Do(func() { first = true })
	if first {
		close(h.started)
		<-h.release
	}

	return result{}
}

func (h *blockingHandler) handled() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]Event(nil), h.events...)
}

func TestSchedulerKillJumpsLane(t *testing.T) {
	ctx := context.Background()
	h := newBlockingHandler()
	s := newScheduler("test", 1, 100, h.handle)
	s.start(ctx)
	t.Cleanup(s.stop)

	jtest.RequireNil(t, s.submit(ctx, timerEvent("run", 1), nil))
	<-h.started

	jtest.RequireNil(t, s.submit(ctx, timerEvent("run", 2), nil))
	jtest.RequireNil(t, s.submit(ctx, timerEvent("run", 3), nil))

	done := make(chan result, 1)
	jtest.RequireNil(t, s.submit(ctx, Kill{RunID: "run"}, done))
	require.True(t, s.killPending("run"))
	require.False(t, s.killPending("other"))

	close(h.release)
	<-done

	require.Eventually(t, func() bool {
		return len(h.handled()) == 4
	}, time.Second, time.Millisecond)

	require.Equal(t, []Event{
		timerEvent("run", 1),
		Kill{RunID: "run"},
		timerEvent("run", 2),
		timerEvent("run", 3),
	}, h.handled())
}

func TestSchedulerQueueLimit(t *testing.T) {
	ctx := context.Background()
	h := newBlockingHandler()
	s := newScheduler("test", 1, 1, h.handle)
	s.start(ctx)
	t.Cleanup(s.stop)

	jtest.RequireNil(t, s.trySubmit(timerEvent("a", 1), nil))
	<-h.started

	err := s.trySubmit(timerEvent("b", 1), nil)
	jtest.Require(t, ErrQueueFull, err)

	// Kills are accepted regardless of the limit.
	jtest.RequireNil(t, s.trySubmit(Kill{RunID: "b"}, nil))

	// A blocking submit waits for a free slot.
	ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	err = s.submit(ctx, timerEvent("c", 1), nil)
	jtest.Require(t, context.DeadlineExceeded, err)

	close(h.release)
	require.Eventually(t, func() bool {
		return s.trySubmit(timerEvent("c", 1), nil) == nil
	}, time.Second, time.Millisecond)
}

func TestSchedulerStopFailsQueuedEvents(t *testing.T) {
	ctx := context.Background()
	h := newBlockingHandler()
	s := newScheduler("test", 1, 10, h.handle)
	s.start(ctx)

	jtest.RequireNil(t, s.submit(ctx, timerEvent("run", 1), nil))
	<-h.started

	queued := make(chan result, 1)
	jtest.RequireNil(t, s.submit(ctx, timerEvent("run", 2), queued))

	stopped := make(chan struct{})
	go func() {
		s.stop()
		close(stopped)
	}()

	res := <-queued
	jtest.Require(t, ErrEngineNotRunning, res.err)

	close(h.release)
	<-stopped

	err := s.submit(ctx, timerEvent("run", 3), nil)
	jtest.Require(t, ErrEngineNotRunning, err)
	require.Len(t, h.handled(), 1)
}
