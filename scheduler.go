package flow

import (
	"context"
	"sync"

	"github.com/luno/flow/internal/metrics"
)

type result struct {
	changed bool
	err     error
}

type envelope struct {
	event Event
	// done receives the result of handling the event when not nil.
	done     chan result
	priority bool
	// counted is set when the envelope holds one of the queue's slots.
	counted bool
}

// lane holds the queued events of one run. A lane is handed to at most one
// worker at a time, which serialises all processing of a run.
type lane struct {
	id       string
	priority []*envelope
	events   []*envelope
	// queued is set while the lane is on the ready list or being processed.
	queued bool
}

func (l *lane) empty() bool {
	return len(l.priority) == 0 && len(l.events) == 0
}

type handleFn func(ctx context.Context, ev Event) result

// scheduler runs events over a fixed pool of workers. Events of different
// runs are processed concurrently and events of the same run in submission
// order, except for kills which jump the lane.
type scheduler struct {
	node    string
	workers int
	slots   chan struct{}
	handle  handleFn

	mu     sync.Mutex
	cond   *sync.Cond
	lanes  map[string]*lane
	ready  []*lane
	depth  int
	closed bool

	wg sync.WaitGroup
}

func newScheduler(node string, workers, limit int, handle handleFn) *scheduler {
	s := &scheduler{
		node:    node,
		workers: workers,
		slots:   make(chan struct{}, limit),
		handle:  handle,
		lanes:   make(map[string]*lane),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// submit blocks while the queue is full. Kills are never held back.
func (s *scheduler) submit(ctx context.Context, ev Event, done chan result) error {
	env := &envelope{event: ev, done: done}
	if _, ok := ev.(Kill); ok {
		env.priority = true
		return s.enqueue(env)
	}

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	env.counted = true
	return s.enqueue(env)
}

// trySubmit is submit without blocking.
func (s *scheduler) trySubmit(ev Event, done chan result) error {
	env := &envelope{event: ev, done: done}
	if _, ok := ev.(Kill); ok {
		env.priority = true
		return s.enqueue(env)
	}

	select {
	case s.slots <- struct{}{}:
	default:
		return ErrQueueFull
	}

	env.counted = true
	return s.enqueue(env)
}

func (s *scheduler) enqueue(env *envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		if env.counted {
			<-s.slots
		}
		return ErrEngineNotRunning
	}

	id := env.event.lane()
	l, ok := s.lanes[id]
	if !ok {
		l = &lane{id: id}
		s.lanes[id] = l
	}

	if env.priority {
		l.priority = append(l.priority, env)
	} else {
		l.events = append(l.events, env)
	}

	s.depth++
	metrics.QueueDepth.WithLabelValues(s.node).Set(float64(s.depth))

	if !l.queued {
		l.queued = true
		s.ready = append(s.ready, l)
		s.cond.Signal()
	}

	return nil
}

func (s *scheduler) start(ctx context.Context) {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.work(ctx)
	}
}

func (s *scheduler) work(ctx context.Context) {
	defer s.wg.Done()

	for {
		l, env, ok := s.next()
		if !ok {
			return
		}

		res := s.handle(ctx, env.event)
		if env.counted {
			<-s.slots
		}

		if env.done != nil {
			env.done <- res
		}

		s.release(l)
	}
}

func (s *scheduler) next() (*lane, *envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.ready) == 0 && !s.closed {
		s.cond.Wait()
	}

	if s.closed {
		return nil, nil, false
	}

	l := s.ready[0]
	s.ready = s.ready[1:]

	var env *envelope
	if len(l.priority) > 0 {
		env = l.priority[0]
		l.priority = l.priority[1:]
	} else {
		env = l.events[0]
		l.events = l.events[1:]
	}

	s.depth--
	metrics.QueueDepth.WithLabelValues(s.node).Set(float64(s.depth))

	return l, env, true
}

// release hands the lane back. A lane with more events goes to the back of
// the ready list so that busy runs do not starve others.
func (s *scheduler) release(l *lane) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if !l.empty() {
		s.ready = append(s.ready, l)
		s.cond.Signal()
		return
	}

	l.queued = false
	delete(s.lanes, l.id)
}

// killPending reports whether a kill is waiting for the run.
func (s *scheduler) killPending(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lanes[runID]
	return ok && len(l.priority) > 0
}

// stop fails all queued events and waits for the workers to finish the
// events they are processing.
func (s *scheduler) stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}

	s.closed = true
	for _, l := range s.lanes {
		for _, env := range append(l.priority, l.events...) {
			if env.counted {
				<-s.slots
			}

			if env.done != nil {
				env.done <- result{err: ErrEngineNotRunning}
			}
		}
	}
	s.lanes = make(map[string]*lane)
	s.ready = nil
	s.depth = 0
	s.cond.Broadcast()
	s.mu.Unlock()

	s.wg.Wait()
}
