package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"github.com/luno/flow/internal/metrics"
)

const tracerName = "github.com/luno/flow"

type API interface {
	// Party returns the party this engine acts as.
	Party() Party

	// Start persists a Runnable run of flowClass and queues it. args are encoded with the engine's codec and must
	// decode into the flow's state. The returned run ID is durable: the run starts even if the engine restarts
	// before the queued event is processed.
	Start(ctx context.Context, flowClass string, args any, opts ...StartOption) (runID string, err error)

	// Deliver is called by transports for every inbound message. It returns once the message has been committed to
	// the run's checkpoint, or once it has been recognised as a duplicate, so that the transport only acknowledges
	// durable messages.
	Deliver(ctx context.Context, m Message) error

	// Submit queues an event, blocking while the queue is full.
	Submit(ctx context.Context, ev Event) error

	// TrySubmit queues an event or returns ErrQueueFull.
	TrySubmit(ev Event) error

	// Kill terminates a run. It reports false when the run had already finished.
	Kill(ctx context.Context, runID string) (bool, error)

	// Retry discharges a hospitalized run and resumes it from its last checkpoint.
	Retry(ctx context.Context, runID string) error

	// Pause holds a suspended run until Resume is called.
	Pause(ctx context.Context, runID string) error

	// Resume releases a paused run.
	Resume(ctx context.Context, runID string) error

	Lookup(ctx context.Context, runID string) (*Record, error)

	// Await blocks until the run reaches one of statuses. With no statuses it waits for the run to finish.
	Await(ctx context.Context, runID string, statuses ...Status) (*Record, error)

	// HospitalRecord returns the diagnoses made for a run that has not finished.
	HospitalRecord(runID string) HospitalRecord

	// Schedule starts runs of flowClass on a cron schedule. Schedule must be called after Run.
	Schedule(flowClass string, spec string, args ArgsFunc) error

	// Run starts the workers and background processes. Run only needs to be called once. Any subsequent calls to
	// run are safe and are noop.
	Run(ctx context.Context)

	// Stop tells the engine to shut down gracefully.
	Stop()
}

type Engine struct {
	party     Party
	ctx       context.Context
	cancel    context.CancelFunc
	clock     clock.Clock
	codec     Codec
	logger    *logger
	tracer    trace.Tracer
	once      sync.Once
	calledRun bool
	opts      buildOptions

	recordStore   RecordStore
	timerStore    TimerStore
	transport     Transport
	roleScheduler RoleScheduler

	flows        map[string]Definition
	registry     *registry
	continuation *continuation
	hospital     *Hospital
	scheduler    *scheduler

	outboxNudge chan struct{}

	runningMu sync.RWMutex
	running   bool

	internalStateMu sync.Mutex
	// internalState holds the State of all background processes using their process names as the key.
	internalState map[string]State
	// launching counts background processes that have been started but
	// have not yet registered their state.
	launching sync.WaitGroup
	processes sync.WaitGroup
}

var _ API = (*Engine)(nil)
var _ Receiver = (*Engine)(nil)

func (e *Engine) Party() Party {
	return e.party
}

func (e *Engine) Run(ctx context.Context) {
	e.once.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		e.ctx = ctx
		e.cancel = cancel
		e.calledRun = true

		e.scheduler.start(ctx)
		e.setRunning(true)

		track(e, func() {
			outboxPurger(e)
		})

		track(e, func() {
			timerPoller(e)
		})

		track(e, func() {
			recoverer(e)
		})
	})

	e.launching.Wait()
}

// track runs fn on its own goroutine. fn must call e.launching.Done once it
// has registered its state.
func track(e *Engine, fn func()) {
	e.launching.Add(1)
	e.processes.Add(1)
	go func() {
		defer e.processes.Done()
		fn()
	}()
}

// Stop cancels the context provided to all the background processes, fails
// queued events and waits for in-flight work to finish.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}

	e.setRunning(false)
	e.cancel()
	e.scheduler.stop()
	e.processes.Wait()
}

func (e *Engine) setRunning(running bool) {
	e.runningMu.Lock()
	defer e.runningMu.Unlock()

	e.running = running
}

func (e *Engine) isRunning() bool {
	e.runningMu.RLock()
	defer e.runningMu.RUnlock()

	return e.running
}

// run is a standardised way of running blocking calls with a built-in retry mechanism.
func (e *Engine) run(
	role string,
	processName string,
	process func(ctx context.Context) error,
	errBackOff time.Duration,
) {
	e.updateState(processName, StateIdle)
	defer e.updateState(processName, StateShutdown)
	e.launching.Done()

	for {
		err := runOnce(
			e.ctx,
			string(e.party),
			role,
			processName,
			e.updateState,
			e.roleScheduler.Await,
			process,
			e.logger,
			errBackOff,
		)
		if err != nil {
			e.logger.Debug(e.ctx, "shutting down process", map[string]string{
				"role":         role,
				"process_name": processName,
			})

			return
		}
	}
}

type (
	updateStateFn func(processName string, s State)
	awaitRoleFn   func(ctx context.Context, role string) (context.Context, context.CancelFunc, error)
)

func runOnce(
	ctx context.Context,
	node string,
	role string,
	processName string,
	updateState updateStateFn,
	awaitRole awaitRoleFn,
	process func(ctx context.Context) error,
	logger Logger,
	errBackOff time.Duration,
) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	updateState(processName, StateIdle)

	ctx, cancel, err := awaitRole(ctx, role)
	if errors.Is(err, context.Canceled) {
		return err
	} else if err != nil {
		logger.Error(ctx, errors.Wrap(err, "await role", j.MKV{"role": role, "process": processName}))

		return nil
	}
	defer cancel()

	updateState(processName, StateRunning)

	t0 := time.Now()
	err = process(ctx)
	metrics.ProcessLatency.WithLabelValues(node, processName).Observe(time.Since(t0).Seconds())
	if errors.Is(err, context.Canceled) {
		// The role was lost. The caller re-checks e.ctx before awaiting again.
		return nil
	} else if err != nil {
		logger.Error(ctx, errors.Wrap(err, "run error", j.MKV{"role": role, "process": processName}))
		metrics.ProcessErrors.WithLabelValues(node, processName).Inc()

		err = wait(ctx, errBackOff)
		if err != nil {
			// Return nil so that a cancelled role is awaited again. The parent context is checked first.
			return nil
		}
	}

	return nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d == 0 {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type startOptions struct {
	runID      string
	invocation Invocation
}

type StartOption func(o *startOptions)

// WithRunID starts the run with a caller chosen ID. Starting the same ID
// twice returns ErrRunExists.
func WithRunID(runID string) StartOption {
	return func(o *startOptions) {
		o.runID = runID
	}
}

func WithInvocation(inv Invocation) StartOption {
	return func(o *startOptions) {
		o.invocation = inv
	}
}

func (e *Engine) Start(ctx context.Context, flowClass string, args any, opts ...StartOption) (string, error) {
	if !e.isRunning() {
		return "", errors.Wrap(ErrEngineNotRunning, "start", j.MKV{"flow_class": flowClass})
	}

	o := startOptions{
		invocation: Invocation{Origin: OriginRPC},
	}
	for _, opt := range opts {
		opt(&o)
	}

	def, ok := e.flows[flowClass]
	if !ok {
		return "", errors.Wrap(ErrUnknownFlow, "", j.MKV{"flow_class": flowClass})
	}

	b, err := e.codec.Marshal(args)
	if err != nil {
		return "", errors.Wrap(ErrInvalidArgs, "", j.MKV{"flow_class": flowClass, "reason": err.Error()})
	}

	_, err = def.initial(e.codec, b)
	if err != nil {
		return "", err
	}

	runID := o.runID
	if runID == "" {
		runID = uuid.New().String()
	}

	_, err = e.recordStore.Lookup(ctx, runID)
	if err == nil {
		return runID, errors.Wrap(ErrRunExists, "", j.MKV{"run_id": runID})
	} else if !errors.Is(err, ErrRecordNotFound) {
		return "", err
	}

	now := e.clock.Now()
	r := &Record{
		RunID:      runID,
		FlowClass:  flowClass,
		Status:     StatusRunnable,
		Invocation: o.invocation,
		Args:       b,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err = e.recordStore.Store(ctx, r, nil)
	if err != nil {
		return "", err
	}

	metrics.StatusTransitions.WithLabelValues(string(e.party), flowClass, StatusUnknown.String(), StatusRunnable.String()).Inc()

	err = e.scheduler.submit(ctx, StartFlow{
		RunID:      runID,
		FlowClass:  flowClass,
		Args:       b,
		Invocation: o.invocation,
	}, nil)
	if err != nil {
		// The run is durable and is picked up by recovery on the next start.
		e.logger.Error(ctx, errors.Wrap(err, "queue start", j.MKV{"run_id": runID}))
	}

	return runID, nil
}

func (e *Engine) Deliver(ctx context.Context, m Message) error {
	if !e.isRunning() {
		return ErrEngineNotRunning
	}

	var ev Event
	switch m.Kind {
	case MessageKindInitiate:
		runID := m.ToRunID
		if runID == "" {
			runID = responderRunID(m.SessionID)
		}

		ev = SessionInitiate{RunID: runID, Message: m}
	default:
		runID := m.ToRunID
		if runID == "" {
			var err error
			runID, err = e.recordStore.LookupSession(ctx, m.SessionID)
			if err != nil {
				return err
			}
		}

		ev = SessionMessage{RunID: runID, Message: m}
	}

	res, err := e.submitAndWait(ctx, ev)
	if err != nil {
		return err
	}

	return res.err
}

// Submit queues ev, blocking while the queue is full. A StartFlow without a
// RunID starts a new run under a fresh ID.
func (e *Engine) Submit(ctx context.Context, ev Event) error {
	if !e.isRunning() {
		return ErrEngineNotRunning
	}

	return e.scheduler.submit(ctx, withRunID(ev), nil)
}

// TrySubmit is Submit returning ErrQueueFull instead of blocking.
func (e *Engine) TrySubmit(ev Event) error {
	if !e.isRunning() {
		return ErrEngineNotRunning
	}

	return e.scheduler.trySubmit(withRunID(ev), nil)
}

func withRunID(ev Event) Event {
	start, ok := ev.(StartFlow)
	if !ok || start.RunID != "" {
		return ev
	}

	start.RunID = uuid.New().String()
	return start
}

func (e *Engine) submitAndWait(ctx context.Context, ev Event) (result, error) {
	done := make(chan result, 1)
	err := e.scheduler.submit(ctx, ev, done)
	if err != nil {
		return result{}, err
	}

	select {
	case <-ctx.Done():
		return result{}, ctx.Err()
	case res := <-done:
		return res, nil
	}
}

func (e *Engine) Kill(ctx context.Context, runID string) (bool, error) {
	if !e.isRunning() {
		return false, ErrEngineNotRunning
	}

	res, err := e.submitAndWait(ctx, Kill{RunID: runID})
	if err != nil {
		return false, err
	}

	return res.changed, res.err
}

func (e *Engine) Retry(ctx context.Context, runID string) error {
	return e.operate(ctx, runID, opRetry)
}

func (e *Engine) Pause(ctx context.Context, runID string) error {
	return e.operate(ctx, runID, opPause)
}

func (e *Engine) Resume(ctx context.Context, runID string) error {
	return e.operate(ctx, runID, opResume)
}

func (e *Engine) operate(ctx context.Context, runID string, op operatorOp) error {
	if !e.isRunning() {
		return ErrEngineNotRunning
	}

	res, err := e.submitAndWait(ctx, operatorRequest{runID: runID, op: op})
	if err != nil {
		return err
	}

	return res.err
}

func (e *Engine) Lookup(ctx context.Context, runID string) (*Record, error) {
	return e.recordStore.Lookup(ctx, runID)
}

func (e *Engine) Await(ctx context.Context, runID string, statuses ...Status) (*Record, error) {
	want := make(map[Status]bool)
	for _, s := range statuses {
		want[s] = true
	}

	for {
		r, err := e.recordStore.Lookup(ctx, runID)
		if err != nil && !errors.Is(err, ErrRecordNotFound) {
			return nil, err
		}

		if err == nil {
			if len(want) == 0 && r.Status.Finished() {
				return r, nil
			}

			if want[r.Status] {
				return r, nil
			}
		}

		err = wait(ctx, e.opts.awaitPollingFrequency)
		if err != nil {
			return nil, err
		}
	}
}

func (e *Engine) HospitalRecord(runID string) HospitalRecord {
	return e.hospital.Record(runID)
}

func (e *Engine) String() string {
	return fmt.Sprintf("flow engine %s", e.party)
}
