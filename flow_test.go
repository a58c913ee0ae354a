package flow_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	clock_testing "k8s.io/utils/clock/testing"

	"github.com/luno/flow"
	"github.com/luno/flow/adapters/memrecordstore"
	"github.com/luno/flow/adapters/memrolescheduler"
	"github.com/luno/flow/adapters/memtimerstore"
	"github.com/luno/flow/adapters/memtransport"
)

const (
	bankA flow.Party = "bank-a"
	bankB flow.Party = "bank-b"
	bankC flow.Party = "bank-c"
)

type Counter struct {
	Count int
}

type engineConfig struct {
	store flow.RecordStore
	timer flow.TimerStore
	opts  []flow.BuildOption
}

type engineOption func(c *engineConfig)

func withStore(s flow.RecordStore) engineOption {
	return func(c *engineConfig) {
		c.store = s
	}
}

func withTimerStore(s flow.TimerStore) engineOption {
	return func(c *engineConfig) {
		c.timer = s
	}
}

func withBuildOptions(opts ...flow.BuildOption) engineOption {
	return func(c *engineConfig) {
		c.opts = append(c.opts, opts...)
	}
}

func withClock(c clock.Clock) engineOption {
	return withBuildOptions(flow.WithClock(c))
}

// startEngine builds and runs the engine of party and joins it to net.
func startEngine(t *testing.T, net *memtransport.Network, b *flow.Builder, party flow.Party, opts ...engineOption) *flow.Engine {
	c := engineConfig{
		store: memrecordstore.New(),
		timer: memtimerstore.New(),
		opts: []flow.BuildOption{
			flow.WithTimerPollingFrequency(5 * time.Millisecond),
			flow.WithAwaitPollingFrequency(5 * time.Millisecond),
			flow.WithOutboxPollingFrequency(5 * time.Millisecond),
			flow.WithErrBackOff(10 * time.Millisecond),
		},
	}
	for _, o := range opts {
		o(&c)
	}

	e := b.Build(c.store, c.timer, net, memrolescheduler.New(), c.opts...)
	e.Run(context.Background())
	t.Cleanup(e.Stop)
	net.Join(party, e)

	return e
}

func newNetwork(t *testing.T) *memtransport.Network {
	net := memtransport.New()
	t.Cleanup(net.Close)
	return net
}

// sink accepts every message delivered to a party that runs no engine.
type sink struct{}

func (sink) Deliver(ctx context.Context, m flow.Message) error {
	return nil
}

func countFlow() flow.Definition {
	return flow.NewFlow[Counter]("count").
		AddStep("increment", func(ctx context.Context, r *flow.Run[Counter]) (flow.Suspension, error) {
			r.State.Count++
			return r.Goto("double")
		}).
		AddStep("double", func(ctx context.Context, r *flow.Run[Counter]) (flow.Suspension, error) {
			r.State.Count *= 2
			return r.Complete(r.State.Count)
		}).
		Build()
}

func sleepFlow() flow.Definition {
	return flow.NewFlow[Counter]("sleep").
		AddStep("sleep", func(ctx context.Context, r *flow.Run[Counter]) (flow.Suspension, error) {
			return r.Sleep(time.Hour, "wake")
		}).
		AddStep("wake", func(ctx context.Context, r *flow.Run[Counter]) (flow.Suspension, error) {
			return r.Complete("awake")
		}).
		Build()
}

func TestStartAndComplete(t *testing.T) {
	ctx := context.Background()
	net := newNetwork(t)
	e := startEngine(t, net, flow.NewBuilder(bankA).AddFlow(countFlow()), bankA)

	runID, err := e.Start(ctx, "count", Counter{Count: 4})
	jtest.RequireNil(t, err)

	flow.Require(t, e, runID, flow.StatusRunnable)
	flow.RequireResult(t, e, runID, 10)

	r, err := e.Await(ctx, runID)
	jtest.RequireNil(t, err)
	require.Equal(t, flow.StatusCompleted, r.Status)
	require.Equal(t, flow.OriginRPC, r.Invocation.Origin)
	require.Empty(t, r.Checkpoint)
	require.NotEmpty(t, r.Archived)

	archived, err := flow.DecodeCheckpoint(r.Archived)
	jtest.RequireNil(t, err)
	require.Equal(t, runID, archived.RunID)
}

func TestStartErrors(t *testing.T) {
	ctx := context.Background()
	net := newNetwork(t)
	b := flow.NewBuilder(bankA).AddFlow(countFlow())

	stopped := b.Build(memrecordstore.New(), memtimerstore.New(), net, memrolescheduler.New())
	_, err := stopped.Start(ctx, "count", Counter{})
	jtest.Require(t, flow.ErrEngineNotRunning, err)

	e := startEngine(t, net, b, bankA)

	_, err = e.Start(ctx, "unknown", nil)
	jtest.Require(t, flow.ErrUnknownFlow, err)

	_, err = e.Start(ctx, "count", "not a counter")
	jtest.Require(t, flow.ErrInvalidArgs, err)

	runID, err := e.Start(ctx, "count", Counter{}, flow.WithRunID("fixed"))
	jtest.RequireNil(t, err)
	require.Equal(t, "fixed", runID)

	runID, err = e.Start(ctx, "count", Counter{}, flow.WithRunID("fixed"))
	jtest.Require(t, flow.ErrRunExists, err)
	require.Equal(t, "fixed", runID)

	flow.RequireResult(t, e, "fixed", 2)
}

func TestSleepUntilWake(t *testing.T) {
	ctx := context.Background()
	clock := clock_testing.NewFakeClock(time.Unix(1700000000, 0))
	timers := memtimerstore.New()
	e := startEngine(t, newNetwork(t), flow.NewBuilder(bankA).AddFlow(sleepFlow()), bankA,
		withClock(clock), withTimerStore(timers))

	runID, err := e.Start(ctx, "sleep", nil)
	jtest.RequireNil(t, err)

	r := flow.Require(t, e, runID, flow.StatusSuspended)
	require.Equal(t, clock.Now().Add(time.Hour), r.WakeAt)
	require.Eventually(t, func() bool { return timers.Len() == 1 }, time.Second, time.Millisecond)

	clock.Step(time.Hour - time.Second)
	time.Sleep(20 * time.Millisecond)
	r, err = e.Lookup(ctx, runID)
	jtest.RequireNil(t, err)
	require.Equal(t, flow.StatusSuspended, r.Status)

	clock.Step(time.Second)
	flow.RequireResult(t, e, runID, "awake")
	require.Eventually(t, func() bool { return timers.Len() == 0 }, time.Second, time.Millisecond)
}

type Reply struct {
	TimedOut bool
	Declined bool
	Reason   string
	Value    string
}

func askFlow(timeout time.Duration) flow.Definition {
	type ask struct {
		Party   flow.Party
		Session flow.SessionID
	}

	return flow.NewFlow[ask]("ask").
		AddStep("open", func(ctx context.Context, r *flow.Run[ask]) (flow.Suspension, error) {
			return r.InitiateSession(r.State.Party, "ask")
		}).
		AddStep("ask", func(ctx context.Context, r *flow.Run[ask]) (flow.Suspension, error) {
			r.State.Session = r.Session()
			return r.SendAndReceiveWithin(r.State.Session, "please", timeout, "check")
		}).
		AddStep("check", func(ctx context.Context, r *flow.Run[ask]) (flow.Suspension, error) {
			var value string
			err := r.Received(&value)
			if errors.Is(err, flow.ErrReceiveTimeout) {
				return r.Complete(Reply{TimedOut: true})
			} else if se, ok := err.(*flow.SessionError); ok {
				return r.Complete(Reply{Declined: true, Reason: se.Message})
			} else if err != nil {
				return nil, err
			}

			return r.Complete(Reply{Value: value})
		}).
		Build()
}

func answerFlow(answer func(req string) (string, error)) flow.Definition {
	return flow.NewFlow[struct{}]("answer").
		AddStep("receive", func(ctx context.Context, r *flow.Run[struct{}]) (flow.Suspension, error) {
			return r.Receive(r.Session(), "reply")
		}).
		AddStep("reply", func(ctx context.Context, r *flow.Run[struct{}]) (flow.Suspension, error) {
			var req string
			err := r.Received(&req)
			if err != nil {
				return nil, err
			}

			resp, err := answer(req)
			if err != nil {
				return nil, err
			}

			return r.Send(r.Session(), resp, "done")
		}).
		AddStep("done", func(ctx context.Context, r *flow.Run[struct{}]) (flow.Suspension, error) {
			return r.Complete(nil)
		}).
		Build()
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	net := newNetwork(t)

	a := startEngine(t, net, flow.NewBuilder(bankA).AddFlow(askFlow(0)), bankA)
	bStore := memrecordstore.New()
	b := startEngine(t, net, flow.NewBuilder(bankB).AddResponder("ask", answerFlow(func(req string) (string, error) {
		return req + " and thank you", nil
	})), bankB, withStore(bStore))

	runID, err := a.Start(ctx, "ask", map[string]any{"Party": bankB})
	jtest.RequireNil(t, err)

	flow.RequireResult(t, a, runID, Reply{Value: "please and thank you"})

	r, err := a.Lookup(ctx, runID)
	jtest.RequireNil(t, err)
	require.Len(t, r.SessionIDs, 1)

	responders, err := bStore.List(ctx, 0, 10)
	jtest.RequireNil(t, err)
	require.Len(t, responders, 1)

	responder := flow.Require(t, b, responders[0].RunID, flow.StatusCompleted)
	require.Equal(t, "answer", responder.FlowClass)
	require.Equal(t, flow.OriginPeer, responder.Invocation.Origin)
	require.Equal(t, bankA, responder.Invocation.Party)
	require.Equal(t, runID, responder.Invocation.Reference)

	sentBy := func(party flow.Party) []flow.MessageKind {
		var kinds []flow.MessageKind
		for _, m := range net.Sent() {
			if m.From == party {
				kinds = append(kinds, m.Kind)
			}
		}
		return kinds
	}

	require.Eventually(t, func() bool { return len(sentBy(bankB)) == 2 }, time.Second, time.Millisecond)
	require.Equal(t, []flow.MessageKind{flow.MessageKindData, flow.MessageKindEnd}, sentBy(bankB))
	require.Equal(t, flow.MessageKindInitiate, sentBy(bankA)[0])
}

func TestCounterpartyFailure(t *testing.T) {
	ctx := context.Background()
	net := newNetwork(t)

	a := startEngine(t, net, flow.NewBuilder(bankA).AddFlow(askFlow(0)), bankA)
	startEngine(t, net, flow.NewBuilder(bankB).AddResponder("ask", answerFlow(func(req string) (string, error) {
		return "", flow.Reject(errors.New("not today"))
	})), bankB)

	runID, err := a.Start(ctx, "ask", map[string]any{"Party": bankB})
	jtest.RequireNil(t, err)

	flow.RequireResult(t, a, runID, Reply{Declined: true, Reason: "not today"})
}

func TestNoRegisteredResponder(t *testing.T) {
	ctx := context.Background()
	net := newNetwork(t)

	a := startEngine(t, net, flow.NewBuilder(bankA).AddFlow(askFlow(0)), bankA)
	startEngine(t, net, flow.NewBuilder(bankC).AddFlow(countFlow()), bankC)

	runID, err := a.Start(ctx, "ask", map[string]any{"Party": bankC})
	jtest.RequireNil(t, err)

	r := flow.Require(t, a, runID, flow.StatusCompleted)

	var reply Reply
	err = json.Unmarshal(r.Result, &reply)
	jtest.RequireNil(t, err)
	require.True(t, reply.Declined)
	require.Contains(t, reply.Reason, flow.ErrNoRegisteredResponder.Error())
}

func TestReceiveTimeout(t *testing.T) {
	ctx := context.Background()
	clock := clock_testing.NewFakeClock(time.Unix(1700000000, 0))
	net := newNetwork(t)
	net.Join(bankB, sink{})

	a := startEngine(t, net, flow.NewBuilder(bankA).AddFlow(askFlow(time.Minute)), bankA, withClock(clock))

	runID, err := a.Start(ctx, "ask", map[string]any{"Party": bankB})
	jtest.RequireNil(t, err)

	r := flow.Require(t, a, runID, flow.StatusSuspended)
	require.Equal(t, clock.Now().Add(time.Minute), r.WakeAt)

	clock.Step(time.Minute)
	flow.RequireResult(t, a, runID, Reply{TimedOut: true})
}

func TestRetriedReceiveTimeoutWaitsAgain(t *testing.T) {
	ctx := context.Background()
	t0 := time.Unix(1700000000, 0)
	clock := clock_testing.NewFakeClock(t0)
	net := newNetwork(t)
	net.Join(bankB, sink{})

	type impatient struct {
		Session flow.SessionID
	}

	def := flow.NewFlow[impatient]("impatient").
		AddStep("open", func(ctx context.Context, r *flow.Run[impatient]) (flow.Suspension, error) {
			return r.InitiateSession(bankB, "ask")
		}).
		AddStep("ask", func(ctx context.Context, r *flow.Run[impatient]) (flow.Suspension, error) {
			r.State.Session = r.Session()
			return r.SendAndReceiveWithin(r.State.Session, "please", time.Minute, "check")
		}).
		AddStep("check", func(ctx context.Context, r *flow.Run[impatient]) (flow.Suspension, error) {
			var reply string
			err := r.Received(&reply)
			if err != nil {
				return nil, err
			}

			return r.Complete(reply)
		}).
		Build()

	a := startEngine(t, net, flow.NewBuilder(bankA).AddFlow(def), bankA,
		withClock(clock),
		withBuildOptions(flow.WithHospital(flow.HospitalConfig{
			MaxRetries:      5,
			RepeatThreshold: 10,
			BaseBackoff:     time.Second,
			MaxBackoff:      time.Minute,
		})))

	runID, err := a.Start(ctx, "impatient", nil)
	jtest.RequireNil(t, err)

	r := flow.Require(t, a, runID, flow.StatusSuspended)
	require.True(t, t0.Add(time.Minute).Equal(r.WakeAt))

	requireRun := func(fn func(r *flow.Record) bool) {
		require.Eventually(t, func() bool {
			r, err := a.Lookup(ctx, runID)
			return err == nil && fn(r)
		}, 5*time.Second, 5*time.Millisecond)
	}

	// The first timeout is retried after a one second back-off.
	clock.Step(time.Minute)
	requireRun(func(r *flow.Record) bool {
		return r.RetryCount == 1 && r.WakeAt.Equal(t0.Add(time.Minute+time.Second))
	})

	// Once the back-off is over the run waits a full minute again.
	clock.Step(40 * time.Second)
	requireRun(func(r *flow.Record) bool {
		return r.Status == flow.StatusSuspended &&
			r.RetryCount == 1 &&
			r.WakeAt.Equal(t0.Add(2*time.Minute+time.Second))
	})

	clock.Step(40 * time.Second)
	requireRun(func(r *flow.Record) bool {
		return r.RetryCount == 2 && r.WakeAt.Equal(t0.Add(2*time.Minute+22*time.Second))
	})
}

func TestSubFlow(t *testing.T) {
	ctx := context.Background()

	parent := flow.NewFlow[Counter]("parent").
		AddStep("call", func(ctx context.Context, r *flow.Run[Counter]) (flow.Suspension, error) {
			return r.SubFlow("count", Counter{Count: r.State.Count}, "collect")
		}).
		AddStep("collect", func(ctx context.Context, r *flow.Run[Counter]) (flow.Suspension, error) {
			var res int
			err := r.SubFlowResult(&res)
			if err != nil {
				return nil, err
			}

			return r.Complete(res + 1)
		}).
		Build()

	e := startEngine(t, newNetwork(t), flow.NewBuilder(bankA).AddFlow(parent).AddFlow(countFlow()), bankA)

	runID, err := e.Start(ctx, "parent", Counter{Count: 2})
	jtest.RequireNil(t, err)

	flow.RequireResult(t, e, runID, 7)
}

func TestKill(t *testing.T) {
	ctx := context.Background()
	e := startEngine(t, newNetwork(t), flow.NewBuilder(bankA).AddFlow(sleepFlow()), bankA)

	runID, err := e.Start(ctx, "sleep", nil)
	jtest.RequireNil(t, err)
	flow.Require(t, e, runID, flow.StatusSuspended)

	changed, err := e.Kill(ctx, runID)
	jtest.RequireNil(t, err)
	require.True(t, changed)

	r := flow.Require(t, e, runID, flow.StatusKilled)
	require.Equal(t, flow.ErrKilled.Error(), r.LastError)

	changed, err = e.Kill(ctx, runID)
	jtest.RequireNil(t, err)
	require.False(t, changed)

	err = e.Pause(ctx, runID)
	jtest.Require(t, flow.ErrUnableToPause, err)

	_, err = e.Kill(ctx, "unknown")
	jtest.Require(t, flow.ErrRecordNotFound, err)
}

func TestKilledRunIgnoresLaterEvents(t *testing.T) {
	ctx := context.Background()
	clock := clock_testing.NewFakeClock(time.Unix(1700000000, 0))
	net := newNetwork(t)
	net.Join(bankB, sink{})

	type watch struct {
		Session flow.SessionID
	}

	var calls atomic.Int32
	def := flow.NewFlow[watch]("watch").
		AddStep("open", func(ctx context.Context, r *flow.Run[watch]) (flow.Suspension, error) {
			return r.InitiateSession(bankB, "ask")
		}).
		AddStep("ask", func(ctx context.Context, r *flow.Run[watch]) (flow.Suspension, error) {
			calls.Add(1)
			r.State.Session = r.Session()
			return r.SendAndReceiveWithin(r.State.Session, "ping", time.Minute, "check")
		}).
		AddStep("check", func(ctx context.Context, r *flow.Run[watch]) (flow.Suspension, error) {
			calls.Add(1)
			return r.Complete(nil)
		}).
		Build()

	e := startEngine(t, net, flow.NewBuilder(bankA).AddFlow(def), bankA, withClock(clock))

	runID, err := e.Start(ctx, "watch", nil)
	jtest.RequireNil(t, err)

	r := flow.Require(t, e, runID, flow.StatusSuspended)
	require.Len(t, r.SessionIDs, 1)
	require.Equal(t, int32(1), calls.Load())

	changed, err := e.Kill(ctx, runID)
	jtest.RequireNil(t, err)
	require.True(t, changed)
	flow.Require(t, e, runID, flow.StatusKilled)

	clock.Step(time.Hour)

	err = e.Submit(ctx, flow.Timer{RunID: runID, FiringTime: clock.Now()})
	jtest.RequireNil(t, err)

	err = e.Submit(ctx, flow.StartFlow{RunID: runID, FlowClass: "watch"})
	jtest.RequireNil(t, err)

	// Deliver returns once the message is handled, after the events queued
	// before it on the same run.
	err = e.Deliver(ctx, flow.Message{
		ID:         "reply",
		Kind:       flow.MessageKindData,
		From:       bankB,
		To:         bankA,
		SessionID:  r.SessionIDs[0],
		ToRunID:    runID,
		Payload:    []byte(`"pong"`),
		HasPayload: true,
	})
	jtest.RequireNil(t, err)

	require.Equal(t, int32(1), calls.Load())

	r, err = e.Lookup(ctx, runID)
	jtest.RequireNil(t, err)
	require.Equal(t, flow.StatusKilled, r.Status)
}

func TestKillClosesSessions(t *testing.T) {
	ctx := context.Background()
	net := newNetwork(t)
	net.Join(bankB, sink{})

	a := startEngine(t, net, flow.NewBuilder(bankA).AddFlow(askFlow(0)), bankA)

	runID, err := a.Start(ctx, "ask", map[string]any{"Party": bankB})
	jtest.RequireNil(t, err)
	flow.Require(t, a, runID, flow.StatusSuspended)

	changed, err := a.Kill(ctx, runID)
	jtest.RequireNil(t, err)
	require.True(t, changed)

	require.Eventually(t, func() bool {
		for _, m := range net.Sent() {
			if m.Kind == flow.MessageKindError && m.Error == flow.ErrKilled.Error() {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}

func TestPauseAndResume(t *testing.T) {
	ctx := context.Background()
	clock := clock_testing.NewFakeClock(time.Unix(1700000000, 0))
	e := startEngine(t, newNetwork(t), flow.NewBuilder(bankA).AddFlow(sleepFlow()), bankA, withClock(clock))

	runID, err := e.Start(ctx, "sleep", nil)
	jtest.RequireNil(t, err)
	flow.Require(t, e, runID, flow.StatusSuspended)

	err = e.Resume(ctx, runID)
	jtest.Require(t, flow.ErrUnableToResume, err)

	err = e.Pause(ctx, runID)
	jtest.RequireNil(t, err)
	flow.Require(t, e, runID, flow.StatusPaused)

	// A paused run does not wake up.
	clock.Step(2 * time.Hour)
	time.Sleep(20 * time.Millisecond)
	r, err := e.Lookup(ctx, runID)
	jtest.RequireNil(t, err)
	require.Equal(t, flow.StatusPaused, r.Status)

	err = e.Resume(ctx, runID)
	jtest.RequireNil(t, err)
	flow.RequireResult(t, e, runID, "awake")

	err = e.Resume(ctx, runID)
	jtest.Require(t, flow.ErrUnableToResume, err)
}

func TestHospitalAndRetry(t *testing.T) {
	ctx := context.Background()

	var broken atomic.Bool
	broken.Store(true)

	def := flow.NewFlow[Counter]("fragile").
		AddStep("step", func(ctx context.Context, r *flow.Run[Counter]) (flow.Suspension, error) {
			if broken.Load() {
				return nil, errors.New("downstream rejected the request")
			}

			return r.Complete("fixed")
		}).
		Build()

	e := startEngine(t, newNetwork(t), flow.NewBuilder(bankA).AddFlow(def), bankA)

	runID, err := e.Start(ctx, "fragile", nil)
	jtest.RequireNil(t, err)

	r := flow.Require(t, e, runID, flow.StatusHospitalized)
	require.Equal(t, "downstream rejected the request", r.LastError)

	record := e.HospitalRecord(runID)
	require.Len(t, record, 1)
	require.Equal(t, flow.ClassUnknown, record[0].Class)
	require.Equal(t, flow.DecisionHospitalize, record[0].Decision)

	err = e.Resume(ctx, runID)
	jtest.Require(t, flow.ErrUnableToResume, err)

	broken.Store(false)
	err = e.Retry(ctx, runID)
	jtest.RequireNil(t, err)

	flow.RequireResult(t, e, runID, "fixed")
	require.Empty(t, e.HospitalRecord(runID))

	err = e.Retry(ctx, runID)
	jtest.Require(t, flow.ErrUnableToRetry, err)
}

func TestTransientFailuresAreRetried(t *testing.T) {
	ctx := context.Background()

	var attempts atomic.Int32
	def := flow.NewFlow[Counter]("flaky").
		AddStep("step", func(ctx context.Context, r *flow.Run[Counter]) (flow.Suspension, error) {
			if attempts.Add(1) < 3 {
				return nil, flow.Transient(errors.New("connection reset"))
			}

			return r.Complete(int(attempts.Load()))
		}).
		Build()

	e := startEngine(t, newNetwork(t), flow.NewBuilder(bankA).AddFlow(def), bankA,
		withBuildOptions(flow.WithHospital(flow.HospitalConfig{
			MaxRetries:      5,
			RepeatThreshold: 5,
			BaseBackoff:     time.Millisecond,
			MaxBackoff:      5 * time.Millisecond,
		})))

	runID, err := e.Start(ctx, "flaky", nil)
	jtest.RequireNil(t, err)

	r := flow.Require(t, e, runID, flow.StatusSuspended)
	require.Equal(t, 1, r.RetryCount)

	flow.RequireResult(t, e, runID, 3)
}

func TestTransientFailuresEscalate(t *testing.T) {
	ctx := context.Background()

	def := flow.NewFlow[Counter]("down").
		AddStep("step", func(ctx context.Context, r *flow.Run[Counter]) (flow.Suspension, error) {
			return nil, flow.Transient(errors.New("connection refused"))
		}).
		Build()

	e := startEngine(t, newNetwork(t), flow.NewBuilder(bankA).AddFlow(def), bankA,
		withBuildOptions(flow.WithHospital(flow.HospitalConfig{
			MaxRetries:      2,
			RepeatThreshold: 10,
			BaseBackoff:     time.Millisecond,
			MaxBackoff:      time.Millisecond,
		})))

	runID, err := e.Start(ctx, "down", nil)
	jtest.RequireNil(t, err)

	r := flow.Require(t, e, runID, flow.StatusHospitalized)
	require.Equal(t, 2, r.RetryCount)
	require.Len(t, e.HospitalRecord(runID), 3)
}

func TestAmbiguousFailureIsObserved(t *testing.T) {
	ctx := context.Background()
	clock := clock_testing.NewFakeClock(time.Unix(1700000000, 0))

	var settled atomic.Bool
	def := flow.NewFlow[Counter]("observe").
		AddStep("step", func(ctx context.Context, r *flow.Run[Counter]) (flow.Suspension, error) {
			if !settled.Load() {
				return nil, flow.Observe(errors.New("payment status unknown"))
			}

			return r.Complete("settled")
		}).
		Build()

	e := startEngine(t, newNetwork(t), flow.NewBuilder(bankA).AddFlow(def), bankA,
		withClock(clock),
		withBuildOptions(flow.WithHospital(flow.HospitalConfig{
			MaxObservations:     3,
			ObservationInterval: time.Minute,
		})))

	runID, err := e.Start(ctx, "observe", nil)
	jtest.RequireNil(t, err)

	r := flow.Require(t, e, runID, flow.StatusPaused)
	require.Equal(t, clock.Now().Add(time.Minute), r.WakeAt)

	settled.Store(true)
	clock.Step(time.Minute)
	flow.RequireResult(t, e, runID, "settled")
}

// flakyStore fails the first commits that stage outbound messages.
type flakyStore struct {
	flow.RecordStore
	failures atomic.Int32
}

var errCommit = errors.New("commit failed")

func (s *flakyStore) Store(ctx context.Context, r *flow.Record, outbound []flow.Message) error {
	if len(outbound) > 0 && s.failures.Add(-1) >= 0 {
		return errCommit
	}

	return s.RecordStore.Store(ctx, r, outbound)
}

func TestFailedCommitSendsNothing(t *testing.T) {
	ctx := context.Background()
	net := newNetwork(t)
	net.Join(bankB, sink{})

	notify := flow.NewFlow[struct{}]("notify").
		AddStep("open", func(ctx context.Context, r *flow.Run[struct{}]) (flow.Suspension, error) {
			return r.InitiateSession(bankB, "send")
		}).
		AddStep("send", func(ctx context.Context, r *flow.Run[struct{}]) (flow.Suspension, error) {
			return r.Send(r.Session(), "hello", "done")
		}).
		AddStep("done", func(ctx context.Context, r *flow.Run[struct{}]) (flow.Suspension, error) {
			return r.Complete(nil)
		}).
		Build()

	store := &flakyStore{RecordStore: memrecordstore.New()}
	store.failures.Store(2)

	e := startEngine(t, net, flow.NewBuilder(bankA).AddFlow(notify), bankA, withStore(store))

	runID, err := e.Start(ctx, "notify", nil)
	jtest.RequireNil(t, err)

	flow.Require(t, e, runID, flow.StatusCompleted)
	require.Eventually(t, func() bool { return len(net.Sent()) == 2 }, time.Second, time.Millisecond)

	sent := net.Sent()
	require.Equal(t, flow.MessageKindInitiate, sent[0].Kind)
	require.Equal(t, int64(0), sent[0].Seq)
	require.Equal(t, flow.MessageKindEnd, sent[1].Kind)
	require.Equal(t, int64(1), sent[1].Seq)
	require.NotEqual(t, sent[0].ID, sent[1].ID)

	// Replayed segments stage the same messages.
	time.Sleep(20 * time.Millisecond)
	require.Len(t, net.Sent(), 2)
}

func TestRecovery(t *testing.T) {
	ctx := context.Background()
	clock := clock_testing.NewFakeClock(time.Unix(1700000000, 0))
	net := newNetwork(t)
	store := memrecordstore.New()
	b := flow.NewBuilder(bankA).AddFlow(sleepFlow())

	first := startEngine(t, net, b, bankA, withClock(clock), withStore(store))

	runID, err := first.Start(ctx, "sleep", nil)
	jtest.RequireNil(t, err)
	flow.Require(t, first, runID, flow.StatusSuspended)
	first.Stop()

	// The restarted node lost its timers. Recovery arms them again from the
	// records.
	timers := memtimerstore.New()
	second := startEngine(t, net, b, bankA, withClock(clock), withStore(store), withTimerStore(timers))
	require.Eventually(t, func() bool { return timers.Len() == 1 }, time.Second, time.Millisecond)

	clock.Step(time.Hour)
	flow.RequireResult(t, second, runID, "awake")
}

func TestRecoveryStartsRunnableRuns(t *testing.T) {
	ctx := context.Background()
	store := memrecordstore.New()

	// A run that was stored but never queued, as if the node crashed right
	// after Start committed it.
	err := store.Store(ctx, &flow.Record{
		RunID:     "orphan",
		FlowClass: "count",
		Status:    flow.StatusRunnable,
		Args:      []byte(`{"Count":1}`),
		Version:   1,
		CreatedAt: time.Now(),
	}, nil)
	jtest.RequireNil(t, err)

	e := startEngine(t, newNetwork(t), flow.NewBuilder(bankA).AddFlow(countFlow()), bankA, withStore(store))
	flow.RequireResult(t, e, "orphan", 4)
}

func TestSubmitStartFlowWithoutRunID(t *testing.T) {
	ctx := context.Background()
	store := memrecordstore.New()
	e := startEngine(t, newNetwork(t), flow.NewBuilder(bankA).AddFlow(countFlow()), bankA, withStore(store))

	for i := 0; i < 2; i++ {
		err := e.Submit(ctx, flow.StartFlow{FlowClass: "count", Args: []byte(`{"Count":1}`)})
		jtest.RequireNil(t, err)
	}

	err := e.TrySubmit(flow.StartFlow{FlowClass: "count", Args: []byte(`{"Count":2}`)})
	jtest.RequireNil(t, err)

	require.Eventually(t, func() bool {
		runs, err := store.List(ctx, 0, 10, flow.StatusCompleted)
		return err == nil && len(runs) == 3
	}, 5*time.Second, 10*time.Millisecond)

	runs, err := store.List(ctx, 0, 10)
	jtest.RequireNil(t, err)
	require.Len(t, runs, 3)

	var results []string
	for _, r := range runs {
		require.NotEmpty(t, r.RunID)
		results = append(results, string(r.Result))
	}
	require.ElementsMatch(t, []string{"4", "4", "6"}, results)
}

func TestDeliverWhenStopped(t *testing.T) {
	net := newNetwork(t)
	b := flow.NewBuilder(bankA).AddFlow(countFlow())
	e := b.Build(memrecordstore.New(), memtimerstore.New(), net, memrolescheduler.New())

	err := e.Deliver(context.Background(), flow.Message{Kind: flow.MessageKindData})
	jtest.Require(t, flow.ErrEngineNotRunning, err)

	err = e.TrySubmit(flow.Kill{RunID: "run"})
	jtest.Require(t, flow.ErrEngineNotRunning, err)
}

func TestStates(t *testing.T) {
	e := startEngine(t, newNetwork(t), flow.NewBuilder(bankA).AddFlow(countFlow()), bankA)

	require.Eventually(t, func() bool {
		states := e.States()
		return states["outbox-purger"] == flow.StateRunning &&
			states["timer-poller"] == flow.StateRunning &&
			states["recovery"] == flow.StateRunning
	}, time.Second, time.Millisecond)

	e.Stop()
	for name, s := range e.States() {
		require.Equal(t, flow.StateShutdown, s, name)
	}
}
