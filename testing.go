package flow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestingRecordStore is implemented by record stores that keep every
// committed version of a run.
type TestingRecordStore interface {
	RecordStore
	Snapshots(runID string) []*Record
}

const testingWaitLimit = 10 * time.Second

// Require blocks until the run has been committed in status and returns the
// first version committed in that status. Transient statuses are only seen
// when the record store implements TestingRecordStore.
func Require(t testing.TB, api API, runID string, status Status) *Record {
	if t == nil {
		panic("Require can only be used for testing")
	}

	e, ok := api.(*Engine)
	if !ok {
		panic("*flow.Engine required for testing utility functions")
	}

	return waitFor(t, e, runID, func(r *Record) bool {
		return r.Status == status
	})
}

// RequireResult blocks until the run completed and requires its result to
// decode to expected.
func RequireResult[T any](t testing.TB, api API, runID string, expected T) {
	if t == nil {
		panic("RequireResult can only be used for testing")
	}

	e, ok := api.(*Engine)
	if !ok {
		panic("*flow.Engine required for testing utility functions")
	}

	r := waitFor(t, e, runID, func(r *Record) bool {
		return r.Status == StatusCompleted
	})

	var actual T
	err := e.codec.Unmarshal(r.Result, &actual)
	require.NoError(t, err)

	require.Equal(t, expected, actual)
}

func waitFor(t testing.TB, e *Engine, runID string, fn func(r *Record) bool) *Record {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testingWaitLimit)
	defer cancel()

	testingStore, hasSnapshots := e.recordStore.(TestingRecordStore)
	for {
		if hasSnapshots {
			for _, r := range testingStore.Snapshots(runID) {
				if fn(r) {
					return r
				}
			}
		} else {
			r, err := e.recordStore.Lookup(ctx, runID)
			if err == nil && fn(r) {
				return r
			}
		}

		select {
		case <-ctx.Done():
			t.Fatalf("run %s did not reach the expected state", runID)
			return nil
		case <-time.After(10 * time.Millisecond):
		}
	}
}

type testingRunOptions struct {
	runID      string
	flowClass  string
	invocation Invocation
	stimulus   Stimulus
	now        time.Time
	sessions   map[SessionID]*SessionState
	codec      Codec
}

type TestingRunOption func(o *testingRunOptions)

func WithTestingRunID(runID string) TestingRunOption {
	return func(o *testingRunOptions) {
		o.runID = runID
	}
}

func WithTestingInvocation(inv Invocation) TestingRunOption {
	return func(o *testingRunOptions) {
		o.invocation = inv
	}
}

// WithTestingNow sets the time returned by Run.Now.
func WithTestingNow(now time.Time) TestingRunOption {
	return func(o *testingRunOptions) {
		o.now = now
	}
}

// WithTestingMessage resumes the run as if payload was received on session.
func WithTestingMessage(t testing.TB, session SessionID, counterparty Party, payload any) TestingRunOption {
	return func(o *testingRunOptions) {
		b, err := o.codec.Marshal(payload)
		require.NoError(t, err)

		o.sessions[session] = &SessionState{ID: session, Counterparty: counterparty, Initiated: true}
		o.stimulus = Stimulus{Kind: StimulusMessage, Session: session, Payload: b}
	}
}

// WithTestingStimulus resumes the run with stim.
func WithTestingStimulus(stim Stimulus) TestingRunOption {
	return func(o *testingRunOptions) {
		o.stimulus = stim
	}
}

// NewTestingRun builds a Run so that a step function can be called directly
// in unit tests.
func NewTestingRun[State any](t testing.TB, state State, opts ...TestingRunOption) *Run[State] {
	if t == nil {
		panic("NewTestingRun can only be used for testing")
	}

	o := testingRunOptions{
		runID:     "testing-run",
		flowClass: "testing",
		stimulus:  Stimulus{Kind: StimulusStart},
		now:       time.Now(),
		sessions:  make(map[SessionID]*SessionState),
		codec:     JSONCodec{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	o.stimulus.At = o.now

	cp := &Checkpoint{
		SchemaVersion: checkpointSchemaVersion,
		RunID:         o.runID,
		FlowClass:     o.flowClass,
		Stack:         []Frame{{FlowClass: o.flowClass}},
		Sessions:      o.sessions,
	}

	return &Run[State]{
		RunID:      o.runID,
		FlowClass:  o.flowClass,
		Invocation: o.invocation,
		State:      &state,
		ec: &execContext{
			codec:      o.codec,
			invocation: o.invocation,
			cp:         cp,
			frame:      &cp.Stack[0],
			stimulus:   o.stimulus,
			now:        o.now,
		},
	}
}
