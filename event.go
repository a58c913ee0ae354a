package flow

import "time"

// Event is an input to the engine. Events are processed one at a time per
// run, in the order they were submitted, and are never persisted: every
// event is either derived from durable state or redelivered by its source.
type Event interface {
	lane() string
}

// StartFlow starts a run. The Runnable record is stored if it does not
// exist yet. An empty RunID is replaced with a new ID on submission.
type StartFlow struct {
	RunID      string
	FlowClass  string
	Args       []byte
	Invocation Invocation
}

// SessionMessage delivers a message on a session the run already knows.
type SessionMessage struct {
	RunID   string
	Message Message
}

// SessionInitiate delivers an Initiate message. RunID is the derived ID of
// the responder run.
type SessionInitiate struct {
	RunID   string
	Message Message
}

// Timer re-evaluates a run whose deadline, wake time or back-off expired.
type Timer struct {
	RunID      string
	FiringTime time.Time
}

// Kill terminates a run. It is processed before any other queued event of
// the run.
type Kill struct {
	RunID string
}

// redrive re-evaluates a run against its durable state.
type redrive struct {
	runID string
}

type operatorOp int

const (
	opRetry  operatorOp = 1
	opPause  operatorOp = 2
	opResume operatorOp = 3
)

type operatorRequest struct {
	runID string
	op    operatorOp
}

func (e StartFlow) lane() string       { return e.RunID }
func (e SessionMessage) lane() string  { return e.RunID }
func (e SessionInitiate) lane() string { return e.RunID }
func (e Timer) lane() string           { return e.RunID }
func (e Kill) lane() string            { return e.RunID }
func (e redrive) lane() string         { return e.runID }
func (e operatorRequest) lane() string { return e.runID }
