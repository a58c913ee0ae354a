package flow

import (
	"fmt"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

var (
	ErrRecordNotFound        = errors.New("record not found", j.C("ERR_6d982e73339f351a"))
	ErrRunExists             = errors.New("run already exists", j.C("ERR_5a1c0b7e2f9d4e61"))
	ErrUnknownFlow           = errors.New("flow class is not registered", j.C("ERR_169c7465995cf7aa"))
	ErrUnknownStep           = errors.New("step is not defined for flow", j.C("ERR_0c5e8a1f3b7d2964"))
	ErrInvalidArgs           = errors.New("arguments do not match the flow's declared shape", j.C("ERR_a4e2d90b6c1f5873"))
	ErrNoRegisteredResponder = errors.New("no responder registered for initiating flow", j.C("ERR_7d3f1a6e0b2c9845"))
	ErrStimulusMismatch      = errors.New("stimulus does not satisfy the current suspension", j.C("ERR_e91b4c27d05a6f38"))
	ErrCheckpointCorrupt     = errors.New("checkpoint cannot be decoded", j.C("ERR_3f8a6d1c2e7b0594"))
	ErrInvalidTransition     = errors.New("invalid status transition", j.C("ERR_704b88a1eddad3dc"))
	ErrRunFinished           = errors.New("run has already finished", j.C("ERR_9128169c3d47eb1d"))
	ErrQueueFull             = errors.New("event queue is full", j.C("ERR_2b9d7e4a0f1c6358"))
	ErrEngineNotRunning      = errors.New("engine is not running", j.C("ERR_6b414d1eb843a681"))
	ErrUnableToPause         = errors.New("run is unable to be paused", j.C("ERR_3b776661fe2c56c7"))
	ErrUnableToResume        = errors.New("run is unable to be resumed", j.C("ERR_fdbedb1059368f3e"))
	ErrUnableToRetry         = errors.New("run is not hospitalized", j.C("ERR_2dec819246977dd9"))
	ErrReceiveTimeout        = errors.New("receive timed out", j.C("ERR_1ef1afdf9f7ae684"))
	ErrUnknownSession        = errors.New("session is not known to this run", j.C("ERR_c2a70e5f9d3b8146"))
	ErrSessionEnded          = errors.New("counterparty ended the session", j.C("ERR_4e6b2d8f1a0c7395"))
	ErrCounterpartyFailed    = errors.New("counterparty flow failed", j.C("ERR_8f1c3e5a7b9d0264"))
	ErrSessionOverflow       = errors.New("session inbound buffer overflowed", j.C("ERR_b5d9f2a4c6e8103f"))
	ErrKilled                = errors.New("run was killed", j.C("ERR_cd79765555450db7"))
	ErrNoSuspension          = errors.New("step returned neither a suspension nor an error", j.C("ERR_0a4f6c8e2d1b3975"))
	ErrInlineLimit           = errors.New("too many inline transitions without suspending", j.C("ERR_d6e8f0a2c4b61357"))
)

// SessionError is surfaced to a flow blocked on a session when the session
// can no longer make progress.
type SessionError struct {
	Session      SessionID
	Counterparty Party
	Message      string
	Err          error
}

func (e *SessionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("session %s with %s: %v", e.Session, e.Counterparty, e.Err)
	}

	return fmt.Sprintf("session %s with %s: %v: %s", e.Session, e.Counterparty, e.Err, e.Message)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// Transient marks err as a failure that is expected to clear up on its own.
// The hospital retries transient failures with backoff.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &classified{err: err, class: ClassTransient}
}

// Observe marks err as a failure whose outcome is not known, for example a
// request that may or may not have reached a downstream system. The run is
// paused and re-evaluated later.
func Observe(err error) error {
	if err == nil {
		return nil
	}

	return &classified{err: err, class: ClassAmbiguous}
}

// Reject marks err as a business rejection. The run fails.
func Reject(err error) error {
	if err == nil {
		return nil
	}

	return &classified{err: err, class: ClassBusiness}
}

type classified struct {
	err   error
	class ErrorClass
}

func (c *classified) Error() string {
	return c.err.Error()
}

func (c *classified) Unwrap() error {
	return c.err
}
