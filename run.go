package flow

import (
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// Run is the view a step has of the run it executes in. State is written
// back to the checkpoint when the step returns without error.
type Run[State any] struct {
	RunID      string
	FlowClass  string
	Invocation Invocation
	State      *State

	ec *execContext
}

// Now returns the time of the stimulus the run was resumed with. Steps must
// use it instead of reading a clock.
func (r *Run[State]) Now() time.Time {
	return r.ec.now
}

// Stimulus returns what resumed the run.
func (r *Run[State]) Stimulus() StimulusKind {
	return r.ec.stimulus.Kind
}

// Session returns the session the stimulus relates to. For a responder flow
// resumed with StimulusStart it is the session it was initiated on. After
// InitiateSession it is the newly opened session.
func (r *Run[State]) Session() SessionID {
	return r.ec.stimulus.Session
}

// Counterparty returns the party on the other end of a session.
func (r *Run[State]) Counterparty(id SessionID) (Party, bool) {
	s, ok := r.ec.cp.Sessions[id]
	if !ok {
		return "", false
	}

	return s.Counterparty, true
}

// Args decodes the arguments the current frame was started with.
func (r *Run[State]) Args(v any) error {
	if len(r.ec.frame.Args) == 0 {
		return nil
	}

	return r.ec.codec.Unmarshal(r.ec.frame.Args, v)
}

// Received decodes the message that resumed the run into v. If the receive
// did not produce a message the error says why: a *SessionError when the
// session can no longer make progress or ErrReceiveTimeout when the deadline
// passed. v may be nil to discard the payload.
func (r *Run[State]) Received(v any) error {
	stim := r.ec.stimulus
	switch stim.Kind {
	case StimulusMessage:
		if v == nil || len(stim.Payload) == 0 {
			return nil
		}

		return r.ec.codec.Unmarshal(stim.Payload, v)
	case StimulusSessionError, StimulusTimeout:
		return stim.Err
	default:
		return errors.Wrap(ErrStimulusMismatch, "no message received", j.MKV{
			"stimulus": stim.Kind.String(),
		})
	}
}

// SubFlowResult decodes the result of the sub-flow that just completed.
func (r *Run[State]) SubFlowResult(v any) error {
	stim := r.ec.stimulus
	if stim.Kind != StimulusSubFlowResult {
		return errors.Wrap(ErrStimulusMismatch, "no sub-flow result", j.MKV{
			"stimulus": stim.Kind.String(),
		})
	}

	if v == nil || len(stim.Payload) == 0 {
		return nil
	}

	return r.ec.codec.Unmarshal(stim.Payload, v)
}

func (r *Run[State]) Send(session SessionID, payload any, next string) (Suspension, error) {
	b, err := r.ec.codec.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}

	return Send{Session: session, Payload: b, Next: next}, nil
}

func (r *Run[State]) Receive(session SessionID, next string) (Suspension, error) {
	return Receive{Session: session, Next: next}, nil
}

// ReceiveWithin is Receive with a deadline of d after Now.
func (r *Run[State]) ReceiveWithin(session SessionID, d time.Duration, next string) (Suspension, error) {
	return Receive{Session: session, Deadline: r.ec.now.Add(d), Within: d, Next: next}, nil
}

func (r *Run[State]) SendAndReceive(session SessionID, payload any, next string) (Suspension, error) {
	return r.SendAndReceiveWithin(session, payload, 0, next)
}

// SendAndReceiveWithin is SendAndReceive with a deadline of d after Now. A
// zero d waits forever.
func (r *Run[State]) SendAndReceiveWithin(session SessionID, payload any, d time.Duration, next string) (Suspension, error) {
	b, err := r.ec.codec.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encode payload")
	}

	s := SendAndReceive{Session: session, Payload: b, Next: next}
	if d > 0 {
		s.Deadline = r.ec.now.Add(d)
		s.Within = d
	}

	return s, nil
}

func (r *Run[State]) SleepUntil(t time.Time, next string) (Suspension, error) {
	return SleepUntil{Until: t, Next: next}, nil
}

func (r *Run[State]) Sleep(d time.Duration, next string) (Suspension, error) {
	return SleepUntil{Until: r.ec.now.Add(d), Next: next}, nil
}

func (r *Run[State]) SubFlow(flowClass string, args any, next string) (Suspension, error) {
	b, err := r.ec.codec.Marshal(args)
	if err != nil {
		return nil, errors.Wrap(err, "encode sub-flow args")
	}

	return SubFlow{FlowClass: flowClass, Args: b, Next: next}, nil
}

func (r *Run[State]) InitiateSession(party Party, next string) (Suspension, error) {
	return InitiateSession{Party: party, Next: next}, nil
}

func (r *Run[State]) Goto(next string) (Suspension, error) {
	return Goto{Next: next}, nil
}

func (r *Run[State]) Complete(result any) (Suspension, error) {
	if result == nil {
		return Complete{}, nil
	}

	b, err := r.ec.codec.Marshal(result)
	if err != nil {
		return nil, errors.Wrap(err, "encode result")
	}

	return Complete{Result: b}, nil
}
