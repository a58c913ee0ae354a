package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/luno/flow/internal/stack"
)

// maxInlineTransitions bounds the number of steps a single advance may run
// without suspending.
const maxInlineTransitions = 1000

// Action is the outcome of advancing a run.
type Action interface {
	action()
}

// Suspended means the run reached a suspension point and its checkpoint must
// be committed.
type Suspended struct {
	Kind SuspensionKind
}

// Completed means the root frame completed.
type Completed struct {
	Result []byte
}

// Errored means a step failed. The checkpoint the run was resumed from is
// still the last good state.
type Errored struct {
	Err error
}

func (Suspended) action() {}
func (Completed) action() {}
func (Errored) action()   {}

// PanicError is the error recorded when a step panics.
type PanicError struct {
	Value any
	Trace string
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("step panicked: %v", p.Value)
}

// continuation runs steps. It is pure with respect to the outside world: it
// mutates the checkpoint it is handed and returns staged messages, but never
// persists or transmits anything.
type continuation struct {
	flows    map[string]Definition
	registry *registry
	codec    Codec
}

// start builds the checkpoint of a run that has not executed yet. The
// checkpoint is resumed with StimulusStart.
func (c *continuation) start(runID, flowClass string, args []byte) (*Checkpoint, error) {
	def, ok := c.flows[flowClass]
	if !ok {
		return nil, errors.Wrap(ErrUnknownFlow, "", j.MKV{"flow_class": flowClass})
	}

	root, err := def.initial(c.codec, args)
	if err != nil {
		return nil, err
	}

	return newCheckpoint(runID, flowClass, root), nil
}

// resume advances cp with stim until the run suspends, completes or errors.
// cp is modified in place so callers pass a copy of the committed
// checkpoint and discard it on Errored.
func (c *continuation) resume(ctx context.Context, cp *Checkpoint, inv Invocation, stim Stimulus) (Action, []Message) {
	if !stim.Kind.satisfies(cp.Suspension) {
		return Errored{Err: errors.Wrap(ErrStimulusMismatch, "", j.MKV{
			"run_id":     cp.RunID,
			"stimulus":   stim.Kind.String(),
			"suspension": cp.Suspension.String(),
		})}, nil
	}

	cp.Suspension = SuspensionNone
	cp.Pending = Pending{}

	var out []Message
	for i := 0; i < maxInlineTransitions; i++ {
		frame := cp.top()
		if frame == nil {
			return Errored{Err: errors.Wrap(ErrCheckpointCorrupt, "empty stack", j.MKV{"run_id": cp.RunID})}, out
		}

		def, ok := c.flows[frame.FlowClass]
		if !ok {
			return Errored{Err: errors.Wrap(ErrUnknownFlow, "", j.MKV{"flow_class": frame.FlowClass})}, out
		}

		ec := &execContext{
			codec:      c.codec,
			invocation: inv,
			cp:         cp,
			frame:      frame,
			stimulus:   stim,
			now:        stim.At,
		}

		susp, err := c.execute(ctx, def, ec)
		if err != nil {
			return Errored{Err: err}, out
		}

		at := stim.At
		switch s := susp.(type) {
		case Goto:
			frame.Step = s.Next
			stim = Stimulus{Kind: StimulusContinue, At: at}

		case InitiateSession:
			flowClass := s.FlowClass
			if flowClass == "" {
				flowClass = frame.FlowClass
			}

			id := c.registry.openInitiating(cp, s.Party, flowClass)
			frame.Step = s.Next
			stim = Stimulus{Kind: StimulusSessionOpened, Session: id, At: at}

		case Send:
			sess, err := c.sendable(cp, s.Session)
			if err != nil {
				return Errored{Err: err}, out
			}

			out = append(out, c.registry.stage(cp, sess, MessageKindData, s.Payload, true, ""))
			frame.Step = s.Next
			cp.Suspension = SuspensionSend
			cp.Pending = Pending{Session: s.Session}
			return Suspended{Kind: SuspensionSend}, out

		case Receive:
			sess, ok := cp.Sessions[s.Session]
			if !ok {
				return Errored{Err: unknownSession(cp, s.Session)}, out
			}

			frame.Step = s.Next
			if sess.Initiating && !sess.Initiated {
				out = append(out, c.registry.stage(cp, sess, MessageKindInitiate, nil, false, ""))
			}

			next, ok := c.receiveInline(sess, at)
			if ok {
				stim = next
				continue
			}

			cp.Suspension = SuspensionReceive
			cp.Pending = Pending{Session: s.Session, Deadline: s.Deadline, Within: s.Within}
			return Suspended{Kind: SuspensionReceive}, out

		case SendAndReceive:
			sess, err := c.sendable(cp, s.Session)
			if err != nil {
				return Errored{Err: err}, out
			}

			out = append(out, c.registry.stage(cp, sess, MessageKindData, s.Payload, true, ""))
			frame.Step = s.Next
			cp.Suspension = SuspensionSendAndReceive
			cp.Pending = Pending{Session: s.Session, Deadline: s.Deadline, Within: s.Within}
			return Suspended{Kind: SuspensionSendAndReceive}, out

		case SleepUntil:
			frame.Step = s.Next
			cp.Suspension = SuspensionSleepUntil
			cp.Pending = Pending{WakeAt: s.Until}
			return Suspended{Kind: SuspensionSleepUntil}, out

		case SubFlow:
			def, ok := c.flows[s.FlowClass]
			if !ok {
				return Errored{Err: errors.Wrap(ErrUnknownFlow, "sub-flow", j.MKV{"flow_class": s.FlowClass})}, out
			}

			child, err := def.initial(c.codec, s.Args)
			if err != nil {
				return Errored{Err: err}, out
			}

			// The parent resumes at Next once the child completes. frame is
			// not valid after the append.
			frame.Step = s.Next
			cp.Stack = append(cp.Stack, child)
			cp.Suspension = SuspensionSubFlowWait
			return Suspended{Kind: SuspensionSubFlowWait}, out

		case Complete:
			cp.Stack = cp.Stack[:len(cp.Stack)-1]
			if len(cp.Stack) == 0 {
				return Completed{Result: s.Result}, out
			}

			stim = Stimulus{Kind: StimulusSubFlowResult, Payload: s.Result, At: at}

		case nil:
			return Errored{Err: errors.Wrap(ErrNoSuspension, "", j.MKV{
				"flow_class": frame.FlowClass,
				"step":       frame.Step,
			})}, out

		default:
			return Errored{Err: errors.New("unsupported suspension", j.MKV{
				"type": fmt.Sprintf("%T", susp),
			})}, out
		}
	}

	return Errored{Err: errors.Wrap(ErrInlineLimit, "", j.MKV{"run_id": cp.RunID})}, out
}

func (c *continuation) execute(ctx context.Context, def Definition, ec *execContext) (susp Suspension, err error) {
	defer func() {
		if p := recover(); p != nil {
			susp = nil
			err = &PanicError{Value: p, Trace: stack.Trace(0)}
		}
	}()

	return def.execute(ctx, ec)
}

// sendable returns the session for an outbound message. Sending on a session
// the counterparty has closed is a protocol error.
func (c *continuation) sendable(cp *Checkpoint, id SessionID) (*SessionState, error) {
	sess, ok := cp.Sessions[id]
	if !ok {
		return nil, unknownSession(cp, id)
	}

	if err := sess.err(); err != nil {
		return nil, err
	}

	return sess, nil
}

// receiveInline returns the stimulus for a receive that can be satisfied
// without suspending.
func (c *continuation) receiveInline(sess *SessionState, at time.Time) (Stimulus, bool) {
	payload, ok := c.registry.take(sess)
	if ok {
		return Stimulus{Kind: StimulusMessage, Session: sess.ID, Payload: payload, At: at}, true
	}

	if err := sess.err(); err != nil {
		return Stimulus{Kind: StimulusSessionError, Session: sess.ID, Err: err, At: at}, true
	}

	return Stimulus{}, false
}

func unknownSession(cp *Checkpoint, id SessionID) error {
	return errors.Wrap(ErrUnknownSession, "", j.MKV{
		"run_id":     cp.RunID,
		"session_id": string(id),
	})
}
