package flow

import (
	"sort"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/luno/flow/internal/wire"
)

const checkpointSchemaVersion = 1

// SuspensionKind is the durable marker of what a suspended run waits for.
type SuspensionKind int

const (
	SuspensionNone           SuspensionKind = 0
	SuspensionSend           SuspensionKind = 1
	SuspensionReceive        SuspensionKind = 2
	SuspensionSendAndReceive SuspensionKind = 3
	SuspensionSleepUntil     SuspensionKind = 4
	SuspensionSubFlowWait    SuspensionKind = 5
)

func (k SuspensionKind) String() string {
	switch k {
	case SuspensionNone:
		return "None"
	case SuspensionSend:
		return "Send"
	case SuspensionReceive:
		return "Receive"
	case SuspensionSendAndReceive:
		return "SendAndReceive"
	case SuspensionSleepUntil:
		return "SleepUntil"
	case SuspensionSubFlowWait:
		return "SubFlowWait"
	default:
		return "Unknown"
	}
}

// continuesInline reports whether the run can be resumed straight after the
// commit without waiting for the outside world.
func (k SuspensionKind) continuesInline() bool {
	return k == SuspensionSend || k == SuspensionSubFlowWait
}

// Frame is one entry of a run's logical call stack. The root flow is at the
// bottom and the innermost sub-flow at the top.
type Frame struct {
	FlowClass string
	// Step is the name of the step to run when the frame is resumed.
	Step  string
	State []byte
	Args  []byte
}

// Pending describes the detail of the current suspension.
type Pending struct {
	Session  SessionID
	Deadline time.Time
	// Within is the length of the receive wait, used to restart it when a
	// timed out receive is retried.
	Within time.Duration
	WakeAt time.Time
}

// Checkpoint is the durable snapshot of a suspended run. It is everything
// required to resume the run on any node after a restart.
type Checkpoint struct {
	SchemaVersion int
	RunID         string
	FlowClass     string
	Stack         []Frame
	Sessions      map[SessionID]*SessionState
	Suspension    SuspensionKind
	Pending       Pending
	RetryCount    int
	LastError     string
	// NotBefore holds the run back from being resumed until the given time.
	// It is set by hospital retries and observations.
	NotBefore    time.Time
	Observations int
}

func newCheckpoint(runID, flowClass string, root Frame) *Checkpoint {
	return &Checkpoint{
		SchemaVersion: checkpointSchemaVersion,
		RunID:         runID,
		FlowClass:     flowClass,
		Stack:         []Frame{root},
		Sessions:      make(map[SessionID]*SessionState),
	}
}

func (c *Checkpoint) top() *Frame {
	if len(c.Stack) == 0 {
		return nil
	}

	return &c.Stack[len(c.Stack)-1]
}

func (c *Checkpoint) sessionIDs() []SessionID {
	if len(c.Sessions) == 0 {
		return nil
	}

	ids := make([]SessionID, 0, len(c.Sessions))
	for id := range c.Sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// nextWake returns the next instant the run needs re-evaluating without an
// external event, or the zero time.
func (c *Checkpoint) nextWake() time.Time {
	if !c.NotBefore.IsZero() {
		return c.NotBefore
	}

	switch c.Suspension {
	case SuspensionReceive, SuspensionSendAndReceive:
		return c.Pending.Deadline
	case SuspensionSleepUntil:
		return c.Pending.WakeAt
	default:
		return time.Time{}
	}
}

func (c *Checkpoint) clone() *Checkpoint {
	out := *c
	out.Stack = make([]Frame, len(c.Stack))
	for i, f := range c.Stack {
		out.Stack[i] = Frame{
			FlowClass: f.FlowClass,
			Step:      f.Step,
			State:     cloneBytes(f.State),
			Args:      cloneBytes(f.Args),
		}
	}

	out.Sessions = make(map[SessionID]*SessionState, len(c.Sessions))
	for id, s := range c.Sessions {
		out.Sessions[id] = s.clone()
	}

	return &out
}

// EncodeCheckpoint produces the durable encoding of c.
func EncodeCheckpoint(c *Checkpoint) []byte {
	var e wire.Encoder
	e.Uint(1, checkpointSchemaVersion)
	e.String(2, c.RunID)
	e.String(3, c.FlowClass)
	for _, f := range c.Stack {
		e.Message(4, func(e *wire.Encoder) {
			e.String(1, f.FlowClass)
			e.String(2, f.Step)
			e.BytesField(3, f.State)
			e.BytesField(4, f.Args)
		})
	}
	for _, id := range c.sessionIDs() {
		s := c.Sessions[id]
		e.Message(5, func(e *wire.Encoder) {
			encodeSession(e, s)
		})
	}
	e.Uint(6, uint64(c.Suspension))
	e.String(7, string(c.Pending.Session))
	e.Time(8, c.Pending.Deadline)
	e.Time(9, c.Pending.WakeAt)
	e.Uint(10, uint64(c.RetryCount))
	e.String(11, c.LastError)
	e.Time(12, c.NotBefore)
	e.Uint(13, uint64(c.Observations))
	e.Int(14, int64(c.Pending.Within))
	return e.Bytes()
}

// DecodeCheckpoint decodes b. Malformed data and unknown schema versions
// return ErrCheckpointCorrupt.
func DecodeCheckpoint(b []byte) (*Checkpoint, error) {
	c := Checkpoint{
		Sessions: make(map[SessionID]*SessionState),
	}

	err := wire.Decode(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case 1:
			c.SchemaVersion = int(f.Uint())
		case 2:
			c.RunID = f.String()
		case 3:
			c.FlowClass = f.String()
		case 4:
			frame, err := decodeFrame(f.Bytes())
			if err != nil {
				return err
			}
			c.Stack = append(c.Stack, frame)
		case 5:
			s, err := decodeSession(f.Bytes())
			if err != nil {
				return err
			}
			c.Sessions[s.ID] = s
		case 6:
			c.Suspension = SuspensionKind(f.Uint())
		case 7:
			c.Pending.Session = SessionID(f.String())
		case 8:
			c.Pending.Deadline = f.Time()
		case 9:
			c.Pending.WakeAt = f.Time()
		case 10:
			c.RetryCount = int(f.Uint())
		case 11:
			c.LastError = f.String()
		case 12:
			c.NotBefore = f.Time()
		case 13:
			c.Observations = int(f.Uint())
		case 14:
			c.Pending.Within = time.Duration(f.Int())
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(ErrCheckpointCorrupt, "decode", j.MKV{"reason": err.Error()})
	}

	if c.SchemaVersion != checkpointSchemaVersion {
		return nil, errors.Wrap(ErrCheckpointCorrupt, "unsupported schema version", j.MKV{
			"schema_version": c.SchemaVersion,
		})
	}

	if len(c.Stack) == 0 {
		return nil, errors.Wrap(ErrCheckpointCorrupt, "empty stack", j.MKV{"run_id": c.RunID})
	}

	return &c, nil
}

func decodeFrame(b []byte) (Frame, error) {
	var f Frame
	err := wire.Decode(b, func(num protowire.Number, field wire.Field) error {
		switch num {
		case 1:
			f.FlowClass = field.String()
		case 2:
			f.Step = field.String()
		case 3:
			f.State = field.Bytes()
		case 4:
			f.Args = field.Bytes()
		}
		return nil
	})
	return f, err
}
