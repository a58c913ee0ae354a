package flow

import "time"

// Suspension is returned by a step to tell the engine what the run does
// next. Steps normally build suspensions with the helpers on Run.
type Suspension interface {
	suspension()
}

// Send stages Payload on Session and continues at Next once the message is
// committed.
type Send struct {
	Session SessionID
	Payload []byte
	Next    string
}

// Receive suspends until a message arrives on Session. A non-zero Deadline
// resumes the run with a timeout instead once it passes.
type Receive struct {
	Session  SessionID
	Deadline time.Time
	// Within is the wait that Deadline was derived from. A retried timeout
	// waits this long again.
	Within time.Duration
	Next   string
}

// SendAndReceive stages Payload and suspends until the reply arrives.
type SendAndReceive struct {
	Session  SessionID
	Payload  []byte
	Deadline time.Time
	Within   time.Duration
	Next     string
}

// SleepUntil suspends until the given time.
type SleepUntil struct {
	Until time.Time
	Next  string
}

// SubFlow runs the registered flow FlowClass as a child of the current frame
// and continues at Next with the child's result.
type SubFlow struct {
	FlowClass string
	Args      []byte
	Next      string
}

// InitiateSession opens a session with Party and continues at Next
// immediately. Nothing is sent until the first Send or Receive on the
// session. FlowClass defaults to the class of the current frame.
type InitiateSession struct {
	Party     Party
	FlowClass string
	Next      string
}

// Goto continues at Next immediately.
type Goto struct {
	Next string
}

// Complete finishes the current frame with Result.
type Complete struct {
	Result []byte
}

func (Send) suspension()            {}
func (Receive) suspension()         {}
func (SendAndReceive) suspension()  {}
func (SleepUntil) suspension()      {}
func (SubFlow) suspension()         {}
func (InitiateSession) suspension() {}
func (Goto) suspension()            {}
func (Complete) suspension()        {}
