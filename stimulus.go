package flow

import (
	"fmt"
	"time"
)

// StimulusKind is the reason a run is being resumed.
type StimulusKind int

const (
	StimulusUnknown       StimulusKind = 0
	StimulusStart         StimulusKind = 1
	StimulusContinue      StimulusKind = 2
	StimulusMessage       StimulusKind = 3
	StimulusSessionError  StimulusKind = 4
	StimulusTimeout       StimulusKind = 5
	StimulusWake          StimulusKind = 6
	StimulusSubFlowResult StimulusKind = 7
	StimulusSessionOpened StimulusKind = 8
)

func (k StimulusKind) String() string {
	switch k {
	case StimulusStart:
		return "Start"
	case StimulusContinue:
		return "Continue"
	case StimulusMessage:
		return "Message"
	case StimulusSessionError:
		return "SessionError"
	case StimulusTimeout:
		return "Timeout"
	case StimulusWake:
		return "Wake"
	case StimulusSubFlowResult:
		return "SubFlowResult"
	case StimulusSessionOpened:
		return "SessionOpened"
	default:
		return fmt.Sprintf("StimulusKind(%d)", k)
	}
}

// satisfies reports whether the stimulus may resume a run committed with the
// given suspension kind.
func (k StimulusKind) satisfies(kind SuspensionKind) bool {
	switch k {
	case StimulusStart:
		return kind == SuspensionNone
	case StimulusContinue:
		return kind == SuspensionSend || kind == SuspensionSubFlowWait
	case StimulusMessage, StimulusSessionError, StimulusTimeout:
		return kind == SuspensionReceive || kind == SuspensionSendAndReceive
	case StimulusWake:
		return kind == SuspensionSleepUntil
	default:
		return false
	}
}

// Stimulus is the input a run is resumed with.
type Stimulus struct {
	Kind    StimulusKind
	Session SessionID
	Payload []byte
	Err     error
	At      time.Time
}
