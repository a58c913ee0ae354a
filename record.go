package flow

import (
	"time"

	"github.com/luno/jettison/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/luno/flow/internal/wire"
)

// Party identifies a node taking part in flows.
type Party string

// SessionID identifies one conversation between two runs on two parties.
type SessionID string

// Origin describes what caused a run to start.
type Origin int

const (
	OriginUnknown   Origin = 0
	OriginRPC       Origin = 1
	OriginPeer      Origin = 2
	OriginScheduled Origin = 3
	OriginService   Origin = 4
)

func (o Origin) String() string {
	switch o {
	case OriginRPC:
		return "RPC"
	case OriginPeer:
		return "Peer"
	case OriginScheduled:
		return "Scheduled"
	case OriginService:
		return "Service"
	default:
		return "Unknown"
	}
}

// Invocation is the context a run was started with.
type Invocation struct {
	Origin Origin
	// Actor is the user or service that requested the run.
	Actor string
	// Party is the counterparty that initiated the run when Origin is OriginPeer.
	Party Party
	// Reference is an origin specific reference such as the initiating run ID
	// or the cron spec of a scheduled run.
	Reference string
}

func (i Invocation) MarshalBinary() ([]byte, error) {
	var e wire.Encoder
	e.Uint(1, uint64(i.Origin))
	e.String(2, i.Actor)
	e.String(3, string(i.Party))
	e.String(4, i.Reference)
	return e.Bytes(), nil
}

func (i *Invocation) UnmarshalBinary(b []byte) error {
	var out Invocation
	err := wire.Decode(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case 1:
			out.Origin = Origin(f.Uint())
		case 2:
			out.Actor = f.String()
		case 3:
			out.Party = Party(f.String())
		case 4:
			out.Reference = f.String()
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "decode invocation")
	}

	*i = out
	return nil
}

// Record is the durable row of a run. Adapters persist every field.
type Record struct {
	RunID      string
	FlowClass  string
	Status     Status
	Invocation Invocation
	// Args holds the encoded start arguments so that a run that has not yet
	// executed can be restarted from the beginning.
	Args []byte
	// Checkpoint is set only while Status.HasCheckpoint.
	Checkpoint []byte
	// Archived holds the final checkpoint of a finished run.
	Archived   []byte
	Result     []byte
	LastError  string
	RetryCount int
	// WakeAt is the next instant at which the run must be re-evaluated
	// without any external event. Zero when nothing is pending.
	WakeAt     time.Time
	SessionIDs []SessionID
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (r *Record) clone() *Record {
	c := *r
	c.Args = cloneBytes(r.Args)
	c.Checkpoint = cloneBytes(r.Checkpoint)
	c.Archived = cloneBytes(r.Archived)
	c.Result = cloneBytes(r.Result)
	c.SessionIDs = append([]SessionID(nil), r.SessionIDs...)
	return &c
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}

	out := make([]byte, len(b))
	copy(out, b)
	return out
}
