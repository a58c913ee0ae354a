package flow

import (
	"fmt"
	"time"

	"github.com/luno/jettison/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/luno/flow/internal/wire"
)

type MessageKind int

const (
	MessageKindUnknown  MessageKind = 0
	MessageKindInitiate MessageKind = 1
	MessageKindData     MessageKind = 2
	MessageKindEnd      MessageKind = 3
	MessageKindError    MessageKind = 4
)

func (k MessageKind) String() string {
	switch k {
	case MessageKindInitiate:
		return "Initiate"
	case MessageKindData:
		return "Data"
	case MessageKindEnd:
		return "End"
	case MessageKindError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Message is the unit exchanged between parties. Every message of a session
// carries a per-direction sequence number and a deterministic ID so that
// receivers can drop duplicates and restore order.
type Message struct {
	ID        string
	Kind      MessageKind
	From      Party
	To        Party
	SessionID SessionID
	Seq       int64
	FromRunID string
	ToRunID   string
	// FlowClass is set on Initiate messages and names the initiating flow.
	FlowClass  string
	Payload    []byte
	HasPayload bool
	Error      string
	CreatedAt  time.Time
}

func messageID(session SessionID, from Party, seq int64) string {
	return fmt.Sprintf("%s/%s/%d", session, from, seq)
}

// MarshalMessage encodes m for byte oriented transports and the outbox.
func MarshalMessage(m Message) []byte {
	var e wire.Encoder
	e.String(1, m.ID)
	e.Uint(2, uint64(m.Kind))
	e.String(3, string(m.From))
	e.String(4, string(m.To))
	e.String(5, string(m.SessionID))
	e.Int(6, m.Seq)
	e.String(7, m.FromRunID)
	e.String(8, m.ToRunID)
	e.String(9, m.FlowClass)
	if m.HasPayload {
		payload := m.Payload
		if payload == nil {
			payload = []byte{}
		}
		e.BytesField(10, payload)
	}
	e.Bool(11, m.HasPayload)
	e.String(12, m.Error)
	e.Time(13, m.CreatedAt)
	return e.Bytes()
}

func UnmarshalMessage(b []byte) (Message, error) {
	var m Message
	err := wire.Decode(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case 1:
			m.ID = f.String()
		case 2:
			m.Kind = MessageKind(f.Uint())
		case 3:
			m.From = Party(f.String())
		case 4:
			m.To = Party(f.String())
		case 5:
			m.SessionID = SessionID(f.String())
		case 6:
			m.Seq = f.Int()
		case 7:
			m.FromRunID = f.String()
		case 8:
			m.ToRunID = f.String()
		case 9:
			m.FlowClass = f.String()
		case 10:
			m.Payload = f.Bytes()
		case 11:
			m.HasPayload = f.Bool()
		case 12:
			m.Error = f.String()
		case 13:
			m.CreatedAt = f.Time()
		}
		return nil
	})
	if err != nil {
		return Message{}, errors.Wrap(err, "unmarshal message")
	}

	return m, nil
}
