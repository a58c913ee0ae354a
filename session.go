package flow

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/luno/flow/internal/wire"
)

var (
	sessionNamespace   = uuid.MustParse("7f4b2c1e-3d5a-4e69-8b0c-1a2d3e4f5a6b")
	responderNamespace = uuid.MustParse("c3e1a9d7-5b2f-4c80-9e6a-0f1b2c3d4e5f")
)

// SessionState is the durable state of one side of a session.
type SessionState struct {
	ID           SessionID
	Counterparty Party
	// FlowClass is the initiating flow class the responder was resolved from.
	FlowClass  string
	Initiating bool
	// Initiated is set once the Initiate message has been staged.
	Initiated bool
	PeerRunID string
	SendSeq   int64
	RecvSeq   int64
	// PendingInbound holds in-order payloads not yet consumed by a receive.
	PendingInbound [][]byte
	OutOfOrder     map[int64]Inbound
	Errored        bool
	ErrorMessage   string
	Overflowed     bool
	Ended          bool
}

// Inbound is a message held back because it arrived ahead of its turn.
type Inbound struct {
	Kind    MessageKind
	Payload []byte
	Error   string
}

func (s *SessionState) clone() *SessionState {
	out := *s
	out.PendingInbound = make([][]byte, len(s.PendingInbound))
	for i, p := range s.PendingInbound {
		out.PendingInbound[i] = cloneBytes(p)
	}

	out.OutOfOrder = make(map[int64]Inbound, len(s.OutOfOrder))
	for seq, in := range s.OutOfOrder {
		in.Payload = cloneBytes(in.Payload)
		out.OutOfOrder[seq] = in
	}

	return &out
}

// open reports whether the counterparty still listens on the session.
func (s *SessionState) open() bool {
	if s.Ended || s.Errored {
		return false
	}

	return !s.Initiating || s.Initiated
}

func (s *SessionState) err() error {
	se := &SessionError{
		Session:      s.ID,
		Counterparty: s.Counterparty,
		Message:      s.ErrorMessage,
	}

	switch {
	case s.Overflowed:
		se.Err = ErrSessionOverflow
	case s.Errored:
		se.Err = ErrCounterpartyFailed
	case s.Ended:
		se.Err = ErrSessionEnded
	default:
		return nil
	}

	return se
}

// Delivery is the outcome of handing an inbound message to a session.
type Delivery int

const (
	DeliveryAccepted  Delivery = 1
	DeliveryDuplicate Delivery = 2
	DeliveryBuffered  Delivery = 3
	DeliveryOverflow  Delivery = 4
)

func (d Delivery) String() string {
	switch d {
	case DeliveryAccepted:
		return "Accepted"
	case DeliveryDuplicate:
		return "Duplicate"
	case DeliveryBuffered:
		return "Buffered"
	case DeliveryOverflow:
		return "Overflow"
	default:
		return fmt.Sprintf("Delivery(%d)", d)
	}
}

// registry owns every mutation of session state. It never talks to the
// network: outbound messages are returned to the caller to be staged in the
// next commit.
type registry struct {
	self          Party
	responders    map[string]Definition
	maxPending    int
	maxOutOfOrder int
	clock         func() time.Time
}

// responderRunID derives the run ID of the responder for a session so that a
// redelivered initiation lands on the same run.
func responderRunID(id SessionID) string {
	return uuid.NewSHA1(responderNamespace, []byte(id)).String()
}

// openInitiating adds a new initiating session to cp. The ID is derived from
// the run and the number of sessions it has opened so that a replayed segment
// opens the same session.
func (r *registry) openInitiating(cp *Checkpoint, party Party, flowClass string) SessionID {
	name := fmt.Sprintf("%s/%d", cp.RunID, len(cp.Sessions))
	id := SessionID(uuid.NewSHA1(sessionNamespace, []byte(name)).String())
	cp.Sessions[id] = &SessionState{
		ID:           id,
		Counterparty: party,
		FlowClass:    flowClass,
		Initiating:   true,
		OutOfOrder:   make(map[int64]Inbound),
	}
	return id
}

// acceptInitiated resolves the responder for an Initiate message.
func (r *registry) acceptInitiated(m Message) (string, Definition, error) {
	def, ok := r.responders[m.FlowClass]
	if !ok {
		return "", nil, errors.Wrap(ErrNoRegisteredResponder, "", j.MKV{
			"flow_class": m.FlowClass,
			"session_id": string(m.SessionID),
			"from":       string(m.From),
		})
	}

	return responderRunID(m.SessionID), def, nil
}

// accept creates the responder side of the session announced by m.
func (r *registry) accept(cp *Checkpoint, m Message) *SessionState {
	s := &SessionState{
		ID:           m.SessionID,
		Counterparty: m.From,
		FlowClass:    m.FlowClass,
		Initiated:    true,
		PeerRunID:    m.FromRunID,
		RecvSeq:      m.Seq + 1,
		OutOfOrder:   make(map[int64]Inbound),
	}
	if m.HasPayload {
		s.PendingInbound = append(s.PendingInbound, nonNil(m.Payload))
	}

	cp.Sessions[s.ID] = s
	return s
}

func (r *registry) deliver(s *SessionState, m Message) Delivery {
	if s.PeerRunID == "" && m.FromRunID != "" {
		s.PeerRunID = m.FromRunID
	}

	if s.Errored || m.Seq < s.RecvSeq {
		return DeliveryDuplicate
	}

	in := Inbound{Kind: m.Kind, Payload: nonNil(m.Payload), Error: m.Error}

	if m.Seq > s.RecvSeq {
		if _, ok := s.OutOfOrder[m.Seq]; ok {
			return DeliveryDuplicate
		}

		if len(s.OutOfOrder) >= r.maxOutOfOrder {
			r.overflow(s)
			return DeliveryOverflow
		}

		if s.OutOfOrder == nil {
			s.OutOfOrder = make(map[int64]Inbound)
		}
		s.OutOfOrder[m.Seq] = in
		return DeliveryBuffered
	}

	r.apply(s, in)
	for {
		next, ok := s.OutOfOrder[s.RecvSeq]
		if !ok {
			break
		}

		delete(s.OutOfOrder, s.RecvSeq)
		r.apply(s, next)
	}

	if len(s.PendingInbound) > r.maxPending {
		r.overflow(s)
		return DeliveryOverflow
	}

	return DeliveryAccepted
}

func (r *registry) apply(s *SessionState, in Inbound) {
	s.RecvSeq++

	if s.Ended || s.Errored {
		return
	}

	switch in.Kind {
	case MessageKindData, MessageKindInitiate:
		s.PendingInbound = append(s.PendingInbound, in.Payload)
	case MessageKindEnd:
		s.Ended = true
	case MessageKindError:
		s.Errored = true
		s.ErrorMessage = in.Error
	}
}

func (r *registry) overflow(s *SessionState) {
	s.Errored = true
	s.Overflowed = true
	s.ErrorMessage = "inbound buffer overflow"
	s.PendingInbound = nil
	s.OutOfOrder = make(map[int64]Inbound)
}

// take consumes the oldest pending payload.
func (r *registry) take(s *SessionState) ([]byte, bool) {
	if len(s.PendingInbound) == 0 {
		return nil, false
	}

	p := s.PendingInbound[0]
	s.PendingInbound = s.PendingInbound[1:]
	return p, true
}

// nextOutboundSeq hands out the next sequence number. Sessions are decoded
// from the last committed checkpoint for every segment, so a segment that is
// replayed after a failed commit reuses the same numbers.
func (r *registry) nextOutboundSeq(s *SessionState) int64 {
	seq := s.SendSeq
	s.SendSeq++
	return seq
}

// stage builds the next outbound message on s. The first message an
// initiating session produces announces the session to the counterparty.
func (r *registry) stage(cp *Checkpoint, s *SessionState, kind MessageKind, payload []byte, hasPayload bool, errMsg string) Message {
	var flowClass string
	if s.Initiating && !s.Initiated {
		if kind == MessageKindData {
			kind = MessageKindInitiate
		}
		s.Initiated = true
		flowClass = s.FlowClass
	}

	toRunID := s.PeerRunID
	if toRunID == "" && s.Initiating {
		toRunID = responderRunID(s.ID)
	}

	seq := r.nextOutboundSeq(s)
	m := Message{
		ID:         messageID(s.ID, r.self, seq),
		Kind:       kind,
		From:       r.self,
		To:         s.Counterparty,
		SessionID:  s.ID,
		Seq:        seq,
		FromRunID:  cp.RunID,
		ToRunID:    toRunID,
		FlowClass:  flowClass,
		HasPayload: hasPayload,
		Error:      errMsg,
		CreatedAt:  r.clock(),
	}
	if hasPayload {
		m.Payload = nonNil(payload)
	}

	return m
}

// closeAll stages an End or Error message on every session the counterparty
// still listens on. It is used when a run reaches a terminal status.
func (r *registry) closeAll(cp *Checkpoint, failure error) []Message {
	var out []Message
	for _, id := range cp.sessionIDs() {
		s := cp.Sessions[id]
		if !s.open() {
			continue
		}

		if failure == nil {
			out = append(out, r.stage(cp, s, MessageKindEnd, nil, false, ""))
		} else {
			out = append(out, r.stage(cp, s, MessageKindError, nil, false, failure.Error()))
		}
		s.Ended = true
	}

	return out
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}

	return b
}

func encodeSession(e *wire.Encoder, s *SessionState) {
	e.String(1, string(s.ID))
	e.String(2, string(s.Counterparty))
	e.String(3, s.FlowClass)
	e.Bool(4, s.Initiating)
	e.Bool(5, s.Initiated)
	e.String(6, s.PeerRunID)
	e.Int(7, s.SendSeq)
	e.Int(8, s.RecvSeq)
	for _, p := range s.PendingInbound {
		e.BytesField(9, nonNil(p))
	}

	seqs := make([]int64, 0, len(s.OutOfOrder))
	for seq := range s.OutOfOrder {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, seq := range seqs {
		in := s.OutOfOrder[seq]
		e.Message(10, func(e *wire.Encoder) {
			e.Int(1, seq)
			e.Uint(2, uint64(in.Kind))
			e.BytesField(3, in.Payload)
			e.String(4, in.Error)
		})
	}

	e.Bool(11, s.Errored)
	e.String(12, s.ErrorMessage)
	e.Bool(13, s.Ended)
	e.Bool(14, s.Overflowed)
}

func decodeSession(b []byte) (*SessionState, error) {
	s := SessionState{
		OutOfOrder: make(map[int64]Inbound),
	}

	err := wire.Decode(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case 1:
			s.ID = SessionID(f.String())
		case 2:
			s.Counterparty = Party(f.String())
		case 3:
			s.FlowClass = f.String()
		case 4:
			s.Initiating = f.Bool()
		case 5:
			s.Initiated = f.Bool()
		case 6:
			s.PeerRunID = f.String()
		case 7:
			s.SendSeq = f.Int()
		case 8:
			s.RecvSeq = f.Int()
		case 9:
			s.PendingInbound = append(s.PendingInbound, f.Bytes())
		case 10:
			seq, in, err := decodeInbound(f.Bytes())
			if err != nil {
				return err
			}
			s.OutOfOrder[seq] = in
		case 11:
			s.Errored = f.Bool()
		case 12:
			s.ErrorMessage = f.String()
		case 13:
			s.Ended = f.Bool()
		case 14:
			s.Overflowed = f.Bool()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &s, nil
}

func decodeInbound(b []byte) (int64, Inbound, error) {
	var (
		seq int64
		in  Inbound
	)
	err := wire.Decode(b, func(num protowire.Number, f wire.Field) error {
		switch num {
		case 1:
			seq = f.Int()
		case 2:
			in.Kind = MessageKind(f.Uint())
		case 3:
			in.Payload = f.Bytes()
		case 4:
			in.Error = f.String()
		}
		return nil
	})
	return seq, in, err
}
