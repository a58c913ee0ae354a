package flow

import (
	"context"
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(maxPending, maxOutOfOrder int) *registry {
	now := time.Unix(1700000000, 0).UTC()
	return &registry{
		self:          "bank-a",
		responders:    make(map[string]Definition),
		maxPending:    maxPending,
		maxOutOfOrder: maxOutOfOrder,
		clock:         func() time.Time { return now },
	}
}

func dataMessage(seq int64, payload string) Message {
	return Message{
		Kind:       MessageKindData,
		From:       "bank-b",
		To:         "bank-a",
		SessionID:  "session",
		Seq:        seq,
		FromRunID:  "peer-run",
		Payload:    []byte(payload),
		HasPayload: true,
	}
}

func respondingSession() *SessionState {
	return &SessionState{
		ID:           "session",
		Counterparty: "bank-b",
		Initiated:    true,
		RecvSeq:      1,
		OutOfOrder:   make(map[int64]Inbound),
	}
}

func TestOpenInitiatingIsDeterministic(t *testing.T) {
	reg := newTestRegistry(8, 8)

	a := newCheckpoint("run-1", "transfer", Frame{FlowClass: "transfer"})
	b := newCheckpoint("run-1", "transfer", Frame{FlowClass: "transfer"})

	first := reg.openInitiating(a, "bank-b", "transfer")
	require.Equal(t, first, reg.openInitiating(b, "bank-b", "transfer"))

	second := reg.openInitiating(a, "bank-c", "transfer")
	require.NotEqual(t, first, second)
	require.Len(t, a.Sessions, 2)

	other := newCheckpoint("run-2", "transfer", Frame{FlowClass: "transfer"})
	require.NotEqual(t, first, reg.openInitiating(other, "bank-b", "transfer"))
}

func TestStageAnnouncesSession(t *testing.T) {
	reg := newTestRegistry(8, 8)
	cp := newCheckpoint("run-1", "transfer", Frame{FlowClass: "transfer"})
	id := reg.openInitiating(cp, "bank-b", "transfer")
	s := cp.Sessions[id]

	first := reg.stage(cp, s, MessageKindData, []byte(`"hello"`), true, "")
	require.Equal(t, MessageKindInitiate, first.Kind)
	require.Equal(t, "transfer", first.FlowClass)
	require.Equal(t, int64(0), first.Seq)
	require.Equal(t, responderRunID(id), first.ToRunID)
	require.Equal(t, "run-1", first.FromRunID)
	require.Equal(t, messageID(id, "bank-a", 0), first.ID)
	require.True(t, s.Initiated)

	second := reg.stage(cp, s, MessageKindData, nil, true, "")
	require.Equal(t, MessageKindData, second.Kind)
	require.Empty(t, second.FlowClass)
	require.Equal(t, int64(1), second.Seq)
	require.NotNil(t, second.Payload)
	require.NotEqual(t, first.ID, second.ID)
}

func TestDeliverInOrder(t *testing.T) {
	reg := newTestRegistry(8, 8)
	s := respondingSession()

	require.Equal(t, DeliveryAccepted, reg.deliver(s, dataMessage(1, `"a"`)))
	require.Equal(t, DeliveryAccepted, reg.deliver(s, dataMessage(2, `"b"`)))
	require.Equal(t, int64(3), s.RecvSeq)

	p, ok := reg.take(s)
	require.True(t, ok)
	require.Equal(t, `"a"`, string(p))

	p, ok = reg.take(s)
	require.True(t, ok)
	require.Equal(t, `"b"`, string(p))

	_, ok = reg.take(s)
	require.False(t, ok)
}

func TestDeliverDuplicates(t *testing.T) {
	reg := newTestRegistry(8, 8)
	s := respondingSession()

	require.Equal(t, DeliveryAccepted, reg.deliver(s, dataMessage(1, `"a"`)))
	require.Equal(t, DeliveryDuplicate, reg.deliver(s, dataMessage(1, `"a"`)))
	require.Equal(t, DeliveryDuplicate, reg.deliver(s, dataMessage(0, `"initiate"`)))

	require.Equal(t, DeliveryBuffered, reg.deliver(s, dataMessage(3, `"c"`)))
	require.Equal(t, DeliveryDuplicate, reg.deliver(s, dataMessage(3, `"c"`)))

	require.Len(t, s.PendingInbound, 1)
	require.Len(t, s.OutOfOrder, 1)
}

func TestDeliverOutOfOrder(t *testing.T) {
	reg := newTestRegistry(8, 8)
	s := respondingSession()

	require.Equal(t, DeliveryBuffered, reg.deliver(s, dataMessage(3, `"c"`)))
	require.Equal(t, DeliveryBuffered, reg.deliver(s, dataMessage(2, `"b"`)))
	require.Empty(t, s.PendingInbound)

	require.Equal(t, DeliveryAccepted, reg.deliver(s, dataMessage(1, `"a"`)))
	require.Empty(t, s.OutOfOrder)
	require.Equal(t, int64(4), s.RecvSeq)

	var got []string
	for {
		p, ok := reg.take(s)
		if !ok {
			break
		}
		got = append(got, string(p))
	}
	require.Equal(t, []string{`"a"`, `"b"`, `"c"`}, got)
}

func TestDeliverEndAfterData(t *testing.T) {
	reg := newTestRegistry(8, 8)
	s := respondingSession()

	end := Message{Kind: MessageKindEnd, From: "bank-b", SessionID: "session", Seq: 2}
	require.Equal(t, DeliveryBuffered, reg.deliver(s, end))
	require.Equal(t, DeliveryAccepted, reg.deliver(s, dataMessage(1, `"last"`)))

	jtest.Require(t, ErrSessionEnded, s.err())
	require.False(t, s.open())

	// The payload sent before the end is still received.
	p, ok := reg.take(s)
	require.True(t, ok)
	require.Equal(t, `"last"`, string(p))
}

func TestDeliverError(t *testing.T) {
	reg := newTestRegistry(8, 8)
	s := respondingSession()

	msg := Message{Kind: MessageKindError, From: "bank-b", SessionID: "session", Seq: 1, Error: "insufficient funds"}
	require.Equal(t, DeliveryAccepted, reg.deliver(s, msg))

	err := s.err()
	jtest.Require(t, ErrCounterpartyFailed, err)

	var se *SessionError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "insufficient funds", se.Message)
	require.Equal(t, Party("bank-b"), se.Counterparty)

	// Nothing is accepted after the session failed.
	require.Equal(t, DeliveryDuplicate, reg.deliver(s, dataMessage(2, `"late"`)))
}

func TestDeliverOverflow(t *testing.T) {
	t.Run("out of order", func(t *testing.T) {
		reg := newTestRegistry(8, 2)
		s := respondingSession()

		require.Equal(t, DeliveryBuffered, reg.deliver(s, dataMessage(2, `"b"`)))
		require.Equal(t, DeliveryBuffered, reg.deliver(s, dataMessage(3, `"c"`)))
		require.Equal(t, DeliveryOverflow, reg.deliver(s, dataMessage(4, `"d"`)))

		jtest.Require(t, ErrSessionOverflow, s.err())
		require.Empty(t, s.OutOfOrder)
	})

	t.Run("pending", func(t *testing.T) {
		reg := newTestRegistry(2, 8)
		s := respondingSession()

		require.Equal(t, DeliveryAccepted, reg.deliver(s, dataMessage(1, `"a"`)))
		require.Equal(t, DeliveryAccepted, reg.deliver(s, dataMessage(2, `"b"`)))
		require.Equal(t, DeliveryOverflow, reg.deliver(s, dataMessage(3, `"c"`)))

		jtest.Require(t, ErrSessionOverflow, s.err())
		require.Empty(t, s.PendingInbound)
	})
}

func TestAcceptInitiated(t *testing.T) {
	reg := newTestRegistry(8, 8)
	def := NewFlow[struct{}]("approve").
		AddStep("done", func(ctx context.Context, r *Run[struct{}]) (Suspension, error) {
			return r.Complete(nil)
		}).
		Build()
	reg.responders["transfer"] = def

	initiate := Message{
		Kind:       MessageKindInitiate,
		From:       "bank-b",
		SessionID:  "session",
		FromRunID:  "peer-run",
		FlowClass:  "transfer",
		Payload:    []byte(`"hello"`),
		HasPayload: true,
	}

	runID, got, err := reg.acceptInitiated(initiate)
	jtest.RequireNil(t, err)
	require.Equal(t, responderRunID("session"), runID)
	require.Equal(t, "approve", got.Class())

	cp := newCheckpoint(runID, "approve", Frame{FlowClass: "approve"})
	s := reg.accept(cp, initiate)
	require.Equal(t, int64(1), s.RecvSeq)
	require.Equal(t, "peer-run", s.PeerRunID)
	require.Len(t, s.PendingInbound, 1)

	initiate.FlowClass = "unknown"
	_, _, err = reg.acceptInitiated(initiate)
	jtest.Require(t, ErrNoRegisteredResponder, err)
}

func TestCloseAll(t *testing.T) {
	reg := newTestRegistry(8, 8)
	cp := newCheckpoint("run-1", "transfer", Frame{FlowClass: "transfer"})

	open := reg.openInitiating(cp, "bank-b", "transfer")
	reg.stage(cp, cp.Sessions[open], MessageKindData, []byte(`1`), true, "")

	// Never announced so the counterparty does not know about it.
	reg.openInitiating(cp, "bank-c", "transfer")

	ended := reg.openInitiating(cp, "bank-d", "transfer")
	cp.Sessions[ended].Initiated = true
	cp.Sessions[ended].Ended = true

	out := reg.closeAll(cp, nil)
	require.Len(t, out, 1)
	require.Equal(t, MessageKindEnd, out[0].Kind)
	require.Equal(t, Party("bank-b"), out[0].To)
	require.Equal(t, int64(1), out[0].Seq)

	cp = newCheckpoint("run-2", "transfer", Frame{FlowClass: "transfer"})
	open = reg.openInitiating(cp, "bank-b", "transfer")
	reg.stage(cp, cp.Sessions[open], MessageKindData, []byte(`1`), true, "")

	out = reg.closeAll(cp, ErrKilled)
	require.Len(t, out, 1)
	require.Equal(t, MessageKindError, out[0].Kind)
	require.Equal(t, ErrKilled.Error(), out[0].Error)
}
