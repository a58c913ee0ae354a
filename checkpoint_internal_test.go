package flow

import (
	"testing"
	"time"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/luno/flow/internal/wire"
)

func testCheckpoint() *Checkpoint {
	at := time.Unix(1700000000, 123456789).UTC()
	return &Checkpoint{
		SchemaVersion: checkpointSchemaVersion,
		RunID:         "run-1",
		FlowClass:     "transfer",
		Stack: []Frame{
			{FlowClass: "transfer", Step: "await", State: []byte(`{"amount":10}`), Args: []byte(`{"amount":10}`)},
			{FlowClass: "settle", Step: "confirm", State: []byte(`{}`), Args: []byte{}},
		},
		Sessions: map[SessionID]*SessionState{
			"session-a": {
				ID:             "session-a",
				Counterparty:   "bank-b",
				FlowClass:      "transfer",
				Initiating:     true,
				Initiated:      true,
				PeerRunID:      "peer-run",
				SendSeq:        3,
				RecvSeq:        2,
				PendingInbound: [][]byte{[]byte(`"first"`), {}},
				OutOfOrder: map[int64]Inbound{
					4: {Kind: MessageKindData, Payload: []byte(`"later"`)},
					5: {Kind: MessageKindError, Payload: []byte{}, Error: "boom"},
				},
			},
			"session-b": {
				ID:           "session-b",
				Counterparty: "bank-c",
				RecvSeq:      1,
				OutOfOrder:   map[int64]Inbound{},
				Errored:      true,
				Overflowed:   true,
				ErrorMessage: "inbound buffer overflow",
				Ended:        true,
			},
		},
		Suspension:   SuspensionSendAndReceive,
		Pending:      Pending{Session: "session-a", Deadline: at, Within: time.Minute, WakeAt: at.Add(time.Second)},
		RetryCount:   2,
		LastError:    "timeout",
		NotBefore:    at.Add(time.Minute),
		Observations: 1,
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	cp := testCheckpoint()

	b := EncodeCheckpoint(cp)
	decoded, err := DecodeCheckpoint(b)
	jtest.RequireNil(t, err)
	require.Equal(t, cp, decoded)

	// Sessions are written in ID order so the encoding is stable.
	require.Equal(t, b, EncodeCheckpoint(decoded))
}

func TestCheckpointCloneIsIndependent(t *testing.T) {
	cp := testCheckpoint()
	clone := cp.clone()
	require.Equal(t, EncodeCheckpoint(cp), EncodeCheckpoint(clone))

	clone.Stack[0].Step = "changed"
	clone.Stack[0].State[0] = 'x'
	clone.Sessions["session-a"].PendingInbound[0][0] = 'x'
	clone.Sessions["session-a"].OutOfOrder[6] = Inbound{Kind: MessageKindEnd}

	require.Equal(t, testCheckpoint(), cp)
}

func TestDecodeCheckpointCorrupt(t *testing.T) {
	unsupported := func() []byte {
		var e wire.Encoder
		e.Uint(1, checkpointSchemaVersion+1)
		e.String(2, "run-1")
		e.Message(4, func(e *wire.Encoder) {
			e.String(1, "transfer")
		})
		return e.Bytes()
	}

	emptyStack := func() []byte {
		var e wire.Encoder
		e.Uint(1, checkpointSchemaVersion)
		e.String(2, "run-1")
		return e.Bytes()
	}

	truncated := EncodeCheckpoint(testCheckpoint())
	truncated = truncated[:len(truncated)-3]

	testCases := []struct {
		name string
		data []byte
	}{
		{name: "garbage", data: []byte{0xff, 0xff, 0xff}},
		{name: "truncated", data: truncated},
		{name: "unsupported schema version", data: unsupported()},
		{name: "empty stack", data: emptyStack()},
		{name: "empty", data: nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeCheckpoint(tc.data)
			jtest.Require(t, ErrCheckpointCorrupt, err)
		})
	}
}

func TestNextWake(t *testing.T) {
	at := time.Unix(1700000000, 0).UTC()

	testCases := []struct {
		name     string
		cp       Checkpoint
		expected time.Time
	}{
		{name: "send", cp: Checkpoint{Suspension: SuspensionSend}},
		{name: "receive without deadline", cp: Checkpoint{Suspension: SuspensionReceive}},
		{
			name:     "receive with deadline",
			cp:       Checkpoint{Suspension: SuspensionReceive, Pending: Pending{Deadline: at}},
			expected: at,
		},
		{
			name:     "sleep",
			cp:       Checkpoint{Suspension: SuspensionSleepUntil, Pending: Pending{WakeAt: at}},
			expected: at,
		},
		{
			name: "backoff wins",
			cp: Checkpoint{
				Suspension: SuspensionSleepUntil,
				Pending:    Pending{WakeAt: at},
				NotBefore:  at.Add(time.Hour),
			},
			expected: at.Add(time.Hour),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, tc.cp.nextWake())
		})
	}
}
