package memtransport_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/luno/flow"
	"github.com/luno/flow/adapters/memtransport"
)

type receiver struct {
	mu       sync.Mutex
	failures int
	got      []flow.Message
}

func (r *receiver) Deliver(ctx context.Context, m flow.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failures > 0 {
		r.failures--
		return errors.New("not now")
	}

	r.got = append(r.got, m)
	return nil
}

func (r *receiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.got)
}

func TestSendToUnknownParty(t *testing.T) {
	n := memtransport.New()
	t.Cleanup(n.Close)

	err := n.Send(context.Background(), flow.Message{ID: "1", To: "nobody"})
	jtest.Require(t, memtransport.ErrUnknownParty, err)
	require.Empty(t, n.Sent())
}

func TestRedeliveryUntilAccepted(t *testing.T) {
	n := memtransport.New(memtransport.WithRedeliveryDelay(time.Millisecond))
	t.Cleanup(n.Close)

	r := &receiver{failures: 3}
	n.Join("bank-b", r)

	err := n.Send(context.Background(), flow.Message{ID: "1", To: "bank-b"})
	jtest.RequireNil(t, err)

	require.Eventually(t, func() bool {
		return r.count() == 1
	}, time.Second, time.Millisecond)
	require.Len(t, n.Sent(), 1)
}

func TestDuplicates(t *testing.T) {
	n := memtransport.New(memtransport.WithDuplicates(2), memtransport.WithReordering(5*time.Millisecond, 1))
	t.Cleanup(n.Close)

	r := &receiver{}
	n.Join("bank-b", r)

	err := n.Send(context.Background(), flow.Message{ID: "1", To: "bank-b"})
	jtest.RequireNil(t, err)

	require.Eventually(t, func() bool {
		return r.count() == 3
	}, time.Second, time.Millisecond)
	require.Equal(t, 3, n.Delivered())
}

func TestRejoin(t *testing.T) {
	n := memtransport.New(memtransport.WithRedeliveryDelay(time.Millisecond))
	t.Cleanup(n.Close)

	first := &receiver{}
	n.Join("bank-b", first)
	n.Leave("bank-b")

	// Sending requires the party to be known at send time.
	err := n.Send(context.Background(), flow.Message{ID: "1", To: "bank-b"})
	jtest.Require(t, memtransport.ErrUnknownParty, err)

	n.Join("bank-b", first)
	err = n.Send(context.Background(), flow.Message{ID: "2", To: "bank-b"})
	jtest.RequireNil(t, err)
	n.Leave("bank-b")

	second := &receiver{}
	n.Join("bank-b", second)

	require.Eventually(t, func() bool {
		return first.count()+second.count() == 1
	}, time.Second, time.Millisecond)
}
