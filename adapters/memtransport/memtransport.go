package memtransport

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/luno/flow"
)

var ErrUnknownParty = errors.New("unknown party", j.C("ERR_e3a9b0c5d1f27a64"))

const defaultRedeliveryDelay = 10 * time.Millisecond

// New returns an in-process network that connects engines by party.
// Delivery is asynchronous and retried until the receiving engine accepts
// the message, the same way a broker redelivers unacknowledged messages.
func New(opts ...Option) *Network {
	opt := options{
		redeliveryDelay: defaultRedeliveryDelay,
	}

	for _, o := range opts {
		o(&opt)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Network{
		opts:      opt,
		ctx:       ctx,
		cancel:    cancel,
		receivers: make(map[flow.Party]flow.Receiver),
		rand:      rand.New(rand.NewSource(opt.seed)),
	}
}

type options struct {
	duplicates      int
	maxDelay        time.Duration
	redeliveryDelay time.Duration
	seed            int64
}

type Option func(o *options)

// WithDuplicates delivers every message n additional times.
func WithDuplicates(n int) Option {
	return func(o *options) {
		o.duplicates = n
	}
}

// WithReordering delays every delivery by a random duration below maxDelay so
// that messages overtake each other.
func WithReordering(maxDelay time.Duration, seed int64) Option {
	return func(o *options) {
		o.maxDelay = maxDelay
		o.seed = seed
	}
}

func WithRedeliveryDelay(d time.Duration) Option {
	return func(o *options) {
		o.redeliveryDelay = d
	}
}

var _ flow.Transport = (*Network)(nil)

type Network struct {
	opts   options
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	receivers map[flow.Party]flow.Receiver
	rand      *rand.Rand
	sent      []flow.Message
	delivered int
	rejected  int
}

// Join connects party to the network. Joining again replaces the receiver,
// which is how a restarted node rejoins.
func (n *Network) Join(party flow.Party, r flow.Receiver) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.receivers[party] = r
}

// Leave disconnects party. Deliveries to it are retried until it joins
// again.
func (n *Network) Leave(party flow.Party) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.receivers, party)
}

func (n *Network) Send(ctx context.Context, m flow.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.ctx.Err() != nil {
		return n.ctx.Err()
	}

	if _, ok := n.receivers[m.To]; !ok {
		return errors.Wrap(ErrUnknownParty, "", j.MKV{"party": string(m.To)})
	}

	n.sent = append(n.sent, m)
	for i := 0; i <= n.opts.duplicates; i++ {
		var delay time.Duration
		if n.opts.maxDelay > 0 {
			delay = time.Duration(n.rand.Int63n(int64(n.opts.maxDelay)))
		}

		n.wg.Add(1)
		go n.deliver(m, delay)
	}

	return nil
}

func (n *Network) deliver(m flow.Message, delay time.Duration) {
	defer n.wg.Done()

	if !sleep(n.ctx, delay) {
		return
	}

	for {
		n.mu.Lock()
		r, ok := n.receivers[m.To]
		n.mu.Unlock()

		if ok {
			err := r.Deliver(n.ctx, m)
			if err == nil {
				n.mu.Lock()
				n.delivered++
				n.mu.Unlock()
				return
			}

			n.mu.Lock()
			n.rejected++
			n.mu.Unlock()
		}

		if !sleep(n.ctx, n.opts.redeliveryDelay) {
			return
		}
	}
}

// Sent returns every message accepted by Send, in order.
func (n *Network) Sent() []flow.Message {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]flow.Message(nil), n.sent...)
}

// Delivered returns the number of deliveries that receivers accepted,
// including duplicates.
func (n *Network) Delivered() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.delivered
}

// Close stops all pending deliveries.
func (n *Network) Close() {
	n.cancel()
	n.wg.Wait()
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
