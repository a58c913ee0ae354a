package kafkatransport

import (
	"context"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/luno/flow"
)

const defaultTopicPrefix = "flow."

// New returns a transport that publishes every message to the topic of its
// recipient party. Each node consumes its own topic with Listen.
func New(brokers []string, opts ...Option) *Transport {
	t := &Transport{
		sharedConfig:  newConfig(),
		brokers:       brokers,
		topicPrefix:   defaultTopicPrefix,
		retryInterval: time.Second,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func newConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Consumer.Offsets.Initial = sarama.OffsetOldest

	return config
}

type Option func(t *Transport)

// WithConfig replaces the default sarama config.
func WithConfig(c *sarama.Config) Option {
	if c == nil {
		panic("sarama config cannot be nil")
	}

	return func(t *Transport) {
		t.sharedConfig = c
	}
}

// WithTopicPrefix sets the prefix that is joined with a party to name its
// topic and consumer group.
func WithTopicPrefix(prefix string) Option {
	return func(t *Transport) {
		t.topicPrefix = prefix
	}
}

// WithRetryInterval sets the wait between failed deliveries of an inbound
// message.
func WithRetryInterval(d time.Duration) Option {
	return func(t *Transport) {
		t.retryInterval = d
	}
}

// WithLogger reports consumer errors that do not stop Listen.
func WithLogger(l flow.Logger) Option {
	return func(t *Transport) {
		t.logger = l
	}
}

var _ flow.Transport = (*Transport)(nil)

type Transport struct {
	sharedConfig  *sarama.Config
	brokers       []string
	topicPrefix   string
	retryInterval time.Duration
	logger        flow.Logger

	mu       sync.Mutex
	producer sarama.SyncProducer
}

func (t *Transport) topic(party flow.Party) string {
	return t.topicPrefix + string(party)
}

// Send publishes m keyed by its session so that messages of a session stay
// on one partition.
func (t *Transport) Send(ctx context.Context, m flow.Message) error {
	producer, err := t.getProducer()
	if err != nil {
		return err
	}

	for ctx.Err() == nil {
		_, _, err := producer.SendMessage(toProducerMessage(t.topic(m.To), m))
		if errors.Is(err, sarama.ErrLeaderNotAvailable) {
			err := wait(ctx, 100*time.Millisecond)
			if err != nil {
				return err
			}

			continue
		} else if err != nil {
			return errors.Wrap(err, "send message", j.MKV{"id": m.ID, "to": string(m.To)})
		}

		return nil
	}

	return ctx.Err()
}

func (t *Transport) getProducer() (sarama.SyncProducer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.producer != nil {
		return t.producer, nil
	}

	producer, err := sarama.NewSyncProducer(t.brokers, t.sharedConfig)
	if err != nil {
		return nil, errors.Wrap(err, "new producer")
	}

	t.producer = producer
	return producer, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.producer == nil {
		return nil
	}

	err := t.producer.Close()
	t.producer = nil
	return err
}

// Listen consumes the topic of party and hands every message to r. An offset
// is only marked once r has accepted the message, so a crash redelivers it.
// Listen blocks until ctx is cancelled.
func (t *Transport) Listen(ctx context.Context, party flow.Party, r flow.Receiver) error {
	cg, err := sarama.NewConsumerGroup(t.brokers, t.topic(party), t.sharedConfig)
	if err != nil {
		return errors.Wrap(err, "new consumer group", j.MKV{"party": string(party)})
	}
	defer cg.Close()

	h := &handler{
		receiver:      r,
		retryInterval: t.retryInterval,
		logger:        t.logger,
	}

	for ctx.Err() == nil {
		err := cg.Consume(ctx, []string{t.topic(party)}, h)
		if errors.Is(err, context.Canceled) || errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return ctx.Err()
		} else if err != nil {
			t.logError(ctx, errors.Wrap(err, "kafka consumer exited unexpectedly"))

			err := wait(ctx, time.Second)
			if err != nil {
				return err
			}

			continue
		}

		err = wait(ctx, 250*time.Millisecond)
		if err != nil {
			return err
		}
	}

	return ctx.Err()
}

func (t *Transport) logError(ctx context.Context, err error) {
	if t.logger == nil {
		return
	}

	t.logger.Error(ctx, err)
}

func toProducerMessage(topic string, m flow.Message) *sarama.ProducerMessage {
	return &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(m.SessionID),
		Value: sarama.ByteEncoder(flow.MarshalMessage(m)),
	}
}

// handler implements sarama.ConsumerGroupHandler.
type handler struct {
	receiver      flow.Receiver
	retryInterval time.Duration
	logger        flow.Logger
}

func (h *handler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *handler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *handler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cm, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			err := h.deliver(ctx, cm)
			if errors.Is(err, context.Canceled) {
				return nil
			} else if err != nil {
				return err
			}

			session.MarkMessage(cm, "")
		}
	}
}

// deliver retries until the receiver accepts the message. Messages that
// cannot be decoded are logged and skipped since no redelivery can fix them.
func (h *handler) deliver(ctx context.Context, cm *sarama.ConsumerMessage) error {
	m, err := flow.UnmarshalMessage(cm.Value)
	if err != nil {
		h.logError(ctx, errors.Wrap(err, "skipping malformed message", j.MKV{
			"topic":     cm.Topic,
			"partition": cm.Partition,
			"offset":    cm.Offset,
		}))
		return nil
	}

	for {
		err := h.receiver.Deliver(ctx, m)
		if err == nil {
			return nil
		}

		h.logError(ctx, errors.Wrap(err, "deliver message", j.MKV{"id": m.ID}))

		err = wait(ctx, h.retryInterval)
		if err != nil {
			return err
		}
	}
}

func (h *handler) logError(ctx context.Context, err error) {
	if h.logger == nil {
		return
	}

	h.logger.Error(ctx, err)
}

// wait blocks until d elapses or ctx is cancelled.
func wait(ctx context.Context, d time.Duration) error {
	if d == 0 {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
