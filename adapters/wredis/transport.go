package wredis

import (
	"context"
	"strings"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/redis/go-redis/v9"

	"github.com/luno/flow"
)

const (
	streamKeyPrefix     = "flow:inbox:"
	consumerGroupPrefix = "flow:consumer:"
	messageField        = "message"
	defaultBlock        = 250 * time.Millisecond
)

var ErrInvalidStreamEntry = errors.New("invalid stream entry", j.C("ERR_6f1d2c9ab8e04f57"))

// Transport delivers messages through one Redis stream per receiving party.
type Transport struct {
	client        redis.UniversalClient
	block         time.Duration
	retryInterval time.Duration
}

func NewTransport(client redis.UniversalClient) *Transport {
	return &Transport{
		client:        client,
		block:         defaultBlock,
		retryInterval: time.Second,
	}
}

var _ flow.Transport = (*Transport)(nil)

func (t *Transport) Send(ctx context.Context, m flow.Message) error {
	_, err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKeyPrefix + string(m.To),
		Values: map[string]any{
			messageField: flow.MarshalMessage(m),
		},
	}).Result()
	if err != nil {
		return errors.Wrap(err, "xadd", j.MKV{"id": m.ID, "to": string(m.To)})
	}

	return nil
}

// Listen reads the stream of party and acknowledges each entry once r has
// accepted it. Entries left pending by a previous listener are read first.
func (t *Transport) Listen(ctx context.Context, party flow.Party, r flow.Receiver) error {
	streamKey := streamKeyPrefix + string(party)
	group := consumerGroupPrefix + string(party)

	err := t.client.XGroupCreateMkStream(ctx, streamKey, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return errors.Wrap(err, "create consumer group", j.MKV{"party": string(party)})
	}

	for ctx.Err() == nil {
		// "0" rereads entries delivered to this consumer but never acked.
		msg, ok, err := t.read(ctx, streamKey, group, string(party), "0", -1)
		if err != nil {
			return err
		}

		if !ok {
			msg, ok, err = t.read(ctx, streamKey, group, string(party), ">", t.block)
			if err != nil {
				return err
			}
		}

		if !ok {
			continue
		}

		err = t.deliver(ctx, r, msg)
		if err != nil {
			return err
		}

		err = t.client.XAck(ctx, streamKey, group, msg.ID).Err()
		if err != nil {
			return errors.Wrap(err, "xack", j.MKV{"entry": msg.ID})
		}
	}

	return ctx.Err()
}

func (t *Transport) read(ctx context.Context, streamKey, group, consumer, from string, block time.Duration) (redis.XMessage, bool, error) {
	res, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{streamKey, from},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return redis.XMessage{}, false, nil
	} else if ctx.Err() != nil {
		return redis.XMessage{}, false, ctx.Err()
	} else if err != nil {
		return redis.XMessage{}, false, errors.Wrap(err, "xreadgroup")
	}

	if len(res) == 0 || len(res[0].Messages) == 0 {
		return redis.XMessage{}, false, nil
	}

	return res[0].Messages[0], true, nil
}

// deliver retries until the receiver accepts the entry. Entries that cannot
// be decoded are acknowledged without delivery.
func (t *Transport) deliver(ctx context.Context, r flow.Receiver, entry redis.XMessage) error {
	m, err := parseMessage(entry)
	if err != nil {
		return nil
	}

	for {
		err := r.Deliver(ctx, m)
		if err == nil {
			return nil
		}

		timer := time.NewTimer(t.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func parseMessage(entry redis.XMessage) (flow.Message, error) {
	raw, ok := entry.Values[messageField].(string)
	if !ok {
		return flow.Message{}, errors.Wrap(ErrInvalidStreamEntry, "", j.MKV{"entry": entry.ID})
	}

	m, err := flow.UnmarshalMessage([]byte(raw))
	if err != nil {
		return flow.Message{}, errors.Wrap(err, "", j.MKV{"entry": entry.ID})
	}

	return m, nil
}

func isBusyGroup(err error) bool {
	return strings.HasPrefix(err.Error(), "BUSYGROUP")
}
