package redis

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/redis/go-redis/v9"

	"github.com/luno/flow"
)

const (
	timerKey   = "flow:timers"
	timerAtKey = "flow:timers:at"
)

// TimerStore keeps due times as millisecond scores for ordering and the exact
// nanosecond instant alongside so that Delete can match it.
type TimerStore struct {
	client redis.UniversalClient
}

func NewTimerStore(client redis.UniversalClient) *TimerStore {
	return &TimerStore{client: client}
}

var _ flow.TimerStore = (*TimerStore)(nil)

var (
	setTimerScript = redis.NewScript(`
		redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
		redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
		return 'OK'
	`)

	deleteTimerScript = redis.NewScript(`
		if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
			return 0
		end
		redis.call('ZREM', KEYS[1], ARGV[1])
		return redis.call('HDEL', KEYS[2], ARGV[1])
	`)

	cancelTimerScript = redis.NewScript(`
		redis.call('ZREM', KEYS[1], ARGV[1])
		return redis.call('HDEL', KEYS[2], ARGV[1])
	`)
)

func (s *TimerStore) Set(ctx context.Context, runID string, at time.Time) error {
	err := setTimerScript.Run(ctx, s.client, []string{timerKey, timerAtKey},
		runID, at.UnixMilli(), strconv.FormatInt(at.UnixNano(), 10)).Err()
	if err != nil {
		return errors.Wrap(err, "set timer", j.MKV{"run_id": runID})
	}

	return nil
}

func (s *TimerStore) Delete(ctx context.Context, runID string, at time.Time) error {
	err := deleteTimerScript.Run(ctx, s.client, []string{timerKey, timerAtKey},
		runID, strconv.FormatInt(at.UnixNano(), 10)).Err()
	if err != nil {
		return errors.Wrap(err, "delete timer", j.MKV{"run_id": runID})
	}

	return nil
}

func (s *TimerStore) Cancel(ctx context.Context, runID string) error {
	err := cancelTimerScript.Run(ctx, s.client, []string{timerKey, timerAtKey}, runID).Err()
	if err != nil {
		return errors.Wrap(err, "cancel timer", j.MKV{"run_id": runID})
	}

	return nil
}

func (s *TimerStore) ListDue(ctx context.Context, now time.Time, limit int) ([]flow.TimerEntry, error) {
	runIDs, err := s.client.ZRangeByScore(ctx, timerKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "range timers")
	}

	if len(runIDs) == 0 {
		return nil, nil
	}

	values, err := s.client.HMGet(ctx, timerAtKey, runIDs...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "get timers")
	}

	var due []flow.TimerEntry
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}

		nanos, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "parse timer", j.MKV{"run_id": runIDs[i]})
		}

		at := time.Unix(0, nanos).UTC()
		if at.After(now) {
			continue
		}

		due = append(due, flow.TimerEntry{RunID: runIDs[i], At: at})
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].At.Equal(due[j].At) {
			return due[i].RunID < due[j].RunID
		}

		return due[i].At.Before(due[j].At)
	})

	return due, nil
}
