package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/redis/go-redis/v9"

	"github.com/luno/flow"
)

const (
	defaultListLimit = 25
	listPageSize     = 100

	recordKeyPrefix  = "flow:record:"
	sessionKeyPrefix = "flow:session:"
	listKey          = "flow:list"
	listSeqKey       = "flow:list:seq"
	outboxKey        = "flow:outbox"
	outboxDataKey    = "flow:outbox:data"
	outboxSeqKey     = "flow:outbox:seq"
)

type Store struct {
	client redis.UniversalClient
}

func New(client redis.UniversalClient) *Store {
	return &Store{
		client: client,
	}
}

var _ flow.RecordStore = (*Store)(nil)

var (
	// storeScript writes the record, its session index and its outbox entries
	// in one step. Keys after the sixth are session keys and arguments after
	// the third are outbox id and data pairs.
	storeScript = redis.NewScript(`
		local record_key = KEYS[1]
		local list_key = KEYS[2]
		local list_seq_key = KEYS[3]
		local outbox_key = KEYS[4]
		local outbox_data_key = KEYS[5]
		local outbox_seq_key = KEYS[6]

		local record_data = ARGV[1]
		local run_id = ARGV[2]
		local session_count = tonumber(ARGV[3])

		redis.call('SET', record_key, record_data)

		if not redis.call('ZSCORE', list_key, run_id) then
			local seq = redis.call('INCR', list_seq_key)
			redis.call('ZADD', list_key, seq, run_id)
		end

		for i = 1, session_count do
			redis.call('SETNX', KEYS[6 + i], run_id)
		end

		for i = 4, #ARGV, 2 do
			local id = ARGV[i]
			if redis.call('HSETNX', outbox_data_key, id, ARGV[i + 1]) == 1 then
				local seq = redis.call('INCR', outbox_seq_key)
				redis.call('ZADD', outbox_key, seq, id)
			end
		end

		return 'OK'
	`)

	deleteOutboxScript = redis.NewScript(`
		redis.call('ZREM', KEYS[1], ARGV[1])
		return redis.call('HDEL', KEYS[2], ARGV[1])
	`)
)

func (s *Store) Store(ctx context.Context, r *flow.Record, outbound []flow.Message) error {
	recordData, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "marshal record")
	}

	keys := []string{recordKeyPrefix + r.RunID, listKey, listSeqKey, outboxKey, outboxDataKey, outboxSeqKey}
	for _, id := range r.SessionIDs {
		keys = append(keys, sessionKeyPrefix+string(id))
	}

	args := []any{string(recordData), r.RunID, len(r.SessionIDs)}
	for _, entry := range flow.MakeOutboxEntries(r.RunID, outbound, time.Now()) {
		data, err := json.Marshal(entry)
		if err != nil {
			return errors.Wrap(err, "marshal outbox entry")
		}

		args = append(args, entry.ID, string(data))
	}

	err = storeScript.Run(ctx, s.client, keys, args...).Err()
	if err != nil {
		return errors.Wrap(err, "store record", j.MKV{"run_id": r.RunID})
	}

	return nil
}

func (s *Store) Lookup(ctx context.Context, runID string) (*flow.Record, error) {
	data, err := s.client.Get(ctx, recordKeyPrefix+runID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errors.Wrap(flow.ErrRecordNotFound, "", j.MKV{"run_id": runID})
	} else if err != nil {
		return nil, errors.Wrap(err, "get record")
	}

	var r flow.Record
	err = json.Unmarshal(data, &r)
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal record", j.MKV{"run_id": runID})
	}

	return &r, nil
}

func (s *Store) LookupSession(ctx context.Context, sessionID flow.SessionID) (string, error) {
	runID, err := s.client.Get(ctx, sessionKeyPrefix+string(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", errors.Wrap(flow.ErrRecordNotFound, "")
	} else if err != nil {
		return "", errors.Wrap(err, "get session")
	}

	return runID, nil
}

// List walks the creation order index in pages and filters by status in
// memory since records are stored as opaque values.
func (s *Store) List(ctx context.Context, offset int64, limit int, statuses ...flow.Status) ([]flow.Record, error) {
	if limit == 0 {
		limit = defaultListLimit
	}

	want := make(map[flow.Status]bool)
	for _, st := range statuses {
		want[st] = true
	}

	var (
		res     []flow.Record
		skipped int64
	)
	for start := int64(0); ; start += listPageSize {
		runIDs, err := s.client.ZRange(ctx, listKey, start, start+listPageSize-1).Result()
		if err != nil {
			return nil, errors.Wrap(err, "range list")
		}

		if len(runIDs) == 0 {
			return res, nil
		}

		keys := make([]string, 0, len(runIDs))
		for _, runID := range runIDs {
			keys = append(keys, recordKeyPrefix+runID)
		}

		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, errors.Wrap(err, "get records")
		}

		for _, v := range values {
			data, ok := v.(string)
			if !ok {
				continue
			}

			var r flow.Record
			err := json.Unmarshal([]byte(data), &r)
			if err != nil {
				return nil, errors.Wrap(err, "unmarshal record")
			}

			if len(want) > 0 && !want[r.Status] {
				continue
			}

			if skipped < offset {
				skipped++
				continue
			}

			res = append(res, r)
			if len(res) >= limit {
				return res, nil
			}
		}
	}
}

func (s *Store) ListOutbox(ctx context.Context, limit int64) ([]flow.OutboxEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	ids, err := s.client.ZRange(ctx, outboxKey, 0, limit-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "range outbox")
	}

	if len(ids) == 0 {
		return nil, nil
	}

	values, err := s.client.HMGet(ctx, outboxDataKey, ids...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "get outbox entries")
	}

	var entries []flow.OutboxEntry
	for _, v := range values {
		data, ok := v.(string)
		if !ok {
			continue
		}

		var entry flow.OutboxEntry
		err := json.Unmarshal([]byte(data), &entry)
		if err != nil {
			return nil, errors.Wrap(err, "unmarshal outbox entry")
		}

		entries = append(entries, entry)
	}

	return entries, nil
}

func (s *Store) DeleteOutbox(ctx context.Context, id string) error {
	err := deleteOutboxScript.Run(ctx, s.client, []string{outboxKey, outboxDataKey}, id).Err()
	if err != nil {
		return errors.Wrap(err, "delete outbox entry", j.MKV{"id": id})
	}

	return nil
}
