package flow

import (
	"context"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"k8s.io/utils/clock"

	"github.com/luno/flow/internal/metrics"
)

// outboxPurger hands staged messages to the transport. A message is only
// removed from the outbox once the transport accepted it, so every message
// is sent at least once and receivers drop the duplicates.
func outboxPurger(e *Engine) {
	role := makeRole(string(e.party), "outbox", "purger")
	processName := makeRole("outbox", "purger")

	e.run(role, processName, func(ctx context.Context) error {
		for {
			err := purgeOutbox(ctx, string(e.party), processName, e.recordStore, e.transport, e.clock, e.opts.outboxLagAlert, e.opts.outboxLimit)
			if err != nil {
				return err
			}

			t := time.NewTimer(e.opts.outboxPollingFrequency)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-e.outboxNudge:
				t.Stop()
			case <-t.C:
			}
		}
	}, e.opts.outboxErrBackOff)
}

func purgeOutbox(
	ctx context.Context,
	node string,
	processName string,
	recordStore RecordStore,
	transport Transport,
	clock clock.Clock,
	lagAlert time.Duration,
	lookupLimit int64,
) error {
	entries, err := recordStore.ListOutbox(ctx, lookupLimit)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		m, err := UnmarshalMessage(entry.Data)
		if err != nil {
			return errors.Wrap(err, "unmarshal outbox entry", j.MKV{"id": entry.ID})
		}

		pushLagMetricAndAlerting(node, entry.CreatedAt, lagAlert, clock)

		t0 := clock.Now()
		err = transport.Send(ctx, m)
		if err != nil {
			return errors.Wrap(err, "send outbox message", j.MKV{
				"id": entry.ID,
				"to": string(m.To),
			})
		}

		err = recordStore.DeleteOutbox(ctx, entry.ID)
		if err != nil {
			return err
		}

		metrics.ProcessLatency.WithLabelValues(node, processName).Observe(clock.Since(t0).Seconds())
	}

	if len(entries) == 0 {
		pushLagMetricAndAlerting(node, clock.Now(), lagAlert, clock)
	}

	return nil
}
