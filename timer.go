package flow

import (
	"context"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// timerPoller turns due timers into Timer events. A timer is deleted once
// its event is queued unless the run has set a different wake time since.
func timerPoller(e *Engine) {
	role := makeRole(string(e.party), "timer", "poller")
	processName := makeRole("timer", "poller")

	e.run(role, processName, func(ctx context.Context) error {
		for {
			err := pollTimers(ctx, e.timerStore, e.scheduler.submit, e.clock.Now(), e.opts.timerBatchSize)
			if err != nil {
				return err
			}

			err = wait(ctx, e.opts.timerPollingFrequency)
			if err != nil {
				return err
			}
		}
	}, e.opts.errBackOff)
}

type submitFn func(ctx context.Context, ev Event, done chan result) error

func pollTimers(ctx context.Context, timers TimerStore, submit submitFn, now time.Time, limit int) error {
	due, err := timers.ListDue(ctx, now, limit)
	if err != nil {
		return err
	}

	for _, t := range due {
		err := submit(ctx, Timer{RunID: t.RunID, FiringTime: t.At}, nil)
		if err != nil {
			return errors.Wrap(err, "submit timer", j.MKV{"run_id": t.RunID})
		}

		err = timers.Delete(ctx, t.RunID, t.At)
		if err != nil {
			return err
		}
	}

	return nil
}
