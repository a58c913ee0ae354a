package flow

import (
	"context"
)

const recoveryPageSize = 500

// recoverer re-evaluates every unfinished run once each time the node gains
// the recovery role. Runs that wait on a timer or message are parked again
// and their timers re-armed.
func recoverer(e *Engine) {
	role := makeRole(string(e.party), "recovery")
	processName := "recovery"

	e.run(role, processName, func(ctx context.Context) error {
		err := recoverRuns(ctx, e.recordStore, e.scheduler.submit, recoveryPageSize)
		if err != nil {
			return err
		}

		<-ctx.Done()
		return ctx.Err()
	}, e.opts.errBackOff)
}

// recoverRuns lists the unfinished runs before queueing any of them so that
// runs changing status during the listing are not skipped.
func recoverRuns(ctx context.Context, store RecordStore, submit submitFn, pageSize int) error {
	var (
		runIDs []string
		offset int64
	)
	for {
		page, err := store.List(ctx, offset, pageSize, StatusRunnable, StatusSuspended, StatusPaused)
		if err != nil {
			return err
		}

		for _, r := range page {
			runIDs = append(runIDs, r.RunID)
		}

		if len(page) < pageSize {
			break
		}

		offset += int64(len(page))
	}

	for _, runID := range runIDs {
		err := submit(ctx, redrive{runID: runID}, nil)
		if err != nil {
			return err
		}
	}

	return nil
}
