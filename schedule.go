package flow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/robfig/cron/v3"
	"k8s.io/utils/clock"
)

// ArgsFunc returns the args of a scheduled run due at at.
type ArgsFunc func(ctx context.Context, at time.Time) (any, error)

var scheduleNamespace = uuid.MustParse("0d8e3b51-7a2c-4c55-9b8e-52f1d1c6e2a4")

var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Schedule starts a background process that starts a run of flowClass at
// every activation of spec. Every activation gets a run ID derived from the
// activation time so that it is started at most once, no matter how many
// nodes hold the schedule over time.
func (e *Engine) Schedule(flowClass string, spec string, args ArgsFunc) error {
	if !e.calledRun {
		return errors.Wrap(ErrEngineNotRunning, "schedule", j.MKV{"flow_class": flowClass})
	}

	if _, ok := e.flows[flowClass]; !ok {
		return errors.Wrap(ErrUnknownFlow, "", j.MKV{"flow_class": flowClass})
	}

	schedule, err := scheduleParser.Parse(spec)
	if err != nil {
		return errors.Wrap(err, "parse schedule", j.MKV{"spec": spec})
	}

	role := makeRole(string(e.party), flowClass, "scheduler", spec)
	processName := makeRole(flowClass, "scheduler", spec)

	var lastRun time.Time

	track(e, func() {
		e.run(role, processName, func(ctx context.Context) error {
			if lastRun.IsZero() {
				lastRun = e.clock.Now()
			}

			next := schedule.Next(lastRun)
			err := waitUntil(ctx, e.clock, next)
			if err != nil {
				return err
			}

			var a any
			if args != nil {
				a, err = args(ctx, next)
				if err != nil {
					return err
				}
			}

			_, err = e.Start(ctx, flowClass, a,
				WithRunID(scheduledRunID(flowClass, spec, next)),
				WithInvocation(Invocation{Origin: OriginScheduled, Reference: spec}),
			)
			// Another node may already have started this activation.
			if err != nil && !errors.Is(err, ErrRunExists) {
				return err
			}

			lastRun = next
			return nil
		}, e.opts.errBackOff)
	})

	e.launching.Wait()
	return nil
}

func scheduledRunID(flowClass, spec string, at time.Time) string {
	name := flowClass + "/" + spec + "/" + at.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(scheduleNamespace, []byte(name)).String()
}

func waitUntil(ctx context.Context, clock clock.Clock, until time.Time) error {
	d := until.Sub(clock.Now())
	if d <= 0 {
		return nil
	}

	t := clock.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}
