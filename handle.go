package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/luno/flow/internal/metrics"
)

// handle processes one event. It is only ever called by the scheduler, which
// guarantees that no two events of the same run are handled concurrently.
func (e *Engine) handle(ctx context.Context, ev Event) result {
	var res result
	switch ev := ev.(type) {
	case StartFlow:
		res.err = e.handleStart(ctx, ev)
	case SessionInitiate:
		res.err = e.handleInitiate(ctx, ev)
	case SessionMessage:
		res.err = e.handleMessage(ctx, ev)
	case Timer:
		res.err = e.reevaluate(ctx, ev.RunID)
	case redrive:
		res.err = e.reevaluate(ctx, ev.runID)
	case Kill:
		res = e.handleKill(ctx, ev.RunID)
	case operatorRequest:
		res.err = e.handleOperator(ctx, ev)
	default:
		res.err = errors.New("unsupported event", j.MKV{"type": fmt.Sprintf("%T", ev)})
	}

	if res.err != nil && !errors.Is(res.err, context.Canceled) && !errors.Is(res.err, ErrRecordNotFound) {
		e.logger.Error(ctx, res.err)
	}

	return res
}

// load reads a run and decodes its checkpoint when its status carries one.
// The record is returned alongside ErrCheckpointCorrupt.
func (e *Engine) load(ctx context.Context, runID string) (*Record, *Checkpoint, error) {
	r, err := e.recordStore.Lookup(ctx, runID)
	if err != nil {
		return nil, nil, err
	}

	if !r.Status.HasCheckpoint() {
		return r, nil, nil
	}

	cp, err := DecodeCheckpoint(r.Checkpoint)
	if err != nil {
		return r, nil, err
	}

	return r, cp, nil
}

func (e *Engine) handleStart(ctx context.Context, ev StartFlow) error {
	_, err := e.recordStore.Lookup(ctx, ev.RunID)
	if errors.Is(err, ErrRecordNotFound) {
		now := e.clock.Now()
		err = e.recordStore.Store(ctx, &Record{
			RunID:      ev.RunID,
			FlowClass:  ev.FlowClass,
			Status:     StatusRunnable,
			Invocation: ev.Invocation,
			Args:       ev.Args,
			Version:    1,
			CreatedAt:  now,
			UpdatedAt:  now,
		}, nil)
		if err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	return e.reevaluate(ctx, ev.RunID)
}

// reevaluate resumes a run from its durable state if anything it waits for
// is available. Stale and duplicate triggers are harmless.
func (e *Engine) reevaluate(ctx context.Context, runID string) error {
	r, cp, err := e.load(ctx, runID)
	if errors.Is(err, ErrRecordNotFound) {
		e.logger.Debug(ctx, "re-evaluating unknown run", map[string]string{"run_id": runID})
		return nil
	} else if errors.Is(err, ErrCheckpointCorrupt) {
		return e.hospitalizeCorrupt(ctx, r, err)
	} else if err != nil {
		return err
	}

	switch r.Status {
	case StatusRunnable:
		cp, err := e.continuation.start(r.RunID, r.FlowClass, r.Args)
		if err != nil {
			return e.finish(ctx, r, nil, nil, StatusFailed, nil, err)
		}

		return e.drive(ctx, r, cp, false)

	case StatusSuspended:
		return e.drive(ctx, r, cp, false)

	case StatusPaused:
		if cp.NotBefore.IsZero() || e.clock.Now().Before(cp.NotBefore) {
			return e.armTimer(ctx, r)
		}

		cp.NotBefore = time.Time{}
		err := e.commit(ctx, r, StatusSuspended, cp, nil)
		if err != nil {
			return e.commitFailed(ctx, r, err)
		}

		return e.drive(ctx, r, cp, false)

	default:
		return nil
	}
}

// drive advances a run from base, committing after every suspension, until
// it waits on the outside world, finishes or is handed to the hospital.
// dirty is set when base holds changes that are not yet committed, such as a
// buffered inbound message.
func (e *Engine) drive(ctx context.Context, r *Record, base *Checkpoint, dirty bool) error {
	for {
		cp, stim, ok := e.nextStimulus(base, e.clock.Now())
		if !ok {
			if !base.NotBefore.IsZero() && !e.clock.Now().Before(base.NotBefore) {
				// The back-off is over but the run still waits, e.g. on a
				// restarted receive.
				base = base.clone()
				base.NotBefore = time.Time{}
				dirty = true
			}

			if dirty {
				err := e.commit(ctx, r, StatusSuspended, base, nil)
				if err != nil {
					return e.commitFailed(ctx, r, err)
				}
			}

			return e.armTimer(ctx, r)
		}

		action, out := e.advance(ctx, r, cp, stim)
		switch a := action.(type) {
		case Suspended:
			cp.RetryCount = 0
			cp.LastError = ""
			cp.Observations = 0

			err := e.commit(ctx, r, StatusSuspended, cp, out)
			if err != nil {
				return e.commitFailed(ctx, r, err)
			}

			base = cp
			dirty = false

			if e.scheduler.killPending(r.RunID) {
				return nil
			}

		case Completed:
			return e.finish(ctx, r, cp, out, StatusCompleted, a.Result, nil)

		case Errored:
			return e.triage(ctx, r, base, a.Err)
		}
	}
}

// nextStimulus returns a copy of base prepared to be resumed together with
// the stimulus to resume it with, if the run can make progress at now.
func (e *Engine) nextStimulus(base *Checkpoint, now time.Time) (*Checkpoint, Stimulus, bool) {
	if !base.NotBefore.IsZero() && now.Before(base.NotBefore) {
		return nil, Stimulus{}, false
	}

	cp := base.clone()
	cp.NotBefore = time.Time{}

	if cp.Suspension.continuesInline() {
		return cp, Stimulus{Kind: StimulusContinue, At: now}, true
	}

	switch cp.Suspension {
	case SuspensionNone:
		return cp, Stimulus{Kind: StimulusStart, Session: cp.Pending.Session, At: now}, true

	case SuspensionSleepUntil:
		if now.Before(cp.Pending.WakeAt) {
			return nil, Stimulus{}, false
		}

		return cp, Stimulus{Kind: StimulusWake, At: now}, true

	case SuspensionReceive, SuspensionSendAndReceive:
		id := cp.Pending.Session
		s, ok := cp.Sessions[id]
		if !ok {
			return cp, Stimulus{Kind: StimulusSessionError, Session: id, Err: unknownSession(cp, id), At: now}, true
		}

		payload, ok := e.registry.take(s)
		if ok {
			return cp, Stimulus{Kind: StimulusMessage, Session: id, Payload: payload, At: now}, true
		}

		if err := s.err(); err != nil {
			return cp, Stimulus{Kind: StimulusSessionError, Session: id, Err: err, At: now}, true
		}

		deadline := cp.Pending.Deadline
		if !deadline.IsZero() && !now.Before(deadline) {
			err := errors.Wrap(ErrReceiveTimeout, "", j.MKV{
				"session_id":   string(id),
				"counterparty": string(s.Counterparty),
				"deadline":     deadline.String(),
			})
			return cp, Stimulus{Kind: StimulusTimeout, Session: id, Err: err, At: now}, true
		}

		return nil, Stimulus{}, false

	default:
		return nil, Stimulus{}, false
	}
}

func (e *Engine) advance(ctx context.Context, r *Record, cp *Checkpoint, stim Stimulus) (Action, []Message) {
	ctx, span := e.tracer.Start(ctx, "flow.advance", trace.WithAttributes(
		attribute.String("flow.node", string(e.party)),
		attribute.String("flow.run_id", r.RunID),
		attribute.String("flow.class", r.FlowClass),
		attribute.String("flow.stimulus", stim.Kind.String()),
	))
	defer span.End()

	t0 := time.Now()
	action, out := e.continuation.resume(ctx, cp, r.Invocation, stim)
	metrics.AdvanceLatency.WithLabelValues(string(e.party), r.FlowClass).Observe(time.Since(t0).Seconds())

	switch a := action.(type) {
	case Suspended:
		span.SetAttributes(attribute.String("flow.suspension", a.Kind.String()))
	case Completed:
		span.SetAttributes(attribute.Bool("flow.completed", true))
	case Errored:
		span.RecordError(a.Err)
		span.SetStatus(codes.Error, a.Err.Error())
	}

	return action, out
}

// triage hands a failed advance to the hospital and commits its decision.
// base is the checkpoint the failed advance started from, including any
// inbound message buffered for it.
func (e *Engine) triage(ctx context.Context, r *Record, base *Checkpoint, failure error) error {
	d := e.hospital.Diagnose(r.RunID, failure, base.RetryCount, base.Observations)
	metrics.HospitalDecisions.WithLabelValues(string(e.party), r.FlowClass, d.Class.String(), d.Decision.String()).Inc()

	e.logger.Debug(ctx, "run admitted to hospital", map[string]string{
		"run_id":   r.RunID,
		"class":    d.Class.String(),
		"decision": d.Decision.String(),
		"error":    failure.Error(),
	})

	now := e.clock.Now()
	next := base.clone()
	next.LastError = failure.Error()

	var status Status
	switch d.Decision {
	case DecisionRetry:
		next.RetryCount++
		next.NotBefore = now.Add(d.Backoff)
		status = StatusSuspended

		if restartsWait(base, failure) {
			next.Pending.Deadline = next.NotBefore.Add(base.Pending.Within)
		}
	case DecisionObserve:
		next.Observations++
		next.NotBefore = now.Add(d.Backoff)
		status = StatusPaused
	case DecisionHospitalize:
		next.NotBefore = time.Time{}
		status = StatusHospitalized
		e.logger.Error(ctx, errors.Wrap(failure, "run hospitalized", j.MKV{
			"run_id":     r.RunID,
			"flow_class": r.FlowClass,
			"class":      d.Class.String(),
		}))
	default:
		return e.finish(ctx, r, next, nil, StatusFailed, nil, failure)
	}

	err := e.commit(ctx, r, status, next, nil)
	if err != nil {
		return e.commitFailed(ctx, r, err)
	}

	return nil
}

// restartsWait reports whether failure is a receive timeout of base that a
// retry should wait for again.
func restartsWait(base *Checkpoint, failure error) bool {
	if base.Pending.Within <= 0 || !errors.Is(failure, ErrReceiveTimeout) {
		return false
	}

	return base.Suspension == SuspensionReceive || base.Suspension == SuspensionSendAndReceive
}

// finish commits a terminal status. Counterparties of open sessions are told
// the session ended, or that the run failed.
func (e *Engine) finish(ctx context.Context, r *Record, cp *Checkpoint, out []Message, status Status, res []byte, failure error) error {
	if cp != nil {
		out = append(out, e.registry.closeAll(cp, failure)...)
	}

	err := e.commit(ctx, r, status, cp, out, func(u *Record) {
		u.Result = res
		if failure != nil {
			u.LastError = failure.Error()
		}
	})
	if err != nil {
		return e.commitFailed(ctx, r, err)
	}

	e.hospital.discharge(r.RunID)
	return nil
}

// commit persists the run in status next with checkpoint cp and stages out
// in the outbox, all in one store call. r is updated only when the store
// accepts the commit.
func (e *Engine) commit(ctx context.Context, r *Record, next Status, cp *Checkpoint, out []Message, mutators ...func(u *Record)) error {
	err := validateTransition(r.RunID, r.Status, next)
	if err != nil {
		return err
	}

	u := r.clone()
	u.Status = next
	u.Version++
	u.UpdatedAt = e.clock.Now()
	u.WakeAt = time.Time{}
	u.Checkpoint = nil

	if cp != nil {
		u.RetryCount = cp.RetryCount
		u.LastError = cp.LastError
		u.SessionIDs = cp.sessionIDs()
	}

	switch {
	case next.Finished():
		u.Archived = nil
		if cp != nil && !e.opts.withoutArchive {
			u.Archived = EncodeCheckpoint(cp)
		}
	case next == StatusSuspended:
		u.Checkpoint = EncodeCheckpoint(cp)
		u.WakeAt = cp.nextWake()
	case next == StatusPaused:
		u.Checkpoint = EncodeCheckpoint(cp)
		u.WakeAt = cp.NotBefore
	default:
		u.Checkpoint = EncodeCheckpoint(cp)
	}

	for _, m := range mutators {
		m(u)
	}

	err = e.recordStore.Store(ctx, u, out)
	if err != nil {
		return errors.Wrap(err, "commit", j.MKV{
			"run_id": r.RunID,
			"from":   r.Status.String(),
			"to":     next.String(),
		})
	}

	if r.Status != next {
		metrics.StatusTransitions.WithLabelValues(string(e.party), r.FlowClass, r.Status.String(), next.String()).Inc()
	}

	hadTimer := !r.WakeAt.IsZero()
	*r = *u

	if len(out) > 0 {
		e.nudgeOutbox()
	}

	if next.Finished() || (hadTimer && r.WakeAt.IsZero()) {
		err := e.timerStore.Cancel(ctx, r.RunID)
		if err != nil {
			e.logger.Error(ctx, errors.Wrap(err, "cancel timer", j.MKV{"run_id": r.RunID}))
		}
	}

	return e.armTimer(ctx, r)
}

// armTimer makes sure the run is re-evaluated at its WakeAt. A timer that
// cannot be set is logged: the WakeAt on the record is restored into the
// timer store when the run is recovered.
func (e *Engine) armTimer(ctx context.Context, r *Record) error {
	if r.WakeAt.IsZero() {
		return nil
	}

	err := e.timerStore.Set(ctx, r.RunID, r.WakeAt)
	if err != nil {
		e.logger.Error(ctx, errors.Wrap(err, "set timer", j.MKV{"run_id": r.RunID}))
	}

	return nil
}

// commitFailed arranges for the run to be re-evaluated after the error
// back-off. Nothing of the failed segment escaped, so replaying it is safe.
func (e *Engine) commitFailed(ctx context.Context, r *Record, err error) error {
	metrics.CommitErrors.WithLabelValues(string(e.party), r.FlowClass).Inc()

	if errors.Is(err, ErrInvalidTransition) {
		return err
	}

	setErr := e.timerStore.Set(ctx, r.RunID, e.clock.Now().Add(e.opts.errBackOff))
	if setErr != nil {
		e.logger.Error(ctx, errors.Wrap(setErr, "set redrive timer", j.MKV{"run_id": r.RunID}))
	}

	return err
}

// hospitalizeCorrupt parks a run whose checkpoint cannot be decoded. The
// undecodable bytes are kept for inspection.
func (e *Engine) hospitalizeCorrupt(ctx context.Context, r *Record, failure error) error {
	if r.Status == StatusHospitalized {
		return nil
	}

	e.hospital.record(r.RunID, Diagnosis{
		At:       e.clock.Now(),
		Class:    ClassFatal,
		Error:    failure.Error(),
		Decision: DecisionHospitalize,
	})

	u := r.clone()
	u.Status = StatusHospitalized
	u.LastError = failure.Error()
	u.WakeAt = time.Time{}
	u.Version++
	u.UpdatedAt = e.clock.Now()

	err := e.recordStore.Store(ctx, u, nil)
	if err != nil {
		return errors.Wrap(err, "hospitalize corrupt run", j.MKV{"run_id": r.RunID})
	}

	e.logger.Error(ctx, errors.Wrap(failure, "run hospitalized", j.MKV{"run_id": r.RunID}))
	return nil
}

func (e *Engine) handleInitiate(ctx context.Context, ev SessionInitiate) error {
	m := ev.Message

	_, err := e.recordStore.Lookup(ctx, ev.RunID)
	if err == nil {
		metrics.SessionDeliveries.WithLabelValues(string(e.party), m.Kind.String(), DeliveryDuplicate.String()).Inc()
		return nil
	} else if !errors.Is(err, ErrRecordNotFound) {
		return err
	}

	_, def, err := e.registry.acceptInitiated(m)
	if err != nil {
		return e.reject(ctx, ev.RunID, m, err)
	}

	cp, err := e.continuation.start(ev.RunID, def.Class(), nil)
	if err != nil {
		return e.reject(ctx, ev.RunID, m, err)
	}

	e.registry.accept(cp, m)
	cp.Pending.Session = m.SessionID
	metrics.SessionDeliveries.WithLabelValues(string(e.party), m.Kind.String(), DeliveryAccepted.String()).Inc()

	now := e.clock.Now()
	r := &Record{
		RunID:     ev.RunID,
		FlowClass: def.Class(),
		Status:    StatusRunnable,
		Invocation: Invocation{
			Origin:    OriginPeer,
			Party:     m.From,
			Reference: m.FromRunID,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	return e.drive(ctx, r, cp, true)
}

// reject answers an initiation that cannot be served with an Error message.
// No run exists for the session so the reply is sent directly.
func (e *Engine) reject(ctx context.Context, runID string, m Message, failure error) error {
	e.logger.Error(ctx, errors.Wrap(failure, "reject initiation", j.MKV{
		"session_id": string(m.SessionID),
		"from":       string(m.From),
	}))

	return e.transport.Send(ctx, Message{
		ID:        messageID(m.SessionID, e.party, 0),
		Kind:      MessageKindError,
		From:      e.party,
		To:        m.From,
		SessionID: m.SessionID,
		FromRunID: runID,
		ToRunID:   m.FromRunID,
		Error:     failure.Error(),
		CreatedAt: e.clock.Now(),
	})
}

func (e *Engine) handleMessage(ctx context.Context, ev SessionMessage) error {
	m := ev.Message

	r, cp, err := e.load(ctx, ev.RunID)
	if errors.Is(err, ErrCheckpointCorrupt) {
		return e.hospitalizeCorrupt(ctx, r, err)
	} else if err != nil {
		return err
	}

	if r.Status.Finished() || cp == nil {
		e.logger.Debug(ctx, "dropping message for run without sessions", map[string]string{
			"run_id":     r.RunID,
			"status":     r.Status.String(),
			"message_id": m.ID,
		})
		return nil
	}

	s, ok := cp.Sessions[m.SessionID]
	if !ok {
		e.logger.Debug(ctx, "dropping message for unknown session", map[string]string{
			"run_id":     r.RunID,
			"session_id": string(m.SessionID),
		})
		return nil
	}

	d := e.registry.deliver(s, m)
	metrics.SessionDeliveries.WithLabelValues(string(e.party), m.Kind.String(), d.String()).Inc()
	if d == DeliveryDuplicate {
		return nil
	}

	if r.Status == StatusSuspended {
		return e.drive(ctx, r, cp, true)
	}

	err = e.commit(ctx, r, r.Status, cp, nil)
	if err != nil {
		return e.commitFailed(ctx, r, err)
	}

	return nil
}

func (e *Engine) handleKill(ctx context.Context, runID string) result {
	r, cp, err := e.load(ctx, runID)
	if err != nil && !errors.Is(err, ErrCheckpointCorrupt) {
		return result{err: err}
	}

	if r.Status.Finished() {
		return result{}
	}

	e.hospital.recordKill(runID)
	err = e.finish(ctx, r, cp, nil, StatusKilled, nil, ErrKilled)
	if err != nil {
		return result{err: err}
	}

	return result{changed: true}
}

func (e *Engine) handleOperator(ctx context.Context, req operatorRequest) error {
	r, cp, err := e.load(ctx, req.runID)
	if err != nil {
		return err
	}

	switch req.op {
	case opRetry:
		if r.Status != StatusHospitalized {
			return errors.Wrap(ErrUnableToRetry, "", j.MKV{"run_id": r.RunID, "status": r.Status.String()})
		}

		cp.RetryCount = 0
		cp.Observations = 0
		cp.NotBefore = time.Time{}
		e.hospital.resetRepeats(r.RunID)

		err := e.commit(ctx, r, StatusSuspended, cp, nil)
		if err != nil {
			return err
		}

		return e.drive(ctx, r, cp, false)

	case opPause:
		if r.Status == StatusRunnable {
			cp, err = e.continuation.start(r.RunID, r.FlowClass, r.Args)
			if err != nil {
				return err
			}
		} else if r.Status != StatusSuspended {
			return errors.Wrap(ErrUnableToPause, "", j.MKV{"run_id": r.RunID, "status": r.Status.String()})
		}

		cp.NotBefore = time.Time{}
		return e.commit(ctx, r, StatusPaused, cp, nil)

	case opResume:
		if r.Status != StatusPaused {
			return errors.Wrap(ErrUnableToResume, "", j.MKV{"run_id": r.RunID, "status": r.Status.String()})
		}

		cp.NotBefore = time.Time{}
		err := e.commit(ctx, r, StatusSuspended, cp, nil)
		if err != nil {
			return err
		}

		return e.drive(ctx, r, cp, false)

	default:
		return errors.New("unknown operator request", j.MKV{"op": int(req.op)})
	}
}

func (e *Engine) nudgeOutbox() {
	select {
	case e.outboxNudge <- struct{}{}:
	default:
	}
}
