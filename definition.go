package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// StepFunc is one resumable step of a flow. A step runs to completion on a
// single worker and returns the suspension the run continues with.
//
// Steps must be deterministic given the run's state and stimulus: the same
// committed checkpoint resumed with the same stimulus must stage the same
// messages. Read the time with Run.Now and keep anything that must survive
// a suspension in the run's State. Side effects on external systems that
// cannot be repeated must be idempotent, since a step may be replayed when
// its commit fails.
type StepFunc[State any] func(ctx context.Context, r *Run[State]) (Suspension, error)

// Definition is a built flow that can be registered with an engine.
type Definition interface {
	Class() string
	Steps() []string

	initial(codec Codec, args []byte) (Frame, error)
	execute(ctx context.Context, ec *execContext) (Suspension, error)
}

// NewFlow starts the definition of a flow. State holds the flow's locals and
// is decoded from the start arguments.
func NewFlow[State any](class string) *FlowBuilder[State] {
	return &FlowBuilder[State]{
		def: &definition[State]{
			class: class,
			steps: make(map[string]StepFunc[State]),
		},
	}
}

type FlowBuilder[State any] struct {
	def *definition[State]
}

// AddStep adds a named step. The first step added is the entry point.
func (b *FlowBuilder[State]) AddStep(name string, fn StepFunc[State]) *FlowBuilder[State] {
	if _, ok := b.def.steps[name]; ok {
		panic(fmt.Sprintf("step %q already defined for flow %q", name, b.def.class))
	}

	b.def.steps[name] = fn
	b.def.order = append(b.def.order, name)
	return b
}

// Validate sets a check that the decoded start arguments must pass.
func (b *FlowBuilder[State]) Validate(fn func(s *State) error) *FlowBuilder[State] {
	b.def.validate = fn
	return b
}

func (b *FlowBuilder[State]) Build() Definition {
	if len(b.def.order) == 0 {
		panic(fmt.Sprintf("flow %q has no steps", b.def.class))
	}

	return b.def
}

type definition[State any] struct {
	class    string
	order    []string
	steps    map[string]StepFunc[State]
	validate func(s *State) error
}

func (d *definition[State]) Class() string {
	return d.class
}

func (d *definition[State]) Steps() []string {
	return append([]string(nil), d.order...)
}

func (d *definition[State]) initial(codec Codec, args []byte) (Frame, error) {
	var s State
	if len(args) > 0 {
		err := codec.Unmarshal(args, &s)
		if err != nil {
			return Frame{}, errors.Wrap(ErrInvalidArgs, "", j.MKV{
				"flow_class": d.class,
				"reason":     err.Error(),
			})
		}
	}

	if d.validate != nil {
		err := d.validate(&s)
		if err != nil {
			return Frame{}, errors.Wrap(ErrInvalidArgs, "", j.MKV{
				"flow_class": d.class,
				"reason":     err.Error(),
			})
		}
	}

	state, err := codec.Marshal(&s)
	if err != nil {
		return Frame{}, errors.Wrap(err, "encode initial state", j.MKV{"flow_class": d.class})
	}

	return Frame{
		FlowClass: d.class,
		Step:      d.order[0],
		State:     state,
		Args:      args,
	}, nil
}

func (d *definition[State]) execute(ctx context.Context, ec *execContext) (Suspension, error) {
	fn, ok := d.steps[ec.frame.Step]
	if !ok {
		return nil, errors.Wrap(ErrUnknownStep, "", j.MKV{
			"flow_class": d.class,
			"step":       ec.frame.Step,
		})
	}

	var s State
	err := ec.codec.Unmarshal(ec.frame.State, &s)
	if err != nil {
		return nil, errors.Wrap(ErrCheckpointCorrupt, "decode state", j.MKV{
			"flow_class": d.class,
			"step":       ec.frame.Step,
			"reason":     err.Error(),
		})
	}

	r := &Run[State]{
		RunID:      ec.cp.RunID,
		FlowClass:  d.class,
		Invocation: ec.invocation,
		State:      &s,
		ec:         ec,
	}

	susp, err := fn(ctx, r)
	if err != nil {
		return nil, err
	}

	state, err := ec.codec.Marshal(&s)
	if err != nil {
		return nil, errors.Wrap(err, "encode state", j.MKV{
			"flow_class": d.class,
			"step":       ec.frame.Step,
		})
	}
	ec.frame.State = state

	return susp, nil
}

// execContext is what a step can see of the run while it executes.
type execContext struct {
	codec      Codec
	invocation Invocation
	cp         *Checkpoint
	frame      *Frame
	stimulus   Stimulus
	now        time.Time
}
