package flow

import (
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	internallogger "github.com/luno/flow/internal/logger"
)

const (
	defaultWorkerCount    = 8
	defaultQueueLimit     = 1024
	defaultErrBackOff     = time.Second
	defaultPollingFreq    = 500 * time.Millisecond
	defaultTimerBatchSize = 500

	defaultMaxPendingInbound = 64
	defaultMaxOutOfOrder     = 64

	defaultOutboxLagAlert         = time.Minute
	defaultOutboxPollingFrequency = 250 * time.Millisecond
	defaultOutboxErrBackOff       = 500 * time.Millisecond
	defaultOutboxLimit            = 1000
)

// NewBuilder starts building the engine of the node that acts as party.
func NewBuilder(party Party) *Builder {
	return &Builder{
		party:      party,
		flows:      make(map[string]Definition),
		responders: make(map[string]Definition),
	}
}

type Builder struct {
	party      Party
	flows      map[string]Definition
	responders map[string]Definition
}

// AddFlow registers a flow that can be started locally or used as a
// sub-flow.
func (b *Builder) AddFlow(def Definition) *Builder {
	if _, ok := b.flows[def.Class()]; ok {
		panic(fmt.Sprintf("flow %q registered twice", def.Class()))
	}

	b.flows[def.Class()] = def
	return b
}

// AddResponder registers def to be started when a counterparty initiates a
// session from a flow of class initiatingClass.
func (b *Builder) AddResponder(initiatingClass string, def Definition) *Builder {
	if _, ok := b.responders[initiatingClass]; ok {
		panic(fmt.Sprintf("responder for %q registered twice", initiatingClass))
	}

	if existing, ok := b.flows[def.Class()]; !ok {
		b.flows[def.Class()] = def
	} else if existing != def {
		panic(fmt.Sprintf("flow %q registered twice", def.Class()))
	}

	b.responders[initiatingClass] = def
	return b
}

func (b *Builder) Build(
	recordStore RecordStore,
	timerStore TimerStore,
	transport Transport,
	roleScheduler RoleScheduler,
	opts ...BuildOption,
) *Engine {
	bo := defaultBuildOptions()
	for _, opt := range opts {
		opt(&bo)
	}

	if bo.hospital.Classifier == nil {
		bo.hospital.Classifier = DefaultClassifier
	}

	if bo.logger == nil {
		bo.logger = internallogger.New(os.Stdout, string(b.party))
	}

	if bo.tracerProvider == nil {
		bo.tracerProvider = otel.GetTracerProvider()
	}

	e := &Engine{
		party:         b.party,
		clock:         bo.clock,
		codec:         bo.codec,
		logger:        &logger{debugMode: bo.debugMode, inner: bo.logger},
		tracer:        bo.tracerProvider.Tracer(tracerName),
		recordStore:   recordStore,
		timerStore:    timerStore,
		transport:     transport,
		roleScheduler: roleScheduler,
		flows:         b.flows,
		hospital:      NewHospital(bo.hospital, bo.clock),
		opts:          bo,
		outboxNudge:   make(chan struct{}, 1),
		internalState: make(map[string]State),
	}

	e.registry = &registry{
		self:          b.party,
		responders:    b.responders,
		maxPending:    bo.maxPendingInbound,
		maxOutOfOrder: bo.maxOutOfOrder,
		clock:         e.clock.Now,
	}

	e.continuation = &continuation{
		flows:    b.flows,
		registry: e.registry,
		codec:    bo.codec,
	}

	e.scheduler = newScheduler(string(b.party), bo.workerCount, bo.queueLimit, e.handle)

	return e
}

type buildOptions struct {
	clock          clock.Clock
	codec          Codec
	logger         Logger
	debugMode      bool
	tracerProvider trace.TracerProvider

	workerCount int
	queueLimit  int
	errBackOff  time.Duration

	timerPollingFrequency time.Duration
	timerBatchSize        int
	awaitPollingFrequency time.Duration

	outboxPollingFrequency time.Duration
	outboxErrBackOff       time.Duration
	outboxLagAlert         time.Duration
	outboxLimit            int64

	maxPendingInbound int
	maxOutOfOrder     int

	hospital       HospitalConfig
	withoutArchive bool
}

func defaultBuildOptions() buildOptions {
	return buildOptions{
		clock:                  clock.RealClock{},
		codec:                  JSONCodec{},
		workerCount:            defaultWorkerCount,
		queueLimit:             defaultQueueLimit,
		errBackOff:             defaultErrBackOff,
		timerPollingFrequency:  defaultPollingFreq,
		timerBatchSize:         defaultTimerBatchSize,
		awaitPollingFrequency:  defaultPollingFreq,
		outboxPollingFrequency: defaultOutboxPollingFrequency,
		outboxErrBackOff:       defaultOutboxErrBackOff,
		outboxLagAlert:         defaultOutboxLagAlert,
		outboxLimit:            defaultOutboxLimit,
		maxPendingInbound:      defaultMaxPendingInbound,
		maxOutOfOrder:          defaultMaxOutOfOrder,
		hospital:               DefaultHospitalConfig(),
	}
}

type BuildOption func(bo *buildOptions)

func WithClock(c clock.Clock) BuildOption {
	return func(bo *buildOptions) {
		bo.clock = c
	}
}

func WithCodec(c Codec) BuildOption {
	return func(bo *buildOptions) {
		bo.codec = c
	}
}

func WithLogger(l Logger) BuildOption {
	return func(bo *buildOptions) {
		bo.logger = l
	}
}

func WithDebugMode() BuildOption {
	return func(bo *buildOptions) {
		bo.debugMode = true
	}
}

func WithTracerProvider(tp trace.TracerProvider) BuildOption {
	return func(bo *buildOptions) {
		bo.tracerProvider = tp
	}
}

// WithWorkerCount sets the number of runs that are advanced concurrently.
func WithWorkerCount(n int) BuildOption {
	return func(bo *buildOptions) {
		if n > 0 {
			bo.workerCount = n
		}
	}
}

// WithQueueLimit sets the number of events that may be queued before
// Submit blocks and TrySubmit returns ErrQueueFull.
func WithQueueLimit(n int) BuildOption {
	return func(bo *buildOptions) {
		if n > 0 {
			bo.queueLimit = n
		}
	}
}

// WithErrBackOff sets how long a run waits to be re-evaluated after its
// commit failed, and how long background processes back off after an error.
func WithErrBackOff(d time.Duration) BuildOption {
	return func(bo *buildOptions) {
		bo.errBackOff = d
	}
}

func WithTimerPollingFrequency(d time.Duration) BuildOption {
	return func(bo *buildOptions) {
		bo.timerPollingFrequency = d
	}
}

func WithAwaitPollingFrequency(d time.Duration) BuildOption {
	return func(bo *buildOptions) {
		bo.awaitPollingFrequency = d
	}
}

func WithOutboxPollingFrequency(d time.Duration) BuildOption {
	return func(bo *buildOptions) {
		bo.outboxPollingFrequency = d
	}
}

func WithOutboxErrBackOff(d time.Duration) BuildOption {
	return func(bo *buildOptions) {
		bo.outboxErrBackOff = d
	}
}

func WithOutboxLagAlert(d time.Duration) BuildOption {
	return func(bo *buildOptions) {
		bo.outboxLagAlert = d
	}
}

func WithOutboxLookupLimit(limit int64) BuildOption {
	return func(bo *buildOptions) {
		bo.outboxLimit = limit
	}
}

// WithSessionBounds bounds the inbound buffers of every session. A session
// whose buffers overflow is marked errored.
func WithSessionBounds(maxPendingInbound, maxOutOfOrder int) BuildOption {
	return func(bo *buildOptions) {
		bo.maxPendingInbound = maxPendingInbound
		bo.maxOutOfOrder = maxOutOfOrder
	}
}

func WithHospital(config HospitalConfig) BuildOption {
	return func(bo *buildOptions) {
		bo.hospital = config
	}
}

func WithClassifier(c Classifier) BuildOption {
	return func(bo *buildOptions) {
		bo.hospital.Classifier = c
	}
}

// WithoutArchive drops the checkpoint of finished runs instead of archiving
// it on the record.
func WithoutArchive() BuildOption {
	return func(bo *buildOptions) {
		bo.withoutArchive = true
	}
}
