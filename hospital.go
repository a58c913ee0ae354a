package flow

import (
	"errors"
	"math"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/luno/flow/internal/errorcounter"
)

// ErrorClass is the hospital's classification of a failure.
type ErrorClass int

const (
	ClassUnknown   ErrorClass = 0
	ClassTransient ErrorClass = 1
	ClassAmbiguous ErrorClass = 2
	ClassProtocol  ErrorClass = 3
	ClassBusiness  ErrorClass = 4
	ClassFatal     ErrorClass = 5
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "Transient"
	case ClassAmbiguous:
		return "Ambiguous"
	case ClassProtocol:
		return "Protocol"
	case ClassBusiness:
		return "Business"
	case ClassFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

type Decision int

const (
	DecisionUnknown     Decision = 0
	DecisionRetry       Decision = 1
	DecisionObserve     Decision = 2
	DecisionHospitalize Decision = 3
	DecisionFail        Decision = 4
	DecisionKill        Decision = 5
)

func (d Decision) String() string {
	switch d {
	case DecisionRetry:
		return "Retry"
	case DecisionObserve:
		return "Observe"
	case DecisionHospitalize:
		return "Hospitalize"
	case DecisionFail:
		return "Fail"
	case DecisionKill:
		return "Kill"
	default:
		return "Unknown"
	}
}

// Diagnosis is one entry of a run's hospital record.
type Diagnosis struct {
	At       time.Time
	Class    ErrorClass
	Error    string
	Decision Decision
	// Backoff is the delay before the run is re-evaluated for Retry and
	// Observe decisions.
	Backoff time.Duration
}

type HospitalRecord []Diagnosis

// Classifier maps an error returned by a step to an ErrorClass.
type Classifier func(err error) ErrorClass

// DefaultClassifier classifies the engine's own errors and the Transient,
// Observe and Reject wrappers. Everything else is ClassUnknown.
func DefaultClassifier(err error) ErrorClass {
	var c *classified
	if errors.As(err, &c) {
		return c.class
	}

	var se *SessionError
	if errors.As(err, &se) {
		return ClassProtocol
	}

	switch {
	case errors.Is(err, ErrReceiveTimeout):
		return ClassTransient
	case errors.Is(err, ErrStimulusMismatch),
		errors.Is(err, ErrCheckpointCorrupt),
		errors.Is(err, ErrNoRegisteredResponder),
		errors.Is(err, ErrUnknownFlow),
		errors.Is(err, ErrUnknownStep),
		errors.Is(err, ErrInvalidArgs):
		return ClassFatal
	default:
		return ClassUnknown
	}
}

type HospitalConfig struct {
	// MaxRetries is the number of consecutive retries a run gets before a
	// transient failure is escalated.
	MaxRetries int
	// RepeatThreshold is the number of transient failures a run may have
	// over its lifetime before it is escalated. Unlike the retry count it
	// is not reset by a successful step.
	RepeatThreshold int
	// MaxObservations is the number of times an ambiguous failure is
	// observed before it is escalated.
	MaxObservations     int
	ObservationInterval time.Duration
	BaseBackoff         time.Duration
	MaxBackoff          time.Duration
	Classifier          Classifier
}

func DefaultHospitalConfig() HospitalConfig {
	return HospitalConfig{
		MaxRetries:          5,
		RepeatThreshold:     10,
		MaxObservations:     3,
		ObservationInterval: time.Minute,
		BaseBackoff:         time.Second,
		MaxBackoff:          5 * time.Minute,
		Classifier:          DefaultClassifier,
	}
}

// Hospital decides what happens to a run whose step failed. It keeps a
// diagnosis history for every run it has seen until the run finishes.
type Hospital struct {
	config  HospitalConfig
	clock   clock.Clock
	repeats *errorcounter.Counter

	mu      sync.Mutex
	records map[string]HospitalRecord
}

func NewHospital(config HospitalConfig, c clock.Clock) *Hospital {
	if config.Classifier == nil {
		config.Classifier = DefaultClassifier
	}

	return &Hospital{
		config:  config,
		clock:   c,
		repeats: errorcounter.New(),
		records: make(map[string]HospitalRecord),
	}
}

// Diagnose classifies err for the run and records the decision. retryCount
// and observations are the counts already committed for the run.
func (h *Hospital) Diagnose(runID string, err error, retryCount, observations int) Diagnosis {
	class := h.config.Classifier(err)
	d := Diagnosis{
		At:    h.clock.Now(),
		Class: class,
		Error: err.Error(),
	}

	switch class {
	case ClassProtocol, ClassBusiness:
		d.Decision = DecisionFail
	case ClassTransient:
		repeats := h.repeats.Add(runID, class.String())
		if retryCount < h.config.MaxRetries && repeats <= h.config.RepeatThreshold {
			d.Decision = DecisionRetry
			d.Backoff = h.backoff(retryCount)
		} else {
			d.Decision = DecisionHospitalize
		}
	case ClassAmbiguous:
		if observations < h.config.MaxObservations {
			d.Decision = DecisionObserve
			d.Backoff = h.config.ObservationInterval
		} else {
			d.Decision = DecisionHospitalize
		}
	default:
		d.Decision = DecisionHospitalize
	}

	h.record(runID, d)
	return d
}

// backoff is exponential in the number of retries so far, capped at
// MaxBackoff.
func (h *Hospital) backoff(retryCount int) time.Duration {
	factor := math.Pow(2, float64(retryCount))
	d := time.Duration(float64(h.config.BaseBackoff) * factor)
	if d <= 0 || d > h.config.MaxBackoff {
		return h.config.MaxBackoff
	}

	return d
}

func (h *Hospital) recordKill(runID string) {
	h.record(runID, Diagnosis{
		At:       h.clock.Now(),
		Error:    ErrKilled.Error(),
		Decision: DecisionKill,
	})
}

func (h *Hospital) record(runID string, d Diagnosis) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.records[runID] = append(h.records[runID], d)
}

// Record returns a copy of the diagnosis history of a run.
func (h *Hospital) Record(runID string) HospitalRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append(HospitalRecord(nil), h.records[runID]...)
}

// discharge forgets the history of a run. The repeat counters are reset too
// so that an operator retry starts afresh.
func (h *Hospital) discharge(runID string) {
	h.mu.Lock()
	delete(h.records, runID)
	h.mu.Unlock()

	h.repeats.Forget(runID)
}

// resetRepeats clears the repeat counters of a run without dropping its
// history.
func (h *Hospital) resetRepeats(runID string) {
	h.repeats.Forget(runID)
}
