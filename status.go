package flow

import (
	"fmt"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

// Status is the lifecycle status of a run.
type Status int

const (
	StatusUnknown      Status = 0
	StatusRunnable     Status = 1
	StatusSuspended    Status = 2
	StatusCompleted    Status = 3
	StatusFailed       Status = 4
	StatusKilled       Status = 5
	StatusHospitalized Status = 6
	StatusPaused       Status = 7
	statusSentinel     Status = 8
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "Unknown"
	case StatusRunnable:
		return "Runnable"
	case StatusSuspended:
		return "Suspended"
	case StatusCompleted:
		return "Completed"
	case StatusFailed:
		return "Failed"
	case StatusKilled:
		return "Killed"
	case StatusHospitalized:
		return "Hospitalized"
	case StatusPaused:
		return "Paused"
	default:
		return fmt.Sprintf("Status(%d)", s)
	}
}

func (s Status) Valid() bool {
	return s > StatusUnknown && s < statusSentinel
}

// Finished reports whether the status is terminal. A finished run never
// changes status again.
func (s Status) Finished() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusKilled:
		return true
	default:
		return false
	}
}

// HasCheckpoint reports whether a record in this status must carry a
// checkpoint. Runnable runs have not executed yet and finished runs keep only
// their archived checkpoint.
func (s Status) HasCheckpoint() bool {
	switch s {
	case StatusSuspended, StatusHospitalized, StatusPaused:
		return true
	default:
		return false
	}
}

var statusTransitions = map[Status]map[Status]bool{
	StatusRunnable: {
		StatusSuspended:    true,
		StatusCompleted:    true,
		StatusFailed:       true,
		StatusKilled:       true,
		StatusHospitalized: true,
		StatusPaused:       true,
	},
	StatusSuspended: {
		StatusSuspended:    true,
		StatusCompleted:    true,
		StatusFailed:       true,
		StatusKilled:       true,
		StatusHospitalized: true,
		StatusPaused:       true,
	},
	StatusPaused: {
		StatusPaused:       true,
		StatusSuspended:    true,
		StatusKilled:       true,
		StatusHospitalized: true,
	},
	StatusHospitalized: {
		StatusHospitalized: true,
		StatusSuspended:    true,
		StatusKilled:       true,
	},
}

func validateTransition(runID string, from, to Status) error {
	valid, ok := statusTransitions[from]
	if !ok {
		return errors.Wrap(ErrInvalidTransition, "current status is terminal", j.MKV{
			"run_id": runID,
			"from":   from.String(),
			"to":     to.String(),
		})
	}

	if !valid[to] {
		msg := fmt.Sprintf("current status cannot transition to %v", to.String())
		return errors.Wrap(ErrInvalidTransition, msg, j.MKV{
			"run_id": runID,
			"from":   from.String(),
			"to":     to.String(),
		})
	}

	return nil
}
