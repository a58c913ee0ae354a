package flow

import "github.com/luno/flow/internal/metrics"

// State is the state of one of the engine's background processes.
type State string

const (
	StateUnknown  State = ""
	StateShutdown State = "Shutdown"
	StateRunning  State = "Running"
	StateIdle     State = "Idle"
)

func (e *Engine) updateState(processName string, s State) {
	e.internalStateMu.Lock()
	defer e.internalStateMu.Unlock()

	switch s {
	case StateIdle:
		metrics.ProcessStates.WithLabelValues(string(e.party), processName).Set(2)
	case StateRunning:
		metrics.ProcessStates.WithLabelValues(string(e.party), processName).Set(1)
	case StateShutdown:
		metrics.ProcessStates.WithLabelValues(string(e.party), processName).Set(0.0)
	}

	e.internalState[processName] = s
}

// States returns the state of every background process by process name.
func (e *Engine) States() map[string]State {
	e.internalStateMu.Lock()
	defer e.internalStateMu.Unlock()

	states := make(map[string]State)
	for k, v := range e.internalState {
		states[k] = v
	}

	return states
}
