package lifecycle

import (
	"fmt"
	"sync"
)

// MachineNotFoundError reports a machine absent from the installed listing.
type MachineNotFoundError struct {
	Name string
}

func (e *MachineNotFoundError) Error() string {
	return fmt.Sprintf("machine %q is not installed", e.Name)
}

// MachineStartError reports that the controller's start command failed.
type MachineStartError struct {
	Name string
	Err  error
}

func (e *MachineStartError) Error() string {
	return fmt.Sprintf("machine %q did not start: %v", e.Name, e.Err)
}

func (e *MachineStartError) Unwrap() error { return e.Err }

// stateMap tracks the last observed state per machine identifier.
type stateMap struct {
	mu     sync.Mutex
	states map[string]State
}

func (m *stateMap) get(id string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.states[id]; ok {
		return state
	}
	return StateUnknown
}

func (m *stateMap) set(id string, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.states == nil {
		m.states = make(map[string]State)
	}
	m.states[id] = state
}
