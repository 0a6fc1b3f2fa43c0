package pipeline

import (
	"fmt"
	"sync"

	"github.com/metabinary-ltd/reforge/internal/types"
)

// machine guards the run state and refuses transitions the stage order does
// not allow. Failed is reachable from every non-terminal state, Aborted only
// from Pending, everything else moves strictly forward.
type machine struct {
	mu    sync.Mutex
	state types.RunState
}

func newMachine() *machine {
	return &machine{state: types.StatePending}
}

func (m *machine) current() types.RunState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *machine) to(next types.RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !validTransition(m.state, next) {
		return fmt.Errorf("invalid state transition %s -> %s", m.state, next)
	}
	m.state = next
	return nil
}

func validTransition(from, to types.RunState) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case types.StateFailed:
		return true
	case types.StateAborted:
		return from == types.StatePending
	}
	return to == nextState(from)
}

// nextState returns the state that follows in the ordered progression.
func nextState(from types.RunState) types.RunState {
	switch from {
	case types.StatePending:
		return types.StateFormatting
	case types.StateFormatting:
		return types.StateImageDeployment
	case types.StateImageDeployment:
		return types.StateDriverIntegration
	case types.StateDriverIntegration:
		return types.StateDataRestore
	case types.StateDataRestore:
		return types.StateBootConfiguration
	case types.StateBootConfiguration:
		return types.StateCompleted
	}
	return ""
}
