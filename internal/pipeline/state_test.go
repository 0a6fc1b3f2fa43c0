package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metabinary-ltd/reforge/internal/types"
)

func TestStateMachineWalksForwardOnly(t *testing.T) {
	m := newMachine()
	require.Equal(t, types.StatePending, m.current())

	assert.Error(t, m.to(types.StateImageDeployment), "stages cannot be jumped")
	require.NoError(t, m.to(types.StateFormatting))
	assert.Error(t, m.to(types.StateFormatting), "no self transitions")

	for _, next := range []types.RunState{
		types.StateImageDeployment,
		types.StateDriverIntegration,
		types.StateDataRestore,
		types.StateBootConfiguration,
		types.StateCompleted,
	} {
		require.NoError(t, m.to(next))
	}

	assert.Error(t, m.to(types.StateFailed), "completed is terminal")
}

func TestStateMachineFailsFromAnyActiveState(t *testing.T) {
	walk := []types.RunState{
		types.StateFormatting,
		types.StateImageDeployment,
		types.StateDriverIntegration,
		types.StateDataRestore,
		types.StateBootConfiguration,
	}
	for depth := 0; depth <= len(walk); depth++ {
		m := newMachine()
		for _, s := range walk[:depth] {
			require.NoError(t, m.to(s))
		}
		assert.NoError(t, m.to(types.StateFailed), "failed must be reachable from %s", m.current())
	}
}

func TestStateMachineAbortsOnlyFromPending(t *testing.T) {
	m := newMachine()
	require.NoError(t, m.to(types.StateAborted))
	assert.Error(t, m.to(types.StateFormatting), "aborted is terminal")

	m = newMachine()
	require.NoError(t, m.to(types.StateFormatting))
	assert.Error(t, m.to(types.StateAborted), "abort window closes at formatting")
}
