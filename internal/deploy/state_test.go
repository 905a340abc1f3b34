package deploy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerminalStates(t *testing.T) {
	terminal := []State{StateDeployed, StateValidationFailed, StateRolledBack, StateRollbackFailed}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s", s)
	}

	active := []State{StatePending, StateValidating, StateValidated, StateDeploying, StateDeployFailed, StateRollingBack}
	for _, s := range active {
		assert.False(t, s.Terminal(), "%s", s)
	}
}

func TestTransitions(t *testing.T) {
	assert.True(t, canTransition(StateDeployFailed, StateRollingBack),
		"a failed deploy always proceeds to a rollback attempt")
	assert.True(t, canTransition(StateValidated, StateDeployed))

	assert.False(t, canTransition(StateDeployed, StateDeploying), "terminal states are immutable")
	assert.False(t, canTransition(StateRolledBack, StateRollingBack), "exactly one rollback attempt")
	assert.False(t, canTransition(StatePending, StateDeploying))
}
