package deploy

// State is a deployment job's position in its lifecycle.
type State string

const (
	StatePending          State = "Pending"
	StateValidating       State = "Validating"
	StateValidated        State = "Validated"
	StateValidationFailed State = "ValidationFailed"
	StateDeploying        State = "Deploying"
	StateDeployed         State = "Deployed"
	StateDeployFailed     State = "DeployFailed"
	StateRollingBack      State = "RollingBack"
	StateRolledBack       State = "RolledBack"
	StateRollbackFailed   State = "RollbackFailed"
)

// transitions is the legal edge set of the job state machine. Anything not
// listed is a programming error, not an operational condition.
var transitions = map[State][]State{
	StatePending:    {StateValidating},
	StateValidating: {StateValidated, StateValidationFailed},
	// Validated -> Deployed covers empty changesets: nothing to apply, no
	// deploy phase. Validated -> ValidationFailed covers late cancellation
	// and snapshot failures, both of which precede any live mutation.
	StateValidated:    {StateDeploying, StateDeployed, StateValidationFailed},
	StateDeploying:    {StateDeployed, StateDeployFailed},
	StateDeployFailed: {StateRollingBack},
	StateRollingBack:  {StateRolledBack, StateRollbackFailed},
}

// Terminal reports whether a job in this state is immutable.
// DeployFailed is not terminal: it always proceeds to a rollback attempt.
func (s State) Terminal() bool {
	switch s {
	case StateDeployed, StateValidationFailed, StateRolledBack, StateRollbackFailed:
		return true
	}
	return false
}

// canTransition reports whether from -> to is a legal edge.
func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
