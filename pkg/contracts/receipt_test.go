package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommitmentStateMachine(t *testing.T) {
	assert.True(t, StateProposed.CanTransition(StateApproved))
	assert.True(t, StateProposed.CanTransition(StateDenied))
	assert.False(t, StateProposed.CanTransition(StateActive))

	assert.True(t, StateApproved.CanTransition(StateExecutionStarted))
	assert.True(t, StateApproved.CanTransition(StateExpired))
	assert.True(t, StateApproved.CanTransition(StateRevoked))
	assert.False(t, StateApproved.CanTransition(StateFulfilled))

	assert.True(t, StateExecutionStarted.CanTransition(StateActive))
	assert.True(t, StateActive.CanTransition(StateFulfilled))
	assert.True(t, StateActive.CanTransition(StateFailed))

	for _, terminal := range []CommitmentState{StateDenied, StateFulfilled, StateFailed, StateExpired, StateRevoked} {
		assert.True(t, terminal.Terminal())
		assert.False(t, terminal.CanTransition(StateActive))
	}
	assert.False(t, StateProposed.Terminal())
	assert.False(t, StateActive.Terminal())
}

func TestClassTiers(t *testing.T) {
	assert.Equal(t, 0, ClassReadOnly.Tier())
	assert.Equal(t, 1, ClassExternalIO.Tier())
	assert.Equal(t, 2, ClassFundsMovement.Tier())
	assert.Equal(t, 3, ClassPolicyChange.Tier())
	assert.Equal(t, 3, ClassOperatorUpgrade.Tier())
}

func TestPresenceValidation(t *testing.T) {
	ok := PresenceState{Discoverability: 0.5, Responsiveness: 0.5, Stability: 0.5, CouplingReadiness: 0.5}
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.Responsiveness = -0.1
	assert.ErrorIs(t, bad.Validate(), ErrPresenceAxisOutOfRange)

	silent := ok
	silent.Silent = true
	assert.ErrorIs(t, silent.Validate(), ErrPresenceSilentClamp)
	silent.Discoverability = 0.005
	assert.NoError(t, silent.Validate())
}

func TestReasonOfMapsTaxonomy(t *testing.T) {
	r, ok := ReasonOf(ErrInsufficientAttention)
	assert.True(t, ok)
	assert.Equal(t, ReasonInsufficientAttention, r)

	r, ok = ReasonOf(&InvariantError{Which: InvAgencyNonBypass})
	assert.True(t, ok)
	assert.Equal(t, ReasonInvariantViolation, r)

	_, ok = ReasonOf(assert.AnError)
	assert.False(t, ok)
}

func TestWorldLineIDValid(t *testing.T) {
	assert.True(t, WorldLineID("1111111111111111111111111111111111111111111111111111111111111111").Valid())
	assert.False(t, WorldLineID("xyz").Valid())
	assert.False(t, WorldLineID("11").Valid())
}
