package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapleaiorg/maple/core/pkg/contracts"
)

const hash = "sha256:commit-1"

func TestLifecycleHappyPath(t *testing.T) {
	l := NewLifecycleLog()
	l.Open(hash)

	require.NoError(t, l.Transition(hash, contracts.StateApproved, ""))
	require.NoError(t, l.Transition(hash, contracts.StateExecutionStarted, ""))
	require.NoError(t, l.Transition(hash, contracts.StateActive, ""))
	require.NoError(t, l.Transition(hash, contracts.StateFulfilled, "done"))

	s, ok := l.State(hash)
	require.True(t, ok)
	assert.Equal(t, contracts.StateFulfilled, s)
	assert.Len(t, l.Entries(hash), 4)
}

func TestLifecycleRejectsIllegalTransition(t *testing.T) {
	l := NewLifecycleLog()
	l.Open(hash)

	assert.Error(t, l.Transition(hash, contracts.StateActive, ""))
	assert.Error(t, l.Transition(hash, contracts.StateFulfilled, ""))
}

func TestLifecycleTerminalIsFinal(t *testing.T) {
	l := NewLifecycleLog()
	l.Open(hash)

	require.NoError(t, l.Transition(hash, contracts.StateDenied, ""))
	err := l.Transition(hash, contracts.StateApproved, "")
	assert.ErrorIs(t, err, contracts.ErrAlreadyTerminal)
}

func TestLifecycleUnknownCommitment(t *testing.T) {
	l := NewLifecycleLog()
	assert.Error(t, l.Transition("sha256:ghost", contracts.StateApproved, ""))
}

func TestLifecycleNonTerminal(t *testing.T) {
	l := NewLifecycleLog()
	l.Open("sha256:a")
	l.Open("sha256:b")
	require.NoError(t, l.Transition("sha256:b", contracts.StateDenied, ""))

	open := l.NonTerminal()
	require.Len(t, open, 1)
	assert.Equal(t, "sha256:a", open[0])
}

func TestExpiryFromApproved(t *testing.T) {
	l := NewLifecycleLog()
	l.Open(hash)
	require.NoError(t, l.Transition(hash, contracts.StateApproved, ""))
	require.NoError(t, l.Transition(hash, contracts.StateExpired, "deadline"))

	s, _ := l.State(hash)
	assert.True(t, s.Terminal())
}
