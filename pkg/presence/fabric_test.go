package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapleaiorg/maple/core/pkg/contracts"
)

const wl = contracts.WorldLineID("aaaa")

type allRegistered struct{}

func (allRegistered) Registered(contracts.WorldLineID) bool { return true }

type noneRegistered struct{}

func (noneRegistered) Registered(contracts.WorldLineID) bool { return false }

type changeRecorder struct {
	changes []contracts.PresenceState
}

func (c *changeRecorder) PresenceChanged(w contracts.WorldLineID, state contracts.PresenceState) {
	c.changes = append(c.changes, state)
}

func fullState() contracts.PresenceState {
	return contracts.PresenceState{
		Discoverability:   0.9,
		Responsiveness:    0.8,
		Stability:         0.7,
		CouplingReadiness: 0.6,
	}
}

func TestSignalStoresAndBroadcasts(t *testing.T) {
	rec := &changeRecorder{}
	f := NewFabric(allRegistered{}, NewInMemoryLimiterStore(), rec)

	require.NoError(t, f.Signal(context.Background(), wl, fullState()))

	got, ok := f.State(wl)
	require.True(t, ok)
	assert.Equal(t, 0.9, got.Discoverability)
	assert.Len(t, rec.changes, 1)
	assert.True(t, f.FreshWithin(wl))
	assert.Equal(t, 0.6, f.Readiness(wl))
}

func TestSignalUnregisteredEntity(t *testing.T) {
	f := NewFabric(noneRegistered{}, NewInMemoryLimiterStore(), nil)
	err := f.Signal(context.Background(), wl, fullState())
	assert.ErrorIs(t, err, contracts.ErrWorldLineUnknown)
}

func TestSignalRateLimited(t *testing.T) {
	f := NewFabric(allRegistered{}, NewInMemoryLimiterStore(), nil).
		WithWindows(time.Hour, time.Hour)

	require.NoError(t, f.Signal(context.Background(), wl, fullState()))
	err := f.Signal(context.Background(), wl, fullState())
	assert.ErrorIs(t, err, contracts.ErrRateLimited)
}

func TestSilentClampEnforced(t *testing.T) {
	f := NewFabric(allRegistered{}, NewInMemoryLimiterStore(), nil)

	s := fullState()
	s.Silent = true
	err := f.Signal(context.Background(), wl, s)
	assert.ErrorIs(t, err, contracts.ErrPresenceSilentClamp)

	s.Discoverability = 0.0
	assert.NoError(t, f.Signal(context.Background(), wl, s))
}

func TestAxisRangeValidated(t *testing.T) {
	f := NewFabric(allRegistered{}, NewInMemoryLimiterStore(), nil)

	s := fullState()
	s.Stability = 1.5
	err := f.Signal(context.Background(), wl, s)
	assert.ErrorIs(t, err, contracts.ErrPresenceAxisOutOfRange)
}

func TestFreshnessExpires(t *testing.T) {
	now := time.Now()
	f := NewFabric(allRegistered{}, NewInMemoryLimiterStore(), nil).
		WithWindows(time.Millisecond, 30*time.Second).
		WithClock(func() time.Time { return now })

	require.NoError(t, f.Signal(context.Background(), wl, fullState()))
	assert.True(t, f.FreshWithin(wl))

	now = now.Add(31 * time.Second)
	assert.False(t, f.FreshWithin(wl))
}
