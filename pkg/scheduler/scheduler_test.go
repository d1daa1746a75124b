package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapleaiorg/maple/core/pkg/contracts"
)

func TestAdmitWithinQuota(t *testing.T) {
	s := New(Config{GlobalConcurrency: 2, ClassQuota: map[AttentionClass]int{ClassNormal: 1}})

	tok, err := s.Admit(context.Background(), ClassNormal)
	require.NoError(t, err)

	_, err = s.Admit(context.Background(), ClassNormal)
	assert.ErrorIs(t, err, contracts.ErrAdmissionDenied)

	tok.Release()
	_, err = s.Admit(context.Background(), ClassNormal)
	assert.NoError(t, err)
}

func TestGlobalConcurrencyCap(t *testing.T) {
	s := New(Config{GlobalConcurrency: 2, ClassQuota: map[AttentionClass]int{}})

	_, err := s.Admit(context.Background(), ClassHigh)
	require.NoError(t, err)
	_, err = s.Admit(context.Background(), ClassCritical)
	require.NoError(t, err)

	_, err = s.Admit(context.Background(), ClassCritical)
	assert.ErrorIs(t, err, contracts.ErrAdmissionDenied)
	assert.Equal(t, 2, s.Inflight())
}

func TestTokenReleaseIdempotent(t *testing.T) {
	s := New(DefaultConfig())
	tok, err := s.Admit(context.Background(), ClassNormal)
	require.NoError(t, err)

	tok.Release()
	tok.Release()
	assert.Equal(t, 0, s.Inflight())
}

func TestAttentionLowShedsBackgroundFirst(t *testing.T) {
	s := New(DefaultConfig())

	s.AttentionLow("aaaa", 10)
	_, err := s.Admit(context.Background(), ClassBackground)
	assert.ErrorIs(t, err, contracts.ErrAdmissionDenied)
	_, err = s.Admit(context.Background(), ClassNormal)
	assert.NoError(t, err)

	s.AttentionLow("aaaa", 0)
	_, err = s.Admit(context.Background(), ClassNormal)
	assert.ErrorIs(t, err, contracts.ErrAdmissionDenied)
	_, err = s.Admit(context.Background(), ClassCritical)
	assert.NoError(t, err)

	s.AttentionRecovered()
	_, err = s.Admit(context.Background(), ClassBackground)
	assert.NoError(t, err)
}

func TestDrainRefusesNewWork(t *testing.T) {
	s := New(DefaultConfig())
	tok, err := s.Admit(context.Background(), ClassNormal)
	require.NoError(t, err)

	s.Drain()
	_, err = s.Admit(context.Background(), ClassCritical)
	assert.ErrorIs(t, err, contracts.ErrAdmissionDenied)

	tok.Release()
	assert.Equal(t, 0, s.Inflight())
}

func TestAdmitCancelledContext(t *testing.T) {
	s := New(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Admit(ctx, ClassNormal)
	assert.ErrorIs(t, err, contracts.ErrCancelled)
}
