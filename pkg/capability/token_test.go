package capability

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapleaiorg/maple/core/pkg/contracts"
)

const wl = contracts.WorldLineID("aaaa")

func newManager(t *testing.T) *TokenManager {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return NewTokenManager(priv)
}

func TestMintAndValidate(t *testing.T) {
	tm := newManager(t)

	token, err := tm.Mint(wl, []string{"coupling.mediator"}, time.Hour)
	require.NoError(t, err)

	caps, err := tm.Validate(token, wl)
	require.NoError(t, err)
	assert.Equal(t, []string{"coupling.mediator"}, caps)
}

func TestValidateRejectsWrongWorldLine(t *testing.T) {
	tm := newManager(t)

	token, err := tm.Mint(wl, []string{"coupling.mediator"}, time.Hour)
	require.NoError(t, err)

	_, err = tm.Validate(token, contracts.WorldLineID("bbbb"))
	assert.ErrorIs(t, err, contracts.ErrCapabilityMissing)
}

func TestValidateRejectsExpired(t *testing.T) {
	tm := newManager(t)

	token, err := tm.Mint(wl, []string{"x"}, -time.Minute)
	require.NoError(t, err)

	_, err = tm.Validate(token, wl)
	assert.Error(t, err)
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	tm := newManager(t)
	other := newManager(t)

	token, err := other.Mint(wl, []string{"x"}, time.Hour)
	require.NoError(t, err)

	_, err = tm.Validate(token, wl)
	assert.Error(t, err)
}

func TestCovers(t *testing.T) {
	ok, missing := Covers([]string{"a", "b", "c"}, []string{"a", "c"})
	assert.True(t, ok)
	assert.Empty(t, missing)

	ok, missing = Covers([]string{"a"}, []string{"a", "b"})
	assert.False(t, ok)
	assert.Equal(t, []string{"b"}, missing)

	ok, _ = Covers(nil, nil)
	assert.True(t, ok)
}
