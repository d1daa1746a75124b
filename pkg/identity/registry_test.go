package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapleaiorg/maple/core/pkg/contracts"
)

// fakeLedger satisfies LedgerHead and GenesisWriter with in-memory heads.
type fakeLedger struct {
	heads map[contracts.WorldLineID]string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{heads: make(map[contracts.WorldLineID]string)}
}

func (f *fakeLedger) Head(w contracts.WorldLineID) (string, error) {
	return f.heads[w], nil
}

func (f *fakeLedger) AppendGenesis(w contracts.WorldLine) (string, error) {
	h := "sha256:genesis-" + string(w.ID[:8])
	f.heads[w.ID] = h
	return h, nil
}

func mintKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func TestMintCreatesWorldLine(t *testing.T) {
	fl := newFakeLedger()
	r := NewRegistry(fl, fl)
	pub, _ := mintKey(t)

	w, err := r.Mint(contracts.ProfileCoordination, pub)
	require.NoError(t, err)

	assert.True(t, w.ID.Valid())
	assert.Equal(t, contracts.ProfileCoordination, w.Profile)
	assert.Equal(t, w.GenesisHash, w.HeadReceiptHash)
	assert.Equal(t, contracts.DefaultAttentionCapacity, w.AttentionBudget)
	assert.True(t, r.Registered(w.ID))
}

func TestMintIDsAreUnique(t *testing.T) {
	fl := newFakeLedger()
	r := NewRegistry(fl, fl)
	pub, _ := mintKey(t)

	w1, err := r.Mint(contracts.ProfileWorldlike, pub)
	require.NoError(t, err)
	w2, err := r.Mint(contracts.ProfileWorldlike, pub)
	require.NoError(t, err)
	assert.NotEqual(t, w1.ID, w2.ID)
}

func TestResumeVerifiesContinuity(t *testing.T) {
	fl := newFakeLedger()
	r := NewRegistry(fl, fl)
	pub, priv := mintKey(t)

	w, err := r.Mint(contracts.ProfileHumanLike, pub)
	require.NoError(t, err)

	challenge, err := r.Challenge()
	require.NoError(t, err)
	sig := ed25519.Sign(priv, challenge)

	resumed, err := r.Resume(w.ID, w.HeadReceiptHash, challenge, sig)
	require.NoError(t, err)
	assert.Equal(t, w.ID, resumed.ID)
}

func TestResumeUnknownIdentity(t *testing.T) {
	fl := newFakeLedger()
	r := NewRegistry(fl, fl)

	_, err := r.Resume("deadbeef", "sha256:x", []byte("c"), []byte("s"))
	assert.ErrorIs(t, err, contracts.ErrIdentityUnknown)
}

func TestResumeContinuityBrokenOnStaleHead(t *testing.T) {
	fl := newFakeLedger()
	r := NewRegistry(fl, fl)
	pub, priv := mintKey(t)

	w, err := r.Mint(contracts.ProfileFinancial, pub)
	require.NoError(t, err)

	// The ledger advanced past the claimant's view.
	fl.heads[w.ID] = "sha256:advanced"
	r.AdvanceHead(w.ID, "sha256:advanced")

	challenge, _ := r.Challenge()
	sig := ed25519.Sign(priv, challenge)

	_, err = r.Resume(w.ID, w.GenesisHash, challenge, sig)
	assert.ErrorIs(t, err, contracts.ErrContinuityBroken)
}

func TestResumeContinuityBrokenOnBadSignature(t *testing.T) {
	fl := newFakeLedger()
	r := NewRegistry(fl, fl)
	pub, _ := mintKey(t)
	_, otherPriv := mintKey(t)

	w, err := r.Mint(contracts.ProfileHumanLike, pub)
	require.NoError(t, err)

	challenge, _ := r.Challenge()
	sig := ed25519.Sign(otherPriv, challenge)

	_, err = r.Resume(w.ID, w.HeadReceiptHash, challenge, sig)
	assert.ErrorIs(t, err, contracts.ErrContinuityBroken)
}

func TestAdvanceHeadUpdatesCache(t *testing.T) {
	fl := newFakeLedger()
	r := NewRegistry(fl, fl)
	pub, _ := mintKey(t)

	w, err := r.Mint(contracts.ProfileCoordination, pub)
	require.NoError(t, err)

	r.AdvanceHead(w.ID, "sha256:next")
	got, err := r.Resolve(w.ID)
	require.NoError(t, err)
	assert.Equal(t, "sha256:next", got.HeadReceiptHash)
}
