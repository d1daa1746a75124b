package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapleaiorg/maple/core/pkg/contracts"
	"github.com/mapleaiorg/maple/core/pkg/temporal"
)

const wl = contracts.WorldLineID("1111111111111111111111111111111111111111111111111111111111111111")

func newTestLedger() *Ledger {
	return New(NewMemoryStore(), temporal.NewCoordinator())
}

func mintGenesis(t *testing.T, l *Ledger) string {
	t.Helper()
	hash, err := l.AppendGenesis(contracts.WorldLine{ID: wl, Profile: contracts.ProfileCoordination})
	require.NoError(t, err)
	return hash
}

func proposal(nonce uint64) contracts.CommitmentProposal {
	return contracts.CommitmentProposal{
		WorldLine:    wl,
		Class:        contracts.ClassExternalIO,
		Intent:       "send the weekly digest",
		Plan:         []byte(`{"op":"send"}`),
		EffectDomain: "messaging",
		Nonce:        nonce,
	}
}

func TestGenesisStartsChain(t *testing.T) {
	l := newTestLedger()
	hash := mintGenesis(t, l)

	head, err := l.Head(wl)
	require.NoError(t, err)
	assert.Equal(t, hash, head)

	rec, err := l.GetByHash(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, ZeroHash, rec.PrevHash)
	assert.Equal(t, uint64(1), rec.Seq)
}

func TestGenesisOnlyOnce(t *testing.T) {
	l := newTestLedger()
	mintGenesis(t, l)
	_, err := l.AppendGenesis(contracts.WorldLine{ID: wl})
	assert.ErrorIs(t, err, contracts.ErrLedgerAppendFailed)
}

func TestCommitmentOutcomeChain(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	mintGenesis(t, l)

	commit, err := l.AppendCommitment(ctx, proposal(1), contracts.DecisionAccepted, nil, "sha256:policy", []string{"net.send"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), commit.Seq)

	outcome, err := l.AppendOutcome(ctx, wl, commit.ReceiptHash, contracts.OutcomeFulfilled, nil,
		[]contracts.Effect{{Domain: "messaging", Reference: "msg-1", Reversibility: contracts.Irreversible}}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), outcome.Seq)
	assert.Equal(t, commit.ReceiptHash, outcome.PrevHash)

	require.NoError(t, l.VerifyStream(ctx, wl))
}

func TestOutcomeRequiresCommitmentInStream(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	mintGenesis(t, l)

	_, err := l.AppendOutcome(ctx, wl, "sha256:nowhere", contracts.OutcomeFulfilled, nil, nil, nil)
	assert.ErrorIs(t, err, contracts.ErrLedgerAppendFailed)
}

func TestOutcomeOnTerminalCommitment(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	mintGenesis(t, l)

	commit, err := l.AppendCommitment(ctx, proposal(1), contracts.DecisionAccepted, nil, "sha256:policy", nil)
	require.NoError(t, err)
	_, err = l.AppendOutcome(ctx, wl, commit.ReceiptHash, contracts.OutcomeFulfilled, nil, nil, nil)
	require.NoError(t, err)

	_, err = l.AppendOutcome(ctx, wl, commit.ReceiptHash, contracts.OutcomeFailed, nil, nil, nil)
	assert.ErrorIs(t, err, contracts.ErrAlreadyTerminal)
}

func TestDeniedCommitmentTakesOnlyRejectedOutcome(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	mintGenesis(t, l)

	commit, err := l.AppendCommitment(ctx, proposal(1), contracts.DecisionRejected,
		[]contracts.ReasonCode{contracts.ReasonPresenceMissing}, "sha256:policy", nil)
	require.NoError(t, err)

	_, err = l.AppendOutcome(ctx, wl, commit.ReceiptHash, contracts.OutcomeFulfilled, nil, nil, nil)
	assert.Error(t, err)

	outcome, err := l.AppendRejectionOutcome(ctx, wl, commit.ReceiptHash, commit.Reasons)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeRejected, outcome.Result)
}

func TestVerifyStreamDetectsTampering(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, temporal.NewCoordinator())
	ctx := context.Background()
	mintGenesis(t, l)

	commit, err := l.AppendCommitment(ctx, proposal(1), contracts.DecisionAccepted, nil, "sha256:policy", nil)
	require.NoError(t, err)

	// Mutate the stored payload behind the ledger's back.
	rec, err := store.GetByHash(ctx, commit.ReceiptHash)
	require.NoError(t, err)
	rec.Payload[20] ^= 0xff
	store.byHash[commit.ReceiptHash] = rec
	store.streams[string(wl)][1] = rec

	err = l.VerifyStream(ctx, wl)
	assert.ErrorIs(t, err, contracts.ErrHashChainBroken)
}

func TestLatestStateProjection(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	mintGenesis(t, l)

	commit, err := l.AppendCommitment(ctx, proposal(42), contracts.DecisionAccepted, nil, "sha256:policy", nil)
	require.NoError(t, err)
	outcome, err := l.AppendOutcome(ctx, wl, commit.ReceiptHash, contracts.OutcomeFulfilled, nil, nil, nil)
	require.NoError(t, err)

	state, err := l.LatestState(ctx, wl)
	require.NoError(t, err)
	assert.Equal(t, outcome.ReceiptHash, state.HeadHash)
	assert.Equal(t, uint64(4), state.NextSeq)
	assert.Equal(t, outcome.ReceiptHash, state.ByNonce[42])

	status := state.Commitments[commit.ReceiptHash]
	require.NotNil(t, status)
	assert.True(t, status.Terminal())
}

func TestProjectionRebuildIsDeterministic(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	mintGenesis(t, l)

	commit, _ := l.AppendCommitment(ctx, proposal(1), contracts.DecisionAccepted, nil, "sha256:policy", nil)
	_, err := l.AppendOutcome(ctx, wl, commit.ReceiptHash, contracts.OutcomeFulfilled, nil, nil, nil)
	require.NoError(t, err)

	s1, err := l.LatestState(ctx, wl)
	require.NoError(t, err)
	s2, err := l.LatestState(ctx, wl)
	require.NoError(t, err)

	h1, err := s1.Hash()
	require.NoError(t, err)
	h2, err := s2.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestAuditIndexAndProvenance(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	mintGenesis(t, l)

	commit, _ := l.AppendCommitment(ctx, proposal(1), contracts.DecisionRejected,
		[]contracts.ReasonCode{contracts.ReasonPolicyDenied}, "sha256:policy", nil)
	_, err := l.AppendRejectionOutcome(ctx, wl, commit.ReceiptHash, commit.Reasons)
	require.NoError(t, err)

	entries, err := l.AuditIndex(ctx, wl, 1, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, contracts.DecisionRejected, entries[1].Decision)
	assert.Equal(t, contracts.OutcomeRejected, entries[2].Result)

	dag, err := l.ProvenanceDAG(ctx, wl)
	require.NoError(t, err)
	var outcomeEdges int
	for _, e := range dag {
		if e.Kind == "outcome_of" {
			outcomeEdges++
			assert.Equal(t, commit.ReceiptHash, e.To)
		}
	}
	assert.Equal(t, 1, outcomeEdges)
}

func TestWorldLines(t *testing.T) {
	l := newTestLedger()
	mintGenesis(t, l)

	wls, err := l.WorldLines(context.Background())
	require.NoError(t, err)
	require.Len(t, wls, 1)
	assert.Equal(t, wl, wls[0])
}
