package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapleaiorg/maple/core/pkg/contracts"
	"github.com/mapleaiorg/maple/core/pkg/temporal"
)

func TestSnapshotAndReplay(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, temporal.NewCoordinator())
	ctx := context.Background()
	mintGenesis(t, l)

	c1, err := l.AppendCommitment(ctx, proposal(1), contracts.DecisionAccepted, nil, "sha256:policy", nil)
	require.NoError(t, err)
	_, err = l.AppendOutcome(ctx, wl, c1.ReceiptHash, contracts.OutcomeFulfilled, nil, nil, nil)
	require.NoError(t, err)

	snap, err := l.TakeSnapshot(ctx, wl)
	require.NoError(t, err)
	assert.NotEmpty(t, snap.StateHash)
	assert.Equal(t, uint64(3), snap.SnapshotSeq)

	// More traffic after the snapshot.
	c2, err := l.AppendCommitment(ctx, proposal(2), contracts.DecisionAccepted, nil, "sha256:policy", nil)
	require.NoError(t, err)
	_, err = l.AppendOutcome(ctx, wl, c2.ReceiptHash, contracts.OutcomeFailed,
		[]contracts.ReasonCode{contracts.ReasonDriverFailed}, nil, nil)
	require.NoError(t, err)

	replayed, err := l.Replay(ctx, wl)
	require.NoError(t, err)

	rebuilt, err := l.LatestState(ctx, wl)
	require.NoError(t, err)

	hReplayed, err := replayed.Hash()
	require.NoError(t, err)
	hRebuilt, err := rebuilt.Hash()
	require.NoError(t, err)
	assert.Equal(t, hRebuilt, hReplayed)
	assert.Len(t, replayed.Commitments, 3) // genesis + two commitments
}

func TestReplayDetectsCorruptSnapshot(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, temporal.NewCoordinator())
	ctx := context.Background()
	mintGenesis(t, l)

	c1, err := l.AppendCommitment(ctx, proposal(1), contracts.DecisionAccepted, nil, "sha256:policy", nil)
	require.NoError(t, err)
	_, err = l.AppendOutcome(ctx, wl, c1.ReceiptHash, contracts.OutcomeFulfilled, nil, nil, nil)
	require.NoError(t, err)

	_, err = l.TakeSnapshot(ctx, wl)
	require.NoError(t, err)

	// Corrupt the stored snapshot blob.
	snaps := store.snapshots[string(wl)]
	snaps[0].StateBlob[10] ^= 0xff

	_, err = l.Replay(ctx, wl)
	assert.ErrorIs(t, err, contracts.ErrHashChainBroken)
}

func TestReplayWithoutSnapshot(t *testing.T) {
	l := newTestLedger()
	ctx := context.Background()
	mintGenesis(t, l)

	state, err := l.Replay(ctx, wl)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), state.NextSeq)
}

func TestSnapshotBlobRoundTripsThroughArchive(t *testing.T) {
	store := NewMemoryStore()
	l := New(store, temporal.NewCoordinator())
	ctx := context.Background()
	mintGenesis(t, l)

	snap, err := l.TakeSnapshot(ctx, wl)
	require.NoError(t, err)

	archive := NewMemoryArchive()
	addr, err := archive.Put(ctx, snap.StateBlob)
	require.NoError(t, err)

	got, err := archive.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, snap.StateBlob, got)

	_, err = archive.Get(ctx, "sha256:absent")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}
