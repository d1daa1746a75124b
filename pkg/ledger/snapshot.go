package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mapleaiorg/maple/core/pkg/canonicalize"
	"github.com/mapleaiorg/maple/core/pkg/contracts"
)

// TakeSnapshot checkpoints the stream's projection at the current head. The
// snapshot anchors to the head receipt, carries the canonical state blob and
// its hash, and is itself appended to the chain as a snapshot receipt.
func (l *Ledger) TakeSnapshot(ctx context.Context, w contracts.WorldLineID) (contracts.Snapshot, error) {
	stream := string(w)
	wm := l.writerFor(stream)
	wm.Lock()
	defer wm.Unlock()

	state := NewStreamState(w)
	recs, err := l.store.ReadRange(ctx, stream, 1, ^uint64(0))
	if err != nil {
		return contracts.Snapshot{}, fmt.Errorf("%w: %v", contracts.ErrLedgerAppendFailed, err)
	}
	if len(recs) == 0 {
		return contracts.Snapshot{}, fmt.Errorf("%w: empty stream", contracts.ErrLedgerAppendFailed)
	}
	for _, rec := range recs {
		if err := state.Apply(rec); err != nil {
			return contracts.Snapshot{}, err
		}
	}

	blob, err := canonicalize.JCS(state)
	if err != nil {
		return contracts.Snapshot{}, fmt.Errorf("%w: %v", contracts.ErrLedgerAppendFailed, err)
	}
	stateHash, err := state.Hash()
	if err != nil {
		return contracts.Snapshot{}, fmt.Errorf("%w: %v", contracts.ErrLedgerAppendFailed, err)
	}

	head := recs[len(recs)-1]
	snap := contracts.Snapshot{
		WorldLine:           w,
		SnapshotSeq:         head.Seq,
		AnchoredReceiptHash: head.ReceiptHash,
		StateHash:           stateHash,
		StateBlob:           blob,
		TemporalAnchor:      l.anchors.Next(w),
	}

	seq := head.Seq + 1
	prev := head.ReceiptHash
	hash, err := canonicalize.ChainHash(snap, prev)
	if err != nil {
		return contracts.Snapshot{}, fmt.Errorf("%w: %v", contracts.ErrLedgerAppendFailed, err)
	}

	payload, _ := json.Marshal(snap)
	rec := Record{
		Stream: stream, Seq: seq, Kind: contracts.KindSnapshot,
		Payload: payload, PrevHash: prev, ReceiptHash: hash, Anchor: snap.TemporalAnchor,
	}
	if err := l.persist(ctx, rec, w); err != nil {
		return contracts.Snapshot{}, err
	}
	if err := l.store.SnapshotPut(ctx, snap); err != nil {
		return contracts.Snapshot{}, fmt.Errorf("%w: snapshot put: %v", contracts.ErrLedgerAppendFailed, err)
	}
	return snap, nil
}

// Replay reconstructs the stream projection from the latest snapshot plus
// subsequent receipts. The reconstructed state hash at the anchored receipt
// must equal the snapshot's state hash; a mismatch is a broken chain.
func (l *Ledger) Replay(ctx context.Context, w contracts.WorldLineID) (*StreamState, error) {
	stream := string(w)

	snap, ok, err := l.store.SnapshotLatest(ctx, stream)
	if err != nil {
		return nil, err
	}

	var state *StreamState
	var from uint64 = 1
	if ok {
		state = NewStreamState(w)
		if err := json.Unmarshal(snap.StateBlob, state); err != nil {
			return nil, fmt.Errorf("%w: snapshot blob: %v", contracts.ErrHashChainBroken, err)
		}
		restoredHash, err := state.Hash()
		if err != nil {
			return nil, err
		}
		if restoredHash != snap.StateHash {
			return nil, fmt.Errorf("%w: snapshot state hash mismatch at %s", contracts.ErrHashChainBroken, snap.AnchoredReceiptHash)
		}
		if state.HeadHash != snap.AnchoredReceiptHash {
			return nil, fmt.Errorf("%w: snapshot not anchored at restored head", contracts.ErrHashChainBroken)
		}
		from = state.NextSeq
	} else {
		state = NewStreamState(w)
	}

	recs, err := l.ReadRange(ctx, w, from, ^uint64(0))
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if err := state.Apply(rec); err != nil {
			return nil, err
		}
	}
	return state, nil
}
