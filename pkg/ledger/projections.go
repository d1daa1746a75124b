package ledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/mapleaiorg/maple/core/pkg/canonicalize"
	"github.com/mapleaiorg/maple/core/pkg/contracts"
)

// CommitmentStatus pairs a commitment with its outcome, if one exists yet.
type CommitmentStatus struct {
	Receipt contracts.CommitmentReceipt `json:"receipt"`
	Outcome *contracts.OutcomeReceipt   `json:"outcome,omitempty"`
}

// Terminal reports whether the commitment has reached a terminal state.
func (s CommitmentStatus) Terminal() bool {
	return s.Receipt.Decision == contracts.DecisionRejected || s.Outcome != nil
}

// StreamState is the deterministic latest-state projection of one stream.
// It is a pure function of the receipts: rebuilding from scratch always
// yields the same value, and its canonical hash is what snapshots anchor.
type StreamState struct {
	WorldLine   contracts.WorldLineID        `json:"worldline"`
	HeadHash    string                       `json:"head_hash"`
	NextSeq     uint64                       `json:"next_seq"`
	Commitments map[string]*CommitmentStatus `json:"commitments"`
	// ByNonce indexes the outcome receipt hash per proposal nonce, backing
	// idempotent submit.
	ByNonce map[uint64]string `json:"by_nonce"`
}

// NewStreamState returns the empty projection for a stream.
func NewStreamState(w contracts.WorldLineID) *StreamState {
	return &StreamState{
		WorldLine:   w,
		HeadHash:    ZeroHash,
		NextSeq:     1,
		Commitments: make(map[string]*CommitmentStatus),
		ByNonce:     make(map[uint64]string),
	}
}

// Apply folds one record into the projection. Records must arrive in seq
// order; snapshot records advance the chain without touching state.
func (s *StreamState) Apply(rec Record) error {
	if rec.Seq != s.NextSeq {
		return fmt.Errorf("%w: projection expected seq %d, got %d", contracts.ErrHashChainBroken, s.NextSeq, rec.Seq)
	}
	switch rec.Kind {
	case contracts.KindCommitment:
		r, err := DecodeCommitment(rec)
		if err != nil {
			return err
		}
		s.Commitments[r.ReceiptHash] = &CommitmentStatus{Receipt: r}
	case contracts.KindOutcome:
		r, err := DecodeOutcome(rec)
		if err != nil {
			return err
		}
		if st, ok := s.Commitments[r.CommitmentReceiptHash]; ok {
			o := r
			st.Outcome = &o
			s.ByNonce[st.Receipt.Nonce] = r.ReceiptHash
		}
	case contracts.KindSnapshot:
		// Chain bookkeeping only.
	}
	s.HeadHash = rec.ReceiptHash
	s.NextSeq = rec.Seq + 1
	return nil
}

// Hash returns the canonical hash of the projection.
func (s *StreamState) Hash() (string, error) {
	return canonicalize.Hash(s)
}

// LatestState rebuilds the projection of a stream from scratch.
func (l *Ledger) LatestState(ctx context.Context, w contracts.WorldLineID) (*StreamState, error) {
	recs, err := l.ReadRange(ctx, w, 1, ^uint64(0))
	if err != nil {
		return nil, err
	}
	state := NewStreamState(w)
	for _, rec := range recs {
		if err := state.Apply(rec); err != nil {
			return nil, err
		}
	}
	return state, nil
}

// AuditEntry is one row of the audit index.
type AuditEntry struct {
	Stream      string                  `json:"stream"`
	Seq         uint64                  `json:"seq"`
	Kind        contracts.ReceiptKind   `json:"kind"`
	ReceiptHash string                  `json:"receipt_hash"`
	Decision    contracts.Decision      `json:"decision,omitempty"`
	Result      contracts.OutcomeResult `json:"result,omitempty"`
	Reasons     []contracts.ReasonCode  `json:"reasons,omitempty"`
}

// AuditIndex projects the range [from, to] of a stream into audit rows.
func (l *Ledger) AuditIndex(ctx context.Context, w contracts.WorldLineID, from, to uint64) ([]AuditEntry, error) {
	recs, err := l.ReadRange(ctx, w, from, to)
	if err != nil {
		return nil, err
	}
	entries := make([]AuditEntry, 0, len(recs))
	for _, rec := range recs {
		e := AuditEntry{Stream: rec.Stream, Seq: rec.Seq, Kind: rec.Kind, ReceiptHash: rec.ReceiptHash}
		switch rec.Kind {
		case contracts.KindCommitment:
			if r, err := DecodeCommitment(rec); err == nil {
				e.Decision = r.Decision
				e.Reasons = r.Reasons
			}
		case contracts.KindOutcome:
			if r, err := DecodeOutcome(rec); err == nil {
				e.Result = r.Result
				e.Reasons = r.Reasons
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ProvenanceEdge links an outcome back to its commitment, or a receipt to
// its predecessor in the chain.
type ProvenanceEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Kind string `json:"kind"` // "chain" or "outcome_of"
}

// ProvenanceDAG projects the full provenance graph of a stream. Edges are
// sorted so the projection is deterministic.
func (l *Ledger) ProvenanceDAG(ctx context.Context, w contracts.WorldLineID) ([]ProvenanceEdge, error) {
	recs, err := l.ReadRange(ctx, w, 1, ^uint64(0))
	if err != nil {
		return nil, err
	}
	var edges []ProvenanceEdge
	for _, rec := range recs {
		if rec.PrevHash != ZeroHash {
			edges = append(edges, ProvenanceEdge{From: rec.ReceiptHash, To: rec.PrevHash, Kind: "chain"})
		}
		if rec.Kind == contracts.KindOutcome {
			if r, err := DecodeOutcome(rec); err == nil {
				edges = append(edges, ProvenanceEdge{From: r.ReceiptHash, To: r.CommitmentReceiptHash, Kind: "outcome_of"})
			}
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].Kind < edges[j].Kind
	})
	return edges, nil
}
