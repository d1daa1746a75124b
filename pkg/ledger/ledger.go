// Package ledger — append-only, hash-chained per-worldline receipt streams.
//
// Every receipt satisfies receipt_hash = H(payload || prev_hash); sequences
// are strictly monotonic and gap-free per stream; outcomes must reference a
// commitment in the same stream that is not already terminal; corrections
// are new receipts, never mutations. Projections and replay are
// deterministic functions of the stream.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mapleaiorg/maple/core/pkg/canonicalize"
	"github.com/mapleaiorg/maple/core/pkg/contracts"
)

// ZeroHash is the prev_hash of the first receipt in every stream.
const ZeroHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// GenesisPolicyHash marks the minting commitment, which precedes any policy.
const GenesisPolicyHash = "sha256:genesis"

// AnchorSource issues temporal anchors for appended receipts.
type AnchorSource interface {
	Next(w contracts.WorldLineID) contracts.TemporalAnchor
}

// HeadAdvancer is notified after each append so the identity registry's
// head-receipt cache stays in step with the stream.
type HeadAdvancer interface {
	AdvanceHead(id contracts.WorldLineID, head string)
}

// EventSink receives append broadcasts.
type EventSink interface {
	CommitmentAppended(r contracts.CommitmentReceipt)
	OutcomeAppended(r contracts.OutcomeReceipt)
}

// Ledger serializes writes per stream over a Storage backend.
type Ledger struct {
	mu      sync.Mutex
	writers map[string]*sync.Mutex

	store   Storage
	anchors AnchorSource
	heads   HeadAdvancer
	sink    EventSink
}

// New creates a ledger over the given backend.
func New(store Storage, anchors AnchorSource) *Ledger {
	return &Ledger{
		writers: make(map[string]*sync.Mutex),
		store:   store,
		anchors: anchors,
	}
}

// WithHeadAdvancer wires the identity registry head cache.
func (l *Ledger) WithHeadAdvancer(h HeadAdvancer) *Ledger {
	l.heads = h
	return l
}

// WithEventSink wires append broadcasts.
func (l *Ledger) WithEventSink(s EventSink) *Ledger {
	l.sink = s
	return l
}

func (l *Ledger) writerFor(stream string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.writers[stream]
	if !ok {
		m = &sync.Mutex{}
		l.writers[stream] = m
	}
	return m
}

// chainState returns the next seq and prev hash for a stream.
func (l *Ledger) chainState(ctx context.Context, stream string) (uint64, string, error) {
	head, ok, err := l.store.Head(ctx, stream)
	if err != nil {
		return 0, "", fmt.Errorf("%w: head: %v", contracts.ErrLedgerAppendFailed, err)
	}
	if !ok {
		return 1, ZeroHash, nil
	}
	return head.Seq + 1, head.ReceiptHash, nil
}

func commitmentPayload(r contracts.CommitmentReceipt) contracts.CommitmentReceipt {
	r.ReceiptHash = ""
	return r
}

func outcomePayload(r contracts.OutcomeReceipt) contracts.OutcomeReceipt {
	r.ReceiptHash = ""
	return r
}

func (l *Ledger) persist(ctx context.Context, rec Record, w contracts.WorldLineID) error {
	if err := l.store.Append(ctx, rec); err != nil {
		return fmt.Errorf("%w: %v", contracts.ErrLedgerAppendFailed, err)
	}
	if l.heads != nil {
		l.heads.AdvanceHead(w, rec.ReceiptHash)
	}
	return nil
}

// AppendGenesis writes the minting commitment for a fresh worldline. Its
// prev_hash is zero and its proposal hash covers the worldline document.
func (l *Ledger) AppendGenesis(w contracts.WorldLine) (string, error) {
	ctx := context.Background()
	stream := string(w.ID)
	wm := l.writerFor(stream)
	wm.Lock()
	defer wm.Unlock()

	seq, prev, err := l.chainState(ctx, stream)
	if err != nil {
		return "", err
	}
	if seq != 1 {
		return "", fmt.Errorf("%w: stream already has a genesis", contracts.ErrLedgerAppendFailed)
	}

	proposalHash, err := canonicalize.Hash(w)
	if err != nil {
		return "", fmt.Errorf("%w: %v", contracts.ErrLedgerAppendFailed, err)
	}

	r := contracts.CommitmentReceipt{
		WorldLine:      w.ID,
		Seq:            seq,
		ProposalHash:   proposalHash,
		Decision:       contracts.DecisionAccepted,
		PolicyHash:     GenesisPolicyHash,
		TemporalAnchor: l.anchors.Next(w.ID),
		PrevHash:       prev,
	}
	hash, err := canonicalize.ChainHash(commitmentPayload(r), prev)
	if err != nil {
		return "", fmt.Errorf("%w: %v", contracts.ErrLedgerAppendFailed, err)
	}
	r.ReceiptHash = hash

	payload, _ := json.Marshal(r)
	rec := Record{
		Stream: stream, Seq: seq, Kind: contracts.KindCommitment,
		Payload: payload, PrevHash: prev, ReceiptHash: hash, Anchor: r.TemporalAnchor,
	}
	if err := l.persist(ctx, rec, w.ID); err != nil {
		return "", err
	}
	return hash, nil
}

// AppendCommitment appends a commitment receipt for a decided proposal.
func (l *Ledger) AppendCommitment(ctx context.Context, p contracts.CommitmentProposal, decision contracts.Decision, reasons []contracts.ReasonCode, policyHash string, granted []string) (contracts.CommitmentReceipt, error) {
	stream := string(p.WorldLine)
	wm := l.writerFor(stream)
	wm.Lock()
	defer wm.Unlock()

	seq, prev, err := l.chainState(ctx, stream)
	if err != nil {
		return contracts.CommitmentReceipt{}, err
	}

	proposalHash, err := canonicalize.Hash(p)
	if err != nil {
		return contracts.CommitmentReceipt{}, fmt.Errorf("%w: %v", contracts.ErrLedgerAppendFailed, err)
	}

	r := contracts.CommitmentReceipt{
		WorldLine:           p.WorldLine,
		Seq:                 seq,
		ProposalHash:        proposalHash,
		Nonce:               p.Nonce,
		EffectDomain:        p.EffectDomain,
		Decision:            decision,
		Reasons:             reasons,
		PolicyHash:          policyHash,
		CapabilitiesGranted: granted,
		TemporalAnchor:      l.anchors.Next(p.WorldLine),
		PrevHash:            prev,
	}
	hash, err := canonicalize.ChainHash(commitmentPayload(r), prev)
	if err != nil {
		return contracts.CommitmentReceipt{}, fmt.Errorf("%w: %v", contracts.ErrLedgerAppendFailed, err)
	}
	r.ReceiptHash = hash

	payload, _ := json.Marshal(r)
	rec := Record{
		Stream: stream, Seq: seq, Kind: contracts.KindCommitment,
		Payload: payload, PrevHash: prev, ReceiptHash: hash, Anchor: r.TemporalAnchor,
	}
	if err := l.persist(ctx, rec, p.WorldLine); err != nil {
		return contracts.CommitmentReceipt{}, err
	}
	if l.sink != nil {
		l.sink.CommitmentAppended(r)
	}
	return r, nil
}

// AppendOutcome appends the outcome for a commitment in the same stream.
// Fails AlreadyTerminal when an outcome for that commitment already exists,
// and refuses commitments the stream does not contain.
func (l *Ledger) AppendOutcome(ctx context.Context, w contracts.WorldLineID, commitmentHash string, result contracts.OutcomeResult, reasons []contracts.ReasonCode, effects []contracts.Effect, proofRefs []string) (contracts.OutcomeReceipt, error) {
	stream := string(w)
	wm := l.writerFor(stream)
	wm.Lock()
	defer wm.Unlock()

	commit, err := l.commitmentInStream(ctx, stream, commitmentHash)
	if err != nil {
		return contracts.OutcomeReceipt{}, err
	}
	terminal, err := l.hasOutcome(ctx, stream, commitmentHash)
	if err != nil {
		return contracts.OutcomeReceipt{}, err
	}
	if terminal {
		return contracts.OutcomeReceipt{}, contracts.ErrAlreadyTerminal
	}
	// A denied commitment only ever pairs with a Rejected outcome.
	if commit.Decision == contracts.DecisionRejected && result != contracts.OutcomeRejected {
		return contracts.OutcomeReceipt{}, fmt.Errorf("%w: denied commitment takes only a rejected outcome", contracts.ErrLedgerAppendFailed)
	}

	seq, prev, err := l.chainState(ctx, stream)
	if err != nil {
		return contracts.OutcomeReceipt{}, err
	}

	r := contracts.OutcomeReceipt{
		WorldLine:             w,
		Seq:                   seq,
		CommitmentReceiptHash: commitmentHash,
		Result:                result,
		Reasons:               reasons,
		Effects:               effects,
		ProofRefs:             proofRefs,
		TemporalAnchor:        l.anchors.Next(w),
		PrevHash:              prev,
	}
	hash, err := canonicalize.ChainHash(outcomePayload(r), prev)
	if err != nil {
		return contracts.OutcomeReceipt{}, fmt.Errorf("%w: %v", contracts.ErrLedgerAppendFailed, err)
	}
	r.ReceiptHash = hash

	payload, _ := json.Marshal(r)
	rec := Record{
		Stream: stream, Seq: seq, Kind: contracts.KindOutcome,
		Payload: payload, PrevHash: prev, ReceiptHash: hash, Anchor: r.TemporalAnchor,
	}
	if err := l.persist(ctx, rec, w); err != nil {
		return contracts.OutcomeReceipt{}, err
	}
	if l.sink != nil {
		l.sink.OutcomeAppended(r)
	}
	return r, nil
}

// AppendRejectionOutcome pairs a denied commitment with its Rejected outcome.
func (l *Ledger) AppendRejectionOutcome(ctx context.Context, w contracts.WorldLineID, commitmentHash string, reasons []contracts.ReasonCode) (contracts.OutcomeReceipt, error) {
	return l.AppendOutcome(ctx, w, commitmentHash, contracts.OutcomeRejected, reasons, nil, nil)
}

func (l *Ledger) commitmentInStream(ctx context.Context, stream, hash string) (contracts.CommitmentReceipt, error) {
	rec, err := l.store.GetByHash(ctx, hash)
	if err != nil || rec.Stream != stream || rec.Kind != contracts.KindCommitment {
		return contracts.CommitmentReceipt{}, fmt.Errorf("%w: commitment %s not in stream", contracts.ErrLedgerAppendFailed, hash)
	}
	var r contracts.CommitmentReceipt
	if err := json.Unmarshal(rec.Payload, &r); err != nil {
		return contracts.CommitmentReceipt{}, fmt.Errorf("%w: %v", contracts.ErrLedgerAppendFailed, err)
	}
	return r, nil
}

func (l *Ledger) hasOutcome(ctx context.Context, stream, commitmentHash string) (bool, error) {
	recs, err := l.store.ReadRange(ctx, stream, 1, ^uint64(0))
	if err != nil {
		return false, fmt.Errorf("%w: %v", contracts.ErrLedgerAppendFailed, err)
	}
	for _, rec := range recs {
		if rec.Kind != contracts.KindOutcome {
			continue
		}
		var o contracts.OutcomeReceipt
		if err := json.Unmarshal(rec.Payload, &o); err != nil {
			continue
		}
		if o.CommitmentReceiptHash == commitmentHash {
			return true, nil
		}
	}
	return false, nil
}

// Head returns the head receipt hash of the worldline stream.
func (l *Ledger) Head(w contracts.WorldLineID) (string, error) {
	head, ok, err := l.store.Head(context.Background(), string(w))
	if err != nil {
		return "", err
	}
	if !ok {
		return ZeroHash, nil
	}
	return head.ReceiptHash, nil
}

// ReadRange returns the records in [from, to] with chain verification.
func (l *Ledger) ReadRange(ctx context.Context, w contracts.WorldLineID, from, to uint64) ([]Record, error) {
	recs, err := l.store.ReadRange(ctx, string(w), from, to)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if err := verifyRecord(rec); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

// GetByHash returns one verified record.
func (l *Ledger) GetByHash(ctx context.Context, hash string) (Record, error) {
	rec, err := l.store.GetByHash(ctx, hash)
	if err != nil {
		return Record{}, err
	}
	if err := verifyRecord(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// WorldLines lists the streams the backend holds.
func (l *Ledger) WorldLines(ctx context.Context) ([]contracts.WorldLineID, error) {
	streams, err := l.store.Streams(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]contracts.WorldLineID, len(streams))
	for i, s := range streams {
		out[i] = contracts.WorldLineID(s)
	}
	return out, nil
}

// verifyRecord recomputes the chain hash of one record.
func verifyRecord(rec Record) error {
	computed, err := recomputeHash(rec)
	if err != nil {
		return err
	}
	if computed != rec.ReceiptHash {
		return fmt.Errorf("%w: stream %s seq %d", contracts.ErrHashChainBroken, rec.Stream, rec.Seq)
	}
	return nil
}

func recomputeHash(rec Record) (string, error) {
	switch rec.Kind {
	case contracts.KindCommitment:
		var r contracts.CommitmentReceipt
		if err := json.Unmarshal(rec.Payload, &r); err != nil {
			return "", fmt.Errorf("%w: %v", contracts.ErrHashChainBroken, err)
		}
		return canonicalize.ChainHash(commitmentPayload(r), rec.PrevHash)
	case contracts.KindOutcome:
		var r contracts.OutcomeReceipt
		if err := json.Unmarshal(rec.Payload, &r); err != nil {
			return "", fmt.Errorf("%w: %v", contracts.ErrHashChainBroken, err)
		}
		return canonicalize.ChainHash(outcomePayload(r), rec.PrevHash)
	case contracts.KindSnapshot:
		var s contracts.Snapshot
		if err := json.Unmarshal(rec.Payload, &s); err != nil {
			return "", fmt.Errorf("%w: %v", contracts.ErrHashChainBroken, err)
		}
		return canonicalize.ChainHash(s, rec.PrevHash)
	}
	return "", fmt.Errorf("%w: unknown kind %s", contracts.ErrHashChainBroken, rec.Kind)
}

// VerifyStream walks the full chain: hash integrity, gap-free monotonic
// seq, and prev-hash linkage.
func (l *Ledger) VerifyStream(ctx context.Context, w contracts.WorldLineID) error {
	recs, err := l.store.ReadRange(ctx, string(w), 1, ^uint64(0))
	if err != nil {
		return err
	}
	prev := ZeroHash
	for i, rec := range recs {
		if rec.Seq != uint64(i)+1 {
			return fmt.Errorf("%w: gap at seq %d", contracts.ErrHashChainBroken, rec.Seq)
		}
		if rec.PrevHash != prev {
			return fmt.Errorf("%w: bad prev at seq %d", contracts.ErrHashChainBroken, rec.Seq)
		}
		if err := verifyRecord(rec); err != nil {
			return err
		}
		prev = rec.ReceiptHash
	}
	return nil
}

// DecodeCommitment unmarshals a commitment record.
func DecodeCommitment(rec Record) (contracts.CommitmentReceipt, error) {
	var r contracts.CommitmentReceipt
	if rec.Kind != contracts.KindCommitment {
		return r, fmt.Errorf("ledger: record %d is %s, not a commitment", rec.Seq, rec.Kind)
	}
	if err := json.Unmarshal(rec.Payload, &r); err != nil {
		return r, err
	}
	return r, nil
}

// DecodeOutcome unmarshals an outcome record.
func DecodeOutcome(rec Record) (contracts.OutcomeReceipt, error) {
	var r contracts.OutcomeReceipt
	if rec.Kind != contracts.KindOutcome {
		return r, fmt.Errorf("ledger: record %d is %s, not an outcome", rec.Seq, rec.Kind)
	}
	if err := json.Unmarshal(rec.Payload, &r); err != nil {
		return r, err
	}
	return r, nil
}
