// Package identity mints and resumes persistent worldline identities.
//
// A worldline id is 256 bits derived from cryptographic entropy and the
// entity's Ed25519 public key. Minting writes a genesis commitment whose
// prev_hash is zero; resuming verifies the continuity chain against the
// ledger head and a signature over a fresh challenge.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/mapleaiorg/maple/core/pkg/contracts"
)

// LedgerHead resolves the current head receipt hash of a worldline stream.
// The ledger package satisfies this; the registry never writes receipts
// itself beyond requesting the genesis append.
type LedgerHead interface {
	Head(w contracts.WorldLineID) (string, error)
}

// GenesisWriter appends the genesis commitment for a freshly minted
// worldline and returns its receipt hash.
type GenesisWriter interface {
	AppendGenesis(w contracts.WorldLine) (string, error)
}

// Registry mints and resolves worldline identities. The only mutable state
// per identity is the head-receipt cache, advanced atomically on append.
type Registry struct {
	mu      sync.RWMutex
	entries map[contracts.WorldLineID]*entry
	heads   LedgerHead
	genesis GenesisWriter
}

type entry struct {
	worldline contracts.WorldLine
	pub       ed25519.PublicKey
}

// NewRegistry creates a registry backed by the given ledger surfaces.
func NewRegistry(heads LedgerHead, genesis GenesisWriter) *Registry {
	return &Registry{
		entries: make(map[contracts.WorldLineID]*entry),
		heads:   heads,
		genesis: genesis,
	}
}

// Mint creates a new worldline with the given profile, writing its genesis
// commitment. The caller holds the private key; the registry keeps only the
// public half for challenge verification.
func (r *Registry) Mint(profile contracts.Profile, pub ed25519.PublicKey) (contracts.WorldLine, error) {
	var entropy [32]byte
	if _, err := rand.Read(entropy[:]); err != nil {
		return contracts.WorldLine{}, fmt.Errorf("identity: entropy: %w", err)
	}

	h, err := blake2b.New256(nil)
	if err != nil {
		return contracts.WorldLine{}, fmt.Errorf("identity: blake2b: %w", err)
	}
	h.Write(entropy[:])
	h.Write(pub)
	id := contracts.WorldLineID(hex.EncodeToString(h.Sum(nil)))

	w := contracts.WorldLine{
		ID:              id,
		Profile:         profile,
		Epoch:           0,
		AttentionBudget: contracts.DefaultAttentionCapacity,
		SigningKeyRef:   "ed25519:" + hex.EncodeToString(pub),
	}

	genesisHash, err := r.genesis.AppendGenesis(w)
	if err != nil {
		return contracts.WorldLine{}, fmt.Errorf("identity: genesis append: %w", err)
	}
	w.GenesisHash = genesisHash
	w.HeadReceiptHash = genesisHash

	r.mu.Lock()
	r.entries[id] = &entry{worldline: w, pub: pub}
	r.mu.Unlock()
	return w, nil
}

// Challenge returns 32 fresh bytes the caller must sign to resume.
func (r *Registry) Challenge() ([]byte, error) {
	c := make([]byte, 32)
	if _, err := rand.Read(c); err != nil {
		return nil, fmt.Errorf("identity: challenge: %w", err)
	}
	return c, nil
}

// Resume verifies a continuity claim: the identity must exist, the claimed
// head must equal the ledger head, and the challenge signature must verify.
func (r *Registry) Resume(id contracts.WorldLineID, claimedHead string, challenge, sig []byte) (contracts.WorldLine, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return contracts.WorldLine{}, contracts.ErrIdentityUnknown
	}

	head, err := r.heads.Head(id)
	if err != nil {
		return contracts.WorldLine{}, fmt.Errorf("identity: head lookup: %w", err)
	}
	if head != claimedHead {
		return contracts.WorldLine{}, fmt.Errorf("%w: claimed %s, ledger %s", contracts.ErrContinuityBroken, claimedHead, head)
	}
	if !ed25519.Verify(e.pub, challenge, sig) {
		return contracts.WorldLine{}, fmt.Errorf("%w: challenge signature invalid", contracts.ErrContinuityBroken)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return e.worldline, nil
}

// Resolve returns the worldline for an id.
func (r *Registry) Resolve(id contracts.WorldLineID) (contracts.WorldLine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return contracts.WorldLine{}, contracts.ErrIdentityUnknown
	}
	return e.worldline, nil
}

// Registered reports whether the id exists.
func (r *Registry) Registered(id contracts.WorldLineID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// AdvanceHead updates the head-receipt cache after a ledger append. Called
// by the ledger's append path; the update is atomic under the registry lock.
func (r *Registry) AdvanceHead(id contracts.WorldLineID, head string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.worldline.HeadReceiptHash = head
	}
}
