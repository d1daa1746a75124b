// Package contracts defines the kernel data model: worldlines, presence,
// couplings, commitment proposals, receipts, snapshots and the reason-code
// taxonomy shared by every subsystem.
package contracts

import (
	"encoding/hex"
	"time"
)

// WorldLineID is an opaque 256-bit persistent entity identity, hex-encoded.
type WorldLineID string

// Valid reports whether the id decodes to exactly 32 bytes.
func (id WorldLineID) Valid() bool {
	b, err := hex.DecodeString(string(id))
	return err == nil && len(b) == 32
}

// Profile tags the behavioral class of a worldline. Cross-profile coupling
// rules are a static table over pairs, not a hierarchy.
type Profile string

const (
	ProfileHumanLike    Profile = "HUMAN_LIKE"
	ProfileWorldlike    Profile = "WORLDLIKE"
	ProfileCoordination Profile = "COORDINATION"
	ProfileFinancial    Profile = "FINANCIAL"
)

// DefaultAttentionCapacity is the attention budget granted at minting unless
// the profile configuration overrides it.
const DefaultAttentionCapacity = 1000.0

// WorldLine is a persistent identity with its own receipt stream. Created
// once, never destroyed; retirement is a terminal commitment, not a delete.
type WorldLine struct {
	ID              WorldLineID `json:"id"`
	GenesisHash     string      `json:"genesis_hash"`
	HeadReceiptHash string      `json:"head_receipt_hash"`
	Epoch           uint64      `json:"epoch"`
	Profile         Profile     `json:"profile"`
	AttentionBudget float64     `json:"attention_budget"`
	SigningKeyRef   string      `json:"signing_key_ref"`
}

// TemporalAnchor is a per-entity strictly increasing sequence with an
// advisory wall-clock hint. Cross-entity comparison is only meaningful
// through recorded happened-before dependencies.
type TemporalAnchor struct {
	WorldLine WorldLineID `json:"worldline"`
	Seq       uint64      `json:"seq"`
	WallHint  time.Time   `json:"wall_hint"`
}

// PresenceState is the four-axis gradient availability state. Every axis is
// in [0,1]; silent forces discoverability to at most PresenceSilentEpsilon.
type PresenceState struct {
	Discoverability   float64 `json:"discoverability"`
	Responsiveness    float64 `json:"responsiveness"`
	Stability         float64 `json:"stability"`
	CouplingReadiness float64 `json:"coupling_readiness"`
	Silent            bool    `json:"silent"`
}

// PresenceSilentEpsilon bounds discoverability while silent.
const PresenceSilentEpsilon = 0.01

// Validate checks the axis ranges and the silent clamp.
func (p PresenceState) Validate() error {
	for _, v := range []float64{p.Discoverability, p.Responsiveness, p.Stability, p.CouplingReadiness} {
		if v < 0 || v > 1 {
			return ErrPresenceAxisOutOfRange
		}
	}
	if p.Silent && p.Discoverability > PresenceSilentEpsilon {
		return ErrPresenceSilentClamp
	}
	return nil
}

// CouplingScope bounds what flows over a coupling.
type CouplingScope string

const (
	ScopeFull              CouplingScope = "FULL"
	ScopeStateOnly         CouplingScope = "STATE_ONLY"
	ScopeIntentOnly        CouplingScope = "INTENT_ONLY"
	ScopeObservationalOnly CouplingScope = "OBSERVATIONAL_ONLY"
)

// CouplingSymmetry marks whether the relationship is reciprocal.
type CouplingSymmetry string

const (
	SymmetrySymmetric  CouplingSymmetry = "SYMMETRIC"
	SymmetryAsymmetric CouplingSymmetry = "ASYMMETRIC"
)

// CouplingPersistence marks the intended lifetime of the edge.
type CouplingPersistence string

const (
	PersistenceTransient  CouplingPersistence = "TRANSIENT"
	PersistenceSession    CouplingPersistence = "SESSION"
	PersistencePersistent CouplingPersistence = "PERSISTENT"
)

// Strengthening bounds. The first step is capped harder than later steps so
// trust accumulates gradually.
const (
	InitialStrengthMax = 0.3
	StrengthenDeltaMax = 0.1
)

// CouplingID identifies a directed edge.
type CouplingID string

// CouplingState tracks decoupling deferral.
type CouplingState string

const (
	CouplingActive          CouplingState = "ACTIVE"
	CouplingPendingDecouple CouplingState = "PENDING_DECOUPLE"
	CouplingDecoupled       CouplingState = "DECOUPLED"
)

// Coupling is a directed weighted edge between two worldlines.
type Coupling struct {
	ID                 CouplingID          `json:"id"`
	Source             WorldLineID         `json:"source"`
	Target             WorldLineID         `json:"target"`
	Strength           float64             `json:"strength"`
	AttentionCost      float64             `json:"attention_cost"`
	Scope              CouplingScope       `json:"scope"`
	Symmetry           CouplingSymmetry    `json:"symmetry"`
	Persistence        CouplingPersistence `json:"persistence"`
	MeaningConvergence float64             `json:"meaning_convergence"`
	State              CouplingState       `json:"state"`
	CreatedAt          TemporalAnchor      `json:"created_at"`
	LastStrengthenedAt TemporalAnchor      `json:"last_strengthened_at"`
}
