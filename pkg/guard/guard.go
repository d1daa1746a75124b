// Package guard enforces the kernel's architectural invariants as named
// precondition checks. Every state-changing kernel operation consults the
// guard before proceeding; checks are fail-closed and cannot be disabled at
// runtime.
package guard

import (
	"github.com/mapleaiorg/maple/core/pkg/contracts"
)

// DefaultMeaningThreshold gates intent formation on meaning convergence.
const DefaultMeaningThreshold = 0.5

// PresenceView is the freshness surface of the presence fabric.
type PresenceView interface {
	FreshWithin(w contracts.WorldLineID) bool
}

// CouplingView is the slice of the coupling fabric the guard reads.
type CouplingView interface {
	Get(id contracts.CouplingID) (contracts.Coupling, error)
	Outgoing(w contracts.WorldLineID) []contracts.Coupling
}

// ProfileResolver resolves profiles for the agency check.
type ProfileResolver interface {
	Resolve(id contracts.WorldLineID) (contracts.WorldLine, error)
}

// BudgetReader matches the attention allocator's Allocated method.
type BudgetReader interface {
	Allocated(w contracts.WorldLineID) (allocated, capacity, reserved float64, err error)
}

// Guard evaluates the eight invariants.
type Guard struct {
	presence PresenceView
	coupling CouplingView
	budgets  BudgetReader
	profiles ProfileResolver

	meaningThreshold map[contracts.Profile]float64
}

// New creates a guard over the given views. Per-profile meaning thresholds
// default to DefaultMeaningThreshold.
func New(presence PresenceView, coupling CouplingView, budgets BudgetReader, profiles ProfileResolver) *Guard {
	return &Guard{
		presence:         presence,
		coupling:         coupling,
		budgets:          budgets,
		profiles:         profiles,
		meaningThreshold: make(map[contracts.Profile]float64),
	}
}

// SetMeaningThreshold overrides the intent-formation threshold for one
// profile. There is deliberately no API to disable a check: safety rule
// evaluators stay armed for the life of the process (invariant 6).
func (g *Guard) SetMeaningThreshold(p contracts.Profile, t float64) {
	g.meaningThreshold[p] = t
}

func (g *Guard) thresholdFor(p contracts.Profile) float64 {
	if t, ok := g.meaningThreshold[p]; ok {
		return t
	}
	return DefaultMeaningThreshold
}

// CheckPresenceBeforeMeaning — invariant 1. Meaning recording requires a
// fresh presence signal within the validity window.
func (g *Guard) CheckPresenceBeforeMeaning(w contracts.WorldLineID) error {
	if !g.presence.FreshWithin(w) {
		return &contracts.InvariantError{Which: contracts.InvPresenceBeforeMeaning, Detail: "no fresh presence signal"}
	}
	return nil
}

// CheckCouplingBeforeMeaning — invariant 2. Convergence updates require an
// established coupling with non-zero strength.
func (g *Guard) CheckCouplingBeforeMeaning(id contracts.CouplingID) error {
	c, err := g.coupling.Get(id)
	if err != nil || c.State != contracts.CouplingActive {
		return &contracts.InvariantError{Which: contracts.InvCouplingBeforeMeaning, Detail: "coupling not established"}
	}
	if c.Strength <= 0 {
		return &contracts.InvariantError{Which: contracts.InvCouplingBeforeMeaning, Detail: "coupling strength is zero"}
	}
	return nil
}

// CheckMeaningBeforeIntent — invariant 3. Intent formation requires meaning
// convergence at or above the (per-profile) threshold on the bound coupling.
func (g *Guard) CheckMeaningBeforeIntent(w contracts.WorldLineID, id contracts.CouplingID) error {
	c, err := g.coupling.Get(id)
	if err != nil {
		return &contracts.InvariantError{Which: contracts.InvMeaningBeforeIntent, Detail: "no coupling for intent"}
	}
	threshold := DefaultMeaningThreshold
	if wl, err := g.profiles.Resolve(w); err == nil {
		threshold = g.thresholdFor(wl.Profile)
	}
	if c.MeaningConvergence < threshold {
		return &contracts.InvariantError{Which: contracts.InvMeaningBeforeIntent, Detail: "meaning convergence below threshold"}
	}
	return nil
}

// CheckCommitmentBeforeConsequence — invariant 4. Drivers only run against
// an approved commitment in a non-terminal, executable state.
func (g *Guard) CheckCommitmentBeforeConsequence(state contracts.CommitmentState) error {
	if state != contracts.StateApproved && state != contracts.StateExecutionStarted {
		return &contracts.InvariantError{Which: contracts.InvCommitmentBeforeConsequence, Detail: string(state)}
	}
	return nil
}

// CheckCouplingBoundedByAttention — invariant 5. The sum of outgoing coupling
// costs must not exceed the entity's allocated attention.
func (g *Guard) CheckCouplingBoundedByAttention(w contracts.WorldLineID) error {
	allocated, _, _, err := g.budgets.Allocated(w)
	if err != nil {
		return &contracts.InvariantError{Which: contracts.InvCouplingBoundedByAttention, Detail: "no budget registered"}
	}
	sum := 0.0
	for _, c := range g.coupling.Outgoing(w) {
		sum += c.AttentionCost
	}
	// Small epsilon absorbs float accumulation across many edges.
	if sum > allocated+1e-9 {
		return &contracts.InvariantError{Which: contracts.InvCouplingBoundedByAttention, Detail: "outgoing costs exceed allocation"}
	}
	return nil
}

// CheckAgencyNonBypass — invariant 7. Any operation that would prevent a
// HumanLike entity from decoupling is refused.
//
// Plan bytes are opaque, so the guard cannot recognize a lock-the-coupling
// intent by inspection; it fails closed instead. A tier-3 proposal
// (PolicyChange, OperatorUpgrade) bound to a coupling with a HumanLike
// endpoint is refused outright, whatever its plan encodes: those are the
// only classes whose approved effects can alter kernel policy, and the
// kernel cannot prove an opaque plan leaves the human's decouple path
// intact. Lower tiers never reach that path structurally — drivers act in
// external domains and the fabric's Decouple has no denial branch.
func (g *Guard) CheckAgencyNonBypass(p contracts.CommitmentProposal) error {
	if p.Class.Tier() < 3 {
		return nil
	}
	if p.CounterpartyCoupling == "" {
		return nil
	}
	c, err := g.coupling.Get(p.CounterpartyCoupling)
	if err != nil {
		return nil
	}
	for _, end := range []contracts.WorldLineID{c.Source, c.Target} {
		wl, err := g.profiles.Resolve(end)
		if err == nil && wl.Profile == contracts.ProfileHumanLike {
			return &contracts.InvariantError{Which: contracts.InvAgencyNonBypass, Detail: "tier-3 plan bound to a coupling involving a HumanLike entity"}
		}
	}
	return nil
}

// CheckProposal runs the gate-scoped invariant sweep over a proposal and
// returns every violated reason. Invariant 8 (explicit failure) is
// structural: the gate records each violation durably rather than dropping
// it.
func (g *Guard) CheckProposal(p contracts.CommitmentProposal) []contracts.ReasonCode {
	var reasons []contracts.ReasonCode

	if err := g.CheckPresenceBeforeMeaning(p.WorldLine); err != nil {
		reasons = append(reasons, contracts.ReasonInvariantViolation, contracts.ReasonPresenceMissing)
	}
	if p.CounterpartyCoupling != "" {
		if err := g.CheckMeaningBeforeIntent(p.WorldLine, p.CounterpartyCoupling); err != nil {
			reasons = append(reasons, contracts.ReasonInvariantViolation)
		}
	}
	if err := g.CheckCouplingBoundedByAttention(p.WorldLine); err != nil {
		reasons = append(reasons, contracts.ReasonInvariantViolation)
	}
	if err := g.CheckAgencyNonBypass(p); err != nil {
		reasons = append(reasons, contracts.ReasonAgencyViolation)
	}
	return dedupe(reasons)
}

func dedupe(in []contracts.ReasonCode) []contracts.ReasonCode {
	seen := make(map[contracts.ReasonCode]bool, len(in))
	out := in[:0]
	for _, r := range in {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}
