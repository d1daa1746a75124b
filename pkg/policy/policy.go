// Package policy defines the pluggable policy-evaluation trait the gate
// delegates to.
//
// Every engine MUST be fail-closed (deny on error or timeout), deterministic
// for fixed inputs, and return a policy hash that is stable over semantically
// identical policies. Decision hashes are JCS-canonical SHA-256 and are
// bound into commitment receipts.
package policy

import (
	"context"
	"fmt"

	"github.com/mapleaiorg/maple/core/pkg/canonicalize"
	"github.com/mapleaiorg/maple/core/pkg/contracts"
)

// Decision is the canonical output of a policy evaluation.
type Decision struct {
	Accepted            bool                   `json:"accepted"`
	Reasons             []contracts.ReasonCode `json:"reasons"`
	CapabilitiesGranted []string               `json:"capabilities_granted"`
	PolicyHash          string                 `json:"policy_hash"`
	Tier                int                    `json:"tier"`
	DecisionHash        string                 `json:"decision_hash"`
}

// Request is the structured input to an evaluation.
type Request struct {
	Proposal           contracts.CommitmentProposal `json:"proposal"`
	CallerCapabilities []string                     `json:"caller_capabilities"`
	// Projection exposes the caller's stream state to the policy (head hash,
	// commitment counts), kept to plain values so evaluation is pure.
	Projection    map[string]any `json:"projection,omitempty"`
	PolicyVersion string         `json:"policy_version,omitempty"`
}

// Engine is the stable evaluation interface.
type Engine interface {
	// Evaluate runs the policy. MUST be fail-closed.
	Evaluate(ctx context.Context, req *Request) (*Decision, error)

	// PolicyHash returns a content-addressed hash of the active policy set.
	PolicyHash() string
}

// QuorumConfig maps policy tiers to the approvals a decision requires.
// Tier 0 is read-only, 1 external I/O, 2 funds/legal, 3 upgrade.
type QuorumConfig map[int]int

// DefaultQuorums requires progressively more approvals per tier.
func DefaultQuorums() QuorumConfig {
	return QuorumConfig{0: 1, 1: 1, 2: 2, 3: 3}
}

// ComputeDecisionHash produces the deterministic hash bound into receipts.
// The hash field itself is excluded from the canonical form.
func ComputeDecisionHash(d *Decision) (string, error) {
	hashInput := struct {
		Accepted            bool                   `json:"accepted"`
		Reasons             []contracts.ReasonCode `json:"reasons"`
		CapabilitiesGranted []string               `json:"capabilities_granted"`
		PolicyHash          string                 `json:"policy_hash"`
		Tier                int                    `json:"tier"`
	}{d.Accepted, d.Reasons, d.CapabilitiesGranted, d.PolicyHash, d.Tier}

	hash, err := canonicalize.Hash(hashInput)
	if err != nil {
		return "", fmt.Errorf("policy: decision hash canonicalization failed: %w", err)
	}
	return hash, nil
}

// Deny builds a fail-closed denial with the given reasons.
func Deny(policyHash string, tier int, reasons ...contracts.ReasonCode) *Decision {
	d := &Decision{Accepted: false, Reasons: reasons, PolicyHash: policyHash, Tier: tier}
	d.DecisionHash, _ = ComputeDecisionHash(d)
	return d
}
