package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/mapleaiorg/maple/core/pkg/contracts"
)

// VersionGate constrains tier-3 proposals (PolicyChange, OperatorUpgrade) to
// policy versions inside an allowed semver range. Downgrades and
// out-of-range upgrades are denied before the rule set even runs.
type VersionGate struct {
	current    *semver.Version
	constraint *semver.Constraints
}

// NewVersionGate parses the current policy version and the constraint the
// next version must satisfy (e.g. ">= 1.2.0, < 2.0.0").
func NewVersionGate(current, constraint string) (*VersionGate, error) {
	v, err := semver.NewVersion(current)
	if err != nil {
		return nil, fmt.Errorf("policy: current version %q: %w", current, err)
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("policy: constraint %q: %w", constraint, err)
	}
	return &VersionGate{current: v, constraint: c}, nil
}

// VersionedEngine wraps an Engine with a VersionGate. Tier-3 proposals
// (PolicyChange, OperatorUpgrade) must carry a "policy_version" field in
// their plan JSON; versions outside the gate's range deny before the rule
// set runs.
type VersionedEngine struct {
	Engine
	gate *VersionGate
}

// WithVersionGate composes the gate in front of an engine.
func WithVersionGate(e Engine, g *VersionGate) *VersionedEngine {
	return &VersionedEngine{Engine: e, gate: g}
}

// Evaluate implements Engine.
func (v *VersionedEngine) Evaluate(ctx context.Context, req *Request) (*Decision, error) {
	if req.Proposal.Class.Tier() >= 3 {
		proposed := req.PolicyVersion
		if proposed == "" {
			proposed = planPolicyVersion(req.Proposal.Plan)
		}
		if err := v.gate.Check(req.Proposal.Class, proposed); err != nil {
			return Deny(v.PolicyHash(), req.Proposal.Class.Tier(), contracts.ReasonPolicyDenied), nil
		}
	}
	return v.Engine.Evaluate(ctx, req)
}

// planPolicyVersion pulls the policy_version field from a JSON plan; an
// empty result fails the gate's parse check downstream.
func planPolicyVersion(plan []byte) string {
	var doc struct {
		PolicyVersion string `json:"policy_version"`
	}
	if err := json.Unmarshal(plan, &doc); err != nil {
		return ""
	}
	return doc.PolicyVersion
}

// Check validates a proposed policy version for a tier-3 class. Non-tier-3
// classes pass unconditionally.
func (g *VersionGate) Check(class contracts.CommitmentClass, proposed string) error {
	if class.Tier() < 3 {
		return nil
	}
	v, err := semver.NewVersion(proposed)
	if err != nil {
		return fmt.Errorf("%w: unparseable policy version %q", contracts.ErrPolicyDenied, proposed)
	}
	if v.LessThan(g.current) {
		return fmt.Errorf("%w: version %s downgrades current %s", contracts.ErrPolicyDenied, proposed, g.current)
	}
	if !g.constraint.Check(v) {
		return fmt.Errorf("%w: version %s outside allowed range", contracts.ErrPolicyDenied, proposed)
	}
	return nil
}
