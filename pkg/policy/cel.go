package policy

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"

	"github.com/mapleaiorg/maple/core/pkg/canonicalize"
	"github.com/mapleaiorg/maple/core/pkg/contracts"
)

// Rule is one named CEL expression. A proposal is accepted only when every
// rule whose tier covers the proposal evaluates to true.
type Rule struct {
	Name string `json:"name"`
	// Expr is a CEL expression over: class, tier, intent, effect_domain,
	// capabilities (list), nonce, projection (map).
	Expr string `json:"expr"`
	// MaxTier bounds the tiers the rule applies to; 3 applies everywhere.
	MaxTier int `json:"max_tier"`
	// Grants are capabilities granted when the rule passes.
	Grants []string `json:"grants,omitempty"`
}

// CELEngine evaluates proposals against a fixed, compiled rule set. The
// policy hash covers the canonical rule set and version, so two engines
// loaded from the same rules report the same hash.
type CELEngine struct {
	env        *cel.Env
	rules      []Rule
	programs   []cel.Program
	version    string
	policyHash string
	quorums    QuorumConfig
}

// NewCELEngine compiles the rule set. Compilation failures surface here, not
// at evaluation time; an engine that failed to build never evaluates.
func NewCELEngine(version string, rules []Rule) (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("class", cel.StringType),
		cel.Variable("tier", cel.IntType),
		cel.Variable("intent", cel.StringType),
		cel.Variable("effect_domain", cel.StringType),
		cel.Variable("capabilities", cel.ListType(cel.StringType)),
		cel.Variable("nonce", cel.UintType),
		cel.Variable("projection", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}

	e := &CELEngine{env: env, rules: rules, version: version}
	for _, r := range rules {
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy: rule %q: %w", r.Name, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("policy: rule %q program: %w", r.Name, err)
		}
		e.programs = append(e.programs, prg)
	}

	hash, err := canonicalize.Hash(struct {
		Version string `json:"version"`
		Rules   []Rule `json:"rules"`
	}{version, rules})
	if err != nil {
		return nil, fmt.Errorf("policy: hash: %w", err)
	}
	e.policyHash = hash
	e.quorums = DefaultQuorums()
	return e, nil
}

// WithQuorums overrides the per-tier rule quorum. A proposal is only
// acceptable when at least quorum[tier] rules cover its tier; higher tiers
// therefore demand broader policy agreement.
func (e *CELEngine) WithQuorums(q QuorumConfig) *CELEngine {
	e.quorums = q
	return e
}

// PolicyHash implements Engine.
func (e *CELEngine) PolicyHash() string { return e.policyHash }

// Version returns the engine's semantic policy version.
func (e *CELEngine) Version() string { return e.version }

// Evaluate implements Engine. Fail-closed: any evaluation error denies.
func (e *CELEngine) Evaluate(ctx context.Context, req *Request) (*Decision, error) {
	tier := req.Proposal.Class.Tier()

	activation := map[string]any{
		"class":         string(req.Proposal.Class),
		"tier":          tier,
		"intent":        req.Proposal.Intent,
		"effect_domain": req.Proposal.EffectDomain,
		"capabilities":  req.CallerCapabilities,
		"nonce":         req.Proposal.Nonce,
		"projection":    req.Projection,
	}
	if activation["projection"] == nil {
		activation["projection"] = map[string]any{}
	}

	// Quorum: the rule set must carry enough tier coverage for the request.
	covering := 0
	for _, r := range e.rules {
		if tier <= r.MaxTier {
			covering++
		}
	}
	if covering < e.quorums[tier] {
		return Deny(e.policyHash, tier, contracts.ReasonPolicyDenied), nil
	}

	grants := make(map[string]bool)
	for i, r := range e.rules {
		if tier > r.MaxTier {
			return Deny(e.policyHash, tier, contracts.ReasonPolicyDenied), nil
		}
		select {
		case <-ctx.Done():
			return Deny(e.policyHash, tier, contracts.ReasonPolicyTimeout), nil
		default:
		}

		out, _, err := e.programs[i].Eval(activation)
		if err != nil {
			// Fail closed on evaluation error.
			return Deny(e.policyHash, tier, contracts.ReasonPolicyDenied), nil
		}
		allowed, ok := out.Value().(bool)
		if !ok || !allowed {
			return Deny(e.policyHash, tier, contracts.ReasonPolicyDenied), nil
		}
		for _, g := range r.Grants {
			grants[g] = true
		}
	}

	granted := make([]string, 0, len(grants))
	for g := range grants {
		granted = append(granted, g)
	}
	sort.Strings(granted)

	d := &Decision{
		Accepted:            true,
		CapabilitiesGranted: granted,
		PolicyHash:          e.policyHash,
		Tier:                tier,
	}
	var err error
	d.DecisionHash, err = ComputeDecisionHash(d)
	if err != nil {
		return Deny(e.policyHash, tier, contracts.ReasonPolicyDenied), nil
	}
	return d, nil
}
