package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/mapleaiorg/maple/core/pkg/capability"
	"github.com/mapleaiorg/maple/core/pkg/contracts"
	"github.com/mapleaiorg/maple/core/pkg/guard"
	"github.com/mapleaiorg/maple/core/pkg/ledger"
	"github.com/mapleaiorg/maple/core/pkg/policy"
	"github.com/mapleaiorg/maple/core/pkg/scheduler"
)

// Config bounds gate execution.
type Config struct {
	PolicyTimeout time.Duration
	DriverTimeout time.Duration
	// BindingWindow bounds how old a proposal's temporal anchor wall hint may
	// be, measured against the gate clock, for the binding to stay valid.
	BindingWindow time.Duration
	// RecoveryDeadline is how long an Approved commitment may sit without an
	// outcome before the sweep expires it.
	RecoveryDeadline time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PolicyTimeout:    2 * time.Second,
		DriverTimeout:    30 * time.Second,
		BindingWindow:    5 * time.Minute,
		RecoveryDeadline: 10 * time.Minute,
	}
}

// CouplingBinder is the slice of the coupling fabric the gate binds through.
type CouplingBinder interface {
	Get(id contracts.CouplingID) (contracts.Coupling, error)
	Retain(id contracts.CouplingID, commitmentHash string) error
	ReleaseRef(id contracts.CouplingID, commitmentHash string)
}

// Gate enforces the commitment lifecycle. Run is the single entrypoint from
// proposal to outcome; there is no other path to a consequence driver.
type Gate struct {
	cfg       Config
	guard     *guard.Guard
	engine    policy.Engine
	ledger    *ledger.Ledger
	registry  *Registry
	lifecycle *LifecycleLog
	couplings CouplingBinder
	breaker   *scheduler.DomainBreaker
	sched     *scheduler.Scheduler

	// submitMu serializes runs per worldline so idempotency checks and
	// appends cannot interleave for one stream.
	mu       sync.Mutex
	submitMu map[contracts.WorldLineID]*sync.Mutex

	clock func() time.Time
}

// New wires a gate.
func New(cfg Config, g *guard.Guard, engine policy.Engine, l *ledger.Ledger, reg *Registry, couplings CouplingBinder, breaker *scheduler.DomainBreaker, sched *scheduler.Scheduler) *Gate {
	return &Gate{
		cfg:       cfg,
		guard:     g,
		engine:    engine,
		ledger:    l,
		registry:  reg,
		lifecycle: NewLifecycleLog(),
		couplings: couplings,
		breaker:   breaker,
		sched:     sched,
		submitMu:  make(map[contracts.WorldLineID]*sync.Mutex),
		clock:     time.Now,
	}
}

// Lifecycle exposes the transition log for observers and the recovery sweep.
func (g *Gate) Lifecycle() *LifecycleLog { return g.lifecycle }

func (g *Gate) lockFor(w contracts.WorldLineID) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.submitMu[w]
	if !ok {
		m = &sync.Mutex{}
		g.submitMu[w] = m
	}
	return m
}

// Run takes a proposal through the full algorithm: invariants, breaker,
// policy, capabilities, binding, durable commitment, execution, durable
// outcome. Every invariant, breaker, policy, capability or binding failure
// yields a Denied commitment plus a Rejected outcome; execution failures
// yield a Failed outcome. Admission denials and ledger errors are returned
// to the caller without a receipt. Submission is
// idempotent on (worldline, nonce): a replay returns the recorded outcome.
func (g *Gate) Run(ctx context.Context, p contracts.CommitmentProposal) (contracts.OutcomeReceipt, error) {
	wm := g.lockFor(p.WorldLine)
	wm.Lock()
	defer wm.Unlock()

	// Intent text is normalized before hashing so equivalent Unicode forms
	// produce one proposal hash.
	p.Intent = norm.NFC.String(p.Intent)

	// Idempotency: a recorded outcome for this nonce is the answer.
	if prior, ok, err := g.priorOutcome(ctx, p); err != nil {
		return contracts.OutcomeReceipt{}, err
	} else if ok {
		return prior, nil
	}

	// Admission: gate work runs in the class implied by the proposal tier.
	token, err := g.sched.Admit(ctx, classFor(p.Class))
	if err != nil {
		return contracts.OutcomeReceipt{}, err
	}
	defer token.Release()

	// Step 1: invariant sweep. Violations are gate-scoped, so they are
	// ledgered rather than returned bare.
	if reasons := g.guard.CheckProposal(p); len(reasons) > 0 {
		return g.deny(ctx, p, reasons, "")
	}

	// Step 2a: consequence-domain circuit breaker, consulted at the policy
	// step per the scheduler contract.
	if p.EffectDomain != "" && !g.breaker.Allow(p.EffectDomain) {
		return g.deny(ctx, p, []contracts.ReasonCode{contracts.ReasonCircuitOpen}, "")
	}

	// Step 2b: policy evaluation, bounded by the policy timeout.
	decision, err := g.evaluate(ctx, p)
	if err != nil {
		return contracts.OutcomeReceipt{}, err
	}
	if !decision.Accepted {
		return g.deny(ctx, p, decision.Reasons, decision.PolicyHash)
	}

	// Step 3: capability check.
	if ok, _ := capability.Covers(decision.CapabilitiesGranted, p.RequestedCapabilities); !ok {
		return g.deny(ctx, p, []contracts.ReasonCode{contracts.ReasonCapabilityMissing}, decision.PolicyHash)
	}

	// Step 4: commitment binding to the counterparty coupling.
	if p.CounterpartyCoupling != "" {
		if err := g.checkBinding(p); err != nil {
			return g.deny(ctx, p, []contracts.ReasonCode{contracts.ReasonBindingInvalid}, decision.PolicyHash)
		}
	}

	// Step 5: durable commitment. Once appended it is referenceable.
	receipt, err := g.ledger.AppendCommitment(ctx, p, contracts.DecisionAccepted, nil, decision.PolicyHash, decision.CapabilitiesGranted)
	if err != nil {
		return contracts.OutcomeReceipt{}, err
	}
	g.lifecycle.Open(receipt.ReceiptHash)
	if err := g.lifecycle.Transition(receipt.ReceiptHash, contracts.StateApproved, "policy accepted"); err != nil {
		return contracts.OutcomeReceipt{}, err
	}

	if p.CounterpartyCoupling != "" {
		if err := g.couplings.Retain(p.CounterpartyCoupling, receipt.ReceiptHash); err != nil {
			// The coupling vanished between binding and append; the
			// commitment is durable, so the failure must be too.
			return g.failOutcome(ctx, p, receipt, DriverResult{}, contracts.ReasonBindingInvalid)
		}
		defer g.couplings.ReleaseRef(p.CounterpartyCoupling, receipt.ReceiptHash)
	}

	// Steps 6–8: execute and record.
	return g.execute(ctx, p, receipt)
}

func classFor(c contracts.CommitmentClass) scheduler.AttentionClass {
	switch c.Tier() {
	case 0:
		return scheduler.ClassBackground
	case 1:
		return scheduler.ClassNormal
	case 2:
		return scheduler.ClassHigh
	default:
		return scheduler.ClassCritical
	}
}

func (g *Gate) priorOutcome(ctx context.Context, p contracts.CommitmentProposal) (contracts.OutcomeReceipt, bool, error) {
	state, err := g.ledger.LatestState(ctx, p.WorldLine)
	if err != nil {
		return contracts.OutcomeReceipt{}, false, err
	}
	hash, ok := state.ByNonce[p.Nonce]
	if !ok {
		return contracts.OutcomeReceipt{}, false, nil
	}
	rec, err := g.ledger.GetByHash(ctx, hash)
	if err != nil {
		return contracts.OutcomeReceipt{}, false, err
	}
	outcome, err := ledger.DecodeOutcome(rec)
	if err != nil {
		return contracts.OutcomeReceipt{}, false, err
	}
	return outcome, true, nil
}

func (g *Gate) evaluate(ctx context.Context, p contracts.CommitmentProposal) (*policy.Decision, error) {
	evalCtx, cancel := context.WithTimeout(ctx, g.cfg.PolicyTimeout)
	defer cancel()

	projection := map[string]any{}
	if state, err := g.ledger.LatestState(ctx, p.WorldLine); err == nil {
		projection["head_hash"] = state.HeadHash
		projection["commitments"] = len(state.Commitments)
	}

	type result struct {
		d   *policy.Decision
		err error
	}
	ch := make(chan result, 1)
	go func() {
		d, err := g.engine.Evaluate(evalCtx, &policy.Request{
			Proposal:           p,
			CallerCapabilities: p.RequestedCapabilities,
			Projection:         projection,
		})
		ch <- result{d, err}
	}()

	select {
	case <-evalCtx.Done():
		return policy.Deny(g.engine.PolicyHash(), p.Class.Tier(), contracts.ReasonPolicyTimeout), nil
	case r := <-ch:
		if r.err != nil {
			// Fail closed.
			return policy.Deny(g.engine.PolicyHash(), p.Class.Tier(), contracts.ReasonPolicyDenied), nil
		}
		return r.d, nil
	}
}

// checkBinding validates principal identity, temporal validity, effect
// domain and scope coverage for the bound coupling.
func (g *Gate) checkBinding(p contracts.CommitmentProposal) error {
	c, err := g.couplings.Get(p.CounterpartyCoupling)
	if err != nil {
		return fmt.Errorf("%w: coupling missing", contracts.ErrBindingInvalid)
	}
	if c.Source != p.WorldLine {
		return fmt.Errorf("%w: principal mismatch", contracts.ErrBindingInvalid)
	}
	if c.State != contracts.CouplingActive {
		return fmt.Errorf("%w: coupling not active", contracts.ErrBindingInvalid)
	}
	if !p.TemporalAnchor.WallHint.IsZero() && g.clock().Sub(p.TemporalAnchor.WallHint) > g.cfg.BindingWindow {
		return fmt.Errorf("%w: anchor outside binding window", contracts.ErrBindingInvalid)
	}
	if c.Scope == contracts.ScopeObservationalOnly {
		return fmt.Errorf("%w: observational coupling cannot carry effects", contracts.ErrBindingInvalid)
	}
	if p.EffectDomain != "" {
		if _, ok := g.registry.Lookup(p.EffectDomain); !ok {
			return fmt.Errorf("%w: no driver for domain %s", contracts.ErrBindingInvalid, p.EffectDomain)
		}
	}
	return nil
}

// deny appends the Denied commitment and its Rejected outcome, returning the
// outcome. This is the durable form of every pre-execution failure.
func (g *Gate) deny(ctx context.Context, p contracts.CommitmentProposal, reasons []contracts.ReasonCode, policyHash string) (contracts.OutcomeReceipt, error) {
	if policyHash == "" {
		policyHash = g.engine.PolicyHash()
	}
	receipt, err := g.ledger.AppendCommitment(ctx, p, contracts.DecisionRejected, reasons, policyHash, nil)
	if err != nil {
		return contracts.OutcomeReceipt{}, err
	}
	g.lifecycle.Open(receipt.ReceiptHash)
	if err := g.lifecycle.Transition(receipt.ReceiptHash, contracts.StateDenied, "denied"); err != nil {
		return contracts.OutcomeReceipt{}, err
	}
	outcome, err := g.ledger.AppendRejectionOutcome(ctx, p.WorldLine, receipt.ReceiptHash, reasons)
	if err != nil {
		return contracts.OutcomeReceipt{}, err
	}
	return outcome, nil
}

// execute runs steps 6–8 for an approved, appended commitment.
func (g *Gate) execute(ctx context.Context, p contracts.CommitmentProposal, receipt contracts.CommitmentReceipt) (contracts.OutcomeReceipt, error) {
	driver, ok := g.registry.Lookup(p.EffectDomain)
	if !ok {
		return g.failOutcome(ctx, p, receipt, DriverResult{}, contracts.ReasonDriverFailed)
	}
	if err := g.registry.ValidatePlan(p.EffectDomain, p.Plan); err != nil {
		return g.failOutcome(ctx, p, receipt, DriverResult{}, contracts.ReasonBindingInvalid)
	}

	state, _ := g.lifecycle.State(receipt.ReceiptHash)
	if err := g.guard.CheckCommitmentBeforeConsequence(state); err != nil {
		return g.failOutcome(ctx, p, receipt, DriverResult{}, contracts.ReasonInvariantViolation)
	}

	if err := g.lifecycle.Transition(receipt.ReceiptHash, contracts.StateExecutionStarted, "driver dispatch"); err != nil {
		return contracts.OutcomeReceipt{}, err
	}

	execCtx, cancel := context.WithTimeout(ctx, g.cfg.DriverTimeout)
	defer cancel()

	state, _ = g.lifecycle.State(receipt.ReceiptHash)
	result, err := driver.Execute(execCtx, &receipt, state, p.Plan)
	_ = g.lifecycle.Transition(receipt.ReceiptHash, contracts.StateActive, "driver running")

	// Cancellation mid-driver never rolls back applied effects: whatever
	// completed is recorded on the outcome.
	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, contracts.ErrDriverTimeout)):
		g.breaker.Record(p.EffectDomain, false)
		return g.failOutcomeWith(ctx, p, receipt, result, contracts.ReasonDriverTimeout)
	case err != nil:
		g.breaker.Record(p.EffectDomain, false)
		return g.failOutcomeWith(ctx, p, receipt, result, contracts.ReasonDriverFailed)
	case len(result.Failed) > 0:
		g.breaker.Record(p.EffectDomain, false)
		return g.failOutcomeWith(ctx, p, receipt, result, contracts.ReasonPartialCompletion)
	}

	g.breaker.Record(p.EffectDomain, true)
	outcome, err := g.ledger.AppendOutcome(ctx, p.WorldLine, receipt.ReceiptHash, contracts.OutcomeFulfilled, nil, result.Completed, result.ProofRefs)
	if err != nil {
		return contracts.OutcomeReceipt{}, err
	}
	_ = g.lifecycle.Transition(receipt.ReceiptHash, contracts.StateFulfilled, "fulfilled")
	return outcome, nil
}

// failOutcome records a Failed outcome for a commitment that never reached a
// runnable driver.
func (g *Gate) failOutcome(ctx context.Context, p contracts.CommitmentProposal, receipt contracts.CommitmentReceipt, result DriverResult, reason contracts.ReasonCode) (contracts.OutcomeReceipt, error) {
	if state, _ := g.lifecycle.State(receipt.ReceiptHash); state == contracts.StateApproved {
		_ = g.lifecycle.Transition(receipt.ReceiptHash, contracts.StateExecutionStarted, "failing")
	}
	return g.failOutcomeWith(ctx, p, receipt, result, reason)
}

// failOutcomeWith appends the Failed outcome, enumerating completed effects.
// Partial completion is always Failed — never promoted to success.
func (g *Gate) failOutcomeWith(ctx context.Context, p contracts.CommitmentProposal, receipt contracts.CommitmentReceipt, result DriverResult, reason contracts.ReasonCode) (contracts.OutcomeReceipt, error) {
	outcome, err := g.ledger.AppendOutcome(ctx, p.WorldLine, receipt.ReceiptHash, contracts.OutcomeFailed, []contracts.ReasonCode{reason}, result.Completed, result.ProofRefs)
	if err != nil {
		return contracts.OutcomeReceipt{}, err
	}
	if state, _ := g.lifecycle.State(receipt.ReceiptHash); state == contracts.StateExecutionStarted {
		_ = g.lifecycle.Transition(receipt.ReceiptHash, contracts.StateActive, "failing")
	}
	_ = g.lifecycle.Transition(receipt.ReceiptHash, contracts.StateFailed, string(reason))
	return outcome, nil
}
