// Package runtime is the kernel façade: it owns every subsystem, wires them
// in bootstrap order, vends handles, and drains them in reverse order on
// shutdown. It is the only process-wide object; there are no ambient mutable
// globals.
package runtime

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/mapleaiorg/maple/core/pkg/attention"
	"github.com/mapleaiorg/maple/core/pkg/capability"
	"github.com/mapleaiorg/maple/core/pkg/config"
	"github.com/mapleaiorg/maple/core/pkg/contracts"
	"github.com/mapleaiorg/maple/core/pkg/coupling"
	"github.com/mapleaiorg/maple/core/pkg/events"
	"github.com/mapleaiorg/maple/core/pkg/gate"
	"github.com/mapleaiorg/maple/core/pkg/guard"
	"github.com/mapleaiorg/maple/core/pkg/identity"
	"github.com/mapleaiorg/maple/core/pkg/ledger"
	"github.com/mapleaiorg/maple/core/pkg/observability"
	"github.com/mapleaiorg/maple/core/pkg/policy"
	"github.com/mapleaiorg/maple/core/pkg/presence"
	"github.com/mapleaiorg/maple/core/pkg/scheduler"
	"github.com/mapleaiorg/maple/core/pkg/temporal"
)

// Options assembles the collaborator-supplied parts of a kernel.
type Options struct {
	Config  *config.Config
	Store   ledger.Storage
	Engine  policy.Engine
	Drivers *gate.Registry
	// VersionGate, when set, bounds tier-3 proposals to an allowed policy
	// version range before the engine runs.
	VersionGate *policy.VersionGate
	// PresenceLimiter defaults to the in-memory store when nil.
	PresenceLimiter presence.LimiterStore
	// Profiles optionally tunes per-profile thresholds.
	Profiles *config.ProfileSet
}

// Runtime owns the kernel subsystems.
type Runtime struct {
	cfg *config.Config

	bus       *events.Bus
	obs       *observability.Kernel
	temporal  *temporal.Coordinator
	ledger    *ledger.Ledger
	identity  *identity.Registry
	attention *attention.Allocator
	presence  *presence.Fabric
	coupling  *coupling.Fabric
	guard     *guard.Guard
	scheduler *scheduler.Scheduler
	breaker   *scheduler.DomainBreaker
	gate      *gate.Gate

	profiles *config.ProfileSet
	tokens   *capability.TokenManager

	mu           sync.Mutex
	started      bool
	shuttingDown bool
	sweepCancel  context.CancelFunc
}

// New wires a runtime. Bootstrap order: ledger → identity → temporal →
// attention → presence → coupling → guard → scheduler → gate. (The temporal
// coordinator is constructed first because the ledger stamps anchors, but it
// holds no resources until started.)
func New(opts Options) (*Runtime, error) {
	if opts.Store == nil || opts.Engine == nil || opts.Drivers == nil {
		return nil, fmt.Errorf("runtime: store, engine and drivers are required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Load()
	}

	r := &Runtime{cfg: cfg, profiles: opts.Profiles}
	_, capKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("runtime: capability key: %w", err)
	}
	r.tokens = capability.NewTokenManager(capKey)
	r.bus = events.NewBus()
	r.obs = observability.NewKernel()
	r.temporal = temporal.NewCoordinator()

	r.ledger = ledger.New(opts.Store, r.temporal).WithEventSink(&ledgerSink{r: r})
	r.identity = identity.NewRegistry(r.ledger, r.ledger)
	r.ledger.WithHeadAdvancer(r.identity)

	r.scheduler = scheduler.New(scheduler.DefaultConfig())
	r.breaker = scheduler.NewDomainBreaker(scheduler.DefaultBreakerPolicy())

	r.attention = attention.NewAllocator(cfg.AttentionLowThreshold, &attentionSink{r: r})

	limiter := opts.PresenceLimiter
	if limiter == nil {
		if cfg.RedisAddr != "" {
			limiter = presence.NewRedisLimiterStore(cfg.RedisAddr, "", 0)
		} else {
			limiter = presence.NewInMemoryLimiterStore()
		}
	}
	r.presence = presence.NewFabric(r.identity, limiter, &presenceSink{r: r}).
		WithWindows(cfg.PresenceSignalWindow, cfg.PresenceValidityWindow)

	r.coupling = coupling.NewFabric(r.presence, r.identity, r.attention, r.temporal, &couplingSink{r: r})

	r.guard = guard.New(r.presence, r.coupling, r.attention, r.identity)
	if opts.Profiles != nil {
		for _, p := range []contracts.Profile{
			contracts.ProfileHumanLike, contracts.ProfileWorldlike,
			contracts.ProfileCoordination, contracts.ProfileFinancial,
		} {
			t, ok := opts.Profiles.Tuning(p)
			if !ok {
				continue
			}
			if t.MeaningThreshold > 0 {
				r.guard.SetMeaningThreshold(p, t.MeaningThreshold)
			}
			if t.ReadinessThreshold > 0 {
				r.coupling.SetReadinessThreshold(p, t.ReadinessThreshold)
			}
		}
	}

	engine := opts.Engine
	if opts.VersionGate != nil {
		engine = policy.WithVersionGate(engine, opts.VersionGate)
	}

	gateCfg := gate.DefaultConfig()
	gateCfg.PolicyTimeout = cfg.PolicyTimeout
	gateCfg.DriverTimeout = cfg.DriverTimeout
	gateCfg.RecoveryDeadline = cfg.RecoveryDeadline
	r.gate = gate.New(gateCfg, r.guard, engine, r.ledger, opts.Drivers, r.coupling, r.breaker, r.scheduler)

	return r, nil
}

// Start runs the recovery sweep and launches the periodic sweeper. No
// operation is admitted before Start.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("runtime: already started")
	}
	r.started = true
	sweepCtx, cancel := context.WithCancel(context.Background())
	r.sweepCancel = cancel
	r.mu.Unlock()

	if _, err := r.gate.RecoverySweep(ctx); err != nil {
		return fmt.Errorf("runtime: recovery sweep: %w", err)
	}
	go r.gate.RunSweeper(sweepCtx, r.cfg.RecoveryDeadline/2)
	return nil
}

// Mint creates a worldline and registers its attention budget, applying any
// per-profile capacity tuning.
func (r *Runtime) Mint(profile contracts.Profile, pub ed25519.PublicKey) (contracts.WorldLine, error) {
	w, err := r.identity.Mint(profile, pub)
	if err != nil {
		return contracts.WorldLine{}, err
	}
	capacity := w.AttentionBudget
	if r.profiles != nil {
		if t, ok := r.profiles.Tuning(profile); ok && t.AttentionCapacity > 0 {
			capacity = t.AttentionCapacity
		}
	}
	if err := r.attention.Register(w.ID, capacity); err != nil {
		return contracts.WorldLine{}, err
	}
	return w, nil
}

// GrantCapability mints a signed capability token for a worldline — the
// transferable form of override grants like coupling mediation.
func (r *Runtime) GrantCapability(w contracts.WorldLineID, capabilities []string, ttl time.Duration) (string, error) {
	if !r.identity.Registered(w) {
		return "", contracts.ErrWorldLineUnknown
	}
	return r.tokens.Mint(w, capabilities, ttl)
}

// ValidateCapability resolves a capability token back to the capabilities it
// grants the worldline; callers feed these into coupling establishment.
func (r *Runtime) ValidateCapability(token string, w contracts.WorldLineID) ([]string, error) {
	return r.tokens.Validate(token, w)
}

// Submit is the commitment API: idempotent on (worldline, nonce). Submission
// after shutdown begins is refused.
func (r *Runtime) Submit(ctx context.Context, p contracts.CommitmentProposal) (contracts.OutcomeReceipt, error) {
	r.mu.Lock()
	if !r.started || r.shuttingDown {
		r.mu.Unlock()
		return contracts.OutcomeReceipt{}, contracts.ErrAdmissionDenied
	}
	r.mu.Unlock()

	var outcome contracts.OutcomeReceipt
	err := r.obs.TimeGateRun(ctx, p.Class, func(ctx context.Context) error {
		var err error
		outcome, err = r.gate.Run(ctx, p)
		return err
	})
	return outcome, err
}

// Shutdown drains in reverse bootstrap order: the gate stops admitting, the
// scheduler drains, in-flight work reaches terminal or safely-suspended
// state (Approved commitments are never force-completed), and the ledger's
// backend is left flushed by its own transactional writes.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.started || r.shuttingDown {
		r.mu.Unlock()
		return nil
	}
	r.shuttingDown = true
	cancel := r.sweepCancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.scheduler.Drain()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for r.scheduler.Inflight() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("runtime: shutdown: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Handle vending.

func (r *Runtime) Identity() *identity.Registry      { return r.identity }
func (r *Runtime) Temporal() *temporal.Coordinator   { return r.temporal }
func (r *Runtime) Attention() *attention.Allocator   { return r.attention }
func (r *Runtime) Presence() *presence.Fabric        { return r.presence }
func (r *Runtime) Coupling() *coupling.Fabric        { return r.coupling }
func (r *Runtime) Guard() *guard.Guard               { return r.guard }
func (r *Runtime) Ledger() *ledger.Ledger            { return r.ledger }
func (r *Runtime) Gate() *gate.Gate                  { return r.gate }
func (r *Runtime) Scheduler() *scheduler.Scheduler   { return r.scheduler }
func (r *Runtime) Breaker() *scheduler.DomainBreaker { return r.breaker }
func (r *Runtime) Events() *events.Bus               { return r.bus }

// Event fan-out adapters.

type presenceSink struct{ r *Runtime }

func (s *presenceSink) PresenceChanged(w contracts.WorldLineID, state contracts.PresenceState) {
	s.r.bus.Emit(events.KindPresenceChanged, w, map[string]any{
		"discoverability":    state.Discoverability,
		"responsiveness":     state.Responsiveness,
		"stability":          state.Stability,
		"coupling_readiness": state.CouplingReadiness,
		"silent":             state.Silent,
	})
}

type couplingSink struct{ r *Runtime }

func (s *couplingSink) CouplingEstablished(c contracts.Coupling) {
	s.r.bus.Emit(events.KindCouplingEstablished, c.Source, map[string]any{
		"coupling": string(c.ID), "target": string(c.Target), "strength": c.Strength,
	})
}

func (s *couplingSink) CouplingStrengthened(c contracts.Coupling, delta float64) {
	s.r.bus.Emit(events.KindCouplingStrengthened, c.Source, map[string]any{
		"coupling": string(c.ID), "delta": delta, "strength": c.Strength,
	})
}

func (s *couplingSink) Decoupled(c contracts.Coupling) {
	s.r.bus.Emit(events.KindDecoupled, c.Source, map[string]any{
		"coupling": string(c.ID), "target": string(c.Target),
	})
}

type attentionSink struct{ r *Runtime }

func (s *attentionSink) AttentionLow(w contracts.WorldLineID, available float64) {
	s.r.scheduler.AttentionLow(w, available)
	s.r.obs.RecordAttentionLow(context.Background(), w)
	s.r.bus.Emit(events.KindAttentionLow, w, map[string]any{"available": available})
}

type ledgerSink struct{ r *Runtime }

func (s *ledgerSink) CommitmentAppended(rec contracts.CommitmentReceipt) {
	s.r.obs.RecordCommitment(context.Background(), rec)
	payload := map[string]any{"receipt_hash": rec.ReceiptHash, "decision": string(rec.Decision)}
	s.r.bus.Emit(events.KindCommitmentAppended, rec.WorldLine, payload)
	if rec.Decision == contracts.DecisionRejected {
		for _, reason := range rec.Reasons {
			switch reason {
			case contracts.ReasonInvariantViolation, contracts.ReasonAgencyViolation:
				s.r.bus.Emit(events.KindInvariantViolated, rec.WorldLine, map[string]any{
					"receipt_hash": rec.ReceiptHash, "reason": string(reason),
				})
			case contracts.ReasonCircuitOpen:
				s.r.obs.RecordBreakerOpen(context.Background(), rec.EffectDomain)
			}
		}
	}
}

func (s *ledgerSink) OutcomeAppended(rec contracts.OutcomeReceipt) {
	s.r.obs.RecordOutcome(context.Background(), rec)
	s.r.bus.Emit(events.KindOutcomeAppended, rec.WorldLine, map[string]any{
		"receipt_hash": rec.ReceiptHash, "result": string(rec.Result),
	})
}
