// Package presence tracks the four-axis gradient availability state of each
// worldline and rate-limits signaling.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mapleaiorg/maple/core/pkg/contracts"
)

// DefaultSignalWindow is the minimum interval between presence signals for
// one entity.
const DefaultSignalWindow = 500 * time.Millisecond

// DefaultValidityWindow is how long a signal counts as fresh for coupling
// and meaning preconditions.
const DefaultValidityWindow = 30 * time.Second

// RegisteredChecker answers whether a worldline exists. The identity
// registry satisfies this.
type RegisteredChecker interface {
	Registered(id contracts.WorldLineID) bool
}

// ChangedSink receives PresenceChanged broadcasts.
type ChangedSink interface {
	PresenceChanged(w contracts.WorldLineID, state contracts.PresenceState)
}

// Fabric stores the latest presence state per entity.
type Fabric struct {
	mu       sync.RWMutex
	states   map[contracts.WorldLineID]record
	registry RegisteredChecker
	limiter  LimiterStore
	window   time.Duration
	validity time.Duration
	sink     ChangedSink
	clock    func() time.Time
}

type record struct {
	state    contracts.PresenceState
	signaled time.Time
}

// NewFabric creates a presence fabric with the given limiter store.
func NewFabric(registry RegisteredChecker, limiter LimiterStore, sink ChangedSink) *Fabric {
	return &Fabric{
		states:   make(map[contracts.WorldLineID]record),
		registry: registry,
		limiter:  limiter,
		window:   DefaultSignalWindow,
		validity: DefaultValidityWindow,
		sink:     sink,
		clock:    time.Now,
	}
}

// WithWindows overrides the signal and validity windows.
func (f *Fabric) WithWindows(signal, validity time.Duration) *Fabric {
	f.window = signal
	f.validity = validity
	return f
}

// WithClock overrides the clock for testing.
func (f *Fabric) WithClock(clock func() time.Time) *Fabric {
	f.clock = clock
	return f
}

// Signal records the entity's presence state. Only the owning entity calls
// this; callers are rejected with RateLimited when the previous signal is
// newer than the window, and silent states must clamp discoverability.
func (f *Fabric) Signal(ctx context.Context, w contracts.WorldLineID, state contracts.PresenceState) error {
	if !f.registry.Registered(w) {
		return contracts.ErrWorldLineUnknown
	}
	if err := state.Validate(); err != nil {
		return err
	}

	allowed, err := f.limiter.Allow(ctx, string(w), f.window)
	if err != nil {
		// Fail closed: an unverifiable window is treated as exhausted.
		return fmt.Errorf("%w: %v", contracts.ErrRateLimited, err)
	}
	if !allowed {
		return contracts.ErrRateLimited
	}

	f.mu.Lock()
	f.states[w] = record{state: state, signaled: f.clock()}
	f.mu.Unlock()

	if f.sink != nil {
		f.sink.PresenceChanged(w, state)
	}
	return nil
}

// State returns the latest state and whether one exists.
func (f *Fabric) State(w contracts.WorldLineID) (contracts.PresenceState, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.states[w]
	return r.state, ok
}

// FreshWithin reports whether the entity signaled within the validity window.
func (f *Fabric) FreshWithin(w contracts.WorldLineID) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.states[w]
	if !ok {
		return false
	}
	return f.clock().Sub(r.signaled) <= f.validity
}

// Readiness returns the target's coupling readiness (0 when never signaled).
func (f *Fabric) Readiness(w contracts.WorldLineID) float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.states[w].state.CouplingReadiness
}
