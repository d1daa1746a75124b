// Package attention enforces the finite per-entity attention budget that
// bounds the sum of outgoing coupling costs. Allocation is exact, release is
// exact and idempotent per allocation id, and checks fail closed.
package attention

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mapleaiorg/maple/core/pkg/contracts"
)

// DefaultSafetyFraction of capacity is reserved and never allocatable.
const DefaultSafetyFraction = 0.10

// AllocationID identifies one allocation for idempotent release.
type AllocationID string

// Budget is the per-entity attention accounting.
type Budget struct {
	WorldLine      contracts.WorldLineID `json:"worldline"`
	TotalCapacity  float64               `json:"total_capacity"`
	Allocated      float64               `json:"allocated"`
	ReservedSafety float64               `json:"reserved_safety"`
}

// Available returns capacity − allocated − reserved safety.
func (b Budget) Available() float64 {
	return b.TotalCapacity - b.Allocated - b.ReservedSafety
}

// LowWatcher observes AttentionLow signals (the scheduler subscribes to shed
// Background and Normal work).
type LowWatcher interface {
	AttentionLow(w contracts.WorldLineID, available float64)
}

// Allocator tracks budgets and allocations. All state for one entity is
// serialized under the allocator lock.
type Allocator struct {
	mu           sync.Mutex
	budgets      map[contracts.WorldLineID]*Budget
	allocations  map[AllocationID]allocation
	lowThreshold float64
	watcher      LowWatcher
}

type allocation struct {
	worldline contracts.WorldLineID
	amount    float64
	released  bool
}

// NewAllocator creates an allocator emitting AttentionLow when available
// budget falls under lowThreshold after an allocation.
func NewAllocator(lowThreshold float64, watcher LowWatcher) *Allocator {
	return &Allocator{
		budgets:      make(map[contracts.WorldLineID]*Budget),
		allocations:  make(map[AllocationID]allocation),
		lowThreshold: lowThreshold,
		watcher:      watcher,
	}
}

// Register sets up the budget for a worldline. Capacity must be non-negative;
// the safety reserve defaults to 10% of capacity.
func (a *Allocator) Register(w contracts.WorldLineID, capacity float64) error {
	if capacity < 0 {
		return fmt.Errorf("attention: negative capacity %f", capacity)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.budgets[w] = &Budget{
		WorldLine:      w,
		TotalCapacity:  capacity,
		ReservedSafety: capacity * DefaultSafetyFraction,
	}
	return nil
}

// Budget returns a copy of the entity's budget.
func (a *Allocator) Budget(w contracts.WorldLineID) (Budget, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.budgets[w]
	if !ok {
		return Budget{}, contracts.ErrWorldLineUnknown
	}
	return *b, nil
}

// Allocated reports the entity's accounting tuple; the guard reads this for
// the coupling-bounded-by-attention invariant.
func (a *Allocator) Allocated(w contracts.WorldLineID) (allocated, capacity, reserved float64, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.budgets[w]
	if !ok {
		return 0, 0, 0, contracts.ErrWorldLineUnknown
	}
	return b.Allocated, b.TotalCapacity, b.ReservedSafety, nil
}

// Allocate reserves amount from the entity's budget. Fails with
// InsufficientAttention when available < amount; emits AttentionLow when the
// post-allocation availability drops under the configured threshold.
func (a *Allocator) Allocate(w contracts.WorldLineID, amount float64) (AllocationID, error) {
	if amount < 0 {
		return "", fmt.Errorf("attention: negative allocation %f", amount)
	}

	a.mu.Lock()
	b, ok := a.budgets[w]
	if !ok {
		a.mu.Unlock()
		return "", contracts.ErrWorldLineUnknown
	}
	if b.Available() < amount {
		a.mu.Unlock()
		return "", fmt.Errorf("%w: requested %.2f, available %.2f", contracts.ErrInsufficientAttention, amount, b.Available())
	}

	b.Allocated += amount
	id := AllocationID(uuid.New().String())
	a.allocations[id] = allocation{worldline: w, amount: amount}

	low := b.Available() < a.lowThreshold
	available := b.Available()
	watcher := a.watcher
	a.mu.Unlock()

	if low && watcher != nil {
		watcher.AttentionLow(w, available)
	}
	return id, nil
}

// Release returns an allocation to the budget. Idempotent: releasing the same
// id twice is a no-op, and unknown ids are a no-op as well.
func (a *Allocator) Release(id AllocationID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	alloc, ok := a.allocations[id]
	if !ok || alloc.released {
		return
	}
	alloc.released = true
	a.allocations[id] = alloc

	if b, ok := a.budgets[alloc.worldline]; ok {
		b.Allocated -= alloc.amount
		if b.Allocated < 0 {
			b.Allocated = 0
		}
	}
}

func (a *Allocator) amountOf(id AllocationID) (allocation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, ok := a.allocations[id]
	return alloc, ok
}

// Rebalance releases the entity's live allocations whose utilization, as
// reported by the caller, sits below the floor. Returns the reclaimed amount.
// Utilization is a property of the coupling fabric (edge strength relative
// to cost); the allocator only applies the verdicts.
func (a *Allocator) Rebalance(w contracts.WorldLineID, utilization map[AllocationID]float64, floor float64) float64 {
	reclaimed := 0.0
	for id, u := range utilization {
		if u >= floor {
			continue
		}
		alloc, ok := a.amountOf(id)
		if !ok || alloc.released || alloc.worldline != w {
			continue
		}
		a.Release(id)
		reclaimed += alloc.amount
	}
	return reclaimed
}
