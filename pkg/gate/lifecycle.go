package gate

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mapleaiorg/maple/core/pkg/contracts"
)

// LifecycleLog tracks commitment state transitions. Transitions are not new
// commitment receipts; they are a kernel-side log keyed by receipt hash.
type LifecycleLog struct {
	mu      sync.Mutex
	states  map[string]contracts.CommitmentState
	entries []contracts.LifecycleEntry
	clock   func() time.Time
}

// NewLifecycleLog creates an empty log.
func NewLifecycleLog() *LifecycleLog {
	return &LifecycleLog{
		states: make(map[string]contracts.CommitmentState),
		clock:  time.Now,
	}
}

// Open registers a freshly appended commitment in Proposed state.
func (l *LifecycleLog) Open(commitmentHash string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.states[commitmentHash]; !exists {
		l.states[commitmentHash] = contracts.StateProposed
	}
}

// Transition advances a commitment. Illegal transitions are refused; a
// transition out of a terminal state fails AlreadyTerminal.
func (l *LifecycleLog) Transition(commitmentHash string, to contracts.CommitmentState, note string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	from, ok := l.states[commitmentHash]
	if !ok {
		return fmt.Errorf("gate: unknown commitment %s", commitmentHash)
	}
	if from.Terminal() {
		return contracts.ErrAlreadyTerminal
	}
	if !from.CanTransition(to) {
		return fmt.Errorf("gate: illegal transition %s -> %s", from, to)
	}
	l.states[commitmentHash] = to
	l.entries = append(l.entries, contracts.LifecycleEntry{
		ID:             uuid.New().String(),
		CommitmentHash: commitmentHash,
		From:           from,
		To:             to,
		At:             l.clock().UTC(),
		Note:           note,
	})
	return nil
}

// State returns the commitment's current lifecycle state.
func (l *LifecycleLog) State(commitmentHash string) (contracts.CommitmentState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.states[commitmentHash]
	return s, ok
}

// Entries returns a copy of the transition history for a commitment.
func (l *LifecycleLog) Entries(commitmentHash string) []contracts.LifecycleEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []contracts.LifecycleEntry
	for _, e := range l.entries {
		if e.CommitmentHash == commitmentHash {
			out = append(out, e)
		}
	}
	return out
}

// NonTerminal lists commitments not yet in a terminal state.
func (l *LifecycleLog) NonTerminal() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for hash, s := range l.states {
		if !s.Terminal() {
			out = append(out, hash)
		}
	}
	return out
}
