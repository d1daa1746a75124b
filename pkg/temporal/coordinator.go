// Package temporal issues causal ordering anchors without a global clock.
//
// Each worldline has a strictly increasing 64-bit counter; wall-clock time is
// carried only as an advisory hint. Cross-entity ordering exists only where a
// dependency was explicitly recorded, and HappenedBefore is the transitive
// closure of those recordings plus within-entity sequence order.
package temporal

import (
	"sync"
	"time"

	"github.com/mapleaiorg/maple/core/pkg/contracts"
)

type anchorKey struct {
	worldline contracts.WorldLineID
	seq       uint64
}

func keyOf(a contracts.TemporalAnchor) anchorKey {
	return anchorKey{worldline: a.WorldLine, seq: a.Seq}
}

// Coordinator mints anchors and records happened-before dependencies.
type Coordinator struct {
	mu       sync.Mutex
	counters map[contracts.WorldLineID]uint64
	// deps maps an anchor to the set of anchors known to precede it.
	deps  map[anchorKey][]anchorKey
	clock func() time.Time
}

// NewCoordinator creates a coordinator with wall-clock hints from time.Now.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		counters: make(map[contracts.WorldLineID]uint64),
		deps:     make(map[anchorKey][]anchorKey),
		clock:    time.Now,
	}
}

// WithClock overrides the wall-hint clock for testing.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// Next issues the next anchor for the worldline.
func (c *Coordinator) Next(w contracts.WorldLineID) contracts.TemporalAnchor {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counters[w]++
	return contracts.TemporalAnchor{
		WorldLine: w,
		Seq:       c.counters[w],
		WallHint:  c.clock().UTC(),
	}
}

// Current returns the last issued sequence for the worldline (0 if none).
func (c *Coordinator) Current(w contracts.WorldLineID) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[w]
}

// RecordAfter records that anchor a happened after anchor b. Within one
// worldline the recording must agree with sequence order; a recording that
// would place a later sequence before an earlier one fails AnchorRegressed.
func (c *Coordinator) RecordAfter(a, b contracts.TemporalAnchor) error {
	if a.WorldLine == b.WorldLine {
		if b.Seq > a.Seq {
			return contracts.ErrAnchorRegressed
		}
		// Within-entity order is implicit; nothing to record.
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Reject recordings that would create a cycle: if a is already known to
	// precede b, then "a after b" regresses the recorded order.
	if c.reachableLocked(keyOf(b), keyOf(a)) {
		return contracts.ErrAnchorRegressed
	}
	c.deps[keyOf(a)] = append(c.deps[keyOf(a)], keyOf(b))
	return nil
}

// HappenedBefore reports whether a precedes b under within-entity sequence
// order plus the transitive closure of recorded dependencies.
func (c *Coordinator) HappenedBefore(a, b contracts.TemporalAnchor) bool {
	if a.WorldLine == b.WorldLine {
		return a.Seq < b.Seq
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reachableLocked(keyOf(b), keyOf(a))
}

// reachableLocked walks the dependency graph from `from` looking for `to`,
// expanding within-entity predecessors as it goes.
func (c *Coordinator) reachableLocked(from, to anchorKey) bool {
	seen := make(map[anchorKey]bool)
	stack := []anchorKey{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true

		if cur.worldline == to.worldline && to.seq <= cur.seq {
			return true
		}
		for _, dep := range c.deps[cur] {
			stack = append(stack, dep)
		}
		// Anything an earlier anchor of the same worldline depends on also
		// precedes cur; walk back through the entity's own history.
		if cur.seq > 1 {
			stack = append(stack, anchorKey{worldline: cur.worldline, seq: cur.seq - 1})
		}
	}
	return false
}
