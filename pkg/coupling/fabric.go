// Package coupling maintains the directed weighted relationship graph.
//
// The graph is two adjacency maps (forward and reverse) keyed by worldline
// id, with writes to a given edge serialized per edge. Strength only grows
// gradually: the first step is capped at InitialStrengthMax and every later
// step at StrengthenDeltaMax. Decoupling is always available to HumanLike
// entities; an edge referenced by active commitments defers to
// PendingDecouple until the last reference reaches a terminal state.
package coupling

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mapleaiorg/maple/core/pkg/attention"
	"github.com/mapleaiorg/maple/core/pkg/contracts"
)

// DefaultReadinessThreshold gates establishment on the target's
// coupling_readiness axis.
const DefaultReadinessThreshold = 0.3

// PresenceView is the slice of the presence fabric the coupling fabric needs.
type PresenceView interface {
	FreshWithin(w contracts.WorldLineID) bool
	Readiness(w contracts.WorldLineID) float64
}

// ProfileResolver resolves a worldline's profile. The identity registry
// satisfies this.
type ProfileResolver interface {
	Resolve(id contracts.WorldLineID) (contracts.WorldLine, error)
}

// AnchorSource issues temporal anchors for edge mutations.
type AnchorSource interface {
	Next(w contracts.WorldLineID) contracts.TemporalAnchor
}

// EventSink receives coupling lifecycle broadcasts.
type EventSink interface {
	CouplingEstablished(c contracts.Coupling)
	CouplingStrengthened(c contracts.Coupling, delta float64)
	Decoupled(c contracts.Coupling)
}

// EstablishParams carries the establishment request.
type EstablishParams struct {
	Source               contracts.WorldLineID
	Target               contracts.WorldLineID
	InitialStrength      float64
	InitialAttentionCost float64
	Scope                contracts.CouplingScope
	Symmetry             contracts.CouplingSymmetry
	Persistence          contracts.CouplingPersistence
	// Capabilities held by the source, checked against the profile table and
	// readiness threshold overrides.
	Capabilities []string
}

type edge struct {
	mu       sync.Mutex
	coupling contracts.Coupling
	allocID  attention.AllocationID
	// refs holds the hashes of active commitments bound to this edge.
	refs map[string]bool
}

// Fabric is the coupling graph.
type Fabric struct {
	mu      sync.RWMutex
	edges   map[contracts.CouplingID]*edge
	forward map[contracts.WorldLineID]map[contracts.CouplingID]bool
	reverse map[contracts.WorldLineID]map[contracts.CouplingID]bool

	presence  PresenceView
	profiles  ProfileResolver
	attention *attention.Allocator
	anchors   AnchorSource
	sink      EventSink

	// readinessThreshold is keyed by the target's profile; missing profiles
	// use DefaultReadinessThreshold.
	readinessThreshold map[contracts.Profile]float64
}

// NewFabric wires the coupling graph to its collaborators.
func NewFabric(presence PresenceView, profiles ProfileResolver, alloc *attention.Allocator, anchors AnchorSource, sink EventSink) *Fabric {
	return &Fabric{
		edges:              make(map[contracts.CouplingID]*edge),
		forward:            make(map[contracts.WorldLineID]map[contracts.CouplingID]bool),
		reverse:            make(map[contracts.WorldLineID]map[contracts.CouplingID]bool),
		presence:           presence,
		profiles:           profiles,
		attention:          alloc,
		anchors:            anchors,
		sink:               sink,
		readinessThreshold: make(map[contracts.Profile]float64),
	}
}

// SetReadinessThreshold overrides the establishment readiness gate for
// targets of one profile.
func (f *Fabric) SetReadinessThreshold(p contracts.Profile, t float64) {
	f.readinessThreshold[p] = t
}

func (f *Fabric) thresholdFor(p contracts.Profile) float64 {
	if t, ok := f.readinessThreshold[p]; ok {
		return t
	}
	return DefaultReadinessThreshold
}

func hasCapability(caps []string, want string) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}

// Establish creates a directed edge after checking, atomically: both
// endpoints registered, fresh source presence, target readiness, profile
// cross-rules, the initial-strength cap, and attention availability.
func (f *Fabric) Establish(p EstablishParams) (contracts.CouplingID, error) {
	src, err := f.profiles.Resolve(p.Source)
	if err != nil {
		return "", contracts.ErrWorldLineUnknown
	}
	dst, err := f.profiles.Resolve(p.Target)
	if err != nil {
		return "", contracts.ErrWorldLineUnknown
	}

	if !f.presence.FreshWithin(p.Source) {
		return "", contracts.ErrPresenceMissing
	}
	if f.presence.Readiness(p.Target) < f.thresholdFor(dst.Profile) && !hasCapability(p.Capabilities, ReadinessOverrideCapability) {
		return "", contracts.ErrNotReady
	}
	if !pairAllowed(src.Profile, dst.Profile) && !hasCapability(p.Capabilities, MediatorCapability) {
		return "", fmt.Errorf("%w: %s -> %s", contracts.ErrProfileForbidden, src.Profile, dst.Profile)
	}
	if p.InitialStrength > contracts.InitialStrengthMax {
		return "", fmt.Errorf("%w: %.2f > %.2f", contracts.ErrInitialStrengthTooHigh, p.InitialStrength, contracts.InitialStrengthMax)
	}

	allocID, err := f.attention.Allocate(p.Source, p.InitialAttentionCost)
	if err != nil {
		return "", err
	}

	id := contracts.CouplingID(uuid.New().String())
	anchor := f.anchors.Next(p.Source)
	e := &edge{
		coupling: contracts.Coupling{
			ID:                 id,
			Source:             p.Source,
			Target:             p.Target,
			Strength:           p.InitialStrength,
			AttentionCost:      p.InitialAttentionCost,
			Scope:              p.Scope,
			Symmetry:           p.Symmetry,
			Persistence:        p.Persistence,
			State:              contracts.CouplingActive,
			CreatedAt:          anchor,
			LastStrengthenedAt: anchor,
		},
		allocID: allocID,
		refs:    make(map[string]bool),
	}

	f.mu.Lock()
	f.edges[id] = e
	if f.forward[p.Source] == nil {
		f.forward[p.Source] = make(map[contracts.CouplingID]bool)
	}
	if f.reverse[p.Target] == nil {
		f.reverse[p.Target] = make(map[contracts.CouplingID]bool)
	}
	f.forward[p.Source][id] = true
	f.reverse[p.Target][id] = true
	f.mu.Unlock()

	if f.sink != nil {
		f.sink.CouplingEstablished(e.coupling)
	}
	return id, nil
}

func (f *Fabric) edgeOf(id contracts.CouplingID) (*edge, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.edges[id]
	if !ok {
		return nil, contracts.ErrCouplingUnknown
	}
	return e, nil
}

// Strengthen raises the edge strength by delta. The delta is capped at
// StrengthenDeltaMax and the result at 1.0; on failure the strength is
// unchanged.
func (f *Fabric) Strengthen(id contracts.CouplingID, delta float64) error {
	e, err := f.edgeOf(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.coupling.State != contracts.CouplingActive {
		return contracts.ErrCouplingUnknown
	}
	if delta > contracts.StrengthenDeltaMax {
		return fmt.Errorf("%w: %.2f > %.2f", contracts.ErrStrengthenTooLarge, delta, contracts.StrengthenDeltaMax)
	}
	next := e.coupling.Strength + delta
	if next > 1.0 {
		next = 1.0
	}
	e.coupling.Strength = next
	e.coupling.LastStrengthenedAt = f.anchors.Next(e.coupling.Source)

	if f.sink != nil {
		f.sink.CouplingStrengthened(e.coupling, delta)
	}
	return nil
}

// RecordMeaningConvergence stores the convergence value for the edge.
func (f *Fabric) RecordMeaningConvergence(id contracts.CouplingID, value float64) error {
	if value < 0 || value > 1 {
		return fmt.Errorf("coupling: convergence %.2f out of [0,1]", value)
	}
	e, err := f.edgeOf(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.coupling.State != contracts.CouplingActive {
		return contracts.ErrCouplingUnknown
	}
	e.coupling.MeaningConvergence = value
	return nil
}

// Get returns a copy of the coupling.
func (f *Fabric) Get(id contracts.CouplingID) (contracts.Coupling, error) {
	e, err := f.edgeOf(id)
	if err != nil {
		return contracts.Coupling{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.coupling, nil
}

// Outgoing returns copies of the entity's outgoing couplings that are not
// yet decoupled, including those pending decouple.
func (f *Fabric) Outgoing(w contracts.WorldLineID) []contracts.Coupling {
	f.mu.RLock()
	ids := make([]contracts.CouplingID, 0, len(f.forward[w]))
	for id := range f.forward[w] {
		ids = append(ids, id)
	}
	f.mu.RUnlock()

	out := make([]contracts.Coupling, 0, len(ids))
	for _, id := range ids {
		if c, err := f.Get(id); err == nil && c.State != contracts.CouplingDecoupled {
			out = append(out, c)
		}
	}
	return out
}

// Retain marks the coupling as referenced by an active commitment. The gate
// calls this when an approved commitment binds to the edge.
func (f *Fabric) Retain(id contracts.CouplingID, commitmentHash string) error {
	e, err := f.edgeOf(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.coupling.State == contracts.CouplingDecoupled {
		return contracts.ErrCouplingUnknown
	}
	e.refs[commitmentHash] = true
	return nil
}

// ReleaseRef drops a commitment reference; when the edge is PendingDecouple
// and the last reference goes away, the decouple completes.
func (f *Fabric) ReleaseRef(id contracts.CouplingID, commitmentHash string) {
	e, err := f.edgeOf(id)
	if err != nil {
		return
	}
	e.mu.Lock()
	delete(e.refs, commitmentHash)
	finish := e.coupling.State == contracts.CouplingPendingDecouple && len(e.refs) == 0
	e.mu.Unlock()

	if finish {
		f.complete(e)
	}
}

// Decouple removes the edge. A HumanLike source or target may always call
// this and the fabric never denies it; with live commitment references the
// edge parks in PendingDecouple and completes when the last reference
// releases.
func (f *Fabric) Decouple(id contracts.CouplingID) (contracts.CouplingState, error) {
	e, err := f.edgeOf(id)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	if e.coupling.State == contracts.CouplingDecoupled {
		e.mu.Unlock()
		return contracts.CouplingDecoupled, nil
	}
	if len(e.refs) > 0 {
		e.coupling.State = contracts.CouplingPendingDecouple
		e.mu.Unlock()
		return contracts.CouplingPendingDecouple, nil
	}
	e.mu.Unlock()

	f.complete(e)
	return contracts.CouplingDecoupled, nil
}

// complete finishes a decouple: releases attention, removes adjacency and
// broadcasts. Traversal uses the reverse map so decoupling cascades can walk
// inbound edges without scanning the graph.
func (f *Fabric) complete(e *edge) {
	e.mu.Lock()
	e.coupling.State = contracts.CouplingDecoupled
	c := e.coupling
	allocID := e.allocID
	e.mu.Unlock()

	f.attention.Release(allocID)

	f.mu.Lock()
	delete(f.edges, c.ID)
	if m := f.forward[c.Source]; m != nil {
		delete(m, c.ID)
	}
	if m := f.reverse[c.Target]; m != nil {
		delete(m, c.ID)
	}
	f.mu.Unlock()

	if f.sink != nil {
		f.sink.Decoupled(c)
	}
}

// Incoming returns the ids of active edges targeting the entity, via the
// reverse adjacency map.
func (f *Fabric) Incoming(w contracts.WorldLineID) []contracts.CouplingID {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]contracts.CouplingID, 0, len(f.reverse[w]))
	for id := range f.reverse[w] {
		ids = append(ids, id)
	}
	return ids
}

// Rebalance decouples the entity's outgoing edges whose utilization
// (strength per unit attention cost) sits below the floor, returning the
// attention reclaimed. Edges under active commitments park in
// PendingDecouple and reclaim on their own once released.
func (f *Fabric) Rebalance(w contracts.WorldLineID, floor float64) float64 {
	reclaimed := 0.0
	for _, c := range f.Outgoing(w) {
		if c.AttentionCost <= 0 {
			continue
		}
		if c.Strength/c.AttentionCost >= floor {
			continue
		}
		if state, err := f.Decouple(c.ID); err == nil && state == contracts.CouplingDecoupled {
			reclaimed += c.AttentionCost
		}
	}
	return reclaimed
}

// AllocationUtilization reports per-allocation utilization (strength per
// unit attention cost) for the entity's outgoing edges, feeding rebalance.
func (f *Fabric) AllocationUtilization(w contracts.WorldLineID) map[attention.AllocationID]float64 {
	f.mu.RLock()
	ids := make([]contracts.CouplingID, 0, len(f.forward[w]))
	for id := range f.forward[w] {
		ids = append(ids, id)
	}
	f.mu.RUnlock()

	util := make(map[attention.AllocationID]float64, len(ids))
	for _, id := range ids {
		e, err := f.edgeOf(id)
		if err != nil {
			continue
		}
		e.mu.Lock()
		if e.coupling.AttentionCost > 0 {
			util[e.allocID] = e.coupling.Strength / e.coupling.AttentionCost
		}
		e.mu.Unlock()
	}
	return util
}
