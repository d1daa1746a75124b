package coupling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mapleaiorg/maple/core/pkg/attention"
	"github.com/mapleaiorg/maple/core/pkg/contracts"
)

const (
	wlA = contracts.WorldLineID("aaaa")
	wlB = contracts.WorldLineID("bbbb")
)

type fakePresence struct {
	fresh     map[contracts.WorldLineID]bool
	readiness map[contracts.WorldLineID]float64
}

func (f *fakePresence) FreshWithin(w contracts.WorldLineID) bool { return f.fresh[w] }
func (f *fakePresence) Readiness(w contracts.WorldLineID) float64 {
	return f.readiness[w]
}

type fakeProfiles struct {
	profiles map[contracts.WorldLineID]contracts.Profile
}

func (f *fakeProfiles) Resolve(id contracts.WorldLineID) (contracts.WorldLine, error) {
	p, ok := f.profiles[id]
	if !ok {
		return contracts.WorldLine{}, contracts.ErrWorldLineUnknown
	}
	return contracts.WorldLine{ID: id, Profile: p}, nil
}

type fakeAnchors struct{ seq uint64 }

func (f *fakeAnchors) Next(w contracts.WorldLineID) contracts.TemporalAnchor {
	f.seq++
	return contracts.TemporalAnchor{WorldLine: w, Seq: f.seq}
}

type sinkRecorder struct {
	established  int
	strengthened int
	decoupled    int
}

func (s *sinkRecorder) CouplingEstablished(contracts.Coupling) { s.established++ }
func (s *sinkRecorder) CouplingStrengthened(contracts.Coupling, float64) {
	s.strengthened++
}
func (s *sinkRecorder) Decoupled(contracts.Coupling) { s.decoupled++ }

type harness struct {
	fabric   *Fabric
	presence *fakePresence
	alloc    *attention.Allocator
	sink     *sinkRecorder
}

func newHarness(t *testing.T, srcProfile, dstProfile contracts.Profile) *harness {
	t.Helper()
	pres := &fakePresence{
		fresh:     map[contracts.WorldLineID]bool{wlA: true},
		readiness: map[contracts.WorldLineID]float64{wlB: 0.8},
	}
	profiles := &fakeProfiles{profiles: map[contracts.WorldLineID]contracts.Profile{
		wlA: srcProfile,
		wlB: dstProfile,
	}}
	alloc := attention.NewAllocator(0, nil)
	require.NoError(t, alloc.Register(wlA, 100))
	sink := &sinkRecorder{}
	return &harness{
		fabric:   NewFabric(pres, profiles, alloc, &fakeAnchors{}, sink),
		presence: pres,
		alloc:    alloc,
		sink:     sink,
	}
}

func params() EstablishParams {
	return EstablishParams{
		Source:               wlA,
		Target:               wlB,
		InitialStrength:      0.3,
		InitialAttentionCost: 30,
		Scope:                contracts.ScopeFull,
		Symmetry:             contracts.SymmetryAsymmetric,
		Persistence:          contracts.PersistenceSession,
	}
}

func TestEstablishHappyPath(t *testing.T) {
	h := newHarness(t, contracts.ProfileCoordination, contracts.ProfileWorldlike)

	id, err := h.fabric.Establish(params())
	require.NoError(t, err)

	c, err := h.fabric.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 0.3, c.Strength)
	assert.Equal(t, contracts.CouplingActive, c.State)
	assert.Equal(t, 1, h.sink.established)

	b, _ := h.alloc.Budget(wlA)
	assert.Equal(t, 30.0, b.Allocated)
}

func TestEstablishRequiresFreshPresence(t *testing.T) {
	h := newHarness(t, contracts.ProfileCoordination, contracts.ProfileWorldlike)
	h.presence.fresh[wlA] = false

	_, err := h.fabric.Establish(params())
	assert.ErrorIs(t, err, contracts.ErrPresenceMissing)
}

func TestEstablishRequiresTargetReadiness(t *testing.T) {
	h := newHarness(t, contracts.ProfileCoordination, contracts.ProfileWorldlike)
	h.presence.readiness[wlB] = 0.1

	_, err := h.fabric.Establish(params())
	assert.ErrorIs(t, err, contracts.ErrNotReady)

	p := params()
	p.Capabilities = []string{ReadinessOverrideCapability}
	_, err = h.fabric.Establish(p)
	assert.NoError(t, err)
}

func TestReadinessThresholdPerProfile(t *testing.T) {
	h := newHarness(t, contracts.ProfileCoordination, contracts.ProfileWorldlike)

	// Target readiness 0.8 passes the default gate but not a tuned one.
	h.fabric.SetReadinessThreshold(contracts.ProfileWorldlike, 0.9)
	_, err := h.fabric.Establish(params())
	assert.ErrorIs(t, err, contracts.ErrNotReady)

	// The override is keyed by the target's profile, not global.
	h.fabric.SetReadinessThreshold(contracts.ProfileWorldlike, 0.5)
	_, err = h.fabric.Establish(params())
	assert.NoError(t, err)
}

func TestEstablishProfileRules(t *testing.T) {
	h := newHarness(t, contracts.ProfileFinancial, contracts.ProfileHumanLike)

	_, err := h.fabric.Establish(params())
	assert.ErrorIs(t, err, contracts.ErrProfileForbidden)

	p := params()
	p.Capabilities = []string{MediatorCapability}
	_, err = h.fabric.Establish(p)
	assert.NoError(t, err)
}

func TestEstablishInitialStrengthCap(t *testing.T) {
	h := newHarness(t, contracts.ProfileCoordination, contracts.ProfileWorldlike)

	p := params()
	p.InitialStrength = 0.4
	_, err := h.fabric.Establish(p)
	assert.ErrorIs(t, err, contracts.ErrInitialStrengthTooHigh)
}

func TestEstablishInsufficientAttention(t *testing.T) {
	h := newHarness(t, contracts.ProfileCoordination, contracts.ProfileWorldlike)

	p := params()
	p.InitialAttentionCost = 95
	_, err := h.fabric.Establish(p)
	assert.ErrorIs(t, err, contracts.ErrInsufficientAttention)
}

func TestGradualStrengthening(t *testing.T) {
	h := newHarness(t, contracts.ProfileCoordination, contracts.ProfileWorldlike)
	id, err := h.fabric.Establish(params())
	require.NoError(t, err)

	for _, want := range []float64{0.4, 0.5, 0.6} {
		require.NoError(t, h.fabric.Strengthen(id, 0.1))
		c, _ := h.fabric.Get(id)
		assert.InDelta(t, want, c.Strength, 1e-9)
	}

	err = h.fabric.Strengthen(id, 0.2)
	assert.ErrorIs(t, err, contracts.ErrStrengthenTooLarge)

	c, _ := h.fabric.Get(id)
	assert.InDelta(t, 0.6, c.Strength, 1e-9)
	assert.Equal(t, 3, h.sink.strengthened)
}

func TestStrengthCapsAtOne(t *testing.T) {
	h := newHarness(t, contracts.ProfileCoordination, contracts.ProfileWorldlike)
	id, err := h.fabric.Establish(params())
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, h.fabric.Strengthen(id, 0.1))
	}
	c, _ := h.fabric.Get(id)
	assert.Equal(t, 1.0, c.Strength)
}

func TestMeaningConvergence(t *testing.T) {
	h := newHarness(t, contracts.ProfileCoordination, contracts.ProfileWorldlike)
	id, err := h.fabric.Establish(params())
	require.NoError(t, err)

	require.NoError(t, h.fabric.RecordMeaningConvergence(id, 0.7))
	c, _ := h.fabric.Get(id)
	assert.Equal(t, 0.7, c.MeaningConvergence)

	assert.Error(t, h.fabric.RecordMeaningConvergence(id, 1.5))
}

func TestDecoupleReleasesAttention(t *testing.T) {
	h := newHarness(t, contracts.ProfileCoordination, contracts.ProfileWorldlike)
	id, err := h.fabric.Establish(params())
	require.NoError(t, err)

	state, err := h.fabric.Decouple(id)
	require.NoError(t, err)
	assert.Equal(t, contracts.CouplingDecoupled, state)
	assert.Equal(t, 1, h.sink.decoupled)

	b, _ := h.alloc.Budget(wlA)
	assert.Equal(t, 0.0, b.Allocated)
	assert.Empty(t, h.fabric.Outgoing(wlA))
}

func TestDecoupleDefersUnderActiveCommitment(t *testing.T) {
	h := newHarness(t, contracts.ProfileCoordination, contracts.ProfileWorldlike)
	id, err := h.fabric.Establish(params())
	require.NoError(t, err)

	require.NoError(t, h.fabric.Retain(id, "sha256:commit-1"))

	state, err := h.fabric.Decouple(id)
	require.NoError(t, err)
	assert.Equal(t, contracts.CouplingPendingDecouple, state)

	// Attention is still held while the commitment is live.
	b, _ := h.alloc.Budget(wlA)
	assert.Equal(t, 30.0, b.Allocated)

	h.fabric.ReleaseRef(id, "sha256:commit-1")

	b, _ = h.alloc.Budget(wlA)
	assert.Equal(t, 0.0, b.Allocated)
	assert.Equal(t, 1, h.sink.decoupled)
}

func TestReverseAdjacency(t *testing.T) {
	h := newHarness(t, contracts.ProfileCoordination, contracts.ProfileWorldlike)
	id, err := h.fabric.Establish(params())
	require.NoError(t, err)

	incoming := h.fabric.Incoming(wlB)
	require.Len(t, incoming, 1)
	assert.Equal(t, id, incoming[0])
}

func TestRebalanceDecouplesLowUtilization(t *testing.T) {
	h := newHarness(t, contracts.ProfileCoordination, contracts.ProfileWorldlike)

	weak, err := h.fabric.Establish(params()) // strength 0.3 / cost 30 = 0.01
	require.NoError(t, err)

	strong := params()
	strong.InitialAttentionCost = 1
	strongID, err := h.fabric.Establish(strong) // 0.3 / 1 = 0.3
	require.NoError(t, err)

	reclaimed := h.fabric.Rebalance(wlA, 0.1)
	assert.Equal(t, 30.0, reclaimed)

	_, err = h.fabric.Get(weak)
	assert.ErrorIs(t, err, contracts.ErrCouplingUnknown)
	_, err = h.fabric.Get(strongID)
	assert.NoError(t, err)
}
