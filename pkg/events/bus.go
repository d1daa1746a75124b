// Package events delivers kernel event broadcasts to subscribers with
// at-least-once semantics. Every event carries a per-entity monotonic
// sequence so consumers can de-duplicate redeliveries.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mapleaiorg/maple/core/pkg/contracts"
)

// Kind enumerates the kernel event types.
type Kind string

const (
	KindPresenceChanged      Kind = "PRESENCE_CHANGED"
	KindCouplingEstablished  Kind = "COUPLING_ESTABLISHED"
	KindCouplingStrengthened Kind = "COUPLING_STRENGTHENED"
	KindDecoupled            Kind = "DECOUPLED"
	KindAttentionLow         Kind = "ATTENTION_LOW"
	KindCommitmentAppended   Kind = "COMMITMENT_APPENDED"
	KindOutcomeAppended      Kind = "OUTCOME_APPENDED"
	KindInvariantViolated    Kind = "INVARIANT_VIOLATED"
)

// Event is one broadcast record.
type Event struct {
	ID        string                `json:"id"`
	Kind      Kind                  `json:"kind"`
	WorldLine contracts.WorldLineID `json:"worldline"`
	// Seq is monotonic per worldline; redeliveries reuse the same Seq.
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Subscriber consumes events. Deliver may be called more than once per
// event; returning false requests redelivery.
type Subscriber interface {
	Deliver(e Event) bool
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(e Event) bool

func (f SubscriberFunc) Deliver(e Event) bool { return f(e) }

// Bus fans events out to subscribers. Delivery is synchronous and
// at-least-once: a subscriber that refuses an event gets it again on the
// next Emit (for any worldline), ahead of the new event.
type Bus struct {
	mu      sync.Mutex
	subs    []Subscriber
	seqs    map[contracts.WorldLineID]uint64
	pending map[int][]Event
	clock   func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		seqs:    make(map[contracts.WorldLineID]uint64),
		pending: make(map[int][]Event),
		clock:   time.Now,
	}
}

// Subscribe registers a subscriber and returns its handle for pending
// inspection.
func (b *Bus) Subscribe(s Subscriber) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, s)
	return len(b.subs) - 1
}

// Emit assigns the per-entity sequence and delivers to every subscriber.
func (b *Bus) Emit(kind Kind, w contracts.WorldLineID, payload map[string]any) Event {
	b.mu.Lock()
	b.seqs[w]++
	e := Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		WorldLine: w,
		Seq:       b.seqs[w],
		Timestamp: b.clock().UTC(),
		Payload:   payload,
	}
	subs := make([]Subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for i, s := range subs {
		b.redeliver(i, s)
		if !s.Deliver(e) {
			b.mu.Lock()
			b.pending[i] = append(b.pending[i], e)
			b.mu.Unlock()
		}
	}
	return e
}

// redeliver retries a subscriber's refused events in order.
func (b *Bus) redeliver(i int, s Subscriber) {
	b.mu.Lock()
	queue := b.pending[i]
	b.pending[i] = nil
	b.mu.Unlock()

	var still []Event
	for _, e := range queue {
		if !s.Deliver(e) {
			still = append(still, e)
		}
	}
	if len(still) > 0 {
		b.mu.Lock()
		b.pending[i] = append(still, b.pending[i]...)
		b.mu.Unlock()
	}
}

// Pending reports a subscriber's undelivered backlog size.
func (b *Bus) Pending(handle int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[handle])
}
