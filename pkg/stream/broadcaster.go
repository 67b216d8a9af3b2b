package stream

import (
	"sync"

	"github.com/settld-labs/settld-proxy/pkg/contracts"
)

// DefaultSubscriberBuffer bounds each subscriber's in-flight frames. A
// subscriber that falls further behind is dropped, never blocking the
// broadcaster.
const DefaultSubscriberBuffer = 256

// Envelope is one published stream change: either a chained event or an
// agent-card transition.
type Envelope struct {
	Event       *contracts.ChainedEvent
	Card        *contracts.AgentCard
	CardRemoved *CardRemoval
}

// CardRemoval announces that a card left the subscriber's scope.
type CardRemoval struct {
	AgentID    string
	ReasonCode string
	At         string
}

// Subscription is one subscriber's receive side. C is closed when the
// subscription ends; Overflowed reports whether it ended by back-pressure
// drop.
type Subscription struct {
	C chan Envelope

	mu         sync.Mutex
	closed     bool
	overflowed bool
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.C)
	}
}

// Overflowed reports whether the subscriber was dropped for falling behind.
func (s *Subscription) Overflowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overflowed
}

func (s *Subscription) send(env Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.C <- env:
		return true
	default:
		s.overflowed = true
		s.closed = true
		close(s.C)
		return false
	}
}

// Broadcaster fans stream changes out to live subscribers. The lock is
// held only around subscriber-list mutation; delivery happens against a
// snapshot.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
}

// NewBroadcaster creates a broadcaster with the default per-subscriber
// buffer.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: DefaultSubscriberBuffer,
	}
}

// Subscribe attaches a new subscriber to streamID.
func (b *Broadcaster) Subscribe(streamID string) *Subscription {
	sub := &Subscription{C: make(chan Envelope, b.buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[streamID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[streamID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Unsubscribe detaches sub from streamID.
func (b *Broadcaster) Unsubscribe(streamID string, sub *Subscription) {
	b.mu.Lock()
	if set, ok := b.subs[streamID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, streamID)
		}
	}
	b.mu.Unlock()
	sub.Close()
}

// Publish delivers env to every live subscriber of streamID. Subscribers
// that cannot keep up are dropped; a bad subscriber never crashes the
// broadcaster.
func (b *Broadcaster) Publish(streamID string, env Envelope) {
	b.mu.Lock()
	snapshot := make([]*Subscription, 0, len(b.subs[streamID]))
	for sub := range b.subs[streamID] {
		snapshot = append(snapshot, sub)
	}
	b.mu.Unlock()

	for _, sub := range snapshot {
		if !sub.send(env) {
			b.mu.Lock()
			if set, ok := b.subs[streamID]; ok {
				delete(set, sub)
			}
			b.mu.Unlock()
		}
	}
}
