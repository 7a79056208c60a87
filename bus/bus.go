// Package bus provides the in-process broadcast channel connecting the
// supervisor, swarm manager, rule engine and web gateway.
//
// Delivery is best-effort per subscriber: each subscription owns a bounded
// ring buffer; when a subscriber lags past it, the bus drops that
// subscriber's oldest events and surfaces a Lagged marker at its next
// receive. Publishing never blocks.
package bus

import (
	"context"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Nnubes256/IDIoT/types"
)

// DefaultCapacity is the per-subscriber ring size.
const DefaultCapacity = 256

// EventKind tags a CoreEvent variant.
type EventKind uint8

const (
	// EventLocalSensor is a reading produced by a local driver.
	EventLocalSensor EventKind = iota
	// EventRemoteSensor is a reading received from a peer.
	EventRemoteSensor
	// EventPeerIdentity is a new or refreshed peer self-description.
	EventPeerIdentity
	// EventPeerLost signals a peer's connection was declared dead.
	EventPeerLost
	// EventLocalActuation records an actuation dispatched to a local driver.
	EventLocalActuation
	// EventDriverFault records a driver entering the faulted state.
	EventDriverFault
	// EventLagged is a synthetic marker: the subscriber missed Lagged
	// events since its previous receive.
	EventLagged
)

// String returns the string representation of an EventKind.
func (k EventKind) String() string {
	switch k {
	case EventLocalSensor:
		return "local_sensor"
	case EventRemoteSensor:
		return "remote_sensor"
	case EventPeerIdentity:
		return "peer_identity"
	case EventPeerLost:
		return "peer_lost"
	case EventLocalActuation:
		return "local_actuation"
	case EventDriverFault:
		return "driver_fault"
	case EventLagged:
		return "lagged"
	default:
		return "unknown"
	}
}

// OriginKind tags where an actuation request came from.
type OriginKind uint8

const (
	// OriginLocal is a locally-initiated actuation.
	OriginLocal OriginKind = iota
	// OriginRemote is an actuation requested by a peer.
	OriginRemote
	// OriginRule is an actuation emitted by a rule firing.
	OriginRule
)

// Origin identifies the source of an actuation.
type Origin struct {
	Kind OriginKind
	// Peer is set for OriginRemote.
	Peer peer.ID
	// Rule is set for OriginRule.
	Rule string
}

// LocalOrigin returns a locally-initiated origin.
func LocalOrigin() Origin {
	return Origin{Kind: OriginLocal}
}

// RemoteOrigin returns an origin naming the requesting peer.
func RemoteOrigin(p peer.ID) Origin {
	return Origin{Kind: OriginRemote, Peer: p}
}

// RuleOrigin returns an origin naming the firing rule.
func RuleOrigin(id string) Origin {
	return Origin{Kind: OriginRule, Rule: id}
}

// Event is one CoreEvent. Kind selects which fields are meaningful.
type Event struct {
	Kind EventKind

	// Peer is the source peer for LocalSensor (the local peer),
	// RemoteSensor, PeerIdentity and PeerLost.
	Peer peer.ID
	// Reading is set for LocalSensor and RemoteSensor.
	Reading types.SensorReading
	// Identity is set for PeerIdentity.
	Identity types.PeerIdentity

	// Device, Actuator, Value, Origin and Response are set for
	// LocalActuation.
	Device   string
	Actuator string
	Value    types.ActuatorValue
	Origin   Origin
	Response types.ActuationResponse

	// Fault is set for DriverFault.
	Fault string

	// Lagged is set for EventLagged: how many events were dropped.
	Lagged uint64
}

// Bus fans events out to subscribers. The zero value is not usable; use New.
type Bus struct {
	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	capacity int
	closed   bool
}

// New creates a bus whose subscribers buffer up to capacity events each.
// A capacity of zero or less selects DefaultCapacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		subs:     make(map[*Subscription]struct{}),
		capacity: capacity,
	}
}

// Publish delivers ev to every subscriber without blocking. Subscribers past
// their buffer capacity lose their oldest event instead.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.push(ev)
	}
}

// Subscribe registers a new subscriber. The caller must Close the returned
// subscription when done with it.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{
		bus:      b,
		ring:     make([]Event, 0, b.capacity),
		capacity: b.capacity,
		wake:     make(chan struct{}, 1),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closed = true
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Close detaches every subscriber and rejects further publishes. Blocked
// receivers return with ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = map[*Subscription]struct{}{}
	b.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

// ErrClosed is returned by Recv once a subscription or its bus is closed and
// its buffer is drained.
var ErrClosed = errClosed{}

type errClosed struct{}

func (errClosed) Error() string { return "subscription closed" }

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	bus      *Bus
	mu       sync.Mutex
	ring     []Event
	capacity int
	dropped  uint64
	closed   bool
	wake     chan struct{}
}

func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.ring) >= s.capacity {
		copy(s.ring, s.ring[1:])
		s.ring = s.ring[:len(s.ring)-1]
		s.dropped++
	}
	s.ring = append(s.ring, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Recv returns the next event, blocking until one is available, ctx is done,
// or the subscription is closed. If events were dropped since the previous
// receive, Recv first returns an EventLagged marker carrying the count.
func (s *Subscription) Recv(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if s.dropped > 0 {
			n := s.dropped
			s.dropped = 0
			s.mu.Unlock()
			return Event{Kind: EventLagged, Lagged: n}, nil
		}
		if len(s.ring) > 0 {
			ev := s.ring[0]
			copy(s.ring, s.ring[1:])
			s.ring = s.ring[:len(s.ring)-1]
			s.mu.Unlock()
			return ev, nil
		}
		if s.closed {
			s.mu.Unlock()
			return Event{}, ErrClosed
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.wake:
		}
	}
}

// Close detaches the subscription from the bus. Pending events are
// discarded; a blocked Recv returns ErrClosed.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.ring = nil
	s.mu.Unlock()

	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}
