// Package store keeps the node's eventually-consistent view of the swarm:
// the peer directory and the last-known measurement per (peer, device,
// sensor).
//
// The store is the single publisher of state-change events on the bus:
// a reading or identity that never commits is never seen by subscribers.
package store

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Nnubes256/IDIoT/bus"
	"github.com/Nnubes256/IDIoT/errors"
	"github.com/Nnubes256/IDIoT/types"
)

// PendingLimit bounds how many readings are buffered for a peer whose
// identity has not arrived yet. The oldest reading is evicted first.
const PendingLimit = 64

type measurementKey struct {
	peer   peer.ID
	device string
	sensor string
}

type measurement struct {
	value types.ActuatorValue
	seq   uint64
}

// Store is the threadsafe last-known-state map. All methods are safe for
// concurrent use; critical sections are short and never suspend.
type Store struct {
	local  peer.ID
	events *bus.Bus

	mu           sync.RWMutex
	peers        map[peer.ID]types.PeerIdentity
	measurements map[measurementKey]measurement
	pending      map[peer.ID][]types.SensorReading
}

// New creates a store seeded with the local peer's identity. Committed
// changes are published on events.
func New(local types.PeerIdentity, events *bus.Bus) *Store {
	s := &Store{
		local:        local.Peer,
		events:       events,
		peers:        make(map[peer.ID]types.PeerIdentity),
		measurements: make(map[measurementKey]measurement),
		pending:      make(map[peer.ID][]types.SensorReading),
	}
	s.peers[local.Peer] = local.Clone()
	return s
}

// LocalPeer returns the local node's peer id.
func (s *Store) LocalPeer() peer.ID {
	return s.local
}

// Identity returns the stored identity for a peer.
func (s *Store) Identity(p peer.ID) (types.PeerIdentity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.peers[p]
	if !ok {
		return types.PeerIdentity{}, false
	}
	return id.Clone(), true
}

// UpsertPeer installs or refreshes a peer identity (last-writer-wins),
// reconciles any readings buffered before the identity arrived, and drops
// stored measurements the new identity no longer declares.
func (s *Store) UpsertPeer(identity types.PeerIdentity) {
	id := identity.Clone()

	s.mu.Lock()
	s.peers[id.Peer] = id

	// Measurements recorded under a previous identity may now reference
	// devices or sensors the peer no longer declares.
	for key := range s.measurements {
		if key.peer != id.Peer {
			continue
		}
		if !declares(id, key.device, key.sensor) {
			delete(s.measurements, key)
		}
	}

	buffered := s.pending[id.Peer]
	delete(s.pending, id.Peer)

	committed := make([]types.SensorReading, 0, len(buffered))
	for _, r := range buffered {
		if declares(id, r.Device, r.Sensor) && s.commitLocked(id.Peer, r) {
			committed = append(committed, r)
		}
	}
	s.mu.Unlock()

	s.events.Publish(bus.Event{Kind: bus.EventPeerIdentity, Peer: id.Peer, Identity: id})
	for _, r := range committed {
		s.publishReading(id.Peer, r)
	}
}

// ForgetPeer removes a peer and all its measurements, publishing PeerLost.
// Forgetting the local peer or an unknown peer is a no-op.
func (s *Store) ForgetPeer(p peer.ID) {
	if p == s.local {
		return
	}

	s.mu.Lock()
	_, known := s.peers[p]
	delete(s.peers, p)
	delete(s.pending, p)
	for key := range s.measurements {
		if key.peer == p {
			delete(s.measurements, key)
		}
	}
	s.mu.Unlock()

	if known {
		s.events.Publish(bus.Event{Kind: bus.EventPeerLost, Peer: p})
	}
}

// Record stores a reading for a peer and publishes the corresponding sensor
// event.
//
// Readings for peers whose identity is not yet known are buffered (bounded,
// oldest evicted) until the identity arrives. Readings naming a device or
// sensor the identity does not declare are rejected, as are readings whose
// sequence number is not beyond the highest already stored for the key.
func (s *Store) Record(from peer.ID, r types.SensorReading) error {
	s.mu.Lock()

	identity, known := s.peers[from]
	if !known {
		q := s.pending[from]
		if len(q) >= PendingLimit {
			q = q[1:]
			slog.Debug("pending buffer full, evicting oldest reading", "peer", from)
		}
		s.pending[from] = append(q, r)
		s.mu.Unlock()
		return errors.ErrUnknownPeer
	}

	if !declares(identity, r.Device, r.Sensor) {
		s.mu.Unlock()
		return fmt.Errorf("%s/%s on peer %s: %w", r.Device, r.Sensor, from, errors.ErrUndeclaredSensor)
	}

	if !s.commitLocked(from, r) {
		s.mu.Unlock()
		return errors.ErrStaleReading
	}
	s.mu.Unlock()

	s.publishReading(from, r)
	return nil
}

// commitLocked applies last-writer-wins by sequence number. The caller holds
// s.mu and has already validated the (device, sensor) pair.
func (s *Store) commitLocked(from peer.ID, r types.SensorReading) bool {
	key := measurementKey{peer: from, device: r.Device, sensor: r.Sensor}
	if prev, ok := s.measurements[key]; ok && r.Seq <= prev.seq {
		return false
	}
	s.measurements[key] = measurement{value: r.Value, seq: r.Seq}
	return true
}

func (s *Store) publishReading(from peer.ID, r types.SensorReading) {
	kind := bus.EventRemoteSensor
	if from == s.local {
		kind = bus.EventLocalSensor
	}
	s.events.Publish(bus.Event{Kind: kind, Peer: from, Reading: r})
}

func declares(id types.PeerIdentity, device, sensor string) bool {
	dev, ok := id.Devices[device]
	if !ok {
		return false
	}
	return dev.HasSensor(sensor)
}

// Value returns the last-known measurement for a key.
func (s *Store) Value(p peer.ID, device, sensor string) (types.ActuatorValue, uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.measurements[measurementKey{peer: p, device: device, sensor: sensor}]
	return m.value, m.seq, ok
}

// DeviceState is one device's descriptor plus the last-known value of each
// of its sensors that has reported at least once.
type DeviceState struct {
	Type      string                         `json:"device_type"`
	Sensors   map[string]types.ActuatorValue `json:"sensors"`
	Actuators []string                       `json:"actuators"`
}

// PeerState is one peer's directory entry in a snapshot.
type PeerState struct {
	Name    string                 `json:"name"`
	Devices map[string]DeviceState `json:"devices"`
}

// Snapshot is a point-in-time copy of the whole store, keyed by base58 peer
// id, in the shape the web front-end consumes.
type Snapshot struct {
	Peers map[string]PeerState `json:"peers"`
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := Snapshot{Peers: make(map[string]PeerState, len(s.peers))}
	for p, identity := range s.peers {
		ps := PeerState{Name: identity.Name, Devices: make(map[string]DeviceState, len(identity.Devices))}
		for name, dev := range identity.Devices {
			ds := DeviceState{
				Type:      dev.Type,
				Sensors:   make(map[string]types.ActuatorValue),
				Actuators: append([]string(nil), dev.Actuators...),
			}
			for _, sensor := range dev.Sensors {
				if m, ok := s.measurements[measurementKey{peer: p, device: name, sensor: sensor}]; ok {
					ds.Sensors[sensor] = m.value
				}
			}
			ps.Devices[name] = ds
		}
		out.Peers[p.String()] = ps
	}
	return out
}

// Peers returns the known peer ids, local included, in sorted order.
func (s *Store) Peers() []peer.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]peer.ID, 0, len(s.peers))
	for p := range s.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PendingCount reports how many readings are buffered for a yet-unknown
// peer.
func (s *Store) PendingCount(p peer.ID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending[p])
}
