package types

import (
	"encoding/json"
	"sort"

	"github.com/libp2p/go-libp2p/core/peer"
)

// DeviceDescriptor names a device and the sensors and actuators it exposes.
// The name sets are fixed when the driver initializes and never change for
// the driver's lifetime.
type DeviceDescriptor struct {
	Name      string   `json:"name"`
	Type      string   `json:"device_type"`
	Sensors   []string `json:"sensors"`
	Actuators []string `json:"actuators"`
}

// HasSensor reports whether the descriptor declares the named sensor.
func (d DeviceDescriptor) HasSensor(name string) bool {
	for _, s := range d.Sensors {
		if s == name {
			return true
		}
	}
	return false
}

// HasActuator reports whether the descriptor declares the named actuator.
func (d DeviceDescriptor) HasActuator(name string) bool {
	for _, a := range d.Actuators {
		if a == name {
			return true
		}
	}
	return false
}

// PeerIdentity is one node's self-description: its stable peer id, a display
// name, and the devices it exposes. Nodes re-publish it periodically;
// subscribers treat it as last-writer-wins.
type PeerIdentity struct {
	Peer    peer.ID
	Name    string
	Devices map[string]DeviceDescriptor
}

// DeviceNames returns the device names in sorted order.
func (p PeerIdentity) DeviceNames() []string {
	names := make([]string, 0, len(p.Devices))
	for name := range p.Devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy that shares no mutable state with p.
func (p PeerIdentity) Clone() PeerIdentity {
	out := PeerIdentity{Peer: p.Peer, Name: p.Name}
	if p.Devices != nil {
		out.Devices = make(map[string]DeviceDescriptor, len(p.Devices))
		for name, dev := range p.Devices {
			dev.Sensors = append([]string(nil), dev.Sensors...)
			dev.Actuators = append([]string(nil), dev.Actuators...)
			out.Devices[name] = dev
		}
	}
	return out
}

// MarshalJSON renders the identity for the web surface, with the peer id in
// base58.
func (p PeerIdentity) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Node    string                      `json:"node"`
		Name    string                      `json:"name"`
		Devices map[string]DeviceDescriptor `json:"devices"`
	}{
		Node:    p.Peer.String(),
		Name:    p.Name,
		Devices: p.Devices,
	})
}
