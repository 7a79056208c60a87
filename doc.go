// Package idiot is a decentralized IoT daemon for small, trust-bounded meshes
// of single-board computers.
//
// Each node runs the same daemon: it drives local sensor and actuator
// peripherals, discovers peer nodes on the local network, and exchanges
// measurements and remote-actuation commands with them. There is no broker
// and no coordinator; membership is bounded by a pre-shared network key.
//
// # Architecture
//
// The daemon is a set of components wired together by the system core:
//
//	┌─────────────────────────────────────┐
//	│          System core                │  Config, secrets, lifecycle
//	│   (startup order, shutdown grace)   │
//	└─────────────────────────────────────┘
//	           ↓ wires
//	┌──────────┬──────────┬───────────────┐
//	│ Device   │  Rule    │  Web          │  Sensing cadence, rule firing,
//	│ superv.  │  engine  │  gateway      │  WebSocket mirroring
//	└──────────┴──────────┴───────────────┘
//	           ↓ communicate via
//	┌─────────────────────────────────────┐
//	│     Event bus + local store         │  Fan-out, last-known state
//	└─────────────────────────────────────┘
//	           ↓ replicated by
//	┌─────────────────────────────────────┐
//	│        Swarm manager (libp2p)       │  mDNS, PSK, noise, gossipsub,
//	│                                     │  request/response actuation
//	└─────────────────────────────────────┘
//
// Sensor readings flow from drivers through the supervisor into the store,
// the event bus, and the swarm's measurements topic. Readings arriving from
// peers are demultiplexed into the same store and bus. Rule firings become
// local supervisor calls or remote request/response actuations. The web
// gateway mirrors the store to connected browsers.
//
// Package layout follows the component boundaries: device, supervisor, bus,
// store, rules, swarm, gateway, metric, system, with shared value types in
// types and the binary wire codec in wire.
package idiot
