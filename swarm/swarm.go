// Package swarm manages the node's participation in the mesh: an encrypted,
// authenticated libp2p host with mDNS discovery, gossipsub replication of
// measurements and identities, ping keep-alive, and a request/response
// protocol for remote actuation.
//
// The transport stack mirrors the membership model: TCP streams wrapped in a
// pre-shared-key private network (only holders of the PSK can connect),
// noise-authenticated against each peer's long-term keypair, multiplexed
// with yamux.
package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/pnet"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/protocol/ping"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"

	"github.com/Nnubes256/IDIoT/bus"
	"github.com/Nnubes256/IDIoT/errors"
	"github.com/Nnubes256/IDIoT/metric"
	"github.com/Nnubes256/IDIoT/store"
	"github.com/Nnubes256/IDIoT/types"
	"github.com/Nnubes256/IDIoT/wire"
)

const (
	// TopicMeasurements carries (peer, SensorReading) payloads.
	TopicMeasurements = "measurements"
	// TopicIdentity carries PeerIdentity payloads.
	TopicIdentity = "identity"

	// mdnsServiceTag is the rendezvous string announced on the local
	// network. Every daemon build announces the same tag; the PSK decides
	// membership.
	mdnsServiceTag = "_idiot-nodes._udp"

	// DefaultIdentityInterval is the steady re-publish interval for the
	// local identity.
	DefaultIdentityInterval = 30 * time.Second

	// DefaultRequestTimeout bounds a remote actuation round trip.
	DefaultRequestTimeout = 10 * time.Second

	// DefaultPingInterval is the keep-alive cadence per connection.
	DefaultPingInterval = 15 * time.Second

	// pingFailureLimit is how many consecutive keep-alive failures close a
	// connection.
	pingFailureLimit = 3

	// outboundQueueLen bounds readings waiting to be published. The queue
	// is drained by a single goroutine, which preserves per-sensor publish
	// order on the wire.
	outboundQueueLen = 256
)

// Actuator dispatches an inbound remote actuation into the local node.
type Actuator interface {
	Actuate(ctx context.Context, data types.FullActuatorData, origin bus.Origin) types.ActuationResponse
}

// Config assembles a Manager.
type Config struct {
	// Keypair is the node's long-term identity key.
	Keypair crypto.PrivKey
	// PSK is the 32-byte pre-shared swarm membership key.
	PSK pnet.PSK
	// Port is the TCP listen port; zero picks an ephemeral port.
	Port int
	// IdentityInterval overrides DefaultIdentityInterval when positive.
	IdentityInterval time.Duration
	// RequestTimeout overrides DefaultRequestTimeout when positive.
	RequestTimeout time.Duration
	// PingInterval overrides DefaultPingInterval when positive.
	PingInterval time.Duration
}

// Manager runs the swarm stack. Create with New, then Start.
type Manager struct {
	host host.Host
	ps   *pubsub.PubSub
	ping *ping.PingService
	mdns mdns.Service

	measurements *pubsub.Topic
	identity     *pubsub.Topic

	store      *store.Store
	actuator   Actuator
	identityFn func() types.PeerIdentity
	metrics    *metric.Metrics

	identityInterval time.Duration
	requestTimeout   time.Duration
	pingInterval     time.Duration

	outbound chan types.SensorReading
	replay   *replayFilter

	mu       sync.Mutex
	monitors map[peer.ID]context.CancelFunc
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	identityKick chan struct{}
}

// New assembles the libp2p host and gossipsub router. The returned manager
// is idle until Start; failures here are unrecoverable swarm errors.
func New(cfg Config, st *store.Store, actuator Actuator, identityFn func() types.PeerIdentity, metrics *metric.Metrics) (*Manager, error) {
	if len(cfg.PSK) != 32 {
		return nil, errors.WrapFatal(
			fmt.Errorf("pre-shared key must be 32 bytes, got %d: %w", len(cfg.PSK), errors.ErrInvalidConfig),
			"Manager", "New", "PSK validation")
	}

	h, err := libp2p.New(
		libp2p.Identity(cfg.Keypair),
		libp2p.PrivateNetwork(cfg.PSK),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.Port)),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Ping(false),
		libp2p.UserAgent("idiotd"),
	)
	if err != nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: %w", errors.ErrSwarmUnrecoverable, err),
			"Manager", "New", "host construction")
	}

	ps, err := pubsub.NewGossipSub(context.Background(), h,
		pubsub.WithMessageSignaturePolicy(pubsub.StrictSign))
	if err != nil {
		_ = h.Close()
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: %w", errors.ErrSwarmUnrecoverable, err),
			"Manager", "New", "gossipsub construction")
	}

	m := &Manager{
		host:             h,
		ps:               ps,
		ping:             ping.NewPingService(h),
		store:            st,
		actuator:         actuator,
		identityFn:       identityFn,
		metrics:          metrics,
		identityInterval: orDefault(cfg.IdentityInterval, DefaultIdentityInterval),
		requestTimeout:   orDefault(cfg.RequestTimeout, DefaultRequestTimeout),
		pingInterval:     orDefault(cfg.PingInterval, DefaultPingInterval),
		outbound:         make(chan types.SensorReading, outboundQueueLen),
		replay:           newReplayFilter(),
		monitors:         make(map[peer.ID]context.CancelFunc),
		identityKick:     make(chan struct{}, 1),
	}
	return m, nil
}

func orDefault(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

// LocalPeer returns the host's peer id.
func (m *Manager) LocalPeer() peer.ID {
	return m.host.ID()
}

// Start joins the topics, wires discovery and keep-alive, and launches the
// publish and receive loops.
func (m *Manager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	var err error
	if m.measurements, err = m.ps.Join(TopicMeasurements); err != nil {
		cancel()
		return errors.WrapFatal(err, "Manager", "Start", "measurements topic join")
	}
	if m.identity, err = m.ps.Join(TopicIdentity); err != nil {
		cancel()
		return errors.WrapFatal(err, "Manager", "Start", "identity topic join")
	}

	measurementsSub, err := m.measurements.Subscribe()
	if err != nil {
		cancel()
		return errors.WrapFatal(err, "Manager", "Start", "measurements subscribe")
	}
	identitySub, err := m.identity.Subscribe()
	if err != nil {
		cancel()
		return errors.WrapFatal(err, "Manager", "Start", "identity subscribe")
	}

	m.host.SetStreamHandler(actuatorProtocolID, m.handleActuationStream)
	m.host.Network().Notify(m.connectionNotifee(runCtx))

	m.mdns = mdns.NewMdnsService(m.host, mdnsServiceTag, &discoveryNotifee{m: m, ctx: runCtx})
	if err := m.mdns.Start(); err != nil {
		cancel()
		return errors.WrapFatal(
			fmt.Errorf("%w: %w", errors.ErrSwarmUnrecoverable, err),
			"Manager", "Start", "mDNS start")
	}

	m.wg.Add(4)
	go func() { defer m.wg.Done(); m.publishLoop(runCtx) }()
	go func() { defer m.wg.Done(); m.identityLoop(runCtx) }()
	go func() { defer m.wg.Done(); m.measurementsLoop(runCtx, measurementsSub) }()
	go func() { defer m.wg.Done(); m.identityRecvLoop(runCtx, identitySub) }()

	slog.Info("swarm started",
		"peer", m.host.ID(), "addrs", m.host.Addrs(), "topics", []string{TopicMeasurements, TopicIdentity})
	return nil
}

// Stop tears the swarm down: discovery, loops, topics, host.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		if m.mdns != nil {
			_ = m.mdns.Close()
		}
		m.wg.Wait()

		if m.measurements != nil {
			_ = m.measurements.Close()
		}
		if m.identity != nil {
			_ = m.identity.Close()
		}
	}

	if err := m.host.Close(); err != nil {
		slog.Warn("host close failed", "error", err)
	}
}

// PublishReading queues a local reading for replication. Never blocks: when
// the swarm cannot drain fast enough the reading is dropped (peers converge
// again on the next publish for that sensor).
func (m *Manager) PublishReading(r types.SensorReading) {
	select {
	case m.outbound <- r:
	default:
		slog.Warn("outbound queue full, dropping reading", "device", r.Device, "sensor", r.Sensor, "seq", r.Seq)
	}
}

// PublishIdentityNow triggers an immediate identity broadcast, used after
// driver-set or display-name changes.
func (m *Manager) PublishIdentityNow() {
	select {
	case m.identityKick <- struct{}{}:
	default:
	}
}

func (m *Manager) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-m.outbound:
			payload := wire.EncodeMeasurement(m.host.ID(), r)
			if err := m.measurements.Publish(ctx, payload); err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Debug("measurement publish failed", "device", r.Device, "sensor", r.Sensor, "error", err)
			}
		}
	}
}

func (m *Manager) identityLoop(ctx context.Context) {
	ticker := time.NewTicker(m.identityInterval)
	defer ticker.Stop()

	m.broadcastIdentity(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.broadcastIdentity(ctx)
		case <-m.identityKick:
			m.broadcastIdentity(ctx)
		}
	}
}

func (m *Manager) broadcastIdentity(ctx context.Context) {
	identity := m.identityFn()
	if err := m.identity.Publish(ctx, wire.EncodeIdentity(identity)); err != nil && ctx.Err() == nil {
		slog.Debug("identity publish failed", "error", err)
	}
}

func (m *Manager) measurementsLoop(ctx context.Context, sub *pubsub.Subscription) {
	defer sub.Cancel()
	self := m.host.ID()

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.GetFrom() == self {
			continue
		}

		from, reading, err := wire.DecodeMeasurement(msg.Data)
		if err != nil {
			slog.Warn("dropping malformed measurement", "from", msg.GetFrom(), "error", err)
			continue
		}
		// A payload claiming a different origin than its signed envelope
		// is a protocol violation; drop it.
		if from != msg.GetFrom() {
			slog.Warn("measurement origin mismatch", "claimed", from, "actual", msg.GetFrom())
			continue
		}

		if !m.replay.Observe(from, reading.Seq) {
			m.metrics.IncReadingsSuppressed()
			continue
		}

		if err := m.store.Record(from, reading); err != nil {
			slog.Debug("remote reading not recorded", "peer", from, "device", reading.Device, "sensor", reading.Sensor, "error", err)
			continue
		}
		m.metrics.IncReadingsReceived()
	}
}

func (m *Manager) identityRecvLoop(ctx context.Context, sub *pubsub.Subscription) {
	defer sub.Cancel()
	self := m.host.ID()

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.GetFrom() == self {
			continue
		}

		identity, err := wire.DecodeIdentity(msg.Data)
		if err != nil {
			slog.Warn("dropping malformed identity", "from", msg.GetFrom(), "error", err)
			continue
		}
		if identity.Peer != msg.GetFrom() {
			slog.Warn("identity origin mismatch", "claimed", identity.Peer, "actual", msg.GetFrom())
			continue
		}

		slog.Debug("peer identity refreshed", "peer", identity.Peer, "name", identity.Name, "devices", len(identity.Devices))
		m.store.UpsertPeer(identity)
	}
}

// replayFilter tracks the highest observed sequence per peer on the
// measurements topic. Readings at or below it are replays.
type replayFilter struct {
	mu      sync.Mutex
	highest map[peer.ID]uint64
}

func newReplayFilter() *replayFilter {
	return &replayFilter{highest: make(map[peer.ID]uint64)}
}

// Observe records seq for p and reports whether it advances the highest
// observed value.
func (f *replayFilter) Observe(p peer.ID, seq uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if prev, ok := f.highest[p]; ok && seq <= prev {
		return false
	}
	f.highest[p] = seq
	return true
}

// Forget drops a peer's replay state so a restarted peer (whose counter
// reset) is not muted forever.
func (f *replayFilter) Forget(p peer.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.highest, p)
}
