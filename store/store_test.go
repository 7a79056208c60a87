package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nnubes256/IDIoT/bus"
	"github.com/Nnubes256/IDIoT/errors"
	"github.com/Nnubes256/IDIoT/types"
)

var (
	localPeer  = peer.ID("local-peer-0001")
	remotePeer = peer.ID("remote-peer-0002")
)

func localIdentity() types.PeerIdentity {
	return types.PeerIdentity{
		Peer: localPeer,
		Name: "local",
		Devices: map[string]types.DeviceDescriptor{
			"t1": {Name: "t1", Type: "timer", Sensors: []string{"tick"}},
		},
	}
}

func remoteIdentity() types.PeerIdentity {
	return types.PeerIdentity{
		Peer: remotePeer,
		Name: "remote",
		Devices: map[string]types.DeviceDescriptor{
			"dht": {Name: "dht", Type: "dht11", Sensors: []string{"temperature", "humidity"}},
		},
	}
}

func newStore(t *testing.T) (*Store, *bus.Bus) {
	t.Helper()
	b := bus.New(1024)
	t.Cleanup(b.Close)
	return New(localIdentity(), b), b
}

func recvAll(t *testing.T, sub *bus.Subscription, n int) []bus.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	out := make([]bus.Event, 0, n)
	for len(out) < n {
		ev, err := sub.Recv(ctx)
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func TestLocalPeerSeededAtStartup(t *testing.T) {
	s, _ := newStore(t)

	id, ok := s.Identity(localPeer)
	require.True(t, ok)
	assert.Equal(t, "local", id.Name)
	assert.Contains(t, s.Snapshot().Peers, localPeer.String())
}

func TestRecordValidatesAgainstIdentity(t *testing.T) {
	s, _ := newStore(t)
	s.UpsertPeer(remoteIdentity())

	err := s.Record(remotePeer, types.SensorReading{Device: "dht", Sensor: "temperature", Value: types.Double(21.5), Seq: 1})
	require.NoError(t, err)

	err = s.Record(remotePeer, types.SensorReading{Device: "dht", Sensor: "pressure", Value: types.Double(1013), Seq: 2})
	assert.True(t, errors.Is(err, errors.ErrUndeclaredSensor))

	err = s.Record(remotePeer, types.SensorReading{Device: "nope", Sensor: "temperature", Value: types.Double(1), Seq: 3})
	assert.True(t, errors.Is(err, errors.ErrUndeclaredSensor))
}

func TestRecordLastWriterWinsBySeq(t *testing.T) {
	s, _ := newStore(t)
	s.UpsertPeer(remoteIdentity())

	require.NoError(t, s.Record(remotePeer, types.SensorReading{Device: "dht", Sensor: "temperature", Value: types.Double(20), Seq: 5}))

	err := s.Record(remotePeer, types.SensorReading{Device: "dht", Sensor: "temperature", Value: types.Double(19), Seq: 5})
	assert.True(t, errors.Is(err, errors.ErrStaleReading))
	err = s.Record(remotePeer, types.SensorReading{Device: "dht", Sensor: "temperature", Value: types.Double(18), Seq: 4})
	assert.True(t, errors.Is(err, errors.ErrStaleReading))

	v, seq, ok := s.Value(remotePeer, "dht", "temperature")
	require.True(t, ok)
	assert.True(t, v.Equal(types.Double(20)))
	assert.Equal(t, uint64(5), seq)
}

func TestSignalIdempotence(t *testing.T) {
	s, _ := newStore(t)

	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, s.Record(localPeer, types.SensorReading{Device: "t1", Sensor: "tick", Value: types.Signal(), Seq: i}))
	}

	v, _, ok := s.Value(localPeer, "t1", "tick")
	require.True(t, ok)
	assert.Equal(t, types.KindSignal, v.Kind())

	// The store holds exactly one entry for the key, not an accumulation.
	snap := s.Snapshot()
	assert.Len(t, snap.Peers[localPeer.String()].Devices["t1"].Sensors, 1)
}

func TestPendingBufferUntilIdentity(t *testing.T) {
	s, b := newStore(t)
	sub := b.Subscribe()
	defer sub.Close()

	// Push more than the limit; the oldest should be evicted.
	for i := 1; i <= PendingLimit+8; i++ {
		err := s.Record(remotePeer, types.SensorReading{
			Device: "dht", Sensor: "temperature", Value: types.Double(float64(i)), Seq: uint64(i),
		})
		assert.True(t, errors.Is(err, errors.ErrUnknownPeer))
	}
	assert.Equal(t, PendingLimit, s.PendingCount(remotePeer))

	s.UpsertPeer(remoteIdentity())
	assert.Zero(t, s.PendingCount(remotePeer))

	// Identity event first, then buffered readings in original order. The
	// readings below the eviction horizon are gone, and LWW keeps only the
	// final value in the store.
	events := recvAll(t, sub, 2)
	assert.Equal(t, bus.EventPeerIdentity, events[0].Kind)
	assert.Equal(t, bus.EventRemoteSensor, events[1].Kind)
	assert.Equal(t, uint64(9), events[1].Reading.Seq)

	v, seq, ok := s.Value(remotePeer, "dht", "temperature")
	require.True(t, ok)
	assert.Equal(t, uint64(PendingLimit+8), seq)
	assert.True(t, v.Equal(types.Double(float64(PendingLimit+8))))
}

func TestPendingReconcileSkipsUndeclared(t *testing.T) {
	s, b := newStore(t)
	sub := b.Subscribe()
	defer sub.Close()

	require.Error(t, s.Record(remotePeer, types.SensorReading{Device: "dht", Sensor: "temperature", Value: types.Double(20), Seq: 1}))
	require.Error(t, s.Record(remotePeer, types.SensorReading{Device: "ghost", Sensor: "x", Value: types.Signal(), Seq: 2}))

	s.UpsertPeer(remoteIdentity())

	events := recvAll(t, sub, 2)
	assert.Equal(t, bus.EventPeerIdentity, events[0].Kind)
	assert.Equal(t, "temperature", events[1].Reading.Sensor)

	_, _, ok := s.Value(remotePeer, "ghost", "x")
	assert.False(t, ok)
}

func TestUpsertDropsStaleMeasurements(t *testing.T) {
	s, _ := newStore(t)
	s.UpsertPeer(remoteIdentity())
	require.NoError(t, s.Record(remotePeer, types.SensorReading{Device: "dht", Sensor: "humidity", Value: types.Double(40), Seq: 1}))

	// New identity drops the humidity sensor.
	shrunk := remoteIdentity()
	dev := shrunk.Devices["dht"]
	dev.Sensors = []string{"temperature"}
	shrunk.Devices["dht"] = dev
	s.UpsertPeer(shrunk)

	_, _, ok := s.Value(remotePeer, "dht", "humidity")
	assert.False(t, ok)
}

func TestStoreInvariantHolds(t *testing.T) {
	s, _ := newStore(t)
	s.UpsertPeer(remoteIdentity())

	// A mixed workload of records and identity updates.
	for i := uint64(1); i <= 50; i++ {
		_ = s.Record(remotePeer, types.SensorReading{Device: "dht", Sensor: "temperature", Value: types.Double(float64(i)), Seq: i})
		if i%10 == 0 {
			s.UpsertPeer(remoteIdentity())
		}
	}
	_ = s.Record(remotePeer, types.SensorReading{Device: "bogus", Sensor: "x", Value: types.Signal(), Seq: 99})

	// Every measurement key in the snapshot is declared by its peer's
	// current identity.
	snap := s.Snapshot()
	for peerID, ps := range snap.Peers {
		for devName, dev := range ps.Devices {
			for sensor := range dev.Sensors {
				id, ok := s.Identity(mustPeer(t, peerID, s))
				require.True(t, ok)
				assert.True(t, id.Devices[devName].HasSensor(sensor),
					"undeclared key %s/%s/%s", peerID, devName, sensor)
			}
		}
	}
}

func mustPeer(t *testing.T, rendered string, s *Store) peer.ID {
	t.Helper()
	for _, p := range s.Peers() {
		if p.String() == rendered {
			return p
		}
	}
	t.Fatalf("peer %s not found", rendered)
	return ""
}

func TestForgetPeer(t *testing.T) {
	s, b := newStore(t)
	sub := b.Subscribe()
	defer sub.Close()

	s.UpsertPeer(remoteIdentity())
	require.NoError(t, s.Record(remotePeer, types.SensorReading{Device: "dht", Sensor: "temperature", Value: types.Double(20), Seq: 1}))

	s.ForgetPeer(remotePeer)

	_, ok := s.Identity(remotePeer)
	assert.False(t, ok)
	_, _, ok = s.Value(remotePeer, "dht", "temperature")
	assert.False(t, ok)

	events := recvAll(t, sub, 3)
	assert.Equal(t, bus.EventPeerLost, events[2].Kind)

	// Forgetting the local peer is refused.
	s.ForgetPeer(localPeer)
	_, ok = s.Identity(localPeer)
	assert.True(t, ok)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s, _ := newStore(t)
	snap := s.Snapshot()
	snap.Peers[localPeer.String()].Devices["t1"].Sensors["tick"] = types.String("mutated")

	fresh := s.Snapshot()
	_, ok := fresh.Peers[localPeer.String()].Devices["t1"].Sensors["tick"]
	assert.False(t, ok, "snapshot mutation leaked into the store")
}

func TestConcurrentRecords(t *testing.T) {
	s, _ := newStore(t)
	s.UpsertPeer(remoteIdentity())

	done := make(chan struct{})
	for g := 0; g < 4; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 250; i++ {
				seq := uint64(g*1000 + i)
				_ = s.Record(remotePeer, types.SensorReading{
					Device: "dht", Sensor: "humidity",
					Value: types.Double(float64(seq)), Seq: seq,
				})
			}
		}(g)
	}
	for g := 0; g < 4; g++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal(fmt.Sprintf("writer %d stuck", g))
		}
	}

	_, seq, ok := s.Value(remotePeer, "dht", "humidity")
	require.True(t, ok)
	assert.Equal(t, uint64(3249), seq)
}
