package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nnubes256/IDIoT/bus"
	"github.com/Nnubes256/IDIoT/types"
)

var (
	localNode = peer.ID("rules-test-local")
	// remoteNode must survive a base58 round trip through peer.Decode, so
	// it is derived from a real key.
	remoteNode = mustPeerID(0x21)
)

func mustPeerID(seed byte) peer.ID {
	priv, _, err := crypto.GenerateEd25519Key(bytes.NewReader(bytes.Repeat([]byte{seed}, 64)))
	if err != nil {
		panic(err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		panic(err)
	}
	return id
}

type captured struct {
	data   types.FullActuatorData
	origin bus.Origin
}

type fakeSupervisor struct {
	mu    sync.Mutex
	calls []captured
}

func (f *fakeSupervisor) ActuateAsync(_ context.Context, data types.FullActuatorData, origin bus.Origin) <-chan types.ActuationResponse {
	f.mu.Lock()
	f.calls = append(f.calls, captured{data: data, origin: origin})
	f.mu.Unlock()

	out := make(chan types.ActuationResponse, 1)
	out <- types.Success()
	return out
}

func (f *fakeSupervisor) snapshot() []captured {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]captured(nil), f.calls...)
}

type fakeRemote struct {
	mu    sync.Mutex
	calls []struct {
		peer peer.ID
		data types.FullActuatorData
	}
	response types.ActuationResponse
}

func (f *fakeRemote) RequestActuation(_ context.Context, p peer.ID, data types.FullActuatorData) types.ActuationResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, struct {
		peer peer.ID
		data types.FullActuatorData
	}{p, data})
	return f.response
}

func (f *fakeRemote) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func parseRules(t *testing.T, raw string) []Rule {
	t.Helper()
	var out []Rule
	require.NoError(t, json.Unmarshal([]byte(raw), &out))
	return out
}

func startEngine(t *testing.T, ruleset []Rule, sup LocalActuator, remote RemoteActuator) *bus.Bus {
	t.Helper()
	b := bus.New(1024)
	t.Cleanup(b.Close)

	e := NewEngine(localNode, ruleset, b, sup, remote, nil)
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return b
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func localSensorEvent(device, sensor string, v types.ActuatorValue) bus.Event {
	return bus.Event{
		Kind: bus.EventLocalSensor,
		Peer: localNode,
		Reading: types.SensorReading{
			Device: device, Sensor: sensor, Value: v, Seq: 1,
		},
	}
}

func TestAnyRuleFiresLocally(t *testing.T) {
	sup := &fakeSupervisor{}
	ruleset := parseRules(t, `[
		{"sensor": {"device": "t1", "sensor_name": "tick"},
		 "on": {"operation": "any"},
		 "then": {"device": "l1", "actuator_name": "ticker", "data": "signal"}}
	]`)
	b := startEngine(t, ruleset, sup, &fakeRemote{})

	b.Publish(localSensorEvent("t1", "tick", types.Signal()))

	waitFor(t, func() bool { return len(sup.snapshot()) == 1 })
	call := sup.snapshot()[0]
	assert.Equal(t, "l1", call.data.Device)
	assert.Equal(t, "ticker", call.data.Actuator)
	assert.Equal(t, types.KindSignal, call.data.Data.Kind())
	assert.Equal(t, bus.OriginRule, call.origin.Kind)
	assert.Equal(t, ruleset[0].ID, call.origin.Rule)
}

func TestTypeMismatchNeverMatches(t *testing.T) {
	sup := &fakeSupervisor{}
	ruleset := parseRules(t, `[
		{"sensor": {"device": "t1", "sensor_name": "tick"},
		 "on": {"operation": "equal", "value": {"integer": 12}},
		 "then": {"device": "l1", "actuator_name": "ticker", "data": "signal"}}
	]`)
	b := startEngine(t, ruleset, sup, &fakeRemote{})

	// The sensor emits Signal; the rule compares against Signed(12).
	for i := 0; i < 10; i++ {
		b.Publish(localSensorEvent("t1", "tick", types.Signal()))
	}

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, sup.snapshot(), "tag-mismatched condition must never fire")
}

func TestComparisonConditions(t *testing.T) {
	tests := []struct {
		name  string
		on    string
		value types.ActuatorValue
		fires bool
	}{
		{"greater_than fires", `{"operation": "greater_than", "value": {"double": 30}}`, types.Double(31), true},
		{"greater_than does not fire on equal", `{"operation": "greater_than", "value": {"double": 30}}`, types.Double(30), false},
		{"less_or_equal fires on equal", `{"operation": "less_or_equal_than", "value": {"unsigned": 5}}`, types.Unsigned(5), true},
		{"cross-kind never fires", `{"operation": "greater_than", "value": {"double": 30}}`, types.Unsigned(31), false},
		{"equal on strings", `{"operation": "equal", "value": {"string": "open"}}`, types.String("open"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sup := &fakeSupervisor{}
			ruleset := parseRules(t, `[
				{"sensor": {"device": "d", "sensor_name": "s"},
				 "on": `+tt.on+`,
				 "then": {"device": "l1", "actuator_name": "a", "data": "signal"}}
			]`)
			b := startEngine(t, ruleset, sup, &fakeRemote{})

			b.Publish(localSensorEvent("d", "s", tt.value))

			if tt.fires {
				waitFor(t, func() bool { return len(sup.snapshot()) == 1 })
			} else {
				time.Sleep(50 * time.Millisecond)
				assert.Empty(t, sup.snapshot())
			}
		})
	}
}

func TestRulesEvaluateInConfigurationOrder(t *testing.T) {
	sup := &fakeSupervisor{}
	ruleset := parseRules(t, `[
		{"sensor": {"device": "d", "sensor_name": "s"},
		 "on": {"operation": "any"},
		 "then": {"device": "l1", "actuator_name": "first", "data": "signal"}},
		{"sensor": {"device": "d", "sensor_name": "s"},
		 "on": {"operation": "any"},
		 "then": {"device": "l1", "actuator_name": "second", "data": "signal"}}
	]`)
	b := startEngine(t, ruleset, sup, &fakeRemote{})

	b.Publish(localSensorEvent("d", "s", types.Signal()))

	waitFor(t, func() bool { return len(sup.snapshot()) == 2 })
	calls := sup.snapshot()
	assert.Equal(t, "first", calls[0].data.Actuator)
	assert.Equal(t, "second", calls[1].data.Actuator)
}

func TestRemoteActionRoutesToSwarm(t *testing.T) {
	sup := &fakeSupervisor{}
	remote := &fakeRemote{response: types.Success()}
	ruleset := parseRules(t, `[
		{"sensor": {"device": "t1", "sensor_name": "tick"},
		 "on": {"operation": "any"},
		 "then": {"node": "`+remoteNode.String()+`", "device": "logger-2", "actuator_name": "ticker", "data": "signal"}}
	]`)
	b := startEngine(t, ruleset, sup, remote)

	b.Publish(localSensorEvent("t1", "tick", types.Signal()))

	waitFor(t, func() bool { return remote.count() == 1 })
	assert.Empty(t, sup.snapshot())

	remote.mu.Lock()
	defer remote.mu.Unlock()
	assert.Equal(t, remoteNode, remote.calls[0].peer)
	assert.Equal(t, "logger-2", remote.calls[0].data.Device)
}

func TestRemoteSensorTriggersRuleForThatPeer(t *testing.T) {
	sup := &fakeSupervisor{}
	ruleset := parseRules(t, `[
		{"sensor": {"node": "`+remoteNode.String()+`", "device": "dht", "sensor_name": "temperature"},
		 "on": {"operation": "greater_than", "value": {"double": 28}},
		 "then": {"device": "l1", "actuator_name": "alarm", "data": "signal"}}
	]`)
	b := startEngine(t, ruleset, sup, &fakeRemote{})

	// Same reading from the wrong peer does not fire.
	b.Publish(bus.Event{
		Kind: bus.EventRemoteSensor, Peer: peer.ID("someone-else"),
		Reading: types.SensorReading{Device: "dht", Sensor: "temperature", Value: types.Double(30), Seq: 1},
	})
	// The configured peer fires.
	b.Publish(bus.Event{
		Kind: bus.EventRemoteSensor, Peer: remoteNode,
		Reading: types.SensorReading{Device: "dht", Sensor: "temperature", Value: types.Double(30), Seq: 2},
	})

	waitFor(t, func() bool { return len(sup.snapshot()) == 1 })
	assert.Equal(t, "alarm", sup.snapshot()[0].data.Actuator)
}

func TestConditionParsingErrors(t *testing.T) {
	var c Condition
	assert.Error(t, json.Unmarshal([]byte(`{"operation": "sideways"}`), &c))
	assert.Error(t, json.Unmarshal([]byte(`{"operation": "equal"}`), &c), "comparison without value")

	require.NoError(t, json.Unmarshal([]byte(`{"operation": "any"}`), &c))
	assert.Equal(t, OpAny, c.Op)
}

func TestRuleParsingAssignsDistinctIDs(t *testing.T) {
	ruleset := parseRules(t, `[
		{"sensor": {"device": "a", "sensor_name": "s"}, "on": {"operation": "any"},
		 "then": {"device": "x", "actuator_name": "y", "data": "signal"}},
		{"sensor": {"device": "b", "sensor_name": "s"}, "on": {"operation": "any"},
		 "then": {"device": "x", "actuator_name": "y", "data": {"unsigned": 1}}}
	]`)
	require.Len(t, ruleset, 2)
	assert.NotEmpty(t, ruleset[0].ID)
	assert.NotEqual(t, ruleset[0].ID, ruleset[1].ID)
}
