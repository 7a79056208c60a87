package rules

import (
	"context"
	"log/slog"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Nnubes256/IDIoT/bus"
	"github.com/Nnubes256/IDIoT/metric"
	"github.com/Nnubes256/IDIoT/types"
)

// LocalActuator enqueues actuations on the local supervisor. The enqueue
// must happen before the call returns so per-device FIFO order follows event
// order.
type LocalActuator interface {
	ActuateAsync(ctx context.Context, data types.FullActuatorData, origin bus.Origin) <-chan types.ActuationResponse
}

// RemoteActuator issues a request/response actuation to a peer and blocks
// until an outcome (NoResponse on timeout) is known.
type RemoteActuator interface {
	RequestActuation(ctx context.Context, p peer.ID, data types.FullActuatorData) types.ActuationResponse
}

type triggerKey struct {
	node   peer.ID
	device string
	sensor string
}

// Engine evaluates the configured ruleset against sensor events from the
// bus.
type Engine struct {
	local   peer.ID
	rules   []Rule
	index   map[triggerKey][]int
	events  *bus.Bus
	sup     LocalActuator
	remote  RemoteActuator
	metrics *metric.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine indexes ruleset by trigger. Rules naming the local peer
// explicitly and rules with no node are folded onto the same trigger.
func NewEngine(local peer.ID, ruleset []Rule, events *bus.Bus, sup LocalActuator, remote RemoteActuator, metrics *metric.Metrics) *Engine {
	e := &Engine{
		local:   local,
		rules:   ruleset,
		index:   make(map[triggerKey][]int),
		events:  events,
		sup:     sup,
		remote:  remote,
		metrics: metrics,
	}
	for i, r := range ruleset {
		node := local
		if r.Sensor.Node != nil {
			node = *r.Sensor.Node
		}
		key := triggerKey{node: node, device: r.Sensor.Device, sensor: r.Sensor.Sensor}
		e.index[key] = append(e.index[key], i)
	}
	slog.Info("rule engine loaded", "rules", len(ruleset), "triggers", len(e.index))
	return e
}

// Start subscribes to the bus and begins evaluating events.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)

	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	sub := e.events.Subscribe()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer sub.Close()
		for {
			ev, err := sub.Recv(runCtx)
			if err != nil {
				return
			}
			e.handle(runCtx, ev)
		}
	}()
}

// Stop cancels evaluation and waits for the event loop to exit. In-flight
// remote requests observe NoResponse through context cancellation.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

func (e *Engine) handle(ctx context.Context, ev bus.Event) {
	switch ev.Kind {
	case bus.EventLocalSensor, bus.EventRemoteSensor:
	case bus.EventLagged:
		slog.Warn("rule engine lagged behind the event bus", "dropped", ev.Lagged)
		return
	default:
		return
	}

	key := triggerKey{node: ev.Peer, device: ev.Reading.Device, sensor: ev.Reading.Sensor}
	candidates := e.index[key]
	if len(candidates) == 0 {
		return
	}

	for _, i := range candidates {
		rule := e.rules[i]
		if !rule.On.Matches(ev.Reading.Value) {
			continue
		}
		e.metrics.IncRuleFirings()
		e.fire(ctx, rule)
	}
}

// fire routes one matched rule's action. Local actions are enqueued
// synchronously so per-device order follows event order; outcomes are
// consumed asynchronously.
func (e *Engine) fire(ctx context.Context, rule Rule) {
	data := types.FullActuatorData{Device: rule.Then.Device, Actuator: rule.Then.Actuator, Data: rule.Then.Data}

	if rule.Then.Node == nil || *rule.Then.Node == e.local {
		respCh := e.sup.ActuateAsync(ctx, data, bus.RuleOrigin(rule.ID))
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			resp := <-respCh
			slog.Debug("rule actuation completed",
				"rule", rule.ID, "device", data.Device, "actuator", data.Actuator, "result", resp.String())
		}()
		return
	}

	target := *rule.Then.Node
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		resp := e.remote.RequestActuation(ctx, target, data)
		slog.Info("remote rule actuation completed",
			"rule", rule.ID, "peer", target, "device", data.Device, "actuator", data.Actuator, "result", resp.String())
	}()
}
