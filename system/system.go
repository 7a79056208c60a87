package system

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Nnubes256/IDIoT/bus"
	"github.com/Nnubes256/IDIoT/device"
	"github.com/Nnubes256/IDIoT/errors"
	"github.com/Nnubes256/IDIoT/gateway"
	"github.com/Nnubes256/IDIoT/metric"
	"github.com/Nnubes256/IDIoT/rules"
	"github.com/Nnubes256/IDIoT/store"
	"github.com/Nnubes256/IDIoT/supervisor"
	"github.com/Nnubes256/IDIoT/swarm"
	"github.com/Nnubes256/IDIoT/types"
)

// ShutdownGrace bounds how long shutdown waits for in-flight actuations.
const ShutdownGrace = 5 * time.Second

// Core owns the shared handles and the runtime lifecycle. Components hold
// references to the core's store and bus, never the reverse.
type Core struct {
	cfg     *Config
	local   peer.ID
	events  *bus.Bus
	store   *store.Store
	metrics *metric.Metrics
	sup     *supervisor.Supervisor
	swarm   *swarm.Manager
	engine  *rules.Engine
	gateway *gateway.Gateway
}

// New builds the daemon from a validated configuration carrying secrets.
// Construction order follows the dependency graph: registry, store,
// supervisor, drivers, swarm, rules, gateway.
func New(cfg *Config) (*Core, error) {
	if cfg.Secrets == nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("secrets are required to start: %w", errors.ErrMissingConfig),
			"Core", "New", "secrets check")
	}
	keypair, psk, err := cfg.Secrets.Keys()
	if err != nil {
		return nil, err
	}
	local, err := peer.IDFromPrivateKey(keypair)
	if err != nil {
		return nil, errors.WrapFatal(err, "Core", "New", "peer id derivation")
	}
	slog.Info("local peer identity", "peer", local, "name", cfg.Peer.Name)

	registry := device.NewRegistry()
	if err := device.RegisterBuiltins(registry); err != nil {
		return nil, err
	}
	registry.Seal()

	events := bus.New(0)
	metrics := metric.New()

	st := store.New(types.PeerIdentity{Peer: local, Name: cfg.Peer.Name}, events)
	sup := supervisor.New(st, events, metrics, supervisor.Config{})

	// Instantiate drivers in a stable order. A driver that fails to
	// initialize is omitted from the identity and logged; it does not take
	// the node down.
	for _, name := range sortedDeviceNames(cfg.Peer.Devices) {
		devCfg := cfg.Peer.Devices[name]
		drv, err := registry.Create(devCfg.Type, name, devCfg.Config)
		if err != nil {
			slog.Error("device initialization failed, omitting device",
				"device", name, "type", devCfg.Type, "error", err)
			continue
		}
		if err := sup.AddDevice(name, devCfg.Type, drv); err != nil {
			return nil, err
		}
	}

	// Refresh the seeded identity now that the driver set is known.
	identity := func() types.PeerIdentity {
		return types.PeerIdentity{Peer: local, Name: cfg.Peer.Name, Devices: sup.Descriptors()}
	}
	st.UpsertPeer(identity())

	swarmCfg := swarm.Config{Keypair: keypair, PSK: psk}
	if cfg.Swarm != nil {
		swarmCfg.Port = cfg.Swarm.Port
	}
	manager, err := swarm.New(swarmCfg, st, sup, identity, metrics)
	if err != nil {
		return nil, err
	}
	sup.SetPublisher(manager)

	ruleset, err := cfg.ParsedRules()
	if err != nil {
		manager.Stop()
		return nil, err
	}
	engine := rules.NewEngine(local, ruleset, events, sup, manager, metrics)

	gw := gateway.New(gateway.Config{Port: cfg.Web.Port}, st, events, metrics)

	return &Core{
		cfg:     cfg,
		local:   local,
		events:  events,
		store:   st,
		metrics: metrics,
		sup:     sup,
		swarm:   manager,
		engine:  engine,
		gateway: gw,
	}, nil
}

func sortedDeviceNames(devices map[string]DeviceConfig) []string {
	names := make([]string, 0, len(devices))
	for name := range devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LocalPeer returns the node's peer id.
func (c *Core) LocalPeer() peer.ID {
	return c.local
}

// Run starts every component, blocks until ctx is canceled, then shuts down
// in reverse order with a bounded grace window for in-flight actuations.
func (c *Core) Run(ctx context.Context) error {
	if err := c.swarm.Start(ctx); err != nil {
		return err
	}
	if err := c.sup.Start(ctx); err != nil {
		c.swarm.Stop()
		return err
	}
	c.engine.Start(ctx)

	if err := c.gateway.Start(ctx); err != nil {
		c.engine.Stop()
		c.sup.Stop(ShutdownGrace)
		c.swarm.Stop()
		return err
	}

	// Announce the full identity as soon as everything is up.
	c.swarm.PublishIdentityNow()
	slog.Info("daemon running", "peer", c.local, "devices", c.sup.DeviceNames(), "web_port", c.cfg.Web.Port)

	<-ctx.Done()
	slog.Info("shutting down")

	c.gateway.Stop(ShutdownGrace)
	c.engine.Stop()
	c.sup.Stop(ShutdownGrace)
	c.swarm.Stop()
	c.events.Close()

	slog.Info("shutdown complete")
	return nil
}
