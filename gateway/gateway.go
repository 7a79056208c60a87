// Package gateway serves the browser front-end: the bundled single-page
// status UI, a WebSocket push channel mirroring the store, Prometheus
// metrics, and a liveness probe.
package gateway

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Nnubes256/IDIoT/bus"
	"github.com/Nnubes256/IDIoT/errors"
	"github.com/Nnubes256/IDIoT/metric"
	"github.com/Nnubes256/IDIoT/store"
	"github.com/Nnubes256/IDIoT/types"
)

//go:embed web/index.html
var indexHTML []byte

// DefaultSendBuffer is how many frames may queue for one client before it is
// considered too slow and disconnected.
const DefaultSendBuffer = 256

// writeTimeout bounds a single WebSocket write.
const writeTimeout = 10 * time.Second

// Config tunes the gateway.
type Config struct {
	// Port is the TCP port the HTTP server binds.
	Port int
	// SendBuffer overrides DefaultSendBuffer when positive.
	SendBuffer int
}

// Gateway is the HTTP + WebSocket surface.
type Gateway struct {
	cfg     Config
	store   *store.Store
	events  *bus.Bus
	metrics *metric.Metrics

	upgrader websocket.Upgrader
	srv      *http.Server

	mu     sync.Mutex
	ln     net.Listener
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a gateway. Start binds the port.
func New(cfg Config, st *store.Store, events *bus.Bus, metrics *metric.Metrics) *Gateway {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	return &Gateway{
		cfg:     cfg,
		store:   st,
		events:  events,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The daemon serves a trusted LAN; the front-end may be
			// opened from file:// during development.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the gateway's route table.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", g.handleIndex)
	mux.HandleFunc("/updates", g.handleUpdates)
	mux.HandleFunc("/healthz", g.handleHealthz)
	if h := g.metrics.Handler(); h != nil {
		mux.Handle("/metrics", h)
	}
	return mux
}

// Start binds the configured port and begins serving. A bind failure is
// reported as ErrPortBind so the process can exit with the right code.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", g.cfg.Port))
	if err != nil {
		return errors.WrapFatal(
			fmt.Errorf("%w: %w", errors.ErrPortBind, err),
			"Gateway", "Start", "port bind")
	}

	runCtx, cancel := context.WithCancel(ctx)

	g.mu.Lock()
	g.ln = ln
	g.cancel = cancel
	g.srv = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return runCtx },
	}
	srv := g.srv
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("web server failed", "error", err)
		}
	}()

	slog.Info("web gateway listening", "addr", ln.Addr())
	return nil
}

// Addr returns the bound listen address, for tests and logs.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ln == nil {
		return nil
	}
	return g.ln.Addr()
}

// Stop closes the listener and waits for handlers within the timeout.
func (g *Gateway) Stop(timeout time.Duration) {
	g.mu.Lock()
	srv := g.srv
	cancel := g.cancel
	g.srv = nil
	g.cancel = nil
	g.mu.Unlock()

	if srv == nil {
		return
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("web server shutdown incomplete", "error", err)
		_ = srv.Close()
	}
	cancel()
	g.wg.Wait()
}

func (g *Gateway) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// frame is the envelope of every pushed event.
type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// sensorFrameData is the payload of a sensor_data frame.
type sensorFrameData struct {
	Node   string              `json:"node"`
	Device string              `json:"device"`
	Sensor string              `json:"sensor_name"`
	Value  types.ActuatorValue `json:"value"`
}

func (g *Gateway) handleUpdates(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	g.metrics.AddWebClients(1)
	defer g.metrics.AddWebClients(-1)
	slog.Debug("web client connected", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer conn.Close()

	// Subscribe before snapshotting so nothing falls between the snapshot
	// and the event stream.
	sub := g.events.Subscribe()
	defer sub.Close()

	snapshot, err := json.Marshal(g.store.Snapshot())
	if err != nil {
		slog.Error("snapshot marshal failed", "error", err)
		return
	}

	frames := make(chan []byte, g.cfg.SendBuffer)
	frames <- snapshot

	var wg sync.WaitGroup
	wg.Add(2)

	// Writer: the only goroutine touching the connection for writes.
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-frames:
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, f); err != nil {
					slog.Debug("web client write failed", "remote", r.RemoteAddr, "error", err)
					return
				}
			}
		}
	}()

	// Pump: translates bus events into frames; a full buffer means the
	// client can't keep up and is disconnected.
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			ev, err := sub.Recv(ctx)
			if err != nil {
				return
			}
			f, ok := g.encodeEvent(ev)
			if !ok {
				continue
			}
			select {
			case frames <- f:
			default:
				slog.Warn("web client too slow, disconnecting", "remote", r.RemoteAddr)
				return
			}
		}
	}()

	// Reader: drains control frames and detects the client going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	cancel()
	wg.Wait()
	slog.Debug("web client disconnected", "remote", r.RemoteAddr)
}

// encodeEvent renders one bus event as a push frame. Events the front-end
// does not consume yield ok=false.
func (g *Gateway) encodeEvent(ev bus.Event) ([]byte, bool) {
	var f frame
	switch ev.Kind {
	case bus.EventLocalSensor, bus.EventRemoteSensor:
		f = frame{Event: "sensor_data", Data: sensorFrameData{
			Node:   ev.Peer.String(),
			Device: ev.Reading.Device,
			Sensor: ev.Reading.Sensor,
			Value:  ev.Reading.Value,
		}}
	case bus.EventPeerIdentity:
		f = frame{Event: "peer_identity", Data: ev.Identity}
	default:
		return nil, false
	}

	data, err := json.Marshal(f)
	if err != nil {
		slog.Error("frame marshal failed", "event", ev.Kind, "error", err)
		return nil, false
	}
	return data, true
}
