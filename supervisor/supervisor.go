// Package supervisor owns the node's driver instances. It drives each
// driver's sensing cadence, stamps readings with the per-peer monotonic
// sequence, and serializes actuations per device while running devices in
// parallel with each other.
//
// A driver that panics or returns an error is marked faulted: its sensing
// stops and further actuations yield ActuatorError with code -1. Other
// drivers are unaffected.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Nnubes256/IDIoT/bus"
	"github.com/Nnubes256/IDIoT/device"
	"github.com/Nnubes256/IDIoT/errors"
	"github.com/Nnubes256/IDIoT/metric"
	"github.com/Nnubes256/IDIoT/store"
	"github.com/Nnubes256/IDIoT/types"
)

// DefaultCadence is the sensing interval used when a driver gives no hint.
const DefaultCadence = time.Second

// actuationQueueLen bounds the per-device FIFO of waiting actuations.
const actuationQueueLen = 32

// faultedErrorCode is the ActuatorError code reported for faulted drivers.
const faultedErrorCode = -1

// CadenceHinter is implemented by drivers that need a sensing interval other
// than the default.
type CadenceHinter interface {
	SenseInterval() time.Duration
}

// Publisher receives every stamped local reading for replication to the
// swarm. Publish order per (device, sensor) must be preserved by the
// implementation.
type Publisher interface {
	PublishReading(r types.SensorReading)
}

// Config tunes the supervisor.
type Config struct {
	// Cadence is the default sensing interval. Zero selects DefaultCadence.
	Cadence time.Duration
}

// Supervisor drives the node's devices.
type Supervisor struct {
	store   *store.Store
	events  *bus.Bus
	metrics *metric.Metrics
	cadence time.Duration

	publisher Publisher

	seq atomic.Uint64

	mu      sync.Mutex
	workers map[string]*worker
	started bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a supervisor. Drivers are added with AddDevice before Start.
func New(st *store.Store, events *bus.Bus, metrics *metric.Metrics, cfg Config) *Supervisor {
	cadence := cfg.Cadence
	if cadence <= 0 {
		cadence = DefaultCadence
	}
	return &Supervisor{
		store:   st,
		events:  events,
		metrics: metrics,
		cadence: cadence,
		workers: make(map[string]*worker),
	}
}

// SetPublisher installs the swarm-bound reading sink. Must be called before
// Start.
func (s *Supervisor) SetPublisher(p Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publisher = p
}

// AddDevice takes ownership of an initialized driver. Device names are
// unique; a duplicate fails so startup can abort with a config error.
func (s *Supervisor) AddDevice(name, deviceType string, drv device.Driver) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Supervisor", "AddDevice", "startup ordering")
	}
	if _, exists := s.workers[name]; exists {
		return errors.WrapFatal(
			fmt.Errorf("device %q: %w", name, errors.ErrDuplicateDevice),
			"Supervisor", "AddDevice", "device name check")
	}

	caps := drv.Describe()
	cadence := s.cadence
	if h, ok := drv.(CadenceHinter); ok {
		cadence = h.SenseInterval()
	}

	s.workers[name] = &worker{
		sup:     s,
		name:    name,
		driver:  drv,
		cadence: cadence,
		desc: types.DeviceDescriptor{
			Name:      name,
			Type:      deviceType,
			Sensors:   append([]string(nil), caps.Sensors...),
			Actuators: append([]string(nil), caps.Actuators...),
		},
		queue: make(chan actuation, actuationQueueLen),
		done:  make(chan struct{}),
	}
	return nil
}

// Descriptors returns the descriptor of every non-faulted device, keyed by
// device name.
func (s *Supervisor) Descriptors() map[string]types.DeviceDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]types.DeviceDescriptor, len(s.workers))
	for name, w := range s.workers {
		if w.faulted.Load() {
			continue
		}
		out[name] = w.desc
	}
	return out
}

// DeviceNames returns the managed device names in sorted order.
func (s *Supervisor) DeviceNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.workers))
	for name := range s.workers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Start launches one sensing task per device.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Supervisor", "Start", "state check")
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, w := range s.workers {
		s.wg.Add(1)
		go func(w *worker) {
			defer s.wg.Done()
			w.run(runCtx)
		}(w)
		slog.Info("device started", "device", w.name, "type", w.desc.Type, "cadence", w.cadence)
	}
	return nil
}

// Stop cancels sensing and waits up to grace for in-flight actuations to
// complete. Actuations queued but not started are dropped with Ignored.
func (s *Supervisor) Stop(grace time.Duration) {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	doneCh := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(grace):
		slog.Warn("supervisor stop exceeded grace window", "grace", grace)
	}
}

// Actuate dispatches an actuation to a local device and waits for the
// outcome. Requests are FIFO per device with at most one in flight per
// device; distinct devices execute in parallel. A canceled ctx yields
// NoResponse.
func (s *Supervisor) Actuate(ctx context.Context, data types.FullActuatorData, origin bus.Origin) types.ActuationResponse {
	return <-s.ActuateAsync(ctx, data, origin)
}

// ActuateAsync enqueues an actuation and returns a channel that will carry
// exactly one response. The enqueue itself happens before ActuateAsync
// returns, so callers issuing requests in order keep per-device FIFO order
// without waiting for outcomes.
func (s *Supervisor) ActuateAsync(ctx context.Context, data types.FullActuatorData, origin bus.Origin) <-chan types.ActuationResponse {
	out := make(chan types.ActuationResponse, 1)

	s.mu.Lock()
	w, ok := s.workers[data.Device]
	s.mu.Unlock()

	if !ok {
		out <- types.BadRequest(fmt.Sprintf("unknown device %q", data.Device))
		s.metrics.IncActuation(originLabel(origin), "bad_request")
		return out
	}
	if w.faulted.Load() {
		out <- types.ActuatorError(faultedErrorCode, fmt.Sprintf("device %q is faulted", data.Device))
		s.metrics.IncActuation(originLabel(origin), "actuator_error")
		return out
	}

	job := actuation{ctx: ctx, data: data, origin: origin, resp: make(chan types.ActuationResponse, 1)}

	select {
	case w.queue <- job:
	case <-ctx.Done():
		out <- types.NoResponse()
		return out
	case <-w.done:
		out <- w.terminalResponse()
		return out
	}

	go func() {
		select {
		case resp := <-job.resp:
			out <- resp
		case <-ctx.Done():
			out <- types.NoResponse()
		case <-w.done:
			select {
			case resp := <-job.resp:
				out <- resp
			default:
				out <- w.terminalResponse()
			}
		}
	}()
	return out
}

func originLabel(o bus.Origin) string {
	switch o.Kind {
	case bus.OriginRemote:
		return "remote"
	case bus.OriginRule:
		return "rule"
	default:
		return "local"
	}
}

type actuation struct {
	ctx    context.Context
	data   types.FullActuatorData
	origin bus.Origin
	resp   chan types.ActuationResponse
}

type worker struct {
	sup     *Supervisor
	name    string
	driver  device.Driver
	desc    types.DeviceDescriptor
	cadence time.Duration
	queue   chan actuation
	faulted atomic.Bool
	done    chan struct{}
}

// terminalResponse is what callers racing a worker's exit observe.
func (w *worker) terminalResponse() types.ActuationResponse {
	if w.faulted.Load() {
		return types.ActuatorError(faultedErrorCode, fmt.Sprintf("device %q is faulted", w.name))
	}
	return types.Ignored()
}

func (w *worker) run(ctx context.Context) {
	defer close(w.done)
	defer func() {
		if err := w.driver.Close(); err != nil {
			slog.Warn("driver close failed", "device", w.name, "error", err)
		}
	}()

	ticker := time.NewTicker(w.cadence)
	defer ticker.Stop()

	for {
		// Re-check cancellation before racing the queue so a shutdown
		// issued during an actuation deterministically drops queued work.
		if ctx.Err() != nil {
			w.drainQueue()
			return
		}
		select {
		case <-ctx.Done():
			w.drainQueue()
			return
		case <-ticker.C:
			if !w.sense(ctx) {
				w.failQueue()
				return
			}
		case job := <-w.queue:
			if !w.execute(job) {
				w.failQueue()
				return
			}
		}
	}
}

// drainQueue rejects queued-but-unstarted actuations at shutdown.
func (w *worker) drainQueue() {
	for {
		select {
		case job := <-w.queue:
			job.resp <- types.Ignored()
		default:
			return
		}
	}
}

// failQueue rejects queued actuations after the driver faulted.
func (w *worker) failQueue() {
	for {
		select {
		case job := <-w.queue:
			job.resp <- types.ActuatorError(faultedErrorCode, fmt.Sprintf("device %q is faulted", w.name))
		default:
			return
		}
	}
}

// sense runs one Sense visit. Returns false if the driver faulted.
func (w *worker) sense(ctx context.Context) (ok bool) {
	collector := device.NewCollector()

	err := w.protect(func() error {
		return w.driver.Sense(ctx, collector)
	})
	if err != nil {
		w.fault(err)
		return false
	}

	for _, r := range collector.Readings() {
		if !w.desc.HasSensor(r.Sensor) {
			slog.Warn("driver emitted undeclared sensor", "device", w.name, "sensor", r.Sensor)
			continue
		}
		reading := types.SensorReading{
			Device: w.name,
			Sensor: r.Sensor,
			Value:  r.Value,
			Seq:    w.sup.seq.Add(1),
		}
		if err := w.sup.store.Record(w.sup.store.LocalPeer(), reading); err != nil {
			slog.Debug("local reading not recorded", "device", w.name, "sensor", r.Sensor, "error", err)
			continue
		}
		w.sup.mu.Lock()
		publisher := w.sup.publisher
		w.sup.mu.Unlock()
		if publisher != nil {
			publisher.PublishReading(reading)
		}
		w.sup.metrics.IncReadingsPublished()
	}
	return true
}

// execute runs one actuation. Returns false if the driver faulted.
func (w *worker) execute(job actuation) (ok bool) {
	// The caller gave up already; don't touch the hardware on its behalf.
	if job.ctx.Err() != nil {
		job.resp <- types.Ignored()
		return true
	}

	var resp types.ActuationResponse
	err := w.protect(func() error {
		resp = w.driver.Actuate(job.ctx, job.data.Actuator, job.data.Data)
		return nil
	})
	if err != nil {
		w.fault(err)
		job.resp <- types.ActuatorError(faultedErrorCode, fmt.Sprintf("device %q is faulted", w.name))
		return false
	}

	job.resp <- resp
	w.sup.metrics.IncActuation(originLabel(job.origin), resp.Kind.String())
	w.sup.events.Publish(bus.Event{
		Kind:     bus.EventLocalActuation,
		Device:   job.data.Device,
		Actuator: job.data.Actuator,
		Value:    job.data.Data,
		Origin:   job.origin,
		Response: resp,
	})
	return true
}

// protect converts a driver panic into an error instead of tearing down the
// process.
func (w *worker) protect(f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("driver panic", "device", w.name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("driver panic: %v", r)
		}
	}()
	return f()
}

func (w *worker) fault(cause error) {
	w.faulted.Store(true)
	slog.Error("driver faulted", "device", w.name, "error", cause)
	w.sup.events.Publish(bus.Event{
		Kind:   bus.EventDriverFault,
		Device: w.name,
		Fault:  cause.Error(),
	})
}
