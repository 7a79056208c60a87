package device

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/Nnubes256/IDIoT/errors"
)

// Factory creates a driver instance from configuration. The factory receives
// the device's instance name and its raw JSON configuration blob, parses its
// own config, and returns an initialized driver. Factories must not perform
// I/O beyond what initialization strictly requires.
type Factory func(name string, rawConfig json.RawMessage) (Driver, error)

// Registration holds a factory and metadata for one device type.
type Registration struct {
	Type        string
	Description string
	Factory     Factory
}

// Registry maps device_type strings to driver factories. Registration
// happens at startup and is immutable afterwards: Seal rejects any further
// Register calls.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Registration
	sealed    bool
}

// NewRegistry creates an empty device registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Registration)}
}

// Register adds a factory for a device type. It fails on empty or duplicate
// types, nil factories, and sealed registries.
func (r *Registry) Register(reg Registration) error {
	if reg.Type == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "device type validation")
	}
	if reg.Factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "factory validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return errors.WrapInvalid(errors.ErrRegistrySealed, "Registry", "Register", "seal check")
	}
	if _, exists := r.factories[reg.Type]; exists {
		msg := fmt.Errorf("device type %q is already registered", reg.Type)
		return errors.WrapInvalid(msg, "Registry", "Register", "duplicate type check")
	}

	r.factories[reg.Type] = reg
	return nil
}

// Seal freezes the registry. Subsequent Register calls fail.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Create instantiates a driver of the given type with the given instance
// name and configuration.
func (r *Registry) Create(deviceType, name string, rawConfig json.RawMessage) (Driver, error) {
	r.mu.RLock()
	reg, exists := r.factories[deviceType]
	r.mu.RUnlock()

	if !exists {
		msg := fmt.Errorf("device type %q: %w", deviceType, errors.ErrUnknownDeviceType)
		return nil, errors.WrapInvalid(msg, "Registry", "Create", "factory lookup")
	}

	driver, err := reg.Factory(name, rawConfig)
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "Create", "factory execution")
	}
	return driver, nil
}

// Types returns the registered device types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// RegisterBuiltins registers the drivers bundled with the daemon.
func RegisterBuiltins(r *Registry) error {
	builtins := []Registration{
		{Type: "timer", Description: "periodically emits a tick signal", Factory: NewTimer},
		{Type: "logger", Description: "records any actuation to the log", Factory: NewLogger},
	}
	for _, reg := range builtins {
		if err := r.Register(reg); err != nil {
			return err
		}
	}
	return nil
}
