// Package device defines the contract every peripheral driver implements and
// the process-wide registry drivers are instantiated from.
package device

import (
	"context"

	"github.com/Nnubes256/IDIoT/types"
)

// Capabilities is the fixed set of sensor and actuator names a driver
// declares at initialization. The sets never change for the driver's
// lifetime.
type Capabilities struct {
	Sensors   []string
	Actuators []string
}

// Driver is the uniform contract between the supervisor and a peripheral.
//
// Sense and Actuate may suspend on hardware I/O but must complete in bounded
// time. Drivers are exclusively owned by the supervisor: no method is ever
// invoked concurrently with another on the same driver.
type Driver interface {
	// Describe returns the driver's capabilities.
	Describe() Capabilities

	// Sense writes zero or more readings into the collector.
	Sense(ctx context.Context, c *Collector) error

	// Actuate applies a value to the named actuator. Unknown actuators and
	// wrong value tags yield BadRequest; Ignored signals a known but
	// inapplicable request; NoResponse indicates fire-and-forget semantics.
	Actuate(ctx context.Context, actuator string, value types.ActuatorValue) types.ActuationResponse

	// Close releases any hardware resources the driver holds. Called once,
	// on shutdown or when the driver is faulted.
	Close() error
}

// Reading is one (sensor, value) pair emitted during a Sense visit.
type Reading struct {
	Sensor string
	Value  types.ActuatorValue
}

// Collector accumulates the readings of one Sense visit. A second write to
// the same sensor within a visit overwrites the first.
type Collector struct {
	readings []Reading
	index    map[string]int
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{index: make(map[string]int)}
}

// Emit records a reading for the named sensor.
func (c *Collector) Emit(sensor string, value types.ActuatorValue) {
	if i, ok := c.index[sensor]; ok {
		c.readings[i].Value = value
		return
	}
	c.index[sensor] = len(c.readings)
	c.readings = append(c.readings, Reading{Sensor: sensor, Value: value})
}

// Readings returns the collected readings in first-emit order.
func (c *Collector) Readings() []Reading {
	return c.readings
}
