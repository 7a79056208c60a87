package device

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Nnubes256/IDIoT/errors"
	"github.com/Nnubes256/IDIoT/types"
)

// TimerConfig configures the timer driver.
type TimerConfig struct {
	// TickEveryMS is the interval between tick emissions, in milliseconds.
	TickEveryMS uint64 `json:"tick_every_ms"`
}

// Timer emits a "tick" Signal sensor reading whenever its configured
// interval has elapsed since the previous tick. It has no actuators.
type Timer struct {
	interval time.Duration
	lastTick time.Time
}

// NewTimer is the factory for the "timer" device type.
func NewTimer(name string, rawConfig json.RawMessage) (Driver, error) {
	var cfg TimerConfig
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Timer", "NewTimer", "config unmarshal")
	}
	if cfg.TickEveryMS == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("tick_every_ms must be positive: %w", errors.ErrInvalidConfig),
			"Timer", "NewTimer", "config validation")
	}

	return &Timer{
		interval: time.Duration(cfg.TickEveryMS) * time.Millisecond,
		lastTick: time.Now(),
	}, nil
}

// Describe returns the timer's capabilities.
func (t *Timer) Describe() Capabilities {
	return Capabilities{Sensors: []string{"tick"}}
}

// Sense emits a tick if the interval has elapsed.
func (t *Timer) Sense(_ context.Context, c *Collector) error {
	if time.Since(t.lastTick) > t.interval {
		c.Emit("tick", types.Signal())
		t.lastTick = time.Now()
	}
	return nil
}

// Actuate rejects everything; the timer has no actuators.
func (t *Timer) Actuate(_ context.Context, actuator string, _ types.ActuatorValue) types.ActuationResponse {
	return types.BadRequest(fmt.Sprintf("timer has no actuator %q", actuator))
}

// Close releases nothing; the timer holds no resources.
func (t *Timer) Close() error {
	return nil
}

// SenseInterval asks the supervisor to poll well below the tick interval so
// ticks are not quantized to the default cadence.
func (t *Timer) SenseInterval() time.Duration {
	hint := t.interval / 10
	if hint < 5*time.Millisecond {
		hint = 5 * time.Millisecond
	}
	if hint > time.Second {
		hint = time.Second
	}
	return hint
}
