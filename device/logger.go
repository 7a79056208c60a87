package device

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/Nnubes256/IDIoT/errors"
	"github.com/Nnubes256/IDIoT/types"
)

const loggerSignalDefault = "Received signal!"

// LoggerConfig configures the logger driver.
type LoggerConfig struct {
	// Prefix and Suffix wrap the rendered value of non-signal actuations.
	Prefix *string `json:"prefix"`
	Suffix *string `json:"suffix"`
	// Signal is the message recorded for Signal actuations.
	Signal *string `json:"signal"`
	// Actuators is the advertised actuator set. The logger accepts any
	// actuator name regardless; this only controls what peers see in the
	// identity broadcast.
	Actuators []string `json:"actuators"`
}

// LogEntry is one recorded actuation, retrievable for tests and diagnostics.
type LogEntry struct {
	Actuator string
	Value    types.ActuatorValue
	Message  string
}

// Logger consumes any actuation and records it to the process log and to an
// in-memory sink. It has no sensors. Used by deployments without hardware
// and by the end-to-end tests.
type Logger struct {
	name      string
	prefix    string
	suffix    string
	signal    string
	actuators []string

	mu      sync.Mutex
	entries []LogEntry
}

// NewLogger is the factory for the "logger" device type.
func NewLogger(name string, rawConfig json.RawMessage) (Driver, error) {
	var cfg LoggerConfig
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Logger", "NewLogger", "config unmarshal")
		}
	}

	l := &Logger{
		name:      name,
		signal:    loggerSignalDefault,
		actuators: cfg.Actuators,
	}
	if cfg.Prefix != nil {
		l.prefix = *cfg.Prefix
	}
	if cfg.Suffix != nil {
		l.suffix = *cfg.Suffix
	}
	if cfg.Signal != nil {
		l.signal = *cfg.Signal
	}
	if len(l.actuators) == 0 {
		l.actuators = []string{"log"}
	}
	return l, nil
}

// Describe returns the logger's capabilities.
func (l *Logger) Describe() Capabilities {
	return Capabilities{Actuators: append([]string(nil), l.actuators...)}
}

// Sense emits nothing; the logger has no sensors.
func (l *Logger) Sense(_ context.Context, _ *Collector) error {
	return nil
}

// Actuate records the request and succeeds.
func (l *Logger) Actuate(_ context.Context, actuator string, value types.ActuatorValue) types.ActuationResponse {
	var msg string
	if value.Kind() == types.KindSignal {
		msg = l.signal
	} else {
		msg = l.prefix + value.String() + l.suffix
	}

	slog.Info("logger actuation", "device", l.name, "actuator", actuator, "message", msg)

	l.mu.Lock()
	l.entries = append(l.entries, LogEntry{Actuator: actuator, Value: value, Message: msg})
	l.mu.Unlock()

	return types.Success()
}

// Close releases nothing; the logger holds no resources.
func (l *Logger) Close() error {
	return nil
}

// Entries returns a copy of everything recorded so far.
func (l *Logger) Entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LogEntry(nil), l.entries...)
}
