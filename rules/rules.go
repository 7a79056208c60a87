// Package rules matches incoming sensor events against the configured
// ruleset and turns matches into actuation requests, routed to the local
// supervisor or to a peer over the swarm.
//
// Rules are stateless and evaluated in configuration order. Firing is
// fire-and-forget with respect to the triggering event: outcomes never gate
// further event processing. Local outcomes reach the event bus as the
// supervisor's LocalActuation events; remote outcomes are only logged and
// are not published on the bus.
package rules

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Nnubes256/IDIoT/errors"
	"github.com/Nnubes256/IDIoT/types"
)

// Op enumerates rule condition operations.
type Op uint8

const (
	// OpAny matches unconditionally.
	OpAny Op = iota
	// OpEqual matches structural equality.
	OpEqual
	// OpGreaterThan matches strictly greater, same numeric kind only.
	OpGreaterThan
	// OpLessThan matches strictly less, same numeric kind only.
	OpLessThan
	// OpGreaterOrEqual matches greater-or-equal, same numeric kind only.
	OpGreaterOrEqual
	// OpLessOrEqual matches less-or-equal, same numeric kind only.
	OpLessOrEqual
)

var opNames = map[string]Op{
	"any":                   OpAny,
	"equal":                 OpEqual,
	"greater_than":          OpGreaterThan,
	"less_than":             OpLessThan,
	"greater_or_equal_than": OpGreaterOrEqual,
	"less_or_equal_than":    OpLessOrEqual,
}

// String returns the configuration name of the operation.
func (o Op) String() string {
	for name, op := range opNames {
		if op == o {
			return name
		}
	}
	return "unknown"
}

// Condition is a rule's trigger predicate.
type Condition struct {
	Op    Op
	Value types.ActuatorValue
}

// UnmarshalJSON parses {"operation": name, "value"?: ActuatorValue}.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var raw struct {
		Operation string           `json:"operation"`
		Value     *json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	op, ok := opNames[raw.Operation]
	if !ok {
		return fmt.Errorf("unknown rule operation %q: %w", raw.Operation, errors.ErrInvalidConfig)
	}
	c.Op = op
	c.Value = types.Signal()

	if op != OpAny {
		if raw.Value == nil {
			return fmt.Errorf("operation %q requires a value: %w", raw.Operation, errors.ErrInvalidConfig)
		}
		if err := json.Unmarshal(*raw.Value, &c.Value); err != nil {
			return err
		}
	}
	return nil
}

// Matches evaluates the condition against a sensed value. Comparison
// operations require both values to share the same tag; a tag mismatch is a
// non-match, not an error.
func (c Condition) Matches(v types.ActuatorValue) bool {
	switch c.Op {
	case OpAny:
		return true
	case OpEqual:
		return v.Equal(c.Value)
	case OpGreaterThan:
		cmp, ok := v.Compare(c.Value)
		return ok && cmp > 0
	case OpLessThan:
		cmp, ok := v.Compare(c.Value)
		return ok && cmp < 0
	case OpGreaterOrEqual:
		cmp, ok := v.Compare(c.Value)
		return ok && cmp >= 0
	case OpLessOrEqual:
		cmp, ok := v.Compare(c.Value)
		return ok && cmp <= 0
	default:
		return false
	}
}

// SensorRef addresses a sensor anywhere in the swarm. A nil Node means the
// local peer.
type SensorRef struct {
	Node   *peer.ID
	Device string
	Sensor string
}

// UnmarshalJSON parses {"node"?: base58, "device": d, "sensor_name": s}.
func (r *SensorRef) UnmarshalJSON(data []byte) error {
	var raw struct {
		Node   *string `json:"node"`
		Device string  `json:"device"`
		Sensor string  `json:"sensor_name"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Device == "" || raw.Sensor == "" {
		return fmt.Errorf("rule sensor needs device and sensor_name: %w", errors.ErrInvalidConfig)
	}

	r.Device = raw.Device
	r.Sensor = raw.Sensor
	r.Node = nil
	if raw.Node != nil {
		p, err := peer.Decode(*raw.Node)
		if err != nil {
			return fmt.Errorf("rule sensor node %q: %w", *raw.Node, errors.ErrInvalidConfig)
		}
		r.Node = &p
	}
	return nil
}

// ActionRef addresses an actuator anywhere in the swarm together with the
// value to apply. A nil Node means the local peer.
type ActionRef struct {
	Node     *peer.ID
	Device   string
	Actuator string
	Data     types.ActuatorValue
}

// UnmarshalJSON parses
// {"node"?: base58, "device": d, "actuator_name": a, "data": ActuatorValue}.
func (r *ActionRef) UnmarshalJSON(data []byte) error {
	var raw struct {
		Node     *string          `json:"node"`
		Device   string           `json:"device"`
		Actuator string           `json:"actuator_name"`
		Data     *json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Device == "" || raw.Actuator == "" {
		return fmt.Errorf("rule action needs device and actuator_name: %w", errors.ErrInvalidConfig)
	}

	r.Device = raw.Device
	r.Actuator = raw.Actuator
	r.Data = types.Signal()
	r.Node = nil
	if raw.Data != nil {
		if err := json.Unmarshal(*raw.Data, &r.Data); err != nil {
			return err
		}
	}
	if raw.Node != nil {
		p, err := peer.Decode(*raw.Node)
		if err != nil {
			return fmt.Errorf("rule action node %q: %w", *raw.Node, errors.ErrInvalidConfig)
		}
		r.Node = &p
	}
	return nil
}

// Rule binds a trigger sensor, a condition, and an action. ID is assigned at
// parse time and used for origin attribution of the actuations it emits.
type Rule struct {
	ID     string
	Sensor SensorRef
	On     Condition
	Then   ActionRef
}

// UnmarshalJSON parses {"sensor": ..., "on": ..., "then": ...} and assigns
// the rule a fresh id.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var raw struct {
		Sensor SensorRef `json:"sensor"`
		On     Condition `json:"on"`
		Then   ActionRef `json:"then"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.ID = uuid.NewString()
	r.Sensor = raw.Sensor
	r.On = raw.On
	r.Then = raw.Then
	return nil
}
