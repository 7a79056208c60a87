// Package types holds the value types shared by every daemon component:
// actuator values, sensor readings, actuation requests and responses, and
// peer identities.
package types

import (
	"encoding/json"
	"fmt"
)

// Kind identifies the payload carried by an ActuatorValue.
type Kind uint8

const (
	// KindSignal is an empty value denoting an event occurrence.
	KindSignal Kind = iota
	// KindUnsigned carries a uint64.
	KindUnsigned
	// KindSigned carries an int64.
	KindSigned
	// KindDouble carries an IEEE-754 double.
	KindDouble
	// KindString carries UTF-8 text.
	KindString
)

// String returns the string representation of a Kind.
func (k Kind) String() string {
	switch k {
	case KindSignal:
		return "signal"
	case KindUnsigned:
		return "unsigned"
	case KindSigned:
		return "signed"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// ActuatorValue is a tagged union carrying exactly one of: nothing (Signal),
// a uint64, an int64, a double, or a string. It is the single value type used
// for both sensor measurements and actuation payloads.
//
// The zero value is Signal.
type ActuatorValue struct {
	kind Kind
	u    uint64
	i    int64
	f    float64
	s    string
}

// Signal returns the empty event-occurrence value.
func Signal() ActuatorValue {
	return ActuatorValue{kind: KindSignal}
}

// Unsigned returns an ActuatorValue carrying v.
func Unsigned(v uint64) ActuatorValue {
	return ActuatorValue{kind: KindUnsigned, u: v}
}

// Signed returns an ActuatorValue carrying v.
func Signed(v int64) ActuatorValue {
	return ActuatorValue{kind: KindSigned, i: v}
}

// Double returns an ActuatorValue carrying v.
func Double(v float64) ActuatorValue {
	return ActuatorValue{kind: KindDouble, f: v}
}

// String returns an ActuatorValue carrying v.
func String(v string) ActuatorValue {
	return ActuatorValue{kind: KindString, s: v}
}

// Kind returns the tag of the value.
func (v ActuatorValue) Kind() Kind {
	return v.kind
}

// AsUnsigned returns the payload if the value is Unsigned.
func (v ActuatorValue) AsUnsigned() (uint64, bool) {
	return v.u, v.kind == KindUnsigned
}

// AsSigned returns the payload if the value is Signed.
func (v ActuatorValue) AsSigned() (int64, bool) {
	return v.i, v.kind == KindSigned
}

// AsDouble returns the payload if the value is Double.
func (v ActuatorValue) AsDouble() (float64, bool) {
	return v.f, v.kind == KindDouble
}

// AsString returns the payload if the value is String.
func (v ActuatorValue) AsString() (string, bool) {
	return v.s, v.kind == KindString
}

// Equal reports structural equality: same kind and same payload.
// Signal equals only Signal.
func (v ActuatorValue) Equal(o ActuatorValue) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindSignal:
		return true
	case KindUnsigned:
		return v.u == o.u
	case KindSigned:
		return v.i == o.i
	case KindDouble:
		return v.f == o.f
	case KindString:
		return v.s == o.s
	default:
		return false
	}
}

// Compare orders v against o within the same numeric kind. It returns
// (-1|0|1, true) for Unsigned, Signed and Double pairs of the same kind, and
// (0, false) for every other pairing; ordering is not defined across kinds,
// for Signal, or for String.
func (v ActuatorValue) Compare(o ActuatorValue) (int, bool) {
	if v.kind != o.kind {
		return 0, false
	}
	switch v.kind {
	case KindUnsigned:
		return cmpOrdered(v.u, o.u), true
	case KindSigned:
		return cmpOrdered(v.i, o.i), true
	case KindDouble:
		return cmpOrdered(v.f, o.f), true
	default:
		return 0, false
	}
}

func cmpOrdered[T uint64 | int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// String renders the value for logs and the logger driver sink.
func (v ActuatorValue) String() string {
	switch v.kind {
	case KindSignal:
		return "signal"
	case KindUnsigned:
		return fmt.Sprintf("%d", v.u)
	case KindSigned:
		return fmt.Sprintf("%d", v.i)
	case KindDouble:
		return fmt.Sprintf("%g", v.f)
	case KindString:
		return v.s
	default:
		return "<invalid>"
	}
}

// MarshalJSON encodes the value as either the bare string "signal" or a
// single-key object {"unsigned"|"signed"|"double"|"string": payload}.
func (v ActuatorValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindSignal:
		return json.Marshal("signal")
	case KindUnsigned:
		return json.Marshal(map[string]uint64{"unsigned": v.u})
	case KindSigned:
		return json.Marshal(map[string]int64{"signed": v.i})
	case KindDouble:
		return json.Marshal(map[string]float64{"double": v.f})
	case KindString:
		return json.Marshal(map[string]string{"string": v.s})
	default:
		return nil, fmt.Errorf("actuator value has invalid kind %d", v.kind)
	}
}

// UnmarshalJSON accepts the encoding produced by MarshalJSON plus the
// configuration alias "integer", which maps to Signed.
func (v *ActuatorValue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "signal" {
			return fmt.Errorf("unknown actuator value literal %q", s)
		}
		*v = Signal()
		return nil
	}

	var obj struct {
		Unsigned *uint64  `json:"unsigned"`
		Signed   *int64   `json:"signed"`
		Integer  *int64   `json:"integer"`
		Double   *float64 `json:"double"`
		String   *string  `json:"string"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("actuator value must be \"signal\" or a single-key object: %w", err)
	}

	switch {
	case obj.Unsigned != nil:
		*v = Unsigned(*obj.Unsigned)
	case obj.Signed != nil:
		*v = Signed(*obj.Signed)
	case obj.Integer != nil:
		*v = Signed(*obj.Integer)
	case obj.Double != nil:
		*v = Double(*obj.Double)
	case obj.String != nil:
		*v = String(*obj.String)
	default:
		return fmt.Errorf("actuator value object has no recognized key")
	}
	return nil
}
