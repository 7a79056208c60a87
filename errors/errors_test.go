package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapFormat(t *testing.T) {
	err := Wrap(ErrUnknownDevice, "Supervisor", "Actuate", "device lookup")
	require.Error(t, err)
	assert.Equal(t, "Supervisor.Actuate: device lookup failed: unknown device", err.Error())
	assert.True(t, Is(err, ErrUnknownDevice))
}

func TestWrapNilIsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "C", "M", "a"))
	assert.NoError(t, WrapTransient(nil, "C", "M", "a"))
	assert.NoError(t, WrapInvalid(nil, "C", "M", "a"))
	assert.NoError(t, WrapFatal(nil, "C", "M", "a"))
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"dial failure is transient", fmt.Errorf("dialing: %w", ErrDialFailed), ErrorTransient},
		{"malformed frame is invalid", fmt.Errorf("decode: %w", ErrMalformedFrame), ErrorInvalid},
		{"config error is fatal", fmt.Errorf("load: %w", ErrInvalidConfig), ErrorFatal},
		{"duplicate device is fatal", ErrDuplicateDevice, ErrorFatal},
		{"unknown error defaults to transient", New("weird"), ErrorTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassifiedWrapOverridesSentinels(t *testing.T) {
	// An explicitly classified error wins over sentinel-based inference.
	err := WrapFatal(ErrConnectionLost, "Swarm", "Run", "listener")
	assert.True(t, IsFatal(err))
	assert.False(t, IsTransient(err))

	var ce *ClassifiedError
	require.True(t, As(err, &ce))
	assert.Equal(t, "Swarm", ce.Component)
	assert.Equal(t, ErrorFatal, ce.Class)
}
