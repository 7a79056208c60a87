package device

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nnubes256/IDIoT/errors"
	"github.com/Nnubes256/IDIoT/types"
)

type nullDriver struct{}

func (nullDriver) Describe() Capabilities                  { return Capabilities{} }
func (nullDriver) Sense(context.Context, *Collector) error { return nil }
func (nullDriver) Actuate(_ context.Context, _ string, _ types.ActuatorValue) types.ActuationResponse {
	return types.Ignored()
}
func (nullDriver) Close() error { return nil }

func nullFactory(string, json.RawMessage) (Driver, error) {
	return nullDriver{}, nil
}

func TestRegistryRegisterAndCreate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Registration{Type: "null", Factory: nullFactory}))

	d, err := r.Create("null", "dev-1", nil)
	require.NoError(t, err)
	assert.NotNil(t, d)
}

func TestRegistryRejectsDuplicateType(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Registration{Type: "null", Factory: nullFactory}))

	err := r.Register(Registration{Type: "null", Factory: nullFactory})
	assert.Error(t, err)
}

func TestRegistryRejectsInvalidRegistration(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(Registration{Type: "", Factory: nullFactory}))
	assert.Error(t, r.Register(Registration{Type: "x", Factory: nil}))
}

func TestRegistrySealIsImmutable(t *testing.T) {
	r := NewRegistry()
	r.Seal()

	err := r.Register(Registration{Type: "late", Factory: nullFactory})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRegistrySealed))
}

func TestRegistryUnknownType(t *testing.T) {
	r := NewRegistry()
	_, err := r.Create("nope", "dev", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownDeviceType))
}

func TestRegisterBuiltins(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r))
	assert.Equal(t, []string{"logger", "timer"}, r.Types())
}

func TestCollectorOverwritesWithinVisit(t *testing.T) {
	c := NewCollector()
	c.Emit("temp", types.Double(20))
	c.Emit("hum", types.Double(40))
	c.Emit("temp", types.Double(21))

	got := c.Readings()
	require.Len(t, got, 2)
	assert.Equal(t, "temp", got[0].Sensor)
	assert.True(t, got[0].Value.Equal(types.Double(21)))
	assert.Equal(t, "hum", got[1].Sensor)
}
