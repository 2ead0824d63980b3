package drivers

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/metalyard/region/datamodel/pod"
	"github.com/metalyard/region/drivers/lxd"
)

// Test that the default registry holds the built-in drivers.
func TestDefault(t *testing.T) {
	registry := Default()
	require.Equal(t, []string{lxd.DriverName}, registry.Names())

	driver, err := registry.Get(lxd.DriverName)
	require.NoError(t, err)
	require.Equal(t, lxd.DriverName, driver.Name())

	settings := registry.Settings()
	require.Len(t, settings, 1)
	require.Equal(t, lxd.DriverName, settings[0].Name)
}

// Test that an unknown driver is reported.
func TestGetUnknown(t *testing.T) {
	_, err := NewRegistry().Get("virsh")
	var unknown *pod.UnknownDriverError
	require.True(t, errors.As(err, &unknown))
	require.Equal(t, "virsh", unknown.Name)
}

// Test that a driver cannot be registered twice.
func TestRegisterTwice(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(lxd.NewDriver(nil)))
	require.Error(t, registry.Register(lxd.NewDriver(nil)))
	require.Equal(t, []string{lxd.DriverName}, registry.Names())
}
