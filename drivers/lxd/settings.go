package lxd

import (
	"net"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/metalyard/region/datamodel/pod"
)

// Name of the driver, used as the power type of the pods.
const DriverName = "lxd"

// Default port of the hypervisor API.
const defaultPort = "8443"

// Driver facing parameters of an LXD pod or of a machine in the pod.
type Settings struct {
	PowerAddress         string `mapstructure:"power_address"`
	InstanceName         string `mapstructure:"instance_name"`
	Project              string `mapstructure:"project"`
	Certificate          string `mapstructure:"certificate"`
	Key                  string `mapstructure:"key"`
	Password             string `mapstructure:"password"`
	DefaultStoragePoolID string `mapstructure:"default_storage_pool_id"`
}

// Decodes the driver facing context. Numbers are accepted for the string
// parameters and unknown keys are ignored.
func DecodeSettings(podContext pod.Context) (*Settings, error) {
	settings := &Settings{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           settings,
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := decoder.Decode(map[string]any(podContext)); err != nil {
		return nil, errors.Wrap(err, "problem decoding LXD parameters")
	}
	if settings.PowerAddress == "" {
		return nil, pod.NewPodProblemError("LXD power address is not set")
	}
	if settings.Project == "" {
		settings.Project = "default"
	}
	return settings, nil
}

// Returns the API URL derived from the power address. The address may be
// a host, a host with a port or a full URL.
func (s *Settings) URL() string {
	address := s.PowerAddress
	if strings.Contains(address, "://") {
		return address
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(strings.Trim(address, "[]"), defaultPort)
	}
	return "https://" + address
}

// Returns the settings schema of the driver.
func settingsSchema() pod.Settings {
	return pod.Settings{
		Name:        DriverName,
		Description: "LXD (virtual systems)",
		Fields: []pod.SettingField{
			{Name: "power_address", Label: "LXD address", Scope: pod.ScopeBMC, Required: true},
			{Name: "instance_name", Label: "Instance name", Scope: pod.ScopeNode, Required: true},
			{Name: "project", Label: "LXD project", Scope: pod.ScopeBMC, Default: "default"},
			{Name: "certificate", Label: "LXD certificate", Scope: pod.ScopeBMC, Secret: true},
			{Name: "key", Label: "LXD private key", Scope: pod.ScopeBMC, Secret: true},
			{Name: "password", Label: "LXD trust token", Scope: pod.ScopeBMC, Secret: true},
		},
		IPExtractor: &pod.IPExtractor{
			Field:   "power_address",
			Pattern: `^(?:[a-z]+://)?(?:[^@/]+@)?(?P<address>\[[0-9a-fA-F:.]+\]|[^:/\[\]]+)(?::\d+)?/?$`,
		},
	}
}
