package lxd

import (
	"context"
	"fmt"
	"sort"

	"github.com/lxc/incus/shared/api"
	"github.com/pkg/errors"
)

// In-memory hypervisor recording the calls changing its state.
type fakeClient struct {
	server     api.Server
	extensions []string
	resources  api.Resources
	pools      []api.StoragePool
	poolSpace  map[string]api.ResourcesStoragePoolSpace
	profiles   map[string]*api.Profile
	instances  map[string]*api.Instance

	trustedTokens []string
	createdPools  []string
	volumes       []string
	volumeConfigs map[string]map[string]string
	created       []api.InstancesPost
	stateChanges  []api.InstanceStatePut
	deleted       []string
	createErr     error
	macCounter    int
}

var _ Client = (*fakeClient)(nil)

func newFakeClient() *fakeClient {
	return &fakeClient{
		server: api.Server{
			ServerUntrusted: api.ServerUntrusted{Auth: "trusted"},
			Environment: api.ServerEnvironment{
				ServerName:         "lxd-host",
				KernelArchitecture: "x86_64",
			},
		},
		extensions:    []string{vmExtension},
		poolSpace:     map[string]api.ResourcesStoragePoolSpace{},
		volumeConfigs: map[string]map[string]string{},
		profiles: map[string]*api.Profile{
			"default": {
				Name: "default",
				ProfilePut: api.ProfilePut{
					Devices: map[string]map[string]string{
						"eth0": {"type": "nic", "nictype": "bridged", "parent": "lxdbr0", "name": "eth0"},
					},
				},
			},
		},
		instances: map[string]*api.Instance{},
	}
}

// Returns a connector handing out the client.
func (c *fakeClient) connector() Connector {
	return func(ctx context.Context, settings *Settings) (Client, error) {
		return c, nil
	}
}

func (c *fakeClient) addPool(name string, total, used uint64) {
	c.pools = append(c.pools, api.StoragePool{Name: name, Driver: "dir"})
	c.poolSpace[name] = api.ResourcesStoragePoolSpace{Total: total, Used: used}
}

func (c *fakeClient) GetServer() (*api.Server, error) {
	server := c.server
	return &server, nil
}

func (c *fakeClient) HasExtension(extension string) bool {
	for _, e := range c.extensions {
		if e == extension {
			return true
		}
	}
	return false
}

func (c *fakeClient) TrustCertificate(token string) error {
	c.trustedTokens = append(c.trustedTokens, token)
	c.server.Auth = "trusted"
	return nil
}

func (c *fakeClient) GetServerResources() (*api.Resources, error) {
	resources := c.resources
	return &resources, nil
}

func (c *fakeClient) GetStoragePools() ([]api.StoragePool, error) {
	return append([]api.StoragePool{}, c.pools...), nil
}

func (c *fakeClient) GetStoragePoolResources(name string) (*api.ResourcesStoragePool, error) {
	space, ok := c.poolSpace[name]
	if !ok {
		return nil, errors.Errorf("storage pool %s not found", name)
	}
	return &api.ResourcesStoragePool{Space: space}, nil
}

func (c *fakeClient) CreateStoragePool(pool api.StoragePoolsPost) error {
	c.createdPools = append(c.createdPools, pool.Name)
	c.addPool(pool.Name, 100_000_000_000, 0)
	return nil
}

func (c *fakeClient) CreateStoragePoolVolume(pool string, volume api.StorageVolumesPost) error {
	c.volumes = append(c.volumes, pool+"/"+volume.Name)
	c.volumeConfigs[pool+"/"+volume.Name] = volume.Config
	return nil
}

func (c *fakeClient) GetStoragePoolVolume(pool string, name string) (*api.StorageVolume, error) {
	config, ok := c.volumeConfigs[pool+"/"+name]
	if !ok {
		return nil, errors.Errorf("volume %s not found in storage pool %s", name, pool)
	}
	return &api.StorageVolume{
		Name:             name,
		Type:             "custom",
		StorageVolumePut: api.StorageVolumePut{Config: config},
	}, nil
}

func (c *fakeClient) GetProfile(name string) (*api.Profile, error) {
	return c.profiles[name], nil
}

func (c *fakeClient) GetVirtualMachines() ([]api.Instance, error) {
	names := make([]string, 0, len(c.instances))
	for name := range c.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	instances := []api.Instance{}
	for _, name := range names {
		instances = append(instances, *c.instances[name])
	}
	return instances, nil
}

func (c *fakeClient) GetInstance(name string) (*api.Instance, error) {
	instance, ok := c.instances[name]
	if !ok {
		return nil, errors.Errorf("instance %s not found", name)
	}
	copied := *instance
	return &copied, nil
}

// Creates the instance expanding it with the profile devices the way the
// hypervisor does.
func (c *fakeClient) CreateInstance(ctx context.Context, instance api.InstancesPost) error {
	if c.createErr != nil {
		return c.createErr
	}
	c.created = append(c.created, instance)
	devices := map[string]map[string]string{}
	for _, profileName := range instance.Profiles {
		if profile, ok := c.profiles[profileName]; ok {
			for name, device := range profile.Devices {
				devices[name] = device
			}
		}
	}
	for name, device := range instance.Devices {
		devices[name] = device
	}
	config := map[string]string{}
	for key, value := range instance.Config {
		config[key] = value
	}
	for _, name := range deviceNames(devices, "nic") {
		c.macCounter++
		config["volatile."+name+".hwaddr"] = fmt.Sprintf("00:16:3e:00:00:%02x", c.macCounter)
	}
	c.instances[instance.Name] = &api.Instance{
		Name:            instance.Name,
		StatusCode:      api.Stopped,
		Project:         "default",
		InstancePut:     instance.InstancePut,
		ExpandedConfig:  config,
		ExpandedDevices: devices,
	}
	return nil
}

func (c *fakeClient) UpdateInstanceState(ctx context.Context, name string, state api.InstanceStatePut) error {
	instance, ok := c.instances[name]
	if !ok {
		return errors.Errorf("instance %s not found", name)
	}
	c.stateChanges = append(c.stateChanges, state)
	switch state.Action {
	case "start":
		instance.StatusCode = api.Running
	case "stop":
		instance.StatusCode = api.Stopped
	}
	return nil
}

func (c *fakeClient) DeleteInstance(ctx context.Context, name string) error {
	if _, ok := c.instances[name]; !ok {
		return errors.Errorf("instance %s not found", name)
	}
	delete(c.instances, name)
	c.deleted = append(c.deleted, name)
	return nil
}
