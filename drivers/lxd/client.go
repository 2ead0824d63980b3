package lxd

import (
	"context"
	"net/http"

	incus "github.com/lxc/incus/client"
	"github.com/lxc/incus/shared/api"
	"github.com/pkg/errors"
)

// Subset of the hypervisor API used by the driver. The calls creating,
// changing or deleting objects wait for the operations to complete.
type Client interface {
	GetServer() (*api.Server, error)
	HasExtension(extension string) bool
	TrustCertificate(token string) error
	GetServerResources() (*api.Resources, error)
	GetStoragePools() ([]api.StoragePool, error)
	GetStoragePoolResources(name string) (*api.ResourcesStoragePool, error)
	CreateStoragePool(pool api.StoragePoolsPost) error
	CreateStoragePoolVolume(pool string, volume api.StorageVolumesPost) error
	GetStoragePoolVolume(pool string, name string) (*api.StorageVolume, error)
	GetProfile(name string) (*api.Profile, error)
	GetVirtualMachines() ([]api.Instance, error)
	GetInstance(name string) (*api.Instance, error)
	CreateInstance(ctx context.Context, instance api.InstancesPost) error
	UpdateInstanceState(ctx context.Context, name string, state api.InstanceStatePut) error
	DeleteInstance(ctx context.Context, name string) error
}

// Opens the connection to the hypervisor described by the settings.
type Connector func(ctx context.Context, settings *Settings) (Client, error)

// Client backed by the incus client library.
type incusClient struct {
	server incus.InstanceServer
}

var _ Client = (*incusClient)(nil)

// Connects to the hypervisor API at the power address using the client
// certificate from the settings.
func connectIncus(ctx context.Context, settings *Settings) (Client, error) {
	args := &incus.ConnectionArgs{
		TLSClientCert:      settings.Certificate,
		TLSClientKey:       settings.Key,
		InsecureSkipVerify: true,
	}
	server, err := incus.ConnectIncusWithContext(ctx, settings.URL(), args)
	if err != nil {
		return nil, errors.Wrapf(err, "problem connecting to %s", settings.PowerAddress)
	}
	if settings.Project != "" {
		server = server.UseProject(settings.Project)
	}
	return &incusClient{server: server}, nil
}

func (c *incusClient) GetServer() (*api.Server, error) {
	server, _, err := c.server.GetServer()
	return server, err
}

func (c *incusClient) HasExtension(extension string) bool {
	return c.server.HasExtension(extension)
}

func (c *incusClient) TrustCertificate(token string) error {
	return c.server.CreateCertificate(api.CertificatesPost{
		CertificatePut: api.CertificatePut{Type: api.CertificateTypeClient},
		TrustToken:     token,
	})
}

func (c *incusClient) GetServerResources() (*api.Resources, error) {
	return c.server.GetServerResources()
}

func (c *incusClient) GetStoragePools() ([]api.StoragePool, error) {
	return c.server.GetStoragePools()
}

func (c *incusClient) GetStoragePoolResources(name string) (*api.ResourcesStoragePool, error) {
	return c.server.GetStoragePoolResources(name)
}

func (c *incusClient) CreateStoragePool(pool api.StoragePoolsPost) error {
	return c.server.CreateStoragePool(pool)
}

func (c *incusClient) CreateStoragePoolVolume(pool string, volume api.StorageVolumesPost) error {
	return c.server.CreateStoragePoolVolume(pool, volume)
}

// Returns the custom volume of the pool.
func (c *incusClient) GetStoragePoolVolume(pool string, name string) (*api.StorageVolume, error) {
	volume, _, err := c.server.GetStoragePoolVolume(pool, "custom", name)
	return volume, err
}

// Returns the profile or nil when it does not exist.
func (c *incusClient) GetProfile(name string) (*api.Profile, error) {
	profile, _, err := c.server.GetProfile(name)
	if api.StatusErrorCheck(err, http.StatusNotFound) {
		return nil, nil
	}
	return profile, err
}

func (c *incusClient) GetVirtualMachines() ([]api.Instance, error) {
	return c.server.GetInstances(api.InstanceTypeVM)
}

func (c *incusClient) GetInstance(name string) (*api.Instance, error) {
	instance, _, err := c.server.GetInstance(name)
	return instance, err
}

func (c *incusClient) CreateInstance(ctx context.Context, instance api.InstancesPost) error {
	op, err := c.server.CreateInstance(instance)
	if err != nil {
		return err
	}
	return op.WaitContext(ctx)
}

func (c *incusClient) UpdateInstanceState(ctx context.Context, name string, state api.InstanceStatePut) error {
	op, err := c.server.UpdateInstanceState(name, state, "")
	if err != nil {
		return err
	}
	return op.WaitContext(ctx)
}

func (c *incusClient) DeleteInstance(ctx context.Context, name string) error {
	op, err := c.server.DeleteInstance(name)
	if err != nil {
		return err
	}
	return op.WaitContext(ctx)
}
