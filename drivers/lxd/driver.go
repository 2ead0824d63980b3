// Package lxd implements the pod driver managing virtual machines on LXD
// compatible hypervisors.
package lxd

import (
	"context"
	"fmt"
	"sort"

	"github.com/docker/go-units"
	"github.com/lxc/incus/shared/api"
	log "github.com/sirupsen/logrus"

	"github.com/metalyard/region/datamodel/pod"
)

// API extension required to manage virtual machines.
const vmExtension = "virtual-machines"

// Profiles applied to the composed machines in the order of preference.
var composeProfiles = []string{"maas", "default"}

// Status code of a stopped instance.
const statusStopped = 102

// LXD pod driver.
type Driver struct {
	connect Connector
}

var _ pod.Driver = (*Driver)(nil)

// Creates the driver. The connector may be nil to connect with the incus
// client library.
func NewDriver(connect Connector) *Driver {
	if connect == nil {
		connect = connectIncus
	}
	return &Driver{connect: connect}
}

// Wraps the hypervisor error into the pod problem.
func podProblem(err error, format string, args ...any) *pod.PodProblemError {
	return pod.NewPodProblemError("%s: %s", fmt.Sprintf(format, args...), err)
}

// Returns the driver name.
func (d *Driver) Name() string {
	return DriverName
}

// Returns the settings schema.
func (d *Driver) Settings() pod.Settings {
	return settingsSchema()
}

// Connection to the hypervisor with the decoded context.
type session struct {
	client   Client
	settings *Settings
	server   *api.Server
}

// Decodes the context and connects to the hypervisor. The client
// certificate is trusted with the token from the context when the server
// does not trust it yet.
func (d *Driver) connectSession(ctx context.Context, podContext pod.Context) (*session, error) {
	settings, err := DecodeSettings(podContext)
	if err != nil {
		return nil, err
	}
	client, err := d.connect(ctx, settings)
	if err != nil {
		return nil, podProblem(err, "failed to connect to %s", settings.PowerAddress)
	}
	server, err := client.GetServer()
	if err != nil {
		return nil, podProblem(err, "failed to get server information from %s", settings.PowerAddress)
	}
	if server.Auth != "trusted" {
		if settings.Password == "" {
			return nil, pod.NewPodProblemError("certificate is not trusted by %s and no trust token was given", settings.PowerAddress)
		}
		if err := client.TrustCertificate(settings.Password); err != nil {
			return nil, podProblem(err, "failed to trust certificate on %s", settings.PowerAddress)
		}
	}
	if !client.HasExtension(vmExtension) {
		return nil, pod.NewPodProblemError("%s does not support virtual machines; please upgrade it", settings.PowerAddress)
	}
	return &session{client: client, settings: settings, server: server}, nil
}

// Returns the storage pools with their capacity. The dir pool is created
// when the hypervisor has no pools.
func getStoragePools(client Client) ([]StoragePoolUsage, []pod.DiscoveredPodStoragePool, error) {
	pools, err := client.GetStoragePools()
	if err != nil {
		return nil, nil, podProblem(err, "failed to get storage pools")
	}
	if len(pools) == 0 {
		err = client.CreateStoragePool(api.StoragePoolsPost{Name: defaultPoolName, Driver: "dir"})
		if err != nil {
			return nil, nil, podProblem(err, "failed to create storage pool %s", defaultPoolName)
		}
		if pools, err = client.GetStoragePools(); err != nil {
			return nil, nil, podProblem(err, "failed to get storage pools")
		}
	}
	sort.Slice(pools, func(i, j int) bool {
		return pools[i].Name < pools[j].Name
	})
	usages := make([]StoragePoolUsage, 0, len(pools))
	discovered := make([]pod.DiscoveredPodStoragePool, 0, len(pools))
	for _, pool := range pools {
		resources, err := client.GetStoragePoolResources(pool.Name)
		if err != nil {
			return nil, nil, podProblem(err, "failed to get resources of storage pool %s", pool.Name)
		}
		usage := StoragePoolUsage{
			Name:  pool.Name,
			Total: int64(resources.Space.Total),
			Used:  int64(resources.Space.Used),
		}
		usages = append(usages, usage)
		discovered = append(discovered, pod.DiscoveredPodStoragePool{
			ID:      pool.Name,
			Name:    pool.Name,
			Type:    pool.Driver,
			Path:    pool.Config["source"],
			Storage: usage.Total,
		})
	}
	return usages, discovered, nil
}

// Discovers the host, its storage pools and its virtual machines.
func (d *Driver) Discover(ctx context.Context, podID int64, podContext pod.Context) (*pod.DiscoveredPod, error) {
	session, err := d.connectSession(ctx, podContext)
	if err != nil {
		return nil, err
	}
	client, settings, server := session.client, session.settings, session.server
	resources, err := client.GetServerResources()
	if err != nil {
		return nil, podProblem(err, "failed to get resources of %s", settings.PowerAddress)
	}

	discovered := pod.NewDiscoveredPod()
	discovered.Name = server.Environment.ServerName
	discovered.Architectures = []string{pod.KernelToDebianArchitecture(server.Environment.KernelArchitecture)}
	discovered.Capabilities = []pod.Capability{
		pod.CapabilityComposable,
		pod.CapabilityDynamicLocalStorage,
		pod.CapabilityOverCommit,
		pod.CapabilityStoragePools,
	}
	discovered.Cores = int64(resources.CPU.Total)
	if len(resources.CPU.Sockets) > 0 {
		discovered.CPUSpeed = int64(resources.CPU.Sockets[0].Frequency)
	}
	discovered.Memory = int64(resources.Memory.Total) / units.MiB
	for _, card := range resources.Network.Cards {
		for _, port := range card.Ports {
			if port.Address != "" {
				discovered.MACAddresses = append(discovered.MACAddresses, port.Address)
			}
		}
	}

	usages, pools, err := getStoragePools(client)
	if err != nil {
		return nil, err
	}
	discovered.StoragePools = pools
	discovered.LocalStorage = 0
	for _, pool := range pools {
		discovered.LocalStorage += pool.Storage
	}

	instances, err := client.GetVirtualMachines()
	if err != nil {
		return nil, podProblem(err, "failed to get virtual machines of %s", settings.PowerAddress)
	}
	discovered.Machines = make([]pod.DiscoveredMachine, 0, len(instances))
	for i := range instances {
		discovered.Machines = append(discovered.Machines, *GetDiscoveredMachine(&instances[i], usages, getVolumeSizes(client, &instances[i])))
	}

	log.WithFields(log.Fields{
		"pod":      podID,
		"address":  settings.PowerAddress,
		"machines": len(discovered.Machines),
	}).Info("Discovered LXD host")
	return discovered, nil
}

// Returns the profile applied to the composed machines.
func getComposeProfile(client Client) (*api.Profile, error) {
	for _, name := range composeProfiles {
		profile, err := client.GetProfile(name)
		if err != nil {
			return nil, podProblem(err, "failed to get profile %s", name)
		}
		if profile != nil {
			return profile, nil
		}
	}
	return nil, pod.NewPodProblemError("none of the profiles %v exists", composeProfiles)
}

// Returns the NIC devices of the requested interfaces. The first NIC of
// the profile is used when no interface is requested. The first NIC is
// the boot one.
func getNICDevices(request pod.RequestedMachine, profile *api.Profile) (map[string]map[string]string, error) {
	devices := map[string]map[string]string{}
	if len(request.Interfaces) == 0 {
		names := deviceNames(profile.Devices, "nic")
		if len(names) == 0 {
			return nil, pod.NewPodProblemError("profile %s has no NIC and no interface was requested", profile.Name)
		}
		nic := map[string]string{}
		for key, value := range profile.Devices[names[0]] {
			nic[key] = value
		}
		nic["boot.priority"] = "1"
		devices[names[0]] = nic
		return devices, nil
	}
	for i, iface := range request.Interfaces {
		name := iface.IfName
		if name == "" {
			name = fmt.Sprintf("eth%d", i)
		}
		nic := map[string]string{"type": "nic", "name": name}
		switch iface.AttachType {
		case pod.InterfaceAttachMacvlan:
			nic["nictype"] = "macvlan"
			nic["parent"] = iface.AttachName
		case pod.InterfaceAttachNetwork:
			nic["network"] = iface.AttachName
		default:
			nic["nictype"] = "bridged"
			nic["parent"] = iface.AttachName
		}
		if i == 0 {
			nic["boot.priority"] = "1"
		}
		devices[name] = nic
	}
	return devices, nil
}

// Creates the virtual machine and returns it as discovered afterwards.
func (d *Driver) Compose(ctx context.Context, podID int64, podContext pod.Context, request pod.RequestedMachine) (*pod.DiscoveredMachine, *pod.DiscoveredPodHints, error) {
	if request.Hostname == "" {
		return nil, nil, pod.NewPodInvalidResourcesError("hostname of the composed machine is required")
	}
	if len(request.BlockDevices) == 0 {
		return nil, nil, pod.NewPodInvalidResourcesError("at least one disk is required")
	}
	session, err := d.connectSession(ctx, podContext)
	if err != nil {
		return nil, nil, err
	}
	client, settings := session.client, session.settings
	usages, _, err := getStoragePools(client)
	if err != nil {
		return nil, nil, err
	}
	profile, err := getComposeProfile(client)
	if err != nil {
		return nil, nil, err
	}

	devices, err := getNICDevices(request, profile)
	if err != nil {
		return nil, nil, err
	}
	for i, disk := range request.BlockDevices {
		poolName, err := GetUsableStoragePool(disk, usages, settings.DefaultStoragePoolID)
		if err != nil {
			return nil, nil, err
		}
		for j := range usages {
			if usages[j].Name == poolName {
				usages[j].Used += disk.Size
			}
		}
		size := fmt.Sprintf("%dB", disk.Size)
		if i == 0 {
			devices["root"] = map[string]string{
				"type":          "disk",
				"path":          "/",
				"pool":          poolName,
				"size":          size,
				"boot.priority": "0",
			}
			continue
		}
		volume := fmt.Sprintf("%s-disk%d", request.Hostname, i)
		err = client.CreateStoragePoolVolume(poolName, api.StorageVolumesPost{
			Name:        volume,
			Type:        "custom",
			ContentType: "block",
			StorageVolumePut: api.StorageVolumePut{
				Config: map[string]string{"size": size},
			},
		})
		if err != nil {
			return nil, nil, podProblem(err, "failed to create volume %s in storage pool %s", volume, poolName)
		}
		devices[fmt.Sprintf("disk%d", i)] = map[string]string{
			"type":   "disk",
			"pool":   poolName,
			"source": volume,
		}
	}

	err = client.CreateInstance(ctx, api.InstancesPost{
		Name:   request.Hostname,
		Type:   api.InstanceTypeVM,
		Source: api.InstanceSource{Type: "none"},
		InstancePut: api.InstancePut{
			Architecture: pod.DebianToKernelArchitecture(request.Architecture),
			Profiles:     []string{profile.Name},
			Config: map[string]string{
				"limits.cpu":          fmt.Sprintf("%d", request.Cores),
				"limits.memory":       fmt.Sprintf("%dMiB", request.Memory),
				"security.secureboot": "false",
			},
			Devices: devices,
		},
	})
	if err != nil {
		return nil, nil, podProblem(err, "failed to create virtual machine %s", request.Hostname)
	}

	// The created machine is read back since the hypervisor may expand
	// the request with the profile.
	instance, err := client.GetInstance(request.Hostname)
	if err != nil {
		return nil, nil, podProblem(err, "failed to get virtual machine %s", request.Hostname)
	}
	log.WithFields(log.Fields{
		"pod":     podID,
		"machine": request.Hostname,
		"profile": profile.Name,
	}).Info("Composed virtual machine")
	hints := pod.UnknownHints()
	return GetDiscoveredMachine(instance, usages, getVolumeSizes(client, instance)), &hints, nil
}

// Stops the virtual machine unless it is stopped.
func stopInstance(ctx context.Context, client Client, instance *api.Instance) error {
	if int(instance.StatusCode) == statusStopped {
		return nil
	}
	err := client.UpdateInstanceState(ctx, instance.Name, api.InstanceStatePut{Action: "stop", Force: true, Timeout: -1})
	if err != nil {
		return podProblem(err, "failed to stop virtual machine %s", instance.Name)
	}
	return nil
}

// Returns the instance named in the context.
func getContextInstance(client Client, settings *Settings) (*api.Instance, error) {
	if settings.InstanceName == "" {
		return nil, pod.NewPodProblemError("instance name is not set")
	}
	instance, err := client.GetInstance(settings.InstanceName)
	if err != nil {
		return nil, podProblem(err, "failed to get virtual machine %s", settings.InstanceName)
	}
	return instance, nil
}

// Stops and deletes the virtual machine named in the context.
func (d *Driver) Decompose(ctx context.Context, podID int64, podContext pod.Context) (*pod.DiscoveredPodHints, error) {
	session, err := d.connectSession(ctx, podContext)
	if err != nil {
		return nil, err
	}
	client, settings := session.client, session.settings
	instance, err := getContextInstance(client, settings)
	if err != nil {
		return nil, err
	}
	if err := stopInstance(ctx, client, instance); err != nil {
		return nil, err
	}
	if err := client.DeleteInstance(ctx, instance.Name); err != nil {
		return nil, podProblem(err, "failed to delete virtual machine %s", instance.Name)
	}
	log.WithFields(log.Fields{
		"pod":     podID,
		"machine": instance.Name,
	}).Info("Decomposed virtual machine")
	hints := pod.UnknownHints()
	return &hints, nil
}

// Returns the resources of the host.
func (d *Driver) GetCommissioningData(ctx context.Context, podID int64, podContext pod.Context) (pod.CommissioningData, error) {
	session, err := d.connectSession(ctx, podContext)
	if err != nil {
		return nil, err
	}
	client, settings := session.client, session.settings
	resources, err := client.GetServerResources()
	if err != nil {
		return nil, podProblem(err, "failed to get resources of %s", settings.PowerAddress)
	}
	return pod.CommissioningData{"machine-resources": resources}, nil
}

// Starts the virtual machine named in the context.
func (d *Driver) PowerOn(ctx context.Context, podID int64, podContext pod.Context) error {
	session, err := d.connectSession(ctx, podContext)
	if err != nil {
		return err
	}
	client, settings := session.client, session.settings
	instance, err := getContextInstance(client, settings)
	if err != nil {
		return err
	}
	if powerStateFromStatusCode(int(instance.StatusCode)) == pod.PowerStateOn {
		return nil
	}
	err = client.UpdateInstanceState(ctx, instance.Name, api.InstanceStatePut{Action: "start", Timeout: -1})
	if err != nil {
		return podProblem(err, "failed to start virtual machine %s", instance.Name)
	}
	return nil
}

// Stops the virtual machine named in the context.
func (d *Driver) PowerOff(ctx context.Context, podID int64, podContext pod.Context) error {
	session, err := d.connectSession(ctx, podContext)
	if err != nil {
		return err
	}
	client, settings := session.client, session.settings
	instance, err := getContextInstance(client, settings)
	if err != nil {
		return err
	}
	return stopInstance(ctx, client, instance)
}

// Returns the power state of the virtual machine named in the context.
func (d *Driver) PowerQuery(ctx context.Context, podID int64, podContext pod.Context) (pod.PowerState, error) {
	session, err := d.connectSession(ctx, podContext)
	if err != nil {
		return pod.PowerStateError, err
	}
	client, settings := session.client, session.settings
	instance, err := getContextInstance(client, settings)
	if err != nil {
		return pod.PowerStateError, err
	}
	return powerStateFromStatusCode(int(instance.StatusCode)), nil
}
