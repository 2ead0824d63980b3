// Package pod defines the contract between the region and the pod
// drivers: the snapshots a driver reports about a hypervisor, the
// requests it receives and the driver interface itself.
package pod

// Capabilities a pod may report.
type Capability string

// Supported capabilities.
const (
	CapabilityComposable          Capability = "composable"
	CapabilityFixedLocalStorage   Capability = "fixed_local_storage"
	CapabilityDynamicLocalStorage Capability = "dynamic_local_storage"
	CapabilityISCSIStorage        Capability = "iscsi_storage"
	CapabilityOverCommit          Capability = "over_commit"
	CapabilityStoragePools        Capability = "storage_pools"
)

// Power state of a machine as reported by a driver.
type PowerState string

// Power states.
const (
	PowerStateOn      PowerState = "on"
	PowerStateOff     PowerState = "off"
	PowerStateUnknown PowerState = "unknown"
	PowerStateError   PowerState = "error"
)

// Type of a block device reported by a driver.
type BlockDeviceType string

// Block device types.
const (
	BlockDeviceTypePhysical BlockDeviceType = "physical"
	BlockDeviceTypeISCSI    BlockDeviceType = "iscsi"
)

// How a machine interface is attached on the hypervisor.
type InterfaceAttachType string

// Interface attachment types.
const (
	InterfaceAttachBridge  InterfaceAttachType = "bridge"
	InterfaceAttachMacvlan InterfaceAttachType = "macvlan"
	InterfaceAttachNetwork InterfaceAttachType = "network"
)

// Value used for capacity numbers a driver cannot determine.
const Unknown int64 = -1

// Capacity envelope of a pod used for admission decisions.
type DiscoveredPodHints struct {
	Cores        int64 `json:"cores"`
	CPUSpeed     int64 `json:"cpu_speed"`
	Memory       int64 `json:"memory"`
	LocalStorage int64 `json:"local_storage"`
	LocalDisks   int64 `json:"local_disks"`
	ISCSIStorage int64 `json:"iscsi_storage"`
}

// Returns hints with every value unknown.
func UnknownHints() DiscoveredPodHints {
	return DiscoveredPodHints{
		Cores:        Unknown,
		CPUSpeed:     Unknown,
		Memory:       Unknown,
		LocalStorage: Unknown,
		LocalDisks:   Unknown,
		ISCSIStorage: Unknown,
	}
}

// Storage pool available on a pod.
type DiscoveredPodStoragePool struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Path    string `json:"path"`
	Storage int64  `json:"storage"`
}

// Block device of a discovered machine.
type DiscoveredMachineBlockDevice struct {
	Model       string          `json:"model,omitempty"`
	Serial      string          `json:"serial,omitempty"`
	Size        int64           `json:"size"`
	BlockSize   int64           `json:"block_size"`
	Tags        []string        `json:"tags,omitempty"`
	IDPath      string          `json:"id_path,omitempty"`
	Type        BlockDeviceType `json:"type"`
	ISCSITarget string          `json:"iscsi_target,omitempty"`
	StoragePool string          `json:"storage_pool,omitempty"`
}

// Network interface of a discovered machine.
type DiscoveredMachineInterface struct {
	MACAddress string              `json:"mac_address"`
	VID        int                 `json:"vid"`
	Tags       []string            `json:"tags,omitempty"`
	Boot       bool                `json:"boot"`
	AttachType InterfaceAttachType `json:"attach_type,omitempty"`
	AttachName string              `json:"attach_name,omitempty"`
}

// Machine as reported by a driver.
type DiscoveredMachine struct {
	Hostname        string                         `json:"hostname"`
	Architecture    string                         `json:"architecture"`
	Cores           int64                          `json:"cores"`
	CPUSpeed        int64                          `json:"cpu_speed"`
	Memory          int64                          `json:"memory"`
	PowerState      PowerState                     `json:"power_state"`
	PowerParameters map[string]any                 `json:"power_parameters"`
	Interfaces      []DiscoveredMachineInterface   `json:"interfaces"`
	BlockDevices    []DiscoveredMachineBlockDevice `json:"block_devices"`
	Tags            []string                       `json:"tags,omitempty"`
}

// MAC addresses of all interfaces of the machine in their order.
func (m *DiscoveredMachine) MACAddresses() []string {
	macs := make([]string, 0, len(m.Interfaces))
	for _, nic := range m.Interfaces {
		macs = append(macs, nic.MACAddress)
	}
	return macs
}

// Pod as reported by a driver.
type DiscoveredPod struct {
	Architectures []string                   `json:"architectures"`
	Name          string                     `json:"name,omitempty"`
	Cores         int64                      `json:"cores"`
	CPUSpeed      int64                      `json:"cpu_speed"`
	Memory        int64                      `json:"memory"`
	LocalStorage  int64                      `json:"local_storage"`
	LocalDisks    int64                      `json:"local_disks"`
	ISCSIStorage  int64                      `json:"iscsi_storage"`
	Hints         DiscoveredPodHints         `json:"hints"`
	Machines      []DiscoveredMachine        `json:"machines"`
	Tags          []string                   `json:"tags,omitempty"`
	StoragePools  []DiscoveredPodStoragePool `json:"storage_pools,omitempty"`
	Capabilities  []Capability               `json:"capabilities"`
	MACAddresses  []string                   `json:"mac_addresses,omitempty"`
}

// Returns a pod with every capacity value unknown.
func NewDiscoveredPod() *DiscoveredPod {
	return &DiscoveredPod{
		Cores:        Unknown,
		CPUSpeed:     Unknown,
		Memory:       Unknown,
		LocalStorage: Unknown,
		LocalDisks:   Unknown,
		ISCSIStorage: Unknown,
		Hints:        UnknownHints(),
	}
}

// Checks if the pod reports the capability.
func (p *DiscoveredPod) HasCapability(capability Capability) bool {
	for _, c := range p.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Disk requested for a new machine. Tags name the storage pool the disk
// must be placed in.
type RequestedMachineBlockDevice struct {
	Size int64    `json:"size"`
	Tags []string `json:"tags,omitempty"`
}

// Interface requested for a new machine. Empty attach name means the
// driver default.
type RequestedMachineInterface struct {
	IfName     string              `json:"ifname,omitempty"`
	AttachName string              `json:"attach_name,omitempty"`
	AttachType InterfaceAttachType `json:"attach_type,omitempty"`
}

// Machine the region asks a driver to compose.
type RequestedMachine struct {
	Hostname     string                        `json:"hostname"`
	Architecture string                        `json:"architecture"`
	Cores        int64                         `json:"cores"`
	Memory       int64                         `json:"memory"`
	CPUSpeed     int64                         `json:"cpu_speed,omitempty"`
	BlockDevices []RequestedMachineBlockDevice `json:"block_devices"`
	Interfaces   []RequestedMachineInterface   `json:"interfaces,omitempty"`
}

// Machine resources reported for commissioning.
type CommissioningData map[string]any
