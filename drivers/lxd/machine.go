package lxd

import (
	"sort"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/lxc/incus/shared/api"
	log "github.com/sirupsen/logrus"

	"github.com/metalyard/region/datamodel/pod"
)

// Defaults used when the instance does not declare its limits.
const (
	defaultDiskSize = "10GB"
	defaultMemory   = 1024
	defaultCores    = 1
	blockSize       = 512
)

// Instance status codes mapped to power states. Other codes are unknown.
var statusCodePowerStates = map[int]pod.PowerState{
	101: pod.PowerStateOn,    // started
	102: pod.PowerStateOff,   // stopped
	103: pod.PowerStateOn,    // running
	104: pod.PowerStateOff,   // cancelling
	105: pod.PowerStateOn,    // pending
	106: pod.PowerStateOn,    // starting
	107: pod.PowerStateOff,   // stopping
	108: pod.PowerStateOff,   // aborting
	109: pod.PowerStateOn,    // freezing
	110: pod.PowerStateOff,   // frozen
	111: pod.PowerStateOn,    // thawed
	112: pod.PowerStateError, // error
}

// Returns the power state of the status code.
func powerStateFromStatusCode(code int) pod.PowerState {
	if state, ok := statusCodePowerStates[code]; ok {
		return state
	}
	return pod.PowerStateUnknown
}

// Returns the names of the devices of the type sorted by name.
func deviceNames(devices map[string]map[string]string, deviceType string) []string {
	names := []string{}
	for name, device := range devices {
		if device["type"] == deviceType {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Parses the cores limit which is a count or a set of CPUs, e.g. 0-3,6.
func parseCores(limit string) int64 {
	if limit == "" {
		return defaultCores
	}
	if n, err := strconv.ParseInt(limit, 10, 64); err == nil {
		return n
	}
	var cores int64
	for _, part := range strings.Split(limit, ",") {
		bounds := strings.SplitN(part, "-", 2)
		first, err := strconv.ParseInt(strings.TrimSpace(bounds[0]), 10, 64)
		if err != nil {
			return defaultCores
		}
		last := first
		if len(bounds) == 2 {
			if last, err = strconv.ParseInt(strings.TrimSpace(bounds[1]), 10, 64); err != nil || last < first {
				return defaultCores
			}
		}
		cores += last - first + 1
	}
	return cores
}

// Parses the memory limit and returns it in MiB.
func parseMemory(limit string) int64 {
	if limit == "" || strings.HasSuffix(limit, "%") {
		return defaultMemory
	}
	size, err := parseSize(limit)
	if err != nil || size <= 0 {
		return defaultMemory
	}
	return size / units.MiB
}

// Returns the interface attachment declared by a NIC device.
func nicAttachment(device map[string]string) (pod.InterfaceAttachType, string) {
	if network := device["network"]; network != "" {
		return pod.InterfaceAttachNetwork, network
	}
	if device["nictype"] == "macvlan" {
		return pod.InterfaceAttachMacvlan, device["parent"]
	}
	return pod.InterfaceAttachBridge, device["parent"]
}

// Returns the boot priority of a device, zero when it has none.
func bootPriority(device map[string]string) int {
	priority, err := strconv.Atoi(device["boot.priority"])
	if err != nil {
		return 0
	}
	return priority
}

// Returns the sizes of the custom volumes attached to the instance keyed
// by the device name. A volume which cannot be read is left out and its
// disk gets the default size.
func getVolumeSizes(client Client, instance *api.Instance) map[string]int64 {
	sizes := map[string]int64{}
	for _, name := range deviceNames(instance.ExpandedDevices, "disk") {
		device := instance.ExpandedDevices[name]
		if device["pool"] == "" || device["source"] == "" || device["size"] != "" {
			continue
		}
		logFields := log.Fields{
			"instance": instance.Name,
			"device":   name,
			"volume":   device["source"],
		}
		volume, err := client.GetStoragePoolVolume(device["pool"], device["source"])
		if err != nil {
			log.WithError(err).WithFields(logFields).Warn("Failed to get the volume of the disk; using the default size")
			continue
		}
		size, err := parseSize(volume.Config["size"])
		if err != nil || size <= 0 {
			log.WithFields(logFields).Warn("Volume of the disk has no valid size; using the default size")
			continue
		}
		sizes[name] = size
	}
	return sizes
}

// Translates a virtual machine into the discovered machine. The pools are
// used to tag the disks with the pool holding them. The volume sizes,
// keyed by the device name, take precedence over the disk size limits.
// The NICs without a MAC address are skipped.
func GetDiscoveredMachine(instance *api.Instance, pools []StoragePoolUsage, volumeSizes map[string]int64) *pod.DiscoveredMachine {
	machine := &pod.DiscoveredMachine{
		Hostname:     instance.Name,
		Architecture: pod.KernelToDebianArchitecture(instance.Architecture),
		Cores:        parseCores(instance.ExpandedConfig["limits.cpu"]),
		CPUSpeed:     pod.Unknown,
		Memory:       parseMemory(instance.ExpandedConfig["limits.memory"]),
		PowerState:   powerStateFromStatusCode(int(instance.StatusCode)),
		PowerParameters: map[string]any{
			"instance_name": instance.Name,
			"project":       instance.Project,
		},
		Interfaces:   []pod.DiscoveredMachineInterface{},
		BlockDevices: []pod.DiscoveredMachineBlockDevice{},
	}

	knownPools := map[string]bool{}
	for _, pool := range pools {
		knownPools[pool.Name] = true
	}
	for _, name := range deviceNames(instance.ExpandedDevices, "disk") {
		device := instance.ExpandedDevices[name]
		size, ok := volumeSizes[name]
		if !ok {
			sizeText := device["size"]
			if sizeText == "" {
				sizeText = defaultDiskSize
			}
			var err error
			size, err = parseSize(sizeText)
			if err != nil {
				log.WithError(err).WithFields(log.Fields{
					"instance": instance.Name,
					"device":   name,
				}).Warn("Invalid disk size; using the default")
				size, _ = parseSize(defaultDiskSize)
			}
		}
		disk := pod.DiscoveredMachineBlockDevice{
			Model:     "QEMU HARDDISK",
			Serial:    "lxd_" + name,
			IDPath:    "/dev/disk/by-id/scsi-0QEMU_QEMU_HARDDISK_lxd_" + name,
			Size:      size,
			BlockSize: blockSize,
			Type:      pod.BlockDeviceTypePhysical,
		}
		if pool := device["pool"]; pool != "" && (len(knownPools) == 0 || knownPools[pool]) {
			disk.StoragePool = pool
			disk.Tags = []string{pool}
		}
		machine.BlockDevices = append(machine.BlockDevices, disk)
	}

	macs := map[string]string{}
	nics := []string{}
	for _, name := range deviceNames(instance.ExpandedDevices, "nic") {
		mac := instance.ExpandedDevices[name]["hwaddr"]
		if mac == "" {
			mac = instance.ExpandedConfig["volatile."+name+".hwaddr"]
		}
		if mac == "" {
			log.WithFields(log.Fields{
				"instance": instance.Name,
				"device":   name,
			}).Warn("Skipping NIC without a MAC address")
			continue
		}
		macs[name] = mac
		nics = append(nics, name)
	}
	bootNIC := ""
	highest := -1
	for _, name := range nics {
		if priority := bootPriority(instance.ExpandedDevices[name]); priority > highest {
			bootNIC = name
			highest = priority
		}
	}
	for _, name := range nics {
		device := instance.ExpandedDevices[name]
		mac := macs[name]
		attachType, attachName := nicAttachment(device)
		machine.Interfaces = append(machine.Interfaces, pod.DiscoveredMachineInterface{
			MACAddress: mac,
			Boot:       name == bootNIC,
			AttachType: attachType,
			AttachName: attachName,
		})
	}
	return machine
}
