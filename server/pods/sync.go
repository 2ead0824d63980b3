package pods

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"github.com/metalyard/region/datamodel/pod"
	dbops "github.com/metalyard/region/server/database"
	dbmodel "github.com/metalyard/region/server/database/model"
)

// Replaces the pod capacity, hints, storage pools and tags with the
// discovered ones and reconciles its machines. The machines created by
// the synchronization are commissioned after the transaction commits.
func (m *Manager) Sync(ctx context.Context, podID int64, discovered *pod.DiscoveredPod, user string) error {
	if discovered == nil {
		return errors.New("no discovered pod to synchronize")
	}
	var created []*dbmodel.Node
	err := m.db.Transaction(ctx, func(tx dbops.Tx) (err error) {
		p, err := dbmodel.GetPod(tx, podID)
		if err != nil {
			return err
		}
		created, err = SyncPod(tx, p, discovered, user)
		return err
	})
	if err != nil {
		return err
	}
	m.commission(ctx, created, user)
	return nil
}

// Synchronizes the pod within the transaction. It returns the machines
// created because the pod reported them for the first time.
func SyncPod(tx dbops.Tx, p *dbmodel.Pod, discovered *pod.DiscoveredPod, user string) ([]*dbmodel.Node, error) {
	if discovered.Name != "" && p.Name == "" {
		p.Name = discovered.Name
	}
	p.Architectures = discovered.Architectures
	p.Capabilities = lo.Map(discovered.Capabilities, func(c pod.Capability, _ int) string {
		return string(c)
	})
	p.Cores = discovered.Cores
	p.CPUSpeed = discovered.CPUSpeed
	p.Memory = discovered.Memory
	p.LocalStorage = discovered.LocalStorage
	p.LocalDisks = discovered.LocalDisks
	p.ISCSIStorage = discovered.ISCSIStorage
	p.Tags = syncTagNames(p.Tags, discovered.Tags)

	if err := dbmodel.SetPodHints(tx, p.ID, discovered.Hints); err != nil {
		return nil, err
	}
	if err := syncStoragePools(tx, p, discovered.StoragePools); err != nil {
		return nil, err
	}
	if err := dbops.Update(tx, p.AsBMC()); err != nil {
		return nil, errors.WithMessagef(err, "problem updating pod %s", p.Name)
	}
	return syncMachines(tx, p, discovered.Machines, user)
}

// Returns the current names kept in the discovered set followed by the
// discovered names missing from the current ones.
func syncTagNames(current, discovered []string) []string {
	discovered = lo.Uniq(lo.Compact(discovered))
	kept := lo.Filter(current, func(name string, _ int) bool {
		return lo.Contains(discovered, name)
	})
	added, _ := lo.Difference(discovered, kept)
	return append(kept, added...)
}

// Reconciles the storage pools of the pod by the pool ID reported by the
// driver. The default pool is set to the first pool when it is not set or
// the pool no longer exists.
func syncStoragePools(tx dbops.Tx, p *dbmodel.Pod, discovered []pod.DiscoveredPodStoragePool) error {
	existing, err := dbmodel.GetPodStoragePools(tx, p.ID)
	if err != nil {
		return err
	}
	byPoolID := lo.KeyBy(existing, func(pool *dbmodel.PodStoragePool) string {
		return pool.PoolID
	})
	var synced []*dbmodel.PodStoragePool
	for _, d := range discovered {
		pool, ok := byPoolID[d.ID]
		if ok {
			delete(byPoolID, d.ID)
		} else {
			pool = &dbmodel.PodStoragePool{PodID: p.ID, PoolID: d.ID}
		}
		pool.Name = d.Name
		pool.PoolType = d.Type
		pool.Path = d.Path
		pool.Storage = d.Storage
		if pool.ID == 0 {
			err = dbops.Insert(tx, pool)
		} else {
			err = dbops.Update(tx, pool)
		}
		if err != nil {
			return errors.WithMessagef(err, "problem saving storage pool %s of pod %s", d.Name, p.Name)
		}
		synced = append(synced, pool)
	}
	for _, pool := range byPoolID {
		if err := dbops.Delete(tx, pool); err != nil {
			return err
		}
	}
	_, defaultExists := lo.Find(synced, func(pool *dbmodel.PodStoragePool) bool {
		return pool.ID == p.DefaultStoragePoolID
	})
	if !defaultExists {
		p.DefaultStoragePoolID = 0
		if len(synced) > 0 {
			p.DefaultStoragePoolID = synced[0].ID
		}
	}
	return nil
}

// Returns the existing machines owning any of the discovered MAC
// addresses keyed by the normalized MAC, regardless of the pod owning
// them.
func getMachinesByMAC(tx dbops.Tx, discovered []pod.DiscoveredMachine) (map[string]*dbmodel.Node, error) {
	machines := map[string]*dbmodel.Node{}
	for i := range discovered {
		for _, mac := range discovered[i].MACAddresses() {
			normalized, err := dbmodel.NormalizeMACAddress(mac)
			if err != nil {
				continue
			}
			if _, ok := machines[normalized]; ok {
				continue
			}
			interfaces, err := dbmodel.GetInterfacesByMAC(tx, normalized)
			if err != nil {
				return nil, err
			}
			for _, iface := range interfaces {
				node, err := dbops.Get[dbmodel.Node](tx, iface.NodeID)
				if err != nil {
					return nil, err
				}
				if node.IsMachine() {
					machines[normalized] = node
					break
				}
			}
		}
	}
	return machines, nil
}

// Returns the existing machine matching any interface of the discovered
// machine. The first match wins.
func matchMachine(machines map[string]*dbmodel.Node, discovered *pod.DiscoveredMachine) *dbmodel.Node {
	for _, mac := range discovered.MACAddresses() {
		normalized, err := dbmodel.NormalizeMACAddress(mac)
		if err != nil {
			continue
		}
		if machine, ok := machines[normalized]; ok {
			return machine
		}
	}
	return nil
}

// Logs a machine moving to the pod from no BMC, another BMC or another
// pod.
func logOwnershipTransfer(tx dbops.Tx, p *dbmodel.Pod, machine *dbmodel.Node) error {
	if machine.BMCID == p.ID {
		return nil
	}
	fields := log.Fields{
		"pod":     p.Name,
		"machine": machine.Hostname,
	}
	if machine.BMCID == 0 {
		log.WithFields(fields).Warn("Machine without a BMC was moved to the pod")
		return nil
	}
	previous, err := dbops.Get[dbmodel.BMC](tx, machine.BMCID)
	if errors.Is(err, dbops.ErrNotFound) {
		log.WithFields(fields).Warn("Machine of a removed BMC was moved to the pod")
		return nil
	} else if err != nil {
		return err
	}
	fields["previous"] = previous.Name
	if previous.IsPod() {
		log.WithFields(fields).Warn("Machine was moved to the pod from another pod")
	} else {
		log.WithFields(fields).Warn("Machine was moved to the pod from a BMC")
	}
	return nil
}

// Returns the host name unless it is empty or used by another node. An
// empty name makes the new machine get a random one.
func getFreeHostname(tx dbops.Tx, hostname string) (string, error) {
	if hostname == "" {
		return "", nil
	}
	_, err := dbops.First[dbmodel.Node](tx, "hostname", hostname)
	switch {
	case errors.Is(err, dbops.ErrNotFound):
		return hostname, nil
	case err != nil:
		return "", err
	default:
		return "", nil
	}
}

// Reconciles the machines of the pod with the discovered ones. A known
// machine is matched by any of its MAC addresses and updated, an unknown
// one is created and the machines of the pod missing from the discovered
// ones are deleted. The created machines are returned.
func syncMachines(tx dbops.Tx, p *dbmodel.Pod, discovered []pod.DiscoveredMachine, user string) ([]*dbmodel.Node, error) {
	byMAC, err := getMachinesByMAC(tx, discovered)
	if err != nil {
		return nil, err
	}
	owned, err := dbmodel.GetMachinesByBMC(tx, p.ID)
	if err != nil {
		return nil, err
	}
	remaining := lo.KeyBy(owned, func(machine *dbmodel.Node) int64 {
		return machine.ID
	})
	poolIDs, err := getStoragePoolIDs(tx, p.ID)
	if err != nil {
		return nil, err
	}

	created := []*dbmodel.Node{}
	for i := range discovered {
		dm := &discovered[i]
		existing := matchMachine(byMAC, dm)
		if existing == nil {
			hostname, err := getFreeHostname(tx, dm.Hostname)
			if err != nil {
				return nil, err
			}
			machine, err := CreateMachine(tx, p, dm, CreateMachineOptions{
				CreationType: dbmodel.CreationTypePreExisting,
				Hostname:     hostname,
				User:         user,
			})
			if err != nil {
				return nil, errors.WithMessagef(err, "problem creating discovered machine %s", dm.Hostname)
			}
			log.WithFields(log.Fields{
				"pod":     p.Name,
				"machine": machine.Hostname,
			}).Info("Discovered new machine")
			created = append(created, machine)
			continue
		}
		// The machine may have been read before an earlier iteration
		// changed it.
		machine, err := dbops.Get[dbmodel.Node](tx, existing.ID)
		if err != nil {
			return nil, err
		}
		if err := logOwnershipTransfer(tx, p, machine); err != nil {
			return nil, err
		}
		machine.BMCID = p.ID
		machine.PowerState = string(dm.PowerState)
		machine.InstancePowerParameters = dm.PowerParameters
		machine.Architecture = dm.Architecture
		machine.CPUCount = dm.Cores
		machine.CPUSpeed = dm.CPUSpeed
		machine.Memory = dm.Memory
		if err := dbops.Update(tx, machine); err != nil {
			return nil, err
		}
		if err := syncBlockDevices(tx, machine, dm.BlockDevices, poolIDs); err != nil {
			return nil, err
		}
		if err := syncInterfaces(tx, machine, dm.Interfaces); err != nil {
			return nil, err
		}
		if err := dbmodel.SetNodeTags(tx, machine.ID, dm.Tags); err != nil {
			return nil, err
		}
		delete(remaining, machine.ID)
	}

	orphans := lo.Values(remaining)
	sort.Slice(orphans, func(i, j int) bool {
		return orphans[i].ID < orphans[j].ID
	})
	for _, orphan := range orphans {
		machine, err := dbops.Get[dbmodel.Node](tx, orphan.ID)
		if err != nil {
			return nil, err
		}
		machine.BMCID = 0
		if err := dbops.Update(tx, machine); err != nil {
			return nil, err
		}
		if err := dbmodel.DeleteMachine(tx, machine); err != nil {
			return nil, errors.WithMessagef(err, "problem deleting machine %s", machine.Hostname)
		}
		log.WithFields(log.Fields{
			"pod":     p.Name,
			"machine": machine.Hostname,
		}).Warn("Machine no longer exists in the pod; deleted it")
	}
	return created, nil
}

// Returns the key identifying the block device across discoveries:
// model and serial when both are known, otherwise the path for physical
// devices and the target for iSCSI ones.
func blockDeviceKey(deviceType pod.BlockDeviceType, model, serial, idPath, target string) string {
	if deviceType == pod.BlockDeviceTypeISCSI {
		return "iscsi:" + target
	}
	if model != "" && serial != "" {
		return "physical:" + model + "/" + serial
	}
	return "path:" + idPath
}

// Reconciles the block devices of the machine. Only the size, the block
// size and the tags of the matched devices are updated. The unmatched
// existing devices are deleted and the unmatched discovered ones created
// with the first free name.
func syncBlockDevices(tx dbops.Tx, machine *dbmodel.Node, discovered []pod.DiscoveredMachineBlockDevice, poolIDs map[string]int64) error {
	existing, err := dbmodel.GetBlockDevicesByNode(tx, machine.ID)
	if err != nil {
		return err
	}
	byKey := map[string]*dbmodel.BlockDevice{}
	for _, device := range existing {
		byKey[blockDeviceKey(device.Type, device.Model, device.Serial, device.IDPath, device.Target)] = device
	}
	matched := map[int64]bool{}

	var unmatched []*pod.DiscoveredMachineBlockDevice
	for i := range discovered {
		d := &discovered[i]
		key := blockDeviceKey(d.Type, d.Model, d.Serial, d.IDPath, d.ISCSITarget)
		device, ok := byKey[key]
		if !ok {
			unmatched = append(unmatched, d)
			continue
		}
		delete(byKey, key)
		matched[device.ID] = true
		device.Size = d.Size
		if d.BlockSize != 0 {
			device.BlockSize = d.BlockSize
		}
		device.Tags = d.Tags
		if err := dbops.Update(tx, device); err != nil {
			return err
		}
	}

	usedNames := map[string]bool{}
	for _, device := range existing {
		if !matched[device.ID] {
			if err := dbmodel.DeleteBlockDevice(tx, device); err != nil {
				return err
			}
			continue
		}
		usedNames[device.Name] = true
	}

	index := 0
	for _, d := range unmatched {
		for usedNames[dbmodel.BlockDeviceName(index)] {
			index++
		}
		name := dbmodel.BlockDeviceName(index)
		device, err := newBlockDevice(machine.ID, name, d, poolIDs)
		if err != nil {
			return err
		}
		if err := dbmodel.AddBlockDevice(tx, device); err != nil {
			return err
		}
		usedNames[name] = true
	}
	return nil
}

// Reconciles the interfaces of the machine by the MAC address. The
// unmatched existing physical interfaces are deleted and the unmatched
// discovered ones created. The discovered boot interface becomes the boot
// interface of the machine.
func syncInterfaces(tx dbops.Tx, machine *dbmodel.Node, discovered []pod.DiscoveredMachineInterface) error {
	existing, err := dbmodel.GetInterfacesByNode(tx, machine.ID)
	if err != nil {
		return err
	}
	byMAC := map[string]*dbmodel.Interface{}
	for _, iface := range existing {
		if iface.MACAddress != "" {
			byMAC[iface.MACAddress] = iface
		}
	}

	discovered = getUsableInterfaces(machine.Hostname, discovered)
	seen := map[string]bool{}
	bootMAC := ""
	var unmatched []*pod.DiscoveredMachineInterface
	for i := range discovered {
		nic := &discovered[i]
		mac, err := dbmodel.NormalizeMACAddress(nic.MACAddress)
		if err != nil {
			return err
		}
		seen[mac] = true
		if nic.Boot && bootMAC == "" {
			bootMAC = mac
		}
		iface, ok := byMAC[mac]
		if !ok {
			unmatched = append(unmatched, nic)
			continue
		}
		if missing, extra := lo.Difference(iface.Tags, nic.Tags); len(missing) > 0 || len(extra) > 0 {
			iface.Tags = nic.Tags
			if err := dbops.Update(tx, iface); err != nil {
				return err
			}
		}
	}

	for _, iface := range existing {
		if iface.Type == dbmodel.InterfaceTypePhysical && !seen[iface.MACAddress] {
			if err := dbmodel.DeleteInterface(tx, iface); err != nil {
				return err
			}
		}
	}
	for _, nic := range unmatched {
		name, err := dbmodel.NextInterfaceName(tx, machine.ID)
		if err != nil {
			return err
		}
		iface := &dbmodel.Interface{
			NodeID:     machine.ID,
			Name:       name,
			Type:       dbmodel.InterfaceTypePhysical,
			MACAddress: nic.MACAddress,
			Enabled:    true,
			Tags:       nic.Tags,
		}
		if nic.Boot {
			vlan, err := getBootVLAN(tx)
			if err != nil {
				return err
			}
			iface.VLANID = vlan.ID
		}
		if err := dbmodel.AddInterface(tx, iface); err != nil {
			return err
		}
	}

	if bootMAC == "" {
		return nil
	}
	interfaces, err := dbmodel.GetInterfacesByMAC(tx, bootMAC)
	if err != nil {
		return err
	}
	for _, iface := range interfaces {
		if iface.NodeID != machine.ID {
			continue
		}
		// Deleting interfaces may have changed the stored row.
		current, err := dbops.Get[dbmodel.Node](tx, machine.ID)
		if err != nil {
			return err
		}
		if current.BootInterfaceID != iface.ID {
			current.BootInterfaceID = iface.ID
			if err := dbops.Update(tx, current); err != nil {
				return err
			}
		}
		*machine = *current
		break
	}
	return nil
}
