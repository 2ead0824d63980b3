package pods

import (
	"context"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/metalyard/region/datamodel/pod"
	"github.com/metalyard/region/server/agentcomm"
	agentcommtest "github.com/metalyard/region/server/agentcomm/test"
	dbops "github.com/metalyard/region/server/database"
	dbmodel "github.com/metalyard/region/server/database/model"
	dbtest "github.com/metalyard/region/server/database/test"
)

//go:generate mockgen -package=pods -destination=podclientmock_test.go github.com/metalyard/region/server/pods PodDriverClient,Commissioner

// Creates the in-memory database with the default settings.
func newTestDB(t *testing.T) dbops.DB {
	db := dbtest.NewMemoryDB(t)
	runTx(t, db, dbmodel.InitializeSettings)
	return db
}

// Runs the function in a transaction and requires it to succeed.
func runTx(t *testing.T, db dbops.DB, fn func(tx dbops.Tx) error) {
	t.Helper()
	require.NoError(t, db.Transaction(context.Background(), fn))
}

// Adds a composable pod at 10.0.0.1 reachable from a rack with the given
// system ID.
func addTestPod(t *testing.T, db dbops.DB, name string, rackSystemID string) *dbmodel.Pod {
	return addTestPodAt(t, db, name, rackSystemID, "10.0.0.1")
}

// Adds a composable pod at the address.
func addTestPodAt(t *testing.T, db dbops.DB, name string, rackSystemID string, address string) *dbmodel.Pod {
	p := dbmodel.NewPod(name, "lxd", map[string]any{"power_address": address})
	p.Capabilities = []string{string(pod.CapabilityComposable), string(pod.CapabilityStoragePools)}
	runTx(t, db, func(tx dbops.Tx) error {
		if _, err := dbmodel.SaveBMC(tx, p.AsBMC(), nil); err != nil {
			return err
		}
		if rackSystemID == "" {
			return nil
		}
		rack := &dbmodel.Node{SystemID: rackSystemID, Hostname: "rack-" + rackSystemID, NodeType: dbmodel.NodeTypeRackController}
		if err := dbmodel.AddNode(tx, rack); err != nil {
			return err
		}
		return dbops.Insert(tx, &dbmodel.BMCRoutableRack{BMCID: p.ID, RackControllerID: rack.ID, Routable: true})
	})
	return p
}

// Returns a discovered machine with one disk and an interface per MAC
// address. The first interface boots.
func newDiscoveredMachine(name string, macs ...string) pod.DiscoveredMachine {
	machine := pod.DiscoveredMachine{
		Hostname:        name,
		Architecture:    "amd64/generic",
		Cores:           2,
		CPUSpeed:        2400,
		Memory:          2048,
		PowerState:      pod.PowerStateOn,
		PowerParameters: map[string]any{"instance_name": name},
		BlockDevices: []pod.DiscoveredMachineBlockDevice{{
			Model:     "QEMU HARDDISK",
			Serial:    "lxd_root",
			IDPath:    "/dev/disk/by-id/scsi-0QEMU_QEMU_HARDDISK_lxd_root",
			Size:      10_000_000_000,
			BlockSize: 512,
			Type:      pod.BlockDeviceTypePhysical,
		}},
	}
	for i, mac := range macs {
		machine.Interfaces = append(machine.Interfaces, pod.DiscoveredMachineInterface{
			MACAddress: mac,
			Boot:       i == 0,
		})
	}
	return machine
}

// Client factory returning the client and recording the identifiers it
// was asked for.
type testClientFactory struct {
	client PodDriverClient
	err    error
	calls  [][]string
}

func (f *testClientFactory) getClient(ctx context.Context, systemIDs []string) (PodDriverClient, error) {
	f.calls = append(f.calls, systemIDs)
	if f.err != nil {
		return nil, f.err
	}
	return f.client, nil
}

// Test that the machine instance parameters extend the pod parameters.
func TestGetPodContext(t *testing.T) {
	p := dbmodel.NewPod("pod", "lxd", map[string]any{
		"power_address": "10.0.0.1",
		"project":       "default",
	})
	machine := &dbmodel.Node{InstancePowerParameters: map[string]any{
		"instance_name": "vm1",
		"project":       "maas",
	}}

	require.Equal(t, pod.Context{
		"power_address": "10.0.0.1",
		"project":       "default",
	}, getPodContext(p, nil))
	require.Equal(t, pod.Context{
		"power_address": "10.0.0.1",
		"project":       "maas",
		"instance_name": "vm1",
	}, getPodContext(p, machine))
	require.Equal(t, "default", p.PowerParameters["project"])
}

// Test that the routable racks come first among the client identifiers.
func TestGetClientIdentifiers(t *testing.T) {
	db := newTestDB(t)
	p := addTestPod(t, db, "pod", "")

	runTx(t, db, func(tx dbops.Tx) error {
		for i, routable := range []bool{false, true} {
			rack := &dbmodel.Node{SystemID: fmt.Sprintf("rack%d", i), NodeType: dbmodel.NodeTypeRackController}
			require.NoError(t, dbmodel.AddNode(tx, rack))
			require.NoError(t, dbops.Insert(tx, &dbmodel.BMCRoutableRack{BMCID: p.ID, RackControllerID: rack.ID, Routable: routable}))
		}
		systemIDs, err := getClientIdentifiers(tx, p.ID)
		require.NoError(t, err)
		require.Equal(t, []string{"rack1", "rack0"}, systemIDs)
		return nil
	})
}

// Test that the client factory picks a connected rack among the given
// ones or any rack when none is given.
func TestNewRackClientFactory(t *testing.T) {
	racks := agentcommtest.NewFakeRacks(nil, "abc123", "def456")
	getClient := NewRackClientFactory(racks)

	client, err := getClient(context.Background(), []string{"xyz", "def456"})
	require.NoError(t, err)
	require.Equal(t, "def456", client.Ident())

	client, err = getClient(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "abc123", client.Ident())

	getClient = NewRackClientFactory(agentcommtest.NewFakeRacks(nil))
	_, err = getClient(context.Background(), nil)
	var noConnections *agentcomm.NoConnectionsAvailableError
	require.True(t, errors.As(err, &noConnections))
}
