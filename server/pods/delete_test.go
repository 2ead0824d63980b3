package pods

import (
	"context"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/metalyard/region/datamodel/pod"
	"github.com/metalyard/region/server/agentcomm"
	dbops "github.com/metalyard/region/server/database"
	dbmodel "github.com/metalyard/region/server/database/model"
)

// Adds the composed machines and one machine adopted from the hypervisor
// to the pod. The IDs of the composed machines are returned first.
func addTestPodMachines(t *testing.T, db dbops.DB, p *dbmodel.Pod, composed ...string) (composedIDs []int64, preExistingID int64) {
	runTx(t, db, func(tx dbops.Tx) error {
		for i, name := range composed {
			discovered := newDiscoveredMachine(name, fmt.Sprintf("00:16:3e:00:01:%02x", i+1))
			machine, err := CreateMachine(tx, p, &discovered, CreateMachineOptions{
				CreationType: dbmodel.CreationTypeDynamic,
				Hostname:     name,
			})
			require.NoError(t, err)
			composedIDs = append(composedIDs, machine.ID)
		}
		discovered := newDiscoveredMachine("adopted", "00:16:3e:00:02:01")
		machine, err := CreateMachine(tx, p, &discovered, CreateMachineOptions{Hostname: "adopted"})
		require.NoError(t, err)
		preExistingID = machine.ID
		return nil
	})
	return composedIDs, preExistingID
}

// Checks whether the node exists.
func nodeExists(t *testing.T, db dbops.DB, id int64) (exists bool) {
	runTx(t, db, func(tx dbops.Tx) error {
		_, err := dbops.Get[dbmodel.Node](tx, id)
		if errors.Is(err, dbops.ErrNotFound) {
			return nil
		}
		exists = true
		return err
	})
	return exists
}

// Checks whether the pod exists.
func podExists(t *testing.T, db dbops.DB, id int64) (exists bool) {
	runTx(t, db, func(tx dbops.Tx) error {
		_, err := dbmodel.GetPod(tx, id)
		if errors.Is(err, dbops.ErrNotFound) {
			return nil
		}
		exists = true
		return err
	})
	return exists
}

// Returns the driver context of the machine of the test pod.
func machineContext(name string) pod.Context {
	return pod.Context{"power_address": "10.0.0.1", "instance_name": name}
}

// Test that the composed machines are decomposed in order and the pod is
// deleted with all its machines.
func TestAsyncDelete(t *testing.T) {
	ctrl := gomock.NewController(t)
	db := newTestDB(t)
	p := addTestPod(t, db, "pod", "abc123")
	composed, preExisting := addTestPodMachines(t, db, p, "vm1", "vm2")

	client := NewMockPodDriverClient(ctrl)
	client.EXPECT().Ident().Return("abc123").AnyTimes()
	gomock.InOrder(
		client.EXPECT().Decompose(gomock.Any(), "lxd", p.ID, machineContext("vm1")).Return(nil, nil),
		client.EXPECT().Decompose(gomock.Any(), "lxd", p.ID, machineContext("vm2")).Return(nil, nil),
	)
	factory := &testClientFactory{client: client}
	manager := NewManager(db, factory.getClient, nil)

	require.NoError(t, manager.AsyncDelete(context.Background(), p.ID))

	require.Equal(t, [][]string{{"abc123"}, {"abc123"}}, factory.calls)
	require.False(t, podExists(t, db, p.ID))
	require.False(t, nodeExists(t, db, composed[0]))
	require.False(t, nodeExists(t, db, composed[1]))
	require.False(t, nodeExists(t, db, preExisting))
	runTx(t, db, func(tx dbops.Tx) error {
		hints, err := dbops.FindBy[dbmodel.PodHints](tx, "pod_id", p.ID)
		require.NoError(t, err)
		require.Empty(t, hints)
		return nil
	})
}

// Test that the deletion stops on the first failed decomposition. The
// decomposed machine is deleted while the other machines and the pod are
// kept with the hints reported with the failure.
func TestAsyncDeletePartialFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	db := newTestDB(t)
	p := addTestPod(t, db, "pod", "abc123")
	composed, preExisting := addTestPodMachines(t, db, p, "vm1", "vm2", "vm3")

	afterFirst := pod.DiscoveredPodHints{Cores: 6, CPUSpeed: -1, Memory: 6144, LocalStorage: -1, LocalDisks: -1, ISCSIStorage: -1}
	afterFailure := pod.DiscoveredPodHints{Cores: 5, CPUSpeed: -1, Memory: 5120, LocalStorage: -1, LocalDisks: -1, ISCSIStorage: -1}

	client := NewMockPodDriverClient(ctrl)
	client.EXPECT().Ident().Return("abc123").AnyTimes()
	gomock.InOrder(
		client.EXPECT().Decompose(gomock.Any(), "lxd", p.ID, machineContext("vm1")).Return(&afterFirst, nil),
		client.EXPECT().Decompose(gomock.Any(), "lxd", p.ID, machineContext("vm2")).
			Return(nil, &pod.PodProblemError{Message: "instance vm2 is busy", Hints: &afterFailure}),
	)
	factory := &testClientFactory{client: client}
	manager := NewManager(db, factory.getClient, nil)

	err := manager.AsyncDelete(context.Background(), p.ID)
	var problem *pod.PodProblemError
	require.True(t, errors.As(err, &problem))
	require.Contains(t, err.Error(), "vm2")

	require.Len(t, factory.calls, 2)
	require.True(t, podExists(t, db, p.ID))
	require.False(t, nodeExists(t, db, composed[0]))
	require.True(t, nodeExists(t, db, composed[1]))
	require.True(t, nodeExists(t, db, composed[2]))
	require.True(t, nodeExists(t, db, preExisting))

	runTx(t, db, func(tx dbops.Tx) error {
		hints, err := dbmodel.GetPodHints(tx, p.ID)
		require.NoError(t, err)
		require.EqualValues(t, 5, hints.Cores)
		require.EqualValues(t, 5120, hints.Memory)
		machines, err := dbmodel.GetMachinesByBMC(tx, p.ID)
		require.NoError(t, err)
		require.Len(t, machines, 3)
		return nil
	})

	// The retry decomposes the rest.
	gomock.InOrder(
		client.EXPECT().Decompose(gomock.Any(), "lxd", p.ID, machineContext("vm2")).Return(nil, nil),
		client.EXPECT().Decompose(gomock.Any(), "lxd", p.ID, machineContext("vm3")).Return(nil, nil),
	)
	require.NoError(t, manager.AsyncDelete(context.Background(), p.ID))
	require.False(t, podExists(t, db, p.ID))
	require.False(t, nodeExists(t, db, preExisting))
}

// Database failing the transactions once armed.
type failingDB struct {
	dbops.DB
	armed bool
}

func (db *failingDB) Transaction(ctx context.Context, fn func(tx dbops.Tx) error) error {
	if db.armed {
		return errors.New("connection lost")
	}
	return db.DB.Transaction(ctx, fn)
}

// Test that both the decomposition failure and the failed cleanup are
// reported.
func TestAsyncDeleteCleanupFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	db := &failingDB{DB: newTestDB(t)}
	p := addTestPod(t, db, "pod", "abc123")
	composed, _ := addTestPodMachines(t, db, p, "vm1", "vm2")

	client := NewMockPodDriverClient(ctrl)
	client.EXPECT().Ident().Return("abc123").AnyTimes()
	gomock.InOrder(
		client.EXPECT().Decompose(gomock.Any(), "lxd", p.ID, machineContext("vm1")).Return(nil, nil),
		client.EXPECT().Decompose(gomock.Any(), "lxd", p.ID, machineContext("vm2")).
			DoAndReturn(func(ctx context.Context, powerType string, podID int64, podContext pod.Context) (*pod.DiscoveredPodHints, error) {
				db.armed = true
				return nil, &pod.PodProblemError{Message: "instance vm2 is busy"}
			}),
	)
	manager := NewManager(db, (&testClientFactory{client: client}).getClient, nil)

	err := manager.AsyncDelete(context.Background(), p.ID)
	var problem *pod.PodProblemError
	require.True(t, errors.As(err, &problem))
	require.Contains(t, err.Error(), "vm2")
	require.Contains(t, err.Error(), "connection lost")

	db.armed = false
	require.True(t, podExists(t, db, p.ID))
	require.True(t, nodeExists(t, db, composed[0]))
}

// Test that the hints reported by the last successful decomposition are
// stored when the failure carries none.
func TestAsyncDeleteKeepsLastHints(t *testing.T) {
	ctrl := gomock.NewController(t)
	db := newTestDB(t)
	p := addTestPod(t, db, "pod", "abc123")
	addTestPodMachines(t, db, p, "vm1", "vm2")

	afterFirst := pod.DiscoveredPodHints{Cores: 7, CPUSpeed: -1, Memory: -1, LocalStorage: -1, LocalDisks: -1, ISCSIStorage: -1}
	client := NewMockPodDriverClient(ctrl)
	client.EXPECT().Ident().Return("abc123").AnyTimes()
	gomock.InOrder(
		client.EXPECT().Decompose(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(&afterFirst, nil),
		client.EXPECT().Decompose(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, errors.New("connection reset")),
	)
	manager := NewManager(db, (&testClientFactory{client: client}).getClient, nil)

	require.ErrorContains(t, manager.AsyncDelete(context.Background(), p.ID), "connection reset")
	runTx(t, db, func(tx dbops.Tx) error {
		hints, err := dbmodel.GetPodHints(tx, p.ID)
		require.NoError(t, err)
		require.EqualValues(t, 7, hints.Cores)
		return nil
	})
}

// Test that nothing is deleted when no rack can reach the pod.
func TestAsyncDeleteNoRack(t *testing.T) {
	db := newTestDB(t)
	p := addTestPod(t, db, "pod", "abc123")
	composed, preExisting := addTestPodMachines(t, db, p, "vm1")

	factory := &testClientFactory{err: agentcomm.NewNoConnectionsAvailableError("abc123")}
	manager := NewManager(db, factory.getClient, nil)

	err := manager.AsyncDelete(context.Background(), p.ID)
	var noConnections *agentcomm.NoConnectionsAvailableError
	require.True(t, errors.As(err, &noConnections))
	require.True(t, podExists(t, db, p.ID))
	require.True(t, nodeExists(t, db, composed[0]))
	require.True(t, nodeExists(t, db, preExisting))
}

// Test that a pod with adopted machines only is deleted without
// contacting any rack.
func TestAsyncDeleteNothingToDecompose(t *testing.T) {
	db := newTestDB(t)
	p := addTestPod(t, db, "pod", "")
	_, preExisting := addTestPodMachines(t, db, p)

	factory := &testClientFactory{err: agentcomm.NewNoConnectionsAvailableError()}
	manager := NewManager(db, factory.getClient, nil)

	require.NoError(t, manager.AsyncDelete(context.Background(), p.ID))
	require.Empty(t, factory.calls)
	require.False(t, podExists(t, db, p.ID))
	require.False(t, nodeExists(t, db, preExisting))
}

// Test that the pod cannot be deleted synchronously.
func TestDeleteBMCRejectsPod(t *testing.T) {
	db := newTestDB(t)
	p := addTestPod(t, db, "pod", "")

	err := db.Transaction(context.Background(), func(tx dbops.Tx) error {
		return dbmodel.DeleteBMC(tx, p.AsBMC())
	})
	require.ErrorIs(t, err, dbmodel.ErrPodDeleteRequiresAsync)
	require.True(t, podExists(t, db, p.ID))
}
