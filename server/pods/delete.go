package pods

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/metalyard/region/datamodel/pod"
	dbops "github.com/metalyard/region/server/database"
	dbmodel "github.com/metalyard/region/server/database/model"
)

// Machine of a pod being deleted as read before the driver calls.
type deletedMachine struct {
	id         int64
	hostname   string
	podContext pod.Context
}

// Pod being deleted as read before the driver calls.
type deletedPod struct {
	id        int64
	name      string
	powerType string
	systemIDs []string
	// Machines created by the region which must be decomposed.
	decompose []deletedMachine
	// Machines adopted from the hypervisor which are only removed.
	preExisting []int64
}

// Reads everything the deletion needs in one transaction.
func (m *Manager) snapshotPod(ctx context.Context, podID int64) (*deletedPod, error) {
	snapshot := &deletedPod{}
	err := m.db.Transaction(ctx, func(tx dbops.Tx) error {
		p, err := dbmodel.GetPod(tx, podID)
		if err != nil {
			return err
		}
		snapshot.id = p.ID
		snapshot.name = p.Name
		snapshot.powerType = p.PowerType
		if snapshot.systemIDs, err = getClientIdentifiers(tx, p.ID); err != nil {
			return err
		}
		machines, err := dbmodel.GetMachinesByBMC(tx, p.ID)
		if err != nil {
			return err
		}
		sort.Slice(machines, func(i, j int) bool {
			return machines[i].ID < machines[j].ID
		})
		for _, machine := range machines {
			if machine.CreationType == dbmodel.CreationTypePreExisting {
				snapshot.preExisting = append(snapshot.preExisting, machine.ID)
				continue
			}
			snapshot.decompose = append(snapshot.decompose, deletedMachine{
				id:         machine.ID,
				hostname:   machine.Hostname,
				podContext: getPodContext(p, machine),
			})
		}
		return nil
	})
	return snapshot, err
}

// Decomposes the machines one by one, getting a client for every machine.
// It stops on the first failure. The IDs of the decomposed machines are
// returned with the hints reported by the last driver call and the
// failure.
func (m *Manager) decomposeMachines(ctx context.Context, snapshot *deletedPod) ([]int64, *pod.DiscoveredPodHints, error) {
	var (
		decomposed []int64
		hints      *pod.DiscoveredPodHints
	)
	for _, machine := range snapshot.decompose {
		client, err := m.getClient(ctx, snapshot.systemIDs)
		if err != nil {
			return decomposed, hints, err
		}
		updated, err := client.Decompose(ctx, snapshot.powerType, snapshot.id, machine.podContext)
		if err != nil {
			var problem *pod.PodProblemError
			if errors.As(err, &problem) && problem.Hints != nil {
				hints = problem.Hints
			}
			return decomposed, hints, errors.WithMessagef(err, "problem decomposing machine %s of pod %s", machine.hostname, snapshot.name)
		}
		if updated != nil {
			hints = updated
		}
		decomposed = append(decomposed, machine.id)
		log.WithFields(log.Fields{
			"pod":     snapshot.name,
			"machine": machine.hostname,
			"rack":    client.Ident(),
		}).Info("Decomposed machine of deleted pod")
	}
	return decomposed, hints, nil
}

// Deletes the machine bypassing the decomposition check.
func deleteDecomposedMachine(tx dbops.Tx, machineID int64) error {
	machine, err := dbops.Get[dbmodel.Node](tx, machineID)
	if errors.Is(err, dbops.ErrNotFound) {
		return nil
	} else if err != nil {
		return err
	}
	machine.BMCID = 0
	if err := dbops.Update(tx, machine); err != nil {
		return err
	}
	return dbmodel.DeleteMachine(tx, machine)
}

// Deletes the pod with its machines. The machines composed by the region
// are decomposed first, outside of any transaction. When a decomposition
// fails the remaining machines are not decomposed, the already
// decomposed machines are deleted anyway, the pod is kept with the hints
// reported by the hypervisor and the failure is returned. The deletion
// can be retried then.
func (m *Manager) AsyncDelete(ctx context.Context, podID int64) error {
	snapshot, err := m.snapshotPod(ctx, podID)
	if err != nil {
		return err
	}

	decomposed, hints, decomposeErr := m.decomposeMachines(ctx, snapshot)

	// The machines are gone from the hypervisor so the cleanup must
	// complete even when the caller gave up.
	err = m.db.Transaction(context.Background(), func(tx dbops.Tx) error {
		for _, machineID := range decomposed {
			if err := deleteDecomposedMachine(tx, machineID); err != nil {
				return err
			}
		}
		if decomposeErr != nil {
			if hints != nil {
				return dbmodel.SetPodHints(tx, snapshot.id, *hints)
			}
			return nil
		}
		for _, machineID := range snapshot.preExisting {
			machine, err := dbops.Get[dbmodel.Node](tx, machineID)
			if errors.Is(err, dbops.ErrNotFound) {
				continue
			} else if err != nil {
				return err
			}
			if err := dbmodel.DeleteMachine(tx, machine); err != nil {
				return err
			}
		}
		p, err := dbmodel.GetPod(tx, snapshot.id)
		if err != nil {
			return err
		}
		return dbmodel.ForceDeletePod(tx, p)
	})
	if err != nil && decomposeErr != nil {
		log.WithError(err).WithField("pod", snapshot.name).Error("Failed to clean up after the failed decomposition")
		return errors.WithMessagef(decomposeErr, "problem deleting pod %s, cleanup failed: %s", snapshot.name, err)
	}
	if err != nil {
		return errors.WithMessagef(err, "problem deleting pod %s", snapshot.name)
	}
	if decomposeErr != nil {
		log.WithError(decomposeErr).WithFields(log.Fields{
			"pod":        snapshot.name,
			"decomposed": len(decomposed),
		}).Error("Failed to delete pod")
		return decomposeErr
	}
	log.WithField("pod", snapshot.name).Info("Deleted pod")
	return nil
}
