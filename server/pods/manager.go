// Package pods reconciles the pods, i.e. the hypervisors able to compose
// virtual machines, with their machines recorded in the database. The
// driver calls are executed on the rack controllers and never within a
// database transaction.
package pods

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/metalyard/region/datamodel/pod"
	dbops "github.com/metalyard/region/server/database"
	dbmodel "github.com/metalyard/region/server/database/model"
)

// Manages the lifecycle of the pods and their machines.
type Manager struct {
	db           dbops.DB
	getClient    ClientFactory
	commissioner Commissioner
}

// Creates the manager. The commissioner may be nil in which case the new
// machines are left in the commissioning state.
func NewManager(db dbops.DB, getClient ClientFactory, commissioner Commissioner) *Manager {
	return &Manager{
		db:           db,
		getClient:    getClient,
		commissioner: commissioner,
	}
}

// Returns the driver facing context of the pod. The instance parameters
// of the machine are merged in when the machine is given.
func getPodContext(p *dbmodel.Pod, machine *dbmodel.Node) pod.Context {
	podContext := pod.Context{}
	for key, value := range p.PowerParameters {
		podContext[key] = value
	}
	if machine != nil {
		for key, value := range machine.InstancePowerParameters {
			podContext[key] = value
		}
	}
	return podContext
}

// Context key of the default storage pool, identified by the pool ID
// reported by the driver.
const defaultStoragePoolKey = "default_storage_pool_id"

// Returns the driver facing context for composing a machine in the pod.
// The configured default storage pool is added when it still exists.
func getComposeContext(tx dbops.Tx, p *dbmodel.Pod) (pod.Context, error) {
	podContext := getPodContext(p, nil)
	if p.DefaultStoragePoolID == 0 {
		return podContext, nil
	}
	pool, err := dbops.Get[dbmodel.PodStoragePool](tx, p.DefaultStoragePoolID)
	if errors.Is(err, dbops.ErrNotFound) {
		return podContext, nil
	} else if err != nil {
		return nil, err
	}
	podContext[defaultStoragePoolKey] = pool.PoolID
	return podContext, nil
}

// Returns the system IDs of the racks able to reach the pod. The routable
// racks come first.
func getClientIdentifiers(tx dbops.Tx, podID int64) ([]string, error) {
	rackIDs, err := dbmodel.GetRoutableRackIDs(tx, podID)
	if err != nil {
		return nil, err
	}
	systemIDs := make([]string, 0, len(rackIDs))
	for _, rackID := range rackIDs {
		rack, err := dbops.Get[dbmodel.Node](tx, rackID)
		if errors.Is(err, dbops.ErrNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		systemIDs = append(systemIDs, rack.SystemID)
	}
	return systemIDs, nil
}

// Starts the commissioning of the machines outside of the transaction
// which created them.
func (m *Manager) commission(ctx context.Context, machines []*dbmodel.Node, user string) {
	if m.commissioner == nil {
		return
	}
	for _, machine := range machines {
		if machine.Status != dbmodel.NodeStatusCommissioning {
			continue
		}
		if err := m.commissioner.Commission(ctx, machine, user); err != nil {
			log.WithError(err).WithField("machine", machine.Hostname).Error("Failed to start commissioning")
		}
	}
}
