package agentcomm

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	dbops "github.com/metalyard/region/server/database"
	dbmodel "github.com/metalyard/region/server/database/model"
)

// Registers the agents of the rack controllers having an agent address
// and forgets the racks which no longer have one. It returns the number
// of registered racks.
func (racks *RackConnections) RegisterFromDB(ctx context.Context, db dbops.DB) (int, error) {
	var nodes []*dbmodel.Node
	err := db.Transaction(ctx, func(tx dbops.Tx) (err error) {
		nodes, err = dbmodel.GetRackControllers(tx)
		return err
	})
	if err != nil {
		return 0, errors.WithMessage(err, "problem getting rack controllers")
	}

	registered := map[string]bool{}
	for _, node := range nodes {
		if node.AgentAddress == "" {
			continue
		}
		if err := racks.Register(node.SystemID, node.AgentAddress); err != nil {
			log.WithError(err).WithField("rack", node.SystemID).Error("Failed to register rack agent")
			continue
		}
		registered[node.SystemID] = true
	}

	racks.mutex.RLock()
	stale := []string{}
	for systemID := range racks.racks {
		if !registered[systemID] {
			stale = append(stale, systemID)
		}
	}
	racks.mutex.RUnlock()
	for _, systemID := range stale {
		racks.Unregister(systemID)
	}
	return len(registered), nil
}
