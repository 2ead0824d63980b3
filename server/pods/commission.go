package pods

import (
	"context"

	log "github.com/sirupsen/logrus"

	dbmodel "github.com/metalyard/region/server/database/model"
)

// Commissioner announcing the new machines to the operator. The machines
// stay in the commissioning state until the commissioning results are
// reported by the external commissioning service.
type loggingCommissioner struct{}

var _ Commissioner = (*loggingCommissioner)(nil)

// Creates the commissioner which only logs the machines awaiting the
// commissioning.
func NewLoggingCommissioner() Commissioner {
	return &loggingCommissioner{}
}

func (c *loggingCommissioner) Commission(ctx context.Context, machine *dbmodel.Node, user string) error {
	log.WithFields(log.Fields{
		"machine":   machine.Hostname,
		"system_id": machine.SystemID,
		"user":      user,
	}).Info("Machine is awaiting commissioning")
	return nil
}
