package dbmodel

import (
	dbops "github.com/metalyard/region/server/database"
)

// Status of a service running on a node.
type ServiceStatus string

// Service statuses.
const (
	ServiceStatusUnknown  ServiceStatus = "unknown"
	ServiceStatusRunning  ServiceStatus = "running"
	ServiceStatusDegraded ServiceStatus = "degraded"
	ServiceStatusDead     ServiceStatus = "dead"
	ServiceStatusOff      ServiceStatus = "off"
)

// Service of a node as last reported or derived by the region.
type Service struct {
	tableName  struct{}      `pg:"service"` //nolint:unused
	ID         int64         `pg:"id,pk"`
	NodeID     int64         `pg:"node_id"`
	Name       string        `pg:"name"`
	Status     ServiceStatus `pg:"status"`
	StatusInfo string        `pg:"status_info"`
}

func init() {
	dbops.RegisterTable("service", (*Service)(nil),
		dbops.Index{Name: "node_id", Field: "NodeID"})
}

// Sets the status of the service on the node. The service row is
// created when missing.
func UpdateServiceStatus(tx dbops.Tx, nodeID int64, name string, status ServiceStatus, info string) error {
	services, err := dbops.FindBy[Service](tx, "node_id", nodeID)
	if err != nil {
		return err
	}
	for _, service := range services {
		if service.Name != name {
			continue
		}
		service.Status = status
		service.StatusInfo = info
		return dbops.Update(tx, service)
	}
	return dbops.Insert(tx, &Service{NodeID: nodeID, Name: name, Status: status, StatusInfo: info})
}

// Returns the service of the node by name.
func GetService(tx dbops.Tx, nodeID int64, name string) (*Service, error) {
	services, err := dbops.FindBy[Service](tx, "node_id", nodeID)
	if err != nil {
		return nil, err
	}
	for _, service := range services {
		if service.Name == name {
			return service, nil
		}
	}
	return nil, dbops.ErrNotFound
}

// Returns all services ordered by ID.
func GetAllServices(tx dbops.Tx) ([]*Service, error) {
	return dbops.List[Service](tx)
}
