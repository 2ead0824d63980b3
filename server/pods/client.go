package pods

import (
	"context"

	"github.com/metalyard/region/datamodel/pod"
	"github.com/metalyard/region/server/agentcomm"
	dbmodel "github.com/metalyard/region/server/database/model"
)

// Pod driver operations executed on a rack controller. It is implemented
// by agentcomm.PodClient.
type PodDriverClient interface {
	Ident() string
	Discover(ctx context.Context, powerType string, podID int64, podContext pod.Context) (*pod.DiscoveredPod, error)
	Compose(ctx context.Context, powerType string, podID int64, podContext pod.Context, request pod.RequestedMachine) (*pod.DiscoveredMachine, *pod.DiscoveredPodHints, error)
	Decompose(ctx context.Context, powerType string, podID int64, podContext pod.Context) (*pod.DiscoveredPodHints, error)
}

var _ PodDriverClient = (*agentcomm.PodClient)(nil)

// Returns a client of a connected rack controller among the given ones.
// Any connected rack may be returned when no rack is given.
type ClientFactory func(ctx context.Context, systemIDs []string) (PodDriverClient, error)

// Returns the factory picking the clients among the connected racks.
func NewRackClientFactory(racks agentcomm.ConnectedRacks) ClientFactory {
	return func(ctx context.Context, systemIDs []string) (PodDriverClient, error) {
		if len(systemIDs) == 0 {
			clients := racks.GetAllClients()
			if len(clients) == 0 {
				return nil, agentcomm.NewNoConnectionsAvailableError()
			}
			return agentcomm.NewPodClient(clients[0]), nil
		}
		client, err := racks.GetClientFromIdentifiers(ctx, systemIDs)
		if err != nil {
			return nil, err
		}
		return agentcomm.NewPodClient(client), nil
	}
}

// Starts the commissioning of a new machine. It is invoked after the
// machine is committed.
type Commissioner interface {
	Commission(ctx context.Context, machine *dbmodel.Node, user string) error
}
