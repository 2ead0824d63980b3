package agentcomm

import (
	"context"

	agentapi "github.com/metalyard/region/api"
	"github.com/metalyard/region/datamodel/pod"
)

// Calls the pod driver commands on a rack.
type PodClient struct {
	client RackClient
}

// Wraps the rack client.
func NewPodClient(client RackClient) *PodClient {
	return &PodClient{client: client}
}

// Returns the system ID of the rack.
func (c *PodClient) Ident() string {
	return c.client.Ident()
}

func podArgs(powerType string, podID int64, podContext pod.Context) agentapi.PodArgs {
	return agentapi.PodArgs{Type: powerType, PodID: podID, Context: podContext}
}

// Discovers the pod.
func (c *PodClient) Discover(ctx context.Context, powerType string, podID int64, podContext pod.Context) (*pod.DiscoveredPod, error) {
	args := podArgs(powerType, podID, podContext)
	discovered := &pod.DiscoveredPod{}
	if err := c.client.Call(ctx, agentapi.DiscoverPod, &args, discovered); err != nil {
		return nil, err
	}
	return discovered, nil
}

// Composes a machine in the pod.
func (c *PodClient) Compose(ctx context.Context, powerType string, podID int64, podContext pod.Context, request pod.RequestedMachine) (*pod.DiscoveredMachine, *pod.DiscoveredPodHints, error) {
	args := agentapi.ComposeArgs{PodArgs: podArgs(powerType, podID, podContext), Request: request}
	result := &agentapi.ComposeResult{}
	if err := c.client.Call(ctx, agentapi.ComposeMachine, &args, result); err != nil {
		return nil, nil, err
	}
	return &result.Machine, &result.Hints, nil
}

// Decomposes the machine named in the context.
func (c *PodClient) Decompose(ctx context.Context, powerType string, podID int64, podContext pod.Context) (*pod.DiscoveredPodHints, error) {
	args := podArgs(powerType, podID, podContext)
	result := &agentapi.DecomposeResult{}
	if err := c.client.Call(ctx, agentapi.DecomposeMachine, &args, result); err != nil {
		return nil, err
	}
	return &result.Hints, nil
}

// Returns the commissioning data of the pod host.
func (c *PodClient) GetCommissioningData(ctx context.Context, powerType string, podID int64, podContext pod.Context) (pod.CommissioningData, error) {
	args := podArgs(powerType, podID, podContext)
	result := &agentapi.CommissioningDataResult{}
	if err := c.client.Call(ctx, agentapi.GetCommissioningData, &args, result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// Powers the machine on.
func (c *PodClient) PowerOn(ctx context.Context, powerType string, podID int64, podContext pod.Context) error {
	args := podArgs(powerType, podID, podContext)
	return c.client.Call(ctx, agentapi.PowerOn, &args, nil)
}

// Powers the machine off.
func (c *PodClient) PowerOff(ctx context.Context, powerType string, podID int64, podContext pod.Context) error {
	args := podArgs(powerType, podID, podContext)
	return c.client.Call(ctx, agentapi.PowerOff, &args, nil)
}

// Queries the power state of the machine.
func (c *PodClient) PowerQuery(ctx context.Context, powerType string, podID int64, podContext pod.Context) (pod.PowerState, error) {
	args := podArgs(powerType, podID, podContext)
	result := &agentapi.PowerQueryResult{}
	if err := c.client.Call(ctx, agentapi.PowerQuery, &args, result); err != nil {
		return pod.PowerStateError, err
	}
	return result.State, nil
}

// Returns the settings schemas of the drivers available on the rack.
func (c *PodClient) DescribePowerTypes(ctx context.Context) ([]pod.Settings, error) {
	result := &agentapi.PowerTypesResult{}
	if err := c.client.Call(ctx, agentapi.DescribePowerTypes, &agentapi.Empty{}, result); err != nil {
		return nil, err
	}
	return result.Drivers, nil
}
