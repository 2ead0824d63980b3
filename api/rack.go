// Package agentapi defines the calls the region makes to the agents
// running on the rack controllers: the service and command names, the
// message structures and the mapping of the errors to gRPC statuses.
package agentapi

import (
	"github.com/metalyard/region/datamodel/pod"
)

// Name of the gRPC service served by the agents.
const ServiceName = "region.Rack"

// Commands served by the agents. The _V2 variants of the DHCP commands
// accept the current shared network format.
const (
	ConfigureDHCPv4        = "ConfigureDHCPv4"
	ConfigureDHCPv4V2      = "ConfigureDHCPv4_V2"
	ConfigureDHCPv6        = "ConfigureDHCPv6"
	ConfigureDHCPv6V2      = "ConfigureDHCPv6_V2"
	ValidateDHCPv4Config   = "ValidateDHCPv4Config"
	ValidateDHCPv4ConfigV2 = "ValidateDHCPv4Config_V2"
	ValidateDHCPv6Config   = "ValidateDHCPv6Config"
	ValidateDHCPv6ConfigV2 = "ValidateDHCPv6Config_V2"
	DiscoverPod            = "DiscoverPod"
	ComposeMachine         = "ComposeMachine"
	DecomposeMachine       = "DecomposeMachine"
	GetCommissioningData   = "GetCommissioningData"
	PowerOn                = "PowerOn"
	PowerOff               = "PowerOff"
	PowerQuery             = "PowerQuery"
	DescribePowerTypes     = "DescribePowerTypes"
)

// Returns the full gRPC method name of the command.
func MethodName(command string) string {
	return "/" + ServiceName + "/" + command
}

// Returns the configure commands for the IP version. The first one takes
// the current shared network format, the second the older one. Empty
// strings are returned for an unknown version.
func ConfigureDHCPCommands(version int) (current, older string) {
	switch version {
	case 4:
		return ConfigureDHCPv4V2, ConfigureDHCPv4
	case 6:
		return ConfigureDHCPv6V2, ConfigureDHCPv6
	default:
		return "", ""
	}
}

// Returns the validate commands for the IP version. The first one takes
// the current shared network format, the second the older one.
func ValidateDHCPCommands(version int) (current, older string) {
	switch version {
	case 4:
		return ValidateDHCPv4ConfigV2, ValidateDHCPv4Config
	case 6:
		return ValidateDHCPv6ConfigV2, ValidateDHCPv6Config
	default:
		return "", ""
	}
}

// Arguments common to the pod commands. The pod ID is zero before the
// pod is registered.
type PodArgs struct {
	Type    string      `json:"type"`
	PodID   int64       `json:"pod_id"`
	Context pod.Context `json:"context"`
}

// Arguments of the compose command.
type ComposeArgs struct {
	PodArgs
	Request pod.RequestedMachine `json:"request"`
}

// Result of the compose command.
type ComposeResult struct {
	Machine pod.DiscoveredMachine  `json:"machine"`
	Hints   pod.DiscoveredPodHints `json:"hints"`
}

// Result of the decompose command.
type DecomposeResult struct {
	Hints pod.DiscoveredPodHints `json:"hints"`
}

// Result of the power query command.
type PowerQueryResult struct {
	State pod.PowerState `json:"state"`
}

// Result of the commissioning data command.
type CommissioningDataResult struct {
	Data pod.CommissioningData `json:"data"`
}

// Result of the describe power types command.
type PowerTypesResult struct {
	Drivers []pod.Settings `json:"drivers"`
}

// Empty message returned by the commands having no result.
type Empty struct{}
