package dhcp

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	agentapi "github.com/metalyard/region/api"
	dhcpdconfig "github.com/metalyard/region/appcfg/dhcpd"
	"github.com/metalyard/region/server/agentcomm"
	dbops "github.com/metalyard/region/server/database"
	dbmodel "github.com/metalyard/region/server/database/model"
	regionutil "github.com/metalyard/region/util"
)

// Names of the services recording the state of the DHCP servers on the
// racks.
const (
	ServiceDHCPv4 = "dhcpd"
	ServiceDHCPv6 = "dhcpd6"
)

// Maximum duration of a single validation call.
const validateTimeout = 30 * time.Second

// Sends the DHCP configuration to the racks and validates the snippets
// before they are stored.
type Dispatcher struct {
	db       dbops.DB
	racks    agentcomm.ConnectedRacks
	resolver Resolver
	// When false the configuration is never sent to the racks.
	connect bool
}

// Creates the dispatcher. The resolver may be nil to use the system
// resolver.
func NewDispatcher(db dbops.DB, racks agentcomm.ConnectedRacks, resolver Resolver, connect bool) *Dispatcher {
	return &Dispatcher{
		db:       db,
		racks:    racks,
		resolver: resolver,
		connect:  connect,
	}
}

// Returns the name of the service of the family.
func serviceName(family regionutil.IPFamily) string {
	if family == regionutil.IPv6 {
		return ServiceDHCPv6
	}
	return ServiceDHCPv4
}

// Sends the configuration of the family to the rack. The older command
// with the downgraded configuration is used when the rack does not
// handle the current one.
func performDHCPConfig(ctx context.Context, client agentcomm.RackClient, family regionutil.IPFamily, request *dhcpdconfig.Request) error {
	current, older := agentapi.ConfigureDHCPCommands(int(family))
	err := client.Call(ctx, current, request, nil)
	var unhandled *agentcomm.UnhandledCommandError
	if errors.As(err, &unhandled) {
		log.WithFields(log.Fields{
			"rack":    client.Ident(),
			"command": current,
		}).Info("Rack does not handle the current DHCP configuration command; retrying with the older one")
		err = client.Call(ctx, older, request.Downgrade(), nil)
	}
	return err
}

// Reads the rack controller.
func getRack(tx dbops.Tx, rackID int64) (*dbmodel.Node, error) {
	rack, err := dbops.Get[dbmodel.Node](tx, rackID)
	if err != nil {
		return nil, errors.WithMessagef(err, "problem getting rack controller %d", rackID)
	}
	if !rack.IsRackController() {
		return nil, errors.Errorf("node %s is not a rack controller", rack.SystemID)
	}
	return rack, nil
}

// Generates the DHCP configuration of the rack and sends it. Each family
// is configured independently and the outcome is recorded in the dhcpd
// and dhcpd6 services of the rack: running when the family has shared
// networks, off when it has none and dead when the rack failed to apply
// it. The failures of the calls are recorded only. The errors getting
// the rack client or reading the configuration are returned.
func (d *Dispatcher) ConfigureDHCP(ctx context.Context, rackID int64) error {
	if !d.connect {
		return nil
	}
	var rack *dbmodel.Node
	err := d.db.Transaction(ctx, func(tx dbops.Tx) (err error) {
		rack, err = getRack(tx, rackID)
		return err
	})
	if err != nil {
		return err
	}
	client, err := d.racks.GetClientFor(ctx, rack.SystemID)
	if err != nil {
		return err
	}

	var config *Configuration
	err = d.db.Transaction(ctx, func(tx dbops.Tx) (err error) {
		config, err = GetDHCPConfiguration(tx, d.resolver, rack, nil)
		return err
	})
	if err != nil {
		return errors.WithMessagef(err, "problem generating DHCP configuration of rack %s", rack.SystemID)
	}

	families := []regionutil.IPFamily{regionutil.IPv4, regionutil.IPv6}
	callErrors := make(map[regionutil.IPFamily]error, len(families))
	for _, family := range families {
		err := performDHCPConfig(ctx, client, family, config.Request(family))
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"rack":   rack.SystemID,
				"family": family,
			}).Error("Failed to configure DHCP on rack")
		}
		callErrors[family] = err
	}

	return d.db.Transaction(context.Background(), func(tx dbops.Tx) error {
		for _, family := range families {
			status := dbmodel.ServiceStatusOff
			info := ""
			switch {
			case callErrors[family] != nil:
				status = dbmodel.ServiceStatusDead
				info = callErrors[family].Error()
			case len(config.Family(family).SharedNetworks) > 0:
				status = dbmodel.ServiceStatusRunning
			}
			if err := dbmodel.UpdateServiceStatus(tx, rack.ID, serviceName(family), status, info); err != nil {
				return err
			}
		}
		return nil
	})
}

// Returns the racks which would receive the snippet. A global snippet
// is received by every rack in which case nil is returned.
func getSnippetRacks(tx dbops.Tx, snippet *dbmodel.DHCPSnippet) ([]string, error) {
	switch {
	case snippet.SubnetID != 0:
		return getSubnetRacks(tx, snippet.SubnetID)
	case snippet.NodeID != 0:
		return getNodeBootRacks(tx, snippet.NodeID)
	default:
		return nil, nil
	}
}

// Returns the system IDs of the racks serving the VLAN of the subnet and
// of the racks having an address in the subnet.
func getSubnetRacks(tx dbops.Tx, subnetID int64) ([]string, error) {
	subnet, err := dbops.Get[dbmodel.Subnet](tx, subnetID)
	if err != nil {
		return nil, errors.WithMessagef(err, "problem getting subnet %d", subnetID)
	}
	rackIDs := []int64{}
	if subnet.VLANID != 0 {
		vlan, err := dbops.Get[dbmodel.VLAN](tx, subnet.VLANID)
		if err != nil {
			return nil, err
		}
		rackIDs = append(rackIDs, vlan.PrimaryRackID, vlan.SecondaryRackID)
	}
	addresses, err := dbops.FindBy[dbmodel.StaticIPAddress](tx, "subnet_id", subnet.ID)
	if err != nil {
		return nil, err
	}
	for _, address := range addresses {
		interfaceIDs, err := dbmodel.GetInterfaceIDsForAddress(tx, address.ID)
		if err != nil {
			return nil, err
		}
		for _, interfaceID := range interfaceIDs {
			iface, err := dbops.Get[dbmodel.Interface](tx, interfaceID)
			if err != nil {
				return nil, err
			}
			rackIDs = append(rackIDs, iface.NodeID)
		}
	}
	return getRackSystemIDs(tx, rackIDs)
}

// Returns the system IDs of the racks which would boot the node, i.e. the
// racks serving the VLANs of its interfaces.
func getNodeBootRacks(tx dbops.Tx, nodeID int64) ([]string, error) {
	interfaces, err := dbmodel.GetInterfacesByNode(tx, nodeID)
	if err != nil {
		return nil, err
	}
	rackIDs := []int64{}
	for _, iface := range interfaces {
		if iface.VLANID == 0 {
			continue
		}
		vlan, err := dbops.Get[dbmodel.VLAN](tx, iface.VLANID)
		if err != nil {
			return nil, err
		}
		rackIDs = append(rackIDs, vlan.PrimaryRackID, vlan.SecondaryRackID)
	}
	return getRackSystemIDs(tx, rackIDs)
}

// Converts the node IDs to the system IDs of the rack controllers among
// them. The order is kept and the duplicates are removed.
func getRackSystemIDs(tx dbops.Tx, nodeIDs []int64) ([]string, error) {
	systemIDs := []string{}
	for _, nodeID := range lo.Uniq(nodeIDs) {
		if nodeID == 0 {
			continue
		}
		node, err := dbops.Get[dbmodel.Node](tx, nodeID)
		if err != nil {
			if errors.Is(err, dbops.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if node.IsRackController() {
			systemIDs = append(systemIDs, node.SystemID)
		}
	}
	return systemIDs, nil
}

// Picks the connected rack which would receive the snippet.
func (d *Dispatcher) getValidationClient(ctx context.Context, snippet *dbmodel.DHCPSnippet) (agentcomm.RackClient, error) {
	var systemIDs []string
	err := d.db.Transaction(ctx, func(tx dbops.Tx) (err error) {
		systemIDs, err = getSnippetRacks(tx, snippet)
		return err
	})
	if err != nil {
		return nil, err
	}
	if systemIDs == nil {
		clients := d.racks.GetAllClients()
		if len(clients) == 0 {
			return nil, agentcomm.NewNoConnectionsAvailableError()
		}
		return clients[0], nil
	}
	client, err := d.racks.GetClientFromIdentifiers(ctx, systemIDs)
	if err != nil {
		var noConnections *agentcomm.NoConnectionsAvailableError
		if errors.As(err, &noConnections) {
			return nil, dbmodel.NewValidationError("no connected rack controller would receive DHCP snippet %s", snippet.Name)
		}
		return nil, err
	}
	return client, nil
}

// Sends the configuration of the family for validation. The older
// command is used when the rack does not handle the current one.
func performDHCPValidate(ctx context.Context, client agentcomm.RackClient, family regionutil.IPFamily, request *dhcpdconfig.Request) ([]dhcpdconfig.ValidationError, error) {
	ctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	current, older := agentapi.ValidateDHCPCommands(int(family))
	result := &dhcpdconfig.ValidationResult{}
	err := client.Call(ctx, current, request, result)
	var unhandled *agentcomm.UnhandledCommandError
	if errors.As(err, &unhandled) {
		result = &dhcpdconfig.ValidationResult{}
		err = client.Call(ctx, older, request.Downgrade(), result)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "problem validating DHCPv%d configuration on rack %s", family, client.Ident())
	}
	return result.Errors, nil
}

// Validates the DHCP configuration including the candidate snippet on a
// rack which would receive it. Both families are validated and the
// errors are returned without duplicates. An empty list means the
// configuration is valid.
func (d *Dispatcher) ValidateDHCPConfig(ctx context.Context, candidate *dbmodel.DHCPSnippet) ([]dhcpdconfig.ValidationError, error) {
	if candidate == nil {
		return nil, errors.New("no DHCP snippet to validate")
	}
	client, err := d.getValidationClient(ctx, candidate)
	if err != nil {
		return nil, err
	}

	var config *Configuration
	err = d.db.Transaction(ctx, func(tx dbops.Tx) error {
		rack, err := dbmodel.GetNodeBySystemID(tx, client.Ident())
		if err != nil {
			return err
		}
		config, err = GetDHCPConfiguration(tx, d.resolver, rack, candidate)
		return err
	})
	if err != nil {
		return nil, err
	}

	families := []regionutil.IPFamily{regionutil.IPv4, regionutil.IPv6}
	results := make([][]dhcpdconfig.ValidationError, len(families))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, family := range families {
		group.Go(func() (err error) {
			results[i], err = performDHCPValidate(groupCtx, client, family, config.Request(family))
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	unique := []dhcpdconfig.ValidationError{}
	seen := map[string]bool{}
	for _, errs := range results {
		for _, validationErr := range errs {
			key := fmt.Sprintf("%d\x00%s", validationErr.LineNum, validationErr.Error)
			if seen[key] {
				continue
			}
			seen[key] = true
			unique = append(unique, validationErr)
		}
	}
	return unique, nil
}
