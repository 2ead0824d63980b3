// Package dhcp generates the DHCP server configuration of the rack
// controllers from the network model and sends it to the racks.
package dhcp

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	dhcpdconfig "github.com/metalyard/region/appcfg/dhcpd"
	dbops "github.com/metalyard/region/server/database"
	dbmodel "github.com/metalyard/region/server/database/model"
	regionutil "github.com/metalyard/region/util"
)

// Length of the random OMAPI key in bytes.
const omapiKeyLength = 64

// Resolves host names to addresses. It is satisfied by the
// *net.Resolver.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// DHCP server configuration of one IP family.
type FamilyConfiguration struct {
	FailoverPeers  []dhcpdconfig.FailoverPeer
	SharedNetworks []dhcpdconfig.SharedNetwork
	Hosts          []dhcpdconfig.Host
	// Names of the rack interfaces the server listens on, sorted.
	Interfaces []string
}

func newFamilyConfiguration() FamilyConfiguration {
	return FamilyConfiguration{
		FailoverPeers:  []dhcpdconfig.FailoverPeer{},
		SharedNetworks: []dhcpdconfig.SharedNetwork{},
		Hosts:          []dhcpdconfig.Host{},
		Interfaces:     []string{},
	}
}

// DHCP configuration of a rack controller. It is computed from the
// database each time it is needed.
type Configuration struct {
	OMAPIKey           string
	V4                 FamilyConfiguration
	V6                 FamilyConfiguration
	GlobalDHCPSnippets []dhcpdconfig.Snippet
}

// Returns the configuration of the family.
func (c *Configuration) Family(family regionutil.IPFamily) *FamilyConfiguration {
	if family == regionutil.IPv6 {
		return &c.V6
	}
	return &c.V4
}

// Returns the arguments of the configure and validate commands for the
// family.
func (c *Configuration) Request(family regionutil.IPFamily) *dhcpdconfig.Request {
	fc := c.Family(family)
	return &dhcpdconfig.Request{
		OMAPIKey:       c.OMAPIKey,
		FailoverPeers:  fc.FailoverPeers,
		SharedNetworks: fc.SharedNetworks,
		Hosts:          fc.Hosts,
		Interfaces: lo.Map(fc.Interfaces, func(name string, _ int) dhcpdconfig.Interface {
			return dhcpdconfig.Interface{Name: name}
		}),
		GlobalDHCPSnippets: c.GlobalDHCPSnippets,
	}
}

// Configuration of a single VLAN for one IP family.
type VLANConfiguration struct {
	// Nil when the VLAN has no secondary rack.
	FailoverPeer *dhcpdconfig.FailoverPeer
	// Sorted by the subnet address.
	Subnets []dhcpdconfig.Subnet
	Hosts   []dhcpdconfig.Host
	// Name of the rack interface serving the VLAN.
	Interface string
}

// Returns the OMAPI key. The key is generated and stored when it is not
// set yet.
func GetOMAPIKey(tx dbops.Tx) (string, error) {
	key, err := dbmodel.GetSettingPasswd(tx, dbmodel.SettingOMAPIKey)
	if err != nil {
		return "", err
	}
	if key != "" {
		return key, nil
	}
	key, err = regionutil.Base64Random(omapiKeyLength)
	if err != nil {
		return "", err
	}
	if err := dbmodel.SetSettingPasswd(tx, dbmodel.SettingOMAPIKey, key); err != nil {
		return "", errors.WithMessage(err, "problem storing generated OMAPI key")
	}
	return key, nil
}

// Returns the VLANs with DHCP enabled for which the rack is the primary
// or the secondary, ordered by ID.
func GetManagedVLANsFor(tx dbops.Tx, rack *dbmodel.Node) ([]*dbmodel.VLAN, error) {
	vlans, err := dbmodel.GetDHCPEnabledVLANs(tx)
	if err != nil {
		return nil, err
	}
	return lo.Filter(vlans, func(vlan *dbmodel.VLAN, _ int) bool {
		return vlan.IsManagedBy(rack.ID)
	}), nil
}

// Splits the subnets by the IP family.
func SplitIPv4IPv6Subnets(subnets []*dbmodel.Subnet) (v4 []*dbmodel.Subnet, v6 []*dbmodel.Subnet, err error) {
	for _, subnet := range subnets {
		switch subnet.Family() {
		case regionutil.IPv4:
			v4 = append(v4, subnet)
		case regionutil.IPv6:
			v6 = append(v6, subnet)
		default:
			return nil, nil, errors.Errorf("subnet %d has an unknown address family: %s", subnet.ID, subnet.CIDR)
		}
	}
	return v4, v6, nil
}

// Returns the subnet of the address if it belongs to the VLAN and the
// family. Otherwise nil is returned.
func getSubnetOnVLAN(tx dbops.Tx, address *dbmodel.StaticIPAddress, vlan *dbmodel.VLAN, family regionutil.IPFamily) (*dbmodel.Subnet, error) {
	if address.IP == "" || address.SubnetID == 0 {
		return nil, nil
	}
	subnet, err := dbops.Get[dbmodel.Subnet](tx, address.SubnetID)
	if err != nil {
		if errors.Is(err, dbops.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if subnet.VLANID != vlan.ID || subnet.Family() != family {
		return nil, nil
	}
	return subnet, nil
}

func countDynamicRanges(tx dbops.Tx, subnetID int64) (int, error) {
	ranges, err := dbops.FindBy[dbmodel.IPRange](tx, "subnet_id", subnetID)
	if err != nil {
		return 0, err
	}
	return lo.CountBy(ranges, func(r *dbmodel.IPRange) bool {
		return r.Type == dbmodel.IPRangeTypeDynamic
	}), nil
}

// Returns the rack interfaces having an address of the family on the
// VLAN. The interfaces with an auto or sticky address are returned
// ordered by the number of dynamic ranges in the subnets of their
// addresses, the most first. When there are none, the interfaces having
// a discovered address are returned.
func GetInterfacesWithIPOnVLAN(tx dbops.Tx, rack *dbmodel.Node, vlan *dbmodel.VLAN, family regionutil.IPFamily) ([]*dbmodel.Interface, error) {
	interfaces, err := dbmodel.GetInterfacesByNode(tx, rack.ID)
	if err != nil {
		return nil, err
	}
	var withStatic, withDiscovered []*dbmodel.Interface
	dynamicRanges := map[int64]int{}
	for _, iface := range interfaces {
		addresses, err := dbmodel.GetAddressesForInterface(tx, iface.ID)
		if err != nil {
			return nil, err
		}
		hasStatic, hasDiscovered := false, false
		for _, address := range addresses {
			subnet, err := getSubnetOnVLAN(tx, address, vlan, family)
			if err != nil {
				return nil, err
			}
			if subnet == nil {
				continue
			}
			switch address.AllocType {
			case dbmodel.IPAddressAuto, dbmodel.IPAddressSticky:
				hasStatic = true
				count, err := countDynamicRanges(tx, subnet.ID)
				if err != nil {
					return nil, err
				}
				dynamicRanges[iface.ID] += count
			case dbmodel.IPAddressDiscovered:
				hasDiscovered = true
			}
		}
		switch {
		case hasStatic:
			withStatic = append(withStatic, iface)
		case hasDiscovered:
			withDiscovered = append(withDiscovered, iface)
		}
	}
	if len(withStatic) > 0 {
		sort.SliceStable(withStatic, func(i, j int) bool {
			return dynamicRanges[withStatic[i].ID] > dynamicRanges[withStatic[j].ID]
		})
		return withStatic, nil
	}
	return withDiscovered, nil
}

// Picks the interface the DHCP server should listen on. Bonds and
// bridges are preferred over the physical interfaces and those over the
// VLAN interfaces. Nil is returned for an empty list.
func GetBestInterface(interfaces []*dbmodel.Interface) *dbmodel.Interface {
	preferences := [][]dbmodel.InterfaceType{
		{dbmodel.InterfaceTypeBond, dbmodel.InterfaceTypeBridge},
		{dbmodel.InterfaceTypePhysical},
		{dbmodel.InterfaceTypeVLAN},
	}
	for _, types := range preferences {
		if iface, ok := lo.Find(interfaces, func(iface *dbmodel.Interface) bool {
			return lo.Contains(types, iface.Type)
		}); ok {
			return iface
		}
	}
	if len(interfaces) > 0 {
		return interfaces[0]
	}
	return nil
}

// Returns the address of the interface on the VLAN. An auto or sticky
// address is preferred over a discovered one. An empty string is
// returned when the interface has no such address.
func getIPAddressForInterface(tx dbops.Tx, iface *dbmodel.Interface, vlan *dbmodel.VLAN, family regionutil.IPFamily) (string, error) {
	addresses, err := dbmodel.GetAddressesForInterface(tx, iface.ID)
	if err != nil {
		return "", err
	}
	discovered := ""
	for _, address := range addresses {
		subnet, err := getSubnetOnVLAN(tx, address, vlan, family)
		if err != nil {
			return "", err
		}
		if subnet == nil {
			continue
		}
		switch address.AllocType {
		case dbmodel.IPAddressAuto, dbmodel.IPAddressSticky:
			return address.IP, nil
		case dbmodel.IPAddressDiscovered:
			if discovered == "" {
				discovered = address.IP
			}
		}
	}
	return discovered, nil
}

// Returns the address of the best rack interface on the VLAN or an empty
// string.
func getRackAddressOnVLAN(tx dbops.Tx, rack *dbmodel.Node, vlan *dbmodel.VLAN, family regionutil.IPFamily) (string, error) {
	interfaces, err := GetInterfacesWithIPOnVLAN(tx, rack, vlan, family)
	if err != nil {
		return "", err
	}
	best := GetBestInterface(interfaces)
	if best == nil {
		return "", nil
	}
	return getIPAddressForInterface(tx, best, vlan, family)
}

// Returns the address of a rack serving the VLAN for the failover
// configuration.
func getFailoverRackAddress(tx dbops.Tx, rackID int64, role string, vlan *dbmodel.VLAN, family regionutil.IPFamily) (string, error) {
	rack, err := dbops.Get[dbmodel.Node](tx, rackID)
	if err != nil {
		if errors.Is(err, dbops.ErrNotFound) {
			return "", NewDHCPConfigurationError("unable to configure failover on VLAN %d: %s rack %d does not exist", vlan.ID, role, rackID)
		}
		return "", err
	}
	address, err := getRackAddressOnVLAN(tx, rack, vlan, family)
	if err != nil {
		return "", err
	}
	if address == "" {
		return "", NewDHCPConfigurationError("unable to configure failover on VLAN %d: no IPv%d address on %s rack %s", vlan.ID, family, role, rack.Hostname)
	}
	return address, nil
}

// Makes the failover peer configuration of the VLAN as seen by the rack.
// The rack is the primary peer when it is the primary rack of the VLAN.
func MakeFailoverPeerConfig(tx dbops.Tx, vlan *dbmodel.VLAN, rack *dbmodel.Node, family regionutil.IPFamily) (*dhcpdconfig.FailoverPeer, error) {
	primaryAddress, err := getFailoverRackAddress(tx, vlan.PrimaryRackID, "primary", vlan, family)
	if err != nil {
		return nil, err
	}
	secondaryAddress, err := getFailoverRackAddress(tx, vlan.SecondaryRackID, "secondary", vlan, family)
	if err != nil {
		return nil, err
	}
	peer := &dhcpdconfig.FailoverPeer{
		Name: fmt.Sprintf("failover-vlan-%d", vlan.ID),
	}
	if vlan.PrimaryRackID == rack.ID {
		peer.Mode = dhcpdconfig.FailoverModePrimary
		peer.Address = primaryAddress
		peer.PeerAddress = secondaryAddress
	} else {
		peer.Mode = dhcpdconfig.FailoverModeSecondary
		peer.Address = secondaryAddress
		peer.PeerAddress = primaryAddress
	}
	return peer, nil
}

// Returns the DNS servers advertised on the VLAN. The address of the
// rack on the VLAN is used when it has one. Otherwise the host of the
// region URL is resolved.
func ResolveDNSServers(ctx context.Context, tx dbops.Tx, resolver Resolver, rack *dbmodel.Node, vlan *dbmodel.VLAN, family regionutil.IPFamily) ([]string, error) {
	address, err := getRackAddressOnVLAN(tx, rack, vlan, family)
	if err != nil {
		return nil, err
	}
	if address != "" {
		return []string{address}, nil
	}

	regionURL, err := dbmodel.GetSettingStr(tx, dbmodel.SettingMAASURL)
	if err != nil {
		return nil, err
	}
	host := ""
	if parsed, err := url.Parse(regionURL); err == nil {
		host = parsed.Hostname()
	}
	if host == "" {
		return nil, &UnresolvableHostError{Family: int(family)}
	}
	if addr, err := regionutil.ParseAddr(host); err == nil {
		if regionutil.FamilyOf(addr) != family {
			return nil, &UnresolvableHostError{Host: host, Family: int(family)}
		}
		return []string{addr.String()}, nil
	}

	if resolver == nil {
		resolver = net.DefaultResolver
	}
	network := "ip4"
	if family == regionutil.IPv6 {
		network = "ip6"
	}
	addrs, err := resolver.LookupNetIP(ctx, network, host)
	if err != nil {
		log.WithError(err).WithField("host", host).Debug("Failed to resolve region host")
		return nil, &UnresolvableHostError{Host: host, Family: int(family)}
	}
	var servers []string
	for _, addr := range addrs {
		addr = addr.Unmap()
		if regionutil.FamilyOf(addr) == family {
			servers = append(servers, addr.String())
		}
	}
	servers = lo.Uniq(servers)
	if len(servers) == 0 {
		return nil, &UnresolvableHostError{Host: host, Family: int(family)}
	}
	return servers, nil
}

// Converts the snippets to the wire format.
func makeSnippets(snippets []*dbmodel.DHCPSnippet) []dhcpdconfig.Snippet {
	converted := make([]dhcpdconfig.Snippet, 0, len(snippets))
	for _, snippet := range snippets {
		converted = append(converted, dhcpdconfig.Snippet{
			Name:        snippet.Name,
			Description: snippet.Description,
			Value:       snippet.Value,
		})
	}
	return converted
}

// Makes the configuration of the subnet. The DNS servers set on the
// subnet take precedence over the given ones. The pools are named after
// the failover peer when it is not empty. Only the snippets scoped to
// the subnet are included.
func MakeSubnetConfig(tx dbops.Tx, subnet *dbmodel.Subnet, dnsServers []string, ntpServers []string, domain *dbmodel.Domain, failoverPeer string, snippets []*dbmodel.DHCPSnippet) (*dhcpdconfig.Subnet, error) {
	parsed, err := subnet.Parse()
	if err != nil {
		return nil, err
	}
	if len(subnet.DNSServers) > 0 {
		dnsServers = subnet.DNSServers
	}
	ranges, err := dbops.FindBy[dbmodel.IPRange](tx, "subnet_id", subnet.ID)
	if err != nil {
		return nil, err
	}
	pools := []dhcpdconfig.Pool{}
	for _, r := range ranges {
		if r.Type != dbmodel.IPRangeTypeDynamic {
			continue
		}
		pools = append(pools, dhcpdconfig.Pool{
			IPRangeLow:   r.StartIP,
			IPRangeHigh:  r.EndIP,
			FailoverPeer: failoverPeer,
		})
	}
	domainName := ""
	if domain != nil {
		domainName = domain.Name
	}
	return &dhcpdconfig.Subnet{
		Subnet:      parsed.First.String(),
		SubnetMask:  parsed.Netmask(),
		SubnetCIDR:  parsed.Prefix.String(),
		BroadcastIP: parsed.Broadcast(),
		RouterIP:    subnet.GatewayIP,
		DNSServers:  append([]string{}, dnsServers...),
		NTPServers:  append([]string{}, ntpServers...),
		DomainName:  domainName,
		Pools:       pools,
		DHCPSnippets: makeSnippets(lo.Filter(snippets, func(snippet *dbmodel.DHCPSnippet, _ int) bool {
			return snippet.SubnetID == subnet.ID
		})),
	}, nil
}

// Makes the host reservations for the auto, sticky and user reserved
// addresses in the subnets. Each interface holding such an address gets
// a reservation. The parents of a bond having a MAC address other than
// the bond's get the reservation of the bond too. An interface is
// reserved at most once. The snippets scoped to the node of an interface
// are attached to its reservation.
func MakeHostsForSubnets(tx dbops.Tx, subnets []*dbmodel.Subnet, nodeSnippets []*dbmodel.DHCPSnippet) ([]dhcpdconfig.Host, error) {
	var addresses []*dbmodel.StaticIPAddress
	for _, subnet := range subnets {
		found, err := dbops.FindBy[dbmodel.StaticIPAddress](tx, "subnet_id", subnet.ID)
		if err != nil {
			return nil, err
		}
		for _, address := range found {
			if address.IP == "" {
				continue
			}
			switch address.AllocType {
			case dbmodel.IPAddressAuto, dbmodel.IPAddressSticky, dbmodel.IPAddressUserReserved:
				addresses = append(addresses, address)
			}
		}
	}
	sort.Slice(addresses, func(i, j int) bool {
		return addresses[i].ID < addresses[j].ID
	})

	hostnames := map[int64]string{}
	getHostname := func(nodeID int64) (string, error) {
		if hostname, ok := hostnames[nodeID]; ok {
			return hostname, nil
		}
		node, err := dbops.Get[dbmodel.Node](tx, nodeID)
		if err != nil {
			return "", errors.WithMessagef(err, "problem getting node %d", nodeID)
		}
		hostnames[nodeID] = node.Hostname
		return node.Hostname, nil
	}

	hosts := []dhcpdconfig.Host{}
	reserved := map[int64]bool{}
	addHost := func(iface *dbmodel.Interface, ip string) error {
		reserved[iface.ID] = true
		if iface.MACAddress == "" {
			return nil
		}
		hostname, err := getHostname(iface.NodeID)
		if err != nil {
			return err
		}
		hosts = append(hosts, dhcpdconfig.Host{
			Host: fmt.Sprintf("%s-%s", hostname, iface.Name),
			MAC:  iface.MACAddress,
			IP:   ip,
			DHCPSnippets: makeSnippets(lo.Filter(nodeSnippets, func(snippet *dbmodel.DHCPSnippet, _ int) bool {
				return snippet.NodeID == iface.NodeID
			})),
		})
		return nil
	}

	for _, address := range addresses {
		interfaceIDs, err := dbmodel.GetInterfaceIDsForAddress(tx, address.ID)
		if err != nil {
			return nil, err
		}
		for _, interfaceID := range interfaceIDs {
			if reserved[interfaceID] {
				continue
			}
			iface, err := dbops.Get[dbmodel.Interface](tx, interfaceID)
			if err != nil {
				return nil, err
			}
			if err := addHost(iface, address.IP); err != nil {
				return nil, err
			}
			if iface.Type != dbmodel.InterfaceTypeBond {
				continue
			}
			parents, err := dbmodel.GetInterfaceParents(tx, iface.ID)
			if err != nil {
				return nil, err
			}
			for _, parent := range parents {
				if reserved[parent.ID] || parent.MACAddress == iface.MACAddress {
					continue
				}
				if err := addHost(parent, address.IP); err != nil {
					return nil, err
				}
			}
		}
	}
	return hosts, nil
}

// Makes the configuration of the VLAN for the family as served by the
// rack. The DNS servers are advertised in the subnets not having their
// own. It fails with the DHCPConfigurationError when the rack has no
// usable interface on the VLAN.
func GetDHCPConfigureFor(tx dbops.Tx, family regionutil.IPFamily, rack *dbmodel.Node, vlan *dbmodel.VLAN, subnets []*dbmodel.Subnet, dnsServers []string, ntpServers []string, domain *dbmodel.Domain, snippets []*dbmodel.DHCPSnippet) (*VLANConfiguration, error) {
	interfaces, err := GetInterfacesWithIPOnVLAN(tx, rack, vlan, family)
	if err != nil {
		return nil, err
	}
	best := GetBestInterface(interfaces)
	if best == nil {
		return nil, NewDHCPConfigurationError("no interface on rack controller %s has an IPv%d address on any subnet on VLAN %d.%d", rack.Hostname, family, vlan.FabricID, vlan.VID)
	}

	config := &VLANConfiguration{Interface: best.Name}
	peerName := ""
	if vlan.SecondaryRackID != 0 {
		peer, err := MakeFailoverPeerConfig(tx, vlan, rack, family)
		if err != nil {
			return nil, err
		}
		config.FailoverPeer = peer
		peerName = peer.Name
	}

	for _, subnet := range subnets {
		subnetConfig, err := MakeSubnetConfig(tx, subnet, dnsServers, ntpServers, domain, peerName, snippets)
		if err != nil {
			return nil, err
		}
		config.Subnets = append(config.Subnets, *subnetConfig)
	}
	sort.SliceStable(config.Subnets, func(i, j int) bool {
		return config.Subnets[i].Subnet < config.Subnets[j].Subnet
	})

	nodeSnippets := lo.Filter(snippets, func(snippet *dbmodel.DHCPSnippet, _ int) bool {
		return snippet.NodeID != 0
	})
	config.Hosts, err = MakeHostsForSubnets(tx, subnets, nodeSnippets)
	if err != nil {
		return nil, err
	}
	return config, nil
}

// Returns the enabled snippets with the candidate snippet applied. The
// candidate replaces the stored snippet with the same ID or is appended.
func applyCandidateSnippet(snippets []*dbmodel.DHCPSnippet, candidate *dbmodel.DHCPSnippet) []*dbmodel.DHCPSnippet {
	if candidate == nil {
		return snippets
	}
	if candidate.ID != 0 {
		for i, snippet := range snippets {
			if snippet.ID == candidate.ID {
				snippets[i] = candidate
				return snippets
			}
		}
	}
	return append(snippets, candidate)
}

// Generates the DHCP configuration of the rack. The candidate snippet,
// if not nil, is included as if it was stored and enabled. A VLAN and
// family pair which cannot be configured is skipped. The shared networks
// of a family are cleared when no interface serves it.
func GetDHCPConfiguration(tx dbops.Tx, resolver Resolver, rack *dbmodel.Node, candidate *dbmodel.DHCPSnippet) (*Configuration, error) {
	omapiKey, err := GetOMAPIKey(tx)
	if err != nil {
		return nil, err
	}
	ntpSetting, err := dbmodel.GetSettingStr(tx, dbmodel.SettingNTPServers)
	if err != nil {
		return nil, err
	}
	ntpServers := regionutil.SplitServers(ntpSetting)
	domain, err := dbmodel.GetDefaultDomain(tx)
	if err != nil {
		return nil, err
	}
	snippets, err := dbmodel.GetEnabledDHCPSnippets(tx)
	if err != nil {
		return nil, err
	}
	snippets = applyCandidateSnippet(snippets, candidate)

	config := &Configuration{
		OMAPIKey: omapiKey,
		V4:       newFamilyConfiguration(),
		V6:       newFamilyConfiguration(),
		GlobalDHCPSnippets: makeSnippets(lo.Filter(snippets, func(snippet *dbmodel.DHCPSnippet, _ int) bool {
			return snippet.IsGlobal()
		})),
	}

	vlans, err := GetManagedVLANsFor(tx, rack)
	if err != nil {
		return nil, err
	}
	for _, vlan := range vlans {
		subnets, err := dbmodel.GetSubnetsByVLAN(tx, vlan.ID)
		if err != nil {
			return nil, err
		}
		v4, v6, err := SplitIPv4IPv6Subnets(subnets)
		if err != nil {
			return nil, err
		}
		groups := []struct {
			family  regionutil.IPFamily
			subnets []*dbmodel.Subnet
		}{
			{regionutil.IPv4, v4},
			{regionutil.IPv6, v6},
		}
		for _, group := range groups {
			if len(group.subnets) == 0 {
				continue
			}
			err := addVLANConfiguration(tx, resolver, config, rack, vlan, group.family, group.subnets, ntpServers, domain, snippets)
			if err != nil {
				return nil, err
			}
		}
	}

	for _, fc := range []*FamilyConfiguration{&config.V4, &config.V6} {
		fc.Interfaces = lo.Uniq(fc.Interfaces)
		sort.Strings(fc.Interfaces)
		if len(fc.Interfaces) == 0 {
			fc.SharedNetworks = []dhcpdconfig.SharedNetwork{}
		}
	}
	return config, nil
}

// Adds the configuration of the VLAN for the family to the bundle. The
// resolution and configuration errors are logged and the VLAN is skipped
// for the family. Other errors are returned.
func addVLANConfiguration(tx dbops.Tx, resolver Resolver, config *Configuration, rack *dbmodel.Node, vlan *dbmodel.VLAN, family regionutil.IPFamily, subnets []*dbmodel.Subnet, ntpServers []string, domain *dbmodel.Domain, snippets []*dbmodel.DHCPSnippet) error {
	logger := log.WithFields(log.Fields{
		"rack":   rack.Hostname,
		"vlan":   vlan.ID,
		"family": family,
	})

	dnsServers, err := ResolveDNSServers(tx.Context(), tx, resolver, rack, vlan, family)
	if err != nil {
		var unresolvable *UnresolvableHostError
		if errors.As(err, &unresolvable) {
			logger.WithError(err).Warn("Skipping DHCP configuration of the VLAN; no DNS server address")
			return nil
		}
		return err
	}

	vlanConfig, err := GetDHCPConfigureFor(tx, family, rack, vlan, subnets, dnsServers, ntpServers, domain, snippets)
	if err != nil {
		var configErr *DHCPConfigurationError
		if errors.As(err, &configErr) {
			logger.WithError(err).Error("Skipping DHCP configuration of the VLAN")
			return nil
		}
		return err
	}

	fc := config.Family(family)
	if vlanConfig.FailoverPeer != nil {
		fc.FailoverPeers = append(fc.FailoverPeers, *vlanConfig.FailoverPeer)
	}
	fc.SharedNetworks = append(fc.SharedNetworks, dhcpdconfig.SharedNetwork{
		Name:    fmt.Sprintf("vlan-%d", vlan.ID),
		MTU:     vlan.MTU,
		Subnets: vlanConfig.Subnets,
	})
	fc.Hosts = append(fc.Hosts, vlanConfig.Hosts...)
	fc.Interfaces = append(fc.Interfaces, vlanConfig.Interface)
	return nil
}
