// Package dhcpdconfig defines the structures sent to the rack controllers
// to configure their DHCP servers. The JSON names of the members are the
// wire names understood by the racks.
package dhcpdconfig

import "strings"

// Failover peer modes.
const (
	FailoverModePrimary   = "primary"
	FailoverModeSecondary = "secondary"
)

// Failover pairing between the primary and the secondary rack serving a
// VLAN.
type FailoverPeer struct {
	Name        string `json:"name"`
	Mode        string `json:"mode"`
	Address     string `json:"address"`
	PeerAddress string `json:"peer_address"`
}

// Dynamic address pool of a subnet.
type Pool struct {
	IPRangeLow   string `json:"ip_range_low"`
	IPRangeHigh  string `json:"ip_range_high"`
	FailoverPeer string `json:"failover_peer,omitempty"`
}

// DHCP configuration snippet inserted verbatim in the server
// configuration.
type Snippet struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Value       string `json:"value"`
}

// Subnet configuration in the current wire format. The router IP is an
// empty string when the subnet has no gateway.
type Subnet struct {
	Subnet       string    `json:"subnet"`
	SubnetMask   string    `json:"subnet_mask"`
	SubnetCIDR   string    `json:"subnet_cidr"`
	BroadcastIP  string    `json:"broadcast_ip"`
	RouterIP     string    `json:"router_ip"`
	DNSServers   []string  `json:"dns_servers"`
	NTPServers   []string  `json:"ntp_servers"`
	DomainName   string    `json:"domain_name"`
	Pools        []Pool    `json:"pools"`
	DHCPSnippets []Snippet `json:"dhcp_snippets"`
}

// Shared network grouping the subnets of a VLAN.
type SharedNetwork struct {
	Name    string   `json:"name"`
	MTU     int      `json:"mtu"`
	Subnets []Subnet `json:"subnets"`
}

// Subnet configuration understood by the racks which do not support the
// current format. It carries the DNS servers as a comma separated string
// and a single NTP server.
type SubnetV1 struct {
	Subnet       string    `json:"subnet"`
	SubnetMask   string    `json:"subnet_mask"`
	SubnetCIDR   string    `json:"subnet_cidr"`
	BroadcastIP  string    `json:"broadcast_ip"`
	RouterIP     string    `json:"router_ip"`
	DNSServers   string    `json:"dns_servers"`
	NTPServer    string    `json:"ntp_server"`
	DomainName   string    `json:"domain_name"`
	Pools        []Pool    `json:"pools"`
	DHCPSnippets []Snippet `json:"dhcp_snippets"`
}

// Shared network in the older format. It has no MTU.
type SharedNetworkV1 struct {
	Name    string     `json:"name"`
	Subnets []SubnetV1 `json:"subnets"`
}

// Host reservation.
type Host struct {
	Host         string    `json:"host"`
	MAC          string    `json:"mac"`
	IP           string    `json:"ip"`
	DHCPSnippets []Snippet `json:"dhcp_snippets"`
}

// Interface the DHCP server listens on.
type Interface struct {
	Name string `json:"name"`
}

// Arguments of the configure and validate commands in the current
// format.
type Request struct {
	OMAPIKey           string          `json:"omapi_key"`
	FailoverPeers      []FailoverPeer  `json:"failover_peers"`
	SharedNetworks     []SharedNetwork `json:"shared_networks"`
	Hosts              []Host          `json:"hosts"`
	Interfaces         []Interface     `json:"interfaces"`
	GlobalDHCPSnippets []Snippet       `json:"global_dhcp_snippets"`
}

// Arguments of the configure and validate commands in the older format.
type RequestV1 struct {
	OMAPIKey           string            `json:"omapi_key"`
	FailoverPeers      []FailoverPeer    `json:"failover_peers"`
	SharedNetworks     []SharedNetworkV1 `json:"shared_networks"`
	Hosts              []Host            `json:"hosts"`
	Interfaces         []Interface       `json:"interfaces"`
	GlobalDHCPSnippets []Snippet         `json:"global_dhcp_snippets"`
}

// Error found in the configuration by the rack.
type ValidationError struct {
	Error    string `json:"error"`
	LineNum  int    `json:"line_num"`
	Line     string `json:"line,omitempty"`
	Position string `json:"position,omitempty"`
}

// Result of the validate command. Errors are empty when the configuration
// is valid.
type ValidationResult struct {
	Errors []ValidationError `json:"errors"`
}

// Converts the shared networks to the older format. The DNS servers are
// joined with commas, only the first NTP server is kept and the MTU is
// dropped.
func DowngradeSharedNetworks(networks []SharedNetwork) []SharedNetworkV1 {
	downgraded := make([]SharedNetworkV1, 0, len(networks))
	for _, network := range networks {
		v1 := SharedNetworkV1{
			Name:    network.Name,
			Subnets: make([]SubnetV1, 0, len(network.Subnets)),
		}
		for _, subnet := range network.Subnets {
			ntpServer := ""
			if len(subnet.NTPServers) > 0 {
				ntpServer = subnet.NTPServers[0]
			}
			v1.Subnets = append(v1.Subnets, SubnetV1{
				Subnet:       subnet.Subnet,
				SubnetMask:   subnet.SubnetMask,
				SubnetCIDR:   subnet.SubnetCIDR,
				BroadcastIP:  subnet.BroadcastIP,
				RouterIP:     subnet.RouterIP,
				DNSServers:   strings.Join(subnet.DNSServers, ", "),
				NTPServer:    ntpServer,
				DomainName:   subnet.DomainName,
				Pools:        subnet.Pools,
				DHCPSnippets: subnet.DHCPSnippets,
			})
		}
		downgraded = append(downgraded, v1)
	}
	return downgraded
}

// Converts the request to the older format.
func (r *Request) Downgrade() *RequestV1 {
	return &RequestV1{
		OMAPIKey:           r.OMAPIKey,
		FailoverPeers:      r.FailoverPeers,
		SharedNetworks:     DowngradeSharedNetworks(r.SharedNetworks),
		Hosts:              r.Hosts,
		Interfaces:         r.Interfaces,
		GlobalDHCPSnippets: r.GlobalDHCPSnippets,
	}
}
