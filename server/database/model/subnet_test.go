package dbmodel

import (
	"net/netip"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	dbops "github.com/metalyard/region/server/database"
)

// Test the subnet validation rules.
func TestSubnetValidate(t *testing.T) {
	subnet := &Subnet{CIDR: "10.0.0.7/24", GatewayIP: "10.0.0.1", DNSServers: []string{"8.8.8.8"}}
	require.NoError(t, subnet.Validate())
	require.Equal(t, "10.0.0.0/24", subnet.CIDR)

	subnet = &Subnet{CIDR: "10.0.0.0/24", GatewayIP: "10.0.1.1"}
	require.Error(t, subnet.Validate())

	subnet = &Subnet{CIDR: "2001:db8::/64", GatewayIP: "fe80::1"}
	require.NoError(t, subnet.Validate())

	subnet = &Subnet{CIDR: "10.0.0.0/33"}
	require.Error(t, subnet.Validate())

	subnet = &Subnet{CIDR: "10.0.0.0/24", DNSServers: []string{"not-an-address"}}
	var validationErr *ValidationError
	require.True(t, errors.As(subnet.Validate(), &validationErr))
}

// Test that the subnet CIDR is unique.
func TestAddSubnetDuplicate(t *testing.T) {
	db := newTestDB(t)

	runTx(t, db, func(tx dbops.Tx) error {
		require.NoError(t, AddSubnet(tx, &Subnet{CIDR: "10.0.0.0/24"}))
		err := AddSubnet(tx, &Subnet{CIDR: "10.0.0.0/24"})
		var validationErr *ValidationError
		require.True(t, errors.As(err, &validationErr))
		return nil
	})
}

// Test that the address range must fit in the subnet.
func TestAddIPRangeValidation(t *testing.T) {
	db := newTestDB(t)

	runTx(t, db, func(tx dbops.Tx) error {
		subnet := &Subnet{CIDR: "10.0.0.0/24"}
		require.NoError(t, AddSubnet(tx, subnet))

		require.Error(t, AddIPRange(tx, &IPRange{SubnetID: subnet.ID, Type: IPRangeTypeDynamic, StartIP: "10.0.0.20", EndIP: "10.0.0.10"}))
		require.Error(t, AddIPRange(tx, &IPRange{SubnetID: subnet.ID, Type: IPRangeTypeDynamic, StartIP: "10.0.0.20", EndIP: "10.0.1.10"}))
		require.Error(t, AddIPRange(tx, &IPRange{SubnetID: subnet.ID, Type: "other", StartIP: "10.0.0.1", EndIP: "10.0.0.10"}))
		require.NoError(t, AddIPRange(tx, &IPRange{SubnetID: subnet.ID, Type: IPRangeTypeReserved, StartIP: "10.0.0.1", EndIP: "10.0.0.10"}))
		return nil
	})
}

// Test that a subnet with a dynamic range on a VLAN with DHCP enabled
// cannot be deleted.
func TestDeleteSubnetDHCPGuard(t *testing.T) {
	db := newTestDB(t)

	runTx(t, db, func(tx dbops.Tx) error {
		vlan, err := GetDefaultVLAN(tx)
		require.NoError(t, err)
		vlan.DHCPOn = true
		require.NoError(t, dbops.Update(tx, vlan))

		subnet := &Subnet{CIDR: "10.0.0.0/24", VLANID: vlan.ID}
		require.NoError(t, AddSubnet(tx, subnet))
		dynamic := &IPRange{SubnetID: subnet.ID, Type: IPRangeTypeDynamic, StartIP: "10.0.0.100", EndIP: "10.0.0.200"}
		require.NoError(t, AddIPRange(tx, dynamic))
		require.NoError(t, AddStaticIPAddress(tx, &StaticIPAddress{IP: "10.0.0.5", AllocType: IPAddressSticky, SubnetID: subnet.ID}, 0))

		err = DeleteSubnet(tx, subnet)
		var validationErr *ValidationError
		require.True(t, errors.As(err, &validationErr))

		// Once DHCP is disabled the subnet goes away with its records.
		vlan.DHCPOn = false
		require.NoError(t, dbops.Update(tx, vlan))
		require.NoError(t, DeleteSubnet(tx, subnet))

		ranges, err := dbops.List[IPRange](tx)
		require.NoError(t, err)
		require.Empty(t, ranges)
		addresses, err := dbops.List[StaticIPAddress](tx)
		require.NoError(t, err)
		require.Empty(t, addresses)
		return nil
	})
}

// Test that the most specific subnet containing the address is returned.
func TestGetSubnetForAddress(t *testing.T) {
	db := newTestDB(t)

	runTx(t, db, func(tx dbops.Tx) error {
		require.NoError(t, AddSubnet(tx, &Subnet{CIDR: "10.0.0.0/16"}))
		require.NoError(t, AddSubnet(tx, &Subnet{CIDR: "10.0.1.0/24"}))

		subnet, err := GetSubnetForAddress(tx, netip.MustParseAddr("10.0.1.5"))
		require.NoError(t, err)
		require.Equal(t, "10.0.1.0/24", subnet.CIDR)

		subnet, err = GetSubnetForAddress(tx, netip.MustParseAddr("10.0.2.5"))
		require.NoError(t, err)
		require.Equal(t, "10.0.0.0/16", subnet.CIDR)

		_, err = GetSubnetForAddress(tx, netip.MustParseAddr("192.0.2.1"))
		require.ErrorIs(t, err, dbops.ErrNotFound)
		return nil
	})
}

// Test that the repeated observation of a neighbour is counted.
func TestObserveNeighbour(t *testing.T) {
	db := newTestDB(t)

	runTx(t, db, func(tx dbops.Tx) error {
		require.NoError(t, ObserveNeighbour(tx, &Neighbour{IP: "10.0.0.5", MACAddress: "AA:BB:CC:DD:EE:FF"}))
		require.NoError(t, ObserveNeighbour(tx, &Neighbour{IP: "10.0.0.5", MACAddress: "aa:bb:cc:dd:ee:ff"}))
		require.NoError(t, ObserveNeighbour(tx, &Neighbour{IP: "10.0.0.5", MACAddress: "aa:bb:cc:dd:ee:00"}))

		neighbours, err := dbops.List[Neighbour](tx)
		require.NoError(t, err)
		require.Len(t, neighbours, 2)
		require.Equal(t, 2, neighbours[0].Count)
		require.Equal(t, 1, neighbours[1].Count)
		return nil
	})
}
