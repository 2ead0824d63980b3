package dbmigs

import (
	"github.com/go-pg/migrations/v8"
)

// Creates the initial schema.
func init() {
	migrations.MustRegisterTx(func(db migrations.DB) error {
		_, err := db.Exec(`
             -- Networks.
             CREATE TABLE IF NOT EXISTS fabric (
                 id BIGSERIAL NOT NULL,
                 name TEXT NOT NULL,
                 CONSTRAINT fabric_pkey PRIMARY KEY (id),
                 CONSTRAINT fabric_name_unique_idx UNIQUE (name)
             );

             CREATE TABLE IF NOT EXISTS domain (
                 id BIGSERIAL NOT NULL,
                 name TEXT NOT NULL,
                 authoritative BOOLEAN NOT NULL DEFAULT TRUE,
                 is_default BOOLEAN NOT NULL DEFAULT FALSE,
                 CONSTRAINT domain_pkey PRIMARY KEY (id),
                 CONSTRAINT domain_name_unique_idx UNIQUE (name)
             );

             CREATE TABLE IF NOT EXISTS setting (
                 id BIGSERIAL NOT NULL,
                 name TEXT NOT NULL,
                 val_type INTEGER NOT NULL,
                 value TEXT NOT NULL DEFAULT '',
                 CONSTRAINT setting_pkey PRIMARY KEY (id),
                 CONSTRAINT setting_name_unique_idx UNIQUE (name)
             );

             -- Power controllers and pods.
             CREATE TABLE IF NOT EXISTS bmc (
                 id BIGSERIAL NOT NULL,
                 bmc_type INTEGER NOT NULL DEFAULT 0,
                 name TEXT,
                 power_type TEXT,
                 power_parameters JSONB,
                 ip_address TEXT,
                 architectures TEXT[],
                 capabilities TEXT[],
                 cores BIGINT NOT NULL DEFAULT -1,
                 cpu_speed BIGINT NOT NULL DEFAULT -1,
                 memory BIGINT NOT NULL DEFAULT -1,
                 local_storage BIGINT NOT NULL DEFAULT -1,
                 local_disks BIGINT NOT NULL DEFAULT -1,
                 iscsi_storage BIGINT NOT NULL DEFAULT -1,
                 tags TEXT[],
                 default_storage_pool_id BIGINT,
                 cpu_over_commit_ratio DOUBLE PRECISION NOT NULL DEFAULT 1,
                 memory_over_commit_ratio DOUBLE PRECISION NOT NULL DEFAULT 1,
                 CONSTRAINT bmc_pkey PRIMARY KEY (id)
             );
             CREATE INDEX bmc_bmc_type_idx ON bmc (bmc_type);
             CREATE INDEX bmc_ip_address_idx ON bmc (ip_address);

             -- Nodes.
             CREATE TABLE IF NOT EXISTS node (
                 id BIGSERIAL NOT NULL,
                 system_id TEXT NOT NULL,
                 hostname TEXT NOT NULL,
                 node_type INTEGER NOT NULL DEFAULT 0,
                 status INTEGER NOT NULL DEFAULT 0,
                 architecture TEXT,
                 cpu_count BIGINT NOT NULL DEFAULT 0,
                 cpu_speed BIGINT NOT NULL DEFAULT 0,
                 memory BIGINT NOT NULL DEFAULT 0,
                 power_state TEXT,
                 instance_power_parameters JSONB,
                 bmc_id BIGINT,
                 boot_interface_id BIGINT,
                 domain_id BIGINT,
                 creation_type INTEGER NOT NULL DEFAULT 1,
                 dynamic BOOLEAN NOT NULL DEFAULT FALSE,
                 owner TEXT,
                 agent_address TEXT,
                 CONSTRAINT node_pkey PRIMARY KEY (id),
                 CONSTRAINT node_system_id_unique_idx UNIQUE (system_id),
                 CONSTRAINT node_hostname_unique_idx UNIQUE (hostname),
                 CONSTRAINT node_bmc_id_fkey FOREIGN KEY (bmc_id)
                     REFERENCES bmc (id) ON DELETE SET NULL,
                 CONSTRAINT node_domain_id_fkey FOREIGN KEY (domain_id)
                     REFERENCES domain (id)
             );
             CREATE INDEX node_bmc_id_idx ON node (bmc_id);
             CREATE INDEX node_node_type_idx ON node (node_type);

             CREATE TABLE IF NOT EXISTS vlan (
                 id BIGSERIAL NOT NULL,
                 name TEXT,
                 vid INTEGER NOT NULL DEFAULT 0,
                 mtu INTEGER NOT NULL DEFAULT 1500,
                 fabric_id BIGINT NOT NULL,
                 dhcp_on BOOLEAN NOT NULL DEFAULT FALSE,
                 primary_rack_id BIGINT,
                 secondary_rack_id BIGINT,
                 CONSTRAINT vlan_pkey PRIMARY KEY (id),
                 CONSTRAINT vlan_fabric_id_vid_unique_idx UNIQUE (fabric_id, vid),
                 CONSTRAINT vlan_fabric_id_fkey FOREIGN KEY (fabric_id)
                     REFERENCES fabric (id) ON DELETE CASCADE,
                 CONSTRAINT vlan_primary_rack_id_fkey FOREIGN KEY (primary_rack_id)
                     REFERENCES node (id) ON DELETE SET NULL,
                 CONSTRAINT vlan_secondary_rack_id_fkey FOREIGN KEY (secondary_rack_id)
                     REFERENCES node (id) ON DELETE SET NULL
             );
             CREATE INDEX vlan_fabric_id_idx ON vlan (fabric_id);
             CREATE INDEX vlan_dhcp_on_idx ON vlan (dhcp_on);

             CREATE TABLE IF NOT EXISTS subnet (
                 id BIGSERIAL NOT NULL,
                 name TEXT,
                 cidr TEXT NOT NULL,
                 vlan_id BIGINT,
                 gateway_ip TEXT,
                 dns_servers TEXT[],
                 allow_proxy BOOLEAN NOT NULL DEFAULT TRUE,
                 active_discovery BOOLEAN NOT NULL DEFAULT FALSE,
                 managed BOOLEAN NOT NULL DEFAULT TRUE,
                 CONSTRAINT subnet_pkey PRIMARY KEY (id),
                 CONSTRAINT subnet_cidr_unique_idx UNIQUE (cidr),
                 CONSTRAINT subnet_vlan_id_fkey FOREIGN KEY (vlan_id)
                     REFERENCES vlan (id)
             );
             CREATE INDEX subnet_vlan_id_idx ON subnet (vlan_id);

             CREATE TABLE IF NOT EXISTS ip_range (
                 id BIGSERIAL NOT NULL,
                 subnet_id BIGINT NOT NULL,
                 type TEXT NOT NULL,
                 start_ip TEXT NOT NULL,
                 end_ip TEXT NOT NULL,
                 comment TEXT,
                 CONSTRAINT ip_range_pkey PRIMARY KEY (id),
                 CONSTRAINT ip_range_subnet_id_fkey FOREIGN KEY (subnet_id)
                     REFERENCES subnet (id) ON DELETE CASCADE
             );
             CREATE INDEX ip_range_subnet_id_idx ON ip_range (subnet_id);

             CREATE TABLE IF NOT EXISTS static_ip_address (
                 id BIGSERIAL NOT NULL,
                 ip TEXT,
                 alloc_type INTEGER NOT NULL DEFAULT 0,
                 subnet_id BIGINT,
                 created TIMESTAMP WITHOUT TIME ZONE,
                 CONSTRAINT static_ip_address_pkey PRIMARY KEY (id),
                 CONSTRAINT static_ip_address_subnet_id_fkey FOREIGN KEY (subnet_id)
                     REFERENCES subnet (id) ON DELETE CASCADE
             );
             CREATE INDEX static_ip_address_subnet_id_idx ON static_ip_address (subnet_id);
             CREATE INDEX static_ip_address_ip_idx ON static_ip_address (ip);

             CREATE TABLE IF NOT EXISTS static_route (
                 id BIGSERIAL NOT NULL,
                 source_id BIGINT NOT NULL,
                 destination_id BIGINT NOT NULL,
                 gateway_ip TEXT NOT NULL,
                 metric INTEGER NOT NULL DEFAULT 0,
                 CONSTRAINT static_route_pkey PRIMARY KEY (id),
                 CONSTRAINT static_route_source_id_fkey FOREIGN KEY (source_id)
                     REFERENCES subnet (id) ON DELETE CASCADE,
                 CONSTRAINT static_route_destination_id_fkey FOREIGN KEY (destination_id)
                     REFERENCES subnet (id) ON DELETE CASCADE
             );
             CREATE INDEX static_route_source_id_idx ON static_route (source_id);

             -- Interfaces.
             CREATE TABLE IF NOT EXISTS interface (
                 id BIGSERIAL NOT NULL,
                 node_id BIGINT,
                 name TEXT NOT NULL,
                 type TEXT NOT NULL,
                 mac_address TEXT,
                 vlan_id BIGINT,
                 enabled BOOLEAN NOT NULL DEFAULT TRUE,
                 tags TEXT[],
                 CONSTRAINT interface_pkey PRIMARY KEY (id),
                 CONSTRAINT interface_node_id_fkey FOREIGN KEY (node_id)
                     REFERENCES node (id) ON DELETE CASCADE,
                 CONSTRAINT interface_vlan_id_fkey FOREIGN KEY (vlan_id)
                     REFERENCES vlan (id) ON DELETE SET NULL
             );
             CREATE INDEX interface_node_id_idx ON interface (node_id);
             CREATE INDEX interface_mac_address_idx ON interface (mac_address);
             CREATE INDEX interface_vlan_id_idx ON interface (vlan_id);

             ALTER TABLE node ADD CONSTRAINT node_boot_interface_id_fkey
                 FOREIGN KEY (boot_interface_id) REFERENCES interface (id) ON DELETE SET NULL;

             CREATE TABLE IF NOT EXISTS interface_relationship (
                 id BIGSERIAL NOT NULL,
                 parent_id BIGINT NOT NULL,
                 child_id BIGINT NOT NULL,
                 CONSTRAINT interface_relationship_pkey PRIMARY KEY (id),
                 CONSTRAINT interface_relationship_parent_id_fkey FOREIGN KEY (parent_id)
                     REFERENCES interface (id) ON DELETE CASCADE,
                 CONSTRAINT interface_relationship_child_id_fkey FOREIGN KEY (child_id)
                     REFERENCES interface (id) ON DELETE CASCADE
             );
             CREATE INDEX interface_relationship_parent_id_idx ON interface_relationship (parent_id);
             CREATE INDEX interface_relationship_child_id_idx ON interface_relationship (child_id);

             CREATE TABLE IF NOT EXISTS interface_ip_address (
                 id BIGSERIAL NOT NULL,
                 interface_id BIGINT NOT NULL,
                 static_ip_address_id BIGINT NOT NULL,
                 CONSTRAINT interface_ip_address_pkey PRIMARY KEY (id),
                 CONSTRAINT interface_ip_address_interface_id_fkey FOREIGN KEY (interface_id)
                     REFERENCES interface (id) ON DELETE CASCADE,
                 CONSTRAINT interface_ip_address_static_ip_address_id_fkey FOREIGN KEY (static_ip_address_id)
                     REFERENCES static_ip_address (id) ON DELETE CASCADE
             );
             CREATE INDEX interface_ip_address_interface_id_idx ON interface_ip_address (interface_id);
             CREATE INDEX interface_ip_address_static_ip_address_id_idx ON interface_ip_address (static_ip_address_id);

             CREATE TABLE IF NOT EXISTS neighbour (
                 id BIGSERIAL NOT NULL,
                 ip TEXT NOT NULL,
                 mac_address TEXT,
                 vid INTEGER NOT NULL DEFAULT 0,
                 interface_id BIGINT,
                 count INTEGER NOT NULL DEFAULT 1,
                 last_seen TIMESTAMP WITHOUT TIME ZONE,
                 CONSTRAINT neighbour_pkey PRIMARY KEY (id),
                 CONSTRAINT neighbour_interface_id_fkey FOREIGN KEY (interface_id)
                     REFERENCES interface (id) ON DELETE CASCADE
             );
             CREATE INDEX neighbour_ip_idx ON neighbour (ip);

             -- Pod details.
             CREATE TABLE IF NOT EXISTS pod_hints (
                 id BIGSERIAL NOT NULL,
                 pod_id BIGINT NOT NULL,
                 cores BIGINT NOT NULL DEFAULT -1,
                 cpu_speed BIGINT NOT NULL DEFAULT -1,
                 memory BIGINT NOT NULL DEFAULT -1,
                 local_storage BIGINT NOT NULL DEFAULT -1,
                 local_disks BIGINT NOT NULL DEFAULT -1,
                 iscsi_storage BIGINT NOT NULL DEFAULT -1,
                 CONSTRAINT pod_hints_pkey PRIMARY KEY (id),
                 CONSTRAINT pod_hints_pod_id_unique_idx UNIQUE (pod_id),
                 CONSTRAINT pod_hints_pod_id_fkey FOREIGN KEY (pod_id)
                     REFERENCES bmc (id) ON DELETE CASCADE
             );

             CREATE TABLE IF NOT EXISTS pod_storage_pool (
                 id BIGSERIAL NOT NULL,
                 pod_id BIGINT NOT NULL,
                 pool_id TEXT NOT NULL,
                 name TEXT NOT NULL,
                 pool_type TEXT,
                 path TEXT,
                 storage BIGINT NOT NULL DEFAULT 0,
                 CONSTRAINT pod_storage_pool_pkey PRIMARY KEY (id),
                 CONSTRAINT pod_storage_pool_pod_id_fkey FOREIGN KEY (pod_id)
                     REFERENCES bmc (id) ON DELETE CASCADE
             );
             CREATE INDEX pod_storage_pool_pod_id_idx ON pod_storage_pool (pod_id);

             CREATE TABLE IF NOT EXISTS bmc_routable_rack (
                 id BIGSERIAL NOT NULL,
                 bmc_id BIGINT NOT NULL,
                 rack_controller_id BIGINT NOT NULL,
                 routable BOOLEAN NOT NULL DEFAULT FALSE,
                 CONSTRAINT bmc_routable_rack_pkey PRIMARY KEY (id),
                 CONSTRAINT bmc_routable_rack_bmc_id_fkey FOREIGN KEY (bmc_id)
                     REFERENCES bmc (id) ON DELETE CASCADE,
                 CONSTRAINT bmc_routable_rack_rack_controller_id_fkey FOREIGN KEY (rack_controller_id)
                     REFERENCES node (id) ON DELETE CASCADE
             );
             CREATE INDEX bmc_routable_rack_bmc_id_idx ON bmc_routable_rack (bmc_id);

             -- Storage.
             CREATE TABLE IF NOT EXISTS block_device (
                 id BIGSERIAL NOT NULL,
                 node_id BIGINT NOT NULL,
                 name TEXT NOT NULL,
                 type TEXT NOT NULL,
                 id_path TEXT,
                 model TEXT,
                 serial TEXT,
                 target TEXT,
                 size BIGINT NOT NULL DEFAULT 0,
                 block_size BIGINT NOT NULL DEFAULT 512,
                 tags TEXT[],
                 storage_pool_id BIGINT,
                 CONSTRAINT block_device_pkey PRIMARY KEY (id),
                 CONSTRAINT block_device_node_id_fkey FOREIGN KEY (node_id)
                     REFERENCES node (id) ON DELETE CASCADE,
                 CONSTRAINT block_device_storage_pool_id_fkey FOREIGN KEY (storage_pool_id)
                     REFERENCES pod_storage_pool (id) ON DELETE SET NULL
             );
             CREATE INDEX block_device_node_id_idx ON block_device (node_id);

             CREATE TABLE IF NOT EXISTS filesystem (
                 id BIGSERIAL NOT NULL,
                 block_device_id BIGINT NOT NULL,
                 fstype TEXT NOT NULL,
                 mount_point TEXT,
                 CONSTRAINT filesystem_pkey PRIMARY KEY (id),
                 CONSTRAINT filesystem_block_device_id_fkey FOREIGN KEY (block_device_id)
                     REFERENCES block_device (id) ON DELETE CASCADE
             );
             CREATE INDEX filesystem_block_device_id_idx ON filesystem (block_device_id);

             -- Tags.
             CREATE TABLE IF NOT EXISTS tag (
                 id BIGSERIAL NOT NULL,
                 name TEXT NOT NULL,
                 definition TEXT,
                 comment TEXT,
                 CONSTRAINT tag_pkey PRIMARY KEY (id),
                 CONSTRAINT tag_name_unique_idx UNIQUE (name)
             );

             CREATE TABLE IF NOT EXISTS node_tag (
                 id BIGSERIAL NOT NULL,
                 node_id BIGINT NOT NULL,
                 tag_id BIGINT NOT NULL,
                 CONSTRAINT node_tag_pkey PRIMARY KEY (id),
                 CONSTRAINT node_tag_node_id_tag_id_unique_idx UNIQUE (node_id, tag_id),
                 CONSTRAINT node_tag_node_id_fkey FOREIGN KEY (node_id)
                     REFERENCES node (id) ON DELETE CASCADE,
                 CONSTRAINT node_tag_tag_id_fkey FOREIGN KEY (tag_id)
                     REFERENCES tag (id) ON DELETE CASCADE
             );
             CREATE INDEX node_tag_node_id_idx ON node_tag (node_id);
             CREATE INDEX node_tag_tag_id_idx ON node_tag (tag_id);

             -- DHCP.
             CREATE TABLE IF NOT EXISTS dhcp_snippet (
                 id BIGSERIAL NOT NULL,
                 name TEXT NOT NULL,
                 description TEXT,
                 value TEXT,
                 enabled BOOLEAN NOT NULL DEFAULT TRUE,
                 node_id BIGINT,
                 subnet_id BIGINT,
                 CONSTRAINT dhcp_snippet_pkey PRIMARY KEY (id),
                 CONSTRAINT dhcp_snippet_node_id_fkey FOREIGN KEY (node_id)
                     REFERENCES node (id) ON DELETE CASCADE,
                 CONSTRAINT dhcp_snippet_subnet_id_fkey FOREIGN KEY (subnet_id)
                     REFERENCES subnet (id) ON DELETE CASCADE
             );
             CREATE INDEX dhcp_snippet_name_idx ON dhcp_snippet (name);
             CREATE INDEX dhcp_snippet_enabled_idx ON dhcp_snippet (enabled);

             CREATE TABLE IF NOT EXISTS service (
                 id BIGSERIAL NOT NULL,
                 node_id BIGINT NOT NULL,
                 name TEXT NOT NULL,
                 status TEXT NOT NULL DEFAULT 'unknown',
                 status_info TEXT,
                 CONSTRAINT service_pkey PRIMARY KEY (id),
                 CONSTRAINT service_node_id_name_unique_idx UNIQUE (node_id, name),
                 CONSTRAINT service_node_id_fkey FOREIGN KEY (node_id)
                     REFERENCES node (id) ON DELETE CASCADE
             );
             CREATE INDEX service_node_id_idx ON service (node_id);
        `)
		return err
	}, func(db migrations.DB) error {
		_, err := db.Exec(`
             DROP TABLE IF EXISTS service;
             DROP TABLE IF EXISTS dhcp_snippet;
             DROP TABLE IF EXISTS node_tag;
             DROP TABLE IF EXISTS tag;
             DROP TABLE IF EXISTS filesystem;
             DROP TABLE IF EXISTS block_device;
             DROP TABLE IF EXISTS bmc_routable_rack;
             DROP TABLE IF EXISTS pod_storage_pool;
             DROP TABLE IF EXISTS pod_hints;
             DROP TABLE IF EXISTS neighbour;
             DROP TABLE IF EXISTS interface_ip_address;
             DROP TABLE IF EXISTS interface_relationship;
             ALTER TABLE IF EXISTS node DROP CONSTRAINT IF EXISTS node_boot_interface_id_fkey;
             DROP TABLE IF EXISTS interface;
             DROP TABLE IF EXISTS static_route;
             DROP TABLE IF EXISTS static_ip_address;
             DROP TABLE IF EXISTS ip_range;
             DROP TABLE IF EXISTS subnet;
             DROP TABLE IF EXISTS vlan;
             DROP TABLE IF EXISTS node;
             DROP TABLE IF EXISTS bmc;
             DROP TABLE IF EXISTS setting;
             DROP TABLE IF EXISTS domain;
             DROP TABLE IF EXISTS fabric;
        `)
		return err
	})
}
