package dbmodel

import (
	"github.com/pkg/errors"

	"github.com/metalyard/region/datamodel/pod"
	dbops "github.com/metalyard/region/server/database"
)

// Block device of a node. Physical devices are identified by the model
// and serial number or by the path, iSCSI devices by the target.
type BlockDevice struct {
	tableName     struct{}            `pg:"block_device"` //nolint:unused
	ID            int64               `pg:"id,pk"`
	NodeID        int64               `pg:"node_id"`
	Name          string              `pg:"name"`
	Type          pod.BlockDeviceType `pg:"type"`
	IDPath        string              `pg:"id_path"`
	Model         string              `pg:"model"`
	Serial        string              `pg:"serial"`
	Target        string              `pg:"target"`
	Size          int64               `pg:"size,use_zero"`
	BlockSize     int64               `pg:"block_size,use_zero"`
	Tags          []string            `pg:"tags,array"`
	StoragePoolID int64               `pg:"storage_pool_id"`
}

// Filesystem created on a block device.
type Filesystem struct {
	tableName     struct{} `pg:"filesystem"` //nolint:unused
	ID            int64    `pg:"id,pk"`
	BlockDeviceID int64    `pg:"block_device_id"`
	FSType        string   `pg:"fstype"`
	MountPoint    string   `pg:"mount_point"`
}

func init() {
	dbops.RegisterTable("block_device", (*BlockDevice)(nil),
		dbops.Index{Name: "node_id", Field: "NodeID"})
	dbops.RegisterTable("filesystem", (*Filesystem)(nil),
		dbops.Index{Name: "block_device_id", Field: "BlockDeviceID"})
}

// Block size used when the discovered device does not report one.
const DefaultBlockSize = 512

// Returns the name of the block device at the position, i.e. sda, sdb,
// ..., sdz, sdaa, sdab and so on.
func BlockDeviceName(index int) string {
	suffix := ""
	for n := index + 1; n > 0; n = (n - 1) / 26 {
		suffix = string(rune('a'+(n-1)%26)) + suffix
	}
	return "sd" + suffix
}

// Validates and inserts the block device.
func AddBlockDevice(tx dbops.Tx, device *BlockDevice) error {
	switch device.Type {
	case pod.BlockDeviceTypePhysical:
		if device.Model == "" && device.Serial == "" && device.IDPath == "" {
			return NewValidationError("physical block device %s requires model and serial or path", device.Name)
		}
	case pod.BlockDeviceTypeISCSI:
		if device.Target == "" {
			return NewValidationError("iSCSI block device %s requires a target", device.Name)
		}
	default:
		return NewValidationError("unknown block device type %q", device.Type)
	}
	if device.BlockSize == 0 {
		device.BlockSize = DefaultBlockSize
	}
	if err := dbops.Insert(tx, device); err != nil {
		return errors.WithMessagef(err, "problem adding block device %s", device.Name)
	}
	return nil
}

// Returns the block devices of the node ordered by ID.
func GetBlockDevicesByNode(tx dbops.Tx, nodeID int64) ([]*BlockDevice, error) {
	return dbops.FindBy[BlockDevice](tx, "node_id", nodeID)
}

// Returns the filesystems of the block device ordered by ID.
func GetFilesystems(tx dbops.Tx, blockDeviceID int64) ([]*Filesystem, error) {
	return dbops.FindBy[Filesystem](tx, "block_device_id", blockDeviceID)
}

// Deletes the block device with its filesystems.
func DeleteBlockDevice(tx dbops.Tx, device *BlockDevice) error {
	filesystems, err := GetFilesystems(tx, device.ID)
	if err != nil {
		return err
	}
	for _, fs := range filesystems {
		if err := dbops.Delete(tx, fs); err != nil {
			return err
		}
	}
	return dbops.Delete(tx, device)
}
