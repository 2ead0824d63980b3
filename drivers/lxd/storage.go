package lxd

import (
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/pkg/errors"

	"github.com/metalyard/region/datamodel/pod"
)

// Name of the pool created when the hypervisor has none.
const defaultPoolName = "maas"

// Capacity of a storage pool in bytes.
type StoragePoolUsage struct {
	Name  string
	Total int64
	Used  int64
}

// Returns the free space of the pool.
func (p StoragePoolUsage) Free() int64 {
	return p.Total - p.Used
}

// Parses a size as written in the hypervisor configuration. The binary
// suffixes (KiB, MiB, GiB, ...) are powers of 1024, the decimal ones
// (kB, MB, GB, ...) powers of 1000 and a bare number is in bytes.
func parseSize(size string) (int64, error) {
	size = strings.TrimSpace(size)
	if size == "" {
		return 0, errors.New("empty size")
	}
	if n, err := strconv.ParseInt(size, 10, 64); err == nil {
		return n, nil
	}
	lower := strings.ToLower(size)
	if strings.HasSuffix(lower, "ib") {
		n, err := units.RAMInBytes(size)
		return n, errors.Wrapf(err, "invalid size %s", size)
	}
	n, err := units.FromHumanSize(size)
	return n, errors.Wrapf(err, "invalid size %s", size)
}

// Selects the pool for the requested disk. When the disk has tags the only
// eligible pool is the one named by a tag. Otherwise the default pool is
// the only eligible one when it is set. Otherwise the first pool with
// enough free space is selected. An invalid resources error is returned
// when the eligible pool lacks space, even if another pool could hold the
// disk.
func GetUsableStoragePool(disk pod.RequestedMachineBlockDevice, pools []StoragePoolUsage, defaultPool string) (string, error) {
	if len(pools) == 0 {
		return "", pod.NewPodInvalidResourcesError("no storage pools available")
	}
	if len(disk.Tags) > 0 {
		for _, pool := range pools {
			for _, tag := range disk.Tags {
				if pool.Name != tag {
					continue
				}
				if pool.Free() < disk.Size {
					return "", pod.NewPodInvalidResourcesError(
						"not enough storage space on storage pool %s, requested %d bytes, available %d bytes",
						pool.Name, disk.Size, pool.Free())
				}
				return pool.Name, nil
			}
		}
		return "", pod.NewPodInvalidResourcesError("no storage pool matches tags %s", strings.Join(disk.Tags, ","))
	}
	if defaultPool != "" {
		for _, pool := range pools {
			if pool.Name != defaultPool {
				continue
			}
			if pool.Free() < disk.Size {
				return "", pod.NewPodInvalidResourcesError(
					"not enough storage space on default storage pool %s, requested %d bytes, available %d bytes",
					pool.Name, disk.Size, pool.Free())
			}
			return pool.Name, nil
		}
		return "", pod.NewPodInvalidResourcesError("default storage pool %s does not exist", defaultPool)
	}
	for _, pool := range pools {
		if pool.Free() >= disk.Size {
			return pool.Name, nil
		}
	}
	return "", pod.NewPodInvalidResourcesError("not enough storage space on any storage pool, requested %d bytes", disk.Size)
}
