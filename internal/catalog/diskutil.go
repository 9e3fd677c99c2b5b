package catalog

import (
	"context"
	"fmt"

	"howett.net/plist"

	"github.com/spin-stack/diskbox/internal/runner"
)

// diskutilList mirrors the subset of `diskutil list -plist` we consume.
type diskutilList struct {
	AllDisksAndPartitions []diskutilDisk `plist:"AllDisksAndPartitions"`
}

type diskutilDisk struct {
	Content          string              `plist:"Content"`
	DeviceIdentifier string              `plist:"DeviceIdentifier"`
	OSInternal       bool                `plist:"OSInternal"`
	Partitions       []diskutilPartition `plist:"Partitions"`
	Size             uint64              `plist:"Size"`
	APFSVolumes      []diskutilPartition `plist:"APFSVolumes"`
}

type diskutilPartition struct {
	Content          string `plist:"Content"`
	DeviceIdentifier string `plist:"DeviceIdentifier"`
	DiskUUID         string `plist:"DiskUUID"`
	Size             uint64 `plist:"Size"`
	VolumeName       string `plist:"VolumeName"`
	VolumeUUID       string `plist:"VolumeUUID"`
}

// DiskutilLister lists devices with `diskutil list -plist`.
type DiskutilLister struct {
	Runner runner.Runner
	// IncludeSynthesized keeps APFS container disks, which never hold
	// Linux content.
	IncludeSynthesized bool
}

// List implements Lister.
func (l *DiskutilLister) List(ctx context.Context) ([]BlockDevice, error) {
	out, err := l.Runner.Run(ctx, runner.Cmd{Name: "diskutil", Args: []string{"list", "-plist"}})
	if err != nil {
		return nil, err
	}
	return parseDiskutilList(out, l.IncludeSynthesized)
}

func parseDiskutilList(data []byte, includeSynthesized bool) ([]BlockDevice, error) {
	var list diskutilList
	if _, err := plist.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse diskutil plist: %w", err)
	}

	var devices []BlockDevice
	for _, disk := range list.AllDisksAndPartitions {
		if len(disk.APFSVolumes) > 0 && !includeSynthesized {
			// Synthesized APFS container disk.
			continue
		}
		diskPath := "/dev/" + disk.DeviceIdentifier
		devices = append(devices, BlockDevice{
			Path:    diskPath,
			Size:    disk.Size,
			Content: disk.Content,
		})
		for _, p := range disk.Partitions {
			devices = append(devices, BlockDevice{
				Path:    "/dev/" + p.DeviceIdentifier,
				Size:    p.Size,
				Parent:  diskPath,
				Content: partitionTypeMarker(p.Content),
				Label:   p.VolumeName,
				UUID:    p.VolumeUUID,
			})
		}
	}
	return devices, nil
}

// partitionTypeMarker maps diskutil partition type names onto the probe
// vocabulary so classification works when blkid is unavailable.
func partitionTypeMarker(content string) string {
	switch content {
	case "Linux_LVM", "Linux LVM", "0x8E":
		return MarkerLVM
	case "Linux_RAID", "Linux RAID", "0xFD":
		return MarkerRAID
	default:
		return content
	}
}
