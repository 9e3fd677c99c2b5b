package topology

import (
	"fmt"

	"github.com/spin-stack/diskbox/internal/catalog"
)

// ContentKind is what a device or volume holds. The set of implementations
// is closed; Classify maps anything it does not recognise to Unknown.
type ContentKind interface {
	isContent()
	String() string
}

// Filesystem is a mountable filesystem.
type Filesystem struct {
	FSType string
	Label  string
}

// LuksContainer is a LUKS volume. Inner is nil until a decrypt probe ran.
type LuksContainer struct {
	Inner ContentKind
}

// BitLockerContainer is a BitLocker volume. Inner is nil until probed.
type BitLockerContainer struct {
	Inner ContentKind
}

// LvmPhysicalVolume is an LVM2 PV. VGName is empty when the host had no
// LVM metadata for it.
type LvmPhysicalVolume struct {
	VGName string
}

// RaidMember is one member of an md array.
type RaidMember struct {
	ArrayUUID string
}

// Unknown carries the probe marker that could not be classified.
type Unknown struct {
	Marker string
}

func (Filesystem) isContent()         {}
func (LuksContainer) isContent()      {}
func (BitLockerContainer) isContent() {}
func (LvmPhysicalVolume) isContent()  {}
func (RaidMember) isContent()         {}
func (Unknown) isContent()            {}

func (f Filesystem) String() string { return f.FSType }

func (l LuksContainer) String() string { return containerString("LUKS", l.Inner) }

func (b BitLockerContainer) String() string { return containerString("BitLocker", b.Inner) }

func (p LvmPhysicalVolume) String() string {
	if p.VGName == "" {
		return "LVM2 PV"
	}
	return fmt.Sprintf("LVM2 PV (%s)", p.VGName)
}

func (r RaidMember) String() string {
	if r.ArrayUUID == "" {
		return "RAID member"
	}
	return fmt.Sprintf("RAID member (%s)", r.ArrayUUID)
}

func (u Unknown) String() string {
	if u.Marker == "" {
		return "unknown"
	}
	return u.Marker
}

func containerString(name string, inner ContentKind) string {
	if inner == nil {
		return name
	}
	return fmt.Sprintf("%s (%s)", name, inner)
}

// filesystems the guest kernel can mount.
var filesystems = map[string]bool{
	"ext2":     true,
	"ext3":     true,
	"ext4":     true,
	"btrfs":    true,
	"xfs":      true,
	"f2fs":     true,
	"jfs":      true,
	"reiserfs": true,
	"ntfs":     true,
	"ntfs3":    true,
	"exfat":    true,
	"vfat":     true,
	"hfsplus":  true,
	"squashfs": true,
	"erofs":    true,
	"udf":      true,
	"iso9660":  true,
	"nilfs2":   true,
	"bcachefs": true,
}

// Classify maps a probe marker to a ContentKind. group is the host's
// grouping key for the device (VG name or array UUID).
func Classify(marker, label, group string) ContentKind {
	switch {
	case marker == catalog.MarkerLVM:
		return LvmPhysicalVolume{VGName: group}
	case marker == catalog.MarkerLUKS:
		return LuksContainer{}
	case marker == catalog.MarkerBitLocker:
		return BitLockerContainer{}
	case marker == catalog.MarkerRAID:
		return RaidMember{ArrayUUID: group}
	case filesystems[marker]:
		return Filesystem{FSType: marker, Label: label}
	default:
		return Unknown{Marker: marker}
	}
}

// ClassifyDevice classifies a catalog device, folding in the inner content
// of an encrypted container when the snapshot has it.
func ClassifyDevice(d catalog.BlockDevice, decrypted map[string]catalog.ProbeResult) ContentKind {
	kind := Classify(d.Content, d.Label, d.Group)
	inner, ok := decrypted[d.Path]
	if !ok || inner.Content == "" {
		return kind
	}
	innerKind := Classify(inner.Content, inner.Label, inner.Group)
	switch k := kind.(type) {
	case LuksContainer:
		k.Inner = innerKind
		return k
	case BitLockerContainer:
		k.Inner = innerKind
		return k
	default:
		return kind
	}
}

// Encrypted reports whether k must be unlocked before use.
func Encrypted(k ContentKind) bool {
	switch k.(type) {
	case LuksContainer, BitLockerContainer:
		return true
	default:
		return false
	}
}

// Mountable reports whether k can be handed to mount, possibly after an
// unlock. PVs and RAID members are only reachable through their group.
func Mountable(k ContentKind) bool {
	switch k := k.(type) {
	case Filesystem:
		return true
	case LuksContainer:
		return k.Inner == nil || Mountable(k.Inner)
	case BitLockerContainer:
		return k.Inner == nil || Mountable(k.Inner)
	case LvmPhysicalVolume, RaidMember:
		return false
	case Unknown:
		// Unprobed Linux partitions still get a chance in the guest.
		return true
	default:
		return false
	}
}

// linuxMarkers are partition-type markers diskutil reports for Linux
// partitions it cannot read.
var linuxMarkers = map[string]bool{
	"Linux Filesystem": true,
	"Linux":            true,
}

// LinuxRelevant reports whether the content is something only the VM can
// read. Native host filesystems are excluded.
func LinuxRelevant(k ContentKind) bool {
	switch k := k.(type) {
	case Filesystem:
		switch k.FSType {
		case "vfat", "exfat", "hfsplus", "iso9660", "udf":
			return false
		}
		return true
	case LuksContainer, BitLockerContainer, LvmPhysicalVolume, RaidMember:
		return true
	case Unknown:
		return linuxMarkers[k.Marker]
	default:
		return false
	}
}
