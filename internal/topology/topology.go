// Package topology turns a flat catalog snapshot into a typed forest of
// disks, partitions and the synthesized LVM and RAID groupings above them.
//
// Every partition hangs off exactly one disk. Volume groups and RAID
// volumes reference their backing devices by value and never own them, so
// the forest stays a forest even though a PV is both a partition and a VG
// member.
//
// Grouping collisions are never merged: a VG name or array UUID claimed by
// two different member sets is kept aside in Forest.Ambiguous so it can be
// listed, and cannot be selected for a mount.
package topology

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/samber/lo"

	"github.com/spin-stack/diskbox/internal/catalog"
)

var (
	// ErrAmbiguousVolumeGroup indicates two different PV sets claim the same VG name.
	ErrAmbiguousVolumeGroup = fmt.Errorf("ambiguous volume group: %w", errdefs.ErrInvalidArgument)

	// ErrAmbiguousRaidArray indicates two different member sets claim the same array UUID.
	ErrAmbiguousRaidArray = fmt.Errorf("ambiguous raid array: %w", errdefs.ErrInvalidArgument)
)

// Disk is a whole device.
type Disk struct {
	Device     catalog.BlockDevice
	Partitions []*Partition
	// Content is set for disks without a partition table, e.g. a RAID
	// member or a filesystem written straight to the disk.
	Content ContentKind
}

// Partition is a slice of a disk.
type Partition struct {
	Device  catalog.BlockDevice
	Content ContentKind
}

// VolumeGroup is synthesized from the PVs that report the same VG.
type VolumeGroup struct {
	Name string
	UUID string
	// PhysicalVolumes is sorted by path.
	PhysicalVolumes []catalog.BlockDevice
	LogicalVolumes  []*LogicalVolume
}

// LogicalVolume is an LV inside a VolumeGroup.
type LogicalVolume struct {
	VGName  string
	LVName  string
	Content ContentKind
}

// RaidVolume is synthesized from members sharing an array UUID.
type RaidVolume struct {
	ArrayUUID string
	// Members is sorted by path.
	Members []catalog.BlockDevice
	Content ContentKind
}

// GroupKind says which synthesized grouping an Ambiguous entry refers to.
type GroupKind string

const (
	GroupLVM  GroupKind = "lvm"
	GroupRAID GroupKind = "raid"
)

// Ambiguous records a grouping key claimed by more than one member set.
type Ambiguous struct {
	Kind GroupKind
	Key  string
	// MemberSets holds each competing set of device paths, sorted.
	MemberSets [][]string
	Reason     string
}

// Err returns the classified error for this collision.
func (a Ambiguous) Err() error {
	sentinel := ErrAmbiguousVolumeGroup
	if a.Kind == GroupRAID {
		sentinel = ErrAmbiguousRaidArray
	}
	sets := lo.Map(a.MemberSets, func(s []string, _ int) string {
		return "{" + strings.Join(s, ", ") + "}"
	})
	return fmt.Errorf("%q claimed by %s (%s): %w", a.Key, strings.Join(sets, " and "), a.Reason, sentinel)
}

// Forest is the typed view of one snapshot.
type Forest struct {
	Disks        []*Disk
	VolumeGroups []*VolumeGroup
	RaidVolumes  []*RaidVolume
	Ambiguous    []Ambiguous
	Warnings     []string

	byPath map[string]deviceRef
}

type deviceRef struct {
	disk      *Disk
	partition *Partition
}

// Err joins the errors of all ambiguous groupings, or returns nil.
func (f *Forest) Err() error {
	errs := lo.Map(f.Ambiguous, func(a Ambiguous, _ int) error { return a.Err() })
	return errors.Join(errs...)
}

// Lookup finds a disk or partition by device path. Exactly one of the
// returned pointers is non-nil when ok is true.
func (f *Forest) Lookup(path string) (disk *Disk, part *Partition, ok bool) {
	ref, ok := f.byPath[path]
	return ref.disk, ref.partition, ok
}

// Content returns the classified content of a leaf device.
func (f *Forest) Content(path string) (ContentKind, bool) {
	disk, part, ok := f.Lookup(path)
	switch {
	case !ok:
		return nil, false
	case part != nil:
		return part.Content, true
	case disk.Content != nil:
		return disk.Content, true
	default:
		return nil, false
	}
}

// VolumeGroup returns the unambiguous VG with the given name.
func (f *Forest) VolumeGroup(name string) (*VolumeGroup, bool) {
	return lo.Find(f.VolumeGroups, func(vg *VolumeGroup) bool { return vg.Name == name })
}

// AmbiguousGroup returns the collision entry for a key, if any.
func (f *Forest) AmbiguousGroup(kind GroupKind, key string) (Ambiguous, bool) {
	return lo.Find(f.Ambiguous, func(a Ambiguous) bool { return a.Kind == kind && a.Key == key })
}

// Build constructs the forest from a snapshot.
func Build(snap *catalog.Snapshot) *Forest {
	f := &Forest{
		byPath:   make(map[string]deviceRef),
		Warnings: append([]string(nil), snap.Warnings...),
	}

	// Disks first so children can find their parent regardless of order.
	disks := make(map[string]*Disk)
	for _, d := range snap.Devices {
		if !d.IsWholeDisk() {
			continue
		}
		disk := &Disk{Device: d}
		disks[d.Path] = disk
		f.Disks = append(f.Disks, disk)
		f.byPath[d.Path] = deviceRef{disk: disk}
	}

	var leaves []catalog.BlockDevice
	for _, d := range snap.Devices {
		if d.IsWholeDisk() {
			continue
		}
		parent, ok := disks[d.Parent]
		if !ok {
			// The host reported a partition whose disk it did not list.
			parent = &Disk{Device: catalog.BlockDevice{Path: d.Parent}}
			disks[d.Parent] = parent
			f.Disks = append(f.Disks, parent)
			f.byPath[d.Parent] = deviceRef{disk: parent}
			f.Warnings = append(f.Warnings, fmt.Sprintf("%s: parent %s not reported by host", d.Path, d.Parent))
		}
		part := &Partition{Device: d, Content: ClassifyDevice(d, snap.Decrypted)}
		parent.Partitions = append(parent.Partitions, part)
		f.byPath[d.Path] = deviceRef{partition: part}
		leaves = append(leaves, d)
	}

	for _, disk := range f.Disks {
		if len(disk.Partitions) > 0 {
			continue
		}
		disk.Content = ClassifyDevice(disk.Device, snap.Decrypted)
		leaves = append(leaves, disk.Device)
	}

	f.buildVolumeGroups(snap, leaves)
	f.buildRaidVolumes(leaves)

	sort.SliceStable(f.Disks, func(i, j int) bool {
		return catalog.LessDevicePath(f.Disks[i].Device.Path, f.Disks[j].Device.Path)
	})
	sort.Strings(f.Warnings)
	return f
}

func (f *Forest) buildVolumeGroups(snap *catalog.Snapshot, leaves []catalog.BlockDevice) {
	pvs := lo.Filter(leaves, func(d catalog.BlockDevice, _ int) bool { return d.Content == catalog.MarkerLVM })
	for _, pv := range pvs {
		if pv.Group == "" {
			f.Warnings = append(f.Warnings, fmt.Sprintf("%s: LVM physical volume without volume group metadata", pv.Path))
		}
	}
	lvs := snap.LogicalVolumes

	// PVs found inside opened containers join their VG under the
	// container's host path.
	for _, d := range leaves {
		inner, ok := snap.Decrypted[d.Path]
		if !ok || inner.Content != catalog.MarkerLVM || !Encrypted(Classify(d.Content, "", "")) {
			continue
		}
		if inner.Group == "" {
			f.Warnings = append(f.Warnings, fmt.Sprintf("%s: encrypted LVM physical volume without volume group metadata", d.Path))
			continue
		}
		pv := d
		pv.Group, pv.GroupID = inner.Group, inner.GroupID
		pv.MemberID = lo.CoalesceOrEmpty(inner.SubUUID, inner.UUID, d.Path)
		pvs = append(pvs, pv)
		lvs = append(lvs, inner.LogicalVolumes...)
	}
	lvs = lo.UniqBy(lvs, func(lv catalog.LogicalVolumeInfo) string { return lv.VG + "\x00" + lv.VGUUID + "\x00" + lv.Name })
	groups := lo.GroupBy(lo.Filter(pvs, func(d catalog.BlockDevice, _ int) bool { return d.Group != "" }),
		func(d catalog.BlockDevice) string { return d.Group })

	for _, name := range sortedKeys(groups) {
		members := groups[name]
		if amb, ok := splitGroup(GroupLVM, name, members, func(d catalog.BlockDevice) string { return d.GroupID }); ok {
			f.Ambiguous = append(f.Ambiguous, amb)
			continue
		}
		vg := &VolumeGroup{
			Name:            name,
			UUID:            members[0].GroupID,
			PhysicalVolumes: sortDevices(members),
		}
		for _, lv := range lvs {
			if lv.VG != name || (lv.VGUUID != "" && vg.UUID != "" && lv.VGUUID != vg.UUID) {
				continue
			}
			vg.LogicalVolumes = append(vg.LogicalVolumes, &LogicalVolume{
				VGName:  name,
				LVName:  lv.Name,
				Content: Classify(lv.Content, lv.Label, ""),
			})
		}
		sort.Slice(vg.LogicalVolumes, func(i, j int) bool { return vg.LogicalVolumes[i].LVName < vg.LogicalVolumes[j].LVName })
		f.VolumeGroups = append(f.VolumeGroups, vg)
	}
}

func (f *Forest) buildRaidVolumes(leaves []catalog.BlockDevice) {
	members := lo.Filter(leaves, func(d catalog.BlockDevice, _ int) bool { return d.Content == catalog.MarkerRAID })
	for _, m := range members {
		if m.Group == "" {
			f.Warnings = append(f.Warnings, fmt.Sprintf("%s: RAID member without array UUID", m.Path))
		}
	}
	groups := lo.GroupBy(lo.Filter(members, func(d catalog.BlockDevice, _ int) bool { return d.Group != "" }),
		func(d catalog.BlockDevice) string { return d.Group })

	for _, uuid := range sortedKeys(groups) {
		set := groups[uuid]
		if amb, ok := splitGroup(GroupRAID, uuid, set, nil); ok {
			f.Ambiguous = append(f.Ambiguous, amb)
			continue
		}
		f.RaidVolumes = append(f.RaidVolumes, &RaidVolume{
			ArrayUUID: uuid,
			Members:   sortDevices(set),
			Content:   arrayContent(set),
		})
	}
}

// arrayContent classifies what the host saw on the assembled array. Arrays
// the host did not assemble stay Unknown and are probed in the guest.
func arrayContent(members []catalog.BlockDevice) ContentKind {
	m, ok := lo.Find(members, func(d catalog.BlockDevice) bool {
		return d.Assembled != nil && d.Assembled.Content != ""
	})
	if !ok {
		return Unknown{}
	}
	return Classify(m.Assembled.Content, m.Assembled.Label, m.Assembled.Group)
}

// splitGroup detects whether the devices sharing a grouping key actually
// form more than one set: either they carry different group identities
// (two VGs with the same name) or a member identity repeats (a cloned
// disk). identity may be nil when the key is already unique.
func splitGroup(kind GroupKind, key string, devices []catalog.BlockDevice, identity func(catalog.BlockDevice) string) (Ambiguous, bool) {
	if identity != nil {
		byID := lo.GroupBy(devices, identity)
		if len(byID) > 1 {
			amb := Ambiguous{Kind: kind, Key: key, Reason: "different group identities"}
			for _, id := range sortedKeys(byID) {
				amb.MemberSets = append(amb.MemberSets, devicePaths(sortDevices(byID[id])))
			}
			return amb, true
		}
	}

	byMember := lo.GroupBy(lo.Filter(devices, func(d catalog.BlockDevice, _ int) bool { return d.MemberID != "" }),
		func(d catalog.BlockDevice) string { return d.MemberID })
	for _, id := range sortedKeys(byMember) {
		dups := byMember[id]
		if len(dups) < 2 {
			continue
		}
		// Each copy of the duplicated member heads its own candidate set.
		amb := Ambiguous{Kind: kind, Key: key, Reason: fmt.Sprintf("member %s appears on %d devices", id, len(dups))}
		rest := lo.Filter(devices, func(d catalog.BlockDevice, _ int) bool { return d.MemberID != id })
		for _, dup := range sortDevices(dups) {
			set := append([]catalog.BlockDevice{dup}, rest...)
			amb.MemberSets = append(amb.MemberSets, devicePaths(sortDevices(set)))
		}
		return amb, true
	}
	return Ambiguous{}, false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}

func sortDevices(devs []catalog.BlockDevice) []catalog.BlockDevice {
	out := append([]catalog.BlockDevice(nil), devs...)
	sort.Slice(out, func(i, j int) bool { return catalog.LessDevicePath(out[i].Path, out[j].Path) })
	return out
}

func devicePaths(devs []catalog.BlockDevice) []string {
	return lo.Map(devs, func(d catalog.BlockDevice, _ int) string { return d.Path })
}

// PathSet returns the paths of devs as a sorted slice for set comparison.
func PathSet(devs []catalog.BlockDevice) []string {
	return devicePaths(sortDevices(devs))
}
