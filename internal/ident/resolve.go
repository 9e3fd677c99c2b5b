package ident

import (
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/spin-stack/diskbox/internal/topology"
)

// Options are user choices forwarded into the plan.
type Options struct {
	ReadWrite    bool
	MountOptions string
	FSType       string
}

// Resolve turns an identifier into a plan against the forest.
func Resolve(id Identifier, forest *topology.Forest, opts Options) (*Plan, error) {
	r := &resolver{forest: forest, opts: opts}
	var (
		plan *Plan
		err  error
	)
	switch id := id.(type) {
	case DirectDevices:
		plan, err = r.direct(id)
	case LvmTarget:
		plan, err = r.lvm(id)
	case RaidTarget:
		plan, err = r.raid(id)
	default:
		return nil, fmt.Errorf("unsupported identifier %T: %w", id, ErrInvalidIdentifier)
	}
	if err != nil {
		return nil, err
	}
	plan.Identifier = id.String()
	plan.Options = opts.MountOptions
	plan.FSType = opts.FSType
	return plan, nil
}

// ParseAndResolve is Parse followed by Resolve.
func ParseAndResolve(raw string, forest *topology.Forest, opts Options) (*Plan, error) {
	id, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return Resolve(id, forest, opts)
}

type resolver struct {
	forest  *topology.Forest
	opts    Options
	unlocks int
}

func (r *resolver) attach(paths []string) []Attachment {
	return lo.Map(paths, func(p string, _ int) Attachment {
		return Attachment{Path: p, ReadOnly: !r.opts.ReadWrite}
	})
}

// unwrap appends unlock steps for nested encrypted containers on dev and
// returns the device to use next plus the remaining content.
func (r *resolver) unwrap(plan *Plan, hostDev, dev string, kind topology.ContentKind) (string, topology.ContentKind) {
	for kind != nil {
		plan.Chain = append(plan.Chain, kind)
		var stepKind StepKind
		var inner topology.ContentKind
		switch k := kind.(type) {
		case topology.LuksContainer:
			stepKind, inner = StepUnlockLUKS, k.Inner
		case topology.BitLockerContainer:
			stepKind, inner = StepUnlockBitLocker, k.Inner
		default:
			return dev, kind
		}
		name := fmt.Sprintf("%s%d", stepKind, r.unlocks)
		r.unlocks++
		plan.Steps = append(plan.Steps, Step{
			Kind:       stepKind,
			Device:     dev,
			Name:       name,
			HostDevice: hostDev,
			Index:      r.unlocks,
		})
		dev = MapperPath(name)
		kind = inner
	}
	return dev, nil
}

func (r *resolver) direct(id DirectDevices) (*Plan, error) {
	plan := &Plan{Attachments: r.attach(id.Devices)}
	for i, p := range id.Devices {
		disk, part, ok := r.forest.Lookup(p)
		if !ok {
			return nil, fmt.Errorf("%s: %w", p, ErrUnknownDevice)
		}
		var content topology.ContentKind
		switch {
		case part != nil:
			content = part.Content
		case len(id.Devices) > 1 && len(disk.Partitions) == 0:
			// A partitionless member of a multi-device filesystem.
			content = disk.Content
		default:
			return nil, fmt.Errorf("%s is a whole disk; name one of its partitions: %w", p, ErrNotAPartition)
		}

		switch c := content.(type) {
		case topology.LvmPhysicalVolume:
			return nil, fmt.Errorf("%s is an LVM physical volume; use lvm:%s:<device>...:<lv>: %w", p, orPlaceholder(c.VGName, "<vg>"), ErrNotMountable)
		case topology.RaidMember:
			return nil, fmt.Errorf("%s is a RAID member; use raid:<device>:<device>...: %w", p, ErrNotMountable)
		}

		before := len(plan.Chain)
		dev, rest := r.unwrap(plan, p, GuestDevice(i), content)
		if rest != nil {
			if pv, ok := rest.(topology.LvmPhysicalVolume); ok {
				return nil, fmt.Errorf("%s holds an LVM physical volume inside an encrypted container; use lvm:%s:%s:<lv>: %w",
					p, orPlaceholder(pv.VGName, "<vg>"), p, ErrNotMountable)
			}
		}
		if i > 0 {
			// Only the first member's chain describes the mount.
			plan.Chain = plan.Chain[:before]
			continue
		}
		plan.GuestSource = dev
		plan.Label = labelOf(content)
		if plan.Label == "" {
			plan.Label = path.Base(p)
		}
	}
	return plan, nil
}

func (r *resolver) lvm(id LvmTarget) (*Plan, error) {
	vg, ok := r.forest.VolumeGroup(id.VGName)
	if !ok {
		if amb, found := r.forest.AmbiguousGroup(topology.GroupLVM, id.VGName); found {
			return nil, amb.Err()
		}
		// A VG whose PVs are all still locked is invisible to the host.
		// Trust the named members; the guest finds the VG after unlocking.
		if len(id.Members) == 0 || !r.anyLocked(id.Members) {
			return nil, fmt.Errorf("%q: %w", id.VGName, ErrUnknownVolumeGroup)
		}
		vg = &topology.VolumeGroup{Name: id.VGName}
	}

	backing := topology.PathSet(vg.PhysicalVolumes)
	members := id.Members
	if len(members) == 0 {
		members = backing
	} else if !r.coversVG(members, backing) {
		return nil, fmt.Errorf("%q is backed by %s, not %s: %w",
			id.VGName, strings.Join(backing, ", "), strings.Join(sorted(members), ", "), ErrUnknownVolumeGroup)
	}

	lv, ok := lo.Find(vg.LogicalVolumes, func(lv *topology.LogicalVolume) bool { return lv.LVName == id.LVName })
	if !ok {
		if !r.anyLocked(members) {
			return nil, fmt.Errorf("%s/%s: %w", id.VGName, id.LVName, ErrUnknownLogicalVolume)
		}
		lv = &topology.LogicalVolume{VGName: vg.Name, LVName: id.LVName}
	}

	plan := &Plan{Attachments: r.attach(members)}
	first := true
	for i, m := range members {
		content, ok := r.forest.Content(m)
		if !ok {
			return nil, fmt.Errorf("%s: %w", m, ErrUnknownDevice)
		}
		if !topology.Encrypted(content) {
			continue
		}
		before := len(plan.Chain)
		_, rest := r.unwrap(plan, m, GuestDevice(i), content)
		if pv, isPV := rest.(topology.LvmPhysicalVolume); rest != nil && (!isPV || (pv.VGName != "" && pv.VGName != vg.Name)) {
			return nil, fmt.Errorf("%s does not hold a physical volume of %q (found %s): %w", m, vg.Name, rest, ErrNotMountable)
		}
		if !first {
			plan.Chain = plan.Chain[:before]
		}
		first = false
	}
	if n := len(plan.Chain); n == 0 {
		plan.Chain = append(plan.Chain, topology.LvmPhysicalVolume{VGName: vg.Name})
	} else if _, isPV := plan.Chain[n-1].(topology.LvmPhysicalVolume); !isPV {
		plan.Chain = append(plan.Chain, topology.LvmPhysicalVolume{VGName: vg.Name})
	}
	plan.Steps = append(plan.Steps, Step{Kind: StepActivateLVM, Device: GuestDevice(0), Name: vg.Name})

	dev, _ := r.unwrap(plan, vg.Name+"/"+lv.LVName, path.Join("/dev", vg.Name, lv.LVName), lv.Content)
	plan.GuestSource = dev
	plan.Label = labelOf(lv.Content)
	if plan.Label == "" {
		plan.Label = lv.LVName
	}
	return plan, nil
}

// anyLocked reports whether some member is an encrypted container whose
// content has not been probed.
func (r *resolver) anyLocked(members []string) bool {
	return lo.SomeBy(members, func(m string) bool { return r.locked(m) })
}

func (r *resolver) locked(dev string) bool {
	switch k, _ := r.forest.Content(dev); k := k.(type) {
	case topology.LuksContainer:
		return k.Inner == nil
	case topology.BitLockerContainer:
		return k.Inner == nil
	default:
		return false
	}
}

// coversVG reports whether members names every known PV of a VG, plus
// possibly locked containers that may hold further PVs.
func (r *resolver) coversVG(members, backing []string) bool {
	if sameSet(members, backing) {
		return true
	}
	if !lo.Every(members, backing) {
		return false
	}
	extra, _ := lo.Difference(members, backing)
	return lo.EveryBy(extra, r.locked)
}

func (r *resolver) raid(id RaidTarget) (*Plan, error) {
	rv, ok := lo.Find(r.forest.RaidVolumes, func(rv *topology.RaidVolume) bool {
		return sameSet(id.Members, topology.PathSet(rv.Members))
	})
	if !ok {
		for _, amb := range r.forest.Ambiguous {
			if amb.Kind != topology.GroupRAID {
				continue
			}
			for _, set := range amb.MemberSets {
				if sameSet(id.Members, set) {
					return nil, amb.Err()
				}
			}
		}
		return nil, fmt.Errorf("%s: %w", strings.Join(sorted(id.Members), ", "), ErrUnknownRaidArray)
	}

	plan := &Plan{Attachments: r.attach(id.Members)}
	guestMembers := make([]string, len(id.Members))
	for i := range id.Members {
		guestMembers[i] = GuestDevice(i)
	}
	const array = "/dev/md0"
	plan.Chain = append(plan.Chain, topology.RaidMember{ArrayUUID: rv.ArrayUUID})
	plan.Steps = append(plan.Steps, Step{Kind: StepAssembleRAID, Device: array, Name: rv.ArrayUUID, Members: guestMembers})
	var content topology.ContentKind
	if _, unknown := rv.Content.(topology.Unknown); !unknown {
		content = rv.Content
	}
	dev, _ := r.unwrap(plan, array, array, content)
	plan.GuestSource = dev
	plan.Label = labelOf(rv.Content)
	if plan.Label == "" {
		plan.Label = "raid-" + shortUUID(rv.ArrayUUID)
	}
	return plan, nil
}

func labelOf(k topology.ContentKind) string {
	switch k := k.(type) {
	case topology.Filesystem:
		return k.Label
	case topology.LuksContainer:
		return labelOf(k.Inner)
	case topology.BitLockerContainer:
		return labelOf(k.Inner)
	default:
		return ""
	}
}

func sameSet(a, b []string) bool {
	return slices.Equal(sorted(a), sorted(b))
}

func sorted(s []string) []string {
	out := slices.Clone(s)
	slices.Sort(out)
	return out
}

func shortUUID(u string) string {
	u = strings.ReplaceAll(u, "-", "")
	if len(u) > 8 {
		return u[:8]
	}
	return u
}

func orPlaceholder(s, placeholder string) string {
	if s == "" {
		return placeholder
	}
	return s
}
