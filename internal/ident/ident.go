// Package ident parses mount identifiers and resolves them against a
// topology forest into an attachment plan.
//
// Grammar:
//
//	ident  := direct | lvm | raid
//	direct := device (":" device)*
//	lvm    := "lvm:" vg_name (":" device)* ":" lv_name
//	raid   := "raid:" device (":" device)+
//	device := ["/dev/"] ("disk" N ["s" M] | linux_block_name)
//
// Linux block names are sd, vd and xvd disks, nvme namespaces and mmcblk
// cards, each with an optional partition suffix.
package ident

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/samber/lo"
)

var (
	// ErrInvalidIdentifier indicates the identifier does not match the grammar.
	ErrInvalidIdentifier = fmt.Errorf("invalid identifier: %w", errdefs.ErrInvalidArgument)

	// ErrNotAPartition indicates a whole disk was named where a partition is required.
	ErrNotAPartition = fmt.Errorf("not a partition: %w", errdefs.ErrInvalidArgument)

	// ErrNotMountable indicates the device holds content that is only reachable
	// through an lvm: or raid: identifier.
	ErrNotMountable = fmt.Errorf("not directly mountable: %w", errdefs.ErrInvalidArgument)

	// ErrUnknownDevice indicates a named device is not in the catalog.
	ErrUnknownDevice = fmt.Errorf("unknown device: %w", errdefs.ErrNotFound)

	// ErrUnknownVolumeGroup indicates no volume group matches the name and member set.
	ErrUnknownVolumeGroup = fmt.Errorf("unknown volume group: %w", errdefs.ErrNotFound)

	// ErrUnknownLogicalVolume indicates the volume group has no such logical volume.
	ErrUnknownLogicalVolume = fmt.Errorf("unknown logical volume: %w", errdefs.ErrNotFound)

	// ErrUnknownRaidArray indicates no RAID array is backed by the member set.
	ErrUnknownRaidArray = fmt.Errorf("unknown raid array: %w", errdefs.ErrNotFound)
)

// Identifier is the parsed form of a mount target.
type Identifier interface {
	isIdentifier()
	String() string
}

// DirectDevices names one partition, or the members of a multi-device
// filesystem. Members are never grouped.
type DirectDevices struct {
	Devices []string
}

// LvmTarget names a logical volume. Members may be empty, in which case
// every PV of the group is attached.
type LvmTarget struct {
	VGName  string
	Members []string
	LVName  string
}

// RaidTarget names an md array by its members.
type RaidTarget struct {
	Members []string
}

func (DirectDevices) isIdentifier() {}
func (LvmTarget) isIdentifier()     {}
func (RaidTarget) isIdentifier()    {}

func (d DirectDevices) String() string { return strings.Join(d.Devices, ":") }

func (l LvmTarget) String() string {
	parts := append([]string{"lvm", l.VGName}, l.Members...)
	return strings.Join(append(parts, l.LVName), ":")
}

func (r RaidTarget) String() string {
	return strings.Join(append([]string{"raid"}, r.Members...), ":")
}

var (
	deviceRe = regexp.MustCompile(`^(?:/dev/)?(disk[0-9]+(?:s[0-9]+)?|(?:sd|vd|xvd)[a-z]+[0-9]*|nvme[0-9]+n[0-9]+(?:p[0-9]+)?|mmcblk[0-9]+(?:p[0-9]+)?)$`)
	nameRe   = regexp.MustCompile(`^[A-Za-z0-9+_.][A-Za-z0-9+_.-]*$`)
)

// NormalizeDevice returns the /dev path for a device token.
func NormalizeDevice(tok string) (string, error) {
	m := deviceRe.FindStringSubmatch(tok)
	if m == nil {
		return "", fmt.Errorf("%q is not a disk device: %w", tok, ErrInvalidIdentifier)
	}
	return "/dev/" + m[1], nil
}

// Parse parses a raw identifier.
func Parse(raw string) (Identifier, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty identifier: %w", ErrInvalidIdentifier)
	}
	parts := strings.Split(raw, ":")

	switch parts[0] {
	case "lvm":
		if len(parts) < 3 {
			return nil, fmt.Errorf("%q: expected lvm:<vg>[:<device>...]:<lv>: %w", raw, ErrInvalidIdentifier)
		}
		vg, lv := parts[1], parts[len(parts)-1]
		if !nameRe.MatchString(vg) || !nameRe.MatchString(lv) {
			return nil, fmt.Errorf("%q: invalid volume group or logical volume name: %w", raw, ErrInvalidIdentifier)
		}
		members, err := parseDevices(parts[2 : len(parts)-1])
		if err != nil {
			return nil, err
		}
		return LvmTarget{VGName: vg, Members: members, LVName: lv}, nil

	case "raid":
		if len(parts) < 3 {
			return nil, fmt.Errorf("%q: expected raid:<device>:<device>...: %w", raw, ErrInvalidIdentifier)
		}
		members, err := parseDevices(parts[1:])
		if err != nil {
			return nil, err
		}
		return RaidTarget{Members: members}, nil

	default:
		devices, err := parseDevices(parts)
		if err != nil {
			return nil, err
		}
		return DirectDevices{Devices: devices}, nil
	}
}

func parseDevices(toks []string) ([]string, error) {
	out := make([]string, 0, len(toks))
	for _, t := range toks {
		p, err := NormalizeDevice(t)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if dups := lo.FindDuplicates(out); len(dups) > 0 {
		return nil, fmt.Errorf("device %s listed more than once: %w", dups[0], ErrInvalidIdentifier)
	}
	return out, nil
}
