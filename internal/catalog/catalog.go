// Package catalog queries the host storage stack and produces a flat,
// immutable snapshot of block devices.
//
// A snapshot combines three sources:
//
//   - a device lister (diskutil on macOS) that reports disks, partitions
//     and their parent links
//   - a content prober (blkid) that fills in filesystem/container markers,
//     labels and UUIDs per device
//   - LVM metadata (lvm2 report tools when present, otherwise the on-disk
//     PV metadata area) that maps PVs to volume groups and lists logical
//     volumes
//
// Snapshots are never persisted; every command invocation collects a fresh one.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/containerd/log"
	"golang.org/x/sync/errgroup"
)

// Well-known content markers as reported by blkid.
const (
	MarkerLVM       = "LVM2_member"
	MarkerLUKS      = "crypto_LUKS"
	MarkerBitLocker = "BitLocker"
	MarkerRAID      = "linux_raid_member"
)

// BlockDevice is one raw device descriptor.
type BlockDevice struct {
	Path    string `json:"path" yaml:"path"`
	Size    uint64 `json:"size" yaml:"size"`
	Parent  string `json:"parent,omitempty" yaml:"parent,omitempty"`
	Content string `json:"content,omitempty" yaml:"content,omitempty"`
	Label   string `json:"label,omitempty" yaml:"label,omitempty"`
	UUID    string `json:"uuid,omitempty" yaml:"uuid,omitempty"`
	// Group is the host-reported grouping key: the VG name for LVM PVs,
	// the array UUID for RAID members.
	Group string `json:"group,omitempty" yaml:"group,omitempty"`
	// GroupID distinguishes two groups that share a name (the VG UUID).
	GroupID string `json:"group_id,omitempty" yaml:"group_id,omitempty"`
	// MemberID identifies this device within its group: the PV UUID or
	// the md member UUID. Cloned disks repeat it.
	MemberID string `json:"member_id,omitempty" yaml:"member_id,omitempty"`
	// Assembled describes the md array the host already assembled from
	// this RAID member, when the lister can see it.
	Assembled *ProbeResult `json:"assembled,omitempty" yaml:"assembled,omitempty"`
}

// IsWholeDisk reports whether the device has no parent.
func (d BlockDevice) IsWholeDisk() bool {
	return d.Parent == ""
}

// Name returns the device path without the /dev/ prefix.
func (d BlockDevice) Name() string {
	return strings.TrimPrefix(d.Path, "/dev/")
}

// LogicalVolumeInfo is one LV from the host LVM metadata.
type LogicalVolumeInfo struct {
	VG      string `json:"vg" yaml:"vg"`
	VGUUID  string `json:"vg_uuid,omitempty" yaml:"vg_uuid,omitempty"`
	Name    string `json:"name" yaml:"name"`
	Content string `json:"content,omitempty" yaml:"content,omitempty"`
	Label   string `json:"label,omitempty" yaml:"label,omitempty"`
}

// ProbeResult describes content found inside an opened container.
type ProbeResult struct {
	Content string `json:"content" yaml:"content"`
	Label   string `json:"label,omitempty" yaml:"label,omitempty"`
	UUID    string `json:"uuid,omitempty" yaml:"uuid,omitempty"`
	SubUUID string `json:"sub_uuid,omitempty" yaml:"sub_uuid,omitempty"`
	// Group and GroupID name the VG when the content is an LVM PV.
	Group   string `json:"group,omitempty" yaml:"group,omitempty"`
	GroupID string `json:"group_id,omitempty" yaml:"group_id,omitempty"`
	// LogicalVolumes lists the LVs of that VG.
	LogicalVolumes []LogicalVolumeInfo `json:"logical_volumes,omitempty" yaml:"logical_volumes,omitempty"`
}

// Snapshot is the result of one catalog query.
type Snapshot struct {
	Devices        []BlockDevice
	LogicalVolumes []LogicalVolumeInfo
	// Decrypted holds inner content recovered by a decrypt probe, keyed by
	// the container's device path.
	Decrypted map[string]ProbeResult
	// Warnings lists devices that could not be classified.
	Warnings []string
}

// Device looks up a device by path.
func (s *Snapshot) Device(path string) (BlockDevice, bool) {
	for _, d := range s.Devices {
		if d.Path == path {
			return d, true
		}
	}
	return BlockDevice{}, false
}

// SetDecrypted records the inner content of an encrypted container.
func (s *Snapshot) SetDecrypted(path string, res ProbeResult) {
	if s.Decrypted == nil {
		s.Decrypted = make(map[string]ProbeResult)
	}
	s.Decrypted[path] = res
}

// Lister enumerates disks and partitions.
type Lister interface {
	List(ctx context.Context) ([]BlockDevice, error)
}

// Prober fills in content markers for a single device.
type Prober interface {
	Probe(ctx context.Context, path string) (ProbeResult, error)
}

// PVInfo names the volume group a physical volume belongs to.
type PVInfo struct {
	VG     string
	VGUUID string
}

// LVMReporter returns the PV to VG mapping and the logical volumes.
// pvs is keyed by device path.
type LVMReporter interface {
	Report(ctx context.Context, pvPaths []string) (pvs map[string]PVInfo, lvs []LogicalVolumeInfo, err error)
}

// Catalog wires the sources together.
type Catalog struct {
	lister   Lister
	prober   Prober
	lvm      LVMReporter
	parallel int
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithParallelism bounds concurrent probes.
func WithParallelism(n int) Option {
	return func(c *Catalog) {
		if n > 0 {
			c.parallel = n
		}
	}
}

// New creates a catalog from its sources. lvm may be nil.
func New(lister Lister, prober Prober, lvm LVMReporter, opts ...Option) *Catalog {
	c := &Catalog{
		lister:   lister,
		prober:   prober,
		lvm:      lvm,
		parallel: 4,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Collect queries every source and returns a fresh snapshot.
func (c *Catalog) Collect(ctx context.Context) (*Snapshot, error) {
	devices, err := c.lister.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list block devices: %w", err)
	}

	snap := &Snapshot{Devices: devices}
	c.probeAll(ctx, snap)

	if c.lvm != nil {
		var pvPaths []string
		for _, d := range snap.Devices {
			if d.Content == MarkerLVM {
				pvPaths = append(pvPaths, d.Path)
			}
		}
		if len(pvPaths) > 0 {
			pvs, lvs, err := c.lvm.Report(ctx, pvPaths)
			if err != nil {
				log.G(ctx).WithError(err).Warn("lvm metadata unavailable; volume groups will be incomplete")
				snap.Warnings = append(snap.Warnings, fmt.Sprintf("lvm metadata unavailable: %v", err))
			}
			for i := range snap.Devices {
				if pv, ok := pvs[snap.Devices[i].Path]; ok {
					snap.Devices[i].Group = pv.VG
					snap.Devices[i].GroupID = pv.VGUUID
				}
			}
			snap.LogicalVolumes = lvs
		}
	}

	for i := range snap.Devices {
		d := &snap.Devices[i]
		switch d.Content {
		case MarkerRAID:
			if d.Group == "" {
				d.Group = d.UUID
			}
		case MarkerLVM:
			if d.MemberID == "" {
				d.MemberID = d.UUID
			}
		}
	}

	sort.SliceStable(snap.Devices, func(i, j int) bool {
		return LessDevicePath(snap.Devices[i].Path, snap.Devices[j].Path)
	})
	return snap, nil
}

// probeAll runs the prober over every partition and every whole disk that
// has no partitions. Probe failures become warnings.
func (c *Catalog) probeAll(ctx context.Context, snap *Snapshot) {
	hasChildren := make(map[string]bool)
	for _, d := range snap.Devices {
		if d.Parent != "" {
			hasChildren[d.Parent] = true
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallel)
	for i := range snap.Devices {
		d := &snap.Devices[i]
		if d.IsWholeDisk() && hasChildren[d.Path] {
			continue
		}
		g.Go(func() error {
			res, err := c.prober.Probe(gctx, d.Path)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.G(ctx).WithError(err).WithField("device", d.Path).Debug("probe failed")
				snap.Warnings = append(snap.Warnings, fmt.Sprintf("%s: probe unavailable: %v", d.Path, err))
				return nil
			}
			if res.Content != "" {
				d.Content = res.Content
			}
			if res.Label != "" {
				d.Label = res.Label
			}
			if res.UUID != "" {
				d.UUID = res.UUID
			}
			if res.SubUUID != "" {
				d.MemberID = res.SubUUID
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(snap.Warnings)
}

// LessDevicePath orders device paths numerically, so disk2s10 sorts after
// disk2s9.
func LessDevicePath(a, b string) bool {
	ka, kb := devicePathKey(a), devicePathKey(b)
	for i := 0; i < len(ka) && i < len(kb); i++ {
		if ka[i] != kb[i] {
			return ka[i] < kb[i]
		}
	}
	if len(ka) != len(kb) {
		return len(ka) < len(kb)
	}
	return a < b
}

func devicePathKey(p string) []int {
	var key []int
	n, inNum := 0, false
	for _, r := range p {
		if r >= '0' && r <= '9' {
			n = n*10 + int(r-'0')
			inNum = true
			continue
		}
		if inNum {
			key = append(key, n)
			n, inNum = 0, false
		}
	}
	if inNum {
		key = append(key, n)
	}
	return key
}
