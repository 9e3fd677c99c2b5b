package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/spin-stack/diskbox/internal/catalog"
	"github.com/spin-stack/diskbox/internal/ident"
	"github.com/spin-stack/diskbox/internal/orchestrator"
	"github.com/spin-stack/diskbox/internal/topology"
)

type listOptions struct {
	linuxOnly bool
	decrypt   string
	format    string
}

func newListCommand(a *app) *cobra.Command {
	var opts listOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List disks, partitions, volume groups and RAID arrays",
		Long: `List block devices with their content and the identifiers that mount
them.

With --decrypt, encrypted partitions are unlocked in the VM just long
enough to read what is inside. Pass a device or "all".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runList(cmd.Context(), a, opts)
		},
	}
	f := cmd.Flags()
	f.BoolVarP(&opts.linuxOnly, "linux", "m", false, "only show devices with Linux content")
	f.StringVarP(&opts.decrypt, "decrypt", "d", "", `probe inside encrypted partitions: a device or "all"`)
	addFormatFlag(cmd.Flags(), &opts.format)
	return cmd
}

func runList(ctx context.Context, a *app, opts listOptions) error {
	snap, err := newCatalog().Collect(ctx)
	if err != nil {
		return err
	}
	forest := topology.Build(snap)

	if opts.decrypt != "" {
		targets, err := decryptTargets(forest, opts.decrypt)
		if err != nil {
			return err
		}
		o, err := a.orchestrator(ctx)
		if err != nil {
			return err
		}
		results, err := o.ProbeEncrypted(ctx, targets)
		if err != nil {
			return err
		}
		for path, res := range results {
			snap.SetDecrypted(path, res)
		}
		forest = topology.Build(snap)
	}

	l := buildListing(forest, opts.linuxOnly)
	if ok, err := encode(os.Stdout, opts.format, l); ok || err != nil {
		return err
	}
	return l.render(os.Stdout)
}

// decryptTargets picks the encrypted leaves to probe. which is a device
// identifier or "all".
func decryptTargets(forest *topology.Forest, which string) ([]orchestrator.ProbeTarget, error) {
	var want string
	if which != "all" {
		p, err := ident.NormalizeDevice(which)
		if err != nil {
			return nil, err
		}
		want = p
	}

	var targets []orchestrator.ProbeTarget
	add := func(path string, k topology.ContentKind) {
		if want != "" && path != want {
			return
		}
		switch k.(type) {
		case topology.LuksContainer:
			targets = append(targets, orchestrator.ProbeTarget{Device: path, Kind: ident.StepUnlockLUKS})
		case topology.BitLockerContainer:
			targets = append(targets, orchestrator.ProbeTarget{Device: path, Kind: ident.StepUnlockBitLocker})
		}
	}
	for _, d := range forest.Disks {
		if d.Content != nil {
			add(d.Device.Path, d.Content)
		}
		for _, p := range d.Partitions {
			add(p.Device.Path, p.Content)
		}
	}

	if want != "" && len(targets) == 0 {
		if _, _, ok := forest.Lookup(want); !ok {
			return nil, fmt.Errorf("%s: %w", want, ident.ErrUnknownDevice)
		}
		return nil, fmt.Errorf("%s is not an encrypted partition: %w", want, errdefs.ErrInvalidArgument)
	}
	return targets, nil
}

// listing is the printable form of a forest.
type listing struct {
	Disks        []diskEntry      `json:"disks" yaml:"disks"`
	VolumeGroups []groupEntry     `json:"volume_groups,omitempty" yaml:"volume_groups,omitempty"`
	RaidArrays   []groupEntry     `json:"raid_arrays,omitempty" yaml:"raid_arrays,omitempty"`
	Ambiguous    []ambiguousEntry `json:"ambiguous,omitempty" yaml:"ambiguous,omitempty"`
	Warnings     []string         `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

type diskEntry struct {
	Path       string        `json:"path" yaml:"path"`
	Size       uint64        `json:"size" yaml:"size"`
	Content    string        `json:"content,omitempty" yaml:"content,omitempty"`
	Label      string        `json:"label,omitempty" yaml:"label,omitempty"`
	Partitions []deviceEntry `json:"partitions,omitempty" yaml:"partitions,omitempty"`
}

type deviceEntry struct {
	Path    string `json:"path" yaml:"path"`
	Size    uint64 `json:"size" yaml:"size"`
	Content string `json:"content" yaml:"content"`
	Label   string `json:"label,omitempty" yaml:"label,omitempty"`
}

// groupEntry is a VG's logical volume or a RAID array, addressed by the
// identifier that mounts it.
type groupEntry struct {
	Identifier string   `json:"identifier" yaml:"identifier"`
	Content    string   `json:"content,omitempty" yaml:"content,omitempty"`
	Members    []string `json:"members" yaml:"members"`
}

type ambiguousEntry struct {
	Kind       string     `json:"kind" yaml:"kind"`
	Key        string     `json:"key" yaml:"key"`
	Reason     string     `json:"reason" yaml:"reason"`
	MemberSets [][]string `json:"member_sets" yaml:"member_sets"`
}

func contentString(k topology.ContentKind) string {
	if k == nil {
		return ""
	}
	return k.String()
}

func buildListing(forest *topology.Forest, linuxOnly bool) listing {
	keep := func(k topology.ContentKind) bool {
		return k != nil && (!linuxOnly || topology.LinuxRelevant(k))
	}

	var l listing
	for _, d := range forest.Disks {
		e := diskEntry{Path: d.Device.Path, Size: d.Device.Size, Label: d.Device.Label}
		if d.Content != nil {
			if !keep(d.Content) {
				continue
			}
			e.Content = d.Content.String()
		}
		for _, p := range d.Partitions {
			if !keep(p.Content) {
				continue
			}
			e.Partitions = append(e.Partitions, deviceEntry{
				Path:    p.Device.Path,
				Size:    p.Device.Size,
				Content: p.Content.String(),
				Label:   p.Device.Label,
			})
		}
		if linuxOnly && d.Content == nil && len(e.Partitions) == 0 {
			continue
		}
		l.Disks = append(l.Disks, e)
	}

	for _, vg := range forest.VolumeGroups {
		members := lo.Map(vg.PhysicalVolumes, func(d catalog.BlockDevice, _ int) string { return d.Path })
		for _, lv := range vg.LogicalVolumes {
			l.VolumeGroups = append(l.VolumeGroups, groupEntry{
				Identifier: ident.LvmTarget{VGName: vg.Name, LVName: lv.LVName}.String(),
				Content:    contentString(lv.Content),
				Members:    members,
			})
		}
	}
	for _, r := range forest.RaidVolumes {
		members := lo.Map(r.Members, func(d catalog.BlockDevice, _ int) string { return d.Path })
		l.RaidArrays = append(l.RaidArrays, groupEntry{
			Identifier: ident.RaidTarget{Members: members}.String(),
			Content:    contentString(r.Content),
			Members:    members,
		})
	}
	for _, a := range forest.Ambiguous {
		l.Ambiguous = append(l.Ambiguous, ambiguousEntry{
			Kind:       string(a.Kind),
			Key:        a.Key,
			Reason:     a.Reason,
			MemberSets: a.MemberSets,
		})
	}
	l.Warnings = forest.Warnings
	return l
}

func (l listing) render(out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, d := range l.Disks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.Path, humanize.Bytes(d.Size), d.Content, d.Label)
		for _, p := range d.Partitions {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", p.Path, humanize.Bytes(p.Size), p.Content, p.Label)
		}
	}
	if len(l.VolumeGroups) > 0 {
		fmt.Fprintln(w, "\nLVM logical volumes:")
		for _, g := range l.VolumeGroups {
			fmt.Fprintf(w, "  %s\t%s\t(%s)\n", g.Identifier, g.Content, strings.Join(g.Members, ", "))
		}
	}
	if len(l.RaidArrays) > 0 {
		fmt.Fprintln(w, "\nRAID arrays:")
		for _, g := range l.RaidArrays {
			fmt.Fprintf(w, "  %s\t%s\n", g.Identifier, g.Content)
		}
	}
	if len(l.Ambiguous) > 0 {
		fmt.Fprintln(w, "\nAmbiguous (cannot be mounted):")
		for _, a := range l.Ambiguous {
			sets := lo.Map(a.MemberSets, func(s []string, _ int) string { return "{" + strings.Join(s, ", ") + "}" })
			fmt.Fprintf(w, "  %s %s\t%s\t%s\n", a.Kind, a.Key, a.Reason, strings.Join(sets, " "))
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	for _, warn := range l.Warnings {
		log.L.Warn(warn)
	}
	return nil
}
