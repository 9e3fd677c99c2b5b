package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/spin-stack/diskbox/internal/runner"
)

var lsblkColumns = "NAME,PATH,SIZE,TYPE,FSTYPE,LABEL,UUID"

type lsblkOutput struct {
	BlockDevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Name     string        `json:"name"`
	Path     string        `json:"path"`
	Size     lsblkSize     `json:"size"`
	Type     string        `json:"type"`
	FSType   string        `json:"fstype"`
	Label    string        `json:"label"`
	UUID     string        `json:"uuid"`
	Children []lsblkDevice `json:"children"`
}

// lsblkSize accepts both the numeric and the quoted form; util-linux
// before 2.33 quotes every value.
type lsblkSize uint64

func (s *lsblkSize) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*s = 0
		return nil
	}
	v, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("lsblk size %q: %w", b, err)
	}
	*s = lsblkSize(v)
	return nil
}

// LsblkLister lists devices with lsblk on Linux hosts. Device-mapper and
// md nodes the host already assembled are not listed as devices: the VM
// opens those itself from the raw members. The content of an assembled md
// array is kept on its members.
type LsblkLister struct {
	Runner runner.Runner
}

// List implements Lister.
func (l *LsblkLister) List(ctx context.Context) ([]BlockDevice, error) {
	out, err := l.Runner.Run(ctx, runner.Cmd{Name: "lsblk", Args: []string{"-J", "-b", "-o", lsblkColumns}})
	if err != nil {
		return nil, err
	}
	return parseLsblk(out)
}

func parseLsblk(data []byte) ([]BlockDevice, error) {
	var out lsblkOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse lsblk output: %w", err)
	}

	var devices []BlockDevice
	for _, d := range out.BlockDevices {
		if d.Type != "disk" {
			continue
		}
		diskPath := d.path()
		devices = append(devices, BlockDevice{
			Path:      diskPath,
			Size:      uint64(d.Size),
			Content:   d.FSType,
			Label:     d.Label,
			UUID:      d.UUID,
			Assembled: d.assembled(),
		})
		for _, p := range d.Children {
			if p.Type != "part" {
				continue
			}
			devices = append(devices, BlockDevice{
				Path:      p.path(),
				Size:      uint64(p.Size),
				Parent:    diskPath,
				Content:   p.FSType,
				Label:     p.Label,
				UUID:      p.UUID,
				Assembled: p.assembled(),
			})
		}
	}
	return devices, nil
}

func (d lsblkDevice) path() string {
	if d.Path != "" {
		return d.Path
	}
	return "/dev/" + d.Name
}

// assembled returns the content of the md array built on a RAID member.
func (d lsblkDevice) assembled() *ProbeResult {
	if d.FSType != MarkerRAID {
		return nil
	}
	md, ok := lo.Find(d.Children, func(c lsblkDevice) bool {
		return strings.HasPrefix(c.Type, "raid") || c.Type == "linear"
	})
	if !ok || md.FSType == "" {
		return nil
	}
	return &ProbeResult{Content: md.FSType, Label: md.Label, UUID: md.UUID}
}
