package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/samber/lo"

	"github.com/spin-stack/diskbox/internal/runner"
)

// pvReport represents pvs JSON output
type pvReport struct {
	Report []struct {
		PV []struct {
			PVName string `json:"pv_name"`
			VGName string `json:"vg_name"`
			VGUUID string `json:"vg_uuid"`
		} `json:"pv"`
	} `json:"report"`
}

// lvReport represents lvs JSON output
type lvReport struct {
	Report []struct {
		LV []lvEntry `json:"lv"`
	} `json:"report"`
}

type lvEntry struct {
	LVName string `json:"lv_name"`
	VGName string `json:"vg_name"`
	VGUUID string `json:"vg_uuid"`
	LVAttr string `json:"lv_attr"`
}

// ErrLVMToolsMissing is returned by LVMToolReporter when pvs is not installed.
var ErrLVMToolsMissing = fmt.Errorf("lvm2 tools not installed: %w", errdefs.ErrNotImplemented)

// LVMToolReporter reads LVM metadata through the lvm2 report commands.
type LVMToolReporter struct {
	Runner runner.Runner
	// LookPath finds the pvs binary. Defaults to exec.LookPath.
	LookPath func(file string) (string, error)
}

// Report implements LVMReporter.
func (r *LVMToolReporter) Report(ctx context.Context, _ []string) (map[string]PVInfo, []LogicalVolumeInfo, error) {
	lookPath := r.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	if _, err := lookPath("pvs"); err != nil {
		return nil, nil, ErrLVMToolsMissing
	}

	out, err := r.Runner.Run(ctx, runner.Cmd{Name: "pvs", Args: []string{"--reportformat", "json", "-o", "pv_name,vg_name,vg_uuid"}})
	if err != nil {
		return nil, nil, err
	}
	pvs, err := parsePVReport(out)
	if err != nil {
		return nil, nil, err
	}

	out, err = r.Runner.Run(ctx, runner.Cmd{Name: "lvs", Args: []string{"--reportformat", "json", "-o", "lv_name,vg_name,vg_uuid,lv_attr"}})
	if err != nil {
		return nil, nil, err
	}
	lvs, err := parseLVReport(out)
	if err != nil {
		return nil, nil, err
	}
	return pvs, lvs, nil
}

func parsePVReport(out []byte) (map[string]PVInfo, error) {
	var report pvReport
	if err := json.Unmarshal(out, &report); err != nil {
		return nil, fmt.Errorf("parse pvs report: %v: %w", err, errdefs.ErrDataLoss)
	}
	pvs := make(map[string]PVInfo)
	for _, r := range report.Report {
		for _, pv := range r.PV {
			if pv.VGName != "" {
				pvs[pv.PVName] = PVInfo{VG: pv.VGName, VGUUID: pv.VGUUID}
			}
		}
	}
	return pvs, nil
}

func parseLVReport(out []byte) ([]LogicalVolumeInfo, error) {
	var report lvReport
	if err := json.Unmarshal(out, &report); err != nil {
		return nil, fmt.Errorf("parse lvs report: %v: %w", err, errdefs.ErrDataLoss)
	}
	var lvs []LogicalVolumeInfo
	for _, r := range report.Report {
		// Hidden sub-LVs (thin pool metadata, raid images) are reported in
		// brackets and are never mount targets.
		visible := lo.Filter(r.LV, func(lv lvEntry, _ int) bool { return !strings.HasPrefix(lv.LVName, "[") })
		lvs = append(lvs, lo.Map(visible, func(lv lvEntry, _ int) LogicalVolumeInfo {
			return LogicalVolumeInfo{VG: lv.VGName, VGUUID: lv.VGUUID, Name: lv.LVName}
		})...)
	}
	sortLVs(lvs)
	return lvs, nil
}

// ChainReporter returns the first reporter result that succeeds.
type ChainReporter []LVMReporter

// Report implements LVMReporter.
func (c ChainReporter) Report(ctx context.Context, pvPaths []string) (map[string]PVInfo, []LogicalVolumeInfo, error) {
	var errs []error
	for i, r := range c {
		pvs, lvs, err := r.Report(ctx, pvPaths)
		if err == nil {
			return pvs, lvs, nil
		}
		log.G(ctx).WithError(err).WithField("reporter", i).Debug("lvm reporter failed")
		errs = append(errs, err)
	}
	return nil, nil, errors.Join(errs...)
}

func sortLVs(lvs []LogicalVolumeInfo) {
	sort.Slice(lvs, func(i, j int) bool {
		if lvs[i].VG != lvs[j].VG {
			return lvs[i].VG < lvs[j].VG
		}
		return lvs[i].Name < lvs[j].Name
	})
}
