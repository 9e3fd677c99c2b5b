package catalog

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	devices []BlockDevice
	err     error
}

func (f *fakeLister) List(context.Context) ([]BlockDevice, error) {
	return append([]BlockDevice(nil), f.devices...), f.err
}

type fakeProber struct {
	results map[string]ProbeResult
	errs    map[string]error
	calls   atomic.Int32
}

func (f *fakeProber) Probe(_ context.Context, path string) (ProbeResult, error) {
	f.calls.Add(1)
	if err := f.errs[path]; err != nil {
		return ProbeResult{}, err
	}
	return f.results[path], nil
}

type fakeLVM struct {
	pvs   map[string]PVInfo
	lvs   []LogicalVolumeInfo
	err   error
	asked []string
}

func (f *fakeLVM) Report(_ context.Context, pvPaths []string) (map[string]PVInfo, []LogicalVolumeInfo, error) {
	f.asked = append(f.asked, pvPaths...)
	return f.pvs, f.lvs, f.err
}

func TestCollect(t *testing.T) {
	lister := &fakeLister{devices: []BlockDevice{
		{Path: "/dev/disk8", Content: "GUID_partition_scheme"},
		{Path: "/dev/disk7s1", Parent: "/dev/disk7"},
		{Path: "/dev/disk7", Content: "GUID_partition_scheme"},
		{Path: "/dev/disk8s1", Parent: "/dev/disk8"},
		{Path: "/dev/disk9", Content: ""},
	}}
	prober := &fakeProber{results: map[string]ProbeResult{
		"/dev/disk7s1": {Content: MarkerLVM, UUID: "pv-a"},
		"/dev/disk8s1": {Content: MarkerLVM, UUID: "pv-b"},
		"/dev/disk9":   {Content: MarkerRAID, UUID: "array-1", SubUUID: "member-1"},
	}}
	lvm := &fakeLVM{
		pvs: map[string]PVInfo{"/dev/disk7s1": {VG: "vg1", VGUUID: "u1"}, "/dev/disk8s1": {VG: "vg1", VGUUID: "u1"}},
		lvs: []LogicalVolumeInfo{{VG: "vg1", Name: "lvol2"}},
	}

	snap, err := New(lister, prober, lvm, WithParallelism(2)).Collect(context.Background())
	require.NoError(t, err)

	paths := make([]string, 0, len(snap.Devices))
	for _, d := range snap.Devices {
		paths = append(paths, d.Path)
	}
	assert.Equal(t, []string{"/dev/disk7", "/dev/disk7s1", "/dev/disk8", "/dev/disk8s1", "/dev/disk9"}, paths)

	// Whole disks with partitions are not probed.
	assert.Equal(t, int32(3), prober.calls.Load())

	d, ok := snap.Device("/dev/disk7s1")
	require.True(t, ok)
	assert.Equal(t, "vg1", d.Group)
	assert.Equal(t, "u1", d.GroupID)
	assert.Equal(t, "pv-a", d.MemberID)
	assert.ElementsMatch(t, []string{"/dev/disk7s1", "/dev/disk8s1"}, lvm.asked)

	raid, ok := snap.Device("/dev/disk9")
	require.True(t, ok)
	assert.Equal(t, "array-1", raid.Group)
	assert.Equal(t, "member-1", raid.MemberID)

	assert.Equal(t, lvm.lvs, snap.LogicalVolumes)
	assert.Empty(t, snap.Warnings)
}

func TestCollectProbeFailureIsWarning(t *testing.T) {
	lister := &fakeLister{devices: []BlockDevice{
		{Path: "/dev/disk4"},
		{Path: "/dev/disk4s1", Parent: "/dev/disk4"},
	}}
	prober := &fakeProber{errs: map[string]error{"/dev/disk4s1": errors.New("permission denied")}}

	snap, err := New(lister, prober, nil).Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Warnings, 1)
	assert.Contains(t, snap.Warnings[0], "/dev/disk4s1")

	d, _ := snap.Device("/dev/disk4s1")
	assert.Empty(t, d.Content)
}

func TestCollectLVMFailureIsWarning(t *testing.T) {
	lister := &fakeLister{devices: []BlockDevice{
		{Path: "/dev/disk4"},
		{Path: "/dev/disk4s1", Parent: "/dev/disk4", Content: MarkerLVM},
	}}
	lvm := &fakeLVM{err: ErrLVMToolsMissing}

	snap, err := New(lister, &fakeProber{}, lvm).Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Warnings, 1)
	assert.Contains(t, snap.Warnings[0], "lvm metadata unavailable")
}

func TestCollectListError(t *testing.T) {
	_, err := New(&fakeLister{err: errors.New("diskutil failed")}, &fakeProber{}, nil).Collect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list block devices")
}

func TestLessDevicePath(t *testing.T) {
	assert.True(t, LessDevicePath("/dev/disk2s9", "/dev/disk2s10"))
	assert.True(t, LessDevicePath("/dev/disk2", "/dev/disk2s1"))
	assert.True(t, LessDevicePath("/dev/disk9s1", "/dev/disk10"))
	assert.False(t, LessDevicePath("/dev/disk3", "/dev/disk2s4"))
}

func TestSnapshotSetDecrypted(t *testing.T) {
	var s Snapshot
	s.SetDecrypted("/dev/disk5s2", ProbeResult{Content: "ext4", Label: "home"})
	assert.Equal(t, "ext4", s.Decrypted["/dev/disk5s2"].Content)
}
