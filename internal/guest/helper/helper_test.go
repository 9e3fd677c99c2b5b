//go:build linux

package helper

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/containerd/containerd/v2/core/mount"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/spin-stack/diskbox/internal/catalog"
	"github.com/spin-stack/diskbox/internal/decrypt"
	"github.com/spin-stack/diskbox/internal/guest"
	"github.com/spin-stack/diskbox/internal/ident"
	"github.com/spin-stack/diskbox/internal/runner"
	"github.com/spin-stack/diskbox/internal/version"
)

type scripted struct {
	mu    sync.Mutex
	cmds  []string
	stdin [][]byte
	envs  [][]string
	reply func(c runner.Cmd) ([]byte, error)
}

func (s *scripted) Run(_ context.Context, c runner.Cmd) ([]byte, error) {
	s.mu.Lock()
	s.cmds = append(s.cmds, c.String())
	s.stdin = append(s.stdin, append([]byte(nil), c.Stdin...))
	s.envs = append(s.envs, c.Env)
	s.mu.Unlock()
	if s.reply != nil {
		return s.reply(c)
	}
	return nil, nil
}

type fakeMounter struct {
	mounted  map[string]mount.Mount
	unmounts []string
}

func (f *fakeMounter) Mount(m mount.Mount, target string) error {
	f.mounted[target] = m
	return nil
}

func (f *fakeMounter) Unmount(target string) error {
	delete(f.mounted, target)
	f.unmounts = append(f.unmounts, target)
	return nil
}

func (f *fakeMounter) Mounted(target string) (bool, error) {
	_, ok := f.mounted[target]
	return ok, nil
}

func newTestHelper(t *testing.T) (*Helper, *scripted, *fakeMounter, *[]int) {
	t.Helper()
	r := &scripted{}
	m := &fakeMounter{mounted: map[string]mount.Mount{}}
	var ports []int
	h := New(WithRunner(r), WithMounter(m), WithNFSReady(func(_ context.Context, port int) error {
		ports = append(ports, port)
		return nil
	}))
	return h, r, m, &ports
}

func call(t *testing.T, h *Helper, cmd guest.Command, args any) (any, error) {
	t.Helper()
	var s *structpb.Struct
	if args != nil {
		var err error
		s, err = guest.Encode(args)
		require.NoError(t, err)
	}
	return h.Handle(context.Background(), cmd, s)
}

func TestReady(t *testing.T) {
	h, _, _, _ := newTestHelper(t)
	reply, err := call(t, h, guest.CmdReady, nil)
	require.NoError(t, err)
	r, ok := reply.(guest.ReadyReply)
	require.True(t, ok)
	assert.Equal(t, version.ProtocolVersion, r.ProtocolVersion)
}

func TestUnlockLUKS(t *testing.T) {
	h, r, _, _ := newTestHelper(t)
	pass := []byte("hunter2")

	err := h.unlock(context.Background(), guest.UnlockArgs{
		Kind: string(ident.StepUnlockLUKS), Device: "/dev/vda", Name: "luks1", Passphrase: pass,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"cryptsetup open --type luks --key-file=- /dev/vda luks1"}, r.cmds)
	assert.Equal(t, "hunter2", string(r.stdin[0]))
	assert.Equal(t, make([]byte, len(pass)), pass, "passphrase must be wiped")
}

func TestUnlockBitLocker(t *testing.T) {
	h, r, _, _ := newTestHelper(t)
	_, err := call(t, h, guest.CmdUnlock, guest.UnlockArgs{
		Kind: string(ident.StepUnlockBitLocker), Device: "/dev/vdb", Name: "bitlk2", Passphrase: []byte("pw"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"cryptsetup open --type bitlk --key-file=- /dev/vdb bitlk2"}, r.cmds)
}

func TestUnlockErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   guest.Code
		msg    string
	}{
		{name: "wrong passphrase", status: cryptsetupNoPermission, code: guest.CodeWrongPassphrase, msg: "no key available"},
		{name: "out of memory", status: cryptsetupOutOfMemory, code: guest.CodeFailed, msg: "luks_min_ram_mib"},
		{name: "other", status: 4, code: guest.CodeFailed, msg: "device does not exist"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, r, _, _ := newTestHelper(t)
			r.reply = func(c runner.Cmd) ([]byte, error) {
				return nil, &runner.ExitError{Cmd: c.String(), Stderr: "device does not exist", Err: exitStatus(tt.status)}
			}
			_, err := call(t, h, guest.CmdUnlock, guest.UnlockArgs{
				Kind: string(ident.StepUnlockLUKS), Device: "/dev/vda", Name: "luks1", Passphrase: []byte("x"),
			})
			require.Error(t, err)
			assert.Equal(t, tt.code, guest.ErrorCode(err))
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestBadRequests(t *testing.T) {
	h, r, _, _ := newTestHelper(t)
	for name, tc := range map[string]struct {
		cmd  guest.Command
		args any
	}{
		"unlock kind":       {guest.CmdUnlock, guest.UnlockArgs{Kind: "zfs", Device: "/dev/vda", Name: "x"}},
		"unlock no name":    {guest.CmdUnlock, guest.UnlockArgs{Kind: "luks", Device: "/dev/vda"}},
		"missing args":      {guest.CmdMount, nil},
		"activate kind":     {guest.CmdActivate, guest.ActivateArgs{Kind: "btrfs"}},
		"raid no members":   {guest.CmdActivate, guest.ActivateArgs{Kind: "raid", Device: "/dev/md0"}},
		"export nothing":    {guest.CmdExportReady, guest.ExportReadyArgs{}},
		"unmount no target": {guest.CmdUnmount, guest.UnmountArgs{}},
	} {
		_, err := call(t, h, tc.cmd, tc.args)
		assert.Equal(t, guest.CodeBadRequest, guest.ErrorCode(err), name)
	}
	assert.Empty(t, r.cmds)

	_, err := call(t, h, guest.Command("format"), nil)
	assert.Equal(t, guest.CodeUnsupported, guest.ErrorCode(err))
}

func TestActivate(t *testing.T) {
	h, r, _, _ := newTestHelper(t)
	_, err := call(t, h, guest.CmdActivate, guest.ActivateArgs{Kind: string(ident.StepActivateLVM), Name: "vg0"})
	require.NoError(t, err)
	_, err = call(t, h, guest.CmdActivate, guest.ActivateArgs{Kind: string(ident.StepActivateLVM)})
	require.NoError(t, err)
	_, err = call(t, h, guest.CmdActivate, guest.ActivateArgs{
		Kind: string(ident.StepAssembleRAID), Device: "/dev/md0", Members: []string{"/dev/vda", "/dev/vdb"},
	})
	require.NoError(t, err)

	want := []string{
		"vgchange -ay vg0",
		"vgchange -ay",
		"mdadm --assemble --run /dev/md0 /dev/vda /dev/vdb",
	}
	if diff := cmp.Diff(want, r.cmds); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
}

type stubLVM struct {
	pvs map[string]catalog.PVInfo
	lvs []catalog.LogicalVolumeInfo
	err error
}

func (s stubLVM) Report(context.Context, []string) (map[string]catalog.PVInfo, []catalog.LogicalVolumeInfo, error) {
	return s.pvs, s.lvs, s.err
}

func TestProbe(t *testing.T) {
	h, r, _, _ := newTestHelper(t)
	h.lvm = stubLVM{err: catalog.ErrLVMToolsMissing}
	r.reply = func(runner.Cmd) ([]byte, error) {
		return []byte("UUID=1234\nTYPE=LVM2_member\n"), nil
	}
	reply, err := call(t, h, guest.CmdProbe, guest.ProbeArgs{Device: "/dev/mapper/probe1"})
	require.NoError(t, err)
	assert.Equal(t, guest.ProbeReply{Content: "LVM2_member", UUID: "1234"}, reply)
	assert.Equal(t, []string{"blkid -p -o export /dev/mapper/probe1"}, r.cmds)
}

func TestProbeReportsVolumeGroup(t *testing.T) {
	h, r, _, _ := newTestHelper(t)
	h.lvm = stubLVM{
		pvs: map[string]catalog.PVInfo{"/dev/mapper/probe1": {VG: "vault", VGUUID: "vu"}},
		lvs: []catalog.LogicalVolumeInfo{
			{VG: "vault", VGUUID: "vu", Name: "home"},
			{VG: "vault", VGUUID: "vu", Name: "root"},
			{VG: "other", Name: "swap"},
		},
	}
	r.reply = func(runner.Cmd) ([]byte, error) {
		return []byte("UUID=pv-1\nTYPE=LVM2_member\n"), nil
	}
	reply, err := call(t, h, guest.CmdProbe, guest.ProbeArgs{Device: "/dev/mapper/probe1"})
	require.NoError(t, err)
	assert.Equal(t, guest.ProbeReply{
		Content:        "LVM2_member",
		UUID:           "pv-1",
		VG:             "vault",
		VGUUID:         "vu",
		LogicalVolumes: []string{"home", "root"},
	}, reply)
}

func TestProbeUsesLVMTools(t *testing.T) {
	r := &scripted{reply: func(c runner.Cmd) ([]byte, error) {
		switch c.Name {
		case "pvs":
			return []byte(`{"report":[{"pv":[{"pv_name":"/dev/mapper/probe1","vg_name":"vault","vg_uuid":"vu"}]}]}`), nil
		case "lvs":
			return []byte(`{"report":[{"lv":[{"lv_name":"home","vg_name":"vault","vg_uuid":"vu","lv_attr":"-wi-------"}]}]}`), nil
		default:
			return []byte("UUID=pv-1\nTYPE=LVM2_member\n"), nil
		}
	}}
	h := New(WithRunner(r), WithLVMReporter(&catalog.LVMToolReporter{
		Runner:   r,
		LookPath: func(file string) (string, error) { return "/sbin/" + file, nil },
	}))
	reply, err := call(t, h, guest.CmdProbe, guest.ProbeArgs{Device: "/dev/mapper/probe1"})
	require.NoError(t, err)
	assert.Equal(t, "vault", reply.(guest.ProbeReply).VG)
	assert.Equal(t, []string{"home"}, reply.(guest.ProbeReply).LogicalVolumes)
}

func TestMountDetectsType(t *testing.T) {
	h, r, m, _ := newTestHelper(t)
	r.reply = func(runner.Cmd) ([]byte, error) {
		return []byte("TYPE=ntfs\nLABEL=Windows\n"), nil
	}
	target := filepath.Join(t.TempDir(), "diskbox")

	reply, err := call(t, h, guest.CmdMount, guest.MountArgs{Source: "/dev/vda2", Target: target, ReadOnly: true})
	require.NoError(t, err)
	assert.Equal(t, guest.MountReply{FSType: "ntfs3"}, reply)
	assert.Equal(t, mount.Mount{Type: "ntfs3", Source: "/dev/vda2", Options: []string{"ro"}}, m.mounted[target])
	assert.DirExists(t, target)
}

func TestMountOptions(t *testing.T) {
	h, r, m, _ := newTestHelper(t)
	target := filepath.Join(t.TempDir(), "diskbox")

	_, err := call(t, h, guest.CmdMount, guest.MountArgs{
		Source: "/dev/mapper/luks1", FSType: "btrfs", Options: "subvol=@home, compress=zstd", Target: target,
	})
	require.NoError(t, err)
	assert.Empty(t, r.cmds, "explicit type needs no probe")
	assert.Equal(t, []string{"subvol=@home", "compress=zstd"}, m.mounted[target].Options)
}

func TestMountNoFilesystem(t *testing.T) {
	h, r, _, _ := newTestHelper(t)
	r.reply = func(c runner.Cmd) ([]byte, error) {
		return nil, &runner.ExitError{Cmd: c.String(), Err: exitStatus(2)}
	}
	_, err := call(t, h, guest.CmdMount, guest.MountArgs{Source: "/dev/vda", Target: filepath.Join(t.TempDir(), "m")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no filesystem found")
}

func TestExportReady(t *testing.T) {
	h, r, _, ports := newTestHelper(t)

	_, err := call(t, h, guest.CmdExportReady, guest.ExportReadyArgs{Paths: []string{"/mnt/diskbox", "/mnt/diskbox/home"}})
	require.NoError(t, err)
	_, err = call(t, h, guest.CmdExportReady, guest.ExportReadyArgs{Paths: []string{"/mnt/diskbox"}})
	require.NoError(t, err)

	want := []string{
		"rpcbind -w",
		"rpc.nfsd --port 2049 --no-nfs-version 4 4",
		"rpc.mountd --port 32767 --no-nfs-version 4",
		"exportfs -o " + exportOptions + ",fsid=1 *:/mnt/diskbox",
		"exportfs -o " + exportOptions + ",fsid=2 *:/mnt/diskbox/home",
	}
	if diff := cmp.Diff(want, r.cmds); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []int{guest.NFSPort, guest.MountdPort, guest.NFSPort, guest.MountdPort}, *ports)
}

func TestExportReadyRPCBindFailureIsWarning(t *testing.T) {
	h, r, _, _ := newTestHelper(t)
	r.reply = func(c runner.Cmd) ([]byte, error) {
		if c.Name == "rpcbind" {
			return nil, errors.New("already running")
		}
		return nil, nil
	}
	_, err := call(t, h, guest.CmdExportReady, guest.ExportReadyArgs{Paths: []string{"/mnt/diskbox"}})
	require.NoError(t, err)
}

func TestExportReadyTimeout(t *testing.T) {
	h, _, _, _ := newTestHelper(t)
	h.nfsReady = func(context.Context, int) error { return errors.New("connection refused") }

	_, err := call(t, h, guest.CmdExportReady, guest.ExportReadyArgs{Paths: []string{"/mnt/diskbox"}})
	assert.Equal(t, guest.CodeTimeout, guest.ErrorCode(err))
	assert.Contains(t, err.Error(), "2049")
}

func TestUnmount(t *testing.T) {
	h, r, m, _ := newTestHelper(t)
	_, err := call(t, h, guest.CmdExportReady, guest.ExportReadyArgs{Paths: []string{"/mnt/diskbox", "/mnt/diskbox/home"}})
	require.NoError(t, err)
	m.mounted["/mnt/diskbox"] = mount.Mount{Type: "ext4"}
	r.cmds = nil

	_, err = call(t, h, guest.CmdUnmount, guest.UnmountArgs{Target: "/mnt/diskbox/home"})
	require.NoError(t, err)
	_, err = call(t, h, guest.CmdUnmount, guest.UnmountArgs{Target: "/mnt/diskbox"})
	require.NoError(t, err)
	_, err = call(t, h, guest.CmdUnmount, guest.UnmountArgs{Target: "/mnt/diskbox"})
	require.NoError(t, err, "unmounting twice is not an error")

	assert.Equal(t, []string{"exportfs -u *:/mnt/diskbox/home", "exportfs -u *:/mnt/diskbox"}, r.cmds)
	assert.Equal(t, []string{"/mnt/diskbox"}, m.unmounts)
	assert.Empty(t, h.exports)
}

func TestRunAction(t *testing.T) {
	h, r, _, _ := newTestHelper(t)
	r.reply = func(runner.Cmd) ([]byte, error) { return []byte("snapshot created\n"), nil }

	reply, err := call(t, h, guest.CmdRunAction, guest.RunActionArgs{
		Phase:  "after_mount",
		Script: "btrfs subvolume snapshot $DISKBOX_VM_MOUNT_POINT /tmp/snap",
		Env:    []string{"DISKBOX_VM_MOUNT_POINT=/mnt/diskbox"},
	})
	require.NoError(t, err)
	assert.Equal(t, guest.RunActionReply{Output: "snapshot created"}, reply)
	assert.Equal(t, []string{"DISKBOX_VM_MOUNT_POINT=/mnt/diskbox"}, r.envs[0])
	assert.True(t, strings.HasPrefix(r.cmds[0], "/bin/sh -c exec 2>&1"))
}

func TestRunActionFailure(t *testing.T) {
	h, r, _, _ := newTestHelper(t)
	r.reply = func(c runner.Cmd) ([]byte, error) {
		return []byte("zfs: pool not found\n"), &runner.ExitError{Cmd: c.String(), Err: exitStatus(1)}
	}
	_, err := call(t, h, guest.CmdRunAction, guest.RunActionArgs{Phase: "before_mount", Script: "zpool import tank"})
	require.Error(t, err)
	assert.Equal(t, guest.CodeFailed, guest.ErrorCode(err))
	assert.Contains(t, err.Error(), "before_mount")
	assert.Contains(t, err.Error(), "pool not found")
}

func TestServeWithClient(t *testing.T) {
	h, r, m, _ := newTestHelper(t)
	r.reply = func(c runner.Cmd) ([]byte, error) {
		if c.Name == "cryptsetup" {
			return nil, &runner.ExitError{Cmd: c.String(), Err: exitStatus(cryptsetupNoPermission)}
		}
		return nil, nil
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- guest.Serve(context.Background(), ln, h) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	c := guest.NewClient(conn, 5*time.Second)
	defer c.Close()
	ctx := context.Background()

	ready, err := c.Ready(ctx)
	require.NoError(t, err)
	assert.Equal(t, version.ProtocolVersion, ready.ProtocolVersion)

	err = c.Unlock(ctx, ident.StepUnlockLUKS, "/dev/vda", "luks1", []byte("wrong"))
	assert.True(t, errors.Is(err, decrypt.ErrWrongPassphrase))

	target := filepath.Join(t.TempDir(), "diskbox")
	reply, err := c.Mount(ctx, guest.MountArgs{Source: "/dev/vda", FSType: "ext4", Target: target})
	require.NoError(t, err)
	assert.Equal(t, "ext4", reply.FSType)
	assert.Contains(t, m.mounted, target)

	require.NoError(t, c.Shutdown(ctx))
	select {
	case err := <-served:
		assert.True(t, errors.Is(err, guest.ErrShutdown))
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after shutdown")
	}
}

func TestSerialListenerReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diskbox.0")
	l := newSerialListener(path)
	defer l.Close()

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = os.WriteFile(path, nil, 0o600)
	}()
	first, err := l.Accept()
	require.NoError(t, err)
	assert.Equal(t, "virtio-serial", first.LocalAddr().Network())

	second := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			second <- c
		}
	}()
	select {
	case <-second:
		t.Fatal("port reopened while still in use")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, first.Close())
	select {
	case c := <-second:
		_ = c.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("port not reopened after close")
	}
}

func TestSerialListenerCloseUnblocksAccept(t *testing.T) {
	l := newSerialListener(filepath.Join(t.TempDir(), "missing"))
	done := make(chan error, 1)
	go func() {
		_, err := l.Accept()
		done <- err
	}()
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, l.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("accept did not return")
	}
}
