//go:build linux

// Package helper is the guest side of diskbox. It runs as init inside the
// VM, opens encrypted containers, activates LVM and RAID, mounts the
// filesystem and serves it to the host over NFSv3.
package helper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/containerd/containerd/v2/core/mount"
	"github.com/containerd/log"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/spin-stack/diskbox/internal/catalog"
	"github.com/spin-stack/diskbox/internal/decrypt"
	"github.com/spin-stack/diskbox/internal/guest"
	"github.com/spin-stack/diskbox/internal/ident"
	"github.com/spin-stack/diskbox/internal/nfs"
	"github.com/spin-stack/diskbox/internal/runner"
	"github.com/spin-stack/diskbox/internal/version"
)

// cryptsetup exit codes.
const (
	cryptsetupNoPermission = 2
	cryptsetupOutOfMemory  = 3
)

const nfsListenTimeout = 20 * time.Second

// Mounter performs guest mounts.
type Mounter interface {
	Mount(m mount.Mount, target string) error
	Unmount(target string) error
	Mounted(target string) (bool, error)
}

type sysMounter struct{}

func (sysMounter) Mount(m mount.Mount, target string) error { return m.Mount(target) }
func (sysMounter) Unmount(target string) error              { return mount.UnmountAll(target, 0) }
func (sysMounter) Mounted(target string) (bool, error)      { return mountinfo.Mounted(target) }

// Helper handles guest commands. Commands arrive one at a time.
type Helper struct {
	run      runner.Runner
	mounter  Mounter
	prober   *catalog.BlkidProber
	lvm      catalog.LVMReporter
	nfsReady func(ctx context.Context, port int) error

	mu      sync.Mutex
	nfsUp   bool
	exports []string
	nextFS  int
}

// Option configures a Helper.
type Option func(*Helper)

// WithRunner replaces the reaper-backed command runner.
func WithRunner(r runner.Runner) Option {
	return func(h *Helper) { h.run = r }
}

// WithMounter replaces the mount syscalls.
func WithMounter(m Mounter) Option {
	return func(h *Helper) { h.mounter = m }
}

// WithLVMReporter replaces the pvs/lvs reporter used by probe.
func WithLVMReporter(r catalog.LVMReporter) Option {
	return func(h *Helper) { h.lvm = r }
}

// WithNFSReady replaces the local NFS port check.
func WithNFSReady(fn func(ctx context.Context, port int) error) Option {
	return func(h *Helper) { h.nfsReady = fn }
}

// New returns a Helper.
func New(opts ...Option) *Helper {
	h := &Helper{
		run:     Runner{},
		mounter: sysMounter{},
		nfsReady: func(ctx context.Context, port int) error {
			return nfs.WaitReady(ctx, "127.0.0.1", port, nfsListenTimeout)
		},
	}
	for _, o := range opts {
		o(h)
	}
	h.prober = &catalog.BlkidProber{Runner: h.run, Path: "blkid"}
	if h.lvm == nil {
		h.lvm = &catalog.LVMToolReporter{Runner: h.run}
	}
	return h
}

// Handle implements guest.Handler.
func (h *Helper) Handle(ctx context.Context, cmd guest.Command, args *structpb.Struct) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch cmd {
	case guest.CmdReady:
		return guest.ReadyReply{ProtocolVersion: version.ProtocolVersion, Kernel: kernelRelease()}, nil
	case guest.CmdUnlock:
		var a guest.UnlockArgs
		if err := guest.Decode(args, &a); err != nil {
			return nil, err
		}
		return nil, h.unlock(ctx, a)
	case guest.CmdLock:
		var a guest.LockArgs
		if err := guest.Decode(args, &a); err != nil {
			return nil, err
		}
		return nil, h.lock(ctx, a.Name)
	case guest.CmdActivate:
		var a guest.ActivateArgs
		if err := guest.Decode(args, &a); err != nil {
			return nil, err
		}
		return nil, h.activate(ctx, a)
	case guest.CmdProbe:
		var a guest.ProbeArgs
		if err := guest.Decode(args, &a); err != nil {
			return nil, err
		}
		return h.probe(ctx, a.Device)
	case guest.CmdMount:
		var a guest.MountArgs
		if err := guest.Decode(args, &a); err != nil {
			return nil, err
		}
		return h.mount(ctx, a)
	case guest.CmdExportReady:
		var a guest.ExportReadyArgs
		if err := guest.Decode(args, &a); err != nil {
			return nil, err
		}
		return nil, h.exportReady(ctx, a.Paths)
	case guest.CmdUnmount:
		var a guest.UnmountArgs
		if err := guest.Decode(args, &a); err != nil {
			return nil, err
		}
		return nil, h.unmount(ctx, a.Target)
	case guest.CmdRunAction:
		var a guest.RunActionArgs
		if err := guest.Decode(args, &a); err != nil {
			return nil, err
		}
		return h.runAction(ctx, a)
	case guest.CmdShutdown:
		unix.Sync()
		return nil, nil
	default:
		return nil, guest.Errorf(guest.CodeUnsupported, "unknown command %q", cmd)
	}
}

func (h *Helper) unlock(ctx context.Context, a guest.UnlockArgs) error {
	defer decrypt.Wipe(a.Passphrase)

	var typ string
	switch ident.StepKind(a.Kind) {
	case ident.StepUnlockLUKS:
		typ = "luks"
	case ident.StepUnlockBitLocker:
		typ = "bitlk"
	default:
		return guest.Errorf(guest.CodeBadRequest, "unknown container kind %q", a.Kind)
	}
	if a.Device == "" || a.Name == "" {
		return guest.Errorf(guest.CodeBadRequest, "unlock needs a device and a mapping name")
	}

	_, err := h.run.Run(ctx, runner.Cmd{
		Name:  "cryptsetup",
		Args:  []string{"open", "--type", typ, "--key-file=-", a.Device, a.Name},
		Stdin: a.Passphrase,
	})
	var xe *runner.ExitError
	switch {
	case err == nil:
		log.G(ctx).WithFields(log.Fields{"device": a.Device, "name": a.Name}).Info("container unlocked")
		return nil
	case errors.As(err, &xe) && xe.ExitCode() == cryptsetupNoPermission:
		return guest.Errorf(guest.CodeWrongPassphrase, "no key available with this passphrase for %s", a.Device)
	case errors.As(err, &xe) && xe.ExitCode() == cryptsetupOutOfMemory:
		return guest.Errorf(guest.CodeFailed, "out of memory deriving the key for %s; raise vm.luks_min_ram_mib", a.Device)
	default:
		return fmt.Errorf("unlock %s: %w", a.Device, err)
	}
}

func (h *Helper) lock(ctx context.Context, name string) error {
	if name == "" {
		return guest.Errorf(guest.CodeBadRequest, "lock needs a mapping name")
	}
	if _, err := h.run.Run(ctx, runner.Cmd{Name: "cryptsetup", Args: []string{"close", name}}); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	return nil
}

func (h *Helper) activate(ctx context.Context, a guest.ActivateArgs) error {
	var cmd runner.Cmd
	switch ident.StepKind(a.Kind) {
	case ident.StepActivateLVM:
		cmd = runner.Cmd{Name: "vgchange", Args: []string{"-ay"}}
		if a.Name != "" {
			cmd.Args = append(cmd.Args, a.Name)
		}
	case ident.StepAssembleRAID:
		if a.Device == "" || len(a.Members) == 0 {
			return guest.Errorf(guest.CodeBadRequest, "RAID assembly needs an array device and members")
		}
		cmd = runner.Cmd{Name: "mdadm", Args: append([]string{"--assemble", "--run", a.Device}, a.Members...)}
	default:
		return guest.Errorf(guest.CodeBadRequest, "unknown activation kind %q", a.Kind)
	}
	if _, err := h.run.Run(ctx, cmd); err != nil {
		return fmt.Errorf("activate %s: %w", a.Kind, err)
	}
	return nil
}

func (h *Helper) probe(ctx context.Context, device string) (guest.ProbeReply, error) {
	if device == "" {
		return guest.ProbeReply{}, guest.Errorf(guest.CodeBadRequest, "probe needs a device")
	}
	res, err := h.prober.Probe(ctx, device)
	if err != nil {
		return guest.ProbeReply{}, fmt.Errorf("probe %s: %w", device, err)
	}
	reply := guest.ProbeReply{Content: res.Content, Label: res.Label, UUID: res.UUID}
	if res.Content != catalog.MarkerLVM {
		return reply, nil
	}

	pvs, lvs, err := h.lvm.Report(ctx, []string{device})
	if err != nil {
		log.G(ctx).WithError(err).WithField("device", device).Warn("no volume group metadata for physical volume")
		return reply, nil
	}
	pv, ok := pvs[device]
	if !ok {
		return reply, nil
	}
	reply.VG, reply.VGUUID = pv.VG, pv.VGUUID
	for _, lv := range lvs {
		if lv.VG == pv.VG && (lv.VGUUID == "" || pv.VGUUID == "" || lv.VGUUID == pv.VGUUID) {
			reply.LogicalVolumes = append(reply.LogicalVolumes, lv.Name)
		}
	}
	return reply, nil
}

// kernelFSType maps blkid type names to the kernel driver that mounts them.
func kernelFSType(t string) string {
	switch t {
	case "ntfs":
		return "ntfs3"
	case "msdos", "fat":
		return "vfat"
	}
	return t
}

func (h *Helper) mount(ctx context.Context, a guest.MountArgs) (guest.MountReply, error) {
	if a.Source == "" || a.Target == "" {
		return guest.MountReply{}, guest.Errorf(guest.CodeBadRequest, "mount needs a source and a target")
	}
	fstype := a.FSType
	if fstype == "" || fstype == "auto" {
		res, err := h.prober.Probe(ctx, a.Source)
		if err != nil {
			return guest.MountReply{}, fmt.Errorf("probe %s: %w", a.Source, err)
		}
		if res.Content == "" {
			return guest.MountReply{}, guest.Errorf(guest.CodeFailed, "no filesystem found on %s", a.Source)
		}
		fstype = res.Content
	}
	fstype = kernelFSType(fstype)

	var opts []string
	for o := range strings.SplitSeq(a.Options, ",") {
		if o = strings.TrimSpace(o); o != "" {
			opts = append(opts, o)
		}
	}
	if a.ReadOnly && !slices.Contains(opts, "ro") {
		opts = append(opts, "ro")
	}

	if err := os.MkdirAll(a.Target, 0755); err != nil {
		return guest.MountReply{}, fmt.Errorf("create %s: %w", a.Target, err)
	}
	m := mount.Mount{Type: fstype, Source: a.Source, Options: opts}
	if err := h.mounter.Mount(m, a.Target); err != nil {
		return guest.MountReply{}, fmt.Errorf("mount %s (%s) on %s: %w", a.Source, fstype, a.Target, err)
	}
	log.G(ctx).WithFields(log.Fields{
		"source":  a.Source,
		"target":  a.Target,
		"fstype":  fstype,
		"options": opts,
	}).Info("mounted")
	return guest.MountReply{FSType: fstype}, nil
}

func (h *Helper) runAction(ctx context.Context, a guest.RunActionArgs) (guest.RunActionReply, error) {
	if a.Script == "" {
		return guest.RunActionReply{}, nil
	}
	out, err := h.run.Run(ctx, runner.Cmd{
		Name: "/bin/sh",
		Args: []string{"-c", "exec 2>&1\n" + a.Script},
		Env:  a.Env,
	})
	output := strings.TrimSpace(string(out))
	if err != nil {
		return guest.RunActionReply{}, guest.Errorf(guest.CodeFailed, "%s script failed: %v: %s", a.Phase, err, output)
	}
	return guest.RunActionReply{Output: output}, nil
}

func kernelRelease() string {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return ""
	}
	return unix.ByteSliceToString(u.Release[:])
}
