package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/dustin/go-humanize"
	"github.com/samber/lo"

	"github.com/spin-stack/diskbox/internal/actions"
	"github.com/spin-stack/diskbox/internal/decrypt"
	"github.com/spin-stack/diskbox/internal/guest"
	"github.com/spin-stack/diskbox/internal/host/vm"
	"github.com/spin-stack/diskbox/internal/host/vm/qemu"
	"github.com/spin-stack/diskbox/internal/ident"
	"github.com/spin-stack/diskbox/internal/lifecycle"
	"github.com/spin-stack/diskbox/internal/nfs"
	"github.com/spin-stack/diskbox/internal/paths"
	"github.com/spin-stack/diskbox/internal/session"
	"github.com/spin-stack/diskbox/internal/vsock"
)

// MountRequest is one mount invocation.
type MountRequest struct {
	Plan *ident.Plan
	// MountPoint is the host directory. Empty picks a name under
	// paths.mounts_dir from the volume label.
	MountPoint string
	// Force allows a non-empty mount point.
	Force  bool
	Action *actions.Action
}

// Mount is a mount in progress or in place. It is owned by the process
// that created it.
type Mount struct {
	o   *Orchestrator
	req MountRequest
	sm  *lifecycle.StateMachine

	lock *session.Lock
	mp   nfs.MountPoint

	inst     vm.Instance
	vmExited chan struct{}
	exit     vm.ExitStatus

	guest       Guest
	guestMounts []string
	exports     []string
	hostMounts  []string
	sess        *session.Session

	teardownOnce sync.Once
	cleanup      *lifecycle.CleanupOrchestrator
}

// State returns the current state of the mount flow.
func (m *Mount) State() lifecycle.MountState {
	return m.sm.State()
}

// Session returns the persisted record, or nil before Mounted.
func (m *Mount) Session() *session.Session {
	return m.sess
}

// MountPoint returns the host mount point.
func (m *Mount) MountPoint() string {
	return m.mp.Path
}

// Mount runs the flow up to Mounted. On error everything that was set up is
// torn down and the returned error carries the state it failed in.
func (o *Orchestrator) Mount(ctx context.Context, req MountRequest) (_ *Mount, retErr error) {
	if req.Plan == nil || len(req.Plan.Attachments) == 0 {
		return nil, fmt.Errorf("empty mount plan: %w", errdefs.ErrInvalidArgument)
	}
	m := &Mount{o: o, req: req, sm: lifecycle.NewStateMachine()}
	ctx = log.WithLogger(ctx, log.G(ctx).WithField("identifier", req.Plan.Identifier))

	defer func() {
		if retErr != nil {
			retErr = m.abort(ctx, retErr)
		}
	}()

	if err := m.validate(ctx); err != nil {
		return nil, err
	}
	if err := m.boot(ctx); err != nil {
		return nil, err
	}
	if err := m.prepare(ctx); err != nil {
		return nil, err
	}
	if err := m.mountGuest(ctx); err != nil {
		return nil, err
	}
	if err := m.export(ctx); err != nil {
		return nil, err
	}
	if err := m.mountHost(ctx); err != nil {
		return nil, err
	}
	if err := m.sm.Advance(lifecycle.StateMounted); err != nil {
		return nil, err
	}
	log.G(ctx).WithFields(log.Fields{
		"mount_point": m.mp.Path,
		"vm_pid":      m.inst.PID(),
	}).Info("mounted")
	return m, nil
}

// validate takes the instance lock and checks that nothing is mounted, the
// devices are free and every passphrase can be obtained. The mount point is
// picked here too so a bad one fails before the VM boots.
func (m *Mount) validate(ctx context.Context) error {
	if err := m.sm.Advance(lifecycle.StateValidating); err != nil {
		return err
	}
	plan := m.req.Plan

	lock, err := m.o.registry.AcquireLock()
	if err != nil {
		return err
	}
	m.lock = lock

	switch _, err := m.o.registry.Current(ctx); {
	case err == nil:
		return session.ErrAlreadyMounted
	case !errors.Is(err, session.ErrNotMounted):
		return err
	}

	for _, a := range plan.Attachments {
		if err := m.o.checkDevice(a.Path, !a.ReadOnly); err != nil {
			return err
		}
	}
	if err := m.o.coord.Available(plan.UnlockSteps()); err != nil {
		return err
	}
	if m.req.Action != nil {
		if err := m.req.Action.Validate(); err != nil {
			return err
		}
	}

	if m.req.MountPoint != "" {
		m.mp, err = nfs.Prepare(m.req.MountPoint, m.req.Force, m.o.nfs.Mounted)
	} else {
		m.mp, err = nfs.PrepareAuto(m.o.cfg.Paths.MountsDir, mountLabel(plan), m.o.nfs.Mounted)
	}
	return err
}

func mountLabel(plan *ident.Plan) string {
	if plan.Label != "" {
		return plan.Label
	}
	return path.Base(plan.Attachments[0].Path)
}

// vmConfig builds the VM shape for plan. RAM is raised to the LUKS floor for
// this boot only.
func (o *Orchestrator) vmConfig(ctx context.Context, plan *ident.Plan) (vm.Config, error) {
	extra, err := o.cfg.VM.QEMUExtraArgs()
	if err != nil {
		return vm.Config{}, err
	}

	mem := o.cfg.VM.RAMMiB
	if plan.HasLUKS() && mem < o.cfg.VM.LUKSMinRAMMiB {
		log.G(ctx).WithFields(log.Fields{
			"configured": humanize.IBytes(uint64(mem) << 20),
			"raised_to":  humanize.IBytes(uint64(o.cfg.VM.LUKSMinRAMMiB) << 20),
		}).Warn("raising guest RAM for LUKS key derivation")
		mem = o.cfg.VM.LUKSMinRAMMiB
	}

	return vm.Config{
		BinaryPath: paths.QemuPath(o.cfg.Paths),
		KernelPath: paths.KernelPath(o.cfg.Paths),
		InitrdPath: paths.InitrdPath(o.cfg.Paths),
		StateDir:   filepath.Join(o.cfg.Paths.StateDir, "vm"),
		ConsoleLog: filepath.Join(o.cfg.Paths.LogDir, "vm.log"),
		CPUs:       o.cfg.VM.CPUs,
		MemoryMiB:  mem,
		Accel:      o.cfg.VM.Accel,
		Transport:  vm.Transport(o.cfg.VM.Transport),
		GuestPort:  vsock.ControlPort,
		Forwards: []vm.PortForward{
			{HostAddr: o.cfg.NFS.Host, HostPort: o.cfg.NFS.Port, GuestPort: guest.NFSPort},
			{HostAddr: o.cfg.NFS.Host, HostPort: o.cfg.NFS.MountdPort, GuestPort: guest.MountdPort},
		},
		ExtraArgs:     extra,
		ShutdownGrace: o.cfg.Timeouts.GetShutdownGrace(),
	}, nil
}

// boot attaches the plan's devices in order, starts the VM and waits for
// the guest helper's greeting.
func (m *Mount) boot(ctx context.Context) error {
	if err := m.sm.Advance(lifecycle.StateAttaching); err != nil {
		return err
	}
	plan := m.req.Plan
	cfg, err := m.o.vmConfig(ctx, plan)
	if err != nil {
		return err
	}
	inst, err := m.o.vmm.NewInstance(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create VM: %w", err)
	}
	m.inst = inst

	for i, a := range plan.Attachments {
		var opts []vm.DiskOpt
		if a.ReadOnly {
			opts = append(opts, vm.WithReadOnly())
		}
		if err := inst.AddDisk(ctx, fmt.Sprintf("blk%d", i), a.Path, opts...); err != nil {
			return fmt.Errorf("attach %s: %w", a.Path, err)
		}
	}
	if cfg.InitrdPath == "" {
		if root := paths.RootfsDir(m.o.cfg.Paths); root != "" {
			if err := inst.AddShare(ctx, qemu.RootShareTag, root); err != nil {
				return err
			}
		}
	}

	if err := m.sm.Advance(lifecycle.StateBooting); err != nil {
		return err
	}
	startCtx, cancel := context.WithTimeout(ctx, m.o.cfg.Timeouts.GetVMStart())
	defer cancel()
	err = inst.Start(startCtx, vm.WithInitArgs(
		"-transport", m.o.cfg.VM.Transport,
		"-port", strconv.Itoa(vsock.ControlPort),
	))
	if err != nil {
		return fmt.Errorf("start VM: %w", err)
	}
	m.watchVM()
	if err := m.lock.SetVMPID(ctx, inst.PID()); err != nil {
		log.G(ctx).WithError(err).Warn("failed to record VM pid in lock file")
	}

	if err := m.sm.Advance(lifecycle.StateAwaitingGuestReady); err != nil {
		return err
	}
	readyCtx, cancel := m.stepContext(ctx, m.o.cfg.Timeouts.GetGuestReady())
	defer cancel()
	conn, err := inst.DialGuest(readyCtx)
	if err != nil {
		return m.stepError(readyCtx, err, lifecycle.ErrBootTimeout)
	}
	m.guest = m.o.connect(conn, m.o.cfg.Timeouts.GetGuestCommand())
	info, err := m.guest.Ready(readyCtx)
	if err != nil {
		return m.stepError(readyCtx, err, lifecycle.ErrBootTimeout)
	}
	log.G(ctx).WithFields(log.Fields{
		"kernel":   info.Kernel,
		"protocol": info.ProtocolVersion,
	}).Debug("guest ready")
	return nil
}

// watchVM closes vmExited when the VM process ends.
func (m *Mount) watchVM() {
	m.vmExited = make(chan struct{})
	waitCh := m.inst.Wait()
	go func() {
		if st, ok := <-waitCh; ok {
			m.exit = st
		}
		close(m.vmExited)
	}()
}

func (m *Mount) exited() bool {
	if m.vmExited == nil {
		return false
	}
	select {
	case <-m.vmExited:
		return true
	default:
		return false
	}
}

// stepContext bounds one guest exchange by timeout and by the VM staying
// up. A zero timeout only watches the VM.
func (m *Mount) stepContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	if exited := m.vmExited; exited != nil {
		go func() {
			select {
			case <-exited:
				cancel()
			case <-ctx.Done():
			}
		}()
	}
	return ctx, cancel
}

// stepError classifies a failed exchange: the VM went away, the step ran
// out of time, or the guest reported an error.
func (m *Mount) stepError(ctx context.Context, err, timeoutErr error) error {
	if m.exited() {
		return fmt.Errorf("%w: %v", lifecycle.ErrVMExited, err)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, guest.ErrTimeout) || guest.ErrorCode(err) == guest.CodeTimeout {
		return fmt.Errorf("%w: %v", timeoutErr, err)
	}
	return err
}

func guestError(command string, err error) error {
	var re *guest.RemoteError
	if errors.As(err, &re) {
		return &lifecycle.GuestMountError{Command: command, Detail: re.Message, Err: err}
	}
	return &lifecycle.GuestMountError{Command: command, Err: err}
}

// prepare unlocks encrypted containers and activates LVM or RAID. Every
// step must succeed before the mount command is sent.
func (m *Mount) prepare(ctx context.Context) error {
	plan := m.req.Plan
	if len(plan.Steps) == 0 {
		return nil
	}
	if err := m.sm.Advance(lifecycle.StateDecrypting); err != nil {
		return err
	}
	for _, step := range plan.Steps {
		sctx, cancel := m.stepContext(ctx, 0)
		var err error
		if step.Unlock() {
			err = m.o.coord.Unlock(sctx, step, func(ctx context.Context, pass []byte) error {
				return m.guest.Unlock(ctx, step.Kind, step.Device, step.Name, pass)
			})
		} else {
			err = m.guest.Activate(sctx, step)
		}
		cancel()
		if err == nil {
			log.G(ctx).WithFields(log.Fields{"kind": step.Kind, "device": step.Device}).Debug("guest step done")
			continue
		}
		if errors.Is(err, decrypt.ErrWrongPassphrase) || errors.Is(err, decrypt.ErrPassphraseRequired) {
			return err
		}
		if m.exited() {
			return fmt.Errorf("%w: %v", lifecycle.ErrVMExited, err)
		}
		command := string(guest.CmdActivate)
		if step.Unlock() {
			command = string(guest.CmdUnlock)
		}
		return guestError(command, err)
	}
	return nil
}

func (m *Mount) readOnly() bool {
	return lo.EveryBy(m.req.Plan.Attachments, func(a ident.Attachment) bool { return a.ReadOnly })
}

func (m *Mount) runAction(ctx context.Context, phase actions.Phase) error {
	script := m.req.Action.Script(phase)
	if script == "" {
		return nil
	}
	sctx, cancel := m.stepContext(ctx, 0)
	defer cancel()
	out, err := m.guest.RunAction(sctx, guest.RunActionArgs{
		Phase:  string(phase),
		Script: script,
		Env:    m.req.Action.Env(m.o.lookupEnv, guest.MountRoot),
	})
	logger := log.G(ctx).WithFields(log.Fields{"action": m.req.Action.Name, "phase": phase})
	if out != "" {
		logger = logger.WithField("output", strings.TrimSpace(out))
	}
	if err != nil {
		return guestError(string(guest.CmdRunAction)+" "+string(phase), err)
	}
	logger.Info("action finished")
	return nil
}

// mountGuest mounts the plan's source inside the guest, wrapped in the
// before_mount and after_mount actions.
func (m *Mount) mountGuest(ctx context.Context) error {
	if err := m.sm.Advance(lifecycle.StateMounting); err != nil {
		return err
	}
	if err := m.runAction(ctx, actions.BeforeMount); err != nil {
		return err
	}

	plan := m.req.Plan
	sctx, cancel := m.stepContext(ctx, 0)
	reply, err := m.guest.Mount(sctx, guest.MountArgs{
		Source:   plan.GuestSource,
		FSType:   plan.FSType,
		Options:  plan.Options,
		Target:   guest.MountRoot,
		ReadOnly: m.readOnly(),
	})
	cancel()
	if err != nil {
		if m.exited() {
			return fmt.Errorf("%w: %v", lifecycle.ErrVMExited, err)
		}
		return guestError(string(guest.CmdMount), err)
	}
	m.guestMounts = append(m.guestMounts, guest.MountRoot)
	log.G(ctx).WithFields(log.Fields{"source": plan.GuestSource, "fstype": reply.FSType}).Info("filesystem mounted in guest")

	return m.runAction(ctx, actions.AfterMount)
}

// export asks the guest to serve the exports over NFS.
func (m *Mount) export(ctx context.Context) error {
	if err := m.sm.Advance(lifecycle.StateAwaitingExport); err != nil {
		return err
	}
	m.exports = m.req.Action.Exports(guest.MountRoot)
	for _, e := range m.exports[1:] {
		if !slices.Contains(m.guestMounts, e) {
			m.guestMounts = append(m.guestMounts, e)
		}
	}

	sctx, cancel := m.stepContext(ctx, m.o.cfg.Timeouts.GetExportReady())
	defer cancel()
	if err := m.guest.ExportReady(sctx, m.exports); err != nil {
		err = m.stepError(sctx, err, lifecycle.ErrExportTimeout)
		if errors.Is(err, lifecycle.ErrExportTimeout) || errors.Is(err, lifecycle.ErrVMExited) {
			return err
		}
		return guestError(string(guest.CmdExportReady), err)
	}
	return nil
}

// mountHost mounts the exports on the host parent-first and persists the
// session.
func (m *Mount) mountHost(ctx context.Context) error {
	nfsCfg := m.o.cfg.NFS
	if err := m.o.nfs.WaitReady(ctx, nfsCfg.Host, nfsCfg.Port, m.o.cfg.Timeouts.GetNFSReady()); err != nil {
		return err
	}

	specs, err := nfs.Nested(m.mp.Path, m.exports)
	if err != nil {
		return err
	}
	for _, s := range specs {
		s.Host = nfsCfg.Host
		s.Port = nfsCfg.Port
		s.MountdPort = nfsCfg.MountdPort
		s.ReadOnly = m.readOnly()
		s.Options = nfsCfg.Options
		if err := m.o.nfs.Mount(ctx, s); err != nil {
			return err
		}
		m.hostMounts = append(m.hostMounts, s.Target)
	}

	rec := session.Session{
		OwnerPID:   os.Getpid(),
		VMPID:      m.inst.PID(),
		Plan:       *m.req.Plan,
		MountPoint: m.mp.Path,
		ExportPath: m.exports[0],
		Nested:     m.hostMounts[1:],
	}
	if rec.VMPID > 0 {
		rec.VMStartedAt = m.lock.Info().VMStartedAt
	}
	if m.req.Action != nil {
		rec.Action = m.req.Action.Name
	}
	sess, err := m.o.registry.Create(ctx, rec)
	if err != nil {
		return err
	}
	m.sess = sess
	return nil
}

// abort records the failure and tears down whatever was set up.
func (m *Mount) abort(ctx context.Context, err error) error {
	failed := m.sm.Fail(err)
	log.G(ctx).WithError(failed).Error("mount failed")
	if res := m.teardownFailed(ctx); res.HasErrors() {
		log.G(ctx).WithError(res).Warn("cleanup after failed mount was incomplete")
	}
	return failed
}
