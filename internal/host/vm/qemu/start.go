package qemu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/spin-stack/diskbox/internal/guest"
	"github.com/spin-stack/diskbox/internal/host/vm"
	"github.com/spin-stack/diskbox/internal/vsock"
)

// setupConsoleFIFO creates the FIFO QEMU writes the guest console to and
// starts streaming it into the console log.
//
// The read end is opened O_RDWR so the open does not block waiting for
// QEMU, and so the reader never sees EOF between writer sessions. Closing
// q.consoleFifo ends the goroutine.
func (q *Instance) setupConsoleFIFO(ctx context.Context) error {
	_ = os.Remove(q.consoleFifoPath)

	if err := unix.Mkfifo(q.consoleFifoPath, 0600); err != nil {
		return fmt.Errorf("failed to create console FIFO: %w", err)
	}

	consolePath := q.cfg.ConsoleLog
	if consolePath == "" {
		consolePath = os.DevNull
	}
	consoleFile, err := os.OpenFile(consolePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		_ = os.Remove(q.consoleFifoPath)
		return fmt.Errorf("failed to open console log file: %w", err)
	}

	fifo, err := os.OpenFile(q.consoleFifoPath, os.O_RDWR, 0)
	if err != nil {
		_ = consoleFile.Close()
		_ = os.Remove(q.consoleFifoPath)
		return fmt.Errorf("failed to open console FIFO: %w", err)
	}
	q.consoleFile = consoleFile
	q.consoleFifo = fifo

	go func() {
		buf := make([]byte, consoleBufferSize)
		for {
			n, err := fifo.Read(buf)
			if n > 0 {
				if _, werr := consoleFile.Write(buf[:n]); werr != nil {
					log.G(ctx).WithError(werr).Debug("qemu: failed to write console output")
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
					log.G(ctx).WithError(err).Debug("qemu: console FIFO read error")
				}
				return
			}
		}
	}()
	return nil
}

// validateConfiguration checks the VM configuration before starting
func (q *Instance) validateConfiguration() error {
	if _, err := os.Stat(q.cfg.BinaryPath); err != nil {
		return fmt.Errorf("QEMU binary not found at %s: %w", q.cfg.BinaryPath, errdefs.ErrNotFound)
	}
	if _, err := os.Stat(q.cfg.KernelPath); err != nil {
		return fmt.Errorf("kernel not found at %s: %w", q.cfg.KernelPath, errdefs.ErrNotFound)
	}
	if q.cfg.InitrdPath != "" {
		if _, err := os.Stat(q.cfg.InitrdPath); err != nil {
			return fmt.Errorf("initrd not found at %s: %w", q.cfg.InitrdPath, errdefs.ErrNotFound)
		}
	} else if !q.hasRootShare() {
		return fmt.Errorf("either an initrd or a %q share is required: %w", RootShareTag, errdefs.ErrInvalidArgument)
	}

	for _, disk := range q.disks {
		if _, err := os.Stat(disk.Path); err != nil {
			return fmt.Errorf("disk not found at %s: %w", disk.Path, errdefs.ErrNotFound)
		}
	}

	if q.cfg.MemoryMiB < minMemoryMiB {
		return fmt.Errorf("memory too low: %d MiB (minimum %d MiB): %w", q.cfg.MemoryMiB, minMemoryMiB, errdefs.ErrInvalidArgument)
	}
	if q.cfg.CPUs < 1 {
		return fmt.Errorf("CPUs must be at least 1, got %d: %w", q.cfg.CPUs, errdefs.ErrInvalidArgument)
	}

	switch q.cfg.Transport {
	case vm.TransportSerial:
	case vm.TransportVsock:
		if runtime.GOOS != "linux" {
			return fmt.Errorf("vsock transport requires vhost-vsock (linux hosts only): %w", errdefs.ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("unknown transport %q: %w", q.cfg.Transport, errdefs.ErrInvalidArgument)
	}
	return nil
}

func machineType() string {
	if runtime.GOARCH == "arm64" {
		return "virt"
	}
	return "q35"
}

func cpuModel(accel string) string {
	if accel == "tcg" {
		return "max"
	}
	return "host"
}

// buildQemuCommandLine assembles the full QEMU argument list.
func (q *Instance) buildQemuCommandLine(opts vm.StartOpts) []string {
	cmdline := DefaultKernelCmdlineConfig()
	if q.hasRootShare() {
		cmdline.RootShare = RootShareTag
	}
	cmdline.InitArgs = opts.InitArgs
	cmdline.Extra = opts.KernelArgs

	b := newQemuCommandBuilder().
		setNoDefaults().
		setMachine(machineType(), "accel="+q.cfg.Accel).
		setCPU(cpuModel(q.cfg.Accel)).
		setSMP(q.cfg.CPUs).
		setMemory(q.cfg.MemoryMiB).
		setKernel(q.cfg.KernelPath)
	if q.cfg.InitrdPath != "" {
		b.setInitrd(q.cfg.InitrdPath)
	}
	b.setKernelArgs(BuildKernelCmdline(cmdline)).
		setNoDisplay().
		addRaw("-no-reboot").
		setSerial("file:" + q.consoleFifoPath).
		setQMPUnixSocket(q.qmpSocketPath).
		addVirtioRNG()

	switch q.cfg.Transport {
	case vm.TransportVsock:
		b.addVsockDevice(vsock.GuestCID)
	default:
		b.addSerialChannel("guest", q.serialPath, guest.SerialPortName)
	}

	if len(q.cfg.Forwards) > 0 {
		b.addUserNetwork("net0", q.cfg.Forwards)
	}
	for _, disk := range q.disks {
		b.addDisk(disk)
	}
	for i, share := range q.shares {
		b.addShare(fmt.Sprintf("fs%d", i), share)
	}
	if len(q.cfg.ExtraArgs) > 0 {
		b.addRaw(q.cfg.ExtraArgs...)
	}
	return b.build()
}

func (q *Instance) startQemuProcess(ctx context.Context, qemuArgs []string) error {
	qemuLogFile, err := os.Create(q.qemuLogPath)
	if err != nil {
		return fmt.Errorf("failed to create qemu log file: %w", err)
	}
	defer func() {
		_ = qemuLogFile.Close()
	}()

	// The VM outlives the start request; a canceled ctx must not kill it.
	//nolint:gosec // QEMU path and args are controlled by VM configuration.
	cmd := exec.CommandContext(context.WithoutCancel(ctx), q.cfg.BinaryPath, qemuArgs...)
	cmd.Stdout = qemuLogFile
	cmd.Stderr = qemuLogFile
	cmd.SysProcAttr = &syscall.SysProcAttr{
		// Own process group so terminal signals reach only the supervisor.
		Setpgid: true,
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start qemu: %w", err)
	}
	q.cmd = cmd
	q.pid.Store(int64(cmd.Process.Pid))

	log.G(ctx).WithField("pid", cmd.Process.Pid).Info("qemu: process started, waiting for QMP socket...")

	q.monitorProcess(ctx, cmd)
	return nil
}

// monitorProcess publishes the process exit exactly once on exitCh and
// closes waitCh. Cleanup is left to Shutdown.
func (q *Instance) monitorProcess(ctx context.Context, cmd *exec.Cmd) {
	exitCh, waitCh := q.exitCh, q.waitCh
	go func() {
		exitErr := cmd.Wait()
		if exitErr != nil {
			log.G(ctx).WithError(exitErr).Debug("qemu: process exited")
		} else {
			log.G(ctx).Debug("qemu: process exited cleanly")
		}
		exitCh <- vm.ExitStatus{Err: exitErr, ExitedAt: time.Now()}
		close(waitCh)
	}()
}

func (q *Instance) connectQMP(ctx context.Context) error {
	qctx, cancel := context.WithCancel(ctx)
	defer cancel()
	waitCh := q.waitCh
	go func() {
		select {
		case <-waitCh:
			cancel()
		case <-qctx.Done():
		}
	}()

	client, err := newQMPClient(qctx, q.qmpSocketPath)
	if err != nil {
		if q.exited() {
			return fmt.Errorf("qemu exited during startup (see %s): %w", q.qemuLogPath, errdefs.ErrUnavailable)
		}
		return fmt.Errorf("failed to connect to QMP: %w", err)
	}
	q.qmpClient = client
	return nil
}

func (q *Instance) exited() bool {
	select {
	case <-q.waitCh:
		return true
	default:
		return false
	}
}

// rollbackStart undoes a partial Start and returns the instance to
// vmStateNew. Must be called with q.mu held.
func (q *Instance) rollbackStart(ctx context.Context, success *bool) {
	if success != nil && *success {
		return
	}
	logger := log.G(ctx)

	closeAndLog(logger, "qmp", q.qmpClient)
	q.qmpClient = nil

	if q.cmd != nil && q.cmd.Process != nil {
		_ = q.cmd.Process.Kill()
		select {
		case <-q.waitCh:
		case <-time.After(shutdownKillWait):
			logger.Warn("qemu: process did not exit during start rollback")
		}
		// Drain the exit of the aborted process so Wait reflects the next start.
		select {
		case <-q.exitCh:
		default:
		}
		q.exitCh = make(chan vm.ExitStatus, 1)
		q.waitCh = make(chan struct{})
	}
	q.cmd = nil
	q.pid.Store(0)

	q.closeConsole(logger)
	q.setState(vmStateNew)
}

// Start launches QEMU and waits until the monitor is reachable. The guest
// helper may still be booting when Start returns; use DialGuest.
func (q *Instance) Start(ctx context.Context, opts ...vm.StartOpt) error {
	if !q.compareAndSwapState(vmStateNew, vmStateStarting) {
		return fmt.Errorf("cannot start VM in state %s: %w", q.getState(), errdefs.ErrFailedPrecondition)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	success := false
	defer q.rollbackStart(ctx, &success)

	var startOpts vm.StartOpts
	for _, o := range opts {
		o(&startOpts)
	}

	if err := q.validateConfiguration(); err != nil {
		return err
	}
	if err := q.setupConsoleFIFO(ctx); err != nil {
		return err
	}

	args := q.buildQemuCommandLine(startOpts)
	log.G(ctx).WithField("args", args).Debug("qemu: starting")

	if err := q.startQemuProcess(ctx, args); err != nil {
		return err
	}
	if err := q.connectQMP(ctx); err != nil {
		return err
	}

	q.setState(vmStateRunning)
	success = true
	return nil
}

// DialGuest connects to the guest helper, retrying until ctx ends or the
// VM exits.
func (q *Instance) DialGuest(ctx context.Context) (net.Conn, error) {
	if q.getState() != vmStateRunning {
		return nil, fmt.Errorf("cannot dial guest in state %s: %w", q.getState(), errdefs.ErrFailedPrecondition)
	}

	var d guest.Dialer
	switch q.cfg.Transport {
	case vm.TransportVsock:
		port := q.cfg.GuestPort
		if port == 0 {
			port = vsock.ControlPort
		}
		d = guest.VsockDialer{CID: vsock.GuestCID, Port: port}
	default:
		d = guest.UnixDialer{Path: q.serialPath}
	}

	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	waitCh := q.waitCh
	go func() {
		select {
		case <-waitCh:
			cancel()
		case <-dctx.Done():
		}
	}()

	conn, err := guest.DialRetry(dctx, d)
	if err != nil {
		if q.exited() {
			return nil, fmt.Errorf("vm exited before the guest channel opened: %w", errdefs.ErrUnavailable)
		}
		return nil, err
	}
	return conn, nil
}
