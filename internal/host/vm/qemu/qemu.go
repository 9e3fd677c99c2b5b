// Package qemu implements the QEMU-based VM backend.
//
// # State Machine
//
//	vmStateNew → vmStateStarting → vmStateRunning → vmStateShutdown
//	    ↑              ↓
//	    └──────────────┘ (on Start failure)
//
//   - New: Instance created, not started. AddDisk/AddShare allowed.
//   - Starting: Start() in progress. No API calls allowed.
//   - Running: VM is running. DialGuest/Shutdown allowed.
//   - Shutdown: Shutdown() called or completed. No further operations.
//
// # Goroutine Ownership
//
//  1. Console FIFO reader (setupConsoleFIFO in start.go)
//     - Reads FIFO → writes to the console log file
//     - Terminated by: QEMU closing its end, or closing q.consoleFifo
//
//  2. Process monitor (monitorProcess in start.go)
//     - Waits on q.cmd.Wait(), then publishes the exit on q.exitCh and
//       closes q.waitCh
//
//  3. QMP reader (readLoop in qmp.go)
//     - Routes replies to the pending command and logs events
//     - Terminated by: qmpClient.Close()
package qemu

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/log"

	"github.com/spin-stack/diskbox/internal/host/vm"
)

type vmState int32

const (
	vmStateNew vmState = iota
	vmStateStarting
	vmStateRunning
	vmStateShutdown
)

func (s vmState) String() string {
	switch s {
	case vmStateNew:
		return "new"
	case vmStateStarting:
		return "starting"
	case vmStateRunning:
		return "running"
	case vmStateShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

func (q *Instance) getState() vmState {
	return vmState(q.vmState.Load())
}

func (q *Instance) setState(state vmState) {
	q.vmState.Store(int32(state))
}

func (q *Instance) compareAndSwapState(old, new vmState) bool {
	return q.vmState.CompareAndSwap(int32(old), int32(new))
}

const (
	defaultCPUs      = 1
	defaultMemoryMiB = 512
	minMemoryMiB     = 128
	vmStartTimeout   = 10 * time.Second

	maxUnixSocketPath = 103             // sun_path on darwin is the tighter limit
	consoleBufferSize = 8 * 1024        // Console FIFO read buffer
	qmpDefaultTimeout = 5 * time.Second // Default QMP command timeout

	guestSerialSocket = "guest.sock"
	qmpSocket         = "qmp.sock"
	consoleFifo       = "console.fifo"
	qemuLog           = "qemu.log"
)

// Instance is a QEMU microVM with host block devices attached as virtio-blk.
type Instance struct {
	// mu protects fields accessed concurrently:
	// - disks, shares: written during configuration, read during Start()
	// - cmd, qmpClient: written during Start(), read during Shutdown()
	mu sync.Mutex

	vmState atomic.Int32

	cfg vm.Config

	qmpSocketPath   string
	serialPath      string
	consoleFifoPath string
	qemuLogPath     string
	consoleFile     *os.File
	consoleFifo     *os.File

	cmd       *exec.Cmd
	pid       atomic.Int64
	exitCh    chan vm.ExitStatus
	waitCh    chan struct{}
	qmpClient *qmpClient

	disks  []*DiskConfig
	shares []*ShareConfig
}

// DiskConfig is a block device scheduled for attachment.
type DiskConfig struct {
	ID       string
	Path     string
	Readonly bool
}

// ShareConfig is a host directory exported over 9p.
type ShareConfig struct {
	Tag  string
	Path string
}

func init() {
	vm.Register(vm.VMTypeQEMU, vm.FactoryFunc(func(ctx context.Context, cfg vm.Config) (vm.Instance, error) {
		return NewInstance(ctx, cfg)
	}))
}

// NewInstance prepares a QEMU VM. Nothing runs until Start.
func NewInstance(ctx context.Context, cfg vm.Config) (*Instance, error) {
	if cfg.BinaryPath == "" {
		return nil, fmt.Errorf("qemu binary not configured")
	}
	if cfg.StateDir == "" {
		return nil, fmt.Errorf("state directory not configured")
	}
	if cfg.CPUs == 0 {
		cfg.CPUs = defaultCPUs
	}
	if cfg.MemoryMiB == 0 {
		cfg.MemoryMiB = defaultMemoryMiB
	}
	if cfg.Transport == "" {
		cfg.Transport = vm.TransportSerial
	}
	if cfg.Accel == "" {
		cfg.Accel = defaultAccel()
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}

	if err := os.MkdirAll(cfg.StateDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	q := &Instance{
		cfg:             cfg,
		qmpSocketPath:   filepath.Join(cfg.StateDir, qmpSocket),
		serialPath:      filepath.Join(cfg.StateDir, guestSerialSocket),
		consoleFifoPath: filepath.Join(cfg.StateDir, consoleFifo),
		qemuLogPath:     filepath.Join(cfg.StateDir, qemuLog),
		exitCh:          make(chan vm.ExitStatus, 1),
		waitCh:          make(chan struct{}),
	}
	for _, p := range []string{q.qmpSocketPath, q.serialPath} {
		if len(p) > maxUnixSocketPath {
			return nil, fmt.Errorf("socket path too long (%d > %d): %s", len(p), maxUnixSocketPath, p)
		}
	}

	log.G(ctx).WithFields(log.Fields{
		"binary":    cfg.BinaryPath,
		"accel":     cfg.Accel,
		"transport": cfg.Transport,
		"memory":    cfg.MemoryMiB,
	}).Debug("qemu: instance created")
	return q, nil
}

// VMInfo returns metadata about the QEMU backend.
func (q *Instance) VMInfo() vm.VMInfo {
	return vm.VMInfo{
		Type:          string(vm.VMTypeQEMU),
		SupportsVSOCK: runtime.GOOS == "linux",
	}
}

// PID returns the QEMU process id.
func (q *Instance) PID() int {
	return int(q.pid.Load())
}

// Wait returns the exit channel. It yields exactly one value.
func (q *Instance) Wait() <-chan vm.ExitStatus {
	return q.exitCh
}

func defaultAccel() string {
	switch runtime.GOOS {
	case "darwin":
		return "hvf"
	case "linux":
		if _, err := os.Stat("/dev/kvm"); err == nil {
			return "kvm"
		}
	}
	return "tcg"
}
