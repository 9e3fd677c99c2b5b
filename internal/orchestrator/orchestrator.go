// Package orchestrator drives a mount from a resolved plan to a live host
// NFS mount and back.
//
// # Flow
//
//	Validating → Attaching → Booting → AwaitingGuestReady → [Decrypting]
//	    → Mounting → AwaitingExport → Mounted → Unmounting → TornDown
//
// Any step may fail. A failure moves the state machine to Failed and runs
// the teardown phases that have something to undo, so the process never
// exits with a VM or a session record left behind.
//
// # Supervision
//
// Once mounted, the owning process stays in Supervise until the VM exits,
// the host mount disappears, a signal arrives or ctx is done. Another
// process asks for an unmount by signalling the owner (Unmount) or kills
// everything without a handshake (Stop).
package orchestrator

import (
	"context"
	"net"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"

	"github.com/spin-stack/diskbox/internal/catalog"
	"github.com/spin-stack/diskbox/internal/config"
	"github.com/spin-stack/diskbox/internal/decrypt"
	"github.com/spin-stack/diskbox/internal/guest"
	"github.com/spin-stack/diskbox/internal/host/vm"
	"github.com/spin-stack/diskbox/internal/ident"
	"github.com/spin-stack/diskbox/internal/nfs"
	"github.com/spin-stack/diskbox/internal/runner"
	"github.com/spin-stack/diskbox/internal/session"
)

const (
	defaultPollInterval = 2 * time.Second

	// guestShutdownTimeout bounds the poweroff request sent before the VM
	// is stopped from the host side.
	guestShutdownTimeout = 2 * time.Second
)

// Guest is the guest helper as seen by the mount flow.
type Guest interface {
	Ready(ctx context.Context) (guest.ReadyReply, error)
	Unlock(ctx context.Context, kind ident.StepKind, device, name string, passphrase []byte) error
	Lock(ctx context.Context, name string) error
	Activate(ctx context.Context, step ident.Step) error
	Probe(ctx context.Context, device string) (catalog.ProbeResult, error)
	Mount(ctx context.Context, args guest.MountArgs) (guest.MountReply, error)
	ExportReady(ctx context.Context, paths []string) error
	Unmount(ctx context.Context, target string) error
	RunAction(ctx context.Context, args guest.RunActionArgs) (string, error)
	Shutdown(ctx context.Context) error
	Close() error
}

// GuestConnector wraps a dialed guest channel.
type GuestConnector func(conn net.Conn, timeout time.Duration) Guest

// NFS mounts guest exports on the host.
type NFS interface {
	WaitReady(ctx context.Context, host string, port int, timeout time.Duration) error
	Mount(ctx context.Context, s nfs.Spec) error
	Unmount(ctx context.Context, target string, force bool) error
	Mounted(path string) (bool, error)
}

// DeviceCheck fails when a host device cannot be handed to the VM.
type DeviceCheck func(path string, readWrite bool) error

// Killer sends a signal to a process.
type Killer func(pid int, sig unix.Signal) error

// Orchestrator owns the collaborators of the mount flow.
type Orchestrator struct {
	cfg      *config.Config
	vmm      vm.Factory
	registry *session.Registry
	coord    *decrypt.Coordinator

	nfs          NFS
	connect      GuestConnector
	checkDevice  DeviceCheck
	kill         Killer
	alive        session.AliveFunc
	lookupEnv    func(string) (string, bool)
	notify       func(c chan<- os.Signal, sig ...os.Signal)
	pollInterval time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithNFS replaces the host NFS mounter.
func WithNFS(n NFS) Option {
	return func(o *Orchestrator) { o.nfs = n }
}

// WithGuestConnector replaces the guest client constructor.
func WithGuestConnector(c GuestConnector) Option {
	return func(o *Orchestrator) { o.connect = c }
}

// WithDeviceCheck replaces the host device accessibility probe.
func WithDeviceCheck(fn DeviceCheck) Option {
	return func(o *Orchestrator) { o.checkDevice = fn }
}

// WithKiller replaces unix.Kill.
func WithKiller(fn Killer) Option {
	return func(o *Orchestrator) { o.kill = fn }
}

// WithAliveFunc replaces the process liveness check.
func WithAliveFunc(fn session.AliveFunc) Option {
	return func(o *Orchestrator) { o.alive = fn }
}

// WithLookupEnv replaces os.LookupEnv for captured action variables.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(o *Orchestrator) { o.lookupEnv = fn }
}

// WithSignalNotify replaces signal.Notify.
func WithSignalNotify(fn func(c chan<- os.Signal, sig ...os.Signal)) Option {
	return func(o *Orchestrator) { o.notify = fn }
}

// WithPollInterval sets how often a mounted session checks the host mount.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.pollInterval = d }
}

// New returns an Orchestrator.
func New(cfg *config.Config, vmm vm.Factory, registry *session.Registry, coord *decrypt.Coordinator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		vmm:      vmm,
		registry: registry,
		coord:    coord,
		nfs:      nfs.NewMounter(runner.Exec{}),
		connect: func(conn net.Conn, timeout time.Duration) Guest {
			return guest.NewClient(conn, timeout)
		},
		checkDevice:  CheckDevice,
		kill:         unix.Kill,
		alive:        session.ProcessAlive,
		lookupEnv:    os.LookupEnv,
		notify:       signal.Notify,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Registry returns the session registry.
func (o *Orchestrator) Registry() *session.Registry {
	return o.registry
}
