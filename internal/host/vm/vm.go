// Package vm defines the VM capability used by the mount flow.
// Concrete VM implementations are in subpackages (e.g., qemu).
package vm

import (
	"context"
	"net"
	"time"
)

// Transport selects the host<->guest control channel.
type Transport string

const (
	// TransportSerial uses a virtio-serial port backed by a host unix socket.
	TransportSerial Transport = "serial"
	// TransportVsock uses AF_VSOCK. Only available with vhost-vsock hosts.
	TransportVsock Transport = "vsock"
)

// PortForward exposes a guest TCP port on the host loopback.
type PortForward struct {
	HostAddr  string
	HostPort  int
	GuestPort int
}

// Config describes the VM to build.
type Config struct {
	BinaryPath string
	KernelPath string
	InitrdPath string
	// StateDir holds sockets for the lifetime of the VM.
	StateDir string
	// ConsoleLog receives the guest serial console.
	ConsoleLog string

	CPUs      int
	MemoryMiB int
	// Accel is hvf, kvm or tcg. Empty picks the host default.
	Accel     string
	Transport Transport
	// GuestPort is the vsock port the guest helper listens on.
	GuestPort uint32
	Forwards  []PortForward
	ExtraArgs []string
	// ShutdownGrace bounds the wait for a guest poweroff before QEMU is
	// told to quit.
	ShutdownGrace time.Duration
}

// StartOpts defines configuration options for starting a VM.
type StartOpts struct {
	KernelArgs []string
	InitArgs   []string
}

// StartOpt configures VM start options.
type StartOpt func(*StartOpts)

// WithKernelArgs appends kernel command line arguments.
func WithKernelArgs(args ...string) StartOpt {
	return func(o *StartOpts) {
		o.KernelArgs = append(o.KernelArgs, args...)
	}
}

// WithInitArgs appends arguments for the guest helper.
func WithInitArgs(args ...string) StartOpt {
	return func(o *StartOpts) {
		o.InitArgs = append(o.InitArgs, args...)
	}
}

// DiskConfig defines how a block device is attached.
type DiskConfig struct {
	Readonly bool
}

// DiskOpt configures a disk attachment.
type DiskOpt func(*DiskConfig)

// WithReadOnly attaches the disk read-only.
func WithReadOnly() DiskOpt {
	return func(o *DiskConfig) {
		o.Readonly = true
	}
}

// ExitStatus reports how the VM process ended.
type ExitStatus struct {
	Err      error
	ExitedAt time.Time
}

// VMInfo contains metadata about the VMM backend
type VMInfo struct {
	// Type identifies the VMM backend (e.g., "qemu")
	Type string

	// SupportsVSOCK indicates whether the VMM supports vsock for communication
	SupportsVSOCK bool
}

// DeviceConfigurator configures VM devices before startup.
// These methods must be called before Start().
type DeviceConfigurator interface {
	// AddDisk adds a virtio-blk disk device to the VM. Disks appear in the
	// guest in the order they were added.
	AddDisk(ctx context.Context, blockID, path string, opts ...DiskOpt) error
	// AddShare exports a host directory to the guest over 9p.
	AddShare(ctx context.Context, tag, path string) error
}

// Instance is a microVM that can see host block devices.
type Instance interface {
	DeviceConfigurator

	Start(ctx context.Context, opts ...StartOpt) error
	// Wait returns a channel that receives once when the VM process exits.
	Wait() <-chan ExitStatus
	// Shutdown stops the VM. It is idempotent.
	Shutdown(ctx context.Context) error
	// DialGuest opens the control channel to the guest helper.
	DialGuest(ctx context.Context) (net.Conn, error)
	// PID returns the VM process id, or 0 before Start.
	PID() int

	VMInfo() VMInfo
}
