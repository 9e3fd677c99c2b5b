// Package nfs mounts the guest's NFS export on the host and prepares the
// host mount points.
package nfs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/containerd/log"
	"github.com/moby/sys/mountinfo"

	"github.com/spin-stack/diskbox/internal/runner"
)

// ErrNotReady is returned when the forwarded NFS port never accepts a
// connection.
var ErrNotReady = fmt.Errorf("NFS server not reachable: %w", context.DeadlineExceeded)

// Spec describes one host NFS mount.
type Spec struct {
	Host       string
	Port       int
	MountdPort int
	// Export is the guest path.
	Export   string
	Target   string
	ReadOnly bool
	// Options are extra comma-separated mount options.
	Options string
}

// Source renders host:/export.
func (s Spec) Source() string {
	return s.Host + ":" + s.Export
}

// Mounter runs the host mount tools.
type Mounter struct {
	Runner runner.Runner
	// GOOS selects the mount flavor. Empty means runtime.GOOS.
	GOOS string
	// MountedFunc replaces the mount table lookup.
	MountedFunc func(path string) (bool, error)
}

// NewMounter returns a Mounter for the running host.
func NewMounter(r runner.Runner) *Mounter {
	return &Mounter{Runner: r}
}

func (m *Mounter) goos() string {
	if m.GOOS != "" {
		return m.GOOS
	}
	return runtime.GOOS
}

// options builds the -o value. NFSv3 over TCP with explicit ports, since
// slirp forwards only the ports it was told about and there is no portmapper.
func (m *Mounter) options(s Spec) string {
	opts := []string{
		"vers=3",
		"port=" + strconv.Itoa(s.Port),
		"mountport=" + strconv.Itoa(s.MountdPort),
	}
	switch m.goos() {
	case "darwin":
		opts = append(opts, "tcp", "nolocks", "locallocks")
		if s.ReadOnly {
			opts = append(opts, "rdonly")
		}
	default:
		opts = append(opts, "proto=tcp", "mountproto=tcp", "nolock")
		if s.ReadOnly {
			opts = append(opts, "ro")
		}
	}
	if s.Options != "" {
		opts = append(opts, s.Options)
	}
	return strings.Join(opts, ",")
}

// Command returns the mount invocation for s.
func (m *Mounter) Command(s Spec) runner.Cmd {
	if m.goos() == "darwin" {
		return runner.Cmd{Name: "/sbin/mount_nfs", Args: []string{"-o", m.options(s), s.Source(), s.Target}}
	}
	return runner.Cmd{Name: "mount", Args: []string{"-t", "nfs", "-o", m.options(s), s.Source(), s.Target}}
}

// Mount mounts s.Export at s.Target.
func (m *Mounter) Mount(ctx context.Context, s Spec) error {
	cmd := m.Command(s)
	log.G(ctx).WithFields(log.Fields{
		"source": s.Source(),
		"target": s.Target,
	}).Info("mounting NFS export")
	if _, err := m.Runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("mount %s on %s: %w", s.Source(), s.Target, err)
	}
	return nil
}

// Unmount unmounts target. With force the unmount does not wait for an
// unresponsive server.
func (m *Mounter) Unmount(ctx context.Context, target string, force bool) error {
	args := []string{}
	if force {
		args = append(args, "-f")
		if m.goos() == "linux" {
			args = append(args, "-l")
		}
	}
	args = append(args, target)
	name := "umount"
	if m.goos() == "darwin" {
		name = "/sbin/umount"
	}

	if _, err := m.Runner.Run(ctx, runner.Cmd{Name: name, Args: args}); err != nil {
		if mounted, merr := m.Mounted(target); merr == nil && !mounted {
			return nil
		}
		return fmt.Errorf("unmount %s: %w", target, err)
	}
	log.G(ctx).WithFields(log.Fields{"target": target, "force": force}).Debug("unmounted")
	return nil
}

// Mounted reports whether path is a mount point.
func (m *Mounter) Mounted(path string) (bool, error) {
	if m.MountedFunc != nil {
		return m.MountedFunc(path)
	}
	return mountinfo.Mounted(path)
}

// WaitReady calls the package-level WaitReady.
func (m *Mounter) WaitReady(ctx context.Context, host string, port int, timeout time.Duration) error {
	return WaitReady(ctx, host, port, timeout)
}

// WaitReady dials host:port until it accepts a TCP connection or timeout
// passes.
func WaitReady(ctx context.Context, host string, port int, timeout time.Duration) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = timeout

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		d := net.Dialer{Timeout: time.Second}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s after %d attempts: %w", addr, attempts, errors.Join(ErrNotReady, err))
	}
	log.G(ctx).WithFields(log.Fields{"addr": addr, "attempts": attempts}).Debug("NFS port ready")
	return nil
}
