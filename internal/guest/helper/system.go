//go:build linux

package helper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/containerd/containerd/v2/core/mount"
	"github.com/containerd/log"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// QEMU user-mode networking defaults.
const (
	guestInterface = "eth0"
	guestAddr      = "10.0.2.15/24"
	gatewayAddr    = "10.0.2.2"
)

// Init prepares the guest: pseudo filesystems, writable scratch space for
// the NFS server and the network the host port forwards arrive on.
func Init(ctx context.Context) error {
	if err := mountFilesystems(); err != nil {
		return err
	}
	if err := mountNFSD(); err != nil {
		log.G(ctx).WithError(err).Warn("failed to mount nfsd filesystem")
	}
	if err := os.WriteFile("/proc/sys/kernel/ctrl-alt-del", []byte("0"), 0644); err != nil {
		log.G(ctx).WithError(err).Warn("failed to configure ctrl-alt-del")
	}

	waitForBlockDevices(ctx)

	return configureNetwork(ctx)
}

func mountFilesystems() error {
	for _, dir := range []string{"/run", "/tmp", "/mnt", "/var/lib/nfs"} {
		// The root may be a read-only 9p share that already has these.
		_ = os.MkdirAll(dir, 0755)
	}

	return mount.All([]mount.Mount{
		{
			Type:    "proc",
			Source:  "proc",
			Target:  "/proc",
			Options: []string{"nosuid", "noexec", "nodev"},
		},
		{
			Type:    "sysfs",
			Source:  "sysfs",
			Target:  "/sys",
			Options: []string{"nosuid", "noexec", "nodev"},
		},
		{
			Type:    "devtmpfs",
			Source:  "devtmpfs",
			Target:  "/dev",
			Options: []string{"nosuid", "noexec"},
		},
		{
			Type:    "tmpfs",
			Source:  "tmpfs",
			Target:  "/run",
			Options: []string{"nosuid", "nodev"},
		},
		{
			Type:    "tmpfs",
			Source:  "tmpfs",
			Target:  "/tmp",
			Options: []string{"nosuid", "nodev"},
		},
		{
			Type:    "tmpfs",
			Source:  "tmpfs",
			Target:  "/mnt",
			Options: []string{"nosuid", "nodev"},
		},
		{
			Type:    "tmpfs",
			Source:  "tmpfs",
			Target:  "/var/lib/nfs",
			Options: []string{"nosuid", "nodev", "noexec"},
		},
	}, "/")
}

func mountNFSD() error {
	m := mount.Mount{Type: "nfsd", Source: "nfsd", Target: "/proc/fs/nfsd"}
	return m.Mount("/")
}

// waitForBlockDevices waits for the virtio disks to show up in /dev. The
// kernel may still be probing PCI when init starts. Not fatal: a plan may
// only need disks that appear later.
func waitForBlockDevices(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if nodes := virtioDisks(); len(nodes) > 0 {
			log.G(ctx).WithField("devices", nodes).Info("virtio block devices ready")
			return
		}
		select {
		case <-ctx.Done():
			log.G(ctx).Warn("timeout waiting for virtio block devices, continuing anyway")
			return
		case <-ticker.C:
		}
	}
}

func virtioDisks() []string {
	entries, err := os.ReadDir("/sys/block")
	if err != nil {
		return nil
	}
	var nodes []string
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "vd") {
			continue
		}
		if _, err := os.Stat("/dev/" + e.Name()); err == nil {
			nodes = append(nodes, "/dev/"+e.Name())
		}
	}
	return nodes
}

// configureNetwork brings up lo and eth0 with the static address QEMU's
// user-mode network expects.
func configureNetwork(ctx context.Context) error {
	if lo, err := netlink.LinkByName("lo"); err == nil {
		if err := netlink.LinkSetUp(lo); err != nil {
			log.G(ctx).WithError(err).Warn("failed to bring up lo")
		}
	}

	link, err := netlink.LinkByName(guestInterface)
	if err != nil {
		return fmt.Errorf("find %s: %w", guestInterface, err)
	}
	addr, err := netlink.ParseAddr(guestAddr)
	if err != nil {
		return err
	}
	if err := netlink.AddrAdd(link, addr); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("add address to %s: %w", guestInterface, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring up %s: %w", guestInterface, err)
	}
	route := &netlink.Route{LinkIndex: link.Attrs().Index, Gw: net.ParseIP(gatewayAddr)}
	if err := netlink.RouteAdd(route); err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("add default route: %w", err)
	}
	log.G(ctx).WithFields(log.Fields{"link": guestInterface, "addr": guestAddr}).Debug("network configured")
	return nil
}
