package orchestrator

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"

	"github.com/spin-stack/diskbox/internal/lifecycle"
)

// CheckDevice opens path exclusively to make sure nothing on the host holds
// it, and rejects devices that are mounted on the host.
func CheckDevice(path string, readWrite bool) error {
	flags := unix.O_RDONLY
	if readWrite {
		flags = unix.O_RDWR
	}
	fd, err := unix.Open(path, flags|unix.O_EXCL|unix.O_CLOEXEC, 0)
	switch {
	case err == nil:
		_ = unix.Close(fd)
	case errors.Is(err, unix.EBUSY):
		return fmt.Errorf("%s: %w", path, lifecycle.ErrDeviceBusy)
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return fmt.Errorf("%s (try running as root): %w", path, lifecycle.ErrDeviceAccess)
	case errors.Is(err, unix.ENOENT):
		return fmt.Errorf("%s: %w", path, errdefs.ErrNotFound)
	default:
		return fmt.Errorf("open %s: %w", path, err)
	}

	mounts, err := mountinfo.GetMounts(func(i *mountinfo.Info) (skip, stop bool) {
		return i.Source != path, false
	})
	if err != nil {
		return fmt.Errorf("read mount table: %w", err)
	}
	if len(mounts) > 0 {
		return fmt.Errorf("%s is mounted at %s: %w", path, mounts[0].Mountpoint, lifecycle.ErrDeviceBusy)
	}
	return nil
}
