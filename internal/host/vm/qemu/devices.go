package qemu

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"syscall"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/spin-stack/diskbox/internal/host/vm"
)

// generateStableDiskID derives a drive id from the device and inode numbers
// of path so the same node keeps the same id across runs.
func generateStableDiskID(path string) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat disk path: %w", err)
	}

	stat, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		encoded := base64.RawURLEncoding.EncodeToString([]byte(path))
		return "disk-" + encoded, nil
	}
	return fmt.Sprintf("disk-%x-%x", stat.Dev, stat.Ino), nil
}

// AddDisk schedules a host block device for attachment.
func (q *Instance) AddDisk(ctx context.Context, blockID, path string, opts ...vm.DiskOpt) error {
	if q.getState() != vmStateNew {
		return fmt.Errorf("cannot add disk after VM started: %w", errdefs.ErrFailedPrecondition)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var dc vm.DiskConfig
	for _, o := range opts {
		o(&dc)
	}

	if blockID == "" {
		stableID, err := generateStableDiskID(path)
		if err != nil {
			return fmt.Errorf("failed to generate stable disk ID: %w", err)
		}
		blockID = stableID
	}
	for _, d := range q.disks {
		if d.ID == blockID {
			return fmt.Errorf("disk id %q: %w", blockID, errdefs.ErrAlreadyExists)
		}
	}

	q.disks = append(q.disks, &DiskConfig{
		ID:       blockID,
		Path:     path,
		Readonly: dc.Readonly,
	})

	log.G(ctx).WithFields(log.Fields{
		"id":       blockID,
		"path":     path,
		"readonly": dc.Readonly,
	}).Debug("qemu: scheduled disk")
	return nil
}

// AddShare exports a host directory over 9p. A share tagged RootShareTag
// becomes the guest root filesystem.
func (q *Instance) AddShare(ctx context.Context, tag, path string) error {
	if q.getState() != vmStateNew {
		return fmt.Errorf("cannot add share after VM started: %w", errdefs.ErrFailedPrecondition)
	}
	if tag == "" {
		return fmt.Errorf("share tag is empty: %w", errdefs.ErrInvalidArgument)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, s := range q.shares {
		if s.Tag == tag {
			return fmt.Errorf("share tag %q: %w", tag, errdefs.ErrAlreadyExists)
		}
	}
	q.shares = append(q.shares, &ShareConfig{Tag: tag, Path: path})

	log.G(ctx).WithFields(log.Fields{
		"tag":  tag,
		"path": path,
	}).Debug("qemu: scheduled share")
	return nil
}

func (q *Instance) hasRootShare() bool {
	for _, s := range q.shares {
		if s.Tag == RootShareTag {
			return true
		}
	}
	return false
}
