//go:build linux

package helper

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/containerd/log"

	"github.com/spin-stack/diskbox/internal/guest"
	"github.com/spin-stack/diskbox/internal/runner"
)

// nfsdThreads is the kernel nfsd thread count. One host client needs few.
const nfsdThreads = 4

// exportOptions are used for every export. The host reaches the guest
// through user-mode networking from an unprivileged port, hence insecure.
const exportOptions = "rw,sync,no_subtree_check,no_root_squash,insecure,crossmnt"

// startNFS brings up rpcbind, nfsd and mountd once.
func (h *Helper) startNFS(ctx context.Context) error {
	if h.nfsUp {
		return nil
	}
	// rpcbind is only needed for registration; NFSv3 clients here use
	// fixed ports.
	if _, err := h.run.Run(ctx, runner.Cmd{Name: "rpcbind", Args: []string{"-w"}}); err != nil {
		log.G(ctx).WithError(err).Warn("rpcbind failed to start")
	}
	steps := []runner.Cmd{
		{Name: "rpc.nfsd", Args: []string{"--port", strconv.Itoa(guest.NFSPort), "--no-nfs-version", "4", strconv.Itoa(nfsdThreads)}},
		{Name: "rpc.mountd", Args: []string{"--port", strconv.Itoa(guest.MountdPort), "--no-nfs-version", "4"}},
	}
	for _, c := range steps {
		if _, err := h.run.Run(ctx, c); err != nil {
			return fmt.Errorf("start NFS server: %w", err)
		}
	}
	h.nfsUp = true
	log.G(ctx).Info("NFS server started")
	return nil
}

// exportReady exports paths and waits until nfsd and mountd accept
// connections.
func (h *Helper) exportReady(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return guest.Errorf(guest.CodeBadRequest, "no paths to export")
	}
	if err := h.startNFS(ctx); err != nil {
		return err
	}
	for _, p := range paths {
		if slices.Contains(h.exports, p) {
			continue
		}
		h.nextFS++
		opts := exportOptions + ",fsid=" + strconv.Itoa(h.nextFS)
		if _, err := h.run.Run(ctx, runner.Cmd{Name: "exportfs", Args: []string{"-o", opts, "*:" + p}}); err != nil {
			return fmt.Errorf("export %s: %w", p, err)
		}
		h.exports = append(h.exports, p)
		log.G(ctx).WithField("path", p).Info("exported")
	}
	for _, port := range []int{guest.NFSPort, guest.MountdPort} {
		if err := h.nfsReady(ctx, port); err != nil {
			return guest.Errorf(guest.CodeTimeout, "NFS server not listening on port %d: %v", port, err)
		}
	}
	return nil
}

// unmount withdraws the export for target and unmounts it. A target that
// is not a mount point, such as a nested export directory, only loses its
// export.
func (h *Helper) unmount(ctx context.Context, target string) error {
	if target == "" {
		return guest.Errorf(guest.CodeBadRequest, "unmount needs a target")
	}
	if slices.Contains(h.exports, target) {
		if _, err := h.run.Run(ctx, runner.Cmd{Name: "exportfs", Args: []string{"-u", "*:" + target}}); err != nil {
			log.G(ctx).WithError(err).WithField("path", target).Warn("failed to withdraw export")
		}
		h.exports = slices.DeleteFunc(h.exports, func(p string) bool { return p == target })
	}

	mounted, err := h.mounter.Mounted(target)
	if err != nil {
		return fmt.Errorf("check %s: %w", target, err)
	}
	if !mounted {
		return nil
	}
	if err := h.mounter.Unmount(target); err != nil {
		return fmt.Errorf("unmount %s: %w", target, err)
	}
	log.G(ctx).WithField("target", target).Info("unmounted")
	return nil
}
