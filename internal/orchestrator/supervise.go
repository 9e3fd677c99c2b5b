package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/containerd/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/spin-stack/diskbox/internal/lifecycle"
	"github.com/spin-stack/diskbox/internal/session"
)

// errUnmountRequested ends supervision on a signal.
var errUnmountRequested = errors.New("unmount requested")

// Supervise blocks while the mount is in place. It returns after a
// teardown triggered by one of: the VM exiting, the host mount vanishing,
// SIGINT/SIGTERM/SIGHUP, or ctx being done. A requested unmount returns
// nil when teardown succeeded; an unexpected loss returns ErrVMExited or
// ErrMountLost.
func (m *Mount) Supervise(ctx context.Context) error {
	if m.State() != lifecycle.StateMounted {
		return lifecycle.NewStateTransitionError(m.State().String(), lifecycle.StateUnmounting.String(), m.State().String())
	}
	logger := log.G(ctx).WithField("mount_point", m.mp.Path)

	sigCh := make(chan os.Signal, 1)
	m.o.notify(sigCh, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)
	defer signal.Stop(sigCh)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-m.vmExited:
			return lifecycle.ErrVMExited
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		t := time.NewTicker(m.o.pollInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if mounted, err := m.o.nfs.Mounted(m.mp.Path); err == nil && !mounted {
					return lifecycle.ErrMountLost
				}
			case <-gctx.Done():
				return nil
			}
		}
	})
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.WithField("signal", sig.String()).Info("received signal")
			return errUnmountRequested
		case <-gctx.Done():
			return nil
		}
	})
	reason := g.Wait()

	switch {
	case reason == nil, errors.Is(reason, errUnmountRequested):
		return m.Unmount(ctx)
	case errors.Is(reason, lifecycle.ErrVMExited):
		logger.WithError(m.exit.Err).Warn("VM exited, cleaning up host mount")
	default:
		logger.Warn("host mount disappeared, stopping VM")
	}

	if err := m.sm.Advance(lifecycle.StateUnmounting); err != nil {
		return err
	}
	// A dead VM cannot answer; a lost host mount still has a live guest.
	res := m.teardown(ctx, !errors.Is(reason, lifecycle.ErrVMExited))
	return m.sm.Fail(errors.Join(reason, res.AsError()))
}

// Unmount asks the process owning the current session to unmount and
// waits for the session to disappear. When the owner is gone or does not
// finish in time the session is stopped forcibly.
func (o *Orchestrator) Unmount(ctx context.Context) error {
	s, err := o.registry.Current(ctx)
	if err != nil {
		return err
	}
	logger := log.G(ctx).WithFields(log.Fields{"owner_pid": s.OwnerPID, "mount_point": s.MountPoint})

	if s.OwnerPID <= 0 || s.OwnerPID == os.Getpid() || !o.alive(ctx, s.OwnerPID, 0) {
		logger.Warn("session owner is gone, stopping")
		return o.Stop(ctx)
	}
	if err := o.kill(s.OwnerPID, unix.SIGTERM); err != nil {
		logger.WithError(err).Warn("failed to signal session owner, stopping")
		return o.Stop(ctx)
	}

	if err := o.waitSessionGone(ctx, s.Token, o.unmountWait()); err != nil {
		logger.WithError(err).Warn("session owner did not finish unmounting, stopping")
		return o.Stop(ctx)
	}
	logger.Info("unmounted")
	return nil
}

// unmountWait covers the owner's graceful teardown.
func (o *Orchestrator) unmountWait() time.Duration {
	t := o.cfg.Timeouts
	return t.GetGuestUnmount() + t.GetShutdownGrace() + 2*t.GetRegistryOpen() + 10*time.Second
}

func (o *Orchestrator) waitSessionGone(ctx context.Context, token uint64, timeout time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = timeout

	return backoff.Retry(func() error {
		s, err := o.registry.Current(ctx)
		switch {
		case errors.Is(err, session.ErrNotMounted):
			return nil
		case err != nil:
			return err
		case s.Token != token:
			// Someone already mounted again.
			return nil
		default:
			return fmt.Errorf("session %s still present", s.ID)
		}
	}, backoff.WithContext(b, ctx))
}

// Stop kills the VM and the owning process without a guest handshake,
// force-unmounts the host mounts and clears the session. It also recovers
// a VM left behind by a mount that crashed before writing its session.
func (o *Orchestrator) Stop(ctx context.Context) error {
	logger := log.G(ctx)

	s, err := o.registry.Current(ctx)
	if err != nil && !errors.Is(err, session.ErrNotMounted) {
		return err
	}
	info, held, err := session.ReadLock(o.registry.LockPath())
	if err != nil {
		return err
	}
	if s == nil && !held && info.VMPID == 0 {
		return session.ErrNotMounted
	}

	owner := 0
	if held {
		owner = info.PID
	}
	vmPID, vmStarted := info.VMPID, info.VMStartedAt
	if s != nil {
		owner = s.OwnerPID
		vmPID, vmStarted = s.VMPID, s.VMStartedAt
	}

	var errs []error
	if owner > 0 && owner != os.Getpid() && o.alive(ctx, owner, 0) {
		logger.WithField("pid", owner).Info("killing session owner")
		if err := o.kill(owner, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("kill owner %d: %w", owner, err))
		}
	}
	if vmPID > 0 && o.alive(ctx, vmPID, vmStarted) {
		logger.WithField("pid", vmPID).Info("killing VM")
		if err := o.kill(vmPID, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("kill VM %d: %w", vmPID, err))
		}
	}

	if s != nil {
		for _, mp := range s.MountPoints() {
			if mounted, err := o.nfs.Mounted(mp); err == nil && !mounted {
				continue
			}
			if err := o.nfs.Unmount(ctx, mp, true); err != nil {
				errs = append(errs, err)
			}
		}
		if err := o.registry.ForceRemove(ctx); err != nil {
			errs = append(errs, fmt.Errorf("clear session: %w", err))
		}
	}
	o.clearLock(ctx)
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", lifecycle.ErrCleanupIncomplete, errors.Join(errs...))
	}
	logger.Info("stopped")
	return nil
}

// clearLock drops the metadata a dead holder left in the lock file so a
// second stop does not go after the same VM pid again.
func (o *Orchestrator) clearLock(ctx context.Context) {
	lock, err := o.registry.AcquireLock()
	if err != nil {
		log.G(ctx).WithError(err).Debug("lock still held, leaving its metadata")
		return
	}
	if err := lock.Release(); err != nil {
		log.G(ctx).WithError(err).Warn("failed to clear lock metadata")
	}
}
