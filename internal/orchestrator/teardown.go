package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/containerd/log"

	"github.com/spin-stack/diskbox/internal/actions"
	"github.com/spin-stack/diskbox/internal/lifecycle"
)

// teardown undoes the mount in the fixed phase order. graceful runs the
// before_unmount action and the guest unmount handshake; otherwise the
// guest is not asked for anything and host mounts are forced. Each phase
// runs at most once across calls.
func (m *Mount) teardown(ctx context.Context, graceful bool) *lifecycle.TeardownResult {
	ctx = context.WithoutCancel(ctx)
	res := m.phases(graceful).Execute(ctx)
	log.G(ctx).WithField("phases", m.cleanup.CompletedPhases()).Debug("teardown finished")
	return res
}

// teardownFailed undoes a mount that never reached Mounted. The guest
// handshake phases are skipped.
func (m *Mount) teardownFailed(ctx context.Context) *lifecycle.TeardownResult {
	ctx = context.WithoutCancel(ctx)
	res := m.phases(false).ExecutePartial(ctx, lifecycle.PhaseHostUnmount)
	log.G(ctx).WithField("phases", m.cleanup.CompletedPhases()).Debug("teardown finished")
	return res
}

func (m *Mount) phases(graceful bool) *lifecycle.CleanupOrchestrator {
	m.teardownOnce.Do(func() {
		m.cleanup = lifecycle.NewCleanupOrchestrator(lifecycle.CleanupPhases{
			BeforeUnmount: func(ctx context.Context) error {
				if !graceful || m.guest == nil || len(m.guestMounts) == 0 || m.exited() {
					return nil
				}
				if err := m.runAction(ctx, actions.BeforeUnmount); err != nil {
					log.G(ctx).WithError(err).Warn("before_unmount action failed, unmounting anyway")
				}
				return nil
			},
			GuestUnmount: func(ctx context.Context) error {
				if !graceful || m.guest == nil || len(m.guestMounts) == 0 || m.exited() {
					return nil
				}
				m.unmountGuest(ctx)
				return nil
			},
			HostUnmount: func(ctx context.Context) error {
				return m.unmountHost(ctx, !graceful)
			},
			VMStop: func(ctx context.Context) error {
				return m.stopVM(ctx, graceful)
			},
			SessionClear: func(ctx context.Context) error {
				if m.sess == nil {
					return nil
				}
				return m.o.registry.Remove(ctx, m.sess.Token)
			},
			LockRelease: func(context.Context) error {
				return m.lock.Release()
			},
		})
	})
	return m.cleanup
}

// unmountGuest unmounts guest paths innermost-first within the guest
// unmount timeout. Failures are logged; the VM is stopped regardless.
func (m *Mount) unmountGuest(ctx context.Context) {
	uctx, cancel := m.stepContext(ctx, m.o.cfg.Timeouts.GetGuestUnmount())
	defer cancel()

	targets := slices.Clone(m.guestMounts)
	slices.SortStableFunc(targets, func(a, b string) int {
		return pathDepth(b) - pathDepth(a)
	})
	for _, t := range targets {
		if err := m.guest.Unmount(uctx, t); err != nil {
			log.G(ctx).WithError(err).WithField("target", t).Warn("guest did not acknowledge unmount, forcing VM stop")
			return
		}
	}
}

func pathDepth(p string) int {
	return strings.Count(strings.Trim(path.Clean(p), "/"), "/")
}

// unmountHost unmounts host NFS mounts innermost-first. A failed plain
// unmount is retried with force. The mount point is removed if this run
// created it.
func (m *Mount) unmountHost(ctx context.Context, force bool) error {
	var errs []error
	for i := len(m.hostMounts) - 1; i >= 0; i-- {
		target := m.hostMounts[i]
		err := m.o.nfs.Unmount(ctx, target, force)
		if err != nil && !force {
			log.G(ctx).WithError(err).WithField("target", target).Warn("unmount failed, retrying with force")
			err = m.o.nfs.Unmount(ctx, target, true)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if err := m.mp.Remove(); err != nil {
		log.G(ctx).WithError(err).WithField("path", m.mp.Path).Warn("failed to remove mount point")
	}
	return nil
}

// stopVM asks the guest to power off, then stops the VM from the host.
func (m *Mount) stopVM(ctx context.Context, graceful bool) error {
	if m.guest != nil {
		if graceful && !m.exited() {
			sctx, cancel := context.WithTimeout(ctx, guestShutdownTimeout)
			if err := m.guest.Shutdown(sctx); err != nil {
				log.G(ctx).WithError(err).Debug("guest shutdown request failed")
			}
			cancel()
		}
		_ = m.guest.Close()
	}
	if m.inst == nil {
		return nil
	}
	if err := m.inst.Shutdown(ctx); err != nil {
		return fmt.Errorf("stop VM: %w", err)
	}
	return nil
}

// Unmount tears a mounted session down gracefully. Guest-side failures
// degrade to a forced VM stop; the returned error reports host unmount,
// VM stop and session failures only. On a mount that already failed it
// returns that failure.
func (m *Mount) Unmount(ctx context.Context) error {
	if fe := m.sm.Failure(); fe != nil {
		return fe
	}
	if err := m.sm.Advance(lifecycle.StateUnmounting); err != nil {
		return err
	}
	log.G(ctx).WithField("mount_point", m.mp.Path).Info("unmounting")
	res := m.teardown(ctx, true)
	if res.HasErrors() {
		return m.sm.Fail(res)
	}
	if err := m.sm.Advance(lifecycle.StateTornDown); err != nil {
		return err
	}
	log.G(ctx).Info("unmounted")
	return nil
}
