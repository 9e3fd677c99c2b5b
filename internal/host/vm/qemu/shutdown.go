package qemu

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
)

// Shutdown timing constants.
const (
	// shutdownQMPTimeout bounds each QMP command issued during shutdown.
	shutdownQMPTimeout = 2 * time.Second

	// shutdownQuitWait is how long to wait for QEMU to exit after quit.
	shutdownQuitWait = 2 * time.Second

	// shutdownKillWait is how long to wait for process to exit after SIGKILL.
	shutdownKillWait = 2 * time.Second
)

// Shutdown stops the VM in stages: ACPI powerdown, then QMP quit, then
// SIGKILL. It is safe to call more than once and after the VM has exited.
func (q *Instance) Shutdown(ctx context.Context) error {
	var prev vmState
	for {
		prev = q.getState()
		switch prev {
		case vmStateShutdown:
			return nil
		case vmStateStarting:
			return fmt.Errorf("cannot shut down while starting: %w", errdefs.ErrFailedPrecondition)
		}
		if q.compareAndSwapState(prev, vmStateShutdown) {
			break
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	logger := log.G(ctx).WithField("pid", q.PID())
	if prev == vmStateNew {
		logger.Debug("qemu: shutdown before start")
		return nil
	}

	err := q.stopQemuProcess(ctx, logger)
	q.cleanupResources(logger)
	return err
}

func (q *Instance) powerdownGuest(ctx context.Context, logger *log.Entry) {
	if q.qmpClient == nil {
		return
	}
	// The caller's ctx may already be expired; the VM still has to stop.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownQMPTimeout)
	defer cancel()
	if err := q.qmpClient.Powerdown(pctx); err != nil {
		logger.WithError(err).Debug("qemu: failed to send ACPI powerdown")
	}
}

func (q *Instance) stopQemuProcess(ctx context.Context, logger *log.Entry) error {
	if q.cmd == nil || q.cmd.Process == nil {
		return nil
	}
	if q.exited() {
		logger.Debug("qemu: process already exited")
		return nil
	}

	logger.Debug("qemu: sending ACPI powerdown")
	q.powerdownGuest(ctx, logger)

	select {
	case <-q.waitCh:
		logger.Info("qemu: guest powered off")
		return nil
	case <-time.After(q.cfg.ShutdownGrace):
	}

	if q.qmpClient != nil {
		logger.Debug("qemu: sending quit command to QEMU")
		quitCtx, quitCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownQMPTimeout)
		err := q.qmpClient.Quit(quitCtx)
		quitCancel()
		if err != nil {
			logger.WithError(err).Debug("qemu: failed to send quit command")
		} else {
			select {
			case <-q.waitCh:
				logger.Info("qemu: process exited after quit command")
				return nil
			case <-time.After(shutdownQuitWait):
				logger.Warn("qemu: quit command timeout, sending SIGKILL")
			}
		}
	}

	if err := q.cmd.Process.Kill(); err != nil && !q.exited() {
		logger.WithError(err).Error("qemu: failed to send SIGKILL")
		return fmt.Errorf("failed to kill QEMU process: %w", err)
	}
	select {
	case <-q.waitCh:
		logger.Info("qemu: process exited after SIGKILL")
		return nil
	case <-time.After(shutdownKillWait):
		return fmt.Errorf("process did not exit after SIGKILL")
	}
}

// closeAndLog closes a resource and logs any error. It accepts nil.
func closeAndLog(logger *log.Entry, name string, closer io.Closer) {
	if closer == nil {
		return
	}
	if c, ok := closer.(*qmpClient); ok && c == nil {
		return
	}
	if f, ok := closer.(*os.File); ok && f == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logger.WithError(err).WithField("resource", name).Debug("error closing resource")
	}
}

// closeConsole stops the console streaming goroutine and removes the FIFO.
func (q *Instance) closeConsole(logger *log.Entry) {
	closeAndLog(logger, "console-fifo", q.consoleFifo)
	q.consoleFifo = nil
	closeAndLog(logger, "console", q.consoleFile)
	q.consoleFile = nil

	if q.consoleFifoPath != "" {
		if err := os.Remove(q.consoleFifoPath); err != nil && !os.IsNotExist(err) {
			logger.WithError(err).Debug("qemu: error removing console FIFO")
		}
	}
}

func (q *Instance) cleanupResources(logger *log.Entry) {
	closeAndLog(logger, "qmp", q.qmpClient)
	q.qmpClient = nil

	q.closeConsole(logger)

	for _, p := range []string{q.qmpSocketPath, q.serialPath} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logger.WithError(err).WithField("path", p).Debug("qemu: error removing socket")
		}
	}
}
