// Package lifecycle holds the mount state machine, the teardown sequence and
// the error types shared by the mount flow.
// This file defines sentinel errors and structured error types.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
)

// Sentinel errors for common mount failures.
// Use errors.Is() to check for these error types.
var (
	// ErrDeviceBusy indicates a block device is held open by the host.
	ErrDeviceBusy = fmt.Errorf("device busy: %w", errdefs.ErrUnavailable)

	// ErrDeviceAccess indicates a block device cannot be opened for reading.
	ErrDeviceAccess = fmt.Errorf("device not accessible: %w", errdefs.ErrPermissionDenied)

	// ErrBootTimeout indicates the guest helper did not report ready in time.
	ErrBootTimeout = fmt.Errorf("guest did not become ready: %w", context.DeadlineExceeded)

	// ErrExportTimeout indicates the NFS export did not go live in time.
	ErrExportTimeout = fmt.Errorf("NFS export not ready: %w", context.DeadlineExceeded)

	// ErrVMExited indicates the VM process ended while it was still needed.
	ErrVMExited = fmt.Errorf("VM exited unexpectedly: %w", errdefs.ErrUnavailable)

	// ErrMountLost indicates the host NFS mount disappeared underneath the
	// supervisor.
	ErrMountLost = fmt.Errorf("host NFS mount disappeared: %w", errdefs.ErrUnavailable)

	// ErrMountPointNotEmpty indicates the chosen mount point has content.
	ErrMountPointNotEmpty = fmt.Errorf("mount point is not empty: %w", errdefs.ErrFailedPrecondition)

	// ErrInvalidStateTransition indicates an invalid state machine transition was attempted.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrCleanupIncomplete indicates cleanup did not fully complete.
	ErrCleanupIncomplete = errors.New("cleanup incomplete")
)

// FailedError records the state a mount failed in.
type FailedError struct {
	State MountState
	Err   error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("%s: %v", e.State, e.Err)
}

func (e *FailedError) Unwrap() error {
	return e.Err
}

// GuestMountError is a failure reported by the guest helper while preparing
// or mounting the filesystem.
type GuestMountError struct {
	Command string
	Detail  string
	Err     error
}

func (e *GuestMountError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("guest %s failed: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("guest %s failed: %s", e.Command, e.Detail)
}

func (e *GuestMountError) Unwrap() error {
	return e.Err
}

// TeardownPhase identifies the phase of teardown where an error occurred.
type TeardownPhase string

const (
	PhaseBeforeUnmount TeardownPhase = "before_unmount"
	PhaseGuestUnmount  TeardownPhase = "guest_unmount"
	PhaseHostUnmount   TeardownPhase = "host_unmount"
	PhaseVMStop        TeardownPhase = "vm_stop"
	PhaseSessionClear  TeardownPhase = "session_clear"
	PhaseLockRelease   TeardownPhase = "lock_release"
)

// TeardownError represents an error in one teardown phase.
type TeardownError struct {
	Phase TeardownPhase
	Err   error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("teardown failed at %s: %v", e.Phase, e.Err)
}

func (e *TeardownError) Unwrap() error {
	return e.Err
}

// TeardownResult collects errors from all teardown phases.
//
//nolint:errname // TeardownResult is a result container that can be used as an error
type TeardownResult struct {
	Errors []*TeardownError
}

// Add records an error for a teardown phase.
// Nil errors are ignored.
func (r *TeardownResult) Add(phase TeardownPhase, err error) {
	if err != nil {
		r.Errors = append(r.Errors, &TeardownError{Phase: phase, Err: err})
	}
}

// HasErrors returns true if any teardown phase failed.
func (r *TeardownResult) HasErrors() bool {
	return len(r.Errors) > 0
}

func (r *TeardownResult) Error() string {
	if !r.HasErrors() {
		return ""
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return fmt.Sprintf("teardown completed with errors: %s", strings.Join(msgs, "; "))
}

// Is lets errors.Is(result, ErrCleanupIncomplete) succeed.
func (r *TeardownResult) Is(target error) bool {
	return target == ErrCleanupIncomplete && r.HasErrors()
}

// AsError returns the TeardownResult as an error, or nil if no errors occurred.
func (r *TeardownResult) AsError() error {
	if !r.HasErrors() {
		return nil
	}
	return r
}

// FailedPhases returns the list of phases that failed.
func (r *TeardownResult) FailedPhases() []TeardownPhase {
	phases := make([]TeardownPhase, 0, len(r.Errors))
	for _, e := range r.Errors {
		phases = append(phases, e.Phase)
	}
	return phases
}

// StateTransitionError represents an invalid state transition attempt.
type StateTransitionError struct {
	From    string
	To      string
	Current string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s (current state: %s)", e.From, e.To, e.Current)
}

func (e *StateTransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

// NewStateTransitionError creates a new state transition error.
func NewStateTransitionError(from, to, current string) *StateTransitionError {
	return &StateTransitionError{From: from, To: to, Current: current}
}

// Exit codes returned by the diskbox binary.
const (
	ExitOK             = 0
	ExitFailure        = 1
	ExitResolution     = 2
	ExitAccess         = 3
	ExitGuest          = 4
	ExitTimeout        = 5
	ExitAlreadyMounted = 6
	ExitPassphrase     = 7
)

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	var gme *GuestMountError
	switch {
	case err == nil:
		return ExitOK
	case errdefs.IsAlreadyExists(err):
		return ExitAlreadyMounted
	case errdefs.IsUnauthorized(err):
		return ExitPassphrase
	case errors.As(err, &gme):
		return ExitGuest
	case errdefs.IsDeadlineExceeded(err):
		return ExitTimeout
	case errdefs.IsInvalidArgument(err), errdefs.IsNotFound(err):
		return ExitResolution
	case errdefs.IsUnavailable(err), errdefs.IsPermissionDenied(err):
		return ExitAccess
	default:
		return ExitFailure
	}
}
