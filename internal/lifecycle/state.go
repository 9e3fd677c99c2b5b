// Package lifecycle holds the mount state machine, the teardown sequence and
// the error types shared by the mount flow.
// This file implements the state machine with explicit state transitions.
package lifecycle

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/containerd/log"
)

// MountState is a step of the mount flow.
type MountState int32

const (
	// StateIdle is the initial state before validation.
	StateIdle MountState = iota

	// StateValidating holds the instance lock and checks the devices.
	StateValidating

	// StateAttaching hands the block devices to the VM builder.
	StateAttaching

	// StateBooting starts the VM process.
	StateBooting

	// StateAwaitingGuestReady waits for the guest helper's greeting.
	StateAwaitingGuestReady

	// StateDecrypting unlocks containers and activates LVM or RAID.
	StateDecrypting

	// StateMounting mounts the filesystem inside the guest.
	StateMounting

	// StateAwaitingExport waits for the NFS export to go live.
	StateAwaitingExport

	// StateMounted is the steady state: the host NFS mount is up and the
	// session is persisted.
	StateMounted

	// StateUnmounting runs the teardown sequence.
	StateUnmounting

	// StateTornDown is terminal after a clean teardown.
	StateTornDown

	// StateFailed is terminal after an error. Teardown still runs.
	StateFailed
)

// String returns a human-readable name for the state.
func (s MountState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateAttaching:
		return "attaching"
	case StateBooting:
		return "booting"
	case StateAwaitingGuestReady:
		return "awaiting_guest_ready"
	case StateDecrypting:
		return "decrypting"
	case StateMounting:
		return "mounting"
	case StateAwaitingExport:
		return "awaiting_export"
	case StateMounted:
		return "mounted"
	case StateUnmounting:
		return "unmounting"
	case StateTornDown:
		return "torn_down"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Terminal reports whether no further transition is possible.
func (s MountState) Terminal() bool {
	return s == StateTornDown || s == StateFailed
}

// StateMachine tracks the mount flow with atomic compare-and-swap
// transitions.
type StateMachine struct {
	state atomic.Int32

	mu      sync.Mutex
	failure *FailedError
}

// NewStateMachine creates a new state machine in the Idle state.
func NewStateMachine() *StateMachine {
	return &StateMachine{}
}

// State returns the current state.
func (sm *StateMachine) State() MountState {
	return MountState(sm.state.Load())
}

// Transition attempts to transition from the expected state to the new state.
// Returns nil on success, or an error if the transition is invalid.
//
// Valid transitions follow the mount flow in order. AwaitingGuestReady may
// skip Decrypting when the plan has no guest preparation steps. Failed is
// reachable from every non-terminal state through Fail.
func (sm *StateMachine) Transition(from, to MountState) error {
	if !isValidTransition(from, to) {
		return NewStateTransitionError(from.String(), to.String(), sm.State().String())
	}

	if !sm.state.CompareAndSwap(int32(from), int32(to)) {
		return NewStateTransitionError(from.String(), to.String(), sm.State().String())
	}

	log.L.WithField("from", from.String()).WithField("to", to.String()).Debug("state transition")
	return nil
}

// Advance transitions from the current state to to.
func (sm *StateMachine) Advance(to MountState) error {
	return sm.Transition(sm.State(), to)
}

// Fail moves a non-terminal machine to Failed and records err. The returned
// error carries the state the failure happened in. On a machine that is
// already terminal, err is wrapped with the current state and the state is
// left alone.
func (sm *StateMachine) Fail(err error) error {
	for {
		cur := sm.State()
		if cur.Terminal() {
			sm.mu.Lock()
			defer sm.mu.Unlock()
			if sm.failure != nil {
				return sm.failure
			}
			return &FailedError{State: cur, Err: err}
		}
		if sm.state.CompareAndSwap(int32(cur), int32(StateFailed)) {
			fe := &FailedError{State: cur, Err: err}
			sm.mu.Lock()
			sm.failure = fe
			sm.mu.Unlock()
			log.L.WithError(err).WithField("state", cur.String()).Debug("state transition to failed")
			return fe
		}
	}
}

// Failure returns the recorded failure, if any.
func (sm *StateMachine) Failure() *FailedError {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.failure
}

// ForceTransition transitions to a new state regardless of current state.
// Use sparingly - mainly for shutdown scenarios.
func (sm *StateMachine) ForceTransition(to MountState) MountState {
	old := MountState(sm.state.Swap(int32(to)))
	log.L.WithField("from", old.String()).WithField("to", to.String()).Debug("forced state transition")
	return old
}

func isValidTransition(from, to MountState) bool {
	switch from {
	case StateIdle:
		return to == StateValidating
	case StateValidating:
		return to == StateAttaching
	case StateAttaching:
		return to == StateBooting
	case StateBooting:
		return to == StateAwaitingGuestReady
	case StateAwaitingGuestReady:
		return to == StateDecrypting || to == StateMounting
	case StateDecrypting:
		return to == StateMounting
	case StateMounting:
		return to == StateAwaitingExport
	case StateAwaitingExport:
		return to == StateMounted
	case StateMounted:
		return to == StateUnmounting
	case StateUnmounting:
		return to == StateTornDown
	default:
		return false // Terminal states
	}
}
