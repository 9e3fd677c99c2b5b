// Package lifecycle holds the mount state machine, the teardown sequence and
// the error types shared by the mount flow.
// This file implements the teardown orchestrator with explicit ordering.
package lifecycle

import (
	"context"
	"slices"
	"sync"

	"github.com/containerd/log"
)

// CleanupFunc is a function that performs a cleanup operation.
// It should be idempotent - safe to call multiple times.
type CleanupFunc func(ctx context.Context) error

type cleanupPhase struct {
	name TeardownPhase
	fn   CleanupFunc
	done bool
}

// CleanupOrchestrator runs the teardown sequence in a fixed order and
// collects every error. A failing phase never stops later phases.
//
// Teardown order:
//
//	before_unmount -> guest unmount -> host unmount -> vm stop -> session clear -> lock release
type CleanupOrchestrator struct {
	mu     sync.Mutex
	phases []cleanupPhase
}

var phaseOrder = []TeardownPhase{
	PhaseBeforeUnmount,
	PhaseGuestUnmount,
	PhaseHostUnmount,
	PhaseVMStop,
	PhaseSessionClear,
	PhaseLockRelease,
}

// CleanupPhases configures all cleanup functions at once.
// Phases left nil are skipped.
type CleanupPhases struct {
	BeforeUnmount CleanupFunc
	GuestUnmount  CleanupFunc
	HostUnmount   CleanupFunc
	VMStop        CleanupFunc
	SessionClear  CleanupFunc
	LockRelease   CleanupFunc
}

// NewCleanupOrchestrator creates a new cleanup orchestrator with the given phases.
func NewCleanupOrchestrator(phases CleanupPhases) *CleanupOrchestrator {
	return &CleanupOrchestrator{
		phases: []cleanupPhase{
			{name: PhaseBeforeUnmount, fn: phases.BeforeUnmount},
			{name: PhaseGuestUnmount, fn: phases.GuestUnmount},
			{name: PhaseHostUnmount, fn: phases.HostUnmount},
			{name: PhaseVMStop, fn: phases.VMStop},
			{name: PhaseSessionClear, fn: phases.SessionClear},
			{name: PhaseLockRelease, fn: phases.LockRelease},
		},
	}
}

// Execute runs the complete teardown sequence.
func (c *CleanupOrchestrator) Execute(ctx context.Context) *TeardownResult {
	return c.executeFrom(ctx, 0)
}

// ExecutePartial runs teardown starting from a specific phase, for flows
// that failed before the earlier phases had anything to undo.
func (c *CleanupOrchestrator) ExecutePartial(ctx context.Context, startPhase TeardownPhase) *TeardownResult {
	startIdx := slices.Index(phaseOrder, startPhase)
	if startIdx < 0 {
		startIdx = 0
	}
	return c.executeFrom(ctx, startIdx)
}

func (c *CleanupOrchestrator) executeFrom(ctx context.Context, startIdx int) *TeardownResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := &TeardownResult{}
	logger := log.G(ctx)

	for i := startIdx; i < len(c.phases); i++ {
		phase := &c.phases[i]
		if phase.fn == nil || phase.done {
			continue
		}

		logger.WithField("phase", string(phase.name)).Debug("teardown: executing phase")
		phase.done = true

		if err := phase.fn(ctx); err != nil {
			logger.WithError(err).WithField("phase", string(phase.name)).Warn("teardown phase failed")
			result.Add(phase.name, err)
		}
	}

	if result.HasErrors() {
		logger.WithField("failed_phases", result.FailedPhases()).Warn("teardown completed with errors")
	} else {
		logger.Debug("teardown completed")
	}
	return result
}

// CompletedPhases returns a list of phases that have been completed.
func (c *CleanupOrchestrator) CompletedPhases() []TeardownPhase {
	c.mu.Lock()
	defer c.mu.Unlock()

	var phases []TeardownPhase
	for _, phase := range c.phases {
		if phase.done {
			phases = append(phases, phase.name)
		}
	}
	return phases
}
