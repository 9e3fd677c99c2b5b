package lifecycle

import (
	"errors"
	"sync"
	"testing"
)

func TestStateMachine_InitialState(t *testing.T) {
	sm := NewStateMachine()
	if sm.State() != StateIdle {
		t.Errorf("expected initial state Idle, got %s", sm.State())
	}
}

func TestStateMachine_HappyPath(t *testing.T) {
	sm := NewStateMachine()
	path := []MountState{
		StateValidating,
		StateAttaching,
		StateBooting,
		StateAwaitingGuestReady,
		StateDecrypting,
		StateMounting,
		StateAwaitingExport,
		StateMounted,
		StateUnmounting,
		StateTornDown,
	}
	for _, to := range path {
		if err := sm.Advance(to); err != nil {
			t.Fatalf("Advance(%s): %v", to, err)
		}
	}
	if !sm.State().Terminal() {
		t.Errorf("expected terminal state, got %s", sm.State())
	}
}

func TestStateMachine_SkipDecrypting(t *testing.T) {
	sm := NewStateMachine()
	sm.state.Store(int32(StateAwaitingGuestReady))
	if err := sm.Transition(StateAwaitingGuestReady, StateMounting); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStateMachine_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		from MountState
		to   MountState
	}{
		{"idle to booting", StateIdle, StateBooting},
		{"validating to mounted", StateValidating, StateMounted},
		{"mounted to mounting", StateMounted, StateMounting},
		{"torn down to idle", StateTornDown, StateIdle},
		{"failed to unmounting", StateFailed, StateUnmounting},
		{"idle to failed via transition", StateIdle, StateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewStateMachine()
			sm.state.Store(int32(tt.from))

			err := sm.Transition(tt.from, tt.to)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrInvalidStateTransition) {
				t.Errorf("expected ErrInvalidStateTransition, got %v", err)
			}
			if sm.State() != tt.from {
				t.Errorf("state changed to %s", sm.State())
			}
		})
	}
}

func TestStateMachine_WrongCurrentState(t *testing.T) {
	sm := NewStateMachine()
	err := sm.Transition(StateValidating, StateAttaching)
	var ste *StateTransitionError
	if !errors.As(err, &ste) {
		t.Fatalf("expected StateTransitionError, got %v", err)
	}
	if ste.Current != "idle" {
		t.Errorf("Current = %q, want idle", ste.Current)
	}
}

func TestStateMachine_Fail(t *testing.T) {
	sm := NewStateMachine()
	sm.state.Store(int32(StateAwaitingGuestReady))

	err := sm.Fail(ErrBootTimeout)
	var fe *FailedError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FailedError, got %v", err)
	}
	if fe.State != StateAwaitingGuestReady {
		t.Errorf("failed in %s, want awaiting_guest_ready", fe.State)
	}
	if !errors.Is(err, ErrBootTimeout) {
		t.Error("FailedError must unwrap to the cause")
	}
	if sm.State() != StateFailed {
		t.Errorf("state = %s, want failed", sm.State())
	}

	// A second failure keeps the first cause.
	again := sm.Fail(errors.New("later"))
	if !errors.Is(again, ErrBootTimeout) {
		t.Errorf("expected first failure to be kept, got %v", again)
	}
	if sm.Failure() != fe {
		t.Error("Failure() should return the recorded error")
	}
}

func TestStateMachine_FailAfterTornDown(t *testing.T) {
	sm := NewStateMachine()
	sm.state.Store(int32(StateTornDown))
	err := sm.Fail(errors.New("late"))
	var fe *FailedError
	if !errors.As(err, &fe) || fe.State != StateTornDown {
		t.Fatalf("unexpected error %v", err)
	}
	if sm.State() != StateTornDown {
		t.Errorf("state = %s", sm.State())
	}
}

func TestStateMachine_ForceTransition(t *testing.T) {
	sm := NewStateMachine()
	sm.state.Store(int32(StateMounted))
	old := sm.ForceTransition(StateUnmounting)
	if old != StateMounted {
		t.Errorf("old = %s, want mounted", old)
	}
}

func TestStateMachine_ConcurrentFail(t *testing.T) {
	sm := NewStateMachine()
	sm.state.Store(int32(StateMounted))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sm.Fail(ErrVMExited)
		}()
	}
	wg.Wait()

	if sm.State() != StateFailed {
		t.Errorf("state = %s", sm.State())
	}
	if fe := sm.Failure(); fe == nil || fe.State != StateMounted {
		t.Errorf("unexpected failure record %+v", fe)
	}
}

func TestMountState_String(t *testing.T) {
	if got := StateAwaitingExport.String(); got != "awaiting_export" {
		t.Errorf("String() = %q", got)
	}
	if got := MountState(99).String(); got != "unknown(99)" {
		t.Errorf("String() = %q", got)
	}
}
