package agentloop

import (
	"testing"

	"go.uber.org/zap"
)

func TestStateMachine_ValidChainReachesDone(t *testing.T) {
	sm := NewStateMachine(5, nil)
	chain := []AgentState{StateRouted, StatePlanning, StateCritiquing, StateExecuting, StateObserving, StateVerifying, StateDone}
	for _, to := range chain {
		if err := sm.Transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if !sm.IsTerminal() {
		t.Fatal("expected Done to be terminal")
	}
	if sm.State() != StateDone {
		t.Fatalf("expected state done, got %s", sm.State())
	}
}

func TestStateMachine_RejectsInvalidTransition(t *testing.T) {
	sm := NewStateMachine(5, nil)
	if err := sm.Transition(StateExecuting); err == nil {
		t.Fatal("expected error jumping Start -> Executing directly")
	}
	if sm.State() != StateStart {
		t.Fatalf("state should not have moved, got %s", sm.State())
	}
}

func TestStateMachine_CriticRejectionSkipsToPlanning(t *testing.T) {
	sm := NewStateMachine(5, nil)
	for _, to := range []AgentState{StateRouted, StatePlanning, StateCritiquing} {
		if err := sm.Transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if err := sm.Transition(StatePlanning); err != nil {
		t.Fatalf("expected Critiquing -> Planning to be valid, got %v", err)
	}
}

func TestStateMachine_CancelledFromAnyNonTerminalState(t *testing.T) {
	for _, start := range []AgentState{StateStart, StateRouted, StatePlanning, StateCritiquing, StateExecuting, StateObserving, StateVerifying} {
		sm := &StateMachine{state: start, logger: zap.NewNop()}
		if err := sm.Transition(StateCancelled); err != nil {
			t.Fatalf("expected %s -> Cancelled to be valid, got %v", start, err)
		}
	}
}

func TestStateMachine_BudgetExhausted(t *testing.T) {
	sm := NewStateMachine(3, nil)
	if sm.BudgetExhausted(3) {
		t.Fatal("step 3 should not exhaust a budget of 3")
	}
	if !sm.BudgetExhausted(4) {
		t.Fatal("step 4 should exhaust a budget of 3")
	}
	unlimited := NewStateMachine(0, nil)
	if unlimited.BudgetExhausted(1000) {
		t.Fatal("a zero budget means unlimited")
	}
}

func TestStateMachine_ListenerFiresOnTransition(t *testing.T) {
	sm := NewStateMachine(5, nil)
	var gotFrom, gotTo AgentState
	sm.OnTransition(func(from, to AgentState, snap Snapshot) {
		gotFrom, gotTo = from, to
	})
	if err := sm.Transition(StateRouted); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if gotFrom != StateStart || gotTo != StateRouted {
		t.Fatalf("expected listener to observe start->routed, got %s->%s", gotFrom, gotTo)
	}
}
