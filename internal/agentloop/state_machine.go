// Package agentloop is the capstone orchestrator: it wires the intent
// router (H), planner (I), critic (J), batch/tool executor (B/L),
// verifier (K), session state (E), metrics (F), and event stream (G) into
// the per-request state machine of spec.md §4.M. The state machine shape
// — a thread-safe struct with a validTransitions table and listener
// callbacks — is adapted directly from teacher's
// domain/service.StateMachine; the states themselves are renamed and
// extended to the spec's Start/Routed/Planning/Critiquing/Executing/
// Observing/Verifying vocabulary with three terminals (Done, Cancelled,
// Failed) in place of the teacher's single-track ReAct states.
package agentloop

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AgentState is the closed set of states for one agent-loop run.
type AgentState string

const (
	StateStart      AgentState = "start"
	StateRouted     AgentState = "routed"
	StatePlanning   AgentState = "planning"
	StateCritiquing AgentState = "critiquing"
	StateExecuting  AgentState = "executing"
	StateObserving  AgentState = "observing"
	StateVerifying  AgentState = "verifying"
	StateDone       AgentState = "done"
	StateCancelled  AgentState = "cancelled"
	StateFailed     AgentState = "failed"
)

// validTransitions encodes spec.md §4.M's "States" line: Start→Routed;
// within Agent, Planning→Critiquing→Executing→Observing→Verifying→
// (Planning|Done); every non-terminal state may fall to Cancelled
// (cancellation check at every substep boundary), and Routed, Planning
// and Verifying may also fall to Failed (budget exhaustion).
var validTransitions = map[AgentState]map[AgentState]bool{
	StateStart: {
		StateRouted:    true,
		StateCancelled: true,
	},
	StateRouted: {
		StatePlanning:  true, // agent_task, or direct_action degrading on failure
		StateDone:      true, // conversational / successful direct_action
		StateFailed:    true,
		StateCancelled: true,
	},
	StatePlanning: {
		StateCritiquing: true,
		StateCancelled:  true,
		StateFailed:     true,
	},
	StateCritiquing: {
		StateExecuting: true,
		StatePlanning:  true, // critic rejected and could not be repaired: skip to next step
		StateCancelled: true,
	},
	StateExecuting: {
		StateObserving: true,
		StateCancelled: true,
	},
	StateObserving: {
		StateVerifying: true,
		StateCancelled: true,
	},
	StateVerifying: {
		StatePlanning:  true, // next step
		StateDone:      true, // finish
		StateFailed:    true, // budget exhausted
		StateCancelled: true,
	},
	// Terminal states — no transitions out.
	StateDone:      {},
	StateCancelled: {},
	StateFailed:    {},
}

// Snapshot captures the loop's runtime counters at a point in time,
// mirroring teacher's StateSnapshot.
type Snapshot struct {
	State           AgentState    `json:"state"`
	Step            int           `json:"step"`
	StepBudget      int           `json:"step_budget"` // 0 = unlimited
	TokensUsed      int           `json:"tokens_used"`
	ToolsExecuted   int           `json:"tools_executed"`
	ErrorCount      int           `json:"error_count"`
	Elapsed         time.Duration `json:"elapsed"`
	ModelUsed       string        `json:"model_used,omitempty"`
	LastTool        string        `json:"last_tool,omitempty"`
	NoProgressCount int           `json:"no_progress_count"`
}

// StateMachine manages transitions for a single agent-loop run. Safe for
// concurrent reads; mutation is expected from the owning session's single
// producer goroutine only, matching spec.md §5's "Session States are
// partitioned by session identifier" resource policy.
type StateMachine struct {
	mu sync.RWMutex

	state           AgentState
	step            int
	stepBudget      int
	tokensUsed      int
	toolsExecuted   int
	errorCount      int
	startTime       time.Time
	modelUsed       string
	lastTool        string
	noProgressCount int

	logger    *zap.Logger
	listeners []func(from, to AgentState, snap Snapshot)
}

// NewStateMachine creates a state machine starting in Start, bounded by
// stepBudget agent-loop steps (0 = unlimited, governed instead by the
// caller's context deadline).
func NewStateMachine(stepBudget int, logger *zap.Logger) *StateMachine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateMachine{
		state:      StateStart,
		stepBudget: stepBudget,
		startTime:  time.Now(),
		logger:     logger,
	}
}

// State returns the current state.
func (sm *StateMachine) State() AgentState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// Snapshot returns a full copy of the current runtime state.
func (sm *StateMachine) Snapshot() Snapshot {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.snapshotLocked()
}

func (sm *StateMachine) snapshotLocked() Snapshot {
	return Snapshot{
		State:           sm.state,
		Step:            sm.step,
		StepBudget:      sm.stepBudget,
		TokensUsed:      sm.tokensUsed,
		ToolsExecuted:   sm.toolsExecuted,
		ErrorCount:      sm.errorCount,
		Elapsed:         time.Since(sm.startTime),
		ModelUsed:       sm.modelUsed,
		LastTool:        sm.lastTool,
		NoProgressCount: sm.noProgressCount,
	}
}

// Transition attempts to move to a new state, returning an error if the
// transition is not in validTransitions.
func (sm *StateMachine) Transition(to AgentState) error {
	sm.mu.Lock()
	from := sm.state

	allowed, ok := validTransitions[from]
	if !ok || !allowed[to] {
		sm.mu.Unlock()
		err := fmt.Errorf("invalid state transition: %s -> %s", from, to)
		sm.logger.Error("agent loop state machine violation", zap.Error(err))
		return err
	}

	sm.state = to
	snap := sm.snapshotLocked()
	listeners := make([]func(from, to AgentState, snap Snapshot), len(sm.listeners))
	copy(listeners, sm.listeners)
	sm.mu.Unlock()

	sm.logger.Debug("agent loop state transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("step", snap.Step),
	)
	for _, fn := range listeners {
		fn(from, to, snap)
	}
	return nil
}

// OnTransition registers a listener invoked on every state change.
func (sm *StateMachine) OnTransition(fn func(from, to AgentState, snap Snapshot)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, fn)
}

// SetStep updates the current step counter.
func (sm *StateMachine) SetStep(step int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.step = step
}

// AddTokens increments the token counter.
func (sm *StateMachine) AddTokens(n int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.tokensUsed += n
}

// RecordToolExec records a tool execution.
func (sm *StateMachine) RecordToolExec(toolName string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.toolsExecuted++
	sm.lastTool = toolName
}

// RecordError increments the error counter.
func (sm *StateMachine) RecordError() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.errorCount++
}

// SetModel sets the model identifier used for the most recent LLM call.
func (sm *StateMachine) SetModel(model string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if model != "" {
		sm.modelUsed = model
	}
}

// SetNoProgressCount mirrors the session's no-progress counter onto the
// snapshot surface so metrics/export consumers need only look here.
func (sm *StateMachine) SetNoProgressCount(n int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.noProgressCount = n
}

// BudgetExhausted reports whether step has reached a positive step
// budget.
func (sm *StateMachine) BudgetExhausted(step int) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.stepBudget > 0 && step > sm.stepBudget
}

// IsTerminal reports whether the state machine is in a terminal state.
func (sm *StateMachine) IsTerminal() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	switch sm.state {
	case StateDone, StateCancelled, StateFailed:
		return true
	}
	return false
}
