package agentloop

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/agentgateway/agentgateway/internal/domain/service"
	domaintool "github.com/agentgateway/agentgateway/internal/domain/tool"
	"github.com/agentgateway/agentgateway/internal/eventstream"
	"github.com/agentgateway/agentgateway/internal/planner"
	"github.com/agentgateway/agentgateway/internal/session"
)

// fakeLLM is a minimal service.LLMClient stub driven by a generate func,
// in the style of internal/infrastructure/llm's countingProvider fake.
type fakeLLM struct {
	generate func(req *service.LLMRequest) (*service.LLMResponse, error)
	calls    int
}

func (f *fakeLLM) Generate(ctx context.Context, req *service.LLMRequest) (*service.LLMResponse, error) {
	f.calls++
	if f.generate != nil {
		return f.generate(req)
	}
	return &service.LLMResponse{Content: "ok", ModelUsed: "fake-model"}, nil
}

func (f *fakeLLM) GenerateStream(ctx context.Context, req *service.LLMRequest, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, error) {
	close(deltaCh)
	return f.Generate(ctx, req)
}

// fakeTool is a minimal domaintool.Tool stub.
type fakeTool struct {
	name string
	kind domaintool.Kind
	exec func(args map[string]interface{}) (*domaintool.Result, error)
}

func (t *fakeTool) Name() string                        { return t.name }
func (t *fakeTool) Description() string                 { return "fake tool " + t.name }
func (t *fakeTool) Kind() domaintool.Kind                { return t.kind }
func (t *fakeTool) Schema() map[string]interface{}       { return map[string]interface{}{} }
func (t *fakeTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	return t.exec(args)
}

func newRegistryWith(tools ...*fakeTool) domaintool.Registry {
	reg := domaintool.NewInMemoryRegistry()
	for _, tl := range tools {
		_ = reg.Register(tl)
	}
	return reg
}

func drain(stream *eventstream.Stream) []eventstream.Event {
	var events []eventstream.Event
	for ev := range stream.Events() {
		events = append(events, ev)
	}
	return events
}

func TestLoop_ConversationalGoalSkipsToolExecution(t *testing.T) {
	llm := &fakeLLM{generate: func(req *service.LLMRequest) (*service.LLMResponse, error) {
		return &service.LLMResponse{Content: "Paris is the capital of France.", ModelUsed: "fake-model", TokensUsed: 12}, nil
	}}
	l := New(Deps{LLM: llm, Registry: newRegistryWith(), DefaultStepBudget: 5})

	_, stream, outcomeCh := l.Run(context.Background(), RunRequest{SessionID: "s1", Goal: "What is the capital of France?"})
	events := drain(stream)
	outcome := <-outcomeCh

	if outcome.Intent != "conversational" {
		t.Fatalf("expected conversational intent, got %q", outcome.Intent)
	}
	if !outcome.Success {
		t.Fatalf("expected success, got %+v", outcome)
	}
	foundFinal := false
	for _, ev := range events {
		if ev.Type == eventstream.EventFinal {
			foundFinal = true
		}
	}
	if !foundFinal {
		t.Fatal("expected a final event in the stream")
	}
}

func TestLoop_DirectActionSuccessTerminatesWithoutPlanner(t *testing.T) {
	countFiles := &fakeTool{
		name: "count_files",
		kind: domaintool.KindRead,
		exec: func(args map[string]interface{}) (*domaintool.Result, error) {
			return &domaintool.Result{Success: true, Output: `{"count":5}`}, nil
		},
	}
	llm := &fakeLLM{generate: func(req *service.LLMRequest) (*service.LLMResponse, error) {
		t.Fatal("planner/LLM should not be consulted on the direct-action success path")
		return nil, nil
	}}
	l := New(Deps{LLM: llm, Registry: newRegistryWith(countFiles), DefaultStepBudget: 5})

	_, stream, outcomeCh := l.Run(context.Background(), RunRequest{SessionID: "s2", Goal: "count files on my desktop"})
	drain(stream)
	outcome := <-outcomeCh

	if outcome.Intent != "direct_action" {
		t.Fatalf("expected direct_action intent, got %q", outcome.Intent)
	}
	if !outcome.Success {
		t.Fatalf("expected success, got %+v", outcome)
	}
}

func TestLoop_DirectActionFailureDegradesToAgentLoop(t *testing.T) {
	countFiles := &fakeTool{
		name: "count_files",
		kind: domaintool.KindRead,
		exec: func(args map[string]interface{}) (*domaintool.Result, error) {
			return &domaintool.Result{Success: false, Error: "permission denied"}, nil
		},
	}
	llm := &fakeLLM{generate: func(req *service.LLMRequest) (*service.LLMResponse, error) {
		return &service.LLMResponse{Content: `{"subgoals":["a"],"success_criteria":"x","next_action":"count_files","args":{"dir":"~/Desktop","limit":0},"expected_observation":"Dictionary with count key","rationale":"r"}`, ModelUsed: "fake-model"}, nil
	}}
	// MaxSteps=1 so the degraded agent loop exhausts its budget deterministically.
	l := New(Deps{LLM: llm, Registry: newRegistryWith(countFiles), DefaultStepBudget: 1})

	_, stream, outcomeCh := l.Run(context.Background(), RunRequest{SessionID: "s3", Goal: "count my files please"})
	drain(stream)
	outcome := <-outcomeCh

	if outcome.Intent != "agent_task" {
		t.Fatalf("expected the failed direct action to degrade into agent_task, got %q", outcome.Intent)
	}
	if outcome.Success {
		t.Fatalf("expected the still-failing tool to exhaust the budget without success, got %+v", outcome)
	}
	if outcome.Confidence != 0.5 {
		t.Fatalf("expected budget-exhausted confidence 0.5, got %v", outcome.Confidence)
	}
}

func TestLoop_PreCancelledContextShortCircuits(t *testing.T) {
	llm := &fakeLLM{}
	l := New(Deps{LLM: llm, Registry: newRegistryWith(), DefaultStepBudget: 5})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, stream, outcomeCh := l.Run(ctx, RunRequest{SessionID: "s4", Goal: "research and then compare the results"})
	events := drain(stream)
	outcome := <-outcomeCh

	if outcome.Success {
		t.Fatalf("expected cancelled run to report failure, got %+v", outcome)
	}
	sawCancel := false
	for _, ev := range events {
		if ev.Type == eventstream.EventCancel {
			sawCancel = true
		}
		if ev.Type == eventstream.EventFinal {
			t.Fatal("a cancelled run must not also emit final")
		}
	}
	if !sawCancel {
		t.Fatal("expected a cancel event")
	}
}

func TestLoop_CritiqueRejectsUnknownTool(t *testing.T) {
	l := New(Deps{LLM: &fakeLLM{}, Registry: newRegistryWith()})
	review := l.critique(context.Background(), "goal", planner.Plan{"next_action": "nonexistent_tool"}, "")
	if review.Approved {
		t.Fatal("expected rejection for an unregistered tool")
	}
}

func TestLoop_CritiqueEscalatesMutatorKindsToLLM(t *testing.T) {
	deleteFiles := &fakeTool{name: "delete_files", kind: domaintool.KindDelete, exec: func(map[string]interface{}) (*domaintool.Result, error) {
		return &domaintool.Result{Success: true}, nil
	}}
	llmCalled := false
	llm := &fakeLLM{generate: func(req *service.LLMRequest) (*service.LLMResponse, error) {
		llmCalled = true
		return &service.LLMResponse{Content: "approved: looks safe"}, nil
	}}
	l := New(Deps{LLM: llm, Registry: newRegistryWith(deleteFiles)})

	review := l.critique(context.Background(), "clean up", planner.Plan{"next_action": "delete_files", "args": map[string]any{}}, "")
	if !review.Approved {
		t.Fatalf("rule-based stage should approve a known tool, got %+v", review)
	}
	if !llmCalled {
		t.Fatal("expected the LLM critic to be consulted for a mutator-kind tool")
	}
}

func TestLoop_CritiqueSkipsLLMForSafeKinds(t *testing.T) {
	llmCalled := false
	readFile := &fakeTool{name: "read_file", kind: domaintool.KindRead, exec: func(map[string]interface{}) (*domaintool.Result, error) {
		return &domaintool.Result{Success: true}, nil
	}}
	llm := &fakeLLM{generate: func(req *service.LLMRequest) (*service.LLMResponse, error) {
		llmCalled = true
		return &service.LLMResponse{}, nil
	}}
	l := New(Deps{LLM: llm, Registry: newRegistryWith(readFile)})

	review := l.critique(context.Background(), "read", planner.Plan{"next_action": "read_file", "args": map[string]any{}}, "")
	if !review.Approved {
		t.Fatal("expected approval of a safe-kind tool")
	}
	if llmCalled {
		t.Fatal("a read-kind tool should not escalate to the LLM critic")
	}
}

func TestPlanArgsAsBatch(t *testing.T) {
	single := planner.Plan{"args": map[string]any{"dir": "~"}}
	if _, ok := planArgsAsBatch(single); ok {
		t.Fatal("a single-task map args should not be treated as a batch")
	}

	batch := planner.Plan{"args": []any{
		map[string]any{"dir": "~/Desktop"},
		map[string]any{"dir": "~/Downloads"},
	}}
	items, ok := planArgsAsBatch(batch)
	if !ok || len(items) != 2 {
		t.Fatalf("expected a 2-item batch, got ok=%v items=%v", ok, items)
	}

	tooFew := planner.Plan{"args": []any{map[string]any{"dir": "~"}}}
	if _, ok := planArgsAsBatch(tooFew); ok {
		t.Fatal("a single-element list should not count as a batch")
	}

	mixed := planner.Plan{"args": []any{"not-a-map", map[string]any{"dir": "~"}}}
	if _, ok := planArgsAsBatch(mixed); ok {
		t.Fatal("a list containing a non-map element should not be treated as a batch")
	}
}

func TestHypothesisMatches(t *testing.T) {
	cases := []struct {
		expected, actual string
		want             bool
	}{
		{"Dictionary with count key", "dict[keys=count]", true},
		{"Dictionary with count key", "list[len=0,keys=empty]", false},
		{"List of file dictionaries", "list[len=3,keys=name]", true},
		{"Analysis response", "str[len=42]", true},
		{"something unrecognized", "str[len=1]", false},
	}
	for _, c := range cases {
		if got := hypothesisMatches(c.expected, c.actual); got != c.want {
			t.Errorf("hypothesisMatches(%q, %q) = %v, want %v", c.expected, c.actual, got, c.want)
		}
	}
}

func TestLoop_BatchExecutionPath(t *testing.T) {
	calls := 0
	listFiles := &fakeTool{
		name: "list_files",
		kind: domaintool.KindRead,
		exec: func(args map[string]interface{}) (*domaintool.Result, error) {
			calls++
			return &domaintool.Result{Success: true, Output: fmt.Sprintf(`{"dir":"%v"}`, args["dir"])}, nil
		},
	}
	l := New(Deps{LLM: &fakeLLM{}, Registry: newRegistryWith(listFiles), BatchWorkers: 2})

	plan := planner.Plan{"args": []any{
		map[string]any{"dir": "~/Desktop"},
		map[string]any{"dir": "~/Downloads"},
	}}
	stream := eventstream.New("s5", 64, nil)
	sess := session.New("s5")

	status, obs, sig, errClass := l.execute(context.Background(), 1, "list_files", plan, sess, stream)
	if calls != 2 {
		t.Fatalf("expected both batch tasks to execute, got %d calls", calls)
	}
	if status != session.StatusOK {
		t.Fatalf("expected ok status, got %s (err class %s)", status, errClass)
	}
	if obs == "" || sig == "" {
		t.Fatalf("expected a merged observation and signature, got %q / %q", obs, sig)
	}
}

// TestLoop_RunAlwaysClosesChannels asserts a stream does not hang: Run's
// goroutine must always close both the stream and the outcome channel.
func TestLoop_RunAlwaysClosesChannels(t *testing.T) {
	l := New(Deps{LLM: &fakeLLM{}, Registry: newRegistryWith(), DefaultStepBudget: 1})
	_, stream, outcomeCh := l.Run(context.Background(), RunRequest{SessionID: "s6", Goal: "analyze and compare things"})

	done := make(chan struct{})
	go func() {
		drain(stream)
		<-outcomeCh
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("expected Run's goroutine to close the stream and outcome channel")
	}
}
