package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	domaintool "github.com/agentgateway/agentgateway/internal/domain/tool"
	"github.com/agentgateway/agentgateway/internal/errorclass"
	"github.com/agentgateway/agentgateway/internal/session"
)

func TestValidateSafety_RejectsOversizedBatch(t *testing.T) {
	tasks := make([]Task, maxBatchSize+1)
	for i := range tasks {
		tasks[i] = Task{Idx: i, ToolName: "count_files", ArgsKey: session.HashArgsKey("count_files", map[string]any{"i": i})}
	}
	errs := ValidateSafety(tasks, nil)
	if len(errs) == 0 {
		t.Fatal("expected oversized batch to be rejected")
	}
}

func TestValidateSafety_RejectsMultipleDestructive(t *testing.T) {
	tasks := []Task{
		{Idx: 0, ToolName: "delete_files", ArgsKey: "a"},
		{Idx: 1, ToolName: "delete_files", ArgsKey: "b"},
	}
	errs := ValidateSafety(tasks, nil)
	if len(errs) == 0 {
		t.Fatal("expected multiple destructive tasks to be rejected")
	}
}

func TestValidateSafety_RejectsDuplicateArgsKeys(t *testing.T) {
	tasks := []Task{
		{Idx: 0, ToolName: "list_files", ArgsKey: "same"},
		{Idx: 1, ToolName: "list_files", ArgsKey: "same"},
	}
	errs := ValidateSafety(tasks, nil)
	if len(errs) == 0 {
		t.Fatal("expected duplicate args_key to be rejected")
	}
}

func TestValidateSafety_RejectsPathConflict(t *testing.T) {
	tasks := []Task{
		{Idx: 0, ToolName: "read_file", Args: map[string]any{"path": "/tmp/a"}, ArgsKey: "a"},
		{Idx: 1, ToolName: "delete_files", Args: map[string]any{"path": "/tmp/a"}, ArgsKey: "b"},
	}
	errs := ValidateSafety(tasks, nil)
	if len(errs) == 0 {
		t.Fatal("expected path conflict to be rejected")
	}
}

func TestValidateSafety_AcceptsValidBatch(t *testing.T) {
	tasks := []Task{
		{Idx: 0, ToolName: "list_files", Args: map[string]any{"dir": "/tmp/a"}, ArgsKey: "a"},
		{Idx: 1, ToolName: "list_files", Args: map[string]any{"dir": "/tmp/b"}, ArgsKey: "b"},
	}
	if errs := ValidateSafety(tasks, nil); len(errs) != 0 {
		t.Fatalf("expected no violations, got %v", errs)
	}
}

func TestValidateSafety_RejectsUnknownTool(t *testing.T) {
	registry := domaintool.NewInMemoryRegistry()
	registry.Register(&fakeTool{name: "list_files"})

	tasks := []Task{
		{Idx: 0, ToolName: "list_files", Args: map[string]any{"dir": "/tmp"}, ArgsKey: "a"},
		{Idx: 1, ToolName: "does_not_exist", Args: map[string]any{"dir": "/tmp2"}, ArgsKey: "b"},
	}
	errs := ValidateSafety(tasks, registry)
	if len(errs) == 0 {
		t.Fatal("expected unknown tool to be rejected")
	}
}

type fakeTool struct{ name string }

func (f *fakeTool) Name() string                    { return f.name }
func (f *fakeTool) Kind() domaintool.Kind            { return domaintool.KindRead }
func (f *fakeTool) Description() string              { return "" }
func (f *fakeTool) Schema() map[string]interface{}   { return map[string]interface{}{} }
func (f *fakeTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	return &domaintool.Result{Success: true}, nil
}

func TestRun_ReturnsResultsInInputOrder(t *testing.T) {
	tasks := []Task{
		{Idx: 0, ToolName: "slow", Args: map[string]any{"n": 0}},
		{Idx: 1, ToolName: "fast", Args: map[string]any{"n": 1}},
	}
	exec := func(ctx context.Context, name string, args map[string]any) (any, error) {
		if name == "slow" {
			time.Sleep(20 * time.Millisecond)
		}
		return map[string]any{"tool": name}, nil
	}

	results := Run(context.Background(), tasks, exec, nil, 4, time.Second)
	if len(results) != 2 || results[0].Idx != 0 || results[1].Idx != 1 {
		t.Fatalf("expected results in input order, got %+v", results)
	}
	if !results[0].Success || !results[1].Success {
		t.Fatalf("expected both tasks to succeed, got %+v", results)
	}
}

func TestRun_ClassifiesErrorsAndMarksAttempts(t *testing.T) {
	sess := session.New("s1")
	tasks := []Task{{Idx: 0, ToolName: "read_file", Args: map[string]any{"path": "/missing"}}}
	exec := func(ctx context.Context, name string, args map[string]any) (any, error) {
		return nil, errors.New("file not found: /missing")
	}

	results := Run(context.Background(), tasks, exec, sess, 4, time.Second)
	if results[0].Success {
		t.Fatal("expected failure")
	}
	if results[0].ErrorClass != errorclass.FileNotFound {
		t.Fatalf("expected file_not_found classification, got %s", results[0].ErrorClass)
	}
	if !sess.IsDuplicateAttempt("read_file", map[string]any{"path": "/missing"}) {
		t.Fatal("expected failed attempt to be marked")
	}
}

func TestRun_SkipsDuplicateBlockedTasks(t *testing.T) {
	sess := session.New("s1")
	args := map[string]any{"dir": "/tmp"}
	sess.MarkAttempt("list_files", args, false)

	tasks := []Task{{Idx: 0, ToolName: "list_files", Args: args}}
	called := false
	exec := func(ctx context.Context, name string, args map[string]any) (any, error) {
		called = true
		return nil, nil
	}

	results := Run(context.Background(), tasks, exec, sess, 4, time.Second)
	if called {
		t.Fatal("expected duplicate_blocked task to skip execution")
	}
	if results[0].ErrorClass != errorclass.DuplicateBlocked {
		t.Fatalf("expected duplicate_blocked, got %s", results[0].ErrorClass)
	}
}

func TestMergeObservations_SummarizesSuccessAndFailure(t *testing.T) {
	results := []Result{
		{Idx: 0, Success: true, Value: map[string]any{"count": 3}},
		{Idx: 1, Success: false, Err: errors.New("boom")},
	}
	merged := MergeObservations(results, 4000)
	if merged == "" {
		t.Fatal("expected non-empty merged observation")
	}
}

func TestMergeObservations_RespectsOverallCap(t *testing.T) {
	results := make([]Result, 20)
	for i := range results {
		results[i] = Result{Idx: i, Success: true, Value: "some moderately long value string for testing width"}
	}
	merged := MergeObservations(results, 500)
	if len(merged) > 500+len("... [batch obs clipped]") {
		t.Fatalf("expected merge to respect overall cap, got length %d", len(merged))
	}
}

func TestSummarize_ComputesRates(t *testing.T) {
	results := []Result{
		{Success: true, Duration: 10 * time.Millisecond},
		{Success: false, ErrorClass: errorclass.Timeout, Duration: 20 * time.Millisecond},
	}
	summary := Summarize(results)
	if summary.Successful != 1 || summary.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.SuccessRate != 0.5 {
		t.Fatalf("expected success rate 0.5, got %v", summary.SuccessRate)
	}
	if summary.ErrorClasses[errorclass.Timeout] != 1 {
		t.Fatalf("expected timeout error class counted, got %+v", summary.ErrorClasses)
	}
}

func TestCreateTasks_CanonicalizesArgsKey(t *testing.T) {
	sess := session.New("s1")
	actions := []map[string]any{
		{"action": "count_files", "args": map[string]any{"dir": "~"}},
	}
	tasks := CreateTasks(actions, sess)
	if len(tasks) != 1 || tasks[0].ArgsKey == "" {
		t.Fatalf("expected canonicalized args_key, got %+v", tasks)
	}
}
