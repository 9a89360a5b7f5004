// Package batch dispatches a set of tool invocations concurrently with
// pre-validation, ordered result reassembly, and observation merging,
// grounded on original_source's api/utils/parallel.py (ParallelExecutor,
// BatchCoordinator, validate_batch_safety, merge_batch_observations).
// The worker-pool idiom follows teacher's AgentLoop parallel tool
// execution block.
package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	domaintool "github.com/agentgateway/agentgateway/internal/domain/tool"
	"github.com/agentgateway/agentgateway/internal/errorclass"
	"github.com/agentgateway/agentgateway/internal/session"
)

const (
	maxBatchSize    = 10
	defaultWorkers  = 4
	defaultDeadline = 60 * time.Second
	mergeCharCap    = 4000
)

var destructiveTools = map[string]bool{
	"delete_files": true,
	"write_file":   true,
	"move_file":    true,
}

// Task is one unit of batch work.
type Task struct {
	Idx      int
	ToolName string
	Args     map[string]any
	ArgsKey  string
}

// Result is one task's outcome, returned in input order regardless of
// completion order.
type Result struct {
	Idx        int
	Success    bool
	Value      any
	Err        error
	ErrorClass errorclass.Class
	Signature  string
	Duration   time.Duration
}

// Executor is the function signature tool invocation is delegated to;
// callers typically bind this to their tool registry's Execute method.
type Executor func(ctx context.Context, toolName string, args map[string]any) (any, error)

// ValidateSafety checks the spec.md §4.L pre-validation rules: unknown
// tool names, batch size bound, at most one destructive tool, no
// duplicate args_keys, no shared path-argument values across tasks.
// Returns all violations found (empty if valid), mirroring
// validate_batch_safety's accumulate-all-errors shape. registry may be
// nil, in which case the unknown-tool check is skipped (used by tests
// that exercise the other rules in isolation).
func ValidateSafety(tasks []Task, registry domaintool.Registry) []string {
	var errs []string

	if len(tasks) > maxBatchSize {
		errs = append(errs, fmt.Sprintf("batch size %d exceeds maximum %d", len(tasks), maxBatchSize))
	}

	if registry != nil {
		for _, t := range tasks {
			if !registry.Has(t.ToolName) {
				errs = append(errs, fmt.Sprintf("unknown tool: %s", t.ToolName))
			}
		}
	}

	destructiveCount := 0
	for _, t := range tasks {
		if destructiveTools[t.ToolName] {
			destructiveCount++
		}
	}
	if destructiveCount > 1 {
		errs = append(errs, "multiple destructive operations in batch not allowed")
	}

	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if seen[t.ArgsKey] {
			errs = append(errs, "duplicate operations detected in batch")
			break
		}
		seen[t.ArgsKey] = true
	}

	pathOwner := make(map[string]int)
	for _, t := range tasks {
		for _, key := range []string{"path", "dir", "file"} {
			raw, ok := t.Args[key]
			if !ok {
				continue
			}
			path := fmt.Sprintf("%v", raw)
			if owner, exists := pathOwner[path]; exists && owner != t.Idx {
				errs = append(errs, fmt.Sprintf("path conflict: %s used by multiple tasks", path))
				continue
			}
			pathOwner[path] = t.Idx
		}
	}

	return errs
}

// Run executes surviving tasks concurrently on a bounded worker pool,
// honoring a deadline and the session's duplicate-attempt set, and
// returns results in input order. Tasks already present in the session's
// attempt set are short-circuited as duplicate_blocked without invoking
// exec.
func Run(ctx context.Context, tasks []Task, exec Executor, sess *session.State, workers int, deadline time.Duration) []Result {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if deadline <= 0 {
		deadline = defaultDeadline
	}

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	results := make([]Result, len(tasks))
	sem := semaphore.NewWeighted(int64(workers))
	var wg sync.WaitGroup

	for i, task := range tasks {
		if sess != nil && sess.IsDuplicateAttempt(task.ToolName, task.Args) {
			results[i] = Result{Idx: task.Idx, Success: false, ErrorClass: errorclass.DuplicateBlocked, Err: fmt.Errorf("duplicate attempt: %s", task.ArgsKey)}
			continue
		}

		wg.Add(1)
		go func(i int, task Task) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = Result{Idx: task.Idx, Success: false, ErrorClass: errorclass.Timeout, Err: ctx.Err()}
				return
			}
			defer sem.Release(1)

			start := time.Now()
			value, err := exec(ctx, task.ToolName, task.Args)
			duration := time.Since(start)

			if err != nil {
				if sess != nil {
					sess.MarkAttempt(task.ToolName, task.Args, false)
				}
				results[i] = Result{
					Idx:        task.Idx,
					Success:    false,
					Err:        err,
					ErrorClass: errorclass.Classify(err),
					Duration:   duration,
				}
				return
			}

			if sess != nil {
				sess.MarkAttempt(task.ToolName, task.Args, true)
			}
			results[i] = Result{
				Idx:       task.Idx,
				Success:   true,
				Value:     value,
				Signature: session.Signature(value),
				Duration:  duration,
			}
		}(i, task)
	}

	wg.Wait()
	return results
}

// Summary aggregates a completed batch's outcome counts.
type Summary struct {
	TotalTasks    int
	Successful    int
	Failed        int
	SuccessRate   float64
	TotalDuration time.Duration
	AvgDuration   time.Duration
	ErrorClasses  map[errorclass.Class]int
}

// Summarize computes aggregate stats over a completed batch, mirroring
// BatchCoordinator.execute_with_streaming's summary block.
func Summarize(results []Result) Summary {
	summary := Summary{TotalTasks: len(results), ErrorClasses: map[errorclass.Class]int{}}
	if len(results) == 0 {
		return summary
	}

	var total time.Duration
	for _, r := range results {
		total += r.Duration
		if r.Success {
			summary.Successful++
		} else {
			summary.Failed++
			summary.ErrorClasses[r.ErrorClass]++
		}
	}
	summary.TotalDuration = total
	summary.AvgDuration = total / time.Duration(len(results))
	summary.SuccessRate = float64(summary.Successful) / float64(len(results))
	return summary
}

// MergeObservations builds a single text observation summarizing a
// completed batch, per-task text budgeted fairly within an overall
// maxChars cap, mirroring merge_batch_observations exactly.
func MergeObservations(results []Result, maxChars int) string {
	if len(results) == 0 {
		return "No results from batch execution"
	}
	if maxChars <= 0 {
		maxChars = mergeCharCap
	}

	successCount := 0
	for _, r := range results {
		if r.Success {
			successCount++
		}
	}

	header := fmt.Sprintf("Batch execution: %d/%d successful", successCount, len(results))
	charBudget := maxChars - len(header) - 100
	perResult := 0
	if len(results) > 0 {
		perResult = charBudget / len(results)
	}
	if perResult < 50 {
		perResult = 50
	}
	if perResult > 500 {
		perResult = 500
	}

	parts := make([]string, 0, len(results)+1)
	parts = append(parts, header)
	for _, r := range results {
		if r.Success {
			s := fmt.Sprintf("%v", r.Value)
			if len(s) > perResult {
				s = s[:perResult] + "..."
			}
			parts = append(parts, fmt.Sprintf("[%d] %s", r.Idx, s))
		} else {
			parts = append(parts, fmt.Sprintf("[%d] ERROR: %v", r.Idx, r.Err))
		}
	}

	merged := strings.Join(parts, "\n")
	if len(merged) > maxChars {
		merged = merged[:maxChars] + "... [batch obs clipped]"
	}
	return merged
}

// CreateTasks builds batch tasks from planner-produced action entries,
// canonicalizing each task's args_key via the session, mirroring
// create_batch_tasks.
func CreateTasks(actions []map[string]any, sess *session.State) []Task {
	tasks := make([]Task, 0, len(actions))
	for idx, action := range actions {
		toolName, _ := action["action"].(string)
		if toolName == "" {
			toolName, _ = action["tool"].(string)
		}
		args, _ := action["args"].(map[string]any)
		if args == nil {
			args = map[string]any{}
		}

		argsKey := ""
		if sess != nil {
			argsKey = session.CanonicalizeArgs(toolName, args)
		}

		tasks = append(tasks, Task{Idx: idx, ToolName: toolName, Args: args, ArgsKey: argsKey})
	}
	return tasks
}
