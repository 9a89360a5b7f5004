package tool

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/agentgateway/agentgateway/internal/agentloop"
	domainagent "github.com/agentgateway/agentgateway/internal/domain/agent"
	domaintool "github.com/agentgateway/agentgateway/internal/domain/tool"
	"github.com/agentgateway/agentgateway/internal/eventstream"
)

// spawnParentKey carries the calling agent's spawner-assigned ID so a
// nested spawn_subagent call is checked against the same depth/permission
// bookkeeping as its parent, mirroring how the teacher's Spawner.Spawn
// threads parentID through SpawnedAgent.Depth.
type spawnParentKey struct{}

// truncateStr clips s to at most n bytes, appending "..." when clipped.
func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// SpawnSubagentTool is the built-in spawn_subagent action: it creates a
// depth-limited, permission-scoped child agent via domain/agent.Spawner
// and recursively runs the same agentloop.Loop for the child's goal,
// reusing the parent's LLM/registry/policy wiring. Grounded on teacher's
// infrastructure/tool.SubAgentTool (the delegate-to-a-sub-loop shape,
// drain-events-then-format-summary idiom), generalized to use the
// dedicated domain/agent.Spawner for depth/permission tracking instead of
// an ad-hoc context counter, and to run agentloop.Loop instead of the
// conversational domain/service.AgentLoop.
type SpawnSubagentTool struct {
	loop            *agentloop.Loop
	spawner         domainagent.Spawner
	defaultMaxSteps int
	logger          *zap.Logger
}

func NewSpawnSubagentTool(loop *agentloop.Loop, spawner domainagent.Spawner, defaultMaxSteps int, logger *zap.Logger) *SpawnSubagentTool {
	if defaultMaxSteps <= 0 {
		defaultMaxSteps = 12
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SpawnSubagentTool{loop: loop, spawner: spawner, defaultMaxSteps: defaultMaxSteps, logger: logger}
}

func (t *SpawnSubagentTool) Name() string         { return "spawn_subagent" }
func (t *SpawnSubagentTool) Kind() domaintool.Kind { return domaintool.KindExecute }

func (t *SpawnSubagentTool) Description() string {
	return "Delegate a sub-goal to a nested, depth-limited agent run that shares the parent's tools and model. " +
		"Use for a focused sub-task whose result should feed back into the current plan. " +
		"The sub-agent runs its own plan/critique/execute/observe/verify loop and returns its final answer."
}

func (t *SpawnSubagentTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"goal": map[string]interface{}{
				"type":        "string",
				"description": "The sub-goal for the nested agent to pursue",
			},
			"max_steps": map[string]interface{}{
				"type":        "integer",
				"description": fmt.Sprintf("Step budget for the sub-agent (default: %d)", t.defaultMaxSteps),
			},
		},
		"required": []string{"goal"},
	}
}

func (t *SpawnSubagentTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	goal, ok := args["goal"].(string)
	if !ok || goal == "" {
		return &domaintool.Result{Success: false, Error: "goal is required"}, nil
	}

	maxSteps := t.defaultMaxSteps
	if ms, ok := args["max_steps"].(float64); ok && ms > 0 {
		maxSteps = int(ms)
	}

	parentID, _ := ctx.Value(spawnParentKey{}).(string)
	cfg := domainagent.DefaultSpawnConfig("subagent")
	spawned, err := t.spawner.Spawn(ctx, parentID, cfg)
	if err != nil {
		return &domaintool.Result{Success: false, Error: err.Error()}, nil
	}
	defer t.spawner.Terminate(spawned.ID)

	t.logger.Info("spawning sub-agent",
		zap.String("id", spawned.ID),
		zap.Int("depth", spawned.Depth),
		zap.String("goal_preview", truncateStr(goal, 100)),
	)

	subCtx := context.WithValue(ctx, spawnParentKey{}, spawned.ID)
	_, stream, outcomeCh := t.loop.Run(subCtx, agentloop.RunRequest{
		SessionID: "sub-" + spawned.ID,
		Goal:      goal,
		MaxSteps:  maxSteps,
	})

	var result string
	var errMsg string
	for ev := range stream.Events() {
		switch ev.Type {
		case eventstream.EventFinal:
			if r, ok := ev.Data["result"].(string); ok {
				result = r
			}
		case eventstream.EventError:
			if e, ok := ev.Data["error"].(string); ok {
				errMsg = e
			}
		}
	}
	outcome := <-outcomeCh

	if errMsg != "" {
		return &domaintool.Result{Success: false, Error: errMsg}, nil
	}

	var sb strings.Builder
	sb.WriteString("=== Sub-Agent Result ===\n\n")
	sb.WriteString(result)
	sb.WriteString(fmt.Sprintf("\n\n--- Execution Summary ---\nSteps: %d | Success: %v | Confidence: %.2f\n",
		outcome.TotalSteps, outcome.Success, outcome.Confidence))
	if len(outcome.ToolsUsed) > 0 {
		sb.WriteString(fmt.Sprintf("Tools used: %s\n", strings.Join(outcome.ToolsUsed, ", ")))
	}

	return &domaintool.Result{
		Output:  sb.String(),
		Success: outcome.Success,
		Metadata: map[string]interface{}{
			"steps":      outcome.TotalSteps,
			"confidence": outcome.Confidence,
			"tools_used": outcome.ToolsUsed,
			"depth":      spawned.Depth,
		},
	}, nil
}
