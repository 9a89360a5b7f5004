// Package planner builds a structured plan from a goal and session
// context. The rule-based fast path is grounded on original_source's
// api/simple_planner.py (create_simple_plan); the LLM-driven path's
// validation/defaulting/clamping delegates to internal/structtext,
// grounded on api/utils/json_loose.py (validate_plan_json).
package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentgateway/agentgateway/internal/domain/service"
	domaintool "github.com/agentgateway/agentgateway/internal/domain/tool"
	"github.com/agentgateway/agentgateway/internal/structtext"
)

const maxRepairAttempts = 2

// Plan is the validated output of the planner, keyed identically to
// structtext.PlanRequiredFields so callers can round-trip through the
// same Parse/Validate/Serialize cycle used for repairs.
type Plan map[string]any

// NextAction returns the plan's chosen tool/action name.
func (p Plan) NextAction() string {
	s, _ := p["next_action"].(string)
	return s
}

// Args returns the plan's tool arguments.
func (p Plan) Args() map[string]any {
	m, _ := p["args"].(map[string]any)
	return m
}

// Degraded reports whether the plan is the last-resort fallback.
func (p Plan) Degraded() bool {
	v, _ := p[structtext.DegradedMarkerField].(bool)
	return v
}

// SimplePlan returns a rule-based plan for common file-oriented goals
// without invoking an LLM, mirroring create_simple_plan exactly: goal
// substring matching for "count files" / "list files", with a directory
// inferred from "desktop"/"downloads"/"documents" mentions, and a
// generic "analyze" fallback otherwise.
func SimplePlan(goal string) Plan {
	lower := strings.ToLower(goal)

	dirFor := func() string {
		switch {
		case strings.Contains(lower, "desktop"):
			return "~/Desktop"
		case strings.Contains(lower, "downloads"):
			return "~/Downloads"
		case strings.Contains(lower, "documents"):
			return "~/Documents"
		default:
			return "~"
		}
	}

	switch {
	case strings.Contains(lower, "count files"):
		return Plan{
			"subgoals":             []any{"Identify target directory", "Count files in directory", "Return count result"},
			"success_criteria":     "Return accurate file count",
			"next_action":          "count_files",
			"args":                 map[string]any{"dir": dirFor(), "limit": 0},
			"expected_observation": "Dictionary with count key",
			"rationale":            "Direct file counting using filesystem tools",
		}
	case strings.Contains(lower, "list files"):
		return Plan{
			"subgoals":             []any{"Identify target directory", "List files in directory", "Return file list"},
			"success_criteria":     "Return list of files",
			"next_action":          "list_files",
			"args":                 map[string]any{"dir": dirFor(), "sort": "name", "limit": 50},
			"expected_observation": "List of file dictionaries",
			"rationale":            "Direct file listing using filesystem tools",
		}
	default:
		return Plan{
			"subgoals":             []any{"Understand the request", "Execute appropriate action", "Provide helpful response"},
			"success_criteria":     "Provide useful information",
			"next_action":          "analyze",
			"args":                 map[string]any{"prompt": fmt.Sprintf("How can I help with this request: %s", goal), "context": "No specific context available"},
			"expected_observation": "Analysis response",
			"rationale":            "General analysis for unclear requests",
		}
	}
}

// toolChains maps a coarse goal type to a known-good sequence of tool
// names the loop may optionally follow instead of re-planning after each
// step.
var toolChains = map[string][]string{
	"counting":     {"count_files"},
	"file_finding": {"list_files", "read_file"},
	"analysis":     {"analyze"},
	"comparison":   {"list_files", "list_files", "analyze"},
	"web_research": {"web_get", "analyze"},
	"file_reading": {"list_files", "read_file"},
	"general":      {"analyze"},
}

// ToolChain returns the suggested tool-name sequence for a coarse goal
// type, or nil if goalType is unrecognized.
func ToolChain(goalType string) []string {
	return toolChains[goalType]
}

// Request carries everything the LLM-driven planning path needs: the
// goal, a rendered session-context summary (internal/session's
// GetContextSummary), the failed-attempt list, and the tool catalog.
type Request struct {
	Goal           string
	ContextSummary string
	FailedAttempts []string
	Tools          []domaintool.Definition
	Model          string
}

// BuildPlan produces a validated plan for goal. If the rule-based fast path
// recognizes the goal it is used directly (no LLM call); otherwise an
// LLM is invoked with up to maxRepairAttempts re-prompts on parse or
// validation failure, each carrying the previous attempt's raw text and
// error back to the model. On total failure, structtext's fixed fallback
// plan is returned (its next_action is count_files on ~/Desktop).
func BuildPlan(ctx context.Context, llm service.LLMClient, req Request) Plan {
	lower := strings.ToLower(req.Goal)
	if strings.Contains(lower, "count files") || strings.Contains(lower, "list files") {
		return SimplePlan(req.Goal)
	}
	if llm == nil {
		return Plan(structtext.FallbackPlan())
	}

	lastErr := ""
	lastRaw := ""
	for attempt := 0; attempt <= maxRepairAttempts; attempt++ {
		prompt := buildPrompt(req, lastRaw, lastErr)
		resp, err := llm.Generate(ctx, &service.LLMRequest{
			Messages: []service.LLMMessage{
				{Role: "system", Content: plannerSystemPrompt},
				{Role: "user", Content: prompt},
			},
			Model:       req.Model,
			Temperature: 0.2,
		})
		if err != nil {
			lastErr = err.Error()
			continue
		}

		lastRaw = resp.Content
		parsed := structtext.Parse(resp.Content)
		if degraded, _ := parsed[structtext.DegradedMarkerField].(bool); degraded {
			lastErr = "structured-text parse degraded to fallback"
			continue
		}

		validated := structtext.ValidatePlan(parsed)
		if action, _ := validated["next_action"].(string); action == "" {
			lastErr = "validated plan missing next_action"
			continue
		}
		return Plan(validated)
	}

	return Plan(structtext.FallbackPlan())
}

const plannerSystemPrompt = `You are a task planner for an autonomous agent. ` +
	`Respond with a single JSON object with keys: subgoals (list of 2-7 strings), ` +
	`success_criteria (string), next_action (string tool name), args (object), ` +
	`expected_observation (string), rationale (string). Output JSON only.`

func buildPrompt(req Request, lastRaw, lastErr string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", req.Goal)
	if req.ContextSummary != "" {
		fmt.Fprintf(&b, "\nSession context:\n%s\n", req.ContextSummary)
	}
	if len(req.FailedAttempts) > 0 {
		fmt.Fprintf(&b, "\nPreviously failed attempts (do not repeat): %s\n", strings.Join(req.FailedAttempts, ", "))
	}
	if len(req.Tools) > 0 {
		b.WriteString("\nAvailable tools:\n")
		for _, t := range req.Tools {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		}
	}
	if lastErr != "" {
		fmt.Fprintf(&b, "\nYour previous response could not be used (%s). Previous response was:\n%s\nPlease respond again with valid JSON.\n", lastErr, lastRaw)
	}
	return b.String()
}
