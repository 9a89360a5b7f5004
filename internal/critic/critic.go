// Package critic reviews a planner Plan before execution. The rule-based
// fast path is grounded on original_source's api/simple_critic.py
// (simple_critic_review); the optional LLM critic's fail-open-on-error
// semantics are grounded on teacher's domain/service.SecurityHook
// pattern (a hook whose failure never blocks the underlying operation).
package critic

import (
	"context"
	"fmt"

	"github.com/agentgateway/agentgateway/internal/domain/service"
	domaintool "github.com/agentgateway/agentgateway/internal/domain/tool"
)

// Review is the critic's verdict on a proposed plan. The plan itself is
// never mutated by the critic; Changes is advisory and the loop may
// choose to apply it.
type Review struct {
	Approved  bool
	Changes   []string
	Reasoning string
}

var safeOps = map[string]bool{
	"count_files": true,
	"list_files":  true,
	"read_file":   true,
	"analyze":     true,
}

// Registry is the minimal surface the critic needs from a tool catalog.
type Registry interface {
	Has(name string) bool
}

// RuleBased approves any tool the registry knows and rejects unknown
// tools outright, mirroring simple_critic_review. It does not check
// whether a tool is enabled or destructive; those gates live in the
// sandbox policy at execution time.
func RuleBased(nextAction string, registry Registry) Review {
	if nextAction == "" || !registry.Has(nextAction) {
		return Review{
			Approved:  false,
			Changes:   []string{fmt.Sprintf("Unknown tool: %s", nextAction)},
			Reasoning: fmt.Sprintf("Tool %s is not available", nextAction),
		}
	}

	if safeOps[nextAction] {
		if nextAction == "analyze" {
			return Review{Approved: true, Reasoning: "Analysis operation approved"}
		}
		return Review{Approved: true, Reasoning: "Safe file operation approved"}
	}

	return Review{Approved: true, Reasoning: "Operation appears safe, approved"}
}

// LLMReview asks an LLM critic to review the step and returns its reply
// as Reasoning. The reply is not parsed: the result is always
// Approved=true and Changes is never filled. A failed call also
// approves (fail-open) with a reasoning note explaining the fallback,
// since a critic outage must never itself block progress.
func LLMReview(ctx context.Context, llm service.LLMClient, goal, nextAction string, args map[string]any, tools []domaintool.Definition) Review {
	if llm == nil {
		return Review{Approved: true, Reasoning: "No LLM critic configured, defaulting to approve"}
	}

	prompt := fmt.Sprintf("Goal: %s\nProposed action: %s\nArgs: %v\nReview this plan step for safety and correctness. Respond with approved (yes/no) and a brief reasoning.", goal, nextAction, args)
	resp, err := llm.Generate(ctx, &service.LLMRequest{
		Messages: []service.LLMMessage{
			{Role: "system", Content: "You are a safety critic for an autonomous agent. Be concise."},
			{Role: "user", Content: prompt},
		},
		Tools: tools,
	})
	if err != nil {
		return Review{Approved: true, Reasoning: fmt.Sprintf("LLM critic failed (%v), fail-open approve", err)}
	}

	return Review{Approved: true, Reasoning: resp.Content}
}
