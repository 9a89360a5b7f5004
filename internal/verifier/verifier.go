// Package verifier decides whether an agent-loop step satisfies its
// goal. The two-tier structure (fast heuristic, then LLM fallback) is
// spec.md §4.K; the LLM prompt shape and the rule-based extraction used
// when the LLM path is unavailable are grounded on original_source's
// api/simple_verifier.py (simple_verify, _extract_key_info).
package verifier

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/agentgateway/agentgateway/internal/domain/service"
	"github.com/agentgateway/agentgateway/internal/structtext"
)

// Verdict is the verifier's decision for one step.
type Verdict struct {
	Finish     bool
	Result     string
	Confidence float64
	Reasoning  string
}

var successMarkers = []string{"found", "complete", "success", "count"}

// FastHeuristic implements spec.md §4.K's fast path: a non-empty last
// observation that does not mention error/failed and either contains a
// success marker, or is a mapping carrying a count/result key, finishes
// with confidence 0.9. Returns ok=false when inconclusive, in which case
// the caller should fall through to the LLM tier.
func FastHeuristic(lastObservation any) (Verdict, bool) {
	switch v := lastObservation.(type) {
	case string:
		if v == "" {
			return Verdict{}, false
		}
		lower := strings.ToLower(v)
		if strings.Contains(lower, "error") || strings.Contains(lower, "failed") {
			return Verdict{}, false
		}
		for _, marker := range successMarkers {
			if strings.Contains(lower, marker) {
				return Verdict{Finish: true, Result: v, Confidence: 0.9, Reasoning: "fast heuristic: success marker matched"}, true
			}
		}
		return Verdict{}, false
	case map[string]any:
		if _, ok := v["count"]; ok {
			return Verdict{Finish: true, Result: fmt.Sprintf("%v", v), Confidence: 0.9, Reasoning: "fast heuristic: count key present"}, true
		}
		if _, ok := v["result"]; ok {
			return Verdict{Finish: true, Result: fmt.Sprintf("%v", v), Confidence: 0.9, Reasoning: "fast heuristic: result key present"}, true
		}
		return Verdict{}, false
	default:
		return Verdict{}, false
	}
}

// LLMFallback calls llm with the goal and up to the last 8 observations,
// parses the response via structtext, and returns {finish, result,
// confidence, reasoning}. If the LLM call itself fails, it degrades to
// the rule-based extractor grounded on _extract_key_info.
func LLMFallback(ctx context.Context, llm service.LLMClient, goal string, observations []string) Verdict {
	recent := observations
	if len(recent) > 8 {
		recent = recent[len(recent)-8:]
	}

	if llm == nil {
		return extractKeyInfo(goal, lastOf(recent))
	}

	prompt := fmt.Sprintf(
		"Goal: %s\n\nRecent observations:\n%s\n\nHas the goal been satisfied? Respond with a JSON object: "+
			"{\"finish\": bool, \"result\": string, \"confidence\": number between 0 and 1, \"reasoning\": string}.",
		goal, strings.Join(recent, "\n"),
	)

	resp, err := llm.Generate(ctx, &service.LLMRequest{
		Messages: []service.LLMMessage{
			{Role: "system", Content: "You are a verifier for an autonomous agent. Output JSON only."},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return extractKeyInfo(goal, lastOf(recent))
	}

	parsed := structtext.Parse(resp.Content)
	if degraded, _ := parsed[structtext.DegradedMarkerField].(bool); degraded {
		return extractKeyInfo(goal, lastOf(recent))
	}

	finish, _ := parsed["finish"].(bool)
	result, _ := parsed["result"].(string)
	confidence, _ := parsed["confidence"].(float64)
	reasoning, _ := parsed["reasoning"].(string)
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return Verdict{Finish: finish, Result: result, Confidence: confidence, Reasoning: reasoning}
}

func lastOf(obs []string) string {
	if len(obs) == 0 {
		return ""
	}
	return obs[len(obs)-1]
}

var (
	countPattern = regexp.MustCompile(`"count":\s*(\d+)`)
	lenPattern   = regexp.MustCompile(`len=(\d+)`)
)

// extractKeyInfo is the rule-based fallback used when no LLM is
// reachable, mirroring _extract_key_info's goal-keyword dispatch.
func extractKeyInfo(goal, observation string) Verdict {
	lower := strings.ToLower(goal)

	if strings.Contains(lower, "count") {
		if m := countPattern.FindStringSubmatch(observation); m != nil {
			return Verdict{Finish: true, Result: fmt.Sprintf("I found %s files.", m[1]), Confidence: 0.7, Reasoning: "rule-based count extraction"}
		}
	} else if strings.Contains(lower, "list") {
		if m := lenPattern.FindStringSubmatch(observation); m != nil {
			return Verdict{Finish: true, Result: fmt.Sprintf("I found %s files in the directory.", m[1]), Confidence: 0.7, Reasoning: "rule-based list extraction"}
		}
	}

	return Verdict{Finish: true, Result: "Task completed! The detailed results are shown above.", Confidence: 0.6, Reasoning: "generic fallback"}
}

// Verify runs the full two-tier decision for one agent-loop step: the
// fast heuristic first, the LLM (or rule-based) fallback when
// inconclusive. An unsuccessful prior step or a last observation shorter
// than 10 characters returns an unfinished verdict without either tier.
func Verify(ctx context.Context, llm service.LLMClient, goal string, observations []string, lastStepSuccessful bool) Verdict {
	if len(observations) == 0 {
		return Verdict{Finish: false, Result: "I need to gather some information first to help you with that.", Confidence: 0.0}
	}

	last := observations[len(observations)-1]
	if !lastStepSuccessful || len(last) < 10 {
		return Verdict{Finish: false, Result: "I'm still working on that. Let me gather more information.", Confidence: 0.4}
	}

	if verdict, ok := FastHeuristic(last); ok {
		return verdict
	}
	return LLMFallback(ctx, llm, goal, observations)
}

// VerifyConversational handles the conversational-goal path, where
// verification is skipped entirely: the single LLM answer is the final
// result, with fixed confidence >= 0.9 once the answer exceeds 10
// characters.
func VerifyConversational(answer string) Verdict {
	confidence := 0.5
	if len(answer) > 10 {
		confidence = 0.9
	}
	return Verdict{Finish: true, Result: answer, Confidence: confidence, Reasoning: "conversational goal, verification skipped"}
}
