// Package router classifies a goal string into one of three intents
// (direct_action, agent_task, conversational) via a priority-ordered
// phrase-table match, per spec.md §4.H. The shape follows teacher's
// domain/service.MessageRouter/AgentSelector interfaces; the phrase
// tables themselves are domain-specific to this spec and have no
// Python-source analog (the original system routed on a different,
// simpler split).
package router

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Intent is the closed set of route outcomes.
type Intent string

const (
	IntentDirectAction   Intent = "direct_action"
	IntentAgentTask      Intent = "agent_task"
	IntentConversational Intent = "conversational"
)

var actionVerbs = []string{
	"count", "list", "find", "delete", "create", "read", "check", "show", "get", "search",
}

var systemTargets = []string{
	"file", "folder", "directory", "document", "desktop", "home",
	"~/", "/users/", "my computer", "my documents", "my downloads", "in my", "on my",
}

var multiStepMarkers = []string{
	"and then", "after that", "followed by", "next",
	"analyze and", "compare", "research", "investigate", "compile",
}

var knowledgeMarkers = []string{
	"what is", "what are", "who is", "who was", "who are",
	"when did", "when was", "when is",
	"where is", "where are",
	"why does", "why is", "why are",
	"how does", "how do",
	"explain", "define", "describe", "tell me about",
}

// Route classifies goal into an Intent using the priority-ordered rules
// from spec.md §4.H: direct_action beats agent_task beats conversational,
// with direct_action as the default (ambiguous bias toward trying a tool).
func Route(goal string) Intent {
	lower := strings.ToLower(goal)

	hasVerb := containsAny(lower, actionVerbs)
	hasTarget := containsAny(lower, systemTargets)

	if hasVerb && hasTarget {
		return IntentDirectAction
	}
	if containsAny(lower, multiStepMarkers) {
		return IntentAgentTask
	}
	if containsAny(lower, knowledgeMarkers) && !hasTarget {
		return IntentConversational
	}
	if strings.HasSuffix(strings.TrimSpace(goal), "?") && !hasTarget {
		return IntentConversational
	}
	return IntentDirectAction
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// Resolution is the second-pass (tool, args) inference for a direct_action
// goal.
type Resolution struct {
	Tool string
	Args map[string]any
}

var verbToTool = map[string]string{
	"count":  "count_files",
	"list":   "list_files",
	"find":   "list_files",
	"search": "list_files",
	"show":   "list_files",
	"delete": "delete_files",
	"create": "list_files", // no direct-action create tool; fall through to analysis
	"read":   "read_file",
	"check":  "read_file",
	"get":    "web_get",
}

var pathPhrases = []struct {
	phrase string
	path   string
}{
	{"desktop", "~/Desktop"},
	{"documents", "~/Documents"},
	{"downloads", "~/Downloads"},
	{"home", "~"},
}

var absolutePathRe = regexp.MustCompile(`(~?/[^\s"']+)`)

// Resolve infers a (tool, args) pair for a direct_action goal by matching
// the first known action verb, then inferring a directory from common
// phrases or an explicit absolute/home-relative path found in the text.
func Resolve(goal string) Resolution {
	lower := strings.ToLower(goal)

	tool := "count_files"
	for _, verb := range actionVerbs {
		if strings.Contains(lower, verb) {
			if mapped, ok := verbToTool[verb]; ok {
				tool = mapped
			}
			break
		}
	}

	dir := "~/Desktop"
	if m := absolutePathRe.FindString(goal); m != "" {
		dir = filepath.Clean(m)
	} else {
		for _, p := range pathPhrases {
			if strings.Contains(lower, p.phrase) {
				dir = p.path
				break
			}
		}
	}

	args := map[string]any{"dir": dir}
	if tool == "read_file" {
		args = map[string]any{"path": dir}
	}
	if tool == "web_get" {
		if m := regexp.MustCompile(`https?://\S+`).FindString(goal); m != "" {
			args = map[string]any{"url": m}
		}
	}

	return Resolution{Tool: tool, Args: args}
}
