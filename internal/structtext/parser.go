// Package structtext recovers a structured key-value mapping from a
// model's free-form response, grounded on original_source's
// api/utils/json_loose.py (loads_loose, validate_plan_json).
package structtext

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	titanousjson5 "github.com/titanous/json5"
	furukawajson5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Serialize round-trips a map back into canonical JSON text; the parser's
// round-trip test is its only caller. Keys are written in sorted order via successive sjson.Set calls
// so the output is deterministic.
func Serialize(data map[string]any) (string, error) {
	doc := "{}"
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var err error
	for _, k := range keys {
		doc, err = sjson.Set(doc, k, data[k])
		if err != nil {
			return "", fmt.Errorf("serialize field %q: %w", k, err)
		}
	}
	return doc, nil
}

// DegradedMarkerField is set on the result when every repair stage failed
// and the hardcoded fallback object was returned, so callers can detect
// degradation.
const DegradedMarkerField = "_degraded"

var (
	codeFenceRe   = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
	trailingComma = regexp.MustCompile(`,(\s*[}\]])`)
	bareKey       = regexp.MustCompile(`(\w+)(\s*:)`)
)

// FallbackPlan is the declared fallback mapping returned when every repair
// stage fails, matching loads_loose's hardcoded fallback object exactly.
func FallbackPlan() map[string]any {
	return map[string]any{
		"subgoals":             []any{"Understand the request", "Execute the task", "Provide results"},
		"success_criteria":     "Complete the requested task",
		"next_action":          "count_files",
		"args":                 map[string]any{"dir": "~/Desktop", "limit": 0},
		"expected_observation": "Dictionary with count key",
		"rationale":            "Fallback plan due to JSON parsing error",
		DegradedMarkerField:    true,
	}
}

// Parse recovers a map[string]any from text, applying repair stages in
// order until one succeeds:
//  1. Direct structured parse.
//  2. Strip fenced code blocks and retry.
//  3. Extract the first balanced `{...}` substring and retry.
//  4. Rewrite trailing commas, bare keys, and single quotes, then retry.
//  5. Return the declared fallback mapping.
func Parse(text string) map[string]any {
	if result, ok := tryParse(text); ok {
		return result
	}

	if strings.Contains(text, "```") {
		if m := codeFenceRe.FindStringSubmatch(text); m != nil {
			if result, ok := tryParse(m[1]); ok {
				return result
			}
		}
	}

	if extracted, ok := extractBalancedObject(text); ok {
		if result, ok := tryParse(extracted); ok {
			return result
		}
		// Even if parse fails, the extracted substring is what the
		// repair stage should operate on next, matching loads_loose's
		// "break after first complete object found" behavior.
		text = extracted
	}

	// Relaxed-grammar attempts (bare keys, trailing commas, single
	// quotes are all valid JSON5) before falling back to the manual
	// rewrite pass the Python original uses.
	if result, ok := tryJSON5(text); ok {
		return result
	}

	repaired := repairText(text)
	if result, ok := tryParse(repaired); ok {
		return result
	}
	if result, ok := tryJSON5(repaired); ok {
		return result
	}

	return FallbackPlan()
}

// tryJSON5 attempts two independent JSON5 grammars in sequence, since the
// pack carries both and they diverge on some relaxed-quoting edge cases.
func tryJSON5(text string) (map[string]any, bool) {
	var m map[string]any
	if err := furukawajson5.Unmarshal([]byte(text), &m); err == nil {
		return m, true
	}
	if err := titanousjson5.Unmarshal([]byte(text), &m); err == nil {
		return m, true
	}
	return nil, false
}

func tryParse(text string) (map[string]any, bool) {
	var m map[string]any
	if err := json.Unmarshal([]byte(text), &m); err == nil {
		return m, true
	}
	// Fall back to gjson for inputs json.Unmarshal rejects but that are
	// still recoverable as an object (e.g. trailing garbage after the
	// first balanced brace).
	if gjson.Valid(text) {
		parsed := gjson.Parse(text)
		if parsed.IsObject() {
			out := map[string]any{}
			parsed.ForEach(func(key, value gjson.Result) bool {
				out[key.String()] = value.Value()
				return true
			})
			return out, true
		}
	}
	return nil, false
}

// extractBalancedObject scans text char-by-char tracking brace depth and
// returns the first complete {...} substring, mirroring loads_loose's
// brace-counting loop.
func extractBalancedObject(text string) (string, bool) {
	depth := 0
	start := -1
	for i, r := range text {
		switch r {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					return text[start : i+1], true
				}
			}
		}
	}
	return "", false
}

// repairText applies the fix-up pass: strip trailing commas before } or
// ], quote bare keys, and replace single quotes with double quotes.
func repairText(text string) string {
	fixed := strings.TrimSpace(text)
	fixed = trailingComma.ReplaceAllString(fixed, "$1")
	fixed = bareKey.ReplaceAllString(fixed, `"$1"$2`)
	fixed = strings.ReplaceAll(fixed, "'", `"`)
	return fixed
}

// RequiredField describes a plan field's expected type and default value,
// mirroring validate_plan_json's required_fields table.
type RequiredField struct {
	Default any
	Kind    string // "list", "str", "dict"
}

// PlanRequiredFields is the exact required-field table from
// validate_plan_json.
var PlanRequiredFields = map[string]RequiredField{
	"subgoals":             {Default: []any{"Complete the task", "Verify results"}, Kind: "list"},
	"success_criteria":     {Default: "", Kind: "str"},
	"next_action":          {Default: "", Kind: "str"},
	"args":                 {Default: map[string]any{}, Kind: "dict"},
	"expected_observation": {Default: "", Kind: "str"},
	"rationale":            {Default: "", Kind: "str"},
}

// ValidatePlan fills missing fields with defaults, coerces wrong-typed
// present fields, and clamps subgoals to length [2,7], mirroring
// validate_plan_json exactly.
func ValidatePlan(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}

	for field, spec := range PlanRequiredFields {
		value, present := out[field]
		if !present {
			out[field] = spec.Default
			continue
		}
		out[field] = coerce(value, spec.Kind)
	}

	subgoals, _ := out["subgoals"].([]any)
	if len(subgoals) < 2 {
		subgoals = append(subgoals, "Complete the task", "Verify results")
	} else if len(subgoals) > 7 {
		subgoals = subgoals[:7]
	}
	out["subgoals"] = subgoals

	return out
}

func coerce(value any, kind string) any {
	switch kind {
	case "list":
		if list, ok := value.([]any); ok {
			return list
		}
		return []any{}
	case "dict":
		if m, ok := value.(map[string]any); ok {
			return m
		}
		return map[string]any{}
	case "str":
		if s, ok := value.(string); ok {
			return s
		}
		return toStringValue(value)
	default:
		return value
	}
}

func toStringValue(v any) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case int:
		return strconv.Itoa(n)
	case bool:
		return strconv.FormatBool(n)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", n)
	}
}
