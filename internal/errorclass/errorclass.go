// Package errorclass defines the closed error taxonomy surfaced on ledger
// entries and batch results.
package errorclass

import "strings"

// Class is a closed string-enum of the error taxonomy from spec §7.
type Class string

const (
	UnknownTool          Class = "unknown_tool"
	ToolDisabled         Class = "tool_disabled"
	ValidationError      Class = "validation_error"
	DestructiveBlocked   Class = "destructive_blocked"
	DuplicateBlocked     Class = "duplicate_blocked"
	AccessDenied         Class = "access_denied"
	Timeout              Class = "timeout"
	NetworkError         Class = "network_error"
	FileNotFound         Class = "file_not_found"
	JSONParseError       Class = "json_parse_error"
	PathOutsideSandbox   Class = "path_outside_sandbox"
	ExecutionError       Class = "execution_error"
	BatchValidationError Class = "batch_validation_error"
	BatchError           Class = "batch_error"
)

// Classify maps a raw error to the closed taxonomy using the same
// substring heuristics as original_source/api/utils/parallel.py's
// _classify_error.
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "unknown tool", "tool not found", "no such tool"):
		return UnknownTool
	case containsAny(msg, "permission", "access denied"):
		return AccessDenied
	case containsAny(msg, "timeout", "deadline exceeded"):
		return Timeout
	case containsAny(msg, "connection", "network"):
		return NetworkError
	case containsAny(msg, "file not found", "no such file"):
		return FileNotFound
	case containsAny(msg, "json", "parse"):
		return JSONParseError
	default:
		return ExecutionError
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
