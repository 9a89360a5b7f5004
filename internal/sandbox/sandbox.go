// Package sandbox validates and clamps tool arguments against a single
// process-wide sandbox root, grounded on original_source's
// api/utils/sandbox.py (PathValidator, validate_tool_args).
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentgateway/agentgateway/internal/errorclass"
)

var (
	ErrEmptyPath    = errors.New("empty path")
	ErrOutsideRoot  = errors.New("path outside sandbox")
	ErrPathMissing  = errors.New("path does not exist")
	ErrInvalidPath  = errors.New("invalid path")
)

// Error wraps a sandbox validation failure with its error_class.
type Error struct {
	Class errorclass.Class
	Err   error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func newError(class errorclass.Class, err error) *Error {
	return &Error{Class: class, Err: err}
}

// Validator resolves and validates paths against a single sandbox root.
type Validator struct {
	root string
}

// NewValidator creates a Validator rooted at root. An empty root defaults
// to the user's home directory, matching PathValidator.__init__.
func NewValidator(root string) (*Validator, error) {
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		root = home
	}
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolve sandbox root %q: %w", root, err)
	}
	return &Validator{root: resolved}, nil
}

// Root returns the resolved sandbox root.
func (v *Validator) Root() string { return v.root }

// ValidatePath expands, resolves and checks containment of path within the
// sandbox root. When allowCreate is false, the resolved path must exist.
func (v *Validator) ValidatePath(path string, allowCreate bool) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", newError(errorclass.PathOutsideSandbox, ErrEmptyPath)
	}

	expanded, err := expandPath(trimmed)
	if err != nil {
		return "", newError(errorclass.PathOutsideSandbox, fmt.Errorf("%w: %s: %v", ErrInvalidPath, path, err))
	}

	resolved, err := resolvePath(expanded)
	if err != nil {
		return "", newError(errorclass.PathOutsideSandbox, fmt.Errorf("%w: %s: %v", ErrInvalidPath, path, err))
	}

	if !withinRoot(v.root, resolved) {
		return "", newError(errorclass.PathOutsideSandbox, fmt.Errorf("%w: %s", ErrOutsideRoot, resolved))
	}

	if !allowCreate {
		if _, err := os.Stat(resolved); err != nil {
			return "", newError(errorclass.PathOutsideSandbox, fmt.Errorf("%w: %s", ErrPathMissing, resolved))
		}
	}

	return resolved, nil
}

// IsDotfile reports whether any path component under the sandbox root
// begins with a dot.
func (v *Validator) IsDotfile(resolved string) bool {
	rel, err := filepath.Rel(v.root, resolved)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

// FilterDotfiles drops dotfiles from paths unless allowDotfiles is set.
func (v *Validator) FilterDotfiles(paths []string, allowDotfiles bool) []string {
	if allowDotfiles {
		return paths
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if !v.IsDotfile(p) {
			out = append(out, p)
		}
	}
	return out
}

// ToolPolicy is the per-tool slice of the declarative policy table (§6)
// relevant to argument validation.
type ToolPolicy struct {
	Enabled        bool
	MaxLimit       int
	MaxLength      int
	RequireConfirm bool
	BlockedDomains []string
}

// ValidateToolArgs validates and clamps args for a named tool, mirroring
// validate_tool_args's per-tool branches. args is mutated in place and
// also returned for convenience.
func ValidateToolArgs(toolName string, args map[string]any, policy ToolPolicy) (map[string]any, error) {
	if !policy.Enabled {
		return nil, newError(errorclass.ToolDisabled, fmt.Errorf("tool %s is disabled", toolName))
	}

	switch toolName {
	case "list_files", "count_files", "count_dirs":
		if limit, ok := asInt(args["limit"]); ok {
			maxLimit := policy.MaxLimit
			if maxLimit <= 0 {
				maxLimit = 500
			}
			if limit > maxLimit {
				args["limit"] = maxLimit
			}
		}
	case "read_file":
		if length, ok := asInt(args["length"]); ok {
			maxLength := policy.MaxLength
			if maxLength <= 0 {
				maxLength = 65536
			}
			if length > maxLength {
				args["length"] = maxLength
			}
		}
	case "web_get":
		rawURL, ok := args["url"].(string)
		if !ok || strings.TrimSpace(rawURL) == "" {
			return nil, newError(errorclass.ValidationError, errors.New("web_get requires url argument"))
		}
		url := strings.TrimSpace(rawURL)
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return nil, newError(errorclass.ValidationError, fmt.Errorf("invalid URL scheme: %s", url))
		}
		for _, domain := range policy.BlockedDomains {
			if strings.Contains(url, domain) {
				return nil, newError(errorclass.ValidationError, fmt.Errorf("blocked domain: %s", domain))
			}
		}
	case "delete_files":
		confirm, _ := args["confirm"].(bool)
		if !confirm {
			return nil, newError(errorclass.DestructiveBlocked, fmt.Errorf("delete_files requires confirm=true"))
		}
	}

	return args, nil
}

// SanitizeFilename strips characters unsafe for filesystem operations and
// bounds the result length, mirroring sanitize_filename.
func SanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '.' || r == '_' || r == '-' || r == ' ' {
			b.WriteRune(r)
		}
	}
	sanitized := strings.Trim(b.String(), ". ")
	if len(sanitized) > 255 {
		sanitized = sanitized[:255]
	}
	if sanitized == "" {
		sanitized = "unnamed"
	}
	return sanitized
}

// SafeGlobPattern strips traversal sequences from a glob pattern,
// mirroring get_safe_glob_pattern.
func SafeGlobPattern(pattern string) string {
	for _, danger := range []string{"..", "/", "\\", "~"} {
		pattern = strings.ReplaceAll(pattern, danger, "")
	}
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		pattern = "*"
	}
	return pattern
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return os.ExpandEnv(path), nil
}

func resolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	// Resolve symlinks where possible; tolerate non-existent paths
	// (needed for allow_create callers) by falling back to the
	// absolute, non-symlink-resolved form.
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}

func withinRoot(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && rel != "..")
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
