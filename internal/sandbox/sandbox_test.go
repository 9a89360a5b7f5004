package sandbox

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidatePath_WithinRoot(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "child")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	v, err := NewValidator(root)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	resolved, err := v.ValidatePath(sub, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved != sub {
		t.Fatalf("got %q, want %q", resolved, sub)
	}
}

func TestValidatePath_OutsideRoot(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	v, err := NewValidator(root)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	if _, err := v.ValidatePath(outside, true); err == nil {
		t.Fatal("expected path-outside-sandbox error")
	}
}

func TestValidatePath_Empty(t *testing.T) {
	root := t.TempDir()
	v, _ := NewValidator(root)

	if _, err := v.ValidatePath("   ", true); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestValidatePath_MissingWithoutAllowCreate(t *testing.T) {
	root := t.TempDir()
	v, _ := NewValidator(root)

	missing := filepath.Join(root, "does-not-exist")
	if _, err := v.ValidatePath(missing, false); err == nil {
		t.Fatal("expected path-missing error")
	}
	if _, err := v.ValidatePath(missing, true); err != nil {
		t.Fatalf("allow_create should tolerate a missing path: %v", err)
	}
}

func TestValidateToolArgs_ClampsLimit(t *testing.T) {
	args := map[string]any{"limit": 9000}
	policy := ToolPolicy{Enabled: true, MaxLimit: 500}

	out, err := ValidateToolArgs("list_files", args, policy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["limit"] != 500 {
		t.Fatalf("expected limit clamped to 500, got %v", out["limit"])
	}
}

func TestValidateToolArgs_DeleteRequiresConfirm(t *testing.T) {
	policy := ToolPolicy{Enabled: true}
	if _, err := ValidateToolArgs("delete_files", map[string]any{"confirm": false}, policy); err == nil {
		t.Fatal("expected destructive_blocked error")
	}
	if _, err := ValidateToolArgs("delete_files", map[string]any{"confirm": true}, policy); err != nil {
		t.Fatalf("unexpected error with confirm=true: %v", err)
	}
}

func TestValidateToolArgs_DisabledTool(t *testing.T) {
	policy := ToolPolicy{Enabled: false}
	if _, err := ValidateToolArgs("read_file", map[string]any{}, policy); err == nil {
		t.Fatal("expected tool_disabled error")
	}
}

func TestValidateToolArgs_WebGetScheme(t *testing.T) {
	policy := ToolPolicy{Enabled: true}
	if _, err := ValidateToolArgs("web_get", map[string]any{"url": "ftp://example.com"}, policy); err == nil {
		t.Fatal("expected validation error for non-http scheme")
	}
	if _, err := ValidateToolArgs("web_get", map[string]any{"url": "https://example.com"}, policy); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateToolArgs_BlockedDomain(t *testing.T) {
	policy := ToolPolicy{Enabled: true, BlockedDomains: []string{"evil.example"}}
	if _, err := ValidateToolArgs("web_get", map[string]any{"url": "https://evil.example/page"}, policy); err == nil {
		t.Fatal("expected blocked domain error")
	}
}

func TestSafeGlobPattern(t *testing.T) {
	cases := map[string]string{
		"*.go":        "*.go",
		"../../etc":   "etc",
		"":            "*",
		"~/secret/*":  "secret*",
	}
	for in, want := range cases {
		if got := SafeGlobPattern(in); got != want {
			t.Errorf("SafeGlobPattern(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	if got := SanitizeFilename("  ../weird:name*.txt "); got == "" {
		t.Fatal("expected non-empty sanitized name")
	}
	if got := SanitizeFilename(""); got != "unnamed" {
		t.Fatalf("expected fallback 'unnamed', got %q", got)
	}
}
