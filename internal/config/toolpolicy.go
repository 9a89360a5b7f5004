// Package config adapts the teacher's infrastructure/config.{Config,Load,
// Bootstrap} pattern to SPEC_FULL.md §6: a viper-loaded gateway/LLM config
// (spec_config.go) plus a standalone YAML tool-policy file, hot-reloaded
// with fsnotify in place of the teacher's config_watcher.go polling loop
// (domain/service.ConfigWatcher) since SPEC_FULL.md's DOMAIN STACK wires
// fsnotify specifically into this reload path.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agentgateway/agentgateway/internal/sandbox"
)

// Defaults for an unlisted or partially-specified tool entry, per spec.md
// §6: "missing policy fields use defaults (enabled=true,
// require_confirm=false, max_limit=500, max_length=65536)".
const (
	defaultMaxLimit  = 500
	defaultMaxLength = 65536
)

// ToolPolicyEntry is one tool's declarative record in the tools: map of
// the YAML file, keyed identically to spec.md §6's schema.
type ToolPolicyEntry struct {
	Enabled        *bool    `yaml:"enabled"`
	Module         string   `yaml:"module"` // dotted ref for plugin-backed tools; empty for built-ins
	Fn             string   `yaml:"fn"`
	RequireConfirm *bool    `yaml:"require_confirm"`
	MaxLimit       *int     `yaml:"max_limit"`
	MaxLength      *int     `yaml:"max_length"`
	BlockedDomains []string `yaml:"blocked_domains"`
}

// ToolPolicyFile is the top-level shape of the tools configuration file.
type ToolPolicyFile struct {
	Tools map[string]ToolPolicyEntry `yaml:"tools"`
}

// ToPolicy converts a YAML entry to sandbox.ToolPolicy, applying spec.md
// §6's defaults for any nil field.
func (e ToolPolicyEntry) ToPolicy() sandbox.ToolPolicy {
	policy := sandbox.ToolPolicy{
		Enabled:        true,
		RequireConfirm: false,
		MaxLimit:       defaultMaxLimit,
		MaxLength:      defaultMaxLength,
		BlockedDomains: e.BlockedDomains,
	}
	if e.Enabled != nil {
		policy.Enabled = *e.Enabled
	}
	if e.RequireConfirm != nil {
		policy.RequireConfirm = *e.RequireConfirm
	}
	if e.MaxLimit != nil {
		policy.MaxLimit = *e.MaxLimit
	}
	if e.MaxLength != nil {
		policy.MaxLength = *e.MaxLength
	}
	return policy
}

// LoadToolPolicies reads the tools configuration file at path and returns
// a name->policy map. A missing file is not an error: it returns an empty
// map, so every tool falls back to the built-in defaults (equivalent to
// spec.md's "unknown tools in the file are disabled" only applying to
// names the file does mention but omits — an absent file mentions none).
func LoadToolPolicies(path string) (map[string]sandbox.ToolPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]sandbox.ToolPolicy{}, nil
		}
		return nil, fmt.Errorf("read tool policy file: %w", err)
	}

	var file ToolPolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tool policy file %s: %w", path, err)
	}

	policies := make(map[string]sandbox.ToolPolicy, len(file.Tools))
	for name, entry := range file.Tools {
		policies[name] = entry.ToPolicy()
	}
	return policies, nil
}

// ToolPolicyWatcher hot-reloads the tool policy file on write, handing the
// refreshed map to onChange. Mirrors domain/service.ConfigWatcher's
// RWMutex-guarded Config()/reload() shape, but is driven by fsnotify write
// events instead of a polling ticker.
type ToolPolicyWatcher struct {
	path     string
	logger   *zap.Logger
	onChange func(map[string]sandbox.ToolPolicy)

	mu       sync.RWMutex
	policies map[string]sandbox.ToolPolicy

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewToolPolicyWatcher loads path once synchronously (so the caller has a
// usable policy table immediately) and prepares to watch it for changes.
// onChange may be nil if the caller only needs Policies().
func NewToolPolicyWatcher(path string, logger *zap.Logger, onChange func(map[string]sandbox.ToolPolicy)) (*ToolPolicyWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	initial, err := LoadToolPolicies(path)
	if err != nil {
		return nil, err
	}

	w := &ToolPolicyWatcher{
		path:     path,
		logger:   logger.With(zap.String("component", "tool-policy-watcher")),
		onChange: onChange,
		policies: initial,
		stopCh:   make(chan struct{}),
	}
	return w, nil
}

// Policies returns the current policy table (thread-safe).
func (w *ToolPolicyWatcher) Policies() map[string]sandbox.ToolPolicy {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[string]sandbox.ToolPolicy, len(w.policies))
	for k, v := range w.policies {
		out[k] = v
	}
	return out
}

// Start begins watching the tool policy file's parent directory for
// writes/renames (editors often replace-on-save rather than write in
// place) and blocks until Stop is called. If the underlying fsnotify
// watcher cannot be created, Start logs a warning and returns immediately:
// the static policy loaded in NewToolPolicyWatcher is still usable, just
// not hot-reloaded.
func (w *ToolPolicyWatcher) Start() {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify unavailable, tool policy hot-reload disabled", zap.Error(err))
		return
	}
	w.watcher = fw
	defer fw.Close()

	if err := fw.Add(parentDir(w.path)); err != nil {
		w.logger.Warn("failed to watch tool policy directory", zap.String("path", w.path), zap.Error(err))
		return
	}

	w.logger.Info("tool policy watcher started", zap.String("path", w.path))
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("tool policy watcher error", zap.Error(err))
		}
	}
}

// Stop signals Start's event loop to return.
func (w *ToolPolicyWatcher) Stop() {
	close(w.stopCh)
}

func (w *ToolPolicyWatcher) reload() {
	policies, err := LoadToolPolicies(w.path)
	if err != nil {
		w.logger.Warn("tool policy reload failed, keeping previous policies", zap.Error(err))
		return
	}
	w.mu.Lock()
	w.policies = policies
	w.mu.Unlock()
	w.logger.Info("tool policy reloaded", zap.String("path", w.path), zap.Int("tools", len(policies)))
	if w.onChange != nil {
		w.onChange(policies)
	}
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
