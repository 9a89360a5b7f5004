package tool

import (
	domaintool "github.com/agentgateway/agentgateway/internal/domain/tool"
	"github.com/agentgateway/agentgateway/internal/sandbox"
	"go.uber.org/zap"
)

// RegisterSpecTools registers the built-in tool set named by SPEC_FULL.md
// (list_files, read_file, count_files, count_dirs, delete_files, web_get)
// into registry and returns how many registered; MCP-discovered tools are
// not registered here (see the note below). Separate from teacher's
// RegisterAllTools (which wires a much larger, differently-scoped tool
// surface) since these are the only tools the planner/critic/verifier
// rule-based fast paths and toolChains (internal/planner) know by name.
func RegisterSpecTools(registry domaintool.Registry, validator *sandbox.Validator, logger *zap.Logger) int {
	tools := []domaintool.Tool{
		NewListFilesTool(validator, logger),
		NewReadFileTool(validator, logger),
		NewCountFilesTool(validator, logger),
		NewCountDirsTool(validator, logger),
		NewDeleteFilesTool(validator, logger),
		NewWebGetTool(logger),
	}

	registered := 0
	for _, tl := range tools {
		if err := registry.Register(tl); err != nil {
			logger.Warn("failed to register builtin tool", zap.String("tool", tl.Name()), zap.Error(err))
			continue
		}
		registered++
	}
	return registered
}

// MCP-backed tools are added via RegisterMCPTools (mcp_tool.go), which
// already adapts any MCPAdapter's discovered tools to domaintool.Tool.
//
// spawn_subagent (spec_spawn_tool.go) is registered separately, after the
// *agentloop.Loop exists, since the tool holds a reference back to it —
// see internal/config.Build.
