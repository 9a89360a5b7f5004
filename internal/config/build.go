// build.go assembles a ready-to-use *agentloop.Loop from Config, mirroring
// the teacher's infrastructure/config.Bootstrap's role of turning loaded
// config into wired runtime components (there it built directories and
// default files; here it builds the loop's dependency graph).
package config

import (
	"context"

	"go.uber.org/zap"

	"github.com/agentgateway/agentgateway/internal/agentloop"
	domainagent "github.com/agentgateway/agentgateway/internal/domain/agent"
	"github.com/agentgateway/agentgateway/internal/domain/service"
	domaintool "github.com/agentgateway/agentgateway/internal/domain/tool"
	infratool "github.com/agentgateway/agentgateway/internal/infrastructure/tool"
	"github.com/agentgateway/agentgateway/internal/metrics"
	"github.com/agentgateway/agentgateway/internal/sandbox"
)

// Components bundles everything Build assembles that a caller (the HTTP
// layer, mainly) needs direct access to beyond the Loop itself: the tool
// registry for the /tools catalog, the metrics collector for /metrics,
// and the policy watcher for graceful shutdown.
type Components struct {
	Loop     *agentloop.Loop
	Registry domaintool.Registry
	Metrics  *metrics.Collector
	Watcher  *ToolPolicyWatcher
}

// Build wires cfg into a *agentloop.Loop: a tool registry populated with
// the spec's built-in tools plus any reachable MCP servers, a policy
// table loaded from cfg.Agent.ToolsConfigPath, a metrics collector, and
// an llm.Router built from cfg.Agent.Providers. The loop keeps the policy
// table as loaded here; a later hot-reload by the watcher updates only
// the watcher's own Policies(), not the loop's copy.
// The returned watcher is started by the caller (who also owns its
// lifetime) rather than here, so Build stays synchronous and testable.
func Build(ctx context.Context, cfg *Config, logger *zap.Logger) (*Components, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	validator, err := sandbox.NewValidator("")
	if err != nil {
		return nil, err
	}

	registry := domaintool.NewInMemoryRegistry()
	infratool.RegisterSpecTools(registry, validator, logger)

	for _, mcpCfg := range cfg.Agent.MCPServers {
		adapter := infratool.NewMCPAdapter(mcpCfg.Name, mcpCfg.Endpoint, logger)
		if _, regErr := infratool.RegisterMCPTools(ctx, adapter, registry, logger); regErr != nil {
			logger.Warn("mcp tool discovery failed, continuing without this server",
				zap.String("server", mcpCfg.Name), zap.Error(regErr))
		}
	}

	watcher, err := NewToolPolicyWatcher(cfg.Agent.ToolsConfigPath, logger, nil)
	if err != nil {
		return nil, err
	}

	router := BuildRouter(cfg.Agent, logger)
	collector := metrics.NewCollector()

	contextGuard := service.NewContextGuard(cfg.Agent.ContextMaxTokens, cfg.Agent.ContextWarnRatio, cfg.Agent.ContextHardRatio, logger)

	loop := agentloop.New(agentloop.Deps{
		LLM:               router,
		Registry:          registry,
		ToolPolicies:      watcher.Policies(),
		Metrics:           collector,
		Logger:            logger,
		Model:             cfg.Agent.PrimaryModel,
		DefaultStepBudget: cfg.Agent.DefaultStepBudget,
		BatchWorkers:      cfg.Agent.BatchWorkers,
		ContextGuard:      contextGuard,
	})

	// spawn_subagent is registered after the loop exists because it holds a
	// reference back to it: the registry is a shared, mutable handle, so the
	// tool becomes visible to the already-constructed loop the moment it's
	// added, same as an MCP server discovered mid-run.
	spawner := domainagent.NewInMemorySpawner(logger, cfg.Agent.SubAgentMaxDepth)
	spawnTool := infratool.NewSpawnSubagentTool(loop, spawner, cfg.Agent.SubAgentMaxSteps, logger)
	if regErr := registry.Register(spawnTool); regErr != nil {
		logger.Warn("spawn_subagent registration failed", zap.Error(regErr))
	}

	return &Components{Loop: loop, Registry: registry, Metrics: collector, Watcher: watcher}, nil
}
