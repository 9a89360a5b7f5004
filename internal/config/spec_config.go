// spec_config.go covers SPEC_FULL.md §6's Environment inputs: the primary
// model, the fallback provider chain, the LLM host, allowed origins, the
// default step budget, and the tools-config path. Layering follows the
// teacher's infrastructure/config.Load() (defaults -> global
// ~/.ngoclaw/config.yaml -> project-local config.yaml -> env vars), with
// the section renamed from ngoclaw's broader app config down to what the
// agent loop actually consumes.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/agentgateway/agentgateway/internal/infrastructure/llm"

	// Blank-imported so each provider type registers its factory via init()
	// before BuildRouter's llm.CreateProvider calls run.
	_ "github.com/agentgateway/agentgateway/internal/infrastructure/llm/anthropic"
	_ "github.com/agentgateway/agentgateway/internal/infrastructure/llm/gemini"
	_ "github.com/agentgateway/agentgateway/internal/infrastructure/llm/openai"
)

// ProviderConfig mirrors llm.ProviderConfig's shape for YAML/env binding;
// converted via ToLLMConfig before being handed to llm.CreateProvider.
type ProviderConfig struct {
	Name     string   `mapstructure:"name"`
	Type     string   `mapstructure:"type"`
	BaseURL  string   `mapstructure:"base_url"`
	APIKey   string   `mapstructure:"api_key"`
	Models   []string `mapstructure:"models"`
	Priority int      `mapstructure:"priority"`
}

func (p ProviderConfig) ToLLMConfig() llm.ProviderConfig {
	return llm.ProviderConfig{
		Name:     p.Name,
		Type:     p.Type,
		BaseURL:  p.BaseURL,
		APIKey:   p.APIKey,
		Models:   p.Models,
		Priority: p.Priority,
	}
}

// Config is the gateway's top-level, viper-bound configuration.
type Config struct {
	Gateway GatewayConfig `mapstructure:"gateway"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Log     LogConfig     `mapstructure:"log"`
}

// GatewayConfig covers the HTTP/SSE surface (§6's external interface).
type GatewayConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// AgentConfig covers the loop's model chain and per-run defaults.
type AgentConfig struct {
	PrimaryModel      string           `mapstructure:"primary_model"`
	FallbackModels    []string         `mapstructure:"fallback_models"`
	Providers         []ProviderConfig `mapstructure:"providers"`
	DefaultStepBudget int              `mapstructure:"default_step_budget"`
	ToolsConfigPath   string           `mapstructure:"tools_config_path"`
	BatchWorkers      int              `mapstructure:"batch_workers"`
	MCPServers        []MCPServerConfig `mapstructure:"mcp_servers"`
	SubAgentMaxDepth  int              `mapstructure:"subagent_max_depth"`
	SubAgentMaxSteps  int              `mapstructure:"subagent_max_steps"`
	ContextMaxTokens  int              `mapstructure:"context_max_tokens"`
	ContextWarnRatio  float64          `mapstructure:"context_warn_ratio"`
	ContextHardRatio  float64          `mapstructure:"context_hard_ratio"`
}

// MCPServerConfig names one MCP server to discover tools from at startup.
type MCPServerConfig struct {
	Name     string `mapstructure:"name"`
	Endpoint string `mapstructure:"endpoint"`
}

// LogConfig controls the zap logger construction.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load layers defaults, a global ~/.agentgateway/config.yaml, a
// project-local ./config.yaml, and AGENTGATEWAY_-prefixed env vars, in
// that ascending order of precedence, matching infrastructure/config.Load.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	globalDir := filepath.Join(os.Getenv("HOME"), ".agentgateway")
	v.AddConfigPath(globalDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read global config: %w", err)
		}
	}

	for _, localDir := range []string{"./config", "."} {
		localPath := filepath.Join(localDir, "config.yaml")
		if _, err := os.Stat(localPath); err == nil {
			v2 := viper.New()
			v2.SetConfigFile(localPath)
			if err := v2.ReadInConfig(); err == nil {
				_ = v.MergeConfigMap(v2.AllSettings())
			}
			break
		}
	}

	v.SetEnvPrefix("AGENTGATEWAY")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.host", "0.0.0.0")
	v.SetDefault("gateway.port", 8080)
	v.SetDefault("gateway.allowed_origins", []string{"*"})

	v.SetDefault("agent.default_step_budget", 12)
	v.SetDefault("agent.tools_config_path", "./config/tools.yaml")
	v.SetDefault("agent.batch_workers", 4)
	v.SetDefault("agent.subagent_max_depth", 3)
	v.SetDefault("agent.subagent_max_steps", 8)
	v.SetDefault("agent.context_max_tokens", 100000)
	v.SetDefault("agent.context_warn_ratio", 0.7)
	v.SetDefault("agent.context_hard_ratio", 0.85)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// BuildRouter constructs an *llm.Router from cfg's provider list, ordered
// by Priority ascending (lowest first, matching llm.ProviderConfig's
// "lower = higher priority" contract). A provider whose factory type is
// unregistered is skipped with a warning rather than failing the whole
// router, so one bad provider entry doesn't take the gateway down.
func BuildRouter(cfg AgentConfig, logger *zap.Logger) *llm.Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	providers := make([]ProviderConfig, len(cfg.Providers))
	copy(providers, cfg.Providers)
	for i := 0; i < len(providers); i++ {
		for j := i + 1; j < len(providers); j++ {
			if providers[j].Priority < providers[i].Priority {
				providers[i], providers[j] = providers[j], providers[i]
			}
		}
	}

	router := llm.NewRouter(logger)
	for _, pc := range providers {
		provider, err := llm.CreateProvider(pc.ToLLMConfig(), logger)
		if err != nil {
			logger.Warn("skipping provider with unknown type",
				zap.String("name", pc.Name), zap.String("type", pc.Type), zap.Error(err))
			continue
		}
		router.AddProvider(provider)
	}
	return router
}
