package config

import (
	"testing"

	"go.uber.org/zap"
)

func TestBuildRouter_SkipsUnknownProviderType(t *testing.T) {
	cfg := AgentConfig{
		Providers: []ProviderConfig{
			{Name: "mystery", Type: "does-not-exist", Priority: 1},
		},
	}
	router := BuildRouter(cfg, zap.NewNop())
	if router == nil {
		t.Fatal("expected a non-nil router even with zero usable providers")
	}
}

func TestBuildRouter_RegistersKnownProviderTypes(t *testing.T) {
	cfg := AgentConfig{
		Providers: []ProviderConfig{
			{Name: "primary", Type: "openai", BaseURL: "http://localhost:1234", APIKey: "test", Models: []string{"gpt-test"}, Priority: 1},
			{Name: "fallback", Type: "anthropic", BaseURL: "http://localhost:5678", APIKey: "test", Models: []string{"claude-test"}, Priority: 2},
		},
	}
	router := BuildRouter(cfg, zap.NewNop())
	if router == nil {
		t.Fatal("expected a non-nil router")
	}
}

func TestSetDefaults_CoversGatewayAgentLog(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port == 0 {
		t.Fatal("expected a non-zero default gateway port")
	}
	if cfg.Agent.DefaultStepBudget <= 0 {
		t.Fatal("expected a positive default step budget")
	}
	if cfg.Log.Level == "" {
		t.Fatal("expected a default log level")
	}
}
