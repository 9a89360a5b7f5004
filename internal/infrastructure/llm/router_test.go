package llm

import (
	"context"
	"testing"
	"time"

	"github.com/agentgateway/agentgateway/internal/domain/service"
	"go.uber.org/zap"
)

type countingProvider struct {
	name          string
	available     bool
	availableCalls int
}

func (p *countingProvider) Name() string          { return p.name }
func (p *countingProvider) Models() []string      { return []string{"test-model"} }
func (p *countingProvider) SupportsModel(m string) bool { return m == "test-model" }
func (p *countingProvider) IsAvailable(ctx context.Context) bool {
	p.availableCalls++
	return p.available
}
func (p *countingProvider) Generate(ctx context.Context, req *service.LLMRequest) (*service.LLMResponse, error) {
	return &service.LLMResponse{Content: "ok", ModelUsed: p.name}, nil
}
func (p *countingProvider) GenerateStream(ctx context.Context, req *service.LLMRequest, ch chan<- service.StreamChunk) (*service.LLMResponse, error) {
	return &service.LLMResponse{Content: "ok", ModelUsed: p.name}, nil
}

func TestCachedIsAvailable_CachesWithinTTL(t *testing.T) {
	r := NewRouter(zap.NewNop())
	p := &countingProvider{name: "p1", available: true}
	r.AddProvider(p)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := r.Generate(ctx, &service.LLMRequest{Model: "test-model"}); err != nil {
			t.Fatalf("Generate: %v", err)
		}
	}

	if p.availableCalls != 1 {
		t.Fatalf("expected IsAvailable probed once within TTL, got %d calls", p.availableCalls)
	}
}

func TestCachedIsAvailable_ReprobesAfterTTL(t *testing.T) {
	r := NewRouter(zap.NewNop())
	p := &countingProvider{name: "p1", available: true}
	r.AddProvider(p)

	ctx := context.Background()
	if !r.cachedIsAvailable(ctx, p) {
		t.Fatal("expected available")
	}
	r.mu.Lock()
	r.health[p.Name()].checkedAt = time.Now().Add(-healthCacheTTL - time.Second)
	r.mu.Unlock()

	if !r.cachedIsAvailable(ctx, p) {
		t.Fatal("expected still available after reprobe")
	}
	if p.availableCalls != 2 {
		t.Fatalf("expected a second probe after TTL expiry, got %d calls", p.availableCalls)
	}
}

func TestCachedIsAvailable_SkipsUnavailableProviderInGenerate(t *testing.T) {
	r := NewRouter(zap.NewNop())
	down := &countingProvider{name: "down", available: false}
	up := &countingProvider{name: "up", available: true}
	r.AddProvider(down)
	r.AddProvider(up)

	resp, err := r.Generate(context.Background(), &service.LLMRequest{Model: "test-model"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.ModelUsed != "up" {
		t.Fatalf("expected fallback to the available provider, got %s", resp.ModelUsed)
	}
}
