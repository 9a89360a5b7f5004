package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	openaisdk "github.com/sashabaranov/go-openai"

	"github.com/agentgateway/agentgateway/internal/domain/service"
	llm "github.com/agentgateway/agentgateway/internal/infrastructure/llm"
	"go.uber.org/zap"
)

func init() {
	llm.RegisterFactory("openai-native", func(cfg llm.ProviderConfig, logger *zap.Logger) llm.Provider {
		return NewNative(cfg, logger)
	})
}

// NativeProvider wraps the official go-openai SDK client. Registered
// separately from Provider (the hand-rolled OpenAI-compatible HTTP client
// above) since the SDK assumes a strict OpenAI wire format and doesn't
// flex to the Bailian/MiniMax/DeepSeek/Ollama dialects Provider supports;
// pick "openai-native" in config for the official API specifically.
type NativeProvider struct {
	name   string
	models []string
	client *openaisdk.Client
	logger *zap.Logger
}

// NewNative creates an OpenAI provider backed by github.com/sashabaranov/go-openai.
func NewNative(cfg llm.ProviderConfig, logger *zap.Logger) *NativeProvider {
	sdkCfg := openaisdk.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		sdkCfg.BaseURL = cfg.BaseURL
	}
	return &NativeProvider{
		name:   cfg.Name,
		models: cfg.Models,
		client: openaisdk.NewClientWithConfig(sdkCfg),
		logger: logger.With(zap.String("provider", cfg.Name), zap.String("type", "openai-native")),
	}
}

var _ llm.Provider = (*NativeProvider)(nil)

func (p *NativeProvider) Name() string    { return p.name }
func (p *NativeProvider) Models() []string { return p.models }

func (p *NativeProvider) SupportsModel(model string) bool {
	if len(p.models) == 0 {
		return true
	}
	for _, m := range p.models {
		if m == model {
			return true
		}
	}
	return false
}

func (p *NativeProvider) IsAvailable(ctx context.Context) bool {
	return p.client != nil
}

func (p *NativeProvider) Generate(ctx context.Context, req *service.LLMRequest) (*service.LLMResponse, error) {
	apiReq := p.buildRequest(req, false)

	resp, err := p.client.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai-native: empty response, no choices")
	}

	choice := resp.Choices[0]
	out := &service.LLMResponse{
		Content:    choice.Message.Content,
		ModelUsed:  resp.Model,
		TokensUsed: resp.Usage.TotalTokens,
	}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]interface{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, err
			}
		}
		out.ToolCalls = append(out.ToolCalls, service.ToolCallInfo{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return out, nil
}

func (p *NativeProvider) GenerateStream(ctx context.Context, req *service.LLMRequest, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, error) {
	apiReq := p.buildRequest(req, true)

	stream, err := p.client.CreateChatCompletionStream(ctx, apiReq)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var contentBuf string
	var totalTokens int

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if chunk.Usage != nil {
			totalTokens = chunk.Usage.TotalTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			contentBuf += delta.Content
			select {
			case deltaCh <- service.StreamChunk{DeltaText: delta.Content}:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return &service.LLMResponse{
		Content:    contentBuf,
		ModelUsed:  req.Model,
		TokensUsed: totalTokens,
	}, nil
}

func (p *NativeProvider) buildRequest(req *service.LLMRequest, stream bool) openaisdk.ChatCompletionRequest {
	apiReq := openaisdk.ChatCompletionRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
		Stream:      stream,
	}
	for _, msg := range req.Messages {
		apiReq.Messages = append(apiReq.Messages, openaisdk.ChatCompletionMessage{
			Role:       msg.Role,
			Content:    msg.TextContent(),
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		})
	}
	for _, td := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, openaisdk.Tool{
			Type: openaisdk.ToolTypeFunction,
			Function: &openaisdk.FunctionDefinition{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  ConvertSchema(td.Parameters),
			},
		})
	}
	return apiReq
}
