package anthropic

import (
	"context"
	"errors"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agentgateway/agentgateway/internal/domain/service"
	llm "github.com/agentgateway/agentgateway/internal/infrastructure/llm"
	"go.uber.org/zap"
)

func init() {
	llm.RegisterFactory("anthropic-native", func(cfg llm.ProviderConfig, logger *zap.Logger) llm.Provider {
		return NewNative(cfg, logger)
	})
}

// NativeProvider wraps the official anthropic-sdk-go client. Registered
// alongside (not instead of) Provider, the hand-rolled Messages-API HTTP
// client above: the hand-rolled client's raw SSE access is what lets
// GenerateStream forward deltas as they arrive without buffering through
// an extra adapter layer, which this wrapper does do. Pick
// "anthropic-native" in config to exercise the official SDK directly.
type NativeProvider struct {
	name   string
	models []string
	client anthropicsdk.Client
	logger *zap.Logger
}

// NewNative creates an Anthropic provider backed by github.com/anthropics/anthropic-sdk-go.
func NewNative(cfg llm.ProviderConfig, logger *zap.Logger) *NativeProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &NativeProvider{
		name:   cfg.Name,
		models: cfg.Models,
		client: anthropicsdk.NewClient(opts...),
		logger: logger.With(zap.String("provider", cfg.Name), zap.String("type", "anthropic-native")),
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
	return true
}

func (p *NativeProvider) buildParams(req *service.LLMRequest) anthropicsdk.MessageNewParams {
	maxTokens := int64(req.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 8192
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(req.Model),
		MaxTokens: maxTokens,
	}

	var system string
	var messages []anthropicsdk.MessageParam
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			system = msg.TextContent()
		case "assistant":
			messages = append(messages, anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(msg.TextContent())))
		default:
			messages = append(messages, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(msg.TextContent())))
		}
	}
	if system != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: system}}
	}
	params.Messages = messages

	for _, td := range req.Tools {
		params.Tools = append(params.Tools, anthropicsdk.ToolUnionParam{
			OfTool: &anthropicsdk.ToolParam{
				Name:        td.Name,
				Description: anthropicsdk.String(td.Description),
				InputSchema: anthropicsdk.ToolInputSchemaParam{
					Properties: td.Parameters["properties"],
				},
			},
		})
	}

	return params
}

func (p *NativeProvider) Generate(ctx context.Context, req *service.LLMRequest) (*service.LLMResponse, error) {
	params := p.buildParams(req)

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}

	out := &service.LLMResponse{
		ModelUsed:  string(msg.Model),
		TokensUsed: int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropicsdk.TextBlock:
			out.Content += variant.Text
		case anthropicsdk.ToolUseBlock:
			args, _ := variant.Input.(map[string]interface{})
			out.ToolCalls = append(out.ToolCalls, service.ToolCallInfo{
				ID:        variant.ID,
				Name:      variant.Name,
				Arguments: args,
			})
		}
	}
	return out, nil
}

func (p *NativeProvider) GenerateStream(ctx context.Context, req *service.LLMRequest, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, error) {
	params := p.buildParams(req)

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var contentBuf string
	var modelUsed string
	var tokensUsed int

	for stream.Next() {
		event := stream.Current()
		switch delta := event.AsAny().(type) {
		case anthropicsdk.ContentBlockDeltaEvent:
			if textDelta, ok := delta.Delta.AsAny().(anthropicsdk.TextDelta); ok && textDelta.Text != "" {
				contentBuf += textDelta.Text
				select {
				case deltaCh <- service.StreamChunk{DeltaText: textDelta.Text}:
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		case anthropicsdk.MessageDeltaEvent:
			tokensUsed = int(delta.Usage.OutputTokens)
		}
	}
	if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return nil, err
	}

	return &service.LLMResponse{
		Content:    contentBuf,
		ModelUsed:  modelUsed,
		TokensUsed: tokensUsed,
	}, nil
}
