package completion

import (
	"context"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"

	openai "github.com/openai/openai-go/v2"
	openaiopt "github.com/openai/openai-go/v2/option"

	genai "google.golang.org/genai"

	"ragvault/internal/config"
)

// ProviderConfig names the fast/quality model pair and credentials for one provider entry
// in the completion fallback chain.
type ProviderConfig struct {
	APIKey       string
	BaseURL      string
	FastModel    string
	QualityModel string
}

func modelFor(cfg ProviderConfig, tier Tier) string {
	if tier == TierQuality && cfg.QualityModel != "" {
		return cfg.QualityModel
	}
	if cfg.FastModel != "" {
		return cfg.FastModel
	}
	return cfg.QualityModel
}

// anthropicProvider streams via Messages.NewStreaming, emitting only text deltas — the
// query pipeline has no use for tool calls or thinking blocks.
type anthropicProvider struct {
	sdk anthropic.Client
	cfg ProviderConfig
}

func NewAnthropicProvider(cfg ProviderConfig) Provider {
	opts := []anthropicopt.RequestOption{anthropicopt.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropicopt.WithBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")))
	}
	return &anthropicProvider{sdk: anthropic.NewClient(opts...), cfg: cfg}
}

func (p *anthropicProvider) Name() string { return "anthropic" }

func (p *anthropicProvider) Stream(ctx context.Context, msgs []Message, opts Options, onDelta func(string)) error {
	var sys string
	var converted []anthropic.MessageParam
	for _, m := range msgs {
		switch m.Role {
		case "system":
			sys = m.Content
		case "assistant":
			converted = append(converted, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			converted = append(converted, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(modelFor(p.cfg, opts.Tier)),
		Messages:    converted,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(opts.Temperature),
	}
	if sys != "" {
		params.System = []anthropic.TextBlockParam{{Text: sys}}
	}

	stream := p.sdk.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	for stream.Next() {
		event := stream.Current()
		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
				onDelta(text.Text)
			}
		}
	}
	return stream.Err()
}

// openAIProvider streams via Chat.Completions.NewStreaming.
type openAIProvider struct {
	sdk openai.Client
	cfg ProviderConfig
}

func NewOpenAIProvider(cfg ProviderConfig) Provider {
	opts := []openaiopt.RequestOption{openaiopt.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, openaiopt.WithBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")))
	}
	return &openAIProvider{sdk: openai.NewClient(opts...), cfg: cfg}
}

func (p *openAIProvider) Name() string { return "openai" }

func (p *openAIProvider) Stream(ctx context.Context, msgs []Message, opts Options, onDelta func(string)) error {
	var converted []openai.ChatCompletionMessageParamUnion
	for _, m := range msgs {
		switch m.Role {
		case "system":
			converted = append(converted, openai.SystemMessage(m.Content))
		case "assistant":
			converted = append(converted, openai.AssistantMessage(m.Content))
		default:
			converted = append(converted, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       modelFor(p.cfg, opts.Tier),
		Messages:    converted,
		Temperature: openai.Float(opts.Temperature),
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}

	stream := p.sdk.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	for stream.Next() {
		chunk := stream.Current()
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				onDelta(choice.Delta.Content)
			}
		}
	}
	return stream.Err()
}

// googleProvider streams via Models.GenerateContentStream.
type googleProvider struct {
	client *genai.Client
	cfg    ProviderConfig
}

func NewGoogleProvider(ctx context.Context, cfg ProviderConfig) (Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("init google client: %w", err)
	}
	return &googleProvider{client: client, cfg: cfg}, nil
}

func (p *googleProvider) Name() string { return "google" }

func (p *googleProvider) Stream(ctx context.Context, msgs []Message, opts Options, onDelta func(string)) error {
	var contents []*genai.Content
	var sysInstruction *genai.Content
	for _, m := range msgs {
		switch m.Role {
		case "system":
			sysInstruction = genai.NewContentFromText(m.Content, genai.RoleUser)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	genConfig := &genai.GenerateContentConfig{
		Temperature:       genai.Ptr(float32(opts.Temperature)),
		SystemInstruction: sysInstruction,
	}
	if opts.MaxTokens > 0 {
		genConfig.MaxOutputTokens = int32(opts.MaxTokens)
	}

	model := modelFor(p.cfg, opts.Tier)
	stream := p.client.Models.GenerateContentStream(ctx, model, contents, genConfig)
	var streamErr error
	for chunk, err := range stream {
		if err != nil {
			streamErr = err
			break
		}
		for _, cand := range chunk.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if part.Text != "" {
					onDelta(part.Text)
				}
			}
		}
	}
	return streamErr
}

// BuildChain constructs the ordered provider list from config.CompletionConfig, skipping
// any fallback name it does not recognize.
func BuildChain(ctx context.Context, cfg config.CompletionConfig) ([]Provider, error) {
	pc := ProviderConfig{
		APIKey:       cfg.APIKey,
		FastModel:    cfg.FastModel,
		QualityModel: cfg.QualityModel,
	}

	build := func(name string) (Provider, error) {
		switch name {
		case "anthropic":
			return NewAnthropicProvider(pc), nil
		case "openai":
			return NewOpenAIProvider(pc), nil
		case "google":
			return NewGoogleProvider(ctx, pc)
		default:
			return nil, fmt.Errorf("completion: unknown provider %q", name)
		}
	}

	var chain []Provider
	primary, err := build(cfg.Provider)
	if err != nil {
		return nil, err
	}
	chain = append(chain, primary)
	for _, fb := range cfg.Fallbacks {
		p, err := build(fb)
		if err != nil {
			continue
		}
		chain = append(chain, p)
	}
	return chain, nil
}
