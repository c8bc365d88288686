package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"ragvault/internal/config"
)

// prefixFor returns the provider-specific prompt prefix for a Kind, per spec.md §4.5's
// "embed-query" note. Providers that are not prefix-sensitive return "" for both kinds.
type prefixFor func(Kind) string

// openAIProvider calls an OpenAI-compatible embeddings endpoint via the official SDK. It
// also serves OpenAI-compatible self-hosted servers (llama.cpp, vLLM) via BaseURL override,
// matching the teacher's internal/llm/openai.Client base-URL pattern.
type openAIProvider struct {
	client sdk.Client
	model  string
	dim    int
	prefix prefixFor
}

// NewOpenAIProvider builds a Provider backed by the OpenAI embeddings API (or a compatible
// self-hosted server when cfg.Host is set).
func NewOpenAIProvider(cfg config.EmbeddingConfig) Provider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Host != "" {
		opts = append(opts, option.WithBaseURL(cfg.Host))
	}
	return &openAIProvider{
		client: sdk.NewClient(opts...),
		model:  cfg.Model,
		dim:    cfg.Dimensions,
		prefix: noPrefix,
	}
}

func (p *openAIProvider) Name() string   { return "openai:" + p.model }
func (p *openAIProvider) Dimensions() int { return p.dim }

func (p *openAIProvider) EmbedBatch(ctx context.Context, texts []string, kind Kind) ([][]float32, error) {
	inputs := applyPrefix(texts, p.prefix(kind))

	resp, err := p.client.Embeddings.New(ctx, sdk.EmbeddingNewParams{
		Model: p.model,
		Input: sdk.EmbeddingNewParamsInputUnion{OfArrayOfStrings: inputs},
	})
	if err != nil {
		if isNonTransient(err) {
			return nil, fmt.Errorf("%w: %v", ErrNonTransient, err)
		}
		return nil, err
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, f := range d.Embedding {
			vec[j] = float32(f)
		}
		out[i] = vec
	}
	return out, nil
}

func noPrefix(Kind) string { return "" }

// genericHTTPProvider calls an arbitrary OpenAI-schema-compatible embeddings endpoint over
// plain HTTP, for providers without a dedicated SDK (self-hosted servers, proxies). Mirrors
// the teacher's internal/embedding.EmbedText request/response shape.
type genericHTTPProvider struct {
	httpClient *http.Client
	cfg        config.EmbeddingConfig
	prefix     prefixFor
}

// NewGenericHTTPProvider builds a Provider that POSTs {model, input} and expects
// {data: [{embedding: [...]}]} back, the lowest common denominator embeddings schema.
func NewGenericHTTPProvider(cfg config.EmbeddingConfig, httpClient *http.Client) Provider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &genericHTTPProvider{httpClient: httpClient, cfg: cfg, prefix: noPrefix}
}

func (p *genericHTTPProvider) Name() string    { return "generic:" + p.cfg.Model }
func (p *genericHTTPProvider) Dimensions() int { return p.cfg.Dimensions }

type genericEmbedReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type genericEmbedResp struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (p *genericHTTPProvider) EmbedBatch(ctx context.Context, texts []string, kind Kind) ([][]float32, error) {
	inputs := applyPrefix(texts, p.prefix(kind))

	body, err := json.Marshal(genericEmbedReq{Model: p.cfg.Model, Input: inputs})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Host, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIHeader == "Authorization" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	} else if p.cfg.APIHeader != "" {
		req.Header.Set(p.cfg.APIHeader, p.cfg.APIKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
		return nil, fmt.Errorf("%w: %s: %s", ErrNonTransient, resp.Status, string(raw))
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("embedding endpoint error: %s: %s", resp.Status, string(raw))
	}

	var er genericEmbedResp
	if err := json.Unmarshal(raw, &er); err != nil {
		return nil, fmt.Errorf("parse embedding response: %w", err)
	}
	if len(er.Data) != len(inputs) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d inputs", len(er.Data), len(inputs))
	}
	out := make([][]float32, len(er.Data))
	for i := range er.Data {
		out[i] = er.Data[i].Embedding
	}
	return out, nil
}

func applyPrefix(texts []string, prefix string) []string {
	if prefix == "" {
		return texts
	}
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = prefix + t
	}
	return out
}

// isNonTransient classifies SDK errors by message since openai-go does not export a typed
// authentication-vs-rate-limit error; status codes 401/400 are treated as non-transient.
func isNonTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") || strings.Contains(msg, "invalid_api_key") ||
		strings.Contains(msg, "400") || strings.Contains(msg, "invalid_request")
}

// NewProvider selects a Provider implementation from cfg.Provider ("openai" or "generic"),
// defaulting to generic HTTP for any self-hosted/OpenAI-compatible endpoint.
func NewProvider(cfg config.EmbeddingConfig, httpClient *http.Client) Provider {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIProvider(cfg)
	default:
		return NewGenericHTTPProvider(cfg, httpClient)
	}
}
