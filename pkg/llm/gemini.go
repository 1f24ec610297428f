package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const geminiEmbeddingModel = "gemini-embedding-001"

// GeminiProvider serves generation and embeddings through the Gemini API.
type GeminiProvider struct {
	client *genai.Client
	name   string
	model  string
}

// NewGeminiProvider creates a provider.
func NewGeminiProvider(ctx context.Context, name, model, apiKey string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llm: provider %s: API key is required", name)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("llm: provider %s: failed to create client: %w", name, err)
	}
	return &GeminiProvider{client: client, name: name, model: model}, nil
}

// Name returns the configured provider name.
func (p *GeminiProvider) Name() string { return p.name }

// Model returns the configured model identifier.
func (p *GeminiProvider) Model() string { return p.model }

// Generate runs one generation call. Structured requests switch the response
// to JSON and state the schema in the system instruction; DecodeStructured
// absorbs the residual formatting drift.
func (p *GeminiProvider) Generate(ctx context.Context, req Request) (*Result, error) {
	cfg := &genai.GenerateContentConfig{}
	if req.Temperature > 0 {
		t := float32(req.Temperature)
		cfg.Temperature = &t
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	system := req.System
	if req.Schema != nil {
		cfg.ResponseMIMEType = "application/json"
		schemaJSON, err := json.Marshal(req.Schema)
		if err != nil {
			return nil, fmt.Errorf("llm: failed to encode schema: %w", err)
		}
		system = strings.TrimSpace(system +
			"\n\nRespond with a single JSON value matching this JSON Schema exactly:\n" +
			string(schemaJSON))
	}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(system)}}
	}

	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}
	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("llm: provider %s: %w", p.name, err)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("llm: provider %s returned no candidates", p.name)
	}
	candidate := resp.Candidates[0]
	if candidate.FinishReason != genai.FinishReasonStop &&
		candidate.FinishReason != genai.FinishReasonUnspecified {
		return nil, fmt.Errorf("llm: provider %s stopped early: %s", p.name, candidate.FinishReason)
	}

	var sb strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				sb.WriteString(part.Text)
			}
		}
	}

	result := &Result{Text: sb.String(), Provider: p.name, Model: p.model}
	if resp.UsageMetadata != nil {
		result.Usage = Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return result, nil
}

// Embed returns the embedding vector for one text, truncated or padded to
// the store's dimensionality by the API's output_dimensionality setting.
func (p *GeminiProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("llm: cannot embed empty text")
	}
	dim := int32(embeddingDimensions)
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	resp, err := p.client.Models.EmbedContent(ctx, geminiEmbeddingModel, contents,
		&genai.EmbedContentConfig{
			TaskType:             "SEMANTIC_SIMILARITY",
			OutputDimensionality: &dim,
		})
	if err != nil {
		return nil, fmt.Errorf("llm: provider %s embedding failed: %w", p.name, err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("llm: provider %s returned no embedding", p.name)
	}
	return resp.Embeddings[0].Values, nil
}
