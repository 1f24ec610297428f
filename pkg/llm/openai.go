package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

const (
	openAIEmbeddingModel = "text-embedding-3-small"
	embeddingDimensions  = 1536
)

// OpenAIProvider serves generation and embeddings through the OpenAI API or
// any OpenAI-compatible endpoint via a custom base URL.
type OpenAIProvider struct {
	client *openai.Client
	name   string
	model  string
}

// NewOpenAIProvider creates a provider. baseURL may be empty for the public
// API.
func NewOpenAIProvider(name, model, apiKey, baseURL string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llm: provider %s: API key is required", name)
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIProvider{client: &client, name: name, model: model}, nil
}

// Name returns the configured provider name.
func (p *OpenAIProvider) Name() string { return p.name }

// Model returns the configured model identifier.
func (p *OpenAIProvider) Model() string { return p.model }

// Generate runs one chat completion. When the request carries a schema, the
// json_schema response format is used so the model is constrained serverside.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*Result, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    p.model,
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Schema != nil {
		name := req.SchemaName
		if name == "" {
			name = "response"
		}
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   name,
					Schema: req.Schema,
					Strict: param.NewOpt(true),
				},
			},
		}
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("llm: provider %s: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm: provider %s returned no choices", p.name)
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return nil, fmt.Errorf("llm: provider %s refused: %s", p.name, choice.Message.Refusal)
	}

	return &Result{
		Text:     choice.Message.Content,
		Provider: p.name,
		Model:    resp.Model,
		Usage: Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// Embed returns the embedding vector for one text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("llm: cannot embed empty text")
	}
	resp, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model:          openAIEmbeddingModel,
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
		Dimensions:     openai.Int(embeddingDimensions),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: provider %s embedding failed: %w", p.name, err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("llm: provider %s returned no embedding", p.name)
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}
