package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"distillery/src/infrastructure/llmq"
)

const DefaultURL = "http://localhost:11434"

// Parameters is the tunable part of a completion call, carried in the
// request's parameters JSON. Unset fields fall back to the backend
// defaults.
type Parameters struct {
	Model   string                 `json:"model,omitempty"`
	System  string                 `json:"system,omitempty"`
	Options map[string]interface{} `json:"options,omitempty"`
}

// Backend adapts the Ollama API to the LLM queue's backend contract and
// provides embeddings for artifact indexing.
type Backend struct {
	client       *api.Client
	defaultModel string
	embedModel   string
}

func NewBackend(rawURL, defaultModel, embedModel string) (*Backend, error) {
	if rawURL == "" {
		rawURL = DefaultURL
	}
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ollama url: %w", err)
	}

	return &Backend{
		client:       api.NewClient(base, http.DefaultClient),
		defaultModel: defaultModel,
		embedModel:   embedModel,
	}, nil
}

// Complete runs one generation. Malformed parameters and 4xx rejections
// are permanent; retrying them cannot help.
func (b *Backend) Complete(ctx context.Context, prompt string, parameters json.RawMessage) (string, error) {
	params := Parameters{Model: b.defaultModel}
	if len(parameters) > 0 {
		if err := json.Unmarshal(parameters, &params); err != nil {
			return "", llmq.Permanent(fmt.Errorf("failed to decode request parameters: %w", err))
		}
		if params.Model == "" {
			params.Model = b.defaultModel
		}
	}

	stream := false
	req := &api.GenerateRequest{
		Model:   params.Model,
		System:  params.System,
		Prompt:  prompt,
		Stream:  &stream,
		Options: params.Options,
	}

	var reply strings.Builder
	err := b.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		reply.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		var statusErr api.StatusError
		if errors.As(err, &statusErr) &&
			statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 &&
			statusErr.StatusCode != http.StatusTooManyRequests {
			return "", llmq.Permanent(fmt.Errorf("failed to generate completion: %w", err))
		}
		return "", fmt.Errorf("failed to generate completion: %w", err)
	}

	return reply.String(), nil
}

// Embed returns the embedding vector for one text.
func (b *Backend) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := b.client.Embeddings(ctx, &api.EmbeddingRequest{
		Model:  b.embedModel,
		Prompt: text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}

	// Convert float64 to float32
	embedding := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		embedding[i] = float32(v)
	}

	return embedding, nil
}
