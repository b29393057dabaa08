// Package embedding wraps the external embedding capability with a
// content-addressed cache and batched, retrying requests.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Provider is the opaque text to vector capability.
type Provider interface {
	// Embed returns one vector per input, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Ping checks that the capability is reachable and serves the model.
	Ping(ctx context.Context) error
	// Model names the embedding model.
	Model() string
}

// OpenAIProvider talks to any OpenAI-compatible /v1/embeddings endpoint,
// including a local Ollama.
type OpenAIProvider struct {
	client openai.Client
	model  string
}

// NewOpenAIProvider creates a provider for baseURL and model.
// Retries are handled by Client, so the SDK's own retries are disabled.
func NewOpenAIProvider(baseURL, apiKey, model string, timeout time.Duration) *OpenAIProvider {
	if apiKey == "" {
		apiKey = "ollama"
	}
	opts := []option.RequestOption{
		option.WithBaseURL(baseURL),
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// Model returns the configured model name.
func (p *OpenAIProvider) Model() string {
	return p.model
}

// Embed sends every text in a single request.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(p.model),
	})
	if err != nil {
		return nil, classify(err)
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) {
			return nil, fmt.Errorf("embedding: response index %d out of range", d.Index)
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		out[d.Index] = vec
	}
	return out, nil
}

// Ping lists the served models and checks ours is among them.
func (p *OpenAIProvider) Ping(ctx context.Context) error {
	page, err := p.client.Models.List(ctx)
	if err != nil {
		return classify(err)
	}
	for _, m := range page.Data {
		if m.ID == p.model || strings.HasPrefix(m.ID, p.model+":") {
			return nil
		}
	}
	return fmt.Errorf("embedding: model %q not served", p.model)
}

// statusError carries the HTTP status of a failed API call.
type statusError struct {
	code int
	err  error
}

func (e *statusError) Error() string   { return e.err.Error() }
func (e *statusError) Unwrap() error   { return e.err }
func (e *statusError) HTTPStatus() int { return e.code }

func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &statusError{code: apiErr.StatusCode, err: err}
	}
	return err
}
