// Package embed provides the embedding capability behind the unitizer: an
// OpenAI adapter, an HTTP client for a local embedding sidecar, and a
// memoizing cache that wraps either one.
package embed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
)

const defaultOpenAIModel = "text-embedding-3-small"

// OpenAIOptions configure the OpenAI embedding adapter.
type OpenAIOptions struct {
	// APIKey overrides the OPENAI_API_KEY environment variable.
	APIKey string
	// BaseURL overrides the default API endpoint.
	BaseURL string
	// Model selects the embedding model; empty means text-embedding-3-small.
	Model string
}

// OpenAI computes embeddings through the OpenAI embeddings endpoint.
type OpenAI struct {
	client openai.Client
	model  string
}

// NewOpenAI builds the adapter. The API key comes from opts or the
// OPENAI_API_KEY environment variable, never from a config file.
func NewOpenAI(opts OpenAIOptions) (*OpenAI, error) {
	key := strings.TrimSpace(opts.APIKey)
	if key == "" {
		key = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	if key == "" {
		return nil, errors.New("embed: missing openai api key (set OPENAI_API_KEY)")
	}
	reqOpts := []ooption.RequestOption{ooption.WithAPIKey(key)}
	if base := strings.TrimSpace(opts.BaseURL); base != "" {
		reqOpts = append(reqOpts, ooption.WithBaseURL(base))
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAI{client: openai.NewClient(reqOpts...), model: model}, nil
}

// Model reports the embedding model the adapter calls. Cache keys include it.
func (o *OpenAI) Model() string {
	if o == nil {
		return ""
	}
	return o.model
}

// Embed requests vectors for all texts in one batched call. Output order and
// arity match the input; an empty input returns nil without a network call.
func (o *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if o == nil {
		return nil, errors.New("embed: nil openai embedder")
	}
	if len(texts) == 0 {
		return nil, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	resp, err := o.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(o.model),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	})
	if err != nil {
		return nil, fmt.Errorf("embed: openai embeddings: %w", err)
	}
	if resp == nil || len(resp.Data) != len(texts) {
		return nil, errors.New("embed: invalid openai embeddings response")
	}

	// The API tags each vector with its input index; place by index rather
	// than trusting response order.
	out := make([][]float32, len(texts))
	for _, item := range resp.Data {
		idx := int(item.Index)
		if idx < 0 || idx >= len(out) {
			return nil, errors.New("embed: invalid openai embeddings response")
		}
		vec := make([]float32, len(item.Embedding))
		for i, v := range item.Embedding {
			vec[i] = float32(v)
		}
		out[idx] = vec
	}
	return out, nil
}
