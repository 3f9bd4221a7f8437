package embedding

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
)

// OpenAIEmbedder produces embeddings via the OpenAI Embeddings API.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dims   int
}

// OpenAIOptions configures the OpenAI embedder.
type OpenAIOptions struct {
	Model string
	Dims  int
}

// NewOpenAIEmbedder creates an embedder using the official client. Defaults to
// text-embedding-3-small (1536 dims).
func NewOpenAIEmbedder(optFns ...func(o *OpenAIOptions)) *OpenAIEmbedder {
	client := openai.NewClient()
	return NewOpenAIEmbedderFromClient(&client, optFns...)
}

// NewOpenAIEmbedderFromClient creates an embedder from an existing client.
func NewOpenAIEmbedderFromClient(client *openai.Client, optFns ...func(o *OpenAIOptions)) *OpenAIEmbedder {
	opts := OpenAIOptions{
		Model: openai.EmbeddingModelTextEmbedding3Small,
		Dims:  1536,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &OpenAIEmbedder{client: client, model: opts.Model, dims: opts.Dims}
}

// Embed converts text to an embedding vector with a single API attempt.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings error: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	raw := resp.Data[0].Embedding
	vec := make(Vector, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Dims returns the embedding size.
func (e *OpenAIEmbedder) Dims() int { return e.dims }
