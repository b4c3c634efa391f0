package qdrant

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Embedder turns text into fixed-size vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// OpenAIEmbedder calls the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dims   int
}

// NewOpenAIEmbedder builds an embedder for the given model. baseURL is
// optional and points at API-compatible gateways.
func NewOpenAIEmbedder(apiKey, baseURL, model string) *OpenAIEmbedder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		dims:   1536,
	}
}

// Embed requests one embedding per input text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// Dimensions returns the vector width of the configured model.
func (e *OpenAIEmbedder) Dimensions() int { return e.dims }

// HashEmbedder derives deterministic vectors from token hashes. It is not a
// semantic embedding; it keeps the pipeline functional when no embedding
// API is configured and gives tests reproducible vectors.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder returns a hash embedder with the given width (256 when
// zero).
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

// Embed folds each token's digest into the vector and L2-normalizes.
func (e *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, e.dims)
		for _, token := range strings.Fields(strings.ToLower(text)) {
			sum := sha256.Sum256([]byte(token))
			idx := binary.BigEndian.Uint32(sum[:4]) % uint32(e.dims)
			sign := float32(1)
			if sum[4]&1 == 1 {
				sign = -1
			}
			vec[idx] += sign
		}
		var norm float64
		for _, v := range vec {
			norm += float64(v) * float64(v)
		}
		if norm > 0 {
			scale := float32(1 / math.Sqrt(norm))
			for j := range vec {
				vec[j] *= scale
			}
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions returns the vector width.
func (e *HashEmbedder) Dimensions() int { return e.dims }
